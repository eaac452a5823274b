package middleware

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushHijackWriter struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (w *flushHijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

// bareWriter supports neither http.Flusher nor http.Hijacker.
type bareWriter struct {
	header http.Header
}

func (w *bareWriter) Header() http.Header       { return w.header }
func (w *bareWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *bareWriter) WriteHeader(int)             {}

func TestStatusRecorder_FirstWriteHeaderWins(t *testing.T) {
	rw := newStatusRecorder(httptest.NewRecorder())

	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError)

	assert.Equal(t, http.StatusAccepted, rw.status)
}

func TestStatusRecorder_WriteImpliesOKAndCountsBytes(t *testing.T) {
	rw := newStatusRecorder(httptest.NewRecorder())

	_, _ = rw.Write([]byte(`{"data":`))
	_, _ = rw.Write([]byte(`{}}`))
	rw.WriteHeader(http.StatusTeapot)

	assert.Equal(t, http.StatusOK, rw.status)
	assert.Equal(t, 11, rw.bytes)
}

func TestStatusRecorder_ReusesExistingRecorder(t *testing.T) {
	outer := newStatusRecorder(httptest.NewRecorder())

	assert.Same(t, outer, newStatusRecorder(outer))
}

func TestStatusRecorder_FlushAndHijackDelegate(t *testing.T) {
	under := &flushHijackWriter{ResponseRecorder: httptest.NewRecorder()}
	rw := newStatusRecorder(under)

	rw.Flush()
	_, _, err := rw.Hijack()

	require.NoError(t, err)
	assert.True(t, under.Flushed)
	assert.True(t, under.hijacked)
	assert.Same(t, under, rw.Unwrap())
}

func TestStatusRecorder_UnsupportedWriter(t *testing.T) {
	rw := newStatusRecorder(&bareWriter{header: http.Header{}})

	assert.NotPanics(t, rw.Flush)
	_, _, err := rw.Hijack()
	assert.ErrorIs(t, err, http.ErrNotSupported)
}

func TestWriteJSONError(t *testing.T) {
	rec := httptest.NewRecorder()

	writeJSONError(rec, http.StatusForbidden, "FORBIDDEN", "operator role required")

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "FORBIDDEN", body.Error.Code)
	assert.Equal(t, "operator role required", body.Error.Message)
}
