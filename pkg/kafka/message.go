package kafka

import (
	"sort"
	"strings"

	"github.com/segmentio/kafka-go"
)

// Header names carried on every published message.
const (
	HeaderMessageID = "message_id"
	HeaderEventType = "event_type"
)

// TopicPrefix is the default prefix for AeroLux integration-event topics.
const TopicPrefix = "aerolux"

// Message is a transport-neutral record published to or consumed from Kafka.
// ID is the consumer-side de-duplication key.
type Message struct {
	ID      string
	Type    string
	Key     string
	Value   []byte
	Headers map[string]string

	// Populated on consumed messages only.
	Topic     string
	Partition int
	Offset    int64
}

// Topic joins prefix and eventType with a dot. An empty prefix yields
// eventType unchanged.
func Topic(prefix, eventType string) string {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

func (m *Message) toKafka(topic string) kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers)+2)
	headers = append(headers,
		kafka.Header{Key: HeaderMessageID, Value: []byte(m.ID)},
		kafka.Header{Key: HeaderEventType, Value: []byte(m.Type)},
	)

	keys := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		if k == HeaderMessageID || k == HeaderEventType {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(m.Headers[k])})
	}

	return kafka.Message{
		Topic:   topic,
		Key:     []byte(m.Key),
		Value:   m.Value,
		Headers: headers,
	}
}

func fromKafka(km kafka.Message) *Message {
	m := &Message{
		Key:       string(km.Key),
		Value:     km.Value,
		Headers:   make(map[string]string, len(km.Headers)),
		Topic:     km.Topic,
		Partition: km.Partition,
		Offset:    km.Offset,
	}
	for _, h := range km.Headers {
		switch h.Key {
		case HeaderMessageID:
			m.ID = string(h.Value)
		case HeaderEventType:
			m.Type = string(h.Value)
		default:
			m.Headers[h.Key] = string(h.Value)
		}
	}
	return m
}
