package verifier

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/custody/internal/config"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisherPublish(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, "custody-verdicts")

	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	verdict := Verdict{Time: at, Anchor: "A1", Kind: "data", DeviceID: "dev-1", Verified: true}
	require.NoError(t, p.Publish(context.Background(), verdict))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, []byte("dev-1"), msg.Key)
	assert.Equal(t, at, msg.Time)
	assert.Equal(t, []kafka.Header{
		{Key: "kind", Value: []byte("data")},
		{Key: "verified", Value: []byte("true")},
	}, msg.Headers)

	var back Verdict
	require.NoError(t, json.Unmarshal(msg.Value, &back))
	assert.Equal(t, verdict, back)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
	assert.Equal(t, uint64(1), p.published.Load())
}

func TestKafkaPublisherWriteError(t *testing.T) {
	p := newKafkaPublisher(&fakeWriter{err: errors.New("leader not available")}, "t")

	err := p.Publish(context.Background(), Verdict{Kind: "data"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "kafka write failed")
	assert.Equal(t, uint64(1), p.errors.Load())
}

func TestNewKafkaPublisherValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.VerdictKafka
	}{
		{"no brokers", config.VerdictKafka{Topic: "t"}},
		{"no topic", config.VerdictKafka{Brokers: []string{"localhost:9092"}}},
		{"bad compression", config.VerdictKafka{Brokers: []string{"localhost:9092"}, Topic: "t", Compression: "brotli"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKafkaPublisher(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestCompressionCodec(t *testing.T) {
	for _, name := range []string{"", "none", "gzip", "snappy", "lz4", "zstd"} {
		_, err := compressionCodec(name)
		assert.NoError(t, err, name)
	}
}
