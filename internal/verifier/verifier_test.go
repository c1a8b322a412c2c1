package verifier

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/custody/internal/core"
	"firestige.xyz/custody/internal/packet"
	"firestige.xyz/custody/internal/relay"
)

type keySigner ed25519.PrivateKey

func (k keySigner) Sign(msg []byte) []byte { return ed25519.Sign(ed25519.PrivateKey(k), msg) }

type sensor struct {
	id      uuid.UUID
	pub     ed25519.PublicKey
	builder *packet.Builder
}

func newSensor(t *testing.T) *sensor {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	id := uuid.New()
	return &sensor{id: id, pub: pub, builder: packet.NewBuilder(id, keySigner(priv))}
}

func (s *sensor) registration(t *testing.T) []byte {
	t.Helper()
	raw, err := s.builder.Registration(packet.NewKeyRegistration(s.id, s.pub, time.Unix(1700000000, 0)))
	require.NoError(t, err)
	return raw
}

func (s *sensor) data(t *testing.T, payload interface{}) []byte {
	t.Helper()
	raw, err := s.builder.Data(packet.TypeData, payload)
	require.NoError(t, err)
	return raw
}

func newVerifier(t *testing.T, opts ...Option) (*Verifier, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "records", "sensordata.txt")
	records, err := OpenRecordLog(path)
	require.NoError(t, err)
	v := New(NewTrustedKey(nil), records, opts...)
	t.Cleanup(func() { v.Close() })
	return v, path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func TestKeyUpdateThenDataVerifies(t *testing.T) {
	s := newSensor(t)
	v, path := newVerifier(t)

	reg := relay.Encode("", s.registration(t))
	verdict := v.Process(context.Background(), reg)
	assert.True(t, verdict.Verified)
	assert.True(t, verdict.KeyUpdated)
	assert.Equal(t, "registration", verdict.Kind)
	assert.Equal(t, s.id.String(), verdict.DeviceID)
	assert.Equal(t, s.pub, v.TrustedKey().Current())

	data := relay.Encode("A123", s.data(t, map[string]int{"t": 21, "l": 80}))
	verdict = v.Process(context.Background(), data)
	assert.True(t, verdict.Verified)
	assert.False(t, verdict.KeyUpdated)
	assert.Equal(t, "A123", verdict.Anchor)
	assert.Empty(t, verdict.Error)

	assert.Equal(t, []string{string(reg), string(data)}, readLines(t, path))
	assert.Equal(t, Stats{Received: 2, Verified: 2, KeyUpdates: 1}, v.Stats())
}

func TestDataBeforeKeyFailsButIsRecorded(t *testing.T) {
	s := newSensor(t)
	v, path := newVerifier(t)

	msg := relay.Encode("", s.data(t, 1))
	verdict := v.Process(context.Background(), msg)
	assert.False(t, verdict.Verified)
	assert.Contains(t, verdict.Error, core.ErrNoTrustedKey.Error())
	assert.Nil(t, v.TrustedKey().Current())

	assert.Equal(t, []string{string(msg)}, readLines(t, path))
	assert.Equal(t, Stats{Received: 1, Failed: 1}, v.Stats())
}

func TestDataNeverReplacesTrustedKey(t *testing.T) {
	owner := newSensor(t)
	other := newSensor(t)
	v, _ := newVerifier(t)

	v.Process(context.Background(), relay.Encode("", owner.registration(t)))

	verdict := v.Process(context.Background(), relay.Encode("", other.data(t, 7)))
	assert.False(t, verdict.Verified)
	assert.Equal(t, owner.pub, v.TrustedKey().Current())
}

func TestForgedKeyUpdateIsRejected(t *testing.T) {
	owner := newSensor(t)
	attacker := newSensor(t)
	v, _ := newVerifier(t)

	v.Process(context.Background(), relay.Encode("", owner.registration(t)))

	// attacker signs a registration that embeds the owner's key
	raw, err := attacker.builder.Registration(packet.NewKeyRegistration(owner.id, owner.pub, time.Now()))
	require.NoError(t, err)
	verdict := v.Process(context.Background(), relay.Encode("", raw))
	assert.False(t, verdict.Verified)
	assert.Equal(t, owner.pub, v.TrustedKey().Current())

	// a tampered registration never changes the key either
	fresh := newSensor(t)
	raw = fresh.registration(t)
	raw[len(raw)/2] ^= 0x01
	verdict = v.Process(context.Background(), relay.Encode("", raw))
	assert.False(t, verdict.Verified)
	assert.Equal(t, owner.pub, v.TrustedKey().Current())
}

func TestReregistrationRotatesKey(t *testing.T) {
	first := newSensor(t)
	second := newSensor(t)
	v, _ := newVerifier(t)

	v.Process(context.Background(), relay.Encode("", first.registration(t)))
	v.Process(context.Background(), relay.Encode("", second.registration(t)))
	assert.Equal(t, second.pub, v.TrustedKey().Current())

	verdict := v.Process(context.Background(), relay.Encode("", first.data(t, 1)))
	assert.False(t, verdict.Verified)
}

func TestMalformedMessagesAreRecordedAndFail(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want error
	}{
		{"malformed hex", "A1|96zz", core.ErrMalformedPacket},
		{"no separator", "9501", core.ErrMalformedPacket},
		{"unknown header", "|9301020304", core.ErrUnknownPacket},
		{"empty packet", "|", core.ErrUnknownPacket},
		{"truncated data", "|96c4", core.ErrMalformedPacket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, path := newVerifier(t)

			verdict := v.Process(context.Background(), []byte(tt.msg))
			assert.False(t, verdict.Verified)
			assert.Contains(t, verdict.Error, tt.want.Error())
			assert.Equal(t, []string{tt.msg}, readLines(t, path))
		})
	}
}

func TestTrustedKeyCheckErrors(t *testing.T) {
	s := newSensor(t)
	tk := NewTrustedKey(nil)

	p, err := packet.Decode(s.data(t, 1))
	require.NoError(t, err)
	_, err = tk.Check(p)
	assert.ErrorIs(t, err, core.ErrNoTrustedKey)

	seeded := NewTrustedKey(s.pub)
	replaced, err := seeded.Check(p)
	require.NoError(t, err)
	assert.False(t, replaced)
}

func TestTrustedKeyConcurrentAccess(t *testing.T) {
	s := newSensor(t)
	v, _ := newVerifier(t)
	reg := relay.Encode("", s.registration(t))
	v.Process(context.Background(), reg)

	msgs := make([][]byte, 20)
	for i := range msgs {
		msgs[i] = relay.Encode("", s.data(t, i))
	}

	var wg sync.WaitGroup
	for i := range msgs {
		wg.Add(2)
		go func(msg []byte) {
			defer wg.Done()
			assert.True(t, v.Process(context.Background(), msg).Verified)
		}(msgs[i])
		go func() {
			defer wg.Done()
			assert.True(t, v.Process(context.Background(), reg).Verified)
		}()
	}
	wg.Wait()
	assert.Equal(t, s.pub, v.TrustedKey().Current())
}

type recordingPublisher struct {
	mu       sync.Mutex
	verdicts []Verdict
	err      error
	closed   bool
}

func (p *recordingPublisher) Publish(_ context.Context, v Verdict) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verdicts = append(p.verdicts, v)
	return p.err
}

func (p *recordingPublisher) Close() error {
	p.closed = true
	return nil
}

func TestVerdictsArePublished(t *testing.T) {
	s := newSensor(t)
	pub := &recordingPublisher{err: errors.New("broker down")}
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	v, _ := newVerifier(t, WithPublisher(pub), WithClock(func() time.Time { return at }))

	v.Process(context.Background(), relay.Encode("", s.registration(t)))
	v.Process(context.Background(), []byte("|zz"))

	require.Len(t, pub.verdicts, 2)
	assert.True(t, pub.verdicts[0].Verified)
	assert.Equal(t, at, pub.verdicts[0].Time)
	assert.False(t, pub.verdicts[1].Verified)

	require.NoError(t, v.Close())
	assert.True(t, pub.closed)
}

// stalledPublisher blocks until the publish context ends.
type stalledPublisher struct {
	errs chan error
}

func (p *stalledPublisher) Publish(ctx context.Context, _ Verdict) error {
	<-ctx.Done()
	p.errs <- ctx.Err()
	return ctx.Err()
}

func (p *stalledPublisher) Close() error { return nil }

func TestStalledPublisherDoesNotBlockVerification(t *testing.T) {
	s := newSensor(t)
	pub := &stalledPublisher{errs: make(chan error, 2)}
	v, _ := newVerifier(t, WithPublisher(pub), WithPublishTimeout(20*time.Millisecond))

	start := time.Now()
	assert.True(t, v.Process(context.Background(), relay.Encode("", s.registration(t))).Verified)
	assert.True(t, v.Process(context.Background(), relay.Encode("", s.data(t, 1))).Verified)
	assert.Less(t, time.Since(start), time.Second)

	assert.ErrorIs(t, <-pub.errs, context.DeadlineExceeded)
	assert.ErrorIs(t, <-pub.errs, context.DeadlineExceeded)
}

func TestRejectRecordsPartialMessage(t *testing.T) {
	pub := &recordingPublisher{}
	v, path := newVerifier(t, WithPublisher(pub))

	verdict := v.Reject(context.Background(), []byte("A9|96c4\r\n"), errors.New("i/o timeout"))
	assert.False(t, verdict.Verified)
	assert.Contains(t, verdict.Error, core.ErrMalformedPacket.Error())
	assert.Contains(t, verdict.Error, "i/o timeout")
	assert.Equal(t, []string{"A9|96c4"}, readLines(t, path))
	assert.Equal(t, Stats{Received: 1, Failed: 1}, v.Stats())
	require.Len(t, pub.verdicts, 1)
}
