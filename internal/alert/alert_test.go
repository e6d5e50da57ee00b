package alert

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuppressed_DropsRepeatedAlertsWithinCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	lim := NewMemoryLimiter()
	lim.Now = func() time.Time { return now }
	rec := &Recorder{}
	s := Suppressed{Next: rec, Limiter: lim, Cooldown: time.Hour}
	ctx := context.Background()

	ev := Alert(TypeRotationFailed, SeverityWarning, "square", "loc-1", "refresh failed")
	require.NoError(t, s.Emit(ctx, ev))
	require.NoError(t, s.Emit(ctx, ev))
	assert.Equal(t, 1, rec.Count(TypeRotationFailed))

	// another location is a different key
	require.NoError(t, s.Emit(ctx, Alert(TypeRotationFailed, SeverityWarning, "square", "loc-2", "")))
	assert.Equal(t, 2, rec.Count(TypeRotationFailed))

	now = now.Add(61 * time.Minute)
	require.NoError(t, s.Emit(ctx, ev))
	assert.Equal(t, 3, rec.Count(TypeRotationFailed))
}

func TestSuppressed_MetricsPassThrough(t *testing.T) {
	rec := &Recorder{}
	s := Suppressed{Next: rec, Limiter: NewMemoryLimiter(), Cooldown: time.Hour}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Emit(context.Background(), Metric(TypeUnauthorized, "square", "loc-1", nil)))
	}
	assert.Equal(t, 3, rec.Count(TypeUnauthorized))
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("redis down")
}

func TestSuppressed_LimiterErrorStillDelivers(t *testing.T) {
	rec := &Recorder{}
	s := Suppressed{Next: rec, Limiter: failingLimiter{}, Cooldown: time.Hour}
	require.NoError(t, s.Emit(context.Background(), Alert(TypeDecryptError, SeverityCritical, "square", "loc-1", "")))
	assert.Equal(t, 1, rec.Count(TypeDecryptError))
}

func TestLogEmitter_WritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})

	ev := Alert(TypeBreakerOpened, SeverityCritical, "square", "", "breaker opened")
	ev.Fields = map[string]any{"failures": 5}
	require.NoError(t, LogEmitter{Log: log}.Emit(context.Background(), ev))

	out := buf.String()
	assert.Contains(t, out, `"event":"breaker.opened"`)
	assert.Contains(t, out, `"failures":5`)
	assert.Contains(t, out, `"level":"error"`)
}

func TestFanout_JoinsErrors(t *testing.T) {
	rec := &Recorder{}
	bad := EmitterFunc(func(context.Context, Event) error { return errors.New("amqp closed") })
	err := Fanout{rec, nil, bad}.Emit(context.Background(), Metric(TypeRotationAttempt, "square", "loc-1", nil))
	assert.ErrorContains(t, err, "amqp closed")
	assert.Equal(t, 1, rec.Count(TypeRotationAttempt))
}
