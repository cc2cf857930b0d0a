package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type flakySink struct {
	err   error
	calls int
}

func (s *flakySink) WriteEvents(context.Context, []Event) error {
	s.calls++
	return s.err
}

func TestBreakerSink(t *testing.T) {
	ctx := context.Background()
	batch := []Event{NewEvent("dev", "rapid", "fire", nil, nil, 0)}
	now := time.Unix(1700000000, 0)

	t.Run("状态转换", func(t *testing.T) {
		inner := &flakySink{err: errors.New("db down")}
		b := NewBreakerSink(inner, 3, time.Minute)
		b.now = func() time.Time { return now }
		assert.Equal(t, BreakerClosed, b.State())

		for i := 0; i < 3; i++ {
			assert.Error(t, b.WriteEvents(ctx, batch))
		}
		assert.Equal(t, BreakerOpen, b.State())

		// 冷却期内不调用底层 Sink
		assert.ErrorIs(t, b.WriteEvents(ctx, batch), ErrSinkOpen)
		assert.Equal(t, 3, inner.calls)

		// 冷却结束后试探成功，恢复正常
		now = now.Add(time.Minute)
		inner.err = nil
		assert.NoError(t, b.WriteEvents(ctx, batch))
		assert.Equal(t, BreakerClosed, b.State())

		st := b.Stats()
		assert.Equal(t, "closed", st.State)
		assert.Equal(t, int64(1), st.Trips)
		assert.Equal(t, int64(1), st.Skipped)
	})

	t.Run("试探失败立即熔断", func(t *testing.T) {
		inner := &flakySink{err: errors.New("redis down")}
		b := NewBreakerSink(inner, 2, time.Second)
		b.now = func() time.Time { return now }
		_ = b.WriteEvents(ctx, batch)
		_ = b.WriteEvents(ctx, batch)
		assert.Equal(t, BreakerOpen, b.State())

		now = now.Add(2 * time.Second)
		assert.Error(t, b.WriteEvents(ctx, batch))
		assert.Equal(t, BreakerOpen, b.State())
		assert.Equal(t, int64(2), b.Stats().Trips)
	})

	t.Run("成功清零失败计数", func(t *testing.T) {
		inner := &flakySink{}
		b := NewBreakerSink(inner, 2, time.Second)
		inner.err = errors.New("once")
		_ = b.WriteEvents(ctx, batch)
		inner.err = nil
		_ = b.WriteEvents(ctx, batch)
		inner.err = errors.New("again")
		_ = b.WriteEvents(ctx, batch)
		assert.Equal(t, BreakerClosed, b.State())
	})
}
