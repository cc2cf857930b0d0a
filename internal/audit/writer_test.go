package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/magstim-server/internal/protocol/magstim"
)

type memSink struct {
	mu      sync.Mutex
	events  []Event
	batches int
	block   chan struct{}
}

func (s *memSink) WriteEvents(_ context.Context, events []Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	s.batches++
	return nil
}

func (s *memSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestNewEvent(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind string
		wantCode int
	}{
		{"成功", nil, "", 0},
		{"协议错误", magstim.NewError(magstim.KindParameterRange, "@120", nil), magstim.KindParameterRange.String(), magstim.KindParameterRange.Code()},
		{"其他错误", errors.New("boom"), "Unknown", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := NewEvent("sim://rapid", "rapid", "set_power", map[string]any{"power": 120}, tt.err, time.Millisecond)
			assert.NotEqual(t, [16]byte{}, [16]byte(ev.ID))
			assert.Equal(t, tt.wantKind, ev.ErrorKind)
			assert.Equal(t, tt.wantCode, ev.ErrorCode)
			assert.Equal(t, tt.err == nil, ev.OK())
		})
	}
}

func TestWriterFlushesOnClose(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	w := NewWriter(WriterConfig{BatchSize: 2, FlushInterval: time.Hour}, map[string]Sink{"a": a, "b": b}, nil)

	for i := 0; i < 5; i++ {
		w.Record(NewEvent("dev", "rapid", "fire", nil, nil, 0))
	}
	require.NoError(t, w.Close(context.Background()))

	assert.Equal(t, 5, a.Len())
	assert.Equal(t, 5, b.Len())
	assert.Equal(t, 3, a.batches)
	assert.Equal(t, int64(5), w.Written())

	w.Record(NewEvent("dev", "rapid", "fire", nil, nil, 0))
	assert.Equal(t, int64(1), w.Dropped(), "closed writer drops")
}

func TestWriterFlushInterval(t *testing.T) {
	s := &memSink{}
	w := NewWriter(WriterConfig{FlushInterval: 10 * time.Millisecond}, map[string]Sink{"mem": s}, nil)
	defer w.Close(context.Background())

	w.Record(NewEvent("dev", "rapid", "arm", nil, nil, 0))
	assert.Eventually(t, func() bool { return s.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWriterDropsWhenFull(t *testing.T) {
	s := &memSink{block: make(chan struct{})}
	var hooked int
	var mu sync.Mutex
	w := NewWriter(WriterConfig{QueueSize: 1, BatchSize: 1, FlushInterval: time.Hour},
		map[string]Sink{"slow": s}, nil, WithDropHook(func() {
			mu.Lock()
			hooked++
			mu.Unlock()
		}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			w.Record(NewEvent("dev", "rapid", "fire", nil, nil, 0))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked")
	}

	close(s.block)
	require.NoError(t, w.Close(context.Background()))
	assert.Positive(t, w.Dropped())
	assert.Equal(t, int64(10), w.Dropped()+w.Written())
	mu.Lock()
	assert.Equal(t, int(w.Dropped()), hooked)
	mu.Unlock()
}

func TestWriterSinkErrorDoesNotStop(t *testing.T) {
	good := &memSink{}
	bad := SinkFunc(func(context.Context, []Event) error { return errors.New("db down") })
	w := NewWriter(WriterConfig{}, map[string]Sink{"good": good, "bad": bad}, nil)
	w.Record(NewEvent("dev", "rapid", "fire", nil, nil, 0))
	require.NoError(t, w.Close(context.Background()))
	assert.Equal(t, 1, good.Len())
}

func TestMulti(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	wa := NewWriter(WriterConfig{}, map[string]Sink{"a": a}, nil)
	wb := NewWriter(WriterConfig{}, map[string]Sink{"b": b}, nil)
	Multi{wa, nil, wb, Nop{}}.Record(NewEvent("dev", "rapid", "fire", nil, nil, 0))
	require.NoError(t, wa.Close(context.Background()))
	require.NoError(t, wb.Close(context.Background()))
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())
}
