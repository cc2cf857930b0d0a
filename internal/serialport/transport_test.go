package serialport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedPort 按命令返回预设回执的串口替身
type scriptedPort struct {
	mu      sync.Mutex
	replies map[string][]byte
	pending []byte
	writes  []string
	rts     []bool
	closed  bool

	gate     chan struct{} // 非 nil 时首次写入阻塞直到关闭
	gateOnce sync.Once
}

func newScriptedPort(replies map[string][]byte) *scriptedPort {
	return &scriptedPort{replies: replies}
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	if p.gate != nil {
		p.gateOnce.Do(func() { <-p.gate })
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	code := string(b[:len(b)-1])
	p.writes = append(p.writes, code)
	p.pending = append([]byte(nil), p.replies[code]...)
	return len(b), nil
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return 0, nil
	}
	n := copy(b[:1], p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *scriptedPort) SetRTS(v bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rts = append(p.rts, v)
	return nil
}

func (p *scriptedPort) ResetInputBuffer() error { return nil }

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *scriptedPort) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

func frame(code string) []byte {
	var sum int
	for i := 0; i < len(code); i++ {
		sum += int(code[i])
	}
	return append([]byte(code), byte(^sum&0xFF))
}

func recv(t *testing.T, ch <-chan Reply) Reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("reply not received")
		return Reply{}
	}
}

func TestTransportFIFOWithPokes(t *testing.T) {
	port := newScriptedPort(map[string][]byte{
		"J@": []byte("J\x80000000000x"),
		"F@": []byte("F\x80215198x"),
		"EB": []byte("E\x82x"),
		"Q@": []byte("Q\x80x"),
	})
	port.gate = make(chan struct{})
	tr := NewTransport(port, zap.NewNop())
	tr.Start()
	defer func() { tr.Close(); tr.Wait() }()

	ctx := context.Background()
	c1 := tr.Submit(ctx, Exchange{Frame: frame("J@"), ReplyLen: 12})
	// 等待 C1 进入写阶段，后续请求全部排队
	require.Eventually(t, func() bool { return len(tr.fg) == 0 }, time.Second, time.Millisecond)
	assert.True(t, tr.Poke(Exchange{Frame: frame("Q@"), ReplyLen: 3}))
	assert.False(t, tr.Poke(Exchange{Frame: frame("Q@"), ReplyLen: 3}), "second poke coalesced")
	c2 := tr.Submit(ctx, Exchange{Frame: frame("F@"), ReplyLen: 9})
	c3 := tr.Submit(ctx, Exchange{Frame: frame("EB"), ReplyLen: 3})
	close(port.gate)

	r1, r2, r3 := recv(t, c1), recv(t, c2), recv(t, c3)
	require.NoError(t, r1.Err)
	require.NoError(t, r2.Err)
	require.NoError(t, r3.Err)
	assert.Equal(t, byte('J'), r1.Data[0])
	assert.Len(t, r1.Data, 12)
	assert.Equal(t, byte('F'), r2.Data[0])
	assert.Len(t, r2.Data, 9)
	assert.Equal(t, byte('E'), r3.Data[0])

	require.Eventually(t, func() bool { return len(port.Writes()) == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"J@", "F@", "EB", "Q@"}, port.Writes())
}

func TestTransportReplyRules(t *testing.T) {
	port := newScriptedPort(map[string][]byte{
		"ZZ":    []byte("?"),
		"B9999": []byte("B?x"),
		"D0001": []byte("DSx"),
		"ND":    []byte("N\x809.1.0\x00c"),
	})
	tr := NewTransport(port, zap.NewNop())
	tr.Start()
	defer func() { tr.Close(); tr.Wait() }()
	ctx := context.Background()

	t.Run("无效命令只读一个字节", func(t *testing.T) {
		r := recv(t, tr.Submit(ctx, Exchange{Frame: frame("ZZ"), ReplyLen: 3}))
		require.NoError(t, r.Err)
		assert.Equal(t, []byte("?"), r.Data)
	})

	t.Run("无效数据只再读CRC", func(t *testing.T) {
		r := recv(t, tr.Submit(ctx, Exchange{Frame: frame("B9999"), ReplyLen: 4}))
		require.NoError(t, r.Err)
		assert.Equal(t, []byte("B?x"), r.Data)
	})

	t.Run("设置冲突只再读CRC", func(t *testing.T) {
		r := recv(t, tr.Submit(ctx, Exchange{Frame: frame("D0001"), ReplyLen: 4}))
		require.NoError(t, r.Err)
		assert.Equal(t, []byte("DSx"), r.Data)
	})

	t.Run("版本回执变长", func(t *testing.T) {
		r := recv(t, tr.Submit(ctx, Exchange{Frame: frame("ND"), Version: true}))
		require.NoError(t, r.Err)
		assert.Equal(t, []byte("N\x809.1.0\x00c"), r.Data)
	})
}

func TestTransportReadTimeout(t *testing.T) {
	port := newScriptedPort(map[string][]byte{"EH": []byte("E")})
	ops := make(chan string, 4)
	tr := NewTransport(port, zap.NewNop(), WithIOErrorHook(func(op string) { ops <- op }))
	tr.Start()
	defer func() { tr.Close(); tr.Wait() }()

	r := recv(t, tr.Submit(context.Background(), Exchange{Frame: frame("EH"), ReplyLen: 3}))
	require.Error(t, r.Err)
	var ioErr *IOError
	require.True(t, errors.As(r.Err, &ioErr))
	assert.Equal(t, "timeout", ioErr.Op)
	assert.ErrorIs(t, r.Err, ErrTimeout)
	assert.Equal(t, "timeout", <-ops)
}

func TestTransportCloseAfterPending(t *testing.T) {
	port := newScriptedPort(map[string][]byte{"R@": []byte("R\x00x")})
	port.gate = make(chan struct{})
	tr := NewTransport(port, zap.NewNop())
	tr.Start()

	pending := tr.Submit(context.Background(), Exchange{Frame: frame("R@"), ReplyLen: 3})
	closed := make(chan struct{})
	go func() {
		tr.Close()
		tr.Wait()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("transport exited before pending exchange completed")
	case <-time.After(50 * time.Millisecond):
	}
	close(port.gate)

	r := recv(t, pending)
	require.NoError(t, r.Err)
	<-closed

	port.mu.Lock()
	assert.True(t, port.closed)
	port.mu.Unlock()

	late := recv(t, tr.Submit(context.Background(), Exchange{Frame: frame("Q@"), ReplyLen: 3}))
	assert.ErrorIs(t, late.Err, ErrClosed)
	assert.False(t, tr.Poke(Exchange{Frame: frame("Q@"), ReplyLen: 3}))
}

func TestTransportQuickFire(t *testing.T) {
	port := newScriptedPort(nil)
	tr := NewTransport(port, zap.NewNop())
	tr.Start()

	require.NoError(t, tr.QuickFire(context.Background()))
	require.NoError(t, tr.ResetQuickFire(context.Background()))
	tr.Close()
	tr.Wait()

	assert.Equal(t, []bool{true, false}, port.rts)
	assert.Empty(t, port.Writes())
}

func TestTransportSkipsAbandonedExchange(t *testing.T) {
	port := newScriptedPort(map[string][]byte{
		"Q@": []byte("Q\x80x"),
		"EH": []byte("E\x80x"),
		"J@": []byte("J\x80x"),
	})
	port.gate = make(chan struct{})
	tr := NewTransport(port, zap.NewNop())
	tr.Start()
	defer func() { tr.Close(); tr.Wait() }()

	held := tr.Submit(context.Background(), Exchange{Frame: frame("Q@"), ReplyLen: 3})
	require.Eventually(t, func() bool { return len(tr.fg) == 0 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	fire := tr.Submit(ctx, Exchange{Frame: frame("EH"), ReplyLen: 3})
	next := tr.Submit(context.Background(), Exchange{Frame: frame("J@"), ReplyLen: 3})
	<-ctx.Done()
	close(port.gate)

	require.NoError(t, recv(t, held).Err)

	r := recv(t, fire)
	var ioErr *IOError
	require.True(t, errors.As(r.Err, &ioErr))
	assert.Equal(t, "timeout", ioErr.Op)
	assert.ErrorIs(t, r.Err, context.DeadlineExceeded)

	require.NoError(t, recv(t, next).Err)
	assert.Equal(t, []string{"Q@", "J@"}, port.Writes(), "abandoned frame never reaches the port")
}
