package audit

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/taoyao-code/magstim-server/internal/protocol/magstim"
)

// Event 一次改变设备状态的操作记录
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Device    string         `json:"device"` // 串口地址
	Kind      string         `json:"kind"`   // 设备型号
	Op        string         `json:"op"`
	Args      map[string]any `json:"args,omitempty"`
	ErrorKind string         `json:"errorKind,omitempty"`
	ErrorCode int            `json:"errorCode,omitempty"`
	Error     string         `json:"error,omitempty"`
	Latency   time.Duration  `json:"latency"`
	At        time.Time      `json:"at"`
}

// OK 操作是否成功
func (e Event) OK() bool { return e.ErrorKind == "" && e.Error == "" }

// NewEvent 根据操作结果构造事件
func NewEvent(device, kind, op string, args map[string]any, err error, latency time.Duration) Event {
	ev := Event{
		ID:      uuid.New(),
		Device:  device,
		Kind:    kind,
		Op:      op,
		Args:    args,
		Latency: latency,
		At:      time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
		var perr *magstim.Error
		if errors.As(err, &perr) {
			ev.ErrorKind = perr.Kind.String()
			ev.ErrorCode = perr.Kind.Code()
		} else {
			ev.ErrorKind = "Unknown"
		}
	}
	return ev
}

// Recorder 事件接收方；实现不得阻塞调用方
type Recorder interface {
	Record(ev Event)
}

// Nop 丢弃所有事件
type Nop struct{}

func (Nop) Record(Event) {}

// Multi 广播到多个 Recorder
type Multi []Recorder

func (m Multi) Record(ev Event) {
	for _, r := range m {
		if r != nil {
			r.Record(ev)
		}
	}
}
