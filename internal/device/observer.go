package device

import "time"

// Observer 设备运行指标回调
type Observer interface {
	CommandDone(cmd string, err error, latency time.Duration)
	PokeDone(err error)
	IOError(op string)
	Connected(v bool)
	Armed(v bool)
}

type nopObserver struct{}

func (nopObserver) CommandDone(string, error, time.Duration) {}
func (nopObserver) PokeDone(error)                           {}
func (nopObserver) IOError(string)                           {}
func (nopObserver) Connected(bool)                           {}
func (nopObserver) Armed(bool)                               {}
