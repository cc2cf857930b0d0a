package simulator

import "sync"

// Fault 注入的回执故障
type Fault int

const (
	FaultNone            Fault = iota
	FaultTimeout               // 不回复
	FaultInvalidCommand        // 回复 '?'
	FaultInvalidData           // 第二字节 '?'
	FaultConflict              // 第二字节 'S'
	FaultWrongEcho             // 回显字节错误
	FaultChecksum              // CRC 错误
	FaultTruncated             // 只回复一半
)

type rule struct {
	prefix string
	fault  Fault
	times  int // <0 表示持续生效
}

// Injector 按命令前缀注入回执故障
type Injector struct {
	mu    sync.Mutex
	rules []*rule
	hits  map[Fault]int
}

// NewInjector 创建故障注入器
func NewInjector() *Injector {
	return &Injector{hits: make(map[Fault]int)}
}

// Inject 对以 prefix 开头的命令注入故障 times 次；times < 0 持续生效
func (i *Injector) Inject(prefix string, fault Fault, times int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rules = append(i.rules, &rule{prefix: prefix, fault: fault, times: times})
}

// Clear 清除所有规则
func (i *Injector) Clear() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rules = nil
}

// Hits 某类故障已触发次数
func (i *Injector) Hits(f Fault) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.hits[f]
}

func (i *Injector) match(code string) Fault {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, r := range i.rules {
		if len(code) < len(r.prefix) || code[:len(r.prefix)] != r.prefix {
			continue
		}
		if r.times > 0 {
			r.times--
			if r.times == 0 {
				i.rules = append(i.rules[:idx:idx], i.rules[idx+1:]...)
			}
		}
		i.hits[r.fault]++
		return r.fault
	}
	return FaultNone
}

func (i *Injector) apply(code string, reply []byte) []byte {
	switch i.match(code) {
	case FaultTimeout:
		return nil
	case FaultInvalidCommand:
		return []byte{'?'}
	case FaultInvalidData:
		return []byte{code[0], '?', 0}
	case FaultConflict:
		return []byte{code[0], 'S', 0}
	case FaultWrongEcho:
		out := append([]byte(nil), reply...)
		out[0] = '#'
		return out
	case FaultChecksum:
		out := append([]byte(nil), reply...)
		out[len(out)-1] ^= 0xFF
		return out
	case FaultTruncated:
		return append([]byte(nil), reply[:len(reply)/2]...)
	}
	return reply
}
