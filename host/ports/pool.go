package ports

import (
	"fmt"
	"sort"
	"sync"
	"time"

	qerrors "qchat/host/errors"
	"qchat/host/status"
)

type Pool struct {
	ports []int

	mu      sync.RWMutex
	state   map[int]status.PortStatus
	reasons map[int]string
	bound   int
	boundAt time.Time
}

// NewPool 创建控制端口候选池。
// 参数：
// - start: 首选端口（含）
// - end: 最后一个可尝试的端口（含）
// 返回：
// - *Pool: 端口池实例
// - error: 端口范围非法时返回错误
func NewPool(start, end int) (*Pool, error) {
	if start <= 0 || end <= 0 || end < start || end > 65535 {
		return nil, fmt.Errorf("invalid port range: %d-%d", start, end)
	}
	p := &Pool{
		state:   make(map[int]status.PortStatus),
		reasons: make(map[int]string),
	}
	for i := start; i <= end; i++ {
		p.ports = append(p.ports, i)
		p.state[i] = status.PortIdle
	}
	return p, nil
}

// Acquire 按 start, start+1, ... 顺序调用 bind，直到某个端口绑定成功。
// 规则：
// - bind 返回“地址已占用”时，该端口标记为 Blocked 并尝试下一个
// - 其它错误立即返回（权限、地址非法等不是端口冲突）
// - 全部尝试失败返回 CodeBindExhausted
// 参数：
// - bind: 实际绑定函数（成功后由调用方持有监听器）
// 返回：
// - int: 绑定成功的端口
// - error: 失败原因
func (p *Pool) Acquire(bind func(port int) error) (int, error) {
	p.mu.Lock()
	if p.bound != 0 {
		port := p.bound
		p.mu.Unlock()
		return 0, qerrors.Wrap(qerrors.CodeConflict, "port already acquired", fmt.Errorf("port=%d", port))
	}
	for _, port := range p.ports {
		p.state[port] = status.PortIdle
		delete(p.reasons, port)
	}
	p.mu.Unlock()

	var lastErr error
	for _, port := range p.ports {
		err := bind(port)
		if err == nil {
			p.mu.Lock()
			p.state[port] = status.PortOccupied
			p.bound = port
			p.boundAt = time.Now()
			p.mu.Unlock()
			return port, nil
		}
		if !IsAddrInUse(err) {
			return 0, qerrors.Wrap(qerrors.CodeInternal, "bind failed", fmt.Errorf("port=%d: %w", port, err))
		}
		lastErr = err
		p.mu.Lock()
		p.state[port] = status.PortBlocked
		p.reasons[port] = err.Error()
		p.mu.Unlock()
	}
	return 0, qerrors.Wrap(qerrors.CodeBindExhausted, "no free control port",
		fmt.Errorf("tried %d-%d: %w", p.ports[0], p.ports[len(p.ports)-1], lastErr))
}

// Release 释放当前绑定端口（幂等）。
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bound == 0 {
		return
	}
	p.state[p.bound] = status.PortIdle
	p.bound = 0
	p.boundAt = time.Time{}
}

// Bound 返回当前绑定端口（未绑定为 0）。
func (p *Pool) Bound() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bound
}

type Snapshot struct {
	Total    int `json:"total"`
	Idle     int `json:"idle"`
	Occupied int `json:"occupied"`
	Blocked  int `json:"blocked"`

	Bound        int      `json:"bound"`
	BoundUnixMs  int64    `json:"bound_unix_ms,omitempty"`
	BlockedPorts []int    `json:"blocked_ports,omitempty"`
	BlockReasons []string `json:"block_reasons,omitempty"`
}

// Snapshot 返回端口池的快照统计。
func (p *Pool) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Snapshot{Total: len(p.ports), Bound: p.bound}
	if !p.boundAt.IsZero() {
		s.BoundUnixMs = p.boundAt.UnixMilli()
	}
	for _, port := range p.ports {
		switch p.state[port] {
		case status.PortIdle:
			s.Idle++
		case status.PortOccupied:
			s.Occupied++
		case status.PortBlocked:
			s.Blocked++
			s.BlockedPorts = append(s.BlockedPorts, port)
		}
	}
	sort.Ints(s.BlockedPorts)
	for _, port := range s.BlockedPorts {
		s.BlockReasons = append(s.BlockReasons, p.reasons[port])
	}
	return s
}

// IsExhausted 判断错误是否为端口范围耗尽。
func IsExhausted(err error) bool { return qerrors.Code(err) == qerrors.CodeBindExhausted }
