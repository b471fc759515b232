package sim

import (
	"math/rand"
	"sync"
	"time"
)

// Pattern 生成合成画面：灰度或 RGB 的滚动渐变。
type Pattern struct {
	Width    int
	Height   int
	Channels int

	buf []byte
}

// Next 生成第 n 帧。返回的切片在下次调用前有效。
func (p *Pattern) Next(n int) []byte {
	c := p.Channels
	if c == 0 {
		c = 4
	}
	size := p.Width * p.Height * c
	if cap(p.buf) < size {
		p.buf = make([]byte, size)
	}
	p.buf = p.buf[:size]
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			i := (y*p.Width + x) * c
			v := byte(x + y + n)
			switch c {
			case 1:
				p.buf[i] = v
			case 3:
				p.buf[i], p.buf[i+1], p.buf[i+2] = v, byte(y*4+n), byte(255-int(v))
			default:
				p.buf[i], p.buf[i+1], p.buf[i+2], p.buf[i+3] = v, byte(y*4+n), byte(255-int(v)), 0xff
			}
		}
	}
	return p.buf
}

// Link 模拟不稳定链路：基础延迟、随机抖动与按百分比丢帧。
type Link struct {
	BaseDelay time.Duration
	JitterMax time.Duration
	DropPct   int

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewLink(seed int64, baseDelay, jitterMax time.Duration, dropPct int) *Link {
	if dropPct < 0 {
		dropPct = 0
	}
	if dropPct > 100 {
		dropPct = 100
	}
	return &Link{
		BaseDelay: baseDelay,
		JitterMax: jitterMax,
		DropPct:   dropPct,
		rnd:       rand.New(rand.NewSource(seed)),
	}
}

func (l *Link) ShouldDrop() bool {
	if l.DropPct <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rnd.Intn(100) < l.DropPct
}

func (l *Link) NextDelay() time.Duration {
	d := l.BaseDelay
	if l.JitterMax <= 0 {
		return d
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return d + time.Duration(l.rnd.Int63n(int64(l.JitterMax)+1))
}
