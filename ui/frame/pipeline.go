package frame

import (
	"sync"
	"sync/atomic"

	"qchat/host/bridge"
	qlog "qchat/host/log"
	"qchat/host/wire"

	"github.com/sirupsen/logrus"
)

// Gate 决定某个代数的帧是否还应绘制（房间状态机的 AcceptFrame）。
type Gate func(gen uint64) bool

// Pipeline 把界面收到的帧展开为 RGBA 并绘制到画布。
type Pipeline struct {
	canvas Canvas
	gate   Gate
	logger *logrus.Entry

	mu      sync.Mutex
	scratch []byte

	drawn    atomic.Int64
	rejected atomic.Int64
	gated    atomic.Int64
}

// NewPipeline 创建帧管线。
// 参数：
// - canvas: 绘制目标
// - gate: 可为 nil，表示所有帧都绘制
func NewPipeline(canvas Canvas, gate Gate) *Pipeline {
	return &Pipeline{canvas: canvas, gate: gate, logger: qlog.Component("frame")}
}

// OnFrame 处理一帧。
// 规则：
// - 先把画布调整为 width × height，再写像素
// - channels 省略或为 4 时直接拷贝；3 时补 alpha=255；1 时灰度复制到 R/G/B 且 alpha=255
// - 通道数不支持或长度不符时返回错误，画布保持不变
// - 同一帧重复处理结果相同
// 参数：
// - f: 桥接客户端交付的帧
// 返回：
// - error: 帧不合法时返回 wire.ErrMalformed
func (p *Pipeline) OnFrame(f bridge.FramePayload) error {
	s := wire.Stream{Frame: f.Frame, Width: f.Width, Height: f.Height, Channels: f.Channels}
	if err := wire.ValidateStream(s); err != nil {
		p.rejected.Add(1)
		p.logger.WithFields(logrus.Fields{"gen": f.Gen, "size": len(f.Frame), "channels": f.Channels}).
			WithError(err).Warn("丢弃不合法的视频帧")
		return err
	}
	if p.gate != nil && !p.gate(f.Gen) {
		p.gated.Add(1)
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pix := f.Frame
	if c := s.EffectiveChannels(); c != 4 {
		p.scratch = expand(p.scratch, f.Frame, c, f.Width*f.Height)
		pix = p.scratch
	}
	p.canvas.Resize(f.Width, f.Height)
	p.canvas.Draw(pix)
	p.drawn.Add(1)
	return nil
}

// expand 把 1 或 3 通道像素展开为 RGBA，复用 dst 的容量。
func expand(dst, src []byte, channels, pixels int) []byte {
	n := pixels * 4
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	switch channels {
	case 1:
		for i, j := 0, 0; i < pixels; i, j = i+1, j+4 {
			g := src[i]
			dst[j], dst[j+1], dst[j+2], dst[j+3] = g, g, g, 0xff
		}
	case 3:
		for i, j := 0, 0; i < pixels*3; i, j = i+3, j+4 {
			dst[j], dst[j+1], dst[j+2], dst[j+3] = src[i], src[i+1], src[i+2], 0xff
		}
	}
	return dst
}

type Stats struct {
	Drawn    int64 `json:"drawn"`
	Rejected int64 `json:"rejected"`
	Gated    int64 `json:"gated"`
}

func (p *Pipeline) Stats() Stats {
	return Stats{Drawn: p.drawn.Load(), Rejected: p.rejected.Load(), Gated: p.gated.Load()}
}
