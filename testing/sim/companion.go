package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	qlog "qchat/host/log"
	"qchat/host/status"
	"qchat/host/wire"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Options 描述模拟伴随进程的行为。
type Options struct {
	SelfID   string
	Width    int
	Height   int
	Channels int
	FPS      int
	MaxMbps  float64

	DropPct int
	Jitter  time.Duration
	Seed    int64

	// MaxFrameBytes 是读取宿主命令时的单帧上限。
	MaxFrameBytes int
}

func (o *Options) normalize() {
	if o.SelfID == "" {
		o.SelfID = "sim-" + uuid.NewString()[:8]
	}
	if o.Width <= 0 {
		o.Width = 64
	}
	if o.Height <= 0 {
		o.Height = 48
	}
	if o.FPS <= 0 {
		o.FPS = 15
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 1 << 20
	}
}

// Companion 是连接到宿主控制通道的模拟伴随进程。
// 收到 join_room 后依次回复 room_id、ready、status，并以该代数推流；
// 收到 set_peer_id 后以对端身份发一条问候消息。
type Companion struct {
	opts   Options
	conn   net.Conn
	logger *logrus.Entry

	writeMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	rooms  int
}

func New(conn net.Conn, opts Options) *Companion {
	opts.normalize()
	return &Companion{
		opts:   opts,
		conn:   conn,
		logger: qlog.Component("sim").WithField("self_id", opts.SelfID),
	}
}

// Run 发送 self_id 后处理宿主命令，直到连接关闭或 ctx 取消。
// 返回：
// - error: 连接被对端关闭时为 nil；成帧错误或写失败时返回原因
func (c *Companion) Run(ctx context.Context) error {
	defer c.stopStream()
	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()

	if err := c.emit(wire.SelfID{ID: c.opts.SelfID}, 0); err != nil {
		return err
	}
	r := wire.NewReader(c.conn, c.opts.MaxFrameBytes)
	for {
		out, err := r.NextCommand()
		if err != nil {
			if wire.IsMalformed(err) {
				c.logger.WithError(err).Warn("忽略无法解析的命令")
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.handle(ctx, out); err != nil {
			return err
		}
	}
}

func (c *Companion) handle(ctx context.Context, out wire.Outbound) error {
	entry := c.logger.WithFields(logrus.Fields{"kind": out.Command.Kind(), "gen": out.Gen})
	switch cmd := out.Command.(type) {
	case wire.JoinRoom:
		c.stopStream()
		c.mu.Lock()
		c.rooms++
		room := cmd.RoomID
		if room == "" {
			room = fmt.Sprintf("room-%d", c.rooms)
		}
		c.mu.Unlock()
		entry.WithField("room", room).Info("加入房间")
		if err := c.emit(wire.RoomID{ID: room}, out.Gen); err != nil {
			return err
		}
		if err := c.emit(wire.Ready{}, out.Gen); err != nil {
			return err
		}
		if err := c.emit(wire.Status{Status: status.SecurityGood}, out.Gen); err != nil {
			return err
		}
		c.startStream(ctx, out.Gen)
	case wire.LeaveRoom:
		entry.Info("离开房间")
		c.stopStream()
	case wire.SetPeerID:
		entry.WithField("peer", cmd.PeerID).Info("设置对端")
		msg := wire.Message{Text: "hello from " + cmd.PeerID, SenderID: cmd.PeerID, Timestamp: time.Now().UnixMilli()}
		if err := c.emit(msg, out.Gen); err != nil {
			return err
		}
	}
	return nil
}

func (c *Companion) emit(ev wire.Event, gen uint64) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteEvent(c.conn, ev, gen)
}

func (c *Companion) startStream(ctx context.Context, gen uint64) {
	sctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.stream(sctx, gen)
	}()
}

func (c *Companion) stopStream() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Companion) stream(ctx context.Context, gen uint64) {
	pattern := &Pattern{Width: c.opts.Width, Height: c.opts.Height, Channels: c.opts.Channels}
	limiter := NewRateLimiter(c.opts.MaxMbps)
	link := NewLink(c.opts.Seed, 0, c.opts.Jitter, c.opts.DropPct)
	ticker := time.NewTicker(time.Second / time.Duration(c.opts.FPS))
	defer ticker.Stop()

	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if link.ShouldDrop() {
			continue
		}
		pix := pattern.Next(n)
		wait := limiter.Delay(len(pix)) + link.NextDelay()
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		s := wire.Stream{Frame: pix, Width: c.opts.Width, Height: c.opts.Height, Channels: c.opts.Channels}
		if err := c.emit(s, gen); err != nil {
			c.logger.WithError(err).WithField("gen", gen).Warn("推流写失败，停止")
			return
		}
	}
}
