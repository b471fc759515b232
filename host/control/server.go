package control

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"qchat/host/config"
	qerrors "qchat/host/errors"
	qlog "qchat/host/log"
	"qchat/host/ports"
	"qchat/host/status"
	"qchat/host/wire"

	"github.com/sirupsen/logrus"
)

// ErrNotConnected 表示当前没有伴随进程连接，命令不会排队。
var ErrNotConnected = qerrors.New(qerrors.CodeUnavailable, "companion not connected")

// Handler 接收控制通道上的连接与事件。
// 所有回调都在连接读协程中调用，实现方应尽快返回（通常转入自己的队列）。
type Handler interface {
	OnConnect()
	OnEvent(in wire.Inbound)
	OnDisconnect(err error)
}

type Server struct {
	cfg     config.ControlConfig
	handler Handler
	pool    *ports.Pool
	logger  *logrus.Entry

	mu          sync.Mutex
	ln          connListener
	conn        net.Conn
	state       status.ChannelStatus
	connectedAt time.Time

	writeMu sync.Mutex

	provider atomic.Value
	started  time.Time

	eventsIn atomic.Int64
	dropped  atomic.Int64
	rejected atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
}

// NewServer 创建控制通道服务。
// 参数：
// - cfg: 控制通道配置（端口范围、传输方式、单帧上限、发送超时）
// - h: 事件处理者（通常是会话控制器）
// 返回：
// - *Server: 服务实例
// - error: 端口范围非法时返回错误
func NewServer(cfg config.ControlConfig, h Handler) (*Server, error) {
	pr, err := config.ParsePortRange(cfg.PortRange)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.CodeBadRequest, "invalid control.port_range", err)
	}
	pool, err := ports.NewPool(pr.Start, pr.End)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.CodeBadRequest, "invalid control.port_range", err)
	}
	return &Server{
		cfg:     cfg,
		handler: h,
		pool:    pool,
		logger:  qlog.Component("control"),
		state:   status.ChannelClosed,
		done:    make(chan struct{}),
	}, nil
}

// Start 绑定控制端口并开始接受连接。
// 使用说明：
// - 从首选端口开始，遇到“地址已占用”时顺延到下一个端口，直到范围耗尽
// - 返回的端口需要传给伴随进程
// 参数：
// - ctx: 上下文，取消时关闭监听与当前连接
// 返回：
// - int: 实际绑定的端口
// - error: 绑定失败原因（范围耗尽为 CodeBindExhausted，属于致命错误）
func (s *Server) Start(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, qerrors.New(qerrors.CodeInvalidState, "control server closed")
	}
	port, err := s.pool.Acquire(func(port int) error {
		ln, err := listen(s.cfg, port)
		if err != nil {
			if ports.IsAddrInUse(err) {
				s.logger.WithFields(logrus.Fields{"port": port, "transport": s.cfg.Transport}).Warn("控制端口已被占用，尝试下一个端口")
			}
			return err
		}
		s.mu.Lock()
		s.ln = ln
		s.mu.Unlock()
		return nil
	})
	if err != nil {
		s.logger.WithError(err).Error("控制端口绑定失败")
		return 0, err
	}

	s.mu.Lock()
	s.state = status.ChannelListening
	ln := s.ln
	s.mu.Unlock()
	s.started = time.Now()
	s.logger.WithFields(logrus.Fields{"port": port, "transport": s.cfg.Transport, "status": status.ChannelListening}).Info("控制通道开始监听")

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	go s.acceptLoop(ctx, ln)
	return port, nil
}

// acceptLoop 接受新连接；监听关闭后退出。
func (s *Server) acceptLoop(ctx context.Context, ln connListener) {
	for {
		c, err := ln.AcceptConn()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.WithError(err).Warn("接受控制连接失败")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		go s.handleConn(ctx, ln, c)
	}
}

// handleConn 处理单条连接：
// - 字节流传输上检测到 HTTP GET 时转入 /status
// - 已有伴随进程连接时拒绝并关闭新连接
// - 否则成为当前连接并进入读循环
func (s *Server) handleConn(ctx context.Context, ln connListener, c net.Conn) {
	br := bufio.NewReaderSize(c, 8192)
	if ln.Stream() && s.cfg.StatusHTTP {
		_ = c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		prefix, _ := br.Peek(4)
		_ = c.SetReadDeadline(time.Time{})
		if bytes.HasPrefix(prefix, []byte("GET ")) {
			s.handleHTTP(br, c)
			return
		}
	}

	s.mu.Lock()
	if s.conn != nil || s.closed.Load() {
		s.mu.Unlock()
		s.rejected.Add(1)
		s.logger.WithField("remote", c.RemoteAddr().String()).Warn("已有伴随进程连接，拒绝新的控制连接")
		_ = c.Close()
		return
	}
	s.conn = c
	s.state = status.ChannelConnected
	s.connectedAt = time.Now()
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{"remote": c.RemoteAddr().String(), "status": status.ChannelConnected}).Info("伴随进程已连接")
	s.handler.OnConnect()

	err := s.readLoop(ctx, br)

	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
		s.connectedAt = time.Time{}
		if !s.closed.Load() {
			s.state = status.ChannelListening
		}
	}
	s.mu.Unlock()
	_ = c.Close()

	fields := logrus.Fields{"status": status.ChannelListening}
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("控制连接异常断开，重新等待连接")
	} else {
		s.logger.WithFields(fields).Info("控制连接已关闭，重新等待连接")
	}
	s.handler.OnDisconnect(err)
}

// readLoop 读取并分发事件；返回 nil 表示对端正常关闭。
func (s *Server) readLoop(ctx context.Context, br *bufio.Reader) error {
	r := wire.NewReader(br, int(s.cfg.MaxFrameBytes))
	for {
		if ctx.Err() != nil {
			return nil
		}
		in, err := r.Next()
		if err != nil {
			if wire.IsMalformed(err) {
				s.dropped.Add(1)
				s.logger.WithFields(logrus.Fields{"size": in.Size, "gen": in.Gen}).WithError(err).Warn("丢弃格式错误的控制事件")
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || s.closed.Load() {
				return nil
			}
			return err
		}
		s.eventsIn.Add(1)
		s.logger.WithFields(logrus.Fields{"kind": in.Event.Kind(), "size": in.Size, "gen": in.Gen}).Debug("收到控制事件")
		s.handler.OnEvent(in)
	}
}

// Send 向当前连接写出一条命令（线程安全）。
// 规则：
// - 未连接时立即返回 ErrNotConnected，不排队
// - 写超时由 control.send_timeout 控制，超时或写失败会关闭连接
// 参数：
// - cmd: 命令
// - gen: 会话代数
// 返回：
// - error: 发送失败原因
func (s *Server) Send(cmd wire.Command, gen uint64) error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.cfg.SendTimeout > 0 {
		_ = c.SetWriteDeadline(time.Now().Add(s.cfg.SendTimeout))
	}
	err := wire.WriteCommand(c, cmd, gen)
	_ = c.SetWriteDeadline(time.Time{})
	if err != nil {
		s.logger.WithFields(logrus.Fields{"kind": cmd.Kind(), "gen": gen}).WithError(err).Warn("命令发送失败，断开控制连接")
		_ = c.Close()
		return qerrors.Wrap(qerrors.CodeUnavailable, "send failed", err)
	}
	s.logger.WithFields(logrus.Fields{"kind": cmd.Kind(), "gen": gen}).Debug("命令已发送")
	return nil
}

// Close 关闭监听与当前连接并释放端口（幂等）。
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.mu.Lock()
		ln, c := s.ln, s.conn
		s.state = status.ChannelClosed
		s.mu.Unlock()
		if ln != nil {
			ln.Close()
		}
		if c != nil {
			_ = c.Close()
		}
		s.pool.Release()
		close(s.done)
		s.logger.WithField("status", status.ChannelClosed).Info("控制通道已关闭")
	})
}

// State 返回通道状态。
func (s *Server) State() status.ChannelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Port 返回当前绑定端口（未绑定为 0）。
func (s *Server) Port() int { return s.pool.Bound() }

// Connected 返回是否有伴随进程连接。
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// SetStatusProvider 设置 /status 中 host 字段的数据来源（会话与伴随进程摘要）。
func (s *Server) SetStatusProvider(fn func() any) {
	if fn != nil {
		s.provider.Store(fn)
	}
}
