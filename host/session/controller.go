package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"qchat/host/bridge"
	"qchat/host/config"
	qerrors "qchat/host/errors"
	qlog "qchat/host/log"
	"qchat/host/status"
	"qchat/host/wire"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type inputKind int

const (
	inEvent inputKind = iota
	inJoin
	inLeave
	inSetPeer
	inUIReady
	inExit
	inConnect
	inDisconnect
	inFlush
)

func (k inputKind) String() string {
	switch k {
	case inEvent:
		return "event"
	case inJoin:
		return "join_room"
	case inLeave:
		return "leave_room"
	case inSetPeer:
		return "set_peer_id"
	case inUIReady:
		return "ui_ready"
	case inExit:
		return "companion_exit"
	case inConnect:
		return "connect"
	case inDisconnect:
		return "disconnect"
	case inFlush:
		return "flush"
	default:
		return fmt.Sprintf("input(%d)", int(k))
	}
}

type input struct {
	kind inputKind
	ev   wire.Inbound
	seq  uint64
	arg  string
	exit ExitInfo
	ack  chan struct{}
}

// ExitInfo 描述伴随进程退出（由监管者回调转换而来）。
// Instance 为空表示不区分实例（例如启动失败）。
type ExitInfo struct {
	Instance  string
	Code      int
	Requested bool
}

type Options struct {
	Session config.SessionConfig
	// Protocol 决定哪个事件让会话离开 Loading：room_id 或 ready。
	Protocol string
	// SpawnOnUIReady 为 true 时首次 ui_ready 会启动伴随进程。
	SpawnOnUIReady bool
}

type Controller struct {
	opts     Options
	sender   Sender
	sink     Sink
	launcher Launcher
	logger   *logrus.Entry

	inbox chan input
	done  chan struct{}

	frameSeq atomic.Uint64
	latest   atomic.Uint64

	running atomic.Bool

	// 以下字段只在事件循环内读写。
	s        Session
	launched bool
	dirty    bool
	instance string

	mu   sync.RWMutex
	snap Session
	chat []wire.Message

	eventsIn      atomic.Int64
	stale         atomic.Int64
	framesOut     atomic.Int64
	framesSkipped atomic.Int64
	framesDropped atomic.Int64
	panics        atomic.Int64
}

// NewController 创建会话控制器。
// 参数：
// - opts: 会话配置与协议变体
// - sender: 命令下行（控制通道服务）
// - sink: 事件上行（界面桥）
// - launcher: 伴随进程启动器
func NewController(opts Options, sender Sender, sink Sink, launcher Launcher) *Controller {
	if opts.Session.InboxSize <= 0 {
		opts.Session.InboxSize = 256
	}
	if opts.Protocol == "" {
		opts.Protocol = config.ProtocolRoomID
	}
	c := &Controller{
		opts:     opts,
		sender:   sender,
		sink:     sink,
		launcher: launcher,
		logger:   qlog.Component("session"),
		inbox:    make(chan input, opts.Session.InboxSize),
		done:     make(chan struct{}),
		s:        Session{Phase: status.RoomIdle, Status: status.SecurityWaiting},
	}
	c.snap = c.s
	return c
}

// Run 运行事件循环，直到 ctx 取消。所有输入都按到达顺序在这里串行处理。
// 返回：
// - error: 重复调用时返回 CodeConflict
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return qerrors.New(qerrors.CodeConflict, "session loop already running")
	}
	defer close(c.done)
	c.logger.WithFields(logrus.Fields{"protocol": c.opts.Protocol, "phase": c.s.Phase}).Info("会话事件循环启动")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("会话事件循环退出")
			return nil
		case in := <-c.inbox:
			c.dispatch(ctx, in)
		}
	}
}

// enqueue 投递一条输入；循环已退出时返回 false。
func (c *Controller) enqueue(in input) bool {
	select {
	case c.inbox <- in:
		return true
	case <-c.done:
		return false
	}
}

// ApplyEvent 投递一条伴随进程事件。
// 视频帧不阻塞：队列满时直接丢弃，且只有最新一帧会被处理。
func (c *Controller) ApplyEvent(in wire.Inbound) {
	c.eventsIn.Add(1)
	if _, ok := in.Event.(wire.Stream); ok {
		seq := c.frameSeq.Add(1)
		prev := c.latest.Swap(seq)
		select {
		case c.inbox <- input{kind: inEvent, ev: in, seq: seq}:
		default:
			c.latest.CompareAndSwap(seq, prev)
			c.framesDropped.Add(1)
		}
		return
	}
	c.enqueue(input{kind: inEvent, ev: in})
}

// ApplyCommand 投递一条界面命令。
// 返回：
// - error: 命令类型未知时返回 CodeBadRequest
func (c *Controller) ApplyCommand(cmd wire.Command) error {
	switch v := cmd.(type) {
	case wire.JoinRoom:
		c.JoinRoom(v.RoomID)
	case wire.LeaveRoom:
		c.LeaveRoom()
	case wire.SetPeerID:
		c.SetPeerID(v.PeerID)
	default:
		return qerrors.New(qerrors.CodeBadRequest, fmt.Sprintf("unknown command %T", cmd))
	}
	return nil
}

// JoinRoom 请求加入房间；roomID 为空表示新建房间。
func (c *Controller) JoinRoom(roomID string) { c.enqueue(input{kind: inJoin, arg: roomID}) }

// LeaveRoom 请求离开房间，任意阶段都有效。
func (c *Controller) LeaveRoom() { c.enqueue(input{kind: inLeave}) }

// SetPeerID 设置通话对端 ID。
func (c *Controller) SetPeerID(peerID string) { c.enqueue(input{kind: inSetPeer, arg: peerID}) }

// UIReady 表示界面已注册好全部监听。
func (c *Controller) UIReady() { c.enqueue(input{kind: inUIReady}) }

// CompanionExited 通知伴随进程已退出。
func (c *Controller) CompanionExited(info ExitInfo) { c.enqueue(input{kind: inExit, exit: info}) }

// ChannelConnected 通知控制通道已连接。
func (c *Controller) ChannelConnected() { c.enqueue(input{kind: inConnect}) }

// ChannelDisconnected 通知控制通道已断开。
func (c *Controller) ChannelDisconnected() { c.enqueue(input{kind: inDisconnect}) }

func (c *Controller) OnConnect()              { c.ChannelConnected() }
func (c *Controller) OnEvent(in wire.Inbound) { c.ApplyEvent(in) }
func (c *Controller) OnDisconnect(error)      { c.ChannelDisconnected() }

func (c *Controller) dispatch(ctx context.Context, in input) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			kind := in.kind.String()
			if in.kind == inEvent && in.ev.Event != nil {
				kind = string(in.ev.Event.Kind())
			}
			c.logger.WithFields(logrus.Fields{"kind": kind, "size": in.ev.Size, "panic": fmt.Sprintf("%T", r)}).Error("会话事件处理异常，已丢弃该输入")
		}
		c.publishSnapshot()
	}()

	switch in.kind {
	case inEvent:
		c.handleEvent(in)
	case inJoin:
		c.handleJoin(ctx, in.arg)
	case inLeave:
		c.handleLeave()
	case inSetPeer:
		c.handleSetPeer(in.arg)
	case inUIReady:
		c.handleUIReady(ctx)
	case inExit:
		c.handleExit(in.exit)
	case inConnect:
		c.handleConnect()
	case inDisconnect:
		c.logger.WithFields(logrus.Fields{"phase": c.s.Phase, "gen": c.s.Gen}).Info("控制通道断开，等待伴随进程重连")
	case inFlush:
		close(in.ack)
	}
}

// flush 等待此前投递的输入全部处理完毕。
func (c *Controller) flush(ctx context.Context) error {
	ack := make(chan struct{})
	if !c.enqueue(input{kind: inFlush, ack: ack}) {
		return qerrors.New(qerrors.CodeInvalidState, "session loop stopped")
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) fields() logrus.Fields {
	return logrus.Fields{"session": c.s.ID, "phase": c.s.Phase, "gen": c.s.Gen}
}

// bump 推进会话代数，并让所有已排队的视频帧失效。
func (c *Controller) bump() {
	c.s.Gen++
	c.latest.Store(c.frameSeq.Add(1))
}

func (c *Controller) transition(t status.RoomTrigger) bool {
	next, ok := status.NextRoomPhase(c.s.Phase, t)
	if !ok {
		c.logger.WithFields(c.fields()).WithField("trigger", t).Warn("当前阶段不接受该输入，忽略")
		return false
	}
	c.s.Phase = next
	return true
}

func (c *Controller) handleJoin(ctx context.Context, roomID string) {
	if c.s.Phase != status.RoomIdle {
		c.logger.WithFields(c.fields()).Warn("joinRoom 仅在 Idle 阶段有效，忽略")
		return
	}
	c.bump()
	c.transition(status.TriggerJoin)
	c.s.ID = uuid.NewString()
	c.s.Requested = roomID
	c.s.RoomID = ""
	c.s.PeerID = ""
	c.s.Status = status.SecurityWaiting
	c.resetChat()
	c.logger.WithFields(c.fields()).WithField("room", roomID).Info("开始加入房间")
	c.announce()

	instance, started, err := c.launcher.EnsureRunning(ctx)
	if err != nil {
		c.logger.WithFields(c.fields()).WithError(err).Error("伴随进程启动失败")
		c.handleExit(ExitInfo{Code: -1})
		return
	}
	c.launched = true
	c.instance = instance
	if started {
		// 新进程连上控制通道后由 handleConnect 发送 join_room。
		return
	}
	c.sendJoin()
}

// sendJoin 发送 join_room；复用的进程上还有未复位的会话时先发送 leave_room。
func (c *Controller) sendJoin() {
	if c.dirty {
		if err := c.send(wire.LeaveRoom{}); err != nil {
			return
		}
		c.dirty = false
	}
	if err := c.send(wire.JoinRoom{RoomID: c.s.Requested}); err == nil {
		c.dirty = true
	}
}

func (c *Controller) send(cmd wire.Command) error {
	err := c.sender.Send(cmd, c.s.Gen)
	if err == nil {
		return nil
	}
	entry := c.logger.WithFields(c.fields()).WithField("kind", cmd.Kind())
	if qerrors.Code(err) == qerrors.CodeUnavailable {
		entry.WithError(err).Info("伴随进程未连接，命令未发送")
	} else {
		entry.WithError(err).Warn("命令发送失败")
	}
	return err
}

func (c *Controller) handleLeave() {
	prev := c.s.Phase
	c.bump()
	c.transition(status.TriggerLeave)
	c.s.ID = ""
	c.s.Requested = ""
	c.s.RoomID = ""
	c.s.PeerID = ""
	c.s.Status = status.SecurityWaiting
	c.announce()
	if prev == status.RoomIdle {
		return
	}
	c.logger.WithFields(c.fields()).WithField("from", prev).Info("离开房间")
	if err := c.send(wire.LeaveRoom{}); err == nil {
		c.dirty = false
	}
}

func (c *Controller) handleSetPeer(peerID string) {
	c.s.PeerID = peerID
	_ = c.send(wire.SetPeerID{PeerID: peerID})
}

func (c *Controller) handleUIReady(ctx context.Context) {
	c.logger.WithFields(c.fields()).Info("界面已就绪")
	if !c.opts.SpawnOnUIReady || c.launched {
		return
	}
	c.launched = true
	instance, _, err := c.launcher.EnsureRunning(ctx)
	if err != nil {
		c.logger.WithError(err).Error("伴随进程启动失败")
		c.handleExit(ExitInfo{Code: -1})
		return
	}
	c.instance = instance
}

// handleExit 结束当前会话；已被新实例取代的旧进程的退出只记录不处理。
func (c *Controller) handleExit(info ExitInfo) {
	if info.Instance != "" && c.instance != "" && info.Instance != c.instance {
		c.stale.Add(1)
		c.logger.WithFields(c.fields()).WithFields(logrus.Fields{"instance": info.Instance, "current": c.instance, "code": info.Code}).Info("旧伴随进程实例退出，忽略")
		return
	}
	c.instance = ""
	c.bump()
	c.transition(status.TriggerExit)
	c.s.Requested = ""
	c.s.RoomID = ""
	c.s.Status = status.SecurityDisconnected
	c.dirty = false
	c.logger.WithFields(c.fields()).WithFields(logrus.Fields{"code": info.Code, "requested": info.Requested}).Warn("伴随进程已退出，会话结束")
	c.sink.Publish(bridge.Event{Type: bridge.EvCompanionExit, Gen: c.s.Gen, Payload: bridge.CompanionExitPayload{Code: info.Code, Requested: info.Requested}})
	c.sink.Publish(bridge.Event{Type: bridge.EvStatus, Gen: c.s.Gen, Payload: bridge.StatusPayload{Status: status.SecurityDisconnected}})
}

func (c *Controller) handleConnect() {
	c.dirty = false
	c.logger.WithFields(c.fields()).Info("控制通道已连接")
	if c.s.Phase == status.RoomLoading {
		c.sendJoin()
	}
}

func (c *Controller) handleEvent(in input) {
	ev := in.ev
	if ev.Event == nil {
		return
	}
	kind := ev.Event.Kind()
	if ev.Gen != 0 && ev.Gen != c.s.Gen {
		c.stale.Add(1)
		c.logger.WithFields(c.fields()).WithFields(logrus.Fields{"kind": kind, "event_gen": ev.Gen, "size": ev.Size}).Debug("丢弃过期代数的事件")
		return
	}

	switch e := ev.Event.(type) {
	case wire.SelfID:
		c.s.SelfID = e.ID
		c.publish(bridge.EvSelfID, bridge.IDPayload{ID: e.ID})
	case wire.RoomID:
		if c.s.Phase != status.RoomLoading {
			c.logger.WithFields(c.fields()).Warn("非加载阶段收到 room_id，忽略")
			return
		}
		c.s.RoomID = e.ID
		c.publish(bridge.EvRoomID, bridge.IDPayload{ID: e.ID})
		if c.opts.Protocol == config.ProtocolRoomID {
			c.enter()
		}
	case wire.Ready:
		if c.s.Phase == status.RoomIdle {
			c.logger.WithFields(c.fields()).Debug("Idle 阶段收到 ready，忽略")
			return
		}
		c.publish(bridge.EvReady, struct{}{})
		if c.opts.Protocol == config.ProtocolReady && c.s.Phase == status.RoomLoading {
			c.enter()
		}
	case wire.Message:
		if c.s.Phase != status.RoomActive {
			c.stale.Add(1)
			return
		}
		c.appendChat(e)
		c.publish(bridge.EvMessage, bridge.MessagePayload{Text: e.Text, SenderID: e.SenderID, Timestamp: e.Timestamp})
	case wire.Stream:
		if in.seq != c.latest.Load() {
			c.framesSkipped.Add(1)
			return
		}
		if c.s.Phase != status.RoomActive {
			c.stale.Add(1)
			return
		}
		c.framesOut.Add(1)
		c.sink.PublishFrame(c.s.Gen, e)
	case wire.Status:
		if c.s.Phase != status.RoomActive {
			c.logger.WithFields(c.fields()).WithField("status", e.Status).Debug("非通话阶段收到 status，忽略")
			return
		}
		if c.s.Status != e.Status {
			c.logger.WithFields(c.fields()).WithField("status", e.Status).Info("通道安全状态变化")
		}
		c.s.Status = e.Status
		c.publish(bridge.EvStatus, bridge.StatusPayload{Status: e.Status})
	default:
		c.logger.WithFields(c.fields()).WithField("kind", kind).Warn("未处理的事件类型")
	}
}

func (c *Controller) enter() {
	if !c.transition(status.TriggerEnter) {
		return
	}
	c.s.Status = status.SecurityWaiting
	c.logger.WithFields(c.fields()).WithField("room", c.s.RoomID).Info("已进入房间")
}

// announce 向界面公告新的会话代数，界面据此丢弃更早代数的迟到事件。
func (c *Controller) announce() {
	c.publish(bridge.EvSession, bridge.SessionPayload{Phase: c.s.Phase})
}

func (c *Controller) publish(t bridge.MessageType, payload any) {
	c.sink.Publish(bridge.Event{Type: t, Gen: c.s.Gen, Payload: payload})
}

func (c *Controller) resetChat() {
	c.mu.Lock()
	c.chat = nil
	c.mu.Unlock()
}

func (c *Controller) appendChat(m wire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chat = append(c.chat, m)
	if limit := c.opts.Session.MaxChatHistory; limit > 0 && len(c.chat) > limit {
		c.chat = append([]wire.Message(nil), c.chat[len(c.chat)-limit:]...)
	}
}

func (c *Controller) publishSnapshot() {
	c.mu.Lock()
	c.snap = c.s
	c.mu.Unlock()
}

// Snapshot 返回会话状态副本。
func (c *Controller) Snapshot() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Chat 返回当前会话的聊天记录（按到达顺序）。
func (c *Controller) Chat() []wire.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]wire.Message(nil), c.chat...)
}

// Stats 返回会话摘要与计数（用于 /status）。
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	st := Stats{Session: c.snap, ChatLen: len(c.chat)}
	c.mu.RUnlock()
	st.EventsIn = c.eventsIn.Load()
	st.Stale = c.stale.Load()
	st.FramesOut = c.framesOut.Load()
	st.FramesSkipped = c.framesSkipped.Load()
	st.FramesDropped = c.framesDropped.Load()
	st.Panics = c.panics.Load()
	return st
}
