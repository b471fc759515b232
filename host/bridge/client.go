package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	qerrors "qchat/host/errors"
	qlog "qchat/host/log"
	"qchat/host/status"
	"qchat/host/wire"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// frameKey 是视频帧订阅在订阅表中的键（不与任何 JSON 事件类型冲突）。
const frameKey MessageType = "#frame"

// Subscription 是一次事件订阅，Release 后回调不再被调用。
type Subscription interface {
	Release()
}

type subscription struct {
	c    *Client
	kind MessageType
	id   uint64
	once sync.Once
}

func (s *subscription) Release() {
	s.once.Do(func() { s.c.unsubscribe(s.kind, s.id) })
}

// Scope 把一段界面生命周期内的订阅归为一组，一次性释放。
type Scope struct {
	mu   sync.Mutex
	subs []Subscription
}

// Add 把订阅加入作用域并原样返回。
func (s *Scope) Add(sub Subscription) Subscription {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return sub
}

// Release 释放作用域内的全部订阅（幂等）。
func (s *Scope) Release() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Release()
	}
}

type handlerEntry struct {
	onEvent func(Envelope)
	onFrame func(FramePayload)
}

// Client 是界面一侧的桥接端：只暴露固定命令与固定事件订阅，不暴露底层连接。
type Client struct {
	conn   *websocket.Conn
	logger *logrus.Entry

	writeMu sync.Mutex

	mu     sync.RWMutex
	subs   map[MessageType]map[uint64]handlerEntry
	nextID atomic.Uint64
	panics atomic.Int64

	done    chan struct{}
	errMu   sync.Mutex
	err     error
	closing atomic.Bool
}

// Dial 连接宿主的界面桥。
// 参数：
// - ctx: 拨号上下文
// - url: 形如 ws://127.0.0.1:5101/bridge
// - token: 宿主配置了 bridge.token 时必填
// 返回：
// - *Client: 客户端
// - error: 连接失败原因
func Dial(ctx context.Context, url, token string) (*Client, error) {
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, hdr)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, qerrors.Wrap(qerrors.CodeBadRequest, "bridge unauthorized", err)
		}
		return nil, qerrors.Wrap(qerrors.CodeUnavailable, "bridge dial failed", err)
	}
	c := &Client{
		conn:   conn,
		logger: qlog.Component("bridge-client"),
		subs:   make(map[MessageType]map[uint64]handlerEntry),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// JoinRoom 请求加入房间（单向，没有同步结果）。
func (c *Client) JoinRoom(roomID string) {
	c.sendCommand(MsgJoinRoom, JoinRoomPayload{RoomID: roomID})
}

// LeaveRoom 请求离开房间。
func (c *Client) LeaveRoom() { c.sendCommand(MsgLeaveRoom, nil) }

// SetPeerID 设置通话对端。
func (c *Client) SetPeerID(peerID string) {
	c.sendCommand(MsgSetPeerID, SetPeerIDPayload{PeerID: peerID})
}

// Ready 通知宿主界面已注册好监听；之后宿主才会启动伴随进程。
func (c *Client) Ready() { c.sendCommand(MsgUIReady, nil) }

func (c *Client) sendCommand(t MessageType, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			c.logger.WithField("kind", t).WithError(err).Warn("界面命令编码失败")
			return
		}
		raw = b
	}
	data, err := json.Marshal(Envelope{Type: t, Payload: raw})
	if err != nil {
		c.logger.WithField("kind", t).WithError(err).Warn("界面命令编码失败")
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.WithField("kind", t).WithError(err).Warn("界面命令发送失败")
	}
}

func (c *Client) subscribe(kind MessageType, e handlerEntry) Subscription {
	id := c.nextID.Add(1)
	c.mu.Lock()
	m := c.subs[kind]
	if m == nil {
		m = make(map[uint64]handlerEntry)
		c.subs[kind] = m
	}
	m[id] = e
	c.mu.Unlock()
	return &subscription{c: c, kind: kind, id: id}
}

func (c *Client) unsubscribe(kind MessageType, id uint64) {
	c.mu.Lock()
	delete(c.subs[kind], id)
	c.mu.Unlock()
}

func (c *Client) handlers(kind MessageType) []handlerEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m := c.subs[kind]
	out := make([]handlerEntry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

func onPayload[T any](c *Client, kind MessageType, fn func(T, uint64)) Subscription {
	return c.subscribe(kind, handlerEntry{onEvent: func(env Envelope) {
		var p T
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				c.logger.WithField("kind", kind).WithError(err).Warn("界面事件解码失败")
				return
			}
		}
		fn(p, env.Gen)
	}})
}

// OnSelfID 订阅本端 ID。
func (c *Client) OnSelfID(fn func(id string, gen uint64)) Subscription {
	return onPayload(c, EvSelfID, func(p IDPayload, gen uint64) { fn(p.ID, gen) })
}

// OnRoomID 订阅房间号。
func (c *Client) OnRoomID(fn func(id string, gen uint64)) Subscription {
	return onPayload(c, EvRoomID, func(p IDPayload, gen uint64) { fn(p.ID, gen) })
}

// OnReady 订阅 ready。
func (c *Client) OnReady(fn func(gen uint64)) Subscription {
	return onPayload(c, EvReady, func(_ struct{}, gen uint64) { fn(gen) })
}

// OnMessage 订阅聊天消息。
func (c *Client) OnMessage(fn func(m MessagePayload, gen uint64)) Subscription {
	return onPayload(c, EvMessage, fn)
}

// OnStatus 订阅通道安全状态。
func (c *Client) OnStatus(fn func(s status.SecurityStatus, gen uint64)) Subscription {
	return onPayload(c, EvStatus, func(p StatusPayload, gen uint64) { fn(p.Status, gen) })
}

// OnCompanionExit 订阅伴随进程退出。
func (c *Client) OnCompanionExit(fn func(p CompanionExitPayload, gen uint64)) Subscription {
	return onPayload(c, EvCompanionExit, fn)
}

// OnSession 订阅宿主的会话代数公告（每次加入、离开时推送）。
func (c *Client) OnSession(fn func(p SessionPayload, gen uint64)) Subscription {
	return onPayload(c, EvSession, fn)
}

// OnFrame 订阅视频帧。回调中的 Frame 在回调返回后不得继续持有。
func (c *Client) OnFrame(fn func(f FramePayload)) Subscription {
	return c.subscribe(frameKey, handlerEntry{onFrame: fn})
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				c.setErr(qerrors.Wrap(qerrors.CodeUnavailable, "bridge closed", err))
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			s, gen, err := wire.DecodeStream(data)
			if err != nil {
				c.logger.WithField("size", len(data)).WithError(err).Warn("丢弃格式错误的视频帧")
				continue
			}
			fp := FramePayload{Gen: gen, Frame: s.Frame, Width: s.Width, Height: s.Height, Channels: s.Channels}
			for _, e := range c.handlers(frameKey) {
				c.deliver(frameKey, len(data), func() { e.onFrame(fp) })
			}
		case websocket.TextMessage:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.logger.WithField("size", len(data)).WithError(err).Warn("丢弃格式错误的界面事件")
				continue
			}
			for _, e := range c.handlers(env.Type) {
				c.deliver(env.Type, len(data), func() { e.onEvent(env) })
			}
		}
	}
}

// deliver 调用一个订阅回调；回调 panic 时只丢弃这一条，读循环继续。
func (c *Client) deliver(kind MessageType, size int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.logger.WithFields(logrus.Fields{"kind": kind, "size": size, "panic": fmt.Sprintf("%T", r)}).Error("界面事件回调异常，已丢弃该事件")
		}
	}()
	fn()
}

// Panics 返回被恢复的回调 panic 次数。
func (c *Client) Panics() int64 { return c.panics.Load() }

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

// Done 在连接关闭后关闭。
func (c *Client) Done() <-chan struct{} { return c.done }

// Err 返回连接异常关闭的原因（主动 Close 时为 nil）。
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close 关闭连接。
func (c *Client) Close() error {
	c.closing.Store(true)
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}
