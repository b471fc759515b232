package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"qchat/host/config"
	qlog "qchat/host/log"
	"qchat/host/wire"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 2 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = pongWait * 9 / 10

	maxInboundMessage = 64 * 1024
)

// CommandHandler 接收界面发来的命令（会话控制器实现）。
type CommandHandler interface {
	JoinRoom(roomID string)
	LeaveRoom()
	SetPeerID(peerID string)
	UIReady()
}

type outbound struct {
	mt   int
	data []byte
}

// client 的出站消息共用一条有序队列：事件与帧按推送顺序写出，
// 队列中最多保留一帧，新帧会替换尚未写出的旧帧。
type client struct {
	conn   *websocket.Conn
	limit  int
	logger *logrus.Entry

	qmu   sync.Mutex
	queue []outbound
	texts int
	wake  chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(conn *websocket.Conn, queue int, logger *logrus.Entry) *client {
	return &client{
		conn:   conn,
		limit:  queue,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (c *client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pushText 把一条 JSON 事件排到队尾；排队事件已达上限时返回 false。
func (c *client) pushText(b []byte) bool {
	c.qmu.Lock()
	if c.texts >= c.limit {
		c.qmu.Unlock()
		return false
	}
	c.queue = append(c.queue, outbound{mt: websocket.TextMessage, data: b})
	c.texts++
	c.qmu.Unlock()
	c.signal()
	return true
}

// offerFrame 移除尚未写出的旧帧，再把新帧排到队尾。
func (c *client) offerFrame(b []byte) {
	c.qmu.Lock()
	for i, o := range c.queue {
		if o.mt == websocket.BinaryMessage {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	c.queue = append(c.queue, outbound{mt: websocket.BinaryMessage, data: b})
	c.qmu.Unlock()
	c.signal()
}

func (c *client) pop() (outbound, bool) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return outbound{}, false
	}
	o := c.queue[0]
	c.queue[0] = outbound{}
	c.queue = c.queue[1:]
	if o.mt == websocket.TextMessage {
		c.texts--
	}
	return o, true
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			for {
				o, ok := c.pop()
				if !ok {
					break
				}
				if err := c.write(o.mt, o.data); err != nil {
					return
				}
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(mt int, b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(mt, b)
}

type Hub struct {
	cfg    config.BridgeConfig
	logger *logrus.Entry

	handler atomic.Value

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	upgrader       websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}

	srv *http.Server
	ln  net.Listener

	published atomic.Int64
	dropped   atomic.Int64
	rejected  atomic.Int64
}

// NewHub 创建界面桥。
// 参数：
// - cfg: 监听地址、路径、允许的 Origin、令牌与单客户端队列长度
func NewHub(cfg config.BridgeConfig) *Hub {
	if cfg.Path == "" {
		cfg.Path = "/bridge"
	}
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = 64
	}
	h := &Hub{
		cfg:            cfg,
		logger:         qlog.Component("bridge"),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		clients:        make(map[*client]struct{}),
	}
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		h.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			h.allowedHosts[parsed.Host] = true
		}
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// Bind 设置命令处理者，必须在 Start 之前调用。
func (h *Hub) Bind(handler CommandHandler) {
	if handler != nil {
		h.handler.Store(handler)
	}
}

// Handler 返回界面桥的 HTTP 处理器（用于自定义挂载与测试）。
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(h.cfg.Path, h.handleWS)
	return mux
}

// Start 在 bridge.listen 上开始服务。
// 参数：
// - ctx: 取消时关闭服务与全部客户端
// 返回：
// - string: 实际监听地址（listen 端口为 0 时由系统分配）
// - error: 监听失败原因
func (h *Hub) Start(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", h.cfg.Listen)
	if err != nil {
		return "", err
	}
	h.ln = ln
	h.srv = &http.Server{Handler: h.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.WithError(err).Error("界面桥服务异常退出")
		}
	}()
	go func() {
		<-ctx.Done()
		h.Close()
	}()
	addr := ln.Addr().String()
	h.logger.WithFields(logrus.Fields{"addr": addr, "path": h.cfg.Path}).Info("界面桥开始监听")
	return addr, nil
}

// Close 关闭服务与全部客户端（幂等）。
func (h *Hub) Close() {
	if h.srv != nil {
		_ = h.srv.Close()
	}
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		h.rejected.Add(1)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.rejected.Add(1)
		h.logger.WithError(err).Warn("界面连接升级失败")
		return
	}
	c := newClient(conn, h.cfg.ClientQueue, h.logger.WithField("remote", r.RemoteAddr))
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	c.logger.Info("界面已连接")

	go c.writePump()
	h.readPump(c)
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// readPump 读取界面命令；只接受固定的几种消息。
func (h *Hub) readPump(c *client) {
	defer func() {
		h.removeClient(c)
		c.logger.Info("界面已断开")
	}()
	c.conn.SetReadLimit(maxInboundMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			c.logger.WithField("size", len(data)).Warn("丢弃非文本界面消息")
			continue
		}
		h.dispatch(c, data)
	}
}

func (h *Hub) dispatch(c *client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.WithField("size", len(data)).WithError(err).Warn("丢弃格式错误的界面消息")
		return
	}
	handler, _ := h.handler.Load().(CommandHandler)
	if handler == nil {
		c.logger.WithField("kind", env.Type).Warn("尚未绑定命令处理者，丢弃界面消息")
		return
	}
	entry := c.logger.WithFields(logrus.Fields{"kind": env.Type, "size": len(data)})
	switch env.Type {
	case MsgJoinRoom:
		var p JoinRoomPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				entry.WithError(err).Warn("join_room 参数错误")
				return
			}
		}
		handler.JoinRoom(strings.TrimSpace(p.RoomID))
	case MsgLeaveRoom:
		handler.LeaveRoom()
	case MsgSetPeerID:
		var p SetPeerIDPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || strings.TrimSpace(p.PeerID) == "" {
			entry.Warn("set_peer_id 缺少 peer_id")
			return
		}
		handler.SetPeerID(strings.TrimSpace(p.PeerID))
	case MsgUIReady:
		handler.UIReady()
	default:
		entry.Warn("丢弃不在白名单内的界面消息")
		return
	}
	entry.Debug("界面命令已转交会话")
}

// Publish 向所有已连接界面推送一条 JSON 事件。
// 晚连接的界面不会收到之前的事件；队列满的界面会被断开。
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.WithField("kind", ev.Type).WithError(err).Error("界面事件编码失败")
		return
	}
	h.published.Add(1)
	for _, c := range h.snapshotClients() {
		select {
		case <-c.done:
			continue
		default:
		}
		if !c.pushText(data) {
			h.dropped.Add(1)
			c.logger.WithField("kind", ev.Type).Warn("界面消费过慢，断开连接")
			h.removeClient(c)
		}
	}
}

// PublishFrame 向所有界面推送一帧；每个界面只保留最新一帧，且不会越过此前推送的事件。
func (h *Hub) PublishFrame(gen uint64, s wire.Stream) {
	clients := h.snapshotClients()
	if len(clients) == 0 {
		return
	}
	b := wire.AppendStream(make([]byte, 0, wire.StreamHeaderSize+len(s.Frame)), gen, s)
	for _, c := range clients {
		c.offerFrame(b)
	}
}

func (h *Hub) snapshotClients() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

// ClientCount 返回当前界面连接数。
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

type Stats struct {
	Clients   int   `json:"clients"`
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Rejected  int64 `json:"rejected"`
}

// Stats 返回界面桥计数（用于 /status）。
func (h *Hub) Stats() Stats {
	return Stats{
		Clients:   h.ClientCount(),
		Published: h.published.Load(),
		Dropped:   h.dropped.Load(),
		Rejected:  h.rejected.Load(),
	}
}

func (h *Hub) authorize(r *http.Request) bool {
	if h.cfg.Token == "" {
		return true
	}
	if r.URL.Query().Get("token") == h.cfg.Token {
		return true
	}
	if r.Header.Get("X-QChat-Token") == h.cfg.Token {
		return true
	}
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == h.cfg.Token
}

// checkOrigin 只接受本机、file:// 页面或配置中列出的 Origin；没有 Origin 头的本地客户端直接放行。
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.allowedOrigins) > 0 {
		if h.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return h.allowedHosts[parsed.Host]
		}
		return false
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if parsed.Scheme == "file" {
		return true
	}
	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
