package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"qchat/host/ports"
)

type HealthStatusPayload struct {
	Status            string         `json:"status"`
	Transport         string         `json:"transport"`
	Port              int            `json:"port"`
	StartedAtUnixMs   int64          `json:"started_at_unix_ms"`
	NowUnixMs         int64          `json:"now_unix_ms"`
	Connected         bool           `json:"connected"`
	ConnectedAtUnixMs int64          `json:"connected_at_unix_ms,omitempty"`
	EventsIn          int64          `json:"events_in"`
	Dropped           int64          `json:"dropped"`
	Rejected          int64          `json:"rejected"`
	PortState         ports.Snapshot `json:"port_state"`
	Host              any            `json:"host,omitempty"`
}

// Health 返回当前健康状态快照。
func (s *Server) Health() HealthStatusPayload {
	s.mu.Lock()
	hs := HealthStatusPayload{
		Status:    string(s.state),
		Transport: s.cfg.Transport,
		Connected: s.conn != nil,
	}
	if !s.connectedAt.IsZero() {
		hs.ConnectedAtUnixMs = s.connectedAt.UnixMilli()
	}
	s.mu.Unlock()

	hs.Port = s.pool.Bound()
	hs.StartedAtUnixMs = s.started.UnixMilli()
	hs.NowUnixMs = time.Now().UnixMilli()
	hs.EventsIn = s.eventsIn.Load()
	hs.Dropped = s.dropped.Load()
	hs.Rejected = s.rejected.Load()
	hs.PortState = s.pool.Snapshot()
	if fn, ok := s.provider.Load().(func() any); ok {
		hs.Host = fn()
	}
	return hs
}

// handleHTTP 处理 HTTP GET 请求（当前仅支持 /status）。
// 参数：
// - br: 已包裹的 Reader（复用 peek 的缓冲）
// - conn: 原始连接
func (s *Server) handleHTTP(br *bufio.Reader, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := br.ReadString('\n')
	if err != nil {
		return
	}
	parts := strings.Split(strings.TrimSpace(line), " ")
	path := ""
	if len(parts) >= 2 {
		path = parts[1]
	}
	if path != "/status" {
		_, _ = conn.Write([]byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
		return
	}
	body, _ := json.Marshal(s.Health())
	resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: %d\r\nConnection: close\r\n\r\n", len(body))
	_, _ = conn.Write([]byte(resp))
	_, _ = conn.Write(body)
}
