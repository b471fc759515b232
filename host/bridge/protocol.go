package bridge

import (
	"encoding/json"

	"qchat/host/status"
)

type MessageType string

// 界面 -> 宿主。除这些类型外的消息一律丢弃。
const (
	MsgJoinRoom  MessageType = "join_room"
	MsgLeaveRoom MessageType = "leave_room"
	MsgSetPeerID MessageType = "set_peer_id"
	MsgUIReady   MessageType = "ui_ready"
)

// 宿主 -> 界面。视频帧不走 JSON，使用二进制消息。
const (
	EvSelfID        MessageType = "self_id"
	EvRoomID        MessageType = "room_id"
	EvReady         MessageType = "ready"
	EvMessage       MessageType = "message"
	EvStatus        MessageType = "status"
	EvCompanionExit MessageType = "companion_exit"
	// EvSession 公告宿主的新会话代数，界面据此丢弃更早代数的迟到事件。
	EvSession MessageType = "session"
)

type Envelope struct {
	Type    MessageType     `json:"type"`
	Gen     uint64          `json:"gen,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event 是推送给界面的一条事件。
type Event struct {
	Type    MessageType `json:"type"`
	Gen     uint64      `json:"gen,omitempty"`
	Payload any         `json:"payload,omitempty"`
}

type IDPayload struct {
	ID string `json:"id"`
}

type JoinRoomPayload struct {
	RoomID string `json:"room_id,omitempty"`
}

type SetPeerIDPayload struct {
	PeerID string `json:"peer_id"`
}

type MessagePayload struct {
	Text      string `json:"text"`
	SenderID  string `json:"sender_id"`
	Timestamp int64  `json:"timestamp"`
}

type StatusPayload struct {
	Status status.SecurityStatus `json:"status"`
}

// SessionPayload 的 Phase 是宿主刚进入的阶段（Loading 或 Idle）。
type SessionPayload struct {
	Phase status.RoomPhase `json:"phase"`
}

type CompanionExitPayload struct {
	Code      int  `json:"code"`
	Requested bool `json:"requested"`
}

// FramePayload 是界面收到的一帧像素（Channels 为 0 表示省略，按 4 处理）。
type FramePayload struct {
	Gen      uint64
	Frame    []byte
	Width    int
	Height   int
	Channels int
}
