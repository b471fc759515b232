package wire

import (
	"qchat/host/status"
)

type Kind string

const (
	KindSelfID  Kind = "self_id"
	KindRoomID  Kind = "room_id"
	KindReady   Kind = "ready"
	KindMessage Kind = "message"
	KindStream  Kind = "stream"
	KindStatus  Kind = "status"

	KindJoinRoom  Kind = "join_room"
	KindLeaveRoom Kind = "leave_room"
	KindSetPeerID Kind = "set_peer_id"
)

// Event 是伴随进程发往宿主的事件。
type Event interface {
	Kind() Kind
}

// Command 是宿主发往伴随进程的命令（单向，无应答）。
type Command interface {
	Kind() Kind
}

type SelfID struct {
	ID string `json:"id"`
}

type RoomID struct {
	ID string `json:"id"`
}

type Ready struct{}

type Message struct {
	Text      string `json:"text"`
	SenderID  string `json:"sender_id"`
	Timestamp int64  `json:"timestamp"`
}

// Stream 是一帧未压缩像素。Channels 为 0 表示发送方省略了通道数（按 4 处理）。
type Stream struct {
	Frame    []byte `json:"frame"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels,omitempty"`
}

type Status struct {
	Status status.SecurityStatus `json:"status"`
}

type JoinRoom struct {
	RoomID string `json:"room_id,omitempty"`
}

type LeaveRoom struct{}

type SetPeerID struct {
	PeerID string `json:"peer_id"`
}

func (SelfID) Kind() Kind  { return KindSelfID }
func (RoomID) Kind() Kind  { return KindRoomID }
func (Ready) Kind() Kind   { return KindReady }
func (Message) Kind() Kind { return KindMessage }
func (Stream) Kind() Kind  { return KindStream }
func (Status) Kind() Kind  { return KindStatus }

func (JoinRoom) Kind() Kind  { return KindJoinRoom }
func (LeaveRoom) Kind() Kind { return KindLeaveRoom }
func (SetPeerID) Kind() Kind { return KindSetPeerID }

// EffectiveChannels 返回实际通道数（省略时为 4）。
func (s Stream) EffectiveChannels() int {
	if s.Channels == 0 {
		return 4
	}
	return s.Channels
}

// Inbound 是解码后的入站事件。Gen 为 0 表示事件未携带代数。
type Inbound struct {
	Event Event
	Gen   uint64
	Size  int
}

// Outbound 是解码后的命令（供伴随进程一侧与测试使用）。
type Outbound struct {
	Command Command
	Gen     uint64
}
