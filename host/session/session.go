package session

import (
	"context"

	"qchat/host/bridge"
	"qchat/host/status"
	"qchat/host/wire"
)

// Session 是宿主侧唯一的会话状态，只由控制器的事件循环修改。
type Session struct {
	ID        string                `json:"id,omitempty"`
	SelfID    string                `json:"self_id,omitempty"`
	PeerID    string                `json:"peer_id,omitempty"`
	RoomID    string                `json:"room_id,omitempty"`
	Requested string                `json:"requested_room,omitempty"`
	Status    status.SecurityStatus `json:"status"`
	Phase     status.RoomPhase      `json:"phase"`
	Gen       uint64                `json:"gen"`
}

type Stats struct {
	Session

	ChatLen       int   `json:"chat_len"`
	EventsIn      int64 `json:"events_in"`
	Stale         int64 `json:"stale"`
	FramesOut     int64 `json:"frames_out"`
	FramesSkipped int64 `json:"frames_skipped"`
	FramesDropped int64 `json:"frames_dropped"`
	Panics        int64 `json:"panics"`
}

// Sender 把命令写给伴随进程（控制通道服务实现）。
type Sender interface {
	Send(cmd wire.Command, gen uint64) error
}

// Sink 把事件推送给界面（界面桥实现）。
type Sink interface {
	Publish(ev bridge.Event)
	PublishFrame(gen uint64, s wire.Stream)
}

// Launcher 在需要时启动伴随进程。instance 是当前进程实例 ID，started 为 true 表示本次新启动了进程。
type Launcher interface {
	EnsureRunning(ctx context.Context) (instance string, started bool, err error)
}

// LauncherFunc 让普通函数满足 Launcher。
type LauncherFunc func(ctx context.Context) (string, bool, error)

func (f LauncherFunc) EnsureRunning(ctx context.Context) (string, bool, error) { return f(ctx) }
