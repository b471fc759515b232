package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"qchat/host/bridge"
	"qchat/host/config"
	qerrors "qchat/host/errors"
	"qchat/host/status"
	"qchat/host/wire"
)

type sentCmd struct {
	cmd wire.Command
	gen uint64
}

type fakeSender struct {
	mu        sync.Mutex
	sent      []sentCmd
	connected bool
	failKind  wire.Kind
}

func (f *fakeSender) Send(cmd wire.Command, gen uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return qerrors.New(qerrors.CodeUnavailable, "companion not connected")
	}
	if f.failKind != "" && cmd.Kind() == f.failKind {
		f.failKind = ""
		return qerrors.New(qerrors.CodeUnavailable, "send failed")
	}
	f.sent = append(f.sent, sentCmd{cmd: cmd, gen: gen})
	return nil
}

func (f *fakeSender) commands() []sentCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCmd(nil), f.sent...)
}

func (f *fakeSender) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

type fakeSink struct {
	mu         sync.Mutex
	events     []bridge.Event
	sessions   []bridge.Event
	frames     []uint64
	panicFrame bool
}

// Publish 把代数公告与其余事件分开记录。
func (f *fakeSink) Publish(ev bridge.Event) {
	f.mu.Lock()
	if ev.Type == bridge.EvSession {
		f.sessions = append(f.sessions, ev)
	} else {
		f.events = append(f.events, ev)
	}
	f.mu.Unlock()
}

func (f *fakeSink) announcements() []bridge.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.Event(nil), f.sessions...)
}

func (f *fakeSink) PublishFrame(gen uint64, s wire.Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicFrame {
		panic("sink exploded")
	}
	f.frames = append(f.frames, uint64(s.Frame[0]))
}

func (f *fakeSink) snapshot() ([]bridge.Event, []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.Event(nil), f.events...), append([]uint64(nil), f.frames...)
}

func (f *fakeSink) eventTypes() []bridge.MessageType {
	evs, _ := f.snapshot()
	out := make([]bridge.MessageType, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Type)
	}
	return out
}

type fakeLauncher struct {
	mu       sync.Mutex
	calls    int
	instance string
	started  bool
	err      error
}

func (f *fakeLauncher) EnsureRunning(context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.instance, f.started, f.err
}

func (f *fakeLauncher) setInstance(id string) {
	f.mu.Lock()
	f.instance = id
	f.mu.Unlock()
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type harness struct {
	c        *Controller
	sender   *fakeSender
	sink     *fakeSink
	launcher *fakeLauncher
}

func newHarness(t *testing.T, protocol string, start bool) *harness {
	t.Helper()
	h := &harness{
		sender:   &fakeSender{connected: true},
		sink:     &fakeSink{},
		launcher: &fakeLauncher{},
	}
	h.c = NewController(Options{
		Session:  config.SessionConfig{InboxSize: 64, MaxChatHistory: 3},
		Protocol: protocol,
	}, h.sender, h.sink, h.launcher)
	if start {
		h.run(t)
	}
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.c.Run(ctx) }()
	t.Cleanup(cancel)
}

// sync 等待此前投递的输入全部处理完毕。
func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.c.flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func frame(tag byte) wire.Stream {
	return wire.Stream{Frame: []byte{tag, 0, 0, 255}, Width: 1, Height: 1}
}

func (h *harness) event(ev wire.Event, gen uint64) {
	h.c.ApplyEvent(wire.Inbound{Event: ev, Gen: gen, Size: 1})
}

// TestJoinThenRoomIDActivates 验证 join("AB12C") 后收到 room_id 进入 Active，并记录房间号。
func TestJoinThenRoomIDActivates(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	h.c.JoinRoom("AB12C")
	h.sync(t)
	s := h.c.Snapshot()
	if s.Phase != status.RoomLoading || s.Gen != 1 || s.Requested != "AB12C" || s.ID == "" {
		t.Fatalf("after join: %+v", s)
	}
	cmds := h.sender.commands()
	if len(cmds) != 1 || cmds[0].cmd != (wire.JoinRoom{RoomID: "AB12C"}) || cmds[0].gen != 1 {
		t.Fatalf("cmds=%+v", cmds)
	}

	h.event(wire.SelfID{ID: "me"}, 0)
	h.sync(t)
	if s := h.c.Snapshot(); s.Phase != status.RoomLoading || s.SelfID != "me" {
		t.Fatalf("self_id must not leave Loading: %+v", s)
	}

	h.event(wire.RoomID{ID: "AB12C"}, 1)
	h.sync(t)
	s = h.c.Snapshot()
	if s.Phase != status.RoomActive || s.RoomID != "AB12C" || s.Status != status.SecurityWaiting {
		t.Fatalf("after room_id: %+v", s)
	}
	got := h.sink.eventTypes()
	if len(got) != 2 || got[0] != bridge.EvSelfID || got[1] != bridge.EvRoomID {
		t.Fatalf("events=%v", got)
	}
}

// TestRoomIDWhileActiveIgnored 验证 Active 阶段重复的 room_id 被忽略。
func TestRoomIDWhileActiveIgnored(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	h.c.JoinRoom("")
	h.event(wire.RoomID{ID: "R1"}, 0)
	h.event(wire.RoomID{ID: "R2"}, 0)
	h.sync(t)
	if s := h.c.Snapshot(); s.RoomID != "R1" || s.Phase != status.RoomActive {
		t.Fatalf("snapshot=%+v", s)
	}
	if got := h.sink.eventTypes(); len(got) != 1 {
		t.Fatalf("events=%v", got)
	}
}

// TestReadyVariant 验证 ready 协议下 room_id 只记录，ready 才进入 Active。
func TestReadyVariant(t *testing.T) {
	h := newHarness(t, config.ProtocolReady, true)
	h.c.JoinRoom("AB12C")
	h.event(wire.RoomID{ID: "AB12C"}, 1)
	h.sync(t)
	if s := h.c.Snapshot(); s.Phase != status.RoomLoading || s.RoomID != "AB12C" {
		t.Fatalf("room_id must not activate in ready variant: %+v", s)
	}
	h.event(wire.Ready{}, 1)
	h.sync(t)
	if s := h.c.Snapshot(); s.Phase != status.RoomActive {
		t.Fatalf("ready must activate: %+v", s)
	}
}

// TestReadyIgnoredInRoomIDVariant 验证 room_id 协议下 ready 不改变阶段。
func TestReadyIgnoredInRoomIDVariant(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	h.c.JoinRoom("")
	h.event(wire.Ready{}, 0)
	h.sync(t)
	if s := h.c.Snapshot(); s.Phase != status.RoomLoading {
		t.Fatalf("snapshot=%+v", s)
	}
}

// TestLeaveDuringLoadingDropsStaleFrames 验证加载中离开回到 Idle，旧代数的帧与无代数的帧都被丢弃。
func TestLeaveDuringLoadingDropsStaleFrames(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	h.c.JoinRoom("AB12C")
	h.c.LeaveRoom()
	h.sync(t)
	s := h.c.Snapshot()
	if s.Phase != status.RoomIdle || s.Gen != 2 || s.RoomID != "" {
		t.Fatalf("after leave: %+v", s)
	}
	cmds := h.sender.commands()
	if len(cmds) != 2 || cmds[1].cmd != (wire.LeaveRoom{}) || cmds[1].gen != 2 {
		t.Fatalf("cmds=%+v", cmds)
	}

	h.event(wire.RoomID{ID: "AB12C"}, 1)
	h.event(frame(1), 1)
	h.event(frame(2), 0)
	h.event(wire.Message{Text: "late", SenderID: "p", Timestamp: 1}, 0)
	h.sync(t)
	if s := h.c.Snapshot(); s.Phase != status.RoomIdle || s.RoomID != "" {
		t.Fatalf("stale room_id applied: %+v", s)
	}
	evs, frames := h.sink.snapshot()
	if len(evs) != 0 || len(frames) != 0 {
		t.Fatalf("stale output: events=%v frames=%v", evs, frames)
	}
	if h.c.Stats().Stale < 3 {
		t.Fatalf("stats=%+v", h.c.Stats())
	}
}

// TestCompanionExitBlocksStreams 验证通话中伴随进程退出后状态为 disconnected 且不再转发视频帧。
func TestCompanionExitBlocksStreams(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	h.c.JoinRoom("")
	h.event(wire.RoomID{ID: "R1"}, 0)
	h.event(wire.Status{Status: status.SecurityGood}, 0)
	h.event(frame(7), 0)
	h.sync(t)
	if s := h.c.Snapshot(); s.Status != status.SecurityGood || s.Phase != status.RoomActive {
		t.Fatalf("snapshot=%+v", s)
	}
	if _, frames := h.sink.snapshot(); len(frames) != 1 || frames[0] != 7 {
		t.Fatalf("frames=%v", frames)
	}

	h.c.CompanionExited(ExitInfo{Code: 1})
	h.event(frame(8), 0)
	h.event(frame(9), 1)
	h.sync(t)
	s := h.c.Snapshot()
	if s.Phase != status.RoomIdle || s.Status != status.SecurityDisconnected || s.Gen != 2 {
		t.Fatalf("after exit: %+v", s)
	}
	evs, frames := h.sink.snapshot()
	if len(frames) != 1 {
		t.Fatalf("frames after exit: %v", frames)
	}
	last := evs[len(evs)-2:]
	if last[0].Type != bridge.EvCompanionExit || last[1].Type != bridge.EvStatus {
		t.Fatalf("events=%+v", evs)
	}
	if p, ok := last[0].Payload.(bridge.CompanionExitPayload); !ok || p.Code != 1 {
		t.Fatalf("exit payload=%+v", last[0].Payload)
	}

	// 退出后的 leave 只清除 disconnected 展示。
	h.c.LeaveRoom()
	h.sync(t)
	if s := h.c.Snapshot(); s.Status != status.SecurityWaiting || s.Phase != status.RoomIdle {
		t.Fatalf("after leave: %+v", s)
	}
}

// TestJoinOnlyFromIdle 验证非 Idle 阶段的 join 被忽略且不推进代数。
func TestJoinOnlyFromIdle(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	h.c.JoinRoom("A")
	h.c.JoinRoom("B")
	h.sync(t)
	if s := h.c.Snapshot(); s.Gen != 1 || s.Requested != "A" {
		t.Fatalf("snapshot=%+v", s)
	}
	if n := len(h.sender.commands()); n != 1 {
		t.Fatalf("commands=%d", n)
	}
}

// TestLatestFrameWins 验证排队中的旧帧被最新帧取代。
func TestLatestFrameWins(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, false)
	h.c.s.Phase = status.RoomActive
	h.c.s.Gen = 1
	for i := byte(1); i <= 5; i++ {
		h.event(frame(i), 0)
	}
	h.run(t)
	h.sync(t)
	_, frames := h.sink.snapshot()
	if len(frames) != 1 || frames[0] != 5 {
		t.Fatalf("frames=%v", frames)
	}
	if st := h.c.Stats(); st.FramesSkipped != 4 {
		t.Fatalf("stats=%+v", st)
	}
}

// TestChatBounded 验证聊天记录按到达顺序保存且有上限。
func TestChatBounded(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	h.c.JoinRoom("")
	h.event(wire.RoomID{ID: "R1"}, 0)
	for i := int64(1); i <= 5; i++ {
		h.event(wire.Message{Text: "m", SenderID: "p", Timestamp: i}, 0)
	}
	h.sync(t)
	chat := h.c.Chat()
	if len(chat) != 3 || chat[0].Timestamp != 3 || chat[2].Timestamp != 5 {
		t.Fatalf("chat=%+v", chat)
	}
}

// TestReconnectWhileLoadingResendsJoin 验证加载中控制通道重连后重新发送 join_room。
func TestReconnectWhileLoadingResendsJoin(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	h.sender.setConnected(false)
	h.launcher.started = true
	h.c.JoinRoom("AB12C")
	h.sync(t)
	if n := len(h.sender.commands()); n != 0 {
		t.Fatalf("commands before connect=%d", n)
	}
	h.sender.setConnected(true)
	h.c.ChannelConnected()
	h.sync(t)
	cmds := h.sender.commands()
	if len(cmds) != 1 || cmds[0].cmd != (wire.JoinRoom{RoomID: "AB12C"}) || cmds[0].gen != 1 {
		t.Fatalf("cmds=%+v", cmds)
	}
}

// TestReusedProcessResetBeforeJoin 验证复用进程时上一次会话未复位会先补发 leave_room。
func TestReusedProcessResetBeforeJoin(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	h.c.JoinRoom("A")
	h.sync(t)
	h.sender.mu.Lock()
	h.sender.failKind = wire.KindLeaveRoom
	h.sender.mu.Unlock()
	h.c.LeaveRoom()
	h.c.JoinRoom("B")
	h.sync(t)
	cmds := h.sender.commands()
	want := []sentCmd{
		{cmd: wire.JoinRoom{RoomID: "A"}, gen: 1},
		{cmd: wire.LeaveRoom{}, gen: 3},
		{cmd: wire.JoinRoom{RoomID: "B"}, gen: 3},
	}
	if len(cmds) != len(want) {
		t.Fatalf("cmds=%+v", cmds)
	}
	for i := range want {
		if cmds[i] != want[i] {
			t.Fatalf("cmd %d: got %+v want %+v", i, cmds[i], want[i])
		}
	}
}

// TestUIReadyLaunchesOnce 验证首次 ui_ready 启动伴随进程，之后不再重复启动。
func TestUIReadyLaunchesOnce(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, false)
	h.c.opts.SpawnOnUIReady = true
	h.run(t)
	h.c.UIReady()
	h.c.UIReady()
	h.sync(t)
	if n := h.launcher.count(); n != 1 {
		t.Fatalf("launches=%d", n)
	}
}

// TestLaunchFailureEndsSession 验证启动失败时会话回到 Idle 并呈现 disconnected。
func TestLaunchFailureEndsSession(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	h.launcher.err = qerrors.New(qerrors.CodeProcessExited, "companion start failed")
	h.c.JoinRoom("")
	h.sync(t)
	if s := h.c.Snapshot(); s.Phase != status.RoomIdle || s.Status != status.SecurityDisconnected {
		t.Fatalf("snapshot=%+v", s)
	}
}

// TestDispatchPanicRecovered 验证处理过程中的 panic 不会终止事件循环。
func TestDispatchPanicRecovered(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	h.c.JoinRoom("")
	h.event(wire.RoomID{ID: "R1"}, 0)
	h.sync(t)
	h.sink.mu.Lock()
	h.sink.panicFrame = true
	h.sink.mu.Unlock()
	h.event(frame(1), 0)
	h.sync(t)
	h.event(wire.Status{Status: status.SecurityBad}, 0)
	h.sync(t)
	if st := h.c.Stats(); st.Panics != 1 || st.Status != status.SecurityBad {
		t.Fatalf("stats=%+v", st)
	}
}

// TestApplyCommand 验证通用命令入口映射到对应操作。
func TestApplyCommand(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	if err := h.c.ApplyCommand(wire.JoinRoom{RoomID: "X"}); err != nil {
		t.Fatal(err)
	}
	if err := h.c.ApplyCommand(wire.SetPeerID{PeerID: "peer"}); err != nil {
		t.Fatal(err)
	}
	h.sync(t)
	if s := h.c.Snapshot(); s.PeerID != "peer" || s.Requested != "X" {
		t.Fatalf("snapshot=%+v", s)
	}
}

// TestJoinAndLeaveAnnounceGeneration 验证每次加入与离开都向界面公告新的代数与阶段。
func TestJoinAndLeaveAnnounceGeneration(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	h.c.JoinRoom("A")
	h.c.LeaveRoom()
	h.c.JoinRoom("B")
	h.sync(t)
	got := h.sink.announcements()
	want := []struct {
		phase status.RoomPhase
		gen   uint64
	}{{status.RoomLoading, 1}, {status.RoomIdle, 2}, {status.RoomLoading, 3}}
	if len(got) != len(want) {
		t.Fatalf("announcements=%+v", got)
	}
	for i, w := range want {
		p, ok := got[i].Payload.(bridge.SessionPayload)
		if !ok || p.Phase != w.phase || got[i].Gen != w.gen {
			t.Fatalf("announcement %d = %+v, want %+v", i, got[i], w)
		}
	}
}

// TestStaleInstanceExitIgnored 验证已被新实例取代的旧进程退出不会结束新会话。
func TestStaleInstanceExitIgnored(t *testing.T) {
	h := newHarness(t, config.ProtocolRoomID, true)
	h.launcher.setInstance("inst-a")
	h.c.JoinRoom("")
	h.event(wire.RoomID{ID: "R1"}, 0)
	h.sync(t)

	h.c.CompanionExited(ExitInfo{Instance: "inst-a", Code: 1})
	h.sync(t)
	if s := h.c.Snapshot(); s.Phase != status.RoomIdle || s.Status != status.SecurityDisconnected {
		t.Fatalf("current instance exit not applied: %+v", s)
	}

	h.launcher.setInstance("inst-b")
	h.c.LeaveRoom()
	h.c.JoinRoom("AB12C")
	h.c.CompanionExited(ExitInfo{Instance: "inst-a", Code: 1})
	h.sync(t)
	s := h.c.Snapshot()
	if s.Phase != status.RoomLoading || s.Status != status.SecurityWaiting || s.Requested != "AB12C" {
		t.Fatalf("stale exit ended new session: %+v", s)
	}

	h.event(wire.RoomID{ID: "AB12C"}, s.Gen)
	h.sync(t)
	if s := h.c.Snapshot(); s.Phase != status.RoomActive {
		t.Fatalf("new session did not activate: %+v", s)
	}
	h.c.CompanionExited(ExitInfo{Instance: "inst-b", Code: 2})
	h.sync(t)
	if s := h.c.Snapshot(); s.Phase != status.RoomIdle || s.Status != status.SecurityDisconnected {
		t.Fatalf("current instance exit ignored: %+v", s)
	}
}
