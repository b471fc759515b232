package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"qchat/host/bridge"
	"qchat/host/config"
	"qchat/host/ports"
	"qchat/host/status"
	"qchat/testing/sim"
	"qchat/ui/frame"
	"qchat/ui/room"
)

const helperEnv = "QCHAT_SIM_HELPER"

// TestMain 在被当作伴随进程启动时运行模拟器，否则正常跑测试。
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runSimHelper())
	}
	os.Exit(m.Run())
}

func runSimHelper() int {
	port := os.Args[len(os.Args)-1]
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		return 2
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	fmt.Println("sim connected port=" + port)
	if err := sim.New(conn, sim.Options{SelfID: "sim-helper", Width: 4, Height: 2, Channels: 1, FPS: 50}).Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "run:", err)
		return 1
	}
	return 0
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func freeRange(t *testing.T, n int) string {
	t.Helper()
	for start := 43000; start < 44000; start += n {
		ok := true
		for p := start; p < start+n; p++ {
			if ports.CheckTCPPortAvailable("127.0.0.1", p) != nil {
				ok = false
				break
			}
		}
		if ok {
			return strconv.Itoa(start) + "-" + strconv.Itoa(start+n-1)
		}
	}
	t.Fatalf("no free port range")
	return ""
}

func testConfig(t *testing.T) config.Config {
	cfg := config.DefaultConfig()
	cfg.Control.PortRange = freeRange(t, 3)
	cfg.Bridge.Listen = "127.0.0.1:0"
	cfg.Companion.Command = os.Args[0]
	cfg.Companion.Args = []string{"-test.run=^$"}
	cfg.Companion.Env = []string{helperEnv + "=1"}
	cfg.Companion.SpawnOnUIReady = false
	cfg.Companion.StopTimeout = time.Second
	return cfg
}

// TestEndToEndSession 验证界面加入房间、收帧、收消息、离开与伴随进程退出的完整链路。
func TestEndToEndSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Shutdown(2 * time.Second)

	c, err := bridge.Dial(ctx, "ws://"+a.BridgeAddr()+"/bridge", "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	m := room.NewMachine(config.ProtocolRoomID, nil)
	scope := m.Bind(c)
	defer scope.Release()
	canvas := frame.NewRGBACanvas()
	pipe := frame.NewPipeline(canvas, m.AcceptFrame)
	scope.Add(c.OnFrame(func(f bridge.FramePayload) { _ = pipe.OnFrame(f) }))
	var mu sync.Mutex
	var msgs []bridge.MessagePayload
	scope.Add(c.OnMessage(func(p bridge.MessagePayload, gen uint64) {
		mu.Lock()
		msgs = append(msgs, p)
		mu.Unlock()
	}))
	c.Ready()
	waitFor(t, "ui registered", func() bool { return a.status().(HostStatus).Bridge.Clients == 1 })

	if !m.Join() {
		t.Fatalf("machine rejected join")
	}
	c.JoinRoom("")
	waitFor(t, "room active", func() bool { return m.View().Phase == status.RoomActive })
	if m.View().RoomID == "" || m.View().SelfID != "sim-helper" {
		t.Fatalf("view = %+v", m.View())
	}
	waitFor(t, "frame drawn", func() bool { return pipe.Stats().Drawn > 0 })
	if w, h := canvas.Size(); w != 4 || h != 2 {
		t.Fatalf("canvas = %dx%d", w, h)
	}

	c.SetPeerID("bob")
	waitFor(t, "greeting", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(msgs) == 1 && msgs[0].SenderID == "bob"
	})

	m.Leave()
	c.LeaveRoom()
	waitFor(t, "session idle", func() bool { return a.Session().Snapshot().Phase == status.RoomIdle })
	drawn := pipe.Stats().Drawn
	time.Sleep(100 * time.Millisecond)
	if pipe.Stats().Drawn != drawn {
		t.Fatalf("frames drawn after leave")
	}

	st := a.status().(HostStatus)
	if st.Companion.State != status.CompanionRunning.String() || st.Companion.Spawns != 1 {
		t.Fatalf("companion stats = %+v", st.Companion)
	}

	if err := a.sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "disconnected view", func() bool { return m.View().Disconnected })
	if s := a.Session().Snapshot(); s.Status != status.SecurityDisconnected || s.Phase != status.RoomIdle {
		t.Fatalf("session = %+v", s)
	}
}

// TestStartTwice 验证重复启动被拒绝。
func TestStartTwice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Shutdown(time.Second)
	if err := a.Start(ctx); err == nil {
		t.Fatalf("second Start succeeded")
	}
	if a.ControlPort() == 0 {
		t.Fatalf("control port not bound")
	}
}
