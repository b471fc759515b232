package main

import (
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"qchat/host/bridge"
	"qchat/host/config"
	qlog "qchat/host/log"
	"qchat/ui/frame"
	"qchat/ui/room"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// main 启动无界面的探针：像真实界面一样连接界面桥、注册监听、发出 ui_ready 并加入房间，
// 结束时把最后一帧写成 PNG，并打印最终房间状态。
func main() {
	url := pflag.String("url", "ws://127.0.0.1:5101/bridge", "界面桥地址")
	token := pflag.String("token", "", "界面桥令牌")
	roomID := pflag.String("room", "", "加入的房间号（为空由伴随进程分配）")
	peerID := pflag.String("peer", "", "加入后设置的对端 ID")
	protocol := pflag.String("protocol", config.ProtocolRoomID, "伴随进程协议变体（room_id/ready）")
	out := pflag.String("out", "probe.png", "最后一帧的 PNG 输出路径")
	duration := pflag.Duration("duration", 5*time.Second, "在房间内停留的时长")
	pflag.Parse()

	_ = qlog.Init(config.LoggingConfig{Level: "info", Format: "text", Output: "stderr"})
	logger := qlog.Component("probe")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	c, err := bridge.Dial(dialCtx, *url, *token)
	dialCancel()
	if err != nil {
		logger.WithError(err).Error("连接界面桥失败")
		os.Exit(1)
	}
	defer c.Close()

	m := room.NewMachine(*protocol, func(v room.View) {
		logger.WithFields(logrus.Fields{"phase": v.Phase, "status": v.Status, "room": v.RoomID, "gen": v.Gen}).Info("房间状态变化")
	})
	scope := m.Bind(c)
	defer scope.Release()

	canvas := frame.NewRGBACanvas()
	pipe := frame.NewPipeline(canvas, m.AcceptFrame)
	scope.Add(c.OnFrame(func(f bridge.FramePayload) { _ = pipe.OnFrame(f) }))
	scope.Add(c.OnMessage(func(p bridge.MessagePayload, gen uint64) {
		logger.WithFields(logrus.Fields{"sender": p.SenderID, "size": len(p.Text), "gen": gen}).Info("收到消息")
	}))
	scope.Add(c.OnCompanionExit(func(p bridge.CompanionExitPayload, gen uint64) {
		logger.WithFields(logrus.Fields{"code": p.Code, "requested": p.Requested}).Warn("伴随进程已退出")
	}))
	c.Ready()

	if m.Join() {
		c.JoinRoom(*roomID)
	}
	if *peerID != "" {
		c.SetPeerID(*peerID)
	}

	select {
	case <-ctx.Done():
	case <-c.Done():
		logger.WithError(c.Err()).Warn("界面桥连接断开")
	case <-time.After(*duration):
	}

	m.Leave()
	c.LeaveRoom()

	if err := writePNG(*out, canvas); err != nil {
		logger.WithError(err).Error("写出画面失败")
	}
	summary := struct {
		View  room.View   `json:"view"`
		Frame frame.Stats `json:"frame"`
		Out   string      `json:"out"`
	}{m.View(), pipe.Stats(), *out}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(summary)
}

func writePNG(path string, canvas *frame.RGBACanvas) error {
	img := canvas.Snapshot()
	if img.Bounds().Empty() {
		return fmt.Errorf("no frame received")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}
