package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"qchat/host/config"
	"qchat/host/control"
	qlog "qchat/host/log"
	"qchat/testing/sim"

	"github.com/spf13/pflag"
)

// main 启动伴随进程模拟器。
// 使用说明：
// - 宿主把控制端口作为最后一个参数传入
// - 连接后发送 self_id；收到 join_room 回复 room_id/ready/status 并按代数推合成画面
// - 收到 set_peer_id 后以对端身份发送一条问候消息
func main() {
	host := pflag.String("host", "127.0.0.1", "宿主控制通道地址")
	transport := pflag.String("transport", config.TransportTCP, "控制通道传输（tcp/srt）")
	selfID := pflag.String("id", "", "本端 ID（为空时随机生成）")
	width := pflag.Int("width", 320, "画面宽度")
	height := pflag.Int("height", 240, "画面高度")
	channels := pflag.Int("channels", 3, "通道数（0 表示省略，即 RGBA；1 灰度；3 RGB）")
	fps := pflag.Int("fps", 15, "帧率")
	mbps := pflag.Float64("mbps", 0, "推流限速（Mbps，0 不限速）")
	drop := pflag.Int("drop", 0, "随机丢帧百分比")
	jitter := pflag.Duration("jitter", 0, "每帧随机附加延迟上限")
	exitAfter := pflag.Duration("exit-after", 0, "运行指定时长后主动退出（用于演示伴随进程退出）")
	pflag.Parse()

	if pflag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: qchat-companion-sim [flags] <port>")
		os.Exit(2)
	}
	port, err := strconv.Atoi(pflag.Arg(pflag.NArg() - 1))
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad port:", err)
		os.Exit(2)
	}

	_ = qlog.Init(config.LoggingConfig{Level: "info", Format: "text", Output: "console"})
	logger := qlog.Component("sim-main")
	conn, err := dial(*transport, *host, port)
	if err != nil {
		logger.WithError(err).WithField("port", port).Error("连接宿主失败")
		os.Exit(1)
	}
	logger.WithFields(map[string]any{"port": port, "transport": *transport}).Info("已连接宿主")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *exitAfter > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, *exitAfter)
		defer stop()
	}

	c := sim.New(conn, sim.Options{
		SelfID:   *selfID,
		Width:    *width,
		Height:   *height,
		Channels: *channels,
		FPS:      *fps,
		MaxMbps:  *mbps,
		DropPct:  *drop,
		Jitter:   *jitter,
		Seed:     time.Now().UnixNano(),
	})
	if err := c.Run(ctx); err != nil {
		logger.WithError(err).Error("模拟器异常退出")
		os.Exit(1)
	}
}

// dial 连接控制通道；宿主可能刚开始监听，失败时短暂重试。
func dial(transport, host string, port int) (net.Conn, error) {
	var lastErr error
	for i := 0; i < 20; i++ {
		var conn net.Conn
		var err error
		if transport == config.TransportSRT {
			conn, err = control.DialSRT(host, port, config.DefaultConfig().Control.SRT)
		} else {
			conn, err = net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return nil, lastErr
}
