package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"qchat/host/app"
	"qchat/host/config"
	qlog "qchat/host/log"

	"github.com/spf13/pflag"
)

const Version = "0.3"

func main() {
	pflag.CommandLine.SetOutput(os.Stdout)
	configPathFlag := pflag.StringP("config", "c", "configs/config.yaml", "配置文件路径（YAML）。如果是目录，则默认读取该目录下的 config.yaml")
	versionFlag := pflag.Bool("version", false, "输出版本并退出")
	pflag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stdout, "qchat-host %s\n\n", Version)
		_, _ = fmt.Fprintln(os.Stdout, "用法：")
		_, _ = fmt.Fprintln(os.Stdout, "  qchat-host [--config <path>] [--version] [--help]")
		_, _ = fmt.Fprintln(os.Stdout, "\n参数：")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *versionFlag {
		_, _ = fmt.Fprintln(os.Stdout, Version)
		return
	}

	cfg, err := config.Load(resolveConfigPath(*configPathFlag))
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	if err := qlog.Init(cfg.Logging); err != nil {
		fmt.Fprintln(os.Stderr, "init log:", err)
		os.Exit(1)
	}
	defer qlog.Close()

	host, err := app.New(cfg)
	if err != nil {
		qlog.Component("main").WithError(err).Error("装配宿主失败")
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := host.Start(ctx); err != nil {
		qlog.Component("main").WithError(err).Error("宿主启动失败")
		os.Exit(1)
	}

	<-ctx.Done()
	host.Shutdown(cfg.Companion.StopTimeout + 2*time.Second)
}

func resolveConfigPath(p string) string {
	if p == "" {
		return ""
	}
	st, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) && p == "configs/config.yaml" {
			// 默认路径不存在时只使用内置默认值与环境变量。
			return ""
		}
		return p
	}
	if st.IsDir() {
		return filepath.Join(p, "config.yaml")
	}
	return p
}

// signalContext 创建一个可被 SIGINT/SIGTERM 取消的 Context。
// 返回：
// - ctx: 监听信号并在收到信号时取消的上下文
// - cancel: 主动取消函数
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
