package log

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"qchat/host/config"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

var (
	base    = logrus.New()
	closers []io.Closer
	mu      sync.Mutex
)

// Init 初始化宿主进程日志系统。
// 参数：
// - cfg: 日志配置（级别、输出、格式与文件滚动策略）
// 返回：
// - error: 初始化失败原因（如文件目录无法创建）
func Init(cfg config.LoggingConfig) error {
	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if strings.ToLower(cfg.Format) == "json" {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampFormat})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: timestampFormat})
	}

	mu.Lock()
	defer mu.Unlock()
	switch strings.ToLower(cfg.Output) {
	case "file":
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return err
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    max(1, int(cfg.MaxSize.Int64()/(1024*1024))),
			MaxAge:     max(1, cfg.MaxAge),
			Compress:   cfg.Compress,
			MaxBackups: 3,
			LocalTime:  true,
		}
		closers = append(closers, lj)
		base.SetOutput(lj)
	case "stderr":
		base.SetOutput(os.Stderr)
	default:
		base.SetOutput(os.Stdout)
	}

	base.ReplaceHooks(make(logrus.LevelHooks))
	base.AddHook(callerHook{})
	return nil
}

// Close 关闭滚动日志文件句柄（进程退出前调用）。
func Close() {
	mu.Lock()
	defer mu.Unlock()
	for _, c := range closers {
		_ = c.Close()
	}
	closers = nil
}

// L 返回底层 logrus Logger 指针（全局单例）。
func L() *logrus.Logger { return base }

// With 创建带字段的日志 Entry。
func With(fields logrus.Fields) *logrus.Entry { return base.WithFields(fields) }

// Component 返回带 component 字段的 Entry，各子系统以此区分日志来源。
func Component(name string) *logrus.Entry { return base.WithField("component", name) }

type callerHook struct{}

// Levels 返回 Hook 适用的日志级别集合。
func (callerHook) Levels() []logrus.Level { return logrus.AllLevels }

// Fire 在日志输出前补齐 func/ts_ms 字段（若未显式设置）。
func (callerHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["func"]; !ok {
		if fn := callerName(); fn != "" {
			e.Data["func"] = fn
		}
	}
	if _, ok := e.Data["ts_ms"]; !ok {
		e.Data["ts_ms"] = time.Now().UnixMilli()
	}
	return nil
}

// callerName 跳过 logrus 与本包的栈帧，返回真实调用方函数名。
func callerName() string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.Contains(f.Function, "sirupsen/logrus") && !strings.HasPrefix(f.Function, "qchat/host/log.") {
			return f.Function
		}
		if !more {
			return ""
		}
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// LineSink 返回一个逐行写日志的函数，用于转发外部进程的诊断输出（内容不解析）。
// 参数：
// - entry: 预置字段的 Entry（如 component/pid/stream）
// - level: 输出级别
func LineSink(entry *logrus.Entry, level logrus.Level) func(line string) {
	return func(line string) {
		entry.Log(level, line)
	}
}
