package app

import (
	"context"
	"sync"
	"time"

	"qchat/host/bridge"
	"qchat/host/companion"
	"qchat/host/config"
	"qchat/host/control"
	qerrors "qchat/host/errors"
	qlog "qchat/host/log"
	"qchat/host/session"
	"qchat/host/wire"

	"github.com/sirupsen/logrus"
)

// App 把控制通道、伴随进程监管、会话控制器与界面桥装配为一个宿主。
type App struct {
	cfg    config.Config
	logger *logrus.Entry

	ctrl    *control.Server
	sup     *companion.Supervisor
	session *session.Controller
	hub     *bridge.Hub

	mu         sync.Mutex
	started    bool
	bridgeAddr string
	loopDone   chan struct{}
}

type senderFunc func(cmd wire.Command, gen uint64) error

func (f senderFunc) Send(cmd wire.Command, gen uint64) error { return f(cmd, gen) }

// New 按配置装配宿主，不启动任何监听。
// 参数：
// - cfg: 已校验的配置
// 返回：
// - *App: 宿主
// - error: 端口范围非法等装配失败原因
func New(cfg config.Config) (*App, error) {
	a := &App{cfg: cfg, logger: qlog.Component("app"), loopDone: make(chan struct{})}
	a.hub = bridge.NewHub(cfg.Bridge)

	a.session = session.NewController(session.Options{
		Session:        cfg.Session,
		Protocol:       cfg.Companion.Protocol,
		SpawnOnUIReady: cfg.Companion.SpawnOnUIReady,
	}, senderFunc(func(cmd wire.Command, gen uint64) error {
		return a.ctrl.Send(cmd, gen)
	}), a.hub, session.LauncherFunc(a.ensureCompanion))

	ctrl, err := control.NewServer(cfg.Control, a.session)
	if err != nil {
		return nil, err
	}
	a.ctrl = ctrl
	a.sup = companion.NewSupervisor(cfg.Companion, func(st companion.ExitStatus) {
		a.session.CompanionExited(session.ExitInfo{Instance: st.InstanceID, Code: st.Code, Requested: st.Requested})
	})
	a.hub.Bind(a.session)
	a.ctrl.SetStatusProvider(a.status)
	return a, nil
}

func (a *App) ensureCompanion(ctx context.Context) (string, bool, error) {
	port := a.ctrl.Port()
	if port == 0 {
		return "", false, qerrors.New(qerrors.CodeInvalidState, "control channel not bound")
	}
	h, started, err := a.sup.EnsureRunning(ctx, port)
	if err != nil {
		return "", false, err
	}
	return h.InstanceID, started, nil
}

// Start 依次启动控制通道、会话循环与界面桥。
// 参数：
// - ctx: 取消时整个宿主退出（伴随进程随之被停止）
// 返回：
// - error: 控制端口耗尽或界面桥监听失败
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return qerrors.New(qerrors.CodeConflict, "app already started")
	}
	port, err := a.ctrl.Start(ctx)
	if err != nil {
		return err
	}
	go func() {
		defer close(a.loopDone)
		_ = a.session.Run(ctx)
	}()
	addr, err := a.hub.Start(ctx)
	if err != nil {
		a.ctrl.Close()
		return qerrors.Wrap(qerrors.CodeUnavailable, "bridge listen failed", err)
	}
	a.bridgeAddr = addr
	a.started = true
	a.logger.WithFields(logrus.Fields{
		"port":      port,
		"transport": a.cfg.Control.Transport,
		"bridge":    addr,
		"protocol":  a.cfg.Companion.Protocol,
	}).Info("宿主已启动")
	return nil
}

// Shutdown 停止伴随进程并关闭所有监听。
func (a *App) Shutdown(timeout time.Duration) {
	if err := a.sup.Stop(); err != nil {
		a.logger.WithError(err).Warn("停止伴随进程失败")
	}
	a.hub.Close()
	a.ctrl.Close()
	select {
	case <-a.loopDone:
	case <-time.After(timeout):
		a.logger.Warn("等待会话循环退出超时")
	}
	a.logger.Info("宿主已退出")
}

// BridgeAddr 返回界面桥实际监听地址。
func (a *App) BridgeAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bridgeAddr
}

func (a *App) ControlPort() int { return a.ctrl.Port() }

func (a *App) Session() *session.Controller { return a.session }

type HostStatus struct {
	Session   session.Stats   `json:"session"`
	Companion companion.Stats `json:"companion"`
	Bridge    bridge.Stats    `json:"bridge"`
}

func (a *App) status() any {
	return HostStatus{
		Session:   a.session.Stats(),
		Companion: a.sup.Stats(),
		Bridge:    a.hub.Stats(),
	}
}
