package companion

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"qchat/host/config"
	qerrors "qchat/host/errors"
	qlog "qchat/host/log"
	"qchat/host/status"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ExitStatus 描述一次伴随进程退出。
// Code 为 -1 表示进程被信号终止或无法取得退出码。
type ExitStatus struct {
	InstanceID string
	PID        int
	Code       int
	Err        error
	Uptime     time.Duration
	// Requested 表示退出由 Stop 发起。
	Requested bool
}

// Handle 是一次启动的伴随进程。
type Handle struct {
	InstanceID string
	Port       int
	StartedAt  time.Time

	cmd  *exec.Cmd
	done chan struct{}

	mu        sync.Mutex
	exit      ExitStatus
	exited    bool
	requested bool
}

// PID 返回进程号。
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done 在进程退出且输出读取完毕后关闭。
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exit 返回退出信息；进程仍在运行时 ok=false。
func (h *Handle) Exit() (ExitStatus, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit, h.exited
}

// ExitCode 返回退出码；进程仍在运行时 ok=false。
func (h *Handle) ExitCode() (int, bool) {
	es, ok := h.Exit()
	return es.Code, ok
}

type Supervisor struct {
	cfg    config.CompanionConfig
	onExit func(ExitStatus)
	logger *logrus.Entry

	mu       sync.Mutex
	cur      *Handle
	state    status.CompanionState
	spawns   int
	lastExit *ExitStatus

	sampler *sampler
}

// NewSupervisor 创建伴随进程监管者。
// 参数：
// - cfg: 伴随进程配置（命令、参数、工作目录、停止超时）
// - onExit: 进程退出回调（在监管协程中调用，可为 nil）
func NewSupervisor(cfg config.CompanionConfig, onExit func(ExitStatus)) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		onExit:  onExit,
		logger:  qlog.Component("companion"),
		state:   status.CompanionExited,
		sampler: newSampler(),
	}
}

// Spawn 启动伴随进程，端口作为唯一追加的位置参数。
// 规则：
// - 同一时刻只允许一个进程，已在运行时返回 CodeConflict
// - stdout 逐行以 info 级别写日志，stderr 以 warn 级别写日志，内容不解析
// - ctx 取消时按 Stop 的流程终止进程
// 参数：
// - ctx: 生命周期上下文
// - port: 控制通道实际绑定端口
// 返回：
// - *Handle: 进程句柄
// - error: 启动失败原因
func (s *Supervisor) Spawn(ctx context.Context, port int) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return nil, qerrors.Wrap(qerrors.CodeConflict, "companion already running", errors.New("pid="+strconv.Itoa(s.cur.PID())))
	}
	if strings.TrimSpace(s.cfg.Command) == "" {
		return nil, qerrors.New(qerrors.CodeBadRequest, "companion.command is empty")
	}

	args := append(append([]string(nil), s.cfg.Args...), strconv.Itoa(port))
	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = s.cfg.WorkDir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, qerrors.Wrap(qerrors.CodeInternal, "companion stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, qerrors.Wrap(qerrors.CodeInternal, "companion stderr pipe", err)
	}

	s.state = status.CompanionStarting
	if err := cmd.Start(); err != nil {
		s.state = status.CompanionExited
		s.logger.WithFields(logrus.Fields{"command": s.cfg.Command, "port": port}).WithError(err).Error("伴随进程启动失败")
		return nil, qerrors.Wrap(qerrors.CodeProcessExited, "companion start failed", err)
	}

	h := &Handle{
		InstanceID: uuid.NewString(),
		Port:       port,
		StartedAt:  time.Now(),
		cmd:        cmd,
		done:       make(chan struct{}),
	}
	s.cur = h
	s.spawns++
	s.state = status.CompanionRunning

	entry := s.logger.WithFields(logrus.Fields{"instance": h.InstanceID, "pid": h.PID()})
	entry.WithFields(logrus.Fields{"command": s.cfg.Command, "args": args, "port": port, "status": status.CompanionRunning}).Info("伴随进程已启动")

	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(&wg, stdout, qlog.LineSink(entry.WithField("stream", "stdout"), logrus.InfoLevel), entry)
	go s.pump(&wg, stderr, qlog.LineSink(entry.WithField("stream", "stderr"), logrus.WarnLevel), entry)
	go s.monitor(h, &wg, entry)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.stopHandle(h)
		case <-h.done:
		}
	}()
	return h, nil
}

// EnsureRunning 在没有进程运行时启动一个新进程。
// 返回：
// - *Handle: 当前进程句柄
// - bool: 是否为本次新启动
// - error: 启动失败原因
func (s *Supervisor) EnsureRunning(ctx context.Context, port int) (*Handle, bool, error) {
	s.mu.Lock()
	cur := s.cur
	s.mu.Unlock()
	if cur != nil {
		return cur, false, nil
	}
	h, err := s.Spawn(ctx, port)
	if err != nil {
		if qerrors.Code(err) == qerrors.CodeConflict {
			s.mu.Lock()
			cur = s.cur
			s.mu.Unlock()
			if cur != nil {
				return cur, false, nil
			}
		}
		return nil, false, err
	}
	return h, true, nil
}

// pump 逐行读取进程输出并转发给日志；行过长时丢弃剩余内容以免子进程阻塞在管道上。
func (s *Supervisor) pump(wg *sync.WaitGroup, r io.Reader, sink func(string), entry *logrus.Entry) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	limit := int(s.cfg.MaxLineBytes)
	if limit <= 0 {
		limit = 256 * 1024
	}
	sc.Buffer(make([]byte, 0, 4096), limit)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" {
			continue
		}
		sink(line)
	}
	if err := sc.Err(); err != nil {
		entry.WithError(err).Warn("伴随进程输出读取中断，丢弃剩余输出")
		_, _ = io.Copy(io.Discard, r)
	}
}

// monitor 等待进程退出，记录退出码并通知回调。
func (s *Supervisor) monitor(h *Handle, wg *sync.WaitGroup, entry *logrus.Entry) {
	wg.Wait()
	err := h.cmd.Wait()

	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && errors.As(err, &exitErr) {
		err = nil
	}

	h.mu.Lock()
	es := ExitStatus{
		InstanceID: h.InstanceID,
		PID:        h.PID(),
		Code:       code,
		Err:        err,
		Uptime:     time.Since(h.StartedAt),
		Requested:  h.requested,
	}
	h.exit = es
	h.exited = true
	h.mu.Unlock()

	s.mu.Lock()
	if s.cur == h {
		s.cur = nil
		s.state = status.CompanionExited
	}
	s.lastExit = &es
	s.mu.Unlock()

	fields := logrus.Fields{"code": code, "uptime_ms": es.Uptime.Milliseconds(), "requested": es.Requested, "status": status.CompanionExited}
	if code != 0 && !es.Requested {
		entry.WithFields(fields).WithError(err).Error("伴随进程异常退出")
	} else {
		entry.WithFields(fields).Info("伴随进程已退出")
	}
	close(h.done)
	if s.onExit != nil {
		s.onExit(es)
	}
}

// Stop 终止当前进程：先发送中断信号，stop_timeout 后仍未退出则强制结束。
// 没有进程运行时直接返回 nil。
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	h := s.cur
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return s.stopHandle(h)
}

func (s *Supervisor) stopHandle(h *Handle) error {
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return nil
	}
	h.requested = true
	h.mu.Unlock()

	proc := h.cmd.Process
	if err := proc.Signal(os.Interrupt); err != nil {
		// Windows 不支持 os.Interrupt。
		_ = proc.Kill()
	}
	timeout := s.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
	}
	s.logger.WithFields(logrus.Fields{"instance": h.InstanceID, "pid": h.PID()}).Warn("伴随进程未在超时内退出，强制结束")
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return qerrors.Wrap(qerrors.CodeInternal, "kill companion", err)
	}
	<-h.done
	return nil
}

// Running 返回是否有进程在运行。
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

// State 返回监管状态。
func (s *Supervisor) State() status.CompanionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current 返回当前进程句柄（无进程时为 nil）。
func (s *Supervisor) Current() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}
