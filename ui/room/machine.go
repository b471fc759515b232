package room

import (
	"sync"

	"qchat/host/bridge"
	"qchat/host/config"
	qlog "qchat/host/log"
	"qchat/host/status"

	"github.com/sirupsen/logrus"
)

// View 是界面展示所需的房间状态。
type View struct {
	Phase        status.RoomPhase      `json:"phase"`
	Status       status.SecurityStatus `json:"status"`
	RoomID       string                `json:"room_id,omitempty"`
	SelfID       string                `json:"self_id,omitempty"`
	Gen          uint64                `json:"gen"`
	Disconnected bool                  `json:"disconnected"`
}

// Machine 是界面侧的房间生命周期状态机。
// 转移查 status.NextRoomPhase；表外的输入记录日志后忽略。
// 本地每次 Join/Leave 都要等到宿主的会话公告（session 事件）才算生效：
// 公告未到之前，以及代数低于最近公告代数的事件一律丢弃。
type Machine struct {
	variant  string
	onChange func(View)
	logger   *logrus.Entry

	mu      sync.Mutex
	view    View
	pending int
	minGen  uint64
}

// NewMachine 创建状态机。
// 参数：
// - variant: config.ProtocolRoomID 或 config.ProtocolReady，决定哪个事件让界面离开加载页
// - onChange: 每次状态变化后调用（在事件所在协程中），可为 nil
func NewMachine(variant string, onChange func(View)) *Machine {
	if variant != config.ProtocolReady {
		variant = config.ProtocolRoomID
	}
	return &Machine{
		variant:  variant,
		onChange: onChange,
		logger:   qlog.Component("room").WithField("variant", variant),
		view:     View{Phase: status.RoomIdle, Status: status.SecurityWaiting},
	}
}

// View 返回当前状态副本。
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// Join 用户发起加入；只有 Idle 下合法。
// 返回：
// - bool: 是否发生转移（false 表示调用方不应向宿主发送 joinRoom）
func (m *Machine) Join() bool {
	return m.apply(func() bool {
		if !m.fire(status.TriggerJoin, 0) {
			return false
		}
		m.pending++
		m.view.Status = status.SecurityWaiting
		m.view.Disconnected = false
		m.view.RoomID = ""
		return true
	})
}

// Leave 用户发起离开，任意阶段合法；同时清除断开提示。调用方随后必须向宿主发送 leaveRoom。
func (m *Machine) Leave() {
	m.apply(func() bool {
		m.fire(status.TriggerLeave, 0)
		m.pending++
		m.view.Status = status.SecurityWaiting
		m.view.Disconnected = false
		m.view.RoomID = ""
		return true
	})
}

// OnSession 处理宿主的会话公告。
// 规则：
// - 每条公告对应一次本地 Join/Leave；仍有更新的本地操作未公告时只抬高代数下限
// - 与本地操作对齐后，Idle 公告表示宿主侧已离开（例如其他界面发起），本地随之回到 Idle
func (m *Machine) OnSession(phase status.RoomPhase, gen uint64) {
	m.apply(func() bool {
		if gen < m.minGen {
			m.logger.WithFields(logrus.Fields{"kind": "session", "gen": gen, "min_gen": m.minGen}).Debug("丢弃过期的会话公告")
			return false
		}
		m.minGen = gen
		m.view.Gen = max(m.view.Gen, gen)
		if m.pending > 0 {
			m.pending--
		}
		if m.pending > 0 {
			return true
		}
		if phase == status.RoomIdle && m.view.Phase != status.RoomIdle {
			m.fire(status.TriggerLeave, gen)
			m.view.Status = status.SecurityWaiting
			m.view.RoomID = ""
		}
		return true
	})
}

// OnSelfID 记录本端 ID（任意阶段，与会话代数无关）。
func (m *Machine) OnSelfID(id string, gen uint64) {
	m.apply(func() bool {
		m.view.SelfID = id
		return true
	})
}

// OnRoomID 在 room_id 变体下让 Loading 进入 Active。
func (m *Machine) OnRoomID(id string, gen uint64) {
	m.apply(func() bool {
		if m.stale("room_id", gen) {
			return false
		}
		if m.view.Phase != status.RoomLoading {
			m.logger.WithFields(logrus.Fields{"kind": "room_id", "phase": m.view.Phase, "gen": gen}).Warn("非加载阶段收到 room_id，忽略")
			return false
		}
		m.view.RoomID = id
		if m.variant == config.ProtocolRoomID {
			m.fire(status.TriggerEnter, gen)
		}
		return true
	})
}

// OnReady 在 ready 变体下让 Loading 进入 Active。
func (m *Machine) OnReady(gen uint64) {
	m.apply(func() bool {
		if m.stale("ready", gen) {
			return false
		}
		if m.variant != config.ProtocolReady {
			return false
		}
		return m.fire(status.TriggerEnter, gen)
	})
}

// OnStatus 更新 Active 阶段的安全状态；disconnected 在任意阶段生效。
func (m *Machine) OnStatus(s status.SecurityStatus, gen uint64) {
	m.apply(func() bool {
		if m.stale("status", gen) {
			return false
		}
		if s == status.SecurityDisconnected {
			m.view.Status = s
			m.view.Disconnected = true
			return true
		}
		if m.view.Phase != status.RoomActive {
			m.logger.WithFields(logrus.Fields{"kind": "status", "phase": m.view.Phase, "status": s}).Debug("非活动阶段的状态更新，忽略")
			return false
		}
		m.view.Status = s
		return true
	})
}

// OnCompanionExit 强制回到 Idle 并显示断开。
// 退出事件的代数是宿主新推进的代数，之后更早代数的事件都被屏蔽。
func (m *Machine) OnCompanionExit(gen uint64) {
	m.apply(func() bool {
		if m.stale("companion_exit", gen) {
			return false
		}
		m.fire(status.TriggerExit, gen)
		m.minGen = max(m.minGen, gen)
		m.view.Status = status.SecurityDisconnected
		m.view.Disconnected = true
		m.view.RoomID = ""
		return true
	})
}

// AcceptFrame 判断某代数的帧是否应绘制：只有 Active 且属于当前公告代数的帧通过。
func (m *Machine) AcceptFrame(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending > 0 || (gen != 0 && gen < m.minGen) {
		return false
	}
	return m.view.Phase == status.RoomActive
}

// Bind 为桥接客户端注册本状态机需要的全部订阅，返回的 Scope 在界面销毁时释放。
func (m *Machine) Bind(c *bridge.Client) *bridge.Scope {
	scope := &bridge.Scope{}
	scope.Add(c.OnSession(func(p bridge.SessionPayload, gen uint64) { m.OnSession(p.Phase, gen) }))
	scope.Add(c.OnSelfID(m.OnSelfID))
	scope.Add(c.OnRoomID(m.OnRoomID))
	scope.Add(c.OnReady(m.OnReady))
	scope.Add(c.OnStatus(m.OnStatus))
	scope.Add(c.OnCompanionExit(func(_ bridge.CompanionExitPayload, gen uint64) { m.OnCompanionExit(gen) }))
	return scope
}

func (m *Machine) apply(fn func() bool) bool {
	m.mu.Lock()
	changed := fn()
	v := m.view
	m.mu.Unlock()
	if changed && m.onChange != nil {
		m.onChange(v)
	}
	return changed
}

// stale 丢弃本地操作尚未公告时到达的事件，以及代数低于 minGen 的事件。调用方持有 mu。
func (m *Machine) stale(kind string, gen uint64) bool {
	if m.pending > 0 || (gen != 0 && gen < m.minGen) {
		m.logger.WithFields(logrus.Fields{"kind": kind, "gen": gen, "min_gen": m.minGen, "pending": m.pending}).Debug("丢弃不属于当前会话的事件")
		return true
	}
	if gen > m.view.Gen {
		m.view.Gen = gen
	}
	return false
}

// fire 查表转移。调用方持有 mu。
func (m *Machine) fire(t status.RoomTrigger, gen uint64) bool {
	next, ok := status.NextRoomPhase(m.view.Phase, t)
	if !ok {
		m.logger.WithFields(logrus.Fields{"phase": m.view.Phase, "trigger": t, "gen": gen}).Warn("状态机不接受该输入，忽略")
		return false
	}
	m.view.Phase = next
	return true
}
