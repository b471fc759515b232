package status

// RoomTrigger 是驱动房间生命周期的输入。
type RoomTrigger string

const (
	// TriggerJoin: 用户发起 joinRoom。
	TriggerJoin RoomTrigger = "join"
	// TriggerEnter: 当前协议变体下的“进入房间”事件（room_id 或 ready）。
	TriggerEnter RoomTrigger = "enter"
	// TriggerLeave: 用户发起 leaveRoom。
	TriggerLeave RoomTrigger = "leave"
	// TriggerExit: 伴随进程退出（强制回到 Idle）。
	TriggerExit RoomTrigger = "exit"
)

// Triggers 返回全部触发器，供穷举测试与调试输出使用。
func Triggers() []RoomTrigger {
	return []RoomTrigger{TriggerJoin, TriggerEnter, TriggerLeave, TriggerExit}
}

// Phases 返回全部房间阶段。
func Phases() []RoomPhase { return []RoomPhase{RoomIdle, RoomLoading, RoomActive} }

// roomTransitions 是完整的转移表：表中缺失的 (phase, trigger) 组合即为“忽略”。
// leave 在任意阶段都合法；Idle 下 leave 与 exit 为原地转移。
var roomTransitions = map[RoomPhase]map[RoomTrigger]RoomPhase{
	RoomIdle: {
		TriggerJoin:  RoomLoading,
		TriggerLeave: RoomIdle,
		TriggerExit:  RoomIdle,
	},
	RoomLoading: {
		TriggerEnter: RoomActive,
		TriggerLeave: RoomIdle,
		TriggerExit:  RoomIdle,
	},
	RoomActive: {
		TriggerLeave: RoomIdle,
		TriggerExit:  RoomIdle,
	},
}

// NextRoomPhase 查询转移表。
// 参数：
// - cur: 当前阶段
// - t: 触发器
// 返回：
// - RoomPhase: 转移后的阶段；ok=false 时等于 cur
// - bool: 是否为合法转移（false 表示该输入应被记录并忽略）
func NextRoomPhase(cur RoomPhase, t RoomTrigger) (RoomPhase, bool) {
	next, ok := roomTransitions[cur][t]
	if !ok {
		return cur, false
	}
	return next, true
}
