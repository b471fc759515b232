package status

import (
	"encoding/json"
	"fmt"
	"strings"
)

type ChannelStatus string

const (
	ChannelListening ChannelStatus = "Listening"
	ChannelConnected ChannelStatus = "Connected"
	ChannelClosed    ChannelStatus = "Closed"
)

// String 返回控制通道状态文本。
func (s ChannelStatus) String() string { return string(s) }

type PortStatus string

const (
	PortIdle     PortStatus = "Idle"
	PortOccupied PortStatus = "Occupied"
	PortBlocked  PortStatus = "Blocked"
)

// String 返回端口状态文本。
func (s PortStatus) String() string { return string(s) }

type CompanionState string

const (
	CompanionStarting CompanionState = "Starting"
	CompanionRunning  CompanionState = "Running"
	CompanionExited   CompanionState = "Exited"
)

// String 返回伴随进程状态文本。
func (s CompanionState) String() string { return string(s) }

// SecurityStatus 是通道安全/质量的展示级分类，由伴随进程提供，宿主只原样转发。
// Disconnected 仅在伴随进程退出后由宿主设置。
type SecurityStatus string

const (
	SecurityWaiting      SecurityStatus = "waiting"
	SecurityGood         SecurityStatus = "good"
	SecurityBad          SecurityStatus = "bad"
	SecurityDisconnected SecurityStatus = "disconnected"
)

// String 返回安全状态文本。
func (s SecurityStatus) String() string { return string(s) }

// ParseSecurityStatus 将文本解析为 SecurityStatus。
// 参数：
// - v: 状态文本（waiting/good/bad/disconnected）
// 返回：
// - SecurityStatus: 解析结果
// - error: 未知状态时返回错误
func ParseSecurityStatus(v string) (SecurityStatus, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case string(SecurityWaiting):
		return SecurityWaiting, nil
	case string(SecurityGood):
		return SecurityGood, nil
	case string(SecurityBad):
		return SecurityBad, nil
	case string(SecurityDisconnected):
		return SecurityDisconnected, nil
	default:
		return "", fmt.Errorf("unknown SecurityStatus: %q", v)
	}
}

// MarshalJSON 将 SecurityStatus 编码为 JSON 字符串。
func (s SecurityStatus) MarshalJSON() ([]byte, error) { return json.Marshal(string(s)) }

// UnmarshalJSON 从 JSON 字符串解码为 SecurityStatus。
func (s *SecurityStatus) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseSecurityStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

type RoomPhase string

const (
	RoomIdle    RoomPhase = "Idle"
	RoomLoading RoomPhase = "Loading"
	RoomActive  RoomPhase = "Active"
)

// String 返回房间阶段文本。
func (p RoomPhase) String() string { return string(p) }

// ParseRoomPhase 将文本解析为 RoomPhase。
func ParseRoomPhase(v string) (RoomPhase, error) {
	switch strings.TrimSpace(v) {
	case string(RoomIdle):
		return RoomIdle, nil
	case string(RoomLoading):
		return RoomLoading, nil
	case string(RoomActive):
		return RoomActive, nil
	default:
		return "", fmt.Errorf("unknown RoomPhase: %q", v)
	}
}

// MarshalJSON 将 RoomPhase 编码为 JSON 字符串。
func (p RoomPhase) MarshalJSON() ([]byte, error) { return json.Marshal(string(p)) }

// UnmarshalJSON 从 JSON 字符串解码为 RoomPhase。
func (p *RoomPhase) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseRoomPhase(v)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
