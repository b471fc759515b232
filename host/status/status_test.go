package status

import (
	"encoding/json"
	"testing"
)

// TestSecurityStatusJSON 验证 SecurityStatus 的 JSON 编解码与未知值拒绝。
func TestSecurityStatusJSON(t *testing.T) {
	b, err := json.Marshal(SecurityGood)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `"good"` {
		t.Fatalf("got=%s", b)
	}
	var s SecurityStatus
	if err := json.Unmarshal([]byte(`"BAD"`), &s); err != nil {
		t.Fatal(err)
	}
	if s != SecurityBad {
		t.Fatalf("got=%s", s)
	}
	if err := json.Unmarshal([]byte(`"excellent"`), &s); err == nil {
		t.Fatalf("expected error")
	}
	if err := json.Unmarshal([]byte(`3`), &s); err == nil {
		t.Fatalf("expected type error")
	}
}

// TestRoomPhaseParse 验证 RoomPhase 文本解析。
func TestRoomPhaseParse(t *testing.T) {
	for _, p := range Phases() {
		got, err := ParseRoomPhase(p.String())
		if err != nil || got != p {
			t.Fatalf("phase=%s got=%s err=%v", p, got, err)
		}
	}
	if _, err := ParseRoomPhase("Sleeping"); err == nil {
		t.Fatalf("expected error")
	}
}

// TestRoomTransitionsTotal 穷举所有 (phase, trigger) 组合：结果要么是已定义阶段，要么是原地忽略。
func TestRoomTransitionsTotal(t *testing.T) {
	known := map[RoomPhase]bool{}
	for _, p := range Phases() {
		known[p] = true
	}
	for _, p := range Phases() {
		for _, tr := range Triggers() {
			next, ok := NextRoomPhase(p, tr)
			if !known[next] {
				t.Fatalf("%s --%s--> undefined phase %q", p, tr, next)
			}
			if !ok && next != p {
				t.Fatalf("%s --%s--> ignored transition moved to %s", p, tr, next)
			}
		}
	}
}

// TestRoomTransitionsExpected 验证关键路径 Idle -> Loading -> Active -> Idle。
func TestRoomTransitionsExpected(t *testing.T) {
	cases := []struct {
		from RoomPhase
		tr   RoomTrigger
		to   RoomPhase
		ok   bool
	}{
		{RoomIdle, TriggerJoin, RoomLoading, true},
		{RoomIdle, TriggerEnter, RoomIdle, false},
		{RoomLoading, TriggerEnter, RoomActive, true},
		{RoomLoading, TriggerJoin, RoomLoading, false},
		{RoomLoading, TriggerLeave, RoomIdle, true},
		{RoomActive, TriggerEnter, RoomActive, false},
		{RoomActive, TriggerJoin, RoomActive, false},
		{RoomActive, TriggerExit, RoomIdle, true},
		{RoomIdle, TriggerLeave, RoomIdle, true},
	}
	for _, c := range cases {
		to, ok := NextRoomPhase(c.from, c.tr)
		if to != c.to || ok != c.ok {
			t.Fatalf("%s --%s--> got (%s,%v) want (%s,%v)", c.from, c.tr, to, ok, c.to, c.ok)
		}
	}
}
