package errors

import (
	"errors"
	"fmt"
	"testing"
)

// TestCodeAndWrap 验证 Wrap/Code/errors.Is 的基础行为。
func TestCodeAndWrap(t *testing.T) {
	base := errors.New("address already in use")
	e := Wrap(CodeConflict, "port in use", base)
	if Code(e) != CodeConflict {
		t.Fatalf("code=%d", Code(e))
	}
	if !errors.Is(e, base) {
		t.Fatalf("unwrap failed")
	}
}

// TestCodeFallback 验证非 CodeError 与 nil 的错误码回退。
func TestCodeFallback(t *testing.T) {
	if Code(errors.New("x")) != CodeInternal {
		t.Fatalf("expected default code")
	}
	if Code(nil) != 0 {
		t.Fatalf("expected code 0 for nil")
	}
	if Code(fmt.Errorf("send join_room: %w", New(CodeUnavailable, "not connected"))) != CodeUnavailable {
		t.Fatalf("code lost through fmt.Errorf wrap")
	}
}

// TestErrorText 验证错误文本带错误码，且有无底层原因两种格式。
func TestErrorText(t *testing.T) {
	if got := New(CodeInvalidState, "session loop stopped").Error(); got != "508 session loop stopped" {
		t.Fatalf("got=%q", got)
	}
	if got := Wrap(CodeBindExhausted, "no free port", errors.New("in use")).Error(); got != "505 no free port: in use" {
		t.Fatalf("got=%q", got)
	}
	if New(CodeUnavailable, "x").Unwrap() != nil {
		t.Fatalf("expected nil unwrap")
	}
}

// TestIsMatchesSentinel 验证相同 code+message 的 CodeError 可以用 errors.Is 比较。
func TestIsMatchesSentinel(t *testing.T) {
	sentinel := New(CodeUnavailable, "control channel not connected")
	wrapped := fmt.Errorf("send: %w", Wrap(CodeUnavailable, "control channel not connected", errors.New("eof")))
	if !errors.Is(wrapped, sentinel) {
		t.Fatalf("expected match")
	}
	if errors.Is(New(CodeConflict, "x"), sentinel) {
		t.Fatalf("unexpected match")
	}
}

// TestMarkKeepsSentinelAndDetail 验证 Mark 同时满足哨兵匹配与底层原因追溯。
func TestMarkKeepsSentinelAndDetail(t *testing.T) {
	sentinel := New(CodeBadRequest, "malformed control event")
	detail := errors.New("missing id")
	err := Mark(sentinel, detail)
	if !errors.Is(err, sentinel) || !errors.Is(err, detail) {
		t.Fatalf("Mark lost sentinel or detail: %v", err)
	}
	if errors.Is(err, New(CodeBadRequest, "other")) {
		t.Fatalf("matched sentinel with different message")
	}
	if Code(err) != CodeBadRequest {
		t.Fatalf("code=%d", Code(err))
	}
}
