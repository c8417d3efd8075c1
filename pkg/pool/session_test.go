package pool

import (
	"strings"
	"testing"
	"time"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in       string
		want     Size
		capacity int
		wantErr  bool
	}{
		{"S", SizeS, 1, false},
		{"m", SizeM, 2, false},
		{"L", SizeL, 4, false},
		{"xl", SizeXL, 8, false},
		{" L ", SizeL, 4, false},
		{"XXL", "", 0, true},
		{"", "", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("ParseSize(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseSize(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if got.Capacity() != tt.capacity {
			t.Fatalf("%s.Capacity() = %d, want %d", got, got.Capacity(), tt.capacity)
		}
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusKilled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusKilled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusKilled, false},
		{StatusKilled, StatusRunning, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Fatalf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestNewSessionID(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 5, 30, 0, time.UTC)
	id := NewSessionID(now)
	if !strings.HasPrefix(id, "s-20260115-120530-") {
		t.Fatalf("unexpected session id format: %s", id)
	}
	if len(id) != len("s-20260115-120530-")+8 {
		t.Fatalf("expected 8-char random suffix, got %s", id)
	}
	if NewSessionID(now) == id {
		t.Fatalf("expected random suffix to differ between calls")
	}
}

func TestNodeName(t *testing.T) {
	now := time.Date(2026, 1, 15, 12, 5, 30, 0, time.UTC)
	if got := NodeName("dev", now); got != "stratus-dev-20260115-120530" {
		t.Fatalf("NodeName = %q", got)
	}
}

func TestSessionAgeMinutes(t *testing.T) {
	created := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	s := Session{CreatedAt: created}
	if got := s.AgeMinutes(created.Add(90 * time.Minute)); got != 90 {
		t.Fatalf("AgeMinutes = %d, want 90", got)
	}
	if got := (Session{}).AgeMinutes(created); got != 0 {
		t.Fatalf("zero CreatedAt should age 0, got %d", got)
	}
}
