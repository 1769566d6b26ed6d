package state

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateKey(t *testing.T) {
	valid := []string{
		"agents.counter@n1.total",
		"tasks.worker@n1.task-123",
		"kv.calc@n1:history.entry-7",
		strings.Repeat("k", 1024),
	}
	for _, key := range valid {
		if err := ValidateKey(key); err != nil {
			t.Errorf("ValidateKey(%.40q) error: %v", key, err)
		}
	}

	invalid := []string{
		"",
		"agents.counter@n1 total",
		"tasks.\tid",
		".agents.x",
		"agents.x.",
		strings.Repeat("k", 1025),
	}
	for _, key := range invalid {
		if err := ValidateKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("ValidateKey(%.40q) = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestValidateTTL(t *testing.T) {
	if err := ValidateTTL(0); err != nil {
		t.Errorf("ValidateTTL(0) error: %v", err)
	}
	if err := ValidateTTL(time.Minute); err != nil {
		t.Errorf("ValidateTTL(1m) error: %v", err)
	}
	if err := ValidateTTL(-time.Nanosecond); !errors.Is(err, ErrInvalidTTL) {
		t.Errorf("ValidateTTL(-1ns) = %v, want ErrInvalidTTL", err)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"*", "tasks.worker@n1.t1", true},
		{"*", "", true},
		{"tasks.worker@n1.*", "tasks.worker@n1.t1", true},
		{"tasks.worker@n1.*", "tasks.worker@n1.", true},
		{"tasks.worker@n1.*", "tasks.worker@n2.t1", false},
		// A prefix ending in "." does not match a longer agent name.
		{"tasks.worker@n1.*", "tasks.worker@n10.t1", false},
		{"agents.a@n1.total", "agents.a@n1.total", true},
		{"agents.a@n1.total", "agents.a@n1.totals", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.key); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}

func TestKeyBuilders(t *testing.T) {
	if got := AgentKey("counter@n1", "total"); got != "agents.Y291bnRlckBuMQ.total" {
		t.Errorf("AgentKey = %q", got)
	}
	if AgentKey("calc@host.a", "x") == AgentKey("calc@host", "a.x") {
		t.Error("agent keys of calc@host.a and calc@host collide")
	}
	if MatchPattern(TaskPrefix("calc@host")+"*", TaskPrefix("calc@host.a")+"t1") {
		t.Error("task prefix of calc@host matches keys of calc@host.a")
	}
	prefix := TaskPrefix("worker@n1")
	if !MatchPattern(prefix+"*", prefix+"t1") {
		t.Errorf("task prefix %q does not match its own task keys", prefix)
	}
	if MatchPattern(TaskPrefix("worker@n1")+"*", TaskPrefix("worker@n10")+"t1") {
		t.Error("task prefix of worker@n1 matches keys of worker@n10")
	}
	if err := ValidateKey(kvPrefix("calc") + "x"); err != nil {
		t.Errorf("kv key invalid: %v", err)
	}
}
