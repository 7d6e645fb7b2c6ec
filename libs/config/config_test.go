package config

import (
	"testing"
	"time"
)

func TestPort(t *testing.T) {
	t.Setenv("RABBITMQ_PORT", "")
	p, err := Port("RABBITMQ_PORT", 5672)
	if err != nil || p != 5672 {
		t.Fatalf("expected fallback 5672, got %d (%v)", p, err)
	}

	t.Setenv("RABBITMQ_PORT", "5673")
	p, err = Port("RABBITMQ_PORT", 5672)
	if err != nil || p != 5673 {
		t.Fatalf("expected 5673, got %d (%v)", p, err)
	}

	t.Setenv("RABBITMQ_PORT", "70000")
	if _, err := Port("RABBITMQ_PORT", 5672); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestIntBoolDuration(t *testing.T) {
	t.Setenv("WORKERS", "8")
	n, err := Int("WORKERS", 4)
	if err != nil || n != 8 {
		t.Fatalf("expected 8, got %d (%v)", n, err)
	}
	t.Setenv("WORKERS", "-1")
	if _, err := Int("WORKERS", 4); err == nil {
		t.Fatal("expected error for negative integer")
	}

	t.Setenv("RECONNECT", "false")
	b, err := Bool("RECONNECT", true)
	if err != nil || b {
		t.Fatalf("expected false, got %v (%v)", b, err)
	}

	t.Setenv("POLL", "")
	d, err := Duration("POLL", 2*time.Second)
	if err != nil || d != 2*time.Second {
		t.Fatalf("expected fallback, got %s (%v)", d, err)
	}
}

func TestOneOf(t *testing.T) {
	t.Setenv("ACK_MODE", "AUTO")
	v, err := OneOf("ACK_MODE", "manual", "manual", "auto")
	if err != nil || v != "auto" {
		t.Fatalf("expected auto, got %q (%v)", v, err)
	}
	t.Setenv("ACK_MODE", "sometimes")
	if _, err := OneOf("ACK_MODE", "manual", "manual", "auto"); err == nil {
		t.Fatal("expected error for unknown value")
	}
}

func TestOptionalKeepsExplicitEmpty(t *testing.T) {
	if v := Optional("IDENTITYBUS_UNSET_KEY", "passwordCreated.dlx"); v != "passwordCreated.dlx" {
		t.Fatalf("expected fallback for unset key, got %q", v)
	}
	t.Setenv("DLX", "")
	if v := Optional("DLX", "passwordCreated.dlx"); v != "" {
		t.Fatalf("expected explicit empty to win, got %q", v)
	}
}
