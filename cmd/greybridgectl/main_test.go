package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"greybridge/config"
	"greybridge/rpcerr"
	"greybridge/value"
)

func TestSplitSelector(t *testing.T) {
	class, method, err := splitSelector("Application.KeyWindow")
	if err != nil || class != "Application" || method != "KeyWindow" {
		t.Fatalf("got %q %q %v", class, method, err)
	}
	for _, bad := range []string{"", "Application", ".Echo", "Application."} {
		if _, _, err := splitSelector(bad); err == nil {
			t.Errorf("splitSelector(%q) should fail", bad)
		}
	}
}

func TestParseLiteral(t *testing.T) {
	cases := map[string]any{
		"42":       int64(42),
		"-3":       int64(-3),
		"2.5":      2.5,
		"true":     true,
		"null":     nil,
		"hello":    "hello",
		`"quoted"`: "quoted",
	}
	for raw, want := range cases {
		if got := parseLiteral(raw); got != want {
			t.Errorf("parseLiteral(%q) = %#v, want %#v", raw, got, want)
		}
	}
}

func TestHostAndCall(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	cfg := config.Default()
	cfg.App = "mail"
	cfg.Listen = addr
	cfg.HandshakeTimeout = 3 * time.Second
	cfg.IdleTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runHost(ctx, cfg) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("host: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("host did not stop")
		}
	}()

	out, err := call(context.Background(), cfg, addr, 2*time.Second, "Application", "Echo", []any{int64(7)})
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if out.Kind != value.KindInt || out.Int != 7 {
		t.Fatalf("echo = %v", out)
	}

	out, err = call(context.Background(), cfg, addr, 2*time.Second, "Application", "BundleID", nil)
	if err != nil || out.Kind != value.KindString || out.Str != "mail" {
		t.Fatalf("bundle id = %v, %v", out, err)
	}
	for _, method := range []string{"EnableFastAnimation", "DisableFastAnimation"} {
		if _, err := call(context.Background(), cfg, addr, 2*time.Second, "Application", method, nil); err != nil {
			t.Fatalf("%s: %v", method, err)
		}
	}

	_, err = call(context.Background(), cfg, addr, 2*time.Second, "Application", "Quit", nil)
	if !errors.Is(err, rpcerr.ErrTargetNotFound) {
		t.Fatalf("unknown method: %v", err)
	}
}

func TestCallWithoutTarget(t *testing.T) {
	cfg := config.Default()
	cfg.Etcd = nil
	cfg.HandshakeTimeout = time.Minute

	start := time.Now()
	_, err := call(context.Background(), cfg, "", time.Second, "Application", "Echo", nil)
	if !errors.Is(err, errNoTarget) {
		t.Fatalf("call without target: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("call waited %v before failing", elapsed)
	}
}

func TestDemoClasses(t *testing.T) {
	table, err := newMailbox(nil, "").classes()
	if err != nil {
		t.Fatal(err)
	}
	classes := table.Classes()
	if len(classes["Window"]) != 5 {
		t.Fatalf("Window methods = %v", classes["Window"])
	}
	if len(classes["Application"]) != 5 {
		t.Fatalf("Application methods = %v", classes["Application"])
	}
}

func TestFastAnimation(t *testing.T) {
	m := newMailbox(nil, "mail")
	if got := m.animationDuration(250 * time.Millisecond); got != 250*time.Millisecond {
		t.Fatalf("normal animation = %v", got)
	}
	m.fast.Store(true)
	if got := m.animationDuration(250 * time.Millisecond); got != 25*time.Millisecond {
		t.Fatalf("fast animation = %v", got)
	}
	m.fast.Store(false)
	if got := m.animationDuration(250 * time.Millisecond); got != 250*time.Millisecond {
		t.Fatalf("animation after disabling = %v", got)
	}
}
