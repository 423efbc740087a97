package config

import (
	"strings"
	"testing"
)

func TestParseServerFlagsDefaults(t *testing.T) {
	cfg, err := ParseServerFlags([]string{"--public-host", "tunnel.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != defaultListenAddr {
		t.Fatalf("unexpected listen addr %q", cfg.ListenAddr)
	}
	if cfg.BasePort != defaultBasePort || cfg.MaxPort != defaultMaxPort {
		t.Fatalf("unexpected port range %d..%d", cfg.BasePort, cfg.MaxPort)
	}
	if cfg.TargetHost != defaultTargetHost {
		t.Fatalf("unexpected target host %q", cfg.TargetHost)
	}
	if cfg.Region != defaultRegion {
		t.Fatalf("unexpected region %q", cfg.Region)
	}
}

func TestParseServerFlagsRequiresPublicHost(t *testing.T) {
	_, err := ParseServerFlags(nil)
	if err == nil || !strings.Contains(err.Error(), "public-host") {
		t.Fatalf("expected missing public host error, got %v", err)
	}
}

func TestParseServerFlagsNormalizesPublicHost(t *testing.T) {
	cfg, err := ParseServerFlags([]string{"--public-host", "https://Tunnel.Example.COM:8443/path"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PublicHost != "tunnel.example.com" {
		t.Fatalf("expected normalized host, got %q", cfg.PublicHost)
	}
}

func TestParseServerFlagsValidatesPortRange(t *testing.T) {
	cases := [][]string{
		{"--public-host", "h.test", "--base-port", "0"},
		{"--public-host", "h.test", "--base-port", "70000"},
		{"--public-host", "h.test", "--base-port", "9000", "--max-port", "8999"},
		{"--public-host", "h.test", "--base-port", "9000", "--max-port", "70000"},
	}
	for _, args := range cases {
		if _, err := ParseServerFlags(args); err == nil {
			t.Fatalf("expected error for args %v", args)
		}
	}
}

func TestParseServerFlagsEnvFallback(t *testing.T) {
	t.Setenv("PORTGATE_PUBLIC_HOST", "env.example.com")
	t.Setenv("PORTGATE_BASE_PORT", "15000")
	t.Setenv("PORTGATE_REGION", "eu-1")

	cfg, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PublicHost != "env.example.com" {
		t.Fatalf("expected env public host, got %q", cfg.PublicHost)
	}
	if cfg.BasePort != 15000 {
		t.Fatalf("expected env base port, got %d", cfg.BasePort)
	}
	if cfg.Region != "eu-1" {
		t.Fatalf("expected env region, got %q", cfg.Region)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	t.Setenv("PORTGATE_PUBLIC_HOST", "env.example.com")

	cfg, err := ParseServerFlags([]string{"--public-host", "flag.example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PublicHost != "flag.example.com" {
		t.Fatalf("expected flag to win, got %q", cfg.PublicHost)
	}
}
