/*
Kestrel SMTP Server - High-throughput extensible SMTP server platform.
Copyright © 2023-2026 The Kestrel developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package kestrel

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kestrel-mta/kestrel/internal/testutils"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kestrel.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `hostname = "mx.example.org"`))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Hostname != "mx.example.org" {
		t.Errorf("hostname = %q", cfg.Hostname)
	}
	if cfg.Limits.MaxConnectionsPerIP != 10 {
		t.Errorf("per-IP cap default = %d, want 10", cfg.Limits.MaxConnectionsPerIP)
	}
	if cfg.Limits.MaxRetryCount != 3 {
		t.Errorf("error budget default = %d, want 3", cfg.Limits.MaxRetryCount)
	}
	if cfg.AntiSpam.Thresholds.Reject != 90 {
		t.Errorf("reject threshold default = %d, want 90", cfg.AntiSpam.Thresholds.Reject)
	}
	if cfg.Relay.MaxRetryCount != 10 {
		t.Errorf("relay retry default = %d, want 10", cfg.Relay.MaxRetryCount)
	}
	if got := duration(cfg.Relay.MessageLifetime, 0); got != 72*time.Hour {
		t.Errorf("message lifetime default = %v, want 72h", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
hostname = "mx.example.org"
state_dir = "/tmp/kestrel-test"

[[listeners]]
address = ":2525"
mode = "smtp"

[limits]
max_connections_per_ip = 5
max_message_size = 1048576

[relay]
enable = true
use_mx_routing = false
default_smart_host = "smart.example:587"
local_domains = ["example.org"]
relay_networks = ["10.0.0.0/8"]

[[relay.smart_hosts]]
host = "backup.example"
priority = 10
weight = 3

[antispam]
enable = true

[antispam.thresholds]
reject = 95
`))
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Address != ":2525" {
		t.Errorf("listeners = %v", cfg.Listeners)
	}
	if cfg.Limits.MaxConnectionsPerIP != 5 {
		t.Errorf("per-IP cap = %d", cfg.Limits.MaxConnectionsPerIP)
	}
	if cfg.Relay.DefaultSmartHost != "smart.example:587" {
		t.Errorf("smart host = %q", cfg.Relay.DefaultSmartHost)
	}
	if len(cfg.Relay.SmartHosts) != 1 || cfg.Relay.SmartHosts[0].Weight != 3 {
		t.Errorf("smart hosts = %v", cfg.Relay.SmartHosts)
	}
	if cfg.AntiSpam.Thresholds.Reject != 95 {
		t.Errorf("reject threshold = %d", cfg.AntiSpam.Thresholds.Reject)
	}
	// Unset thresholds keep their defaults.
	if cfg.AntiSpam.Thresholds.Mark != 30 {
		t.Errorf("mark threshold = %d, want 30", cfg.AntiSpam.Thresholds.Mark)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(*Config)
		errSub string
	}{
		{"no hostname", func(c *Config) { c.Hostname = "" }, "hostname"},
		{"no listeners", func(c *Config) { c.Listeners = nil }, "listener"},
		{"bad mode", func(c *Config) { c.Listeners[0].Mode = "imap" }, "invalid mode"},
		{"smtps without cert", func(c *Config) { c.Listeners[0].Mode = ModeSMTPS }, "certificate"},
		{"bad duration", func(c *Config) { c.Relay.ConnectionTimeout = "soon" }, "connection_timeout"},
		{"bad network", func(c *Config) { c.Relay.RelayNetworks = []string{"10.0.0.0"} }, "relay_networks"},
		{"bad tls version", func(c *Config) { c.TLS.MinVersion = "0.9" }, "min_version"},
		{"greylist without redis", func(c *Config) {
			c.AntiSpam.Enable = true
			c.AntiSpam.Greylist.Enable = true
			c.Redis.Address = ""
		}, "redis"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mangle(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.errSub) {
				t.Errorf("error %q does not mention %q", err, tc.errSub)
			}
		})
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config rejected: %v", err)
	}
}

func TestNewAndServe(t *testing.T) {
	cfg := Default()
	cfg.Hostname = "mx.test.invalid"
	cfg.StateDir = t.TempDir()
	cfg.Store.Type = "memory"
	cfg.Listeners = []ListenerConfig{{Address: "127.0.0.1:0", Mode: ModeSMTP}}
	cfg.Relay.Enable = true
	cfg.Relay.LocalDomains = []string{"test.invalid"}

	s, err := New(cfg, testutils.Logger(t, "kestrel"))
	if err != nil {
		t.Fatal(err)
	}
	if s.queue == nil {
		t.Fatal("relay queue not assembled")
	}

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	// Wait for the listener to come up, then check the greeting.
	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addrs := s.Addrs(); len(addrs) != 0 {
			addr = addrs[0].String()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("listener did not start")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	greeting, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(greeting, "220 mx.test.invalid") {
		t.Errorf("greeting = %q", greeting)
	}
	conn.Write([]byte("QUIT\r\n"))
	conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("run: %v", err)
	}
}
