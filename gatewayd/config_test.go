package gatewayd

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBoolUnmarshal(t *testing.T) {
	tests := []struct {
		text    string
		want    Bool
		wantErr bool
	}{
		{"yes", true, false},
		{"no", false, false},
		{"Yes", true, false},
		{"true", true, false},
		{"false", false, false},
		{"on", true, false},
		{"off", false, false},
		{"1", true, false},
		{"0", false, false},
		{"maybe", false, true},
		{"", false, true},
	}
	for _, test := range tests {
		var b Bool
		err := b.UnmarshalText([]byte(test.text))
		if (err != nil) != test.wantErr {
			t.Errorf("Bool %q: err = %v", test.text, err)
			continue
		}
		if err == nil && b != test.want {
			t.Errorf("Bool %q = %v, want %v", test.text, b, test.want)
		}
	}
}

func TestSizeUnmarshal(t *testing.T) {
	tests := []struct {
		text    string
		want    Size
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"100", 100, false},
		{"4k", 4 << 10, false},
		{"4K", 4 << 10, false},
		{"128m", 128 << 20, false},
		{"1g", 1 << 30, false},
		{" 10 m ", 10 << 20, false},
		{"-1", 0, true},
		{"lots", 0, true},
		{"k", 0, true},
	}
	for _, test := range tests {
		var s Size
		err := s.UnmarshalText([]byte(test.text))
		if (err != nil) != test.wantErr {
			t.Errorf("Size %q: err = %v", test.text, err)
			continue
		}
		if err == nil && s != test.want {
			t.Errorf("Size %q = %d, want %d", test.text, s, test.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	const content = `
imap_listen = [":1143", "127.0.0.1:1144"]
pop3_listen = [":1110"]

imap_capability_idle = "no"
imap_max_fail_commands = 5
imap_max_messagesize = "10m"

disable_plaintext_auth = "no"

server_socket = "file:/var/lib/kopano/gateway.db"
server_hostname = "mail.example.com"
server_hostname_greeting = "yes"
`
	path := filepath.Join(t.TempDir(), "gateway.cfg")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.IMAPListen) != 2 || cfg.IMAPListen[0] != ":1143" {
		t.Errorf("IMAPListen = %v", cfg.IMAPListen)
	}
	if len(cfg.POP3Listen) != 1 || cfg.POP3Listen[0] != ":1110" {
		t.Errorf("POP3Listen = %v", cfg.POP3Listen)
	}
	if cfg.CapabilityIdle {
		t.Errorf("CapabilityIdle not overridden to no")
	}
	if cfg.MaxFailCommands != 5 {
		t.Errorf("MaxFailCommands = %d", cfg.MaxFailCommands)
	}
	if cfg.MaxMessageSize != 10<<20 {
		t.Errorf("MaxMessageSize = %d", cfg.MaxMessageSize)
	}
	if cfg.DisablePlaintextAuth {
		t.Errorf("DisablePlaintextAuth not overridden to no")
	}
	if cfg.ServerSocket != "file:/var/lib/kopano/gateway.db" {
		t.Errorf("ServerSocket = %q", cfg.ServerSocket)
	}
	if cfg.Hostname != "mail.example.com" || !cfg.HostnameGreeting {
		t.Errorf("hostname = %q greeting=%v", cfg.Hostname, cfg.HostnameGreeting)
	}

	// Unset keys keep their defaults.
	if !cfg.OnlyMailFolders || !cfg.PublicFolders {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.LogLevel != 3 {
		t.Errorf("LogLevel = %d, want default 3", cfg.LogLevel)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nosuch.cfg")); err == nil {
		t.Errorf("LoadConfig of a missing file succeeded")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{"defaults", func(cfg *Config) {}, ""},
		{"fork accepted", func(cfg *Config) { cfg.ProcessModel = "fork" }, ""},
		{"bad process model", func(cfg *Config) { cfg.ProcessModel = "coroutine" }, "process_model"},
		{"negative fail commands", func(cfg *Config) { cfg.MaxFailCommands = -1 }, "imap_max_fail_commands"},
		{"log level out of range", func(cfg *Config) { cfg.LogLevel = 7 }, "log_level"},
		{"imaps without cert", func(cfg *Config) { cfg.IMAPSListen = []string{":993"} }, "ssl_certificate_file"},
		{"pop3s without cert", func(cfg *Config) { cfg.POP3SListen = []string{":995"} }, "ssl_certificate_file"},
		{"ssl3 rejected", func(cfg *Config) { cfg.SSLProtocols = "ssl3 tls1.2" }, "ssl3"},
		{"unknown protocol", func(cfg *Config) { cfg.SSLProtocols = "tls2.0" }, "unknown protocol"},
		{"unknown cipher", func(cfg *Config) { cfg.SSLCiphers = "TLS_MAGIC" }, "unknown cipher"},
		{"unknown curve", func(cfg *Config) { cfg.SSLCurves = "p-123" }, "unknown curve"},
	}
	for _, test := range tests {
		cfg := DefaultConfig()
		test.mutate(&cfg)
		err := cfg.Validate()
		if test.wantErr == "" {
			if err != nil {
				t.Errorf("%s: Validate() = %v", test.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), test.wantErr) {
			t.Errorf("%s: Validate() = %v, want error containing %q", test.name, err, test.wantErr)
		}
	}
}

func TestSSLVersions(t *testing.T) {
	cfg := DefaultConfig()

	min, max, err := cfg.sslVersions()
	if err != nil || min != 0 || max != 0 {
		t.Errorf("empty ssl_protocols = %d/%d, %v", min, max, err)
	}

	cfg.SSLProtocols = "tls1.2 tls1.3"
	min, max, err = cfg.sslVersions()
	if err != nil {
		t.Fatal(err)
	}
	if min != tls.VersionTLS12 || max != tls.VersionTLS13 {
		t.Errorf("ssl_protocols %q = %x/%x", cfg.SSLProtocols, min, max)
	}

	cfg.SSLProtocols = "TLS1.1"
	min, max, err = cfg.sslVersions()
	if err != nil {
		t.Fatal(err)
	}
	if min != tls.VersionTLS11 || max != tls.VersionTLS11 {
		t.Errorf("single protocol = %x/%x", min, max)
	}
}

func TestSSLCipherSuites(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SSLCiphers = "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256:TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384"
	ids, err := cfg.sslCipherSuites()
	if err != nil {
		t.Fatal(err)
	}
	want := []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	}
	if len(ids) != len(want) || ids[0] != want[0] || ids[1] != want[1] {
		t.Errorf("sslCipherSuites = %x, want %x", ids, want)
	}
}

func TestSSLCurves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SSLCurves = "x25519, P-256"
	ids, err := cfg.sslCurves()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != tls.X25519 || ids[1] != tls.CurveP256 {
		t.Errorf("sslCurves = %v", ids)
	}
}

func TestTLSServerConfigNil(t *testing.T) {
	cfg := DefaultConfig()
	tc, err := cfg.TLSServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if tc != nil {
		t.Errorf("TLSServerConfig without certificate files = %+v", tc)
	}
}
