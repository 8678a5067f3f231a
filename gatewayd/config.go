package gatewayd

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// Bool is a config boolean. The gateway config traditionally spells
// these "yes" and "no", so the TOML values are strings.
type Bool bool

func (b *Bool) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "yes", "true", "on", "1":
		*b = true
	case "no", "false", "off", "0":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %q (want yes or no)", text)
	}
	return nil
}

// Size is a byte count with an optional k, m, or g suffix.
type Size int64

func (s *Size) UnmarshalText(text []byte) error {
	str := strings.TrimSpace(string(text))
	if str == "" {
		*s = 0
		return nil
	}
	mult := int64(1)
	switch str[len(str)-1] {
	case 'k', 'K':
		mult = 1 << 10
		str = str[:len(str)-1]
	case 'm', 'M':
		mult = 1 << 20
		str = str[:len(str)-1]
	case 'g', 'G':
		mult = 1 << 30
		str = str[:len(str)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
	if err != nil || n < 0 {
		return fmt.Errorf("invalid size %q", text)
	}
	*s = Size(n * mult)
	return nil
}

// Config is the gateway configuration file.
type Config struct {
	POP3Listen  []string `toml:"pop3_listen"`
	POP3SListen []string `toml:"pop3s_listen"`
	IMAPListen  []string `toml:"imap_listen"`
	IMAPSListen []string `toml:"imaps_listen"`

	ProcessModel string `toml:"process_model"`
	RunAsUser    string `toml:"run_as_user"`
	RunAsGroup   string `toml:"run_as_group"`
	PIDFile      string `toml:"pid_file"`

	OnlyMailFolders   Bool `toml:"imap_only_mailfolders"`
	PublicFolders     Bool `toml:"imap_public_folders"`
	CapabilityIdle    Bool `toml:"imap_capability_idle"`
	MaxFailCommands   int  `toml:"imap_max_fail_commands"`
	MaxMessageSize    Size `toml:"imap_max_messagesize"`
	ExpungeOnDelete   Bool `toml:"imap_expunge_on_delete"`
	IgnoreCommandIdle Bool `toml:"imap_ignore_command_idle"`

	DisablePlaintextAuth Bool `toml:"disable_plaintext_auth"`

	ServerSocket     string `toml:"server_socket"`
	Hostname         string `toml:"server_hostname"`
	HostnameGreeting Bool   `toml:"server_hostname_greeting"`

	SSLPrivateKeyFile      string `toml:"ssl_private_key_file"`
	SSLCertificateFile     string `toml:"ssl_certificate_file"`
	SSLVerifyClient        Bool   `toml:"ssl_verify_client"`
	SSLVerifyFile          string `toml:"ssl_verify_file"`
	SSLVerifyPath          string `toml:"ssl_verify_path"`
	SSLProtocols           string `toml:"ssl_protocols"`
	SSLCiphers             string `toml:"ssl_ciphers"`
	SSLPreferServerCiphers Bool   `toml:"ssl_prefer_server_ciphers"`
	SSLCurves              string `toml:"ssl_curves"`

	LogMethod     string `toml:"log_method"`
	LogFile       string `toml:"log_file"`
	LogLevel      int    `toml:"log_level"`
	LogTimestamp  Bool   `toml:"log_timestamp"`
	LogBufferSize int    `toml:"log_buffer_size"`

	TmpPath          string `toml:"tmp_path"`
	BypassAuth       Bool   `toml:"bypass_auth"`
	HTMLSafetyFilter Bool   `toml:"html_safety_filter"`
}

// DefaultConfig returns the configuration used when a key is absent
// from the config file.
func DefaultConfig() Config {
	return Config{
		IMAPListen:           []string{":143"},
		ProcessModel:         "thread",
		OnlyMailFolders:      true,
		PublicFolders:        true,
		CapabilityIdle:       true,
		MaxFailCommands:      10,
		MaxMessageSize:       128 << 20,
		DisablePlaintextAuth: true,
		LogMethod:            "auto",
		LogLevel:             3,
		LogTimestamp:         true,
	}
}

// LoadConfig reads a TOML config file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("gatewayd: %v", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("gatewayd: config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("gatewayd: config %s: %v", path, err)
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	switch cfg.ProcessModel {
	case "", "thread":
	case "fork":
		// Accepted for compatibility, served with the thread model.
	default:
		return fmt.Errorf("invalid process_model %q", cfg.ProcessModel)
	}
	if cfg.MaxFailCommands < 0 {
		return fmt.Errorf("invalid imap_max_fail_commands %d", cfg.MaxFailCommands)
	}
	if cfg.LogLevel < 0 || cfg.LogLevel > 6 {
		return fmt.Errorf("invalid log_level %d", cfg.LogLevel)
	}
	if len(cfg.POP3SListen) > 0 || len(cfg.IMAPSListen) > 0 {
		if cfg.SSLCertificateFile == "" || cfg.SSLPrivateKeyFile == "" {
			return fmt.Errorf("imaps/pop3s listeners require ssl_certificate_file and ssl_private_key_file")
		}
	}
	if _, _, err := cfg.sslVersions(); err != nil {
		return err
	}
	if _, err := cfg.sslCipherSuites(); err != nil {
		return err
	}
	if _, err := cfg.sslCurves(); err != nil {
		return err
	}
	return nil
}

// sslVersions interprets the ssl_protocols whitelist.
func (cfg *Config) sslVersions() (min, max uint16, err error) {
	if cfg.SSLProtocols == "" {
		return 0, 0, nil // crypto/tls defaults
	}
	versions := map[string]uint16{
		"tls1.0": tls.VersionTLS10,
		"tls1.1": tls.VersionTLS11,
		"tls1.2": tls.VersionTLS12,
		"tls1.3": tls.VersionTLS13,
	}
	for _, tok := range strings.Fields(cfg.SSLProtocols) {
		v, ok := versions[strings.ToLower(tok)]
		if !ok {
			if strings.EqualFold(tok, "ssl3") {
				return 0, 0, fmt.Errorf("ssl_protocols: ssl3 is no longer supported")
			}
			return 0, 0, fmt.Errorf("ssl_protocols: unknown protocol %q", tok)
		}
		if min == 0 || v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max, nil
}

func (cfg *Config) sslCipherSuites() ([]uint16, error) {
	if cfg.SSLCiphers == "" {
		return nil, nil
	}
	byName := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		byName[cs.Name] = cs.ID
	}
	var ids []uint16
	for _, name := range strings.FieldsFunc(cfg.SSLCiphers, func(r rune) bool {
		return r == ':' || r == ',' || r == ' '
	}) {
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("ssl_ciphers: unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (cfg *Config) sslCurves() ([]tls.CurveID, error) {
	if cfg.SSLCurves == "" {
		return nil, nil
	}
	curves := map[string]tls.CurveID{
		"x25519": tls.X25519,
		"p-256":  tls.CurveP256,
		"p-384":  tls.CurveP384,
		"p-521":  tls.CurveP521,
	}
	var ids []tls.CurveID
	for _, name := range strings.FieldsFunc(cfg.SSLCurves, func(r rune) bool {
		return r == ':' || r == ',' || r == ' '
	}) {
		id, ok := curves[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("ssl_curves: unknown curve %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// TLSServerConfig builds a TLS context from the ssl_* keys.
// It returns nil when no certificate is configured.
func (cfg *Config) TLSServerConfig() (*tls.Config, error) {
	if cfg.SSLCertificateFile == "" && cfg.SSLPrivateKeyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.SSLCertificateFile, cfg.SSLPrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("gatewayd: loading TLS keypair: %v", err)
	}
	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}
	tc.MinVersion, tc.MaxVersion, err = cfg.sslVersions()
	if err != nil {
		return nil, err
	}
	if tc.CipherSuites, err = cfg.sslCipherSuites(); err != nil {
		return nil, err
	}
	if tc.CurvePreferences, err = cfg.sslCurves(); err != nil {
		return nil, err
	}
	tc.PreferServerCipherSuites = bool(cfg.SSLPreferServerCiphers)

	if cfg.SSLVerifyClient {
		pool := x509.NewCertPool()
		if cfg.SSLVerifyFile != "" {
			pem, err := os.ReadFile(cfg.SSLVerifyFile)
			if err != nil {
				return nil, fmt.Errorf("gatewayd: ssl_verify_file: %v", err)
			}
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("gatewayd: ssl_verify_file: no certificates in %s", cfg.SSLVerifyFile)
			}
		}
		if cfg.SSLVerifyPath != "" {
			entries, err := os.ReadDir(cfg.SSLVerifyPath)
			if err != nil {
				return nil, fmt.Errorf("gatewayd: ssl_verify_path: %v", err)
			}
			for _, e := range entries {
				if e.IsDir() {
					continue
				}
				pem, err := os.ReadFile(filepath.Join(cfg.SSLVerifyPath, e.Name()))
				if err != nil {
					return nil, fmt.Errorf("gatewayd: ssl_verify_path: %v", err)
				}
				pool.AppendCertsFromPEM(pem)
			}
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}
