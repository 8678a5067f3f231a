// Package gatewayd supervises the gateway daemon: it loads the
// configuration, binds the IMAP, IMAPS, POP3, and POP3S listeners,
// owns the shared TLS context, and drains sessions on shutdown.
package gatewayd

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"crawshaw.io/iox"
	"golang.org/x/sync/errgroup"

	"kopano.io/gateway/imap/imapserver"
	"kopano.io/gateway/pop3/pop3server"
	"kopano.io/gateway/store"
)

// DrainTimeout bounds how long Serve waits for sessions to finish
// after a shutdown request before cutting connections.
const DrainTimeout = 10 * time.Second

type Server struct {
	Config   Config
	Accessor store.Accessor
	Filer    *iox.Filer
	Logf     func(format string, v ...interface{})
	Version  string
	Metrics  *Metrics

	// DebugDir, when set, collects a transcript of every IMAP session
	// in one file per session. Passwords ride along in the clear, so
	// this is for chasing client bugs, not for production.
	DebugDir string

	tlsMu      sync.Mutex
	tlsCurrent *tls.Config

	// tlsConfig is handed to the protocol servers. Its
	// GetConfigForClient indirection lets SIGHUP swap certificates
	// under running listeners.
	tlsConfig *tls.Config

	shutdownFnsMu sync.Mutex
	shutdownFns   []func(context.Context) error

	listenersMu sync.Mutex
	listeners   []net.Listener

	shutdownReq chan struct{}
}

func New(cfg Config, accessor store.Accessor, filer *iox.Filer) (*Server, error) {
	s := &Server{
		Config:      cfg,
		Accessor:    accessor,
		Filer:       filer,
		Logf:        log.Printf,
		shutdownReq: make(chan struct{}),
	}

	tc, err := cfg.TLSServerConfig()
	if err != nil {
		return nil, err
	}
	if tc != nil {
		s.tlsCurrent = tc
		s.tlsConfig = &tls.Config{
			GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
				s.tlsMu.Lock()
				defer s.tlsMu.Unlock()
				return s.tlsCurrent, nil
			},
		}
	} else if len(cfg.IMAPSListen) > 0 || len(cfg.POP3SListen) > 0 {
		return nil, fmt.Errorf("gatewayd: imaps/pop3s listeners configured without TLS certificate")
	}

	return s, nil
}

// UseTLSConfig installs a TLS context built outside the configuration
// file, for development certificates. Must be called before Serve.
func (s *Server) UseTLSConfig(tc *tls.Config) {
	s.tlsMu.Lock()
	s.tlsCurrent = tc
	s.tlsMu.Unlock()
	if s.tlsConfig == nil {
		s.tlsConfig = &tls.Config{
			GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
				s.tlsMu.Lock()
				defer s.tlsMu.Unlock()
				return s.tlsCurrent, nil
			},
		}
	}
}

// ReloadTLS rebuilds the TLS context from the certificate files.
// Running listeners pick up the new context on the next handshake.
func (s *Server) ReloadTLS() error {
	tc, err := s.Config.TLSServerConfig()
	if err != nil {
		return err
	}
	if tc == nil || s.tlsConfig == nil {
		return nil
	}
	s.tlsMu.Lock()
	s.tlsCurrent = tc
	s.tlsMu.Unlock()
	s.Logf("gatewayd: TLS context reloaded")
	return nil
}

// Shutdown asks Serve to stop accepting and drain sessions.
func (s *Server) Shutdown() {
	close(s.shutdownReq)
}

func (s *Server) addShutdownFn(fn func(context.Context) error) {
	s.shutdownFnsMu.Lock()
	s.shutdownFns = append(s.shutdownFns, fn)
	s.shutdownFnsMu.Unlock()
}

func (s *Server) logStartupWarnings() {
	cfg := &s.Config
	if cfg.ProcessModel == "fork" {
		s.Logf("gatewayd: process_model fork requested, serving with the thread model")
	}
	if cfg.RunAsUser != "" || cfg.RunAsGroup != "" {
		s.Logf("gatewayd: run_as_user/run_as_group are ignored, use the service manager to drop privileges")
	}
	if cfg.HTMLSafetyFilter {
		s.Logf("gatewayd: html_safety_filter is not supported, bodies are passed through unfiltered")
	}
	if cfg.BypassAuth {
		s.Logf("gatewayd: WARNING bypass_auth is enabled, passwords are not checked")
		if ba, ok := s.Accessor.(interface{ SetBypassAuth(on bool) }); ok {
			ba.SetBypassAuth(true)
		} else {
			s.Logf("gatewayd: bypass_auth has no effect on this back-end")
		}
	}
}

func (s *Server) listen(addrs []string, protocol string) ([]net.Listener, error) {
	var lns []net.Listener
	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("gatewayd: %s listener %s: %v", protocol, addr, err)
		}
		s.Logf("gatewayd: %s listening on %s", protocol, ln.Addr())
		lns = append(lns, &countingListener{Listener: ln, metrics: s.Metrics, protocol: protocol})

		s.listenersMu.Lock()
		s.listeners = append(s.listeners, ln)
		s.listenersMu.Unlock()
	}
	return lns, nil
}

func (s *Server) newIMAPServer(protocol string, wrapTLS bool) *imapserver.Server {
	cfg := &s.Config
	hostname := ""
	if cfg.HostnameGreeting {
		hostname = cfg.Hostname
	}
	srv := &imapserver.Server{
		Accessor:             s.Accessor,
		Filer:                s.Filer,
		Logf:                 s.Logf,
		Hostname:             hostname,
		Version:              s.Version,
		TLSConfig:            s.tlsConfig,
		TLS:                  wrapTLS,
		DisablePlaintextAuth: bool(cfg.DisablePlaintextAuth),
		OnlyMailFolders:      bool(cfg.OnlyMailFolders),
		PublicFolders:        bool(cfg.PublicFolders),
		CapabilityIdle:       bool(cfg.CapabilityIdle),
		IgnoreCommandIdle:    bool(cfg.IgnoreCommandIdle),
		ExpungeOnDelete:      bool(cfg.ExpungeOnDelete),
		MaxFailCommands:      cfg.MaxFailCommands,
		MaxMessageSize:       int64(cfg.MaxMessageSize),
	}
	if m := s.Metrics; m != nil {
		srv.OnCommand = m.onCommand(protocol)
		srv.OnAuth = m.onAuth(protocol)
	}
	if dir := s.DebugDir; dir != "" {
		srv.Debug = func(sessionID string) io.WriteCloser {
			f, err := os.Create(filepath.Join(dir, protocol+"-"+sessionID+".log"))
			if err != nil {
				s.Logf("gatewayd: session transcript: %v", err)
				return nil
			}
			return f
		}
	}
	return srv
}

func (s *Server) newPOP3Server(protocol string, wrapTLS bool) *pop3server.Server {
	cfg := &s.Config
	hostname := ""
	if cfg.HostnameGreeting {
		hostname = cfg.Hostname
	}
	srv := &pop3server.Server{
		Accessor:             s.Accessor,
		Logf:                 s.Logf,
		Hostname:             hostname,
		TLSConfig:            s.tlsConfig,
		TLS:                  wrapTLS,
		DisablePlaintextAuth: bool(cfg.DisablePlaintextAuth),
	}
	if m := s.Metrics; m != nil {
		srv.OnCommand = m.onCommand(protocol)
		srv.OnAuth = m.onAuth(protocol)
	}
	return srv
}

// Serve binds every configured listener and blocks until Shutdown is
// called or a listener fails.
func (s *Server) Serve(ctx context.Context) error {
	s.logStartupWarnings()
	if s.Config.ServerSocket != "" {
		s.Logf("gatewayd: back-end store at %s", s.Config.ServerSocket)
	}

	if s.Config.PIDFile != "" {
		pid := strconv.Itoa(os.Getpid())
		if err := os.WriteFile(s.Config.PIDFile, []byte(pid+"\n"), 0644); err != nil {
			return fmt.Errorf("gatewayd: pid_file: %v", err)
		}
		defer os.Remove(s.Config.PIDFile)
	}

	type category struct {
		protocol string
		addrs    []string
		wrapTLS  bool
	}
	categories := []category{
		{"imap", s.Config.IMAPListen, false},
		{"imaps", s.Config.IMAPSListen, true},
		{"pop3", s.Config.POP3Listen, false},
		{"pop3s", s.Config.POP3SListen, true},
	}

	group, gctx := errgroup.WithContext(ctx)

	for _, cat := range categories {
		lns, err := s.listen(cat.addrs, cat.protocol)
		if err != nil {
			s.closeListeners()
			return err
		}
		for _, ln := range lns {
			ln := ln
			switch cat.protocol {
			case "imap", "imaps":
				srv := s.newIMAPServer(cat.protocol, cat.wrapTLS)
				s.addShutdownFn(srv.Shutdown)
				group.Go(func() error {
					if err := srv.Serve(ln); err != nil && err != imapserver.ErrServerClosed {
						return err
					}
					return nil
				})
			case "pop3", "pop3s":
				srv := s.newPOP3Server(cat.protocol, cat.wrapTLS)
				s.addShutdownFn(srv.Shutdown)
				group.Go(func() error {
					if err := srv.Serve(ln); err != nil && err != pop3server.ErrServerClosed {
						return err
					}
					return nil
				})
			}
		}
	}

	group.Go(func() error {
		select {
		case <-s.shutdownReq:
		case <-gctx.Done():
		}
		drainCtx, cancel := context.WithTimeout(context.Background(), DrainTimeout)
		defer cancel()

		s.shutdownFnsMu.Lock()
		fns := s.shutdownFns
		s.shutdownFns = nil
		s.shutdownFnsMu.Unlock()

		var wg sync.WaitGroup
		for _, fn := range fns {
			fn := fn
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := fn(drainCtx); err != nil {
					s.Logf("gatewayd: shutdown: %v", err)
				}
			}()
		}
		wg.Wait()
		s.closeListeners()
		return nil
	})

	err := group.Wait()
	s.Logf("gatewayd: shutdown complete")
	return err
}

func (s *Server) closeListeners() {
	s.listenersMu.Lock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
	s.listenersMu.Unlock()
}
