// Command kopano-gatewayd serves IMAP and POP3 in front of a message
// store.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crawshaw.io/iox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kopano.io/gateway/gatewayd"
	"kopano.io/gateway/store"
	"kopano.io/gateway/store/memstore"
	"kopano.io/gateway/store/sqlstore"
	"kopano.io/gateway/util/devcert"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	log.SetFlags(0)

	flagConfig := flag.String("config", "/etc/kopano/gateway.cfg", "configuration file")
	flagDebugAddr := flag.String("debug_addr", "", "address for debug HTTP (pprof, metrics)")
	flagDebugDir := flag.String("debug_dir", "", "write per-session IMAP transcripts to this directory")
	flagDevTLS := flag.Bool("dev_tls", false, "serve TLS with a locally-generated mkcert certificate")
	flag.Parse()

	cfg, err := gatewayd.LoadConfig(*flagConfig)
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}
	if cfg.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Printf("cannot read hostname: %v, using localhost", err)
			hostname = "localhost"
		}
		cfg.Hostname = hostname
	}

	filer := iox.NewFiler(0)
	tmpPath := cfg.TmpPath
	if tmpPath == "" {
		tmpPath, err = os.MkdirTemp("", "kopano-gatewayd-")
		if err != nil {
			log.Print(err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmpPath)
	}
	filer.SetTempdir(tmpPath)

	log.Printf("kopano-gatewayd (version %s)", version)
	log.Printf("temp dir %s", tmpPath)

	accessor, closeStore, err := openStore(filer, cfg.ServerSocket)
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	s, err := gatewayd.New(cfg, accessor, filer)
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}
	s.Logf = log.Printf
	s.Version = version
	s.Metrics = gatewayd.NewMetrics(reg)

	if *flagDebugDir != "" {
		if err := os.MkdirAll(*flagDebugDir, 0700); err != nil {
			log.Print(err)
			os.Exit(1)
		}
		log.Printf("session transcripts in %s", *flagDebugDir)
		s.DebugDir = *flagDebugDir
	}

	if *flagDevTLS {
		tc, err := devcert.Config()
		if err != nil {
			log.Print(err)
			os.Exit(1)
		}
		s.UseTLSConfig(tc)
	}

	if *flagDebugAddr != "" {
		debugMux := http.NewServeMux()
		debugMux.HandleFunc("/debug/pprof/", pprof.Index)
		debugMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		debugMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		debugMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		debugMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		debugMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		go func() {
			log.Printf("debug HTTP starting on %s", *flagDebugAddr)
			if err := http.ListenAndServe(*flagDebugAddr, debugMux); err != nil {
				log.Printf("debug HTTP: %v", err)
			}
		}()
	}

	signal.Ignore(syscall.SIGPIPE)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				log.Printf("SIGHUP: reloading TLS context")
				if err := s.ReloadTLS(); err != nil {
					log.Printf("TLS reload failed: %v", err)
				}
			default:
				log.Printf("%v: shutting down", sig)
				s.Shutdown()
				return
			}
		}
	}()

	err = s.Serve(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if ferr := filer.Shutdown(ctx); ferr != nil {
		log.Printf("filer shutdown error: %v", ferr)
	}

	if err != nil {
		log.Print(err)
		os.Exit(1)
	}
	log.Printf("kopano-gatewayd: shut down")
}

// openStore interprets the server_socket URL. A file: URL opens the
// SQLite store at that path, mem: serves an empty in-memory store for
// development.
func openStore(filer *iox.Filer, socket string) (store.Accessor, func(), error) {
	if socket == "" || socket == "mem:" {
		log.Printf("no server_socket configured, using an empty in-memory store")
		return memstore.New(), func() {}, nil
	}
	u, err := url.Parse(socket)
	if err != nil {
		return nil, nil, err
	}
	if u.Scheme == "file" {
		path := u.Path
		if u.Opaque != "" {
			path = u.Opaque
		}
		db, err := sqlstore.Open(filer, path)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	}
	if strings.HasPrefix(socket, "http") {
		log.Printf("server_socket %s: HTTP back-ends are not supported by this build", socket)
	}
	return nil, nil, &unsupportedSocketError{socket}
}

type unsupportedSocketError struct{ socket string }

func (e *unsupportedSocketError) Error() string {
	return "unsupported server_socket " + e.socket
}
