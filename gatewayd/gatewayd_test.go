package gatewayd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDebugDirTranscripts(t *testing.T) {
	dir := t.TempDir()
	s := &Server{Logf: t.Logf, DebugDir: dir}

	srv := s.newIMAPServer("imap", false)
	if srv.Debug == nil {
		t.Fatal("DebugDir set but server has no transcript hook")
	}
	wc := srv.Debug("abc123")
	if wc == nil {
		t.Fatal("transcript hook returned no writer")
	}
	if _, err := wc.Write([]byte("C: a1 NOOP\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := wc.Close(); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(filepath.Join(dir, "imap-abc123.log"))
	if err != nil {
		t.Fatal(err)
	}
	if want := "a1 NOOP"; !strings.Contains(string(b), want) {
		t.Errorf("transcript %q missing %q", b, want)
	}

	s2 := &Server{Logf: t.Logf}
	if srv2 := s2.newIMAPServer("imap", false); srv2.Debug != nil {
		t.Error("transcript hook set without DebugDir")
	}
}
