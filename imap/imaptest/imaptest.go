// Package imaptest runs an IMAP server over an in-memory store and
// drives it through scripted client dialogs over real TLS
// connections.
package imaptest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"

	"kopano.io/gateway/imap/imapserver"
	"kopano.io/gateway/store/memstore"
	"kopano.io/gateway/util/tlstest"
)

const (
	Username = "alice@example.com"
	Password = "aaaabbbbccccdddd"
)

// Msg1 is a small single-part message.
const Msg1 = "From: Bob Doe <bob@example.com>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: dinner\r\n" +
	"Date: Mon, 2 Jan 2006 15:04:05 -0700\r\n" +
	"Message-ID: <msg1@example.com>\r\n" +
	"Content-Type: text/plain; charset=us-ascii\r\n" +
	"\r\n" +
	"Are you free on Thursday?\r\n"

// Msg2 is a two-part multipart/alternative message.
const Msg2 = "From: Carol <carol@example.com>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: minutes\r\n" +
	"Date: Tue, 3 Jan 2006 10:00:00 -0700\r\n" +
	"Message-ID: <msg2@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=us-ascii\r\n" +
	"\r\n" +
	"Meeting minutes attached.\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=us-ascii\r\n" +
	"\r\n" +
	"<p>Meeting minutes attached.</p>\r\n" +
	"--b1--\r\n"

// Server is one IMAP server over its own memstore, shared by the
// sessions a test opens.
type Server struct {
	Store *memstore.Store

	t        testing.TB
	s        *imapserver.Server
	addr     net.Addr
	sessions []*Session
}

// NewServer starts a TLS IMAP server with one provisioned user and
// two messages in the inbox.
func NewServer(filer *iox.Filer) (*Server, error) {
	ms := memstore.New()
	if err := ms.AddUser(Username, Password); err != nil {
		return nil, err
	}
	if _, err := ms.Deliver(Username, time.Now().Add(-time.Hour), []byte(Msg1)); err != nil {
		return nil, err
	}
	if _, err := ms.Deliver(Username, time.Now(), []byte(Msg2)); err != nil {
		return nil, err
	}

	server := &Server{Store: ms}
	server.s = &imapserver.Server{
		Accessor:       ms,
		Filer:          filer,
		TLSConfig:      tlstest.ServerConfig,
		TLS:            true,
		CapabilityIdle: true,
		Logf: func(format string, v ...interface{}) {
			if server.t == nil {
				panic(fmt.Sprintf("imaptest: logf before Init: "+format, v...))
			}
			server.t.Logf(format, v...)
		},
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server.addr = ln.Addr()
	go func() {
		if err := server.s.Serve(ln); err != nil && err != imapserver.ErrServerClosed {
			if server.t == nil {
				panic(fmt.Sprintf("imaptest: bad server exit: %v", err))
			}
			server.t.Errorf("imaptest: bad server exit: %v", err)
		}
	}()
	return server, nil
}

func (server *Server) Init(t testing.TB) {
	server.t = t
}

func (server *Server) Shutdown() error {
	for _, s := range server.sessions {
		s.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	return server.s.Shutdown(ctx)
}

// Deliver adds a message to the user's inbox outside any session.
func (server *Server) Deliver(t *testing.T, raw string) uint32 {
	uid, err := server.Store.Deliver(Username, time.Now(), []byte(raw))
	if err != nil {
		t.Fatalf("imaptest.Deliver: %v", err)
	}
	return uid
}

func (server *Server) OpenSession(t *testing.T) *Session {
	server.t = t
	s := &Session{t: t, server: server}
	var err error
	s.conn, err = tls.Dial("tcp", server.addr.String(), tlstest.ClientConfig)
	if err != nil {
		t.Fatalf("imaptest.OpenSession: %v", err)
	}
	s.br = bufio.NewReader(io.TeeReader(s.conn, &s.connLog))
	s.bw = bufio.NewWriter(io.MultiWriter(s.conn, &s.connLog))
	server.sessions = append(server.sessions, s)
	return s
}

// OpenInbox logs in and selects INBOX, consuming all responses.
func (server *Server) OpenInbox(t *testing.T) *Session {
	s := server.OpenSession(t)
	s.ReadExpectPrefix("* OK [CAPABILITY ")
	s.Login()
	s.Select("INBOX")
	return s
}

// Session is a scripted client connection.
type Session struct {
	t      *testing.T
	server *Server
	conn   net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	prefix string

	connLog bytes.Buffer
}

func (s *Session) SetName(name string) {
	s.prefix = name + ": "
}

func (s *Session) Close() {
	if s.conn == nil {
		return
	}
	if s.t != nil && s.t.Failed() {
		s.t.Logf("%sconnection log: %s", s.prefix, s.connLog.String())
	}
	s.conn.Close()
	s.conn = nil
}

func (s *Session) Write(format string, v ...interface{}) {
	s.conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := fmt.Fprintf(s.bw, format, v...); err != nil {
		s.t.Errorf("%swrite %q failed: %v", s.prefix, format, err)
	}
	if err := s.bw.Flush(); err != nil {
		s.t.Errorf("%sflush %q failed: %v", s.prefix, format, err)
	}
}

func (s *Session) Read() string {
	if s.t.Failed() {
		s.conn.SetReadDeadline(time.Now())
	} else {
		s.conn.SetDeadline(time.Now().Add(3 * time.Second))
	}
	line, err := s.br.ReadString('\n')
	if err != nil {
		s.t.Fatalf("%sread line failed: %v", s.prefix, err)
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		s.t.Fatalf("%smissing CRLF on line: %q", s.prefix, line)
	}
	return line[:len(line)-2]
}

// ReadExpect reads one line and matches it against a regexp.
func (s *Session) ReadExpect(expr string) string {
	re, err := regexp.Compile(expr)
	if err != nil {
		s.t.Fatal(err)
	}
	got := s.Read()
	if !re.MatchString(got) {
		s.t.Errorf("%sresponse %q does not match %s", s.prefix, got, expr)
	}
	return got
}

func (s *Session) ReadExpectPrefix(prefix string) string {
	got := s.Read()
	if !strings.HasPrefix(got, prefix) {
		s.t.Errorf("%sresponse %q does not have prefix %q", s.prefix, got, prefix)
	}
	return got
}

// ReadUntilTagged reads lines until the tagged response for tag
// arrives, returning the untagged lines.
func (s *Session) ReadUntilTagged(tag string) (untagged []string, tagged string) {
	for {
		line := s.Read()
		if strings.HasPrefix(line, tag+" ") {
			return untagged, line
		}
		untagged = append(untagged, line)
	}
}

func (s *Session) Login() {
	s.Write("t01 LOGIN %s %s\r\n", Username, Password)
	if got := s.Read(); !strings.HasPrefix(got, "t01 OK") {
		s.t.Fatalf("%sLOGIN response: %q", s.prefix, got)
	}
}

func (s *Session) Select(name string) {
	s.Write("t02 SELECT %s\r\n", name)
	if _, tagged := s.ReadUntilTagged("t02"); !strings.HasPrefix(tagged, "t02 OK") {
		s.t.Fatalf("%sSELECT %s response: %q", s.prefix, name, tagged)
	}
}

// Idle opens a session, selects the mailbox, and enters IDLE.
func (server *Server) Idle(t *testing.T, mailbox string) *Session {
	s := server.OpenSession(t)
	s.ReadExpectPrefix("* OK ")
	s.Login()
	s.Select(mailbox)
	s.SetName("IDLE " + mailbox)
	s.Write("t03 IDLE\r\n")
	s.ReadExpectPrefix("+ waiting for notifications")
	return s
}
