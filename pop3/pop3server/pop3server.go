// Package pop3server implements the POP3 (RFC 1939) side of the
// gateway. A session serves exactly the inbox of the authenticated
// user; the message list is fixed at login and deletes are applied
// in one batch at QUIT, as the UPDATE state requires.
//
// STLS (RFC 2595) and AUTH PLAIN (RFC 5034) are supported next to
// USER/PASS, plus the TOP, UIDL, RESP-CODES, and AUTH-RESP-CODE
// capabilities of RFC 2449.
package pop3server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"kopano.io/gateway/store"
	"kopano.io/gateway/util/throttle"
)

var ErrServerClosed = errors.New("pop3server: Server closed")

type Server struct {
	Accessor store.Accessor
	Logf     func(format string, v ...interface{})
	Rand     io.Reader
	Hostname string

	// TLSConfig enables TLS. With TLS set, connections are wrapped
	// immediately on accept (pop3s); otherwise the config serves
	// STLS upgrades.
	TLSConfig *tls.Config
	TLS       bool

	MaxConns             int
	DisablePlaintextAuth bool
	LoginRetries         int

	UnauthTimeout time.Duration
	AuthTimeout   time.Duration

	// Metrics hooks, may be nil.
	OnCommand func(name string)
	OnAuth    func(ok bool)

	ln net.Listener

	// loginThrottle slows down clients hammering the login commands,
	// keyed by remote IP.
	loginThrottle throttle.Throttle

	shutdown         chan struct{}
	shutdownCtx      context.Context
	shutdownComplete chan struct{}

	connsMu   sync.Mutex
	connsCond *sync.Cond
	conns     map[*session]struct{}
}

func (server *Server) Shutdown(ctx context.Context) error {
	server.shutdownCtx = ctx
	close(server.shutdown)
	server.ln.Close()

	<-server.shutdownComplete

	return nil
}

func (server *Server) Serve(ln net.Listener) error {
	if server.Rand == nil {
		server.Rand = rand.Reader
	}
	if server.MaxConns == 0 {
		server.MaxConns = 1 << 14
	}
	if server.LoginRetries == 0 {
		server.LoginRetries = 5
	}
	if server.UnauthTimeout == 0 {
		server.UnauthTimeout = 1 * time.Minute
	}
	if server.AuthTimeout == 0 {
		server.AuthTimeout = 5 * time.Minute
	}

	server.connsMu.Lock()
	server.connsCond = sync.NewCond(&server.connsMu)
	server.conns = make(map[*session]struct{})
	server.connsMu.Unlock()

	server.shutdown = make(chan struct{})
	server.shutdownComplete = make(chan struct{})
	server.ln = ln
	defer func() {
		ln.Close()
		close(server.shutdownComplete)
	}()

	var tempDelay time.Duration // sleep on accept failure

acceptLoop:
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-server.shutdown:
				break acceptLoop
			default:
			}
			if ne, _ := err.(net.Error); ne != nil && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				}
				tempDelay *= 2
				if tempDelay > 1*time.Second {
					tempDelay = 1 * time.Second
				}
				server.Logf("accept: %v", err)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go server.serveSession(c)
	}

	for {
		select {
		case <-server.shutdownCtx.Done():
			server.connsMu.Lock()
			for s := range server.conns {
				s.c.Close()
			}
			server.connsMu.Unlock()

			return ErrServerClosed
		default:
			server.connsMu.Lock()
			numSessions := len(server.conns)
			server.connsMu.Unlock()

			if numSessions == 0 {
				return ErrServerClosed
			}

			select {
			case <-server.shutdownCtx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (server *Server) genSessionID() (string, error) {
	idb := make([]byte, 10)
	if _, err := io.ReadFull(server.Rand, idb); err != nil {
		return "", err
	}
	return base32.StdEncoding.EncodeToString(idb), nil
}

func (server *Server) serveSession(netConn net.Conn) {
	sessionID, err := server.genSessionID()
	if err != nil {
		server.Logf("generating session ID failed: %v", err)
		netConn.Close()
		return
	}

	s := &session{
		id: sessionID,
		logf: func(format string, v ...interface{}) {
			server.Logf("session("+sessionID+"): "+format, v...)
		},
		server: server,
		c:      netConn,
		remote: netConn.RemoteAddr().String(),
	}
	if server.TLS {
		s.c = tls.Server(netConn, server.TLSConfig)
		s.tls = true
	}
	s.br = bufio.NewReader(s.c)
	s.bw = bufio.NewWriter(s.c)

	server.connsMu.Lock()
	for len(server.conns) > server.MaxConns {
		server.connsCond.Wait()
	}
	server.conns[s] = struct{}{}
	server.connsMu.Unlock()

	s.serve()
}

// pop3Msg is one entry of the session's frozen message list.
type pop3Msg struct {
	entryID []byte
	size    int64
	uid     string // hex entry-id
	deleted bool
}

type session struct {
	id     string
	logf   func(format string, v ...interface{})
	server *Server
	c      net.Conn
	br     *bufio.Reader
	bw     *bufio.Writer
	remote string
	tls    bool

	username   string // from USER, awaiting PASS
	sess       store.Session
	folder     store.Folder
	msgs       []pop3Msg
	loginFails int
	quit       bool
}

func (s *session) serve() {
	defer func() {
		if s.folder != nil {
			s.folder.Close()
			s.folder = nil
		}
		if s.sess != nil {
			s.sess.Close()
			s.sess = nil
		}
		s.c.Close()

		s.server.connsMu.Lock()
		delete(s.server.conns, s)
		s.server.connsCond.Signal()
		s.server.connsMu.Unlock()

		if r := recover(); r != nil {
			s.logf("panic: %s", string(debug.Stack()))
			panic(r)
		}
	}()

	if s.server.Hostname != "" {
		fmt.Fprintf(s.bw, "+OK %s POP3 gateway ready\r\n", s.server.Hostname)
	} else {
		fmt.Fprintf(s.bw, "+OK POP3 gateway ready\r\n")
	}
	s.bw.Flush()

	for !s.quit {
		timeout := s.server.UnauthTimeout
		if s.sess != nil {
			timeout = s.server.AuthTimeout
		}
		s.c.SetReadDeadline(time.Now().Add(timeout))

		line, err := s.br.ReadString('\n')
		if err != nil {
			if ne, _ := err.(net.Error); ne != nil && ne.Timeout() {
				fmt.Fprintf(s.bw, "-ERR session timed out\r\n")
				s.bw.Flush()
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")
		verb, arg := line, ""
		if i := strings.IndexByte(line, ' '); i >= 0 {
			verb, arg = line[:i], line[i+1:]
		}
		verb = strings.ToUpper(verb)
		if fn := s.server.OnCommand; fn != nil {
			fn(verb)
		}
		s.serveCmd(verb, arg)
		s.bw.Flush()
	}
}

func (s *session) ok(format string, v ...interface{}) {
	fmt.Fprintf(s.bw, "+OK "+format+"\r\n", v...)
}

func (s *session) err(format string, v ...interface{}) {
	fmt.Fprintf(s.bw, "-ERR "+format+"\r\n", v...)
}

// plaintextAuthOK reports whether credentials may travel over this
// connection. Loopback peers are exempt from the TLS requirement.
func (s *session) plaintextAuthOK() bool {
	if s.tls || !s.server.DisablePlaintextAuth {
		return true
	}
	host, _, err := net.SplitHostPort(s.remote)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *session) serveCmd(verb, arg string) {
	switch verb {
	case "CAPA":
		s.ok("Capability list follows")
		fmt.Fprintf(s.bw, "TOP\r\nUIDL\r\nRESP-CODES\r\nAUTH-RESP-CODE\r\n")
		if s.sess == nil {
			if s.server.TLSConfig != nil && !s.tls {
				fmt.Fprintf(s.bw, "STLS\r\n")
			}
			if s.plaintextAuthOK() {
				fmt.Fprintf(s.bw, "USER\r\nSASL PLAIN\r\n")
			}
		}
		fmt.Fprintf(s.bw, ".\r\n")

	case "STLS":
		s.cmdSTLS()

	case "USER":
		if s.sess != nil {
			s.err("already authenticated")
			return
		}
		if !s.plaintextAuthOK() {
			s.err("[AUTH] Plaintext authentication disallowed on non-secure (SSL/TLS) connections")
			return
		}
		if arg == "" {
			s.err("USER requires a name")
			return
		}
		s.username = arg
		s.ok("waiting for password")

	case "PASS":
		if s.sess != nil {
			s.err("already authenticated")
			return
		}
		if s.username == "" {
			s.err("USER first")
			return
		}
		if !s.plaintextAuthOK() {
			s.err("[AUTH] Plaintext authentication disallowed on non-secure (SSL/TLS) connections")
			return
		}
		s.login(s.username, arg, "USER")

	case "AUTH":
		s.cmdAuth(arg)

	case "STAT":
		if !s.inTransaction() {
			return
		}
		var count int
		var size int64
		for i := range s.msgs {
			if s.msgs[i].deleted {
				continue
			}
			count++
			size += s.msgs[i].size
		}
		s.ok("%d %d", count, size)

	case "LIST":
		if !s.inTransaction() {
			return
		}
		if arg != "" {
			m, n := s.lookupMsg(arg)
			if m == nil {
				return
			}
			s.ok("%d %d", n, m.size)
			return
		}
		s.ok("scan listing follows")
		for i := range s.msgs {
			if s.msgs[i].deleted {
				continue
			}
			fmt.Fprintf(s.bw, "%d %d\r\n", i+1, s.msgs[i].size)
		}
		fmt.Fprintf(s.bw, ".\r\n")

	case "UIDL":
		if !s.inTransaction() {
			return
		}
		if arg != "" {
			m, n := s.lookupMsg(arg)
			if m == nil {
				return
			}
			s.ok("%d %s", n, m.uid)
			return
		}
		s.ok("unique-id listing follows")
		for i := range s.msgs {
			if s.msgs[i].deleted {
				continue
			}
			fmt.Fprintf(s.bw, "%d %s\r\n", i+1, s.msgs[i].uid)
		}
		fmt.Fprintf(s.bw, ".\r\n")

	case "RETR":
		s.cmdRetr(arg, -1)

	case "TOP":
		fields := strings.Fields(arg)
		if len(fields) != 2 {
			s.err("TOP requires a message number and a line count")
			return
		}
		lines, err := strconv.Atoi(fields[1])
		if err != nil || lines < 0 {
			s.err("invalid line count")
			return
		}
		s.cmdRetr(fields[0], lines)

	case "DELE":
		if !s.inTransaction() {
			return
		}
		m, n := s.lookupMsg(arg)
		if m == nil {
			return
		}
		m.deleted = true
		s.ok("message %d deleted", n)

	case "RSET":
		if !s.inTransaction() {
			return
		}
		for i := range s.msgs {
			s.msgs[i].deleted = false
		}
		s.ok("")

	case "NOOP":
		if !s.inTransaction() {
			return
		}
		s.ok("")

	case "QUIT":
		s.cmdQuit()

	default:
		s.err("unknown command")
	}
}

func (s *session) inTransaction() bool {
	if s.sess == nil {
		s.err("not authenticated")
		return false
	}
	return true
}

// lookupMsg resolves a 1-based message number argument, writing -ERR
// for anything that does not name a live message.
func (s *session) lookupMsg(arg string) (*pop3Msg, int) {
	n, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || n < 1 || n > len(s.msgs) {
		s.err("no such message")
		return nil, 0
	}
	m := &s.msgs[n-1]
	if m.deleted {
		s.err("message %d is deleted", n)
		return nil, 0
	}
	return m, n
}

func (s *session) cmdSTLS() {
	if s.sess != nil {
		s.err("STLS only allowed before authentication")
		return
	}
	if s.tls {
		s.err("TLS already active")
		return
	}
	if s.server.TLSConfig == nil {
		s.err("STLS not available")
		return
	}
	s.ok("Begin TLS negotiation now")
	s.bw.Flush()

	tlsConn := tls.Server(s.c, s.server.TLSConfig)
	s.c = tlsConn
	s.br = bufio.NewReader(tlsConn)
	s.bw = bufio.NewWriter(tlsConn)
	s.tls = true
}

func (s *session) cmdAuth(arg string) {
	if s.sess != nil {
		s.err("already authenticated")
		return
	}
	if !s.plaintextAuthOK() {
		s.err("[AUTH] Plaintext authentication disallowed on non-secure (SSL/TLS) connections")
		return
	}
	if arg == "" {
		// Mechanism list, RFC 5034.
		s.ok("supported mechanisms follow")
		fmt.Fprintf(s.bw, "PLAIN\r\n.\r\n")
		return
	}

	mech, initial := arg, ""
	if i := strings.IndexByte(arg, ' '); i >= 0 {
		mech, initial = arg[:i], arg[i+1:]
	}
	if !strings.EqualFold(mech, "PLAIN") {
		s.err("[AUTH] unsupported mechanism")
		return
	}

	var resp []byte
	if initial != "" && initial != "=" {
		b, err := base64.StdEncoding.DecodeString(initial)
		if err != nil {
			s.err("[AUTH] invalid base64")
			return
		}
		resp = b
	} else {
		fmt.Fprintf(s.bw, "+ \r\n")
		s.bw.Flush()
		line, err := s.br.ReadString('\n')
		if err != nil {
			s.quit = true
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "*" {
			s.err("[AUTH] authentication aborted")
			return
		}
		b, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			s.err("[AUTH] invalid base64")
			return
		}
		resp = b
	}

	var user, pass string
	saslSrv := sasl.NewPlainServer(func(identity, username, password string) error {
		user, pass = username, password
		return nil
	})
	if _, _, err := saslSrv.Next(resp); err != nil {
		s.err("[AUTH] malformed PLAIN response")
		return
	}
	s.login(user, pass, "PLAIN")
}

func (s *session) login(username, password, method string) {
	remoteHost := s.remote
	if host, _, err := net.SplitHostPort(s.remote); err == nil {
		remoteHost = host
	}
	if s.server.loginThrottle.Throttle(remoteHost) {
		s.logf("login throttled from=%s", s.remote)
	}

	sess, err := s.server.Accessor.Authenticate(username, password, s.remote)
	if err != nil {
		if fn := s.server.OnAuth; fn != nil {
			fn(false)
		}
		s.server.loginThrottle.Add(remoteHost)
		s.loginFails++
		if store.IsKind(err, store.KindLogonFailed) {
			s.err("[AUTH] wrong username or password")
		} else {
			s.logf("login: %v", err)
			s.err("[SYS/TEMP] server error")
		}
		if s.loginFails >= s.server.LoginRetries {
			s.quit = true
		}
		return
	}
	if !sess.HasFeature("pop3") {
		sess.Close()
		s.err("[AUTH] POP3 feature disabled")
		s.quit = true
		return
	}

	folder, msgs, err := openInbox(sess)
	if err != nil {
		sess.Close()
		s.logf("opening inbox: %v", err)
		s.err("[SYS/TEMP] cannot open inbox")
		return
	}
	if fn := s.server.OnAuth; fn != nil {
		fn(true)
	}
	s.sess = sess
	s.folder = folder
	s.msgs = msgs
	s.username = ""
	s.logf("authenticate ok user=%s from=%s method=%s program=pop3", sess.Username(), s.remote, method)
	s.ok("%s has %d messages", sess.Username(), len(msgs))
}

// openInbox builds the frozen message list of the session, oldest
// message first.
func openInbox(sess store.Session) (store.Folder, []pop3Msg, error) {
	st := sess.Store()
	infos, err := st.Hierarchy()
	if err != nil {
		return nil, nil, err
	}
	var inbox *store.FolderInfo
	for i := range infos {
		if infos[i].Special == store.SpecialInbox {
			inbox = &infos[i]
			break
		}
	}
	if inbox == nil {
		return nil, nil, store.Errorf(store.KindNotFound, "openInbox", "no inbox folder")
	}
	folder, err := st.OpenFolder(inbox.EntryID, false)
	if err != nil {
		return nil, nil, err
	}
	rows, err := folder.Contents()
	if err != nil {
		folder.Close()
		return nil, nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].DeliveryTime.Before(rows[j].DeliveryTime)
	})
	msgs := make([]pop3Msg, len(rows))
	for i := range rows {
		msgs[i] = pop3Msg{
			entryID: rows[i].EntryID,
			size:    rows[i].Size,
			uid:     hex.EncodeToString(rows[i].EntryID),
		}
	}
	return folder, msgs, nil
}

// cmdRetr serves RETR and TOP. lines < 0 sends the whole message,
// otherwise the headers and the first lines of the body.
func (s *session) cmdRetr(arg string, lines int) {
	if !s.inTransaction() {
		return
	}
	m, n := s.lookupMsg(arg)
	if m == nil {
		return
	}
	msg, err := s.folder.OpenMessage(m.entryID)
	if err != nil {
		s.logf("RETR %d: %v", n, err)
		s.err("no such message")
		return
	}
	r, size, err := msg.Raw()
	if err != nil {
		s.logf("RETR %d: %v", n, err)
		s.err("[SYS/TEMP] cannot read message")
		return
	}
	defer r.Close()

	if lines < 0 {
		s.ok("%d octets", size)
	} else {
		s.ok("top of message follows")
	}
	dw := textproto.NewWriter(s.bw).DotWriter()
	if lines < 0 {
		if _, err := io.Copy(dw, r); err != nil {
			s.logf("RETR %d: %v", n, err)
		}
	} else {
		if err := copyTop(dw, r, lines); err != nil {
			s.logf("TOP %d: %v", n, err)
		}
	}
	if err := dw.Close(); err != nil {
		s.logf("RETR %d: %v", n, err)
	}
}

// copyTop writes the message headers and the first bodyLines lines of
// the body.
func copyTop(w io.Writer, r io.Reader, bodyLines int) error {
	br := bufio.NewReader(r)
	inBody := false
	remaining := bodyLines
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if inBody {
				if remaining == 0 {
					return nil
				}
				remaining--
			} else if len(bytes.TrimRight(line, "\r\n")) == 0 {
				inBody = true
			}
			if _, werr := w.Write(line); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *session) cmdQuit() {
	if s.sess != nil {
		var del [][]byte
		for i := range s.msgs {
			if s.msgs[i].deleted {
				del = append(del, s.msgs[i].entryID)
			}
		}
		if len(del) > 0 {
			if err := s.folder.DeleteMessages(del); err != nil {
				s.logf("QUIT delete: %v", err)
				s.err("[SYS/TEMP] deleting messages failed")
				s.quit = true
				return
			}
		}
	}
	s.ok("Bye")
	s.quit = true
}
