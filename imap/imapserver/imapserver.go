// Package imapserver implements the IMAP4rev1 side of the gateway.
//
// Every command is translated into calls on a store.Session obtained
// from the configured store.Accessor. The server holds no mail state
// of its own beyond the per-connection mailbox view.
//
// Supported extension RFCs:
//	RFC 2087 QUOTA (reporting only, SETQUOTA is always denied)
//	RFC 2088 LITERAL+
//	RFC 2177 IDLE
//	RFC 2342 NAMESPACE
//	RFC 2595 STARTTLS and AUTH=PLAIN
//	RFC 3348 CHILDREN
//	RFC 4315 UIDPLUS (UID EXPUNGE and APPENDUID)
//
// XAOL-MOVE is accepted as a synonym for RFC 6851 MOVE, minus the
// COPYUID response code.
package imapserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"runtime/trace"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"crawshaw.io/iox"
	"kopano.io/gateway/imap/imapparser"
	"kopano.io/gateway/imap/imapparser/utf7mod"
	"kopano.io/gateway/store"
	"kopano.io/gateway/util/throttle"
)

var ErrServerClosed = errors.New("imapserver: Server closed")

type Server struct {
	Accessor store.Accessor
	Filer    *iox.Filer
	Logf     func(format string, v ...interface{})
	Rand     io.Reader
	Hostname string
	Version  string

	// TLSConfig enables TLS. With TLS set, connections are wrapped
	// immediately on accept (imaps). Otherwise the config serves
	// STARTTLS upgrades on the plaintext listener.
	TLSConfig *tls.Config
	TLS       bool

	MaxConns             int
	DisablePlaintextAuth bool
	OnlyMailFolders      bool
	PublicFolders        bool
	CapabilityIdle       bool
	IgnoreCommandIdle    bool
	ExpungeOnDelete      bool
	MaxFailCommands      int   // NO/BAD responses before disconnect
	LoginRetries         int   // failed logins before disconnect
	MaxMessageSize       int64 // APPEND literal cap, 0 means unlimited

	UnauthTimeout time.Duration
	AuthTimeout   time.Duration

	// Debug, when set, is called once per session for a destination
	// to write the session transcript to. Returning nil skips the
	// transcript for that session.
	Debug func(sessionID string) io.WriteCloser

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
	conns     map[*Conn]struct{}
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
	if server.MaxFailCommands == 0 {
		server.MaxFailCommands = 10
	}
	if server.LoginRetries == 0 {
		server.LoginRetries = 5
	}
	if server.UnauthTimeout == 0 {
		server.UnauthTimeout = 1 * time.Minute
	}
	if server.AuthTimeout == 0 {
		server.AuthTimeout = 30 * time.Minute
	}

	server.connsMu.Lock()
	server.connsCond = sync.NewCond(&server.connsMu)
	server.conns = make(map[*Conn]struct{})
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

	// Wait for sessions to drain, then force the stragglers.
	for {
		select {
		case <-server.shutdownCtx.Done():
			server.connsMu.Lock()
			for c := range server.conns {
				c.shutdownBye()
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

	c := &Conn{
		ID: sessionID,
		Logf: func(format string, v ...interface{}) {
			server.Logf("session("+sessionID+"): "+format, v...)
		},

		server:  server,
		netConn: netConn,
		remote:  netConn.RemoteAddr().String(),
	}
	if server.TLS {
		c.netConn = tls.Server(netConn, server.TLSConfig)
		c.tls = true
	}

	if server.Debug != nil {
		c.debugFile = server.Debug(sessionID)
		if c.debugFile != nil {
			c.debugW = newDebugWriter(sessionID, server.Logf, c.debugFile)
		}
	}
	c.initBufio(c.netConn, c.netConn)

	server.connsMu.Lock()
	for len(server.conns) > server.MaxConns {
		server.connsCond.Wait()
	}
	server.conns[c] = struct{}{}
	server.connsMu.Unlock()

	c.serve()
}

type Conn struct {
	Context context.Context
	ID      string
	Logf    func(format string, v ...interface{})

	server  *Server
	netConn net.Conn
	remote  string
	tls     bool

	session    store.Session
	loginFails int
	failures   int
	quit       bool

	debugFile io.WriteCloser
	debugW    *debugWriter

	br *bufio.Reader
	p  *imapparser.Parser

	// bwMu guards the write path and the mailbox view. During IDLE
	// the main goroutine is blocked reading DONE and the notification
	// sink takes the mutex to write untagged responses.
	bwMu sync.Mutex
	bw   *bufio.Writer
	view *view

	eventsMu sync.Mutex
	events   []store.TableEvent
	idling   bool
}

func (c *Conn) initBufio(r io.Reader, w io.Writer) {
	if c.debugFile == nil {
		c.br = bufio.NewReader(r)
		c.bw = bufio.NewWriter(w)
	} else {
		c.br = bufio.NewReader(io.TeeReader(r, c.debugW.client))
		c.bw = bufio.NewWriter(io.MultiWriter(c.debugW.server, w))
	}
	if c.p != nil {
		c.p.Scanner.SetSource(c.br)
	}
}

func (c *Conn) flush() error {
	return c.bw.Flush()
}

func (c *Conn) writef(format string, v ...interface{}) {
	fmt.Fprintf(c.bw, format, v...)
}

// respond writes "<tag> <status> msg\r\n" and keeps the failure
// counter: an OK resets it, too many NO/BAD responses in a row end
// the session.
func (c *Conn) respond(status, format string, v ...interface{}) {
	c.bw.Write(c.p.Command.Tag)
	c.bw.WriteByte(' ')
	c.bw.WriteString(status)
	c.bw.WriteByte(' ')
	fmt.Fprintf(c.bw, format, v...)
	c.bw.WriteByte('\r')
	c.bw.WriteByte('\n')

	if status == "OK" {
		c.failures = 0
	} else {
		c.countFailLocked()
	}
	if err := c.flush(); err != nil {
		c.close()
	}
}

func (c *Conn) respondOK(format string, v ...interface{})  { c.respond("OK", format, v...) }
func (c *Conn) respondNo(format string, v ...interface{})  { c.respond("NO", format, v...) }
func (c *Conn) respondBad(format string, v ...interface{}) { c.respond("BAD", format, v...) }

func (c *Conn) countFailLocked() {
	c.failures++
	if c.failures >= c.server.MaxFailCommands {
		c.writef("* BYE Too many failed commands\r\n")
		c.quit = true
	}
}

// respondErr maps a store error to a tagged response.
func (c *Conn) respondErr(op string, err error) {
	switch store.KindOf(err) {
	case store.KindNotFound:
		switch op {
		case "APPEND", "COPY", "XAOL-MOVE":
			c.respondNo("[TRYCREATE] %s failed: mailbox does not exist", op)
		default:
			c.respondNo("%s failed: not found", op)
		}
	case store.KindCollision:
		c.respondNo("%s failed: folder already exists", op)
	case store.KindNoAccess:
		c.respondNo("%s permission denied", op)
	case store.KindNoSupport:
		c.respondNo("%s method not supported", op)
	case store.KindNoMemory:
		c.respondNo("%s failed: out of memory", op)
	case store.KindNetwork, store.KindTimeout, store.KindEndOfSession:
		c.Logf("%s: store connection lost: %v", op, err)
		c.respondNo("%s failed: server error", op)
		c.quit = true
	default:
		c.Logf("%s: %v", op, err)
		c.respondBad("%s failed: internal error", op)
	}
}

func (c *Conn) close() {
	c.closeMailbox()
	if c.debugFile != nil {
		c.flush()
		io.CopyN(io.Discard, c.br, int64(c.br.Buffered()))
		c.netConn.SetReadDeadline(time.Now())
		io.Copy(io.Discard, c.br)
	}
	c.netConn.Close()
}

func (c *Conn) shutdownBye() {
	c.bwMu.Lock()
	c.writef("* BYE server shutting down\r\n")
	c.flush()
	c.bwMu.Unlock()
	c.netConn.Close()
}

func (c *Conn) writeStringBytes(s []byte) {
	c.writeString(string(s))
}

// writeString writes s as an IMAP atom, quoted string, or literal,
// whichever is the least the value can get away with. Non-ASCII
// names are encoded as modified UTF-7.
func (c *Conn) writeString(s string) {
	if s == "" {
		c.writef(`""`)
		return
	}

	type strType int

	const (
		strLiteral strType = iota
		strQuote
		strAtom
	)

	strTypeVal := strAtom
	sCheck := s
	for len(sCheck) > 0 {
		r, sz := utf8.DecodeRuneInString(sCheck)
		sCheck = sCheck[sz:]
		if r == utf8.RuneError || r == '\r' || r == '\n' || r == '"' {
			strTypeVal = strLiteral
			break
		}
		switch {
		case 'A' <= r && r <= 'Z',
			'a' <= r && r <= 'z',
			'0' <= r && r <= '9',
			r == '-', r == '_', r == '.':
			// easily-allowable in an atom
		default:
			strTypeVal = strQuote
		}
	}

	if strTypeVal == strAtom {
		c.bw.WriteString(s)
		return
	}

	b := make([]byte, 0, 128)
	b, err := utf7mod.AppendEncode(b, []byte(s))
	if err != nil {
		c.Logf("cannot encode string %q", s)
	}

	switch strTypeVal {
	case strLiteral:
		c.writef("{%d}\r\n", len(s))
		c.flush()
		if c.debugW != nil {
			c.debugW.server.literalDataFollows(len(s))
		}
		c.bw.Write(b)
	case strQuote:
		c.writef("%q", b)
	default:
		panic("invalid strTypeVal")
	}
}

func (c *Conn) writeLiteral(r io.Reader, n int64) {
	c.writef("{%d}\r\n", n)
	c.flush()
	if c.debugW != nil {
		c.debugW.server.literalDataFollows(int(n))
	}
	if n2, err := io.CopyN(c.bw, r, n); err != nil {
		c.Logf("writeLiteral(n=%d) failed: %v (n2=%d)", n, err, n2)
	}
}

// plaintextAuthOK reports whether credentials may travel over this
// connection. Loopback peers are exempt from the TLS requirement.
func (c *Conn) plaintextAuthOK() bool {
	if c.tls || !c.server.DisablePlaintextAuth {
		return true
	}
	host, _, err := net.SplitHostPort(c.remote)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// capability builds the capability string for the current state.
// The CAPABILITY command reports post-authentication capabilities
// even before login (all=true); the greeting and the LOGIN response
// do not.
func (c *Conn) capability(all bool) string {
	caps := "IMAP4rev1 LITERAL+"
	unauth := c.p == nil || c.p.Mode == imapparser.ModeNonAuth
	if unauth {
		if c.server.TLSConfig != nil && !c.tls {
			caps += " STARTTLS"
		}
		if c.plaintextAuthOK() {
			caps += " AUTH=PLAIN"
		} else {
			caps += " LOGINDISABLED"
		}
	}
	if !unauth || all {
		caps += " CHILDREN XAOL-OPTION NAMESPACE QUOTA"
		if c.server.CapabilityIdle {
			caps += " IDLE"
		}
	}
	return caps
}

func (c *Conn) setReadDeadline() {
	timeout := c.server.UnauthTimeout
	if c.session != nil {
		timeout = c.server.AuthTimeout
	}
	c.netConn.SetReadDeadline(time.Now().Add(timeout))
}

func (c *Conn) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	ctx, task := trace.NewTask(ctx, "imap-session")
	c.Context = ctx

	start := time.Now()
	c.server.Logf("%s", logMsg{What: "session_begin", When: start, ID: c.ID, Data: c.remote})

	defer func() {
		var user string
		if c.session != nil {
			user = c.session.Username()
		}
		c.server.Logf("%s", logMsg{What: "session_end", ID: c.ID, User: user, Duration: time.Since(start)})

		c.closeMailbox()
		if c.session != nil {
			c.session.Close()
			c.session = nil
		}

		task.End()
		cancel()

		c.close()
		if c.debugFile != nil {
			if err := c.debugFile.Close(); err != nil {
				c.Logf("%v", err)
			}
		}

		c.server.connsMu.Lock()
		delete(c.server.conns, c)
		c.server.connsCond.Signal()
		c.server.connsMu.Unlock()

		if r := recover(); r != nil {
			c.Logf("panic: %s", string(debug.Stack()))
			panic(r)
		}
	}()
	litf := c.server.Filer.BufferFile(0)
	defer litf.Close()

	c.bwMu.Lock()
	if c.server.Hostname != "" {
		c.writef("* OK [CAPABILITY %s] %s IMAP gateway ready\r\n", c.capability(false), c.server.Hostname)
	} else {
		c.writef("* OK [CAPABILITY %s] IMAP gateway ready\r\n", c.capability(false))
	}
	if err := c.flush(); err != nil {
		c.close()
	}
	c.bwMu.Unlock()

	contFn := func(msg string, len uint32) {
		c.bwMu.Lock()
		defer c.bwMu.Unlock()
		c.writef(msg)
		c.flush()

		if c.debugW != nil {
			c.debugW.client.literalDataFollows(int(len))
		}
	}

	scanner := imapparser.NewScanner(c.br, litf, contFn)
	scanner.MaxLiteralSize = c.server.MaxMessageSize
	c.p = &imapparser.Parser{Scanner: scanner}

	for !c.quit {
		c.setReadDeadline()
		if _, err := c.br.Peek(1); err != nil { // block until the client sends something
			if ne, _ := err.(net.Error); ne != nil && ne.Timeout() {
				c.bwMu.Lock()
				c.writef("* BYE session timed out\r\n")
				c.flush()
				c.bwMu.Unlock()
			}
			break
		}
		if !c.serveParseCmd() {
			break
		}
	}
}

func (c *Conn) serveParseCmd() bool {
	origCtx := c.Context
	ctx, task := trace.NewTask(c.Context, "imap-request")
	c.Context = ctx
	defer func() {
		task.End()
		c.Context = origCtx
	}()

	trace.Log(c.Context, "session-id", c.ID)

	if err := c.p.ParseCommand(); err == io.EOF {
		return false
	} else if ne, _ := err.(net.Error); ne != nil {
		return false
	} else if te, isTagged := err.(imapparser.TaggedError); isTagged {
		c.bwMu.Lock()
		if errors.Is(te.Err, imapparser.ErrLiteralTooBig) {
			fmt.Fprintf(c.bw, "%s NO [ALERT] Maximum message size reached\r\n", te.Tag)
		} else {
			fmt.Fprintf(c.bw, "%s BAD %v\r\n", te.Tag, te.Err)
		}
		c.countFailLocked()
		c.flush()
		c.bwMu.Unlock()
		return !c.quit
	} else if _, isParseError := err.(imapparser.ParseError); isParseError {
		c.bwMu.Lock()
		c.Logf("parse error: %v", err)
		trace.Logf(c.Context, "parse_error", "%v", err)
		fmt.Fprintf(c.bw, "* BAD %v\r\n", err)
		c.countFailLocked()
		c.flush()
		c.bwMu.Unlock()
		return !c.quit
	} else if err != nil {
		c.bwMu.Lock()
		c.Logf("conn error: %v", err)
		trace.Logf(c.Context, "conn_error", "%v", err)
		fmt.Fprintf(c.bw, "* BAD connection error\r\n")
		c.flush()
		c.bwMu.Unlock()
		return false
	}
	trace.Logf(c.Context, "imap-request-cmd", "%v", c.p.Command)
	c.serveCmd()
	return !c.quit
}

func (c *Conn) serveCmd() {
	c.bwMu.Lock()
	defer c.bwMu.Unlock()

	c.drainEvents()

	cmd := &c.p.Command
	if fn := c.server.OnCommand; fn != nil {
		fn(cmd.Name)
	}
	switch cmd.Name {
	case "CAPABILITY":
		c.writef("* CAPABILITY %s\r\n", c.capability(true))
		c.respondOK("CAPABILITY Completed")

	case "NOOP":
		if c.view != nil {
			if err := c.view.refresh(c, false, false); err != nil {
				c.respondErr("NOOP", err)
				return
			}
		}
		c.respondOK("NOOP completed")

	case "LOGOUT":
		c.writef("* BYE server logging out\r\n%s OK LOGOUT completed\r\n", cmd.Tag)
		c.flush()
		c.quit = true

	case "STARTTLS":
		c.cmdStartTLS()

	case "LOGIN", "AUTHENTICATE":
		c.cmdLogin()

	case "SELECT", "EXAMINE":
		c.cmdSelect()
	case "CREATE":
		c.cmdCreate()
	case "DELETE":
		c.cmdDelete()
	case "RENAME":
		c.cmdRename()
	case "SUBSCRIBE", "UNSUBSCRIBE":
		c.cmdSubscribe()
	case "LIST", "LSUB":
		c.cmdList()
	case "STATUS":
		c.cmdStatus()
	case "APPEND":
		c.cmdAppend()
	case "IDLE":
		c.cmdIdle()

	case "NAMESPACE":
		c.writef("* NAMESPACE ((\"\" \"/\")) NIL NIL\r\n")
		c.respondOK("NAMESPACE completed")

	case "GETQUOTAROOT":
		if _, err := c.resolveMailbox(string(cmd.Mailbox)); err != nil {
			c.respondErr("GETQUOTAROOT", err)
			return
		}
		c.writef("* QUOTAROOT ")
		c.writeStringBytes(cmd.Mailbox)
		c.writef(" \"\"\r\n")
		c.writef("* QUOTA \"\" ()\r\n")
		c.respondOK("GETQUOTAROOT completed")
	case "GETQUOTA":
		c.writef("* QUOTA ")
		c.writeStringBytes(cmd.Quota.Root)
		c.writef(" ()\r\n")
		c.respondOK("GETQUOTA completed")
	case "SETQUOTA":
		c.respondNo("SETQUOTA Permission denied")

	case "CHECK":
		c.respondOK("CHECK completed")
	case "CLOSE":
		c.cmdClose()
	case "EXPUNGE":
		c.cmdExpunge()
	case "COPY", "XAOL-MOVE":
		c.cmdCopyOrMove()
	case "FETCH":
		c.cmdFetch()
	case "STORE":
		c.cmdStore()
	case "SEARCH":
		c.cmdSearch()
	}
}

func (c *Conn) cmdStartTLS() {
	if c.tls {
		c.respondBad("STARTTLS already active")
		return
	}
	if c.server.TLSConfig == nil {
		c.respondBad("STARTTLS not available")
		return
	}
	c.respondOK("Begin TLS negotiation now")

	tlsConn := tls.Server(c.netConn, c.server.TLSConfig)
	c.netConn = tlsConn
	c.tls = true
	c.initBufio(tlsConn, tlsConn)
}

func (c *Conn) cmdLogin() {
	cmd := &c.p.Command

	method := "LOGIN"
	if cmd.Name == "AUTHENTICATE" {
		method = "PLAIN"
	}

	if !c.plaintextAuthOK() {
		c.respondNo("[PRIVACYREQUIRED] Plaintext authentication disallowed on non-secure (SSL/TLS) connections.")
		return
	}

	remoteHost := c.remote
	if host, _, err := net.SplitHostPort(c.remote); err == nil {
		remoteHost = host
	}
	if c.server.loginThrottle.Throttle(remoteHost) {
		c.Logf("login throttled from=%s", c.remote)
	}

	session, err := c.server.Accessor.Authenticate(string(cmd.Auth.Username), string(cmd.Auth.Password), c.remote)
	if err != nil {
		if fn := c.server.OnAuth; fn != nil {
			fn(false)
		}
		c.server.loginThrottle.Add(remoteHost)
		c.loginFails++
		if store.IsKind(err, store.KindLogonFailed) {
			c.respondNo("LOGIN wrong username or password")
		} else {
			c.respondErr("LOGIN", err)
		}
		if c.loginFails >= c.server.LoginRetries {
			c.writef("* BYE Too many login failures\r\n")
			c.flush()
			c.quit = true
		}
		return
	}
	if !session.HasFeature("imap") {
		session.Close()
		c.respondNo("LOGIN imap feature disabled")
		c.quit = true
		return
	}
	if fn := c.server.OnAuth; fn != nil {
		fn(true)
	}
	c.session = session
	c.p.Mode = imapparser.ModeAuth
	c.Logf("authenticate ok user=%s from=%s method=%s program=imap", session.Username(), c.remote, method)
	trace.Logf(c.Context, "username", "%s", session.Username())

	c.respondOK("[CAPABILITY %s] LOGIN completed", c.capability(false))
}

func (c *Conn) closeMailbox() {
	v := c.view
	if v == nil {
		return
	}
	if v.advised {
		if err := v.folder.Unadvise(v.cookie); err != nil {
			c.Logf("unadvise: %v", err)
		}
	}
	if err := v.folder.Close(); err != nil {
		c.Logf("closing folder: %v", err)
	}
	c.view = nil
	if c.p != nil && c.p.Mode == imapparser.ModeSelected {
		c.p.Mode = imapparser.ModeAuth
	}
	c.eventsMu.Lock()
	c.events = nil
	c.idling = false
	c.eventsMu.Unlock()
}

// canonicalFlag maps a client-supplied flag to the canonical name the
// store layer understands, or "" for unsupported keywords.
func canonicalFlag(f []byte) string {
	for _, known := range []string{
		store.FlagSeen, store.FlagAnswered, store.FlagFlagged,
		store.FlagDeleted, store.FlagDraft, store.FlagForwarded,
	} {
		if strings.EqualFold(string(f), known) {
			return known
		}
	}
	return ""
}
