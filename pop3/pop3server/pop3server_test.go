package pop3server_test

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"regexp"
	"strings"
	"testing"
	"time"

	"kopano.io/gateway/pop3/pop3server"
	"kopano.io/gateway/store/memstore"
)

const (
	username = "alice@example.com"
	password = "aaaabbbbccccdddd"
)

const msg1 = "From: Bob Doe <bob@example.com>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: dinner\r\n" +
	"\r\n" +
	"Are you free on Thursday?\r\n" +
	".hidden by dot-stuffing\r\n" +
	"last line\r\n"

const msg2 = "From: Carol <carol@example.com>\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: minutes\r\n" +
	"\r\n" +
	"Meeting minutes attached.\r\n"

func newServer(t *testing.T) (*memstore.Store, net.Addr, func()) {
	ms := memstore.New()
	if err := ms.AddUser(username, password); err != nil {
		t.Fatal(err)
	}
	if _, err := ms.Deliver(username, time.Now().Add(-time.Hour), []byte(msg1)); err != nil {
		t.Fatal(err)
	}
	if _, err := ms.Deliver(username, time.Now(), []byte(msg2)); err != nil {
		t.Fatal(err)
	}

	server := &pop3server.Server{
		Accessor: ms,
		Logf:     t.Logf,
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		if err := server.Serve(ln); err != nil && err != pop3server.ErrServerClosed {
			t.Errorf("bad server exit: %v", err)
		}
	}()
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			t.Error(err)
		}
	}
	return ms, ln.Addr(), shutdown
}

type client struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dial(t *testing.T, addr net.Addr) *client {
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatal(err)
	}
	return &client{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func (c *client) close() { c.conn.Close() }

func (c *client) write(format string, v ...interface{}) {
	c.conn.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := fmt.Fprintf(c.conn, format, v...); err != nil {
		c.t.Fatalf("write %q: %v", format, err)
	}
}

func (c *client) read() string {
	c.conn.SetDeadline(time.Now().Add(3 * time.Second))
	line, err := c.br.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

func (c *client) expect(expr string) string {
	re := regexp.MustCompile(expr)
	got := c.read()
	if !re.MatchString(got) {
		c.t.Errorf("response %q does not match %s", got, expr)
	}
	return got
}

// readMultiline collects the lines of a multi-line response up to the
// terminating dot, undoing dot-stuffing.
func (c *client) readMultiline() []string {
	var lines []string
	for {
		line := c.read()
		if line == "." {
			return lines
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		lines = append(lines, line)
	}
}

func (c *client) login() {
	c.write("USER %s\r\n", username)
	c.expect(`^\+OK `)
	c.write("PASS %s\r\n", password)
	c.expect(`^\+OK ` + regexp.QuoteMeta(username) + ` has \d+ messages$`)
}

func TestUserPassLogin(t *testing.T) {
	_, addr, shutdown := newServer(t)
	defer shutdown()

	c := dial(t, addr)
	defer c.close()
	c.expect(`^\+OK POP3 gateway ready$`)

	c.write("PASS nothing\r\n")
	c.expect(`^-ERR USER first$`)
	c.write("USER %s\r\n", username)
	c.expect(`^\+OK waiting for password$`)
	c.write("PASS letmein\r\n")
	c.expect(`^-ERR \[AUTH\] wrong username or password$`)

	c.write("USER %s\r\n", username)
	c.expect(`^\+OK `)
	c.write("PASS %s\r\n", password)
	c.expect(`^\+OK ` + regexp.QuoteMeta(username) + ` has 2 messages$`)

	c.write("QUIT\r\n")
	c.expect(`^\+OK Bye$`)
}

func TestAuthPlain(t *testing.T) {
	_, addr, shutdown := newServer(t)
	defer shutdown()

	resp := base64.StdEncoding.EncodeToString([]byte("\x00" + username + "\x00" + password))

	// Initial-response form.
	c := dial(t, addr)
	c.expect(`^\+OK `)
	c.write("AUTH PLAIN %s\r\n", resp)
	c.expect(`^\+OK ` + regexp.QuoteMeta(username) + ` has 2 messages$`)
	c.write("QUIT\r\n")
	c.expect(`^\+OK Bye$`)
	c.close()

	// Challenge form.
	c = dial(t, addr)
	c.expect(`^\+OK `)
	c.write("AUTH PLAIN\r\n")
	c.expect(`^\+ $`)
	c.write("%s\r\n", resp)
	c.expect(`^\+OK ` + regexp.QuoteMeta(username) + ` has 2 messages$`)
	c.close()

	// Abort.
	c = dial(t, addr)
	defer c.close()
	c.expect(`^\+OK `)
	c.write("AUTH PLAIN\r\n")
	c.expect(`^\+ $`)
	c.write("*\r\n")
	c.expect(`^-ERR \[AUTH\] authentication aborted$`)

	c.write("AUTH\r\n")
	c.expect(`^\+OK supported mechanisms follow$`)
	if lines := c.readMultiline(); len(lines) != 1 || lines[0] != "PLAIN" {
		t.Errorf("AUTH mechanism list: %q", lines)
	}

	c.write("AUTH CRAM-MD5\r\n")
	c.expect(`^-ERR \[AUTH\] unsupported mechanism$`)
}

func TestCapa(t *testing.T) {
	_, addr, shutdown := newServer(t)
	defer shutdown()

	c := dial(t, addr)
	defer c.close()
	c.expect(`^\+OK `)

	c.write("CAPA\r\n")
	c.expect(`^\+OK Capability list follows$`)
	lines := c.readMultiline()
	for _, want := range []string{"TOP", "UIDL", "RESP-CODES", "AUTH-RESP-CODE", "USER", "SASL PLAIN"} {
		found := false
		for _, l := range lines {
			if l == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("CAPA missing %q in %q", want, lines)
		}
	}

	// STLS is not offered without a TLS config, SASL and USER
	// disappear once authenticated.
	for _, l := range lines {
		if l == "STLS" {
			t.Errorf("CAPA offers STLS without TLS config")
		}
	}
	c.login()
	c.write("CAPA\r\n")
	c.expect(`^\+OK `)
	for _, l := range c.readMultiline() {
		if l == "USER" || l == "SASL PLAIN" {
			t.Errorf("CAPA offers %q after authentication", l)
		}
	}
}

func TestStatListUidl(t *testing.T) {
	_, addr, shutdown := newServer(t)
	defer shutdown()

	c := dial(t, addr)
	defer c.close()
	c.expect(`^\+OK `)
	c.login()

	c.write("STAT\r\n")
	c.expect(fmt.Sprintf(`^\+OK 2 %d$`, len(msg1)+len(msg2)))

	c.write("LIST\r\n")
	c.expect(`^\+OK scan listing follows$`)
	lines := c.readMultiline()
	want := []string{
		fmt.Sprintf("1 %d", len(msg1)),
		fmt.Sprintf("2 %d", len(msg2)),
	}
	if len(lines) != 2 || lines[0] != want[0] || lines[1] != want[1] {
		t.Errorf("LIST: %q, want %q", lines, want)
	}

	c.write("LIST 2\r\n")
	c.expect(fmt.Sprintf(`^\+OK 2 %d$`, len(msg2)))
	c.write("LIST 3\r\n")
	c.expect(`^-ERR no such message$`)

	c.write("UIDL\r\n")
	c.expect(`^\+OK unique-id listing follows$`)
	lines = c.readMultiline()
	if len(lines) != 2 {
		t.Fatalf("UIDL: %q", lines)
	}
	uidRE := regexp.MustCompile(`^(\d) ([0-9a-f]+)$`)
	uids := make(map[string]bool)
	for _, l := range lines {
		m := uidRE.FindStringSubmatch(l)
		if m == nil {
			t.Errorf("UIDL line %q", l)
			continue
		}
		if uids[m[2]] {
			t.Errorf("duplicate UIDL %q", m[2])
		}
		uids[m[2]] = true
	}
	c.write("UIDL 1\r\n")
	c.expect(`^\+OK 1 [0-9a-f]+$`)
}

func TestRetrDotStuffing(t *testing.T) {
	_, addr, shutdown := newServer(t)
	defer shutdown()

	c := dial(t, addr)
	defer c.close()
	c.expect(`^\+OK `)
	c.login()

	c.write("RETR 1\r\n")
	c.expect(fmt.Sprintf(`^\+OK %d octets$`, len(msg1)))
	got := strings.Join(c.readMultiline(), "\r\n") + "\r\n"
	if got != msg1 {
		t.Errorf("RETR 1:\n%q\nwant:\n%q", got, msg1)
	}

	c.write("RETR 9\r\n")
	c.expect(`^-ERR no such message$`)
}

func TestTop(t *testing.T) {
	_, addr, shutdown := newServer(t)
	defer shutdown()

	c := dial(t, addr)
	defer c.close()
	c.expect(`^\+OK `)
	c.login()

	c.write("TOP 1 1\r\n")
	c.expect(`^\+OK top of message follows$`)
	lines := c.readMultiline()
	wantLines := []string{
		"From: Bob Doe <bob@example.com>",
		"To: alice@example.com",
		"Subject: dinner",
		"",
		"Are you free on Thursday?",
	}
	if len(lines) != len(wantLines) {
		t.Fatalf("TOP 1 1: %q, want %q", lines, wantLines)
	}
	for i := range lines {
		if lines[i] != wantLines[i] {
			t.Errorf("TOP line %d: %q, want %q", i, lines[i], wantLines[i])
		}
	}

	// Zero body lines: headers and the blank separator only.
	c.write("TOP 1 0\r\n")
	c.expect(`^\+OK top of message follows$`)
	lines = c.readMultiline()
	if len(lines) != 4 || lines[3] != "" {
		t.Errorf("TOP 1 0: %q", lines)
	}

	c.write("TOP 1\r\n")
	c.expect(`^-ERR TOP requires a message number and a line count$`)
	c.write("TOP 1 -3\r\n")
	c.expect(`^-ERR invalid line count$`)
}

func TestDeleRsetQuit(t *testing.T) {
	_, addr, shutdown := newServer(t)
	defer shutdown()

	c := dial(t, addr)
	c.expect(`^\+OK `)
	c.login()

	c.write("DELE 1\r\n")
	c.expect(`^\+OK message 1 deleted$`)
	c.write("RETR 1\r\n")
	c.expect(`^-ERR message 1 is deleted$`)
	c.write("DELE 1\r\n")
	c.expect(`^-ERR message 1 is deleted$`)
	c.write("STAT\r\n")
	c.expect(fmt.Sprintf(`^\+OK 1 %d$`, len(msg2)))

	// RSET brings it back.
	c.write("RSET\r\n")
	c.expect(`^\+OK $`)
	c.write("STAT\r\n")
	c.expect(fmt.Sprintf(`^\+OK 2 %d$`, len(msg1)+len(msg2)))

	// Deletes apply at QUIT.
	c.write("DELE 1\r\n")
	c.expect(`^\+OK `)
	c.write("QUIT\r\n")
	c.expect(`^\+OK Bye$`)
	c.close()

	c = dial(t, addr)
	defer c.close()
	c.expect(`^\+OK `)
	c.login()
	c.write("STAT\r\n")
	c.expect(fmt.Sprintf(`^\+OK 1 %d$`, len(msg2)))
	c.write("QUIT\r\n")
	c.expect(`^\+OK Bye$`)
}

func TestFeatureDisabled(t *testing.T) {
	ms, addr, shutdown := newServer(t)
	defer shutdown()
	ms.SetFeature(username, "pop3", false)

	c := dial(t, addr)
	defer c.close()
	c.expect(`^\+OK `)
	c.write("USER %s\r\n", username)
	c.expect(`^\+OK `)
	c.write("PASS %s\r\n", password)
	c.expect(`^-ERR \[AUTH\] POP3 feature disabled$`)
}

func TestTransactionRequiresAuth(t *testing.T) {
	_, addr, shutdown := newServer(t)
	defer shutdown()

	c := dial(t, addr)
	defer c.close()
	c.expect(`^\+OK `)
	for _, cmd := range []string{"STAT", "LIST", "UIDL", "RETR 1", "DELE 1", "RSET", "NOOP"} {
		c.write("%s\r\n", cmd)
		c.expect(`^-ERR not authenticated$`)
	}
	c.write("BOGUS\r\n")
	c.expect(`^-ERR unknown command$`)
}

func TestStlsUnavailable(t *testing.T) {
	_, addr, shutdown := newServer(t)
	defer shutdown()

	c := dial(t, addr)
	defer c.close()
	c.expect(`^\+OK `)
	c.write("STLS\r\n")
	c.expect(`^-ERR STLS not available$`)
}
