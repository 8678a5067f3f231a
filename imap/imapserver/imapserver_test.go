package imapserver_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
	"kopano.io/gateway/imap/imaptest"
)

func newServer(t *testing.T) (*imaptest.Server, func()) {
	filer := iox.NewFiler(0)
	filer.DefaultBufferMemSize = 1 << 20
	filer.Logf = t.Logf

	server, err := imaptest.NewServer(filer)
	if err != nil {
		t.Fatal(err)
	}
	server.Init(t)

	return server, func() {
		if err := server.Shutdown(); err != nil {
			t.Error(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		filer.Shutdown(ctx)
	}
}

func contains(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func TestGreetingAndCapability(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenSession(t)
	s.ReadExpect(`^\* OK \[CAPABILITY IMAP4rev1 LITERAL\+ AUTH=PLAIN\] IMAP gateway ready$`)

	s.Write("a1 CAPABILITY\r\n")
	s.ReadExpect(`^\* CAPABILITY IMAP4rev1 LITERAL\+ AUTH=PLAIN CHILDREN XAOL-OPTION NAMESPACE QUOTA IDLE$`)
	s.ReadExpectPrefix("a1 OK CAPABILITY")

	s.Write("a2 LOGIN %s %s\r\n", imaptest.Username, imaptest.Password)
	s.ReadExpect(`^a2 OK \[CAPABILITY IMAP4rev1 LITERAL\+ CHILDREN XAOL-OPTION NAMESPACE QUOTA IDLE\] LOGIN completed$`)

	s.Write("a3 CAPABILITY\r\n")
	s.ReadExpect(`^\* CAPABILITY IMAP4rev1 LITERAL\+ CHILDREN XAOL-OPTION NAMESPACE QUOTA IDLE$`)
	s.ReadExpectPrefix("a3 OK CAPABILITY")

	s.Write("a4 LOGOUT\r\n")
	s.ReadExpectPrefix("* BYE")
	s.ReadExpectPrefix("a4 OK LOGOUT")
}

func TestLoginFailure(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenSession(t)
	s.ReadExpectPrefix("* OK ")
	s.Write("a1 LOGIN %s letmein\r\n", imaptest.Username)
	s.ReadExpect(`^a1 NO LOGIN wrong username or password$`)
	s.Write("a2 LOGIN nosuchuser@example.com letmein\r\n")
	s.ReadExpect(`^a2 NO LOGIN wrong username or password$`)
}

func TestAuthenticatePlain(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenSession(t)
	s.ReadExpectPrefix("* OK ")
	s.Write("a1 AUTHENTICATE PLAIN\r\n")
	s.ReadExpectPrefix("+")
	resp := base64.StdEncoding.EncodeToString([]byte("\x00" + imaptest.Username + "\x00" + imaptest.Password))
	s.Write("%s\r\n", resp)
	s.ReadExpectPrefix("a1 OK [CAPABILITY ")

	// The initial response may ride on the command line itself.
	s2 := server.OpenSession(t)
	s2.SetName("inline")
	s2.ReadExpectPrefix("* OK ")
	s2.Write("a1 AUTHENTICATE PLAIN %s\r\n", resp)
	s2.ReadExpectPrefix("a1 OK [CAPABILITY ")
}

func TestSelectInbox(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenSession(t)
	s.ReadExpectPrefix("* OK ")
	s.Login()

	s.Write("a1 SELECT INBOX\r\n")
	untagged, tagged := s.ReadUntilTagged("a1")
	if tagged != "a1 OK [READ-WRITE] SELECT completed" {
		t.Errorf("SELECT response: %q", tagged)
	}
	for _, want := range []string{
		"* 2 EXISTS",
		"* 2 RECENT",
		`* FLAGS (\Seen \Draft \Deleted \Flagged \Answered $Forwarded)`,
		"* OK [UIDNEXT 3] Predicted next UID",
		"* OK [UIDVALIDITY 500002] UIDVALIDITY value",
	} {
		if !contains(untagged, want) {
			t.Errorf("SELECT INBOX missing %q in %q", want, untagged)
		}
	}

	// A second session sees no \Recent, the first SELECT moved the
	// high-water mark.
	s2 := server.OpenSession(t)
	s2.SetName("second")
	s2.ReadExpectPrefix("* OK ")
	s2.Login()
	s2.Write("a1 EXAMINE INBOX\r\n")
	untagged, tagged = s2.ReadUntilTagged("a1")
	if tagged != "a1 OK [READ-ONLY] EXAMINE completed" {
		t.Errorf("EXAMINE response: %q", tagged)
	}
	if !contains(untagged, "* 0 RECENT") {
		t.Errorf("EXAMINE INBOX missing RECENT reset in %q", untagged)
	}
}

func TestSelectEmptyMailbox(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenSession(t)
	s.ReadExpectPrefix("* OK ")
	s.Login()

	s.Write("a1 CREATE scratch\r\n")
	s.ReadExpect(`^a1 OK CREATE completed$`)

	s.Write("a2 SELECT scratch\r\n")
	untagged, tagged := s.ReadUntilTagged("a2")
	if tagged != "a2 OK [READ-WRITE] SELECT completed" {
		t.Errorf("SELECT response: %q", tagged)
	}
	for _, want := range []string{
		"* 0 EXISTS",
		"* 0 RECENT",
		"* OK [UIDNEXT 1] Predicted next UID",
	} {
		if !contains(untagged, want) {
			t.Errorf("SELECT scratch missing %q in %q", want, untagged)
		}
	}

	s.Write("a3 FETCH 1 (FLAGS)\r\n")
	s.ReadExpect(`^a3 BAD FETCH invalid message sequence number$`)

	// '*' on an empty mailbox matches nothing.
	s.Write("a4 UID FETCH 1:* (FLAGS)\r\n")
	s.ReadExpect(`^a4 OK UID FETCH completed$`)
}

func TestAppendUIDPlus(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenSession(t)
	s.ReadExpectPrefix("* OK ")
	s.Login()

	// LITERAL+ sends the message without waiting for a continuation.
	s.Write("a1 APPEND INBOX (\\Seen) {%d+}\r\n%s\r\n", len(imaptest.Msg1), imaptest.Msg1)
	s.ReadExpect(`^a1 OK \[APPENDUID 500002 3\] APPEND completed$`)

	s.Select("INBOX")
	s.Write("a2 UID FETCH 3 (FLAGS)\r\n")
	s.ReadExpect(`^\* 3 FETCH \(FLAGS \(\\Recent \\Seen\) UID 3\)$`)
	s.ReadExpect(`^a2 OK UID FETCH completed$`)

	s.Write("a3 APPEND nosuchbox {%d+}\r\n%s\r\n", len(imaptest.Msg1), imaptest.Msg1)
	s.ReadExpect(`^a3 NO \[TRYCREATE\] APPEND failed: mailbox does not exist$`)
}

func TestFetchHeaderFields(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenInbox(t)
	s.Write("a1 UID FETCH 1 (BODY.PEEK[HEADER.FIELDS (SUBJECT)])\r\n")
	s.ReadExpect(`^\* 1 FETCH \(BODY\[HEADER\.FIELDS \(SUBJECT\)\] \{\d+\}$`)
	var lines []string
	for {
		line := s.Read()
		if line == ")" {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 || lines[0] != "Subject: dinner" {
		t.Errorf("HEADER.FIELDS content: %q", lines)
	}
	s.ReadExpect(`^a1 OK UID FETCH completed$`)

	// PEEK did not set \Seen.
	s.Write("a2 UID FETCH 1 (FLAGS)\r\n")
	s.ReadExpect(`^\* 1 FETCH \(FLAGS \(\\Recent\) UID 1\)$`)
	s.ReadExpect(`^a2 OK UID FETCH completed$`)
}

func TestFetchSizeAndEnvelope(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenInbox(t)
	s.Write("a1 FETCH 1 (RFC822.SIZE)\r\n")
	s.ReadExpect(fmt.Sprintf(`^\* 1 FETCH \(RFC822\.SIZE %d\)$`, len(imaptest.Msg1)))
	s.ReadExpect(`^a1 OK FETCH completed$`)

	s.Write("a2 FETCH 1 (ENVELOPE)\r\n")
	s.ReadExpect(`^\* 1 FETCH \(ENVELOPE \(.*"dinner".*\)$`)
	s.ReadExpect(`^a2 OK FETCH completed$`)
}

func TestFetchRangeClipped(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	// Ranges reaching past the end of the mailbox are clipped to it,
	// not rejected. Pine asks for 1:5000 on a two-message inbox.
	s := server.OpenInbox(t)
	s.Write("a1 FETCH 1:100 (FLAGS)\r\n")
	s.ReadExpectPrefix("* 1 FETCH ")
	s.ReadExpectPrefix("* 2 FETCH ")
	s.ReadExpect(`^a1 OK FETCH completed$`)

	// A reversed range means the same as the ordered one.
	s.Write("a2 FETCH 100:2 (FLAGS)\r\n")
	s.ReadExpectPrefix("* 2 FETCH ")
	s.ReadExpect(`^a2 OK FETCH completed$`)

	// A range entirely past the end matches nothing.
	s.Write("a3 FETCH 50:100 (FLAGS)\r\n")
	s.ReadExpect(`^a3 OK FETCH completed$`)
}

func TestStoreFlagsIdempotent(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenInbox(t)
	s.Write("a1 STORE 1 +FLAGS (\\Flagged)\r\n")
	s.ReadExpect(`^\* 1 FETCH \(FLAGS \(\\Flagged \\Recent\) UID 1\)$`)
	s.ReadExpect(`^a1 OK STORE completed$`)

	// Setting a flag that is already set changes nothing.
	s.Write("a2 STORE 1 +FLAGS (\\Flagged)\r\n")
	s.ReadExpect(`^\* 1 FETCH \(FLAGS \(\\Flagged \\Recent\) UID 1\)$`)
	s.ReadExpect(`^a2 OK STORE completed$`)

	s.Write("a3 STORE 1 -FLAGS (\\Flagged)\r\n")
	s.ReadExpect(`^\* 1 FETCH \(FLAGS \(\\Recent\) UID 1\)$`)
	s.ReadExpect(`^a3 OK STORE completed$`)

	s.Write("a4 STORE 1 -FLAGS (\\Flagged)\r\n")
	s.ReadExpect(`^\* 1 FETCH \(FLAGS \(\\Recent\) UID 1\)$`)
	s.ReadExpect(`^a4 OK STORE completed$`)

	s.Write("a5 STORE 1 FLAGS.SILENT (\\Seen)\r\n")
	s.ReadExpect(`^a5 OK STORE completed$`)
	s.Write("a6 FETCH 1 (FLAGS)\r\n")
	s.ReadExpect(`^\* 1 FETCH \(FLAGS \(\\Recent \\Seen\)\)$`)
	s.ReadExpect(`^a6 OK FETCH completed$`)
}

func TestExpungeDescending(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenInbox(t)
	s.Write("a1 STORE 1:2 +FLAGS.SILENT (\\Deleted)\r\n")
	s.ReadExpect(`^a1 OK STORE completed$`)

	s.Write("a2 EXPUNGE\r\n")
	s.ReadExpect(`^\* 2 EXPUNGE$`)
	s.ReadExpect(`^\* 1 EXPUNGE$`)
	s.ReadExpect(`^a2 OK EXPUNGE completed$`)

	s.Write("a3 FETCH 1 (FLAGS)\r\n")
	s.ReadExpect(`^a3 BAD FETCH invalid message sequence number$`)
}

func TestUIDExpunge(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenInbox(t)
	s.Write("a1 STORE 1:2 +FLAGS.SILENT (\\Deleted)\r\n")
	s.ReadExpect(`^a1 OK STORE completed$`)

	// Only the named UID goes, the other stays marked.
	s.Write("a2 UID EXPUNGE 1\r\n")
	s.ReadExpect(`^\* 1 EXPUNGE$`)
	s.ReadExpect(`^a2 OK EXPUNGE completed$`)

	s.Write("a3 UID FETCH 2 (FLAGS)\r\n")
	s.ReadExpect(`^\* 1 FETCH \(FLAGS \(\\Deleted \\Recent\) UID 2\)$`)
	s.ReadExpect(`^a3 OK UID FETCH completed$`)

	s.Write("a4 UID EXPUNGE 2\r\n")
	s.ReadExpect(`^\* 1 EXPUNGE$`)
	s.ReadExpect(`^a4 OK EXPUNGE completed$`)
}

func TestCopyAndMove(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenSession(t)
	s.ReadExpectPrefix("* OK ")
	s.Login()
	s.Write("a1 CREATE Archive\r\n")
	s.ReadExpect(`^a1 OK CREATE completed$`)
	s.Select("INBOX")

	s.Write("a2 COPY 1 Archive\r\n")
	s.ReadExpect(`^a2 OK COPY completed$`)
	s.Write("a3 STATUS Archive (MESSAGES)\r\n")
	s.ReadExpect(`^\* STATUS Archive \(MESSAGES 1\)$`)
	s.ReadExpect(`^a3 OK STATUS completed$`)

	s.Write("a4 XAOL-MOVE 2 Archive\r\n")
	s.ReadExpect(`^\* 2 EXPUNGE$`)
	s.ReadExpect(`^a4 OK XAOL-MOVE completed$`)
	s.Write("a5 STATUS Archive (MESSAGES)\r\n")
	s.ReadExpect(`^\* STATUS Archive \(MESSAGES 2\)$`)
	s.ReadExpect(`^a5 OK STATUS completed$`)

	s.Write("a6 STATUS INBOX (MESSAGES)\r\n")
	s.ReadExpect(`^\* STATUS INBOX \(MESSAGES 1\)$`)
	s.ReadExpect(`^a6 OK STATUS completed$`)

	s.Write("a7 COPY 1 nosuchbox\r\n")
	s.ReadExpect(`^a7 NO \[TRYCREATE\] COPY failed: mailbox does not exist$`)
}

func TestSearch(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenInbox(t)
	s.Write("a1 SEARCH SUBJECT dinner\r\n")
	s.ReadExpect(`^\* SEARCH 1$`)
	s.ReadExpect(`^a1 OK SEARCH completed$`)

	s.Write("a2 UID SEARCH ALL\r\n")
	s.ReadExpect(`^\* SEARCH 1 2$`)
	s.ReadExpect(`^a2 OK UID SEARCH completed$`)

	s.Write("a3 SEARCH UNSEEN\r\n")
	s.ReadExpect(`^\* SEARCH 1 2$`)
	s.ReadExpect(`^a3 OK SEARCH completed$`)

	s.Write("a4 SEARCH TEXT minutes\r\n")
	s.ReadExpect(`^\* SEARCH 2$`)
	s.ReadExpect(`^a4 OK SEARCH completed$`)

	s.Write("a5 STORE 1 +FLAGS.SILENT (\\Seen)\r\n")
	s.ReadExpect(`^a5 OK STORE completed$`)
	s.Write("a6 SEARCH SEEN\r\n")
	s.ReadExpect(`^\* SEARCH 1$`)
	s.ReadExpect(`^a6 OK SEARCH completed$`)
}

func TestListLsub(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenSession(t)
	s.ReadExpectPrefix("* OK ")
	s.Login()

	s.Write("a1 LIST \"\" *\r\n")
	untagged, tagged := s.ReadUntilTagged("a1")
	if tagged != "a1 OK LIST completed" {
		t.Errorf("LIST response: %q", tagged)
	}
	if !contains(untagged, `* LIST (\HasNoChildren) "/" INBOX`) {
		t.Errorf("LIST missing INBOX in %q", untagged)
	}
	findList := func(name string) string {
		for _, l := range untagged {
			if strings.Contains(l, name) {
				return l
			}
		}
		t.Errorf("LIST missing %s in %q", name, untagged)
		return ""
	}
	for name, attr := range map[string]string{
		`"Sent Items"`:    `\Sent`,
		`"Deleted Items"`: `\Trash`,
		`Drafts`:          `\Drafts`,
		`"Junk E-mail"`:   `\Junk`,
	} {
		if l := findList(name); l != "" && !strings.Contains(l, attr) {
			t.Errorf("LIST %s missing %s attribute: %q", name, attr, l)
		}
	}

	// Empty pattern reports only the hierarchy delimiter.
	s.Write("a2 LIST \"\" \"\"\r\n")
	s.ReadExpect(`^\* LIST \(\\Noselect\) "/" ""$`)
	s.ReadExpect(`^a2 OK LIST completed$`)

	// LSUB starts with only INBOX.
	s.Write("a3 LSUB \"\" *\r\n")
	untagged, tagged = s.ReadUntilTagged("a3")
	if tagged != "a3 OK LSUB completed" {
		t.Errorf("LSUB response: %q", tagged)
	}
	if len(untagged) != 1 || untagged[0] != `* LSUB (\HasNoChildren) "/" INBOX` {
		t.Errorf("initial LSUB: %q", untagged)
	}

	s.Write("a4 SUBSCRIBE Drafts\r\n")
	s.ReadExpect(`^a4 OK SUBSCRIBE completed$`)
	s.Write("a5 LSUB \"\" *\r\n")
	untagged, _ = s.ReadUntilTagged("a5")
	if len(untagged) != 2 {
		t.Errorf("LSUB after SUBSCRIBE: %q", untagged)
	}
	s.Write("a6 UNSUBSCRIBE Drafts\r\n")
	s.ReadExpect(`^a6 OK UNSUBSCRIBE completed$`)
	s.Write("a7 UNSUBSCRIBE INBOX\r\n")
	s.ReadExpect(`^a7 NO UNSUBSCRIBE INBOX may not be unsubscribed$`)
}

func TestStatusInbox(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenSession(t)
	s.ReadExpectPrefix("* OK ")
	s.Login()
	s.Write("a1 STATUS INBOX (MESSAGES RECENT UIDNEXT UNSEEN UIDVALIDITY)\r\n")
	s.ReadExpect(`^\* STATUS INBOX \(MESSAGES 2 RECENT 2 UIDNEXT 3 UNSEEN 2 UIDVALIDITY 500002\)$`)
	s.ReadExpect(`^a1 OK STATUS completed$`)
}

func TestNamespaceAndQuota(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenSession(t)
	s.ReadExpectPrefix("* OK ")
	s.Login()

	s.Write("a1 NAMESPACE\r\n")
	s.ReadExpect(`^\* NAMESPACE \(\("" "/"\)\) NIL NIL$`)
	s.ReadExpect(`^a1 OK NAMESPACE completed$`)

	s.Write("a2 GETQUOTAROOT INBOX\r\n")
	s.ReadExpect(`^\* QUOTAROOT INBOX ""$`)
	s.ReadExpect(`^\* QUOTA "" \(\)$`)
	s.ReadExpect(`^a2 OK GETQUOTAROOT completed$`)

	s.Write("a3 GETQUOTA \"\"\r\n")
	s.ReadExpect(`^\* QUOTA "" \(\)$`)
	s.ReadExpect(`^a3 OK GETQUOTA completed$`)

	s.Write("a4 SETQUOTA \"\" (STORAGE 1024)\r\n")
	s.ReadExpect(`^a4 NO SETQUOTA Permission denied$`)
}

func TestMailboxManagement(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.OpenSession(t)
	s.ReadExpectPrefix("* OK ")
	s.Login()

	s.Write("a1 CREATE projects/go\r\n")
	s.ReadExpect(`^a1 OK CREATE completed$`)
	s.Write("a2 CREATE projects/go\r\n")
	s.ReadExpect(`^a2 NO CREATE failed: folder already exists$`)

	s.Write("a3 LIST \"\" projects\r\n")
	line := s.ReadExpectPrefix("* LIST (")
	if !strings.Contains(line, `\HasChildren`) {
		t.Errorf("LIST projects missing \\HasChildren: %q", line)
	}
	s.ReadExpect(`^a3 OK LIST completed$`)

	s.Write("a4 RENAME projects/go projects/golang\r\n")
	s.ReadExpect(`^a4 OK RENAME completed$`)

	s.Write("a5 DELETE INBOX\r\n")
	s.ReadExpect(`^a5 NO DELETE error deleting INBOX is not allowed$`)
	s.Write("a6 RENAME INBOX elsewhere\r\n")
	s.ReadExpect(`^a6 NO RENAME INBOX not supported$`)
	s.Write("a7 DELETE \"Sent Items\"\r\n")
	s.ReadExpect(`^a7 NO DELETE special folder may not be deleted$`)

	s.Write("a8 DELETE projects/golang\r\n")
	s.ReadExpect(`^a8 OK DELETE completed$`)
	s.Write("a9 DELETE projects\r\n")
	s.ReadExpect(`^a9 OK DELETE completed$`)
	s.Write("a10 DELETE projects\r\n")
	s.ReadExpect(`^a10 NO DELETE failed: not found$`)
}

func TestIdle(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	s := server.Idle(t, "INBOX")
	server.Deliver(t, imaptest.Msg1)
	s.ReadExpect(`^\* 3 RECENT$`)
	s.ReadExpect(`^\* 3 EXISTS$`)
	s.Write("DONE\r\n")
	s.ReadExpect(`^t03 OK IDLE complete$`)

	// A line other than DONE ends the IDLE with a complaint.
	s.Write("t04 IDLE\r\n")
	s.ReadExpectPrefix("+ waiting for notifications")
	s.Write("bogus\r\n")
	s.ReadExpect(`^\* BAD still in idle state$`)
	s.ReadExpect(`^t04 OK IDLE complete$`)
}

func TestIdleSeesFlagChange(t *testing.T) {
	server, shutdown := newServer(t)
	defer shutdown()

	idler := server.Idle(t, "INBOX")

	s := server.OpenInbox(t)
	s.SetName("writer")
	s.Write("a1 STORE 1 +FLAGS.SILENT (\\Seen)\r\n")
	s.ReadExpect(`^a1 OK STORE completed$`)

	idler.ReadExpect(`^\* 1 FETCH \(FLAGS \(\\Recent \\Seen\)\)$`)
	idler.Write("DONE\r\n")
	idler.ReadExpect(`^t03 OK IDLE complete$`)
}
