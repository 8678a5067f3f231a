package imapparser

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"reflect"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
)

var parseCommandTests = []struct {
	name   string
	input  string
	mode   Mode
	output Command
	errstr string
}{
	{
		input:  "\r\n",
		errstr: "no command tag",
	},
	{
		input:  "3 FOO\r\n",
		errstr: "unknown command",
	},
	{
		input:  "0 UID FOO\r\n",
		errstr: "unknown command",
	},
	{
		input:  "0 UID LOGIN\r\n",
		errstr: "LOGIN does not support the UID prefix",
	},
	{
		input:  "0 uid login\r\n",
		errstr: "LOGIN does not support the UID prefix",
	},
	{
		input:  "0 NOOP\r\n",
		output: Command{Tag: []byte("0"), Name: "NOOP"},
	},
	{
		input:  "0 ENABLE UTF8\r\n",
		errstr: "unknown command",
	},
	{
		input:  "0 ID NIL\r\n",
		errstr: "unknown command",
	},
	{
		input:  "0 LOGIN\r\n",
		mode:   ModeAuth,
		errstr: "bad mode for command LOGIN",
	},
	{
		input:  "0 LOGIN\r\n",
		errstr: "LOGIN must have 2 arguments",
	},
	{
		input:  "0 LOGIN me\r\n",
		errstr: "LOGIN must have 2 arguments",
	},
	{
		input: "0 LOGIN me secret\r\n",
		output: Command{
			Tag:  []byte("0"),
			Name: "LOGIN",
			Auth: struct{ Username, Password []byte }{
				Username: []byte("me"),
				Password: []byte("secret"),
			},
		},
	},
	{
		name:  "LOGIN windows-1252 password",
		input: "0 LOGIN m\xfcller \"p\xe4ss\"\r\n",
		output: Command{
			Tag:  []byte("0"),
			Name: "LOGIN",
			Auth: struct{ Username, Password []byte }{
				Username: []byte("müller"),
				Password: []byte("päss"),
			},
		},
	},
	{
		input:  "0 AUTHENTICATE\r\n",
		errstr: "missing mechanism",
	},
	{
		input:  "0 AUTHENTICATE PLAIN\r\n",
		errstr: "EOF",
	},
	{
		input:  "0 AUTHENTICATE PLAIN foo\r\n",
		errstr: "invalid base64",
	},
	{
		input: "0 AUTHENTICATE PLAIN\r\n" +
			// "FREDLAND\x00FRED FOOBAR\x00secret key"
			"RlJFRExBTkQARlJFRCBGT09CQVIAc2VjcmV0IGtleQ==\r\n",
		output: Command{
			Tag:  []byte("0"),
			Name: "AUTHENTICATE",
			Auth: struct{ Username, Password []byte }{
				Username: []byte("FRED FOOBAR"),
				Password: []byte("secret key"),
			},
		},
	},
	{
		name: "AUTHENTICATE inline initial response",
		// "FREDLAND\x00FRED FOOBAR\x00secret key"
		input:  "0 AUTHENTICATE PLAIN RlJFRExBTkQARlJFRCBGT09CQVIAc2VjcmV0IGtleQ==\r\n",
		output: Command{
			Tag:  []byte("0"),
			Name: "AUTHENTICATE",
			Auth: struct{ Username, Password []byte }{
				Username: []byte("FRED FOOBAR"),
				Password: []byte("secret key"),
			},
		},
	},
	{
		input:  "0 AUTHENTICATE PLAIN RlJFRExBTkQARlJFRCBGT09CQVIAc2VjcmV0IGtleQ== extra\r\n",
		errstr: "has trailing arg",
	},
	{input: "0 SELECT\r\n", mode: ModeAuth, errstr: "SELECT must have 1 arguments"},
	{input: "0 EXAMINE\r\n", mode: ModeAuth, errstr: "EXAMINE must have 1 arguments"},
	{
		input: "0 SELECT inbox\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("0"),
			Name:    "SELECT",
			Mailbox: []byte("INBOX"),
		},
	},
	{
		input: "0 SELECT {5}\r\nINBOX\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("0"),
			Name:    "SELECT",
			Mailbox: []byte("INBOX"),
		},
	},
	{
		name:  "SELECT modified UTF-7 mailbox",
		input: "0 SELECT Gel&APY-scht\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("0"),
			Name:    "SELECT",
			Mailbox: []byte("Gelöscht"),
		},
	},
	{
		input: "0 EXAMINE Drafts\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:     []byte("0"),
			Name:    "EXAMINE",
			Mailbox: []byte("Drafts"),
		},
	},
	{
		input: "0 CREATE Projects/Gateway\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("0"),
			Name:    "CREATE",
			Mailbox: []byte("Projects/Gateway"),
		},
	},
	{
		input: "0 DELETE Projects\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("0"),
			Name:    "DELETE",
			Mailbox: []byte("Projects"),
		},
	},
	{
		input: "0 RENAME old new\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:  []byte("0"),
			Name: "RENAME",
			Rename: struct{ OldMailbox, NewMailbox []byte }{
				OldMailbox: []byte("old"),
				NewMailbox: []byte("new"),
			},
		},
	},
	{
		input:  "0 RENAME old\r\n",
		mode:   ModeAuth,
		errstr: "RENAME must have 2 arguments",
	},
	{
		input: "0 SUBSCRIBE Lists\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("0"),
			Name:    "SUBSCRIBE",
			Mailbox: []byte("Lists"),
		},
	},
	{
		input: `0 LIST "" *` + "\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:  []byte("0"),
			Name: "LIST",
			List: List{MailboxGlob: []byte("*")},
		},
	},
	{
		input: `0 LIST "Projects" %` + "\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:  []byte("0"),
			Name: "LIST",
			List: List{
				ReferenceName: []byte("Projects"),
				MailboxGlob:   []byte("%"),
			},
		},
	},
	{
		input: `0 LSUB "" "INBOX/*"` + "\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:  []byte("0"),
			Name: "LSUB",
			List: List{MailboxGlob: []byte("INBOX/*")},
		},
	},
	{
		input:  `0 LIST ""` + "\r\n",
		mode:   ModeAuth,
		errstr: "LIST must have 2 arguments",
	},
	{
		input: "0 STATUS INBOX (MESSAGES RECENT UIDNEXT UIDVALIDITY UNSEEN)\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("0"),
			Name:    "STATUS",
			Mailbox: []byte("INBOX"),
			Status: struct{ Items []StatusItem }{
				Items: []StatusItem{
					StatusMessages, StatusRecent, StatusUIDNext,
					StatusUIDValidity, StatusUnseen,
				},
			},
		},
	},
	{
		input:  "0 STATUS INBOX (HIGHESTMODSEQ)\r\n",
		mode:   ModeAuth,
		errstr: "STATUS unknown item",
	},
	{
		input: "0 APPEND saved {10}\r\n0123456789\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:         []byte("0"),
			Name:        "APPEND",
			Mailbox:     []byte("saved"),
			Literal:     literal("0123456789"),
			LiteralSync: true,
		},
	},
	{
		name:  "APPEND LITERAL+",
		input: "0 APPEND saved {10+}\r\n0123456789\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("0"),
			Name:    "APPEND",
			Mailbox: []byte("saved"),
			Literal: literal("0123456789"),
		},
	},
	{
		input: `0 APPEND saved (\Seen \Draft) {3}` + "\r\nabc\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("0"),
			Name:    "APPEND",
			Mailbox: []byte("saved"),
			Append: struct {
				Flags [][]byte
				Date  []byte
			}{
				Flags: [][]byte{[]byte(`\Seen`), []byte(`\Draft`)},
			},
			Literal:     literal("abc"),
			LiteralSync: true,
		},
	},
	{
		input: `0 APPEND saved (\Seen) "15-Mar-2019 07:32:40 +0100" {3}` + "\r\nabc\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("0"),
			Name:    "APPEND",
			Mailbox: []byte("saved"),
			Append: struct {
				Flags [][]byte
				Date  []byte
			}{
				Flags: [][]byte{[]byte(`\Seen`)},
				Date:  []byte("15-Mar-2019 07:32:40 +0100"),
			},
			Literal:     literal("abc"),
			LiteralSync: true,
		},
	},
	{
		input:  "0 APPEND saved\r\n",
		mode:   ModeAuth,
		errstr: "APPEND missing literal",
	},
	{
		input:  "0 CHECK\r\n",
		mode:   ModeSelected,
		output: Command{Tag: []byte("0"), Name: "CHECK"},
	},
	{
		input:  "0 CLOSE\r\n",
		mode:   ModeSelected,
		output: Command{Tag: []byte("0"), Name: "CLOSE"},
	},
	{
		input:  "0 EXPUNGE\r\n",
		mode:   ModeSelected,
		output: Command{Tag: []byte("0"), Name: "EXPUNGE"},
	},
	{
		input: "0 UID EXPUNGE 4:7,9\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("0"),
			Name: "EXPUNGE",
			UID:  true,
			Sequences: []SeqRange{
				{Min: 4, Max: 7},
				{Min: 9, Max: 9},
			},
		},
	},
	{
		input:  "0 EXPUNGE\r\n",
		mode:   ModeAuth,
		errstr: "bad mode",
	},
	{
		input: "0 FETCH 1:3 (FLAGS UID)\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("0"),
			Name:      "FETCH",
			Sequences: []SeqRange{{Min: 1, Max: 3}},
			FetchItems: []FetchItem{
				{Type: FetchFlags},
				{Type: FetchUID},
			},
		},
	},
	{
		input: "0 FETCH 1 ALL\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:        []byte("0"),
			Name:       "FETCH",
			Sequences:  []SeqRange{{Min: 1, Max: 1}},
			FetchItems: []FetchItem{{Type: FetchAll}},
		},
	},
	{
		input: "0 FETCH 2:* RFC822.SIZE\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:        []byte("0"),
			Name:       "FETCH",
			Sequences:  []SeqRange{{Min: 2, Max: 0}},
			FetchItems: []FetchItem{{Type: FetchRFC822Size}},
		},
	},
	{
		input: "0 FETCH 1 BODY.PEEK[HEADER.FIELDS (From To)]\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("0"),
			Name:      "FETCH",
			Sequences: []SeqRange{{Min: 1, Max: 1}},
			FetchItems: []FetchItem{{
				Type: FetchBody,
				Peek: true,
				Section: FetchItemSection{
					Name:    "HEADER.FIELDS",
					Headers: [][]byte{[]byte("From"), []byte("To")},
				},
			}},
		},
	},
	{
		input: "0 FETCH 1 BODY[1.2.TEXT]<4.1024>\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("0"),
			Name:      "FETCH",
			Sequences: []SeqRange{{Min: 1, Max: 1}},
			FetchItems: []FetchItem{{
				Type: FetchBody,
				Section: FetchItemSection{
					Path: []uint16{1, 2},
					Name: "TEXT",
				},
				Partial: struct{ Start, Length uint32 }{
					Start:  4,
					Length: 1024,
				},
			}},
		},
	},
	{
		input: "0 UID FETCH 7 FLAGS\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("0"),
			Name:      "FETCH",
			UID:       true,
			Sequences: []SeqRange{{Min: 7, Max: 7}},
			FetchItems: []FetchItem{
				{Type: FetchFlags},
				{Type: FetchUID},
			},
		},
	},
	{
		input:  "0 FETCH 1 (FLAGS) (CHANGEDSINCE 1234)\r\n",
		mode:   ModeSelected,
		errstr: "trailing arg",
	},
	{
		input: `0 STORE 1:2 +FLAGS (\Seen)` + "\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("0"),
			Name:      "STORE",
			Sequences: []SeqRange{{Min: 1, Max: 2}},
			Store: Store{
				Mode:  StoreAdd,
				Flags: [][]byte{[]byte(`\Seen`)},
			},
		},
	},
	{
		input: `0 STORE 3 -FLAGS.SILENT (\Deleted \Flagged)` + "\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("0"),
			Name:      "STORE",
			Sequences: []SeqRange{{Min: 3, Max: 3}},
			Store: Store{
				Mode:   StoreRemove,
				Silent: true,
				Flags:  [][]byte{[]byte(`\Deleted`), []byte(`\Flagged`)},
			},
		},
	},
	{
		name:  "STORE without flag parens",
		input: `0 STORE 3 FLAGS \Seen \Answered` + "\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("0"),
			Name:      "STORE",
			Sequences: []SeqRange{{Min: 3, Max: 3}},
			Store: Store{
				Mode:  StoreReplace,
				Flags: [][]byte{[]byte(`\Seen`), []byte(`\Answered`)},
			},
		},
	},
	{
		input: `0 STORE 1 +FLAGS ($Forwarded)` + "\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("0"),
			Name:      "STORE",
			Sequences: []SeqRange{{Min: 1, Max: 1}},
			Store: Store{
				Mode:  StoreAdd,
				Flags: [][]byte{[]byte("$Forwarded")},
			},
		},
	},
	{
		input:  `0 STORE 1 (UNCHANGEDSINCE 5) +FLAGS (\Seen)` + "\r\n",
		mode:   ModeSelected,
		errstr: "STORE must have 3 arguments",
	},
	{
		input: "0 COPY 2:4 Archive\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("0"),
			Name:      "COPY",
			Sequences: []SeqRange{{Min: 2, Max: 4}},
			Mailbox:   []byte("Archive"),
		},
	},
	{
		input: "0 XAOL-MOVE 2:4 Archive\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("0"),
			Name:      "XAOL-MOVE",
			Sequences: []SeqRange{{Min: 2, Max: 4}},
			Mailbox:   []byte("Archive"),
		},
	},
	{
		input: "0 UID XAOL-MOVE 1000:* Archive\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:       []byte("0"),
			Name:      "XAOL-MOVE",
			UID:       true,
			Sequences: []SeqRange{{Min: 1000, Max: 0}},
			Mailbox:   []byte("Archive"),
		},
	},
	{
		input:  "0 MOVE 2:4 Archive\r\n",
		mode:   ModeSelected,
		errstr: "unknown command",
	},
	{
		input:  "0 NAMESPACE\r\n",
		mode:   ModeAuth,
		output: Command{Tag: []byte("0"), Name: "NAMESPACE"},
	},
	{
		input: "0 GETQUOTAROOT INBOX\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:     []byte("0"),
			Name:    "GETQUOTAROOT",
			Mailbox: []byte("INBOX"),
		},
	},
	{
		input: `0 GETQUOTA ""` + "\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:  []byte("0"),
			Name: "GETQUOTA",
		},
	},
	{
		input: `0 SETQUOTA "" (STORAGE 512)` + "\r\n",
		mode:  ModeAuth,
		output: Command{
			Tag:  []byte("0"),
			Name: "SETQUOTA",
			Quota: Quota{
				Resources: []QuotaResource{
					{Name: []byte("STORAGE"), Limit: 512},
				},
			},
		},
	},
	{
		input:  `0 SETQUOTA ""` + "\r\n",
		mode:   ModeAuth,
		errstr: "SETQUOTA must have 2 arguments",
	},
	{
		input: "0 SEARCH ALL\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:    []byte("0"),
			Name:   "SEARCH",
			Search: Search{Op: &SearchOp{Key: "ALL"}},
		},
	},
	{
		input: "0 UID SEARCH UNSEEN\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:    []byte("0"),
			Name:   "SEARCH",
			UID:    true,
			Search: Search{Op: &SearchOp{Key: "UNSEEN"}},
		},
	},
	{
		input: "0 SEARCH CHARSET UTF-8 SUBJECT report\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("0"),
			Name: "SEARCH",
			Search: Search{
				Charset: "UTF-8",
				Op:      &SearchOp{Key: "SUBJECT", Value: "report"},
			},
		},
	},
	{
		name:  "SEARCH charset is recorded, not validated",
		input: "0 SEARCH CHARSET ISO-8859-1 TEXT hi\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("0"),
			Name: "SEARCH",
			Search: Search{
				Charset: "ISO-8859-1",
				Op:      &SearchOp{Key: "TEXT", Value: "hi"},
			},
		},
	},
	{
		input: "0 SEARCH OR SEEN FLAGGED\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("0"),
			Name: "SEARCH",
			Search: Search{Op: &SearchOp{
				Key: "OR",
				Children: []SearchOp{
					{Key: "SEEN"},
					{Key: "FLAGGED"},
				},
			}},
		},
	},
	{
		input: "0 SEARCH NOT DELETED SINCE 1-Feb-1994\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("0"),
			Name: "SEARCH",
			Search: Search{Op: &SearchOp{
				Key: "AND",
				Children: []SearchOp{
					{
						Key:      "NOT",
						Children: []SearchOp{{Key: "DELETED"}},
					},
					{
						Key:  "SINCE",
						Date: time.Date(1994, time.February, 1, 0, 0, 0, 0, time.UTC),
					},
				},
			}},
		},
	},
	{
		input: "0 SEARCH (LARGER 1024 SMALLER 4096)\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("0"),
			Name: "SEARCH",
			Search: Search{Op: &SearchOp{
				Key: "AND",
				Children: []SearchOp{
					{Key: "LARGER", Num: 1024},
					{Key: "SMALLER", Num: 4096},
				},
			}},
		},
	},
	{
		input: "0 SEARCH 2:4,9 UNDELETED\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("0"),
			Name: "SEARCH",
			Search: Search{Op: &SearchOp{
				Key: "AND",
				Children: []SearchOp{
					{
						Key: "SEQSET",
						Sequences: []SeqRange{
							{Min: 2, Max: 4},
							{Min: 9, Max: 9},
						},
					},
					{Key: "UNDELETED"},
				},
			}},
		},
	},
	{
		input: "0 SEARCH UID 7:11\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("0"),
			Name: "SEARCH",
			Search: Search{Op: &SearchOp{
				Key:       "UID",
				Sequences: []SeqRange{{Min: 7, Max: 11}},
			}},
		},
	},
	{
		input: `0 SEARCH HEADER Message-ID "<x@y>"` + "\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("0"),
			Name: "SEARCH",
			Search: Search{Op: &SearchOp{
				Key:   "HEADER",
				Value: "Message-ID: <x@y>",
			}},
		},
	},
	{
		input: "0 SEARCH KEYWORD $Forwarded\r\n",
		mode:  ModeSelected,
		output: Command{
			Tag:  []byte("0"),
			Name: "SEARCH",
			Search: Search{Op: &SearchOp{
				Key:   "KEYWORD",
				Value: "$Forwarded",
			}},
		},
	},
	{
		input:  "0 SEARCH MODSEQ 1234\r\n",
		mode:   ModeSelected,
		errstr: "SEARCH key unknown",
	},
	{
		input:  "0 IDLE\r\n",
		mode:   ModeSelected,
		output: Command{Tag: []byte("0"), Name: "IDLE"},
	},
	{
		input:  "0 IDLE\r\n",
		errstr: "bad mode",
	},
	{
		input:  "0 STARTTLS\r\n",
		output: Command{Tag: []byte("0"), Name: "STARTTLS"},
	},
}

func literal(contents string) *iox.BufferFile {
	f := filer.BufferFile(0)
	if _, err := io.WriteString(f, contents); err != nil {
		panic(err)
	}
	return f
}

var filer = iox.NewFiler(0)

func TestParseCommand(t *testing.T) {
	for _, test := range parseCommandTests {
		name := test.name
		if name == "" {
			name = test.input
		}
		t.Run(name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(test.input))
			f := filer.BufferFile(1024)
			defer f.Close()
			p := &Parser{
				Scanner: NewScanner(r, f, nil),
				Mode:    test.mode,
			}
			err := p.ParseCommand()
			if err != nil {
				t.Logf("err=%v", err)
				errstr := err.Error()
				if !strings.Contains(errstr, test.errstr) {
					t.Errorf("parse error %q, want substring %q", errstr, test.errstr)
				}
				if test.errstr == "" {
					t.Errorf("unexpected parse error: %v", err)
				} else {
					if _, err := r.Peek(1); err != io.EOF {
						t.Errorf("unconsumed buffer on error: %d", r.Buffered())
					}
				}
				if p.Command.Name == "" {
					return
				}
			}
			if !equalCommand(p.Command, test.output) {
				t.Errorf("ParseCommand=\n\t%v\n, want\n\t%v", p.Command, test.output)
			}
		})
	}
}

func equalSeqRange(s0, s1 []SeqRange) bool {
	if len(s0) == 0 && len(s1) == 0 {
		return true
	}
	return reflect.DeepEqual(s0, s1)
}

func equalCommand(c0, c1 Command) bool {
	if !bytes.Equal(c0.Tag, c1.Tag) {
		return false
	}
	if c0.Name != c1.Name {
		return false
	}
	if c0.UID != c1.UID {
		return false
	}
	if !bytes.Equal(c0.Mailbox, c1.Mailbox) {
		return false
	}
	if !equalSeqRange(c0.Sequences, c1.Sequences) {
		return false
	}
	if c0.Literal != nil || c1.Literal != nil {
		var c0len, c1len int64
		if c0.Literal != nil {
			c0len = c0.Literal.Size()
		}
		if c1.Literal != nil {
			c1len = c1.Literal.Size()
		}
		if c0len != c1len {
			return false
		}
		if c0len != 0 {
			r0 := io.NewSectionReader(c0.Literal, 0, c0.Literal.Size())
			b0, err := io.ReadAll(r0)
			if err != nil {
				return false
			}
			r1 := io.NewSectionReader(c1.Literal, 0, c1.Literal.Size())
			b1, err := io.ReadAll(r1)
			if err != nil {
				return false
			}
			if !bytes.Equal(b0, b1) {
				return false
			}
		}
	}
	if c0.LiteralSync != c1.LiteralSync {
		return false
	}
	if !bytes.Equal(c0.Rename.OldMailbox, c1.Rename.OldMailbox) {
		return false
	}
	if !bytes.Equal(c0.Rename.NewMailbox, c1.Rename.NewMailbox) {
		return false
	}
	if !bytes.Equal(c0.Auth.Username, c1.Auth.Username) {
		return false
	}
	if !bytes.Equal(c0.Auth.Password, c1.Auth.Password) {
		return false
	}
	if !bytes.Equal(c0.List.MailboxGlob, c1.List.MailboxGlob) {
		return false
	}
	if !bytes.Equal(c0.List.ReferenceName, c1.List.ReferenceName) {
		return false
	}
	if len(c0.Status.Items) > 0 || len(c1.Status.Items) > 0 {
		if !reflect.DeepEqual(c0.Status.Items, c1.Status.Items) {
			return false
		}
	}
	if len(c0.Append.Flags) > 0 || len(c1.Append.Flags) > 0 {
		if !reflect.DeepEqual(c0.Append.Flags, c1.Append.Flags) {
			return false
		}
	}
	if !bytes.Equal(c0.Append.Date, c1.Append.Date) {
		return false
	}
	if len(c0.FetchItems) > 0 || len(c1.FetchItems) > 0 {
		if len(c0.FetchItems) != len(c1.FetchItems) {
			return false
		}
		for i := range c0.FetchItems {
			i0, i1 := &c0.FetchItems[i], &c1.FetchItems[i]
			if i0.Type != i1.Type || i0.Peek != i1.Peek {
				return false
			}
			if i0.Section.Name != i1.Section.Name {
				return false
			}
			if len(i0.Section.Path) > 0 || len(i1.Section.Path) > 0 {
				if !reflect.DeepEqual(i0.Section.Path, i1.Section.Path) {
					return false
				}
			}
			if len(i0.Section.Headers) > 0 || len(i1.Section.Headers) > 0 {
				if !reflect.DeepEqual(i0.Section.Headers, i1.Section.Headers) {
					return false
				}
			}
			if i0.Partial != i1.Partial {
				return false
			}
		}
	}
	if c0.Store.Mode != c1.Store.Mode {
		return false
	}
	if c0.Store.Silent != c1.Store.Silent {
		return false
	}
	if len(c0.Store.Flags) > 0 || len(c1.Store.Flags) > 0 {
		if !reflect.DeepEqual(c0.Store.Flags, c1.Store.Flags) {
			return false
		}
	}
	if !reflect.DeepEqual(c0.Search.Op, c1.Search.Op) {
		return false
	}
	if c0.Search.Charset != c1.Search.Charset {
		return false
	}
	if !bytes.Equal(c0.Quota.Root, c1.Quota.Root) {
		return false
	}
	if len(c0.Quota.Resources) > 0 || len(c1.Quota.Resources) > 0 {
		if !reflect.DeepEqual(c0.Quota.Resources, c1.Quota.Resources) {
			return false
		}
	}
	return true
}

func TestLiteralContinuationFunc(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	cont := make(chan string)
	contFn := func(msg string, len uint32) {
		if !strings.HasPrefix(msg, "+ ") {
			t.Errorf(`continuation message %q missing "+ " prefix`, msg)
		}
		if !strings.HasSuffix(msg, "\r\n") {
			t.Errorf("continuation message %q missing CRLF", msg)
		}
		cont <- msg
	}

	f := filer.BufferFile(1024)
	defer f.Close()

	p := &Parser{
		Scanner: NewScanner(bufio.NewReader(r), f, contFn),
	}
	parseErr := make(chan error)
	go func() {
		parseErr <- p.ParseCommand()
	}()

	if _, err := w.WriteString("A001 LOGIN {11}\r\n"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-cont:
	case err := <-parseErr:
		t.Fatalf("parse error before username: %v", err)
	case <-time.After(1 * time.Second):
		t.Fatal("timeout before username")
	}
	if _, err := w.WriteString("FRED FOOBAR {7}\r\n"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-cont:
	case err := <-parseErr:
		t.Fatalf("parse error before password: %v", err)
	case <-time.After(1 * time.Second):
		t.Fatal("timeout before password")
	}
	if _, err := w.WriteString("fat man\r\n"); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-parseErr:
		// At this point we should expect a nil err.
		if err != nil {
			t.Fatalf("parse error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for parse")
	}

	want := Command{
		Tag:  []byte("A001"),
		Name: "LOGIN",
		Auth: struct{ Username, Password []byte }{
			Username: []byte("FRED FOOBAR"),
			Password: []byte("fat man"),
		},
	}

	if !equalCommand(p.Command, want) {
		t.Errorf("got:\n\t%s\n\t%s", p.Command, want)
	}
}

func TestNonSyncLiteralNoContinuation(t *testing.T) {
	contFn := func(msg string, len uint32) {
		t.Errorf("unexpected continuation request %q for LITERAL+", msg)
	}

	f := filer.BufferFile(1024)
	defer f.Close()

	input := "A001 APPEND saved {3+}\r\nabc\r\n"
	p := &Parser{
		Scanner: NewScanner(bufio.NewReader(strings.NewReader(input)), f, contFn),
		Mode:    ModeAuth,
	}
	if err := p.ParseCommand(); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if p.Command.LiteralSync {
		t.Error("LiteralSync set for non-synchronizing literal")
	}
	if got := p.Command.Literal.Size(); got != 3 {
		t.Errorf("literal size = %d, want 3", got)
	}
}

func TestAuthPlainContinuation(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	cont := make(chan string)
	contFn := func(msg string, len uint32) {
		if !strings.HasPrefix(msg, "+ ") && msg != "+\r\n" {
			t.Errorf(`continuation message %q missing "+ " prefix`, msg)
		}
		if !strings.HasSuffix(msg, "\r\n") {
			t.Errorf("continuation message %q missing CRLF", msg)
		}
		cont <- msg
	}

	f := filer.BufferFile(1024)
	defer f.Close()

	p := &Parser{
		Scanner: NewScanner(bufio.NewReader(r), f, contFn),
	}
	parseErr := make(chan error)
	go func() {
		parseErr <- p.ParseCommand()
	}()

	if _, err := w.WriteString("a001 AUTHENTICATE \"PLAIN\"\r\n"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-cont:
	case err := <-parseErr:
		t.Fatalf("parse error after PLAIN: %v", err)
	case <-time.After(1 * time.Second):
		t.Fatal("timeout after PLAIN")
	}
	if _, err := w.WriteString("AEZSRUQgRk9PQkFSAGEgc2VjcmV0IGtleQ==\r\n"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-parseErr:
		if err != nil {
			t.Fatalf("parse error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for parse")
	}

	want := Command{
		Tag:  []byte("a001"),
		Name: "AUTHENTICATE",
		Auth: struct{ Username, Password []byte }{
			Username: []byte("FRED FOOBAR"),
			Password: []byte("a secret key"),
		},
	}

	if !equalCommand(p.Command, want) {
		t.Errorf("got:\n\t%s\n\t%s", p.Command, want)
	}
}

func TestOversizedLiteral(t *testing.T) {
	f := filer.BufferFile(1024)
	defer f.Close()

	input := "A001 APPEND saved {64+}\r\n" +
		strings.Repeat("x", 64) + "\r\nA002 NOOP\r\n"
	r := bufio.NewReader(strings.NewReader(input))
	sc := NewScanner(r, f, nil)
	sc.MaxLiteralSize = 32
	p := &Parser{Scanner: sc, Mode: ModeAuth}

	err := p.ParseCommand()
	if err == nil {
		t.Fatal("expected error for oversized literal")
	}
	if !strings.Contains(err.Error(), ErrLiteralTooBig.Error()) {
		t.Fatalf("err = %v, want ErrLiteralTooBig", err)
	}

	// The oversized literal is consumed; the next command parses.
	if err := p.ParseCommand(); err != nil {
		t.Fatalf("parse after oversized literal: %v", err)
	}
	if p.Command.Name != "NOOP" {
		t.Errorf("next command = %s, want NOOP", p.Command.Name)
	}
}
