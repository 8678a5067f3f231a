// Package imapparser implements an IMAP command parser.
//
// It parses client commands for a server.
// At its core it implements the grammar from RFC 3501, along with
// the grammar for several extensions.
//
// See RFC 4466 for the grammar for many typical IMAP extensions.
package imapparser

import (
	"time"

	"crawshaw.io/iox"
)

type Command struct {
	Tag  []byte
	Name string

	// UID means the command response will report UIDs instead of SeqNums.
	// Name is one of: COPY, XAOL-MOVE, FETCH, SEARCH, STORE, EXPUNGE.
	UID bool

	// Name is one of:
	//	SELECT, EXAMINE, SUBSCRIBE, UNSUBSCRIBE, DELETE,
	//	STATUS, APPEND, COPY, XAOL-MOVE, GETQUOTAROOT
	Mailbox []byte

	// Name is one of: FETCH, STORE, COPY, XAOL-MOVE, UID EXPUNGE
	Sequences []SeqRange

	// Name is one of: APPEND
	Literal *iox.BufferFile

	// LiteralSync is set when the APPEND literal was a synchronizing
	// literal, that is, not using the LITERAL+ "{n+}" form.
	LiteralSync bool

	Rename struct { // Name: RENAME
		OldMailbox []byte
		NewMailbox []byte
	}

	Auth struct { // Name: LOGIN, AUTHENTICATE PLAIN
		Username []byte
		Password []byte
	}

	List List // Name is one of: LIST, LSUB

	Status struct { // Name: STATUS
		Items []StatusItem
	}

	Append struct { // Name: APPEND
		Flags [][]byte
		Date  []byte
	}

	FetchItems []FetchItem // Name: FETCH

	Store Store // Name: STORE

	Search Search // Name: SEARCH

	Quota Quota // Name: GETQUOTA, SETQUOTA
}

type List struct {
	ReferenceName []byte
	MailboxGlob   []byte
}

type Store struct {
	Mode   StoreMode
	Silent bool
	Flags  [][]byte
}

// Quota carries the arguments of the RFC 2087 quota commands.
// SETQUOTA resource limits are parsed but the server denies the
// command, so only the names and values survive.
type Quota struct {
	Root      []byte
	Resources []QuotaResource
}

type QuotaResource struct {
	Name  []byte
	Limit uint64
}

type StoreMode int

const (
	StoreUnknown StoreMode = iota
	StoreAdd               // +FLAGS
	StoreRemove            // -FLAGS
	StoreReplace           //  FLAGS
)

type StatusItem int

const (
	StatusUnknownItem StatusItem = iota
	StatusMessages
	StatusRecent
	StatusUIDNext
	StatusUIDValidity
	StatusUnseen
)

// SeqRange is a normalized IMAP seq-range.
// Normalized means that Min is always less than or equal to Max.
//
// The value 0 is a placeholder for '*'.
// When Min == Max, a SeqRange refers to a single value.
type SeqRange struct {
	Min uint32
	Max uint32
}

type FetchItem struct {
	Type      FetchItemType
	Peek      bool             // BODY.PEEK
	Bracketed bool             // a [section] was given, distinguishes BODY[] from BODY
	Section   FetchItemSection // Type is FetchBody
	Partial   struct {
		Start  uint32
		Length uint32
	}
}

type FetchItemSection struct {
	Path    []uint16
	Name    string // One of: HEADER, HEADER.FIELDS[.NOT], TEXT, MIME
	Headers [][]byte
}

type FetchItemType string

const (
	FetchUnknown = FetchItemType("FetchUnknown")

	FetchAll  = FetchItemType("ALL") // macro items, only fetch item in list
	FetchFull = FetchItemType("FULL")
	FetchFast = FetchItemType("FAST")

	FetchEnvelope      = FetchItemType("ENVELOPE")
	FetchFlags         = FetchItemType("FLAGS")
	FetchInternalDate  = FetchItemType("INTERNALDATE")
	FetchRFC822        = FetchItemType("RFC822")
	FetchRFC822Header  = FetchItemType("RFC822.HEADER")
	FetchRFC822Size    = FetchItemType("RFC822.SIZE")
	FetchRFC822Text    = FetchItemType("RFC822.TEXT")
	FetchUID           = FetchItemType("UID")
	FetchBodyStructure = FetchItemType("BODYSTRUCTURE")
	FetchBody          = FetchItemType("BODY")
)

type Search struct {
	Op *SearchOp

	// Charset is the CHARSET argument, uppercased, or empty.
	// The parser does not validate it; the server resolves the
	// name and rejects the command with BADCHARSET if it cannot.
	Charset string
}

type SearchOp struct {
	// Key is an IMAP search key.
	//
	// Two extra keys are defined that are not found in RFC 3501:
	//
	//	- AND: every element of Children must match
	//	  It is prettier than the grammar '('.
	//	  This allows the entire search command to be a SearchOp.
	//
	//	- SEQSET: the search op is a match against sequence IDs
	//	  This is a name for the implicit <sequence-set> grammar.
	//
	Key SearchKey

	// Children is set when Key is one of: AND, OR, NOT
	// For NOT, len(Children) == 1.
	Children []SearchOp

	// Value is set when Key is one of:
	//	BCC, CC, FROM,
	//      HEADER ("<field-name>: <string>"),
	//	KEYWORD, SUBJECT, TEXT, TO
	Value string

	Num       int64      // Key is one of: LARGER (uint32), SMALLER (uint32)
	Sequences []SeqRange // Key is one of: SEQSET, UID

	Date time.Time // Key is one of: BEFORE, ON, SENTBEFORE, SENTON, SENTSINCE, SINCE
}

type SearchKey string

type Mode int

const (
	ModeNonAuth Mode = iota
	ModeAuth
	ModeSelected
)
