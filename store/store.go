// Package store defines the object-store contract the gateway is built on.
//
// The gateway owns no durable state. Every IMAP and POP3 command is
// translated into calls on the interfaces in this package: a Session
// obtained from an Accessor, the Stores it exposes, and the Folder and
// Message handles below them. Implementations live in store/memstore
// and store/sqlstore.
package store

import (
	"io"
	"time"
)

// Accessor authenticates users against the back-end and opens sessions.
type Accessor interface {
	// Authenticate verifies the credentials and returns a session
	// bound to the user's stores. clientAddr is the remote address
	// of the connection, used for audit logging.
	//
	// Bad credentials are reported as KindLogonFailed.
	Authenticate(username, password, clientAddr string) (Session, error)
}

// Session is one authenticated user's view of the back-end.
// A Session is owned by a single connection and is not safe for
// concurrent use, except where an implementation documents otherwise.
type Session interface {
	Username() string

	// Store returns the user's default store.
	Store() Store

	// PublicStore returns the shared public store, or nil when the
	// back-end has none configured.
	PublicStore() Store

	// HasFeature reports whether the user's address-book record has
	// the named feature ("imap", "pop3") enabled.
	HasFeature(name string) bool

	Close() error
}

// Store is an opaque handle on one message store (private or public).
type Store interface {
	// RootID returns the entry-id of the store's IPM subtree root.
	RootID() []byte

	// Hierarchy returns every folder under the root, parents before
	// children.
	Hierarchy() ([]FolderInfo, error)

	// ResolveFolder walks path segments from the root.
	// A missing segment is KindNotFound.
	ResolveFolder(path []string) (*FolderInfo, error)

	OpenFolder(entryID []byte, readOnly bool) (Folder, error)

	// CreateFolder creates a mail folder (container class IPF.Note)
	// under parent. An existing folder of the same name is KindCollision.
	CreateFolder(parentID []byte, name string) (*FolderInfo, error)

	// DeleteFolder removes the folder and its subtree.
	DeleteFolder(entryID []byte) error

	// RenameFolder moves and/or renames a folder. When newParentID
	// matches the current parent only the display name changes.
	RenameFolder(entryID []byte, newParentID []byte, newName string) error

	// Subscriptions reads the subscribed-folder entry-id list persisted
	// on the user's inbox. SetSubscriptions rewrites it.
	Subscriptions() ([][]byte, error)
	SetSubscriptions(entryIDs [][]byte) error
}

// FolderInfo is one row of a store hierarchy table.
type FolderInfo struct {
	EntryID        []byte
	ParentID       []byte
	Name           string
	HierarchyID    uint32 // stable per folder; doubles as UIDVALIDITY
	HasChildren    bool
	ContainerClass string // "IPF.Note" for mail folders
	Special        SpecialKind
}

// SpecialKind classifies the precomputed special folders of a store.
type SpecialKind int

const (
	SpecialNone SpecialKind = iota
	SpecialInbox
	SpecialSent
	SpecialTrash
	SpecialDrafts
	SpecialJunk
	SpecialOutbox
	SpecialPublicRoot
)

func (k SpecialKind) String() string {
	switch k {
	case SpecialNone:
		return "none"
	case SpecialInbox:
		return "inbox"
	case SpecialSent:
		return "sent"
	case SpecialTrash:
		return "trash"
	case SpecialDrafts:
		return "drafts"
	case SpecialJunk:
		return "junk"
	case SpecialOutbox:
		return "outbox"
	case SpecialPublicRoot:
		return "public"
	default:
		return "unknown"
	}
}

// Row is one row of a folder contents table, sorted by UID ascending.
// The columns cover everything the mailbox view, the search compiler
// and POP3 need without opening the message.
type Row struct {
	EntryID     []byte
	InstanceKey []byte
	UID         uint32

	MsgFlags   uint32
	FlagStatus uint32
	MsgStatus  uint32
	LastVerb   uint32

	Size         int64
	DeliveryTime time.Time
	SubmitTime   time.Time

	Subject     string
	SenderName  string
	SenderEmail string
}

// Folder is an open folder handle.
type Folder interface {
	EntryID() []byte

	Info() (FolderInfo, error)

	// Counts reports the folder's containerCount and unreadCount props.
	Counts() (total, unread uint32, err error)

	// MaxUID reads the folder's maxImapID property: the highest UID a
	// session has acknowledged. SetMaxUID writes it back, which is the
	// mechanism by which \Recent expires for other sessions.
	MaxUID() (uint32, error)
	SetMaxUID(uid uint32) error

	// Contents returns the full contents table sorted by UID ascending.
	Contents() ([]Row, error)

	// Query evaluates a restriction against the contents table and
	// returns matching rows, sorted by UID ascending.
	Query(r *Restriction) ([]Row, error)

	OpenMessage(entryID []byte) (Message, error)
	CreateMessage() (Message, error)

	// CopyMessages copies (or, when move is set, moves) the named
	// messages into dst. The destination store assigns new UIDs.
	CopyMessages(dst Folder, entryIDs [][]byte, move bool) error

	DeleteMessages(entryIDs [][]byte) error

	// SetReadFlags sets or clears the read flag on the named messages
	// in one batch, suppressing read receipts.
	SetReadFlags(entryIDs [][]byte, seen bool) error

	// Advise registers a notification sink for contents-table changes.
	// The returned cookie cancels the registration via Unadvise.
	// Sinks are invoked from store goroutines; the caller serializes.
	Advise(sink NotifySink) (cookie int64, err error)
	Unadvise(cookie int64) error

	Close() error
}

// Message is an open message handle.
type Message interface {
	EntryID() []byte

	// Props reads the flag-relevant properties.
	Props() (Props, error)

	// SetProps overwrites the flag-relevant properties and bumps the
	// row's modification state so advised sinks observe a RowModified.
	SetProps(p Props) error

	InternalDate() (time.Time, error)
	SetInternalDate(t time.Time) error

	// Raw opens the message's RFC 5322 byte stream (the imapEmail
	// property), invoking the back-end MIME codec when the property
	// has not been rendered yet.
	Raw() (r io.ReadCloser, size int64, err error)

	// ImportRaw feeds RFC 5322 bytes through the MIME codec into the
	// message. Used by APPEND.
	ImportRaw(r io.Reader) error

	// CachedProp reads one of the rendered-form cache properties
	// (PropEnvelope, PropBody, PropBodystructure). SetCachedProp
	// persists a generated value back on the message.
	CachedProp(tag PropTag) ([]byte, bool)
	SetCachedProp(tag PropTag, data []byte) error

	// SaveChanges commits property changes made on this handle.
	SaveChanges() error
}

// TableEventType enumerates contents-table notifications.
type TableEventType int

const (
	RowAdded TableEventType = iota + 1
	RowDeleted
	RowModified
	TableChanged
)

func (t TableEventType) String() string {
	switch t {
	case RowAdded:
		return "row-added"
	case RowDeleted:
		return "row-deleted"
	case RowModified:
		return "row-modified"
	case TableChanged:
		return "table-changed"
	default:
		return "unknown-event"
	}
}

// TableEvent is one contents-table change. For RowDeleted only the
// InstanceKey of Row is meaningful; for TableChanged Row is zero.
type TableEvent struct {
	Type TableEventType
	Row  Row
}

type NotifySink interface {
	Notify(TableEvent)
}
