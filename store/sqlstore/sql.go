package sqlstore

const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

CREATE TABLE IF NOT EXISTS Users (
	UserID   INTEGER PRIMARY KEY,
	Username TEXT NOT NULL UNIQUE,
	PassHash TEXT NOT NULL,          -- bcrypt
	Features TEXT NOT NULL           -- comma-separated: "imap,pop3"
);

-- Stores are the private store of each user plus at most one public
-- store (UserID NULL, Public TRUE).
CREATE TABLE IF NOT EXISTS Stores (
	StoreID INTEGER PRIMARY KEY,
	UserID  INTEGER,
	Public  BOOLEAN NOT NULL DEFAULT FALSE,

	FOREIGN KEY(UserID) REFERENCES Users(UserID)
);

-- Folders form the hierarchy of a store. The root folder has a NULL
-- ParentID and an empty name. MaxUID is the maxImapID property:
-- the highest UID a session has acknowledged. UIDNext is the
-- folder's UID allocator.
CREATE TABLE IF NOT EXISTS Folders (
	FolderID INTEGER PRIMARY KEY,
	StoreID  INTEGER NOT NULL,
	ParentID INTEGER,
	Name     TEXT NOT NULL,
	Special  INTEGER NOT NULL DEFAULT 0,
	MaxUID   INTEGER NOT NULL DEFAULT 0,
	UIDNext  INTEGER NOT NULL DEFAULT 1,

	FOREIGN KEY(StoreID) REFERENCES Stores(StoreID),
	FOREIGN KEY(ParentID) REFERENCES Folders(FolderID)
);

-- Msgs is the contents table: one row per message with the columns
-- the mailbox view, search, and POP3 read without opening the
-- message.
CREATE TABLE IF NOT EXISTS Msgs (
	MsgID        INTEGER PRIMARY KEY,
	FolderID     INTEGER NOT NULL,
	UID          INTEGER NOT NULL,

	MsgFlags     INTEGER NOT NULL DEFAULT 0,
	FlagStatus   INTEGER NOT NULL DEFAULT 0,
	MsgStatus    INTEGER NOT NULL DEFAULT 0,
	LastVerb     INTEGER NOT NULL DEFAULT 0,

	Size         INTEGER NOT NULL,
	DeliveryTime INTEGER NOT NULL, -- time.UnixNano
	SubmitTime   INTEGER NOT NULL, -- time.UnixNano

	Subject      TEXT NOT NULL DEFAULT '',
	SenderName   TEXT NOT NULL DEFAULT '',
	SenderEmail  TEXT NOT NULL DEFAULT '',

	FOREIGN KEY(FolderID) REFERENCES Folders(FolderID)
);

CREATE UNIQUE INDEX IF NOT EXISTS MsgsByUID ON Msgs (FolderID, UID);

-- MsgRaw is the imapEmail property: the rendered RFC 5322 bytes.
CREATE TABLE IF NOT EXISTS MsgRaw (
	MsgID   INTEGER PRIMARY KEY,
	Content BLOB,

	FOREIGN KEY(MsgID) REFERENCES Msgs(MsgID)
);

-- MsgCache holds the generated imapEnvelope, imapBody and
-- imapBodystructure property values.
CREATE TABLE IF NOT EXISTS MsgCache (
	MsgID   INTEGER NOT NULL,
	Tag     INTEGER NOT NULL,
	Content BLOB,

	PRIMARY KEY(MsgID, Tag),
	FOREIGN KEY(MsgID) REFERENCES Msgs(MsgID)
);

-- Subscriptions is the subscribed-folder entry-id list of a store.
CREATE TABLE IF NOT EXISTS Subscriptions (
	StoreID INTEGER NOT NULL,
	Pos     INTEGER NOT NULL,
	EntryID BLOB NOT NULL,

	PRIMARY KEY(StoreID, Pos),
	FOREIGN KEY(StoreID) REFERENCES Stores(StoreID)
);
`
