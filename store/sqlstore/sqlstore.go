// Package sqlstore is a SQLite-backed store.Accessor. It keeps the
// same contract as memstore on a durable database, one write
// transaction per mutating call.
package sqlstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"
	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/crypto/bcrypt"

	"kopano.io/gateway/store"
)

// Store is a SQLite-backed message store.
type Store struct {
	filer *iox.Filer
	pool  *sqlitex.Pool

	bypassAuth bool

	// Notification sinks live outside the database; they belong to
	// the process, not the store.
	sinksMu    sync.Mutex
	sinks      map[int64]map[int64]store.NotifySink // folderID -> cookie -> sink
	nextCookie int64
}

func Open(filer *iox.Filer, dbfile string) (*Store, error) {
	if filer == nil {
		filer = iox.NewFiler(0)
	}
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: init open: %v", err)
	}
	if err := initConn(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlstore: init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("sqlstore: init close: %v", err)
	}
	pool, err := sqlitex.Open(dbfile, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: pool: %v", err)
	}
	return &Store{
		filer: filer,
		pool:  pool,
		sinks: make(map[int64]map[int64]store.NotifySink),
	}, nil
}

func initConn(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	return sqlitex.ExecScript(conn, createSQL)
}

func (s *Store) Close() error {
	return s.pool.Close()
}

// SetBypassAuth disables password verification. Users must still
// exist. Diagnostic use only.
func (s *Store) SetBypassAuth(on bool) {
	s.bypassAuth = on
}

// Entry-ids are kind-tagged rowids: 'F' folders, 'M' messages,
// 'K' row instance keys.
func entryID(kind byte, id int64) []byte {
	b := make([]byte, 9)
	b[0] = kind
	binary.BigEndian.PutUint64(b[1:], uint64(id))
	return b
}

func parseEntryID(kind byte, eid []byte) (int64, bool) {
	if len(eid) != 9 || eid[0] != kind {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(eid[1:])), true
}

// hierarchyID derives the stable UIDVALIDITY value of a folder.
func hierarchyID(folderID int64) uint32 {
	return 500000 + uint32(folderID)
}

// AddUser creates a user with the default folder tree.
func (s *Store) AddUser(username, password string) (err error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`INSERT INTO Users (Username, PassHash, Features)
		VALUES ($username, $passHash, 'imap,pop3');`)
	stmt.SetText("$username", username)
	stmt.SetText("$passHash", string(hash))
	if _, err := stmt.Step(); err != nil {
		if sqlite.ErrCode(err) == sqlite.SQLITE_CONSTRAINT_UNIQUE {
			return fmt.Errorf("sqlstore: user %q already exists", username)
		}
		return err
	}
	userID := conn.LastInsertRowID()

	stmt = conn.Prep(`INSERT INTO Stores (UserID, Public) VALUES ($userID, FALSE);`)
	stmt.SetInt64("$userID", userID)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	storeID := conn.LastInsertRowID()

	rootID, err := insertFolder(conn, storeID, 0, "", store.SpecialNone)
	if err != nil {
		return err
	}
	defaults := []struct {
		name string
		kind store.SpecialKind
	}{
		{"Inbox", store.SpecialInbox},
		{"Sent Items", store.SpecialSent},
		{"Deleted Items", store.SpecialTrash},
		{"Drafts", store.SpecialDrafts},
		{"Junk E-mail", store.SpecialJunk},
		{"Outbox", store.SpecialOutbox},
	}
	for _, d := range defaults {
		if _, err := insertFolder(conn, storeID, rootID, d.name, d.kind); err != nil {
			return err
		}
	}
	return nil
}

func insertFolder(conn *sqlite.Conn, storeID, parentID int64, name string, kind store.SpecialKind) (int64, error) {
	stmt := conn.Prep(`INSERT INTO Folders (StoreID, ParentID, Name, Special)
		VALUES ($storeID, $parentID, $name, $special);`)
	stmt.SetInt64("$storeID", storeID)
	if parentID == 0 {
		stmt.SetNull("$parentID")
	} else {
		stmt.SetInt64("$parentID", parentID)
	}
	stmt.SetText("$name", name)
	stmt.SetInt64("$special", int64(kind))
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return conn.LastInsertRowID(), nil
}

// SetFeature toggles a feature flag ("imap", "pop3") on a user.
func (s *Store) SetFeature(username, feature string, on bool) error {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT Features FROM Users WHERE Username = $username;`)
	stmt.SetText("$username", username)
	hasRow, err := stmt.Step()
	if err != nil {
		return err
	}
	if !hasRow {
		stmt.Reset()
		return fmt.Errorf("sqlstore: no such user %q", username)
	}
	features := parseFeatures(stmt.GetText("Features"))
	stmt.Reset()
	features[feature] = on

	var names []string
	for name, enabled := range features {
		if enabled {
			names = append(names, name)
		}
	}
	stmt = conn.Prep(`UPDATE Users SET Features = $features WHERE Username = $username;`)
	stmt.SetText("$features", strings.Join(names, ","))
	stmt.SetText("$username", username)
	_, err = stmt.Step()
	return err
}

func parseFeatures(s string) map[string]bool {
	features := make(map[string]bool)
	for _, name := range strings.Split(s, ",") {
		if name != "" {
			features[name] = true
		}
	}
	return features
}

// EnablePublic creates the shared public store if it does not exist.
func (s *Store) EnablePublic() (err error) {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`SELECT StoreID FROM Stores WHERE Public;`)
	hasRow, err := stmt.Step()
	if err != nil {
		return err
	}
	stmt.Reset()
	if hasRow {
		return nil
	}

	stmt = conn.Prep(`INSERT INTO Stores (UserID, Public) VALUES (NULL, TRUE);`)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	storeID := conn.LastInsertRowID()
	_, err = insertFolder(conn, storeID, 0, "", store.SpecialPublicRoot)
	return err
}

// Deliver appends a message to the user's inbox, the way incoming
// mail arrives outside any session. It returns the assigned UID.
func (s *Store) Deliver(username string, date time.Time, raw []byte) (uint32, error) {
	sess, err := s.openSession(username)
	if err != nil {
		return 0, err
	}
	defer sess.Close()

	infos, err := sess.Store().Hierarchy()
	if err != nil {
		return 0, err
	}
	var inboxID []byte
	for i := range infos {
		if infos[i].Special == store.SpecialInbox {
			inboxID = infos[i].EntryID
			break
		}
	}
	if inboxID == nil {
		return 0, fmt.Errorf("sqlstore: user %q has no inbox", username)
	}
	folder, err := sess.Store().OpenFolder(inboxID, false)
	if err != nil {
		return 0, err
	}
	defer folder.Close()
	msg, err := folder.CreateMessage()
	if err != nil {
		return 0, err
	}
	if err := msg.ImportRaw(bytes.NewReader(raw)); err != nil {
		return 0, err
	}
	if err := msg.SetInternalDate(date); err != nil {
		return 0, err
	}
	if err := msg.SaveChanges(); err != nil {
		return 0, err
	}
	return msg.(*messageHandle).row.UID, nil
}

func (s *Store) openSession(username string) (store.Session, error) {
	conn := s.pool.Get(nil)
	defer s.pool.Put(conn)

	stmt := conn.Prep(`SELECT Users.UserID, Users.Features, Stores.StoreID
		FROM Users INNER JOIN Stores ON Users.UserID = Stores.UserID
		WHERE Users.Username = $username;`)
	stmt.SetText("$username", username)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		stmt.Reset()
		return nil, store.Errorf(store.KindLogonFailed, "sqlstore.Authenticate", "unknown user %q", username)
	}
	sess := &session{
		db:       s,
		username: username,
		features: parseFeatures(stmt.GetText("Features")),
	}
	sess.store = &userStore{db: s, id: stmt.GetInt64("StoreID")}
	stmt.Reset()

	stmt = conn.Prep(`SELECT StoreID FROM Stores WHERE Public;`)
	hasRow, err = stmt.Step()
	if err != nil {
		return nil, err
	}
	if hasRow {
		sess.public = &userStore{db: s, id: stmt.GetInt64("StoreID")}
	}
	stmt.Reset()
	return sess, nil
}

// Authenticate implements store.Accessor.
func (s *Store) Authenticate(username, password, clientAddr string) (store.Session, error) {
	conn := s.pool.Get(nil)
	stmt := conn.Prep(`SELECT PassHash FROM Users WHERE Username = $username;`)
	stmt.SetText("$username", username)
	hasRow, err := stmt.Step()
	if err != nil {
		s.pool.Put(conn)
		return nil, err
	}
	if !hasRow {
		stmt.Reset()
		s.pool.Put(conn)
		return nil, store.Errorf(store.KindLogonFailed, "sqlstore.Authenticate", "unknown user %q from %s", username, clientAddr)
	}
	passHash := stmt.GetText("PassHash")
	stmt.Reset()
	s.pool.Put(conn)

	if !s.bypassAuth {
		if bcrypt.CompareHashAndPassword([]byte(passHash), []byte(password)) != nil {
			return nil, store.Errorf(store.KindLogonFailed, "sqlstore.Authenticate", "bad password for %q from %s", username, clientAddr)
		}
	}
	return s.openSession(username)
}

func (s *Store) notify(folderID int64, ev store.TableEvent) {
	s.sinksMu.Lock()
	sinks := make([]store.NotifySink, 0, len(s.sinks[folderID]))
	for _, sink := range s.sinks[folderID] {
		sinks = append(sinks, sink)
	}
	s.sinksMu.Unlock()
	for _, sink := range sinks {
		sink.Notify(ev)
	}
}

type session struct {
	db       *Store
	username string
	features map[string]bool
	store    *userStore
	public   *userStore
}

func (s *session) Username() string { return s.username }

func (s *session) Store() store.Store { return s.store }

func (s *session) PublicStore() store.Store {
	if s.public == nil {
		return nil
	}
	return s.public
}

func (s *session) HasFeature(name string) bool { return s.features[name] }

func (s *session) Close() error { return nil }

// userStore is a handle on one Stores row.
type userStore struct {
	db *Store
	id int64
}

// folderRec is one Folders row, loaded for tree walks.
type folderRec struct {
	id       int64
	parentID int64
	name     string
	special  store.SpecialKind
	kids     []*folderRec
}

func (us *userStore) loadTree(conn *sqlite.Conn) (root *folderRec, byID map[int64]*folderRec, err error) {
	stmt := conn.Prep(`SELECT FolderID, ParentID, Name, Special FROM Folders
		WHERE StoreID = $storeID ORDER BY FolderID;`)
	stmt.SetInt64("$storeID", us.id)

	byID = make(map[int64]*folderRec)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, nil, err
		}
		if !hasRow {
			break
		}
		rec := &folderRec{
			id:       stmt.GetInt64("FolderID"),
			parentID: stmt.GetInt64("ParentID"), // 0 for the NULL root
			name:     stmt.GetText("Name"),
			special:  store.SpecialKind(stmt.GetInt64("Special")),
		}
		byID[rec.id] = rec
	}
	for _, rec := range byID {
		if rec.parentID == 0 {
			root = rec
			continue
		}
		if p := byID[rec.parentID]; p != nil {
			p.kids = append(p.kids, rec)
		}
	}
	if root == nil {
		return nil, nil, store.Errorf(store.KindNotFound, "sqlstore.loadTree", "store %d has no root", us.id)
	}
	return root, byID, nil
}

func (rec *folderRec) info() store.FolderInfo {
	info := store.FolderInfo{
		EntryID:        entryID('F', rec.id),
		Name:           rec.name,
		HierarchyID:    hierarchyID(rec.id),
		HasChildren:    len(rec.kids) > 0,
		ContainerClass: "IPF.Note",
		Special:        rec.special,
	}
	if rec.parentID != 0 {
		info.ParentID = entryID('F', rec.parentID)
	}
	return info
}

func (us *userStore) RootID() []byte {
	conn := us.db.pool.Get(nil)
	defer us.db.pool.Put(conn)
	root, _, err := us.loadTree(conn)
	if err != nil {
		return nil
	}
	return entryID('F', root.id)
}

func (us *userStore) Hierarchy() ([]store.FolderInfo, error) {
	conn := us.db.pool.Get(nil)
	defer us.db.pool.Put(conn)

	root, _, err := us.loadTree(conn)
	if err != nil {
		return nil, err
	}
	var infos []store.FolderInfo
	var walk func(rec *folderRec)
	walk = func(rec *folderRec) {
		kids := append([]*folderRec(nil), rec.kids...)
		for i := 1; i < len(kids); i++ {
			for j := i; j > 0 && kids[j-1].name > kids[j].name; j-- {
				kids[j-1], kids[j] = kids[j], kids[j-1]
			}
		}
		for _, kid := range kids {
			infos = append(infos, kid.info())
			walk(kid)
		}
	}
	walk(root)
	return infos, nil
}

func (us *userStore) ResolveFolder(path []string) (*store.FolderInfo, error) {
	conn := us.db.pool.Get(nil)
	defer us.db.pool.Put(conn)

	root, _, err := us.loadTree(conn)
	if err != nil {
		return nil, err
	}
	rec := root
	for _, seg := range path {
		var next *folderRec
		for _, kid := range rec.kids {
			if kid.name == seg {
				next = kid
				break
			}
		}
		if next == nil {
			return nil, store.Errorf(store.KindNotFound, "sqlstore.ResolveFolder", "no folder %q", strings.Join(path, "/"))
		}
		rec = next
	}
	info := rec.info()
	return &info, nil
}

func (us *userStore) folderExists(conn *sqlite.Conn, folderID int64) (bool, error) {
	stmt := conn.Prep(`SELECT COUNT(*) AS N FROM Folders
		WHERE FolderID = $folderID AND StoreID = $storeID;`)
	stmt.SetInt64("$folderID", folderID)
	stmt.SetInt64("$storeID", us.id)
	if _, err := stmt.Step(); err != nil {
		return false, err
	}
	n := stmt.GetInt64("N")
	stmt.Reset()
	return n > 0, nil
}

func (us *userStore) OpenFolder(eid []byte, readOnly bool) (store.Folder, error) {
	folderID, ok := parseEntryID('F', eid)
	if !ok {
		return nil, store.Errorf(store.KindNotFound, "sqlstore.OpenFolder", "bad entry-id %x", eid)
	}
	conn := us.db.pool.Get(nil)
	exists, err := us.folderExists(conn, folderID)
	us.db.pool.Put(conn)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.Errorf(store.KindNotFound, "sqlstore.OpenFolder", "no folder %x", eid)
	}
	return &folderHandle{us: us, folderID: folderID, readOnly: readOnly}, nil
}

func (us *userStore) CreateFolder(parentID []byte, name string) (info *store.FolderInfo, err error) {
	pid, ok := parseEntryID('F', parentID)
	if !ok {
		return nil, store.Errorf(store.KindNotFound, "sqlstore.CreateFolder", "bad parent %x", parentID)
	}

	conn := us.db.pool.Get(nil)
	defer us.db.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	exists, err := us.folderExists(conn, pid)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.Errorf(store.KindNotFound, "sqlstore.CreateFolder", "no parent %x", parentID)
	}

	stmt := conn.Prep(`SELECT COUNT(*) AS N FROM Folders
		WHERE ParentID = $parentID AND Name = $name;`)
	stmt.SetInt64("$parentID", pid)
	stmt.SetText("$name", name)
	if _, err := stmt.Step(); err != nil {
		return nil, err
	}
	n := stmt.GetInt64("N")
	stmt.Reset()
	if n > 0 {
		return nil, store.Errorf(store.KindCollision, "sqlstore.CreateFolder", "folder %q exists", name)
	}

	folderID, err := insertFolder(conn, us.id, pid, name, store.SpecialNone)
	if err != nil {
		return nil, err
	}
	return &store.FolderInfo{
		EntryID:        entryID('F', folderID),
		ParentID:       entryID('F', pid),
		Name:           name,
		HierarchyID:    hierarchyID(folderID),
		ContainerClass: "IPF.Note",
	}, nil
}

func (us *userStore) DeleteFolder(eid []byte) (err error) {
	folderID, ok := parseEntryID('F', eid)
	if !ok {
		return store.Errorf(store.KindNotFound, "sqlstore.DeleteFolder", "bad entry-id %x", eid)
	}

	conn := us.db.pool.Get(nil)
	defer us.db.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	root, byID, err := us.loadTree(conn)
	if err != nil {
		return err
	}
	rec := byID[folderID]
	if rec == nil {
		return store.Errorf(store.KindNotFound, "sqlstore.DeleteFolder", "no folder %x", eid)
	}
	if rec == root {
		return store.Errorf(store.KindNoAccess, "sqlstore.DeleteFolder", "cannot delete root")
	}

	var ids []int64
	var collect func(rec *folderRec)
	collect = func(rec *folderRec) {
		for _, kid := range rec.kids {
			collect(kid)
		}
		ids = append(ids, rec.id)
	}
	collect(rec)

	for _, id := range ids {
		for _, sql := range []string{
			`DELETE FROM MsgRaw WHERE MsgID IN (SELECT MsgID FROM Msgs WHERE FolderID = $folderID);`,
			`DELETE FROM MsgCache WHERE MsgID IN (SELECT MsgID FROM Msgs WHERE FolderID = $folderID);`,
			`DELETE FROM Msgs WHERE FolderID = $folderID;`,
			`DELETE FROM Folders WHERE FolderID = $folderID;`,
		} {
			stmt := conn.Prep(sql)
			stmt.SetInt64("$folderID", id)
			if _, err := stmt.Step(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (us *userStore) RenameFolder(eid, newParentID []byte, newName string) (err error) {
	folderID, ok := parseEntryID('F', eid)
	if !ok {
		return store.Errorf(store.KindNotFound, "sqlstore.RenameFolder", "bad entry-id %x", eid)
	}
	pid, ok := parseEntryID('F', newParentID)
	if !ok {
		return store.Errorf(store.KindNotFound, "sqlstore.RenameFolder", "bad parent %x", newParentID)
	}

	conn := us.db.pool.Get(nil)
	defer us.db.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	_, byID, err := us.loadTree(conn)
	if err != nil {
		return err
	}
	rec := byID[folderID]
	if rec == nil {
		return store.Errorf(store.KindNotFound, "sqlstore.RenameFolder", "no folder %x", eid)
	}
	newParent := byID[pid]
	if newParent == nil {
		return store.Errorf(store.KindNotFound, "sqlstore.RenameFolder", "no parent %x", newParentID)
	}
	for _, kid := range newParent.kids {
		if kid != rec && kid.name == newName {
			return store.Errorf(store.KindCollision, "sqlstore.RenameFolder", "folder %q exists", newName)
		}
	}
	// A rename into a descendant would detach the subtree.
	for p := newParent; p != nil; p = byID[p.parentID] {
		if p == rec {
			return store.Errorf(store.KindCallFailed, "sqlstore.RenameFolder", "destination inside source")
		}
	}

	stmt := conn.Prep(`UPDATE Folders SET ParentID = $parentID, Name = $name
		WHERE FolderID = $folderID;`)
	stmt.SetInt64("$parentID", pid)
	stmt.SetText("$name", newName)
	stmt.SetInt64("$folderID", folderID)
	_, err = stmt.Step()
	return err
}

func (us *userStore) Subscriptions() ([][]byte, error) {
	conn := us.db.pool.Get(nil)
	defer us.db.pool.Put(conn)

	stmt := conn.Prep(`SELECT EntryID FROM Subscriptions
		WHERE StoreID = $storeID ORDER BY Pos;`)
	stmt.SetInt64("$storeID", us.id)

	var subs [][]byte
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		id := make([]byte, stmt.GetLen("EntryID"))
		stmt.GetBytes("EntryID", id)
		subs = append(subs, id)
	}
	return subs, nil
}

func (us *userStore) SetSubscriptions(entryIDs [][]byte) (err error) {
	conn := us.db.pool.Get(nil)
	defer us.db.pool.Put(conn)
	defer sqlitex.Save(conn)(&err)

	stmt := conn.Prep(`DELETE FROM Subscriptions WHERE StoreID = $storeID;`)
	stmt.SetInt64("$storeID", us.id)
	if _, err := stmt.Step(); err != nil {
		return err
	}
	for i, id := range entryIDs {
		stmt = conn.Prep(`INSERT INTO Subscriptions (StoreID, Pos, EntryID)
			VALUES ($storeID, $pos, $entryID);`)
		stmt.SetInt64("$storeID", us.id)
		stmt.SetInt64("$pos", int64(i))
		stmt.SetBytes("$entryID", id)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}
	return nil
}

type folderHandle struct {
	us       *userStore
	folderID int64
	readOnly bool
}

func (h *folderHandle) EntryID() []byte { return entryID('F', h.folderID) }

func (h *folderHandle) Info() (store.FolderInfo, error) {
	conn := h.us.db.pool.Get(nil)
	defer h.us.db.pool.Put(conn)

	_, byID, err := h.us.loadTree(conn)
	if err != nil {
		return store.FolderInfo{}, err
	}
	rec := byID[h.folderID]
	if rec == nil {
		return store.FolderInfo{}, store.Errorf(store.KindNotFound, "sqlstore.Info", "no folder %d", h.folderID)
	}
	return rec.info(), nil
}

func (h *folderHandle) Counts() (total, unread uint32, err error) {
	conn := h.us.db.pool.Get(nil)
	defer h.us.db.pool.Put(conn)

	stmt := conn.Prep(`SELECT COUNT(*) AS Total,
			SUM(CASE WHEN MsgFlags & $read = 0 THEN 1 ELSE 0 END) AS Unread
		FROM Msgs WHERE FolderID = $folderID;`)
	stmt.SetInt64("$read", int64(store.MsgFlagRead))
	stmt.SetInt64("$folderID", h.folderID)
	if _, err := stmt.Step(); err != nil {
		return 0, 0, err
	}
	total = uint32(stmt.GetInt64("Total"))
	unread = uint32(stmt.GetInt64("Unread"))
	stmt.Reset()
	return total, unread, nil
}

func (h *folderHandle) MaxUID() (uint32, error) {
	conn := h.us.db.pool.Get(nil)
	defer h.us.db.pool.Put(conn)

	stmt := conn.Prep(`SELECT MaxUID FROM Folders WHERE FolderID = $folderID;`)
	stmt.SetInt64("$folderID", h.folderID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if !hasRow {
		return 0, store.Errorf(store.KindNotFound, "sqlstore.MaxUID", "no folder %d", h.folderID)
	}
	uid := uint32(stmt.GetInt64("MaxUID"))
	stmt.Reset()
	return uid, nil
}

func (h *folderHandle) SetMaxUID(uid uint32) error {
	conn := h.us.db.pool.Get(nil)
	defer h.us.db.pool.Put(conn)

	stmt := conn.Prep(`UPDATE Folders SET MaxUID = $uid WHERE FolderID = $folderID;`)
	stmt.SetInt64("$uid", int64(uid))
	stmt.SetInt64("$folderID", h.folderID)
	_, err := stmt.Step()
	return err
}

func scanRow(stmt *sqlite.Stmt) store.Row {
	msgID := stmt.GetInt64("MsgID")
	return store.Row{
		EntryID:      entryID('M', msgID),
		InstanceKey:  entryID('K', msgID),
		UID:          uint32(stmt.GetInt64("UID")),
		MsgFlags:     uint32(stmt.GetInt64("MsgFlags")),
		FlagStatus:   uint32(stmt.GetInt64("FlagStatus")),
		MsgStatus:    uint32(stmt.GetInt64("MsgStatus")),
		LastVerb:     uint32(stmt.GetInt64("LastVerb")),
		Size:         stmt.GetInt64("Size"),
		DeliveryTime: time.Unix(0, stmt.GetInt64("DeliveryTime")),
		SubmitTime:   time.Unix(0, stmt.GetInt64("SubmitTime")),
		Subject:      stmt.GetText("Subject"),
		SenderName:   stmt.GetText("SenderName"),
		SenderEmail:  stmt.GetText("SenderEmail"),
	}
}

const rowColumns = `MsgID, UID, MsgFlags, FlagStatus, MsgStatus, LastVerb,
	Size, DeliveryTime, SubmitTime, Subject, SenderName, SenderEmail`

func (h *folderHandle) contents(conn *sqlite.Conn) ([]store.Row, error) {
	stmt := conn.Prep(`SELECT ` + rowColumns + ` FROM Msgs
		WHERE FolderID = $folderID ORDER BY UID;`)
	stmt.SetInt64("$folderID", h.folderID)

	var rows []store.Row
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		rows = append(rows, scanRow(stmt))
	}
	return rows, nil
}

func (h *folderHandle) Contents() ([]store.Row, error) {
	conn := h.us.db.pool.Get(nil)
	defer h.us.db.pool.Put(conn)
	return h.contents(conn)
}

func (h *folderHandle) Query(r *store.Restriction) ([]store.Row, error) {
	conn := h.us.db.pool.Get(nil)
	rows, err := h.contents(conn)
	h.us.db.pool.Put(conn)
	if err != nil {
		return nil, err
	}

	var matched []store.Row
	for i := range rows {
		d := &rowData{db: h.us.db, row: rows[i]}
		if r.Match(d) {
			matched = append(matched, rows[i])
		}
	}
	return matched, nil
}

func (h *folderHandle) loadMsgRow(conn *sqlite.Conn, msgID int64) (store.Row, error) {
	stmt := conn.Prep(`SELECT ` + rowColumns + ` FROM Msgs
		WHERE MsgID = $msgID AND FolderID = $folderID;`)
	stmt.SetInt64("$msgID", msgID)
	stmt.SetInt64("$folderID", h.folderID)
	hasRow, err := stmt.Step()
	if err != nil {
		return store.Row{}, err
	}
	if !hasRow {
		return store.Row{}, store.Errorf(store.KindNotFound, "sqlstore.OpenMessage", "no message %d", msgID)
	}
	row := scanRow(stmt)
	stmt.Reset()
	return row, nil
}

func (h *folderHandle) OpenMessage(eid []byte) (store.Message, error) {
	msgID, ok := parseEntryID('M', eid)
	if !ok {
		return nil, store.Errorf(store.KindNotFound, "sqlstore.OpenMessage", "bad entry-id %x", eid)
	}
	conn := h.us.db.pool.Get(nil)
	row, err := h.loadMsgRow(conn, msgID)
	h.us.db.pool.Put(conn)
	if err != nil {
		return nil, err
	}
	return &messageHandle{folder: h, msgID: msgID, row: row}, nil
}

func (h *folderHandle) CreateMessage() (store.Message, error) {
	if h.readOnly {
		return nil, store.Errorf(store.KindNoAccess, "sqlstore.CreateMessage", "folder open read-only")
	}
	return &messageHandle{folder: h, creating: true}, nil
}

// nextUID allocates count UIDs from the folder's allocator.
func nextUID(conn *sqlite.Conn, folderID int64, count int) (first uint32, err error) {
	stmt := conn.Prep(`SELECT UIDNext FROM Folders WHERE FolderID = $folderID;`)
	stmt.SetInt64("$folderID", folderID)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if !hasRow {
		return 0, store.Errorf(store.KindNotFound, "sqlstore.nextUID", "no folder %d", folderID)
	}
	first = uint32(stmt.GetInt64("UIDNext"))
	stmt.Reset()

	stmt = conn.Prep(`UPDATE Folders SET UIDNext = $next WHERE FolderID = $folderID;`)
	stmt.SetInt64("$next", int64(first)+int64(count))
	stmt.SetInt64("$folderID", folderID)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return first, nil
}

func readBlob(conn *sqlite.Conn, table string, msgID int64) ([]byte, error) {
	blob, err := conn.OpenBlob("", table, "Content", msgID, false)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(blob)
	if clErr := blob.Close(); err == nil {
		err = clErr
	}
	return data, err
}

func writeBlob(conn *sqlite.Conn, table string, msgID int64, data []byte) error {
	blob, err := conn.OpenBlob("", table, "Content", msgID, true)
	if err != nil {
		return err
	}
	_, err = io.Copy(blob, bytes.NewReader(data))
	if clErr := blob.Close(); err == nil {
		err = clErr
	}
	return err
}

func (h *folderHandle) CopyMessages(dst store.Folder, entryIDs [][]byte, move bool) (err error) {
	d, ok := dst.(*folderHandle)
	if !ok {
		return store.Errorf(store.KindNoSupport, "sqlstore.CopyMessages", "destination in foreign store")
	}
	if d.readOnly {
		return store.Errorf(store.KindNoAccess, "sqlstore.CopyMessages", "destination open read-only")
	}
	if move && h.readOnly {
		return store.Errorf(store.KindNoAccess, "sqlstore.CopyMessages", "source open read-only")
	}

	var added []store.TableEvent
	var removed []store.TableEvent

	commit := func() (err error) {
		conn := h.us.db.pool.Get(nil)
		defer h.us.db.pool.Put(conn)
		defer sqlitex.Save(conn)(&err)

		for _, eid := range entryIDs {
			msgID, ok := parseEntryID('M', eid)
			if !ok {
				return store.Errorf(store.KindNotFound, "sqlstore.CopyMessages", "bad entry-id %x", eid)
			}
			row, err := h.loadMsgRow(conn, msgID)
			if err != nil {
				return err
			}
			raw, err := readBlob(conn, "MsgRaw", msgID)
			if err != nil {
				return err
			}

			uid, err := nextUID(conn, d.folderID, 1)
			if err != nil {
				return err
			}
			row.UID = uid
			newMsgID, err := insertMsg(conn, d.folderID, &row)
			if err != nil {
				return err
			}
			if err := writeBlob(conn, "MsgRaw", newMsgID, raw); err != nil {
				return err
			}
			row.EntryID = entryID('M', newMsgID)
			row.InstanceKey = entryID('K', newMsgID)
			added = append(added, store.TableEvent{Type: store.RowAdded, Row: row})

			if move {
				if err := deleteMsg(conn, msgID); err != nil {
					return err
				}
				removed = append(removed, store.TableEvent{
					Type: store.RowDeleted,
					Row:  store.Row{InstanceKey: entryID('K', msgID)},
				})
			}
		}
		return nil
	}
	if err := commit(); err != nil {
		return err
	}

	for _, ev := range added {
		d.us.db.notify(d.folderID, ev)
	}
	for _, ev := range removed {
		h.us.db.notify(h.folderID, ev)
	}
	return nil
}

func insertMsg(conn *sqlite.Conn, folderID int64, row *store.Row) (int64, error) {
	stmt := conn.Prep(`INSERT INTO Msgs (FolderID, UID,
			MsgFlags, FlagStatus, MsgStatus, LastVerb,
			Size, DeliveryTime, SubmitTime, Subject, SenderName, SenderEmail)
		VALUES ($folderID, $uid,
			$msgFlags, $flagStatus, $msgStatus, $lastVerb,
			$size, $deliveryTime, $submitTime, $subject, $senderName, $senderEmail);`)
	stmt.SetInt64("$folderID", folderID)
	stmt.SetInt64("$uid", int64(row.UID))
	stmt.SetInt64("$msgFlags", int64(row.MsgFlags))
	stmt.SetInt64("$flagStatus", int64(row.FlagStatus))
	stmt.SetInt64("$msgStatus", int64(row.MsgStatus))
	stmt.SetInt64("$lastVerb", int64(row.LastVerb))
	stmt.SetInt64("$size", row.Size)
	stmt.SetInt64("$deliveryTime", row.DeliveryTime.UnixNano())
	stmt.SetInt64("$submitTime", row.SubmitTime.UnixNano())
	stmt.SetText("$subject", row.Subject)
	stmt.SetText("$senderName", row.SenderName)
	stmt.SetText("$senderEmail", row.SenderEmail)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	msgID := conn.LastInsertRowID()

	stmt = conn.Prep(`INSERT INTO MsgRaw (MsgID, Content) VALUES ($msgID, ZEROBLOB(0));`)
	stmt.SetInt64("$msgID", msgID)
	if _, err := stmt.Step(); err != nil {
		return 0, err
	}
	return msgID, nil
}

func deleteMsg(conn *sqlite.Conn, msgID int64) error {
	for _, sql := range []string{
		`DELETE FROM MsgRaw WHERE MsgID = $msgID;`,
		`DELETE FROM MsgCache WHERE MsgID = $msgID;`,
		`DELETE FROM Msgs WHERE MsgID = $msgID;`,
	} {
		stmt := conn.Prep(sql)
		stmt.SetInt64("$msgID", msgID)
		if _, err := stmt.Step(); err != nil {
			return err
		}
	}
	return nil
}

func (h *folderHandle) DeleteMessages(entryIDs [][]byte) (err error) {
	if h.readOnly {
		return store.Errorf(store.KindNoAccess, "sqlstore.DeleteMessages", "folder open read-only")
	}

	var removed []store.TableEvent
	commit := func() (err error) {
		conn := h.us.db.pool.Get(nil)
		defer h.us.db.pool.Put(conn)
		defer sqlitex.Save(conn)(&err)

		for _, eid := range entryIDs {
			msgID, ok := parseEntryID('M', eid)
			if !ok {
				continue
			}
			if _, err := h.loadMsgRow(conn, msgID); err != nil {
				if store.IsKind(err, store.KindNotFound) {
					continue
				}
				return err
			}
			if err := deleteMsg(conn, msgID); err != nil {
				return err
			}
			removed = append(removed, store.TableEvent{
				Type: store.RowDeleted,
				Row:  store.Row{InstanceKey: entryID('K', msgID)},
			})
		}
		return nil
	}
	if err := commit(); err != nil {
		return err
	}

	for _, ev := range removed {
		h.us.db.notify(h.folderID, ev)
	}
	return nil
}

func (h *folderHandle) SetReadFlags(entryIDs [][]byte, seen bool) (err error) {
	if h.readOnly {
		return store.Errorf(store.KindNoAccess, "sqlstore.SetReadFlags", "folder open read-only")
	}

	var changed []store.Row
	commit := func() (err error) {
		conn := h.us.db.pool.Get(nil)
		defer h.us.db.pool.Put(conn)
		defer sqlitex.Save(conn)(&err)

		for _, eid := range entryIDs {
			msgID, ok := parseEntryID('M', eid)
			if !ok {
				continue
			}
			row, err := h.loadMsgRow(conn, msgID)
			if err != nil {
				if store.IsKind(err, store.KindNotFound) {
					continue
				}
				return err
			}
			was := row.MsgFlags
			if seen {
				row.MsgFlags |= store.MsgFlagRead
			} else {
				row.MsgFlags &^= store.MsgFlagRead
			}
			if row.MsgFlags == was {
				continue
			}
			stmt := conn.Prep(`UPDATE Msgs SET MsgFlags = $msgFlags WHERE MsgID = $msgID;`)
			stmt.SetInt64("$msgFlags", int64(row.MsgFlags))
			stmt.SetInt64("$msgID", msgID)
			if _, err := stmt.Step(); err != nil {
				return err
			}
			changed = append(changed, row)
		}
		return nil
	}
	if err := commit(); err != nil {
		return err
	}

	for _, row := range changed {
		h.us.db.notify(h.folderID, store.TableEvent{Type: store.RowModified, Row: row})
	}
	return nil
}

func (h *folderHandle) Advise(sink store.NotifySink) (int64, error) {
	db := h.us.db
	db.sinksMu.Lock()
	defer db.sinksMu.Unlock()
	if db.sinks[h.folderID] == nil {
		db.sinks[h.folderID] = make(map[int64]store.NotifySink)
	}
	db.nextCookie++
	cookie := db.nextCookie
	db.sinks[h.folderID][cookie] = sink
	return cookie, nil
}

func (h *folderHandle) Unadvise(cookie int64) error {
	db := h.us.db
	db.sinksMu.Lock()
	defer db.sinksMu.Unlock()
	delete(db.sinks[h.folderID], cookie)
	return nil
}

func (h *folderHandle) Close() error { return nil }

// messageHandle stages property changes until SaveChanges.
type messageHandle struct {
	folder   *folderHandle
	msgID    int64 // 0 while creating
	creating bool

	row     store.Row
	raw     []byte
	date    time.Time
	dateSet bool
	props   *store.Props
	cached  map[store.PropTag][]byte
}

func (h *messageHandle) EntryID() []byte { return h.row.EntryID }

func (h *messageHandle) Props() (store.Props, error) {
	if h.props != nil {
		return *h.props, nil
	}
	return store.RowProps(h.row), nil
}

func (h *messageHandle) SetProps(p store.Props) error {
	h.props = &p
	return nil
}

func (h *messageHandle) InternalDate() (time.Time, error) {
	if h.dateSet {
		return h.date, nil
	}
	return h.row.DeliveryTime, nil
}

func (h *messageHandle) SetInternalDate(t time.Time) error {
	h.date = t
	h.dateSet = true
	return nil
}

func (h *messageHandle) Raw() (io.ReadCloser, int64, error) {
	if h.raw != nil {
		return io.NopCloser(bytes.NewReader(h.raw)), int64(len(h.raw)), nil
	}
	if h.msgID == 0 {
		return nil, 0, store.Errorf(store.KindNotFound, "sqlstore.Raw", "message has no content")
	}
	db := h.folder.us.db
	conn := db.pool.Get(nil)
	defer db.pool.Put(conn)

	blob, err := conn.OpenBlob("", "MsgRaw", "Content", h.msgID, false)
	if err != nil {
		return nil, 0, store.E(store.KindCallFailed, "sqlstore.Raw", err)
	}
	buf := db.filer.BufferFile(0)
	size, err := io.Copy(buf, blob)
	blob.Close()
	if err != nil {
		buf.Close()
		return nil, 0, store.E(store.KindCallFailed, "sqlstore.Raw", err)
	}
	if _, err := buf.Seek(0, 0); err != nil {
		buf.Close()
		return nil, 0, store.E(store.KindCallFailed, "sqlstore.Raw", err)
	}
	return buf, size, nil
}

func (h *messageHandle) ImportRaw(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return store.E(store.KindCallFailed, "sqlstore.ImportRaw", err)
	}
	h.raw = raw
	return nil
}

func (h *messageHandle) CachedProp(tag store.PropTag) ([]byte, bool) {
	if v, ok := h.cached[tag]; ok {
		return v, true
	}
	if h.msgID == 0 {
		return nil, false
	}
	conn := h.folder.us.db.pool.Get(nil)
	defer h.folder.us.db.pool.Put(conn)

	stmt := conn.Prep(`SELECT Content FROM MsgCache
		WHERE MsgID = $msgID AND Tag = $tag;`)
	stmt.SetInt64("$msgID", h.msgID)
	stmt.SetInt64("$tag", int64(tag))
	hasRow, err := stmt.Step()
	if err != nil || !hasRow {
		stmt.Reset()
		return nil, false
	}
	data := make([]byte, stmt.GetLen("Content"))
	stmt.GetBytes("Content", data)
	stmt.Reset()
	return data, true
}

func (h *messageHandle) SetCachedProp(tag store.PropTag, data []byte) error {
	if h.cached == nil {
		h.cached = make(map[store.PropTag][]byte)
	}
	h.cached[tag] = append([]byte(nil), data...)
	return nil
}

func (h *messageHandle) SaveChanges() error {
	if h.creating {
		return h.saveNew()
	}
	return h.saveExisting()
}

func (h *messageHandle) saveNew() error {
	f := h.folder
	if h.raw == nil {
		return store.Errorf(store.KindCallFailed, "sqlstore.SaveChanges", "new message has no content")
	}
	row := rowFromRaw(h.raw)
	if h.props != nil {
		row.MsgFlags = h.props.MsgFlags
		row.FlagStatus = h.props.FlagStatus
		row.MsgStatus = h.props.MsgStatus
		row.LastVerb = h.props.LastVerb
	}
	date := h.date
	if !h.dateSet {
		date = time.Now()
	}
	row.DeliveryTime = date

	commit := func() (err error) {
		conn := f.us.db.pool.Get(nil)
		defer f.us.db.pool.Put(conn)
		defer sqlitex.Save(conn)(&err)

		uid, err := nextUID(conn, f.folderID, 1)
		if err != nil {
			return err
		}
		row.UID = uid
		msgID, err := insertMsg(conn, f.folderID, &row)
		if err != nil {
			return err
		}
		if err := writeBlob(conn, "MsgRaw", msgID, h.raw); err != nil {
			return err
		}
		for tag, v := range h.cached {
			if err := writeCache(conn, msgID, tag, v); err != nil {
				return err
			}
		}
		h.msgID = msgID
		return nil
	}
	if err := commit(); err != nil {
		return err
	}

	row.EntryID = entryID('M', h.msgID)
	row.InstanceKey = entryID('K', h.msgID)
	h.row = row
	h.creating = false
	h.props = nil
	h.cached = nil
	f.us.db.notify(f.folderID, store.TableEvent{Type: store.RowAdded, Row: row})
	return nil
}

func (h *messageHandle) saveExisting() error {
	f := h.folder
	changed := false
	var row store.Row

	commit := func() (err error) {
		conn := f.us.db.pool.Get(nil)
		defer f.us.db.pool.Put(conn)
		defer sqlitex.Save(conn)(&err)

		row, err = f.loadMsgRow(conn, h.msgID)
		if err != nil {
			return err
		}
		if h.props != nil {
			row.MsgFlags = h.props.MsgFlags
			row.FlagStatus = h.props.FlagStatus
			row.MsgStatus = h.props.MsgStatus
			row.LastVerb = h.props.LastVerb
			changed = true
		}
		if h.dateSet {
			row.DeliveryTime = h.date
		}
		if changed || h.dateSet {
			stmt := conn.Prep(`UPDATE Msgs SET
					MsgFlags = $msgFlags, FlagStatus = $flagStatus,
					MsgStatus = $msgStatus, LastVerb = $lastVerb,
					DeliveryTime = $deliveryTime
				WHERE MsgID = $msgID;`)
			stmt.SetInt64("$msgFlags", int64(row.MsgFlags))
			stmt.SetInt64("$flagStatus", int64(row.FlagStatus))
			stmt.SetInt64("$msgStatus", int64(row.MsgStatus))
			stmt.SetInt64("$lastVerb", int64(row.LastVerb))
			stmt.SetInt64("$deliveryTime", row.DeliveryTime.UnixNano())
			stmt.SetInt64("$msgID", h.msgID)
			if _, err := stmt.Step(); err != nil {
				return err
			}
		}
		for tag, v := range h.cached {
			if err := writeCache(conn, h.msgID, tag, v); err != nil {
				return err
			}
		}
		return nil
	}
	if err := commit(); err != nil {
		return err
	}

	h.row = row
	h.props = nil
	h.cached = nil
	if changed {
		f.us.db.notify(f.folderID, store.TableEvent{Type: store.RowModified, Row: row})
	}
	return nil
}

func writeCache(conn *sqlite.Conn, msgID int64, tag store.PropTag, data []byte) error {
	stmt := conn.Prep(`INSERT INTO MsgCache (MsgID, Tag, Content)
		VALUES ($msgID, $tag, $content)
		ON CONFLICT (MsgID, Tag) DO UPDATE SET Content = $content;`)
	stmt.SetInt64("$msgID", msgID)
	stmt.SetInt64("$tag", int64(tag))
	stmt.SetBytes("$content", data)
	_, err := stmt.Step()
	return err
}

// rowFromRaw fills the contents-table columns from RFC 5322 bytes.
func rowFromRaw(raw []byte) store.Row {
	row := store.Row{Size: int64(len(raw))}
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return row
	}
	row.Subject = msg.Header.Get("Subject")
	if from := msg.Header.Get("From"); from != "" {
		if addr, err := mail.ParseAddress(from); err == nil {
			row.SenderName = addr.Name
			row.SenderEmail = addr.Address
		} else {
			row.SenderName = from
		}
	}
	if t, err := msg.Header.Date(); err == nil {
		row.SubmitTime = t
	}
	return row
}

// rowData adapts a row for restriction evaluation, loading the raw
// bytes only when a header or body node asks for them.
type rowData struct {
	db     *Store
	row    store.Row
	parsed *mail.Message
	body   []byte
}

func (d *rowData) Row() store.Row { return d.row }

func (d *rowData) parse() {
	if d.parsed != nil {
		return
	}
	d.parsed = &mail.Message{Header: mail.Header{}}

	msgID, ok := parseEntryID('M', d.row.EntryID)
	if !ok {
		return
	}
	conn := d.db.pool.Get(nil)
	raw, err := readBlob(conn, "MsgRaw", msgID)
	d.db.pool.Put(conn)
	if err != nil {
		return
	}
	if msg, err := mail.ReadMessage(bytes.NewReader(raw)); err == nil {
		d.parsed = msg
	}
}

func (d *rowData) Header(name string) string {
	d.parse()
	return d.parsed.Header.Get(name)
}

func (d *rowData) BodyText() string {
	d.parse()
	if d.body == nil {
		if d.parsed.Body != nil {
			d.body, _ = io.ReadAll(d.parsed.Body)
		}
		if d.body == nil {
			d.body = []byte{}
		}
	}
	return string(d.body)
}
