// Package memstore is an in-memory store.Accessor. It backs the test
// suites and the gateway's -dev mode, where no real back-end is
// reachable.
package memstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kopano.io/gateway/store"
)

// Store holds users and their folder trees in memory.
type Store struct {
	mu      sync.Mutex // guards users map, not the contents of *user
	users   map[string]*user
	public  *userStore
	nextID  uint64
	KeyCost int // bcrypt cost, defaults to bcrypt.MinCost

	bypassAuth bool
}

func New() *Store {
	return &Store{
		users:   make(map[string]*user),
		KeyCost: bcrypt.MinCost,
	}
}

type user struct {
	name     string
	passHash []byte
	features map[string]bool
	store    *userStore
}

// AddUser creates a user with the default folder tree.
func (s *Store) AddUser(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.users[username] != nil {
		return fmt.Errorf("memstore: user %q already exists", username)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.KeyCost)
	if err != nil {
		return err
	}
	u := &user{
		name:     username,
		passHash: hash,
		features: map[string]bool{"imap": true, "pop3": true},
	}
	u.store = s.newUserStore()
	s.users[username] = u
	return nil
}

// SetFeature toggles a feature flag ("imap", "pop3") on a user.
func (s *Store) SetFeature(username, feature string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u := s.users[username]; u != nil {
		u.features[feature] = on
	}
}

// SetBypassAuth disables password verification. Users must still
// exist. Diagnostic use only.
func (s *Store) SetBypassAuth(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bypassAuth = on
}

// EnablePublic creates the shared public store. Sessions opened after
// the call see it.
func (s *Store) EnablePublic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.public == nil {
		s.public = s.newPublicStore()
	}
}

// Deliver appends a message to the user's inbox, the way incoming mail
// arrives outside any IMAP session. It returns the assigned UID.
func (s *Store) Deliver(username string, date time.Time, raw []byte) (uint32, error) {
	s.mu.Lock()
	u := s.users[username]
	s.mu.Unlock()
	if u == nil {
		return 0, fmt.Errorf("memstore: no such user %q", username)
	}
	inbox := u.store.special(store.SpecialInbox)
	if inbox == nil {
		return 0, fmt.Errorf("memstore: user %q has no inbox", username)
	}
	f := &folderHandle{f: inbox}
	msg, err := f.CreateMessage()
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

// Authenticate implements store.Accessor.
func (s *Store) Authenticate(username, password, clientAddr string) (store.Session, error) {
	s.mu.Lock()
	u := s.users[username]
	public := s.public
	bypass := s.bypassAuth
	s.mu.Unlock()

	if u == nil {
		return nil, store.Errorf(store.KindLogonFailed, "memstore.Authenticate", "unknown user %q from %s", username, clientAddr)
	}
	if !bypass && bcrypt.CompareHashAndPassword(u.passHash, []byte(password)) != nil {
		return nil, store.Errorf(store.KindLogonFailed, "memstore.Authenticate", "bad password for %q from %s", username, clientAddr)
	}
	sess := &session{user: u, store: u.store, public: public}
	return sess, nil
}

func (s *Store) nextEntryID(kind byte) []byte {
	// callers hold s.mu or the relevant store mutex
	s.nextID++
	id := make([]byte, 16)
	id[0] = kind
	binary.BigEndian.PutUint64(id[8:], s.nextID)
	return id
}

func (s *Store) newUserStore() *userStore {
	us := &userStore{
		parent:  s,
		folders: make(map[string]*folder),
	}
	root := us.addFolder(nil, "", store.SpecialNone)
	us.root = root
	us.addFolder(root, "Inbox", store.SpecialInbox)
	us.addFolder(root, "Sent Items", store.SpecialSent)
	us.addFolder(root, "Deleted Items", store.SpecialTrash)
	us.addFolder(root, "Drafts", store.SpecialDrafts)
	us.addFolder(root, "Junk E-mail", store.SpecialJunk)
	us.addFolder(root, "Outbox", store.SpecialOutbox)
	return us
}

func (s *Store) newPublicStore() *userStore {
	us := &userStore{
		parent:  s,
		folders: make(map[string]*folder),
	}
	root := us.addFolder(nil, "", store.SpecialPublicRoot)
	us.root = root
	return us
}

type session struct {
	user   *user
	store  *userStore
	public *userStore
	closed bool
}

func (s *session) Username() string { return s.user.name }

func (s *session) Store() store.Store { return s.store }

func (s *session) PublicStore() store.Store {
	if s.public == nil {
		return nil
	}
	return s.public
}

func (s *session) HasFeature(name string) bool {
	return s.user.features[name]
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

// userStore is one store's folder tree.
type userStore struct {
	parent *Store

	mu            sync.Mutex
	root          *folder
	folders       map[string]*folder // keyed by entryID
	nextHierarchy uint32
	subscriptions [][]byte
}

func (us *userStore) addFolder(parent *folder, name string, kind store.SpecialKind) *folder {
	us.mu.Lock()
	defer us.mu.Unlock()
	us.nextHierarchy++
	f := &folder{
		store:       us,
		entryID:     us.parent.nextEntryID('F'),
		name:        name,
		hierarchyID: 500000 + us.nextHierarchy,
		special:     kind,
		uidNext:     1,
	}
	if parent != nil {
		f.parent = parent
		parent.children = append(parent.children, f)
	}
	us.folders[string(f.entryID)] = f
	return f
}

func (us *userStore) special(kind store.SpecialKind) *folder {
	us.mu.Lock()
	defer us.mu.Unlock()
	for _, f := range us.folders {
		if f.special == kind {
			return f
		}
	}
	return nil
}

func (us *userStore) RootID() []byte { return us.root.entryID }

func (us *userStore) Hierarchy() ([]store.FolderInfo, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	var infos []store.FolderInfo
	var walk func(f *folder)
	walk = func(f *folder) {
		kids := append([]*folder(nil), f.children...)
		sort.Slice(kids, func(i, j int) bool { return kids[i].name < kids[j].name })
		for _, kid := range kids {
			infos = append(infos, kid.info())
			walk(kid)
		}
	}
	walk(us.root)
	return infos, nil
}

func (us *userStore) ResolveFolder(path []string) (*store.FolderInfo, error) {
	us.mu.Lock()
	defer us.mu.Unlock()

	f := us.root
	for _, seg := range path {
		var next *folder
		for _, kid := range f.children {
			if kid.name == seg {
				next = kid
				break
			}
		}
		if next == nil {
			return nil, store.Errorf(store.KindNotFound, "memstore.ResolveFolder", "no folder %q", strings.Join(path, "/"))
		}
		f = next
	}
	info := f.info()
	return &info, nil
}

func (us *userStore) OpenFolder(entryID []byte, readOnly bool) (store.Folder, error) {
	us.mu.Lock()
	f := us.folders[string(entryID)]
	us.mu.Unlock()
	if f == nil {
		return nil, store.Errorf(store.KindNotFound, "memstore.OpenFolder", "no folder %x", entryID)
	}
	return &folderHandle{f: f, readOnly: readOnly}, nil
}

func (us *userStore) CreateFolder(parentID []byte, name string) (*store.FolderInfo, error) {
	us.mu.Lock()
	parent := us.folders[string(parentID)]
	if parent == nil {
		us.mu.Unlock()
		return nil, store.Errorf(store.KindNotFound, "memstore.CreateFolder", "no parent %x", parentID)
	}
	for _, kid := range parent.children {
		if kid.name == name {
			us.mu.Unlock()
			return nil, store.Errorf(store.KindCollision, "memstore.CreateFolder", "folder %q exists", name)
		}
	}
	us.mu.Unlock()

	f := us.addFolder(parent, name, store.SpecialNone)
	info := f.info()
	return &info, nil
}

func (us *userStore) DeleteFolder(entryID []byte) error {
	us.mu.Lock()
	defer us.mu.Unlock()

	f := us.folders[string(entryID)]
	if f == nil {
		return store.Errorf(store.KindNotFound, "memstore.DeleteFolder", "no folder %x", entryID)
	}
	if f == us.root {
		return store.Errorf(store.KindNoAccess, "memstore.DeleteFolder", "cannot delete root")
	}
	var drop func(f *folder)
	drop = func(f *folder) {
		for _, kid := range f.children {
			drop(kid)
		}
		delete(us.folders, string(f.entryID))
	}
	drop(f)
	p := f.parent
	for i, kid := range p.children {
		if kid == f {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	return nil
}

func (us *userStore) RenameFolder(entryID, newParentID []byte, newName string) error {
	us.mu.Lock()
	defer us.mu.Unlock()

	f := us.folders[string(entryID)]
	if f == nil {
		return store.Errorf(store.KindNotFound, "memstore.RenameFolder", "no folder %x", entryID)
	}
	newParent := us.folders[string(newParentID)]
	if newParent == nil {
		return store.Errorf(store.KindNotFound, "memstore.RenameFolder", "no parent %x", newParentID)
	}
	for _, kid := range newParent.children {
		if kid != f && kid.name == newName {
			return store.Errorf(store.KindCollision, "memstore.RenameFolder", "folder %q exists", newName)
		}
	}
	// A rename into a descendant would detach the subtree.
	for p := newParent; p != nil; p = p.parent {
		if p == f {
			return store.Errorf(store.KindCallFailed, "memstore.RenameFolder", "destination inside source")
		}
	}
	if f.parent != newParent {
		old := f.parent
		for i, kid := range old.children {
			if kid == f {
				old.children = append(old.children[:i], old.children[i+1:]...)
				break
			}
		}
		newParent.children = append(newParent.children, f)
		f.parent = newParent
	}
	f.name = newName
	return nil
}

func (us *userStore) Subscriptions() ([][]byte, error) {
	us.mu.Lock()
	defer us.mu.Unlock()
	subs := make([][]byte, len(us.subscriptions))
	for i, id := range us.subscriptions {
		subs[i] = append([]byte(nil), id...)
	}
	return subs, nil
}

func (us *userStore) SetSubscriptions(entryIDs [][]byte) error {
	us.mu.Lock()
	defer us.mu.Unlock()
	us.subscriptions = nil
	for _, id := range entryIDs {
		us.subscriptions = append(us.subscriptions, append([]byte(nil), id...))
	}
	return nil
}

// folder is the shared state behind every open handle on one folder.
type folder struct {
	store       *userStore
	entryID     []byte
	hierarchyID uint32
	special     store.SpecialKind

	// guarded by store.mu
	parent   *folder
	children []*folder
	name     string

	mu         sync.Mutex
	msgs       []*message
	uidNext    uint32
	maxUID     uint32
	sinks      map[int64]store.NotifySink
	nextCookie int64
}

func (f *folder) info() store.FolderInfo {
	info := store.FolderInfo{
		EntryID:        f.entryID,
		Name:           f.name,
		HierarchyID:    f.hierarchyID,
		HasChildren:    len(f.children) > 0,
		ContainerClass: "IPF.Note",
		Special:        f.special,
	}
	if f.parent != nil {
		info.ParentID = f.parent.entryID
	}
	return info
}

func (f *folder) notify(ev store.TableEvent) {
	f.mu.Lock()
	sinks := make([]store.NotifySink, 0, len(f.sinks))
	for _, sink := range f.sinks {
		sinks = append(sinks, sink)
	}
	f.mu.Unlock()
	for _, sink := range sinks {
		sink.Notify(ev)
	}
}

// message is one stored message.
type message struct {
	row    store.Row
	raw    []byte
	date   time.Time
	cached map[store.PropTag][]byte
}

type folderHandle struct {
	f        *folder
	readOnly bool
	closed   bool
}

func (h *folderHandle) EntryID() []byte { return h.f.entryID }

func (h *folderHandle) Info() (store.FolderInfo, error) {
	h.f.store.mu.Lock()
	defer h.f.store.mu.Unlock()
	return h.f.info(), nil
}

func (h *folderHandle) Counts() (total, unread uint32, err error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	for _, m := range h.f.msgs {
		total++
		if m.row.MsgFlags&store.MsgFlagRead == 0 {
			unread++
		}
	}
	return total, unread, nil
}

func (h *folderHandle) MaxUID() (uint32, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	return h.f.maxUID, nil
}

func (h *folderHandle) SetMaxUID(uid uint32) error {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	h.f.maxUID = uid
	return nil
}

func (h *folderHandle) Contents() ([]store.Row, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	rows := make([]store.Row, len(h.f.msgs))
	for i, m := range h.f.msgs {
		rows[i] = m.row
	}
	return rows, nil
}

func (h *folderHandle) Query(r *store.Restriction) ([]store.Row, error) {
	h.f.mu.Lock()
	msgs := append([]*message(nil), h.f.msgs...)
	h.f.mu.Unlock()

	var rows []store.Row
	for _, m := range msgs {
		if r.Match(&rowData{m: m}) {
			rows = append(rows, m.row)
		}
	}
	return rows, nil
}

func (h *folderHandle) OpenMessage(entryID []byte) (store.Message, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	for _, m := range h.f.msgs {
		if bytes.Equal(m.row.EntryID, entryID) {
			return &messageHandle{folder: h.f, msg: m, row: m.row}, nil
		}
	}
	return nil, store.Errorf(store.KindNotFound, "memstore.OpenMessage", "no message %x", entryID)
}

func (h *folderHandle) CreateMessage() (store.Message, error) {
	if h.readOnly {
		return nil, store.Errorf(store.KindNoAccess, "memstore.CreateMessage", "folder open read-only")
	}
	return &messageHandle{folder: h.f, creating: true}, nil
}

func (h *folderHandle) CopyMessages(dst store.Folder, entryIDs [][]byte, move bool) error {
	d, ok := dst.(*folderHandle)
	if !ok {
		return store.Errorf(store.KindNoSupport, "memstore.CopyMessages", "destination in foreign store")
	}
	if d.readOnly {
		return store.Errorf(store.KindNoAccess, "memstore.CopyMessages", "destination open read-only")
	}
	if move && h.readOnly {
		return store.Errorf(store.KindNoAccess, "memstore.CopyMessages", "source open read-only")
	}

	want := make(map[string]bool, len(entryIDs))
	for _, id := range entryIDs {
		want[string(id)] = true
	}

	h.f.mu.Lock()
	var picked []*message
	var kept []*message
	for _, m := range h.f.msgs {
		if want[string(m.row.EntryID)] {
			picked = append(picked, m)
			if move {
				continue
			}
		}
		kept = append(kept, m)
	}
	if move {
		h.f.msgs = kept
	}
	h.f.mu.Unlock()

	if len(picked) != len(entryIDs) {
		return store.Errorf(store.KindNotFound, "memstore.CopyMessages", "%d of %d messages missing", len(entryIDs)-len(picked), len(entryIDs))
	}

	var added []store.TableEvent
	d.f.mu.Lock()
	for _, src := range picked {
		cp := &message{
			row:  src.row,
			raw:  src.raw,
			date: src.date,
		}
		cp.row.EntryID = d.f.store.parent.nextEntryID('M')
		cp.row.InstanceKey = d.f.store.parent.nextEntryID('K')
		cp.row.UID = d.f.uidNext
		d.f.uidNext++
		d.f.msgs = append(d.f.msgs, cp)
		added = append(added, store.TableEvent{Type: store.RowAdded, Row: cp.row})
	}
	d.f.mu.Unlock()

	for _, ev := range added {
		d.f.notify(ev)
	}
	if move {
		for _, src := range picked {
			h.f.notify(store.TableEvent{Type: store.RowDeleted, Row: store.Row{InstanceKey: src.row.InstanceKey}})
		}
	}
	return nil
}

func (h *folderHandle) DeleteMessages(entryIDs [][]byte) error {
	if h.readOnly {
		return store.Errorf(store.KindNoAccess, "memstore.DeleteMessages", "folder open read-only")
	}
	want := make(map[string]bool, len(entryIDs))
	for _, id := range entryIDs {
		want[string(id)] = true
	}

	h.f.mu.Lock()
	var kept []*message
	var dropped []*message
	for _, m := range h.f.msgs {
		if want[string(m.row.EntryID)] {
			dropped = append(dropped, m)
		} else {
			kept = append(kept, m)
		}
	}
	h.f.msgs = kept
	h.f.mu.Unlock()

	for _, m := range dropped {
		h.f.notify(store.TableEvent{Type: store.RowDeleted, Row: store.Row{InstanceKey: m.row.InstanceKey}})
	}
	return nil
}

func (h *folderHandle) SetReadFlags(entryIDs [][]byte, seen bool) error {
	if h.readOnly {
		return store.Errorf(store.KindNoAccess, "memstore.SetReadFlags", "folder open read-only")
	}
	want := make(map[string]bool, len(entryIDs))
	for _, id := range entryIDs {
		want[string(id)] = true
	}

	h.f.mu.Lock()
	var changed []store.Row
	for _, m := range h.f.msgs {
		if !want[string(m.row.EntryID)] {
			continue
		}
		was := m.row.MsgFlags
		if seen {
			m.row.MsgFlags |= store.MsgFlagRead
		} else {
			m.row.MsgFlags &^= store.MsgFlagRead
		}
		if m.row.MsgFlags != was {
			changed = append(changed, m.row)
		}
	}
	h.f.mu.Unlock()

	for _, row := range changed {
		h.f.notify(store.TableEvent{Type: store.RowModified, Row: row})
	}
	return nil
}

func (h *folderHandle) Advise(sink store.NotifySink) (int64, error) {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	if h.f.sinks == nil {
		h.f.sinks = make(map[int64]store.NotifySink)
	}
	h.f.nextCookie++
	cookie := h.f.nextCookie
	h.f.sinks[cookie] = sink
	return cookie, nil
}

func (h *folderHandle) Unadvise(cookie int64) error {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	delete(h.f.sinks, cookie)
	return nil
}

func (h *folderHandle) Close() error {
	h.closed = true
	return nil
}

// messageHandle stages property changes until SaveChanges.
type messageHandle struct {
	folder   *folder
	msg      *message // nil while creating
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
	if h.msg != nil {
		return h.msg.date, nil
	}
	return time.Time{}, nil
}

func (h *messageHandle) SetInternalDate(t time.Time) error {
	h.date = t
	h.dateSet = true
	return nil
}

func (h *messageHandle) Raw() (io.ReadCloser, int64, error) {
	raw := h.raw
	if raw == nil && h.msg != nil {
		raw = h.msg.raw
	}
	if raw == nil {
		return nil, 0, store.Errorf(store.KindNotFound, "memstore.Raw", "message has no content")
	}
	return io.NopCloser(bytes.NewReader(raw)), int64(len(raw)), nil
}

func (h *messageHandle) ImportRaw(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return store.E(store.KindCallFailed, "memstore.ImportRaw", err)
	}
	h.raw = raw
	return nil
}

func (h *messageHandle) CachedProp(tag store.PropTag) ([]byte, bool) {
	if v, ok := h.cached[tag]; ok {
		return v, true
	}
	if h.msg != nil {
		v, ok := h.msg.cached[tag]
		return v, ok
	}
	return nil, false
}

func (h *messageHandle) SetCachedProp(tag store.PropTag, data []byte) error {
	if h.cached == nil {
		h.cached = make(map[store.PropTag][]byte)
	}
	h.cached[tag] = append([]byte(nil), data...)
	return nil
}

func (h *messageHandle) SaveChanges() error {
	f := h.folder
	if h.creating {
		if h.raw == nil {
			return store.Errorf(store.KindCallFailed, "memstore.SaveChanges", "new message has no content")
		}
		m := &message{raw: h.raw, date: h.date, cached: h.cached}
		m.row = rowFromRaw(h.raw)
		m.row.EntryID = f.store.parent.nextEntryID('M')
		m.row.InstanceKey = f.store.parent.nextEntryID('K')
		if h.props != nil {
			applyProps(&m.row, *h.props)
		}
		if !h.dateSet {
			m.date = time.Now()
		}
		m.row.DeliveryTime = m.date

		f.mu.Lock()
		m.row.UID = f.uidNext
		f.uidNext++
		f.msgs = append(f.msgs, m)
		f.mu.Unlock()

		h.msg = m
		h.row = m.row
		h.creating = false
		f.notify(store.TableEvent{Type: store.RowAdded, Row: m.row})
		return nil
	}

	changed := false
	f.mu.Lock()
	if h.props != nil {
		applyProps(&h.msg.row, *h.props)
		changed = true
	}
	if h.dateSet {
		h.msg.date = h.date
	}
	for tag, v := range h.cached {
		if h.msg.cached == nil {
			h.msg.cached = make(map[store.PropTag][]byte)
		}
		h.msg.cached[tag] = v
	}
	row := h.msg.row
	f.mu.Unlock()

	h.row = row
	h.props = nil
	h.cached = nil
	if changed {
		f.notify(store.TableEvent{Type: store.RowModified, Row: row})
	}
	return nil
}

func applyProps(row *store.Row, p store.Props) {
	row.MsgFlags = p.MsgFlags
	row.FlagStatus = p.FlagStatus
	row.MsgStatus = p.MsgStatus
	row.LastVerb = p.LastVerb
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

// rowData adapts a message for restriction evaluation, parsing the
// raw bytes only when a header or body node asks for them.
type rowData struct {
	m      *message
	parsed *mail.Message
	body   []byte
}

func (d *rowData) Row() store.Row { return d.m.row }

func (d *rowData) parse() {
	if d.parsed != nil {
		return
	}
	msg, err := mail.ReadMessage(bytes.NewReader(d.m.raw))
	if err != nil {
		d.parsed = &mail.Message{Header: mail.Header{}}
		return
	}
	d.parsed = msg
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
