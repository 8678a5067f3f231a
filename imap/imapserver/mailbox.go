package imapserver

import (
	"bytes"
	"strings"

	"kopano.io/gateway/imap"
	"kopano.io/gateway/imap/imapparser"
	"kopano.io/gateway/imap/imapparser/utf7mod"
	"kopano.io/gateway/store"
)

// publicPrefix is the folder name under which the public store is
// grafted into the hierarchy.
const publicPrefix = "Public folders"

type mailboxInfo struct {
	store store.Store
	info  store.FolderInfo
	name  string // full "/"-separated path, inbox spelled INBOX
}

// isMailFolder reports whether a container class belongs to a folder
// that may hold mail. An empty class counts, old stores leave it
// unset on mail folders.
func isMailFolder(containerClass string) bool {
	return containerClass == "" || strings.HasPrefix(containerClass, "IPF.Note")
}

// mailboxes flattens the store hierarchy into named mailboxes.
// Parents always precede their children in the result.
func (c *Conn) mailboxes() ([]mailboxInfo, error) {
	st := c.session.Store()
	list, err := c.storeMailboxes(st, "")
	if err != nil {
		return nil, err
	}
	if c.server.PublicFolders {
		if pub := c.session.PublicStore(); pub != nil {
			list = append(list, mailboxInfo{
				store: pub,
				info: store.FolderInfo{
					EntryID:     pub.RootID(),
					Name:        publicPrefix,
					HasChildren: true,
					Special:     store.SpecialPublicRoot,
				},
				name: publicPrefix,
			})
			pubList, err := c.storeMailboxes(pub, publicPrefix+"/")
			if err != nil {
				return nil, err
			}
			list = append(list, pubList...)
		}
	}
	return list, nil
}

func (c *Conn) storeMailboxes(st store.Store, prefix string) ([]mailboxInfo, error) {
	infos, err := st.Hierarchy()
	if err != nil {
		return nil, err
	}
	rootID := string(st.RootID())
	names := make(map[string]string, len(infos)) // entryID to full path
	var list []mailboxInfo
	for _, fi := range infos {
		name := fi.Name
		if fi.Special == store.SpecialInbox {
			name = "INBOX"
		}
		full := name
		if pid := string(fi.ParentID); pid != rootID {
			parent, ok := names[pid]
			if !ok {
				continue // orphan, parent is hidden or missing
			}
			full = parent + "/" + name
		}
		names[string(fi.EntryID)] = full
		if c.server.OnlyMailFolders && !isMailFolder(fi.ContainerClass) {
			continue
		}
		list = append(list, mailboxInfo{store: st, info: fi, name: prefix + full})
	}
	return list, nil
}

// validMailboxName rejects names the hierarchy cannot hold.
func validMailboxName(name string) (string, bool) {
	if name == "" {
		return "invalid mailbox name: empty name", false
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return "invalid mailbox name", false
	}
	if strings.Contains(name, "//") {
		return "invalid mailbox name", false
	}
	return "", true
}

// resolveMailbox finds a mailbox by its full path. Matching is
// case-insensitive, the first exact match wins.
func (c *Conn) resolveMailbox(name string) (mailboxInfo, error) {
	list, err := c.mailboxes()
	if err != nil {
		return mailboxInfo{}, err
	}
	for _, mb := range list {
		if mb.name == name {
			return mb, nil
		}
	}
	for _, mb := range list {
		if strings.EqualFold(mb.name, name) {
			return mb, nil
		}
	}
	return mailboxInfo{}, store.Errorf(store.KindNotFound, "resolveMailbox", "no mailbox %q", name)
}

// matchMailbox matches name against an IMAP LIST pattern where '*'
// matches anything and '%' matches anything but the separator.
// ASCII letters compare case-insensitively.
func matchMailbox(name, pattern string) bool {
	if pattern == "" {
		return name == ""
	}
	switch pattern[0] {
	case '*':
		for i := 0; i <= len(name); i++ {
			if matchMailbox(name[i:], pattern[1:]) {
				return true
			}
		}
		return false
	case '%':
		for i := 0; i <= len(name); i++ {
			if matchMailbox(name[i:], pattern[1:]) {
				return true
			}
			if i < len(name) && name[i] == '/' {
				return false
			}
		}
		return false
	default:
		if len(name) == 0 {
			return false
		}
		p, n := pattern[0], name[0]
		if 'a' <= p && p <= 'z' {
			p -= 'a' - 'A'
		}
		if 'a' <= n && n <= 'z' {
			n -= 'a' - 'A'
		}
		if p != n {
			return false
		}
		return matchMailbox(name[1:], pattern[1:])
	}
}

func listAttrs(mb *mailboxInfo) imap.ListAttrFlag {
	attrs := imap.AttrNone
	if mb.info.HasChildren {
		attrs |= imap.AttrHasChildren
	} else {
		attrs |= imap.AttrHasNoChildren
	}
	switch mb.info.Special {
	case store.SpecialPublicRoot:
		attrs |= imap.AttrNoselect
	case store.SpecialSent:
		attrs |= imap.AttrSent
	case store.SpecialTrash:
		attrs |= imap.AttrTrash
	case store.SpecialDrafts:
		attrs |= imap.AttrDrafts
	case store.SpecialJunk:
		attrs |= imap.AttrJunk
	}
	return attrs
}

func (c *Conn) cmdList() {
	cmd := &c.p.Command

	ref, err := utf7mod.AppendDecode(nil, cmd.List.ReferenceName)
	if err != nil {
		c.respondBad("%s invalid reference name", cmd.Name)
		return
	}
	glob, err := utf7mod.AppendDecode(nil, cmd.List.MailboxGlob)
	if err != nil {
		c.respondBad("%s invalid mailbox pattern", cmd.Name)
		return
	}

	if len(glob) == 0 {
		// Empty pattern: report the hierarchy delimiter.
		c.writef("* %s (\\Noselect) \"/\" \"\"\r\n", cmd.Name)
		c.respondOK("%s completed", cmd.Name)
		return
	}
	pattern := string(ref) + string(glob)

	list, err := c.mailboxes()
	if err != nil {
		c.respondErr(cmd.Name, err)
		return
	}

	var subscribed map[string]bool
	if cmd.Name == "LSUB" {
		ids, err := c.session.Store().Subscriptions()
		if err != nil {
			c.respondErr(cmd.Name, err)
			return
		}
		subscribed = make(map[string]bool, len(ids))
		for _, id := range ids {
			subscribed[string(id)] = true
		}
	}

	for i := range list {
		mb := &list[i]
		if subscribed != nil {
			if !subscribed[string(mb.info.EntryID)] && mb.info.Special != store.SpecialInbox {
				continue
			}
		}
		if !matchMailbox(mb.name, pattern) {
			continue
		}
		c.writef("* %s (%s) \"/\" ", cmd.Name, listAttrs(mb))
		c.writeString(mb.name)
		c.writef("\r\n")
	}
	c.respondOK("%s completed", cmd.Name)
}

func (c *Conn) cmdStatus() {
	cmd := &c.p.Command
	mb, err := c.resolveMailbox(string(cmd.Mailbox))
	if err != nil {
		c.respondErr("STATUS", err)
		return
	}
	folder, err := mb.store.OpenFolder(mb.info.EntryID, true)
	if err != nil {
		c.respondErr("STATUS", err)
		return
	}
	defer folder.Close()

	total, unread, err := folder.Counts()
	if err != nil {
		c.respondErr("STATUS", err)
		return
	}

	c.writef("* STATUS ")
	c.writeStringBytes(cmd.Mailbox)
	c.writef(" (")
	for i, item := range cmd.Status.Items {
		if i > 0 {
			c.writef(" ")
		}
		switch item {
		case imapparser.StatusMessages:
			c.writef("MESSAGES %d", total)
		case imapparser.StatusRecent:
			recent, err := c.recentCount(folder)
			if err != nil {
				c.respondErr("STATUS", err)
				return
			}
			c.writef("RECENT %d", recent)
		case imapparser.StatusUIDNext:
			next, err := nextUID(folder)
			if err != nil {
				c.respondErr("STATUS", err)
				return
			}
			c.writef("UIDNEXT %d", next)
		case imapparser.StatusUIDValidity:
			c.writef("UIDVALIDITY %d", mb.info.HierarchyID)
		case imapparser.StatusUnseen:
			c.writef("UNSEEN %d", unread)
		}
	}
	c.writef(")\r\n")
	c.respondOK("STATUS completed")
}

// nextUID predicts the next UID from the folder contents. The
// recorded high-water UID alone is not enough, it lags until a
// session selects the folder read-write.
func nextUID(folder store.Folder) (uint32, error) {
	maxUID, err := folder.MaxUID()
	if err != nil {
		return 0, err
	}
	rows, err := folder.Contents()
	if err != nil {
		return 0, err
	}
	for i := range rows {
		if rows[i].UID > maxUID {
			maxUID = rows[i].UID
		}
	}
	return maxUID + 1, nil
}

// recentCount counts rows above the folder's recorded high-water UID.
func (c *Conn) recentCount(folder store.Folder) (uint32, error) {
	maxUID, err := folder.MaxUID()
	if err != nil {
		return 0, err
	}
	rows, err := folder.Contents()
	if err != nil {
		return 0, err
	}
	var recent uint32
	for i := range rows {
		if rows[i].UID > maxUID {
			recent++
		}
	}
	return recent, nil
}

func (c *Conn) cmdSelect() {
	cmd := &c.p.Command
	c.closeMailbox()
	readOnly := cmd.Name == "EXAMINE"

	mb, err := c.resolveMailbox(string(cmd.Mailbox))
	if err != nil {
		c.respondNo("%s failed: mailbox not found", cmd.Name)
		return
	}
	if mb.info.Special == store.SpecialPublicRoot || !isMailFolder(mb.info.ContainerClass) {
		c.respondNo("%s failed: mailbox may not be selected", cmd.Name)
		return
	}

	folder, err := mb.store.OpenFolder(mb.info.EntryID, readOnly)
	if err != nil {
		c.respondErr(cmd.Name, err)
		return
	}
	maxUID, err := folder.MaxUID()
	if err != nil {
		folder.Close()
		c.respondErr(cmd.Name, err)
		return
	}

	v := &view{
		folder:         folder,
		readOnly:       readOnly,
		uidValidity:    mb.info.HierarchyID,
		maxUIDAtSelect: maxUID,
		wroteMaxUID:    maxUID,
		lastUID:        maxUID,
	}
	c.view = v
	c.p.Mode = imapparser.ModeSelected

	if err := v.refresh(c, true, !readOnly); err != nil {
		c.closeMailbox()
		c.respondErr(cmd.Name, err)
		return
	}
	if cookie, err := folder.Advise(&connSink{c: c}); err != nil {
		c.Logf("%s advise: %v", cmd.Name, err)
	} else {
		v.advised = true
		v.cookie = cookie
	}

	c.writef("* FLAGS (\\Seen \\Draft \\Deleted \\Flagged \\Answered $Forwarded)\r\n")
	c.writef("* OK [UIDNEXT %d] Predicted next UID\r\n", v.lastUID+1)
	c.writef("* OK [UIDVALIDITY %d] UIDVALIDITY value\r\n", v.uidValidity)
	if readOnly {
		c.respondOK("[READ-ONLY] EXAMINE completed")
	} else {
		c.respondOK("[READ-WRITE] SELECT completed")
	}
}

func (c *Conn) cmdCreate() {
	name := string(c.p.Command.Mailbox)
	if msg, ok := validMailboxName(name); !ok {
		c.respondNo("CREATE %s", msg)
		return
	}

	list, err := c.mailboxes()
	if err != nil {
		c.respondErr("CREATE", err)
		return
	}
	byName := make(map[string]*mailboxInfo, len(list))
	for i := range list {
		byName[strings.ToLower(list[i].name)] = &list[i]
	}

	segs := strings.Split(name, "/")
	st := c.session.Store()
	parentID := st.RootID()
	if strings.EqualFold(segs[0], publicPrefix) {
		pub := c.session.PublicStore()
		if !c.server.PublicFolders || pub == nil {
			c.respondNo("CREATE permission denied")
			return
		}
		st = pub
		parentID = pub.RootID()
		segs = segs[1:]
		if len(segs) == 0 {
			c.respondNo("CREATE failed: folder already exists")
			return
		}
	}

	created := false
	prefix := ""
	if st != c.session.Store() {
		prefix = strings.ToLower(publicPrefix)
	}
	for _, seg := range segs {
		if prefix == "" {
			prefix = strings.ToLower(seg)
		} else {
			prefix = prefix + "/" + strings.ToLower(seg)
		}
		if mb, ok := byName[prefix]; ok {
			parentID = mb.info.EntryID
			continue
		}
		fi, err := st.CreateFolder(parentID, seg)
		if err != nil {
			c.respondErr("CREATE", err)
			return
		}
		parentID = fi.EntryID
		created = true
	}
	if !created {
		c.respondNo("CREATE failed: folder already exists")
		return
	}
	c.respondOK("CREATE completed")
}

func (c *Conn) cmdDelete() {
	mb, err := c.resolveMailbox(string(c.p.Command.Mailbox))
	if err != nil {
		c.respondErr("DELETE", err)
		return
	}
	switch mb.info.Special {
	case store.SpecialNone:
	case store.SpecialInbox:
		c.respondNo("DELETE error deleting INBOX is not allowed")
		return
	case store.SpecialPublicRoot:
		c.respondNo("DELETE permission denied")
		return
	default:
		c.respondNo("DELETE special folder may not be deleted")
		return
	}
	if c.view != nil && bytes.Equal(c.view.folder.EntryID(), mb.info.EntryID) {
		c.closeMailbox()
	}
	if err := mb.store.DeleteFolder(mb.info.EntryID); err != nil {
		c.respondErr("DELETE", err)
		return
	}
	c.respondOK("DELETE completed")
}

func (c *Conn) cmdRename() {
	cmd := &c.p.Command
	oldName := string(cmd.Rename.OldMailbox)
	newName := string(cmd.Rename.NewMailbox)

	if strings.EqualFold(oldName, "INBOX") {
		c.respondNo("RENAME INBOX not supported")
		return
	}
	if msg, ok := validMailboxName(newName); !ok {
		c.respondNo("RENAME %s", msg)
		return
	}

	mb, err := c.resolveMailbox(oldName)
	if err != nil {
		c.respondErr("RENAME", err)
		return
	}
	if mb.info.Special != store.SpecialNone {
		c.respondNo("RENAME special folder may not be moved or renamed")
		return
	}
	if _, err := c.resolveMailbox(newName); err == nil {
		c.respondNo("RENAME failed: destination already exists")
		return
	}

	segs := strings.Split(newName, "/")
	leaf := segs[len(segs)-1]
	parentID := mb.store.RootID()
	if len(segs) > 1 {
		parent, err := c.resolveMailbox(strings.Join(segs[:len(segs)-1], "/"))
		if err != nil {
			c.respondNo("RENAME failed: parent folder does not exist")
			return
		}
		if parent.store != mb.store {
			c.respondNo("RENAME failed: cannot move across stores")
			return
		}
		parentID = parent.info.EntryID
	}
	if err := mb.store.RenameFolder(mb.info.EntryID, parentID, leaf); err != nil {
		c.respondErr("RENAME", err)
		return
	}
	c.respondOK("RENAME completed")
}

func (c *Conn) cmdSubscribe() {
	cmd := &c.p.Command
	mb, err := c.resolveMailbox(string(cmd.Mailbox))
	if err != nil {
		c.respondErr(cmd.Name, err)
		return
	}
	if cmd.Name == "UNSUBSCRIBE" && mb.info.Special == store.SpecialInbox {
		c.respondNo("UNSUBSCRIBE INBOX may not be unsubscribed")
		return
	}

	st := c.session.Store()
	subs, err := st.Subscriptions()
	if err != nil {
		c.respondErr(cmd.Name, err)
		return
	}
	changed := false
	if cmd.Name == "SUBSCRIBE" {
		found := false
		for _, id := range subs {
			if bytes.Equal(id, mb.info.EntryID) {
				found = true
				break
			}
		}
		if !found {
			subs = append(subs, mb.info.EntryID)
			changed = true
		}
	} else {
		keep := subs[:0]
		for _, id := range subs {
			if bytes.Equal(id, mb.info.EntryID) {
				changed = true
				continue
			}
			keep = append(keep, id)
		}
		subs = keep
	}
	if changed {
		if err := st.SetSubscriptions(subs); err != nil {
			c.respondErr(cmd.Name, err)
			return
		}
	}
	c.respondOK("%s completed", cmd.Name)
}
