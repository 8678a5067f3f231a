package imapserver

import (
	"bytes"
	"io"
	"time"

	"kopano.io/gateway/imap/imapparser"
	"kopano.io/gateway/store"
)

const internalDateFormat = "02-Jan-2006 15:04:05 -0700"

// findUID looks up the UID assigned to a freshly saved message.
func findUID(folder store.Folder, entryID []byte) (uint32, error) {
	rows, err := folder.Contents()
	if err != nil {
		return 0, err
	}
	for i := range rows {
		if bytes.Equal(rows[i].EntryID, entryID) {
			return rows[i].UID, nil
		}
	}
	return 0, nil
}

func (c *Conn) cmdAppend() {
	cmd := &c.p.Command
	// The parser detached the literal buffer, hand it back for the
	// next command.
	defer func() {
		c.p.Scanner.Literal = cmd.Literal
	}()

	mb, err := c.resolveMailbox(string(cmd.Mailbox))
	if err != nil {
		c.respondErr("APPEND", err)
		return
	}
	if !isMailFolder(mb.info.ContainerClass) || mb.info.Special == store.SpecialPublicRoot {
		c.respondNo("APPEND failed: not a mail folder")
		return
	}

	var date time.Time
	if len(cmd.Append.Date) > 0 {
		d, err := time.Parse(internalDateFormat, string(cmd.Append.Date))
		if err != nil {
			c.respondBad("APPEND invalid date: %v", err)
			return
		}
		date = d
	}

	folder, err := mb.store.OpenFolder(mb.info.EntryID, false)
	if err != nil {
		c.respondErr("APPEND", err)
		return
	}
	defer folder.Close()

	msg, err := folder.CreateMessage()
	if err != nil {
		c.respondErr("APPEND", err)
		return
	}
	r := io.NewSectionReader(cmd.Literal, 0, cmd.Literal.Size())
	if err := msg.ImportRaw(r); err != nil {
		c.respondErr("APPEND", err)
		return
	}

	props, err := msg.Props()
	if err != nil {
		c.respondErr("APPEND", err)
		return
	}
	now := time.Now()
	for _, f := range cmd.Append.Flags {
		if flag := canonicalFlag(f); flag != "" {
			store.ApplyFlag(&props, flag, true, now)
		}
	}
	if err := msg.SetProps(props); err != nil {
		c.respondErr("APPEND", err)
		return
	}
	if !date.IsZero() {
		if err := msg.SetInternalDate(date); err != nil {
			c.respondErr("APPEND", err)
			return
		}
	}
	if err := msg.SaveChanges(); err != nil {
		c.respondErr("APPEND", err)
		return
	}

	uid, err := findUID(folder, msg.EntryID())
	if err != nil || uid == 0 {
		c.Logf("APPEND: no UID for new message: %v", err)
		c.respondOK("APPEND completed")
		return
	}
	c.drainEvents()
	c.respondOK("[APPENDUID %d %d] APPEND completed", mb.info.HierarchyID, uid)
}

func (c *Conn) cmdStore() {
	cmd := &c.p.Command
	v := c.view
	if v.readOnly {
		c.respondNo("STORE failed: read-only mailbox")
		return
	}
	idxs, err := v.resolve(cmd.UID, cmd.Sequences)
	if err != nil {
		c.respondBad("STORE %v", err)
		return
	}

	now := time.Now()
	var seenSet, seenClear [][]byte
	var autoExpunge [][]byte
	for _, i := range idxs {
		m := &v.msgs[i]
		msg, err := v.folder.OpenMessage(m.entryID)
		if err != nil {
			c.respondErr("STORE", err)
			return
		}
		props, err := msg.Props()
		if err != nil {
			c.respondErr("STORE", err)
			return
		}

		set := cmd.Store.Mode != imapparser.StoreRemove
		wantSeen := props.MsgFlags&store.MsgFlagRead != 0
		if cmd.Store.Mode == imapparser.StoreReplace {
			store.ClearFlagProps(&props)
			wantSeen = false
		}
		markedDeleted := false
		for _, f := range cmd.Store.Flags {
			flag := canonicalFlag(f)
			if flag == "" {
				continue
			}
			if store.ApplyFlag(&props, flag, set, now) {
				wantSeen = set
			}
			if flag == store.FlagDeleted && set {
				markedDeleted = true
			}
		}

		if err := msg.SetProps(props); err != nil {
			c.respondErr("STORE", err)
			return
		}
		if err := msg.SaveChanges(); err != nil {
			c.respondErr("STORE", err)
			return
		}
		hadSeen := m.props.MsgFlags&store.MsgFlagRead != 0
		if wantSeen != hadSeen {
			if wantSeen {
				seenSet = append(seenSet, m.entryID)
			} else {
				seenClear = append(seenClear, m.entryID)
			}
		}
		m.setProps(props)
		if c.server.ExpungeOnDelete && markedDeleted {
			autoExpunge = append(autoExpunge, m.entryID)
		}
	}

	if len(seenSet) > 0 {
		if err := v.folder.SetReadFlags(seenSet, true); err != nil {
			c.respondErr("STORE", err)
			return
		}
	}
	if len(seenClear) > 0 {
		if err := v.folder.SetReadFlags(seenClear, false); err != nil {
			c.respondErr("STORE", err)
			return
		}
	}

	c.drainEvents()
	if !cmd.Store.Silent {
		for _, i := range idxs {
			m := &v.msgs[i]
			c.writef("* %d FETCH (FLAGS (%s) UID %d)\r\n", i+1, m.flags, m.uid)
		}
	}

	if len(autoExpunge) > 0 {
		if err := c.expungeMessages(autoExpunge); err != nil {
			c.respondErr("STORE", err)
			return
		}
		if err := v.refresh(c, false, false); err != nil {
			c.respondErr("STORE", err)
			return
		}
	}
	c.respondOK("STORE completed")
}

// deletedRows queries the folder for rows carrying the deletion mark,
// optionally narrowed to a UID set.
func (v *view) deletedRows(uidFilter []store.UIDRange) ([]store.Row, error) {
	kids := []store.Restriction{{
		Op:   store.RestBitSet,
		Tag:  store.PropMsgStatus,
		Mask: store.StatusDelMarked,
	}}
	if uidFilter != nil {
		kids = append(kids, store.Restriction{Op: store.RestUIDSet, Ranges: uidFilter})
	}
	return v.folder.Query(store.And(kids...))
}

// expungeMessages clears the deletion mark and removes the messages.
// The mark is cleared first so a softly deleted message does not come
// back flagged \Deleted from a backup restore.
func (c *Conn) expungeMessages(entryIDs [][]byte) error {
	v := c.view
	for _, id := range entryIDs {
		msg, err := v.folder.OpenMessage(id)
		if err != nil {
			if store.IsKind(err, store.KindNotFound) {
				continue
			}
			return err
		}
		props, err := msg.Props()
		if err != nil {
			return err
		}
		if props.MsgStatus&store.StatusDelMarked != 0 {
			props.MsgStatus &^= store.StatusDelMarked
			if err := msg.SetProps(props); err != nil {
				return err
			}
			if err := msg.SaveChanges(); err != nil {
				return err
			}
		}
	}
	return v.folder.DeleteMessages(entryIDs)
}

func (c *Conn) cmdExpunge() {
	cmd := &c.p.Command
	v := c.view
	if v.readOnly {
		c.respondNo("EXPUNGE failed: read-only mailbox")
		return
	}

	var uidFilter []store.UIDRange
	if cmd.UID {
		uidFilter = v.uidRanges(cmd.Sequences)
		if len(uidFilter) == 0 {
			c.respondOK("EXPUNGE completed")
			return
		}
	}
	rows, err := v.deletedRows(uidFilter)
	if err != nil {
		c.respondErr("EXPUNGE", err)
		return
	}
	if len(rows) > 0 {
		ids := make([][]byte, len(rows))
		for i := range rows {
			ids[i] = rows[i].EntryID
		}
		if err := c.expungeMessages(ids); err != nil {
			c.respondErr("EXPUNGE", err)
			return
		}
		if err := v.refresh(c, false, false); err != nil {
			c.respondErr("EXPUNGE", err)
			return
		}
	}
	c.respondOK("EXPUNGE completed")
}

// cmdClose expunges silently, then drops the selection.
func (c *Conn) cmdClose() {
	v := c.view
	if !v.readOnly {
		rows, err := v.deletedRows(nil)
		if err != nil {
			c.respondErr("CLOSE", err)
			return
		}
		if len(rows) > 0 {
			ids := make([][]byte, len(rows))
			for i := range rows {
				ids[i] = rows[i].EntryID
			}
			if err := c.expungeMessages(ids); err != nil {
				c.respondErr("CLOSE", err)
				return
			}
		}
	}
	c.closeMailbox()
	c.respondOK("CLOSE completed")
}

func (c *Conn) cmdCopyOrMove() {
	cmd := &c.p.Command
	v := c.view
	move := cmd.Name == "XAOL-MOVE"
	if move && v.readOnly {
		c.respondNo("XAOL-MOVE failed: read-only mailbox")
		return
	}

	mb, err := c.resolveMailbox(string(cmd.Mailbox))
	if err != nil {
		c.respondNo("[TRYCREATE] %s failed: mailbox does not exist", cmd.Name)
		return
	}
	if !isMailFolder(mb.info.ContainerClass) || mb.info.Special == store.SpecialPublicRoot {
		c.respondNo("%s failed: not a mail folder", cmd.Name)
		return
	}

	idxs, err := v.resolve(cmd.UID, cmd.Sequences)
	if err != nil {
		c.respondBad("%s %v", cmd.Name, err)
		return
	}
	if len(idxs) == 0 {
		c.respondOK("%s completed", cmd.Name)
		return
	}

	dst, err := mb.store.OpenFolder(mb.info.EntryID, false)
	if err != nil {
		c.respondErr(cmd.Name, err)
		return
	}
	defer dst.Close()

	ids := make([][]byte, len(idxs))
	for i, idx := range idxs {
		ids[i] = v.msgs[idx].entryID
	}
	if err := v.folder.CopyMessages(dst, ids, move); err != nil {
		c.respondErr(cmd.Name, err)
		return
	}
	if move {
		if err := v.refresh(c, false, false); err != nil {
			c.respondErr(cmd.Name, err)
			return
		}
	}
	c.respondOK("%s completed", cmd.Name)
}
