package imapserver

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"kopano.io/gateway/imap/imapparser"
	"kopano.io/gateway/store"
)

func expandFetchMacros(items []imapparser.FetchItem) []imapparser.FetchItem {
	if len(items) != 1 {
		return items
	}
	switch items[0].Type {
	case imapparser.FetchAll:
		return []imapparser.FetchItem{
			{Type: imapparser.FetchFlags},
			{Type: imapparser.FetchInternalDate},
			{Type: imapparser.FetchRFC822Size},
			{Type: imapparser.FetchEnvelope},
		}
	case imapparser.FetchFast:
		return []imapparser.FetchItem{
			{Type: imapparser.FetchFlags},
			{Type: imapparser.FetchInternalDate},
			{Type: imapparser.FetchRFC822Size},
		}
	case imapparser.FetchFull:
		return []imapparser.FetchItem{
			{Type: imapparser.FetchFlags},
			{Type: imapparser.FetchInternalDate},
			{Type: imapparser.FetchRFC822Size},
			{Type: imapparser.FetchEnvelope},
			{Type: imapparser.FetchBody},
		}
	}
	return items
}

// itemSetsSeen reports whether fetching the item implicitly marks the
// message \Seen.
func itemSetsSeen(item *imapparser.FetchItem) bool {
	switch item.Type {
	case imapparser.FetchRFC822, imapparser.FetchRFC822Text:
		return true
	case imapparser.FetchBody:
		return item.Bracketed && !item.Peek
	}
	return false
}

func (c *Conn) cmdFetch() {
	cmd := &c.p.Command
	v := c.view

	idxs, err := v.resolve(cmd.UID, cmd.Sequences)
	if err != nil {
		c.respondBad("FETCH %v", err)
		return
	}

	// Items are written in the order they were requested.
	items := expandFetchMacros(cmd.FetchItems)
	setsSeen := false
	hasUID := false
	for i := range items {
		if itemSetsSeen(&items[i]) {
			setsSeen = true
		}
		if items[i].Type == imapparser.FetchUID {
			hasUID = true
		}
	}
	// A UID FETCH response always carries the UID.
	if cmd.UID && !hasUID {
		items = append(items, imapparser.FetchItem{Type: imapparser.FetchUID})
	}

	var markSeen [][]byte
	var markIdx []int
	for _, i := range idxs {
		m := &v.msgs[i]
		c.writef("* %d FETCH (", i+1)
		for j := range items {
			if j > 0 {
				c.writef(" ")
			}
			c.writeFetchItem(m, &items[j])
		}
		c.writef(")\r\n")
		if setsSeen && !v.readOnly && m.props.MsgFlags&store.MsgFlagRead == 0 {
			markSeen = append(markSeen, m.entryID)
			markIdx = append(markIdx, i)
		}
	}

	if len(markSeen) > 0 {
		if err := v.folder.SetReadFlags(markSeen, true); err != nil {
			c.respondErr("FETCH", err)
			return
		}
		for _, i := range markIdx {
			m := &v.msgs[i]
			props := m.props
			props.MsgFlags |= store.MsgFlagRead
			m.setProps(props)
		}
		// The store notifications for our own change are now no-ops.
		c.drainEvents()
		for _, i := range markIdx {
			m := &v.msgs[i]
			c.writef("* %d FETCH (FLAGS (%s) UID %d)\r\n", i+1, m.flags, m.uid)
		}
	}

	if cmd.UID {
		c.respondOK("UID FETCH completed")
	} else {
		c.respondOK("FETCH completed")
	}
}

// raw loads the full message bytes, cached while FETCH works through
// the items of a single message.
func (c *Conn) raw(m *viewMsg) ([]byte, error) {
	v := c.view
	if v.renderUID == m.uid && v.renderData != nil {
		return v.renderData, nil
	}
	msg, err := v.folder.OpenMessage(m.entryID)
	if err != nil {
		return nil, err
	}
	r, _, err := msg.Raw()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	v.renderUID = m.uid
	v.renderData = data
	return data, nil
}

// structureValue returns a cached ENVELOPE, BODY, or BODYSTRUCTURE
// value, generating and caching all three on a miss. A nil return
// means the value could not be produced and NIL should be written.
func (c *Conn) structureValue(m *viewMsg, tag store.PropTag) []byte {
	msg, err := c.view.folder.OpenMessage(m.entryID)
	if err != nil {
		c.Logf("FETCH open message: %v", err)
		return nil
	}
	if data, ok := msg.CachedProp(tag); ok {
		return data
	}
	raw, err := c.raw(m)
	if err != nil {
		c.Logf("FETCH message content: %v", err)
		return nil
	}
	envelope, body, bodyStructure := renderStructure(raw)
	cacheErr := msg.SetCachedProp(store.PropEnvelope, envelope)
	if err := msg.SetCachedProp(store.PropBody, body); err != nil {
		cacheErr = err
	}
	if err := msg.SetCachedProp(store.PropBodystructure, bodyStructure); err != nil {
		cacheErr = err
	}
	if cacheErr == nil {
		cacheErr = msg.SaveChanges()
	}
	if cacheErr != nil {
		c.Logf("FETCH caching structure: %v", cacheErr)
	}
	switch tag {
	case store.PropEnvelope:
		return envelope
	case store.PropBody:
		return body
	default:
		return bodyStructure
	}
}

func (c *Conn) writeFetchItem(m *viewMsg, item *imapparser.FetchItem) {
	switch item.Type {
	case imapparser.FetchFlags:
		c.writef("FLAGS (%s)", m.flags)
	case imapparser.FetchUID:
		c.writef("UID %d", m.uid)
	case imapparser.FetchInternalDate:
		date := m.date
		if date.IsZero() {
			date = time.Now()
		}
		c.writef("INTERNALDATE \"%s\"", date.Format(internalDateFormat))
	case imapparser.FetchRFC822Size:
		c.writef("RFC822.SIZE %d", m.size)
	case imapparser.FetchEnvelope:
		c.writeStructure("ENVELOPE", m, store.PropEnvelope)
	case imapparser.FetchBodyStructure:
		c.writeStructure("BODYSTRUCTURE", m, store.PropBodystructure)
	case imapparser.FetchBody:
		if !item.Bracketed {
			c.writeStructure("BODY", m, store.PropBody)
			return
		}
		c.writeBodySection(m, item)
	case imapparser.FetchRFC822, imapparser.FetchRFC822Header, imapparser.FetchRFC822Text:
		c.writeBodySection(m, item)
	}
}

func (c *Conn) writeStructure(label string, m *viewMsg, tag store.PropTag) {
	data := c.structureValue(m, tag)
	if data == nil {
		c.writef("%s NIL", label)
		return
	}
	c.writef("%s ", label)
	c.bw.Write(data)
}

// sectionLabel reproduces the section specifier for the response.
func sectionLabel(item *imapparser.FetchItem) string {
	switch item.Type {
	case imapparser.FetchRFC822, imapparser.FetchRFC822Header, imapparser.FetchRFC822Text:
		return string(item.Type)
	}
	buf := new(bytes.Buffer)
	buf.WriteString("BODY[")
	for i, n := range item.Section.Path {
		if i > 0 {
			buf.WriteByte('.')
		}
		fmt.Fprintf(buf, "%d", n)
	}
	if item.Section.Name != "" {
		if len(item.Section.Path) > 0 {
			buf.WriteByte('.')
		}
		buf.WriteString(item.Section.Name)
	}
	if len(item.Section.Headers) > 0 {
		buf.WriteString(" (")
		for i, h := range item.Section.Headers {
			if i > 0 {
				buf.WriteByte(' ')
			}
			buf.Write(h)
		}
		buf.WriteByte(')')
	}
	buf.WriteByte(']')
	return buf.String()
}

func (c *Conn) writeBodySection(m *viewMsg, item *imapparser.FetchItem) {
	label := sectionLabel(item)

	sec := item.Section
	switch item.Type {
	case imapparser.FetchRFC822:
		sec = imapparser.FetchItemSection{}
	case imapparser.FetchRFC822Header:
		sec = imapparser.FetchItemSection{Name: "HEADER"}
	case imapparser.FetchRFC822Text:
		sec = imapparser.FetchItemSection{Name: "TEXT"}
	}

	raw, err := c.raw(m)
	if err != nil {
		c.Logf("FETCH message content: %v", err)
		c.writef("%s NIL", label)
		return
	}
	data, ok := sectionBytes(raw, &sec)
	if !ok {
		c.writef("%s NIL", label)
		return
	}

	if item.Partial.Start != 0 || item.Partial.Length != 0 {
		start := item.Partial.Start
		if uint64(start) >= uint64(len(data)) {
			data = nil
		} else {
			data = data[start:]
			if item.Partial.Length != 0 && uint64(item.Partial.Length) < uint64(len(data)) {
				data = data[:item.Partial.Length]
			}
		}
		label += fmt.Sprintf("<%d>", start)
		if len(data) == 0 {
			c.writef("%s NIL", label)
			return
		}
	}

	c.writef("%s ", label)
	c.writeLiteral(bytes.NewReader(data), int64(len(data)))
}
