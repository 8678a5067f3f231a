package imapserver

import (
	"net"
	"sort"
	"strings"

	"kopano.io/gateway/store"
)

// connSink receives folder table notifications for the selected
// mailbox. Events are queued; while the client is in IDLE they are
// written out immediately, otherwise the main loop drains the queue
// before the next command runs.
type connSink struct {
	c *Conn
}

func (s *connSink) Notify(event store.TableEvent) {
	c := s.c
	c.eventsMu.Lock()
	c.events = append(c.events, event)
	idling := c.idling
	c.eventsMu.Unlock()

	if idling {
		c.bwMu.Lock()
		c.drainEvents()
		c.flush()
		c.bwMu.Unlock()
	}
}

// drainEvents applies queued table events to the view and writes the
// resulting untagged responses. Callers hold bwMu.
func (c *Conn) drainEvents() {
	c.eventsMu.Lock()
	events := c.events
	c.events = nil
	c.eventsMu.Unlock()

	for i := range events {
		c.applyEvent(events[i])
	}
}

func (c *Conn) applyEvent(event store.TableEvent) {
	v := c.view
	if v == nil {
		return
	}
	switch event.Type {
	case store.RowAdded:
		uid := event.Row.UID
		if uid == 0 || v.indexOfUID(uid) >= 0 {
			return
		}
		m := msgFromRow(event.Row, uid > v.maxUIDAtSelect)
		i := sort.Search(len(v.msgs), func(i int) bool { return v.msgs[i].uid >= uid })
		v.msgs = append(v.msgs, viewMsg{})
		copy(v.msgs[i+1:], v.msgs[i:])
		v.msgs[i] = m
		if uid > v.lastUID {
			v.lastUID = uid
		}
		c.writef("* %d RECENT\r\n", v.recentTotal())
		c.writef("* %d EXISTS\r\n", len(v.msgs))

	case store.RowDeleted:
		for i := range v.msgs {
			if string(v.msgs[i].instanceKey) == string(event.Row.InstanceKey) {
				c.writef("* %d EXPUNGE\r\n", i+1)
				v.msgs = append(v.msgs[:i], v.msgs[i+1:]...)
				return
			}
		}

	case store.RowModified:
		i := v.indexOfUID(event.Row.UID)
		if i < 0 {
			return
		}
		m := &v.msgs[i]
		p := store.RowProps(event.Row)
		flags := strings.Join(store.PropsToFlags(p, m.recent), " ")
		if flags == m.flags {
			return
		}
		m.props, m.flags = p, flags
		c.writef("* %d FETCH (FLAGS (%s))\r\n", i+1, flags)

	case store.TableChanged:
		if err := v.refresh(c, false, !v.readOnly); err != nil {
			c.Logf("refresh after table change: %v", err)
		}
	}
}

// cmdIdle runs until the client sends DONE. The continuation line was
// already written by the parser. bwMu is held on entry and must be
// held again on return; it is released while blocked on the client.
func (c *Conn) cmdIdle() {
	if c.view != nil {
		c.eventsMu.Lock()
		c.idling = true
		c.eventsMu.Unlock()
		c.drainEvents()
	}
	c.flush()
	c.bwMu.Unlock()

	done := true
	for {
		c.setReadDeadline()
		line, err := c.br.ReadString('\n')
		if err != nil {
			c.eventsMu.Lock()
			c.idling = false
			c.eventsMu.Unlock()
			c.bwMu.Lock()
			if ne, _ := err.(net.Error); ne != nil && ne.Timeout() {
				c.writef("* BYE session timed out\r\n")
				c.flush()
			}
			c.quit = true
			return
		}
		if strings.EqualFold(strings.TrimSpace(line), "DONE") {
			break
		}
		if c.server.IgnoreCommandIdle {
			continue
		}
		// Anything else ends the IDLE as an implicit DONE.
		done = false
		break
	}

	c.eventsMu.Lock()
	c.idling = false
	c.eventsMu.Unlock()

	c.bwMu.Lock()
	if !done {
		c.writef("* BAD still in idle state\r\n")
	}
	c.respondOK("IDLE complete")
}
