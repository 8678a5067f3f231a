package imapserver

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"kopano.io/gateway/imap/imapparser"
	"kopano.io/gateway/store"
)

// view is the sequence-numbered window onto the selected folder.
// Rows are held in UID order, the sequence number of msgs[i] is i+1.
type view struct {
	folder      store.Folder
	readOnly    bool
	uidValidity uint32

	// maxUIDAtSelect is the folder's high-water UID when it was
	// selected. Rows above it carry \Recent for the whole session.
	maxUIDAtSelect uint32
	wroteMaxUID    uint32
	lastUID        uint32

	msgs []viewMsg

	advised bool
	cookie  int64

	// One-entry render cache for FETCH.
	renderUID  uint32
	renderData []byte
}

type viewMsg struct {
	entryID     []byte
	instanceKey []byte
	uid         uint32
	props       store.Props
	size        int64
	date        time.Time
	recent      bool
	flags       string
}

func msgFromRow(row store.Row, recent bool) viewMsg {
	p := store.RowProps(row)
	return viewMsg{
		entryID:     row.EntryID,
		instanceKey: row.InstanceKey,
		uid:         row.UID,
		props:       p,
		size:        row.Size,
		date:        row.DeliveryTime,
		recent:      recent,
		flags:       strings.Join(store.PropsToFlags(p, recent), " "),
	}
}

func (m *viewMsg) setProps(p store.Props) {
	m.props = p
	m.flags = strings.Join(store.PropsToFlags(p, m.recent), " ")
}

func (v *view) recentTotal() (recent int) {
	for i := range v.msgs {
		if v.msgs[i].recent {
			recent++
		}
	}
	return recent
}

// refresh reloads the folder contents and reports the differences to
// the client: FLAGS FETCHes for retained rows at their old sequence
// numbers, then EXPUNGEs in descending order, then EXISTS and RECENT
// when rows were added (or always on the initial load). With
// resetRecent set, an advanced high-water UID is written back so the
// next session starts with a clean \Recent slate.
func (v *view) refresh(c *Conn, initial, resetRecent bool) error {
	rows, err := v.folder.Contents()
	if err != nil {
		return err
	}

	old := make(map[uint32]int, len(v.msgs))
	for i := range v.msgs {
		old[v.msgs[i].uid] = i
	}

	newMsgs := make([]viewMsg, 0, len(rows))
	added := false
	for _, row := range rows {
		if i, ok := old[row.UID]; ok {
			m := v.msgs[i]
			p := store.RowProps(row)
			flags := strings.Join(store.PropsToFlags(p, m.recent), " ")
			if flags != m.flags {
				c.writef("* %d FETCH (FLAGS (%s))\r\n", i+1, flags)
			}
			m.props, m.flags = p, flags
			newMsgs = append(newMsgs, m)
			delete(old, row.UID)
		} else {
			newMsgs = append(newMsgs, msgFromRow(row, row.UID > v.maxUIDAtSelect))
			if row.UID > v.lastUID {
				v.lastUID = row.UID
			}
			added = true
		}
	}

	if len(old) > 0 {
		gone := make([]int, 0, len(old))
		for _, i := range old {
			gone = append(gone, i)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(gone)))
		for _, i := range gone {
			c.writef("* %d EXPUNGE\r\n", i+1)
		}
	}

	v.msgs = newMsgs
	if added || initial {
		c.writef("* %d EXISTS\r\n", len(v.msgs))
		c.writef("* %d RECENT\r\n", v.recentTotal())
	}

	if resetRecent && v.lastUID > v.wroteMaxUID {
		if err := v.folder.SetMaxUID(v.lastUID); err != nil {
			c.Logf("recording high-water UID: %v", err)
		} else {
			v.wroteMaxUID = v.lastUID
		}
	}
	return nil
}

// highestUID is what '*' resolves to in UID sets, 0 when empty.
func (v *view) highestUID() uint32 {
	if len(v.msgs) == 0 {
		return 0
	}
	return v.msgs[len(v.msgs)-1].uid
}

// uidRanges resolves '*' placeholders against the view. On an empty
// mailbox a range containing '*' matches nothing.
func (v *view) uidRanges(seqs []imapparser.SeqRange) []store.UIDRange {
	star := v.highestUID()
	ranges := make([]store.UIDRange, 0, len(seqs))
	for _, seq := range seqs {
		min, max := seq.Min, seq.Max
		if min == 0 {
			min = star
		}
		if max == 0 {
			max = star
		}
		if min == 0 || max == 0 {
			continue // '*' on an empty mailbox
		}
		if min > max {
			min, max = max, min
		}
		ranges = append(ranges, store.UIDRange{Min: min, Max: max})
	}
	return ranges
}

func uidInRanges(ranges []store.UIDRange, uid uint32) bool {
	for _, r := range ranges {
		if r.Min <= uid && uid <= r.Max {
			return true
		}
	}
	return false
}

// resolve maps a sequence set to view indices, ascending. In UID mode
// unknown UIDs are silently skipped. In sequence-number mode ranges
// reaching past the end of the mailbox are clipped to it; only an
// empty mailbox makes a sequence set an error.
func (v *view) resolve(uid bool, seqs []imapparser.SeqRange) ([]int, error) {
	if uid {
		ranges := v.uidRanges(seqs)
		var idxs []int
		for i := range v.msgs {
			if uidInRanges(ranges, v.msgs[i].uid) {
				idxs = append(idxs, i)
			}
		}
		return idxs, nil
	}

	n := uint32(len(v.msgs))
	if n == 0 && len(seqs) > 0 {
		return nil, fmt.Errorf("invalid message sequence number")
	}
	var idxs []int
	for i := range v.msgs {
		seqNum := uint32(i + 1)
		for _, seq := range seqs {
			min, max := seq.Min, seq.Max
			if min == 0 {
				min = n
			}
			if max == 0 {
				max = n
			}
			if min > max {
				min, max = max, min
			}
			if max > n {
				max = n
			}
			if min <= seqNum && seqNum <= max {
				idxs = append(idxs, i)
				break
			}
		}
	}
	return idxs, nil
}

// indexOfUID returns the view index holding uid, or -1.
func (v *view) indexOfUID(uid uint32) int {
	i := sort.Search(len(v.msgs), func(i int) bool { return v.msgs[i].uid >= uid })
	if i < len(v.msgs) && v.msgs[i].uid == uid {
		return i
	}
	return -1
}
