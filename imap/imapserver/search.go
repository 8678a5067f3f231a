package imapserver

import (
	"fmt"
	"sort"
	"time"

	"golang.org/x/text/encoding/ianaindex"

	"kopano.io/gateway/imap/imapparser"
	"kopano.io/gateway/store"
)

func (c *Conn) cmdSearch() {
	cmd := &c.p.Command
	v := c.view

	op := cmd.Search.Op
	switch cmd.Search.Charset {
	case "", "UTF-8", "US-ASCII":
	default:
		enc, err := ianaindex.IANA.Encoding(cmd.Search.Charset)
		if err != nil || enc == nil {
			c.respondNo("[BADCHARSET (UTF-8)] SEARCH charset not supported")
			return
		}
		dec := enc.NewDecoder()
		decodeOK := true
		imapparser.Walk(op, func(o *imapparser.SearchOp) bool {
			if o.Value == "" {
				return true
			}
			s, err := dec.String(o.Value)
			if err != nil {
				decodeOK = false
				return false
			}
			o.Value = s
			return true
		})
		if !decodeOK {
			c.respondNo("[BADCHARSET (UTF-8)] SEARCH text does not decode")
			return
		}
	}

	restr, err := c.compileSearch(op)
	if err != nil {
		c.respondBad("SEARCH %v", err)
		return
	}
	rows, err := v.folder.Query(store.And(*restr))
	if err != nil {
		c.respondErr("SEARCH", err)
		return
	}

	nums := make([]uint32, 0, len(rows))
	for i := range rows {
		idx := v.indexOfUID(rows[i].UID)
		if idx < 0 {
			continue // not visible in this session yet
		}
		if cmd.UID {
			nums = append(nums, rows[i].UID)
		} else {
			nums = append(nums, uint32(idx+1))
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	c.writef("* SEARCH")
	for _, n := range nums {
		c.writef(" %d", n)
	}
	c.writef("\r\n")
	if cmd.UID {
		c.respondOK("UID SEARCH completed")
	} else {
		c.respondOK("SEARCH completed")
	}
}

// recentRestriction matches the rows carrying this session's \Recent.
func (v *view) recentRestriction() store.Restriction {
	return store.Restriction{
		Op:     store.RestUIDSet,
		Ranges: []store.UIDRange{{Min: v.maxUIDAtSelect + 1, Max: ^uint32(0)}},
	}
}

// compileSearch lowers a parsed search program to a store restriction.
// Flag keys map onto the property bits the store keeps, sequence sets
// are resolved against the view so the store only ever sees UIDs.
func (c *Conn) compileSearch(op *imapparser.SearchOp) (*store.Restriction, error) {
	v := c.view

	kids := func() ([]store.Restriction, error) {
		rs := make([]store.Restriction, len(op.Children))
		for i := range op.Children {
			r, err := c.compileSearch(&op.Children[i])
			if err != nil {
				return nil, err
			}
			rs[i] = *r
		}
		return rs, nil
	}
	bitSet := func(tag store.PropTag, mask uint32) *store.Restriction {
		return &store.Restriction{Op: store.RestBitSet, Tag: tag, Mask: mask}
	}
	bitClear := func(tag store.PropTag, mask uint32) *store.Restriction {
		return &store.Restriction{Op: store.RestBitClear, Tag: tag, Mask: mask}
	}
	dateCmp := func(tag store.PropTag, rel store.Rel, t time.Time) store.Restriction {
		return store.Restriction{Op: store.RestDateCmp, Tag: tag, Rel: rel, Time: t}
	}
	header := func(name string) *store.Restriction {
		return &store.Restriction{Op: store.RestHeader, Value: name + ": " + op.Value}
	}

	switch string(op.Key) {
	case "ALL":
		return &store.Restriction{Op: store.RestTrue}, nil
	case "AND":
		rs, err := kids()
		if err != nil {
			return nil, err
		}
		return &store.Restriction{Op: store.RestAnd, Kids: rs}, nil
	case "OR":
		rs, err := kids()
		if err != nil {
			return nil, err
		}
		return &store.Restriction{Op: store.RestOr, Kids: rs}, nil
	case "NOT":
		rs, err := kids()
		if err != nil {
			return nil, err
		}
		return &store.Restriction{Op: store.RestNot, Kids: rs}, nil

	case "SEQSET":
		idxs, err := v.resolve(false, op.Sequences)
		if err != nil {
			return &store.Restriction{Op: store.RestFalse}, nil
		}
		ranges := make([]store.UIDRange, 0, len(idxs))
		for _, i := range idxs {
			uid := v.msgs[i].uid
			if n := len(ranges); n > 0 && ranges[n-1].Max == uid-1 {
				ranges[n-1].Max = uid
				continue
			}
			ranges = append(ranges, store.UIDRange{Min: uid, Max: uid})
		}
		return &store.Restriction{Op: store.RestUIDSet, Ranges: ranges}, nil
	case "UID":
		return &store.Restriction{Op: store.RestUIDSet, Ranges: v.uidRanges(op.Sequences)}, nil

	case "ANSWERED":
		return bitSet(store.PropMsgStatus, store.StatusAnswered), nil
	case "UNANSWERED":
		return bitClear(store.PropMsgStatus, store.StatusAnswered), nil
	case "SEEN":
		return bitSet(store.PropMsgFlags, store.MsgFlagRead), nil
	case "UNSEEN":
		return bitClear(store.PropMsgFlags, store.MsgFlagRead), nil
	case "FLAGGED":
		return bitSet(store.PropFlagStatus, ^uint32(0)), nil
	case "UNFLAGGED":
		return bitClear(store.PropFlagStatus, ^uint32(0)), nil
	case "DRAFT":
		return bitSet(store.PropMsgStatus, store.StatusDraftMarked), nil
	case "UNDRAFT":
		return bitClear(store.PropMsgStatus, store.StatusDraftMarked), nil
	case "DELETED":
		return bitSet(store.PropMsgStatus, store.StatusDelMarked), nil
	case "UNDELETED":
		return bitClear(store.PropMsgStatus, store.StatusDelMarked), nil

	case "KEYWORD":
		// Arbitrary keywords are not stored, so nothing has one.
		return &store.Restriction{Op: store.RestFalse}, nil
	case "UNKEYWORD":
		return &store.Restriction{Op: store.RestTrue}, nil

	case "RECENT":
		r := v.recentRestriction()
		return &r, nil
	case "NEW":
		return &store.Restriction{Op: store.RestAnd, Kids: []store.Restriction{
			v.recentRestriction(),
			*bitClear(store.PropMsgFlags, store.MsgFlagRead),
		}}, nil
	case "OLD":
		return &store.Restriction{Op: store.RestNot, Kids: []store.Restriction{
			v.recentRestriction(),
		}}, nil

	case "BEFORE":
		r := dateCmp(store.PropDeliveryTime, store.RelLT, op.Date)
		return &r, nil
	case "ON":
		return &store.Restriction{Op: store.RestAnd, Kids: []store.Restriction{
			dateCmp(store.PropDeliveryTime, store.RelGE, op.Date),
			dateCmp(store.PropDeliveryTime, store.RelLT, op.Date.Add(24*time.Hour)),
		}}, nil
	case "SINCE":
		r := dateCmp(store.PropDeliveryTime, store.RelGE, op.Date)
		return &r, nil
	case "SENTBEFORE":
		r := dateCmp(store.PropSubmitTime, store.RelLT, op.Date)
		return &r, nil
	case "SENTON":
		return &store.Restriction{Op: store.RestAnd, Kids: []store.Restriction{
			dateCmp(store.PropSubmitTime, store.RelGE, op.Date),
			dateCmp(store.PropSubmitTime, store.RelLT, op.Date.Add(24*time.Hour)),
		}}, nil
	case "SENTSINCE":
		r := dateCmp(store.PropSubmitTime, store.RelGE, op.Date)
		return &r, nil

	case "FROM":
		return &store.Restriction{Op: store.RestSubstring, Field: store.FieldSender, Value: op.Value}, nil
	case "SUBJECT":
		return &store.Restriction{Op: store.RestSubstring, Field: store.FieldSubject, Value: op.Value}, nil
	case "TO":
		return header("To"), nil
	case "CC":
		return header("Cc"), nil
	case "BCC":
		return header("Bcc"), nil
	case "HEADER":
		return &store.Restriction{Op: store.RestHeader, Value: op.Value}, nil
	case "BODY":
		return &store.Restriction{Op: store.RestBody, Value: op.Value}, nil
	case "TEXT":
		return &store.Restriction{Op: store.RestText, Value: op.Value}, nil

	case "LARGER":
		return &store.Restriction{Op: store.RestSizeCmp, Rel: store.RelGT, Num: op.Num}, nil
	case "SMALLER":
		return &store.Restriction{Op: store.RestSizeCmp, Rel: store.RelLT, Num: op.Num}, nil
	}
	return nil, fmt.Errorf("unsupported search key %s", op.Key)
}
