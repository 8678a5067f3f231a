package store

import (
	"strings"
	"time"
)

// RestrictionOp enumerates restriction tree nodes. The search compiler
// in imapserver builds these from IMAP SEARCH criteria; stores evaluate
// them against contents-table rows.
type RestrictionOp int

const (
	RestAnd RestrictionOp = iota + 1
	RestOr
	RestNot
	RestExists    // instanceKey exists; keeps the query off the indexer path
	RestBitSet    // prop & Mask != 0
	RestBitClear  // prop & Mask == 0
	RestUIDSet    // UID within Ranges
	RestDateCmp   // date prop compared to Time via Rel
	RestSizeCmp   // message size compared to Num via Rel
	RestSubstring // case-insensitive substring on Field
	RestHeader    // named transport header contains Value
	RestBody      // plaintext body contains Value
	RestText      // body or transport headers contain Value
	RestTrue
	RestFalse
)

// Rel is a comparison operator for DateCmp and SizeCmp nodes.
type Rel int

const (
	RelLT Rel = iota + 1
	RelGE
	RelGT
)

// Field selects the column a Substring node matches against.
type Field int

const (
	FieldSubject Field = iota + 1
	FieldSender // senderName or senderEmail
)

// UIDRange is a closed range of UIDs. Max == 0 is the '*' placeholder
// meaning "highest UID"; the compiler resolves it before the store
// sees the restriction, except in the empty-mailbox case where the
// whole node collapses to RestFalse.
type UIDRange struct {
	Min, Max uint32
}

// Restriction is a node of a restriction tree.
type Restriction struct {
	Op   RestrictionOp
	Kids []Restriction

	Tag    PropTag // BitSet, BitClear, DateCmp
	Mask   uint32
	Field  Field
	Value  string
	Num    int64
	Rel    Rel
	Time   time.Time
	Ranges []UIDRange
}

// RowData is the store-side view of one row during restriction
// evaluation. Header and BodyText are only invoked for restrictions
// that need the rendered message, so implementations may materialize
// lazily.
type RowData interface {
	Row() Row
	Header(name string) string
	BodyText() string
}

// And wraps kids in an AND node, prefixed by the Exists guard.
func And(kids ...Restriction) *Restriction {
	all := append([]Restriction{{Op: RestExists}}, kids...)
	return &Restriction{Op: RestAnd, Kids: all}
}

// Match evaluates the restriction against one row.
func (r *Restriction) Match(d RowData) bool {
	switch r.Op {
	case RestAnd:
		for i := range r.Kids {
			if !r.Kids[i].Match(d) {
				return false
			}
		}
		return true
	case RestOr:
		for i := range r.Kids {
			if r.Kids[i].Match(d) {
				return true
			}
		}
		return false
	case RestNot:
		if len(r.Kids) != 1 {
			return false // malformed tree
		}
		return !r.Kids[0].Match(d)
	case RestExists:
		return len(d.Row().InstanceKey) > 0
	case RestBitSet:
		return propBits(d.Row(), r.Tag)&r.Mask != 0
	case RestBitClear:
		return propBits(d.Row(), r.Tag)&r.Mask == 0
	case RestUIDSet:
		uid := d.Row().UID
		for _, rng := range r.Ranges {
			if rng.Min <= uid && (rng.Max == 0 || uid <= rng.Max) {
				return true
			}
		}
		return false
	case RestDateCmp:
		t := d.Row().DeliveryTime
		if r.Tag == PropSubmitTime {
			t = d.Row().SubmitTime
		}
		switch r.Rel {
		case RelLT:
			return t.Before(r.Time)
		case RelGE:
			return !t.Before(r.Time)
		case RelGT:
			return t.After(r.Time)
		}
		return false
	case RestSizeCmp:
		switch r.Rel {
		case RelLT:
			return d.Row().Size < r.Num
		case RelGT:
			return d.Row().Size > r.Num
		}
		return false
	case RestSubstring:
		switch r.Field {
		case FieldSubject:
			return containsFold(d.Row().Subject, r.Value)
		case FieldSender:
			return containsFold(d.Row().SenderName, r.Value) ||
				containsFold(d.Row().SenderEmail, r.Value)
		}
		return false
	case RestHeader:
		i := strings.IndexByte(r.Value, ':')
		if i < 0 {
			return false
		}
		name, want := r.Value[:i], strings.TrimPrefix(r.Value[i+1:], " ")
		return containsFold(d.Header(name), want)
	case RestBody:
		return containsFold(d.BodyText(), r.Value)
	case RestText:
		if containsFold(d.BodyText(), r.Value) {
			return true
		}
		for _, name := range textHeaders {
			if containsFold(d.Header(name), r.Value) {
				return true
			}
		}
		return false
	case RestTrue:
		return true
	case RestFalse:
		return false
	}
	return false
}

// textHeaders is the transport-header subset consulted by TEXT.
var textHeaders = []string{"From", "To", "Cc", "Bcc", "Subject", "Date", "Message-ID"}

func propBits(row Row, tag PropTag) uint32 {
	switch tag {
	case PropMsgFlags:
		return row.MsgFlags
	case PropFlagStatus:
		return row.FlagStatus
	case PropMsgStatus:
		return row.MsgStatus
	case PropLastVerb:
		return row.LastVerb
	}
	return 0
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
