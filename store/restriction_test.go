package store

import (
	"testing"
	"time"
)

// fakeRow satisfies RowData over a literal row and header map.
type fakeRow struct {
	row     Row
	headers map[string]string
	body    string
}

func (f *fakeRow) Row() Row { return f.row }
func (f *fakeRow) Header(name string) string {
	for k, v := range f.headers {
		if equalsFold(k, name) {
			return v
		}
	}
	return ""
}
func (f *fakeRow) BodyText() string { return f.body }

func equalsFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func testRow() *fakeRow {
	return &fakeRow{
		row: Row{
			InstanceKey:  []byte("k1"),
			UID:          7,
			MsgFlags:     MsgFlagRead,
			MsgStatus:    StatusDelMarked,
			Size:         1200,
			Subject:      "Quarterly Report",
			SenderName:   "Bob Doe",
			SenderEmail:  "bob@example.com",
			DeliveryTime: time.Date(2019, 6, 15, 12, 0, 0, 0, time.UTC),
			SubmitTime:   time.Date(2019, 6, 14, 12, 0, 0, 0, time.UTC),
		},
		headers: map[string]string{
			"From":    "Bob Doe <bob@example.com>",
			"To":      "alice@example.com",
			"Subject": "Quarterly Report",
		},
		body: "The numbers look good this quarter.",
	}
}

func TestRestrictionMatch(t *testing.T) {
	d := testRow()
	tests := []struct {
		name string
		r    Restriction
		want bool
	}{
		{"true", Restriction{Op: RestTrue}, true},
		{"false", Restriction{Op: RestFalse}, false},
		{"not", Restriction{Op: RestNot, Kids: []Restriction{{Op: RestFalse}}}, true},
		{"exists", Restriction{Op: RestExists}, true},
		{"bitset hit", Restriction{Op: RestBitSet, Tag: PropMsgFlags, Mask: MsgFlagRead}, true},
		{"bitset miss", Restriction{Op: RestBitSet, Tag: PropMsgFlags, Mask: MsgFlagUnsent}, false},
		{"bitclear", Restriction{Op: RestBitClear, Tag: PropMsgFlags, Mask: MsgFlagUnsent}, true},
		{"status bit", Restriction{Op: RestBitSet, Tag: PropMsgStatus, Mask: StatusDelMarked}, true},
		{"uid in range", Restriction{Op: RestUIDSet, Ranges: []UIDRange{{Min: 5, Max: 9}}}, true},
		{"uid out of range", Restriction{Op: RestUIDSet, Ranges: []UIDRange{{Min: 8, Max: 9}}}, false},
		{"uid open max", Restriction{Op: RestUIDSet, Ranges: []UIDRange{{Min: 3, Max: 0}}}, true},
		{"date before", Restriction{Op: RestDateCmp, Tag: PropDeliveryTime, Rel: RelLT,
			Time: time.Date(2019, 7, 1, 0, 0, 0, 0, time.UTC)}, true},
		{"date since", Restriction{Op: RestDateCmp, Tag: PropDeliveryTime, Rel: RelGE,
			Time: time.Date(2019, 7, 1, 0, 0, 0, 0, time.UTC)}, false},
		{"sent before", Restriction{Op: RestDateCmp, Tag: PropSubmitTime, Rel: RelLT,
			Time: time.Date(2019, 6, 15, 0, 0, 0, 0, time.UTC)}, true},
		{"size larger", Restriction{Op: RestSizeCmp, Rel: RelGT, Num: 1000}, true},
		{"size smaller", Restriction{Op: RestSizeCmp, Rel: RelLT, Num: 1000}, false},
		{"subject substring", Restriction{Op: RestSubstring, Field: FieldSubject, Value: "report"}, true},
		{"subject miss", Restriction{Op: RestSubstring, Field: FieldSubject, Value: "invoice"}, false},
		{"sender name", Restriction{Op: RestSubstring, Field: FieldSender, Value: "bob doe"}, true},
		{"sender email", Restriction{Op: RestSubstring, Field: FieldSender, Value: "@example.com"}, true},
		{"header", Restriction{Op: RestHeader, Value: "To: alice"}, true},
		{"header miss", Restriction{Op: RestHeader, Value: "To: carol"}, false},
		{"body", Restriction{Op: RestBody, Value: "NUMBERS"}, true},
		{"text body", Restriction{Op: RestText, Value: "quarter"}, true},
		{"text header", Restriction{Op: RestText, Value: "bob@example.com"}, true},
		{"text miss", Restriction{Op: RestText, Value: "zebra"}, false},
		{"or", Restriction{Op: RestOr, Kids: []Restriction{
			{Op: RestFalse},
			{Op: RestSubstring, Field: FieldSubject, Value: "report"},
		}}, true},
	}
	for _, test := range tests {
		if got := test.r.Match(d); got != test.want {
			t.Errorf("%s: Match = %v, want %v", test.name, got, test.want)
		}
	}
}

func TestAndPrependsExists(t *testing.T) {
	r := And(Restriction{Op: RestTrue})
	if r.Op != RestAnd || len(r.Kids) != 2 || r.Kids[0].Op != RestExists {
		t.Fatalf("And() = %+v", r)
	}

	d := testRow()
	if !r.Match(d) {
		t.Errorf("And(true) does not match a live row")
	}
	d.row.InstanceKey = nil
	if r.Match(d) {
		t.Errorf("And(true) matches a row without an instance key")
	}
}
