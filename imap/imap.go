// Package imap holds the mailbox attribute types shared by the
// IMAP server's LIST machinery and its tests.
package imap

import "sort"

// ListAttrFlag is a set of mailbox name attributes for LIST and
// LSUB responses.
type ListAttrFlag int

const (
	AttrNone        ListAttrFlag = 0
	AttrNoinferiors ListAttrFlag = 1 << iota
	AttrNoselect
	AttrMarked
	AttrUnmarked

	// CHILDREN attributes, RFC 3348
	AttrHasChildren
	AttrHasNoChildren

	// Special-use attributes, RFC 6154
	AttrDrafts
	AttrJunk
	AttrSent
	AttrTrash
)

func (attrs ListAttrFlag) String() (res string) {
	for _, attr := range attrList {
		if attrs&attr != 0 {
			s := attrStrings[attr]
			if res == "" {
				res = s
			} else {
				res = res + " " + s
			}
		}
	}
	return res
}

var attrStrings = map[ListAttrFlag]string{
	AttrNoinferiors:   `\Noinferiors`,
	AttrNoselect:      `\Noselect`,
	AttrMarked:        `\Marked`,
	AttrUnmarked:      `\Unmarked`,
	AttrHasChildren:   `\HasChildren`,
	AttrHasNoChildren: `\HasNoChildren`,
	AttrDrafts:        `\Drafts`,
	AttrJunk:          `\Junk`,
	AttrSent:          `\Sent`,
	AttrTrash:         `\Trash`,
}

var attrList = func() (attrList []ListAttrFlag) {
	for attr := range attrStrings {
		attrList = append(attrList, attr)
	}
	sort.Slice(attrList, func(i, j int) bool { return attrList[i] < attrList[j] })
	return attrList
}()
