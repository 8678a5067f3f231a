package store

import (
	"sort"
	"time"
)

// PropTag identifies a message or folder property.
type PropTag int

const (
	PropMsgFlags PropTag = iota + 1
	PropFlagStatus
	PropMsgStatus
	PropLastVerb
	PropLastVerbTime
	PropFollowupIcon
	PropIconIndex
	PropDeliveryTime
	PropSubmitTime
	PropMaxUID
	PropHierarchyID
	PropSubscribedList
	PropEmail // rendered RFC 5322 bytes
	PropEnvelope
	PropBody
	PropBodystructure
)

// Message flag bits (msgFlags).
const (
	MsgFlagRead   uint32 = 0x1
	MsgFlagUnsent uint32 = 0x8
)

// Message status bits (msgStatus).
const (
	StatusDelMarked   uint32 = 0x8
	StatusDraftMarked uint32 = 0x100
	StatusAnswered    uint32 = 0x200
)

// Last verb executed values (lastVerb).
const (
	VerbNone          uint32 = 0
	VerbReplyToSender uint32 = 102
	VerbReplyToAll    uint32 = 103
	VerbForward       uint32 = 104
)

// Icon index values written alongside lastVerb.
const (
	IconReplied   uint32 = 0x105
	IconForwarded uint32 = 0x106
)

// Followup flag values (flagStatus / followupIcon).
const (
	FlagStatusFlagged uint32 = 2
	FollowupIconRed   uint32 = 6
)

// IMAP flag names the gateway understands.
const (
	FlagSeen      = `\Seen`
	FlagAnswered  = `\Answered`
	FlagFlagged   = `\Flagged`
	FlagDeleted   = `\Deleted`
	FlagDraft     = `\Draft`
	FlagRecent    = `\Recent`
	FlagForwarded = `$Forwarded`
)

// Props are the flag-relevant properties of a message.
type Props struct {
	MsgFlags     uint32
	FlagStatus   uint32
	MsgStatus    uint32
	LastVerb     uint32
	LastVerbTime time.Time
	FollowupIcon uint32
	IconIndex    uint32
}

// RowProps extracts the flag-relevant columns of a contents-table row.
func RowProps(row Row) Props {
	return Props{
		MsgFlags:   row.MsgFlags,
		FlagStatus: row.FlagStatus,
		MsgStatus:  row.MsgStatus,
		LastVerb:   row.LastVerb,
	}
}

// PropsToFlags derives the IMAP flag list from message properties.
// recent is session-local state, not a property.
//
// The returned list is sorted so flag strings compare stably.
func PropsToFlags(p Props, recent bool) []string {
	var flags []string
	if p.MsgFlags&MsgFlagRead != 0 {
		flags = append(flags, FlagSeen)
	}
	if p.FlagStatus != 0 {
		flags = append(flags, FlagFlagged)
	}
	switch p.LastVerb {
	case VerbReplyToSender, VerbReplyToAll:
		flags = append(flags, FlagAnswered)
	case VerbForward:
		flags = append(flags, FlagForwarded)
	case VerbNone:
		if p.MsgStatus&StatusAnswered != 0 {
			flags = append(flags, FlagAnswered)
		}
	}
	if p.MsgStatus&StatusDraftMarked != 0 {
		flags = append(flags, FlagDraft)
	}
	if p.MsgStatus&StatusDelMarked != 0 {
		flags = append(flags, FlagDeleted)
	}
	if recent {
		flags = append(flags, FlagRecent)
	}
	sort.Strings(flags)
	return flags
}

// HasFlag reports whether p derives the named flag.
func HasFlag(p Props, flag string) bool {
	switch flag {
	case FlagSeen:
		return p.MsgFlags&MsgFlagRead != 0
	case FlagFlagged:
		return p.FlagStatus != 0
	case FlagAnswered:
		switch p.LastVerb {
		case VerbReplyToSender, VerbReplyToAll:
			return true
		case VerbNone:
			return p.MsgStatus&StatusAnswered != 0
		}
		return false
	case FlagForwarded:
		return p.LastVerb == VerbForward
	case FlagDraft:
		return p.MsgStatus&StatusDraftMarked != 0
	case FlagDeleted:
		return p.MsgStatus&StatusDelMarked != 0
	}
	return false
}

// ApplyFlag mutates p per the flag-to-property mapping used by STORE
// and APPEND. Setting or clearing \Seen is reported via the return
// value instead: the read flag travels through Folder.SetReadFlags so
// the store can suppress read receipts.
func ApplyFlag(p *Props, flag string, set bool, now time.Time) (touchesSeen bool) {
	switch flag {
	case FlagSeen:
		// Handled by SetReadFlags, but keep props coherent for
		// implementations that derive msgFlags directly.
		if set {
			p.MsgFlags |= MsgFlagRead
		} else {
			p.MsgFlags &^= MsgFlagRead
		}
		return true
	case FlagFlagged:
		if set {
			p.FlagStatus = FlagStatusFlagged
			p.FollowupIcon = FollowupIconRed
		} else {
			p.FlagStatus = 0
			p.FollowupIcon = 0
		}
	case FlagAnswered:
		if set {
			p.MsgStatus |= StatusAnswered
			p.LastVerb = VerbReplyToSender
			p.LastVerbTime = now
			p.IconIndex = IconReplied
		} else {
			p.MsgStatus &^= StatusAnswered
			if p.LastVerb == VerbReplyToSender || p.LastVerb == VerbReplyToAll {
				p.LastVerb = VerbNone
			}
		}
	case FlagForwarded:
		if set {
			p.LastVerb = VerbForward
			p.LastVerbTime = now
			p.IconIndex = IconForwarded
		} else if p.LastVerb == VerbForward {
			p.LastVerb = VerbNone
		}
	case FlagDraft:
		if set {
			p.MsgStatus |= StatusDraftMarked
			p.MsgFlags |= MsgFlagUnsent
		} else {
			p.MsgStatus &^= StatusDraftMarked
			p.MsgFlags &^= MsgFlagUnsent
		}
	case FlagDeleted:
		if set {
			p.MsgStatus |= StatusDelMarked
		} else {
			p.MsgStatus &^= StatusDelMarked
		}
	}
	return false
}

// ClearFlagProps resets every flag-derived property except the read
// flag. Used by STORE FLAGS (replace mode) before the new flags are
// applied.
func ClearFlagProps(p *Props) {
	p.FlagStatus = 0
	p.FollowupIcon = 0
	p.MsgStatus &^= StatusAnswered | StatusDraftMarked | StatusDelMarked
	p.MsgFlags &^= MsgFlagUnsent
	p.LastVerb = VerbNone
	p.IconIndex = 0
}
