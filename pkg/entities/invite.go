package entities

import "time"

type InviteStatus string

const (
	// InviteStatusPending is an invite waiting for a join attempt
	InviteStatusPending InviteStatus = "pending"

	// InviteStatusJoined means the account is a participant of the group
	InviteStatusJoined InviteStatus = "joined"

	// InviteStatusFailed is a retriable failure, see RequeueFailedInvites
	InviteStatusFailed InviteStatus = "failed"

	// InviteStatusInvalidLink is terminal: the link is expired, malformed or rejected
	InviteStatusInvalidLink InviteStatus = "invalid_link"

	// InviteStatusGroupFull is terminal: the group is at capacity
	InviteStatusGroupFull InviteStatus = "group_full"
)

func (s InviteStatus) Valid() bool {
	switch s {
	case InviteStatusPending, InviteStatusJoined, InviteStatusFailed,
		InviteStatusInvalidLink, InviteStatusGroupFull:
		return true
	default:
		return false
	}
}

// Invite is a request to join a group through an invite link. Link is the
// record identity.
type Invite struct {
	Link         string
	Status       InviteStatus
	LastAttempt  *time.Time
	ErrorMessage *string
}
