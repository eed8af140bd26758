package invites

import (
	"strings"

	e "nuclight.org/chat-archiver/pkg/entities"
)

type rule struct {
	status  e.InviteStatus
	needles []string
}

// rules are checked in order, the first matching rule decides. An invalid
// link outranks "already a participant", which outranks a full group.
var rules = []rule{
	{
		status:  e.InviteStatusInvalidLink,
		needles: []string{"invite_link_expired", "expired", "invalid", "not a valid invite code", "no longer valid"},
	},
	{
		status:  e.InviteStatusJoined,
		needles: []string{"already in group", "already a participant"},
	},
	{
		status:  e.InviteStatusGroupFull,
		needles: []string{"group is full"},
	},
}

// Classify maps a platform join error text onto an invite status.
func Classify(errText string) e.InviteStatus {
	text := strings.ToLower(errText)

	for _, r := range rules {
		for _, needle := range r.needles {
			if strings.Contains(text, needle) {
				return r.status
			}
		}
	}

	return e.InviteStatusFailed
}
