package invites

import (
	"testing"

	e "nuclight.org/chat-archiver/pkg/entities"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		text string
		want e.InviteStatus
	}{
		{"invite_link_expired", e.InviteStatusInvalidLink},
		{"Error: INVALID invite", e.InviteStatusInvalidLink},
		{"this is not a valid invite code", e.InviteStatusInvalidLink},
		{"link is no longer valid", e.InviteStatusInvalidLink},
		{"Error: already a participant", e.InviteStatusJoined},
		{"user is already in group", e.InviteStatusJoined},
		{"group is full", e.InviteStatusGroupFull},
		{"Evaluation failed: timeout", e.InviteStatusFailed},
		{"", e.InviteStatusFailed},

		// priority order
		{"invalid and already a participant", e.InviteStatusInvalidLink},
		{"invite_link_expired; is already a participant; group is full", e.InviteStatusInvalidLink},
		{"already a participant, group is full", e.InviteStatusJoined},
	}

	for _, tc := range cases {
		if got := Classify(tc.text); got != tc.want {
			t.Errorf("Classify(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}
