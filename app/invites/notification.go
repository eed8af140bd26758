package invites

import (
	"context"
	"fmt"
	"strings"
	"time"

	e "nuclight.org/chat-archiver/pkg/entities"
	"nuclight.org/chat-archiver/pkg/logger"
)

type NotificationStore interface {
	FindInviteByLinkFragment(ctx context.Context, fragment string) (*e.Invite, error)
	UpdateInviteStatus(ctx context.Context, link string, status e.InviteStatus, errorMessage *string, lastAttempt time.Time) error
}

// JoinedViaNotification is recorded as the error message of invites marked
// joined by a group join notification.
const JoinedViaNotification = "joined via group join notification"

// JoinObserver reconciles invites with joins the platform reports on its own,
// for example when the account was added to a group by someone else.
type JoinObserver struct {
	Log   logger.Logger
	Store NotificationStore

	// Now defaults to time.Now
	Now func() time.Time
}

// HandleGroupJoined marks an invite whose link mentions the group identity as
// joined. It reports whether an invite was updated.
func (o *JoinObserver) HandleGroupJoined(ctx context.Context, groupID, groupName string) (bool, error) {
	log := o.Log.With("group_id", groupID, "group_name", groupName)
	log.Info("joined group")

	fragment, _, _ := strings.Cut(groupID, "@")
	if fragment == "" {
		return false, nil
	}

	invite, err := o.Store.FindInviteByLinkFragment(ctx, fragment)
	if err != nil {
		return false, fmt.Errorf("finding invite: %w", err)
	}

	if invite == nil || invite.Status == e.InviteStatusJoined {
		return false, nil
	}

	now := time.Now()
	if o.Now != nil {
		now = o.Now()
	}

	note := JoinedViaNotification
	err = o.Store.UpdateInviteStatus(ctx, invite.Link, e.InviteStatusJoined, &note, now)
	if err != nil {
		return false, fmt.Errorf("updating invite status: %w", err)
	}

	log.Info("invite marked as joined", "invite_link", invite.Link, "previous_status", invite.Status)
	return true, nil
}
