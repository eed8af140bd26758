package invites

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	e "nuclight.org/chat-archiver/pkg/entities"
	"nuclight.org/chat-archiver/pkg/logger"
)

type Store interface {
	FetchOnePendingInvite(ctx context.Context) (*e.Invite, error)
	UpdateInviteStatus(ctx context.Context, link string, status e.InviteStatus, errorMessage *string, lastAttempt time.Time) error
}

// Joiner accepts a group invite code on the platform and returns the joined
// thread id.
type Joiner interface {
	JoinWithInvite(ctx context.Context, code string) (string, error)
}

type Readiness interface {
	Ready() bool
}

// RunResult describes what a single Run did.
type RunResult string

const (
	RunBusy      RunResult = "busy"
	RunNotReady  RunResult = "not_ready"
	RunIdle      RunResult = "idle"
	RunAttempted RunResult = "attempted"
	RunFailed    RunResult = "failed"
)

// DefaultJoinTimeout bounds a single join attempt.
const DefaultJoinTimeout = time.Minute

// Processor attempts one pending invite per run. Runs are single-flight: a
// run that starts while another is in progress returns RunBusy without
// touching the store.
type Processor struct {
	Log     logger.Logger
	Store   Store
	Joiner  Joiner
	Session Readiness

	// JoinTimeout bounds the platform call, DefaultJoinTimeout if zero
	JoinTimeout time.Duration

	// Now defaults to time.Now
	Now func() time.Time

	running sync.Mutex
}

// Run performs at most one invite attempt.
func (p *Processor) Run(ctx context.Context) RunResult {
	if !p.running.TryLock() {
		p.Log.Debug("invite attempt already in progress, skipping run")
		return RunBusy
	}
	defer p.running.Unlock()

	if p.Session == nil || !p.Session.Ready() {
		p.Log.Info("session is not ready, postponing invite processing")
		return RunNotReady
	}

	invite, err := p.Store.FetchOnePendingInvite(ctx)
	if err != nil {
		p.Log.Error("fetching pending invite", "error", err)
		return RunFailed
	}

	if invite == nil {
		p.Log.Debug("no pending invites")
		return RunIdle
	}

	if err := p.attempt(ctx, *invite); err != nil {
		p.Log.Error("recording invite outcome", "invite_link", invite.Link, "error", err)
		return RunFailed
	}

	return RunAttempted
}

func (p *Processor) attempt(ctx context.Context, invite e.Invite) error {
	startedAt := p.now()
	code := InviteCode(invite.Link)

	log := p.Log.With("attempt_id", uuid.NewString(), "invite_link", invite.Link, "invite_code", code)
	log.Info("attempting to join group")

	status, errorMessage := p.join(ctx, code)

	switch {
	case errorMessage == nil:
		log.Info("joined group")
	case status == e.InviteStatusJoined:
		log.Info("already a participant of the group", "platform_error", *errorMessage)
	default:
		log.Warn("failed to join group", "status", status, "platform_error", *errorMessage)
	}

	err := p.Store.UpdateInviteStatus(ctx, invite.Link, status, errorMessage, startedAt)
	if err != nil {
		return fmt.Errorf("updating invite status: %w", err)
	}

	return nil
}

// join never fails, a platform error becomes a status.
func (p *Processor) join(ctx context.Context, code string) (e.InviteStatus, *string) {
	timeout := p.JoinTimeout
	if timeout <= 0 {
		timeout = DefaultJoinTimeout
	}

	joinCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	threadID, err := p.callJoiner(joinCtx, code)
	if err != nil {
		msg := err.Error()
		return Classify(msg), &msg
	}

	p.Log.Debug("join accepted", "thread_id", threadID)
	return e.InviteStatusJoined, nil
}

func (p *Processor) callJoiner(ctx context.Context, code string) (threadID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("join panicked: %v", r)
		}
	}()

	return p.Joiner.JoinWithInvite(ctx, code)
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// InviteCode extracts the invite code from an invite link. A bare code is
// returned as is.
func InviteCode(link string) string {
	link = strings.TrimSpace(link)

	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return link
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if code := segments[len(segments)-1]; code != "" {
		return code
	}

	return link
}
