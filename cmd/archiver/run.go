package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"nuclight.org/chat-archiver/app/archive"
	"nuclight.org/chat-archiver/app/invites"
	"nuclight.org/chat-archiver/app/scheduler"
	"nuclight.org/chat-archiver/app/session"
	"nuclight.org/chat-archiver/app/telegram"
	"nuclight.org/chat-archiver/app/whatsapp"
)

type RunCommand struct {
	Platform           string        `long:"platform" env:"PLATFORM" default:"whatsapp" choice:"whatsapp" choice:"telegram" description:"messaging platform to archive"`
	WhatsAppSessionDB  string        `long:"whatsapp-session-db" env:"WHATSAPP_SESSION_DB" default:"./db/whatsapp.sqlite" description:"path to the whatsapp session database"`
	TelegramAPIToken   string        `long:"telegram-api-token" env:"TELEGRAM_API_TOKEN" description:"telegram api token, required for the telegram platform"`
	TelegramWorkersNum int           `long:"telegram-workers-num" env:"TELEGRAM_WORKERS_NUM" default:"5" description:"number of workers for telegram bot"`
	InviteInitialDelay time.Duration `long:"invite-initial-delay" env:"INVITE_INITIAL_DELAY" default:"15s" description:"delay before the first invite run"`
	InviteInterval     time.Duration `long:"invite-interval" env:"INVITE_INTERVAL" default:"2m" description:"interval between invite runs"`
	JoinTimeout        time.Duration `long:"join-timeout" env:"JOIN_TIMEOUT" default:"60s" description:"upper bound for a single join attempt"`
	ArchiveRaw         bool          `long:"archive-raw" env:"ARCHIVE_RAW" description:"keep the compressed platform payload of every message"`
	BackfillHistory    bool          `long:"backfill-history" env:"BACKFILL_HISTORY" description:"archive messages delivered by history sync"`
}

// platform is a connected messaging client. Stop returns once the client no
// longer delivers events.
type platform interface {
	archive.Directory
	Start(ctx context.Context) error
	Stop()
}

func (c *RunCommand) Execute(_ []string) error {
	log.Info("starting archiver", "revision", Revision, "platform", c.Platform, "store", opts.Store)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	tracker := &session.Tracker{Log: log.With("component", "session")}

	observer := &invites.JoinObserver{
		Log:   log.With("component", "invites"),
		Store: store,
	}

	var (
		client platform
		joiner invites.Joiner
		attach func(sink *archive.Pipeline)
	)

	switch c.Platform {
	case "whatsapp":
		wa := &whatsapp.Client{
			Log:       log.With("component", "whatsapp"),
			SessionDB: c.WhatsAppSessionDB,
			Session:   tracker,
			KeepRaw:   c.ArchiveRaw,
			Backfill:  c.BackfillHistory,
		}
		client, joiner = wa, wa
		attach = func(sink *archive.Pipeline) { wa.Attach(sink, observer) }

	case "telegram":
		if c.TelegramAPIToken == "" {
			return fmt.Errorf("telegram api token is required for the telegram platform")
		}
		tg := &telegram.Client{
			Log:        log.With("component", "telegram"),
			APIToken:   c.TelegramAPIToken,
			WorkersNum: c.TelegramWorkersNum,
			Session:    tracker,
			KeepRaw:    c.ArchiveRaw,
		}
		client = tg
		attach = func(sink *archive.Pipeline) { tg.Attach(sink) }

	default:
		return fmt.Errorf("unknown platform: %q", c.Platform)
	}

	pipeline := &archive.Pipeline{
		Log:       log.With("component", "archive"),
		Store:     store,
		Directory: client,
		KeepRaw:   c.ArchiveRaw,
	}

	var sched *scheduler.Scheduler
	if joiner != nil {
		processor := &invites.Processor{
			Log:         log.With("component", "invites"),
			Store:       store,
			Joiner:      joiner,
			Session:     tracker,
			JoinTimeout: c.JoinTimeout,
		}

		sched = &scheduler.Scheduler{
			Log:          log.With("component", "scheduler"),
			Name:         "invites",
			Job:          func(ctx context.Context) { processor.Run(ctx) },
			InitialDelay: c.InviteInitialDelay,
			Interval:     c.InviteInterval,
		}
	} else {
		log.Info("platform cannot join groups, invite processing disabled", "platform", c.Platform)
	}

	g, gctx := errgroup.WithContext(ctx)

	var attachOnce sync.Once
	tracker.OnReadyFunc(func() {
		attachOnce.Do(func() { attach(pipeline) })
		if sched != nil {
			sched.Arm(gctx)
		}
	})

	g.Go(func() error {
		if err := client.Start(gctx); err != nil {
			return fmt.Errorf("starting %s client: %w", c.Platform, err)
		}

		<-gctx.Done()
		log.Info("stopping archiver")
		client.Stop()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		if sched != nil {
			sched.Wait()
		}
		return nil
	})

	return g.Wait()
}
