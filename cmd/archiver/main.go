package main

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jessevdk/go-flags"
	"nuclight.org/chat-archiver/pkg/logger"
)

type Options struct {
	DBPath             string `long:"db-path" env:"DB_PATH" default:"./db/archive.sqlite" description:"path to the sqlite database file"`
	Store              string `long:"store" env:"STORE_BACKEND" default:"sqlite" choice:"sqlite" choice:"dynamodb" description:"archival store backend"`
	DynamoMessageTable string `long:"dynamo-messages-table" env:"DYNAMO_MESSAGES_TABLE" default:"messages" description:"dynamodb table for messages"`
	DynamoInviteTable  string `long:"dynamo-invites-table" env:"DYNAMO_INVITES_TABLE" default:"group_invites" description:"dynamodb table for group invites"`
	DynamoStatusIndex  string `long:"dynamo-status-index" env:"DYNAMO_STATUS_INDEX" default:"status-index" description:"dynamodb index on invite status"`
	AWSRegion          string `long:"aws-region" env:"AWS_REGION" default:"eu-central-1" description:"aws region of the dynamodb tables"`
	LogLevel           string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"debug, info, warn or error"`
	SentryDSN          string `long:"sentry-dsn" env:"SENTRY_DSN" description:"report errors to sentry"`

	Run     RunCommand     `command:"run" description:"archive messages and process group invites"`
	Invites InvitesCommand `command:"invites" description:"manage group invites"`
}

var (
	opts Options
	log  logger.Logger
)

var Revision = "dev"

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}

		level, err := logger.ParseLevel(opts.LogLevel)
		if err != nil {
			return err
		}

		log = logger.NewLogger(level)

		if opts.SentryDSN != "" {
			err = sentry.Init(sentry.ClientOptions{
				Dsn:              opts.SentryDSN,
				Release:          Revision,
				AttachStacktrace: true,
			})
			if err != nil {
				return err
			}
			defer sentry.Flush(2 * time.Second)

			log = logger.WithErrorReporting(log)
		}

		slog.SetDefault(log)

		return cmd.Execute(args)
	}

	_, err := parser.Parse()
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		if log != nil {
			log.Error("command failed", "error", err)
		}
		os.Exit(1)
	}
}
