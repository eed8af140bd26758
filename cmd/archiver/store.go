package main

import (
	"context"
	"fmt"

	"nuclight.org/chat-archiver/app/archive"
	"nuclight.org/chat-archiver/app/invites"
	"nuclight.org/chat-archiver/app/storage"
	e "nuclight.org/chat-archiver/pkg/entities"
)

type archiveStore interface {
	archive.MessageStore
	invites.Store
	invites.NotificationStore

	AddInvite(ctx context.Context, link string) (bool, error)
	RequeueFailedInvites(ctx context.Context) (int64, error)
	ListInvites(ctx context.Context, status e.InviteStatus) ([]e.Invite, error)
}

// openStore opens the configured backend. The returned func releases it.
func openStore(ctx context.Context) (archiveStore, func(), error) {
	switch opts.Store {
	case "dynamodb":
		db, err := storage.NewDynamo(ctx, storage.DynamoConfig{
			Region:        opts.AWSRegion,
			MessagesTable: opts.DynamoMessageTable,
			InvitesTable:  opts.DynamoInviteTable,
			StatusIndex:   opts.DynamoStatusIndex,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating dynamodb store: %w", err)
		}
		return db, func() {}, nil

	case "", "sqlite":
		db, err := storage.NewSQLite(ctx, opts.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("creating sqlite3 database: %w", err)
		}
		return db, func() {
			if err := db.Close(); err != nil {
				log.Error("closing sqlite3 database", "error", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend: %q", opts.Store)
	}
}
