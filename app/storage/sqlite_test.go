package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	e "nuclight.org/chat-archiver/pkg/entities"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()

	db, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "archive.sqlite"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func sampleMessage() e.Message {
	quoted := "3EB0AA"
	return e.Message{
		ChatID:       "120363@g.us",
		MsgID:        "3EB0C4",
		ChatName:     "Family",
		SenderID:     "6281234@s.whatsapp.net",
		SenderName:   "Budi",
		SenderNumber: "6281234",
		IsGroupMsg:   true,
		HasMedia:     true,
		Type:         e.MessageTypeImage,
		Timestamp:    1714557600,
		ProcessedAt:  time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
		Body:         "look at this",
		QuotedMsgID:  &quoted,
		Raw:          []byte(`{"id":"3EB0C4"}`),
	}
}

func TestSQLiteArchiveMessageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t)

	first := sampleMessage()
	inserted, err := db.ArchiveMessage(ctx, first)
	if err != nil {
		t.Fatalf("ArchiveMessage: %v", err)
	}
	if !inserted {
		t.Fatal("first archival must insert")
	}

	second := sampleMessage()
	second.Body = "edited"
	second.QuotedMsgID = nil
	inserted, err = db.ArchiveMessage(ctx, second)
	if err != nil {
		t.Fatalf("duplicate ArchiveMessage returned error: %v", err)
	}
	if inserted {
		t.Fatal("duplicate archival must not insert")
	}

	n, err := db.CountMessages(ctx)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 message, got %d", n)
	}

	got, err := db.GetMessage(ctx, first.ChatID, first.MsgID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if got == nil {
		t.Fatal("message not found")
	}
	if got.Body != first.Body || got.QuotedMsgID == nil || *got.QuotedMsgID != *first.QuotedMsgID {
		t.Errorf("first writer must win, got %+v", got)
	}
	if got.SenderName != first.SenderName || got.Type != first.Type || !got.IsGroupMsg || !got.HasMedia || got.IsFromMe {
		t.Errorf("unexpected stored message %+v", got)
	}
	if got.Timestamp != first.Timestamp || !got.ProcessedAt.Equal(first.ProcessedAt) {
		t.Errorf("times not retained: %d %v", got.Timestamp, got.ProcessedAt)
	}
	if string(got.Raw) != string(first.Raw) {
		t.Errorf("raw payload = %q", got.Raw)
	}
}

func TestSQLiteSameMsgIDInDifferentChats(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t)

	a := sampleMessage()
	b := sampleMessage()
	b.ChatID = "other@g.us"

	for _, msg := range []e.Message{a, b} {
		inserted, err := db.ArchiveMessage(ctx, msg)
		if err != nil || !inserted {
			t.Fatalf("ArchiveMessage(%s) = %v, %v", msg.ChatID, inserted, err)
		}
	}
}

func TestSQLiteConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var insertedCount int
	var errs []error

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := db.ArchiveMessage(ctx, sampleMessage())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if inserted {
				insertedCount++
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if insertedCount != 1 {
		t.Fatalf("expected exactly one insert, got %d", insertedCount)
	}
}

func TestSQLiteGetMissingMessage(t *testing.T) {
	db := newTestSQLite(t)

	got, err := db.GetMessage(context.Background(), "c", "m")
	if err != nil || got != nil {
		t.Fatalf("GetMessage = %v, %v", got, err)
	}
}

func TestSQLiteInviteLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t)

	inv, err := db.FetchOnePendingInvite(ctx)
	if err != nil || inv != nil {
		t.Fatalf("FetchOnePendingInvite on empty store = %v, %v", inv, err)
	}

	for _, link := range []string{"https://x/AAA", "https://x/BBB", "https://x/AAA"} {
		if _, err := db.AddInvite(ctx, link); err != nil {
			t.Fatalf("AddInvite: %v", err)
		}
	}

	all, err := db.ListInvites(ctx, "")
	if err != nil {
		t.Fatalf("ListInvites: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 invites, got %d", len(all))
	}

	inv, err = db.FetchOnePendingInvite(ctx)
	if err != nil {
		t.Fatalf("FetchOnePendingInvite: %v", err)
	}
	if inv == nil || inv.Link != "https://x/AAA" || inv.LastAttempt != nil || inv.ErrorMessage != nil {
		t.Fatalf("unexpected pending invite %+v", inv)
	}

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := db.UpdateInviteStatus(ctx, inv.Link, e.InviteStatusJoined, nil, at); err != nil {
		t.Fatalf("UpdateInviteStatus: %v", err)
	}

	joined, err := db.ListInvites(ctx, e.InviteStatusJoined)
	if err != nil {
		t.Fatalf("ListInvites: %v", err)
	}
	if len(joined) != 1 || joined[0].ErrorMessage != nil || joined[0].LastAttempt == nil || !joined[0].LastAttempt.Equal(at) {
		t.Fatalf("unexpected joined invites %+v", joined)
	}

	inv, err = db.FetchOnePendingInvite(ctx)
	if err != nil || inv == nil || inv.Link != "https://x/BBB" {
		t.Fatalf("expected BBB pending, got %+v, %v", inv, err)
	}

	msg := "Evaluation failed"
	if err := db.UpdateInviteStatus(ctx, inv.Link, e.InviteStatusFailed, &msg, at); err != nil {
		t.Fatalf("UpdateInviteStatus: %v", err)
	}

	inv, err = db.FetchOnePendingInvite(ctx)
	if err != nil || inv != nil {
		t.Fatalf("expected no pending invites, got %+v, %v", inv, err)
	}

	n, err := db.RequeueFailedInvites(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RequeueFailedInvites = %d, %v", n, err)
	}

	inv, err = db.FetchOnePendingInvite(ctx)
	if err != nil || inv == nil || inv.Link != "https://x/BBB" {
		t.Fatalf("expected requeued BBB, got %+v, %v", inv, err)
	}
	if inv.ErrorMessage == nil || *inv.ErrorMessage != msg {
		t.Errorf("requeue must keep the last error message, got %v", inv.ErrorMessage)
	}
}

func TestSQLiteFindInviteByLinkFragment(t *testing.T) {
	ctx := context.Background()
	db := newTestSQLite(t)

	for i := 0; i < 3; i++ {
		if _, err := db.AddInvite(ctx, fmt.Sprintf("https://chat.whatsapp.com/CODE%d", i)); err != nil {
			t.Fatalf("AddInvite: %v", err)
		}
	}

	inv, err := db.FindInviteByLinkFragment(ctx, "CODE2")
	if err != nil || inv == nil || inv.Link != "https://chat.whatsapp.com/CODE2" {
		t.Fatalf("FindInviteByLinkFragment = %+v, %v", inv, err)
	}

	inv, err = db.FindInviteByLinkFragment(ctx, "NOPE")
	if err != nil || inv != nil {
		t.Fatalf("FindInviteByLinkFragment(NOPE) = %+v, %v", inv, err)
	}
}
