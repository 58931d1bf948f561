package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/g960059/nodeadm/internal/model"
)

func openStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

func TestUpsertNodeKeepsKnownFields(t *testing.T) {
	store, ctx := openStore(t)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	if err := store.UpsertNode(ctx, model.Node{NodeID: " A1B2 ", Name: "Hill Top", FirmwareVersion: "v1.9.0", LastSeenAt: ptrTime(now), UpdatedAt: now}); err != nil {
		t.Fatalf("upsert node: %v", err)
	}
	later := now.Add(time.Minute)
	if err := store.UpsertNode(ctx, model.Node{NodeID: "a1b2", Health: model.LinkHealthDegraded, UpdatedAt: later}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := store.GetNode(ctx, "A1B2")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	want := model.Node{
		NodeID:          "a1b2",
		Name:            "Hill Top",
		FirmwareVersion: "v1.9.0",
		Health:          model.LinkHealthDegraded,
		LastSeenAt:      ptrTime(now),
		UpdatedAt:       later,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected node (-want +got):\n%s", diff)
	}

	if _, err := store.GetNode(ctx, "ffff"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpsertNode(ctx, model.Node{}); err == nil {
		t.Fatalf("expected node_id validation error")
	}
	nodes, err := store.ListNodes(ctx)
	if err != nil || len(nodes) != 1 {
		t.Fatalf("expected one node, got %v err=%v", nodes, err)
	}
}

func TestSectionSnapshotRoundTrip(t *testing.T) {
	store, ctx := openStore(t)
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	if err := store.UpsertNode(ctx, model.Node{NodeID: "a1b2", UpdatedAt: now}); err != nil {
		t.Fatalf("upsert node: %v", err)
	}

	lat := 37.2
	tx := 20
	snap := model.SectionSnapshot{
		NodeID:    "a1b2",
		Section:   model.SectionRadio,
		HasData:   true,
		Settings:  model.NodeSettings{Latitude: &lat, TxPower: &tx, Radio: &model.RadioParams{FrequencyMHz: 915, BandwidthKHz: 250, SpreadingFactor: 10, CodingRate: 5}},
		UpdatedAt: now,
	}
	if err := store.UpsertSectionSnapshot(ctx, snap); err != nil {
		t.Fatalf("upsert snapshot: %v", err)
	}
	snap.LastError = "Request timed out"
	snap.HasData = false
	if err := store.UpsertSectionSnapshot(ctx, snap); err != nil {
		t.Fatalf("overwrite snapshot: %v", err)
	}

	got, err := store.ListSectionSnapshots(ctx, "a1b2")
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if diff := cmp.Diff([]model.SectionSnapshot{snap}, got); diff != "" {
		t.Fatalf("unexpected snapshots (-want +got):\n%s", diff)
	}

	orphan := snap
	orphan.NodeID = "ffff"
	if err := store.UpsertSectionSnapshot(ctx, orphan); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown node, got %v", err)
	}
}

func TestJournalLifecycle(t *testing.T) {
	store, ctx := openStore(t)
	base := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	if err := store.UpsertNode(ctx, model.Node{NodeID: "a1b2", UpdatedAt: base}); err != nil {
		t.Fatalf("upsert node: %v", err)
	}

	for i, id := range []string{"e1", "e2", "e3"} {
		entry := model.JournalEntry{
			EntryID:   id,
			SessionID: "s1",
			NodeID:    "a1b2",
			Section:   model.SectionIdentity,
			Command:   "get lat",
			IssuedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := store.InsertJournalEntry(ctx, entry); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	if err := store.InsertJournalEntry(ctx, model.JournalEntry{EntryID: "e1", SessionID: "s1", NodeID: "a1b2"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	pending, err := store.FindPendingJournalEntry(ctx, "s1", "get lat")
	if err != nil {
		t.Fatalf("find pending: %v", err)
	}
	if pending.EntryID != "e1" || pending.Outcome != model.OutcomePending {
		t.Fatalf("expected oldest pending entry e1, got %+v", pending)
	}

	resolvedAt := base.Add(time.Minute)
	if err := store.ResolveJournalEntry(ctx, "e1", model.OutcomeAnswered, "37.2", "latitude", resolvedAt); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := store.ResolveJournalEntry(ctx, "e1", model.OutcomeTimedOut, "", "", resolvedAt); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if err := store.ResolveJournalEntry(ctx, "nope", model.OutcomeAnswered, "", "", resolvedAt); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.ResolveJournalEntry(ctx, "e2", model.OutcomePending, "", "", resolvedAt); err == nil {
		t.Fatalf("pending is not a final outcome")
	}

	next, err := store.FindPendingJournalEntry(ctx, "s1", "get lat")
	if err != nil || next.EntryID != "e2" {
		t.Fatalf("expected e2 next, got %+v err=%v", next, err)
	}
	if _, err := store.FindPendingJournalEntry(ctx, "s2", "get lat"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("other sessions must not match, got %v", err)
	}

	all, err := store.ListJournal(ctx, JournalFilter{NodeID: "a1b2"})
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	ids := []string{}
	for _, e := range all {
		ids = append(ids, e.EntryID)
	}
	if diff := cmp.Diff([]string{"e3", "e2", "e1"}, ids); diff != "" {
		t.Fatalf("journal must list newest first (-want +got):\n%s", diff)
	}
	first := all[2]
	if first.Response != "37.2" || first.Kind != "latitude" || first.ResolvedAt == nil || !first.ResolvedAt.Equal(resolvedAt) {
		t.Fatalf("unexpected resolved entry: %+v", first)
	}

	limited, err := store.ListJournal(ctx, JournalFilter{Since: base.Add(time.Second), Limit: 1})
	if err != nil || len(limited) != 1 || limited[0].EntryID != "e3" {
		t.Fatalf("unexpected filtered journal: %+v err=%v", limited, err)
	}

	deleted, err := store.PurgeJournal(ctx, base.Add(1500*time.Millisecond))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 purged entries, got %d", deleted)
	}
	if n, err := store.CountRows(ctx, "command_journal"); err != nil || n != 1 {
		t.Fatalf("expected 1 remaining entry, got %d err=%v", n, err)
	}
	if _, err := store.CountRows(ctx, "sqlite_master"); err == nil {
		t.Fatalf("expected unknown table error")
	}
}
