package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/g960059/nodeadm/internal/classify"
	"github.com/g960059/nodeadm/internal/db"
	"github.com/g960059/nodeadm/internal/engine"
	"github.com/g960059/nodeadm/internal/model"
	"github.com/g960059/nodeadm/internal/testutil"
)

func runRecorder(t *testing.T, r *Recorder, events ...engine.Event) {
	t.Helper()
	for _, ev := range events {
		r.Observe(ev)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run recorder: %v", err)
	}
}

func TestRecorderJournalsCommandsAndOutcomes(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	r := New(store, "A1B2", nil)
	at := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	ev := func(typ engine.EventType, cmd string, offset time.Duration) engine.Event {
		return engine.Event{Type: typ, Session: "s1", Section: model.SectionIdentity, Command: cmd, At: at.Add(offset)}
	}

	answer := ev(engine.EventResponse, "get lat", 3*time.Second)
	answer.Kind = classify.KindLatitude
	answer.Raw = "37.2"
	timeout := ev(engine.EventTimedOut, "get lon", 12*time.Second)
	timeout.Message = "Request timed out"
	secret := ev(engine.EventCommandIssued, "password hunter2", 4*time.Second)
	secret.Section = model.SectionActions
	secretAck := ev(engine.EventResponse, "password hunter2", 5*time.Second)
	secretAck.Section = model.SectionActions
	secretAck.Kind = classify.KindOK
	secretAck.Raw = "OK - password now: hunter2"
	push := engine.Event{Type: engine.EventUnmatched, Session: "s1", Kind: classify.KindRaw, Raw: "advert heard", At: at.Add(6 * time.Second)}

	runRecorder(t, r,
		ev(engine.EventCommandIssued, "get lat", 0),
		ev(engine.EventCommandIssued, "get lon", time.Second),
		answer,
		secret,
		secretAck,
		push,
		timeout,
	)

	entries, err := store.ListJournal(ctx, db.JournalFilter{NodeID: "a1b2"})
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	type row struct {
		Command  string
		Response string
		Outcome  model.JournalOutcome
	}
	got := []row{}
	for _, e := range entries {
		got = append(got, row{Command: e.Command, Response: e.Response, Outcome: e.Outcome})
	}
	want := []row{
		{Response: "advert heard", Outcome: model.OutcomeUnmatched},
		{Command: "password [REDACTED]", Response: "OK - password now: [REDACTED]", Outcome: model.OutcomeAnswered},
		{Command: "get lon", Response: "Request timed out", Outcome: model.OutcomeTimedOut},
		{Command: "get lat", Response: "37.2", Outcome: model.OutcomeAnswered},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected journal (-want +got):\n%s", diff)
	}
}

func TestRecorderJournalsDeviceErrorAsFailed(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	r := New(store, "a1b2", nil)
	at := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

	runRecorder(t, r,
		engine.Event{Type: engine.EventCommandIssued, Session: "s1", Section: model.SectionRadio, Command: "set tx 40", At: at},
		engine.Event{Type: engine.EventFailed, Session: "s1", Section: model.SectionRadio, Command: "set tx 40", Message: "bad param", At: at.Add(time.Second)},
	)

	entries, err := store.ListJournal(ctx, db.JournalFilter{NodeID: "a1b2"})
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %+v", entries)
	}
	got := entries[0]
	if got.Outcome != model.OutcomeFailed || got.Response != "bad param" || got.ResolvedAt == nil {
		t.Fatalf("expected failed entry with the device message, got %+v", got)
	}
}

func TestRecorderSnapshotsSettledSections(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	r := New(store, "", nil)
	at := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	tx := 20
	settings := model.NodeSettings{Name: "Hill Top", FirmwareVersion: "v1.9.0", TxPower: &tx}

	runRecorder(t, r,
		engine.Event{Type: engine.EventSectionChanged, Section: model.SectionRadio, State: model.SectionState{Section: model.SectionRadio, Loading: true}, Settings: settings, At: at},
		engine.Event{Type: engine.EventSectionChanged, Section: model.SectionRadio, State: model.SectionState{Section: model.SectionRadio, HasData: true}, Settings: settings, At: at.Add(time.Second)},
	)

	snaps, err := store.ListSectionSnapshots(ctx, LocalNodeID)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	want := []model.SectionSnapshot{{
		NodeID:    LocalNodeID,
		Section:   model.SectionRadio,
		HasData:   true,
		Settings:  settings,
		UpdatedAt: at.Add(time.Second),
	}}
	if diff := cmp.Diff(want, snaps); diff != "" {
		t.Fatalf("unexpected snapshots (-want +got):\n%s", diff)
	}
	node, err := store.GetNode(ctx, LocalNodeID)
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node.Name != "Hill Top" || node.FirmwareVersion != "v1.9.0" || node.LastSeenAt == nil {
		t.Fatalf("unexpected node: %+v", node)
	}
}

func TestObserveDropsWhenQueueFull(t *testing.T) {
	store, _ := testutil.NewStore(t)
	r := New(store, "a1b2", nil)
	for i := 0; i < cap(r.events)+3; i++ {
		r.Observe(engine.Event{Type: engine.EventForeign})
	}
	if got := r.Dropped(); got != 3 {
		t.Fatalf("expected 3 dropped events, got %d", got)
	}
}
