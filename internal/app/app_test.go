package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/g960059/nodeadm/internal/config"
	"github.com/g960059/nodeadm/internal/db"
	"github.com/g960059/nodeadm/internal/model"
	"github.com/g960059/nodeadm/internal/testutil"
	"github.com/g960059/nodeadm/internal/transport"
)

// fakeLink answers commands from a canned table, the way a node would.
type fakeLink struct {
	mu      sync.Mutex
	handler transport.Handler
	replies map[string]string
	sent    []string
	errs    chan error
	closed  bool
}

func newFakeLink(replies map[string]string) *fakeLink {
	return &fakeLink{replies: replies, errs: make(chan error, 1)}
}

func (f *fakeLink) Start(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeLink) Send(_ context.Context, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrTransportClosed
	}
	f.sent = append(f.sent, cmd)
	if reply, ok := f.replies[cmd]; ok && f.handler != nil {
		h := f.handler
		go h(reply, "a1b2c3")
	}
	return nil
}

func (f *fakeLink) Errors() <-chan error {
	return f.errs
}

func (f *fakeLink) Health() transport.HealthState {
	return transport.HealthState{Current: model.LinkHealthOK}
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.NodeID = "a1b2"
	cfg.SectionTimeout = 5 * time.Second
	cfg.DebounceDelay = 20 * time.Millisecond
	return cfg
}

func TestRunFetchesAndJournals(t *testing.T) {
	store, ctx := testutil.NewStore(t)
	link := newFakeLink(map[string]string{
		"get name": "Hill Top",
		"get lat":  "37.2",
		"get lon":  "-122.4",
	})
	a := New(testConfig(), store, link, nil)
	t.Cleanup(func() { _ = a.Close() })

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	if err := a.Engine().Fetch(ctx, model.SectionIdentity); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	st, err := a.Engine().Wait(waitCtx, model.SectionIdentity)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !st.HasData || st.LastError != "" {
		t.Fatalf("unexpected state: %+v", st)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	entries, err := store.ListJournal(ctx, db.JournalFilter{NodeID: "a1b2"})
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 journal entries, got %+v", entries)
	}
	for _, e := range entries {
		if e.Outcome != model.OutcomeAnswered {
			t.Fatalf("expected answered entry, got %+v", e)
		}
	}
	snaps, err := store.ListSectionSnapshots(ctx, "a1b2")
	if err != nil || len(snaps) != 1 || snaps[0].Settings.Name != "Hill Top" {
		t.Fatalf("unexpected snapshots %+v err=%v", snaps, err)
	}
}

func TestRunReturnsLinkFailure(t *testing.T) {
	store, _ := testutil.NewStore(t)
	link := newFakeLink(nil)
	a := New(testConfig(), store, link, nil)
	t.Cleanup(func() { _ = a.Close() })

	boom := errors.New("cable pulled")
	link.errs <- boom
	err := a.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected link failure, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store, _ := testutil.NewStore(t)
	a := New(testConfig(), store, newFakeLink(nil), nil)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
