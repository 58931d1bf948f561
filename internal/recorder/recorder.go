// Package recorder persists engine events: section snapshots after every
// settled section and a journal of commands with their outcomes.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/nodeadm/internal/db"
	"github.com/g960059/nodeadm/internal/engine"
	"github.com/g960059/nodeadm/internal/model"
	"github.com/g960059/nodeadm/internal/security"
)

// LocalNodeID names the node when no identity prefix is configured.
const LocalNodeID = "local"

type Store interface {
	UpsertNode(ctx context.Context, node model.Node) error
	UpsertSectionSnapshot(ctx context.Context, snap model.SectionSnapshot) error
	InsertJournalEntry(ctx context.Context, entry model.JournalEntry) error
	FindPendingJournalEntry(ctx context.Context, sessionID, command string) (model.JournalEntry, error)
	ResolveJournalEntry(ctx context.Context, entryID string, outcome model.JournalOutcome, response, kind string, at time.Time) error
}

type Recorder struct {
	store   Store
	nodeID  string
	logger  *zap.Logger
	events  chan engine.Event
	dropped atomic.Int64
}

func New(store Store, nodeID string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := strings.ToLower(strings.TrimSpace(nodeID))
	if id == "" {
		id = LocalNodeID
	}
	return &Recorder{
		store:  store,
		nodeID: id,
		logger: logger.With(zap.String("node", id)),
		events: make(chan engine.Event, 512),
	}
}

func (r *Recorder) NodeID() string {
	return r.nodeID
}

// Observe queues ev without blocking the engine loop. Events are dropped
// when the queue is full.
func (r *Recorder) Observe(ev engine.Event) {
	select {
	case r.events <- ev:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("recorder queue full, dropping events", zap.Int64("dropped", n))
		}
	}
}

func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Run writes queued events until ctx is done, then flushes what is left.
// Writes themselves are not cut short by ctx.
func (r *Recorder) Run(ctx context.Context) error {
	storeCtx := context.WithoutCancel(ctx)
	if err := r.store.UpsertNode(storeCtx, model.Node{NodeID: r.nodeID}); err != nil {
		return fmt.Errorf("register node: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			r.flush(storeCtx)
			return nil
		case ev := <-r.events:
			r.record(storeCtx, ev)
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-r.events:
			r.record(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev engine.Event) {
	if err := r.handle(ctx, ev); err != nil {
		r.logger.Warn("record event failed",
			zap.String("type", string(ev.Type)),
			zap.String("section", string(ev.Section)),
			zap.Error(err))
	}
}

func (r *Recorder) handle(ctx context.Context, ev engine.Event) error {
	switch ev.Type {
	case engine.EventCommandIssued:
		return r.store.InsertJournalEntry(ctx, model.JournalEntry{
			EntryID:   uuid.NewString(),
			SessionID: ev.Session,
			NodeID:    r.nodeID,
			Section:   ev.Section,
			Command:   security.RedactCommand(ev.Command),
			Outcome:   model.OutcomePending,
			IssuedAt:  ev.At,
		})
	case engine.EventResponse:
		return r.resolve(ctx, ev, model.OutcomeAnswered, security.RedactResponse(ev.Raw))
	case engine.EventTimedOut:
		return r.resolve(ctx, ev, model.OutcomeTimedOut, ev.Message)
	case engine.EventFailed:
		return r.resolve(ctx, ev, model.OutcomeFailed, ev.Message)
	case engine.EventUnmatched:
		at := ev.At
		return r.store.InsertJournalEntry(ctx, model.JournalEntry{
			EntryID:    uuid.NewString(),
			SessionID:  ev.Session,
			NodeID:     r.nodeID,
			Response:   security.RedactForStorage(ev.Raw),
			Kind:       string(ev.Kind),
			Outcome:    model.OutcomeUnmatched,
			IssuedAt:   at,
			ResolvedAt: &at,
		})
	case engine.EventSectionChanged:
		if ev.State.Loading {
			return nil
		}
		return r.snapshot(ctx, ev)
	default:
		return nil
	}
}

func (r *Recorder) resolve(ctx context.Context, ev engine.Event, outcome model.JournalOutcome, response string) error {
	entry, err := r.store.FindPendingJournalEntry(ctx, ev.Session, security.RedactCommand(ev.Command))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			r.logger.Debug("no pending journal entry", zap.String("command", security.RedactCommand(ev.Command)))
			return nil
		}
		return err
	}
	return r.store.ResolveJournalEntry(ctx, entry.EntryID, outcome, response, string(ev.Kind), ev.At)
}

func (r *Recorder) snapshot(ctx context.Context, ev engine.Event) error {
	node := model.Node{
		NodeID:          r.nodeID,
		Name:            ev.Settings.Name,
		FirmwareVersion: ev.Settings.FirmwareVersion,
		UpdatedAt:       ev.At,
	}
	if ev.State.HasData {
		at := ev.At
		node.LastSeenAt = &at
	}
	if err := r.store.UpsertNode(ctx, node); err != nil {
		return err
	}
	return r.store.UpsertSectionSnapshot(ctx, model.SectionSnapshot{
		NodeID:    r.nodeID,
		Section:   ev.Section,
		HasData:   ev.State.HasData,
		LastError: ev.State.LastError,
		Settings:  ev.Settings,
		UpdatedAt: ev.At,
	})
}
