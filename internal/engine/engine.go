// Package engine correlates node CLI responses with the queries that caused
// them. All state lives on one event loop goroutine; every public method
// posts work to that loop instead of locking.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/nodeadm/internal/classify"
	"github.com/g960059/nodeadm/internal/command"
	"github.com/g960059/nodeadm/internal/config"
	"github.com/g960059/nodeadm/internal/debounce"
	"github.com/g960059/nodeadm/internal/ledger"
	"github.com/g960059/nodeadm/internal/model"
	"github.com/g960059/nodeadm/internal/section"
)

const msgSendFailed = "Failed to send command"

var ErrClosed = errors.New("engine closed")

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithNodeID overrides the tracked node identity prefix from config.
func WithNodeID(id string) Option {
	return func(e *Engine) {
		e.nodeID = normalizeIdentity(id)
	}
}

type Engine struct {
	cfg        config.Config
	session    string
	nodeID     string
	logger     *zap.Logger
	observers  []Observer
	serializer *command.Serializer
	writes     *debounce.Scheduler

	life       context.Context
	lifeCancel context.CancelFunc
	ops        chan func()
	quit       chan struct{}
	done       chan struct{}
	started    atomic.Bool
	closeOnce  sync.Once
	teardownMu sync.Once

	// Owned by the loop.
	ledger   *ledger.Ledger
	sections map[model.Section]*section.Tracker
	settings model.NodeSettings
	staged   map[model.SettingKey]string
	waiters  map[model.Section][]chan model.SectionState
}

func New(cfg config.Config, sender command.Sender, opts ...Option) *Engine {
	life, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		session:    uuid.NewString(),
		nodeID:     normalizeIdentity(cfg.NodeID),
		logger:     zap.NewNop(),
		writes:     debounce.New(),
		life:       life,
		lifeCancel: cancel,
		ops:        make(chan func(), 256),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		ledger:     ledger.New(),
		sections:   map[model.Section]*section.Tracker{},
		staged:     map[model.SettingKey]string{},
		waiters:    map[model.Section][]chan model.SectionState{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("session", e.session))
	e.serializer = command.NewSerializer(sender, e.logger)
	for _, s := range model.Sections {
		e.sections[s] = section.New(s, e.ledger)
	}
	return e
}

func (e *Engine) Session() string {
	return e.session
}

// Start runs the loop on its own goroutine.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		_ = e.Run(ctx)
	}()
}

// Run processes loop work until ctx is done or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	defer close(e.done)
	defer e.teardown()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.quit:
			return nil
		case fn := <-e.ops:
			fn()
		}
	}
}

// Close stops the loop and cancels every live timer, debounced write and
// queued command. No engine state is mutated afterwards.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.quit)
	})
	if e.started.Load() {
		<-e.done
		return
	}
	e.teardown()
}

func (e *Engine) teardown() {
	e.teardownMu.Do(func() {
		for _, tr := range e.sections {
			tr.Reset()
		}
		e.writes.Close()
		e.lifeCancel()
		e.serializer.Close()
	})
}

// Fetch issues every query of sec. It returns once the commands were
// accepted by the transport; answers arrive later through Dispatch.
func (e *Engine) Fetch(ctx context.Context, sec model.Section) error {
	tags, err := command.QueriesFor(sec)
	if err != nil {
		return err
	}
	if len(tags) == 0 {
		return fmt.Errorf("%w: %s has no queries", model.ErrUnknownSection, sec)
	}
	return e.issue(ctx, sec, tags, tags, nil)
}

// Bootstrap fetches device info and identity right after a session was
// established, retrying while the device reports it is not ready yet.
func (e *Engine) Bootstrap(ctx context.Context) error {
	for _, sec := range []model.Section{model.SectionDeviceInfo, model.SectionIdentity} {
		tags, err := command.QueriesFor(sec)
		if err != nil {
			return err
		}
		if err := e.issue(ctx, sec, tags, tags, e.cfg.NotReadyBackoff); err != nil {
			return fmt.Errorf("bootstrap %s: %w", sec, err)
		}
	}
	return nil
}

// Edit stages value for key and schedules a debounced write. Rapid edits of
// the same key coalesce into one command carrying the last value.
func (e *Engine) Edit(key model.SettingKey, value string) error {
	sec, err := command.SectionForKey(key)
	if err != nil {
		return err
	}
	v, err := command.NormalizeValue(key, value)
	if err != nil {
		return err
	}
	if !e.post(func() { e.staged[key] = v }) {
		return ErrClosed
	}
	e.writes.Schedule(string(key), e.cfg.DebounceDelay, func() {
		cmd := command.Set(key, v)
		if err := e.issue(e.life, sec, []string{cmd}, []string{cmd}, nil); err != nil && !errors.Is(err, ErrClosed) {
			e.logger.Warn("debounced write failed", zap.String("command", cmd), zap.Error(err))
		}
	})
	return nil
}

// ApplyImmediately cancels the section's pending debounced writes and sends
// every known value of the section now.
func (e *Engine) ApplyImmediately(ctx context.Context, sec model.Section) error {
	keys := command.KeysFor(sec)
	if len(keys) == 0 {
		return fmt.Errorf("%w: %s has no settings", model.ErrUnknownSection, sec)
	}
	for _, k := range keys {
		e.writes.Cancel(string(k))
	}
	var cmds []string
	if err := e.call(ctx, func() { cmds = e.pendingWrites(keys) }); err != nil {
		return err
	}
	if len(cmds) == 0 {
		return nil
	}
	return e.issue(ctx, sec, cmds, cmds, nil)
}

func (e *Engine) SetPassword(ctx context.Context, password string) error {
	if strings.TrimSpace(password) == "" || strings.ContainsAny(password, " \r\n") {
		return fmt.Errorf("%w: password must be a single word", model.ErrInvalidValue)
	}
	cmd := command.Password(password)
	return e.issue(ctx, model.SectionActions, []string{cmd}, []string{cmd}, nil)
}

func (e *Engine) SendAdvert(ctx context.Context) error {
	return e.issue(ctx, model.SectionActions, []string{command.Advert}, []string{command.Advert}, nil)
}

func (e *Engine) SyncClock(ctx context.Context) error {
	return e.issue(ctx, model.SectionActions, []string{command.ClockSync}, []string{command.ClockSync}, nil)
}

// Reboot is fire-and-forget: the node drops the session instead of
// answering.
func (e *Engine) Reboot(ctx context.Context) error {
	if err := e.serializer.Submit(ctx, command.Batch{Commands: []string{command.Reboot}}); err != nil {
		return err
	}
	e.post(func() {
		e.emit(Event{Type: EventCommandIssued, Section: model.SectionActions, Command: command.Reboot})
	})
	return nil
}

// Dispatch hands one received line to the loop. source is the identity of
// the node that produced it.
func (e *Engine) Dispatch(raw, source string) bool {
	at := time.Now().UTC()
	return e.post(func() { e.handleLine(raw, source, at) })
}

func (e *Engine) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := e.call(ctx, func() {
		snap = Snapshot{
			Session:  e.session,
			NodeID:   e.nodeID,
			Settings: e.settings,
			Sections: make(map[model.Section]model.SectionState, len(e.sections)),
			Pending:  e.ledger.Snapshot(),
			Staged:   make(map[model.SettingKey]string, len(e.staged)),
		}
		for s, tr := range e.sections {
			snap.Sections[s] = tr.State()
		}
		for k, v := range e.staged {
			snap.Staged[k] = v
		}
	})
	return snap, err
}

// Wait blocks until sec is no longer loading and returns its state.
func (e *Engine) Wait(ctx context.Context, sec model.Section) (model.SectionState, error) {
	ch := make(chan model.SectionState, 1)
	err := e.call(ctx, func() {
		tr, ok := e.sections[sec]
		if !ok {
			close(ch)
			return
		}
		if st := tr.State(); !st.Loading {
			ch <- st
			return
		}
		e.waiters[sec] = append(e.waiters[sec], ch)
	})
	if err != nil {
		return model.SectionState{}, err
	}
	select {
	case st, ok := <-ch:
		if !ok {
			return model.SectionState{}, fmt.Errorf("%w: %s", model.ErrUnknownSection, sec)
		}
		return st, nil
	case <-ctx.Done():
		return model.SectionState{}, ctx.Err()
	case <-e.done:
		return model.SectionState{}, ErrClosed
	}
}

// PendingWrites lists setting keys with a debounced write not yet sent.
func (e *Engine) PendingWrites() []string {
	return e.writes.Pending()
}

func (e *Engine) issue(ctx context.Context, sec model.Section, tags, cmds []string, backoff []time.Duration) error {
	if err := e.call(ctx, func() { e.startSection(sec, tags) }); err != nil {
		return err
	}
	err := e.serializer.Submit(ctx, command.Batch{Commands: cmds, Backoff: backoff})
	if err == nil {
		return nil
	}
	if errors.Is(err, command.ErrSerializerClosed) {
		return ErrClosed
	}
	e.post(func() { e.failSection(sec, msgSendFailed) })
	return err
}

func (e *Engine) post(fn func()) bool {
	select {
	case <-e.quit:
		return false
	default:
	}
	select {
	case e.ops <- fn:
		return true
	case <-e.quit:
		return false
	case <-e.done:
		return false
	}
}

func (e *Engine) call(ctx context.Context, fn func()) error {
	ch := make(chan struct{})
	if !e.post(func() {
		fn()
		close(ch)
	}) {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

func (e *Engine) startSection(sec model.Section, tags []string) {
	tr := e.sections[sec]
	tr.Start(tags, func(gen uint64) func() bool {
		t := time.AfterFunc(e.cfg.SectionTimeout, func() {
			e.post(func() { e.onTimeout(sec, gen) })
		})
		return t.Stop
	})
	for _, tag := range tags {
		e.emit(Event{Type: EventCommandIssued, Section: sec, Command: tag})
	}
	e.sectionChanged(sec)
}

func (e *Engine) onTimeout(sec model.Section, gen uint64) {
	tr := e.sections[sec]
	if gen != tr.Generation() {
		return
	}
	dropped := tr.Tags()
	if !tr.Timeout(gen) {
		return
	}
	e.logger.Info("section timed out",
		zap.String("section", string(sec)),
		zap.Strings("unanswered", dropped),
		zap.Bool("partial", tr.State().HasData))
	for _, tag := range dropped {
		e.emit(Event{Type: EventTimedOut, Section: sec, Command: tag, Message: section.MsgTimedOut})
	}
	e.sectionChanged(sec)
}

func (e *Engine) failSection(sec model.Section, message string) {
	tr := e.sections[sec]
	dropped := tr.Tags()
	tr.Fail(message)
	for _, tag := range dropped {
		e.emit(Event{Type: EventFailed, Section: sec, Command: tag, Message: message})
	}
	e.sectionChanged(sec)
}

func (e *Engine) handleLine(raw, source string, at time.Time) {
	if !e.acceptsSource(source) {
		e.logger.Debug("dropping line from foreign node", zap.String("source", source))
		e.emit(Event{Type: EventForeign, Raw: raw, Source: source, At: at})
		return
	}
	if classify.StripPrompt(raw) == "" {
		return
	}
	resp := classify.Classify(raw, e.ledger)
	switch resp.Kind {
	case classify.KindOK:
		tag, ok := e.ledger.FirstMatching(command.IsWrite)
		if !ok {
			e.unmatched(resp, raw, source, at)
			return
		}
		e.ledger.Remove(tag)
		e.applyWriteAck(tag)
		e.consume(tag, resp, raw, at, false)
	case classify.KindError:
		tag, ok := e.ledger.First()
		if !ok {
			e.unmatched(resp, raw, source, at)
			return
		}
		sec, ok := e.owner(tag)
		if !ok {
			e.ledger.Remove(tag)
			return
		}
		e.logger.Warn("device reported error",
			zap.String("section", string(sec)),
			zap.String("command", tag),
			zap.String("message", resp.Message))
		e.failSection(sec, resp.Message)
	case classify.KindUnknownCommand:
		tag, ok := e.ledger.First()
		if !ok {
			e.unmatched(resp, raw, source, at)
			return
		}
		sec, ok := e.owner(tag)
		if !ok {
			e.ledger.Remove(tag)
			return
		}
		dropped, _ := e.sections[sec].UnknownCommand()
		e.logger.Debug("firmware does not support command", zap.String("command", dropped))
		e.emit(Event{Type: EventResponse, Section: sec, Command: dropped, Kind: resp.Kind, Raw: raw, At: at})
		e.sectionChanged(sec)
	case classify.KindRaw:
		// Nothing identifies the line; the oldest pending query takes it.
		tag, ok := e.ledger.RemoveFirst()
		if !ok {
			e.unmatched(resp, raw, source, at)
			return
		}
		e.consume(tag, resp, raw, at, false)
	default:
		tag, _ := resp.Tag()
		e.ledger.Remove(tag)
		e.applyValue(resp)
		e.consume(tag, resp, raw, at, true)
	}
}

func (e *Engine) consume(tag string, resp classify.Response, raw string, at time.Time, hasValue bool) {
	sec, ok := e.owner(tag)
	if !ok {
		e.logger.Debug("response for unowned tag", zap.String("command", tag))
		return
	}
	e.sections[sec].Consume(tag, hasValue)
	e.emit(Event{Type: EventResponse, Section: sec, Command: tag, Kind: resp.Kind, Raw: raw, At: at})
	e.sectionChanged(sec)
}

func (e *Engine) unmatched(resp classify.Response, raw, source string, at time.Time) {
	e.logger.Debug("unmatched line", zap.String("kind", string(resp.Kind)), zap.String("text", resp.Text))
	e.emit(Event{Type: EventUnmatched, Kind: resp.Kind, Raw: raw, Source: source, At: at})
}

func (e *Engine) owner(tag string) (model.Section, bool) {
	for _, s := range model.Sections {
		if e.sections[s].Owns(tag) {
			return s, true
		}
	}
	return "", false
}

func (e *Engine) sectionChanged(sec model.Section) {
	st := e.sections[sec].State()
	e.emit(Event{Type: EventSectionChanged, Section: sec, State: st, Settings: e.settings})
	if st.Loading {
		return
	}
	for _, ch := range e.waiters[sec] {
		ch <- st
	}
	delete(e.waiters, sec)
}

func (e *Engine) emit(ev Event) {
	if len(e.observers) == 0 {
		return
	}
	ev.Session = e.session
	ev.NodeID = e.nodeID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	for _, o := range e.observers {
		o(ev)
	}
}

func (e *Engine) acceptsSource(source string) bool {
	if e.nodeID == "" {
		return true
	}
	src := normalizeIdentity(source)
	if src == "" {
		return false
	}
	if len(src) < len(e.nodeID) {
		return strings.HasPrefix(e.nodeID, src)
	}
	return strings.HasPrefix(src, e.nodeID)
}

func normalizeIdentity(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Settings values are replaced, never mutated in place, so snapshots may
// share pointers.
func (e *Engine) applyValue(resp classify.Response) {
	s := &e.settings
	switch resp.Kind {
	case classify.KindVersion:
		s.FirmwareVersion = resp.Text
	case classify.KindDeviceTime:
		s.DeviceTime = resp.Text
	case classify.KindName:
		s.Name = resp.Text
	case classify.KindLatitude:
		s.Latitude = ptr(resp.Number)
	case classify.KindLongitude:
		s.Longitude = ptr(resp.Number)
	case classify.KindRadio:
		s.Radio = ptr(resp.Radio)
	case classify.KindTxPower:
		s.TxPower = ptr(resp.Integer)
	case classify.KindRepeat:
		s.RepeatEnabled = ptr(resp.Enabled)
	case classify.KindAdvertInterval:
		s.AdvertInterval = ptr(resp.Integer)
	case classify.KindFloodAdvertInterval:
		s.FloodAdvertInterval = ptr(resp.Integer)
	case classify.KindFloodMax:
		s.FloodMaxHops = ptr(resp.Integer)
	}
}

func (e *Engine) applyWriteAck(tag string) {
	key, value, ok := command.ParseSet(tag)
	if !ok {
		return
	}
	if staged, ok := e.staged[key]; ok && staged == value {
		delete(e.staged, key)
	}
	s := &e.settings
	switch key {
	case model.KeyName:
		s.Name = value
	case model.KeyLatitude, model.KeyLongitude:
		f, ok := command.ParseFinite(value)
		if !ok {
			return
		}
		if key == model.KeyLatitude {
			s.Latitude = ptr(f)
		} else {
			s.Longitude = ptr(f)
		}
	case model.KeyRadio:
		if p, ok := command.ParseRadio(value); ok {
			s.Radio = ptr(p)
		}
	case model.KeyRepeat:
		s.RepeatEnabled = ptr(value == "on")
	default:
		n, err := strconv.Atoi(value)
		if err != nil {
			return
		}
		switch key {
		case model.KeyTxPower:
			s.TxPower = ptr(n)
		case model.KeyAdvertInterval:
			s.AdvertInterval = ptr(n)
		case model.KeyFloodAdvertInterval:
			s.FloodAdvertInterval = ptr(n)
		case model.KeyFloodMax:
			s.FloodMaxHops = ptr(n)
		}
	}
}

// pendingWrites builds setters for keys from staged edits, falling back to
// the last value read from the device.
func (e *Engine) pendingWrites(keys []model.SettingKey) []string {
	cmds := []string{}
	for _, k := range keys {
		if v, ok := e.staged[k]; ok {
			cmds = append(cmds, command.Set(k, v))
			continue
		}
		if v, ok := e.currentValue(k); ok {
			cmds = append(cmds, command.Set(k, v))
		}
	}
	return cmds
}

func (e *Engine) currentValue(key model.SettingKey) (string, bool) {
	s := e.settings
	switch key {
	case model.KeyName:
		return s.Name, s.Name != ""
	case model.KeyLatitude:
		return formatFloat(s.Latitude)
	case model.KeyLongitude:
		return formatFloat(s.Longitude)
	case model.KeyRadio:
		if s.Radio == nil {
			return "", false
		}
		return command.FormatRadio(*s.Radio), true
	case model.KeyTxPower:
		return formatInt(s.TxPower)
	case model.KeyRepeat:
		if s.RepeatEnabled == nil {
			return "", false
		}
		if *s.RepeatEnabled {
			return "on", true
		}
		return "off", true
	case model.KeyAdvertInterval:
		return formatInt(s.AdvertInterval)
	case model.KeyFloodAdvertInterval:
		return formatInt(s.FloodAdvertInterval)
	case model.KeyFloodMax:
		return formatInt(s.FloodMaxHops)
	default:
		return "", false
	}
}

func formatFloat(v *float64) (string, bool) {
	if v == nil {
		return "", false
	}
	return strconv.FormatFloat(*v, 'f', -1, 64), true
}

func formatInt(v *int) (string, bool) {
	if v == nil {
		return "", false
	}
	return strconv.Itoa(*v), true
}

func ptr[T any](v T) *T {
	return &v
}
