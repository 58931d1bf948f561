// Package section tracks one group of queries issued together: which of its
// tags are still outstanding, whether any value arrived, and the bounded
// wait for the rest.
package section

import (
	"github.com/g960059/nodeadm/internal/ledger"
	"github.com/g960059/nodeadm/internal/model"
)

const MsgTimedOut = "Request timed out"

// ArmFunc starts the timeout for generation gen and returns a function that
// stops it.
type ArmFunc func(gen uint64) (stop func() bool)

// Tracker is not safe for concurrent use; the engine loop owns it.
type Tracker struct {
	name    model.Section
	ledger  *ledger.Ledger
	tags    []string
	loading bool
	hasData bool
	lastErr string
	gen     uint64
	stop    func() bool
}

func New(name model.Section, l *ledger.Ledger) *Tracker {
	return &Tracker{name: name, ledger: l}
}

func (t *Tracker) Name() model.Section {
	return t.name
}

// Start registers tags as outstanding and re-arms the timeout. Tags already
// outstanding from an earlier start stay owned.
func (t *Tracker) Start(tags []string, arm ArmFunc) uint64 {
	t.loading = true
	t.lastErr = ""
	t.tags = append(t.tags, tags...)
	t.ledger.Append(tags...)
	t.stopTimer()
	t.gen++
	if arm != nil {
		t.stop = arm(t.gen)
	}
	if len(t.tags) == 0 {
		t.complete()
	}
	return t.gen
}

func (t *Tracker) Owns(tag string) bool {
	for _, owned := range t.tags {
		if owned == tag {
			return true
		}
	}
	return false
}

// Tags returns a copy of the tags still outstanding.
func (t *Tracker) Tags() []string {
	out := make([]string, len(t.tags))
	copy(out, t.tags)
	return out
}

// Oldest returns the oldest tag this section is still waiting on.
func (t *Tracker) Oldest() (string, bool) {
	if len(t.tags) == 0 {
		return "", false
	}
	return t.tags[0], true
}

// Consume records that tag was answered. The caller has already removed the
// tag from the ledger.
func (t *Tracker) Consume(tag string, hasValue bool) bool {
	if !t.removeOwned(tag) {
		return false
	}
	if hasValue {
		t.hasData = true
		t.lastErr = ""
	}
	if len(t.tags) == 0 {
		t.complete()
	}
	return true
}

// UnknownCommand handles firmware that does not know one of the queries:
// the oldest outstanding tag is dropped without raising an error.
func (t *Tracker) UnknownCommand() (string, bool) {
	if len(t.tags) == 0 {
		return "", false
	}
	tag := t.tags[0]
	t.tags = t.tags[1:]
	t.ledger.Remove(tag)
	if len(t.tags) == 0 {
		t.complete()
	}
	return tag, true
}

// Timeout fires the bounded wait for generation gen. Stale generations and
// sections that already completed are ignored.
func (t *Tracker) Timeout(gen uint64) bool {
	if gen != t.gen || !t.loading {
		return false
	}
	t.stop = nil
	t.dropOwned()
	t.loading = false
	if !t.hasData {
		t.lastErr = MsgTimedOut
	}
	return true
}

// Fail ends the section immediately: a send failure or an explicit device
// error. A partial result already shown is never replaced by the error.
func (t *Tracker) Fail(message string) {
	t.stopTimer()
	t.dropOwned()
	t.loading = false
	if !t.hasData {
		t.lastErr = message
	}
}

// Reset stops the timer on teardown. Owned tags are left in place since the
// ledger is discarded with the engine.
func (t *Tracker) Reset() {
	t.stopTimer()
	t.loading = false
}

func (t *Tracker) Generation() uint64 {
	return t.gen
}

func (t *Tracker) State() model.SectionState {
	return model.SectionState{
		Section:   t.name,
		Loading:   t.loading,
		HasData:   t.hasData,
		LastError: t.lastErr,
		Pending:   len(t.tags),
	}
}

func (t *Tracker) complete() {
	t.stopTimer()
	t.loading = false
}

func (t *Tracker) stopTimer() {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
}

func (t *Tracker) removeOwned(tag string) bool {
	for i, owned := range t.tags {
		if owned == tag {
			t.tags = append(t.tags[:i], t.tags[i+1:]...)
			return true
		}
	}
	return false
}

func (t *Tracker) dropOwned() {
	for _, tag := range t.tags {
		t.ledger.Remove(tag)
	}
	t.tags = nil
}
