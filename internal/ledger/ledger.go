// Package ledger keeps the ordered list of query tags that are still
// waiting for a response. A tag is the literal command string that was
// sent; it is the only correlation key the text transport offers.
//
// A Ledger has no internal locking. It must only be touched from the
// engine's event loop.
package ledger

type Ledger struct {
	tags []string
}

func New() *Ledger {
	return &Ledger{}
}

func (l *Ledger) Append(tags ...string) {
	l.tags = append(l.tags, tags...)
}

// Remove drops the first occurrence of tag.
func (l *Ledger) Remove(tag string) bool {
	for i, t := range l.tags {
		if t == tag {
			l.tags = append(l.tags[:i], l.tags[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAll drops every tag matching pred and reports how many were removed.
func (l *Ledger) RemoveAll(pred func(string) bool) int {
	kept := l.tags[:0]
	removed := 0
	for _, t := range l.tags {
		if pred(t) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(l.tags); i++ {
		l.tags[i] = ""
	}
	l.tags = kept
	return removed
}

func (l *Ledger) Contains(tag string) bool {
	for _, t := range l.tags {
		if t == tag {
			return true
		}
	}
	return false
}

// FirstMatching returns the oldest tag matching pred.
func (l *Ledger) FirstMatching(pred func(string) bool) (string, bool) {
	for _, t := range l.tags {
		if pred(t) {
			return t, true
		}
	}
	return "", false
}

// First returns the oldest pending tag without removing it.
func (l *Ledger) First() (string, bool) {
	if len(l.tags) == 0 {
		return "", false
	}
	return l.tags[0], true
}

// RemoveFirst pops the oldest pending tag.
func (l *Ledger) RemoveFirst() (string, bool) {
	if len(l.tags) == 0 {
		return "", false
	}
	tag := l.tags[0]
	l.tags[0] = ""
	l.tags = l.tags[1:]
	return tag, true
}

func (l *Ledger) Len() int {
	return len(l.tags)
}

func (l *Ledger) Snapshot() []string {
	out := make([]string, len(l.tags))
	copy(out, l.tags)
	return out
}
