package transport

import (
	"time"

	"github.com/g960059/nodeadm/internal/config"
	"github.com/g960059/nodeadm/internal/model"
)

type HealthState struct {
	Current              model.LinkHealth
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// NextHealth folds one write outcome into the link health.
func NextHealth(cfg config.Config, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = model.LinkHealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current != model.LinkHealthOK && state.ConsecutiveSuccesses >= cfg.LinkRecoverOKs {
			state.Current = model.LinkHealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case model.LinkHealthOK:
		state.Current = model.LinkHealthDegraded
		state.LastTransitionAt = now
	case model.LinkHealthDegraded:
		if now.Sub(state.LastTransitionAt) > cfg.LinkDownWindow {
			// Window expired; this failure opens a new one.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= cfg.LinkDownFailures {
			state.Current = model.LinkHealthDown
			state.LastTransitionAt = now
		}
	case model.LinkHealthDown:
	}
	return state
}
