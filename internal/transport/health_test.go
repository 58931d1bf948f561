package transport

import (
	"testing"
	"time"

	"github.com/g960059/nodeadm/internal/config"
	"github.com/g960059/nodeadm/internal/model"
)

func TestHealthTransitionPolicy(t *testing.T) {
	cfg := config.DefaultConfig()
	now := time.Now().UTC()
	state := HealthState{Current: model.LinkHealthOK, LastTransitionAt: now}

	state = NextHealth(cfg, state, false, now.Add(1*time.Second))
	if state.Current != model.LinkHealthDegraded {
		t.Fatalf("ok->degraded expected, got %s", state.Current)
	}
	state = NextHealth(cfg, state, false, now.Add(2*time.Second))
	state = NextHealth(cfg, state, false, now.Add(3*time.Second))
	if state.Current != model.LinkHealthDown {
		t.Fatalf("degraded->down expected after failures, got %s", state.Current)
	}

	state = NextHealth(cfg, state, true, now.Add(4*time.Second))
	if state.Current != model.LinkHealthDown {
		t.Fatalf("still down until enough successes, got %s", state.Current)
	}
	state = NextHealth(cfg, state, true, now.Add(5*time.Second))
	if state.Current != model.LinkHealthOK {
		t.Fatalf("down->ok expected on recovery threshold, got %s", state.Current)
	}
}

func TestDownRequiresFailuresInsideWindow(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LinkDownWindow = 2 * time.Second
	now := time.Now().UTC()

	state := HealthState{Current: model.LinkHealthOK, LastTransitionAt: now}
	state = NextHealth(cfg, state, false, now.Add(1*time.Second))
	state = NextHealth(cfg, state, false, now.Add(10*time.Second))
	state = NextHealth(cfg, state, false, now.Add(11*time.Second))

	if state.Current != model.LinkHealthDegraded {
		t.Fatalf("failures spread past the window must not take the link down, got %s", state.Current)
	}
}
