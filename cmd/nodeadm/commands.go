package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/nodeadm/internal/app"
	"github.com/g960059/nodeadm/internal/command"
	"github.com/g960059/nodeadm/internal/db"
	"github.com/g960059/nodeadm/internal/engine"
	"github.com/g960059/nodeadm/internal/model"
	"github.com/g960059/nodeadm/internal/recorder"
	"github.com/g960059/nodeadm/internal/transport"
)

var (
	historyLimit int
	historySince time.Duration
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [section...]",
	Short: "Read sections from the node",
	Long: `Read one or more sections from the node and print what arrived.

Sections: identity, radio, behavior, device_info. Without arguments every
section is read. A section that timed out after some answers still shows
the values it received.`,
	RunE: runFetch,
}

var setCmd = &cobra.Command{
	Use:   "set <key> <value> [<key> <value>...]",
	Short: "Change settings through the debounced write path",
	Long: `Stage one or more setting changes. Each key is written once after the
debounce delay, carrying the last value given for it.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 || len(args)%2 != 0 {
			return fmt.Errorf("set takes key value pairs")
		}
		return nil
	},
	RunE: runSet,
}

var applyCmd = &cobra.Command{
	Use:   "apply <section> [key=value...]",
	Short: "Write a section's settings immediately",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runApply,
}

var passwordCmd = &cobra.Command{
	Use:   "password <new-password>",
	Short: "Change the node admin password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, func(ctx context.Context, e *engine.Engine) error {
			return e.SetPassword(ctx, args[0])
		})
	},
}

var advertCmd = &cobra.Command{
	Use:   "advert",
	Short: "Send an advertisement now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, func(ctx context.Context, e *engine.Engine) error {
			return e.SendAdvert(ctx)
		})
	},
}

var clockSyncCmd = &cobra.Command{
	Use:   "clock-sync",
	Short: "Set the node clock from this host",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAction(cmd, func(ctx context.Context, e *engine.Engine) error {
			return e.SyncClock(ctx)
		})
	},
}

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, nil, func(ctx context.Context, a *app.App) error {
			return a.Engine().Reboot(ctx)
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream engine events as JSON lines until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the local command journal",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Show known nodes and their last section snapshots",
	Args:  cobra.NoArgs,
	RunE:  runNodes,
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := transport.ListPorts()
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ports)
	},
}

func runFetch(cmd *cobra.Command, args []string) error {
	sections, err := parseSections(args)
	if err != nil {
		return err
	}
	return withSession(cmd, nil, func(ctx context.Context, a *app.App) error {
		e := a.Engine()
		for _, sec := range sections {
			// Bootstrap already read these.
			if sec == model.SectionDeviceInfo || sec == model.SectionIdentity {
				continue
			}
			if err := e.Fetch(ctx, sec); err != nil {
				return fmt.Errorf("fetch %s: %w", sec, err)
			}
		}
		if err := waitSections(ctx, e, sections); err != nil {
			return err
		}
		return printSnapshot(ctx, cmd, e)
	})
}

func runSet(cmd *cobra.Command, args []string) error {
	edits := make([]edit, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		e, err := parseEdit(args[i], args[i+1])
		if err != nil {
			return err
		}
		edits = append(edits, e)
	}
	return withSession(cmd, nil, func(ctx context.Context, a *app.App) error {
		e := a.Engine()
		for _, ed := range edits {
			if err := e.Edit(ed.key, ed.value); err != nil {
				return err
			}
		}
		if err := waitWritten(ctx, e, edits); err != nil {
			return err
		}
		return printSnapshot(ctx, cmd, e)
	})
}

func runApply(cmd *cobra.Command, args []string) error {
	sec, err := model.ParseSection(args[0])
	if err != nil {
		return err
	}
	edits := make([]edit, 0, len(args)-1)
	for _, raw := range args[1:] {
		key, value, ok := strings.Cut(raw, "=")
		if !ok {
			return fmt.Errorf("expected key=value, got %q", raw)
		}
		ed, err := parseEdit(key, value)
		if err != nil {
			return err
		}
		if ed.section != sec {
			return fmt.Errorf("%s does not belong to section %s", ed.key, sec)
		}
		edits = append(edits, ed)
	}
	return withSession(cmd, nil, func(ctx context.Context, a *app.App) error {
		e := a.Engine()
		if sec != model.SectionIdentity {
			if err := e.Fetch(ctx, sec); err != nil {
				return err
			}
		}
		if err := waitSections(ctx, e, []model.Section{sec}); err != nil {
			return err
		}
		for _, ed := range edits {
			if err := e.Edit(ed.key, ed.value); err != nil {
				return err
			}
		}
		if err := e.ApplyImmediately(ctx, sec); err != nil {
			return err
		}
		if err := waitSections(ctx, e, []model.Section{sec}); err != nil {
			return err
		}
		return printSnapshot(ctx, cmd, e)
	})
}

func runAction(cmd *cobra.Command, do func(ctx context.Context, e *engine.Engine) error) error {
	return withSession(cmd, nil, func(ctx context.Context, a *app.App) error {
		e := a.Engine()
		if err := do(ctx, e); err != nil {
			return err
		}
		if err := waitSections(ctx, e, []model.Section{model.SectionActions}); err != nil {
			return err
		}
		return printSnapshot(ctx, cmd, e)
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	printer := func(ev engine.Event) {
		_ = enc.Encode(watchLine{
			Type:    ev.Type,
			Section: ev.Section,
			Command: ev.Command,
			Kind:    string(ev.Kind),
			Raw:     ev.Raw,
			Source:  ev.Source,
			Message: ev.Message,
			At:      ev.At,
		})
	}
	return withSession(cmd, []engine.Option{engine.WithObserver(printer)}, func(ctx context.Context, a *app.App) error {
		<-ctx.Done()
		return nil
	})
}

type watchLine struct {
	Type    engine.EventType `json:"type"`
	Section model.Section    `json:"section,omitempty"`
	Command string           `json:"command,omitempty"`
	Kind    string           `json:"kind,omitempty"`
	Raw     string           `json:"raw,omitempty"`
	Source  string           `json:"source,omitempty"`
	Message string           `json:"message,omitempty"`
	At      time.Time        `json:"at"`
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	filter := db.JournalFilter{NodeID: nodeIDForStore(), Limit: historyLimit}
	if historySince > 0 {
		filter.Since = time.Now().UTC().Add(-historySince)
	}
	entries, err := store.ListJournal(ctx, filter)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), entries)
}

type nodeReport struct {
	Node     model.Node              `json:"node"`
	Sections []model.SectionSnapshot `json:"sections"`
}

func runNodes(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	store, err := app.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	nodes, err := store.ListNodes(ctx)
	if err != nil {
		return err
	}
	out := make([]nodeReport, 0, len(nodes))
	for _, n := range nodes {
		snaps, err := store.ListSectionSnapshots(ctx, n.NodeID)
		if err != nil {
			return err
		}
		out = append(out, nodeReport{Node: n, Sections: snaps})
	}
	return printJSON(cmd.OutOrStdout(), out)
}

type edit struct {
	key     model.SettingKey
	value   string
	section model.Section
}

func parseEdit(rawKey, rawValue string) (edit, error) {
	key, err := model.ParseSettingKey(rawKey)
	if err != nil {
		return edit{}, err
	}
	sec, err := command.SectionForKey(key)
	if err != nil {
		return edit{}, err
	}
	value, err := command.NormalizeValue(key, rawValue)
	if err != nil {
		return edit{}, err
	}
	return edit{key: key, value: value, section: sec}, nil
}

func parseSections(args []string) ([]model.Section, error) {
	if len(args) == 0 {
		return []model.Section{model.SectionIdentity, model.SectionRadio, model.SectionBehavior, model.SectionDeviceInfo}, nil
	}
	out := []model.Section{}
	for _, raw := range args {
		sec, err := model.ParseSection(raw)
		if err != nil {
			return nil, err
		}
		if sec == model.SectionActions {
			return nil, fmt.Errorf("%w: actions cannot be fetched", model.ErrUnknownSection)
		}
		out = appendSection(out, sec)
	}
	return out, nil
}

func appendSection(list []model.Section, sec model.Section) []model.Section {
	for _, s := range list {
		if s == sec {
			return list
		}
	}
	return append(list, sec)
}

func waitSections(ctx context.Context, e *engine.Engine, sections []model.Section) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var errs []error
	for _, sec := range sections {
		st, err := e.Wait(ctx, sec)
		if err != nil {
			return fmt.Errorf("wait %s: %w", sec, err)
		}
		if st.LastError != "" {
			errs = append(errs, fmt.Errorf("%s: %s", sec, st.LastError))
		}
	}
	return errors.Join(errs...)
}

// waitWritten blocks until every edit was acknowledged by the node or its
// section failed.
func waitWritten(ctx context.Context, e *engine.Engine, edits []edit) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		// A write that left the debounce queue has already started its
		// section, so the snapshot taken after this check sees it loading.
		debouncing := len(e.PendingWrites()) > 0
		snap, err := e.Snapshot(ctx)
		if err != nil {
			return err
		}
		if done, err := writesSettled(snap, edits, debouncing); done {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for writes: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func writesSettled(snap engine.Snapshot, edits []edit, debouncing bool) (bool, error) {
	if debouncing {
		return false, nil
	}
	var errs []error
	for _, ed := range edits {
		st := snap.Sections[ed.section]
		if st.Loading {
			return false, nil
		}
		if _, staged := snap.Staged[ed.key]; !staged {
			continue
		}
		// The write left the queue and its section settled without an OK.
		msg := st.LastError
		if msg == "" {
			msg = "not acknowledged by the node"
		}
		errs = append(errs, fmt.Errorf("%s: %s", ed.key, msg))
	}
	return true, errors.Join(errs...)
}

func printSnapshot(ctx context.Context, cmd *cobra.Command, e *engine.Engine) error {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), snap)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func nodeIDForStore() string {
	if id := strings.ToLower(strings.TrimSpace(cfg.NodeID)); id != "" {
		return id
	}
	return recorder.LocalNodeID
}
