package engine

import (
	"time"

	"github.com/g960059/nodeadm/internal/classify"
	"github.com/g960059/nodeadm/internal/model"
)

type EventType string

const (
	EventSectionChanged EventType = "section_changed"
	EventCommandIssued  EventType = "command_issued"
	EventResponse       EventType = "response"
	EventTimedOut       EventType = "timed_out"
	EventFailed         EventType = "failed"
	// EventUnmatched is a line from the tracked node that answered nothing
	// pending, usually an unsolicited push.
	EventUnmatched EventType = "unmatched"
	// EventForeign is a line from a node other than the tracked one.
	EventForeign EventType = "foreign"
)

// Event is delivered to observers from the engine loop. Observers must not
// block for long and must not call Close.
type Event struct {
	Type     EventType
	Session  string
	NodeID   string
	Section  model.Section
	Command  string
	Kind     classify.Kind
	Raw      string
	Source   string
	Message  string
	State    model.SectionState
	Settings model.NodeSettings
	At       time.Time
}

type Observer func(Event)

// Snapshot is a consistent view of engine state taken on the loop.
type Snapshot struct {
	Session  string                               `json:"session"`
	NodeID   string                               `json:"node_id"`
	Settings model.NodeSettings                   `json:"settings"`
	Sections map[model.Section]model.SectionState `json:"sections"`
	Pending  []string                             `json:"pending"`
	Staged   map[model.SettingKey]string          `json:"staged,omitempty"`
}
