package model

import (
	"errors"
	"time"
)

var (
	// ErrDeviceNotReady is reported by a transport while the device is still
	// booting after the session was established. It is the only transient
	// error class retried by the bootstrap path.
	ErrDeviceNotReady = errors.New("device not ready")
	ErrUnknownSection = errors.New("unknown section")
	ErrUnknownSetting = errors.New("unknown setting")
	ErrInvalidValue   = errors.New("invalid value")
)

// Section names a batch of queries that share one loading/error/timeout
// lifecycle.
type Section string

const (
	SectionIdentity   Section = "identity"
	SectionRadio      Section = "radio"
	SectionBehavior   Section = "behavior"
	SectionDeviceInfo Section = "device_info"
	SectionActions    Section = "actions"
)

// Sections lists every section in a stable order.
var Sections = []Section{
	SectionIdentity,
	SectionRadio,
	SectionBehavior,
	SectionDeviceInfo,
	SectionActions,
}

func ParseSection(raw string) (Section, error) {
	for _, s := range Sections {
		if string(s) == raw {
			return s, nil
		}
	}
	switch raw {
	case "device-info", "deviceinfo", "info":
		return SectionDeviceInfo, nil
	}
	return "", ErrUnknownSection
}

// SettingKey is the key used by the device's get/set grammar.
type SettingKey string

const (
	KeyName                SettingKey = "name"
	KeyLatitude            SettingKey = "lat"
	KeyLongitude           SettingKey = "lon"
	KeyRadio               SettingKey = "radio"
	KeyTxPower             SettingKey = "tx"
	KeyRepeat              SettingKey = "repeat"
	KeyAdvertInterval      SettingKey = "advert.interval"
	KeyFloodAdvertInterval SettingKey = "flood.advert.interval"
	KeyFloodMax            SettingKey = "flood.max"
)

// SettingKeys lists every key in the order the device documents them.
var SettingKeys = []SettingKey{
	KeyName,
	KeyLatitude,
	KeyLongitude,
	KeyRadio,
	KeyTxPower,
	KeyRepeat,
	KeyAdvertInterval,
	KeyFloodAdvertInterval,
	KeyFloodMax,
}

func ParseSettingKey(raw string) (SettingKey, error) {
	for _, k := range SettingKeys {
		if string(k) == raw {
			return k, nil
		}
	}
	return "", ErrUnknownSetting
}

type RadioParams struct {
	FrequencyMHz    float64 `json:"frequency_mhz"`
	BandwidthKHz    float64 `json:"bandwidth_khz"`
	SpreadingFactor int     `json:"spreading_factor"`
	CodingRate      int     `json:"coding_rate"`
}

// NodeSettings holds the last known value of every field the engine reads
// from a node. Pointer fields stay nil until the device reported them.
type NodeSettings struct {
	FirmwareVersion     string       `json:"firmware_version,omitempty"`
	DeviceTime          string       `json:"device_time,omitempty"`
	Name                string       `json:"name,omitempty"`
	Latitude            *float64     `json:"latitude,omitempty"`
	Longitude           *float64     `json:"longitude,omitempty"`
	Radio               *RadioParams `json:"radio,omitempty"`
	TxPower             *int         `json:"tx_power,omitempty"`
	RepeatEnabled       *bool        `json:"repeat_enabled,omitempty"`
	AdvertInterval      *int         `json:"advert_interval,omitempty"`
	FloodAdvertInterval *int         `json:"flood_advert_interval,omitempty"`
	FloodMaxHops        *int         `json:"flood_max_hops,omitempty"`
}

// SectionState is the externally visible status of one section.
type SectionState struct {
	Section   Section `json:"section"`
	Loading   bool    `json:"loading"`
	HasData   bool    `json:"has_data"`
	LastError string  `json:"last_error,omitempty"`
	Pending   int     `json:"pending"`
}

type LinkHealth string

const (
	LinkHealthOK       LinkHealth = "ok"
	LinkHealthDegraded LinkHealth = "degraded"
	LinkHealthDown     LinkHealth = "down"
)

type Node struct {
	NodeID          string     `json:"node_id"`
	Name            string     `json:"name,omitempty"`
	FirmwareVersion string     `json:"firmware_version,omitempty"`
	Health          LinkHealth `json:"health"`
	LastSeenAt      *time.Time `json:"last_seen_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type SectionSnapshot struct {
	NodeID    string       `json:"node_id"`
	Section   Section      `json:"section"`
	HasData   bool         `json:"has_data"`
	LastError string       `json:"last_error,omitempty"`
	Settings  NodeSettings `json:"settings"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type JournalOutcome string

const (
	OutcomePending   JournalOutcome = "pending"
	OutcomeAnswered  JournalOutcome = "answered"
	OutcomeFailed    JournalOutcome = "failed"
	OutcomeTimedOut  JournalOutcome = "timed_out"
	OutcomeUnmatched JournalOutcome = "unmatched"
)

// JournalEntry is one command sent to a node, or one line nothing claimed.
type JournalEntry struct {
	EntryID    string         `json:"entry_id"`
	SessionID  string         `json:"session_id"`
	NodeID     string         `json:"node_id"`
	Section    Section        `json:"section,omitempty"`
	Command    string         `json:"command,omitempty"`
	Response   string         `json:"response,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Outcome    JournalOutcome `json:"outcome"`
	IssuedAt   time.Time      `json:"issued_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}
