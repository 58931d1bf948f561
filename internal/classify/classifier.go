// Package classify maps one line of node CLI output to the query it most
// likely answers. The transport carries no message IDs, so the decision is
// made from the text shape and from which queries are still pending.
package classify

import (
	"strconv"
	"strings"

	"github.com/g960059/nodeadm/internal/command"
	"github.com/g960059/nodeadm/internal/model"
)

type Kind string

const (
	KindVersion             Kind = "version"
	KindDeviceTime          Kind = "device_time"
	KindName                Kind = "name"
	KindLatitude            Kind = "latitude"
	KindLongitude           Kind = "longitude"
	KindRadio               Kind = "radio"
	KindTxPower             Kind = "tx_power"
	KindRepeat              Kind = "repeat"
	KindAdvertInterval      Kind = "advert_interval"
	KindFloodAdvertInterval Kind = "flood_advert_interval"
	KindFloodMax            Kind = "flood_max"
	KindOK                  Kind = "ok"
	KindError               Kind = "error"
	KindUnknownCommand      Kind = "unknown_command"
	KindRaw                 Kind = "raw"
)

// productMarker appears in the firmware's version banner.
const productMarker = "meshcore"

// Response is the classified form of one line. Kind selects which payload
// field is meaningful.
type Response struct {
	Kind    Kind
	Text    string
	Number  float64
	Integer int
	Enabled bool
	Radio   model.RadioParams
	Message string
}

// Pending is the read-only view of outstanding tags the classifier needs.
type Pending interface {
	Contains(tag string) bool
}

var kindTags = map[Kind]string{
	KindVersion:             command.Version,
	KindDeviceTime:          command.Clock,
	KindName:                command.Get(model.KeyName),
	KindLatitude:            command.Get(model.KeyLatitude),
	KindLongitude:           command.Get(model.KeyLongitude),
	KindRadio:               command.Get(model.KeyRadio),
	KindTxPower:             command.Get(model.KeyTxPower),
	KindRepeat:              command.Get(model.KeyRepeat),
	KindAdvertInterval:      command.Get(model.KeyAdvertInterval),
	KindFloodAdvertInterval: command.Get(model.KeyFloodAdvertInterval),
	KindFloodMax:            command.Get(model.KeyFloodMax),
}

// Tag returns the query tag a value-carrying response answers.
func (r Response) Tag() (string, bool) {
	tag, ok := kindTags[r.Kind]
	return tag, ok
}

// HasValue reports whether the response carries a real device value.
func (r Response) HasValue() bool {
	_, ok := kindTags[r.Kind]
	return ok
}

type numericField struct {
	kind    Kind
	key     model.SettingKey
	limit   float64
	integer bool
}

// Order matters: when two numeric tags are pending at once the first field
// whose shape fits wins.
var numericFields = []numericField{
	{kind: KindLatitude, key: model.KeyLatitude, limit: 90},
	{kind: KindLongitude, key: model.KeyLongitude, limit: 180},
	{kind: KindTxPower, key: model.KeyTxPower, integer: true},
	{kind: KindAdvertInterval, key: model.KeyAdvertInterval, integer: true},
	{kind: KindFloodAdvertInterval, key: model.KeyFloodAdvertInterval, integer: true},
	{kind: KindFloodMax, key: model.KeyFloodMax, integer: true},
}

// Classify returns exactly one Response for raw. Checks run from the most
// to the least specific shape and each value check only fires when its tag
// is pending.
func Classify(raw string, pending Pending) Response {
	text := StripPrompt(raw)
	if text == "" {
		return Response{Kind: KindRaw, Text: text}
	}

	if pending.Contains(command.Version) && looksLikeVersion(text) {
		return Response{Kind: KindVersion, Text: text}
	}
	if pending.Contains(command.Clock) && looksLikeDeviceTime(text) {
		return Response{Kind: KindDeviceTime, Text: text}
	}
	if pending.Contains(command.Get(model.KeyRadio)) && strings.Contains(text, ",") {
		if p, ok := command.ParseRadio(text); ok {
			return Response{Kind: KindRadio, Text: text, Radio: p}
		}
	}
	if pending.Contains(command.Get(model.KeyRepeat)) && (text == "on" || text == "off") {
		return Response{Kind: KindRepeat, Text: text, Enabled: text == "on"}
	}
	if r, ok := classifyNumeric(text, pending); ok {
		return r
	}
	if r, ok := classifyMarker(text); ok {
		return r
	}
	if pending.Contains(command.Get(model.KeyName)) && looksLikeName(text) {
		return Response{Kind: KindName, Text: text}
	}
	return Response{Kind: KindRaw, Text: text}
}

// StripPrompt trims whitespace and the leading "> " prompt marker.
func StripPrompt(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "> ") {
		text = strings.TrimSpace(text[2:])
	} else if text == ">" {
		text = ""
	}
	return text
}

func looksLikeVersion(text string) bool {
	if strings.Contains(strings.ToLower(text), productMarker) {
		return true
	}
	return strings.HasPrefix(text, "v") && strings.Contains(text, "(")
}

func looksLikeDeviceTime(text string) bool {
	if strings.Contains(text, "UTC") {
		return true
	}
	return strings.Contains(text, ":") && strings.Contains(text, "/")
}

func classifyNumeric(text string, pending Pending) (Response, bool) {
	if strings.Contains(text, ",") {
		return Response{}, false
	}
	f, ok := command.ParseFinite(text)
	if !ok {
		return Response{}, false
	}
	for _, field := range numericFields {
		if !pending.Contains(command.Get(field.key)) {
			continue
		}
		if field.integer {
			n, err := strconv.Atoi(text)
			if err != nil {
				continue
			}
			return Response{Kind: field.kind, Text: text, Number: f, Integer: n}, true
		}
		if f < -field.limit || f > field.limit {
			continue
		}
		return Response{Kind: field.kind, Text: text, Number: f}, true
	}
	return Response{}, false
}

func classifyMarker(text string) (Response, bool) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "unknown command"):
		return Response{Kind: KindUnknownCommand, Text: text, Message: text}, true
	case strings.HasPrefix(lower, "error"), strings.HasPrefix(lower, "err:"):
		return Response{Kind: KindError, Text: text, Message: errorMessage(text)}, true
	case lower == "ok", strings.HasPrefix(lower, "ok -"), strings.HasPrefix(lower, "ok:"):
		return Response{Kind: KindOK, Text: text}, true
	default:
		return Response{}, false
	}
}

func errorMessage(text string) string {
	if idx := strings.IndexByte(text, ':'); idx >= 0 {
		if msg := strings.TrimSpace(text[idx+1:]); msg != "" {
			return msg
		}
	}
	return text
}

func looksLikeName(text string) bool {
	if strings.ContainsAny(text, ",()") || strings.Contains(text, "UTC") {
		return false
	}
	if _, ok := command.ParseFinite(text); ok {
		return false
	}
	return true
}
