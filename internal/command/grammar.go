package command

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/g960059/nodeadm/internal/model"
)

// Bare commands understood by the node CLI.
const (
	Version   = "ver"
	Clock     = "clock"
	ClockSync = "clock sync"
	Advert    = "advert"
	Reboot    = "reboot"
)

func Get(key model.SettingKey) string {
	return "get " + string(key)
}

func Set(key model.SettingKey, value string) string {
	return "set " + string(key) + " " + strings.TrimSpace(value)
}

func SetRadio(p model.RadioParams) string {
	return Set(model.KeyRadio, FormatRadio(p))
}

func Password(pw string) string {
	return "password " + pw
}

// IsWrite reports whether tag is answered by a bare acknowledgement rather
// than a value.
func IsWrite(tag string) bool {
	switch {
	case strings.HasPrefix(tag, "set "),
		strings.HasPrefix(tag, "password "),
		tag == ClockSync,
		tag == Advert:
		return true
	default:
		return false
	}
}

var sectionQueries = map[model.Section][]string{
	model.SectionIdentity: {
		Get(model.KeyName),
		Get(model.KeyLatitude),
		Get(model.KeyLongitude),
	},
	model.SectionRadio: {
		Get(model.KeyRadio),
		Get(model.KeyTxPower),
	},
	model.SectionBehavior: {
		Get(model.KeyRepeat),
		Get(model.KeyAdvertInterval),
		Get(model.KeyFloodAdvertInterval),
		Get(model.KeyFloodMax),
	},
	model.SectionDeviceInfo: {
		Version,
		Clock,
	},
}

// QueriesFor returns the getter tags a fetch of section issues.
func QueriesFor(section model.Section) ([]string, error) {
	if section == model.SectionActions {
		return nil, nil
	}
	queries, ok := sectionQueries[section]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownSection, section)
	}
	out := make([]string, len(queries))
	copy(out, queries)
	return out, nil
}

var keySections = map[model.SettingKey]model.Section{
	model.KeyName:                model.SectionIdentity,
	model.KeyLatitude:            model.SectionIdentity,
	model.KeyLongitude:           model.SectionIdentity,
	model.KeyRadio:               model.SectionRadio,
	model.KeyTxPower:             model.SectionRadio,
	model.KeyRepeat:              model.SectionBehavior,
	model.KeyAdvertInterval:      model.SectionBehavior,
	model.KeyFloodAdvertInterval: model.SectionBehavior,
	model.KeyFloodMax:            model.SectionBehavior,
}

func SectionForKey(key model.SettingKey) (model.Section, error) {
	s, ok := keySections[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", model.ErrUnknownSetting, key)
	}
	return s, nil
}

// KeysFor returns the writable keys of section in grammar order.
func KeysFor(section model.Section) []model.SettingKey {
	out := []model.SettingKey{}
	for _, k := range model.SettingKeys {
		if keySections[k] == section {
			out = append(out, k)
		}
	}
	return out
}

// NormalizeValue validates a user supplied value for key and returns the
// canonical text the device expects.
func NormalizeValue(key model.SettingKey, raw string) (string, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", fmt.Errorf("%w: empty value for %s", model.ErrInvalidValue, key)
	}
	switch key {
	case model.KeyName:
		if strings.ContainsAny(v, "\r\n") {
			return "", fmt.Errorf("%w: name must be a single line", model.ErrInvalidValue)
		}
		return v, nil
	case model.KeyLatitude, model.KeyLongitude:
		f, ok := ParseFinite(v)
		if !ok {
			return "", fmt.Errorf("%w: %s must be a number", model.ErrInvalidValue, key)
		}
		limit := 90.0
		if key == model.KeyLongitude {
			limit = 180
		}
		if f < -limit || f > limit {
			return "", fmt.Errorf("%w: %s out of range", model.ErrInvalidValue, key)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case model.KeyRadio:
		p, ok := ParseRadio(v)
		if !ok {
			return "", fmt.Errorf("%w: radio must be freq,bw,sf,cr", model.ErrInvalidValue)
		}
		return FormatRadio(p), nil
	case model.KeyRepeat:
		switch strings.ToLower(v) {
		case "on", "true", "1":
			return "on", nil
		case "off", "false", "0":
			return "off", nil
		}
		return "", fmt.Errorf("%w: repeat must be on or off", model.ErrInvalidValue)
	case model.KeyTxPower, model.KeyAdvertInterval, model.KeyFloodAdvertInterval, model.KeyFloodMax:
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", fmt.Errorf("%w: %s must be an integer", model.ErrInvalidValue, key)
		}
		if key != model.KeyTxPower && n < 0 {
			return "", fmt.Errorf("%w: %s must not be negative", model.ErrInvalidValue, key)
		}
		return strconv.Itoa(n), nil
	default:
		return "", fmt.Errorf("%w: %s", model.ErrUnknownSetting, key)
	}
}

// ParseSet splits a setter tag back into its key and value.
func ParseSet(tag string) (model.SettingKey, string, bool) {
	rest, ok := strings.CutPrefix(tag, "set ")
	if !ok {
		return "", "", false
	}
	rawKey, value, ok := strings.Cut(rest, " ")
	if !ok {
		return "", "", false
	}
	key, err := model.ParseSettingKey(rawKey)
	if err != nil {
		return "", "", false
	}
	return key, value, true
}

func FormatRadio(p model.RadioParams) string {
	return fmt.Sprintf("%s,%s,%d,%d",
		strconv.FormatFloat(p.FrequencyMHz, 'f', 3, 64),
		strconv.FormatFloat(p.BandwidthKHz, 'f', -1, 64),
		p.SpreadingFactor,
		p.CodingRate,
	)
}

// ParseFinite parses a decimal number, rejecting NaN and infinities.
func ParseFinite(text string) (float64, bool) {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseRadio reads the first four comma separated fields of a radio quad.
func ParseRadio(raw string) (model.RadioParams, bool) {
	parts := strings.Split(raw, ",")
	if len(parts) < 4 {
		return model.RadioParams{}, false
	}
	freq, ok := ParseFinite(strings.TrimSpace(parts[0]))
	if !ok {
		return model.RadioParams{}, false
	}
	bw, ok := ParseFinite(strings.TrimSpace(parts[1]))
	if !ok {
		return model.RadioParams{}, false
	}
	sf, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return model.RadioParams{}, false
	}
	cr, err := strconv.Atoi(strings.TrimSpace(parts[3]))
	if err != nil {
		return model.RadioParams{}, false
	}
	return model.RadioParams{
		FrequencyMHz:    freq,
		BandwidthKHz:    bw,
		SpreadingFactor: sf,
		CodingRate:      cr,
	}, true
}
