package command

import (
	"errors"
	"testing"

	"github.com/g960059/nodeadm/internal/model"
)

func TestGrammarBuilders(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{name: "get", got: Get(model.KeyFloodAdvertInterval), want: "get flood.advert.interval"},
		{name: "set", got: Set(model.KeyLatitude, " 37.2 "), want: "set lat 37.2"},
		{name: "radio", got: SetRadio(model.RadioParams{FrequencyMHz: 915, BandwidthKHz: 250, SpreadingFactor: 10, CodingRate: 5}), want: "set radio 915.000,250,10,5"},
		{name: "radio-fractional-bw", got: SetRadio(model.RadioParams{FrequencyMHz: 869.525, BandwidthKHz: 62.5, SpreadingFactor: 8, CodingRate: 8}), want: "set radio 869.525,62.5,8,8"},
		{name: "password", got: Password("s3cret"), want: "password s3cret"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Fatalf("got %q want %q", tc.got, tc.want)
			}
		})
	}
}

func TestIsWrite(t *testing.T) {
	for _, tag := range []string{"set lat 1.000000", "password x", ClockSync, Advert} {
		if !IsWrite(tag) {
			t.Fatalf("expected %q to be a write", tag)
		}
	}
	for _, tag := range []string{"get lat", Version, Clock, Reboot} {
		if IsWrite(tag) {
			t.Fatalf("expected %q not to be a write", tag)
		}
	}
}

func TestQueriesFor(t *testing.T) {
	got, err := QueriesFor(model.SectionIdentity)
	if err != nil {
		t.Fatalf("identity queries: %v", err)
	}
	if len(got) != 3 || got[0] != "get name" || got[1] != "get lat" || got[2] != "get lon" {
		t.Fatalf("unexpected identity queries: %v", got)
	}
	got[0] = "mutated"
	again, _ := QueriesFor(model.SectionIdentity)
	if again[0] != "get name" {
		t.Fatalf("QueriesFor must return a copy")
	}
	if _, err := QueriesFor(model.Section("bogus")); !errors.Is(err, model.ErrUnknownSection) {
		t.Fatalf("expected ErrUnknownSection, got %v", err)
	}
}

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		key     model.SettingKey
		raw     string
		want    string
		wantErr bool
	}{
		{key: model.KeyLatitude, raw: "37.2", want: "37.2"},
		{key: model.KeyLatitude, raw: "91", wantErr: true},
		{key: model.KeyLatitude, raw: "NaN", wantErr: true},
		{key: model.KeyLongitude, raw: "-Inf", wantErr: true},
		{key: model.KeyRadio, raw: "NaN,250,10,5", wantErr: true},
		{key: model.KeyRadio, raw: "915,Infinity,10,5", wantErr: true},
		{key: model.KeyLongitude, raw: "-122.41940", want: "-122.4194"},
		{key: model.KeyRepeat, raw: "ON", want: "on"},
		{key: model.KeyRepeat, raw: "maybe", wantErr: true},
		{key: model.KeyTxPower, raw: "-4", want: "-4"},
		{key: model.KeyFloodMax, raw: "-1", wantErr: true},
		{key: model.KeyRadio, raw: "915,250,10,5", want: "915.000,250,10,5"},
		{key: model.KeyRadio, raw: "915,250", wantErr: true},
		{key: model.KeyName, raw: "  Repeater A ", want: "Repeater A"},
		{key: model.KeyName, raw: "", wantErr: true},
	}
	for _, tc := range tests {
		got, err := NormalizeValue(tc.key, tc.raw)
		if tc.wantErr {
			if !errors.Is(err, model.ErrInvalidValue) {
				t.Fatalf("NormalizeValue(%s,%q) expected ErrInvalidValue, got %v", tc.key, tc.raw, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizeValue(%s,%q): %v", tc.key, tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeValue(%s,%q)=%q want %q", tc.key, tc.raw, got, tc.want)
		}
	}
}

func TestKeysForAndSectionForKey(t *testing.T) {
	keys := KeysFor(model.SectionRadio)
	if len(keys) != 2 || keys[0] != model.KeyRadio || keys[1] != model.KeyTxPower {
		t.Fatalf("unexpected radio keys: %v", keys)
	}
	sec, err := SectionForKey(model.KeyFloodMax)
	if err != nil || sec != model.SectionBehavior {
		t.Fatalf("expected behavior, got %s err=%v", sec, err)
	}
}

func TestParseSet(t *testing.T) {
	key, value, ok := ParseSet("set flood.advert.interval 12")
	if !ok || key != model.KeyFloodAdvertInterval || value != "12" {
		t.Fatalf("unexpected parse: %s %q %v", key, value, ok)
	}
	key, value, ok = ParseSet("set name Hill Top")
	if !ok || key != model.KeyName || value != "Hill Top" {
		t.Fatalf("names keep their spaces, got %s %q %v", key, value, ok)
	}
	for _, tag := range []string{"get lat", "set bogus 1", "set lat", "password x"} {
		if _, _, ok := ParseSet(tag); ok {
			t.Fatalf("expected %q to be rejected", tag)
		}
	}
}
