package security_test

import (
	"strings"
	"testing"

	"github.com/g960059/nodeadm/internal/security"
)

func TestRedactCommand(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "password hunter2", want: "password [REDACTED]"},
		{in: "set guest.password open sesame", want: "set guest.password [REDACTED]"},
		{in: "set lat 37.2", want: "set lat 37.2"},
		{in: "get name", want: "get name"},
		{in: "  ", want: ""},
	}
	for _, tc := range tests {
		if got := security.RedactCommand(tc.in); got != tc.want {
			t.Fatalf("RedactCommand(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedactResponse(t *testing.T) {
	out := security.RedactResponse("OK - password now: hunter2")
	if strings.Contains(out, "hunter2") || !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("password echo leaked: %q", out)
	}
	key := strings.Repeat("ab", 32)
	out = security.RedactResponse("> " + key)
	if strings.Contains(out, key) {
		t.Fatalf("hex key leaked: %q", out)
	}
	if got := security.RedactResponse("Repeater A"); got != "Repeater A" {
		t.Fatalf("plain text must pass through, got %q", got)
	}
}

func TestRedactForStorageFailsClosed(t *testing.T) {
	if got := security.RedactForStorage("password"); got != "" {
		t.Fatalf("secret keyword without a maskable value must be dropped, got %q", got)
	}
	if got := security.RedactForStorage("password hunter2"); got != "password [REDACTED]" {
		t.Fatalf("unexpected storage form %q", got)
	}
	if got := security.RedactForStorage("915.000,250,10,5"); got != "915.000,250,10,5" {
		t.Fatalf("plain text must pass through, got %q", got)
	}
}
