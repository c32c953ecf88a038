package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusPreparing, true},
		{StatusPending, StatusCanceled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPreparing, StatusRunning, true},
		{StatusPreparing, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCanceled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCanceled, StatusPending, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminalStatus(t *testing.T) {
	terminal := []string{StatusCompleted, StatusFailed, StatusCanceled}
	for _, s := range terminal {
		if !TerminalStatus(s) {
			t.Errorf("TerminalStatus(%q) = false, want true", s)
		}
	}
	for _, s := range []string{StatusPending, StatusPreparing, StatusRunning} {
		if TerminalStatus(s) {
			t.Errorf("TerminalStatus(%q) = true, want false", s)
		}
	}
}

func TestParseDataRef(t *testing.T) {
	tests := []struct {
		input   string
		want    DataRef
		wantErr bool
	}{
		{"raw/clients.csv", DataRef{Datastore: "raw", Prefix: "clients.csv"}, false},
		{"intermediate/preprocessed", DataRef{Datastore: "intermediate", Prefix: "preprocessed"}, false},
		{"outputs", DataRef{Datastore: "outputs", Prefix: ""}, false},
		{"/outputs/model/", DataRef{Datastore: "outputs", Prefix: "model"}, false},
		{"intermediate/a/b/c", DataRef{Datastore: "intermediate", Prefix: "a/b/c"}, false},
		{"", DataRef{}, true},
		{"/", DataRef{}, true},
		{"raw/../escape", DataRef{}, true},
	}
	for _, tt := range tests {
		got, err := ParseDataRef(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDataRef(%q) error = nil, want error", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDataRef(%q) error = %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDataRef(%q) = %+v, want %+v", tt.input, got, tt.want)
		}
	}
}

func TestDataRefString(t *testing.T) {
	tests := []struct {
		ref  DataRef
		want string
	}{
		{DataRef{Datastore: "raw", Prefix: "clients.csv"}, "raw/clients.csv"},
		{DataRef{Datastore: "outputs"}, "outputs"},
	}
	for _, tt := range tests {
		if got := tt.ref.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestKnownRuntime(t *testing.T) {
	for _, rt := range []string{RuntimePython, RuntimeNode, RuntimeGo, RuntimeShell} {
		if !KnownRuntime(rt) {
			t.Errorf("KnownRuntime(%q) = false, want true", rt)
		}
	}
	if KnownRuntime("cobol") {
		t.Error("KnownRuntime(\"cobol\") = true, want false")
	}
}
