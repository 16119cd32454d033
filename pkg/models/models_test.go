package models

import (
	"strings"
	"testing"
)

func TestNewIDQualified(t *testing.T) {
	id := NewID("source")
	if !strings.HasPrefix(id, "source:") {
		t.Fatalf("NewID = %q, want source: prefix", id)
	}
	table, opaque := SplitID(id)
	if table != "source" || opaque == "" {
		t.Errorf("SplitID(%q) = (%q, %q)", id, table, opaque)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID("command")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestQualifyID(t *testing.T) {
	tests := []struct {
		table, id, want string
	}{
		{"source", "abc123", "source:abc123"},
		{"source", "source:abc123", "source:abc123"},
		{"notebook", "source:abc123", "source:abc123"}, // already qualified wins
		{"command", "", "command:"},
	}
	for _, tt := range tests {
		if got := QualifyID(tt.table, tt.id); got != tt.want {
			t.Errorf("QualifyID(%q, %q) = %q, want %q", tt.table, tt.id, got, tt.want)
		}
	}
}

func TestValidProvider(t *testing.T) {
	for _, p := range KnownProviders() {
		if !ValidProvider(p) {
			t.Errorf("ValidProvider(%q) = false", p)
		}
	}
	if ValidProvider("ollama") {
		t.Error("ollama should not be a recognized provider")
	}
	if ValidProvider("") {
		t.Error("empty provider should not validate")
	}
}

func TestCommandInputAccessors(t *testing.T) {
	cmd := &Command{
		Namespace: "source",
		Name:      "process",
		Input: map[string]interface{}{
			"source_id": "source:abc",
			"embed":     true,
			// JSON decoding yields []interface{} for arrays.
			"notebook_ids": []interface{}{"notebook:1", "notebook:2"},
		},
	}
	if got := cmd.Handle(); got != "source.process" {
		t.Errorf("Handle() = %q", got)
	}
	if got := cmd.InputString("source_id"); got != "source:abc" {
		t.Errorf("InputString(source_id) = %q", got)
	}
	if got := cmd.InputString("missing"); got != "" {
		t.Errorf("InputString(missing) = %q, want empty", got)
	}
	if !cmd.InputBool("embed") {
		t.Error("InputBool(embed) = false")
	}
	ids := cmd.InputStrings("notebook_ids")
	if len(ids) != 2 || ids[0] != "notebook:1" || ids[1] != "notebook:2" {
		t.Errorf("InputStrings(notebook_ids) = %v", ids)
	}
	if got := (&Command{}).InputStrings("x"); got != nil {
		t.Errorf("nil input InputStrings = %v, want nil", got)
	}
}
