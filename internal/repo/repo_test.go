package repo

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		table, id, want string
	}{
		{"source", "01ABC", "source:01ABC"},
		{"source", "source:01ABC", "source:01ABC"},
		{"notebook", "source:01ABC", "source:01ABC"}, // qualified ids win
		{"command", "", "command:"},
	}
	for _, tt := range tests {
		if got := NormalizeID(tt.table, tt.id); got != tt.want {
			t.Errorf("NormalizeID(%q, %q) = %q, want %q", tt.table, tt.id, got, tt.want)
		}
	}
}

func TestVectorLiteralRoundTrip(t *testing.T) {
	tests := [][]float32{
		{1, 0, 0},
		{0.25, -0.5, 3.75},
		{},
	}
	for _, v := range tests {
		lit := VectorLiteral(v)
		if len(v) > 0 && (!strings.HasPrefix(lit, "[") || !strings.HasSuffix(lit, "]")) {
			t.Errorf("VectorLiteral(%v) = %q, want bracketed", v, lit)
		}
		back, err := ParseVector(lit)
		if err != nil {
			t.Fatalf("ParseVector(%q) error = %v", lit, err)
		}
		if len(back) != len(v) {
			t.Fatalf("ParseVector(%q) length = %d, want %d", lit, len(back), len(v))
		}
		for i := range v {
			if back[i] != v[i] {
				t.Errorf("ParseVector(%q)[%d] = %v, want %v", lit, i, back[i], v[i])
			}
		}
	}
}

func TestParseVector_Malformed(t *testing.T) {
	for _, s := range []string{"1,2,3", "[1,2", "[a,b]"} {
		if _, err := ParseVector(s); err == nil {
			t.Errorf("ParseVector(%q) error = nil, want malformed error", s)
		}
	}
}

// The builders must emit placeholders, never inline caller values.
func TestSelectBuilderUsesPlaceholders(t *testing.T) {
	sql, args, err := Select("sources").
		Where(goqu.Ex{"owner": "user:1'; DROP TABLE sources;--"}).
		ToSQL()
	if err != nil {
		t.Fatalf("ToSQL() error = %v", err)
	}
	if strings.Contains(sql, "DROP TABLE") {
		t.Errorf("caller value leaked into SQL: %s", sql)
	}
	if !strings.Contains(sql, "$1") {
		t.Errorf("SQL missing placeholder: %s", sql)
	}
	if len(args) != 1 {
		t.Errorf("args = %v, want the single bound value", args)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, false},
		{"plain error", errors.New("boom"), false},
		{"eof", io.EOF, false},
	}
	for _, tt := range tests {
		if got := isTransient(tt.err); got != tt.want {
			t.Errorf("isTransient(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBackoffIntervals(t *testing.T) {
	b := newBackoff()
	first := b.NextBackOff()
	second := b.NextBackOff()
	if first.Seconds() != 2 {
		t.Errorf("first interval = %v, want 2s", first)
	}
	if second != first*2 {
		t.Errorf("second interval = %v, want doubled %v", second, first*2)
	}
}
