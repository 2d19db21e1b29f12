package service

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLedger_RecordIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hash := strings.Repeat("ab", 32)

	first, err := h.ledger.Record(ctx, hash, "clip.mov", "tustin", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := h.ledger.Record(ctx, hash, "renamed.mov", "burbank", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if *first != *second {
		t.Errorf("second record changed the entry: %+v vs %+v", first, second)
	}
	if second.Filename != "clip.mov" || second.SourceSite != "tustin" {
		t.Errorf("expected original entry, got %+v", second)
	}
	if h.repo.LedgerCount() != 1 {
		t.Errorf("expected one ledger entry, got %d", h.repo.LedgerCount())
	}
}

func TestLedger_SeenIncludesFileRecords(t *testing.T) {
	h := newHarness(t)
	h.addSite(t, "tustin")
	ctx := context.Background()
	f := ingestOne(t, h, "/exports/old.mov", 40)

	// Simulate a record ingested before the ledger existed.
	h.repo.DeleteLedgerEntry(ctx, f.SHA256Hash)

	seen, err := h.ledger.Seen(ctx, f.SHA256Hash)
	if err != nil || !seen {
		t.Errorf("Seen() = %v, %v; want true", seen, err)
	}
	seen, _ = h.ledger.Seen(ctx, strings.Repeat("0", 64))
	if seen {
		t.Error("unknown hash reported as seen")
	}
}

func TestLedger_Forget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	hash := strings.Repeat("cd", 32)
	h.ledger.Record(ctx, hash, "clip.mov", "tustin", 10)

	if err := h.ledger.Forget(ctx, hash, operator); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := h.ledger.Lookup(ctx, hash); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := h.ledger.Forget(ctx, hash, operator); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second forget, got %v", err)
	}

	recent, _ := h.repo.RecentAudit(ctx, 1)
	if len(recent) != 1 || recent[0].Action != "Ledger override" || recent[0].FileID != nil {
		t.Errorf("expected override audit entry, got %+v", recent)
	}
}

func TestNormalizeHash(t *testing.T) {
	valid := strings.Repeat("a", 64)
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{valid, valid, false},
		{strings.ToUpper(valid), valid, false},
		{"  " + valid + "\n", valid, false},
		{strings.Repeat("a", 63), "", true},
		{strings.Repeat("g", 64), "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeHash(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("NormalizeHash(%q) = %q, %v", tt.in, got, err)
		}
	}
}
