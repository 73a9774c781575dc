package consent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// stepClock hands out strictly increasing timestamps one second apart.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := next
		next = next.Add(time.Second)
		return t
	}
}

func testLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	ledger := NewLedger(store, WithClock(stepClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))))
	return ledger, store
}

func TestRecordBuildsHashChain(t *testing.T) {
	ledger, _ := testLedger(t)
	ctx := context.Background()

	first, err := ledger.Record(ctx, Draft{
		UserID: "u1", Action: ActionOptIn, Scope: "location", Purpose: "insight_generation",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	second, err := ledger.Record(ctx, Draft{
		UserID: "u1", Action: ActionOptOut, Scope: "location", Purpose: "insight_generation",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	if first.PrevHash != GenesisHash {
		t.Errorf("first event prev_hash = %q, want genesis sentinel", first.PrevHash)
	}
	if second.PrevHash != first.Hash {
		t.Errorf("second event prev_hash = %q, want %q", second.PrevHash, first.Hash)
	}
	if got := EventHash(second); got != second.Hash {
		t.Errorf("stored hash %q does not recompute: %q", second.Hash, got)
	}

	report, err := ledger.Verify(ctx, "u1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !report.OK || report.EventsChecked != 2 || len(report.Inconsistencies) != 0 {
		t.Errorf("Verify = %+v, want ok with 2 events and no inconsistencies", report)
	}
}

func TestVerifyDetectsTamperedHash(t *testing.T) {
	ledger, store := testLedger(t)
	ctx := context.Background()

	for _, action := range []Action{ActionOptIn, ActionOptOut} {
		if _, err := ledger.Record(ctx, Draft{
			UserID: "u1", Action: action, Scope: "location", Purpose: "insight_generation",
		}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	// Flip one character of the second event's stored hash.
	events, _ := store.History(ctx, "u1")
	tampered := events[1]
	if tampered.Hash[0] == 'f' {
		tampered.Hash = "0" + tampered.Hash[1:]
	} else {
		tampered.Hash = "f" + tampered.Hash[1:]
	}

	report, err := ledger.Verify(ctx, "u1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.OK {
		t.Fatal("Verify reported ok on a tampered chain")
	}
	if len(report.Inconsistencies) != 1 {
		t.Fatalf("inconsistencies = %d, want 1: %+v", len(report.Inconsistencies), report.Inconsistencies)
	}
	if report.Inconsistencies[0].Kind != KindHashMismatch {
		t.Errorf("kind = %q, want %q", report.Inconsistencies[0].Kind, KindHashMismatch)
	}
}

func TestVerifyDetectsBrokenLinkage(t *testing.T) {
	ledger, store := testLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		action := ActionOptIn
		if i%2 == 1 {
			action = ActionOptOut
		}
		if _, err := ledger.Record(ctx, Draft{UserID: "u1", Action: action, Scope: "all", Purpose: "all"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	events, _ := store.History(ctx, "u1")
	events[2].PrevHash = "deadbeef"

	report, err := ledger.Verify(ctx, "u1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if report.OK {
		t.Fatal("Verify reported ok on a broken chain")
	}
	// The stored hash covers prev_hash, so the same event also fails
	// recomputation.
	kinds := make(map[string]int)
	for _, inc := range report.Inconsistencies {
		kinds[inc.Kind]++
	}
	if kinds[KindChainBroken] != 1 || kinds[KindHashMismatch] != 1 {
		t.Errorf("kinds = %v, want one linkage break and one hash mismatch", kinds)
	}
}

func TestChainsAreIndependentPerUser(t *testing.T) {
	ledger, _ := testLedger(t)
	ctx := context.Background()

	a, _ := ledger.Record(ctx, Draft{UserID: "alice", Action: ActionOptIn, Scope: "all", Purpose: "all"})
	b, err := ledger.Record(ctx, Draft{UserID: "bob", Action: ActionOptIn, Scope: "all", Purpose: "all"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if a.PrevHash != GenesisHash || b.PrevHash != GenesisHash {
		t.Errorf("both users' first events must start at the genesis sentinel, got %q and %q", a.PrevHash, b.PrevHash)
	}

	report, err := ledger.Verify(ctx, "")
	if err != nil {
		t.Fatalf("Verify all: %v", err)
	}
	if !report.OK || report.EventsChecked != 2 {
		t.Errorf("Verify all = %+v, want ok with 2 events", report)
	}
}

func TestRecordRejectsInvalidDrafts(t *testing.T) {
	ledger, _ := testLedger(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		draft Draft
	}{
		{"missing user", Draft{Action: ActionOptIn}},
		{"unknown action", Draft{UserID: "u1", Action: "subscribe"}},
		{"unknown initiator", Draft{UserID: "u1", Action: ActionOptIn, InitiatedBy: "robot"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ledger.Record(ctx, tc.draft); !errors.Is(err, ErrInvalidEvent) {
				t.Errorf("Record(%+v) error = %v, want ErrInvalidEvent", tc.draft, err)
			}
		})
	}
}

func TestRecordNormalizesScopeAndPurpose(t *testing.T) {
	ledger, _ := testLedger(t)
	ev, err := ledger.Record(context.Background(), Draft{
		UserID: "u1", Action: ActionOptIn, Scope: "  Location ", Purpose: "Insight_Generation",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if ev.Scope != "location" || ev.Purpose != "insight_generation" {
		t.Errorf("normalized to (%q, %q), want (location, insight_generation)", ev.Scope, ev.Purpose)
	}
}

func TestRecordMirrorsToWitness(t *testing.T) {
	dir := t.TempDir()
	witness, err := OpenFileWitness(filepath.Join(dir, "ledger.jsonl"))
	if err != nil {
		t.Fatalf("OpenFileWitness: %v", err)
	}
	defer witness.Close()

	store := NewMemoryStore()
	ledger := NewLedger(store,
		WithClock(stepClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))),
		WithWitness(witness),
	)
	ctx := context.Background()

	want, err := ledger.Record(ctx, Draft{
		UserID: "u1", Action: ActionOptIn, Scope: "location", Purpose: "all",
		Metadata: Metadata{"source": "settings_page"},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	lines, err := witness.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("witness lines = %d, want 1", len(lines))
	}
	got := lines[0]
	if got.ID != want.ID || got.Hash != want.Hash || got.PrevHash != want.PrevHash {
		t.Errorf("witness line = %+v, want %+v", got, want)
	}
	if !got.Timestamp.Equal(want.Timestamp) {
		t.Errorf("witness timestamp = %v, want %v", got.Timestamp, want.Timestamp)
	}
	if got.Metadata["source"] != "settings_page" {
		t.Errorf("witness metadata = %v", got.Metadata)
	}
	if report := VerifyEvents(lines); !report.OK {
		t.Errorf("witness chain does not verify: %+v", report.Inconsistencies)
	}
}

func TestRecordRollsBackOnWitnessFailure(t *testing.T) {
	store := NewMemoryStore()
	ledger := NewLedger(store,
		WithClock(stepClock(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))),
		WithWitness(failingWitness{}),
	)

	_, err := ledger.Record(context.Background(), Draft{UserID: "u1", Action: ActionOptIn, Scope: "all", Purpose: "all"})
	if !errors.Is(err, ErrLedgerWrite) {
		t.Fatalf("Record error = %v, want ErrLedgerWrite", err)
	}
	events, _ := store.History(context.Background(), "u1")
	if len(events) != 0 {
		t.Errorf("store kept %d events after witness failure, want 0", len(events))
	}
}

type failingWitness struct{}

func (failingWitness) Append(*Event) (func() error, error) {
	return nil, errors.New("disk full")
}

func TestWitnessRevertTruncates(t *testing.T) {
	dir := t.TempDir()
	witness, err := OpenFileWitness(filepath.Join(dir, "ledger.jsonl"))
	if err != nil {
		t.Fatalf("OpenFileWitness: %v", err)
	}
	defer witness.Close()

	e := &Event{ID: 1, UserID: "u1", Action: ActionOptIn, Timestamp: time.Now().UTC(), PrevHash: GenesisHash}
	e.Hash = EventHash(e)
	if _, err := witness.Append(e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	e2 := &Event{ID: 2, UserID: "u1", Action: ActionOptOut, Timestamp: time.Now().UTC(), PrevHash: e.Hash}
	e2.Hash = EventHash(e2)
	revert, err := witness.Append(e2)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := revert(); err != nil {
		t.Fatalf("revert: %v", err)
	}

	lines, err := witness.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll after revert: %v", err)
	}
	if len(lines) != 1 || lines[0].ID != 1 {
		t.Errorf("witness after revert has %d lines, want only the first event", len(lines))
	}
}

func TestExportRangeBounds(t *testing.T) {
	ledger, _ := testLedger(t)
	ctx := context.Background()

	var stamps []time.Time
	for i := 0; i < 3; i++ {
		ev, err := ledger.Record(ctx, Draft{UserID: "u1", Action: ActionOptIn, Scope: "all", Purpose: "all"})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		stamps = append(stamps, ev.Timestamp)
	}

	got, err := ledger.ExportRange(ctx, &stamps[1], nil)
	if err != nil {
		t.Fatalf("ExportRange: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("open-ended range from second event returned %d events, want 2", len(got))
	}

	got, err = ledger.ExportRange(ctx, &stamps[0], &stamps[1])
	if err != nil {
		t.Fatalf("ExportRange: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("bounded range returned %d events, want 2", len(got))
	}
}

func TestEventJSONWireFormat(t *testing.T) {
	e := &Event{
		ID: 7, UserID: "u1", Action: ActionOptOut,
		Timestamp:   time.Date(2025, 3, 1, 10, 0, 0, 500000000, time.UTC),
		OfferID:     OfferSystemRestriction,
		Scope:       "all",
		Purpose:     "all",
		InitiatedBy: InitiatorUserDSR,
		PrevHash:    "abc",
	}
	e.Hash = EventHash(e)

	raw, err := e.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	if !strings.Contains(string(raw), `"timestamp":"2025-03-01T10:00:00.5Z"`) {
		t.Errorf("wire timestamp not ISO-8601 UTC: %s", raw)
	}

	var back Event
	if err := back.UnmarshalJSON(raw); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if !back.Timestamp.Equal(e.Timestamp) || back.Hash != e.Hash || back.OfferID != e.OfferID {
		t.Errorf("round trip = %+v, want %+v", back, e)
	}
}
