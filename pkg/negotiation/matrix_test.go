package negotiation

import (
	"errors"
	"testing"
)

var testExplanation = "Holding an even split while I probe who is willing to trade votes for tokens."

// evenRow builds a valid 4N row: even proposal and vote sections, empty
// offers and requests.
func evenRow(n int) []float64 {
	row := make([]float64, 4*n)
	for j := 0; j < n; j++ {
		row[j] = 100 / float64(n)
		row[n+j] = 100 / float64(n)
	}
	return row
}

func TestMatrix_ApplyRowAccepted(t *testing.T) {
	players := []string{"a", "b", "c", "d"}
	m := NewMatrix(players)

	row := evenRow(4)
	if err := m.ApplyRow("b", 1, row, testExplanation, 1, DefaultSelfShareFloor); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if m.ModificationCount(1) != 1 {
		t.Errorf("expected mod count 1, got %d", m.ModificationCount(1))
	}
	got := m.Row(1)
	for j := range row {
		if got[j] != row[j] {
			t.Fatalf("cell %d: got %v want %v", j, got[j], row[j])
		}
	}
	exps := m.Explanations(1)
	if len(exps) != 1 || exps[0].Explanation != testExplanation {
		t.Error("explanation log missing accepted update")
	}
}

func TestMatrix_ApplyRowOwnership(t *testing.T) {
	m := NewMatrix([]string{"a", "b", "c"})

	err := m.ApplyRow("a", 1, evenRow(3), testExplanation, 1, DefaultSelfShareFloor)
	if !errors.Is(err, ErrRowOwnership) {
		t.Fatalf("expected ErrRowOwnership, got %v", err)
	}
	vs := m.Violations()
	if len(vs) != 1 || vs[0].Type != ViolationOwnership || vs[0].PlayerID != "a" {
		t.Errorf("ownership violation not logged: %+v", vs)
	}
	if m.ModificationCount(1) != 0 {
		t.Error("refused write must not bump the mod count")
	}
}

func TestMatrix_ApplyRowRejectsShortExplanation(t *testing.T) {
	m := NewMatrix([]string{"a", "b"})

	err := m.ApplyRow("a", 0, evenRow(2), "too short", 1, DefaultSelfShareFloor)
	if !errors.Is(err, ErrRowInvalid) {
		t.Fatalf("expected ErrRowInvalid, got %v", err)
	}
	vs := m.Violations()
	if len(vs) != 1 || vs[0].Type != ViolationParseFailure {
		t.Errorf("expected a PARSE_FAILURE violation, got %+v", vs)
	}
}

func TestMatrix_ApplyRowRejectsBadSum(t *testing.T) {
	m := NewMatrix([]string{"a", "b", "c", "d"})

	// Proposal section sums to 97, outside the tolerance window.
	row := evenRow(4)
	row[0] = 22
	err := m.ApplyRow("a", 0, row, testExplanation, 2, DefaultSelfShareFloor)
	if !errors.Is(err, ErrRowInvalid) {
		t.Fatalf("expected ErrRowInvalid, got %v", err)
	}
	if m.ModificationCount(0) != 0 {
		t.Error("invalid row must not bump the mod count")
	}
	for _, v := range m.Row(0) {
		if v != 0 {
			t.Fatal("invalid row must leave the matrix untouched")
		}
	}
	vs := m.Violations()
	if len(vs) != 1 || vs[0].Type != ViolationInvalidMatrix || vs[0].Round != 2 {
		t.Errorf("expected an INVALID_MATRIX violation for round 2, got %+v", vs)
	}
}

func TestMatrix_ApplyRowRejectsOutOfRangeCell(t *testing.T) {
	m := NewMatrix([]string{"a", "b"})

	row := evenRow(2)
	row[4] = -3 // offer cell below zero
	if err := m.ApplyRow("a", 0, row, testExplanation, 1, DefaultSelfShareFloor); !errors.Is(err, ErrRowInvalid) {
		t.Errorf("expected ErrRowInvalid, got %v", err)
	}

	if err := m.ApplyRow("a", 0, evenRow(2)[:5], testExplanation, 1, DefaultSelfShareFloor); !errors.Is(err, ErrBadRowWidth) {
		t.Errorf("expected ErrBadRowWidth, got %v", err)
	}
}

func TestMatrix_SelfShareFloor(t *testing.T) {
	m := NewMatrix([]string{"a", "b", "c", "d"})

	// Self-share 10 is below the floor for a live player.
	row := evenRow(4)
	row[0] = 10
	row[1] = 40
	if err := m.ApplyRow("a", 0, row, testExplanation, 1, DefaultSelfShareFloor); !errors.Is(err, ErrRowInvalid) {
		t.Fatalf("expected floor rejection, got %v", err)
	}

	// Eliminated owners are exempt.
	m.MarkEliminated("a")
	if err := m.ApplyRow("a", 0, row, testExplanation, 2, DefaultSelfShareFloor); err != nil {
		t.Errorf("eliminated owner should be exempt from the floor: %v", err)
	}
}

func TestMatrix_DefaultRowIsValid(t *testing.T) {
	for _, n := range []int{2, 3, 4, 6, 10} {
		players := make([]string, n)
		for i := range players {
			players[i] = string(rune('a' + i))
		}
		m := NewMatrix(players)
		row := DefaultRow(n, 1%n, DefaultSelfShareFloor)
		if err := m.ApplyRow(players[1%n], 1%n, row, testExplanation, 1, DefaultSelfShareFloor); err != nil {
			t.Errorf("n=%d: auto-play row rejected: %v", n, err)
		}
	}
}

func TestMatrix_SnapshotRestore(t *testing.T) {
	m := NewMatrix([]string{"a", "b", "c"})
	row := evenRow(3)
	if err := m.ApplyRow("b", 1, row, testExplanation, 1, DefaultSelfShareFloor); err != nil {
		t.Fatalf("apply: %v", err)
	}
	m.MarkEliminated("c")
	m.RecordViolation("a", ViolationParseFailure, "unparseable reply", 1)

	snap := m.Snapshot()
	r := RestoreMatrix(snap)

	if r.Size() != 3 {
		t.Fatalf("restored size %d", r.Size())
	}
	if r.ModificationCount(1) != 1 {
		t.Error("mod count lost in round-trip")
	}
	got := r.Row(1)
	for j := range row {
		if got[j] != row[j] {
			t.Fatalf("restored cell %d: got %v want %v", j, got[j], row[j])
		}
	}
	if len(r.Violations()) != 1 {
		t.Error("violation log lost in round-trip")
	}
	if len(r.Explanations(1)) != 1 {
		t.Error("explanation log lost in round-trip")
	}
	// Eliminated flag must survive so the floor exemption still applies.
	low := evenRow(3)
	low[2] = 5
	low[0] = 61.67
	if err := r.ApplyRow("c", 2, low, testExplanation, 2, DefaultSelfShareFloor); err != nil {
		t.Errorf("restored eliminated flag not honored: %v", err)
	}
}

func TestMatrix_ProposalFromRow(t *testing.T) {
	m := NewMatrix([]string{"a", "b", "c"})

	if _, ok := m.ProposalFromRow(0); ok {
		t.Fatal("zero row should yield no proposal")
	}

	row := make([]float64, 12)
	row[0], row[1], row[2] = 40, 33.3, 26.7
	row[3], row[4], row[5] = 100/3.0, 100/3.0, 100/3.0
	if err := m.ApplyRow("a", 0, row, testExplanation, 1, DefaultSelfShareFloor); err != nil {
		t.Fatalf("apply: %v", err)
	}
	p, ok := m.ProposalFromRow(0)
	if !ok {
		t.Fatal("expected a proposal")
	}
	if p.ProposerID != "a" {
		t.Errorf("proposer %q", p.ProposerID)
	}
	sum := 0
	for _, v := range p.Allocation {
		sum += v
	}
	if sum != 100 {
		t.Errorf("proposal sums to %d, want 100", sum)
	}
}

func TestMatrix_VoteFromRow(t *testing.T) {
	m := NewMatrix([]string{"a", "b", "c"})

	row := evenRow(3)
	row[3], row[4], row[5] = 60, 30, 10
	if err := m.ApplyRow("a", 0, row, testExplanation, 1, DefaultSelfShareFloor); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Only a and b proposed; c's weight is dropped and the rest renormalizes.
	v, ok := m.VoteFromRow(0, []string{"a", "b"})
	if !ok {
		t.Fatal("expected a vote")
	}
	if v["a"]+v["b"] != 100 {
		t.Errorf("vote sums to %d, want 100", v["a"]+v["b"])
	}
	if v["a"] <= v["b"] {
		t.Errorf("relative weights lost: %+v", v)
	}

	if _, ok := m.VoteFromRow(1, []string{"a", "b"}); ok {
		t.Error("zero vote section should yield no vote")
	}
}

func TestMatrix_OffersAndRequests(t *testing.T) {
	m := NewMatrix([]string{"a", "b"})

	row := evenRow(2)
	row[4], row[5] = 0, 20 // offer 20 votes to b
	row[6], row[7] = 0, 35 // request 35 tokens from b
	if err := m.ApplyRow("a", 0, row, testExplanation, 1, DefaultSelfShareFloor); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := m.OffersFromRow(0)["b"]; got != 20 {
		t.Errorf("offer to b: got %d want 20", got)
	}
	if got := m.RequestsFromRow(0)["b"]; got != 35 {
		t.Errorf("request from b: got %d want 35", got)
	}
}
