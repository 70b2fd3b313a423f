package negotiation

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"gorgonia.org/tensor"
)

// ViolationType classifies a rejected matrix operation.
type ViolationType string

const (
	ViolationParseFailure  ViolationType = "PARSE_FAILURE"
	ViolationInvalidMatrix ViolationType = "INVALID_MATRIX"
	ViolationOwnership     ViolationType = "OWNERSHIP"
)

// Violation is one append-only log entry for a refused update.
type Violation struct {
	Type      ViolationType `json:"type"`
	PlayerID  string        `json:"player_id"`
	Details   string        `json:"details"`
	Round     int           `json:"round"`
	Timestamp time.Time     `json:"timestamp"`
}

// RowExplanation records the reasoning attached to one accepted row update.
type RowExplanation struct {
	Round       int       `json:"round"`
	Explanation string    `json:"explanation"`
	Snapshot    []float64 `json:"snapshot"`
	Timestamp   time.Time `json:"timestamp"`
}

// MatrixSnapshot is the JSON-serializable form of a Matrix, embedded in the
// persisted GameState.
type MatrixSnapshot struct {
	Players      []string                    `json:"players"`
	Eliminated   []bool                      `json:"eliminated"`
	Rows         [][]float64                 `json:"rows"`
	ModCount     []int                       `json:"mod_count"`
	LastModified []time.Time                 `json:"last_modified"`
	Explanations map[string][]RowExplanation `json:"explanations,omitempty"`
	Violations   []Violation                 `json:"violations,omitempty"`
}

func (s *MatrixSnapshot) clone() *MatrixSnapshot {
	cp := &MatrixSnapshot{
		Players:      append([]string(nil), s.Players...),
		Eliminated:   append([]bool(nil), s.Eliminated...),
		ModCount:     append([]int(nil), s.ModCount...),
		LastModified: append([]time.Time(nil), s.LastModified...),
		Violations:   append([]Violation(nil), s.Violations...),
	}
	cp.Rows = make([][]float64, len(s.Rows))
	for i, r := range s.Rows {
		cp.Rows[i] = append([]float64(nil), r...)
	}
	if s.Explanations != nil {
		cp.Explanations = make(map[string][]RowExplanation, len(s.Explanations))
		for k, v := range s.Explanations {
			cp.Explanations[k] = append([]RowExplanation(nil), v...)
		}
	}
	return cp
}

// Matrix is the N×4N negotiation substrate for one game. Row i is owned by
// player i and partitions into four N-wide sections: token proposal, vote
// allocation, vote offers, vote requests. All mutation goes through
// ApplyRow, which enforces single-writer-per-row and the numeric invariants.
type Matrix struct {
	mu sync.Mutex

	n            int
	owners       []string
	ownerIdx     map[string]int
	eliminated   []bool
	data         *tensor.Dense // shape (n, 4n)
	modCount     []int
	lastModified []time.Time
	explanations [][]RowExplanation
	violations   []Violation
}

var (
	ErrRowOwnership = errors.New("row is not owned by caller")
	ErrRowInvalid   = errors.New("matrix row failed validation")
	ErrBadRowWidth  = errors.New("matrix row has wrong width")
)

// NewMatrix sizes and zero-fills the substrate for the given roster.
func NewMatrix(players []string) *Matrix {
	n := len(players)
	m := &Matrix{
		n:            n,
		owners:       append([]string(nil), players...),
		ownerIdx:     make(map[string]int, n),
		eliminated:   make([]bool, n),
		data:         tensor.New(tensor.WithShape(n, 4*n), tensor.Of(tensor.Float64)),
		modCount:     make([]int, n),
		lastModified: make([]time.Time, n),
		explanations: make([][]RowExplanation, n),
	}
	for i, p := range players {
		m.ownerIdx[p] = i
	}
	return m
}

// RestoreMatrix rebuilds a Matrix from a persisted snapshot.
func RestoreMatrix(snap *MatrixSnapshot) *Matrix {
	m := NewMatrix(snap.Players)
	backing := m.data.Data().([]float64)
	for i, row := range snap.Rows {
		if i >= m.n || len(row) != 4*m.n {
			continue
		}
		copy(backing[i*4*m.n:(i+1)*4*m.n], row)
	}
	copy(m.eliminated, snap.Eliminated)
	copy(m.modCount, snap.ModCount)
	copy(m.lastModified, snap.LastModified)
	for i, p := range snap.Players {
		if exp, ok := snap.Explanations[p]; ok && i < m.n {
			m.explanations[i] = append([]RowExplanation(nil), exp...)
		}
	}
	m.violations = append([]Violation(nil), snap.Violations...)
	return m
}

// Size returns N, the roster size the matrix was initialized with.
func (m *Matrix) Size() int { return m.n }

// Owners returns the roster in row order.
func (m *Matrix) Owners() []string { return append([]string(nil), m.owners...) }

// OwnerIndex returns the row index owned by a player, or -1.
func (m *Matrix) OwnerIndex(playerID string) int {
	if i, ok := m.ownerIdx[playerID]; ok {
		return i
	}
	return -1
}

// MarkEliminated flags a row owner as eliminated. The row survives; the
// self-share floor stops applying to it.
func (m *Matrix) MarkEliminated(playerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.ownerIdx[playerID]; ok {
		m.eliminated[i] = true
	}
}

// row returns the live backing slice for row i. Caller must hold m.mu or
// copy before releasing it.
func (m *Matrix) row(i int) []float64 {
	backing := m.data.Data().([]float64)
	return backing[i*4*m.n : (i+1)*4*m.n]
}

// Row returns a copy of row i.
func (m *Matrix) Row(i int) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.row(i)...)
}

// ModificationCount returns how many accepted updates row i has had.
func (m *Matrix) ModificationCount(i int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.modCount[i]
}

// Violations returns a copy of the violation log.
func (m *Matrix) Violations() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Violation(nil), m.violations...)
}

// Explanations returns a copy of the explanation log for row i.
func (m *Matrix) Explanations(i int) []RowExplanation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RowExplanation(nil), m.explanations[i]...)
}

// RecordViolation appends a refusal entry without touching matrix data.
// The agent driver uses this for parse failures it detects upstream.
func (m *Matrix) RecordViolation(playerID string, vt ViolationType, details string, round int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, Violation{
		Type: vt, PlayerID: playerID, Details: details, Round: round, Timestamp: time.Now().UTC(),
	})
}

// validateRow checks the numeric invariants for a candidate row. The
// self-share floor applies only to non-eliminated owners; eliminated rows
// may still populate vote allocation, offers and requests.
func (m *Matrix) validateRow(rowIdx int, row []float64, selfShareFloor float64) error {
	if len(row) != 4*m.n {
		return fmt.Errorf("%w: got %d cells, want %d", ErrBadRowWidth, len(row), 4*m.n)
	}
	for j, v := range row {
		if math.IsNaN(v) || v < 0 || v > 100 {
			return fmt.Errorf("%w: cell %d out of range: %v", ErrRowInvalid, j, v)
		}
	}
	propSum := sumRange(row, 0, m.n)
	if math.Abs(propSum-100) > SumTolerance {
		return fmt.Errorf("%w: proposal section sums to %.2f", ErrRowInvalid, propSum)
	}
	voteSum := sumRange(row, m.n, 2*m.n)
	if math.Abs(voteSum-100) > SumTolerance {
		return fmt.Errorf("%w: vote section sums to %.2f", ErrRowInvalid, voteSum)
	}
	if !m.eliminated[rowIdx] && row[rowIdx] < selfShareFloor {
		return fmt.Errorf("%w: self-share %.2f below floor %.2f", ErrRowInvalid, row[rowIdx], selfShareFloor)
	}
	return nil
}

// ApplyRow atomically replaces row ownerIdx after validating ownership, the
// explanation, and the numeric invariants. Failures are logged as
// violations and leave the matrix untouched.
func (m *Matrix) ApplyRow(playerID string, rowIdx int, row []float64, explanation string, round int, selfShareFloor float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rowIdx < 0 || rowIdx >= m.n || m.owners[rowIdx] != playerID {
		m.violations = append(m.violations, Violation{
			Type: ViolationOwnership, PlayerID: playerID,
			Details:   fmt.Sprintf("attempted write to row %d", rowIdx),
			Round:     round,
			Timestamp: time.Now().UTC(),
		})
		return ErrRowOwnership
	}

	if len(strings.TrimSpace(explanation)) < MinExplanationLen {
		m.violations = append(m.violations, Violation{
			Type: ViolationParseFailure, PlayerID: playerID,
			Details:   fmt.Sprintf("explanation too short (%d chars)", len(strings.TrimSpace(explanation))),
			Round:     round,
			Timestamp: time.Now().UTC(),
		})
		return fmt.Errorf("%w: explanation below %d chars", ErrRowInvalid, MinExplanationLen)
	}

	if err := m.validateRow(rowIdx, row, selfShareFloor); err != nil {
		m.violations = append(m.violations, Violation{
			Type: ViolationInvalidMatrix, PlayerID: playerID,
			Details: err.Error(), Round: round, Timestamp: time.Now().UTC(),
		})
		return err
	}

	copy(m.row(rowIdx), row)
	m.modCount[rowIdx]++
	m.lastModified[rowIdx] = time.Now().UTC()
	m.explanations[rowIdx] = append(m.explanations[rowIdx], RowExplanation{
		Round:       round,
		Explanation: explanation,
		Snapshot:    append([]float64(nil), row...),
		Timestamp:   time.Now().UTC(),
	})
	return nil
}

// Snapshot returns a stable copy of the full matrix, suitable for
// persistence inside GameState.
func (m *Matrix) Snapshot() *MatrixSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &MatrixSnapshot{
		Players:      append([]string(nil), m.owners...),
		Eliminated:   append([]bool(nil), m.eliminated...),
		ModCount:     append([]int(nil), m.modCount...),
		LastModified: append([]time.Time(nil), m.lastModified...),
		Violations:   append([]Violation(nil), m.violations...),
		Explanations: make(map[string][]RowExplanation, m.n),
	}
	snap.Rows = make([][]float64, m.n)
	for i := 0; i < m.n; i++ {
		snap.Rows[i] = append([]float64(nil), m.row(i)...)
		if len(m.explanations[i]) > 0 {
			snap.Explanations[m.owners[i]] = append([]RowExplanation(nil), m.explanations[i]...)
		}
	}
	return snap
}

// ProposalFromRow derives an integer token proposal from row i: each cell of
// the proposal section is rounded and the largest cell is adjusted so the
// total is exactly 100. Returns ok=false when the section is empty (all
// zeros), which callers treat as "no usable proposal".
func (m *Matrix) ProposalFromRow(i int) (Proposal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.row(i)
	section := row[0:m.n]
	if sumRange(section, 0, m.n) < 1 {
		return Proposal{}, false
	}
	ints := roundToSum(section, 100)
	alloc := make(map[string]int, m.n)
	for j, owner := range m.owners {
		alloc[owner] = ints[j]
	}
	return Proposal{ProposerID: m.owners[i], Allocation: alloc}, true
}

// VoteFromRow maps the vote-allocation section of row i onto the current
// proposer list by column index. Slots without a matching column are
// zero-weighted before normalizing; the result sums to exactly 100.
func (m *Matrix) VoteFromRow(i int, proposers []string) (Vote, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.row(i)
	weights := make([]float64, len(proposers))
	var total float64
	for j, pid := range proposers {
		col := -1
		if idx, ok := m.ownerIdx[pid]; ok {
			col = idx
		}
		if col < 0 {
			continue
		}
		weights[j] = row[m.n+col]
		total += weights[j]
	}
	if total < 1 {
		return nil, false
	}
	for j := range weights {
		weights[j] = weights[j] / total * 100
	}
	ints := roundToSum(weights, 100)
	vote := make(Vote, len(proposers))
	for j, pid := range proposers {
		vote[pid] = ints[j]
	}
	return vote, true
}

// OffersFromRow returns the vote-offer section of row i keyed by player ID.
func (m *Matrix) OffersFromRow(i int) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.row(i)
	out := make(map[string]int, m.n)
	for j, owner := range m.owners {
		out[owner] = int(math.Round(row[2*m.n+j]))
	}
	return out
}

// RequestsFromRow returns the vote-request section of row i keyed by player ID.
func (m *Matrix) RequestsFromRow(i int) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.row(i)
	out := make(map[string]int, m.n)
	for j, owner := range m.owners {
		out[owner] = int(math.Round(row[3*m.n+j]))
	}
	return out
}

// DisplayResults renders a human-readable summary of the matrix, used for
// observability only.
func (m *Matrix) DisplayResults() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "negotiation matrix (%d players, %d violations)\n", m.n, len(m.violations))
	for i, owner := range m.owners {
		row := m.row(i)
		status := ""
		if m.eliminated[i] {
			status = " [eliminated]"
		}
		fmt.Fprintf(&b, "%s%s (mods=%d)\n", owner, status, m.modCount[i])
		fmt.Fprintf(&b, "  proposal: %s\n", fmtSection(row[0:m.n]))
		fmt.Fprintf(&b, "  votes:    %s\n", fmtSection(row[m.n:2*m.n]))
		fmt.Fprintf(&b, "  offers:   %s\n", fmtSection(row[2*m.n:3*m.n]))
		fmt.Fprintf(&b, "  requests: %s\n", fmtSection(row[3*m.n:4*m.n]))
	}
	return b.String()
}

func fmtSection(vals []float64) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%5.1f", v)
	}
	return strings.Join(parts, " ")
}

func sumRange(row []float64, lo, hi int) float64 {
	var s float64
	for _, v := range row[lo:hi] {
		s += v
	}
	return s
}

// roundToSum rounds each value and adjusts the largest cell so the total is
// exactly target.
func roundToSum(vals []float64, target int) []int {
	ints := make([]int, len(vals))
	sum := 0
	largest := 0
	for i, v := range vals {
		ints[i] = int(math.Round(v))
		sum += ints[i]
		if vals[i] > vals[largest] {
			largest = i
		}
	}
	ints[largest] += target - sum
	if ints[largest] < 0 {
		// Degenerate rounding; clamp and push the remainder onto the
		// next-largest cell.
		deficit := -ints[largest]
		ints[largest] = 0
		for i := range ints {
			if i != largest && ints[i] >= deficit {
				ints[i] -= deficit
				break
			}
		}
	}
	return ints
}
