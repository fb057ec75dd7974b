// Package transition holds the charge status state machine.
//
// A Table is built once and shared read-only. Every legal (from, to) pair is an
// Edge; edges that carry an event kind are externally meaningful, edges
// without one are internal locking steps that never trigger an emission.
package transition

import (
	"fmt"

	"github.com/alphagov-mirror/pay-connector/internal/domain"
)

// Edge is a legal status change. Kind is empty for locking transitions.
type Edge struct {
	From domain.ChargeStatus
	To   domain.ChargeStatus
	Kind domain.EventKind
}

type pair struct {
	from domain.ChargeStatus
	to   domain.ChargeStatus
}

var readyStates = map[domain.ChargeStatus]bool{
	domain.ChargeStatusAuthorisationReady:    true,
	domain.ChargeStatusAuthorisation3DSReady: true,
	domain.ChargeStatusCaptureReady:          true,
	domain.ChargeStatusExpireCancelReady:     true,
	domain.ChargeStatusSystemCancelReady:     true,
	domain.ChargeStatusUserCancelReady:       true,
}

// Table answers lookups over a fixed set of edges. It is safe for concurrent use.
type Table struct {
	edges         []Edge
	kinds         map[pair]domain.EventKind
	successors    map[domain.ChargeStatus][]domain.ChargeStatus
	terminalKinds map[domain.EventKind]bool
}

// NewTable builds the charge lifecycle table. It panics if the built-in edge
// list is inconsistent, which can only happen through a programming error.
func NewTable() *Table {
	t, err := NewTableFromEdges(DefaultEdges())
	if err != nil {
		panic(err)
	}
	return t
}

// NewTableFromEdges builds a table from an explicit edge list. Duplicate pairs
// and edges leaving a terminal status are rejected.
func NewTableFromEdges(edges []Edge) (*Table, error) {
	t := &Table{
		edges:         make([]Edge, 0, len(edges)),
		kinds:         make(map[pair]domain.EventKind, len(edges)),
		successors:    make(map[domain.ChargeStatus][]domain.ChargeStatus),
		terminalKinds: make(map[domain.EventKind]bool),
	}

	for _, e := range edges {
		if e.From.IsTerminal() {
			return nil, fmt.Errorf("%w: %s is terminal but has an edge to %s", domain.ErrInvalidTransition, e.From, e.To)
		}
		p := pair{from: e.From, to: e.To}
		if _, exists := t.kinds[p]; exists {
			return nil, fmt.Errorf("%w: duplicate edge %s -> %s", domain.ErrInvalidTransition, e.From, e.To)
		}
		t.kinds[p] = e.Kind
		t.successors[e.From] = append(t.successors[e.From], e.To)
		t.edges = append(t.edges, e)
		if e.Kind != "" && e.To.IsTerminal() {
			t.terminalKinds[e.Kind] = true
		}
	}

	return t, nil
}

// EventFor returns the event kind for a registered, externally meaningful
// transition. Locking transitions and unknown pairs return false.
func (t *Table) EventFor(from, to domain.ChargeStatus) (domain.EventKind, bool) {
	kind, ok := t.kinds[pair{from: from, to: to}]
	if !ok || kind == "" {
		return "", false
	}
	return kind, true
}

// IsTransitionAllowed reports whether (from, to) is a registered edge,
// including locking edges.
func (t *Table) IsTransitionAllowed(from, to domain.ChargeStatus) bool {
	_, ok := t.kinds[pair{from: from, to: to}]
	return ok
}

// IntermediateStatusFor finds a ready state that bridges from and to when the
// pair itself is not registered. Only ready states are eligible bridges, so
// a result is never a status the resource could have settled in.
func (t *Table) IntermediateStatusFor(from, to domain.ChargeStatus) (domain.ChargeStatus, bool) {
	for _, mid := range t.successors[from] {
		if !readyStates[mid] {
			continue
		}
		if t.IsTransitionAllowed(mid, to) {
			return mid, true
		}
	}
	return "", false
}

// IsIntermediateReadyState reports whether the status is a short-lived lock
// taken while a gateway operation is in flight.
func (t *Table) IsIntermediateReadyState(status domain.ChargeStatus) bool {
	return readyStates[status]
}

// LeadsToTerminal reports whether kind is emitted on some edge into a terminal status.
func (t *Table) LeadsToTerminal(kind domain.EventKind) bool {
	return t.terminalKinds[kind]
}

// Edges returns a copy of the registered edges in registration order.
func (t *Table) Edges() []Edge {
	out := make([]Edge, len(t.edges))
	copy(out, t.edges)
	return out
}
