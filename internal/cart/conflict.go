package cart

import (
	"errors"

	"cartsync-agent/internal/orderapi"
)

// The cart may hold items from only one restaurant at a time. When the
// order service rejects an add with a structured conflict, the engine
// parks the rejected payload here and waits for a user decision: keep
// the current cart, or discard it and replace it with the new item.

var (
	// ErrConflictPending rejects a second conflicting add while a
	// decision is still outstanding.
	ErrConflictPending = errors.New("conflict resolution pending")

	// ErrNoConflict rejects a resolution call when nothing is pending.
	ErrNoConflict = errors.New("no conflict pending")
)

// ConflictContext exists only while a conflict awaits resolution.
type ConflictContext struct {
	CurrentRestaurant string
	NewRestaurant     string
	payload           orderapi.AddItemRequest
	params            AddParams
}

type conflictMachine struct {
	pending *ConflictContext
}

func (m *conflictMachine) active() bool {
	return m.pending != nil
}

func (m *conflictMachine) begin(info *orderapi.ConflictInfo, payload orderapi.AddItemRequest, params AddParams) error {
	if m.pending != nil {
		return ErrConflictPending
	}
	m.pending = &ConflictContext{
		payload: payload,
		params:  params,
	}
	if info != nil {
		m.pending.CurrentRestaurant = info.CurrentRestaurant
		m.pending.NewRestaurant = info.NewRestaurant
	}
	return nil
}

// keep discards the pending payload; no remote call is made.
func (m *conflictMachine) keep() error {
	if m.pending == nil {
		return ErrNoConflict
	}
	m.pending = nil
	return nil
}

// replace hands back the original payload with the clear-cart flag set
// and returns to idle. The caller resubmits it; the server clears the
// existing cart and adds the new item.
func (m *conflictMachine) replace() (orderapi.AddItemRequest, AddParams, error) {
	if m.pending == nil {
		return orderapi.AddItemRequest{}, AddParams{}, ErrNoConflict
	}
	payload := m.pending.payload
	payload.ClearCart = true
	params := m.pending.params
	m.pending = nil
	return payload, params, nil
}

func (m *conflictMachine) view() *ConflictView {
	if m.pending == nil {
		return nil
	}
	return &ConflictView{
		CurrentRestaurant: m.pending.CurrentRestaurant,
		NewRestaurant:     m.pending.NewRestaurant,
	}
}
