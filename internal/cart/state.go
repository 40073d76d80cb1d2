package cart

import "cartsync-agent/internal/pricing"

// Line is one distinct purchasable configuration at a given quantity.
// ServerItemID is assigned by the order service on the first confirmed
// add and is what reconciliation matches on; it stays empty while the
// add is still queued offline.
type Line struct {
	ID           string
	ServerItemID string
	MenuItemID   string
	RestaurantID string
	Name         string
	BasePrice    float64
	Variant      *pricing.Variant
	AddOns       []pricing.AddOn
	Quantity     int
	UnitTotal    float64
	TotalPrice   float64
}

func (l *Line) addOnIDs() []string {
	ids := make([]string, 0, len(l.AddOns))
	for _, addOn := range l.AddOns {
		ids = append(ids, addOn.ID)
	}
	return ids
}

func (l *Line) variantID() string {
	if l.Variant == nil {
		return ""
	}
	return l.Variant.ID
}

func (l *Line) recompute() {
	l.UnitTotal, l.TotalPrice = pricing.LineTotals(l.BasePrice, l.Variant, l.AddOns, l.Quantity)
}

// State is the authoritative local cart: an ordered line collection
// from a single restaurant plus the locally computed totals summary.
// It is owned exclusively by the engine; external callers observe it
// only through snapshots.
type State struct {
	RestaurantID string
	Lines        []*Line
	Bill         *pricing.Bill
	Totals       pricing.Totals
}

func newState() *State {
	return &State{}
}

func (s *State) find(lineID string) *Line {
	for _, line := range s.Lines {
		if line.ID == lineID {
			return line
		}
	}
	return nil
}

func (s *State) findByServerID(itemID string) *Line {
	if itemID == "" {
		return nil
	}
	for _, line := range s.Lines {
		if line.ServerItemID == itemID {
			return line
		}
	}
	return nil
}

func (s *State) append(line *Line) {
	s.Lines = append(s.Lines, line)
	if s.RestaurantID == "" {
		s.RestaurantID = line.RestaurantID
	}
}

func (s *State) removeLine(lineID string) bool {
	for i, line := range s.Lines {
		if line.ID == lineID {
			s.Lines = append(s.Lines[:i], s.Lines[i+1:]...)
			if len(s.Lines) == 0 {
				s.RestaurantID = ""
				s.Bill = nil
			}
			return true
		}
	}
	return false
}

func (s *State) recompute(fees pricing.FeeConfig) {
	lineTotals := make([]float64, 0, len(s.Lines))
	for _, line := range s.Lines {
		lineTotals = append(lineTotals, line.TotalPrice)
	}
	s.Totals = pricing.CartTotals(lineTotals, fees, s.Bill)
}

// LineView is the JSON-safe projection of a cart line handed to UI
// callers.
type LineView struct {
	ID           string   `json:"id"`
	ServerItemID string   `json:"serverItemId,omitempty"`
	MenuItemID   string   `json:"menuItemId"`
	RestaurantID string   `json:"restaurantId"`
	Name         string   `json:"name,omitempty"`
	VariantID    string   `json:"variantId,omitempty"`
	AddOnIDs     []string `json:"addOnIds,omitempty"`
	Quantity     int      `json:"quantity"`
	UnitTotal    float64  `json:"unitTotal"`
	TotalPrice   float64  `json:"totalPrice"`
	PendingSync  bool     `json:"pendingSync"`
}

// ConflictView is surfaced while a cross-restaurant conflict awaits a
// keep-or-replace decision.
type ConflictView struct {
	CurrentRestaurant string `json:"currentRestaurant"`
	NewRestaurant     string `json:"newRestaurant"`
}

// Snapshot is a point-in-time copy of the cart state for UI callers.
type Snapshot struct {
	RestaurantID string         `json:"restaurantId"`
	Lines        []LineView     `json:"lines"`
	Totals       pricing.Totals `json:"totals"`
	Conflict     *ConflictView  `json:"conflict,omitempty"`
}
