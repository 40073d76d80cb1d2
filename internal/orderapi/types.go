package orderapi

import "cartsync-agent/internal/pricing"

// CartItem is one confirmed line in the server's cart snapshot. ItemID
// is the server-assigned identifier reconciliation matches on.
type CartItem struct {
	ItemID       string   `json:"itemId"`
	ProductID    string   `json:"productId"`
	RestaurantID string   `json:"restaurantId"`
	Name         string   `json:"name"`
	VariantID    string   `json:"variantId"`
	AddOnIDs     []string `json:"addOnIds"`
	Quantity     int      `json:"quantity"`
	UnitPrice    float64  `json:"unitPrice"`
	BasePrice    float64  `json:"basePrice"`
}

// CartSnapshot is the canonical server cart plus its derived bill.
// Empty marks the "no cart" sentinel.
type CartSnapshot struct {
	RestaurantID string        `json:"restaurantId"`
	Items        []CartItem    `json:"items"`
	Bill         *pricing.Bill `json:"bill"`
	Empty        bool          `json:"empty"`
}

// AddItemRequest is the payload for POST cart/item. ClearCart set true
// asks the server to discard the existing cart before adding, which is
// how a "replace" conflict resolution is executed.
type AddItemRequest struct {
	RestaurantID string   `json:"restaurantId"`
	ProductID    string   `json:"productId"`
	Quantity     int      `json:"quantity"`
	VariantID    string   `json:"variantId,omitempty"`
	AddOnIDs     []string `json:"addOnIds"`
	ClearCart    bool     `json:"clearCart,omitempty"`
}

// SetQuantityRequest is the payload for PATCH cart/item/{id}/quantity.
type SetQuantityRequest struct {
	ItemID   string `json:"itemId"`
	Quantity int    `json:"quantity"`
}
