package pricing

import (
	"sort"
	"strconv"
	"strings"
)

// Item is the normalized purchasable unit a cart line is built from.
type Item struct {
	ID           string
	RestaurantID string
	Name         string
	BasePrice    float64
}

// Variant is a selected item variation carrying a price delta on top of
// the base price.
type Variant struct {
	ID         string
	Name       string
	PriceDelta float64
}

// AddOn is a selected extra with its own price.
type AddOn struct {
	ID    string
	Name  string
	Price float64
}

const noVariant = "none"

// LineID derives the deterministic identity of a cart line. Two adds
// with the same restaurant, item, variant and add-on set always collide
// to the same line regardless of add-on ordering.
func LineID(restaurantID, menuItemID, variantID string, addOnIDs []string) string {
	variant := strings.TrimSpace(variantID)
	if variant == "" {
		variant = noVariant
	}

	sorted := make([]string, 0, len(addOnIDs))
	for _, id := range addOnIDs {
		trimmed := strings.TrimSpace(id)
		if trimmed != "" {
			sorted = append(sorted, trimmed)
		}
	}
	sort.Strings(sorted)

	return restaurantID + "|" + menuItemID + "|" + variant + "|" + strings.Join(sorted, ",")
}

// LineTotals computes the unit total and line total for one cart line.
// Quantity is clamped to a minimum of 1 before multiplication.
func LineTotals(basePrice float64, variant *Variant, addOns []AddOn, quantity int) (unitTotal float64, totalPrice float64) {
	unit := basePrice
	if variant != nil {
		unit += variant.PriceDelta
	}
	for _, addOn := range addOns {
		unit += addOn.Price
	}

	if quantity < 1 {
		quantity = 1
	}
	return unit, unit * float64(quantity)
}

// Bill is a server-supplied fee snapshot. Fields are pointers so a
// partial bill can still override only the fees it carries.
type Bill struct {
	Subtotal     *float64 `json:"subtotal"`
	Discount     *float64 `json:"discount"`
	Tax          *float64 `json:"tax"`
	DeliveryFee  *float64 `json:"deliveryFee"`
	PackagingFee *float64 `json:"packagingFee"`
	PlatformFee  *float64 `json:"platformFee"`
	GrandTotal   *float64 `json:"grandTotal"`
}

// FeeConfig is the local fallback fee schedule used while no server
// bill is available.
type FeeConfig struct {
	TaxPercent   float64
	DeliveryFee  float64
	PackagingFee float64
	PlatformFee  float64
}

// Totals is the cart-level summary shown to the UI.
type Totals struct {
	Subtotal     float64 `json:"subtotal"`
	Discount     float64 `json:"discount"`
	Tax          float64 `json:"tax"`
	DeliveryFee  float64 `json:"deliveryFee"`
	PackagingFee float64 `json:"packagingFee"`
	PlatformFee  float64 `json:"platformFee"`
	GrandTotal   float64 `json:"grandTotal"`
}

// CartTotals computes the cart summary from per-line totals. Fee values
// from a server bill take precedence; the local fee schedule is the
// fallback so the UI never blocks on the network for a total.
func CartTotals(lineTotals []float64, fees FeeConfig, bill *Bill) Totals {
	var subtotal float64
	for _, total := range lineTotals {
		subtotal += total
	}

	totals := Totals{
		Subtotal:     subtotal,
		Tax:          subtotal * fees.TaxPercent / 100,
		DeliveryFee:  fees.DeliveryFee,
		PackagingFee: fees.PackagingFee,
		PlatformFee:  fees.PlatformFee,
	}
	if len(lineTotals) == 0 {
		totals.Tax = 0
		totals.DeliveryFee = 0
		totals.PackagingFee = 0
		totals.PlatformFee = 0
	}

	if bill != nil {
		if bill.Subtotal != nil {
			totals.Subtotal = *bill.Subtotal
		}
		if bill.Discount != nil {
			totals.Discount = *bill.Discount
		}
		if bill.Tax != nil {
			totals.Tax = *bill.Tax
		}
		if bill.DeliveryFee != nil {
			totals.DeliveryFee = *bill.DeliveryFee
		}
		if bill.PackagingFee != nil {
			totals.PackagingFee = *bill.PackagingFee
		}
		if bill.PlatformFee != nil {
			totals.PlatformFee = *bill.PlatformFee
		}
	}

	if bill != nil && bill.GrandTotal != nil {
		totals.GrandTotal = *bill.GrandTotal
	} else {
		totals.GrandTotal = totals.Subtotal - totals.Discount + totals.Tax +
			totals.DeliveryFee + totals.PackagingFee + totals.PlatformFee
	}
	return totals
}

// Amount coerces a loosely typed monetary value to a float64. String
// inputs are stripped of currency symbols and separators before
// parsing; anything unparseable yields the caller-supplied fallback.
func Amount(value any, fallback float64) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		cleaned := cleanNumeric(v)
		if cleaned == "" {
			return fallback
		}
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return fallback
		}
		return parsed
	case nil:
		return fallback
	default:
		return fallback
	}
}

func cleanNumeric(value string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(value) {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
