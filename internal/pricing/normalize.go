package pricing

import "strings"

// Upstream menu payloads arrive in several shape variants: prices as
// strings or numbers, names under language-keyed fields, variants and
// add-ons as bare ID strings or full objects. Everything is normalized
// here, once, so the rest of the engine only ever sees the strict
// Item/Variant/AddOn records.

var nameKeys = []string{"name", "title", "name_en", "nameEn", "label"}

// NormalizeItem builds an Item from a loose upstream payload.
func NormalizeItem(raw map[string]any, restaurantID string) Item {
	item := Item{
		ID:           pickString(raw, "id", "menuItemId", "productId"),
		RestaurantID: restaurantID,
		Name:         pickName(raw),
		BasePrice:    Amount(pickValue(raw, "basePrice", "price"), 0),
	}
	if item.RestaurantID == "" {
		item.RestaurantID = pickString(raw, "restaurantId", "merchantId")
	}
	return item
}

// NormalizeVariant accepts either a bare variant ID string or a full
// variant object. A nil or empty input means no variant was selected.
func NormalizeVariant(raw any) *Variant {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		return &Variant{ID: trimmed}
	case map[string]any:
		id := pickString(v, "id", "variantId")
		if id == "" {
			return nil
		}
		return &Variant{
			ID:         id,
			Name:       pickName(v),
			PriceDelta: Amount(pickValue(v, "priceDelta", "price"), 0),
		}
	default:
		return nil
	}
}

// NormalizeAddOns accepts a mixed list of add-on ID strings and add-on
// objects and returns the strict records, skipping unusable entries.
func NormalizeAddOns(raw []any) []AddOn {
	addOns := make([]AddOn, 0, len(raw))
	for _, entry := range raw {
		switch v := entry.(type) {
		case string:
			trimmed := strings.TrimSpace(v)
			if trimmed != "" {
				addOns = append(addOns, AddOn{ID: trimmed})
			}
		case map[string]any:
			id := pickString(v, "id", "addonId", "addonItemId")
			if id == "" {
				continue
			}
			addOns = append(addOns, AddOn{
				ID:    id,
				Name:  pickName(v),
				Price: Amount(pickValue(v, "price"), 0),
			})
		}
	}
	return addOns
}

func pickName(raw map[string]any) string {
	for _, key := range nameKeys {
		if value, ok := raw[key].(string); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func pickString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := raw[key].(string); ok {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func pickValue(raw map[string]any, keys ...string) any {
	for _, key := range keys {
		if value, ok := raw[key]; ok && value != nil {
			return value
		}
	}
	return nil
}
