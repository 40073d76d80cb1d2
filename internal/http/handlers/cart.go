package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"cartsync-agent/internal/cart"
	"cartsync-agent/internal/pricing"
	"cartsync-agent/pkg/response"
)

type addItemRequest struct {
	RestaurantID string         `json:"restaurantId"`
	Item         map[string]any `json:"item"`
	Quantity     int            `json:"quantity"`
	Variant      any            `json:"variant"`
	AddOns       []any          `json:"addOns"`
}

func (h *Handler) CartGet(w http.ResponseWriter, r *http.Request) {
	engine := h.Manager.Engine(sessionID(r))
	response.Success(w, engine.Snapshot())
}

func (h *Handler) CartAddItem(w http.ResponseWriter, r *http.Request) {
	var body addItemRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return
	}

	item := pricing.NormalizeItem(body.Item, strings.TrimSpace(body.RestaurantID))
	if item.ID == "" || item.RestaurantID == "" {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Item id and restaurant id are required")
		return
	}

	params := cart.AddParams{
		Item:     item,
		Variant:  pricing.NormalizeVariant(body.Variant),
		AddOns:   pricing.NormalizeAddOns(body.AddOns),
		Quantity: body.Quantity,
	}

	engine := h.Manager.Engine(sessionID(r))
	result, err := engine.Add(r.Context(), params)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if result.Conflict {
		response.Conflict(w, result.CurrentRestaurant, result.NewRestaurant)
		return
	}
	response.Success(w, result.Snapshot)
}

func (h *Handler) CartIncrement(w http.ResponseWriter, r *http.Request) {
	engine := h.Manager.Engine(sessionID(r))
	snap, err := engine.Increment(readPathString(r, "lineID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, snap)
}

func (h *Handler) CartDecrement(w http.ResponseWriter, r *http.Request) {
	engine := h.Manager.Engine(sessionID(r))
	snap, err := engine.Decrement(readPathString(r, "lineID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, snap)
}

func (h *Handler) CartRemoveItem(w http.ResponseWriter, r *http.Request) {
	engine := h.Manager.Engine(sessionID(r))
	snap, err := engine.Remove(r.Context(), readPathString(r, "lineID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, snap)
}

func (h *Handler) CartRefresh(w http.ResponseWriter, r *http.Request) {
	engine := h.Manager.Engine(sessionID(r))
	snap, err := engine.Refresh(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, snap)
}

type resolveConflictRequest struct {
	Action string `json:"action"`
}

func (h *Handler) CartResolveConflict(w http.ResponseWriter, r *http.Request) {
	var body resolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return
	}

	action := strings.ToLower(strings.TrimSpace(body.Action))
	if action != "keep" && action != "replace" {
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Action must be keep or replace")
		return
	}

	engine := h.Manager.Engine(sessionID(r))
	snap, err := engine.ResolveConflict(r.Context(), action == "keep")
	if err != nil {
		writeEngineError(w, err)
		return
	}
	response.Success(w, snap)
}

func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	response.Success(w, map[string]any{
		"depth": h.Manager.QueueDepth(),
	})
}

func (h *Handler) SessionLogout(w http.ResponseWriter, r *http.Request) {
	h.Manager.Drop(sessionID(r))
	response.Success(w, map[string]any{"closed": true})
}
