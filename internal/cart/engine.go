package cart

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"cartsync-agent/internal/netstatus"
	"cartsync-agent/internal/offline"
	"cartsync-agent/internal/orderapi"
	"cartsync-agent/internal/pricing"

	"go.uber.org/zap"
)

var (
	ErrLineNotFound = errors.New("cart line not found")
	ErrEngineClosed = errors.New("cart engine closed")
)

// Config tunes the engine. Debounce is the coalescing window for
// quantity intents; Fees is the local fallback fee schedule used until
// a server bill arrives.
type Config struct {
	Debounce time.Duration
	Fees     pricing.FeeConfig
}

// Hooks are the engine's outward signals. OnChange fires after every
// local state change with a fresh snapshot; OnAuthExpired fires when an
// asynchronous upstream call is rejected for credentials, so the caller
// can force re-authentication; OnEvent feeds the optional event
// publisher.
type Hooks struct {
	OnChange      func(Snapshot)
	OnAuthExpired func(sessionID string)
	OnEvent       func(routingKey string, payload any)
}

// AddParams describes one add intent in normalized form.
type AddParams struct {
	Item     pricing.Item
	Variant  *pricing.Variant
	AddOns   []pricing.AddOn
	Quantity int
}

// Result is the outcome signal returned to UI callers: success with a
// snapshot, or a conflict that must be resolved before the cart can
// change restaurants.
type Result struct {
	Conflict          bool     `json:"conflict"`
	CurrentRestaurant string   `json:"currentRestaurant,omitempty"`
	NewRestaurant     string   `json:"newRestaurant,omitempty"`
	Snapshot          Snapshot `json:"snapshot"`
}

// pendingIntent coalesces a burst of quantity taps for one line into a
// single upstream call. At most one live timer exists per line; a new
// intent cancels and replaces the prior one, and the fired timer reads
// the quantity recorded here, never a value captured earlier.
type pendingIntent struct {
	timer    *time.Timer
	quantity int
}

// Engine owns the authoritative local cart for one session. All
// mutations are optimistic: local state and totals update immediately,
// upstream reconciliation follows debounced or queued.
type Engine struct {
	sessionID string
	client    *orderapi.Client
	queue     *offline.Queue
	gate      *netstatus.Gate
	logger    *zap.Logger
	cfg       Config
	hooks     Hooks

	mu          sync.Mutex
	state       *State
	pending     map[string]*pendingIntent
	generations map[string]int64
	conflict    conflictMachine
	closed      bool
}

func NewEngine(sessionID string, client *orderapi.Client, queue *offline.Queue, gate *netstatus.Gate, cfg Config, logger *zap.Logger, hooks Hooks) *Engine {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 350 * time.Millisecond
	}
	return &Engine{
		sessionID:   sessionID,
		client:      client,
		queue:       queue,
		gate:        gate,
		logger:      logger,
		cfg:         cfg,
		hooks:       hooks,
		state:       newState(),
		pending:     make(map[string]*pendingIntent),
		generations: make(map[string]int64),
	}
}

// Snapshot returns a point-in-time copy of the cart state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Generation returns the current generation counter for a line.
// Generations increment on removal so late-arriving queued retries for
// a line that no longer exists can be discarded.
func (e *Engine) Generation(lineID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generations[lineID]
}

// Add inserts an item into the cart. An add colliding with an existing
// line degenerates to an increment; a genuinely new line goes to the
// server immediately (not debounced) so cross-restaurant conflicts
// surface synchronously.
func (e *Engine) Add(ctx context.Context, params AddParams) (Result, error) {
	if params.Quantity < 1 {
		params.Quantity = 1
	}
	lineID := pricing.LineID(params.Item.RestaurantID, params.Item.ID, variantIDOf(params.Variant), addOnIDsOf(params.AddOns))

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Result{}, ErrEngineClosed
	}
	if e.conflict.active() {
		e.mu.Unlock()
		return Result{}, ErrConflictPending
	}

	if line := e.state.find(lineID); line != nil {
		line.Quantity += params.Quantity
		line.recompute()
		e.state.recompute(e.cfg.Fees)
		e.scheduleIntentLocked(lineID, line.Quantity)
		snap := e.snapshotLocked()
		e.mu.Unlock()
		e.notify(snap)
		return Result{Snapshot: snap}, nil
	}

	req := orderapi.AddItemRequest{
		RestaurantID: params.Item.RestaurantID,
		ProductID:    params.Item.ID,
		Quantity:     params.Quantity,
		VariantID:    variantIDOf(params.Variant),
		AddOnIDs:     addOnIDsOf(params.AddOns),
	}
	e.mu.Unlock()

	if !e.gate.IsReachable() {
		return e.addUnreachable(lineID, params, req)
	}

	snapshot, err := e.client.AddItem(ctx, req)
	if err != nil {
		apiErr, ok := err.(*orderapi.Error)
		if !ok {
			return Result{}, err
		}
		switch apiErr.Kind {
		case orderapi.KindConflict:
			e.mu.Lock()
			if beginErr := e.conflict.begin(apiErr.Conflict, req, params); beginErr != nil {
				e.mu.Unlock()
				return Result{}, beginErr
			}
			view := e.conflict.view()
			snap := e.snapshotLocked()
			e.mu.Unlock()
			e.emit("cart.conflict", view)
			return Result{
				Conflict:          true,
				CurrentRestaurant: view.CurrentRestaurant,
				NewRestaurant:     view.NewRestaurant,
				Snapshot:          snap,
			}, nil
		case orderapi.KindConnectivity, orderapi.KindTimeout:
			return e.addUnreachable(lineID, params, req)
		default:
			return Result{}, err
		}
	}

	e.mu.Lock()
	e.replaceFromServerLocked(snapshot)
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
	return Result{Snapshot: snap}, nil
}

// addUnreachable applies an add without the upstream. The
// single-restaurant rule still holds while offline: a cross-restaurant
// add is detected against local state and parked for resolution, and
// only a same-restaurant add is applied optimistically and queued.
func (e *Engine) addUnreachable(lineID string, params AddParams, req orderapi.AddItemRequest) (Result, error) {
	e.mu.Lock()
	current := e.state.RestaurantID
	if current == "" || current == params.Item.RestaurantID {
		e.mu.Unlock()
		return e.addOffline(lineID, params, req)
	}

	info := &orderapi.ConflictInfo{
		CurrentRestaurant: current,
		NewRestaurant:     params.Item.RestaurantID,
	}
	if err := e.conflict.begin(info, req, params); err != nil {
		e.mu.Unlock()
		return Result{}, err
	}
	view := e.conflict.view()
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.emit("cart.conflict", view)
	return Result{
		Conflict:          true,
		CurrentRestaurant: view.CurrentRestaurant,
		NewRestaurant:     view.NewRestaurant,
		Snapshot:          snap,
	}, nil
}

// addOffline applies the add locally and queues the mutation. The
// optimistic state is already correct from the user's point of view;
// the queued request syncs it once connectivity returns.
func (e *Engine) addOffline(lineID string, params AddParams, req orderapi.AddItemRequest) (Result, error) {
	e.mu.Lock()
	line := &Line{
		ID:           lineID,
		MenuItemID:   params.Item.ID,
		RestaurantID: params.Item.RestaurantID,
		Name:         params.Item.Name,
		BasePrice:    params.Item.BasePrice,
		Variant:      params.Variant,
		AddOns:       params.AddOns,
		Quantity:     params.Quantity,
	}
	line.recompute()
	e.state.append(line)
	e.state.recompute(e.cfg.Fees)
	gen := e.generations[lineID]
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.enqueue(http.MethodPost, e.client.URL("/cart/item"), req, lineID, gen)
	e.notify(snap)
	return Result{Snapshot: snap}, nil
}

// Increment raises the quantity of a line by one, optimistically and
// debounced.
func (e *Engine) Increment(lineID string) (Snapshot, error) {
	return e.adjust(lineID, 1)
}

// Decrement lowers the quantity of a line by one. At quantity 1 the
// debounce is bypassed: the line is removed locally at once and the
// remote delete goes out immediately.
func (e *Engine) Decrement(lineID string) (Snapshot, error) {
	return e.adjust(lineID, -1)
}

func (e *Engine) adjust(lineID string, delta int) (Snapshot, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Snapshot{}, ErrEngineClosed
	}
	line := e.state.find(lineID)
	if line == nil {
		e.mu.Unlock()
		return Snapshot{}, ErrLineNotFound
	}

	next := line.Quantity + delta
	if next < 1 {
		snap := e.removeLocked(lineID)
		e.mu.Unlock()
		e.notify(snap)
		e.deleteRemote(context.Background(), line.ServerItemID, lineID)
		return snap, nil
	}

	line.Quantity = next
	line.recompute()
	e.state.recompute(e.cfg.Fees)
	e.scheduleIntentLocked(lineID, next)
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
	return snap, nil
}

// Remove deletes a line explicitly. The local removal stays committed
// even if the remote delete fails; a failed delete is queued for retry.
func (e *Engine) Remove(ctx context.Context, lineID string) (Snapshot, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Snapshot{}, ErrEngineClosed
	}
	line := e.state.find(lineID)
	if line == nil {
		e.mu.Unlock()
		return Snapshot{}, ErrLineNotFound
	}
	serverID := line.ServerItemID
	snap := e.removeLocked(lineID)
	e.mu.Unlock()
	e.notify(snap)
	e.deleteRemote(ctx, serverID, lineID)
	return snap, nil
}

// removeLocked cancels the line's pending intent, drops it from state
// and bumps its generation so stale queued mutations are discarded.
func (e *Engine) removeLocked(lineID string) Snapshot {
	e.cancelIntentLocked(lineID)
	e.state.removeLine(lineID)
	e.state.recompute(e.cfg.Fees)
	e.generations[lineID]++
	return e.snapshotLocked()
}

func (e *Engine) deleteRemote(ctx context.Context, serverItemID, lineID string) {
	if serverItemID == "" {
		// The add never reached the server; nothing to delete there.
		return
	}
	e.mu.Lock()
	gen := e.generations[lineID]
	e.mu.Unlock()

	if !e.gate.IsReachable() {
		e.enqueue(http.MethodDelete, e.client.URL("/cart/item/"+serverItemID), nil, lineID, gen)
		return
	}
	if err := e.client.RemoveItem(ctx, serverItemID); err != nil {
		e.routeAsyncFailure(err, http.MethodDelete, e.client.URL("/cart/item/"+serverItemID), nil, lineID, gen)
	}
}

// Refresh resynchronizes from the server's canonical snapshot — the
// ultimate source of truth after queued retries or fee changes.
func (e *Engine) Refresh(ctx context.Context) (Snapshot, error) {
	snapshot, err := e.client.FetchCart(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Snapshot{}, ErrEngineClosed
	}
	if snapshot.Empty {
		e.state = newState()
		e.state.recompute(e.cfg.Fees)
	} else {
		e.replaceFromServerLocked(snapshot)
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
	return snap, nil
}

// ResolveConflict completes a pending cross-restaurant conflict.
// "keep" discards the parked payload; "replace" resubmits it with the
// clear-cart flag and replaces local state from the response.
func (e *Engine) ResolveConflict(ctx context.Context, keep bool) (Snapshot, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Snapshot{}, ErrEngineClosed
	}

	if keep {
		if err := e.conflict.keep(); err != nil {
			e.mu.Unlock()
			return Snapshot{}, err
		}
		snap := e.snapshotLocked()
		e.mu.Unlock()
		e.notify(snap)
		return snap, nil
	}

	payload, params, err := e.conflict.replace()
	if err != nil {
		e.mu.Unlock()
		return Snapshot{}, err
	}
	e.mu.Unlock()

	lineID := pricing.LineID(params.Item.RestaurantID, params.Item.ID, variantIDOf(params.Variant), addOnIDsOf(params.AddOns))

	if !e.gate.IsReachable() {
		return e.replaceOffline(lineID, params, payload)
	}

	snapshot, err := e.client.AddItem(ctx, payload)
	if err != nil {
		if apiErr, ok := err.(*orderapi.Error); ok && apiErr.Retriable() {
			return e.replaceOffline(lineID, params, payload)
		}
		return Snapshot{}, err
	}

	e.mu.Lock()
	e.replaceFromServerLocked(snapshot)
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
	return snap, nil
}

// replaceOffline rebuilds local state as the single replacement line
// and queues the clear-and-add for when connectivity returns.
func (e *Engine) replaceOffline(lineID string, params AddParams, payload orderapi.AddItemRequest) (Snapshot, error) {
	e.mu.Lock()
	for _, line := range e.state.Lines {
		e.cancelIntentLocked(line.ID)
		e.generations[line.ID]++
	}
	e.state = newState()
	line := &Line{
		ID:           lineID,
		MenuItemID:   params.Item.ID,
		RestaurantID: params.Item.RestaurantID,
		Name:         params.Item.Name,
		BasePrice:    params.Item.BasePrice,
		Variant:      params.Variant,
		AddOns:       params.AddOns,
		Quantity:     params.Quantity,
	}
	line.recompute()
	e.state.append(line)
	e.state.recompute(e.cfg.Fees)
	gen := e.generations[lineID]
	snap := e.snapshotLocked()
	e.mu.Unlock()

	e.enqueue(http.MethodPost, e.client.URL("/cart/item"), payload, lineID, gen)
	e.notify(snap)
	return snap, nil
}

// Close tears the engine down: all pending timers are cancelled and no
// further mutations are accepted.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for lineID := range e.pending {
		e.cancelIntentLocked(lineID)
	}
}

// scheduleIntentLocked records the latest intended quantity for a line
// and (re)starts its coalescing timer. Last write wins: the prior timer
// is cancelled, and the fired timer reads the quantity stored here.
func (e *Engine) scheduleIntentLocked(lineID string, quantity int) {
	if intent, ok := e.pending[lineID]; ok {
		intent.timer.Stop()
		intent.quantity = quantity
		intent.timer = time.AfterFunc(e.cfg.Debounce, func() { e.firePending(lineID) })
		return
	}
	intent := &pendingIntent{quantity: quantity}
	intent.timer = time.AfterFunc(e.cfg.Debounce, func() { e.firePending(lineID) })
	e.pending[lineID] = intent
}

func (e *Engine) cancelIntentLocked(lineID string) {
	if intent, ok := e.pending[lineID]; ok {
		intent.timer.Stop()
		delete(e.pending, lineID)
	}
}

// firePending issues exactly one set-quantity call carrying the most
// recent intended quantity for the line.
func (e *Engine) firePending(lineID string) {
	e.mu.Lock()
	intent, ok := e.pending[lineID]
	if !ok || e.closed {
		e.mu.Unlock()
		return
	}
	delete(e.pending, lineID)
	line := e.state.find(lineID)
	if line == nil {
		e.mu.Unlock()
		return
	}
	quantity := intent.quantity
	serverID := line.ServerItemID
	gen := e.generations[lineID]
	e.mu.Unlock()

	if serverID == "" {
		// The line's add is still queued; it carries its own quantity
		// and the next refresh reconciles the rest.
		return
	}

	req := orderapi.SetQuantityRequest{ItemID: serverID, Quantity: quantity}
	targetURL := e.client.URL("/cart/item/" + serverID + "/quantity")

	if !e.gate.IsReachable() {
		e.enqueue(http.MethodPatch, targetURL, req, lineID, gen)
		return
	}

	snapshot, err := e.client.SetQuantity(context.Background(), req)
	if err != nil {
		e.routeAsyncFailure(err, http.MethodPatch, targetURL, req, lineID, gen)
		return
	}

	e.mu.Lock()
	e.reconcileLocked(snapshot)
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.notify(snap)
}

// routeAsyncFailure applies the failure policy for calls made off the
// caller's request path: connectivity-class failures queue silently,
// credential failures raise the re-auth signal, and the rest are
// logged and left for the next refresh to correct.
func (e *Engine) routeAsyncFailure(err error, method, targetURL string, payload any, lineID string, generation int64) {
	apiErr, ok := err.(*orderapi.Error)
	if ok && apiErr.Retriable() {
		e.enqueue(method, targetURL, payload, lineID, generation)
		return
	}
	if ok && apiErr.Kind == orderapi.KindAuthorization {
		if e.hooks.OnAuthExpired != nil {
			e.hooks.OnAuthExpired(e.sessionID)
		}
		if e.logger != nil {
			e.logger.Warn("upstream rejected credential", zap.String("session", e.sessionID))
		}
		return
	}
	if e.logger != nil {
		e.logger.Warn("upstream call failed",
			zap.String("method", method),
			zap.String("url", targetURL),
			zap.Error(err))
	}
}

func (e *Engine) enqueue(method, targetURL string, payload any, lineID string, generation int64) {
	var body json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			if e.logger != nil {
				e.logger.Warn("queue encode failed", zap.Error(err))
			}
			return
		}
		body = encoded
	}
	e.queue.Enqueue(offline.PendingRequest{
		Method:     method,
		TargetURL:  targetURL,
		Body:       body,
		SessionID:  e.sessionID,
		LineID:     lineID,
		Generation: generation,
	})
}

// replaceFromServerLocked rebuilds local state from a server snapshot,
// overlaying the quantity of any line that still has a live pending
// intent so a slower response never undoes a newer tap.
func (e *Engine) replaceFromServerLocked(snapshot *orderapi.CartSnapshot) {
	fresh := newState()
	fresh.RestaurantID = snapshot.RestaurantID
	fresh.Bill = snapshot.Bill

	for _, item := range snapshot.Items {
		line := lineFromServer(item)
		if intent, ok := e.pending[line.ID]; ok {
			line.Quantity = intent.quantity
		}
		if item.UnitPrice > 0 {
			line.UnitTotal = item.UnitPrice
			line.TotalPrice = item.UnitPrice * float64(line.Quantity)
		} else {
			line.recompute()
		}
		fresh.append(line)
	}

	fresh.recompute(e.cfg.Fees)
	e.state = fresh
}

// reconcileLocked merges a server response into local state by matching
// on server-assigned item IDs. Only server-confirmed fields are merged;
// lines with a live pending intent keep their local quantity, and lines
// the response does not mention are left untouched, so a slow, stale
// response cannot undo a more recent optimistic edit.
func (e *Engine) reconcileLocked(snapshot *orderapi.CartSnapshot) {
	if snapshot == nil {
		return
	}
	e.state.Bill = snapshot.Bill
	for _, item := range snapshot.Items {
		line := e.state.findByServerID(item.ItemID)
		if line == nil {
			continue
		}
		if _, live := e.pending[line.ID]; !live && item.Quantity > 0 {
			line.Quantity = item.Quantity
		}
		if item.UnitPrice > 0 {
			line.UnitTotal = item.UnitPrice
			line.TotalPrice = line.UnitTotal * float64(line.Quantity)
		} else {
			line.recompute()
		}
	}
	e.state.recompute(e.cfg.Fees)
}

func lineFromServer(item orderapi.CartItem) *Line {
	line := &Line{
		ID:           pricing.LineID(item.RestaurantID, item.ProductID, item.VariantID, item.AddOnIDs),
		ServerItemID: item.ItemID,
		MenuItemID:   item.ProductID,
		RestaurantID: item.RestaurantID,
		Name:         item.Name,
		BasePrice:    item.BasePrice,
		Quantity:     item.Quantity,
	}
	if item.VariantID != "" {
		line.Variant = &pricing.Variant{ID: item.VariantID}
	}
	for _, id := range item.AddOnIDs {
		line.AddOns = append(line.AddOns, pricing.AddOn{ID: id})
	}
	return line
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		RestaurantID: e.state.RestaurantID,
		Lines:        make([]LineView, 0, len(e.state.Lines)),
		Totals:       e.state.Totals,
		Conflict:     e.conflict.view(),
	}
	for _, line := range e.state.Lines {
		_, live := e.pending[line.ID]
		snap.Lines = append(snap.Lines, LineView{
			ID:           line.ID,
			ServerItemID: line.ServerItemID,
			MenuItemID:   line.MenuItemID,
			RestaurantID: line.RestaurantID,
			Name:         line.Name,
			VariantID:    line.variantID(),
			AddOnIDs:     line.addOnIDs(),
			Quantity:     line.Quantity,
			UnitTotal:    line.UnitTotal,
			TotalPrice:   line.TotalPrice,
			PendingSync:  live || line.ServerItemID == "",
		})
	}
	return snap
}

func (e *Engine) notify(snap Snapshot) {
	if e.hooks.OnChange != nil {
		e.hooks.OnChange(snap)
	}
	e.emit("cart.updated", snap)
}

func (e *Engine) emit(routingKey string, payload any) {
	if e.hooks.OnEvent != nil {
		e.hooks.OnEvent(routingKey, payload)
	}
}

func variantIDOf(variant *pricing.Variant) string {
	if variant == nil {
		return ""
	}
	return variant.ID
}

func addOnIDsOf(addOns []pricing.AddOn) []string {
	ids := make([]string, 0, len(addOns))
	for _, addOn := range addOns {
		ids = append(ids, addOn.ID)
	}
	return ids
}
