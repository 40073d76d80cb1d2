package cart

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cartsync-agent/internal/auth"
	"cartsync-agent/internal/netstatus"
	"cartsync-agent/internal/offline"
	"cartsync-agent/internal/orderapi"
	"cartsync-agent/internal/pricing"
)

// fakeOrderService emulates the upstream cart API: one cart per server,
// single-restaurant enforcement with a structured conflict rejection,
// and server-assigned item IDs.
type fakeOrderService struct {
	mu          sync.Mutex
	srv         *httptest.Server
	items       []orderapi.CartItem
	restaurant  string
	nextID      int
	addCalls    []orderapi.AddItemRequest
	patchCalls  []orderapi.SetQuantityRequest
	deleteCalls []string
	prices      map[string]float64
}

func newFakeOrderService() *fakeOrderService {
	f := &fakeOrderService{prices: map[string]float64{}}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeOrderService) close() { f.srv.Close() }

func (f *fakeOrderService) price(productID string, price float64) {
	f.mu.Lock()
	f.prices[productID] = price
	f.mu.Unlock()
}

func (f *fakeOrderService) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/cart":
		if len(f.items) == 0 {
			writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "NOT_FOUND", "message": "no active cart"})
			return
		}
		f.writeSnapshot(w)

	case r.Method == http.MethodPost && r.URL.Path == "/cart/item":
		var req orderapi.AddItemRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.addCalls = append(f.addCalls, req)

		if f.restaurant != "" && f.restaurant != req.RestaurantID && !req.ClearCart {
			writeJSON(w, http.StatusConflict, map[string]any{
				"success":           false,
				"conflict":          true,
				"currentRestaurant": f.restaurant,
				"newRestaurant":     req.RestaurantID,
			})
			return
		}
		if req.ClearCart {
			f.items = nil
		}
		f.restaurant = req.RestaurantID
		f.nextID++
		price := f.prices[req.ProductID]
		f.items = append(f.items, orderapi.CartItem{
			ItemID:       "srv-" + strconv.Itoa(f.nextID),
			ProductID:    req.ProductID,
			RestaurantID: req.RestaurantID,
			VariantID:    req.VariantID,
			AddOnIDs:     req.AddOnIDs,
			Quantity:     req.Quantity,
			UnitPrice:    price,
			BasePrice:    price,
		})
		f.writeSnapshot(w)

	case r.Method == http.MethodPatch && strings.HasSuffix(r.URL.Path, "/quantity"):
		var req orderapi.SetQuantityRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.patchCalls = append(f.patchCalls, req)
		for i := range f.items {
			if f.items[i].ItemID == req.ItemID {
				f.items[i].Quantity = req.Quantity
			}
		}
		f.writeSnapshot(w)

	case r.Method == http.MethodDelete:
		itemID := strings.TrimPrefix(r.URL.Path, "/cart/item/")
		f.deleteCalls = append(f.deleteCalls, itemID)
		kept := f.items[:0]
		for _, item := range f.items {
			if item.ItemID != itemID {
				kept = append(kept, item)
			}
		}
		f.items = kept
		if len(f.items) == 0 {
			f.restaurant = ""
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "NOT_FOUND"})
	}
}

func (f *fakeOrderService) writeSnapshot(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data": orderapi.CartSnapshot{
			RestaurantID: f.restaurant,
			Items:        f.items,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (f *fakeOrderService) patchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patchCalls)
}

func (f *fakeOrderService) lastPatch() orderapi.SetQuantityRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patchCalls[len(f.patchCalls)-1]
}

func (f *fakeOrderService) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleteCalls)
}

func (f *fakeOrderService) addCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.addCalls)
}

const testDebounce = 25 * time.Millisecond

// settle waits long enough for any scheduled debounce timer to fire.
func settle() { time.Sleep(6 * testDebounce) }

func newTestEngine(t *testing.T, upstream *fakeOrderService, reachable *atomic.Bool) (*Engine, *offline.Queue) {
	t.Helper()
	if reachable == nil {
		reachable = &atomic.Bool{}
		reachable.Store(true)
	}
	gate := netstatus.New(func(ctx context.Context) bool {
		return reachable.Load()
	}, time.Second, nil)

	queue := offline.NewQueue(offline.Options{
		Path:       filepath.Join(t.TempDir(), "queue.json"),
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
	}, nil)

	client := orderapi.New(upstream.srv.URL, time.Second, func() (string, error) {
		return "test-token", nil
	})

	engine := NewEngine("s1", client, queue, gate, Config{Debounce: testDebounce}, nil, Hooks{})
	t.Cleanup(engine.Close)
	return engine, queue
}

func addParams(restaurantID, productID string, price float64, quantity int) AddParams {
	return AddParams{
		Item:     pricing.Item{ID: productID, RestaurantID: restaurantID, Name: productID, BasePrice: price},
		Quantity: quantity,
	}
}

func TestAddConfirmsFromServer(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 100)

	engine, _ := newTestEngine(t, upstream, nil)

	result, err := engine.Add(context.Background(), addParams("r1", "m1", 100, 1))
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if result.Conflict {
		t.Fatalf("unexpected conflict")
	}
	if len(result.Snapshot.Lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(result.Snapshot.Lines))
	}
	line := result.Snapshot.Lines[0]
	if line.ServerItemID == "" {
		t.Fatalf("expected server-confirmed line")
	}
	if line.PendingSync {
		t.Fatalf("expected confirmed line to not be pending")
	}
	if line.Quantity != 1 || line.TotalPrice != 100 {
		t.Fatalf("unexpected line %+v", line)
	}
	if result.Snapshot.RestaurantID != "r1" {
		t.Fatalf("expected restaurant r1, got %s", result.Snapshot.RestaurantID)
	}
}

func TestAddOfSameConfigurationIncrements(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 50)

	engine, _ := newTestEngine(t, upstream, nil)
	ctx := context.Background()

	if _, err := engine.Add(ctx, addParams("r1", "m1", 50, 1)); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	result, err := engine.Add(ctx, addParams("r1", "m1", 50, 2))
	if err != nil {
		t.Fatalf("second add failed: %v", err)
	}
	if len(result.Snapshot.Lines) != 1 {
		t.Fatalf("expected a single merged line, got %d", len(result.Snapshot.Lines))
	}
	if result.Snapshot.Lines[0].Quantity != 3 {
		t.Fatalf("expected quantity 3, got %d", result.Snapshot.Lines[0].Quantity)
	}
	if upstream.addCount() != 1 {
		t.Fatalf("expected 1 add call, got %d", upstream.addCount())
	}

	settle()
	if upstream.patchCount() != 1 {
		t.Fatalf("expected the merged quantity as 1 debounced call, got %d", upstream.patchCount())
	}
	if got := upstream.lastPatch().Quantity; got != 3 {
		t.Fatalf("expected quantity 3 sent upstream, got %d", got)
	}
}

func TestDebounceCoalescesBurst(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 10)

	engine, _ := newTestEngine(t, upstream, nil)
	ctx := context.Background()

	result, err := engine.Add(ctx, addParams("r1", "m1", 10, 1))
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	lineID := result.Snapshot.Lines[0].ID

	for i := 0; i < 4; i++ {
		if _, err := engine.Increment(lineID); err != nil {
			t.Fatalf("increment failed: %v", err)
		}
	}

	snap := engine.Snapshot()
	if snap.Lines[0].Quantity != 5 {
		t.Fatalf("expected optimistic quantity 5, got %d", snap.Lines[0].Quantity)
	}
	if !snap.Lines[0].PendingSync {
		t.Fatalf("expected line pending while the intent is live")
	}

	settle()
	if upstream.patchCount() != 1 {
		t.Fatalf("expected the burst coalesced into 1 call, got %d", upstream.patchCount())
	}
	if got := upstream.lastPatch().Quantity; got != 5 {
		t.Fatalf("expected final quantity 5, got %d", got)
	}
	if engine.Snapshot().Lines[0].PendingSync {
		t.Fatalf("expected line settled after reconciliation")
	}
}

func TestDebounceLastWriteWins(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 10)

	engine, _ := newTestEngine(t, upstream, nil)
	ctx := context.Background()

	result, err := engine.Add(ctx, addParams("r1", "m1", 10, 1))
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	lineID := result.Snapshot.Lines[0].ID

	engine.Increment(lineID) // 2
	engine.Increment(lineID) // 3
	engine.Decrement(lineID) // 2

	settle()
	if upstream.patchCount() != 1 {
		t.Fatalf("expected 1 coalesced call, got %d", upstream.patchCount())
	}
	if got := upstream.lastPatch().Quantity; got != 2 {
		t.Fatalf("expected net quantity 2, got %d", got)
	}
	if got := engine.Snapshot().Lines[0].Quantity; got != 2 {
		t.Fatalf("expected local quantity 2, got %d", got)
	}
}

func TestDecrementToZeroDeletesImmediately(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 10)

	engine, _ := newTestEngine(t, upstream, nil)
	ctx := context.Background()

	result, err := engine.Add(ctx, addParams("r1", "m1", 10, 1))
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	lineID := result.Snapshot.Lines[0].ID

	snap, err := engine.Decrement(lineID)
	if err != nil {
		t.Fatalf("decrement failed: %v", err)
	}
	if len(snap.Lines) != 0 {
		t.Fatalf("expected line removed locally at once, got %d lines", len(snap.Lines))
	}
	if snap.RestaurantID != "" {
		t.Fatalf("expected restaurant cleared on empty cart")
	}
	if upstream.deleteCount() != 1 {
		t.Fatalf("expected immediate remote delete, got %d", upstream.deleteCount())
	}

	settle()
	if upstream.patchCount() != 0 {
		t.Fatalf("expected no debounced quantity call for a removal, got %d", upstream.patchCount())
	}
	if _, err := engine.Increment(lineID); !errors.Is(err, ErrLineNotFound) {
		t.Fatalf("expected ErrLineNotFound after removal, got %v", err)
	}
}

func TestDecrementToZeroCancelsPendingIntent(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 10)

	engine, _ := newTestEngine(t, upstream, nil)
	ctx := context.Background()

	result, err := engine.Add(ctx, addParams("r1", "m1", 10, 1))
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	lineID := result.Snapshot.Lines[0].ID

	engine.Increment(lineID) // 2, intent scheduled
	engine.Decrement(lineID) // 1, intent rescheduled
	engine.Decrement(lineID) // 0, removal

	settle()
	if upstream.patchCount() != 0 {
		t.Fatalf("expected the pending intent cancelled by removal, got %d patches", upstream.patchCount())
	}
	if upstream.deleteCount() != 1 {
		t.Fatalf("expected 1 delete, got %d", upstream.deleteCount())
	}
}

func TestConflictKeep(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 10)
	upstream.price("m2", 20)

	engine, _ := newTestEngine(t, upstream, nil)
	ctx := context.Background()

	if _, err := engine.Add(ctx, addParams("r1", "m1", 10, 1)); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	result, err := engine.Add(ctx, addParams("r2", "m2", 20, 1))
	if err != nil {
		t.Fatalf("conflicting add returned error: %v", err)
	}
	if !result.Conflict {
		t.Fatalf("expected conflict result")
	}
	if result.CurrentRestaurant != "r1" || result.NewRestaurant != "r2" {
		t.Fatalf("unexpected conflict restaurants %q vs %q", result.CurrentRestaurant, result.NewRestaurant)
	}
	if len(result.Snapshot.Lines) != 1 || result.Snapshot.Lines[0].RestaurantID != "r1" {
		t.Fatalf("expected cart unchanged while conflict is pending")
	}

	// Further adds are rejected until the conflict is resolved.
	if _, err := engine.Add(ctx, addParams("r1", "m1", 10, 1)); !errors.Is(err, ErrConflictPending) {
		t.Fatalf("expected ErrConflictPending, got %v", err)
	}

	snap, err := engine.ResolveConflict(ctx, true)
	if err != nil {
		t.Fatalf("keep failed: %v", err)
	}
	if snap.Conflict != nil {
		t.Fatalf("expected conflict cleared")
	}
	if len(snap.Lines) != 1 || snap.Lines[0].RestaurantID != "r1" {
		t.Fatalf("expected original cart kept, got %+v", snap.Lines)
	}
	if upstream.addCount() != 2 {
		t.Fatalf("expected no resubmission on keep, got %d add calls", upstream.addCount())
	}
}

func TestConflictReplace(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 10)
	upstream.price("m2", 20)

	engine, _ := newTestEngine(t, upstream, nil)
	ctx := context.Background()

	if _, err := engine.Add(ctx, addParams("r1", "m1", 10, 1)); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	result, err := engine.Add(ctx, addParams("r2", "m2", 20, 2))
	if err != nil || !result.Conflict {
		t.Fatalf("expected conflict, got result=%+v err=%v", result, err)
	}

	snap, err := engine.ResolveConflict(ctx, false)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if snap.RestaurantID != "r2" {
		t.Fatalf("expected cart switched to r2, got %s", snap.RestaurantID)
	}
	if len(snap.Lines) != 1 || snap.Lines[0].MenuItemID != "m2" || snap.Lines[0].Quantity != 2 {
		t.Fatalf("expected the replacement line, got %+v", snap.Lines)
	}
	if snap.Conflict != nil {
		t.Fatalf("expected conflict cleared after replace")
	}

	upstream.mu.Lock()
	last := upstream.addCalls[len(upstream.addCalls)-1]
	upstream.mu.Unlock()
	if !last.ClearCart {
		t.Fatalf("expected replace resubmission to carry the clear-cart flag")
	}
}

func TestOfflineCrossRestaurantAddConflicts(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 10)

	reachable := &atomic.Bool{}
	reachable.Store(true)
	engine, queue := newTestEngine(t, upstream, reachable)
	ctx := context.Background()

	if _, err := engine.Add(ctx, addParams("r1", "m1", 10, 1)); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	reachable.Store(false)
	result, err := engine.Add(ctx, addParams("r2", "m2", 20, 1))
	if err != nil {
		t.Fatalf("offline conflicting add returned error: %v", err)
	}
	if !result.Conflict {
		t.Fatalf("expected cross-restaurant add to conflict while offline")
	}
	if result.CurrentRestaurant != "r1" || result.NewRestaurant != "r2" {
		t.Fatalf("unexpected conflict restaurants %q vs %q", result.CurrentRestaurant, result.NewRestaurant)
	}
	if len(result.Snapshot.Lines) != 1 || result.Snapshot.Lines[0].RestaurantID != "r1" {
		t.Fatalf("expected cart unchanged while conflict is pending, got %+v", result.Snapshot.Lines)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected no queued mutation for an unresolved conflict, got %d", queue.Len())
	}
	if _, err := engine.Add(ctx, addParams("r2", "m2", 20, 1)); !errors.Is(err, ErrConflictPending) {
		t.Fatalf("expected ErrConflictPending, got %v", err)
	}
}

func TestOfflineConflictKeepDiscardsIntent(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 10)

	reachable := &atomic.Bool{}
	reachable.Store(true)
	engine, queue := newTestEngine(t, upstream, reachable)
	ctx := context.Background()

	if _, err := engine.Add(ctx, addParams("r1", "m1", 10, 1)); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	reachable.Store(false)
	if result, err := engine.Add(ctx, addParams("r2", "m2", 20, 1)); err != nil || !result.Conflict {
		t.Fatalf("expected offline conflict, got result=%+v err=%v", result, err)
	}

	snap, err := engine.ResolveConflict(ctx, true)
	if err != nil {
		t.Fatalf("keep failed: %v", err)
	}
	if len(snap.Lines) != 1 || snap.Lines[0].RestaurantID != "r1" {
		t.Fatalf("expected original cart kept, got %+v", snap.Lines)
	}
	if snap.Conflict != nil {
		t.Fatalf("expected conflict cleared")
	}
	if queue.Len() != 0 {
		t.Fatalf("expected nothing queued on keep, got %d", queue.Len())
	}
}

func TestOfflineConflictReplaceQueuesClearAdd(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 10)
	upstream.price("m2", 20)

	reachable := &atomic.Bool{}
	reachable.Store(true)
	engine, queue := newTestEngine(t, upstream, reachable)
	ctx := context.Background()

	if _, err := engine.Add(ctx, addParams("r1", "m1", 10, 1)); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	reachable.Store(false)
	if result, err := engine.Add(ctx, addParams("r2", "m2", 20, 2)); err != nil || !result.Conflict {
		t.Fatalf("expected offline conflict, got result=%+v err=%v", result, err)
	}

	snap, err := engine.ResolveConflict(ctx, false)
	if err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if snap.RestaurantID != "r2" {
		t.Fatalf("expected cart switched to r2, got %s", snap.RestaurantID)
	}
	if len(snap.Lines) != 1 || snap.Lines[0].MenuItemID != "m2" || snap.Lines[0].Quantity != 2 {
		t.Fatalf("expected the replacement line, got %+v", snap.Lines)
	}
	if !snap.Lines[0].PendingSync {
		t.Fatalf("expected the replacement line to be pending while offline")
	}

	if queue.Len() != 1 {
		t.Fatalf("expected queued clear-and-add, got %d", queue.Len())
	}
	entry := queue.Entries()[0]
	var queued orderapi.AddItemRequest
	if err := json.Unmarshal(entry.Body, &queued); err != nil {
		t.Fatalf("queued body decode failed: %v", err)
	}
	if !queued.ClearCart || queued.ProductID != "m2" || queued.Quantity != 2 {
		t.Fatalf("expected clear-cart add for m2, got %+v", queued)
	}
}

func TestResolveWithoutConflict(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()

	engine, _ := newTestEngine(t, upstream, nil)
	if _, err := engine.ResolveConflict(context.Background(), true); !errors.Is(err, ErrNoConflict) {
		t.Fatalf("expected ErrNoConflict, got %v", err)
	}
}

func TestOfflineAddQueues(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 40)

	reachable := &atomic.Bool{}
	engine, queue := newTestEngine(t, upstream, reachable)

	result, err := engine.Add(context.Background(), addParams("r1", "m1", 40, 2))
	if err != nil {
		t.Fatalf("offline add failed: %v", err)
	}
	if len(result.Snapshot.Lines) != 1 {
		t.Fatalf("expected optimistic line, got %d", len(result.Snapshot.Lines))
	}
	line := result.Snapshot.Lines[0]
	if !line.PendingSync || line.ServerItemID != "" {
		t.Fatalf("expected unconfirmed pending line, got %+v", line)
	}
	if line.TotalPrice != 80 {
		t.Fatalf("expected local pricing 80, got %v", line.TotalPrice)
	}

	if queue.Len() != 1 {
		t.Fatalf("expected 1 queued mutation, got %d", queue.Len())
	}
	entry := queue.Entries()[0]
	if entry.Method != http.MethodPost || !strings.HasSuffix(entry.TargetURL, "/cart/item") {
		t.Fatalf("unexpected queued entry %+v", entry)
	}
	if upstream.addCount() != 0 {
		t.Fatalf("expected no upstream call while unreachable, got %d", upstream.addCount())
	}

	// Quantity changes on an unconfirmed line stay local; the queued add
	// plus the post-flush refresh cover them.
	lineID := line.ID
	engine.Increment(lineID)
	settle()
	if queue.Len() != 1 {
		t.Fatalf("expected no extra queue entry for an unconfirmed line, got %d", queue.Len())
	}
	if got := engine.Snapshot().Lines[0].Quantity; got != 3 {
		t.Fatalf("expected local quantity 3, got %d", got)
	}
}

func TestOfflineQuantityChangeQueues(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 10)

	reachable := &atomic.Bool{}
	reachable.Store(true)
	engine, queue := newTestEngine(t, upstream, reachable)

	result, err := engine.Add(context.Background(), addParams("r1", "m1", 10, 1))
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	lineID := result.Snapshot.Lines[0].ID

	reachable.Store(false)
	engine.Increment(lineID)
	settle()

	if upstream.patchCount() != 0 {
		t.Fatalf("expected no upstream call while unreachable, got %d", upstream.patchCount())
	}
	if queue.Len() != 1 {
		t.Fatalf("expected queued quantity change, got %d", queue.Len())
	}
	entry := queue.Entries()[0]
	if entry.Method != http.MethodPatch || entry.LineID != lineID {
		t.Fatalf("unexpected queued entry %+v", entry)
	}
}

func TestRefreshEmptyCart(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()

	engine, _ := newTestEngine(t, upstream, nil)
	snap, err := engine.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if len(snap.Lines) != 0 || snap.RestaurantID != "" {
		t.Fatalf("expected empty cart, got %+v", snap)
	}
}

func TestCloseRejectsMutations(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()

	engine, _ := newTestEngine(t, upstream, nil)
	engine.Close()

	if _, err := engine.Add(context.Background(), addParams("r1", "m1", 10, 1)); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
	if _, err := engine.Increment("x"); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("expected ErrEngineClosed, got %v", err)
	}
}

func TestManagerFlushReplaysQueuedMutations(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 30)

	reachable := &atomic.Bool{}
	gate := netstatus.New(func(ctx context.Context) bool {
		return reachable.Load()
	}, time.Second, nil)
	queue := offline.NewQueue(offline.Options{
		Path:       filepath.Join(t.TempDir(), "queue.json"),
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
	}, nil)
	creds := auth.NewStore()
	creds.SetToken("s1", "opaque-token")

	manager := NewManager(ManagerOptions{
		OrderServiceURL: upstream.srv.URL,
		RequestTimeout:  time.Second,
		Engine:          Config{Debounce: testDebounce},
		Credentials:     creds,
		Queue:           queue,
		Gate:            gate,
	})
	defer manager.CloseAll()

	engine := manager.Engine("s1")
	if _, err := engine.Add(context.Background(), addParams("r1", "m1", 30, 2)); err != nil {
		t.Fatalf("offline add failed: %v", err)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected queued add, got %d", queue.Len())
	}

	reachable.Store(true)
	manager.FlushQueue(context.Background())

	if queue.Len() != 0 {
		t.Fatalf("expected drained queue, got %d", queue.Len())
	}
	if upstream.addCount() != 1 {
		t.Fatalf("expected 1 replayed add, got %d", upstream.addCount())
	}

	// The post-flush refresh confirmed the line with its server ID.
	snap := engine.Snapshot()
	if len(snap.Lines) != 1 {
		t.Fatalf("expected 1 line after flush, got %d", len(snap.Lines))
	}
	if snap.Lines[0].ServerItemID == "" || snap.Lines[0].PendingSync {
		t.Fatalf("expected confirmed line after refresh, got %+v", snap.Lines[0])
	}
	if snap.Lines[0].Quantity != 2 {
		t.Fatalf("expected quantity 2 after refresh, got %d", snap.Lines[0].Quantity)
	}
}

func TestManagerFlushDiscardsStaleGenerations(t *testing.T) {
	upstream := newFakeOrderService()
	defer upstream.close()
	upstream.price("m1", 10)

	reachable := &atomic.Bool{}
	reachable.Store(true)
	gate := netstatus.New(func(ctx context.Context) bool {
		return reachable.Load()
	}, time.Second, nil)
	queue := offline.NewQueue(offline.Options{
		Path:       filepath.Join(t.TempDir(), "queue.json"),
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
	}, nil)
	creds := auth.NewStore()
	creds.SetToken("s1", "opaque-token")

	manager := NewManager(ManagerOptions{
		OrderServiceURL: upstream.srv.URL,
		RequestTimeout:  time.Second,
		Engine:          Config{Debounce: testDebounce},
		Credentials:     creds,
		Queue:           queue,
		Gate:            gate,
	})
	defer manager.CloseAll()

	engine := manager.Engine("s1")
	ctx := context.Background()

	result, err := engine.Add(ctx, addParams("r1", "m1", 10, 1))
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	lineID := result.Snapshot.Lines[0].ID

	// A quantity change queued while offline...
	reachable.Store(false)
	engine.Increment(lineID)
	settle()
	if queue.Len() != 1 {
		t.Fatalf("expected queued quantity change, got %d", queue.Len())
	}

	// ...is superseded when the line is removed before the flush runs.
	if _, err := engine.Remove(ctx, lineID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	reachable.Store(true)
	manager.FlushQueue(ctx)

	if queue.Len() == 0 {
		// The stale PATCH was discarded without replaying it.
		if upstream.patchCount() != 0 {
			t.Fatalf("expected no replay of a superseded mutation, got %d", upstream.patchCount())
		}
		return
	}
	t.Fatalf("expected stale entries dropped, %d remain", queue.Len())
}
