package orderapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// TokenFunc returns the current bearer credential for the session the
// client is bound to. Credential management is external to the engine;
// a missing or expired credential surfaces as an authorization error
// before any network call is made.
type TokenFunc func() (string, error)

type Client struct {
	baseURL string
	http    *http.Client
	token   TokenFunc
}

func New(baseURL string, timeout time.Duration, token TokenFunc) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		token:   token,
	}
}

// URL resolves a cart path against the order service base URL. Offline
// queue entries store the absolute URL so dedupe keys stay stable.
func (c *Client) URL(path string) string {
	return c.baseURL + path
}

// FetchCart returns the canonical server cart, or an empty-cart
// sentinel when the server reports no cart.
func (c *Client) FetchCart(ctx context.Context) (*CartSnapshot, error) {
	data, _, err := c.do(ctx, http.MethodGet, c.URL("/cart"), nil)
	if err != nil {
		if apiErr, ok := err.(*Error); ok && apiErr.Code == "NOT_FOUND" {
			return &CartSnapshot{Empty: true}, nil
		}
		return nil, err
	}
	return decodeSnapshot(data)
}

func (c *Client) AddItem(ctx context.Context, req AddItemRequest) (*CartSnapshot, error) {
	data, _, err := c.do(ctx, http.MethodPost, c.URL("/cart/item"), req)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data)
}

func (c *Client) SetQuantity(ctx context.Context, req SetQuantityRequest) (*CartSnapshot, error) {
	data, _, err := c.do(ctx, http.MethodPatch, c.URL("/cart/item/"+req.ItemID+"/quantity"), req)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data)
}

// RemoveItem deletes a confirmed cart item. A not-found response means
// the item is already gone, which is success from the cart's point of
// view.
func (c *Client) RemoveItem(ctx context.Context, itemID string) error {
	_, _, err := c.do(ctx, http.MethodDelete, c.URL("/cart/item/"+itemID), nil)
	if err != nil {
		if apiErr, ok := err.(*Error); ok && apiErr.Code == "NOT_FOUND" {
			return nil
		}
		return err
	}
	return nil
}

// Replay re-sends a queued mutation exactly as it was originally
// described. Used by the offline queue once connectivity returns.
func (c *Client) Replay(ctx context.Context, method, targetURL string, body []byte) error {
	var payload json.RawMessage
	if len(body) > 0 {
		payload = body
	}
	_, _, err := c.do(ctx, method, targetURL, payload)
	if err != nil {
		if apiErr, ok := err.(*Error); ok && method == http.MethodDelete && apiErr.Code == "NOT_FOUND" {
			return nil
		}
		return err
	}
	return nil
}

type envelope struct {
	Success           bool            `json:"success"`
	Data              json.RawMessage `json:"data"`
	Error             string          `json:"error"`
	Message           string          `json:"message"`
	Conflict          bool            `json:"conflict"`
	CurrentRestaurant string          `json:"currentRestaurant"`
	NewRestaurant     string          `json:"newRestaurant"`
}

func (c *Client) do(ctx context.Context, method, targetURL string, payload any) (json.RawMessage, int, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, newError(KindUnknown, "ENCODE_FAILED", err.Error())
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, reqBody)
	if err != nil {
		return nil, 0, newError(KindUnknown, "REQUEST_FAILED", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	if c.token != nil {
		token, err := c.token()
		if err != nil {
			return nil, 0, newError(KindAuthorization, "CREDENTIAL_MISSING", err.Error())
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, 0, classifyTransport(err)
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, res.StatusCode, classifyTransport(err)
	}

	var env envelope
	if len(resBody) > 0 {
		_ = json.Unmarshal(resBody, &env)
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, res.StatusCode, newError(KindAuthorization, defaultCode(env.Error, "UNAUTHORIZED"), defaultMessage(env.Message, "credential rejected"))
	case res.StatusCode == http.StatusConflict || env.Conflict:
		apiErr := newError(KindConflict, defaultCode(env.Error, "CART_CONFLICT"), defaultMessage(env.Message, "cart holds items from another restaurant"))
		apiErr.Conflict = &ConflictInfo{
			CurrentRestaurant: env.CurrentRestaurant,
			NewRestaurant:     env.NewRestaurant,
		}
		return nil, res.StatusCode, apiErr
	case res.StatusCode == http.StatusNotFound:
		return nil, res.StatusCode, newError(KindValidation, "NOT_FOUND", defaultMessage(env.Message, "resource not found"))
	case res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusUnprocessableEntity:
		return nil, res.StatusCode, newError(KindValidation, defaultCode(env.Error, "VALIDATION_ERROR"), defaultMessage(env.Message, "request rejected"))
	case res.StatusCode >= 400:
		return nil, res.StatusCode, newError(KindUnknown, defaultCode(env.Error, "UPSTREAM_ERROR"), defaultMessage(env.Message, res.Status))
	}

	return env.Data, res.StatusCode, nil
}

func classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(KindTimeout, "TIMEOUT", err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(KindTimeout, "TIMEOUT", err.Error())
	}
	return newError(KindConnectivity, "UNREACHABLE", err.Error())
}

func decodeSnapshot(data json.RawMessage) (*CartSnapshot, error) {
	if len(data) == 0 {
		return &CartSnapshot{Empty: true}, nil
	}
	var snapshot CartSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, newError(KindUnknown, "DECODE_FAILED", err.Error())
	}
	return &snapshot, nil
}

func defaultCode(code, fallback string) string {
	if strings.TrimSpace(code) == "" {
		return fallback
	}
	return code
}

func defaultMessage(message, fallback string) string {
	if strings.TrimSpace(message) == "" {
		return fallback
	}
	return message
}
