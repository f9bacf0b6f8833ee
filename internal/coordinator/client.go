package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mushrhyme/easy-rebate-sub001/internal/items"
)

// Item is the server's representation of a row.
type Item struct {
	ItemID       int64              `json:"item_id"`
	PDFFilename  string             `json:"pdf_filename"`
	PageNumber   int                `json:"page_number"`
	Order        int                `json:"order"`
	FieldData    map[string]any     `json:"field_data"`
	ReviewStatus items.ReviewStatus `json:"review_status"`
	Version      int64              `json:"version"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// LockGrant is the server's answer to a successful acquire.
type LockGrant struct {
	ItemID    int64     `json:"item_id"`
	LockedBy  string    `json:"locked_by"`
	ExpiresAt time.Time `json:"expires_at"`
}

// WriteRequest is one CAS write. Nil FieldData or ReviewStatus keep the
// server's current value.
type WriteRequest struct {
	FieldData       map[string]any      `json:"field_data"`
	ReviewStatus    *items.ReviewStatus `json:"review_status"`
	ExpectedVersion int64               `json:"expected_version"`
	SessionID       string              `json:"session_id"`
}

// APIError represents an error response from the server.
type APIError struct {
	StatusCode     int
	Message        string
	LockedBy       string
	CurrentVersion int64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks to the lock and item REST endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client targeting the given base URL
// (e.g. "http://localhost:8080").
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// --- Sessions ---

type sessionPayload struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OpenSession exchanges an identity token for a review session.
func (c *Client) OpenSession(ctx context.Context, identityToken string) (sessionID, userID string, err error) {
	var payload sessionPayload
	headers := map[string]string{"Authorization": "Bearer " + identityToken}
	if err := c.doJSON(ctx, http.MethodPost, "/sessions", nil, &payload, headers); err != nil {
		return "", "", translate(0, err)
	}
	return payload.SessionID, payload.UserID, nil
}

func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return translate(0, c.doJSON(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil, nil))
}

// --- Locks ---

func (c *Client) AcquireLock(ctx context.Context, itemID int64, sessionID string) (LockGrant, error) {
	var grant LockGrant
	body := map[string]string{"session_id": sessionID}
	if err := c.doJSON(ctx, http.MethodPost, itemPath(itemID)+"/lock", body, &grant, nil); err != nil {
		return LockGrant{}, translate(itemID, err)
	}
	return grant, nil
}

func (c *Client) ReleaseLock(ctx context.Context, itemID int64, sessionID string) error {
	body := map[string]string{"session_id": sessionID}
	return translate(itemID, c.doJSON(ctx, http.MethodDelete, itemPath(itemID)+"/lock", body, nil, nil))
}

// --- Items ---

func (c *Client) GetItem(ctx context.Context, itemID int64) (Item, error) {
	var item Item
	if err := c.doJSON(ctx, http.MethodGet, itemPath(itemID), nil, &item, nil); err != nil {
		return Item{}, translate(itemID, err)
	}
	return item, nil
}

func (c *Client) ListPage(ctx context.Context, page items.PageRef) ([]Item, error) {
	var resp struct {
		Items []Item `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, pagePath(page)+"/items", nil, &resp, nil); err != nil {
		return nil, translate(0, err)
	}
	return resp.Items, nil
}

// CreateItem seeds a row on the page at version 0.
func (c *Client) CreateItem(ctx context.Context, page items.PageRef, order int, fieldData map[string]any) (Item, error) {
	var item Item
	body := map[string]any{"order": order, "field_data": fieldData}
	if err := c.doJSON(ctx, http.MethodPost, pagePath(page)+"/items", body, &item, nil); err != nil {
		return Item{}, translate(0, err)
	}
	return item, nil
}

func (c *Client) WriteItem(ctx context.Context, itemID int64, req WriteRequest) (Item, error) {
	var item Item
	if err := c.doJSON(ctx, http.MethodPut, itemPath(itemID), req, &item, nil); err != nil {
		return Item{}, translate(itemID, err)
	}
	return item, nil
}

func itemPath(itemID int64) string {
	return "/items/" + strconv.FormatInt(itemID, 10)
}

func pagePath(page items.PageRef) string {
	return "/documents/" + url.PathEscape(page.PDFFilename) + "/pages/" + strconv.Itoa(page.PageNumber)
}

// translate turns server error codes into the coordinator's error taxonomy.
func translate(itemID int64, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Message {
	case "session_invalid":
		return ErrSessionInvalid
	case "lock_conflict", "item_locked":
		return &LockConflictError{ItemID: itemID, Holder: apiErr.LockedBy}
	case "version_conflict":
		return &VersionConflictError{ItemID: itemID, Current: apiErr.CurrentVersion}
	case "item_not_found":
		return fmt.Errorf("%w: %d", ErrItemNotFound, itemID)
	}
	return apiErr
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any, headers map[string]string) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrConnection, err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error          string `json:"error"`
			LockedBy       string `json:"locked_by"`
			CurrentVersion int64  `json:"current_version"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{
				StatusCode:     resp.StatusCode,
				Message:        errResp.Error,
				LockedBy:       errResp.LockedBy,
				CurrentVersion: errResp.CurrentVersion,
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
