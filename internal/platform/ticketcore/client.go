// Package ticketcore implements the OrderCore interface by communicating
// with the Ticketeer Core API, which owns orders, quotas and the order
// lifecycle.
package ticketcore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ticketeer/ticketeer-payments/internal/domain"
)

// Client implements domain.OrderCore.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new Ticketeer Core client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// GetOrder retrieves an order by code.
// GET /api/v1/internal/orders/:code/
func (c *Client) GetOrder(ctx context.Context, code string) (*domain.Order, error) {
	url := fmt.Sprintf("%s/api/v1/internal/orders/%s/", c.baseURL, code)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.NewPaymentError(domain.ErrCoreAPIError,
			"failed to create request", "REQUEST_ERROR")
	}
	req.Header.Set("X-Internal-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewPaymentError(domain.ErrCoreAPIError,
			"request failed: "+err.Error(), "HTTP_ERROR")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, domain.ErrOrderNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewPaymentError(domain.ErrCoreAPIError,
			fmt.Sprintf("Core returned status %d", resp.StatusCode), "CORE_ERROR")
	}

	var order domain.Order
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, domain.NewPaymentError(domain.ErrCoreAPIError,
			"failed to decode response", "DECODE_ERROR")
	}
	return &order, nil
}

// ConfirmPayment marks the order as paid through the given payment.
// POST /api/v1/internal/orders/:code/confirm/
// A 409 means confirming would oversell the event's capacity.
func (c *Client) ConfirmPayment(ctx context.Context, orderCode, paymentID string) error {
	resp, err := c.post(ctx, fmt.Sprintf("/api/v1/internal/orders/%s/confirm/", orderCode), map[string]string{
		"payment_id": paymentID,
		"provider":   "sofort",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return domain.ErrCapacityConflict
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(resp.Body)
		return domain.NewPaymentError(domain.ErrCoreAPIError,
			fmt.Sprintf("Core returned status %d: %s", resp.StatusCode, string(body)),
			"CORE_ERROR")
	}
	return nil
}

// ReopenOrder moves the order back to pending-for-retry.
// POST /api/v1/internal/orders/:code/reopen/
func (c *Client) ReopenOrder(ctx context.Context, orderCode string) error {
	resp, err := c.post(ctx, fmt.Sprintf("/api/v1/internal/orders/%s/reopen/", orderCode), map[string]string{
		"provider": "sofort",
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.NewPaymentError(domain.ErrCoreAPIError,
			fmt.Sprintf("Core returned status %d", resp.StatusCode), "CORE_ERROR")
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return nil, domain.NewPaymentError(domain.ErrCoreAPIError,
			"failed to marshal payload", "MARSHAL_ERROR")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, domain.NewPaymentError(domain.ErrCoreAPIError,
			"failed to create request", "REQUEST_ERROR")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewPaymentError(domain.ErrCoreAPIError,
			"request failed: "+err.Error(), "HTTP_ERROR")
	}
	return resp, nil
}
