package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zerodha/logf"
)

// DefaultTimeout for HTTP requests
const DefaultTimeout = 30 * time.Second

// Options configures the Cloud API client
type Options struct {
	BaseURL       string // Meta Graph API base URL
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
}

// Client is the WhatsApp Cloud API client
type Client struct {
	HTTPClient *http.Client
	Log        logf.Logger

	baseURL       string
	apiVersion    string
	phoneNumberID string
	accessToken   string
}

// New creates a new WhatsApp client
func New(log logf.Logger, opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		HTTPClient:    &http.Client{Timeout: timeout},
		Log:           log,
		baseURL:       opts.BaseURL,
		apiVersion:    opts.APIVersion,
		phoneNumberID: opts.PhoneNumberID,
		accessToken:   opts.AccessToken,
	}
}

// NewWithBaseURL creates a client pointed at an alternate API endpoint.
// Used by tests against an httptest server.
func NewWithBaseURL(log logf.Logger, baseURL string) *Client {
	return New(log, Options{
		BaseURL:       baseURL,
		APIVersion:    "v18.0",
		PhoneNumberID: "0",
		AccessToken:   "test-token",
	})
}

// doRequest performs an HTTP request to the Meta API
func (c *Client) doRequest(ctx context.Context, method, url string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr MetaAPIError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("API error %d: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// messagesURL builds the messages endpoint URL
func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, c.phoneNumberID)
}

// sendMessage posts a message payload and returns the WhatsApp message ID
func (c *Client) sendMessage(ctx context.Context, payload map[string]interface{}) (string, error) {
	respBody, err := c.doRequest(ctx, http.MethodPost, c.messagesURL(), payload)
	if err != nil {
		return "", err
	}

	var resp MetaAPIResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Messages) == 0 {
		return "", fmt.Errorf("no message ID in response")
	}
	return resp.Messages[0].ID, nil
}
