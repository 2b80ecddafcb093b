package dnsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const requestTimeout = 10 * time.Second

// codeNotFound is the zone service's not-found business code
const codeNotFound = 3001

// RESTClient implements Client against the zone service HTTP API
type RESTClient struct {
	baseURL  string
	apiToken string
	client   *http.Client
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient creates a zone service client
func NewRESTClient(baseURL, apiToken string) *RESTClient {
	return &RESTClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiToken: apiToken,
		client: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// apiResponse is the zone service response envelope
type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// ListZones returns every zone the token can manage
func (c *RESTClient) ListZones(ctx context.Context) ([]Zone, error) {
	var zones []Zone
	if err := c.do(ctx, http.MethodGet, "/zones", nil, &zones); err != nil {
		return nil, err
	}
	return zones, nil
}

// GetTxtRecordSet fetches one TXT record set by relative name
func (c *RESTClient) GetTxtRecordSet(ctx context.Context, zone, name string) (*TxtRecordSet, error) {
	var set TxtRecordSet
	path := fmt.Sprintf("/zones/%s/txt/%s", zone, name)
	if err := c.do(ctx, http.MethodGet, path, nil, &set); err != nil {
		return nil, err
	}
	return &set, nil
}

// UpsertTxtRecordSet replaces one TXT record set
func (c *RESTClient) UpsertTxtRecordSet(ctx context.Context, zone string, set TxtRecordSet) error {
	path := fmt.Sprintf("/zones/%s/txt/%s", zone, set.Name)
	return c.do(ctx, http.MethodPut, path, set, nil)
}

func (c *RESTClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("zone service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if envelope.Code != 0 {
		if envelope.Code == codeNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("zone service error: [%d] %s", envelope.Code, envelope.Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to parse result: %w", err)
		}
	}
	return nil
}
