package hosting

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const requestTimeout = 60 * time.Second

// codeNotFound is the envelope code the platform uses for a missing
// resource
const codeNotFound = 4004

// MTLSConfig holds the client certificate paths for mutual TLS
type MTLSConfig struct {
	ClientCert string
	ClientKey  string
	CACert     string
}

// RESTClient implements Client against the hosting platform HTTP API
type RESTClient struct {
	baseURL  string
	apiToken string
	client   *http.Client
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient creates a hosting platform client. mtls may be nil
// when the platform endpoint does not require client certificates.
func NewRESTClient(baseURL, apiToken string, mtls *MTLSConfig) (*RESTClient, error) {
	httpClient := &http.Client{
		Timeout: requestTimeout,
	}
	if mtls != nil {
		cert, err := tls.LoadX509KeyPair(mtls.ClientCert, mtls.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		caCert, err := os.ReadFile(mtls.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append CA certificate")
		}
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				RootCAs:      caCertPool,
				MinVersion:   tls.VersionTLS12,
			},
			TLSHandshakeTimeout: 15 * time.Second,
		}
	}
	return &RESTClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiToken: apiToken,
		client:   httpClient,
	}, nil
}

// apiResponse is the hosting platform response envelope
type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// sitePath builds the API path of a site or one of its slots
func sitePath(resourceGroup, site, slot string) string {
	path := fmt.Sprintf("/resource-groups/%s/sites/%s", resourceGroup, site)
	if slot != "" {
		path += "/slots/" + slot
	}
	return path
}

// ListSites returns every site of a resource group
func (c *RESTClient) ListSites(ctx context.Context, resourceGroup string) ([]Site, error) {
	var sites []Site
	path := fmt.Sprintf("/resource-groups/%s/sites", resourceGroup)
	if err := c.do(ctx, http.MethodGet, path, nil, &sites); err != nil {
		return nil, err
	}
	return sites, nil
}

// GetSite fetches one site or slot with its bindings
func (c *RESTClient) GetSite(ctx context.Context, resourceGroup, site, slot string) (*Site, error) {
	var out Site
	if err := c.do(ctx, http.MethodGet, sitePath(resourceGroup, site, slot), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSiteConfig fetches the managed subset of site configuration
func (c *RESTClient) GetSiteConfig(ctx context.Context, resourceGroup, site, slot string) (*SiteConfig, error) {
	var out SiteConfig
	path := sitePath(resourceGroup, site, slot) + "/config"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSiteConfig replaces the managed subset of site configuration
func (c *RESTClient) UpdateSiteConfig(ctx context.Context, resourceGroup, site, slot string, config *SiteConfig) error {
	path := sitePath(resourceGroup, site, slot) + "/config"
	return c.do(ctx, http.MethodPut, path, config, nil)
}

// GetPublishingCredentials returns the file deployment credentials
func (c *RESTClient) GetPublishingCredentials(ctx context.Context, resourceGroup, site, slot string) (*PublishingCredentials, error) {
	var out PublishingCredentials
	path := sitePath(resourceGroup, site, slot) + "/publishing-credentials"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PublishFile uploads one file through the site's deployment endpoint
// using basic auth. The platform envelope does not apply here.
func (c *RESTClient) PublishFile(ctx context.Context, creds *PublishingCredentials, path string, content []byte) error {
	url := strings.TrimSuffix(creds.PublishURL, "/") + "/api/vfs/" + strings.TrimPrefix(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	// Overwrite whatever a previous attempt left behind.
	req.Header.Set("If-Match", "*")
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK &&
		resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("deployment endpoint returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// UploadCertificate stores a PKCS#12 bundle under the certificate name
func (c *RESTClient) UploadCertificate(ctx context.Context, resourceGroup, name string, bundle *CertificateBundle) (*Certificate, error) {
	var out Certificate
	path := fmt.Sprintf("/resource-groups/%s/certificates/%s", resourceGroup, name)
	if err := c.do(ctx, http.MethodPut, path, bundle, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCertificates returns every certificate of a resource group
func (c *RESTClient) ListCertificates(ctx context.Context, resourceGroup string) ([]Certificate, error) {
	var certs []Certificate
	path := fmt.Sprintf("/resource-groups/%s/certificates", resourceGroup)
	if err := c.do(ctx, http.MethodGet, path, nil, &certs); err != nil {
		return nil, err
	}
	return certs, nil
}

// UpdateSiteBindings replaces the full binding list of a site in one
// call
func (c *RESTClient) UpdateSiteBindings(ctx context.Context, resourceGroup, site, slot string, bindings []HostNameBinding) error {
	path := sitePath(resourceGroup, site, slot) + "/host-name-bindings"
	payload := map[string][]HostNameBinding{"bindings": bindings}
	return c.do(ctx, http.MethodPut, path, payload, nil)
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
		return fmt.Errorf("hosting platform returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var envelope apiResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if envelope.Code == codeNotFound {
		return ErrNotFound
	}
	if envelope.Code != 0 {
		return fmt.Errorf("hosting platform error: [%d] %s", envelope.Code, envelope.Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("failed to parse result: %w", err)
		}
	}
	return nil
}
