package acmeclient

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"

	"golang.org/x/crypto/acme"
)

// IsClientRejection reports whether err is the CA refusing the request
// outright, as opposed to a transient server or network failure. Rate
// limiting is 4xx on the wire but clears on its own, so it does not
// count.
func IsClientRejection(err error) bool {
	var ae *acme.Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.StatusCode >= 400 && ae.StatusCode < 500 && ae.StatusCode != http.StatusTooManyRequests
}

// ACMEClient implements Client on golang.org/x/crypto/acme
type ACMEClient struct {
	client *acme.Client
}

var _ Client = (*ACMEClient)(nil)

// New loads or creates the account key at keyPath, registers the
// account with the directory when the key is new, and returns a ready
// client. Registration with an already-registered key is treated as
// success.
func New(ctx context.Context, directoryURL, email, keyPath string) (*ACMEClient, error) {
	key, err := loadOrCreateAccountKey(keyPath)
	if err != nil {
		return nil, err
	}

	client := &acme.Client{
		Key:          key,
		DirectoryURL: directoryURL,
		UserAgent:    "go_certops",
	}

	acct := &acme.Account{Contact: []string{"mailto:" + email}}
	if _, err := client.Register(ctx, acct, acme.AcceptTOS); err != nil &&
		!errors.Is(err, acme.ErrAccountAlreadyExists) {
		return nil, fmt.Errorf("failed to register ACME account: %w", err)
	}

	return &ACMEClient{client: client}, nil
}

// CreateOrder places a new order for the exact set of domains
func (c *ACMEClient) CreateOrder(ctx context.Context, domains []string) (*Order, error) {
	order, err := c.client.AuthorizeOrder(ctx, acme.DomainIDs(domains...))
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return orderFromACME(order), nil
}

// GetOrder refreshes order state from the directory
func (c *ACMEClient) GetOrder(ctx context.Context, url string) (*Order, error) {
	order, err := c.client.GetOrder(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return orderFromACME(order), nil
}

// GetAuthorization fetches one authorization with its challenges
func (c *ACMEClient) GetAuthorization(ctx context.Context, url string) (*Authorization, error) {
	az, err := c.client.GetAuthorization(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization: %w", err)
	}
	out := &Authorization{
		URL:      az.URI,
		Domain:   az.Identifier.Value,
		Wildcard: az.Wildcard,
		Status:   az.Status,
	}
	for _, ch := range az.Challenges {
		out.Challenges = append(out.Challenges, Challenge{Type: ch.Type, URL: ch.URI, Token: ch.Token})
	}
	return out, nil
}

// AnswerChallenge tells the directory the challenge is ready. Only the
// challenge URL is needed; the directory looks up the rest.
func (c *ACMEClient) AnswerChallenge(ctx context.Context, url string) error {
	if _, err := c.client.Accept(ctx, &acme.Challenge{URI: url}); err != nil {
		return fmt.Errorf("failed to answer challenge: %w", err)
	}
	return nil
}

// HTTP01ChallengeProof returns the request path and key authorization
// for an http-01 token
func (c *ACMEClient) HTTP01ChallengeProof(token string) (string, string, error) {
	keyAuth, err := c.client.HTTP01ChallengeResponse(token)
	if err != nil {
		return "", "", fmt.Errorf("failed to compute http-01 response: %w", err)
	}
	return c.client.HTTP01ChallengePath(token), keyAuth, nil
}

// DNS01ChallengeProof returns the TXT record value for a dns-01 token
func (c *ACMEClient) DNS01ChallengeProof(token string) (string, error) {
	value, err := c.client.DNS01ChallengeRecord(token)
	if err != nil {
		return "", fmt.Errorf("failed to compute dns-01 record: %w", err)
	}
	return value, nil
}

// FinalizeOrder submits the CSR and downloads the issued chain
func (c *ACMEClient) FinalizeOrder(ctx context.Context, finalizeURL string, csrDER []byte) ([][]byte, string, error) {
	chain, certURL, err := c.client.CreateOrderCert(ctx, finalizeURL, csrDER, true)
	if err != nil {
		return nil, "", fmt.Errorf("failed to finalize order: %w", err)
	}
	return chain, certURL, nil
}

// FetchCertificate downloads the chain of a finalized order
func (c *ACMEClient) FetchCertificate(ctx context.Context, certURL string) ([][]byte, error) {
	chain, err := c.client.FetchCert(ctx, certURL, true)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch certificate: %w", err)
	}
	return chain, nil
}

func orderFromACME(order *acme.Order) *Order {
	return &Order{
		URL:         order.URI,
		Status:      order.Status,
		FinalizeURL: order.FinalizeURL,
		CertURL:     order.CertURL,
		AuthzURLs:   order.AuthzURLs,
	}
}

// loadOrCreateAccountKey reads the account key PEM, generating and
// persisting a fresh P-256 key on first use
func loadOrCreateAccountKey(path string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return parseAccountKey(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read account key: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode account key: %w", err)
	}
	block := &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to save account key: %w", err)
	}
	return key, nil
}

// parseAccountKey parses a PEM-encoded private key
func parseAccountKey(keyPem []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPem)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	// Try EC private key
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	// Try PKCS8 private key
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, errors.New("account key does not support signing")
		}
		return signer, nil
	}

	return nil, errors.New("unsupported private key type")
}
