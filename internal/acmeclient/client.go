package acmeclient

import "context"

// Order lifecycle statuses as reported by the directory (RFC 8555 §7.1.6)
const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
)

// Challenge types
const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"
)

// Order is the subset of directory order state the issuance workflows
// track between steps
type Order struct {
	URL         string   `json:"url"`
	Status      string   `json:"status"`
	FinalizeURL string   `json:"finalizeUrl"`
	CertURL     string   `json:"certUrl,omitempty"`
	AuthzURLs   []string `json:"authzUrls"`
}

// Challenge is one offered challenge of an authorization
type Challenge struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Authorization is one pending domain authorization of an order
type Authorization struct {
	URL        string      `json:"url"`
	Domain     string      `json:"domain"`
	Wildcard   bool        `json:"wildcard"`
	Status     string      `json:"status"`
	Challenges []Challenge `json:"challenges"`
}

// Challenge returns the offered challenge of the given type, or nil
func (a *Authorization) Challenge(challengeType string) *Challenge {
	for i := range a.Challenges {
		if a.Challenges[i].Type == challengeType {
			return &a.Challenges[i]
		}
	}
	return nil
}

// Client is the directory surface the issuance workflows depend on.
// Implementations wrap one ACME account against one directory.
type Client interface {
	// CreateOrder places a new order for the exact set of domains.
	CreateOrder(ctx context.Context, domains []string) (*Order, error)
	// GetOrder refreshes order state from the directory.
	GetOrder(ctx context.Context, url string) (*Order, error)
	// GetAuthorization fetches one authorization with its offered
	// challenges.
	GetAuthorization(ctx context.Context, url string) (*Authorization, error)
	// AnswerChallenge tells the directory a challenge is ready to be
	// validated.
	AnswerChallenge(ctx context.Context, url string) error
	// HTTP01ChallengeProof returns the well-known request path and the
	// key authorization body for an http-01 token.
	HTTP01ChallengeProof(token string) (path, keyAuth string, err error)
	// DNS01ChallengeProof returns the TXT record value for a dns-01
	// token.
	DNS01ChallengeProof(token string) (string, error)
	// FinalizeOrder submits the CSR and downloads the issued chain,
	// leaf first.
	FinalizeOrder(ctx context.Context, finalizeURL string, csrDER []byte) (chain [][]byte, certURL string, err error)
	// FetchCertificate downloads the chain of an already-finalized
	// order.
	FetchCertificate(ctx context.Context, certURL string) ([][]byte, error)
}
