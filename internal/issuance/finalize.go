package issuance

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"go_certops/internal/acmeclient"
	"go_certops/internal/workflow"
)

type CreateCSRInput struct {
	Domains []string `json:"domains"`
}

// CSRResult carries the private key and signing request between key
// generation and finalization. Recording both in the step log is what
// makes finalization resumable: a crash after the CA consumed the
// order can still rebuild the bundle around the same key.
type CSRResult struct {
	KeyPEM string `json:"keyPem"`
	CsrDER []byte `json:"csrDer"`
}

// CreateCSR generates a fresh P-256 key and a signing request naming
// exactly the requested domains, first domain as the subject.
func (a *Activities) CreateCSR(ctx context.Context, in CreateCSRInput) (*CSRResult, error) {
	if len(in.Domains) == 0 {
		return nil, workflow.Fatalf("csr requested with no domains")
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: in.Domains[0]},
		DNSNames: in.Domains,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("create csr: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return &CSRResult{KeyPEM: string(keyPEM), CsrDER: csr}, nil
}

type FinalizeOrderInput struct {
	OrderURL    string `json:"orderUrl"`
	FinalizeURL string `json:"finalizeUrl"`
	CsrDER      []byte `json:"csrDer"`
	KeyPEM      string `json:"keyPem"`
}

type FinalizeResult struct {
	Thumbprint string    `json:"thumbprint"`
	PfxBlob    []byte    `json:"pfxBlob"`
	Issuer     string    `json:"issuer"`
	NotAfter   time.Time `json:"notAfter"`
}

// FinalizeOrder submits the CSR, downloads the issued chain and packs
// it with the private key into a password-protected PKCS#12 bundle.
// An order a previous attempt already finalized is not submitted
// again; its certificate is fetched instead.
func (a *Activities) FinalizeOrder(ctx context.Context, in FinalizeOrderInput) (*FinalizeResult, error) {
	block, _ := pem.Decode([]byte(in.KeyPEM))
	if block == nil {
		return nil, workflow.Fatalf("finalize input holds no PEM-encoded key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, workflow.Fatal(fmt.Errorf("parse private key: %w", err))
	}

	order, err := a.acme.GetOrder(ctx, in.OrderURL)
	if err != nil {
		return nil, err
	}
	var chain [][]byte
	if order.Status == acmeclient.StatusValid && order.CertURL != "" {
		chain, err = a.acme.FetchCertificate(ctx, order.CertURL)
	} else {
		chain, _, err = a.acme.FinalizeOrder(ctx, in.FinalizeURL, in.CsrDER)
	}
	if err != nil {
		if acmeclient.IsClientRejection(err) {
			return nil, workflow.Fatal(err)
		}
		return nil, err
	}
	if len(chain) == 0 {
		return nil, workflow.Fatalf("order %s returned an empty certificate chain", in.OrderURL)
	}

	leaf, err := x509.ParseCertificate(chain[0])
	if err != nil {
		return nil, workflow.Fatal(fmt.Errorf("parse leaf certificate: %w", err))
	}
	var cas []*x509.Certificate
	for _, der := range chain[1:] {
		ca, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, workflow.Fatal(fmt.Errorf("parse chain certificate: %w", err))
		}
		cas = append(cas, ca)
	}

	pfx, err := pkcs12.Encode(rand.Reader, key, leaf, cas, a.bundlePassword)
	if err != nil {
		return nil, workflow.Fatal(fmt.Errorf("encode pkcs12 bundle: %w", err))
	}
	return &FinalizeResult{
		Thumbprint: Thumbprint(leaf.Raw),
		PfxBlob:    pfx,
		Issuer:     leaf.Issuer.CommonName,
		NotAfter:   leaf.NotAfter,
	}, nil
}

// Thumbprint returns the uppercase hex SHA-1 digest of the DER
// encoding, the form the hosting platform reports for installed
// certificates.
func Thumbprint(der []byte) string {
	sum := sha1.Sum(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// CertificateName derives the deterministic platform name for an
// issued certificate, so a re-run of the same issuance lands on the
// same resource instead of piling up copies.
func CertificateName(firstDomain, thumbprint string) string {
	d := strings.ReplaceAll(firstDomain, "*", "wildcard")
	d = strings.ReplaceAll(d, ".", "-")
	return d + "-" + thumbprint
}
