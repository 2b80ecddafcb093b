package issuance

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// CertificateRequest asks for one certificate covering Domains,
// installed and bound on the given site. Slot is empty for the
// production slot.
type CertificateRequest struct {
	ResourceGroup string   `json:"resourceGroup"`
	Site          string   `json:"site"`
	Slot          string   `json:"slot,omitempty"`
	Domains       []string `json:"domains"`
	UseIPBasedSSL bool     `json:"useIpBasedSsl,omitempty"`
}

// Validate normalizes the request in place and rejects requests that
// could never issue.
func (r *CertificateRequest) Validate() error {
	if r.ResourceGroup == "" {
		return errors.New("resourceGroup is required")
	}
	if r.Site == "" {
		return errors.New("site is required")
	}
	r.Slot = normalizeSlot(r.Slot)
	return normalizeDomains(r.Domains)
}

// LockKey names the issuance target for duplicate suppression: every
// in-flight submission for the same site and domain set maps to the
// same key, regardless of domain order. Call Validate first so the
// domains are normalized.
func (r *CertificateRequest) LockKey() string {
	domains := append([]string(nil), r.Domains...)
	sort.Strings(domains)
	parts := append([]string{r.ResourceGroup, r.Site, r.Slot}, domains...)
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return "issuance:lock:" + hex.EncodeToString(sum[:])
}

// ZoneBatchRequest asks for one certificate per bare domain, each
// covering the domain and its wildcard. The certificates are uploaded
// into ResourceGroup at Location without touching any site.
type ZoneBatchRequest struct {
	Domains       []string `json:"domains"`
	ResourceGroup string   `json:"resourceGroup"`
	Location      string   `json:"location"`
}

func (r *ZoneBatchRequest) Validate() error {
	if r.ResourceGroup == "" {
		return errors.New("resourceGroup is required")
	}
	if r.Location == "" {
		return errors.New("location is required")
	}
	if err := normalizeDomains(r.Domains); err != nil {
		return err
	}
	for _, d := range r.Domains {
		if strings.HasPrefix(d, "*.") {
			return fmt.Errorf("domain %q: batch requests take bare domains, the wildcard pair is added automatically", d)
		}
	}
	return nil
}

// ZoneCertificateRequest is the per-domain unit of a batch: one
// certificate for Domains (the bare name and its wildcard), uploaded
// without site installation.
type ZoneCertificateRequest struct {
	Domains       []string `json:"domains"`
	ResourceGroup string   `json:"resourceGroup"`
	Location      string   `json:"location"`
}

func (r *ZoneCertificateRequest) Validate() error {
	if r.ResourceGroup == "" {
		return errors.New("resourceGroup is required")
	}
	if r.Location == "" {
		return errors.New("location is required")
	}
	return normalizeDomains(r.Domains)
}

// BindingRequest attaches an already-installed certificate, looked up
// by thumbprint, to existing host-name bindings across sites.
type BindingRequest struct {
	Thumbprint string          `json:"thumbprint"`
	Targets    []BindingTarget `json:"targets"`
}

// BindingTarget names one host-name binding to update.
type BindingTarget struct {
	ResourceGroup string `json:"resourceGroup"`
	Site          string `json:"site"`
	Slot          string `json:"slot,omitempty"`
	Domain        string `json:"domain"`
}

func (r *BindingRequest) Validate() error {
	if r.Thumbprint == "" {
		return errors.New("thumbprint is required")
	}
	if len(r.Targets) == 0 {
		return errors.New("at least one target is required")
	}
	for i := range r.Targets {
		t := &r.Targets[i]
		if t.ResourceGroup == "" || t.Site == "" {
			return fmt.Errorf("target %d: resourceGroup and site are required", i)
		}
		t.Slot = normalizeSlot(t.Slot)
		d := strings.ToLower(strings.TrimSpace(t.Domain))
		if d == "" {
			return fmt.Errorf("target %d: domain is required", i)
		}
		if err := validateDomain(d); err != nil {
			return fmt.Errorf("target %d: %w", i, err)
		}
		t.Domain = d
	}
	return nil
}

// normalizeSlot folds the spelled-out production slot into the empty
// string, which is how the platform addresses the production site.
func normalizeSlot(slot string) string {
	if strings.EqualFold(slot, "production") {
		return ""
	}
	return slot
}

func normalizeDomains(domains []string) error {
	if len(domains) == 0 {
		return errors.New("at least one domain is required")
	}
	seen := make(map[string]struct{}, len(domains))
	for i, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			return fmt.Errorf("domain %d is empty", i)
		}
		if err := validateDomain(d); err != nil {
			return err
		}
		if _, dup := seen[d]; dup {
			return fmt.Errorf("duplicate domain %q", d)
		}
		seen[d] = struct{}{}
		domains[i] = d
	}
	return nil
}

func validateDomain(d string) error {
	bare := strings.TrimPrefix(d, "*.")
	if bare == "" || strings.Contains(bare, "*") {
		return fmt.Errorf("invalid domain %q: wildcards may only appear as a leading label", d)
	}
	if strings.ContainsAny(bare, " \t/\\:") || strings.HasPrefix(bare, ".") || strings.HasSuffix(bare, ".") {
		return fmt.Errorf("invalid domain %q", d)
	}
	return nil
}
