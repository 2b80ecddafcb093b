package issuance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go_certops/internal/hosting"
	"go_certops/internal/workflow"
)

// GetSite loads the target site with its current host-name bindings.
// A site that does not exist will not appear by retrying.
func (a *Activities) GetSite(ctx context.Context, in SiteRef) (*hosting.Site, error) {
	site, err := a.hosting.GetSite(ctx, in.ResourceGroup, in.Site, in.Slot)
	if err != nil {
		if errors.Is(err, hosting.ErrNotFound) {
			return nil, workflow.Fatal(fmt.Errorf("site %s/%s%s: %w", in.ResourceGroup, in.Site, slotSuffix(in.Slot), err))
		}
		return nil, err
	}
	return site, nil
}

type InstallCertificateInput struct {
	ResourceGroup string `json:"resourceGroup"`
	Name          string `json:"name"`
	Location      string `json:"location"`
	PfxBlob       []byte `json:"pfxBlob"`
}

type InstallResult struct {
	Name       string `json:"name"`
	Thumbprint string `json:"thumbprint"`
}

// InstallCertificate uploads the bundle under its deterministic name.
// Uploading the same name again overwrites, so a replayed install
// converges on one resource instead of piling up copies.
func (a *Activities) InstallCertificate(ctx context.Context, in InstallCertificateInput) (*InstallResult, error) {
	cert, err := a.hosting.UploadCertificate(ctx, in.ResourceGroup, in.Name, &hosting.CertificateBundle{
		PfxBlob:  in.PfxBlob,
		Password: a.bundlePassword,
		Location: in.Location,
	})
	if err != nil {
		return nil, err
	}
	return &InstallResult{Name: cert.Name, Thumbprint: cert.Thumbprint}, nil
}

type UpdateSiteBindingsInput struct {
	SiteRef
	Domains       []string `json:"domains"`
	Thumbprint    string   `json:"thumbprint"`
	UseIPBasedSSL bool     `json:"useIpBasedSsl,omitempty"`
}

type UpdateBindingsResult struct {
	Updated int `json:"updated"`
}

// UpdateSiteBindings points every existing binding for the requested
// domains at the certificate and flushes the complete binding list in
// one site update. Bindings for other domains ride along unchanged so
// the flush cannot drop them.
func (a *Activities) UpdateSiteBindings(ctx context.Context, in UpdateSiteBindingsInput) (*UpdateBindingsResult, error) {
	site, err := a.hosting.GetSite(ctx, in.ResourceGroup, in.Site, in.Slot)
	if err != nil {
		if errors.Is(err, hosting.ErrNotFound) {
			return nil, workflow.Fatal(fmt.Errorf("site %s/%s%s: %w", in.ResourceGroup, in.Site, slotSuffix(in.Slot), err))
		}
		return nil, err
	}

	sslState := hosting.SslStateSni
	if in.UseIPBasedSSL {
		sslState = hosting.SslStateIPBased
	}
	bindings := site.HostNameBindings
	updated := 0
	for i := range bindings {
		if !domainMatches(in.Domains, bindings[i].HostName) {
			continue
		}
		bindings[i].Thumbprint = in.Thumbprint
		bindings[i].SslState = sslState
		updated++
	}
	if updated == 0 {
		return nil, workflow.Fatalf("site %s/%s%s has no binding for any of %s",
			in.ResourceGroup, in.Site, slotSuffix(in.Slot), strings.Join(in.Domains, ", "))
	}
	if err := a.hosting.UpdateSiteBindings(ctx, in.ResourceGroup, in.Site, in.Slot, bindings); err != nil {
		return nil, err
	}
	return &UpdateBindingsResult{Updated: updated}, nil
}

type FindCertificateInput struct {
	ResourceGroups []string `json:"resourceGroups"`
	Thumbprint     string   `json:"thumbprint"`
}

// FoundCertificate reports the platform's view of a certificate,
// thumbprint in the platform's canonical casing.
type FoundCertificate struct {
	Name       string `json:"name"`
	Thumbprint string `json:"thumbprint"`
}

// FindCertificate looks the thumbprint up across the given resource
// groups, comparing case-insensitively. No match is fatal: binding
// against a certificate that is not installed cannot succeed later,
// and failing here means nothing has been mutated yet.
func (a *Activities) FindCertificate(ctx context.Context, in FindCertificateInput) (*FoundCertificate, error) {
	for _, rg := range in.ResourceGroups {
		certs, err := a.hosting.ListCertificates(ctx, rg)
		if err != nil {
			return nil, err
		}
		for i := range certs {
			if strings.EqualFold(certs[i].Thumbprint, in.Thumbprint) {
				return &FoundCertificate{Name: certs[i].Name, Thumbprint: certs[i].Thumbprint}, nil
			}
		}
	}
	return nil, workflow.Fatalf("no installed certificate matches thumbprint %s", in.Thumbprint)
}

func domainMatches(domains []string, hostName string) bool {
	for _, d := range domains {
		if strings.EqualFold(d, hostName) {
			return true
		}
	}
	return false
}

func slotSuffix(slot string) string {
	if slot == "" {
		return ""
	}
	return "/" + slot
}
