package issuance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go_certops/internal/acmeclient"
	"go_certops/internal/hosting"
	"go_certops/internal/workflow"
)

const (
	wellKnownVirtualPath  = "/.well-known"
	wellKnownPhysicalPath = `site\.well-known`
)

// webConfig opens the well-known directory for anonymous static
// serving. Extensionless token files get a plain-text MIME type, and
// inherited handlers and rewrite rules are cleared so nothing
// intercepts the request before the static file handler.
const webConfig = `<?xml version="1.0" encoding="utf-8"?>
<configuration>
  <system.webServer>
    <handlers>
      <clear />
      <add name="StaticFile" path="*" verb="*" modules="StaticFileModule" resourceType="Either" />
    </handlers>
    <staticContent>
      <mimeMap fileExtension="." mimeType="text/plain" />
    </staticContent>
    <rewrite>
      <rules>
        <clear />
      </rules>
    </rewrite>
  </system.webServer>
</configuration>
`

type EnsureWellKnownResult struct {
	Updated bool `json:"updated"`
}

// EnsureWellKnown makes sure the site maps the well-known virtual
// path to its physical directory. A correct existing mapping is left
// alone, a mapping pointing elsewhere is corrected, a missing one is
// added. Only the last two write the site config back.
func (a *Activities) EnsureWellKnown(ctx context.Context, in SiteRef) (*EnsureWellKnownResult, error) {
	cfg, err := a.hosting.GetSiteConfig(ctx, in.ResourceGroup, in.Site, in.Slot)
	if err != nil {
		return nil, err
	}
	for i := range cfg.VirtualApplications {
		va := &cfg.VirtualApplications[i]
		if !strings.EqualFold(va.VirtualPath, wellKnownVirtualPath) {
			continue
		}
		if va.PhysicalPath == wellKnownPhysicalPath {
			return &EnsureWellKnownResult{Updated: false}, nil
		}
		va.PhysicalPath = wellKnownPhysicalPath
		if err := a.hosting.UpdateSiteConfig(ctx, in.ResourceGroup, in.Site, in.Slot, cfg); err != nil {
			return nil, err
		}
		return &EnsureWellKnownResult{Updated: true}, nil
	}
	cfg.VirtualApplications = append(cfg.VirtualApplications, hosting.VirtualApplication{
		VirtualPath:  wellKnownVirtualPath,
		PhysicalPath: wellKnownPhysicalPath,
	})
	if err := a.hosting.UpdateSiteConfig(ctx, in.ResourceGroup, in.Site, in.Slot, cfg); err != nil {
		return nil, err
	}
	return &EnsureWellKnownResult{Updated: true}, nil
}

type PrepareHTTPChallengeInput struct {
	SiteRef
	AuthzURL string `json:"authzUrl"`
}

// PrepareHTTPChallenge publishes the key authorization for one
// authorization onto the site: first the handler config so the token
// directory serves static files, then the token file itself. The
// publishing credentials are fetched here and never leave the
// activity; only the resulting public URL and expected content go
// into the step log.
func (a *Activities) PrepareHTTPChallenge(ctx context.Context, in PrepareHTTPChallengeInput) (*ChallengeResult, error) {
	authz, err := a.acme.GetAuthorization(ctx, in.AuthzURL)
	if err != nil {
		return nil, err
	}
	ch := authz.Challenge(acmeclient.ChallengeHTTP01)
	if ch == nil {
		return nil, workflow.Fatalf("authorization for %s offers no %s challenge", authz.Domain, acmeclient.ChallengeHTTP01)
	}
	httpPath, keyAuth, err := a.acme.HTTP01ChallengeProof(ch.Token)
	if err != nil {
		return nil, workflow.Fatal(err)
	}

	creds, err := a.hosting.GetPublishingCredentials(ctx, in.ResourceGroup, in.Site, in.Slot)
	if err != nil {
		return nil, err
	}
	if err := a.hosting.PublishFile(ctx, creds, "site/.well-known/web.config", []byte(webConfig)); err != nil {
		return nil, fmt.Errorf("publish handler config: %w", err)
	}
	if err := a.hosting.PublishFile(ctx, creds, "site"+httpPath, []byte(keyAuth)); err != nil {
		return nil, fmt.Errorf("publish challenge token: %w", err)
	}

	return &ChallengeResult{
		Domain:        authz.Domain,
		Type:          acmeclient.ChallengeHTTP01,
		ChallengeURL:  ch.URL,
		ExpectedValue: keyAuth,
		ResourceURL:   "http://" + authz.Domain + httpPath,
	}, nil
}

type VerifyHTTPChallengeInput struct {
	Domain        string `json:"domain"`
	ResourceURL   string `json:"resourceUrl"`
	ExpectedValue string `json:"expectedValue"`
}

// VerifyHTTPChallenge fetches the token over plain HTTP, the same way
// the CA will. An unreachable site or an error status is worth
// retrying; a response that serves the wrong content is not, because
// republishing the same file will not change what a misrouted path
// returns.
func (a *Activities) VerifyHTTPChallenge(ctx context.Context, in VerifyHTTPChallengeInput) (*VerifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.ResourceURL, nil)
	if err != nil {
		return nil, workflow.Fatal(err)
	}
	resp, err := a.web.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", in.ResourceURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", in.ResourceURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", in.ResourceURL, err)
	}
	got := strings.TrimSpace(string(body))
	if got != in.ExpectedValue {
		return nil, workflow.Fatalf("challenge content mismatch at %s: got %q, want %q", in.ResourceURL, got, in.ExpectedValue)
	}
	return &VerifyResult{Domain: in.Domain, Observed: got}, nil
}
