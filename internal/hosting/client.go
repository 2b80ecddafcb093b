package hosting

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the named resource group, site, slot
// or certificate does not exist on the platform.
var ErrNotFound = errors.New("hosting: resource not found")

// Client is the hosting platform surface the issuance and binding
// workflows depend on
type Client interface {
	// ListSites returns every site of a resource group, bindings
	// included. Slots are listed as their own entries.
	ListSites(ctx context.Context, resourceGroup string) ([]Site, error)
	// GetSite fetches one site or slot with its bindings. slot is
	// empty for the production site.
	GetSite(ctx context.Context, resourceGroup, site, slot string) (*Site, error)
	// GetSiteConfig fetches the managed subset of site configuration.
	GetSiteConfig(ctx context.Context, resourceGroup, site, slot string) (*SiteConfig, error)
	// UpdateSiteConfig replaces the managed subset of site
	// configuration.
	UpdateSiteConfig(ctx context.Context, resourceGroup, site, slot string, config *SiteConfig) error
	// GetPublishingCredentials returns the file deployment credentials
	// of a site.
	GetPublishingCredentials(ctx context.Context, resourceGroup, site, slot string) (*PublishingCredentials, error)
	// PublishFile uploads one file to the site's content share, path
	// relative to the content root.
	PublishFile(ctx context.Context, creds *PublishingCredentials, path string, content []byte) error
	// UploadCertificate stores a PKCS#12 bundle under the given
	// certificate name and returns the platform's view of it.
	UploadCertificate(ctx context.Context, resourceGroup, name string, bundle *CertificateBundle) (*Certificate, error)
	// ListCertificates returns every certificate of a resource group.
	ListCertificates(ctx context.Context, resourceGroup string) ([]Certificate, error)
	// UpdateSiteBindings replaces the full binding list of a site in
	// one call.
	UpdateSiteBindings(ctx context.Context, resourceGroup, site, slot string, bindings []HostNameBinding) error
}
