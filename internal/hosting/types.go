package hosting

import (
	"strings"
	"time"
)

// SslState values for a hostname binding
const (
	SslStateDisabled = "disabled"
	SslStateSni      = "sni"
	SslStateIPBased  = "ip_based"
)

// Site is one hosted site or deployment slot
type Site struct {
	Name             string            `json:"name"`
	ResourceGroup    string            `json:"resourceGroup"`
	Slot             string            `json:"slot,omitempty"`
	Location         string            `json:"location"`
	Kind             string            `json:"kind"`
	DefaultHostName  string            `json:"defaultHostName"`
	HostNameBindings []HostNameBinding `json:"hostNameBindings"`
}

// IsContainer reports whether the site runs as a container
func (s *Site) IsContainer() bool {
	return strings.Contains(s.Kind, "container")
}

// IsWindows reports whether the site runs on Windows workers. An
// empty kind defaults to a Windows web app.
func (s *Site) IsWindows() bool {
	return !strings.Contains(s.Kind, "linux")
}

// HasHostName reports whether the site carries a binding for the
// given hostname (case-insensitive)
func (s *Site) HasHostName(hostName string) bool {
	for _, b := range s.HostNameBindings {
		if strings.EqualFold(b.HostName, hostName) {
			return true
		}
	}
	return false
}

// HostNameBinding is one custom-domain binding of a site
type HostNameBinding struct {
	HostName   string `json:"hostName"`
	SslState   string `json:"sslState"`
	Thumbprint string `json:"thumbprint,omitempty"`
}

// SiteConfig is the subset of site configuration the issuance
// workflows manage
type SiteConfig struct {
	VirtualApplications []VirtualApplication `json:"virtualApplications"`
}

// VirtualApplication maps a virtual path onto a physical path
type VirtualApplication struct {
	VirtualPath    string `json:"virtualPath"`
	PhysicalPath   string `json:"physicalPath"`
	PreloadEnabled bool   `json:"preloadEnabled"`
}

// PublishingCredentials authenticate file deployments to a site
type PublishingCredentials struct {
	PublishURL string `json:"publishUrl"`
	Username   string `json:"username"`
	Password   string `json:"password"`
}

// Certificate is the platform's view of an uploaded certificate
type Certificate struct {
	Name       string    `json:"name"`
	Thumbprint string    `json:"thumbprint"`
	HostNames  []string  `json:"hostNames"`
	Issuer     string    `json:"issuer"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Location   string    `json:"location"`
}

// CertificateBundle is a password-protected PKCS#12 bundle to upload.
// PfxBlob travels base64-encoded over the wire.
type CertificateBundle struct {
	PfxBlob  []byte `json:"pfxBlob"`
	Password string `json:"password"`
	Location string `json:"location"`
}
