package issuance

import (
	"context"
	"net/http"
	"time"

	"go_certops/internal/acmeclient"
	"go_certops/internal/dnsclient"
	"go_certops/internal/hosting"
	"go_certops/internal/workflow"
)

// Step names as recorded in the workflow step log. Renaming one is a
// breaking change for instances that are mid-flight at upgrade time.
const (
	ActivityGetSite              = "get_site"
	ActivityEnsureWellKnown      = "ensure_well_known"
	ActivityCheckDNSZones        = "check_dns_zones"
	ActivityCreateOrder          = "create_order"
	ActivityPrepareHTTPChallenge = "prepare_http_challenge"
	ActivityMergeDNSChallenges   = "merge_dns_challenges"
	ActivityVerifyHTTPChallenge  = "verify_http_challenge"
	ActivityVerifyDNSChallenge   = "verify_dns_challenge"
	ActivityAnswerChallenges     = "answer_challenges"
	ActivityGetOrderStatus       = "get_order_status"
	ActivityCreateCSR            = "create_csr"
	ActivityFinalizeOrder        = "finalize_order"
	ActivityInstallCertificate   = "install_certificate"
	ActivityUpdateSiteBindings   = "update_site_bindings"
	ActivityFindCertificate      = "find_certificate"
)

// SiteRef names a site, with the production slot as the empty string.
type SiteRef struct {
	ResourceGroup string `json:"resourceGroup"`
	Site          string `json:"site"`
	Slot          string `json:"slot,omitempty"`
}

// ChallengeResult captures everything needed to verify and then
// answer one challenge. It is produced once per authorization and
// never modified afterwards; verification reads it, answering reads
// it, nothing writes it back.
type ChallengeResult struct {
	Domain        string `json:"domain"`
	Type          string `json:"type"`
	ChallengeURL  string `json:"challengeUrl"`
	ExpectedValue string `json:"expectedValue"`
	// ResourceURL is the plain-HTTP URL serving the key authorization
	// (http-01 only).
	ResourceURL string `json:"resourceUrl,omitempty"`
	// RecordName is the fully qualified TXT record name (dns-01 only).
	RecordName string `json:"recordName,omitempty"`
}

// ActivitySet is the full set of side-effecting steps the issuance
// workflows schedule. Keeping it as an explicit interface makes a
// missing or misnamed activity a compile error on the Activities
// implementation instead of a runtime lookup failure.
type ActivitySet interface {
	GetSite(ctx context.Context, in SiteRef) (*hosting.Site, error)
	EnsureWellKnown(ctx context.Context, in SiteRef) (*EnsureWellKnownResult, error)
	CheckDNSZones(ctx context.Context, in CheckZonesInput) (*CheckZonesResult, error)
	CreateOrder(ctx context.Context, in CreateOrderInput) (*acmeclient.Order, error)
	PrepareHTTPChallenge(ctx context.Context, in PrepareHTTPChallengeInput) (*ChallengeResult, error)
	MergeDNSChallenges(ctx context.Context, in MergeDNSChallengesInput) (*MergeDNSChallengesResult, error)
	VerifyHTTPChallenge(ctx context.Context, in VerifyHTTPChallengeInput) (*VerifyResult, error)
	VerifyDNSChallenge(ctx context.Context, in VerifyDNSChallengeInput) (*VerifyResult, error)
	AnswerChallenges(ctx context.Context, in AnswerChallengesInput) (*AnswerChallengesResult, error)
	GetOrderStatus(ctx context.Context, in GetOrderStatusInput) (*acmeclient.Order, error)
	CreateCSR(ctx context.Context, in CreateCSRInput) (*CSRResult, error)
	FinalizeOrder(ctx context.Context, in FinalizeOrderInput) (*FinalizeResult, error)
	InstallCertificate(ctx context.Context, in InstallCertificateInput) (*InstallResult, error)
	UpdateSiteBindings(ctx context.Context, in UpdateSiteBindingsInput) (*UpdateBindingsResult, error)
	FindCertificate(ctx context.Context, in FindCertificateInput) (*FoundCertificate, error)
}

// Activities runs the issuance steps against injected clients. Every
// dependency is an interface so tests can drive whole workflows
// against fakes.
type Activities struct {
	acme           acmeclient.Client
	dns            dnsclient.Client
	hosting        hosting.Client
	web            *http.Client
	resolvers      []string
	recordTTL      int
	bundlePassword string
}

var _ ActivitySet = (*Activities)(nil)

// ActivitiesConfig carries the clients and tunables for an Activities
// set. HTTPClient defaults to a 10 second plain client, Resolvers to
// public resolvers, RecordTTL to 60 seconds.
type ActivitiesConfig struct {
	ACME       acmeclient.Client
	DNS        dnsclient.Client
	Hosting    hosting.Client
	HTTPClient *http.Client
	Resolvers  []string
	RecordTTL  int
	// BundlePassword protects the PKCS#12 bundles handed to the
	// hosting platform.
	BundlePassword string
}

func NewActivities(cfg ActivitiesConfig) *Activities {
	a := &Activities{
		acme:           cfg.ACME,
		dns:            cfg.DNS,
		hosting:        cfg.Hosting,
		web:            cfg.HTTPClient,
		resolvers:      cfg.Resolvers,
		recordTTL:      cfg.RecordTTL,
		bundlePassword: cfg.BundlePassword,
	}
	if a.web == nil {
		a.web = &http.Client{Timeout: 10 * time.Second}
	}
	if len(a.resolvers) == 0 {
		a.resolvers = []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	if a.recordTTL <= 0 {
		a.recordTTL = 60
	}
	return a
}

// Register wires every activity into the engine under its step name.
func (a *Activities) Register(e *workflow.Engine) {
	workflow.RegisterActivity(e, ActivityGetSite, a.GetSite)
	workflow.RegisterActivity(e, ActivityEnsureWellKnown, a.EnsureWellKnown)
	workflow.RegisterActivity(e, ActivityCheckDNSZones, a.CheckDNSZones)
	workflow.RegisterActivity(e, ActivityCreateOrder, a.CreateOrder)
	workflow.RegisterActivity(e, ActivityPrepareHTTPChallenge, a.PrepareHTTPChallenge)
	workflow.RegisterActivity(e, ActivityMergeDNSChallenges, a.MergeDNSChallenges)
	workflow.RegisterActivity(e, ActivityVerifyHTTPChallenge, a.VerifyHTTPChallenge)
	workflow.RegisterActivity(e, ActivityVerifyDNSChallenge, a.VerifyDNSChallenge)
	workflow.RegisterActivity(e, ActivityAnswerChallenges, a.AnswerChallenges)
	workflow.RegisterActivity(e, ActivityGetOrderStatus, a.GetOrderStatus)
	workflow.RegisterActivity(e, ActivityCreateCSR, a.CreateCSR)
	workflow.RegisterActivity(e, ActivityFinalizeOrder, a.FinalizeOrder)
	workflow.RegisterActivity(e, ActivityInstallCertificate, a.InstallCertificate)
	workflow.RegisterActivity(e, ActivityUpdateSiteBindings, a.UpdateSiteBindings)
	workflow.RegisterActivity(e, ActivityFindCertificate, a.FindCertificate)
}

// VerifyResult reports a successful local verification. Failures are
// returned as errors so the retry policy can distinguish transient
// from fatal.
type VerifyResult struct {
	Domain   string `json:"domain"`
	Observed string `json:"observed,omitempty"`
}
