package issuance

import (
	"fmt"
	"strings"
	"time"

	"go_certops/internal/acmeclient"
	"go_certops/internal/hosting"
	"go_certops/internal/workflow"
)

// Workflow kinds registered with the engine.
const (
	WorkflowIssueCertificate     = "issue_certificate"
	WorkflowIssueZoneCertificate = "issue_zone_certificate"
	WorkflowIssueZoneBatch       = "issue_zone_batch"
	WorkflowBindCertificate      = "bind_certificate"
)

// Config tunes the orchestration loops. Zero values fall back to
// defaults sized for public CAs and worldwide DNS propagation.
type Config struct {
	// PollMaxAttempts bounds how often a still-pending order is
	// polled before the workflow gives up.
	PollMaxAttempts int
	// PollInterval is the delay before the second poll; it doubles
	// per attempt, capped at five minutes.
	PollInterval time.Duration
	// VerifyMaxAttempts and VerifyInterval shape the retry policy of
	// local challenge verification, where "not visible yet" is the
	// normal case for a while.
	VerifyMaxAttempts int
	VerifyInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.VerifyMaxAttempts <= 0 {
		c.VerifyMaxAttempts = 12
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = 10 * time.Second
	}
	return c
}

// Orchestrator holds the deterministic workflow bodies. All side
// effects happen in the Activities; the bodies only decide what runs
// next, so they replay identically from the step log.
type Orchestrator struct {
	cfg Config
}

func NewOrchestrator(cfg Config) *Orchestrator {
	return &Orchestrator{cfg: cfg.withDefaults()}
}

// Register wires the workflow bodies and the activity set into the
// engine.
func (o *Orchestrator) Register(e *workflow.Engine, acts *Activities) {
	e.RegisterWorkflow(WorkflowIssueCertificate, o.IssueCertificate)
	e.RegisterWorkflow(WorkflowIssueZoneCertificate, o.IssueZoneCertificate)
	e.RegisterWorkflow(WorkflowIssueZoneBatch, o.IssueZoneBatch)
	e.RegisterWorkflow(WorkflowBindCertificate, o.BindCertificate)
	acts.Register(e)
}

// IssueResult is the output of one issuance workflow.
type IssueResult struct {
	CertificateName string    `json:"certificateName"`
	Thumbprint      string    `json:"thumbprint"`
	Domains         []string  `json:"domains"`
	Issuer          string    `json:"issuer,omitempty"`
	NotAfter        time.Time `json:"notAfter"`
	ChallengeType   string    `json:"challengeType"`
}

// IssueCertificate drives one certificate from request to bound
// bindings: select the challenge type, prepare and locally verify
// every challenge, answer the CA, wait for issuance, then install and
// rebind.
func (o *Orchestrator) IssueCertificate(c *workflow.Context) (any, error) {
	var req CertificateRequest
	if err := c.GetInput(&req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, workflow.Fatal(err)
	}

	ref := SiteRef{ResourceGroup: req.ResourceGroup, Site: req.Site, Slot: req.Slot}
	var site hosting.Site
	if err := c.Step(ActivityGetSite, ref, &site, workflow.DefaultRetryPolicy); err != nil {
		return nil, err
	}

	// Every requested domain must already be bound on the site;
	// otherwise the CA's validation traffic would never reach it.
	var missing []string
	for _, d := range req.Domains {
		if !site.HasHostName(d) {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return nil, workflow.Fatalf("domains not bound on site %s: %s", req.Site, strings.Join(missing, ", "))
	}

	challengeType := SelectChallengeType(req.Domains, &site)
	c.Logger().WithField("challenge", challengeType).Info("challenge type selected")

	switch challengeType {
	case acmeclient.ChallengeHTTP01:
		if err := c.Step(ActivityEnsureWellKnown, ref, nil, workflow.DefaultRetryPolicy); err != nil {
			return nil, err
		}
	default:
		if err := c.Step(ActivityCheckDNSZones, CheckZonesInput{Domains: req.Domains}, nil, workflow.DefaultRetryPolicy); err != nil {
			return nil, err
		}
	}

	fin, err := o.issueOrder(c, ref, req.Domains, challengeType)
	if err != nil {
		return nil, err
	}

	name := CertificateName(req.Domains[0], fin.Thumbprint)
	install := InstallCertificateInput{
		ResourceGroup: req.ResourceGroup,
		Name:          name,
		Location:      site.Location,
		PfxBlob:       fin.PfxBlob,
	}
	if err := c.Step(ActivityInstallCertificate, install, nil, workflow.DefaultRetryPolicy); err != nil {
		return nil, err
	}

	update := UpdateSiteBindingsInput{
		SiteRef:       ref,
		Domains:       req.Domains,
		Thumbprint:    fin.Thumbprint,
		UseIPBasedSSL: req.UseIPBasedSSL,
	}
	if err := c.Step(ActivityUpdateSiteBindings, update, nil, workflow.DefaultRetryPolicy); err != nil {
		return nil, err
	}

	return &IssueResult{
		CertificateName: name,
		Thumbprint:      fin.Thumbprint,
		Domains:         req.Domains,
		Issuer:          fin.Issuer,
		NotAfter:        fin.NotAfter,
		ChallengeType:   challengeType,
	}, nil
}

// IssueZoneCertificate issues one certificate without touching any
// site: DNS-01 only, uploaded into the resource group at the given
// location.
func (o *Orchestrator) IssueZoneCertificate(c *workflow.Context) (any, error) {
	var req ZoneCertificateRequest
	if err := c.GetInput(&req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, workflow.Fatal(err)
	}

	if err := c.Step(ActivityCheckDNSZones, CheckZonesInput{Domains: req.Domains}, nil, workflow.DefaultRetryPolicy); err != nil {
		return nil, err
	}

	fin, err := o.issueOrder(c, SiteRef{}, req.Domains, acmeclient.ChallengeDNS01)
	if err != nil {
		return nil, err
	}

	name := CertificateName(req.Domains[0], fin.Thumbprint)
	install := InstallCertificateInput{
		ResourceGroup: req.ResourceGroup,
		Name:          name,
		Location:      req.Location,
		PfxBlob:       fin.PfxBlob,
	}
	if err := c.Step(ActivityInstallCertificate, install, nil, workflow.DefaultRetryPolicy); err != nil {
		return nil, err
	}

	return &IssueResult{
		CertificateName: name,
		Thumbprint:      fin.Thumbprint,
		Domains:         req.Domains,
		Issuer:          fin.Issuer,
		NotAfter:        fin.NotAfter,
		ChallengeType:   acmeclient.ChallengeDNS01,
	}, nil
}

// BatchResult is the output of a zone batch, one entry per domain.
type BatchResult struct {
	Certificates []IssueResult `json:"certificates"`
}

// IssueZoneBatch issues one certificate per bare domain, each
// covering the domain and its wildcard, as child workflows run one
// after another. A child failure stops the batch: earlier children
// keep their certificates, later domains are never started, and every
// child ends in a terminal state.
func (o *Orchestrator) IssueZoneBatch(c *workflow.Context) (any, error) {
	var req ZoneBatchRequest
	if err := c.GetInput(&req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, workflow.Fatal(err)
	}

	// Zone coverage for the whole batch is checked up front so a bad
	// batch fails before any per-domain workflow starts.
	if err := c.Step(ActivityCheckDNSZones, CheckZonesInput{Domains: req.Domains}, nil, workflow.DefaultRetryPolicy); err != nil {
		return nil, err
	}

	out := &BatchResult{Certificates: make([]IssueResult, 0, len(req.Domains))}
	for _, d := range req.Domains {
		child := ZoneCertificateRequest{
			Domains:       []string{d, "*." + d},
			ResourceGroup: req.ResourceGroup,
			Location:      req.Location,
		}
		var res IssueResult
		if err := c.RunChild(WorkflowIssueZoneCertificate, child, &res); err != nil {
			return nil, err
		}
		out.Certificates = append(out.Certificates, res)
	}
	return out, nil
}

// BindResult is the output of a binding workflow.
type BindResult struct {
	CertificateName string `json:"certificateName"`
	Thumbprint      string `json:"thumbprint"`
	UpdatedSites    int    `json:"updatedSites"`
	UpdatedBindings int    `json:"updatedBindings"`
}

// BindCertificate attaches an installed certificate to existing
// bindings across sites. The certificate lookup comes first and fails
// the workflow before any site is touched; then each target site gets
// exactly one binding flush.
func (o *Orchestrator) BindCertificate(c *workflow.Context) (any, error) {
	var req BindingRequest
	if err := c.GetInput(&req); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, workflow.Fatal(err)
	}

	var cert FoundCertificate
	find := FindCertificateInput{
		ResourceGroups: distinctResourceGroups(req.Targets),
		Thumbprint:     req.Thumbprint,
	}
	if err := c.Step(ActivityFindCertificate, find, &cert, workflow.DefaultRetryPolicy); err != nil {
		return nil, err
	}

	groups := groupTargets(req.Targets)
	futures := make([]*workflow.Future, 0, len(groups))
	for _, g := range groups {
		in := UpdateSiteBindingsInput{
			SiteRef:    g.SiteRef,
			Domains:    g.Domains,
			Thumbprint: cert.Thumbprint,
		}
		futures = append(futures, c.StartStep(ActivityUpdateSiteBindings, in, workflow.DefaultRetryPolicy))
	}
	if err := c.AwaitAll(futures...); err != nil {
		return nil, err
	}

	updated := 0
	for _, f := range futures {
		var r UpdateBindingsResult
		if err := f.Get(&r); err != nil {
			return nil, err
		}
		updated += r.Updated
	}
	return &BindResult{
		CertificateName: cert.Name,
		Thumbprint:      cert.Thumbprint,
		UpdatedSites:    len(groups),
		UpdatedBindings: updated,
	}, nil
}

// issueOrder runs the order lifecycle shared by site-bound and
// zone-only issuance: create, solve and locally verify challenges,
// answer the CA, poll to readiness, finalize into a PKCS#12 bundle.
func (o *Orchestrator) issueOrder(c *workflow.Context, ref SiteRef, domains []string, challengeType string) (*FinalizeResult, error) {
	var order acmeclient.Order
	if err := c.Step(ActivityCreateOrder, CreateOrderInput{Domains: domains}, &order, workflow.DefaultRetryPolicy); err != nil {
		return nil, err
	}

	results, err := o.solveChallenges(c, ref, &order, challengeType)
	if err != nil {
		return nil, err
	}

	// Answering is gated on every local verification having passed;
	// the CA only gets one shot per authorization.
	answer := AnswerChallengesInput{ChallengeURLs: challengeURLs(results)}
	if err := c.Step(ActivityAnswerChallenges, answer, nil, workflow.DefaultRetryPolicy); err != nil {
		return nil, err
	}

	ready, err := o.pollOrder(c, order.URL)
	if err != nil {
		return nil, err
	}
	finalizeURL := ready.FinalizeURL
	if finalizeURL == "" {
		finalizeURL = order.FinalizeURL
	}

	var csr CSRResult
	if err := c.Step(ActivityCreateCSR, CreateCSRInput{Domains: domains}, &csr, workflow.DefaultRetryPolicy); err != nil {
		return nil, err
	}
	var fin FinalizeResult
	finalize := FinalizeOrderInput{
		OrderURL:    order.URL,
		FinalizeURL: finalizeURL,
		CsrDER:      csr.CsrDER,
		KeyPEM:      csr.KeyPEM,
	}
	if err := c.Step(ActivityFinalizeOrder, finalize, &fin, workflow.DefaultRetryPolicy); err != nil {
		return nil, err
	}
	return &fin, nil
}

// solveChallenges prepares every authorization and verifies the
// published answers locally. HTTP-01 preparation fans out per
// authorization; DNS-01 goes through one batch activity because a
// bare domain and its wildcard share a record name and must land in a
// single write. Verification always fans out per challenge.
func (o *Orchestrator) solveChallenges(c *workflow.Context, ref SiteRef, order *acmeclient.Order, challengeType string) ([]ChallengeResult, error) {
	var results []ChallengeResult
	switch challengeType {
	case acmeclient.ChallengeHTTP01:
		futures := make([]*workflow.Future, 0, len(order.AuthzURLs))
		for _, u := range order.AuthzURLs {
			in := PrepareHTTPChallengeInput{SiteRef: ref, AuthzURL: u}
			futures = append(futures, c.StartStep(ActivityPrepareHTTPChallenge, in, workflow.DefaultRetryPolicy))
		}
		if err := c.AwaitAll(futures...); err != nil {
			return nil, err
		}
		for _, f := range futures {
			var r ChallengeResult
			if err := f.Get(&r); err != nil {
				return nil, err
			}
			results = append(results, r)
		}
	default:
		var merged MergeDNSChallengesResult
		in := MergeDNSChallengesInput{AuthzURLs: order.AuthzURLs, Owner: c.InstanceID()}
		if err := c.Step(ActivityMergeDNSChallenges, in, &merged, workflow.DefaultRetryPolicy); err != nil {
			return nil, err
		}
		results = merged.Results
	}

	verify := o.verifyPolicy()
	futures := make([]*workflow.Future, 0, len(results))
	for _, r := range results {
		switch r.Type {
		case acmeclient.ChallengeHTTP01:
			in := VerifyHTTPChallengeInput{Domain: r.Domain, ResourceURL: r.ResourceURL, ExpectedValue: r.ExpectedValue}
			futures = append(futures, c.StartStep(ActivityVerifyHTTPChallenge, in, verify))
		default:
			in := VerifyDNSChallengeInput{Domain: r.Domain, RecordName: r.RecordName, ExpectedValue: r.ExpectedValue}
			futures = append(futures, c.StartStep(ActivityVerifyDNSChallenge, in, verify))
		}
	}
	if err := c.AwaitAll(futures...); err != nil {
		return nil, err
	}
	return results, nil
}

// pollOrder refreshes the order until the CA has moved it out of
// pending. Invalid kills the workflow, a pending order beyond the
// attempt budget fails it, anything else is ready for finalization.
func (o *Orchestrator) pollOrder(c *workflow.Context, orderURL string) (*acmeclient.Order, error) {
	for attempt := 1; ; attempt++ {
		var order acmeclient.Order
		if err := c.Step(ActivityGetOrderStatus, GetOrderStatusInput{OrderURL: orderURL}, &order, workflow.DefaultRetryPolicy); err != nil {
			return nil, err
		}
		switch order.Status {
		case acmeclient.StatusInvalid:
			return nil, workflow.Fatalf("order %s is invalid, a fresh request is required", orderURL)
		case acmeclient.StatusPending, acmeclient.StatusProcessing:
			if attempt >= o.cfg.PollMaxAttempts {
				return nil, fmt.Errorf("order %s not ready after %d polls", orderURL, attempt)
			}
			if err := c.Sleep(pollDelay(o.cfg.PollInterval, attempt)); err != nil {
				return nil, err
			}
		default:
			return &order, nil
		}
	}
}

func (o *Orchestrator) verifyPolicy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxAttempts: o.cfg.VerifyMaxAttempts,
		Interval:    o.cfg.VerifyInterval,
		Multiplier:  1.5,
		MaxInterval: 2 * time.Minute,
	}
}

// pollDelay doubles the base interval per completed poll, capped at
// five minutes.
func pollDelay(base time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return d
}

func challengeURLs(results []ChallengeResult) []string {
	urls := make([]string, len(results))
	for i := range results {
		urls[i] = results[i].ChallengeURL
	}
	return urls
}

// bindingGroup collects the domains bound per site so every site gets
// exactly one binding flush.
type bindingGroup struct {
	SiteRef
	Domains []string
}

func groupTargets(targets []BindingTarget) []bindingGroup {
	index := make(map[SiteRef]int)
	var groups []bindingGroup
	for _, t := range targets {
		ref := SiteRef{ResourceGroup: t.ResourceGroup, Site: t.Site, Slot: t.Slot}
		i, ok := index[ref]
		if !ok {
			i = len(groups)
			index[ref] = i
			groups = append(groups, bindingGroup{SiteRef: ref})
		}
		if !containsValue(groups[i].Domains, t.Domain) {
			groups[i].Domains = append(groups[i].Domains, t.Domain)
		}
	}
	return groups
}

func distinctResourceGroups(targets []BindingTarget) []string {
	seen := make(map[string]struct{}, len(targets))
	var out []string
	for _, t := range targets {
		if _, ok := seen[t.ResourceGroup]; ok {
			continue
		}
		seen[t.ResourceGroup] = struct{}{}
		out = append(out, t.ResourceGroup)
	}
	return out
}
