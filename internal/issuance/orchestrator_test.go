package issuance

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go_certops/internal/acmeclient"
	"go_certops/internal/hosting"
	"go_certops/internal/model"
	"go_certops/internal/workflow"
)

// harness wires fakes for all three platforms into a real engine with
// an in-memory store, so whole workflows run exactly as in production
// minus the network.
type harness struct {
	t       *testing.T
	acme    *fakeACME
	dns     *fakeDNS
	hosting *fakeHosting
	web     *vfsTransport
	store   *workflow.MemoryStore
	engine  *workflow.Engine
}

func newHarness(t *testing.T, cfg Config, zones ...string) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		acme:    newFakeACME(t),
		dns:     newFakeDNS(zones...),
		hosting: newFakeHosting(),
		store:   workflow.NewMemoryStore(),
	}
	h.web = &vfsTransport{hosting: h.hosting}
	resolver := startTXTServer(t, h.dns)
	acts := NewActivities(ActivitiesConfig{
		ACME:           h.acme,
		DNS:            h.dns,
		Hosting:        h.hosting,
		HTTPClient:     &http.Client{Transport: h.web},
		Resolvers:      []string{resolver},
		RecordTTL:      60,
		BundlePassword: "bundle-pass",
	})
	h.engine = workflow.NewEngine(h.store, nil, nil, time.Minute)
	NewOrchestrator(cfg).Register(h.engine, acts)
	return h
}

// fastConfig keeps retry and poll delays out of the test runtime.
func fastConfig() Config {
	return Config{
		PollMaxAttempts:   3,
		PollInterval:      time.Millisecond,
		VerifyMaxAttempts: 3,
		VerifyInterval:    time.Millisecond,
	}
}

func (h *harness) run(kind string, input any) (string, error) {
	h.t.Helper()
	id, err := h.engine.Start(kind, input)
	if err != nil {
		h.t.Fatalf("Start(%s): %v", kind, err)
	}
	return id, h.engine.Execute(context.Background(), id)
}

func (h *harness) instance(id string) *model.WorkflowInstance {
	h.t.Helper()
	inst, err := h.store.GetInstance(id)
	if err != nil {
		h.t.Fatalf("GetInstance(%s): %v", id, err)
	}
	if inst == nil {
		h.t.Fatalf("instance %s not found", id)
	}
	return inst
}

func (h *harness) lastError(id string) string {
	h.t.Helper()
	inst := h.instance(id)
	if inst.LastError == nil {
		return ""
	}
	return *inst.LastError
}

func (h *harness) stepNames(id string) []string {
	h.t.Helper()
	steps, err := h.store.ListSteps(id)
	if err != nil {
		h.t.Fatalf("ListSteps(%s): %v", id, err)
	}
	names := make([]string, len(steps))
	for i := range steps {
		names[i] = steps[i].Name
	}
	return names
}

func (h *harness) decodeResult(id string, out any) {
	h.t.Helper()
	inst := h.instance(id)
	if err := json.Unmarshal(inst.Result, out); err != nil {
		h.t.Fatalf("decode result of %s: %v", id, err)
	}
}

func windowsSite(domains ...string) (hosting.Site, hosting.SiteConfig) {
	site := hosting.Site{
		Name:            "s1",
		ResourceGroup:   "r1",
		Kind:            "app",
		Location:        "eastus",
		DefaultHostName: "s1.sites.test",
		HostNameBindings: []hosting.HostNameBinding{
			{HostName: "s1.sites.test", SslState: hosting.SslStateDisabled},
		},
	}
	for _, d := range domains {
		site.HostNameBindings = append(site.HostNameBindings, hosting.HostNameBinding{
			HostName: d, SslState: hosting.SslStateDisabled,
		})
	}
	cfg := hosting.SiteConfig{VirtualApplications: []hosting.VirtualApplication{
		{VirtualPath: "/", PhysicalPath: `site\wwwroot`, PreloadEnabled: true},
	}}
	return site, cfg
}

func TestIssueCertificateHTTP01EndToEnd(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.hosting.addSite(windowsSite("example.com"))

	req := CertificateRequest{
		ResourceGroup: "r1",
		Site:          "s1",
		Slot:          "production",
		Domains:       []string{"example.com"},
	}
	id, err := h.run(WorkflowIssueCertificate, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	inst := h.instance(id)
	if inst.Status != model.WorkflowStatusCompleted {
		t.Fatalf("status = %s, last error %q", inst.Status, h.lastError(id))
	}

	var res IssueResult
	h.decodeResult(id, &res)
	if res.ChallengeType != acmeclient.ChallengeHTTP01 {
		t.Errorf("challenge type = %s, want %s", res.ChallengeType, acmeclient.ChallengeHTTP01)
	}
	if res.Thumbprint == "" {
		t.Fatal("result has no thumbprint")
	}
	if res.CertificateName != CertificateName("example.com", res.Thumbprint) {
		t.Errorf("certificate name = %q", res.CertificateName)
	}

	// The well-known virtual application was created.
	cfg, err := h.hosting.GetSiteConfig(context.Background(), "r1", "s1", "")
	if err != nil {
		t.Fatalf("GetSiteConfig: %v", err)
	}
	found := false
	for _, va := range cfg.VirtualApplications {
		if va.VirtualPath == wellKnownVirtualPath && va.PhysicalPath == wellKnownPhysicalPath {
			found = true
		}
	}
	if !found {
		t.Errorf("well-known virtual application missing, config %+v", cfg.VirtualApplications)
	}

	// Handler config and token were published where the virtual
	// application serves them.
	if _, ok := h.hosting.file("site/.well-known/web.config"); !ok {
		t.Error("handler config was not published")
	}
	token, ok := h.hosting.file("site/.well-known/acme-challenge/tok-1-0")
	if !ok {
		t.Error("challenge token was not published")
	} else if string(token) != "tok-1-0.keyauth" {
		t.Errorf("token content = %q", token)
	}

	if got := h.acme.timesAnswered(); got != 1 {
		t.Errorf("challenges answered %d times, want 1", got)
	}

	// The matching binding switched to SNI with the new thumbprint in
	// a single flush; unrelated bindings are untouched.
	b, ok := h.hosting.binding(siteKey{rg: "r1", site: "s1"}, "example.com")
	if !ok {
		t.Fatal("binding for example.com disappeared")
	}
	if b.Thumbprint != res.Thumbprint || b.SslState != hosting.SslStateSni {
		t.Errorf("binding = %+v, want thumbprint %s in sni mode", b, res.Thumbprint)
	}
	if other, _ := h.hosting.binding(siteKey{rg: "r1", site: "s1"}, "s1.sites.test"); other.Thumbprint != "" {
		t.Errorf("unrelated binding was modified: %+v", other)
	}
	if got := h.hosting.updateCount(); got != 1 {
		t.Errorf("binding flushes = %d, want 1", got)
	}

	expected := []string{
		ActivityGetSite,
		ActivityEnsureWellKnown,
		ActivityCreateOrder,
		ActivityPrepareHTTPChallenge,
		ActivityVerifyHTTPChallenge,
		ActivityAnswerChallenges,
		ActivityGetOrderStatus,
		ActivityCreateCSR,
		ActivityFinalizeOrder,
		ActivityInstallCertificate,
		ActivityUpdateSiteBindings,
	}
	if names := h.stepNames(id); !reflect.DeepEqual(names, expected) {
		t.Errorf("step log = %v, want %v", names, expected)
	}
}

func TestIssueCertificateDNS01WildcardEndToEnd(t *testing.T) {
	h := newHarness(t, fastConfig(), "example.com")
	site, cfg := windowsSite("*.example.com", "example.com")
	site.Kind = "app,linux"
	h.hosting.addSite(site, cfg)

	// Snapshot the shared record the moment the CA is first told to
	// validate: both values must already be in place.
	type snapshot struct {
		values  []string
		owner   string
		ttl     int
		upserts int
	}
	var snap *snapshot
	var once sync.Once
	h.acme.answerHook = func(string) {
		once.Do(func() {
			set, ok := h.dns.recordSet("example.com", "_acme-challenge")
			if !ok {
				return
			}
			snap = &snapshot{
				values:  append([]string(nil), set.Values...),
				owner:   set.Owner,
				ttl:     set.TTL,
				upserts: h.dns.upsertCount(),
			}
		})
	}

	req := CertificateRequest{
		ResourceGroup: "r1",
		Site:          "s1",
		Domains:       []string{"*.example.com", "example.com"},
	}
	id, err := h.run(WorkflowIssueCertificate, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if inst := h.instance(id); inst.Status != model.WorkflowStatusCompleted {
		t.Fatalf("status = %s, last error %q", inst.Status, h.lastError(id))
	}

	var res IssueResult
	h.decodeResult(id, &res)
	if res.ChallengeType != acmeclient.ChallengeDNS01 {
		t.Errorf("challenge type = %s, want %s", res.ChallengeType, acmeclient.ChallengeDNS01)
	}

	if snap == nil {
		t.Fatal("challenge answered before any record was written")
	}
	if len(snap.values) != 2 {
		t.Fatalf("record held %d values at answer time, want 2: %v", len(snap.values), snap.values)
	}
	if snap.owner != id {
		t.Errorf("record owner = %q, want workflow instance id %q", snap.owner, id)
	}
	if snap.ttl != 60 {
		t.Errorf("record ttl = %d, want 60", snap.ttl)
	}
	if snap.upserts != 1 {
		t.Errorf("record writes before answering = %d, want a single merged write", snap.upserts)
	}

	certs, err := h.hosting.ListCertificates(context.Background(), "r1")
	if err != nil || len(certs) != 1 {
		t.Fatalf("ListCertificates = %v, %v", certs, err)
	}
	wantHosts := []string{"*.example.com", "example.com"}
	if !reflect.DeepEqual(certs[0].HostNames, wantHosts) {
		t.Errorf("certificate covers %v, want %v", certs[0].HostNames, wantHosts)
	}

	for _, domain := range wantHosts {
		b, ok := h.hosting.binding(siteKey{rg: "r1", site: "s1"}, domain)
		if !ok || b.Thumbprint != res.Thumbprint || b.SslState != hosting.SslStateSni {
			t.Errorf("binding for %s = %+v", domain, b)
		}
	}
	if got := h.hosting.updateCount(); got != 1 {
		t.Errorf("binding flushes = %d, want 1", got)
	}

	expected := []string{
		ActivityGetSite,
		ActivityCheckDNSZones,
		ActivityCreateOrder,
		ActivityMergeDNSChallenges,
		ActivityVerifyDNSChallenge,
		ActivityVerifyDNSChallenge,
		ActivityAnswerChallenges,
		ActivityGetOrderStatus,
		ActivityCreateCSR,
		ActivityFinalizeOrder,
		ActivityInstallCertificate,
		ActivityUpdateSiteBindings,
	}
	if names := h.stepNames(id); !reflect.DeepEqual(names, expected) {
		t.Errorf("step log = %v, want %v", names, expected)
	}
}

func TestIssueCertificateIPBasedBinding(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.hosting.addSite(windowsSite("example.com"))

	req := CertificateRequest{
		ResourceGroup: "r1",
		Site:          "s1",
		Domains:       []string{"example.com"},
		UseIPBasedSSL: true,
	}
	id, err := h.run(WorkflowIssueCertificate, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var res IssueResult
	h.decodeResult(id, &res)
	// The transport option changes the binding mode, never the
	// challenge selection.
	if res.ChallengeType != acmeclient.ChallengeHTTP01 {
		t.Errorf("challenge type = %s, want %s", res.ChallengeType, acmeclient.ChallengeHTTP01)
	}
	b, _ := h.hosting.binding(siteKey{rg: "r1", site: "s1"}, "example.com")
	if b.SslState != hosting.SslStateIPBased {
		t.Errorf("binding ssl state = %s, want %s", b.SslState, hosting.SslStateIPBased)
	}
}

func TestIssueCertificateUnboundDomainFailsBeforeOrder(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.hosting.addSite(windowsSite()) // example.com not bound

	req := CertificateRequest{ResourceGroup: "r1", Site: "s1", Domains: []string{"example.com"}}
	id, err := h.run(WorkflowIssueCertificate, req)
	if err == nil {
		t.Fatal("expected the workflow to fail")
	}
	inst := h.instance(id)
	if inst.Status != model.WorkflowStatusFailed {
		t.Errorf("status = %s, want failed", inst.Status)
	}
	if !strings.Contains(h.lastError(id), "not bound on site") {
		t.Errorf("last error = %q", h.lastError(id))
	}
	if got := h.acme.orderCount(); got != 0 {
		t.Errorf("orders created = %d, want none", got)
	}
	if got := h.hosting.uploadCount(); got != 0 {
		t.Errorf("certificates uploaded = %d, want none", got)
	}
	if got := h.hosting.updateCount(); got != 0 {
		t.Errorf("binding flushes = %d, want none", got)
	}
}

func TestIssueCertificateUnmanagedZoneFailsBeforeOrder(t *testing.T) {
	h := newHarness(t, fastConfig(), "other.org")
	site, cfg := windowsSite("example.com")
	site.Kind = "app,linux" // forces dns-01
	h.hosting.addSite(site, cfg)

	req := CertificateRequest{ResourceGroup: "r1", Site: "s1", Domains: []string{"example.com"}}
	id, err := h.run(WorkflowIssueCertificate, req)
	if err == nil {
		t.Fatal("expected the workflow to fail")
	}
	inst := h.instance(id)
	if inst.Status != model.WorkflowStatusFailed {
		t.Errorf("status = %s, want failed", inst.Status)
	}
	if !strings.Contains(h.lastError(id), "no managed dns zone") {
		t.Errorf("last error = %q", h.lastError(id))
	}
	if got := h.acme.orderCount(); got != 0 {
		t.Errorf("orders created = %d, want none", got)
	}
	if got := h.dns.upsertCount(); got != 0 {
		t.Errorf("record writes = %d, want none", got)
	}
}

func TestIssueCertificateContentMismatchIsFatal(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.hosting.addSite(windowsSite("example.com"))
	// Every fetch returns the wrong body, as a misrouted path would.
	h.web.content = []byte("interception page")

	req := CertificateRequest{ResourceGroup: "r1", Site: "s1", Domains: []string{"example.com"}}
	id, err := h.run(WorkflowIssueCertificate, req)
	if err == nil {
		t.Fatal("expected the workflow to fail")
	}
	if !workflow.IsFatal(err) {
		t.Errorf("error should be fatal, got %v", err)
	}
	inst := h.instance(id)
	if inst.Status != model.WorkflowStatusFailed {
		t.Errorf("status = %s, want failed", inst.Status)
	}
	if !strings.Contains(h.lastError(id), "mismatch") {
		t.Errorf("last error = %q", h.lastError(id))
	}
	if got := h.acme.timesAnswered(); got != 0 {
		t.Errorf("challenges answered %d times, want none", got)
	}

	// Fatal means one attempt, no retries.
	steps, err := h.store.ListSteps(id)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	for _, s := range steps {
		if s.Name == ActivityVerifyHTTPChallenge && s.Attempts != 1 {
			t.Errorf("verify step ran %d attempts, want 1", s.Attempts)
		}
	}
}

func TestIssueCertificateUnreachableSiteRetriesVerification(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.hosting.addSite(windowsSite("example.com"))
	// The site answers but never serves, as during a cold start.
	h.web.status = http.StatusServiceUnavailable

	req := CertificateRequest{ResourceGroup: "r1", Site: "s1", Domains: []string{"example.com"}}
	id, err := h.run(WorkflowIssueCertificate, req)
	if err == nil {
		t.Fatal("expected the workflow to fail")
	}
	if workflow.IsFatal(err) {
		t.Errorf("an unreachable site should stay retryable, got %v", err)
	}

	steps, err := h.store.ListSteps(id)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	found := false
	for _, s := range steps {
		if s.Name != ActivityVerifyHTTPChallenge {
			continue
		}
		found = true
		if s.Status != model.StepStatusFailed {
			t.Errorf("verify step status = %s, want failed", s.Status)
		}
		if s.Attempts != 3 {
			t.Errorf("verify step ran %d attempts, want the full budget of 3", s.Attempts)
		}
	}
	if !found {
		t.Error("no verification step was recorded")
	}
	if got := h.acme.timesAnswered(); got != 0 {
		t.Errorf("challenges answered %d times, want none", got)
	}
}

func TestIssueCertificateInvalidOrderIsFatal(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.hosting.addSite(windowsSite("example.com"))
	h.acme.invalidAfterAnswer = true

	req := CertificateRequest{ResourceGroup: "r1", Site: "s1", Domains: []string{"example.com"}}
	id, err := h.run(WorkflowIssueCertificate, req)
	if err == nil {
		t.Fatal("expected the workflow to fail")
	}
	if !workflow.IsFatal(err) {
		t.Errorf("error should be fatal, got %v", err)
	}
	inst := h.instance(id)
	if inst.Status != model.WorkflowStatusFailed {
		t.Errorf("status = %s, want failed", inst.Status)
	}
	if !strings.Contains(h.lastError(id), "invalid") {
		t.Errorf("last error = %q", h.lastError(id))
	}
	if h.acme.finalizes != 0 {
		t.Errorf("finalize called %d times on an invalid order", h.acme.finalizes)
	}
	if got := h.hosting.uploadCount(); got != 0 {
		t.Errorf("certificates uploaded = %d, want none", got)
	}
}

func TestIssueCertificatePollBudgetExhausted(t *testing.T) {
	cfg := fastConfig()
	cfg.PollMaxAttempts = 2
	h := newHarness(t, cfg)
	h.hosting.addSite(windowsSite("example.com"))
	h.acme.pendingPolls = 100

	req := CertificateRequest{ResourceGroup: "r1", Site: "s1", Domains: []string{"example.com"}}
	id, err := h.run(WorkflowIssueCertificate, req)
	if err == nil {
		t.Fatal("expected the workflow to fail")
	}
	if workflow.IsFatal(err) {
		t.Errorf("pending exhaustion should not be fatal, got %v", err)
	}
	inst := h.instance(id)
	if inst.Status != model.WorkflowStatusFailed {
		t.Errorf("status = %s, want failed", inst.Status)
	}
	if !strings.Contains(h.lastError(id), "not ready after 2 polls") {
		t.Errorf("last error = %q", h.lastError(id))
	}

	polls, timers := 0, 0
	steps, _ := h.store.ListSteps(id)
	for _, s := range steps {
		switch {
		case s.Name == ActivityGetOrderStatus:
			polls++
		case s.Kind == model.StepKindTimer:
			timers++
		}
	}
	if polls != 2 {
		t.Errorf("order polled %d times, want 2", polls)
	}
	if timers != 1 {
		t.Errorf("timer steps = %d, want 1", timers)
	}
	if h.acme.finalizes != 0 {
		t.Errorf("finalize called %d times on a pending order", h.acme.finalizes)
	}
}

func TestIssueCertificateResumesAfterCrash(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.hosting.addSite(windowsSite("example.com"))

	runCtx, cancel := context.WithCancel(context.Background())
	uploadCalls := 0
	h.hosting.onUpload = func() error {
		uploadCalls++
		if uploadCalls == 1 {
			// Die right before the certificate lands.
			cancel()
			return runCtx.Err()
		}
		return nil
	}

	req := CertificateRequest{ResourceGroup: "r1", Site: "s1", Domains: []string{"example.com"}}
	id, err := h.engine.Start(WorkflowIssueCertificate, req)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.engine.Execute(runCtx, id); err == nil {
		t.Fatal("interrupted execution should return an error")
	}
	if inst := h.instance(id); inst.Status == model.WorkflowStatusFailed {
		t.Fatalf("interrupted instance must stay resumable, got failed: %s", h.lastError(id))
	}

	if err := h.engine.Execute(context.Background(), id); err != nil {
		t.Fatalf("resumed execution: %v", err)
	}
	inst := h.instance(id)
	if inst.Status != model.WorkflowStatusCompleted {
		t.Fatalf("status after resume = %s, last error %q", inst.Status, h.lastError(id))
	}

	// The CA-facing work happened exactly once; the resume replayed it
	// from the step log.
	if h.acme.orderCount() != 1 {
		t.Errorf("orders created = %d, want 1", h.acme.orderCount())
	}
	if h.acme.finalizes != 1 {
		t.Errorf("finalize called %d times, want 1", h.acme.finalizes)
	}
	if got := h.acme.timesAnswered(); got != 1 {
		t.Errorf("challenges answered %d times, want 1", got)
	}
	if got := h.hosting.uploadCount(); got != 1 {
		t.Errorf("certificates stored = %d, want 1", got)
	}
}

func TestIssueZoneBatch(t *testing.T) {
	h := newHarness(t, fastConfig(), "alpha.test", "beta.test")

	req := ZoneBatchRequest{
		Domains:       []string{"alpha.test", "beta.test"},
		ResourceGroup: "shared-rg",
		Location:      "global",
	}
	id, err := h.run(WorkflowIssueZoneBatch, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if inst := h.instance(id); inst.Status != model.WorkflowStatusCompleted {
		t.Fatalf("status = %s, last error %q", inst.Status, h.lastError(id))
	}

	var res BatchResult
	h.decodeResult(id, &res)
	if len(res.Certificates) != 2 {
		t.Fatalf("batch produced %d certificates, want 2", len(res.Certificates))
	}
	for i, domain := range req.Domains {
		got := res.Certificates[i].Domains
		want := []string{domain, "*." + domain}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("certificate %d covers %v, want %v", i, got, want)
		}
	}

	// One child workflow per domain, owned by the batch.
	children, _, err := h.store.ListInstances("", WorkflowIssueZoneCertificate, 1, 10)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("child instances = %d, want 2", len(children))
	}
	for _, child := range children {
		if child.ParentID == nil || *child.ParentID != id {
			t.Errorf("child %s has parent %v, want %s", child.ID, child.ParentID, id)
		}
		if child.Status != model.WorkflowStatusCompleted {
			t.Errorf("child %s status = %s", child.ID, child.Status)
		}
	}

	certs, err := h.hosting.ListCertificates(context.Background(), "shared-rg")
	if err != nil || len(certs) != 2 {
		t.Fatalf("ListCertificates = %v, %v", certs, err)
	}
	for _, c := range certs {
		if c.Location != "global" {
			t.Errorf("certificate %s at %q, want global", c.Name, c.Location)
		}
	}
	// No site was involved anywhere.
	if got := h.hosting.updateCount(); got != 0 {
		t.Errorf("binding flushes = %d, want none", got)
	}
}

func TestIssueZoneBatchStopsAtFailedChild(t *testing.T) {
	h := newHarness(t, fastConfig(), "alpha.test", "beta.test", "gamma.test")

	uploadCalls := 0
	h.hosting.onUpload = func() error {
		uploadCalls++
		if uploadCalls == 2 {
			return workflow.Fatalf("certificate store rejected the bundle")
		}
		return nil
	}

	req := ZoneBatchRequest{
		Domains:       []string{"alpha.test", "beta.test", "gamma.test"},
		ResourceGroup: "shared-rg",
		Location:      "global",
	}
	id, err := h.run(WorkflowIssueZoneBatch, req)
	if err == nil {
		t.Fatal("batch with a failing child should fail")
	}
	if inst := h.instance(id); inst.Status != model.WorkflowStatusFailed {
		t.Fatalf("batch status = %s, want failed", inst.Status)
	}

	// The first domain finished before the failure, the third was never
	// started, and nothing is left in a non-terminal state.
	children, _, err := h.store.ListInstances("", WorkflowIssueZoneCertificate, 1, 10)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("child instances = %d, want 2", len(children))
	}
	byStatus := map[string]int{}
	for _, child := range children {
		byStatus[child.Status]++
	}
	if byStatus[model.WorkflowStatusCompleted] != 1 || byStatus[model.WorkflowStatusFailed] != 1 {
		t.Fatalf("child statuses = %v, want one completed and one failed", byStatus)
	}
	if got := h.hosting.uploadCount(); got != 1 {
		t.Errorf("certificates stored = %d, want 1", got)
	}

	// No worker should ever pick up leftovers of the dead batch.
	claimed, err := h.store.ClaimDue("w2", 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("claimed %d instances after the batch failed, want 0", len(claimed))
	}
}

func TestBindCertificateEndToEnd(t *testing.T) {
	h := newHarness(t, fastConfig())
	site1, cfg1 := windowsSite("a.test", "b.test")
	h.hosting.addSite(site1, cfg1)
	site2 := hosting.Site{
		Name:          "s2",
		ResourceGroup: "r2",
		Kind:          "app",
		Location:      "eastus",
		HostNameBindings: []hosting.HostNameBinding{
			{HostName: "c.test", SslState: hosting.SslStateDisabled},
		},
	}
	h.hosting.addSite(site2, hosting.SiteConfig{})
	h.hosting.addCertificate("r1", hosting.Certificate{Name: "shared-cert", Thumbprint: "AABBCC12"})

	req := BindingRequest{
		// Lookup is case-insensitive against the platform's casing.
		Thumbprint: "aabbcc12",
		Targets: []BindingTarget{
			{ResourceGroup: "r1", Site: "s1", Domain: "a.test"},
			{ResourceGroup: "r1", Site: "s1", Domain: "b.test"},
			{ResourceGroup: "r2", Site: "s2", Domain: "c.test"},
		},
	}
	id, err := h.run(WorkflowBindCertificate, req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if inst := h.instance(id); inst.Status != model.WorkflowStatusCompleted {
		t.Fatalf("status = %s, last error %q", inst.Status, h.lastError(id))
	}

	var res BindResult
	h.decodeResult(id, &res)
	if res.Thumbprint != "AABBCC12" {
		t.Errorf("result thumbprint = %q, want the platform casing AABBCC12", res.Thumbprint)
	}
	if res.UpdatedSites != 2 || res.UpdatedBindings != 3 {
		t.Errorf("updated %d sites / %d bindings, want 2 / 3", res.UpdatedSites, res.UpdatedBindings)
	}

	// One flush per site.
	if got := h.hosting.updateCount(); got != 2 {
		t.Errorf("binding flushes = %d, want 2", got)
	}
	for _, check := range []struct {
		key    siteKey
		domain string
	}{
		{siteKey{rg: "r1", site: "s1"}, "a.test"},
		{siteKey{rg: "r1", site: "s1"}, "b.test"},
		{siteKey{rg: "r2", site: "s2"}, "c.test"},
	} {
		b, ok := h.hosting.binding(check.key, check.domain)
		if !ok || b.Thumbprint != "AABBCC12" || b.SslState != hosting.SslStateSni {
			t.Errorf("binding %s on %v = %+v", check.domain, check.key, b)
		}
	}
}

func TestBindCertificateUnknownThumbprintFailsBeforeMutation(t *testing.T) {
	h := newHarness(t, fastConfig())
	h.hosting.addSite(windowsSite("a.test"))

	req := BindingRequest{
		Thumbprint: "DEADBEEF",
		Targets: []BindingTarget{
			{ResourceGroup: "r1", Site: "s1", Domain: "a.test"},
		},
	}
	id, err := h.run(WorkflowBindCertificate, req)
	if err == nil {
		t.Fatal("expected the workflow to fail")
	}
	if !workflow.IsFatal(err) {
		t.Errorf("error should be fatal, got %v", err)
	}
	inst := h.instance(id)
	if inst.Status != model.WorkflowStatusFailed {
		t.Errorf("status = %s, want failed", inst.Status)
	}
	if !strings.Contains(h.lastError(id), "no installed certificate") {
		t.Errorf("last error = %q", h.lastError(id))
	}
	if got := h.hosting.updateCount(); got != 0 {
		t.Errorf("binding flushes = %d, want none", got)
	}
}
