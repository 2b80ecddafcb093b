package issuance

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"go_certops/internal/acmeclient"
	"go_certops/internal/dnsclient"
	"go_certops/internal/hosting"
)

// fakeACME is an in-memory directory. Orders move out of pending once
// every authorization has an answered challenge, and finalization
// signs the submitted CSR with a throwaway CA.
type fakeACME struct {
	t  *testing.T
	mu sync.Mutex

	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate

	seq      int
	orders   map[string]*fakeOrder
	authzs   map[string]*acmeclient.Authorization
	chals    map[string]string // challenge URL -> authz URL
	answered map[string]int    // challenge URL -> times answered

	// pendingPolls keeps GetOrder reporting pending this many times
	// after the challenges are answered.
	pendingPolls int
	// invalidAfterAnswer moves answered orders to invalid instead of
	// ready.
	invalidAfterAnswer bool
	// answerHook runs after a challenge is marked answered; tests use
	// it to snapshot external state at answer time.
	answerHook func(challengeURL string)

	finalizes int
	fetches   int
}

type fakeOrder struct {
	order     acmeclient.Order
	domains   []string
	finalized bool
	chain     [][]byte
	certURL   string
}

func newFakeACME(t *testing.T) *fakeACME {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fake issuing ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create ca certificate: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse ca certificate: %v", err)
	}
	return &fakeACME{
		t:        t,
		caKey:    caKey,
		caCert:   caCert,
		orders:   make(map[string]*fakeOrder),
		authzs:   make(map[string]*acmeclient.Authorization),
		chals:    make(map[string]string),
		answered: make(map[string]int),
	}
}

func (a *fakeACME) CreateOrder(ctx context.Context, domains []string) (*acmeclient.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	n := a.seq
	orderURL := fmt.Sprintf("https://ca.test/order/%d", n)
	o := &fakeOrder{
		domains: domains,
		order: acmeclient.Order{
			URL:         orderURL,
			Status:      acmeclient.StatusPending,
			FinalizeURL: fmt.Sprintf("https://ca.test/finalize/%d", n),
		},
	}
	for i, d := range domains {
		authzURL := fmt.Sprintf("https://ca.test/authz/%d/%d", n, i)
		token := fmt.Sprintf("tok-%d-%d", n, i)
		az := &acmeclient.Authorization{
			URL:      authzURL,
			Domain:   strings.TrimPrefix(d, "*."),
			Wildcard: strings.HasPrefix(d, "*."),
			Status:   acmeclient.StatusPending,
		}
		dnsURL := fmt.Sprintf("https://ca.test/chal/dns/%d/%d", n, i)
		az.Challenges = append(az.Challenges, acmeclient.Challenge{Type: acmeclient.ChallengeDNS01, URL: dnsURL, Token: token})
		a.chals[dnsURL] = authzURL
		if !az.Wildcard {
			httpURL := fmt.Sprintf("https://ca.test/chal/http/%d/%d", n, i)
			az.Challenges = append(az.Challenges, acmeclient.Challenge{Type: acmeclient.ChallengeHTTP01, URL: httpURL, Token: token})
			a.chals[httpURL] = authzURL
		}
		a.authzs[authzURL] = az
		o.order.AuthzURLs = append(o.order.AuthzURLs, authzURL)
	}
	a.orders[orderURL] = o
	cp := o.order
	return &cp, nil
}

func (a *fakeACME) GetOrder(ctx context.Context, url string) (*acmeclient.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	o, ok := a.orders[url]
	if !ok {
		return nil, fmt.Errorf("unknown order %s", url)
	}
	cp := o.order
	switch {
	case o.finalized:
		cp.Status = acmeclient.StatusValid
		cp.CertURL = o.certURL
	case !a.orderAnswered(o):
		cp.Status = acmeclient.StatusPending
	case a.invalidAfterAnswer:
		cp.Status = acmeclient.StatusInvalid
	case a.pendingPolls > 0:
		a.pendingPolls--
		cp.Status = acmeclient.StatusPending
	default:
		cp.Status = acmeclient.StatusReady
	}
	return &cp, nil
}

func (a *fakeACME) GetAuthorization(ctx context.Context, url string) (*acmeclient.Authorization, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	az, ok := a.authzs[url]
	if !ok {
		return nil, fmt.Errorf("unknown authorization %s", url)
	}
	cp := *az
	cp.Challenges = append([]acmeclient.Challenge(nil), az.Challenges...)
	return &cp, nil
}

func (a *fakeACME) AnswerChallenge(ctx context.Context, url string) error {
	a.mu.Lock()
	if _, ok := a.chals[url]; !ok {
		a.mu.Unlock()
		return fmt.Errorf("unknown challenge %s", url)
	}
	a.answered[url]++
	hook := a.answerHook
	a.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	return nil
}

func (a *fakeACME) HTTP01ChallengeProof(token string) (string, string, error) {
	return "/.well-known/acme-challenge/" + token, token + ".keyauth", nil
}

func (a *fakeACME) DNS01ChallengeProof(token string) (string, error) {
	return "dns-" + token, nil
}

func (a *fakeACME) FinalizeOrder(ctx context.Context, finalizeURL string, csrDER []byte) ([][]byte, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var o *fakeOrder
	for _, cand := range a.orders {
		if cand.order.FinalizeURL == finalizeURL {
			o = cand
			break
		}
	}
	if o == nil {
		return nil, "", fmt.Errorf("unknown finalize url %s", finalizeURL)
	}
	if !a.orderAnswered(o) {
		return nil, "", fmt.Errorf("order %s not ready", o.order.URL)
	}
	a.finalizes++

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, "", fmt.Errorf("bad csr: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(int64(a.seq) + 1000),
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour).Truncate(time.Second),
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, tmpl, a.caCert, csr.PublicKey, a.caKey)
	if err != nil {
		return nil, "", fmt.Errorf("sign leaf: %w", err)
	}
	o.finalized = true
	o.chain = [][]byte{leafDER, a.caCert.Raw}
	o.certURL = o.order.URL + "/cert"
	return o.chain, o.certURL, nil
}

func (a *fakeACME) FetchCertificate(ctx context.Context, certURL string) ([][]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	for _, o := range a.orders {
		if o.certURL == certURL && o.finalized {
			return o.chain, nil
		}
	}
	return nil, fmt.Errorf("unknown certificate url %s", certURL)
}

// orderAnswered reports whether every authorization of the order has
// at least one answered challenge. Callers hold a.mu.
func (a *fakeACME) orderAnswered(o *fakeOrder) bool {
	for _, authzURL := range o.order.AuthzURLs {
		az := a.authzs[authzURL]
		ok := false
		for _, ch := range az.Challenges {
			if a.answered[ch.URL] > 0 {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

func (a *fakeACME) orderCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.orders)
}

func (a *fakeACME) timesAnswered() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, n := range a.answered {
		total += n
	}
	return total
}

var _ acmeclient.Client = (*fakeACME)(nil)

// fakeDNS is an in-memory zone service.
type fakeDNS struct {
	mu      sync.Mutex
	zones   []dnsclient.Zone
	sets    map[string]map[string]dnsclient.TxtRecordSet
	upserts int
}

func newFakeDNS(zoneNames ...string) *fakeDNS {
	f := &fakeDNS{sets: make(map[string]map[string]dnsclient.TxtRecordSet)}
	for i, name := range zoneNames {
		f.zones = append(f.zones, dnsclient.Zone{ID: fmt.Sprintf("z%d", i+1), Name: name})
		f.sets[name] = make(map[string]dnsclient.TxtRecordSet)
	}
	return f
}

func (f *fakeDNS) ListZones(ctx context.Context) ([]dnsclient.Zone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dnsclient.Zone(nil), f.zones...), nil
}

func (f *fakeDNS) GetTxtRecordSet(ctx context.Context, zone, name string) (*dnsclient.TxtRecordSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byName, ok := f.sets[zone]
	if !ok {
		return nil, fmt.Errorf("unknown zone %s", zone)
	}
	set, ok := byName[name]
	if !ok {
		return nil, dnsclient.ErrNotFound
	}
	cp := set
	cp.Values = append([]string(nil), set.Values...)
	return &cp, nil
}

func (f *fakeDNS) UpsertTxtRecordSet(ctx context.Context, zone string, set dnsclient.TxtRecordSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	byName, ok := f.sets[zone]
	if !ok {
		return fmt.Errorf("unknown zone %s", zone)
	}
	cp := set
	cp.Values = append([]string(nil), set.Values...)
	byName[set.Name] = cp
	f.upserts++
	return nil
}

// recordSet returns the stored set for direct assertions.
func (f *fakeDNS) recordSet(zone, name string) (dnsclient.TxtRecordSet, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[zone][name]
	return set, ok
}

func (f *fakeDNS) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

// lookupTXT resolves a fully qualified record name against the stored
// zones, the way a resolver would see it.
func (f *fakeDNS) lookupTXT(fqdn string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	zone, ok := dnsclient.FindZone(f.zones, fqdn)
	if !ok {
		return nil
	}
	rel := dnsclient.RelativeName(fqdn, zone.Name)
	set, ok := f.sets[zone.Name][rel]
	if !ok {
		return nil
	}
	return append([]string(nil), set.Values...)
}

var _ dnsclient.Client = (*fakeDNS)(nil)

// fakeHosting is an in-memory hosting platform. Published files,
// uploaded certificates and binding flushes are all recorded for
// assertions.
type fakeHosting struct {
	mu      sync.Mutex
	sites   map[siteKey]*hosting.Site
	configs map[siteKey]*hosting.SiteConfig
	files   map[string][]byte
	certs   map[string][]hosting.Certificate

	configWrites   int
	uploads        []string
	bindingUpdates []bindingUpdate

	// onUpload runs before an upload is applied; tests use it to
	// simulate a crash at the worst moment.
	onUpload func() error
}

type siteKey struct {
	rg, site, slot string
}

type bindingUpdate struct {
	key      siteKey
	bindings []hosting.HostNameBinding
}

func newFakeHosting() *fakeHosting {
	return &fakeHosting{
		sites:   make(map[siteKey]*hosting.Site),
		configs: make(map[siteKey]*hosting.SiteConfig),
		files:   make(map[string][]byte),
		certs:   make(map[string][]hosting.Certificate),
	}
}

func (f *fakeHosting) addSite(site hosting.Site, cfg hosting.SiteConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := siteKey{rg: site.ResourceGroup, site: site.Name, slot: site.Slot}
	f.sites[key] = &site
	f.configs[key] = &cfg
}

func (f *fakeHosting) ListSites(ctx context.Context, resourceGroup string) ([]hosting.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []hosting.Site
	for key, s := range f.sites {
		if key.rg != resourceGroup {
			continue
		}
		out = append(out, copySite(s))
	}
	return out, nil
}

func (f *fakeHosting) GetSite(ctx context.Context, resourceGroup, site, slot string) (*hosting.Site, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sites[siteKey{rg: resourceGroup, site: site, slot: slot}]
	if !ok {
		return nil, hosting.ErrNotFound
	}
	cp := copySite(s)
	return &cp, nil
}

func (f *fakeHosting) GetSiteConfig(ctx context.Context, resourceGroup, site, slot string) (*hosting.SiteConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.configs[siteKey{rg: resourceGroup, site: site, slot: slot}]
	if !ok {
		return nil, hosting.ErrNotFound
	}
	cp := hosting.SiteConfig{VirtualApplications: append([]hosting.VirtualApplication(nil), cfg.VirtualApplications...)}
	return &cp, nil
}

func (f *fakeHosting) UpdateSiteConfig(ctx context.Context, resourceGroup, site, slot string, config *hosting.SiteConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := siteKey{rg: resourceGroup, site: site, slot: slot}
	if _, ok := f.configs[key]; !ok {
		return hosting.ErrNotFound
	}
	cp := hosting.SiteConfig{VirtualApplications: append([]hosting.VirtualApplication(nil), config.VirtualApplications...)}
	f.configs[key] = &cp
	f.configWrites++
	return nil
}

func (f *fakeHosting) GetPublishingCredentials(ctx context.Context, resourceGroup, site, slot string) (*hosting.PublishingCredentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sites[siteKey{rg: resourceGroup, site: site, slot: slot}]; !ok {
		return nil, hosting.ErrNotFound
	}
	return &hosting.PublishingCredentials{
		PublishURL: "https://deploy.test/" + site,
		Username:   "deployer",
		Password:   "deploy-secret",
	}, nil
}

func (f *fakeHosting) PublishFile(ctx context.Context, creds *hosting.PublishingCredentials, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[strings.TrimPrefix(path, "/")] = append([]byte(nil), content...)
	return nil
}

func (f *fakeHosting) UploadCertificate(ctx context.Context, resourceGroup, name string, bundle *hosting.CertificateBundle) (*hosting.Certificate, error) {
	if f.onUpload != nil {
		if err := f.onUpload(); err != nil {
			return nil, err
		}
	}
	_, leaf, _, err := pkcs12.DecodeChain(bundle.PfxBlob, bundle.Password)
	if err != nil {
		return nil, fmt.Errorf("bad bundle: %w", err)
	}
	cert := hosting.Certificate{
		Name:       name,
		Thumbprint: Thumbprint(leaf.Raw),
		HostNames:  leaf.DNSNames,
		Issuer:     leaf.Issuer.CommonName,
		ExpiresAt:  leaf.NotAfter,
		Location:   bundle.Location,
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	replaced := false
	for i := range f.certs[resourceGroup] {
		if f.certs[resourceGroup][i].Name == name {
			f.certs[resourceGroup][i] = cert
			replaced = true
			break
		}
	}
	if !replaced {
		f.certs[resourceGroup] = append(f.certs[resourceGroup], cert)
	}
	f.uploads = append(f.uploads, name)
	return &cert, nil
}

func (f *fakeHosting) ListCertificates(ctx context.Context, resourceGroup string) ([]hosting.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hosting.Certificate(nil), f.certs[resourceGroup]...), nil
}

func (f *fakeHosting) UpdateSiteBindings(ctx context.Context, resourceGroup, site, slot string, bindings []hosting.HostNameBinding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := siteKey{rg: resourceGroup, site: site, slot: slot}
	s, ok := f.sites[key]
	if !ok {
		return hosting.ErrNotFound
	}
	s.HostNameBindings = append([]hosting.HostNameBinding(nil), bindings...)
	f.bindingUpdates = append(f.bindingUpdates, bindingUpdate{
		key:      key,
		bindings: append([]hosting.HostNameBinding(nil), bindings...),
	})
	return nil
}

func (f *fakeHosting) file(path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	return content, ok
}

func (f *fakeHosting) binding(key siteKey, hostName string) (hosting.HostNameBinding, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sites[key]
	if !ok {
		return hosting.HostNameBinding{}, false
	}
	for _, b := range s.HostNameBindings {
		if strings.EqualFold(b.HostName, hostName) {
			return b, true
		}
	}
	return hosting.HostNameBinding{}, false
}

func (f *fakeHosting) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bindingUpdates)
}

func (f *fakeHosting) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *fakeHosting) addCertificate(resourceGroup string, cert hosting.Certificate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.certs[resourceGroup] = append(f.certs[resourceGroup], cert)
}

func copySite(s *hosting.Site) hosting.Site {
	cp := *s
	cp.HostNameBindings = append([]hosting.HostNameBinding(nil), s.HostNameBindings...)
	return cp
}

var _ hosting.Client = (*fakeHosting)(nil)

// vfsTransport serves plain-HTTP GETs from the fake hosting platform's
// published files, mapping http://<domain>/<path> onto the site
// content share the way the well-known virtual application would.
type vfsTransport struct {
	hosting *fakeHosting
	// content overrides every response body when set, simulating a
	// misrouted path that serves the wrong thing.
	content []byte
	// status overrides every response code when set, simulating a
	// site that is up but not serving.
	status int
}

func (t *vfsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.status != 0 {
		return &http.Response{
			StatusCode: t.status,
			Body:       io.NopCloser(strings.NewReader("unavailable")),
			Header:     make(http.Header),
			Request:    req,
		}, nil
	}
	body := t.content
	if body == nil {
		content, ok := t.hosting.file("site" + req.URL.Path)
		if !ok {
			return &http.Response{
				StatusCode: http.StatusNotFound,
				Body:       io.NopCloser(strings.NewReader("not found")),
				Header:     make(http.Header),
				Request:    req,
			}, nil
		}
		body = content
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(bytes.NewReader(body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}
