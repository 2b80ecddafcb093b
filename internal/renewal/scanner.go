package renewal

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"go_certops/internal/cache"
	"go_certops/internal/hosting"
	"go_certops/internal/issuance"
	"go_certops/internal/workflow"
)

// renewLockTTL bounds the dedup lock if nothing else frees it. The
// workflow's terminal state normally releases it much earlier, making
// a failed renewal eligible again on the next scan.
const renewLockTTL = 6 * time.Hour

// scanLockOwner marks a lock between acquisition and the handoff to
// the started workflow instance
const scanLockOwner = "renewal-scanner"

// Config holds configuration for the renewal scanner
type Config struct {
	Enabled        bool
	IntervalSec    int      // scan interval in seconds
	BeforeDays     int      // renew certificates expiring within this many days
	ResourceGroups []string // resource groups to scan
	IssuerMatch    string   // only renew certificates whose issuer contains this
}

// Scanner walks the configured resource groups and starts an issuance
// workflow for every expiring certificate that is still bound on a
// site. Certificates nothing is bound to are left to expire.
type Scanner struct {
	ctx     context.Context
	cancel  context.CancelFunc
	engine  *workflow.Engine
	hosting hosting.Client
	logger  *logrus.Entry
	cfg     Config
	done    chan struct{}

	// dedup lock plumbing; swapped in tests
	acquire func(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	assign  func(ctx context.Context, key, owner string) error
	release func(ctx context.Context, key, owner string) error
}

// NewScanner creates a renewal scanner. logger may be nil.
func NewScanner(engine *workflow.Engine, hostingClient hosting.Client, cfg Config, logger *logrus.Entry) *Scanner {
	if cfg.IntervalSec <= 0 {
		cfg.IntervalSec = 3600
	}
	if cfg.BeforeDays <= 0 {
		cfg.BeforeDays = 30
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scanner{
		ctx:     ctx,
		cancel:  cancel,
		engine:  engine,
		hosting: hostingClient,
		logger:  logger.WithField("component", "renewal-scanner"),
		cfg:     cfg,
		done:    make(chan struct{}),
		acquire: cache.AcquireLock,
		assign:  cache.AssignLockOwner,
		release: cache.ReleaseLock,
	}
}

// Start begins the scan loop. A disabled scanner does nothing.
func (s *Scanner) Start() {
	if !s.cfg.Enabled {
		s.logger.Info("Renewal scanner disabled, not starting")
		close(s.done)
		return
	}
	s.logger.Infof("Starting renewal scanner (interval=%ds, before=%dd, groups=%v)",
		s.cfg.IntervalSec, s.cfg.BeforeDays, s.cfg.ResourceGroups)
	go s.run()
}

// Stop cancels the scan loop and waits for it to exit
func (s *Scanner) Stop() {
	s.cancel()
	<-s.done
}

func (s *Scanner) run() {
	defer close(s.done)
	ticker := time.NewTicker(time.Duration(s.cfg.IntervalSec) * time.Second)
	defer ticker.Stop()

	// Scan immediately on start
	s.Scan()

	for {
		select {
		case <-ticker.C:
			s.Scan()
		case <-s.ctx.Done():
			s.logger.Info("Renewal scanner stopped")
			return
		}
	}
}

// Scan runs one pass over all configured resource groups
func (s *Scanner) Scan() {
	for _, rg := range s.cfg.ResourceGroups {
		if s.ctx.Err() != nil {
			return
		}
		if err := s.scanGroup(rg); err != nil {
			s.logger.Errorf("Scan of resource group %s failed: %v", rg, err)
		}
	}
}

func (s *Scanner) scanGroup(rg string) error {
	certs, err := s.hosting.ListCertificates(s.ctx, rg)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(time.Duration(s.cfg.BeforeDays) * 24 * time.Hour)
	var expiring []hosting.Certificate
	for _, cert := range certs {
		if cert.ExpiresAt.After(cutoff) {
			continue
		}
		if !s.issuerMatches(cert.Issuer) {
			continue
		}
		expiring = append(expiring, cert)
	}
	if len(expiring) == 0 {
		return nil
	}

	sites, err := s.hosting.ListSites(s.ctx, rg)
	if err != nil {
		return err
	}
	for _, cert := range expiring {
		for i := range sites {
			domains := boundDomains(&sites[i], cert.Thumbprint)
			if len(domains) == 0 {
				continue
			}
			s.submit(rg, &sites[i], cert, domains)
		}
	}
	return nil
}

// issuerMatches reports whether the certificate came from the CA this
// scanner renews for. An empty match renews everything.
func (s *Scanner) issuerMatches(issuer string) bool {
	if s.cfg.IssuerMatch == "" {
		return true
	}
	return strings.Contains(strings.ToLower(issuer), strings.ToLower(s.cfg.IssuerMatch))
}

// boundDomains returns the host names on the site currently served
// with the given certificate
func boundDomains(site *hosting.Site, thumbprint string) []string {
	var domains []string
	for _, b := range site.HostNameBindings {
		if b.Thumbprint != "" && strings.EqualFold(b.Thumbprint, thumbprint) {
			domains = append(domains, b.HostName)
		}
	}
	return domains
}

func (s *Scanner) submit(rg string, site *hosting.Site, cert hosting.Certificate, domains []string) {
	req := issuance.CertificateRequest{
		ResourceGroup: rg,
		Site:          site.Name,
		Slot:          site.Slot,
		Domains:       domains,
	}
	if err := req.Validate(); err != nil {
		s.logger.Warnf("Skipping renewal of %s on %s: %v", cert.Name, site.Name, err)
		return
	}

	key := req.LockKey()
	ok, err := s.acquire(s.ctx, key, scanLockOwner, renewLockTTL)
	if err != nil {
		// Without the lock a submission could double up, so skip this
		// round and let the next scan retry.
		s.logger.Warnf("Dedup lock for %s unavailable: %v", cert.Name, err)
		return
	}
	if !ok {
		s.logger.Debugf("Renewal of %s on %s already in flight", cert.Name, site.Name)
		return
	}

	id, err := s.engine.Start(issuance.WorkflowIssueCertificate, req)
	if err != nil {
		// Nothing is in flight, so the lock must not block the next scan.
		_ = s.release(s.ctx, key, scanLockOwner)
		s.logger.Errorf("Failed to start renewal for %s on %s: %v", cert.Name, site.Name, err)
		return
	}
	// Hand the lock to the instance; its terminal state releases it. If
	// the handoff fails the TTL still bounds the lock.
	if err := s.assign(s.ctx, key, id); err != nil {
		s.logger.Warnf("Reassign dedup lock of instance %s: %v", id, err)
	}
	s.logger.WithFields(logrus.Fields{
		"instance":   id,
		"site":       site.Name,
		"thumbprint": cert.Thumbprint,
	}).Infof("Renewal started for %s (expires %s)", cert.Name, cert.ExpiresAt.Format("2006-01-02"))
}
