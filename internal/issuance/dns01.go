package issuance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"go_certops/internal/acmeclient"
	"go_certops/internal/dnsclient"
	"go_certops/internal/workflow"
)

type CheckZonesInput struct {
	Domains []string `json:"domains"`
}

type CheckZonesResult struct {
	// Zones maps each requested domain to the managed zone that will
	// carry its challenge record.
	Zones map[string]string `json:"zones"`
}

// CheckDNSZones verifies that every requested domain falls under a
// zone the DNS account manages. Running this before the order is
// created means an unmanageable domain fails the workflow while the
// CA and the zones are still untouched.
func (a *Activities) CheckDNSZones(ctx context.Context, in CheckZonesInput) (*CheckZonesResult, error) {
	zones, err := a.dns.ListZones(ctx)
	if err != nil {
		return nil, err
	}
	out := &CheckZonesResult{Zones: make(map[string]string, len(in.Domains))}
	var missing []string
	for _, d := range in.Domains {
		zone, ok := dnsclient.FindZone(zones, d)
		if !ok {
			missing = append(missing, d)
			continue
		}
		out.Zones[d] = zone.Name
	}
	if len(missing) > 0 {
		return nil, workflow.Fatalf("no managed dns zone covers %s", strings.Join(missing, ", "))
	}
	return out, nil
}

type MergeDNSChallengesInput struct {
	AuthzURLs []string `json:"authzUrls"`
	// Owner tags the written record sets so later workflows can tell
	// our values from a stranger's leftovers.
	Owner string `json:"owner"`
}

type MergeDNSChallengesResult struct {
	Results []ChallengeResult `json:"results"`
}

// MergeDNSChallenges computes the TXT value for every authorization
// and writes the challenge records, one upsert per record name. A
// bare domain and its wildcard share a record name, so their two
// values are folded into a single write; issuing them as separate
// read-then-write rounds would race against ourselves.
func (a *Activities) MergeDNSChallenges(ctx context.Context, in MergeDNSChallengesInput) (*MergeDNSChallengesResult, error) {
	zones, err := a.dns.ListZones(ctx)
	if err != nil {
		return nil, err
	}

	out := &MergeDNSChallengesResult{}
	order := make([]string, 0, len(in.AuthzURLs))
	grouped := make(map[string][]string)
	for _, authzURL := range in.AuthzURLs {
		authz, err := a.acme.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, err
		}
		ch := authz.Challenge(acmeclient.ChallengeDNS01)
		if ch == nil {
			return nil, workflow.Fatalf("authorization for %s offers no %s challenge", authz.Domain, acmeclient.ChallengeDNS01)
		}
		value, err := a.acme.DNS01ChallengeProof(ch.Token)
		if err != nil {
			return nil, workflow.Fatal(err)
		}

		domain := authz.Domain
		if authz.Wildcard {
			domain = "*." + domain
		}
		recordName := dnsclient.ChallengeRecordName(domain)
		if _, seen := grouped[recordName]; !seen {
			order = append(order, recordName)
		}
		grouped[recordName] = append(grouped[recordName], value)
		out.Results = append(out.Results, ChallengeResult{
			Domain:        domain,
			Type:          acmeclient.ChallengeDNS01,
			ChallengeURL:  ch.URL,
			ExpectedValue: value,
			RecordName:    recordName,
		})
	}

	for _, recordName := range order {
		zone, ok := dnsclient.FindZone(zones, recordName)
		if !ok {
			return nil, workflow.Fatalf("no managed dns zone covers %s", recordName)
		}
		rel := dnsclient.RelativeName(recordName, zone.Name)
		existing, err := a.dns.GetTxtRecordSet(ctx, zone.Name, rel)
		if err != nil && !errors.Is(err, dnsclient.ErrNotFound) {
			return nil, err
		}
		merged := MergeTxtRecordSet(existing, rel, in.Owner, grouped[recordName], a.recordTTL)
		if err := a.dns.UpsertTxtRecordSet(ctx, zone.Name, merged); err != nil {
			return nil, fmt.Errorf("upsert %s in zone %s: %w", rel, zone.Name, err)
		}
	}
	return out, nil
}

type VerifyDNSChallengeInput struct {
	Domain        string `json:"domain"`
	RecordName    string `json:"recordName"`
	ExpectedValue string `json:"expectedValue"`
}

// VerifyDNSChallenge queries public resolvers for the challenge TXT
// record until the expected value shows up. Both an empty answer and
// an answer missing our value just mean propagation has not caught up
// yet, so every failure here is retryable.
func (a *Activities) VerifyDNSChallenge(ctx context.Context, in VerifyDNSChallengeInput) (*VerifyResult, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(in.RecordName), dns.TypeTXT)
	m.RecursionDesired = true

	client := new(dns.Client)
	var lastErr error
	for _, server := range a.resolvers {
		resp, _, err := client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = fmt.Errorf("query %s via %s: %w", in.RecordName, server, err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("query %s via %s: rcode %s", in.RecordName, server, dns.RcodeToString[resp.Rcode])
			continue
		}
		var seen []string
		for _, rr := range resp.Answer {
			txt, ok := rr.(*dns.TXT)
			if !ok {
				continue
			}
			value := strings.Join(txt.Txt, "")
			if value == in.ExpectedValue {
				return &VerifyResult{Domain: in.Domain, Observed: value}, nil
			}
			seen = append(seen, value)
		}
		if len(seen) == 0 {
			return nil, fmt.Errorf("no TXT records visible yet at %s", in.RecordName)
		}
		return nil, fmt.Errorf("TXT records at %s do not yet include the expected value (%d other values present)", in.RecordName, len(seen))
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolvers configured for %s", in.RecordName)
	}
	return nil, lastErr
}
