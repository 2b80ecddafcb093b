package issuance

import (
	"strings"

	"go_certops/internal/acmeclient"
	"go_certops/internal/hosting"
)

// SelectChallengeType decides how the CA gets to validate ownership.
// Wildcard domains can only be proven over DNS, and sites without an
// IIS-style static file pipeline (containers, non-Windows runtimes)
// cannot serve the well-known token path, so those all go DNS-01.
// Everything else uses HTTP-01 against the site itself. The decision
// is a function of the domains and the site runtime only; transport
// options on the request never change it.
func SelectChallengeType(domains []string, site *hosting.Site) string {
	for _, d := range domains {
		if strings.HasPrefix(d, "*.") {
			return acmeclient.ChallengeDNS01
		}
	}
	if site == nil || site.IsContainer() || !site.IsWindows() {
		return acmeclient.ChallengeDNS01
	}
	return acmeclient.ChallengeHTTP01
}
