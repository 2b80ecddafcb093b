package dnsclient

import "strings"

// ChallengeRecordName returns the FQDN of the TXT record answering a
// dns-01 challenge for domain. A wildcard and its bare domain resolve
// to the same record name.
//
// Rules:
//   - "example.com"   -> "_acme-challenge.example.com"
//   - "*.example.com" -> "_acme-challenge.example.com"
//   - "www.example.com" -> "_acme-challenge.www.example.com"
func ChallengeRecordName(domain string) string {
	return "_acme-challenge." + strings.TrimPrefix(domain, "*.")
}

// FindZone returns the zone whose name is the longest suffix of
// domain. A wildcard prefix is ignored for matching. The boolean is
// false when no zone covers the domain.
func FindZone(zones []Zone, domain string) (Zone, bool) {
	name := normalizeName(strings.TrimPrefix(domain, "*."))

	var best Zone
	bestLen := -1
	for _, z := range zones {
		zoneName := normalizeName(z.Name)
		if zoneName == "" {
			continue
		}
		if name != zoneName && !strings.HasSuffix(name, "."+zoneName) {
			continue
		}
		if len(zoneName) > bestLen {
			best, bestLen = z, len(zoneName)
		}
	}
	return best, bestLen >= 0
}

// RelativeName converts an FQDN to a name relative to zone
//
// Rules:
//   - zone = "example.com"
//   - name = "example.com"      -> "@"
//   - name = "www.example.com"  -> "www"
//   - name = "a.b.example.com"  -> "a.b"
//   - name = "www.example.com." -> "www" (trailing dot removed)
//
// A name outside the zone is returned unchanged.
func RelativeName(name, zone string) string {
	name = normalizeName(name)
	zone = normalizeName(zone)

	if name == "" || name == zone {
		return "@"
	}
	if strings.HasSuffix(name, "."+zone) {
		rel := strings.TrimSuffix(name, "."+zone)
		if rel == "" {
			return "@"
		}
		return rel
	}
	return name
}

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.TrimSuffix(name, ".")
	return strings.ToLower(name)
}
