package issuance

import (
	"go_certops/internal/dnsclient"
)

// MergeTxtRecordSet folds new challenge values into whatever record
// set currently exists under the same name. A set we own keeps its
// values and gains the missing ones; a set owned by someone else (or
// left untagged) is replaced outright and re-tagged, since its values
// answer a challenge we know nothing about. Absent means start fresh.
// The short TTL is forced on every write so stale answers age out
// quickly.
//
// The merge is computed from a point-in-time read: two workflows
// writing the same name concurrently can interleave read/merge/write
// so that the later write drops the earlier writer's value. Batch
// issuance folds all values for a name into a single write for
// exactly that reason.
func MergeTxtRecordSet(existing *dnsclient.TxtRecordSet, name, owner string, values []string, ttl int) dnsclient.TxtRecordSet {
	merged := dnsclient.TxtRecordSet{Name: name, TTL: ttl, Owner: owner}
	if existing != nil && existing.Owner == owner && owner != "" {
		merged.Values = append(merged.Values, existing.Values...)
	}
	for _, v := range values {
		if !containsValue(merged.Values, v) {
			merged.Values = append(merged.Values, v)
		}
	}
	return merged
}

func containsValue(values []string, v string) bool {
	for _, have := range values {
		if have == v {
			return true
		}
	}
	return false
}
