package dnsclient

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record set does not exist
var ErrNotFound = errors.New("record set not found")

// Zone is one authoritative zone served by the zone service
type Zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TxtRecordSet is a named TXT record set inside a zone. Values hold
// one string per TXT record under the shared name. Owner is an opaque
// tag the zone service stores as record-set metadata; writers use it
// to tell their own leftover values from a stranger's.
type TxtRecordSet struct {
	Name   string   `json:"name"`
	TTL    int      `json:"ttl"`
	Values []string `json:"values"`
	Owner  string   `json:"owner,omitempty"`
}

// Client is the zone service surface the issuance workflows depend on
type Client interface {
	// ListZones returns every zone the credential can manage.
	ListZones(ctx context.Context) ([]Zone, error)
	// GetTxtRecordSet fetches one TXT record set by relative name,
	// returning ErrNotFound when the name has no TXT records.
	GetTxtRecordSet(ctx context.Context, zone, name string) (*TxtRecordSet, error)
	// UpsertTxtRecordSet replaces the record set named set.Name with
	// the given values and TTL.
	UpsertTxtRecordSet(ctx context.Context, zone string, set TxtRecordSet) error
}
