package syncer

import (
	"strconv"
	"strings"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
)

type member string

func (m member) String() string { return string(m) }

type xxhasher struct{}

func (xxhasher) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

// Sharder assigns tenants to sweep workers on a consistent-hash ring, so
// adding or removing a worker moves only a fraction of the tenants.
type Sharder struct {
	ring *consistent.Consistent
	self string
}

// NewSharder builds a ring over workers. It returns nil when sharding is off
// (no workers, or no self ID); a nil Sharder owns every tenant.
func NewSharder(workers []string, self string) *Sharder {
	self = strings.TrimSpace(self)
	var members []consistent.Member
	for _, w := range workers {
		if w = strings.TrimSpace(w); w != "" {
			members = append(members, member(w))
		}
	}
	if len(members) == 0 || self == "" {
		return nil
	}
	ring := consistent.New(members, consistent.Config{
		PartitionCount:    271,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            xxhasher{},
	})
	return &Sharder{ring: ring, self: self}
}

// Owner returns the worker responsible for the tenant.
func (s *Sharder) Owner(tenantID int64) string {
	return s.ring.LocateKey([]byte(strconv.FormatInt(tenantID, 10))).String()
}

// Owns reports whether this worker handles the tenant.
func (s *Sharder) Owns(tenantID int64) bool {
	if s == nil {
		return true
	}
	return s.Owner(tenantID) == s.self
}
