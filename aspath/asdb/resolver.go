package asdb

import (
	"net/netip"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

// memo is a lookup cache owned by one Resolver. A size of zero or less
// keeps every entry for the lifetime of the resolver.
type memo[K comparable, V any] struct {
	mu        sync.Mutex
	unbounded map[K]V
	bounded   *lru.Cache[K, V]
}

func newMemo[K comparable, V any](size int) *memo[K, V] {
	if size <= 0 {
		return &memo[K, V]{unbounded: make(map[K]V)}
	}
	c, err := lru.New[K, V](size)
	if err != nil {
		return &memo[K, V]{unbounded: make(map[K]V)}
	}
	return &memo[K, V]{bounded: c}
}

func (m *memo[K, V]) get(k K) (V, bool) {
	if m.bounded != nil {
		return m.bounded.Get(k)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.unbounded[k]
	return v, ok
}

func (m *memo[K, V]) add(k K, v V) {
	if m.bounded != nil {
		m.bounded.Add(k, v)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unbounded[k] = v
}

func (m *memo[K, V]) len() int {
	if m.bounded != nil {
		return m.bounded.Len()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.unbounded)
}

// Resolver maps AS numbers to representative addresses and addresses to
// their owning AS. Both directions are memoized. Safe for concurrent use.
type Resolver struct {
	db    *DB
	toIP  *memo[aspath.ASN, string]
	toASN *memo[string, aspath.ASN]
}

// NewResolver wraps db. memoSize bounds each memo table; 0 means unbounded.
func NewResolver(db *DB, memoSize int) *Resolver {
	return &Resolver{
		db:    db,
		toIP:  newMemo[aspath.ASN, string](memoSize),
		toASN: newMemo[string, aspath.ASN](memoSize),
	}
}

// ASNToIP returns the first host of the lexicographically first prefix
// announced by asn, or false if the AS announces nothing.
func (r *Resolver) ASNToIP(asn aspath.ASN) (string, bool) {
	if ip, ok := r.toIP.get(asn); ok {
		return ip, ip != ""
	}
	ip := ""
	if prefixes := r.db.Prefixes(asn); len(prefixes) > 0 {
		if p, err := netip.ParsePrefix(prefixes[0]); err == nil {
			ip = FirstHost(p).String()
		}
	}
	r.toIP.add(asn, ip)
	return ip, ip != ""
}

// IPToASN returns the AS announcing the longest prefix covering ip, or
// aspath.NoASN.
func (r *Resolver) IPToASN(ip string) aspath.ASN {
	if asn, ok := r.toASN.get(ip); ok {
		return asn
	}
	asn, _, _ := r.db.Lookup(ip)
	r.toASN.add(ip, asn)
	return asn
}

// MemoSizes reports how many entries each direction currently holds.
func (r *Resolver) MemoSizes() (asnToIP, ipToASN int) {
	return r.toIP.len(), r.toASN.len()
}
