package asdb

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

// DB is a read-only prefix-to-AS snapshot.
//
// Lookups use one exact-match table per prefix length and probe lengths from
// longest to shortest, so the first hit is the longest matching prefix.
type DB struct {
	v4       table
	v6       table
	prefixes map[aspath.ASN][]string
}

type table struct {
	byLen   map[int]map[netip.Prefix]aspath.ASN
	lengths []int // descending
}

func (t *table) insert(p netip.Prefix, asn aspath.ASN) {
	if t.byLen == nil {
		t.byLen = make(map[int]map[netip.Prefix]aspath.ASN)
	}
	m, ok := t.byLen[p.Bits()]
	if !ok {
		m = make(map[netip.Prefix]aspath.ASN)
		t.byLen[p.Bits()] = m
		t.lengths = append(t.lengths, p.Bits())
		sort.Sort(sort.Reverse(sort.IntSlice(t.lengths)))
	}
	m[p] = asn
}

func (t *table) lookup(addr netip.Addr) (aspath.ASN, netip.Prefix, bool) {
	for _, bits := range t.lengths {
		p, err := addr.Prefix(bits)
		if err != nil {
			continue
		}
		if asn, ok := t.byLen[bits][p]; ok {
			return asn, p, true
		}
	}
	return aspath.NoASN, netip.Prefix{}, false
}

// NewDB returns an empty database. Use Add to populate it.
func NewDB() *DB {
	return &DB{prefixes: make(map[aspath.ASN][]string)}
}

// Add records that prefix is announced by asn.
func (d *DB) Add(prefix netip.Prefix, asn aspath.ASN) {
	prefix = prefix.Masked()
	if prefix.Addr().Is4() {
		d.v4.insert(prefix, asn)
	} else {
		d.v6.insert(prefix, asn)
	}
	d.prefixes[asn] = append(d.prefixes[asn], prefix.String())
}

// Lookup returns the AS announcing the longest prefix that covers ip.
func (d *DB) Lookup(ip string) (aspath.ASN, netip.Prefix, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return aspath.NoASN, netip.Prefix{}, false
	}
	addr = addr.Unmap()
	if addr.Is4() {
		return d.v4.lookup(addr)
	}
	return d.v6.lookup(addr)
}

// Prefixes returns the prefixes announced by asn in lexicographic order.
func (d *DB) Prefixes(asn aspath.ASN) []string {
	ps := d.prefixes[asn]
	if len(ps) == 0 {
		return nil
	}
	out := make([]string, len(ps))
	copy(out, ps)
	sort.Strings(out)
	return out
}

// Len returns the number of prefixes in the database.
func (d *DB) Len() int {
	n := 0
	for _, ps := range d.prefixes {
		n += len(ps)
	}
	return n
}

// LoadDB reads an IPASN data file (pyasn text format).
func LoadDB(path string) (*DB, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening AS database: %w", err)
	}
	defer func() { _ = f.Close() }()

	db, err := ParseDB(f)
	if err != nil {
		return nil, fmt.Errorf("parsing AS database %s: %w", path, err)
	}
	logrus.Infof("Loaded AS database %s: %d prefixes", path, db.Len())
	return db, nil
}

// ParseDB parses "prefix<TAB>asn" lines. Blank lines and lines starting
// with ';' are skipped.
func ParseDB(r io.Reader) (*DB, error) {
	db := NewDB()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: expected prefix and AS number, got %q", lineNo, line)
		}
		prefix, err := netip.ParsePrefix(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		asn, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid AS number %q: %w", lineNo, fields[1], err)
		}
		db.Add(prefix, aspath.ASN(asn))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// FirstHost returns the first usable host address of prefix. Point-to-point
// and single-address prefixes (/31, /32, /127, /128) return their first
// address; larger prefixes skip the network address.
func FirstHost(prefix netip.Prefix) netip.Addr {
	prefix = prefix.Masked()
	addr := prefix.Addr()
	if addr.BitLen()-prefix.Bits() <= 1 {
		return addr
	}
	return addr.Next()
}
