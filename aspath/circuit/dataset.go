package circuit

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

// CountryASes is the client AS population of one country.
type CountryASes struct {
	Weight float64      `json:"weight"`
	ASes   []aspath.ASN `json:"ases"`
}

// ASDataset maps country codes to their client AS population.
type ASDataset map[string]CountryASes

// LoadASDataset reads the JSON AS-by-country file.
func LoadASDataset(path string) (ASDataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading AS dataset: %w", err)
	}
	var ds ASDataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parsing AS dataset %s: %w", path, err)
	}
	if len(ds) == 0 {
		return nil, fmt.Errorf("AS dataset %s has no countries", path)
	}
	return ds, nil
}

// Countries returns the country codes in sorted order.
func (ds ASDataset) Countries() []string {
	out := make([]string, 0, len(ds))
	for c := range ds {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// SelectClientASNs draws n client ASes: a country by weight, then one of its
// ASes uniformly. The draw is a pure function of ds, n and the rng state.
func SelectClientASNs(ds ASDataset, n int, rng *rand.Rand) ([]aspath.ASN, error) {
	countries := ds.Countries()
	cumulative := make([]float64, len(countries))
	total := 0.0
	for i, c := range countries {
		if w := ds[c].Weight; w > 0 {
			total += w
		}
		cumulative[i] = total
	}
	if total <= 0 {
		return nil, fmt.Errorf("AS dataset has no positive country weight")
	}

	out := make([]aspath.ASN, n)
	for i := range out {
		x := rng.Float64() * total
		idx := sort.Search(len(cumulative), func(j int) bool { return cumulative[j] > x })
		if idx == len(cumulative) {
			idx = len(cumulative) - 1
		}
		ases := ds[countries[idx]].ASes
		if len(ases) == 0 {
			return nil, fmt.Errorf("country %s has weight but no ASes", countries[idx])
		}
		out[i] = ases[rng.Intn(len(ases))]
	}
	return out, nil
}

// ASResolver maps between AS numbers and addresses.
type ASResolver interface {
	ASNToIP(asn aspath.ASN) (string, bool)
	IPToASN(ip string) aspath.ASN
}

// GenerateClientHops synthesizes one client hop per sample index. A client
// AS without announced prefixes gets an empty address.
func GenerateClientHops(ds ASDataset, n int, seed int64, resolver ASResolver) ([]aspath.HopInfo, error) {
	rng := rand.New(rand.NewSource(seed))
	asns, err := SelectClientASNs(ds, n, rng)
	if err != nil {
		return nil, err
	}
	hops := make([]aspath.HopInfo, n)
	unresolved := 0
	for i, asn := range asns {
		ip, ok := resolver.ASNToIP(asn)
		if !ok {
			unresolved++
		}
		hops[i] = aspath.HopInfo{IP: ip, AS: asn}
	}
	if unresolved > 0 {
		logrus.Warnf("%d of %d client ASes have no announced prefix", unresolved, n)
	}
	return hops, nil
}
