package circuit

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

// ErrSampleOutOfRange means a circuit's sample index has no client hop.
var ErrSampleOutOfRange = errors.New("sample index out of range")

// MapHopInfo attaches the client hop for c.SampleN and resolves the AS of
// every relay and destination hop. Unresolved ASes stay aspath.NoASN.
func MapHopInfo(c aspath.SampledCircuit, clients []aspath.HopInfo, resolver ASResolver) (aspath.AnnotatedCircuit, error) {
	if c.SampleN < 0 || c.SampleN >= len(clients) {
		return aspath.AnnotatedCircuit{}, fmt.Errorf("%w: sample %d, %d client hops", ErrSampleOutOfRange, c.SampleN, len(clients))
	}
	return aspath.AnnotatedCircuit{
		SampleN:     c.SampleN,
		Timestamp:   c.Timestamp,
		Client:      clients[c.SampleN],
		Guard:       aspath.HopInfo{IP: c.GuardIP, AS: resolver.IPToASN(c.GuardIP)},
		Exit:        aspath.HopInfo{IP: c.ExitIP, AS: resolver.IPToASN(c.ExitIP)},
		Destination: aspath.HopInfo{IP: c.DestinationIP, AS: resolver.IPToASN(c.DestinationIP)},
	}, nil
}

// PathLookup infers the AS path from a source AS to a destination address.
type PathLookup interface {
	Lookup(ctx context.Context, src aspath.ASN, dst string) aspath.Result
}

// Mapper turns annotated circuits into inferred paths.
type Mapper struct {
	paths PathLookup
}

// NewMapper returns a Mapper that resolves paths through paths.
func NewMapper(paths PathLookup) *Mapper {
	return &Mapper{paths: paths}
}

// MapInferPath runs the four directional lookups of c concurrently:
// client to guard, guard to client, exit to destination and destination
// to exit.
func (m *Mapper) MapInferPath(ctx context.Context, c aspath.AnnotatedCircuit) aspath.InferredPaths {
	out := aspath.InferredPaths{SampleN: c.SampleN, Timestamp: c.Timestamp}
	lookups := []struct {
		dst  *aspath.Result
		from aspath.HopInfo
		to   aspath.HopInfo
	}{
		{&out.C2G, c.Client, c.Guard},
		{&out.G2C, c.Guard, c.Client},
		{&out.E2D, c.Exit, c.Destination},
		{&out.D2E, c.Destination, c.Exit},
	}

	var g errgroup.Group
	for _, l := range lookups {
		l := l
		g.Go(func() error {
			*l.dst = m.paths.Lookup(ctx, l.from.AS, l.to.IP)
			return nil
		})
	}
	_ = g.Wait()
	return out
}
