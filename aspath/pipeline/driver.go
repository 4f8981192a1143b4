// Package pipeline runs the inference pipeline: it maps each batch of
// sampled circuits to annotated circuits, infers their paths concurrently,
// writes the results in input order and checkpoints the cache.
package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/batch"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/circuit"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/infer"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/store"
)

// circuitsPerLoad scales load to the number of circuits of a batch that are
// inferred at once. Only cache misses reach the network, so the bound sits
// far above load and matters only for large, mostly cached batches.
const circuitsPerLoad = 64

// minInFlight is the floor of the per-batch circuit concurrency.
const minInFlight = 256

// Driver owns the collaborators of one run.
type Driver struct {
	load       int
	client     *infer.Client
	mapper     *circuit.Mapper
	resolver   circuit.ASResolver
	clientHops []aspath.HopInfo
	store      store.Store
	out        *OutputWriter
	metrics    *infer.Metrics
	lastBatch  int
	inFlight   int // circuits inferred concurrently within a batch

	// OnReport receives the scheduler's progress reports. Nil logs them.
	OnReport func(batch.Report)
}

// Summary describes a finished run.
type Summary struct {
	Circuits     int
	CacheEntries int
	Errors       int64
}

// NewDriver wires a driver. metrics may be nil.
func NewDriver(load int, client *infer.Client, resolver circuit.ASResolver, clientHops []aspath.HopInfo,
	st store.Store, out *OutputWriter, metrics *infer.Metrics) *Driver {
	return &Driver{
		load:       load,
		client:     client,
		mapper:     circuit.NewMapper(client),
		resolver:   resolver,
		clientHops: clientHops,
		store:      st,
		out:        out,
		metrics:    metrics,
		inFlight:   max(load*circuitsPerLoad, minInFlight),
	}
}

// Run drains source batch by batch. A batch is fully inferred, written and
// checkpointed before the next one is drawn; a failed checkpoint stops the run.
func (d *Driver) Run(ctx context.Context, source batch.Source[aspath.SampledCircuit]) (Summary, error) {
	cache := d.client.Cache()
	sched, err := batch.NewScheduler[aspath.SampledCircuit](d.load, source, cache)
	if err != nil {
		return Summary{}, err
	}
	sched.OnReport = func(r batch.Report) {
		if d.OnReport != nil {
			d.OnReport(r)
		} else {
			batch.LogReport(r)
		}
		if r.Batch > 0 {
			d.metrics.ObserveBatch(d.lastBatch, r.HitRate)
		}
	}

	n, err := sched.Run(ctx, d.processBatch)
	summary := Summary{Circuits: n, CacheEntries: cache.Len(), Errors: cache.Errors()}
	if err != nil {
		return summary, err
	}
	logrus.Infof("Processed %d circuits, cache size %d, n_error=%d", summary.Circuits, summary.CacheEntries, summary.Errors)
	return summary, nil
}

func (d *Driver) processBatch(ctx context.Context, raw []aspath.SampledCircuit) error {
	annotated := make([]aspath.AnnotatedCircuit, len(raw))
	for i, c := range raw {
		ac, err := circuit.MapHopInfo(c, d.clientHops, d.resolver)
		if err != nil {
			return err
		}
		annotated[i] = ac
	}

	// results are collected by position so output keeps the input order
	results := make([]aspath.InferredPaths, len(annotated))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.inFlight)
	for i := range annotated {
		i := i
		g.Go(func() error {
			results[i] = d.mapper.MapInferPath(gctx, annotated[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := d.out.Write(results); err != nil {
		return err
	}
	if err := d.out.Flush(); err != nil {
		return err
	}

	snapshot := d.client.Cache().Snapshot()
	if err := d.store.Save(snapshot); err != nil {
		return fmt.Errorf("checkpointing cache: %w", err)
	}
	d.metrics.ObserveCheckpoint(len(snapshot))
	d.lastBatch = len(raw)
	return nil
}
