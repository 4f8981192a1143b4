// Package batch groups an unbounded circuit stream into batches whose size
// follows the cache miss rate, so the number of concurrent network lookups
// stays close to a target load.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

// MinMissRate keeps the size formula finite when every lookup hits.
const MinMissRate = 0.0001

// Source yields items lazily and returns io.EOF once exhausted.
type Source[T any] interface {
	Next() (T, error)
}

// Counter exposes the shared lookup counters of the inference cache.
type Counter interface {
	// ResetMisses zeroes the miss counter and returns its previous value.
	ResetMisses() int64
	Errors() int64
}

// MissRate is misses over the lookups issued by a batch of priorSize items.
// The result is not clamped.
func MissRate(misses int64, priorSize int) float64 {
	if priorSize <= 0 {
		return 1
	}
	return float64(misses) / float64(priorSize*aspath.LookupsPerCircuit)
}

// NextSize returns load / missRate with the miss rate clamped to
// MinMissRate, so that the expected number of network lookups per batch
// stays near load. The result is at least 1.
func NextSize(load int, misses int64, priorSize int) int {
	rate := MissRate(misses, priorSize)
	if rate < MinMissRate {
		rate = MinMissRate
	}
	size := int(float64(load) / rate)
	if size < 1 {
		size = 1
	}
	return size
}

// Report describes the scheduler state before a batch is drawn.
type Report struct {
	Batch      int     // zero-based index of the batch about to be drawn
	Size       int     // size requested for that batch
	HitRate    float64 // hit rate observed in the previous batch
	Errors     int64   // exhausted lookups so far
	Throughput float64 // items per second of the previous batch, 0 before the first
}

// ProcessFunc handles one batch. It must not return before every lookup
// of the batch has finished.
type ProcessFunc[T any] func(ctx context.Context, items []T) error

// Scheduler draws batches from a Source and hands them to a ProcessFunc one
// at a time. Batches never overlap.
type Scheduler[T any] struct {
	load    int
	source  Source[T]
	counter Counter

	// OnReport is called before every draw, including the final empty one.
	// Defaults to logging the report.
	OnReport func(Report)

	now func() time.Time
}

// NewScheduler creates a scheduler targeting load concurrent lookups.
func NewScheduler[T any](load int, source Source[T], counter Counter) (*Scheduler[T], error) {
	if load < 1 {
		return nil, fmt.Errorf("load must be at least 1, got %d", load)
	}
	return &Scheduler[T]{
		load:     load,
		source:   source,
		counter:  counter,
		OnReport: LogReport,
		now:      time.Now,
	}, nil
}

// LogReport writes a progress line for r.
func LogReport(r Report) {
	if r.Throughput > 0 {
		logrus.Infof("Hit rate: %.2f%%, Batch size %d, n_error=%d, Delta time: %.2f line(s)/s",
			r.HitRate*100, r.Size, r.Errors, r.Throughput)
		return
	}
	logrus.Infof("Hit rate: %.2f%%, Batch size %d, n_error=%d", r.HitRate*100, r.Size, r.Errors)
}

// Run processes batches until the source is exhausted, process fails, or
// ctx is cancelled. It returns the number of items processed.
//
// The first batch has no observed miss rate; it is sized as if every
// lookup of a load-sized batch had missed, which yields exactly load.
func (s *Scheduler[T]) Run(ctx context.Context, process ProcessFunc[T]) (int, error) {
	prior := s.load
	misses := int64(s.load * aspath.LookupsPerCircuit)
	throughput := 0.0
	total := 0

	for batch := 0; ; batch++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		size := NextSize(s.load, misses, prior)
		if s.OnReport != nil {
			s.OnReport(Report{
				Batch:      batch,
				Size:       size,
				HitRate:    1 - MissRate(misses, prior),
				Errors:     s.counter.Errors(),
				Throughput: throughput,
			})
		}

		s.counter.ResetMisses()
		items, err := s.draw(size)
		if err != nil {
			return total, err
		}
		if len(items) == 0 {
			return total, nil
		}

		start := s.now()
		if err := process(ctx, items); err != nil {
			return total, err
		}
		elapsed := s.now().Sub(start)
		total += len(items)

		prior = len(items)
		misses = s.counter.ResetMisses()
		throughput = 0
		if elapsed > 0 {
			throughput = float64(len(items)) / elapsed.Seconds()
		}
	}
}

func (s *Scheduler[T]) draw(n int) ([]T, error) {
	items := make([]T, 0, min(n, 1<<16))
	for len(items) < n {
		item, err := s.source.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}
