package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/dont-kill-my-relay/ASPathInference/aspath/asdb"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/circuit"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/infer"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/store"
)

// Config is everything a run needs besides metrics.
type Config struct {
	CircuitsPath string // sampled circuits, one per line after a header
	ASesPath     string // client AS population by country (JSON)
	ASDBPath     string // prefix-to-AS database (IPASN text)
	OutputPath   string
	CachePath    string

	Samples  int   // number of client hops to synthesize
	Seed     int64 // client synthesis seed
	Load     int   // target concurrent network lookups
	MemoSize int   // resolver memo bound per direction, 0 for unbounded

	Infer infer.Config
}

// Validate reports every missing or out-of-range setting.
func (c Config) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"circuits file": c.CircuitsPath,
		"AS dataset":    c.ASesPath,
		"AS database":   c.ASDBPath,
		"output file":   c.OutputPath,
		"cache file":    c.CachePath,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s path is required", name))
		}
	}
	if c.Samples < 1 {
		errs = append(errs, fmt.Errorf("samples must be at least 1, got %d", c.Samples))
	}
	if c.Load < 1 {
		errs = append(errs, fmt.Errorf("load must be at least 1, got %d", c.Load))
	}
	if c.Infer.Scheme != "http" && c.Infer.Scheme != "https" {
		errs = append(errs, fmt.Errorf("scheme must be http or https, got %q", c.Infer.Scheme))
	}
	return errors.Join(errs...)
}

// Execute loads every input, runs the pipeline and closes all files.
func Execute(ctx context.Context, cfg Config, metrics *infer.Metrics) (summary Summary, err error) {
	if err := cfg.Validate(); err != nil {
		return Summary{}, err
	}

	db, err := asdb.LoadDB(cfg.ASDBPath)
	if err != nil {
		return Summary{}, err
	}
	resolver := asdb.NewResolver(db, cfg.MemoSize)

	dataset, err := circuit.LoadASDataset(cfg.ASesPath)
	if err != nil {
		return Summary{}, err
	}
	clientHops, err := circuit.GenerateClientHops(dataset, cfg.Samples, cfg.Seed, resolver)
	if err != nil {
		return Summary{}, fmt.Errorf("synthesizing client hops: %w", err)
	}

	st, err := store.Open(cfg.CachePath)
	if err != nil {
		return Summary{}, err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(st))
	entries, err := st.Load()
	if err != nil {
		return Summary{}, err
	}
	logrus.Infof("Cache size: %d (%d without result)", len(entries), store.NoResultCount(entries))

	logTLSPosture(cfg.Infer)
	client := infer.NewClient(cfg.Infer, infer.NewCache(entries), metrics)

	in, err := os.Open(cfg.CircuitsPath)
	if err != nil {
		return Summary{}, fmt.Errorf("opening circuits: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(in))
	reader, err := circuit.NewReader(in)
	if err != nil {
		return Summary{}, err
	}

	outFile, err := os.Create(cfg.OutputPath)
	if err != nil {
		return Summary{}, fmt.Errorf("creating output: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(outFile))
	out, err := NewOutputWriter(outFile)
	if err != nil {
		return Summary{}, err
	}

	logrus.Infof("Inferring paths via %s with load %d", cfg.Infer.Endpoint(), cfg.Load)
	d := NewDriver(cfg.Load, client, resolver, clientHops, st, out, metrics)
	summary, err = d.Run(ctx, reader)
	asnToIP, ipToASN := resolver.MemoSizes()
	logrus.Debugf("Resolver memo: %d AS->IP, %d IP->AS", asnToIP, ipToASN)
	return summary, err
}

// logTLSPosture states the certificate policy for the inference endpoint.
// Skipped verification over https is a warning; over http it is stated so
// that it is not a surprise when the scheme changes.
func logTLSPosture(ic infer.Config) {
	switch {
	case ic.Scheme == "https" && ic.InsecureSkipVerify:
		logrus.Warnf("TLS certificate verification is disabled for %s", ic.Endpoint())
	case ic.Scheme == "https":
		logrus.Infof("TLS certificate verification is enabled for %s", ic.Endpoint())
	default:
		logrus.Infof("Inference endpoint %s is plain http; insecure-skip-verify=%t applies if https is used",
			ic.Endpoint(), ic.InsecureSkipVerify)
	}
}
