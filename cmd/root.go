package cmd

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dont-kill-my-relay/ASPathInference/aspath/infer"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/pipeline"
)

var (
	logLevel   string // Log verbosity level
	configPath string // Optional YAML file with run settings

	// Inputs and outputs
	circuitsPath string // Sampled circuits file
	asesPath     string // Client AS population by country (JSON)
	asdbPath     string // Prefix-to-AS database (IPASN text format)
	outputPath   string // Inferred paths output file
	cachePath    string // Inference cache checkpoint

	// Client synthesis and batching
	samples  int   // Number of client hops to synthesize
	seed     int64 // Seed for client AS selection
	load     int   // Target number of concurrent network lookups
	memoSize int   // Resolver memo bound per direction (0 = unbounded)

	// Inference service
	scheme             string        // Endpoint scheme
	host               string        // Endpoint host
	port               int           // Endpoint port
	algorithm          string        // Inference algorithm
	useKnown           string        // Known-path usage flag sent to the service
	ignoreCachedNone   bool          // Retry keys cached without a result
	insecureSkipVerify bool          // Skip TLS certificate validation
	maxRPS             float64       // Request rate cap (0 = unlimited)
	coalesce           bool          // Share one request between identical concurrent lookups
	requestTimeout     time.Duration // Per-attempt HTTP timeout
	backoffUnit        time.Duration // Length of one retry backoff unit

	metricsAddr string // Prometheus listen address (empty = disabled)
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "aspathinference",
	Short: "Infer AS-level paths for sampled anonymity network circuits",
}

// setupLogging applies --log to the package logger.
func setupLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// runCmd executes the inference pipeline using parameters from CLI flags
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Infer the AS paths of every circuit in a sample file",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			fc, err := loadFileConfig(configPath)
			if err != nil {
				logrus.Fatalf("Failed to load config: %v", err)
			}
			if err := applyFileConfig(cmd, fc); err != nil {
				logrus.Fatalf("Failed to apply config %s: %v", configPath, err)
			}
		}
		setupLogging()

		cfg := buildPipelineConfig()
		if err := cfg.Validate(); err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}

		reg := prometheus.NewRegistry()
		metrics := infer.NewMetrics(reg)
		if metricsAddr != "" {
			serveMetrics(metricsAddr, reg)
		}

		startTime := time.Now()
		summary, err := pipeline.Execute(context.Background(), cfg, metrics)
		if err != nil {
			logrus.Fatalf("Inference run failed: %v", err)
		}
		logrus.Infof("Wrote %d circuits to %s in %v (cache %d entries, n_error=%d)",
			summary.Circuits, cfg.OutputPath, time.Since(startTime).Round(time.Millisecond),
			summary.CacheEntries, summary.Errors)
	},
}

// buildPipelineConfig collects the run flags.
func buildPipelineConfig() pipeline.Config {
	ic := infer.DefaultConfig()
	ic.Scheme = scheme
	ic.Host = host
	ic.Port = port
	ic.Algorithm = algorithm
	ic.UseKnown = useKnown
	ic.IgnoreCachedNoResult = ignoreCachedNone
	ic.InsecureSkipVerify = insecureSkipVerify
	ic.MaxRPS = maxRPS
	ic.Coalesce = coalesce
	ic.RequestTimeout = requestTimeout
	ic.BackoffUnit = backoffUnit

	return pipeline.Config{
		CircuitsPath: circuitsPath,
		ASesPath:     asesPath,
		ASDBPath:     asdbPath,
		OutputPath:   outputPath,
		CachePath:    cachePath,
		Samples:      samples,
		Seed:         seed,
		Load:         load,
		MemoSize:     memoSize,
		Infer:        ic,
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// addRunFlags registers the flags of the run command on c.
func addRunFlags(c *cobra.Command) {
	defaults := infer.DefaultConfig()

	c.Flags().StringVar(&configPath, "config", "", "YAML file with run settings; explicit flags take precedence")

	c.Flags().StringVar(&circuitsPath, "circuits", "", "Sampled circuits file")
	c.Flags().StringVar(&asesPath, "ases", "", "Client AS population by country (JSON)")
	c.Flags().StringVar(&asdbPath, "asdb", "", "Prefix-to-AS database (IPASN text format)")
	c.Flags().StringVar(&outputPath, "output", "aspathinference.out", "Output file")
	c.Flags().StringVar(&cachePath, "cache", "aspathinference_cache.cbor", "Cache checkpoint (.db or .bolt selects bbolt, otherwise CBOR snapshot)")

	c.Flags().IntVar(&samples, "samples", 0, "Number of client hops to synthesize (must cover every sample index)")
	c.Flags().Int64Var(&seed, "seed", 42, "Seed for client AS selection")
	c.Flags().IntVar(&load, "load", 10, "Target number of concurrent lookups sent to the inference service")
	c.Flags().IntVar(&memoSize, "memo-size", 0, "Resolver memo entries per direction (0 = unbounded)")

	c.Flags().StringVar(&scheme, "scheme", defaults.Scheme, "Inference service scheme (http or https)")
	c.Flags().StringVar(&host, "host", defaults.Host, "Inference service host")
	c.Flags().IntVar(&port, "port", defaults.Port, "Inference service port")
	c.Flags().StringVar(&algorithm, "algorithm", defaults.Algorithm, "Inference algorithm")
	c.Flags().StringVar(&useKnown, "use-known", defaults.UseKnown, "Known-path usage flag sent to the service")
	c.Flags().BoolVar(&ignoreCachedNone, "ignore-cached-none", false, "Retry lookups cached without a result")
	c.Flags().BoolVar(&insecureSkipVerify, "insecure-skip-verify", true, "Skip TLS certificate validation for the inference service")
	c.Flags().Float64Var(&maxRPS, "max-rps", 0, "Cap on requests per second to the inference service (0 = unlimited)")
	c.Flags().BoolVar(&coalesce, "coalesce", false, "Share one request between concurrent lookups of the same key")
	c.Flags().DurationVar(&requestTimeout, "request-timeout", defaults.RequestTimeout, "Timeout of a single inference request")
	c.Flags().DurationVar(&backoffUnit, "backoff-unit", defaults.BackoffUnit, "Retry backoff unit (delays are 3, 6, 12 units)")

	c.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (empty = disabled)")
}

// init sets up CLI flags and subcommands
func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")

	addRunFlags(runCmd)

	// Attach `run` as a subcommand to `root`
	rootCmd.AddCommand(runCmd)
}
