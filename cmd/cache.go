package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/store"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect an inference cache checkpoint",
}

var cacheFile string

// loadCheckpoint opens, reads and closes the checkpoint at path.
func loadCheckpoint(path string) map[aspath.Key]aspath.Result {
	if _, err := os.Stat(path); err != nil {
		logrus.Fatalf("Cache checkpoint %s: %v", path, err)
	}
	st, err := store.Open(path)
	if err != nil {
		logrus.Fatalf("Failed to open cache: %v", err)
	}
	defer func() { _ = st.Close() }()
	entries, err := st.Load()
	if err != nil {
		logrus.Fatalf("Failed to load cache: %v", err)
	}
	return entries
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the number of cached lookups",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		entries := loadCheckpoint(cacheFile)
		fmt.Printf("entries: %d\nwithout result: %d\n", len(entries), store.NoResultCount(entries))
	},
}

var cacheExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write cached lookups as 'src dst path' lines to stdout",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		if err := writeCacheExport(os.Stdout, loadCheckpoint(cacheFile)); err != nil {
			logrus.Fatalf("Export failed: %v", err)
		}
	},
}

// writeCacheExport writes entries sorted by source AS, then destination.
func writeCacheExport(w io.Writer, entries map[aspath.Key]aspath.Result) error {
	keys := make([]aspath.Key, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Src != keys[j].Src {
			return keys[i].Src < keys[j].Src
		}
		return keys[i].Dst < keys[j].Dst
	})
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s %s %s\n", k.Src, k.Dst, entries[k]); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	cacheCmd.PersistentFlags().StringVar(&cacheFile, "cache", "aspathinference_cache.cbor", "Cache checkpoint to read")
	cacheCmd.AddCommand(cacheStatsCmd, cacheExportCmd)
	rootCmd.AddCommand(cacheCmd)
}
