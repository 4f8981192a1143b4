package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/batch"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/circuit"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/infer"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/internal/testutil"
	"github.com/dont-kill-my-relay/ASPathInference/aspath/store"
)

type mapResolver map[string]aspath.ASN

func (m mapResolver) ASNToIP(aspath.ASN) (string, bool) { return "", false }
func (m mapResolver) IPToASN(ip string) aspath.ASN      { return m[ip] }

type failingStore struct{ store.Store }

func (failingStore) Save(map[aspath.Key]aspath.Result) error { return errors.New("disk full") }

func newClient(t *testing.T, srv *testutil.InferenceServer) *infer.Client {
	t.Helper()
	host, port := srv.HostPort(t)
	cfg := infer.DefaultConfig()
	cfg.Host, cfg.Port = host, port
	cfg.BackoffUnit = time.Millisecond
	return infer.NewClient(cfg, infer.NewCache(nil), nil)
}

func readerFor(t *testing.T, lines ...string) *circuit.Reader {
	t.Helper()
	r, err := circuit.NewReader(strings.NewReader("sample_n timestamp guard middle exit dest\n" + strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	return r
}

func TestDriver_Scenario_SingleCircuit(t *testing.T) {
	// GIVEN one circuit, one client hop, a resolver and a fixed-path service
	srv := testutil.NewInferenceServer(t, testutil.FixedPath("64500+3356=100*200"))
	client := newClient(t, srv)
	resolver := mapResolver{"1.2.3.4": 100, "5.6.7.8": 200, "9.10.11.12": 300}
	clients := []aspath.HopInfo{{IP: "10.0.0.1", AS: 64500}}
	st := store.NewSnapshot(filepath.Join(t.TempDir(), "cache.cbor"))
	var buf bytes.Buffer
	out, err := NewOutputWriter(&buf)
	require.NoError(t, err)

	// WHEN the driver runs
	d := NewDriver(10, client, resolver, clients, st, out, nil)
	d.OnReport = func(batch.Report) {}
	summary, err := d.Run(context.Background(), readerFor(t, "0 1000 1.2.3.4 - 5.6.7.8 9.10.11.12"))

	// THEN one line with four canonical paths is written
	require.NoError(t, err)
	const path = "64500-3356-100-200"
	assert.Equal(t, aspath.OutputHeader+"\n"+fmt.Sprintf("0 1000 %s %s %s %s\n", path, path, path, path), buf.String())

	// AND exactly four cache entries are populated and checkpointed
	assert.Equal(t, 1, summary.Circuits)
	assert.Equal(t, 4, summary.CacheEntries)
	saved, err := st.Load()
	require.NoError(t, err)
	assert.Len(t, saved, 4)
	assert.Contains(t, saved, aspath.Key{Src: 64500, Dst: "1.2.3.4"})
	assert.Contains(t, saved, aspath.Key{Src: 100, Dst: "10.0.0.1"})
	assert.Contains(t, saved, aspath.Key{Src: 200, Dst: "9.10.11.12"})
	assert.Contains(t, saved, aspath.Key{Src: 300, Dst: "5.6.7.8"})
}

func TestDriver_BoundsCircuitsInFlight(t *testing.T) {
	// GIVEN a slow service that tracks how many requests it serves at once
	var current, peak atomic.Int32
	srv := testutil.NewInferenceServer(t, func(q url.Values) (int, string) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return http.StatusOK, testutil.CannedBody(q.Get("src_"))
	})
	client := newClient(t, srv)
	resolver := mapResolver{}
	var lines []string
	clients := make([]aspath.HopInfo, 20)
	for i := range clients {
		clients[i] = aspath.HopInfo{IP: fmt.Sprintf("10.0.1.%d", i+1), AS: aspath.ASN(64500 + i)}
		relay := fmt.Sprintf("198.51.100.%d", i+1)
		dest := fmt.Sprintf("203.0.113.%d", i+1)
		resolver[relay] = aspath.ASN(100 + i)
		resolver[dest] = aspath.ASN(300 + i)
		lines = append(lines, fmt.Sprintf("%d %d %s - %s %s", i, 1000+i, relay, relay, dest))
	}
	out, err := NewOutputWriter(&bytes.Buffer{})
	require.NoError(t, err)

	// WHEN a single 20-circuit batch runs with two circuits in flight
	d := NewDriver(20, client, resolver, clients, store.NewSnapshot(filepath.Join(t.TempDir(), "cache.cbor")), out, nil)
	d.inFlight = 2
	d.OnReport = func(batch.Report) {}
	summary, err := d.Run(context.Background(), readerFor(t, lines...))

	// THEN every circuit is written and at most 2*4 lookups overlapped
	require.NoError(t, err)
	assert.Equal(t, 20, summary.Circuits)
	assert.Equal(t, 80, srv.Count())
	assert.LessOrEqual(t, peak.Load(), int32(2*aspath.LookupsPerCircuit))
}

func TestNewDriver_InFlightScalesWithLoad(t *testing.T) {
	assert.Equal(t, minInFlight, NewDriver(1, nil, nil, nil, nil, nil, nil).inFlight)
	assert.Equal(t, 100*circuitsPerLoad, NewDriver(100, nil, nil, nil, nil, nil, nil).inFlight)
}

func TestDriver_OutputKeepsInputOrder(t *testing.T) {
	// GIVEN a service that answers with random delays and echoes the source AS
	srv := testutil.NewInferenceServer(t, func(q url.Values) (int, string) {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		return http.StatusOK, testutil.CannedBody(q.Get("src_"))
	})
	client := newClient(t, srv)
	resolver := mapResolver{}
	var lines []string
	clients := make([]aspath.HopInfo, 30)
	for i := range clients {
		clients[i] = aspath.HopInfo{IP: fmt.Sprintf("10.0.0.%d", i+1), AS: aspath.ASN(64500 + i)}
		ip := fmt.Sprintf("192.0.2.%d", i+1)
		resolver[ip] = aspath.ASN(100 + i)
		lines = append(lines, fmt.Sprintf("%d %d %s - %s %s", i, 1000+i, ip, ip, ip))
	}
	st := store.NewSnapshot(filepath.Join(t.TempDir(), "cache.cbor"))
	var buf bytes.Buffer
	out, err := NewOutputWriter(&buf)
	require.NoError(t, err)

	d := NewDriver(4, client, resolver, clients, st, out, infer.NewMetrics(prometheus.NewRegistry()))
	var reports []batch.Report
	d.OnReport = func(r batch.Report) { reports = append(reports, r) }
	summary, err := d.Run(context.Background(), readerFor(t, lines...))
	require.NoError(t, err)
	assert.Equal(t, 30, summary.Circuits)
	assert.Greater(t, len(reports), 2)

	got := strings.Split(strings.TrimSpace(buf.String()), "\n")[1:]
	require.Len(t, got, 30)
	for i, line := range got {
		fields := strings.Fields(line)
		require.Len(t, fields, 6)
		assert.Equal(t, fmt.Sprint(i), fields[0])
		assert.Equal(t, fmt.Sprint(64500+i), fields[2], "c2g of circuit %d", i)
		assert.Equal(t, fmt.Sprint(100+i), fields[3], "g2c of circuit %d", i)
	}
}

func TestDriver_UnresolvedHopsWriteNoResult(t *testing.T) {
	srv := testutil.NewInferenceServer(t, testutil.FixedPath("1+2"))
	client := newClient(t, srv)
	var buf bytes.Buffer
	out, err := NewOutputWriter(&buf)
	require.NoError(t, err)
	st := store.NewSnapshot(filepath.Join(t.TempDir(), "cache.cbor"))

	// guard resolves, exit and destination do not
	d := NewDriver(1, client, mapResolver{"1.2.3.4": 100}, []aspath.HopInfo{{IP: "10.0.0.1", AS: 64500}}, st, out, nil)
	d.OnReport = func(batch.Report) {}
	_, err = d.Run(context.Background(), readerFor(t, "0 5 1.2.3.4 - 8.8.8.8 8.8.4.4"))
	require.NoError(t, err)

	assert.Equal(t, "0 5 1-2 1-2 None None", strings.Split(strings.TrimSpace(buf.String()), "\n")[1])
}

func TestDriver_CheckpointFailureIsFatal(t *testing.T) {
	srv := testutil.NewInferenceServer(t, testutil.FixedPath("1+2"))
	client := newClient(t, srv)
	var buf bytes.Buffer
	out, err := NewOutputWriter(&buf)
	require.NoError(t, err)

	d := NewDriver(1, client, mapResolver{"1.2.3.4": 100}, []aspath.HopInfo{{IP: "10.0.0.1", AS: 64500}},
		failingStore{}, out, nil)
	d.OnReport = func(batch.Report) {}
	_, err = d.Run(context.Background(), readerFor(t,
		"0 5 1.2.3.4 - 1.2.3.4 1.2.3.4",
		"0 6 1.2.3.4 - 1.2.3.4 1.2.3.4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestDriver_SampleOutOfRangeStopsRun(t *testing.T) {
	srv := testutil.NewInferenceServer(t, testutil.FixedPath("1"))
	client := newClient(t, srv)
	var buf bytes.Buffer
	out, err := NewOutputWriter(&buf)
	require.NoError(t, err)
	st := store.NewSnapshot(filepath.Join(t.TempDir(), "cache.cbor"))

	d := NewDriver(1, client, mapResolver{}, nil, st, out, nil)
	d.OnReport = func(batch.Report) {}
	_, err = d.Run(context.Background(), readerFor(t, "0 5 1.2.3.4 - 1.2.3.4 1.2.3.4"))
	assert.ErrorIs(t, err, circuit.ErrSampleOutOfRange)
	assert.Zero(t, srv.Count())
}
