// Package testutil provides shared test infrastructure for the aspath
// packages: a fake inference service used by the infer/ and pipeline/ tests.
package testutil

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
)

// Responder decides the status code and body for one inference request.
type Responder func(q url.Values) (status int, body string)

// InferenceServer is an httptest server speaking the /infer protocol.
// It records the query of every request it receives.
type InferenceServer struct {
	*httptest.Server

	mu      sync.Mutex
	queries []url.Values
	respond Responder
}

// NewInferenceServer starts a server that answers with respond. The server
// is closed when the test ends.
func NewInferenceServer(t *testing.T, respond Responder) *InferenceServer {
	t.Helper()
	s := &InferenceServer{respond: respond}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/infer" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		s.mu.Lock()
		s.queries = append(s.queries, q)
		s.mu.Unlock()

		status, body := s.respond(q)
		w.WriteHeader(status)
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

// FixedPath answers every request with CannedBody(path).
func FixedPath(path string) Responder {
	return func(url.Values) (int, string) {
		return http.StatusOK, CannedBody(path)
	}
}

// AlwaysFail answers every request with HTTP 503.
func AlwaysFail() Responder {
	return func(url.Values) (int, string) {
		return http.StatusServiceUnavailable, "overloaded"
	}
}

// CannedBody builds a response body in the service's format: a header line,
// then a line whose third token is the raw path.
func CannedBody(path string) string {
	return "src dst path\n64500 192.0.2.1 " + path + " extra\n"
}

// Queries returns a copy of the recorded request queries.
func (s *InferenceServer) Queries() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]url.Values, len(s.queries))
	copy(out, s.queries)
	return out
}

// Count returns the number of requests received.
func (s *InferenceServer) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

// HostPort splits the server address for building a client config.
func (s *InferenceServer) HostPort(t *testing.T) (string, int) {
	t.Helper()
	u, err := url.Parse(s.URL)
	if err != nil {
		t.Fatalf("parsing server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting server host: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing server port: %v", err)
	}
	return host, port
}
