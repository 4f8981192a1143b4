package aspath

import (
	"fmt"
	"strconv"
)

// ASN is an Autonomous System number. The reserved AS 0 marks an
// unresolved hop.
type ASN uint32

// NoASN is the value of an AS number that could not be resolved.
const NoASN ASN = 0

// Known reports whether the AS number was resolved.
func (a ASN) Known() bool { return a != NoASN }

// String renders the AS number, or "None" when it is unresolved.
func (a ASN) String() string {
	if !a.Known() {
		return NoResultMarker
	}
	return strconv.FormatUint(uint64(a), 10)
}

// NoResultMarker is written wherever inference produced no path.
const NoResultMarker = "None"

// SampledCircuit is one raw line of the circuit sample file.
type SampledCircuit struct {
	SampleN       int
	Timestamp     int64
	GuardIP       string
	Unused        string
	ExitIP        string
	DestinationIP string
}

// HopInfo is a hop address together with its owning AS.
type HopInfo struct {
	IP string
	AS ASN
}

// AnnotatedCircuit is a sampled circuit with AS numbers and a client hop.
type AnnotatedCircuit struct {
	SampleN     int
	Timestamp   int64
	Client      HopInfo
	Guard       HopInfo
	Exit        HopInfo
	Destination HopInfo
}

// Key identifies one inference lookup: a source AS towards a destination IP.
type Key struct {
	Src ASN
	Dst string
}

func (k Key) String() string {
	return fmt.Sprintf("AS%s->%s", k.Src, k.Dst)
}

// Result is an inferred AS path or the explicit absence of one.
// The zero value is "no result".
type Result struct {
	Path  string
	Found bool
}

// PathResult wraps a canonical path string.
func PathResult(path string) Result {
	return Result{Path: path, Found: true}
}

// NoResult is the outcome of a lookup that could not be resolved.
var NoResult = Result{}

// String returns the path, or NoResultMarker.
func (r Result) String() string {
	if !r.Found {
		return NoResultMarker
	}
	return r.Path
}

// InferredPaths holds the four directional paths of one circuit.
type InferredPaths struct {
	SampleN   int
	Timestamp int64
	C2G       Result // client to guard
	G2C       Result // guard to client
	E2D       Result // exit to destination
	D2E       Result // destination to exit
}

// OutputHeader is the first line of the output file.
const OutputHeader = "sample_n timestamp c2g g2c e2d d2e"

// Line renders the record as a space separated output line (no newline).
func (p InferredPaths) Line() string {
	return fmt.Sprintf("%d %d %s %s %s %s", p.SampleN, p.Timestamp, p.C2G, p.G2C, p.E2D, p.D2E)
}

// LookupsPerCircuit is the number of inference calls issued per circuit.
const LookupsPerCircuit = 4
