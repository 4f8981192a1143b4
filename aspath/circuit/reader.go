package circuit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

// ErrMalformedLine marks an input line that is not a circuit sample.
var ErrMalformedLine = errors.New("malformed circuit line")

// Reader yields circuits lazily from a sample file: one header line, then
// "sample_n timestamp guard_ip <unused> exit_ip destination_ip" per line.
type Reader struct {
	scanner *bufio.Scanner
	lineNo  int
}

// NewReader consumes the header line of r. An empty input yields a reader
// that is immediately exhausted.
func NewReader(r io.Reader) (*Reader, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	cr := &Reader{scanner: scanner}
	if scanner.Scan() {
		cr.lineNo++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading circuit header: %w", err)
	}
	return cr, nil
}

// Next returns the next circuit, or io.EOF when the input is exhausted.
// Blank lines are skipped.
func (r *Reader) Next() (aspath.SampledCircuit, error) {
	for r.scanner.Scan() {
		r.lineNo++
		line := strings.TrimSpace(r.scanner.Text())
		if line == "" {
			continue
		}
		return ParseLine(line, r.lineNo)
	}
	if err := r.scanner.Err(); err != nil {
		return aspath.SampledCircuit{}, fmt.Errorf("reading circuits: %w", err)
	}
	return aspath.SampledCircuit{}, io.EOF
}

// ParseLine parses one circuit line. lineNo is only used in errors.
func ParseLine(line string, lineNo int) (aspath.SampledCircuit, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return aspath.SampledCircuit{}, fmt.Errorf("line %d: %w: want 6 fields, got %d", lineNo, ErrMalformedLine, len(fields))
	}
	sampleN, err := strconv.Atoi(fields[0])
	if err != nil || sampleN < 0 {
		return aspath.SampledCircuit{}, fmt.Errorf("line %d: %w: sample index %q", lineNo, ErrMalformedLine, fields[0])
	}
	timestamp, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return aspath.SampledCircuit{}, fmt.Errorf("line %d: %w: timestamp %q", lineNo, ErrMalformedLine, fields[1])
	}
	return aspath.SampledCircuit{
		SampleN:       sampleN,
		Timestamp:     timestamp,
		GuardIP:       fields[2],
		Unused:        fields[3],
		ExitIP:        fields[4],
		DestinationIP: fields[5],
	}, nil
}
