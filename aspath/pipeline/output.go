package pipeline

import (
	"bufio"
	"fmt"
	"io"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

// OutputWriter writes inferred paths in the space separated output format.
type OutputWriter struct {
	w *bufio.Writer
	n int
}

// NewOutputWriter writes the header line to w.
func NewOutputWriter(w io.Writer) (*OutputWriter, error) {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, aspath.OutputHeader); err != nil {
		return nil, fmt.Errorf("writing output header: %w", err)
	}
	return &OutputWriter{w: bw}, nil
}

// Write buffers one record per circuit, in the given order.
func (o *OutputWriter) Write(records []aspath.InferredPaths) error {
	for _, r := range records {
		if _, err := fmt.Fprintln(o.w, r.Line()); err != nil {
			return fmt.Errorf("writing output record %d: %w", r.SampleN, err)
		}
		o.n++
	}
	return nil
}

// Flush pushes buffered records to the underlying writer.
func (o *OutputWriter) Flush() error {
	if err := o.w.Flush(); err != nil {
		return fmt.Errorf("flushing output: %w", err)
	}
	return nil
}

// Records returns the number of records written.
func (o *OutputWriter) Records() int {
	return o.n
}
