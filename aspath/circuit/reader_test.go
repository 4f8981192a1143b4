package circuit

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

func TestReader_SkipsHeaderAndBlankLines(t *testing.T) {
	input := "sample_n timestamp guard middle exit destination\n" +
		"0 1000 1.2.3.4 - 5.6.7.8 9.10.11.12\n" +
		"\n" +
		"1 1600 1.2.3.5 x 5.6.7.9 9.10.11.13\n"
	r, err := NewReader(strings.NewReader(input))
	require.NoError(t, err)

	c, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, aspath.SampledCircuit{
		SampleN: 0, Timestamp: 1000, GuardIP: "1.2.3.4", Unused: "-",
		ExitIP: "5.6.7.8", DestinationIP: "9.10.11.12",
	}, c)

	c, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, c.SampleN)
	assert.Equal(t, "9.10.11.13", c.DestinationIP)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReader_EmptyInputIsExhausted(t *testing.T) {
	r, err := NewReader(strings.NewReader(""))
	require.NoError(t, err)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestReader_MalformedLineReportsLineNumber(t *testing.T) {
	r, err := NewReader(strings.NewReader("header\n0 1000 1.2.3.4 - 5.6.7.8 9.9.9.9\nbroken line\n"))
	require.NoError(t, err)

	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedLine))
	assert.Contains(t, err.Error(), "line 3")
}

func TestParseLine_RejectsBadNumbers(t *testing.T) {
	for _, line := range []string{
		"x 1000 a b c d",
		"0 t a b c d",
		"-1 1000 a b c d",
	} {
		_, err := ParseLine(line, 1)
		assert.ErrorIs(t, err, ErrMalformedLine, line)
	}
}
