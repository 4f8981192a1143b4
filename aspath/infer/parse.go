package infer

import (
	"strings"

	"github.com/dont-kill-my-relay/ASPathInference/aspath"
)

// PathSeparator joins AS numbers in a canonical path.
const PathSeparator = "-"

var pathNormalizer = strings.NewReplacer("+", PathSeparator, "=", PathSeparator, "*", PathSeparator)

// ParsePath extracts the path from an inference response: the third
// whitespace-separated token of the second line, with the link markers
// '+', '=' and '*' rewritten to PathSeparator. Anything shorter yields
// aspath.NoResult.
func ParsePath(body string) aspath.Result {
	lines := strings.Split(body, "\n")
	if len(lines) < 2 {
		return aspath.NoResult
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 3 {
		return aspath.NoResult
	}
	return aspath.PathResult(pathNormalizer.Replace(fields[2]))
}
