package evaluate

import (
	"strconv"
	"strings"
)

// DiffStat holds the totals from the summary line of `git diff --stat`.
type DiffStat struct {
	FilesChanged int
	LinesAdded   int
	LinesRemoved int
}

// ParseDiffStat reads the summary (last) line of `git diff --stat` output,
// e.g. " 2 files changed, 15 insertions(+), 3 deletions(-)". Fields git omits
// are zero, as is any field whose count cannot be parsed.
func ParseDiffStat(output string) DiffStat {
	var ds DiffStat
	output = strings.TrimSpace(output)
	if output == "" {
		return ds
	}

	lines := strings.Split(output, "\n")
	last := lines[len(lines)-1]
	if !strings.Contains(last, "file") {
		return ds
	}

	for _, part := range strings.Split(last, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.Contains(part, "file"):
			ds.FilesChanged = leadingInt(part)
		case strings.Contains(part, "insertion"):
			ds.LinesAdded = leadingInt(part)
		case strings.Contains(part, "deletion"):
			ds.LinesRemoved = leadingInt(part)
		}
	}
	return ds
}

func leadingInt(s string) int {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return 0
	}
	return n
}
