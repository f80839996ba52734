// Package report renders a run summary as an aligned text table for the
// command line.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/couchcryptid/hail-property-matcher/internal/pipeline"
)

var header = []string{"stage", "status", "input", "rows", "duration", "details"}

// Render writes the stage table followed by the run outcome and, when the
// matching stage ran, its headline statistics.
func Render(w io.Writer, s pipeline.RunSummary) error {
	rows := [][]string{header}
	var match *pipeline.MatchStats
	for _, st := range s.Stages {
		rows = append(rows, []string{
			st.Stage,
			st.Status,
			count(st, st.Input),
			count(st, st.Rows),
			duration(st),
			details(st.Counts),
		})
		if st.Match != nil {
			match = st.Match
		}
	}

	var sb strings.Builder
	writeTable(&sb, rows)

	fmt.Fprintf(&sb, "\nrun %s: %s\n", s.RunID, s.State)
	if s.State == pipeline.StateFailed {
		fmt.Fprintf(&sb, "failed stage: %s (%s)\nerror: %s\n", s.FailedStage, s.ErrorKind, s.Error)
		if last, ok := s.LastCompleted(); ok {
			fmt.Fprintf(&sb, "last completed: %s (%d rows)\n", last.Stage, last.Rows)
		}
	}
	if match != nil {
		fmt.Fprintf(&sb, "properties: %d  matched: %d  events considered: %d  damage: %.2f%%\n",
			match.Properties, match.Matched, match.EventsConsidered, match.DamagePercentage)
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// writeTable pads cells by display width so place names with wide runes
// stay aligned.
func writeTable(sb *strings.Builder, rows [][]string) {
	widths := make([]int, len(header))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	for _, row := range rows {
		var line strings.Builder
		for i, cell := range row {
			if i > 0 {
				line.WriteString("  ")
			}
			line.WriteString(runewidth.FillRight(cell, widths[i]))
		}
		sb.WriteString(strings.TrimRight(line.String(), " "))
		sb.WriteByte('\n')
	}
}

func count(st pipeline.StageResult, n int) string {
	if st.Status != pipeline.StatusCompleted {
		return "-"
	}
	return strconv.Itoa(n)
}

func duration(st pipeline.StageResult) string {
	if st.Status != pipeline.StatusCompleted {
		return "-"
	}
	return st.Duration.Round(time.Millisecond).String()
}

// details lists non-zero counts sorted by name.
func details(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k, v := range counts {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strconv.Itoa(counts[k])
	}
	return strings.Join(parts, " ")
}
