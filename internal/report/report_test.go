package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/hail-property-matcher/internal/pipeline"
)

func TestRender_Complete(t *testing.T) {
	s := pipeline.RunSummary{
		RunID: "run-1",
		State: pipeline.StateComplete,
		Stages: []pipeline.StageResult{
			{Stage: "collect", Status: pipeline.StatusSkipped},
			{Stage: "geocode", Status: pipeline.StatusCompleted, Input: 120, Rows: 120, Duration: 1500 * time.Millisecond,
				Counts: map[string]int{"lookups": 4, "cache_hits": 116, "failures": 0}},
			{Stage: "match", Status: pipeline.StatusCompleted, Input: 120, Rows: 7, Duration: 20 * time.Millisecond,
				Match: &pipeline.MatchStats{Properties: 50, Matched: 7, EventsConsidered: 90, Matches: 9, DamagePercentage: 14}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, s))

	want := "" +
		"stage    status     input  rows  duration  details\n" +
		"collect  skipped    -      -     -\n" +
		"geocode  completed  120    120   1.5s      cache_hits=116 lookups=4\n" +
		"match    completed  120    7     20ms\n" +
		"\n" +
		"run run-1: complete\n" +
		"properties: 50  matched: 7  events considered: 90  damage: 14.00%\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("Render mismatch (-want +got):\n%s", diff)
	}
}

func TestRender_Failed(t *testing.T) {
	s := pipeline.RunSummary{
		RunID:       "run-2",
		State:       pipeline.StateFailed,
		FailedStage: "match",
		ErrorKind:   "stage_io",
		Error:       "match: artifact data/properties.csv: no such file or directory",
		Stages: []pipeline.StageResult{
			{Stage: "collect", Status: pipeline.StatusCompleted, Input: 10, Rows: 8},
			{Stage: "geocode", Status: pipeline.StatusCompleted, Input: 8, Rows: 8},
			{Stage: "match", Status: pipeline.StatusFailed},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, s))

	out := buf.String()
	assert.Contains(t, out, "run run-2: failed\n")
	assert.Contains(t, out, "failed stage: match (stage_io)\n")
	assert.Contains(t, out, "last completed: geocode (8 rows)\n")
	assert.NotContains(t, out, "damage")
}

func TestWriteTable_WideRunes(t *testing.T) {
	var sb strings.Builder
	writeTable(&sb, [][]string{
		{"stage", "status", "input", "rows", "duration", "details"},
		{"東京", "ok", "1", "1", "1s", ""},
	})
	assert.Equal(t, ""+
		"stage  status  input  rows  duration  details\n"+
		"東京   ok      1      1     1s\n", sb.String())
}
