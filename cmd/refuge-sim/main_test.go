package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refuge/internal/config"
	"refuge/internal/modules/simulation"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 15, 0, 0, time.UTC)
	runs := []simulation.RunSummary{
		{
			ID: "abc12345-6789-0000-0000-000000000000", StartedAt: now, DurationMs: 840,
			People: 10000, Shelters: 200, Stats: simulation.Stats{Assigned: 9120, UtilizationPct: 17.24},
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	out := buf.String()
	assert.Contains(t, out, "ASSIGNED")
	assert.Contains(t, out, "abc12345")
	assert.NotContains(t, out, "abc12345-6789")
	assert.Contains(t, out, "2026-03-01 09:15")
	assert.Contains(t, out, "9120")
	assert.Contains(t, out, "17.2%")
}

func TestFormatReport(t *testing.T) {
	var buf bytes.Buffer
	formatReport(&buf, simulation.Report{
		ID: "run-1", Seed: 7, People: 10, Shelters: 2,
		Stats: simulation.Stats{
			Assigned: 8, Unassigned: 2, TotalCapacity: 10, UtilizationPct: 80,
			Tiers: []simulation.TierStats{{Tier: "elderly", People: 2, Assigned: 2}, {Tier: "adult", People: 0}},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "80.0%")
	assert.Contains(t, out, "elderly")
	assert.Contains(t, out, "100.0%")
	assert.NotContains(t, out, "skipped")

	buf.Reset()
	formatReport(&buf, simulation.Report{ID: "run-2", DiagnosticsSkipped: true})
	assert.Contains(t, buf.String(), "Nearest-shelter report")
}

func TestRequestFromFlags(t *testing.T) {
	cfg = config.Config{Matching: config.MatchingConfig{PriorityEnabled: true, ElderlyAge: 70, ChildAge: 12}}
	cmd := runCmd
	require.NoError(t, cmd.Flags().Set("population", "500"))
	require.NoError(t, cmd.Flags().Set("no-priority", "true"))
	t.Cleanup(func() {
		cmd.Flags().Set("population", "10000") //nolint:errcheck
		cmd.Flags().Set("no-priority", "false") //nolint:errcheck
	})

	req, err := requestFromFlags(cmd)
	require.NoError(t, err)
	assert.Equal(t, 500, req.Population)
	assert.Equal(t, 70, req.ElderlyAge)
	require.NotNil(t, req.PriorityEnabled)
	assert.False(t, *req.PriorityEnabled)
}
