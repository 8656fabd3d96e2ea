package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3, cfg.MaxStepAttempts)
	assert.Equal(t, 10*time.Minute, cfg.StepTimeout)
	assert.Equal(t, 3, cfg.MinTotalSources)
	assert.Equal(t, 2, cfg.MinEvidenceTypes)
	assert.InDelta(t, 0.2, cfg.MinFirstPartyRatio, 1e-9)
	assert.Equal(t, 180, cfg.MaxMedianAgeDays)
	assert.Equal(t, "periscope", cfg.ServiceName)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PERISCOPE_PORT", "9090")
	t.Setenv("PERISCOPE_STEP_TIMEOUT", "2m")
	t.Setenv("PERISCOPE_MIN_FIRST_PARTY_RATIO", "0.5")
	t.Setenv("PERISCOPE_MAX_MEDIAN_AGE_DAYS", "0")
	t.Setenv("PERISCOPE_POLL_DISABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 2*time.Minute, cfg.StepTimeout)
	assert.InDelta(t, 0.5, cfg.MinFirstPartyRatio, 1e-9)
	assert.Equal(t, 0, cfg.MaxMedianAgeDays)
	assert.True(t, cfg.RunPollDisabled)
}

func TestValidate(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	bad := cfg
	bad.DatabaseURL = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MinFirstPartyRatio = 1.5
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxStepAttempts = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxMedianAgeDays = -1
	assert.Error(t, bad.Validate())
}

func TestCoverageThreshold(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	th := cfg.CoverageThreshold()
	assert.Equal(t, cfg.MinTotalSources, th.MinTotalSources)
	assert.Equal(t, cfg.MinEvidenceTypes, th.MinEvidenceTypes)
	assert.InDelta(t, cfg.MinFirstPartyRatio, th.MinFirstPartyRatio, 1e-9)
	assert.Equal(t, cfg.MaxMedianAgeDays, th.MaxMedianAgeDays)
}
