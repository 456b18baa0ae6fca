package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFlagsOverridesDefaults(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs, &cfg)

	err := fs.Parse([]string{"--addr", ":9090", "--skew", "10s"})
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.BindAddr)
	assert.Equal(t, 10*time.Second, cfg.Skew)
}

func TestApplyEnvOverridesDefaults(t *testing.T) {
	t.Setenv("SIGNWAY_ADDR", ":7000")
	t.Setenv("SIGNWAY_SKEW", "3s")

	cfg := Default()
	require.NoError(t, ApplyEnv(&cfg))

	assert.Equal(t, ":7000", cfg.BindAddr)
	assert.Equal(t, 3*time.Second, cfg.Skew)
}

func TestApplyEnvRejectsBadDuration(t *testing.T) {
	t.Setenv("SIGNWAY_SKEW", "not-a-duration")
	cfg := Default()
	assert.Error(t, ApplyEnv(&cfg))
}

func TestValidateRejectsBadUpstreamScheme(t *testing.T) {
	cfg := Default()
	cfg.UpstreamScheme = "ftp"
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
