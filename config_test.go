package scotland2

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfig_withOptionsOverrideIndividualFields(t *testing.T) {
	tests := []struct {
		name     string
		with     func(*Config) *Config
		expected *Config
	}{
		{
			name:     "trampolineInstructions",
			with:     func(c *Config) *Config { return c.WithTrampolineInstructions(32) },
			expected: &Config{trampolineInstructions: 32, xrefSearchBudget: 4096, retQuota: -1},
		},
		{
			name:     "xrefSearchBudget",
			with:     func(c *Config) *Config { return c.WithXrefSearchBudget(8192) },
			expected: &Config{trampolineInstructions: 16, xrefSearchBudget: 8192, retQuota: -1},
		},
		{
			name:     "retQuota",
			with:     func(c *Config) *Config { return c.WithRetQuota(50) },
			expected: &Config{trampolineInstructions: 16, xrefSearchBudget: 4096, retQuota: 50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.with(NewConfig())
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestConfig_cloneIsDefensiveAcrossSiblingChains(t *testing.T) {
	base := NewConfig()
	a := base.WithTrampolineInstructions(64)
	b := base.WithTrampolineInstructions(128)

	require.Equal(t, 16, base.trampolineInstructions)
	require.Equal(t, 64, a.trampolineInstructions)
	require.Equal(t, 128, b.trampolineInstructions)
}
