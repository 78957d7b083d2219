package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseJobConfiguration(t *testing.T) {
	cfg, err := ParseJobConfiguration(`{
		"productId": "PRODUCT_1",
		"sechubJobUUID": "2f5d3e61-0a4e-4ff2-8a7e-4d3c6f1b9b11",
		"parameters": [
			{"key": "product1.level", "value": "high"},
			{"key": "pds.scan.target.url", "value": "https://example.org"}
		]
	}`)
	require.NoError(t, err)
	require.Equal(t, "PRODUCT_1", cfg.ProductID)
	require.Len(t, cfg.Parameters, 2)

	v, ok := cfg.Parameter("product1.level")
	require.True(t, ok)
	require.Equal(t, "high", v)
	_, ok = cfg.Parameter("missing")
	require.False(t, ok)
}

func TestParseJobConfigurationInvalid(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":        `{{`,
		"no product":      `{"parameters":[]}`,
		"empty key":       `{"productId":"p","parameters":[{"key":"","value":"v"}]}`,
		"bad sechub uuid": `{"productId":"p","sechubJobUUID":"nope"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJobConfiguration(raw)
			require.ErrorIs(t, err, ErrInvalidConfiguration)
		})
	}
}

func TestMinutesToWait(t *testing.T) {
	product := &ProductSetup{ID: "p", Path: "/x", MinutesToWaitForProductResult: 30}

	cfg := &JobConfiguration{ProductID: "p"}
	m, err := cfg.MinutesToWait(nil, 120)
	require.NoError(t, err)
	require.Equal(t, 120, m)

	m, err = cfg.MinutesToWait(product, 120)
	require.NoError(t, err)
	require.Equal(t, 30, m)

	cfg.Parameters = []ExecutionParameter{{Key: ParamKeyProductTimeoutMinutes, Value: "0"}}
	m, err = cfg.MinutesToWait(product, 120)
	require.NoError(t, err)
	require.Equal(t, 0, m)

	cfg.Parameters = []ExecutionParameter{{Key: ParamKeyProductTimeoutMinutes, Value: "ten"}}
	_, err = cfg.MinutesToWait(product, 120)
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}
