package serverconfig

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"pds/internal/domain"

	"github.com/stretchr/testify/require"
)

const validConfig = `{
  "apiVersion": "1.0",
  "serverId": "UNIQUE_SERVER_ID",
  "products": [
    {
      "id": "PRODUCT_1",
      "path": "/srv/pds/product1.sh",
      "scanType": "codeScan",
      "description": "codescan",
      "minutesToWaitForProductResult": 10,
      "unzipUploads": true,
      "parameters": {
        "mandatory": [{"key": "product1.qualitycheck.enabled", "description": "quality check"}],
        "optional": [{"key": "product1.level", "description": "level"}]
      }
    },
    {
      "id": "PRODUCT_2",
      "path": "/srv/pds/product2.sh"
    }
  ]
}`

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pds-config.json")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "UNIQUE_SERVER_ID", cfg.ServerID)
	require.Len(t, cfg.Products, 2)

	p := cfg.Products[0]
	require.Equal(t, 10, p.MinutesToWaitForProductResult)
	require.True(t, p.UnzipUploads)
	require.True(t, p.Parameters.Allows("product1.qualitycheck.enabled"))
	require.True(t, p.Parameters.Allows("product1.level"))
	require.False(t, p.Parameters.Allows("product1.unknown"))
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"broken json", `{`},
		{"missing server id", `{"apiVersion":"1.0","products":[]}`},
		{"missing product path", `{"apiVersion":"1.0","serverId":"s","products":[{"id":"a"}]}`},
		{"missing product id", `{"apiVersion":"1.0","serverId":"s","products":[{"path":"/x"}]}`},
		{"duplicate product id", `{"apiVersion":"1.0","serverId":"s","products":[{"id":"a","path":"/x"},{"id":"a","path":"/y"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.json))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestServiceProduct(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)
	s := NewService(cfg, Timeouts{DefaultMinutes: 120, MaxMinutes: 4320}, discard())

	require.Equal(t, "UNIQUE_SERVER_ID", s.ServerID())
	p, err := s.Product("PRODUCT_2")
	require.NoError(t, err)
	require.Equal(t, "/srv/pds/product2.sh", p.Path)

	_, err = s.Product("PRODUCT_X")
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	require.Equal(t, 120, s.DefaultMinutesToWait())
	require.Equal(t, 4320, s.MaxMinutesToWait())
}

func TestServiceClampsDefaultTimeout(t *testing.T) {
	cfg, err := Parse([]byte(validConfig))
	require.NoError(t, err)

	tooLow := NewService(cfg, Timeouts{DefaultMinutes: 0, MaxMinutes: 60}, discard())
	require.Equal(t, 1, tooLow.DefaultMinutesToWait())

	tooHigh := NewService(cfg, Timeouts{DefaultMinutes: 600, MaxMinutes: 60}, discard())
	require.Equal(t, 60, tooHigh.DefaultMinutesToWait())
}
