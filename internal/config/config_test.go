package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/entitystore/pkg/entity"
)

const sampleConfig = `
grpc:
  port: 6000
log:
  level: debug
wal:
  path: /var/lib/entitystore/journal
  checkpoint_interval: 5m
collections:
  - name: Product
    prices: true
    attributes:
      - name: code
        mandatory: true
        unique: true
      - name: url
        localized: true
        global: true
      - name: priority
        type: int
    references:
      - name: brand
        target: Brand
        attributes:
          - name: market
  - name: Category
    hierarchy: true
    attributes:
      - name: code
        unique: true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entitystore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	assert.Equal(t, 50051, cfg.GRPC.Port)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10*time.Minute, cfg.WAL.CheckpointInterval)
	assert.Equal(t, 64, cfg.Query.MaxInFlight)
	assert.Equal(t, 30*time.Second, cfg.Query.BatchTimeout)
	assert.Equal(t, 20, cfg.Query.DefaultPageSize)
	assert.Empty(t, cfg.Collections)
}

func TestLoadFileAndSchemas(t *testing.T) {
	cfg, err := Load(New(), writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 6000, cfg.GRPC.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5*time.Minute, cfg.WAL.CheckpointInterval)

	schemas := cfg.Schemas()
	require.Len(t, schemas, 2)
	product := schemas[0]
	assert.True(t, product.WithPrice)
	assert.True(t, product.Attribute("code").Mandatory)
	assert.True(t, product.Attribute("url").GloballyUnique)
	assert.Equal(t, entity.TypeInt, product.Attribute("priority").Type)
	assert.Equal(t, entity.TypeString, product.Attribute("code").Type)
	require.NotNil(t, product.Reference("brand"))
	assert.Equal(t, "Brand", product.Reference("brand").TargetType)
	assert.Contains(t, product.Reference("brand").Attributes, "market")
	assert.True(t, schemas[1].WithHierarchy)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("ENTITYSTORE_GRPC_PORT", "7000")
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.GRPC.Port)
}

func TestFlagsOverride(t *testing.T) {
	v := New()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(v, flags))
	require.NoError(t, flags.Parse([]string{"--port", "8000", "--log-level", "warn"}))

	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.GRPC.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	body := `
grpc:
  port: 9090
log:
  level: loud
collections:
  - name: Product
    attributes:
      - name: code
      - name: code
        type: blob
  - name: Product
`
	_, err := Load(New(), writeConfig(t, body))
	require.Error(t, err)

	var list entity.ValidationErrors
	require.ErrorAs(t, err, &list)
	fields := make([]string, len(list))
	for i, e := range list {
		fields[i] = e.Field
	}
	assert.ElementsMatch(t, []string{
		"metrics.port",
		"log.level",
		"collections[0].attributes[1].name",
		"collections[0].attributes[1].type",
		"collections[1].name",
	}, fields)
}
