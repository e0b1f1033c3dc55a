package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/msrvcomm-successor/l7lb/internal/config"
	"github.com/msrvcomm-successor/l7lb/internal/selector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "listener.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	path := writeTemp(t, `
listen_port: 8080
algorithm: WRR
backends:
  - address: "10.0.0.1:9000"
    weight: 1
  - address: "10.0.0.2:9000"
    weight: 2
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.ListenPort)
	assert.Equal(t, 1.0, cfg.LeastRequest.ActiveRequestBias)
	assert.Equal(t, 1024, cfg.RingHash.MinRingSize)
	assert.Equal(t, 65537, cfg.Maglev.TableSize)
	assert.True(t, cfg.IsMaglevTableSizePrime())
}

func TestLoadRejectsUnknownAlgorithm(t *testing.T) {
	path := writeTemp(t, `
listen_port: 8080
algorithm: QuantumHash
backends:
  - address: "10.0.0.1:9000"
    weight: 1
`)
	_, err := config.Load(path)
	assert.ErrorContains(t, err, "unknown algorithm")
}

func TestLoadRejectsEmptyBackendAddress(t *testing.T) {
	path := writeTemp(t, `
listen_port: 8080
algorithm: Random
backends:
  - address: ""
    weight: 1
`)
	_, err := config.Load(path)
	assert.ErrorContains(t, err, "empty address")
}

func TestLoadRejectsInvertedRingHashBounds(t *testing.T) {
	path := writeTemp(t, `
listen_port: 8080
algorithm: RingHash
backends:
  - address: "10.0.0.1:9000"
    weight: 1
ringhash:
  min_ring_size: 100
  max_ring_size: 10
`)
	_, err := config.Load(path)
	assert.ErrorContains(t, err, "ringhash")
}

func TestEnvOverridesListenPortAndAlgorithm(t *testing.T) {
	path := writeTemp(t, `
listen_port: 8080
algorithm: WRR
backends:
  - address: "10.0.0.1:9000"
    weight: 1
`)
	t.Setenv("CLIENTPORT", "9999")
	t.Setenv("ALGORITHM", "Random")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.ListenPort)
	assert.Equal(t, selector.NameRandom, cfg.Algorithm)
}

func TestLoadAcceptsZeroActiveRequestBias(t *testing.T) {
	path := writeTemp(t, `
listen_port: 8080
algorithm: LR
backends:
  - address: "10.0.0.1:9000"
    weight: 1
lr:
  active_request_bias: 0
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0, cfg.LeastRequest.ActiveRequestBias)
}

func TestLoadRejectsNegativeActiveRequestBias(t *testing.T) {
	path := writeTemp(t, `
listen_port: 8080
algorithm: LR
backends:
  - address: "10.0.0.1:9000"
    weight: 1
lr:
  active_request_bias: -0.5
`)
	_, err := config.Load(path)
	assert.ErrorContains(t, err, "non-negative")
}

func TestMaglevTableSizePrimality(t *testing.T) {
	c := config.Config{}
	c.Maglev.TableSize = 65536
	assert.False(t, c.IsMaglevTableSizePrime(), "65536 is a power of two, not prime")
}
