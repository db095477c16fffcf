package shuffle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfigDefaults tests the zero-value fill-in
func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, DefaultProto, c.MercuryProto)
	assert.Equal(t, DefaultSubnet, c.Subnet)
	assert.Equal(t, DefaultMinPort, c.MinPort)
	assert.Equal(t, DefaultMaxPort, c.MaxPort)
	assert.Equal(t, DefaultPlacementProt, c.PlacementProtocol)
	assert.NotZero(t, c.VirtualFactor)
}

// TestConfigFromEnv tests the SHUFFLE_* environment surface
func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SHUFFLE_Mercury_proto", "verbs")
	t.Setenv("SHUFFLE_Subnet", "10.92.")
	t.Setenv("SHUFFLE_Min_port", "40000")
	t.Setenv("SHUFFLE_Max_port", "40999")
	t.Setenv("SHUFFLE_Recv_radix", "3")
	t.Setenv("SHUFFLE_Virtual_factor", "512")
	t.Setenv("SHUFFLE_Placement_protocol", "xor")
	t.Setenv("SHUFFLE_Force_rpc", "1")
	t.Setenv("SHUFFLE_Use_multihop", "1")
	t.Setenv("SHUFFLE_Finalize_pause", "2")

	c, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "verbs", c.MercuryProto)
	assert.Equal(t, "10.92.", c.Subnet)
	assert.Equal(t, 40000, c.MinPort)
	assert.Equal(t, 40999, c.MaxPort)
	assert.Equal(t, 3, c.RecvRadix)
	assert.Equal(t, 512, c.VirtualFactor)
	assert.Equal(t, "xor", c.PlacementProtocol)
	assert.True(t, c.ForceRPC)
	assert.True(t, c.UseMultihop)
	assert.False(t, c.ForceSync)
	assert.Equal(t, 2, c.FinalizePause)
}

// TestEnvZeroMeansUnset verifies the is-envset convention: a literal "0"
// leaves a toggle off.
func TestEnvZeroMeansUnset(t *testing.T) {
	t.Setenv("SHUFFLE_Force_rpc", "0")
	c, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.False(t, c.ForceRPC)
}

// TestConfigBadInt tests rejection of malformed numeric values
func TestConfigBadInt(t *testing.T) {
	t.Setenv("SHUFFLE_Min_port", "fifty")
	_, err := ConfigFromEnv()
	assert.Error(t, err)
}

// TestConfigFile verifies the commented-JSON config file path, with env
// overrides on top.
func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shuffle.hujson")
	require.NoError(t, os.WriteFile(path, []byte(`{
		// cluster-wide shuffle settings
		"subnet": "172.16.",
		"recv_radix": 2,
		"use_multihop": true, // trailing comma allowed below
	}`), 0o644))

	t.Setenv("SHUFFLE_Config", path)
	t.Setenv("SHUFFLE_Recv_radix", "4") // env wins over the file

	c, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "172.16.", c.Subnet)
	assert.Equal(t, 4, c.RecvRadix)
	assert.True(t, c.UseMultihop)
}

// TestConfigFileMissing tests the unreadable-file failure
func TestConfigFileMissing(t *testing.T) {
	t.Setenv("SHUFFLE_Config", filepath.Join(t.TempDir(), "nope.hujson"))
	_, err := ConfigFromEnv()
	assert.Error(t, err)
}
