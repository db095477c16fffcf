package shuffle

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/tailscale/hujson"

	"github.com/dreamware/shuffle/internal/placement"
)

// Default configuration, overridable through the environment.
const (
	DefaultProto         = "tcp"
	DefaultSubnet        = "127.0.0.1"
	DefaultMinPort       = 50000
	DefaultMaxPort       = 59999
	DefaultPlacementProt = placement.ProtoRing
)

// Config carries the environment-driven shuffle settings. Zero fields
// take the package defaults at init.
type Config struct {
	MercuryProto      string `json:"mercury_proto"`      // transport protocol family
	Subnet            string `json:"subnet"`             // required interface address prefix
	MinPort           int    `json:"min_port"`           // inclusive port search range
	MaxPort           int    `json:"max_port"`
	RecvRadix         int    `json:"recv_radix"`         // bits cleared in the receiver mask, 0..8
	VirtualFactor     int    `json:"virtual_factor"`     // placement virtual-node factor
	PlacementProtocol string `json:"placement_protocol"` // static_modulo, hash_lookup3, xor, ring
	BypassPlacement   bool   `json:"bypass_placement"`   // modulo hashing instead of the engine
	ForceRPC          bool   `json:"force_rpc"`          // disable the local bypass
	UseMultihop       bool   `json:"use_multihop"`       // select the XN backend
	ForceSync         bool   `json:"force_sync"`         // NN: wait for every rpc reply inline
	FinalizePause     int    `json:"finalize_pause"`     // grace seconds before teardown reductions

	// Collective barriers around the epoch transition.
	ParanoidPreBarrier  bool `json:"paranoid_pre_barrier"`  // before the soft flush
	ParanoidBarrier     bool `json:"paranoid_barrier"`      // after the flush
	ParanoidPostBarrier bool `json:"paranoid_post_barrier"` // before the new epoch admits records

	Testin  bool   `json:"testin"`   // developer mode: per-record trace lines
	Log     string `json:"log"`      // trace log path (with Testin)
	MonDump string `json:"mon_dump"` // finalize stats dump path
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.MercuryProto == "" {
		c.MercuryProto = DefaultProto
	}
	if c.Subnet == "" {
		c.Subnet = DefaultSubnet
	}
	if c.MinPort == 0 {
		c.MinPort = DefaultMinPort
	}
	if c.MaxPort == 0 {
		c.MaxPort = DefaultMaxPort
	}
	if c.PlacementProtocol == "" {
		c.PlacementProtocol = DefaultPlacementProt
	}
	if c.VirtualFactor == 0 {
		c.VirtualFactor = placement.DefaultVirtualFactor
	}
	if c.FinalizePause < 0 {
		c.FinalizePause = 0
	}
	return c
}

// ConfigFromEnv assembles a Config from SHUFFLE_* environment variables.
// When SHUFFLE_Config names a file, that file (JSON with comments
// allowed) is loaded first and the environment overrides it, so one
// config file can serve a whole job with per-rank tweaks on top.
func ConfigFromEnv() (Config, error) {
	var c Config
	if path := os.Getenv("SHUFFLE_Config"); path != "" {
		loaded, err := LoadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		c = loaded
	}

	if v := os.Getenv("SHUFFLE_Mercury_proto"); v != "" {
		c.MercuryProto = v
	}
	if v := os.Getenv("SHUFFLE_Subnet"); v != "" {
		c.Subnet = v
	}
	var err error
	if c.MinPort, err = envInt("SHUFFLE_Min_port", c.MinPort); err != nil {
		return Config{}, err
	}
	if c.MaxPort, err = envInt("SHUFFLE_Max_port", c.MaxPort); err != nil {
		return Config{}, err
	}
	if c.RecvRadix, err = envInt("SHUFFLE_Recv_radix", c.RecvRadix); err != nil {
		return Config{}, err
	}
	if c.VirtualFactor, err = envInt("SHUFFLE_Virtual_factor", c.VirtualFactor); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("SHUFFLE_Placement_protocol"); v != "" {
		c.PlacementProtocol = v
	}
	if c.FinalizePause, err = envInt("SHUFFLE_Finalize_pause", c.FinalizePause); err != nil {
		return Config{}, err
	}

	c.BypassPlacement = envSet("SHUFFLE_Bypass_placement") || c.BypassPlacement
	c.ForceRPC = envSet("SHUFFLE_Force_rpc") || c.ForceRPC
	c.UseMultihop = envSet("SHUFFLE_Use_multihop") || c.UseMultihop
	c.ForceSync = envSet("SHUFFLE_Force_sync") || c.ForceSync
	c.ParanoidPreBarrier = envSet("SHUFFLE_Paranoid_pre_barrier") || c.ParanoidPreBarrier
	c.ParanoidBarrier = envSet("SHUFFLE_Paranoid_barrier") || c.ParanoidBarrier
	c.ParanoidPostBarrier = envSet("SHUFFLE_Paranoid_post_barrier") || c.ParanoidPostBarrier
	c.Testin = envSet("SHUFFLE_Testin") || c.Testin

	if v := os.Getenv("SHUFFLE_Log"); v != "" {
		c.Log = v
	}
	if v := os.Getenv("SHUFFLE_Mon_dump"); v != "" {
		c.MonDump = v
	}
	return c, nil
}

// LoadConfigFile reads a commented-JSON config file.
func LoadConfigFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("shuffle: read config: %w", err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("shuffle: parse config %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(std, &c); err != nil {
		return Config{}, fmt.Errorf("shuffle: decode config %s: %w", path, err)
	}
	return c, nil
}

// envSet reports whether an environment toggle is on: present and not
// literally "0".
func envSet(key string) bool {
	v, ok := os.LookupEnv(key)
	return ok && v != "0"
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("shuffle: bad %s=%q", key, v)
	}
	return n, nil
}
