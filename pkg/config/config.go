// Package config loads Host Orchestrator configuration from the
// environment, following the ENV-first, no-secrets-in-code convention of
// the system this orchestrator's node-hash algorithm was distilled from.
// There are no secrets to manage here (the orchestrator has no
// authentication surface of its own — see SPEC_FULL.md §1), so unlike
// that source there is no companion Vault-path table.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/pbnjay/memory"
)

// Mode selects a bundle of defaults, the same shape as the sandbox/live
// split used upstream for resource ceilings and log verbosity.
type Mode string

const (
	ModeSandbox Mode = "sandbox"
	ModeLive    Mode = "live"
)

// CostMultipliers maps an operation type to its VRAM cost multiplier.
type CostMultipliers map[string]float64

// DefaultCostMultipliers returns the documented §4.3 sample table.
func DefaultCostMultipliers() CostMultipliers {
	return CostMultipliers{
		"Loader::Checkpoint": 2.5,
		"VAE::Decode":        4.0,
		"Sampler::KSampler":  3.0,
		"*":                  1.5, // generic fallback
	}
}

// TypeCompatTable maps a source domain tag to the set of destination tags
// it may legally connect to. The zero value for a tag not present in the
// table means "identity only" (X -> X).
type TypeCompatTable map[string][]string

// DefaultTypeCompatTable returns the baseline relaxations beyond strict
// identity mentioned in §4.1 (MASK -> IMAGE).
func DefaultTypeCompatTable() TypeCompatTable {
	return TypeCompatTable{
		"MASK": {"MASK", "IMAGE"},
	}
}

// Config is the fully resolved set of recognized options from SPEC_FULL.md §6.
type Config struct {
	Mode Mode

	VRAMLimitMB uint64

	WorkerPoolSize int
	WorkerExecutable string
	WorkerArgs       []string

	HeartbeatIntervalMS int64
	HeartbeatTimeoutMS  int64

	JobDeadlineMS int64
	CancelGraceMS int64

	ShmName      string
	ShmSizeBytes uint64

	SocketPath string

	CostMultipliers CostMultipliers
	TypeCompatTable TypeCompatTable

	LogLevel  string
	LogFormat string

	BoltPath string
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envInt64Or(key string, fallback int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	return int(envInt64Or(key, int64(fallback)))
}

func envBytesOr(key string, fallback datasize.ByteSize) datasize.ByteSize {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	var bs datasize.ByteSize
	if err := bs.UnmarshalText([]byte(v)); err != nil {
		return fallback
	}
	return bs
}

// Load reads configuration from the environment, optionally preceded by a
// local .env file (development convenience only; ignored if absent).
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	mode := Mode(envOr("ORBIT_MODE", string(ModeSandbox)))
	isLive := mode == ModeLive

	defaultPoolSize := 2
	defaultVRAMLimitMB := uint64(4096)
	defaultLogLevel := "debug"
	defaultLogFormat := "pretty"
	if isLive {
		defaultPoolSize = 8
		defaultVRAMLimitMB = 24576
		defaultLogLevel = "info"
		defaultLogFormat = "json"
	}

	shmSize := envBytesOr("ORBIT_SHM_SIZE_BYTES", 64*datasize.GB)
	vramBytes := envBytesOr("ORBIT_VRAM_LIMIT_MB", datasize.ByteSize(defaultVRAMLimitMB)*datasize.MB)

	if free := memory.FreeMemory(); free > 0 && uint64(shmSize.Bytes()) > free {
		// A region larger than physical memory is still legal (the OS
		// backs it with overcommitted pages until touched), but it is
		// worth a loud warning at startup rather than a silent mismatch.
		fmt.Fprintf(os.Stderr, "orbit: configured shm_size_bytes (%s) exceeds free memory (%s)\n",
			shmSize.HumanReadable(), datasize.ByteSize(free).HumanReadable())
	}

	cfg := &Config{
		Mode:             mode,
		VRAMLimitMB:      uint64(vramBytes.MBytes()),
		WorkerPoolSize:   envIntOr("ORBIT_WORKER_POOL_SIZE", defaultPoolSize),
		WorkerExecutable: envOr("ORBIT_WORKER_EXECUTABLE", "orbit-worker"),
		WorkerArgs:       nil,
		HeartbeatIntervalMS: envInt64Or("ORBIT_HEARTBEAT_INTERVAL_MS", 1000),
		HeartbeatTimeoutMS:  envInt64Or("ORBIT_HEARTBEAT_TIMEOUT_MS", 5000),
		JobDeadlineMS:       envInt64Or("ORBIT_JOB_DEADLINE_MS", 60000),
		CancelGraceMS:       envInt64Or("ORBIT_CANCEL_GRACE_MS", 5000),
		ShmName:             envOr("ORBIT_SHM_NAME", "/orbit_shm"),
		ShmSizeBytes:        uint64(shmSize.Bytes()),
		SocketPath:          envOr("ORBIT_SOCKET_PATH", "/tmp/orbit.sock"),
		CostMultipliers:     DefaultCostMultipliers(),
		TypeCompatTable:     DefaultTypeCompatTable(),
		LogLevel:            envOr("ORBIT_LOG_LEVEL", defaultLogLevel),
		LogFormat:           envOr("ORBIT_LOG_FORMAT", defaultLogFormat),
		BoltPath:            envOr("ORBIT_BOLT_PATH", "."),
	}

	return cfg, nil
}
