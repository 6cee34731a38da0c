// Package config holds the tunables the mesh routing and delivery engine
// recognizes (spec §6). Defaults match the specification; FromEnv applies
// MESH_* environment variable overrides, following the teacher's
// nodeMode()/applyNodeModeDefaults() pattern of env-first tuning.
// MESH_SOFT_PEER_TIMEOUT_MS sets SoftPeerTimeoutRemote;
// SoftPeerTimeoutLocal and RegistrySweepInterval have no override.
package config

import (
	"os"
	"strconv"
	"time"
)

// Options is the full set of engine tunables.
type Options struct {
	MaxTTL                int
	MaxPacketSize         int
	SeenSetHigh           int
	SeenSetLow            int
	AnnouncePeriod        time.Duration
	ScanAnnounceBurst     int
	SoftPeerTimeoutLocal  time.Duration
	SoftPeerTimeoutRemote time.Duration
	HardPeerTimeout       time.Duration
	RetryBase             time.Duration
	RetryFactor           float64
	RetryCap              time.Duration
	MaxRetries            int
	ReconnectDrainFloor   time.Duration
	RegistrySweepInterval time.Duration
}

// Default returns the spec-mandated defaults.
func Default() Options {
	return Options{
		MaxTTL:                10,
		MaxPacketSize:         512,
		SeenSetHigh:           2000,
		SeenSetLow:            1000,
		AnnouncePeriod:        3000 * time.Millisecond,
		ScanAnnounceBurst:     5,
		SoftPeerTimeoutLocal:  15 * time.Second,
		SoftPeerTimeoutRemote: 60 * time.Second,
		HardPeerTimeout:       45 * time.Second,
		RetryBase:             2000 * time.Millisecond,
		RetryFactor:           1.5,
		RetryCap:              60000 * time.Millisecond,
		MaxRetries:            20,
		ReconnectDrainFloor:   10 * time.Second,
		RegistrySweepInterval: 5 * time.Second,
	}
}

// FromEnv starts from Default() and applies any MESH_* overrides found
// in the process environment.
func FromEnv() Options {
	o := Default()
	if v, ok := envInt("MESH_MAX_TTL"); ok {
		o.MaxTTL = v
	}
	if v, ok := envInt("MESH_MAX_PACKET_SIZE"); ok {
		o.MaxPacketSize = v
	}
	if v, ok := envInt("MESH_SEEN_SET_HIGH"); ok {
		o.SeenSetHigh = v
	}
	if v, ok := envInt("MESH_SEEN_SET_LOW"); ok {
		o.SeenSetLow = v
	}
	if v, ok := envMillis("MESH_ANNOUNCE_PERIOD_MS"); ok {
		o.AnnouncePeriod = v
	}
	if v, ok := envInt("MESH_SCAN_ANNOUNCE_BURST"); ok {
		o.ScanAnnounceBurst = v
	}
	if v, ok := envMillis("MESH_SOFT_PEER_TIMEOUT_MS"); ok {
		o.SoftPeerTimeoutRemote = v
	}
	if v, ok := envMillis("MESH_HARD_PEER_TIMEOUT_MS"); ok {
		o.HardPeerTimeout = v
	}
	if v, ok := envMillis("MESH_RETRY_BASE_MS"); ok {
		o.RetryBase = v
	}
	if v, ok := envFloat("MESH_RETRY_FACTOR"); ok {
		o.RetryFactor = v
	}
	if v, ok := envMillis("MESH_RETRY_CAP_MS"); ok {
		o.RetryCap = v
	}
	if v, ok := envInt("MESH_MAX_RETRIES"); ok {
		o.MaxRetries = v
	}
	if v, ok := envMillis("MESH_RECONNECT_DRAIN_FLOOR_MS"); ok {
		o.ReconnectDrainFloor = v
	}
	return o
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func envMillis(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// RetryDelay computes min(base * factor^retries, cap), per spec §4.5.
func (o Options) RetryDelay(retries int) time.Duration {
	d := float64(o.RetryBase)
	for i := 0; i < retries; i++ {
		d *= o.RetryFactor
	}
	cap := float64(o.RetryCap)
	if d > cap {
		d = cap
	}
	return time.Duration(d)
}
