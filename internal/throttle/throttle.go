// Package throttle implements the per-flow bandwidth, latency, and
// packet-loss shaper described in §4.I.
package throttle

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrCancelled is returned when a throttled write is cancelled via its
// context before enough tokens accumulated, surfaced as the
// ThrottleCancelled error kind (§7).
var ErrCancelled = errors.New("throttle: write cancelled")

// ErrPacketLoss is returned when a chunk is dropped by the simulated loss
// model; callers should transition the owning flow to Failed with a
// synthetic connection-reset error.
var ErrPacketLoss = errors.New("throttle: simulated packet loss")

// Preset names a named bandwidth/latency profile from §4.I.
type Preset string

const (
	PresetSlow3G Preset = "slow_3g"
	PresetFast3G Preset = "fast_3g"
	PresetSlow4G Preset = "slow_4g"
	PresetFast4G Preset = "fast_4g"
	PresetWiFi   Preset = "wifi"
	PresetOffline Preset = "offline"
)

// Settings fully parameterizes a shaper: bytes/sec capacity for each
// direction, a fixed per-direction latency, and a packet-loss probability.
type Settings struct {
	DownloadBps int64
	UploadBps   int64
	LatencyMs   int64
	LossPct     float64
}

// Presets maps the named profiles to their literal §4.I parameters.
var Presets = map[Preset]Settings{
	PresetSlow3G:  {DownloadBps: 50_000, UploadBps: 50_000, LatencyMs: 400},
	PresetFast3G:  {DownloadBps: 187_500, UploadBps: 93_750, LatencyMs: 150},
	PresetSlow4G:  {DownloadBps: 500_000, UploadBps: 375_000, LatencyMs: 100},
	PresetFast4G:  {DownloadBps: 2_500_000, UploadBps: 1_250_000, LatencyMs: 50},
	PresetWiFi:    {DownloadBps: 3_750_000, UploadBps: 1_875_000, LatencyMs: 10},
	PresetOffline: {DownloadBps: 0, UploadBps: 0, LatencyMs: 0, LossPct: 1.0},
}

// bucket is a token bucket with capacity bytesPerSecond and a burst of one
// second's worth of tokens.
type bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newBucket(bytesPerSecond int64) *bucket {
	cap := float64(bytesPerSecond)
	return &bucket{capacity: cap, tokens: cap, lastRefill: time.Now()}
}

// acquire blocks until n tokens are available, or ctx is cancelled. A
// zero-capacity bucket (Offline preset) blocks indefinitely unless
// cancelled, per §4.I.
func (b *bucket) acquire(ctx context.Context, n int64) error {
	if b.capacity <= 0 {
		<-ctx.Done()
		return ErrCancelled
	}
	want := float64(n)
	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= want {
			b.tokens -= want
			b.mu.Unlock()
			return nil
		}
		deficit := want - b.tokens
		wait := time.Duration(deficit / b.capacity * float64(time.Second))
		b.mu.Unlock()

		if wait > 50*time.Millisecond {
			wait = 50 * time.Millisecond // re-check periodically instead of one long sleep
		}
		select {
		case <-ctx.Done():
			return ErrCancelled
		case <-time.After(wait):
		}
	}
}

func (b *bucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.capacity
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}

// Shaper owns one flow's upload/download buckets and latency/loss
// parameters. Buckets are per-flow and therefore unshared, per §5.
type Shaper struct {
	settings Settings
	download *bucket
	upload   *bucket
}

// New builds a shaper from settings.
func New(settings Settings) *Shaper {
	return &Shaper{
		settings: settings,
		download: newBucket(settings.DownloadBps),
		upload:   newBucket(settings.UploadBps),
	}
}

// NewFromPreset builds a shaper from a named preset.
func NewFromPreset(p Preset) *Shaper {
	return New(Presets[p])
}

// ThrottleDownload waits for enough download tokens to send len(chunk)
// bytes, applies the fixed latency, and probabilistically simulates loss.
// Returns ErrPacketLoss if the chunk should be treated as dropped.
func (s *Shaper) ThrottleDownload(ctx context.Context, chunk []byte) error {
	return s.throttle(ctx, s.download, chunk)
}

// ThrottleUpload is the upload-direction equivalent of ThrottleDownload.
func (s *Shaper) ThrottleUpload(ctx context.Context, chunk []byte) error {
	return s.throttle(ctx, s.upload, chunk)
}

func (s *Shaper) throttle(ctx context.Context, b *bucket, chunk []byte) error {
	if s.settings.LatencyMs > 0 {
		select {
		case <-ctx.Done():
			return ErrCancelled
		case <-time.After(time.Duration(s.settings.LatencyMs) * time.Millisecond):
		}
	}
	if err := b.acquire(ctx, int64(len(chunk))); err != nil {
		return err
	}
	if s.settings.LossPct > 0 && rand.Float64() < s.settings.LossPct {
		return ErrPacketLoss
	}
	return nil
}
