package services

import (
	"context"
	"math"
	"sync"
	"time"

	"p2d/internal/core/domain"
	"p2d/internal/core/ports"
	"p2d/pkg/utils"

	"go.uber.org/zap"
)

const DefaultStatsInterval = 2 * time.Second

// BandwidthMonitor polls one peer connection for transport counters and turns
// consecutive snapshots into rate samples.
type BandwidthMonitor struct {
	source   ports.StatsSource
	quality  *QualityService
	interval time.Duration
	onSample func(domain.BandwidthSample)
	logger   *zap.SugaredLogger
	now      func() time.Time

	mu     sync.Mutex
	prev   *domain.StatsSnapshot
	prevAt time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewBandwidthMonitor(
	source ports.StatsSource,
	quality *QualityService,
	interval time.Duration,
	onSample func(domain.BandwidthSample),
	logger *zap.SugaredLogger,
) *BandwidthMonitor {
	if interval <= 0 {
		interval = DefaultStatsInterval
	}
	if quality == nil {
		quality = NewQualityService()
	}
	return &BandwidthMonitor{
		source:   source,
		quality:  quality,
		interval: interval,
		onSample: onSample,
		logger:   logger,
		now:      utils.Now,
		done:     make(chan struct{}),
	}
}

// Start begins polling on its own goroutine and returns the stop handle.
// Calling Start more than once has no further effect.
func (m *BandwidthMonitor) Start(ctx context.Context) (stop func()) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)
		go m.run(ctx)
	})
	return m.Stop
}

// Stop cancels polling and waits for the poll goroutine to exit. It is safe
// to call repeatedly and before Start.
func (m *BandwidthMonitor) Stop() {
	m.stopOnce.Do(func() {
		// A monitor stopped before Start never runs.
		m.startOnce.Do(func() { close(m.done) })
		if m.cancel != nil {
			m.cancel()
		}
		<-m.done
	})
}

func (m *BandwidthMonitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := m.Poll(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Warnw("failed to read connection stats", "error", err)
				continue
			}
			if m.onSample != nil {
				m.onSample(sample)
			}
		}
	}
}

// Poll reads the source once and returns the derived sample.
func (m *BandwidthMonitor) Poll(ctx context.Context) (domain.BandwidthSample, error) {
	snap, err := m.source.Stats(ctx)
	if err != nil {
		return domain.BandwidthSample{}, err
	}
	return m.Observe(snap, m.now()), nil
}

// Observe folds a snapshot taken at the given instant into the monitor and
// returns the resulting sample. The first snapshot reports zero rates.
func (m *BandwidthMonitor) Observe(snap domain.StatsSnapshot, at time.Time) domain.BandwidthSample {
	m.mu.Lock()
	defer m.mu.Unlock()

	var outKbps, inKbps float64
	if m.prev != nil {
		elapsed := at.Sub(m.prevAt).Seconds()
		outKbps = kbps(m.prev.BytesSent, snap.BytesSent, elapsed)
		inKbps = kbps(m.prev.BytesReceived, snap.BytesReceived, elapsed)
	}

	prev := snap
	m.prev = &prev
	m.prevAt = at

	loss := lossPercent(snap.PacketsLost, snap.PacketsReceived)
	candidate := snap.CandidateType
	if candidate == "" {
		candidate = domain.CandidateUnknown
	}

	return domain.BandwidthSample{
		Timestamp:     at,
		BytesSent:     snap.BytesSent,
		BytesReceived: snap.BytesReceived,
		OutboundKbps:  math.Round(outKbps),
		InboundKbps:   math.Round(inKbps),
		RTTMs:         math.Round(snap.RTTMs),
		PacketLossPct: math.Round(loss*10) / 10,
		CandidateType: candidate,
		Quality:       m.quality.Classify(snap.RTTMs, loss, outKbps),
	}
}

// kbps converts a byte counter delta into kilobits per second. A counter
// that went backwards (engine reset) yields zero.
func kbps(prev, cur uint64, elapsedSec float64) float64 {
	if elapsedSec <= 0 || cur < prev {
		return 0
	}
	return float64(cur-prev) * 8 / elapsedSec / 1000
}

func lossPercent(lost int64, received uint64) float64 {
	if lost < 0 {
		lost = 0
	}
	total := float64(lost) + float64(received)
	if total == 0 {
		return 0
	}
	return float64(lost) / total * 100
}
