package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"p2d/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStatsSource struct {
	mu    sync.Mutex
	snaps []domain.StatsSnapshot
	err   error
	calls int
}

func (f *fakeStatsSource) Stats(ctx context.Context) (domain.StatsSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return domain.StatsSnapshot{}, f.err
	}
	if len(f.snaps) == 0 {
		return domain.StatsSnapshot{}, nil
	}
	snap := f.snaps[0]
	if len(f.snaps) > 1 {
		f.snaps = f.snaps[1:]
	}
	return snap, nil
}

func TestBandwidthMonitor_OutboundBitrate(t *testing.T) {
	m := NewBandwidthMonitor(&fakeStatsSource{}, nil, 0, nil, zaptest.NewLogger(t).Sugar())
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	first := m.Observe(domain.StatsSnapshot{BytesSent: 1000}, start)
	assert.Zero(t, first.OutboundKbps)
	assert.Zero(t, first.InboundKbps)

	second := m.Observe(domain.StatsSnapshot{BytesSent: 3000}, start.Add(2*time.Second))
	assert.Equal(t, 8.0, second.OutboundKbps)
	assert.Equal(t, uint64(3000), second.BytesSent)
	assert.Equal(t, domain.QualityPoor, second.Quality, "8 kbps is below the poor floor")
}

func TestBandwidthMonitor_InboundAndLoss(t *testing.T) {
	m := NewBandwidthMonitor(&fakeStatsSource{}, nil, 0, nil, zaptest.NewLogger(t).Sugar())
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	m.Observe(domain.StatsSnapshot{BytesReceived: 0}, start)
	sample := m.Observe(domain.StatsSnapshot{
		BytesReceived:   250_000,
		PacketsLost:     3,
		PacketsReceived: 97,
		RTTMs:           42.4,
		CandidateType:   domain.CandidateSrflx,
	}, start.Add(time.Second))

	assert.Equal(t, 2000.0, sample.InboundKbps)
	assert.Equal(t, 3.0, sample.PacketLossPct)
	assert.Equal(t, 42.0, sample.RTTMs)
	assert.Equal(t, domain.CandidateSrflx, sample.CandidateType)
	assert.Equal(t, domain.QualityGood, sample.Quality)
}

func TestBandwidthMonitor_NoPacketsMeansNoLoss(t *testing.T) {
	m := NewBandwidthMonitor(&fakeStatsSource{}, nil, 0, nil, zaptest.NewLogger(t).Sugar())

	sample := m.Observe(domain.StatsSnapshot{}, time.Now())
	assert.Zero(t, sample.PacketLossPct)
	assert.Equal(t, domain.CandidateUnknown, sample.CandidateType)
	assert.Equal(t, domain.QualityExcellent, sample.Quality)
}

func TestBandwidthMonitor_LossRoundsToOneDecimal(t *testing.T) {
	m := NewBandwidthMonitor(&fakeStatsSource{}, nil, 0, nil, zaptest.NewLogger(t).Sugar())

	sample := m.Observe(domain.StatsSnapshot{PacketsLost: 1, PacketsReceived: 2}, time.Now())
	assert.Equal(t, 33.3, sample.PacketLossPct)
	assert.Equal(t, domain.QualityPoor, sample.Quality)
}

func TestBandwidthMonitor_CounterResetYieldsZero(t *testing.T) {
	m := NewBandwidthMonitor(&fakeStatsSource{}, nil, 0, nil, zaptest.NewLogger(t).Sugar())
	start := time.Now()

	m.Observe(domain.StatsSnapshot{BytesSent: 5000}, start)
	sample := m.Observe(domain.StatsSnapshot{BytesSent: 100}, start.Add(2*time.Second))
	assert.Zero(t, sample.OutboundKbps)
}

func TestBandwidthMonitor_StartDeliversSamples(t *testing.T) {
	source := &fakeStatsSource{snaps: []domain.StatsSnapshot{{BytesSent: 1000}, {BytesSent: 2000}}}
	samples := make(chan domain.BandwidthSample, 16)

	m := NewBandwidthMonitor(source, nil, 5*time.Millisecond, func(s domain.BandwidthSample) {
		samples <- s
	}, zaptest.NewLogger(t).Sugar())

	stop := m.Start(context.Background())
	defer stop()

	select {
	case s := <-samples:
		assert.Equal(t, uint64(1000), s.BytesSent)
	case <-time.After(time.Second):
		t.Fatal("no sample delivered")
	}
}

func TestBandwidthMonitor_StatsErrorsAreSkipped(t *testing.T) {
	source := &fakeStatsSource{err: errors.New("engine closed")}
	var delivered int

	m := NewBandwidthMonitor(source, nil, time.Millisecond, func(domain.BandwidthSample) {
		delivered++
	}, zaptest.NewLogger(t).Sugar())

	stop := m.Start(context.Background())
	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return source.calls >= 3
	}, time.Second, time.Millisecond)
	stop()

	assert.Zero(t, delivered)
}

func TestBandwidthMonitor_StopIsIdempotent(t *testing.T) {
	m := NewBandwidthMonitor(&fakeStatsSource{}, nil, time.Millisecond, nil, zaptest.NewLogger(t).Sugar())

	stop := m.Start(context.Background())
	stop()
	stop()
	m.Stop()
}

func TestBandwidthMonitor_StopBeforeStart(t *testing.T) {
	source := &fakeStatsSource{}
	m := NewBandwidthMonitor(source, nil, time.Millisecond, nil, zaptest.NewLogger(t).Sugar())

	m.Stop()
	m.Start(context.Background())
	time.Sleep(10 * time.Millisecond)

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Zero(t, source.calls)
}

func TestQualityService_Classify(t *testing.T) {
	qs := NewQualityService()

	tests := []struct {
		name    string
		rtt     float64
		loss    float64
		bitrate float64
		want    domain.QualityLevel
	}{
		{"idle link is excellent", 20, 0, 0, domain.QualityExcellent},
		{"fast link", 50, 0.5, 2500, domain.QualityExcellent},
		{"rtt above 150", 151, 0, 2500, domain.QualityGood},
		{"loss above 2", 50, 2.1, 2500, domain.QualityGood},
		{"bitrate below 500", 50, 0, 499, domain.QualityGood},
		{"rtt above 300", 301, 0, 2500, domain.QualityFair},
		{"loss above 5", 50, 5.5, 2500, domain.QualityFair},
		{"bitrate below 300", 50, 0, 250, domain.QualityFair},
		{"rtt above 500", 501, 0, 2500, domain.QualityPoor},
		{"loss above 10", 50, 12, 2500, domain.QualityPoor},
		{"bitrate below 100", 50, 0, 99, domain.QualityPoor},
		{"worst condition wins", 200, 11, 400, domain.QualityPoor},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, qs.Classify(tt.rtt, tt.loss, tt.bitrate))
		})
	}
}

func TestQualityService_ShouldDowngrade(t *testing.T) {
	qs := NewQualityService()

	assert.True(t, qs.ShouldDowngrade(domain.QualityExcellent, domain.QualityFair))
	assert.False(t, qs.ShouldDowngrade(domain.QualityFair, domain.QualityGood))
	assert.False(t, qs.ShouldDowngrade(domain.QualityGood, domain.QualityGood))
}
