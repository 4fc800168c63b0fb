package services

import (
	"context"
	"math"
	"sync"

	"p2d/internal/core/domain"
	"p2d/internal/core/ports"

	"go.uber.org/zap"
)

// AdaptiveConfig bounds the outbound bitrate, in kbps.
type AdaptiveConfig struct {
	MinKbps         int
	MaxKbps         int
	TurnMaxKbps     int
	StepDownPercent float64
	StepUpPercent   float64
}

func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MinKbps:         150,
		MaxKbps:         5000,
		TurnMaxKbps:     2000,
		StepDownPercent: 20,
		StepUpPercent:   10,
	}
}

const (
	lossStepDownPct = 5.0
	rttStepDownMs   = 300.0
	rttStepPercent  = 15.0
	lossStepUpPct   = 1.0
	rttStepUpMs     = 100.0
)

// AdaptiveBitrateController tunes the encoding ceiling of one outbound sender
// from bandwidth samples.
type AdaptiveBitrateController struct {
	sender ports.BitrateSender
	cfg    AdaptiveConfig
	logger *zap.SugaredLogger

	mu      sync.Mutex
	current int
	isRelay bool
}

func NewAdaptiveBitrateController(
	sender ports.BitrateSender,
	cfg AdaptiveConfig,
	logger *zap.SugaredLogger,
) *AdaptiveBitrateController {
	if cfg.MinKbps <= 0 || cfg.MaxKbps < cfg.MinKbps {
		def := DefaultAdaptiveConfig()
		cfg.MinKbps, cfg.MaxKbps = def.MinKbps, def.MaxKbps
	}
	if cfg.TurnMaxKbps < cfg.MinKbps || cfg.TurnMaxKbps > cfg.MaxKbps {
		cfg.TurnMaxKbps = DefaultAdaptiveConfig().TurnMaxKbps
		if cfg.TurnMaxKbps < cfg.MinKbps || cfg.TurnMaxKbps > cfg.MaxKbps {
			cfg.TurnMaxKbps = cfg.MaxKbps
		}
	}
	if cfg.StepDownPercent <= 0 || cfg.StepDownPercent >= 100 {
		cfg.StepDownPercent = DefaultAdaptiveConfig().StepDownPercent
	}
	if cfg.StepUpPercent <= 0 {
		cfg.StepUpPercent = DefaultAdaptiveConfig().StepUpPercent
	}
	return &AdaptiveBitrateController{
		sender:  sender,
		cfg:     cfg,
		logger:  logger,
		current: cfg.MaxKbps,
	}
}

// State returns a copy of the controller state.
func (a *AdaptiveBitrateController) State() domain.AdaptiveState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.AdaptiveState{CurrentKbps: a.current, IsRelay: a.isRelay}
}

// CurrentKbps returns the bitrate last applied to the sender.
func (a *AdaptiveBitrateController) CurrentKbps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// MarkRelay tightens the ceiling to the relay maximum for the rest of the
// session. It never loosens it again.
func (a *AdaptiveBitrateController) MarkRelay(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markRelayLocked(ctx)
}

func (a *AdaptiveBitrateController) markRelayLocked(ctx context.Context) {
	if a.isRelay {
		return
	}
	a.isRelay = true
	a.logger.Infow("relay connection detected, capping bitrate",
		"turn_max_kbps", a.cfg.TurnMaxKbps,
	)
	if a.current > a.cfg.TurnMaxKbps {
		a.current = a.cfg.TurnMaxKbps
		a.applyLocked(ctx)
	}
}

// Adjust runs one step of the policy against a sample and reports the
// resulting bitrate and whether it changed.
func (a *AdaptiveBitrateController) Adjust(ctx context.Context, sample domain.BandwidthSample) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	before := a.current
	if sample.CandidateType == domain.CandidateRelay {
		a.markRelayLocked(ctx)
	}

	switch {
	case sample.PacketLossPct > lossStepDownPct:
		a.logger.Debugw("packet loss high, stepping down", "packet_loss", sample.PacketLossPct)
		a.stepLocked(ctx, -a.cfg.StepDownPercent)
	case sample.RTTMs > rttStepDownMs:
		a.logger.Debugw("rtt high, stepping down", "rtt_ms", sample.RTTMs)
		a.stepLocked(ctx, -rttStepPercent)
	case sample.PacketLossPct < lossStepUpPct && sample.RTTMs < rttStepUpMs && a.current < a.maxLocked():
		a.stepLocked(ctx, a.cfg.StepUpPercent)
	}

	return a.current, a.current != before
}

// SetTargetBitrate clamps kbps into the current bounds and applies it.
func (a *AdaptiveBitrateController) SetTargetBitrate(ctx context.Context, kbps int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.current = a.clampLocked(float64(kbps))
	a.applyLocked(ctx)
	return a.current
}

func (a *AdaptiveBitrateController) stepLocked(ctx context.Context, percent float64) {
	next := a.clampLocked(float64(a.current) * (1 + percent/100))
	if next == a.current {
		return
	}
	a.current = next
	a.applyLocked(ctx)
}

func (a *AdaptiveBitrateController) maxLocked() int {
	if a.isRelay {
		return a.cfg.TurnMaxKbps
	}
	return a.cfg.MaxKbps
}

func (a *AdaptiveBitrateController) clampLocked(kbps float64) int {
	v := int(math.Round(kbps))
	if v < a.cfg.MinKbps {
		v = a.cfg.MinKbps
	}
	if max := a.maxLocked(); v > max {
		v = max
	}
	return v
}

func (a *AdaptiveBitrateController) applyLocked(ctx context.Context) {
	if a.sender == nil {
		return
	}
	if err := a.sender.SetMaxBitrate(ctx, uint64(a.current)*1000); err != nil {
		a.logger.Warnw("failed to apply bitrate",
			"bitrate_kbps", a.current,
			"error", err,
		)
		return
	}
	a.logger.Debugw("bitrate applied", "bitrate_kbps", a.current)
}
