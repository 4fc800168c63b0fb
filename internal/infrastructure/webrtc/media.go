package webrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const rtpMTU = 1500

// LocalMedia is the set of capture tracks a sharing client sends to every
// peer. Encoding happens outside the process; packets arrive as RTP.
type LocalMedia struct {
	Video *TrackWriter
	Audio *TrackWriter
}

func (m *LocalMedia) Empty() bool {
	return m.Video == nil && m.Audio == nil
}

func (m *LocalMedia) writers() []*TrackWriter {
	var out []*TrackWriter
	if m.Video != nil {
		out = append(out, m.Video)
	}
	if m.Audio != nil {
		out = append(out, m.Audio)
	}
	return out
}

// TrackWriter feeds pre-encoded RTP packets into a local track shared by all
// peers. Video is paced to the lowest per-peer ceiling. Keyframes and audio
// are never dropped.
type TrackWriter struct {
	track *webrtc.TrackLocalStaticRTP
	kind  webrtc.RTPCodecType

	mu       sync.Mutex
	ceilings map[string]uint64
	limiter  *rate.Limiter
	onPLI    func()

	written atomic.Uint64
	dropped atomic.Uint64
	plis    atomic.Uint64
	nacks   atomic.Uint64

	logger *zap.SugaredLogger
}

func NewVideoWriter(streamID string, logger *zap.SugaredLogger) (*TrackWriter, error) {
	return newTrackWriter(webrtc.MimeTypeVP8, "video", streamID, webrtc.RTPCodecTypeVideo, logger)
}

func NewAudioWriter(streamID string, logger *zap.SugaredLogger) (*TrackWriter, error) {
	return newTrackWriter(webrtc.MimeTypeOpus, "audio", streamID, webrtc.RTPCodecTypeAudio, logger)
}

func newTrackWriter(mime, id, streamID string, kind webrtc.RTPCodecType, logger *zap.SugaredLogger) (*TrackWriter, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", id, err)
	}
	return &TrackWriter{
		track:    track,
		kind:     kind,
		ceilings: make(map[string]uint64),
		limiter:  rate.NewLimiter(rate.Inf, 0),
		logger:   logger.With("track", id),
	}, nil
}

func (w *TrackWriter) Track() webrtc.TrackLocal {
	return w.track
}

func (w *TrackWriter) Kind() webrtc.RTPCodecType {
	return w.kind
}

// OnKeyframeRequest registers the hook run when a peer sends a PLI. The
// external encoder should emit a keyframe.
func (w *TrackWriter) OnKeyframeRequest(fn func()) {
	w.mu.Lock()
	w.onPLI = fn
	w.mu.Unlock()
}

// WriteRTP forwards p unless it is a video delta packet over budget.
func (w *TrackWriter) WriteRTP(p *rtp.Packet) error {
	if w.kind == webrtc.RTPCodecTypeVideo && !isVP8Keyframe(p.Payload) {
		if !w.limiter.AllowN(time.Now(), p.MarshalSize()) {
			w.dropped.Add(1)
			return nil
		}
	}
	if err := w.track.WriteRTP(p); err != nil {
		return err
	}
	w.written.Add(1)
	return nil
}

// Ceiling returns the active cap in bits per second, zero when unlimited.
func (w *TrackWriter) Ceiling() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ceilingLocked()
}

func (w *TrackWriter) Counters() (written, dropped uint64) {
	return w.written.Load(), w.dropped.Load()
}

// Feedback returns the keyframe requests and lost packets reported by peers.
func (w *TrackWriter) Feedback() (plis, nacks uint64) {
	return w.plis.Load(), w.nacks.Load()
}

func (w *TrackWriter) setCeiling(key string, bps uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if bps == 0 {
		delete(w.ceilings, key)
	} else {
		w.ceilings[key] = bps
	}
	w.applyLocked()
}

func (w *TrackWriter) ceilingLocked() uint64 {
	var lowest uint64
	for _, bps := range w.ceilings {
		if lowest == 0 || bps < lowest {
			lowest = bps
		}
	}
	return lowest
}

func (w *TrackWriter) applyLocked() {
	bps := w.ceilingLocked()
	if bps == 0 {
		w.limiter.SetLimit(rate.Inf)
		return
	}
	bytesPerSec := float64(bps) / 8
	// Half a second of media, and never less than a few full packets.
	burst := int(math.Max(bytesPerSec/2, 4*rtpMTU))
	w.limiter.SetLimit(rate.Limit(bytesPerSec))
	w.limiter.SetBurst(burst)
	w.logger.Debugw("video ceiling applied", "bps", bps, "peers", len(w.ceilings))
}

func (w *TrackWriter) requestKeyframe() {
	w.plis.Add(1)
	w.mu.Lock()
	fn := w.onPLI
	w.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// isVP8Keyframe reports whether payload starts a VP8 key frame.
func isVP8Keyframe(payload []byte) bool {
	var vp8 codecs.VP8Packet
	frame, err := vp8.Unmarshal(payload)
	if err != nil || len(frame) == 0 {
		return false
	}
	// The P bit of the frame tag is zero on key frames.
	return vp8.S == 1 && vp8.PID == 0 && frame[0]&0x01 == 0
}

// bitrateSender caps one peer's share of the video writer.
type bitrateSender struct {
	writer *TrackWriter
	key    string
}

func (s *bitrateSender) SetMaxBitrate(ctx context.Context, bps uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writer.setCeiling(s.key, bps)
	return nil
}

func (s *bitrateSender) release() {
	s.writer.setCeiling(s.key, 0)
}

type rtcpSummary struct {
	pli          int
	nacks        int
	fractionLost float64
	reports      int
}

func summarizeRTCP(packets []rtcp.Packet) rtcpSummary {
	var sum rtcpSummary
	var lost uint32
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			sum.pli++
		case *rtcp.TransportLayerNack:
			for _, pair := range p.Nacks {
				sum.nacks += len(pair.PacketList())
			}
		case *rtcp.ReceiverReport:
			for _, r := range p.Reports {
				lost += uint32(r.FractionLost)
				sum.reports++
			}
		}
	}
	if sum.reports > 0 {
		sum.fractionLost = float64(lost) / float64(sum.reports) / 256
	}
	return sum
}

// drainRTCP reads sender feedback until the sender stops. Interceptors need
// the reads to run.
func drainRTCP(sender *webrtc.RTPSender, w *TrackWriter, logger *zap.SugaredLogger) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		sum := summarizeRTCP(packets)
		for i := 0; i < sum.pli; i++ {
			w.requestKeyframe()
		}
		if sum.nacks > 0 {
			w.nacks.Add(uint64(sum.nacks))
		}
		if sum.reports > 0 {
			logger.Debugw("receiver report",
				"track", w.track.ID(),
				"fraction_lost", sum.fractionLost,
				"nacks", sum.nacks,
			)
		}
	}
}

// PumpRTP reads RTP datagrams from conn into w until ctx ends or the
// connection fails.
func PumpRTP(ctx context.Context, conn net.PacketConn, w *TrackWriter) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, rtpMTU)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read rtp: %w", err)
		}

		var p rtp.Packet
		if err := p.Unmarshal(buf[:n]); err != nil {
			w.logger.Debugw("discarding malformed rtp packet", "error", err)
			continue
		}
		if err := w.WriteRTP(&p); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("write rtp: %w", err)
		}
	}
}
