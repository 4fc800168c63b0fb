package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"p2d/internal/core/domain"
	"p2d/internal/core/ports"

	"go.uber.org/zap"
)

// RemoteControl is the shared remote-control permission. The router reads it
// on every message, so toggling it takes effect immediately.
type RemoteControl struct {
	enabled atomic.Bool
}

func (r *RemoteControl) Set(enabled bool) { r.enabled.Store(enabled) }
func (r *RemoteControl) Enabled() bool    { return r.enabled.Load() }

// ControlRouter dispatches messages received on the control data channel.
type ControlRouter struct {
	sharing   bool
	remote    *RemoteControl
	injector  ports.InputInjector
	clipboard ports.ClipboardSink
	chat      ports.ChatSink
	logger    *zap.SugaredLogger

	statsFor  func(domain.ParticipantID) (domain.BandwidthSample, bool)
	onControl func(domain.ParticipantID, domain.ControlMessage)
}

type ControlRouterOption func(*ControlRouter)

func WithInputInjector(i ports.InputInjector) ControlRouterOption {
	return func(r *ControlRouter) { r.injector = i }
}

func WithClipboardSink(c ports.ClipboardSink) ControlRouterOption {
	return func(r *ControlRouter) { r.clipboard = c }
}

func WithChatSink(c ports.ChatSink) ControlRouterOption {
	return func(r *ControlRouter) { r.chat = c }
}

// WithControlHandler receives pause, resume, screen and stats response
// messages.
func WithControlHandler(fn func(domain.ParticipantID, domain.ControlMessage)) ControlRouterOption {
	return func(r *ControlRouter) { r.onControl = fn }
}

// NewControlRouter builds a router for the sharing side when sharing is true
// and for a viewer otherwise.
func NewControlRouter(sharing bool, remote *RemoteControl, logger *zap.SugaredLogger, opts ...ControlRouterOption) *ControlRouter {
	if remote == nil {
		remote = &RemoteControl{}
	}
	r := &ControlRouter{
		sharing: sharing,
		remote:  remote,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *ControlRouter) RemoteControl() *RemoteControl { return r.remote }

func (r *ControlRouter) setStatsProvider(fn func(domain.ParticipantID) (domain.BandwidthSample, bool)) {
	r.statsFor = fn
}

// Dispatch handles one raw message from peer. Replies, if any, go back on dc.
func (r *ControlRouter) Dispatch(ctx context.Context, from domain.ParticipantID, dc ports.DataChannel, raw []byte) error {
	var msg domain.ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("decode control message: %w", err)
	}

	switch {
	case msg.Type == domain.CtlChatMessage:
		var chat domain.ChatMessage
		if err := decodeControlData(msg, &chat); err != nil {
			return err
		}
		if r.chat != nil {
			r.chat.OnChat(from, chat)
		}
		return nil

	case msg.Type.IsInput():
		if !r.sharing || !r.remote.Enabled() {
			r.logger.Debugw("input ignored", "peer_id", from, "type", msg.Type)
			return nil
		}
		if r.injector == nil {
			return nil
		}
		return r.injector.Inject(ctx, msg)

	case msg.Type == domain.CtlClipboard:
		if r.sharing && !r.remote.Enabled() {
			r.logger.Debugw("clipboard ignored", "peer_id", from)
			return nil
		}
		var clip domain.Clipboard
		if err := decodeControlData(msg, &clip); err != nil {
			return err
		}
		if r.clipboard == nil {
			return nil
		}
		return r.clipboard.SetClipboard(ctx, clip.Text)

	case msg.Type == domain.CtlStatsRequest:
		return r.replyStats(from, dc)

	case msg.Type == domain.CtlPause, msg.Type == domain.CtlResume,
		msg.Type == domain.CtlScreenStart, msg.Type == domain.CtlScreenStop,
		msg.Type == domain.CtlStatsResponse:
		if r.onControl != nil {
			r.onControl(from, msg)
		}
		return nil

	default:
		r.logger.Debugw("unknown control message", "peer_id", from, "type", msg.Type)
		return nil
	}
}

func (r *ControlRouter) replyStats(from domain.ParticipantID, dc ports.DataChannel) error {
	if dc == nil || r.statsFor == nil {
		return nil
	}
	sample, ok := r.statsFor(from)
	if !ok {
		return nil
	}
	raw, err := EncodeControlMessage(domain.CtlStatsResponse, sample)
	if err != nil {
		return err
	}
	return dc.Send(raw)
}

func decodeControlData(msg domain.ControlMessage, v interface{}) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("control message %s has no data", msg.Type)
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", msg.Type, err)
	}
	return nil
}

// EncodeControlMessage builds the wire form of a control message.
func EncodeControlMessage(t domain.ControlMessageType, data interface{}) ([]byte, error) {
	msg := domain.ControlMessage{Type: t, Timestamp: domain.NowMillis()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}
