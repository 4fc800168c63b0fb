package webrtc

import (
	"errors"

	"github.com/pion/webrtc/v3"
)

var errChannelNotOpen = errors.New("data channel not open")

type dataChannel struct {
	dc *webrtc.DataChannel
}

func wrapDataChannel(dc *webrtc.DataChannel) *dataChannel {
	return &dataChannel{dc: dc}
}

func (d *dataChannel) Label() string {
	return d.dc.Label()
}

// Send fails until the channel is open.
func (d *dataChannel) Send(data []byte) error {
	if d.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errChannelNotOpen
	}
	return d.dc.Send(data)
}

func (d *dataChannel) OnMessage(handler func(data []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		handler(msg.Data)
	})
}

func (d *dataChannel) Close() error {
	return d.dc.Close()
}
