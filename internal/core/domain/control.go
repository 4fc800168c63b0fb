package domain

import "encoding/json"

type ControlMessageType string

const (
	CtlChatMessage   ControlMessageType = "chat:message"
	CtlStatsRequest  ControlMessageType = "stats:request"
	CtlStatsResponse ControlMessageType = "stats:response"
	CtlPause         ControlMessageType = "control:pause"
	CtlResume        ControlMessageType = "control:resume"
	CtlMouseMove     ControlMessageType = "input:mouse_move"
	CtlClick         ControlMessageType = "input:click"
	CtlScroll        ControlMessageType = "input:scroll"
	CtlKey           ControlMessageType = "input:key"
	CtlClipboard     ControlMessageType = "clipboard:update"
	CtlScreenStart   ControlMessageType = "screen:start"
	CtlScreenStop    ControlMessageType = "screen:stop"
)

// IsInput reports whether the message asks the sharing side to inject input.
func (t ControlMessageType) IsInput() bool {
	switch t {
	case CtlMouseMove, CtlClick, CtlScroll, CtlKey:
		return true
	}
	return false
}

// ControlMessage travels over the p2d-control data channel.
type ControlMessage struct {
	Type      ControlMessageType `json:"type"`
	Timestamp int64              `json:"timestamp"`
	Data      json.RawMessage    `json:"data,omitempty"`
}

type ChatMessage struct {
	ID         string `json:"id"`
	Sender     string `json:"sender"`
	SenderName string `json:"senderName,omitempty"`
	Text       string `json:"text"`
}

// MouseMove coordinates are normalized to [0,1].
type MouseMove struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Click struct {
	Button string `json:"button"`
}

type Scroll struct {
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
}

type Key struct {
	Key string `json:"key"`
}

type Clipboard struct {
	Text string `json:"text"`
}
