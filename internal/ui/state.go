// Package ui owns the on-screen state, renders it into an RGB565 canvas and
// runs the producer tasks (blinker, button, touch, repaint schedule) that
// feed it.
package ui

import (
	"blinkpanel/internal/statechan"
)

// Event names the producer of the latest update. The refresh task does not
// depend on it: coalesced updates only guarantee the newest one arrives.
type Event int

const (
	EventStart Event = iota
	EventBlink
	EventButton
	EventTouch
	EventNetwork
	EventBattery
	EventRepaint
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventBlink:
		return "blink"
	case EventButton:
		return "button"
	case EventTouch:
		return "touch"
	case EventNetwork:
		return "network"
	case EventBattery:
		return "battery"
	case EventRepaint:
		return "repaint"
	default:
		return "unknown"
	}
}

// Touch is the last touch sample.
type Touch struct {
	X       int  `json:"x"`
	Y       int  `json:"y"`
	Contact bool `json:"contact"`
}

// Network describes the echo service.
type Network struct {
	// Listen is the bound address, empty until the listener is up.
	Listen string `json:"listen"`
	// Client is the connected peer, empty while accepting.
	Client string `json:"client"`
}

// Battery is the last fuel gauge reading.
type Battery struct {
	Known     bool `json:"known"`
	Percent   int  `json:"percent"`
	VoltageMv int  `json:"voltage_mv"`
}

// State is everything shown on screen. It is a plain value: copies never
// share memory.
type State struct {
	Blink   bool    `json:"blink"`
	Button  bool    `json:"button"`
	Touch   Touch   `json:"touch"`
	Network Network `json:"network"`
	Battery Battery `json:"battery"`
	// Epoch increments to request a full repaint.
	Epoch uint64 `json:"epoch"`
}

// Channel carries State from the producers to the refresh task.
type Channel = statechan.Channel[State, Event]

// NewChannel returns a Channel with the zero State.
func NewChannel() *Channel {
	return statechan.New[State, Event](State{})
}

// RequestRepaint bumps the repaint epoch.
func RequestRepaint(ch *Channel) {
	ch.Update(func(s *State) Event {
		s.Epoch++
		return EventRepaint
	})
}
