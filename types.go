package main

import "encoding/json"

// Event is a single frame pushed to browsers.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// TextPayload carries a track-info string, e.g. playing_title.
type TextPayload struct {
	Data string `json:"data"`
}

// VolumePayload carries the volume as a 0-100 percentage.
type VolumePayload struct {
	Data int `json:"data"`
}

// CoverPayload carries base64-encoded cover art.
type CoverPayload struct {
	Data     string `json:"data"`
	MimeType string `json:"mimetype"`
}

// ClientMessage is a frame received from a browser.
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Emitter delivers events to connected browsers.
type Emitter interface {
	Broadcast(Event)
}

// Publisher sends a message to the broker.
type Publisher interface {
	Publish(topic, payload string) error
}
