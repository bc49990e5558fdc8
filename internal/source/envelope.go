/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package source implements the transports that deliver device state to
// the kiosk: HTTP pull with websocket push, NATS and Redis.
package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/friendsincode/grimnir_kiosk/internal/models"
)

// EnvelopeType names a push message kind.
type EnvelopeType string

const (
	// EnvelopeState carries a full replacement state.
	EnvelopeState EnvelopeType = "state"
	// EnvelopeInvalidate hints that state changed; the receiver pulls.
	EnvelopeInvalidate EnvelopeType = "invalidate"
	// EnvelopeCommand carries a single one-shot command.
	EnvelopeCommand EnvelopeType = "command"
)

var (
	// ErrMalformed reports a payload that could not be decoded.
	ErrMalformed = errors.New("malformed payload")
	// ErrNoState reports that the source holds no state for the device.
	ErrNoState = errors.New("no state for device")
)

// Envelope is the push wire message.
type Envelope struct {
	Type     EnvelopeType        `json:"type"`
	DeviceID string              `json:"device_id,omitempty"`
	State    *models.DeviceState `json:"state,omitempty"`
	Command  *models.Command     `json:"command,omitempty"`
}

// Handler receives decoded envelopes. It is called from the transport's
// receive goroutine and must not block for long.
type Handler func(Envelope)

// DecodeEnvelope parses and structurally checks a push message. Content
// validation of the carried state is left to the caller.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case EnvelopeState:
		if env.State == nil {
			return Envelope{}, fmt.Errorf("%w: state envelope without state", ErrMalformed)
		}
	case EnvelopeCommand:
		if env.Command == nil {
			return Envelope{}, fmt.Errorf("%w: command envelope without command", ErrMalformed)
		}
	case EnvelopeInvalidate:
	default:
		return Envelope{}, fmt.Errorf("%w: unknown envelope type %q", ErrMalformed, env.Type)
	}
	return env, nil
}

// EncodeEnvelope serialises env.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeState parses a pulled state document.
func DecodeState(data []byte) (*models.DeviceState, error) {
	if len(data) == 0 {
		return nil, ErrNoState
	}
	var state models.DeviceState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &state, nil
}

// TelemetryEvent is one playback observation.
type TelemetryEvent struct {
	Type    string    `json:"type"`
	At      time.Time `json:"at"`
	ItemID  string    `json:"item_id,omitempty"`
	MediaID string    `json:"media_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// TelemetryBatch is flushed to the source periodically.
type TelemetryBatch struct {
	ID       string             `json:"id"`
	DeviceID string             `json:"device_id"`
	SentAt   time.Time          `json:"sent_at"`
	Online   bool               `json:"online"`
	Degraded bool               `json:"store_degraded"`
	Events   []TelemetryEvent   `json:"events"`
	Gauges   map[string]float64 `json:"gauges,omitempty"`
}

// CommandAck is published when a command has been consumed.
type CommandAck struct {
	DeviceID  string    `json:"device_id"`
	CommandID string    `json:"command_id"`
	AckedAt   time.Time `json:"acked_at"`
}
