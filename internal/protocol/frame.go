// SPDX-License-Identifier: PROPRIETARY
// Copyright (c) 2026 ForTunnels

// Package protocol implements the newline-delimited JSON control-wire
// frames exchanged between the Bifrost server and a Backend Agent.
package protocol

import "encoding/json"

// Frame types, tagged by the "type" field of the JSON record.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeUnauthorized = "unauthorized"
	TypeRequest    = "request"
	TypeConnect    = "connect"
	TypeData       = "data"
	TypeEnd        = "end"
	TypeError      = "error"
)

// Frame is the wire representation of a single control-connection record.
// Only the fields relevant to its Type are populated; unused fields are
// omitted from the serialized JSON via `omitempty`.
type Frame struct {
	Type string `json:"type"`

	// register (agent->server)
	APIKey       string   `json:"apiKey,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// registered (server->agent)
	BackendID string `json:"backendId,omitempty"`

	// request (server->agent), connect (agent->server), data/end/error
	// (both directions)
	RequestID  string `json:"requestId,omitempty"`
	TunnelID   string `json:"tunnelId,omitempty"`
	LocalPort  int    `json:"localPort,omitempty"`
	TargetIP   string `json:"targetIp,omitempty"`

	// data
	Data string `json:"data,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

// Marshal serializes f as a single JSON line, terminated by '\n'.
func (f Frame) Marshal() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Register builds a register frame.
func Register(apiKey string, capabilities ...string) Frame {
	return Frame{Type: TypeRegister, APIKey: apiKey, Capabilities: capabilities}
}

// Registered builds a registered frame.
func Registered(backendID string) Frame {
	return Frame{Type: TypeRegistered, BackendID: backendID}
}

// Unauthorized builds an unauthorized frame.
func Unauthorized() Frame {
	return Frame{Type: TypeUnauthorized}
}

// Request builds a request frame.
func Request(requestID, tunnelID string, localPort int, targetIP string) Frame {
	return Frame{
		Type:      TypeRequest,
		RequestID: requestID,
		TunnelID:  tunnelID,
		LocalPort: localPort,
		TargetIP:  targetIP,
	}
}

// Connect builds a connect frame.
func Connect(requestID string) Frame {
	return Frame{Type: TypeConnect, RequestID: requestID}
}

// Data builds a data frame. payload is already base64-encoded text.
func Data(requestID, base64Payload string) Frame {
	return Frame{Type: TypeData, RequestID: requestID, Data: base64Payload}
}

// End builds an end frame.
func End(requestID string) Frame {
	return Frame{Type: TypeEnd, RequestID: requestID}
}

// ErrorFrame builds an error frame.
func ErrorFrame(requestID, message string) Frame {
	return Frame{Type: TypeError, RequestID: requestID, Error: message}
}
