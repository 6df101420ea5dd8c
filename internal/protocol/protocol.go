// Package protocol defines the JSON wire types exchanged with clients
// and the error taxonomy shared across the server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message types.
const (
	TypeRawFrame     = "raw_frame"
	TypeControl      = "control"
	TypePing         = "ping"
	TypeStatsRequest = "stats_request"
)

// Outbound message types.
const (
	TypeConnectionEstablished   = "connection_established"
	TypeProcessedFrame          = "processed_frame"
	TypeASLFeedback             = "asl_feedback"
	TypeControlResponse         = "control_response"
	TypePracticeSessionResponse = "practice_session_response"
	TypeStats                   = "stats"
	TypeKeepalive               = "keepalive"
	TypePong                    = "pong"
	TypeBatch                   = "batch"
	TypeError                   = "error"
	TypeCriticalError           = "critical_error"
	TypeServerShutdown          = "server_shutdown"
)

// Control actions.
const (
	ActionStartSession  = "start_session"
	ActionNextSentence  = "next_sentence"
	ActionTryAgain      = "try_again"
	ActionStopSession   = "stop_session"
	ActionCompleteStory = "complete_story"
	ActionSetFeedback   = "set_feedback"
)

// MaxInboundMessageSize bounds a single inbound JSON frame.
const MaxInboundMessageSize = 2 * 1024 * 1024

var (
	ErrMissingType = errors.New("protocol: message has no type field")
	ErrOversize    = errors.New("protocol: message exceeds size limit")
)

// Envelope is the minimal probe used to route an inbound message
// before the full payload is unmarshalled.
type Envelope struct {
	Type string `json:"type"`
}

// PeekType extracts the type tag from a raw inbound message. The full
// payload is unmarshalled separately once the type is known.
func PeekType(data []byte) (string, error) {
	if len(data) > MaxInboundMessageSize {
		return "", ErrOversize
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}
