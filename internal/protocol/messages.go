package protocol

import (
	"encoding/json"
	"time"
)

// FrameMetadata is the client-reported metadata attached to a raw frame.
type FrameMetadata struct {
	FrameNumber      int64   `json:"frame_number"`
	ClientID         string  `json:"client_id,omitempty"`
	NetworkLatencyMs float64 `json:"network_latency_ms,omitempty"`
	ThroughputMbps   float64 `json:"throughput_mbps,omitempty"`
}

// RawFrame is an inbound video frame carrying a base64-encoded image.
type RawFrame struct {
	Type      string        `json:"type"`
	FrameData string        `json:"frame_data"`
	Metadata  FrameMetadata `json:"metadata"`
}

// Control is an inbound practice-session control message.
type Control struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// StartSessionData is the payload of a start_session control action.
type StartSessionData struct {
	SessionID string   `json:"id"`
	Sentences []string `json:"sentences"`
}

// SetFeedbackData adjusts feedback-stage behavior mid-session.
type SetFeedbackData struct {
	AutoAdvance *bool `json:"auto_advance,omitempty"`
}

// Ping is an inbound liveness probe; the timestamp is echoed back.
type Ping struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// ServerInfo describes the server to a newly connected client.
type ServerInfo struct {
	Version          string `json:"version"`
	MaxFrameBytes    int    `json:"max_frame_bytes"`
	TargetFrameRate  int    `json:"target_frame_rate"`
	GestureDetection bool   `json:"gesture_detection"`
}

// ConnectionEstablished is sent once per connection, before any other
// message, on the priority path.
type ConnectionEstablished struct {
	Type       string     `json:"type"`
	ClientID   string     `json:"client_id"`
	Features   []string   `json:"features"`
	ServerInfo ServerInfo `json:"server_info"`
	Timestamp  time.Time  `json:"timestamp"`
}

// LandmarksDetected reports which landmark groups were found in a frame.
type LandmarksDetected struct {
	Hands bool `json:"hands"`
	Face  bool `json:"face"`
	Pose  bool `json:"pose"`
}

// ProcessedFrameMetadata carries per-frame processing telemetry.
type ProcessedFrameMetadata struct {
	FrameNumber         int64   `json:"frame_number"`
	ServerFrameNumber   int64   `json:"server_frame_number"`
	ProcessingTimeMs    float64 `json:"processing_time_ms"`
	TotalPipelineTimeMs float64 `json:"total_pipeline_time_ms"`
	QualityProfile      string  `json:"quality_profile"`
	GestureState        string  `json:"gesture_state,omitempty"`
	Skipped             bool    `json:"skipped,omitempty"`
	CollapsedFrames     int     `json:"collapsed_frames,omitempty"`
}

// ProcessedFrame is the per-frame response. FrameData is empty for
// skipped frames and echoes the original input on the fallback path.
type ProcessedFrame struct {
	Type              string                 `json:"type"`
	FrameData         string                 `json:"frame_data,omitempty"`
	LandmarksDetected LandmarksDetected      `json:"landmarks_detected"`
	Metadata          ProcessedFrameMetadata `json:"metadata"`
	Success           bool                   `json:"success"`
	Fallback          bool                   `json:"fallback,omitempty"`
	Error             *WireError             `json:"error,omitempty"`
}

// FeedbackPayload is the analysis result delivered after a gesture.
type FeedbackPayload struct {
	TargetSentence  string   `json:"target_sentence"`
	Feedback        string   `json:"feedback"`
	ConfidenceScore float64  `json:"confidence_score"`
	Suggestions     []string `json:"suggestions"`
	AnalysisSummary string   `json:"analysis_summary"`
	Error           bool     `json:"error,omitempty"`
}

// ASLFeedback wraps a FeedbackPayload for the wire.
type ASLFeedback struct {
	Type string          `json:"type"`
	Data FeedbackPayload `json:"data"`
}

// ControlResponse acknowledges a control action.
type ControlResponse struct {
	Type    string `json:"type"`
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error_code,omitempty"`
}

// PracticeSessionResponse reports practice-session state after a
// session-level control action.
type PracticeSessionResponse struct {
	Type            string  `json:"type"`
	Action          string  `json:"action"`
	Success         bool    `json:"success"`
	SessionID       string  `json:"session_id,omitempty"`
	CurrentSentence string  `json:"current_sentence,omitempty"`
	SentenceIndex   int     `json:"sentence_index"`
	TotalSentences  int     `json:"total_sentences"`
	Completed       bool    `json:"completed,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Message         string  `json:"message,omitempty"`
}

// Pong echoes a client ping.
type Pong struct {
	Type       string    `json:"type"`
	Timestamp  float64   `json:"timestamp"`
	ServerTime time.Time `json:"server_time"`
}

// Keepalive is sent on idle egress loops.
type Keepalive struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// Batch wraps multiple coalesced egress messages.
type Batch struct {
	Type     string            `json:"type"`
	Count    int               `json:"count"`
	Messages []json.RawMessage `json:"messages"`
}

// WireError is the client-visible error shape.
type WireError struct {
	Message      string `json:"message"`
	ErrorCode    string `json:"error_code"`
	ErrorID      string `json:"error_id"`
	RetryAllowed bool   `json:"retry_allowed,omitempty"`
}

// ErrorMessage is a recoverable error response; the connection stays open.
type ErrorMessage struct {
	Type string `json:"type"`
	WireError
}

// CriticalErrorMessage tells the client to reconnect.
type CriticalErrorMessage struct {
	Type string `json:"type"`
	WireError
	RequiresReconnection bool `json:"requires_reconnection"`
}

// ServerShutdown announces a graceful shutdown before disconnect.
type ServerShutdown struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StatsMessage answers a stats_request with the client's own snapshot.
type StatsMessage struct {
	Type           string  `json:"type"`
	ClientID       string  `json:"client_id"`
	CurrentProfile string  `json:"current_profile"`
	Metrics        any     `json:"metrics"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// NewErrorMessage builds an error response from a classified error.
func NewErrorMessage(err *Error) *ErrorMessage {
	return &ErrorMessage{
		Type: TypeError,
		WireError: WireError{
			Message:      err.Message,
			ErrorCode:    err.Code,
			ErrorID:      err.ID,
			RetryAllowed: err.RetryAllowed,
		},
	}
}

// NewCriticalErrorMessage builds a critical_error response that asks
// the client to reconnect.
func NewCriticalErrorMessage(err *Error) *CriticalErrorMessage {
	return &CriticalErrorMessage{
		Type: TypeCriticalError,
		WireError: WireError{
			Message:   err.Message,
			ErrorCode: err.Code,
			ErrorID:   err.ID,
		},
		RequiresReconnection: true,
	}
}
