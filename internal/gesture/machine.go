// Package gesture segments signing attempts out of a stream of
// per-frame landmark detections. One Machine exists per client; every
// transition is driven from that client's pipeline worker, so the
// machine needs no locking.
package gesture

import (
	"errors"
	"time"

	"github.com/prats-2311/story-sign-sub001/internal/landmark"
	"github.com/prats-2311/story-sign-sub001/internal/logging"
)

var log = logging.L("gesture")

// State names the machine's position in the practice loop.
type State int

const (
	// StateIdle means no practice session is active; frames are served
	// but never segmented.
	StateIdle State = iota
	StateListening
	StateDetecting
	StateAnalyzing
	StateFeedback
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateDetecting:
		return "detecting"
	case StateAnalyzing:
		return "analyzing"
	case StateFeedback:
		return "feedback"
	default:
		return "unknown"
	}
}

// Config tunes gesture segmentation.
type Config struct {
	Enabled bool
	// VelocityThreshold is the smoothed hand speed, in normalized units
	// per second, that counts as movement.
	VelocityThreshold float64
	// PauseDuration is how long the hands must stay below the threshold
	// before a capture ends.
	PauseDuration time.Duration
	// MinGestureDuration is the minimum span between first and last
	// movement for a capture to be worth analyzing.
	MinGestureDuration time.Duration
	BufferSize         int
	SmoothingWindow    int
}

func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		VelocityThreshold:  0.02,
		PauseDuration:      time.Second,
		MinGestureDuration: 500 * time.Millisecond,
		BufferSize:         150,
		SmoothingWindow:    5,
	}
}

var ErrNoSentences = errors.New("gesture: session needs at least one sentence")

// StepResult reports what one frame did to the machine.
type StepResult struct {
	State    State
	Velocity float64
	// Frozen is non-nil exactly when this frame completed a capture;
	// the caller hands it to analysis.
	Frozen *Segment
	// Discarded is true when a too-short capture was dropped.
	Discarded bool
}

// Machine is the per-client gesture state machine plus the practice
// session cursor over its target sentences.
type Machine struct {
	cfg      Config
	clientID string

	state        State
	tracker      *VelocityTracker
	segment      *Segment
	lastMovement time.Time

	sessionID   string
	sentences   []string
	index       int
	sessionAt   time.Time
	autoAdvance bool

	completed int
	discarded int
}

func NewMachine(clientID string, cfg Config) *Machine {
	if cfg.VelocityThreshold <= 0 {
		cfg.VelocityThreshold = 0.02
	}
	if cfg.PauseDuration <= 0 {
		cfg.PauseDuration = time.Second
	}
	if cfg.MinGestureDuration <= 0 {
		cfg.MinGestureDuration = 500 * time.Millisecond
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 150
	}
	if cfg.SmoothingWindow <= 0 {
		cfg.SmoothingWindow = 5
	}
	return &Machine{
		cfg:      cfg,
		clientID: clientID,
		state:    StateIdle,
		tracker:  NewVelocityTracker(cfg.SmoothingWindow),
	}
}

func (m *Machine) State() State { return m.state }

// Step advances the machine on one frame's extraction result.
func (m *Machine) Step(res *landmark.Result, now time.Time) StepResult {
	out := StepResult{State: m.state}
	if !m.cfg.Enabled || m.state == StateIdle {
		return out
	}

	var center *landmark.Point
	if res != nil && res.Hands {
		center = res.HandCenter
	}
	v := m.tracker.Observe(center, now)
	out.Velocity = v

	switch m.state {
	case StateListening:
		if v > m.cfg.VelocityThreshold {
			m.segment = newSegment(m.sessionID, m.CurrentSentence(), now, m.cfg.BufferSize)
			m.segment.append(snapshotOf(res, now))
			m.lastMovement = now
			m.transition(StateDetecting)
		}

	case StateDetecting:
		m.segment.append(snapshotOf(res, now))
		if v > m.cfg.VelocityThreshold {
			m.lastMovement = now
			break
		}
		if now.Sub(m.lastMovement) < m.cfg.PauseDuration {
			break
		}

		seg := m.segment
		m.segment = nil
		// The signing span runs to the last movement; the trailing
		// pause does not count toward the minimum.
		if m.lastMovement.Sub(seg.StartedAt) >= m.cfg.MinGestureDuration {
			seg.FrozenAt = now
			m.completed++
			out.Frozen = seg
			m.transition(StateAnalyzing)
		} else {
			m.discarded++
			out.Discarded = true
			m.transition(StateListening)
		}

	case StateAnalyzing, StateFeedback:
		// Frames keep flowing for display; they do not drive transitions.
	}

	out.State = m.state
	return out
}

// CompleteAnalysis moves Analyzing to Feedback once the analysis
// result (or its error fallback) is ready to deliver. With
// auto-advance on, the machine immediately moves to the next sentence
// and resumes listening.
func (m *Machine) CompleteAnalysis() {
	if m.state != StateAnalyzing {
		return
	}
	m.transition(StateFeedback)
	if m.autoAdvance {
		m.NextSentence()
	}
}

// StartSession installs the sentence list and begins listening.
func (m *Machine) StartSession(id string, sentences []string, now time.Time) error {
	if len(sentences) == 0 {
		return ErrNoSentences
	}
	m.sessionID = id
	m.sentences = append([]string(nil), sentences...)
	m.index = 0
	m.sessionAt = now
	m.resetCapture()
	m.transition(StateListening)
	log.Info("practice session started",
		logging.KeySessionID, id, logging.KeyClientID, m.clientID, "sentences", len(sentences))
	return nil
}

// NextSentence advances the cursor and resumes listening. The second
// return is true when the cursor was already on the last sentence.
func (m *Machine) NextSentence() (string, bool) {
	if m.state == StateIdle {
		return "", false
	}
	m.resetCapture()
	m.transition(StateListening)
	if m.index+1 < len(m.sentences) {
		m.index++
		return m.sentences[m.index], false
	}
	return m.CurrentSentence(), true
}

// TryAgain resumes listening on the current sentence.
func (m *Machine) TryAgain() string {
	if m.state == StateIdle {
		return ""
	}
	m.resetCapture()
	m.transition(StateListening)
	return m.CurrentSentence()
}

// StopSession resets to Idle from any state.
func (m *Machine) StopSession() {
	m.sessionID = ""
	m.sentences = nil
	m.index = 0
	m.resetCapture()
	m.transition(StateIdle)
}

// CompleteStory ends the session, reporting how many sentences got
// feedback and how long the session ran.
func (m *Machine) CompleteStory(now time.Time) (sentencesCompleted int, duration time.Duration) {
	if m.state == StateIdle {
		return 0, 0
	}
	completed := m.index
	if m.state == StateFeedback {
		completed++
	}
	duration = now.Sub(m.sessionAt)
	m.StopSession()
	return completed, duration
}

// SetAutoAdvance toggles automatic cursor advance after feedback.
func (m *Machine) SetAutoAdvance(on bool) {
	m.autoAdvance = on
}

func (m *Machine) SessionID() string { return m.sessionID }

func (m *Machine) SentenceIndex() int { return m.index }

func (m *Machine) TotalSentences() int { return len(m.sentences) }

func (m *Machine) CurrentSentence() string {
	if m.index >= 0 && m.index < len(m.sentences) {
		return m.sentences[m.index]
	}
	return ""
}

// Stats is the machine's contribution to a client stats snapshot.
type Stats struct {
	State             string `json:"state"`
	SessionID         string `json:"session_id,omitempty"`
	SentenceIndex     int    `json:"sentence_index"`
	TotalSentences    int    `json:"total_sentences"`
	CompletedGestures int    `json:"completed_gestures"`
	DiscardedGestures int    `json:"discarded_gestures"`
}

func (m *Machine) Stats() Stats {
	return Stats{
		State:             m.state.String(),
		SessionID:         m.sessionID,
		SentenceIndex:     m.index,
		TotalSentences:    len(m.sentences),
		CompletedGestures: m.completed,
		DiscardedGestures: m.discarded,
	}
}

func (m *Machine) resetCapture() {
	if m.segment != nil {
		m.segment = nil
		m.discarded++
	}
	m.tracker.Reset()
}

func (m *Machine) transition(to State) {
	if m.state == to {
		return
	}
	log.Debug("gesture transition",
		logging.KeyClientID, m.clientID, "from", m.state.String(), "to", to.String())
	m.state = to
}

func snapshotOf(res *landmark.Result, at time.Time) Snapshot {
	snap := Snapshot{At: at}
	if res != nil {
		snap.Hands = res.Hands
		snap.Face = res.Face
		snap.Pose = res.Pose
		snap.Payload = res.Keypoints
	}
	return snap
}
