package gesture

import "time"

// Snapshot is one captured frame's detection state. Payload carries
// whatever the extractor produced for that frame; this layer does not
// interpret it.
type Snapshot struct {
	At      time.Time `json:"at"`
	Hands   bool      `json:"hands"`
	Face    bool      `json:"face"`
	Pose    bool      `json:"pose"`
	Payload any       `json:"payload,omitempty"`
}

// Segment is the ordered capture of one signing attempt, from the
// gesture-start edge to the freeze that hands it to analysis. The
// snapshot buffer is bounded with FIFO eviction.
type Segment struct {
	SessionID string
	Sentence  string
	StartedAt time.Time
	FrozenAt  time.Time
	Snapshots []Snapshot
	Evicted   int

	capacity int
}

func newSegment(sessionID, sentence string, startedAt time.Time, capacity int) *Segment {
	if capacity <= 0 {
		capacity = 150
	}
	return &Segment{
		SessionID: sessionID,
		Sentence:  sentence,
		StartedAt: startedAt,
		Snapshots: make([]Snapshot, 0, capacity),
		capacity:  capacity,
	}
}

func (s *Segment) append(snap Snapshot) {
	if len(s.Snapshots) >= s.capacity {
		copy(s.Snapshots, s.Snapshots[1:])
		s.Snapshots = s.Snapshots[:len(s.Snapshots)-1]
		s.Evicted++
	}
	s.Snapshots = append(s.Snapshots, snap)
}
