package domain

import (
	"encoding/json"
	"time"
)

// EventType enumerates the artifact kinds persisted in the append-only
// event log, plus the stage lifecycle markers.
type EventType string

const (
	EventResearchPack     EventType = "research_pack"
	EventMarketSentiment  EventType = "market_sentiment"
	EventPMPitch          EventType = "pm_pitch"
	EventPeerReview       EventType = "peer_review"
	EventReviewCoverage   EventType = "review_coverage"
	EventChairmanDecision EventType = "chairman_decision"
	EventExecutionResult  EventType = "execution_result"
	EventExecutionSkipped EventType = "execution_skipped"
	EventExecutionError   EventType = "execution_error"
	EventStageStarted     EventType = "stage_started"
	EventStageCompleted   EventType = "stage_completed"
	EventStageFailed      EventType = "stage_failed"
)

// Event is one append-only record. EventID is assigned by the store and
// is strictly monotonic; events are never updated or deleted. AccountID
// is empty for week-scoped artifacts. Payload is an opaque JSON blob;
// readers ignore unknown fields.
type Event struct {
	EventID   int64           `json:"event_id"`
	WeekID    WeekID          `json:"week_id"`
	AccountID AccountID       `json:"account_id,omitempty"`
	Type      EventType       `json:"event_type"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// StageMarker is the payload of stage_started/completed/failed events.
type StageMarker struct {
	Stage  string `json:"stage"`
	JobID  string `json:"job_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}
