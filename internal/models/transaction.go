package models

import (
	"time"

	"github.com/google/uuid"
)

// TransitionSource names the entry point that moved an intent.
type TransitionSource string

const (
	SourceInitiate  TransitionSource = "INITIATE"
	SourceCallback  TransitionSource = "CALLBACK"
	SourcePoll      TransitionSource = "POLL"
	SourceSweep     TransitionSource = "SWEEP"
	SourceReview    TransitionSource = "REVIEW"
	SourceHeuristic TransitionSource = "HEURISTIC"
)

// IntentTransition is the audit row written for every winning state change.
type IntentTransition struct {
	ID                int64            `json:"id"`
	IntentID          uuid.UUID        `json:"intent_id"`
	FromState         IntentState      `json:"from_state"`
	ToState           IntentState      `json:"to_state"`
	Source            TransitionSource `json:"source"`
	ResultCode        string           `json:"result_code,omitempty"`
	ResultDescription string           `json:"result_description,omitempty"`
	ReviewerID        string           `json:"reviewer_id,omitempty"`
	Metadata          []byte           `json:"-"`
	CreatedAt         time.Time        `json:"created_at"`
}
