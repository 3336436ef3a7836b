package domain

import (
	"math"
	"time"

	"github.com/classpulse/classpulse/internal/errors"
)

// QuestionType is the kind of poll a question runs.
type QuestionType string

const (
	QuestionMCQ     QuestionType = "mcq"
	QuestionTF      QuestionType = "tf"
	QuestionNumeric QuestionType = "numeric"
)

func ParseQuestionType(s string) (QuestionType, error) {
	switch t := QuestionType(s); t {
	case QuestionMCQ, QuestionTF, QuestionNumeric:
		return t, nil
	default:
		return "", errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid question type: %q", s))
	}
}

type SessionState string

const (
	SessionActive SessionState = "active"
	// SessionStopping marks a stop in progress: the archive is being written
	// and no other lifecycle operation (including a second stop) may run.
	SessionStopping SessionState = "stopping"
	SessionStopped  SessionState = "stopped"
)

type QuestionState string

const (
	QuestionDraft  QuestionState = "draft"
	QuestionOpen   QuestionState = "open"
	QuestionClosed QuestionState = "closed"
)

// Session is the live polling period for a course. Stopped sessions exist
// only as archives.
type Session struct {
	SessionID string     `json:"session_id"`
	Course    string     `json:"course"`
	State     string     `json:"state"`
	StartedAt *time.Time `json:"started_at"`
}

type Question struct {
	ID         string        `json:"id"`
	Type       QuestionType  `json:"type"`
	Options    []string      `json:"options,omitempty"`
	State      QuestionState `json:"state"`
	StartedAt  *time.Time    `json:"started_at"`
	EndedAt    *time.Time    `json:"ended_at"`
	Reveal     bool          `json:"reveal"`
	RevealedAt *time.Time    `json:"revealed_at"`
}

// Response is one participant's current answer to a question. Value is a
// string for mcq, bool for tf, float64 for numeric.
type Response struct {
	ParticipantID string    `json:"participant_id"`
	Timestamp     time.Time `json:"timestamp"`
	Value         any       `json:"value"`
}

// Tally is the on-demand aggregation of a question's response map. Counts is
// populated for mcq/tf (zero-filled per option resp. true/false); Values is
// the raw response list for numeric questions.
type Tally struct {
	QuestionID string         `json:"question_id"`
	Type       QuestionType   `json:"type"`
	Counts     map[string]int `json:"counts,omitempty"`
	Values     []float64      `json:"values,omitempty"`
	Total      int            `json:"total"`
}

// Distribution is the instructor-facing view of a tally with percentages.
type Distribution struct {
	QuestionID  string             `json:"question_id"`
	Type        QuestionType       `json:"type"`
	Counts      map[string]int     `json:"counts"`
	Total       int                `json:"total"`
	Percentages map[string]float64 `json:"percentages"`
	Options     []string           `json:"options,omitempty"`
}

// Snapshot is the current state of a course's live session, delivered to a
// viewer on subscribe so it can reconstruct state without replaying history.
type Snapshot struct {
	Session  *Session  `json:"session"`
	Question *Question `json:"question"`
	Tally    *Tally    `json:"tally"`
}

// AskQuestion is a free-form question submitted by a student.
type AskQuestion struct {
	QuestionID string    `json:"question_id"`
	PID        string    `json:"pid"`
	Question   string    `json:"question"`
	Timestamp  time.Time `json:"timestamp"`
}

// ValidateOptions checks option constraints for a question type: mcq needs at
// least two unique, non-empty options; tf and numeric take none.
func ValidateOptions(t QuestionType, options []string) error {
	if t != QuestionMCQ {
		if len(options) > 0 {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("%s questions take no options", t))
		}
		return nil
	}

	if len(options) < 2 {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("mcq questions need at least 2 options, got %d", len(options)))
	}

	seen := make(map[string]struct{}, len(options))
	for _, o := range options {
		if o == "" {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("mcq options must be non-empty"))
		}
		if _, ok := seen[o]; ok {
			return errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("duplicate mcq option: %q", o))
		}
		seen[o] = struct{}{}
	}

	return nil
}

// ValidateValue checks a submitted value against the question's type contract
// and returns the normalized value: string for mcq, bool for tf, float64 for
// numeric.
func (q *Question) ValidateValue(value any) (any, error) {
	switch q.Type {
	case QuestionMCQ:
		s, ok := value.(string)
		if !ok {
			return nil, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("mcq questions require a string response"))
		}
		for _, o := range q.Options {
			if s == o {
				return s, nil
			}
		}
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid option %q", s))

	case QuestionTF:
		b, ok := value.(bool)
		if !ok {
			return nil, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("true/false questions require a boolean response"))
		}
		return b, nil

	case QuestionNumeric:
		var f float64
		switch v := value.(type) {
		case float64:
			f = v
		case float32:
			f = float64(v)
		case int:
			f = float64(v)
		case int64:
			f = float64(v)
		default:
			return nil, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("numeric questions require a number response"))
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.New(errors.CodeInvalidArgument,
				errors.WithMessagef("numeric response must be a finite number"))
		}
		return f, nil
	}

	return nil, errors.New(errors.CodeInternal,
		errors.WithMessagef("unknown question type %q", q.Type))
}
