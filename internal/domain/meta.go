package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Question metadata is stored as a Redis hash so lifecycle Lua scripts can
// check and flip individual fields (state, timestamps) without re-encoding
// the whole record. Timestamps are RFC 3339, empty string when unset.

const (
	MetaFieldID         = "id"
	MetaFieldType       = "type"
	MetaFieldOptions    = "options"
	MetaFieldState      = "state"
	MetaFieldStartedAt  = "started_at"
	MetaFieldEndedAt    = "ended_at"
	MetaFieldReveal     = "reveal"
	MetaFieldRevealedAt = "revealed_at"
)

// MetaFields flattens a question into hash fields for HSET.
func (q *Question) MetaFields() (map[string]string, error) {
	m := map[string]string{
		MetaFieldID:         q.ID,
		MetaFieldType:       string(q.Type),
		MetaFieldState:      string(q.State),
		MetaFieldStartedAt:  formatTime(q.StartedAt),
		MetaFieldEndedAt:    formatTime(q.EndedAt),
		MetaFieldReveal:     formatBool(q.Reveal),
		MetaFieldRevealedAt: formatTime(q.RevealedAt),
	}

	if q.Type == QuestionMCQ {
		b, err := json.Marshal(q.Options)
		if err != nil {
			return nil, fmt.Errorf("marshal options: %w", err)
		}
		m[MetaFieldOptions] = string(b)
	}

	return m, nil
}

// QuestionFromMeta parses hash fields back into a question.
func QuestionFromMeta(m map[string]string) (*Question, error) {
	q := &Question{
		ID:     m[MetaFieldID],
		Type:   QuestionType(m[MetaFieldType]),
		State:  QuestionState(m[MetaFieldState]),
		Reveal: m[MetaFieldReveal] == "1",
	}

	if raw := m[MetaFieldOptions]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &q.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}

	var err error
	if q.StartedAt, err = parseTime(m[MetaFieldStartedAt]); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if q.EndedAt, err = parseTime(m[MetaFieldEndedAt]); err != nil {
		return nil, fmt.Errorf("parse ended_at: %w", err)
	}
	if q.RevealedAt, err = parseTime(m[MetaFieldRevealedAt]); err != nil {
		return nil, fmt.Errorf("parse revealed_at: %w", err)
	}

	return q, nil
}

// The live session record is a hash as well.
const (
	SessionFieldID        = "session_id"
	SessionFieldState     = "state"
	SessionFieldStartedAt = "started_at"
)

// SessionFromMeta parses the live session hash.
func SessionFromMeta(course string, m map[string]string) (*Session, error) {
	s := &Session{
		SessionID: m[SessionFieldID],
		Course:    course,
		State:     m[SessionFieldState],
	}

	var err error
	if s.StartedAt, err = parseTime(m[SessionFieldStartedAt]); err != nil {
		return nil, fmt.Errorf("parse session started_at: %w", err)
	}

	return s, nil
}

// CountValue is the string a normalized response value is tallied under.
// Recorded next to the response at write time so the overwrite decrement in
// the submit script always matches the original increment.
func CountValue(normalized any) string {
	switch v := normalized.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
