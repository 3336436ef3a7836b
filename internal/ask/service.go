// Package ask is the free-form question box: students submit questions to
// the instructor during a live session, rate limited per participant.
package ask

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/errors"
	"github.com/classpulse/classpulse/internal/event"
	"github.com/classpulse/classpulse/internal/identity"
	"github.com/classpulse/classpulse/internal/ratelimit"
	"github.com/classpulse/classpulse/internal/rkey"
	"github.com/classpulse/classpulse/internal/session"
)

// questionTTL bounds how long an unanswered question stays visible.
const questionTTL = 30 * time.Minute

// Sessions gates submissions on a live session. Satisfied by
// *session.Service.
type Sessions interface {
	GetSession(ctx context.Context, course string) (*domain.Session, error)
}

type Config struct {
	Redis     redis.UniversalClient
	EventBus  *event.Bus
	Hub       session.Broadcaster
	Limiter   *ratelimit.Limiter
	Sessions  Sessions
	MaxLength int
	// NowFunc overrides the clock, for tests.
	NowFunc func() time.Time
}

type Service struct {
	redis     redis.UniversalClient
	eb        *event.Bus
	hub       session.Broadcaster
	limiter   *ratelimit.Limiter
	sessions  Sessions
	maxLength int
	now       func() time.Time
}

func NewService(c Config) *Service {
	now := c.NowFunc
	if now == nil {
		now = time.Now
	}

	return &Service{
		redis:     c.Redis,
		eb:        c.EventBus,
		hub:       c.Hub,
		limiter:   c.Limiter,
		sessions:  c.Sessions,
		maxLength: c.MaxLength,
		now:       now,
	}
}

// Submit stores a student question. The text is length-checked and has any
// embedded participant ids redacted before it is stored or broadcast.
func (s *Service) Submit(ctx context.Context, course, pid, text string) (*domain.AskQuestion, error) {
	sess, err := s.sessions.GetSession(ctx, course)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("questions can only be submitted during a live session"))
	}

	if strings.TrimSpace(text) == "" {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question cannot be empty"))
	}
	if utf8.RuneCountInString(text) > s.maxLength {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question must be %d characters or less", s.maxLength))
	}

	allowed, retryAfter, err := s.limiter.Allow(ctx, course, pid)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errors.New(errors.CodeRateLimited,
			errors.WithMessagef("rate limit exceeded, retry in %d seconds",
				int(retryAfter.Round(time.Second).Seconds())))
	}

	now := s.now().UTC()
	q := &domain.AskQuestion{
		QuestionID: fmt.Sprintf("q-%d-%s", now.UnixMilli(), uuid.NewString()[:8]),
		PID:        pid,
		Question:   identity.StripPIDs(text),
		Timestamp:  now,
	}

	b, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("ask: marshal question: %w", err)
	}

	if err := s.redis.Set(ctx, rkey.AskQuestion(course, q.QuestionID), b, questionTTL).Err(); err != nil {
		return nil, fmt.Errorf("ask: store question: %w", err)
	}

	s.hub.Publish(course, sess.SessionID, domain.EventNameNewQuestion, map[string]any{
		"question_id": q.QuestionID,
		"question":    q.Question,
		"pid":         q.PID,
	})
	s.eb.Publish(ctx, domain.EventNewQuestion{Course: course, Question: *q})

	return q, nil
}

// List returns the pending questions for a course, newest first.
func (s *Service) List(ctx context.Context, course string) ([]domain.AskQuestion, error) {
	var questions []domain.AskQuestion

	iter := s.redis.Scan(ctx, 0, rkey.AskQuestionPattern(course), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.redis.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ask: get question: %w", err)
		}

		var q domain.AskQuestion
		if err := json.Unmarshal(raw, &q); err != nil {
			return nil, fmt.Errorf("ask: unmarshal question: %w", err)
		}
		questions = append(questions, q)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("ask: scan questions: %w", err)
	}

	sort.Slice(questions, func(i, j int) bool {
		return questions[i].Timestamp.After(questions[j].Timestamp)
	})

	return questions, nil
}

// Dismiss removes a question once the instructor has handled it.
func (s *Service) Dismiss(ctx context.Context, course, id string) error {
	n, err := s.redis.Del(ctx, rkey.AskQuestion(course, id)).Result()
	if err != nil {
		return fmt.Errorf("ask: delete question: %w", err)
	}
	if n == 0 {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("question not found: %s", id))
	}

	return nil
}
