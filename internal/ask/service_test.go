package ask_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/classpulse/classpulse/internal/ask"
	"github.com/classpulse/classpulse/internal/broadcast"
	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/errors"
	"github.com/classpulse/classpulse/internal/event"
	"github.com/classpulse/classpulse/internal/ratelimit"
)

const course = "cs101"

func TestService_Submit(t *testing.T) {
	s, f := makeService(t)

	q, err := s.Submit(context.Background(), course, "A00000001", "what is a monad?")
	require.NoError(t, err)
	require.Regexp(t, `^q-\d+-[0-9a-f]{8}$`, q.QuestionID)
	require.Equal(t, "A00000001", q.PID)
	require.Equal(t, "what is a monad?", q.Question)
	require.Equal(t, f.now, q.Timestamp)

	ev := f.nextEvent(t, domain.EventNameNewQuestion)
	data := ev.Data.(map[string]any)
	require.Equal(t, q.QuestionID, data["question_id"])
}

func TestService_SubmitValidation(t *testing.T) {
	tests := map[string]struct {
		text     string
		wantCode errors.Code
	}{
		"empty question": {
			text:     "",
			wantCode: errors.CodeInvalidArgument,
		},

		"whitespace only": {
			text:     "   \n\t",
			wantCode: errors.CodeInvalidArgument,
		},

		"over the length limit": {
			text:     strings.Repeat("x", 1001),
			wantCode: errors.CodeInvalidArgument,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s, _ := makeService(t)

			_, err := s.Submit(context.Background(), course, "A00000001", tt.text)
			require.Error(t, err)
			require.True(t, errors.IsCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestService_SubmitLengthIsCharacterCount(t *testing.T) {
	s, _ := makeService(t, withMaxLength(10))

	// 10 characters, 30 bytes: within the limit.
	q, err := s.Submit(context.Background(), course, "A00000001", strings.Repeat("な", 10))
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("な", 10), q.Question)

	_, err = s.Submit(context.Background(), course, "A00000002", strings.Repeat("な", 11))
	require.True(t, errors.IsCode(err, errors.CodeInvalidArgument), "got %v", err)
}

func TestService_SubmitRequiresLiveSession(t *testing.T) {
	s, _ := makeService(t, withSessions(stubSessions{err: errors.New(errors.CodeNotFound)}))

	_, err := s.Submit(context.Background(), course, "A00000001", "anyone there?")
	require.True(t, errors.IsCode(err, errors.CodeInvalidState), "got %v", err)
}

func TestService_SubmitRateLimited(t *testing.T) {
	s, f := makeService(t)

	_, err := s.Submit(context.Background(), course, "A00000001", "first question")
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), course, "A00000001", "second question")
	require.True(t, errors.IsCode(err, errors.CodeRateLimited), "got %v", err)

	// Another participant is unaffected; the same one recovers after the
	// window.
	_, err = s.Submit(context.Background(), course, "A00000002", "me too")
	require.NoError(t, err)

	f.now = f.now.Add(11 * time.Second)
	_, err = s.Submit(context.Background(), course, "A00000001", "second question")
	require.NoError(t, err)
}

func TestService_SubmitStripsPIDs(t *testing.T) {
	s, _ := makeService(t)

	q, err := s.Submit(context.Background(), course, "A00000001", "did A00000002 get this right?")
	require.NoError(t, err)
	require.Equal(t, "did [PID] get this right?", q.Question)
}

func TestService_ListAndDismiss(t *testing.T) {
	s, f := makeService(t)

	first, err := s.Submit(context.Background(), course, "A00000001", "first")
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	second, err := s.Submit(context.Background(), course, "A00000002", "second")
	require.NoError(t, err)

	questions, err := s.List(context.Background(), course)
	require.NoError(t, err)
	require.Len(t, questions, 2)
	require.Equal(t, second.QuestionID, questions[0].QuestionID, "newest first")
	require.Equal(t, first.QuestionID, questions[1].QuestionID)

	require.NoError(t, s.Dismiss(context.Background(), course, first.QuestionID))

	questions, err = s.List(context.Background(), course)
	require.NoError(t, err)
	require.Len(t, questions, 1)

	err = s.Dismiss(context.Background(), course, first.QuestionID)
	require.True(t, errors.IsCode(err, errors.CodeNotFound), "got %v", err)
}

func TestService_QuestionExpiry(t *testing.T) {
	s, f := makeService(t)

	_, err := s.Submit(context.Background(), course, "A00000001", "still there?")
	require.NoError(t, err)

	f.rs.FastForward(31 * time.Minute)

	questions, err := s.List(context.Background(), course)
	require.NoError(t, err)
	require.Empty(t, questions, "unhandled questions expire")
}

type fixture struct {
	rs     *miniredis.Miniredis
	hub    *broadcast.Hub
	viewer *broadcast.Viewer
	now    time.Time
}

func makeService(t *testing.T, opts ...options) (*ask.Service, *fixture) {
	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})

	f := &fixture{
		rs:  rs,
		hub: broadcast.NewHub(broadcast.Config{BufferSize: 64}),
		now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}
	nowFunc := func() time.Time { return f.now }

	c := ask.Config{
		Redis:    rc,
		EventBus: event.NewBus(),
		Hub:      f.hub,
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			Redis:   rc,
			Limit:   1,
			Window:  10 * time.Second,
			NowFunc: nowFunc,
		}),
		Sessions: stubSessions{sess: &domain.Session{
			SessionID: "sess-1",
			Course:    course,
			State:     string(domain.SessionActive),
		}},
		MaxLength: 1000,
		NowFunc:   nowFunc,
	}
	for _, opt := range opts {
		opt(&c)
	}

	var err error
	f.viewer, err = f.hub.Subscribe(course, func() (string, any, error) {
		return "", nil, nil
	})
	require.NoError(t, err)

	return ask.NewService(c), f
}

type options func(c *ask.Config)

func withSessions(s ask.Sessions) options {
	return func(c *ask.Config) {
		c.Sessions = s
	}
}

func withMaxLength(n int) options {
	return func(c *ask.Config) {
		c.MaxLength = n
	}
}

type stubSessions struct {
	sess *domain.Session
	err  error
}

func (s stubSessions) GetSession(context.Context, string) (*domain.Session, error) {
	return s.sess, s.err
}

func (f *fixture) nextEvent(t *testing.T, kind string) broadcast.Event {
	t.Helper()

	for {
		select {
		case ev := <-f.viewer.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s event on the stream", kind)
		}
	}
}
