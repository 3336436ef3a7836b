package response_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/errors"
	"github.com/classpulse/classpulse/internal/response"
	"github.com/classpulse/classpulse/internal/rkey"
)

func TestStore_SubmitOverwrites(t *testing.T) {
	s, f := makeStore(t)
	q := f.seedQuestion(t, &domain.Question{
		ID:      "q1",
		Type:    domain.QuestionMCQ,
		Options: []string{"A", "B"},
		State:   domain.QuestionOpen,
	})

	counts, err := s.Submit(context.Background(), "cs101", q, "A00000001", "A")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"A": 1}, counts)

	// Same participant switches answers: overwrite, not accumulation.
	counts, err = s.Submit(context.Background(), "cs101", q, "A00000001", "B")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"B": 1}, counts)

	counts, err = s.Submit(context.Background(), "cs101", q, "A00000002", "B")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"B": 2}, counts)

	tally, err := s.Tally(context.Background(), "cs101", q)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"A": 0, "B": 2}, tally.Counts)
	require.Equal(t, 2, tally.Total, "total equals distinct responding participants")
}

func TestStore_SubmitValidation(t *testing.T) {
	tests := map[string]struct {
		question *domain.Question
		value    any
		wantCode errors.Code
	}{
		"mcq rejects a value outside the options": {
			question: &domain.Question{
				ID: "q1", Type: domain.QuestionMCQ,
				Options: []string{"A", "B"}, State: domain.QuestionOpen,
			},
			value:    "C",
			wantCode: errors.CodeInvalidArgument,
		},

		"mcq rejects a non-string value": {
			question: &domain.Question{
				ID: "q1", Type: domain.QuestionMCQ,
				Options: []string{"A", "B"}, State: domain.QuestionOpen,
			},
			value:    true,
			wantCode: errors.CodeInvalidArgument,
		},

		"tf rejects a non-boolean value": {
			question: &domain.Question{
				ID: "q1", Type: domain.QuestionTF, State: domain.QuestionOpen,
			},
			value:    "true",
			wantCode: errors.CodeInvalidArgument,
		},

		"numeric rejects a non-number value": {
			question: &domain.Question{
				ID: "q1", Type: domain.QuestionNumeric, State: domain.QuestionOpen,
			},
			value:    "42",
			wantCode: errors.CodeInvalidArgument,
		},

		"closed question rejects any submit": {
			question: &domain.Question{
				ID: "q1", Type: domain.QuestionTF, State: domain.QuestionClosed,
			},
			value:    true,
			wantCode: errors.CodeInvalidState,
		},

		"draft question rejects any submit": {
			question: &domain.Question{
				ID: "q1", Type: domain.QuestionTF, State: domain.QuestionDraft,
			},
			value:    true,
			wantCode: errors.CodeInvalidState,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			s, f := makeStore(t)
			q := f.seedQuestion(t, tt.question)

			_, err := s.Submit(context.Background(), "cs101", q, "A00000001", tt.value)
			require.Error(t, err)
			require.True(t, errors.IsCode(err, tt.wantCode), "got %v", err)
		})
	}
}

func TestStore_SubmitUnknownQuestion(t *testing.T) {
	s, _ := makeStore(t)
	q := &domain.Question{ID: "ghost", Type: domain.QuestionTF, State: domain.QuestionOpen}

	_, err := s.Submit(context.Background(), "cs101", q, "A00000001", true)
	require.True(t, errors.IsCode(err, errors.CodeNotFound), "got %v", err)
}

func TestStore_SubmitAfterCloseLeavesMapUnchanged(t *testing.T) {
	s, f := makeStore(t)
	q := f.seedQuestion(t, &domain.Question{
		ID:      "q1",
		Type:    domain.QuestionMCQ,
		Options: []string{"A", "B"},
		State:   domain.QuestionOpen,
	})

	_, err := s.Submit(context.Background(), "cs101", q, "A00000001", "A")
	require.NoError(t, err)

	// Close behind the store's back; the script re-checks state atomically.
	f.setState(t, q.ID, domain.QuestionClosed)

	_, err = s.Submit(context.Background(), "cs101", q, "A00000001", "B")
	require.True(t, errors.IsCode(err, errors.CodeInvalidState), "got %v", err)

	got, err := s.Get(context.Background(), "cs101", q.ID, "A00000001")
	require.NoError(t, err)
	require.Equal(t, "A", got.Value, "rejected submit must not touch the response map")

	counts, err := s.Counts(context.Background(), "cs101", q.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"A": 1}, counts)
}

func TestStore_Get(t *testing.T) {
	s, f := makeStore(t)
	q := f.seedQuestion(t, &domain.Question{
		ID: "q1", Type: domain.QuestionTF, State: domain.QuestionOpen,
	})

	_, err := s.Get(context.Background(), "cs101", q.ID, "A00000001")
	require.True(t, errors.IsCode(err, errors.CodeNotFound))

	_, err = s.Submit(context.Background(), "cs101", q, "A00000001", true)
	require.NoError(t, err)

	got, err := s.Get(context.Background(), "cs101", q.ID, "A00000001")
	require.NoError(t, err)
	require.Equal(t, "A00000001", got.ParticipantID)
	require.Equal(t, true, got.Value)
	require.Equal(t, f.now, got.Timestamp)
}

func TestStore_TallyZeroFills(t *testing.T) {
	s, f := makeStore(t)
	q := f.seedQuestion(t, &domain.Question{
		ID:      "q1",
		Type:    domain.QuestionMCQ,
		Options: []string{"A", "B", "C"},
		State:   domain.QuestionOpen,
	})

	tally, err := s.Tally(context.Background(), "cs101", q)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"A": 0, "B": 0, "C": 0}, tally.Counts)
	require.Equal(t, 0, tally.Total)

	_, err = s.Submit(context.Background(), "cs101", q, "A00000001", "B")
	require.NoError(t, err)

	tally, err = s.Tally(context.Background(), "cs101", q)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"A": 0, "B": 1, "C": 0}, tally.Counts)
	require.Equal(t, 1, tally.Total)
}

func TestStore_TallyNumeric(t *testing.T) {
	s, f := makeStore(t)
	q := f.seedQuestion(t, &domain.Question{
		ID: "q1", Type: domain.QuestionNumeric, State: domain.QuestionOpen,
	})

	for pid, v := range map[string]float64{
		"A00000001": 4,
		"A00000002": 2.5,
		"A00000003": 10,
	} {
		_, err := s.Submit(context.Background(), "cs101", q, pid, v)
		require.NoError(t, err)
	}

	tally, err := s.Tally(context.Background(), "cs101", q)
	require.NoError(t, err)
	require.Empty(t, tally.Counts)
	require.Equal(t, []float64{2.5, 4, 10}, tally.Values)
	require.Equal(t, 3, tally.Total)
}

func TestStore_Distribution(t *testing.T) {
	s, f := makeStore(t)
	q := f.seedQuestion(t, &domain.Question{
		ID: "q1", Type: domain.QuestionTF, State: domain.QuestionOpen,
	})

	for pid, v := range map[string]bool{
		"A00000001": true,
		"A00000002": true,
		"A00000003": false,
	} {
		_, err := s.Submit(context.Background(), "cs101", q, pid, v)
		require.NoError(t, err)
	}

	dist, err := s.Distribution(context.Background(), "cs101", q)
	require.NoError(t, err)
	require.Equal(t, map[string]int{"true": 2, "false": 1}, dist.Counts)
	require.Equal(t, 3, dist.Total)
	require.Equal(t, map[string]float64{"true": 66.67, "false": 33.33}, dist.Percentages)
}

type fixture struct {
	redis redis.UniversalClient
	now   time.Time
}

func makeStore(t *testing.T) (*response.Store, *fixture) {
	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})

	f := &fixture{
		redis: rc,
		now:   time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}

	s := response.NewStore(response.Config{
		Redis:   rc,
		NowFunc: func() time.Time { return f.now },
	})

	return s, f
}

func (f *fixture) seedQuestion(t *testing.T, q *domain.Question) *domain.Question {
	fields, err := q.MetaFields()
	require.NoError(t, err)

	args := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	require.NoError(t, f.redis.HSet(context.Background(), rkey.QuestionMeta("cs101", q.ID), args...).Err())

	return q
}

func (f *fixture) setState(t *testing.T, qid string, state domain.QuestionState) {
	err := f.redis.HSet(context.Background(),
		rkey.QuestionMeta("cs101", qid), domain.MetaFieldState, string(state)).Err()
	require.NoError(t, err)
}
