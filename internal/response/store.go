// Package response holds the per-question response maps: one current answer
// per participant, overwritten on resubmission while the question is open,
// frozen at close.
package response

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/errors"
	"github.com/classpulse/classpulse/internal/rkey"
)

// submitScript atomically overwrites a participant's answer and keeps the
// counts hash consistent: decrement the previously counted value (dropping
// zeroed entries), set the new response, increment the new value. The open
// check lives inside the script, so a submit racing a close either commits
// fully before the close or is rejected — Redis serializes script execution.
var submitScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return {0, 'not_found'}
end
if state ~= 'open' then
	return {0, 'closed'}
end

local old = redis.call('HGET', KEYS[2], ARGV[1])
if old then
	local prev = cjson.decode(old)
	local left = redis.call('HINCRBY', KEYS[3], prev.cv, -1)
	if left <= 0 then
		redis.call('HDEL', KEYS[3], prev.cv)
	end
end

redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('HINCRBY', KEYS[3], ARGV[3], 1)
return {1, redis.call('HGETALL', KEYS[3])}
`)

// storedResponse is the hash value for one participant: timestamp, raw
// response, and the exact string it was counted under.
type storedResponse struct {
	TS   string `json:"ts"`
	Resp any    `json:"resp"`
	CV   string `json:"cv"`
}

type Config struct {
	Redis redis.UniversalClient
	// NowFunc overrides the clock, for tests.
	NowFunc func() time.Time
}

type Store struct {
	redis redis.UniversalClient
	now   func() time.Time
}

func NewStore(c Config) *Store {
	now := c.NowFunc
	if now == nil {
		now = time.Now
	}

	return &Store{
		redis: c.Redis,
		now:   now,
	}
}

// Submit records a participant's answer to an open question, replacing any
// prior answer. Returns the updated counts. The question is used for value
// validation only (options are immutable once open); openness is re-checked
// atomically inside the script.
func (s *Store) Submit(ctx context.Context, course string, q *domain.Question, pid string, value any) (map[string]int, error) {
	normalized, err := q.ValidateValue(value)
	if err != nil {
		return nil, err
	}

	sr := storedResponse{
		TS:   s.now().UTC().Format(time.RFC3339Nano),
		Resp: normalized,
		CV:   domain.CountValue(normalized),
	}
	b, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("response: marshal response: %w", err)
	}

	res, err := submitScript.Run(ctx, s.redis,
		[]string{
			rkey.QuestionMeta(course, q.ID),
			rkey.QuestionResponses(course, q.ID),
			rkey.QuestionCounts(course, q.ID),
		},
		pid, string(b), sr.CV,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("response: run submit script: %w", err)
	}

	return parseSubmitReply(q.ID, res)
}

func parseSubmitReply(qid string, res []any) (map[string]int, error) {
	if len(res) != 2 {
		return nil, fmt.Errorf("response: unexpected script reply: %v", res)
	}

	ok, _ := res[0].(int64)
	if ok != 1 {
		switch reason, _ := res[1].(string); reason {
		case "closed":
			return nil, errors.New(errors.CodeInvalidState,
				errors.WithMessagef("question %s is closed and no longer accepts answers", qid))
		default:
			return nil, errors.New(errors.CodeNotFound,
				errors.WithMessagef("question not found: %s", qid))
		}
	}

	flat, _ := res[1].([]any)
	counts := make(map[string]int, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("response: bad count for %q: %w", k, err)
		}
		counts[k] = n
	}

	return counts, nil
}

// Get returns a participant's current response, or not-found.
func (s *Store) Get(ctx context.Context, course, qid, pid string) (*domain.Response, error) {
	raw, err := s.redis.HGet(ctx, rkey.QuestionResponses(course, qid), pid).Result()
	if err == redis.Nil {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no response from %s for question %s", pid, qid))
	}
	if err != nil {
		return nil, fmt.Errorf("response: get response: %w", err)
	}

	return decodeResponse(pid, raw)
}

// All returns the full response map for a question, keyed by participant.
func (s *Store) All(ctx context.Context, course, qid string) (map[string]*domain.Response, error) {
	raw, err := s.redis.HGetAll(ctx, rkey.QuestionResponses(course, qid)).Result()
	if err != nil {
		return nil, fmt.Errorf("response: get responses: %w", err)
	}

	out := make(map[string]*domain.Response, len(raw))
	for pid, v := range raw {
		r, err := decodeResponse(pid, v)
		if err != nil {
			return nil, err
		}
		out[pid] = r
	}

	return out, nil
}

// Counts returns the raw counts hash for a question.
func (s *Store) Counts(ctx context.Context, course, qid string) (map[string]int, error) {
	raw, err := s.redis.HGetAll(ctx, rkey.QuestionCounts(course, qid)).Result()
	if err != nil {
		return nil, fmt.Errorf("response: get counts: %w", err)
	}

	counts := make(map[string]int, len(raw))
	for k, v := range raw {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("response: bad count for %q: %w", k, err)
		}
		counts[k] = n
	}

	return counts, nil
}

// Tally aggregates the current response map on demand. For mcq every option
// is present even at zero; for tf both buckets are; for numeric the raw
// response values are reported instead of buckets.
func (s *Store) Tally(ctx context.Context, course string, q *domain.Question) (*domain.Tally, error) {
	t := &domain.Tally{
		QuestionID: q.ID,
		Type:       q.Type,
	}

	if q.Type == domain.QuestionNumeric {
		all, err := s.All(ctx, course, q.ID)
		if err != nil {
			return nil, err
		}

		t.Values = make([]float64, 0, len(all))
		for _, r := range all {
			if f, ok := r.Value.(float64); ok {
				t.Values = append(t.Values, f)
			}
		}
		sort.Float64s(t.Values)
		t.Total = len(t.Values)
		return t, nil
	}

	counts, err := s.Counts(ctx, course, q.ID)
	if err != nil {
		return nil, err
	}

	zeroFill(q, counts)
	t.Counts = counts
	for _, n := range counts {
		t.Total += n
	}

	return t, nil
}

// Distribution is the tally with percentages, as shown on the instructor
// dashboard and in reveal events.
func (s *Store) Distribution(ctx context.Context, course string, q *domain.Question) (*domain.Distribution, error) {
	counts, err := s.Counts(ctx, course, q.ID)
	if err != nil {
		return nil, err
	}

	zeroFill(q, counts)

	total := 0
	for _, n := range counts {
		total += n
	}

	percentages := make(map[string]float64, len(counts))
	for k, n := range counts {
		if total > 0 {
			percentages[k] = math.Round(float64(n)/float64(total)*100*100) / 100
		} else {
			percentages[k] = 0
		}
	}

	return &domain.Distribution{
		QuestionID:  q.ID,
		Type:        q.Type,
		Counts:      counts,
		Total:       total,
		Percentages: percentages,
		Options:     q.Options,
	}, nil
}

func zeroFill(q *domain.Question, counts map[string]int) {
	switch q.Type {
	case domain.QuestionMCQ:
		for _, o := range q.Options {
			if _, ok := counts[o]; !ok {
				counts[o] = 0
			}
		}
	case domain.QuestionTF:
		for _, k := range []string{"true", "false"} {
			if _, ok := counts[k]; !ok {
				counts[k] = 0
			}
		}
	}
}

func decodeResponse(pid, raw string) (*domain.Response, error) {
	var sr storedResponse
	if err := json.Unmarshal([]byte(raw), &sr); err != nil {
		return nil, fmt.Errorf("response: unmarshal response: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, sr.TS)
	if err != nil {
		return nil, fmt.Errorf("response: parse timestamp: %w", err)
	}

	return &domain.Response{
		ParticipantID: pid,
		Timestamp:     ts.UTC(),
		Value:         sr.Resp,
	}, nil
}
