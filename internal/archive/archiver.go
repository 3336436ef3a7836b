// Package archive turns a stopped session into an immutable JSON document
// held in a retention-backed store until its TTL elapses.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/errors"
	"github.com/classpulse/classpulse/internal/response"
	"github.com/classpulse/classpulse/internal/rkey"
)

// Document is the exported snapshot of a stopped session. Field set and
// order are part of the download format.
type Document struct {
	SessionID string           `json:"session_id"`
	StartedAt *time.Time       `json:"started_at"`
	StoppedAt time.Time        `json:"stopped_at"`
	Questions []QuestionExport `json:"questions"`
}

type QuestionExport struct {
	QuestionID string                    `json:"question_id"`
	Type       domain.QuestionType       `json:"type"`
	Options    []string                  `json:"options,omitempty"`
	StartedAt  *time.Time                `json:"started_at"`
	EndedAt    *time.Time                `json:"ended_at"`
	Responses  map[string]ResponseExport `json:"responses"`
}

type ResponseExport struct {
	Timestamp time.Time `json:"timestamp"`
	Response  any       `json:"response"`
}

// Summary is the archive listing entry: metadata only.
type Summary struct {
	SessionID     string     `json:"session_id"`
	StartedAt     *time.Time `json:"started_at"`
	StoppedAt     time.Time  `json:"stopped_at"`
	QuestionCount int        `json:"question_count"`
}

type Config struct {
	Redis     redis.UniversalClient
	Responses *response.Store
	// TTL is the retention window; after it the document is purged.
	TTL time.Duration
	// NowFunc overrides the clock, for tests.
	NowFunc func() time.Time
}

type Archiver struct {
	redis     redis.UniversalClient
	responses *response.Store
	ttl       time.Duration
	now       func() time.Time
}

func NewArchiver(c Config) *Archiver {
	now := c.NowFunc
	if now == nil {
		now = time.Now
	}

	return &Archiver{
		redis:     c.Redis,
		responses: c.Responses,
		ttl:       c.TTL,
		now:       now,
	}
}

// NewID derives an archive identifier. The "arch-" shape keeps it disjoint
// from live session ids.
func (a *Archiver) NewID() string {
	return fmt.Sprintf("arch-%d-%s", a.now().Unix(), uuid.NewString()[:8])
}

// Archive snapshots the session's full question/response history and writes
// the document with the retention TTL in a single SET. The caller (session
// stop) must not tear down live state unless this returns nil.
func (a *Archiver) Archive(ctx context.Context, course string, session *domain.Session) (*Document, error) {
	doc := &Document{
		SessionID: a.NewID(),
		StartedAt: session.StartedAt,
		StoppedAt: a.now().UTC(),
	}

	qids, err := a.redis.LRange(ctx, rkey.Questions(course), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("archive: list questions: %w", err)
	}

	doc.Questions = make([]QuestionExport, 0, len(qids))
	for _, qid := range qids {
		meta, err := a.redis.HGetAll(ctx, rkey.QuestionMeta(course, qid)).Result()
		if err != nil {
			return nil, fmt.Errorf("archive: get question meta %s: %w", qid, err)
		}
		if len(meta) == 0 {
			continue
		}

		q, err := domain.QuestionFromMeta(meta)
		if err != nil {
			return nil, fmt.Errorf("archive: parse question meta %s: %w", qid, err)
		}

		all, err := a.responses.All(ctx, course, qid)
		if err != nil {
			return nil, fmt.Errorf("archive: read responses %s: %w", qid, err)
		}

		responses := make(map[string]ResponseExport, len(all))
		for pid, r := range all {
			responses[pid] = ResponseExport{
				Timestamp: r.Timestamp,
				Response:  r.Value,
			}
		}

		doc.Questions = append(doc.Questions, QuestionExport{
			QuestionID: q.ID,
			Type:       q.Type,
			Options:    q.Options,
			StartedAt:  q.StartedAt,
			EndedAt:    q.EndedAt,
			Responses:  responses,
		})
	}

	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("archive: marshal document: %w", err)
	}

	if err := a.redis.Set(ctx, rkey.Archive(course, doc.SessionID), b, a.ttl).Err(); err != nil {
		return nil, fmt.Errorf("archive: store document: %w", err)
	}

	return doc, nil
}

// Retrieve returns an archived document, or not-found once its retention
// window has elapsed.
func (a *Archiver) Retrieve(ctx context.Context, course, id string) (*Document, error) {
	raw, err := a.redis.Get(ctx, rkey.Archive(course, id)).Bytes()
	if err == redis.Nil {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("archive not found: %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("archive: get document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("archive: unmarshal document: %w", err)
	}

	return &doc, nil
}

// List returns archive summaries for a course, most recently stopped first.
func (a *Archiver) List(ctx context.Context, course string) ([]Summary, error) {
	var summaries []Summary

	iter := a.redis.Scan(ctx, 0, rkey.ArchivePattern(course), 100).Iterator()
	for iter.Next(ctx) {
		raw, err := a.redis.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("archive: get document: %w", err)
		}

		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("archive: unmarshal document: %w", err)
		}

		summaries = append(summaries, Summary{
			SessionID:     doc.SessionID,
			StartedAt:     doc.StartedAt,
			StoppedAt:     doc.StoppedAt,
			QuestionCount: len(doc.Questions),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("archive: scan archives: %w", err)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StoppedAt.After(summaries[j].StoppedAt)
	})

	return summaries, nil
}
