// Package session owns the lifecycle of a course's live session and its
// questions: draft -> open -> closed per question, one open question at a
// time, and archive-then-teardown on stop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/classpulse/classpulse/internal/archive"
	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/errors"
	"github.com/classpulse/classpulse/internal/event"
	"github.com/classpulse/classpulse/internal/response"
	"github.com/classpulse/classpulse/internal/rkey"
)

// Broadcaster delivers an event to the viewers of a course, in publish
// order. Satisfied by *broadcast.Hub.
type Broadcaster interface {
	Publish(course, sessionID, kind string, data any)
}

// Archiver persists the terminal snapshot of a session. StopSession relies
// on it returning only after the document is durably stored.
type Archiver interface {
	Archive(ctx context.Context, course string, sess *domain.Session) (*archive.Document, error)
}

type Config struct {
	Redis     redis.UniversalClient
	EventBus  *event.Bus
	Hub       Broadcaster
	Responses *response.Store
	Archiver  Archiver
	// NowFunc overrides the clock, for tests.
	NowFunc func() time.Time
}

type Service struct {
	redis     redis.UniversalClient
	eb        *event.Bus
	hub       Broadcaster
	responses *response.Store
	archiver  Archiver
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
		responses: c.Responses,
		archiver:  c.Archiver,
		now:       now,
	}
}

// StartSession begins a live session for a course. The session key is
// claimed first (atomically, so racing starts admit exactly one caller), then
// stale live data from a previous run is cleared. Archives are never touched.
func (s *Service) StartSession(ctx context.Context, course string) (*domain.Session, error) {
	id := uuid.NewString()
	res, err := startScript.Run(ctx, s.redis, []string{rkey.Session(course)}, id).Text()
	if err != nil {
		return nil, fmt.Errorf("session: run start script: %w", err)
	}
	if res != "ok" {
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("a session is already active for course %s", course))
	}

	if err := s.clearLiveData(ctx, course, rkey.Session(course)); err != nil {
		return nil, err
	}

	sess := &domain.Session{
		SessionID: id,
		Course:    course,
		State:     string(domain.SessionActive),
	}

	s.hub.Publish(course, id, domain.EventNameSessionStarted, map[string]any{
		"session_id": id,
	})
	s.eb.Publish(ctx, domain.EventSessionStarted{Session: *sess})

	return sess, nil
}

// GetSession returns the live session for a course, or not-found.
func (s *Service) GetSession(ctx context.Context, course string) (*domain.Session, error) {
	m, err := s.redis.HGetAll(ctx, rkey.Session(course)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: get session: %w", err)
	}
	if len(m) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no live session for course %s", course))
	}

	return domain.SessionFromMeta(course, m)
}

// CreateQuestion validates and stores a new question in draft. Fails while
// the session is not active or another question is open.
func (s *Service) CreateQuestion(ctx context.Context, course string, qtype domain.QuestionType, options []string) (*domain.Question, error) {
	if _, err := domain.ParseQuestionType(string(qtype)); err != nil {
		return nil, err
	}
	if err := domain.ValidateOptions(qtype, options); err != nil {
		return nil, err
	}

	q := &domain.Question{
		ID:      newQuestionID(s.now()),
		Type:    qtype,
		Options: options,
		State:   domain.QuestionDraft,
	}

	fields, err := q.MetaFields()
	if err != nil {
		return nil, fmt.Errorf("session: flatten question meta: %w", err)
	}

	args := make([]any, 0, 1+2*len(fields))
	args = append(args, q.ID)
	for k, v := range fields {
		args = append(args, k, v)
	}

	res, err := createScript.Run(ctx, s.redis, []string{
		rkey.Session(course),
		rkey.CurrentQID(course),
		rkey.QuestionMeta(course, q.ID),
		rkey.Questions(course),
	}, args...).Text()
	if err != nil {
		return nil, fmt.Errorf("session: run create script: %w", err)
	}

	switch res {
	case "ok":
		return q, nil
	case "no_session":
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("cannot create a question without an active session"))
	case "question_open":
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("another question is currently open"))
	default:
		return nil, fmt.Errorf("session: unexpected create reply %q", res)
	}
}

// OpenQuestion transitions a draft question to open and makes it the current
// question. The session's started_at is stamped on its first open.
func (s *Service) OpenQuestion(ctx context.Context, course, qid string) (*domain.Question, error) {
	sess, err := s.GetSession(ctx, course)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("cannot open a question without an active session"))
	}

	now := s.now().UTC().Format(time.RFC3339Nano)
	res, err := openScript.Run(ctx, s.redis, []string{
		rkey.Session(course),
		rkey.CurrentQID(course),
		rkey.QuestionMeta(course, qid),
	}, qid, now).Text()
	if err != nil {
		return nil, fmt.Errorf("session: run open script: %w", err)
	}

	switch res {
	case "ok":
	case "not_found":
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("question not found: %s", qid))
	case "not_draft":
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("question %s is not in draft", qid))
	case "question_open":
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("another question is currently open"))
	case "no_session":
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("cannot open a question without an active session"))
	default:
		return nil, fmt.Errorf("session: unexpected open reply %q", res)
	}

	q, err := s.GetQuestion(ctx, course, qid)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"question_id": q.ID,
		"type":        q.Type,
	}
	if len(q.Options) > 0 {
		data["options"] = q.Options
	}
	s.hub.Publish(course, sess.SessionID, domain.EventNameQuestionOpened, data)
	s.eb.Publish(ctx, domain.EventQuestionOpened{Course: course, Question: *q})

	return q, nil
}

// CloseQuestion transitions an open question to closed. Closing is terminal:
// a second close fails, and no submit observed after the script commits can
// reach the response map.
func (s *Service) CloseQuestion(ctx context.Context, course, qid string) (*domain.Question, error) {
	sess, err := s.GetSession(ctx, course)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("no active session for course %s", course))
	}

	if err := s.closeQuestion(ctx, course, sess.SessionID, qid); err != nil {
		return nil, err
	}

	return s.GetQuestion(ctx, course, qid)
}

func (s *Service) closeQuestion(ctx context.Context, course, sessionID, qid string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	res, err := closeScript.Run(ctx, s.redis, []string{
		rkey.CurrentQID(course),
		rkey.QuestionMeta(course, qid),
	}, qid, now).Text()
	if err != nil {
		return fmt.Errorf("session: run close script: %w", err)
	}

	switch res {
	case "ok":
	case "not_found":
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("question not found: %s", qid))
	case "not_open":
		return errors.New(errors.CodeInvalidState,
			errors.WithMessagef("question %s is not open", qid))
	default:
		return fmt.Errorf("session: unexpected close reply %q", res)
	}

	s.hub.Publish(course, sessionID, domain.EventNameQuestionClosed, map[string]any{
		"question_id": qid,
	})
	s.eb.Publish(ctx, domain.EventQuestionClosed{Course: course, QuestionID: qid})

	return nil
}

// SetReveal toggles whether the tally is visible to students. Valid while
// the question is open or closed. Turning it on carries the distribution.
func (s *Service) SetReveal(ctx context.Context, course, qid string, reveal bool) (*domain.Question, error) {
	sess, err := s.GetSession(ctx, course)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("no active session for course %s", course))
	}

	flag := "0"
	if reveal {
		flag = "1"
	}
	now := s.now().UTC().Format(time.RFC3339Nano)

	res, err := revealScript.Run(ctx, s.redis,
		[]string{rkey.QuestionMeta(course, qid)}, flag, now).Text()
	if err != nil {
		return nil, fmt.Errorf("session: run reveal script: %w", err)
	}

	switch res {
	case "ok":
	case "not_found":
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("question not found: %s", qid))
	case "draft":
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("question %s has not been opened", qid))
	default:
		return nil, fmt.Errorf("session: unexpected reveal reply %q", res)
	}

	q, err := s.GetQuestion(ctx, course, qid)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"question_id": qid,
		"reveal":      reveal,
	}
	var dist *domain.Distribution
	if reveal {
		if dist, err = s.responses.Distribution(ctx, course, q); err != nil {
			return nil, err
		}
		data["distribution"] = dist
	}

	s.hub.Publish(course, sess.SessionID, domain.EventNameRevealChanged, data)
	s.eb.Publish(ctx, domain.EventRevealChanged{
		Course:       course,
		QuestionID:   qid,
		Reveal:       reveal,
		Distribution: dist,
	})

	return q, nil
}

// SubmitResponse records a participant's answer to a question of the live
// session and broadcasts the updated tally. Rejections (closed question,
// wrong value shape) surface as coded errors, never silently.
func (s *Service) SubmitResponse(ctx context.Context, course, pid, qid string, value any) (map[string]int, error) {
	sess, err := s.GetSession(ctx, course)
	if err != nil {
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("no active session for course %s", course))
	}

	q, err := s.GetQuestion(ctx, course, qid)
	if err != nil {
		return nil, err
	}

	counts, err := s.responses.Submit(ctx, course, q, pid, value)
	if err != nil {
		return nil, err
	}

	s.hub.Publish(course, sess.SessionID, domain.EventNameTallyUpdated, map[string]any{
		"question_id": qid,
		"counts":      counts,
	})
	s.eb.Publish(ctx, domain.EventTallyUpdated{
		Course:     course,
		QuestionID: qid,
		Counts:     counts,
	})

	return counts, nil
}

// StopSession ends the live session: the session is claimed for stopping
// (atomically, so a racing stop is refused and a session can never produce
// two archives), any still-open question is closed, the archive is written
// durably, and only then is live state torn down. On archive failure the
// claim is released and the session stays active so the instructor can
// retry.
func (s *Service) StopSession(ctx context.Context, course string) (*archive.Document, error) {
	res, err := stopClaimScript.Run(ctx, s.redis, []string{rkey.Session(course)}).Text()
	if err != nil {
		return nil, fmt.Errorf("session: run stop claim script: %w", err)
	}
	if res != "ok" {
		return nil, errors.New(errors.CodeInvalidState,
			errors.WithMessagef("no active session for course %s", course))
	}

	doc, err := s.stopClaimed(ctx, course)
	if err != nil {
		if _, rerr := stopReleaseScript.Run(ctx, s.redis, []string{rkey.Session(course)}).Result(); rerr != nil {
			slog.ErrorContext(ctx, "session: release stop claim failed",
				"course", course, "error", rerr)
		}
		return nil, err
	}

	return doc, nil
}

// stopClaimed runs the stop sequence after the claim is held. Any error
// leaves the live state intact for the caller to roll the claim back.
func (s *Service) stopClaimed(ctx context.Context, course string) (*archive.Document, error) {
	sess, err := s.GetSession(ctx, course)
	if err != nil {
		return nil, err
	}

	// Auto-close a forgotten open poll rather than refusing to end class.
	if qid, err := s.currentQID(ctx, course); err != nil {
		return nil, err
	} else if qid != "" {
		if err := s.closeQuestion(ctx, course, sess.SessionID, qid); err != nil {
			return nil, err
		}
		// Re-read for started_at stamped by the first question open.
		if sess, err = s.GetSession(ctx, course); err != nil {
			return nil, err
		}
	}

	doc, err := s.archiver.Archive(ctx, course, sess)
	if err != nil {
		return nil, fmt.Errorf("session: archive session: %w", err)
	}

	if err := s.clearLiveData(ctx, course); err != nil {
		return nil, err
	}

	s.hub.Publish(course, sess.SessionID, domain.EventNameSessionStopped, map[string]any{
		"session_id": sess.SessionID,
		"archive_id": doc.SessionID,
	})
	s.eb.Publish(ctx, domain.EventSessionStopped{
		Course:    course,
		SessionID: sess.SessionID,
		ArchiveID: doc.SessionID,
	})

	return doc, nil
}

// GetQuestion returns a question of the live session, or not-found.
func (s *Service) GetQuestion(ctx context.Context, course, qid string) (*domain.Question, error) {
	m, err := s.redis.HGetAll(ctx, rkey.QuestionMeta(course, qid)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: get question meta: %w", err)
	}
	if len(m) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("question not found: %s", qid))
	}

	return domain.QuestionFromMeta(m)
}

// GetResponse returns a participant's current answer to a question.
func (s *Service) GetResponse(ctx context.Context, course, qid, pid string) (*domain.Response, error) {
	if _, err := s.GetQuestion(ctx, course, qid); err != nil {
		return nil, err
	}

	return s.responses.Get(ctx, course, qid, pid)
}

// QuestionDistribution aggregates a question's responses into counts and
// percentages.
func (s *Service) QuestionDistribution(ctx context.Context, course, qid string) (*domain.Distribution, error) {
	q, err := s.GetQuestion(ctx, course, qid)
	if err != nil {
		return nil, err
	}

	return s.responses.Distribution(ctx, course, q)
}

// CurrentQuestion returns the currently open question, or not-found.
func (s *Service) CurrentQuestion(ctx context.Context, course string) (*domain.Question, error) {
	qid, err := s.currentQID(ctx, course)
	if err != nil {
		return nil, err
	}
	if qid == "" {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("no open question for course %s", course))
	}

	return s.GetQuestion(ctx, course, qid)
}

// Snapshot projects the course's current session, open question, and tally
// for a viewer joining mid-session.
func (s *Service) Snapshot(ctx context.Context, course string) (string, *domain.Snapshot, error) {
	snap := &domain.Snapshot{}

	sess, err := s.GetSession(ctx, course)
	if errors.IsCode(err, errors.CodeNotFound) {
		return "", snap, nil
	}
	if err != nil {
		return "", nil, err
	}
	snap.Session = sess

	qid, err := s.currentQID(ctx, course)
	if err != nil {
		return "", nil, err
	}
	if qid != "" {
		q, err := s.GetQuestion(ctx, course, qid)
		if err != nil {
			return "", nil, err
		}
		snap.Question = q

		if snap.Tally, err = s.responses.Tally(ctx, course, q); err != nil {
			return "", nil, err
		}
	}

	return sess.SessionID, snap, nil
}

func (s *Service) currentQID(ctx context.Context, course string) (string, error) {
	qid, err := s.redis.Get(ctx, rkey.CurrentQID(course)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: get current question id: %w", err)
	}

	return qid, nil
}

// clearLiveData deletes all live keys for a course, except any listed in
// keep. Archive keys are kept regardless; they outlive the session until
// their TTL expires.
func (s *Service) clearLiveData(ctx context.Context, course string, keep ...string) error {
	archivePrefix := strings.TrimSuffix(rkey.ArchivePattern(course), "*")

	kept := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		kept[k] = struct{}{}
	}

	iter := s.redis.Scan(ctx, 0, fmt.Sprintf("course:%s:*", course), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if _, ok := kept[key]; ok {
			continue
		}
		if strings.HasPrefix(key, archivePrefix) {
			continue
		}
		if err := s.redis.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("session: clear live data: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("session: scan live keys: %w", err)
	}

	return nil
}

func newQuestionID(now time.Time) string {
	return fmt.Sprintf("q-%d-%s", now.Unix(), uuid.NewString()[:8])
}
