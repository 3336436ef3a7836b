// Package api is the HTTP surface: auth token issuing, instructor session
// controls, student response submission, the live SSE stream, and archive
// downloads.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/classpulse/classpulse/internal/archive"
	"github.com/classpulse/classpulse/internal/ask"
	"github.com/classpulse/classpulse/internal/broadcast"
	"github.com/classpulse/classpulse/internal/domain"
	"github.com/classpulse/classpulse/internal/errors"
	"github.com/classpulse/classpulse/internal/event"
	"github.com/classpulse/classpulse/internal/identity"
	"github.com/classpulse/classpulse/internal/session"
)

// Course is a registered course: students join by slug, instructors log in
// with the shared secret.
type Course struct {
	Name   string
	Secret string
}

type Config struct {
	Engine   *gin.Engine
	EventBus *event.Bus
	Redis    Redis

	Resolver *identity.Resolver
	Hub      *broadcast.Hub
	Session  *session.Service
	Ask      *ask.Service
	Archives *archive.Archiver

	Courses map[string]Course
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	resolver *identity.Resolver
	hub      *broadcast.Hub
	qss      *session.Service
	ask      *ask.Service
	archives *archive.Archiver

	redis   Redis
	courses map[string]Course
}

func New(c Config) *API {
	a := &API{
		resolver: c.Resolver,
		hub:      c.Hub,
		qss:      c.Session,
		ask:      c.Ask,
		archives: c.Archives,
		redis:    c.Redis,
		courses:  c.Courses,
	}

	// HTTP APIs
	r := c.Engine.Group("/api")
	r.POST("/login", a.Login)
	r.POST("/join", a.Join)

	authed := r.Group("", a.authenticate)
	authed.GET("/session", a.GetSession)
	authed.GET("/stream", a.Stream)

	instructor := authed.Group("", requireRole(identity.RoleInstructor))
	instructor.POST("/session/start", a.StartSession)
	instructor.POST("/session/stop", a.StopSession)
	instructor.POST("/questions", a.CreateQuestion)
	instructor.POST("/questions/:id/open", a.OpenQuestion)
	instructor.POST("/questions/:id/close", a.CloseQuestion)
	instructor.POST("/questions/:id/reveal", a.SetReveal)
	instructor.GET("/questions/:id/distribution", a.GetDistribution)
	instructor.GET("/archives", a.ListArchives)
	instructor.GET("/archives/:id", a.DownloadArchive)
	instructor.GET("/ask", a.ListAskQuestions)
	instructor.DELETE("/ask/:id", a.DismissAskQuestion)

	student := authed.Group("", requireRole(identity.RoleStudent))
	student.POST("/questions/:id/responses", a.SubmitResponse)
	student.GET("/questions/:id/responses/me", a.GetOwnResponse)
	student.GET("/questions/:id/results", a.GetResults)
	student.POST("/ask", a.SubmitAskQuestion)

	// Register event handlers
	for _, name := range []string{
		domain.EventNameSessionStarted,
		domain.EventNameSessionStopped,
		domain.EventNameQuestionOpened,
		domain.EventNameQuestionClosed,
		domain.EventNameTallyUpdated,
		domain.EventNameRevealChanged,
		domain.EventNameNewQuestion,
	} {
		c.EventBus.Subscribe(name, a.MirrorEvent)
	}

	return a
}

type (
	LoginRequest struct {
		Course string `json:"course"`
		Secret string `json:"secret"`
	}

	JoinRequest struct {
		Course string `json:"course"`
		PID    string `json:"pid"`
	}

	TokenResponse struct {
		Token  string `json:"token"`
		Course string `json:"course"`
		Name   string `json:"name"`
		Role   string `json:"role"`
	}
)

// Login authenticates an instructor by course secret and issues a token.
func (a *API) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid request body"), errors.WithCause(err)))
		return
	}

	course, ok := a.courses[req.Course]
	if !ok || subtle.ConstantTimeCompare([]byte(course.Secret), []byte(req.Secret)) != 1 {
		abortError(c, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("invalid course or secret")))
		return
	}

	token, err := a.resolver.Issue(identity.Identity{
		Course:        req.Course,
		ParticipantID: "instructor",
		Role:          identity.RoleInstructor,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		Token:  token,
		Course: req.Course,
		Name:   course.Name,
		Role:   string(identity.RoleInstructor),
	})
}

// Join issues a student token for a course. The participant id is
// self-asserted but shape-checked.
func (a *API) Join(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid request body"), errors.WithCause(err)))
		return
	}

	course, ok := a.courses[req.Course]
	if !ok {
		abortError(c, errors.New(errors.CodeNotFound,
			errors.WithMessagef("unknown course: %s", req.Course)))
		return
	}
	if !identity.ValidPID(req.PID) {
		abortError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid participant id")))
		return
	}

	token, err := a.resolver.Issue(identity.Identity{
		Course:        req.Course,
		ParticipantID: req.PID,
		Role:          identity.RoleStudent,
	})
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		Token:  token,
		Course: req.Course,
		Name:   course.Name,
		Role:   string(identity.RoleStudent),
	})
}

func (a *API) GetSession(c *gin.Context) {
	sess, err := a.qss.GetSession(c.Request.Context(), mustIdentity(c).Course)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, sess)
}

func (a *API) StartSession(c *gin.Context) {
	sess, err := a.qss.StartSession(c.Request.Context(), mustIdentity(c).Course)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, sess)
}

func (a *API) StopSession(c *gin.Context) {
	doc, err := a.qss.StopSession(c.Request.Context(), mustIdentity(c).Course)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"archive_id":     doc.SessionID,
		"question_count": len(doc.Questions),
	})
}

type CreateQuestionRequest struct {
	Type    string   `json:"type"`
	Options []string `json:"options"`
}

func (a *API) CreateQuestion(c *gin.Context) {
	var req CreateQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid request body"), errors.WithCause(err)))
		return
	}

	q, err := a.qss.CreateQuestion(c.Request.Context(), mustIdentity(c).Course,
		domain.QuestionType(req.Type), req.Options)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, q)
}

func (a *API) OpenQuestion(c *gin.Context) {
	q, err := a.qss.OpenQuestion(c.Request.Context(), mustIdentity(c).Course, c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, q)
}

func (a *API) CloseQuestion(c *gin.Context) {
	q, err := a.qss.CloseQuestion(c.Request.Context(), mustIdentity(c).Course, c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, q)
}

type SetRevealRequest struct {
	Reveal bool `json:"reveal"`
}

func (a *API) SetReveal(c *gin.Context) {
	var req SetRevealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid request body"), errors.WithCause(err)))
		return
	}

	q, err := a.qss.SetReveal(c.Request.Context(), mustIdentity(c).Course, c.Param("id"), req.Reveal)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, q)
}

func (a *API) GetDistribution(c *gin.Context) {
	id := mustIdentity(c)

	dist, err := a.qss.QuestionDistribution(c.Request.Context(), id.Course, c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, dist)
}

type SubmitResponseRequest struct {
	Value any `json:"value"`
}

func (a *API) SubmitResponse(c *gin.Context) {
	var req SubmitResponseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid request body"), errors.WithCause(err)))
		return
	}

	id := mustIdentity(c)
	counts, err := a.qss.SubmitResponse(c.Request.Context(), id.Course, id.ParticipantID, c.Param("id"), req.Value)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"question_id": c.Param("id"),
		"counts":      counts,
	})
}

func (a *API) GetOwnResponse(c *gin.Context) {
	id := mustIdentity(c)

	resp, err := a.qss.GetResponse(c.Request.Context(), id.Course, c.Param("id"), id.ParticipantID)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetResults serves the tally distribution to students, but only once the
// instructor has revealed it.
func (a *API) GetResults(c *gin.Context) {
	id := mustIdentity(c)

	q, err := a.qss.GetQuestion(c.Request.Context(), id.Course, c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}
	if !q.Reveal {
		abortError(c, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("results for question %s are not revealed", q.ID)))
		return
	}

	dist, err := a.qss.QuestionDistribution(c.Request.Context(), id.Course, q.ID)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, dist)
}

func (a *API) ListArchives(c *gin.Context) {
	summaries, err := a.archives.List(c.Request.Context(), mustIdentity(c).Course)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"archives": summaries})
}

func (a *API) DownloadArchive(c *gin.Context) {
	doc, err := a.archives.Retrieve(c.Request.Context(), mustIdentity(c).Course, c.Param("id"))
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, doc)
}

type SubmitAskQuestionRequest struct {
	Question string `json:"question"`
}

func (a *API) SubmitAskQuestion(c *gin.Context) {
	var req SubmitAskQuestionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("invalid request body"), errors.WithCause(err)))
		return
	}

	id := mustIdentity(c)
	q, err := a.ask.Submit(c.Request.Context(), id.Course, id.ParticipantID, req.Question)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, q)
}

func (a *API) ListAskQuestions(c *gin.Context) {
	questions, err := a.ask.List(c.Request.Context(), mustIdentity(c).Course)
	if err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"questions": questions})
}

func (a *API) DismissAskQuestion(c *gin.Context) {
	if err := a.ask.Dismiss(c.Request.Context(), mustIdentity(c).Course, c.Param("id")); err != nil {
		abortError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dismissed": c.Param("id")})
}

func abortError(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c.Request.Context(), "api: internal error", "error", e)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{
		"code":    e.Code.String(),
		"message": e.Message,
	})
}
