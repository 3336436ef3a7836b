package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/classpulse/classpulse/internal/api"
	"github.com/classpulse/classpulse/internal/archive"
	"github.com/classpulse/classpulse/internal/ask"
	"github.com/classpulse/classpulse/internal/broadcast"
	"github.com/classpulse/classpulse/internal/event"
	"github.com/classpulse/classpulse/internal/identity"
	"github.com/classpulse/classpulse/internal/ratelimit"
	"github.com/classpulse/classpulse/internal/response"
	"github.com/classpulse/classpulse/internal/session"
	"github.com/classpulse/classpulse/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Addrs []string
		Pass  string
	}

	Auth struct {
		SecretKey string
		TokenTTL  time.Duration
	}

	Stream struct {
		BufferSize int
	}

	Ask struct {
		RateLimit       int
		RateLimitWindow time.Duration
		MaxLength       int
	}

	Archive struct {
		TTL time.Duration
	}

	Courses map[string]struct {
		Name   string
		Secret string
	}
}

// DefaultConfig returns the config defaults; file and environment values
// override them.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.Redis.Addrs = []string{"localhost:6379"}
	c.Stream.BufferSize = 64
	c.Ask.RateLimit = 1
	c.Ask.RateLimitWindow = 10 * time.Second
	c.Ask.MaxLength = 1000
	c.Archive.TTL = 30 * time.Minute
	return c
}

type Server struct {
	c Config

	eb  *event.Bus
	hub *broadcast.Hub

	infra struct {
		redis redis.UniversalClient
	}

	service struct {
		resolver  *identity.Resolver
		responses *response.Store
		archives  *archive.Archiver
		session   *session.Service
		ask       *ask.Service
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()
	s.hub = broadcast.NewHub(broadcast.Config{BufferSize: c.Stream.BufferSize})

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initService() {
	s.service.resolver = identity.NewResolver(identity.Config{
		SecretKey: s.c.Auth.SecretKey,
		TTL:       s.c.Auth.TokenTTL,
	})

	s.service.responses = response.NewStore(response.Config{
		Redis: s.infra.redis,
	})

	s.service.archives = archive.NewArchiver(archive.Config{
		Redis:     s.infra.redis,
		Responses: s.service.responses,
		TTL:       s.c.Archive.TTL,
	})

	s.service.session = session.NewService(session.Config{
		Redis:     s.infra.redis,
		EventBus:  s.eb,
		Hub:       s.hub,
		Responses: s.service.responses,
		Archiver:  s.service.archives,
	})

	s.service.ask = ask.NewService(ask.Config{
		Redis:    s.infra.redis,
		EventBus: s.eb,
		Hub:      s.hub,
		Limiter: ratelimit.NewLimiter(ratelimit.Config{
			Redis:  s.infra.redis,
			Limit:  s.c.Ask.RateLimit,
			Window: s.c.Ask.RateLimitWindow,
		}),
		Sessions:  s.service.session,
		MaxLength: s.c.Ask.MaxLength,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	courses := make(map[string]api.Course, len(s.c.Courses))
	for slug, c := range s.c.Courses {
		courses[slug] = api.Course{Name: c.Name, Secret: c.Secret}
	}

	api.New(api.Config{
		Engine:   e,
		EventBus: s.eb,
		Redis:    s.infra.redis,
		Resolver: s.service.resolver,
		Hub:      s.hub,
		Session:  s.service.session,
		Ask:      s.service.ask,
		Archives: s.service.archives,
		Courses:  courses,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	slog.InfoContext(ctx, "server: shutdown completed")
}
