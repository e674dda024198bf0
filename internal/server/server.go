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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/bimillog/internal/api"
	"github.com/victornm/bimillog/internal/domain"
	"github.com/victornm/bimillog/internal/event"
	"github.com/victornm/bimillog/internal/notify"
	"github.com/victornm/bimillog/internal/push"
	"github.com/victornm/bimillog/internal/rank"
	"github.com/victornm/bimillog/internal/score"
	"github.com/victornm/bimillog/internal/storage"
	"github.com/victornm/bimillog/internal/stream"
	"github.com/victornm/bimillog/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Addrs  []string
		Pass   string
		Prefix string
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Rank struct {
		RefreshInterval time.Duration
		DecayFactor     float64
		Floor           float64
		RealtimeSize    int
		WeeklySize      int
		LegendThreshold int64
		WeeklyWindow    time.Duration
	}

	Notify struct {
		AdminUserIDs   []int64
		IdempotencyTTL time.Duration
	}

	Push struct {
		Endpoint    string
		Key         string
		SendTimeout time.Duration
		QueueSize   int
		Workers     int
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
	}

	store    *storage.Postgres
	registry *stream.Registry

	service struct {
		rank   *rank.Service
		notify *notify.Service
		push   *push.Dispatcher
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Addrs,
		Password: s.c.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return err
	}

	s.infra.redis = r
	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s",
		s.c.Postgres.User, s.c.Postgres.Pass, s.c.Postgres.Addr, s.c.Postgres.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() {
	s.store = storage.NewPostgres(s.infra.postgres)
	s.registry = stream.NewRegistry()

	scoreStore := score.NewStore(score.Config{
		Categories: []domain.Category{domain.CategoryRealtime},
	})

	s.service.rank = rank.NewService(rank.Config{
		EventBus:        s.eb,
		Store:           scoreStore,
		Storage:         s.store,
		RefreshInterval: s.c.Rank.RefreshInterval,
		DecayFactor:     defaultFloat(s.c.Rank.DecayFactor, 0.95),
		Floor:           defaultFloat(s.c.Rank.Floor, 1.0),
		RealtimeSize:    defaultInt(s.c.Rank.RealtimeSize, 20),
		WeeklySize:      defaultInt(s.c.Rank.WeeklySize, 20),
		LegendThreshold: defaultInt64(s.c.Rank.LegendThreshold, 20),
		WeeklyWindow:    s.c.Rank.WeeklyWindow,
		Weights:         rank.DefaultWeights(),
	})

	s.service.push = push.NewDispatcher(push.Config{
		Gateway: &push.HTTPGateway{
			Endpoint: s.c.Push.Endpoint,
			Key:      s.c.Push.Key,
		},
		Tokens:      s.store,
		QueueSize:   s.c.Push.QueueSize,
		Workers:     s.c.Push.Workers,
		SendTimeout: s.c.Push.SendTimeout,
	})

	s.service.notify = notify.NewService(notify.Config{
		EventBus:       s.eb,
		Storage:        s.store,
		Registry:       s.registry,
		Pusher:         s.service.push,
		Redis:          s.infra.redis,
		Prefix:         s.c.Redis.Prefix,
		IdempotencyTTL: s.c.Notify.IdempotencyTTL,
		AdminUserIDs:   s.c.Notify.AdminUserIDs,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery(), telemetry.HTTPLogger())

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Rank:         s.service.rank,
		Notify:       s.service.notify,
		Registry:     s.registry,
		Interactions: s.store,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	s.service.rank.Start()

	slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.rank.Stop()
	s.eb.Stop()
	s.service.push.Stop()

	slog.InfoContext(ctx, "server: shutdown completed")
}

func defaultFloat(v, d float64) float64 {
	if v == 0 {
		return d
	}
	return v
}

func defaultInt(v, d int) int {
	if v == 0 {
		return d
	}
	return v
}

func defaultInt64(v, d int64) int64 {
	if v == 0 {
		return d
	}
	return v
}
