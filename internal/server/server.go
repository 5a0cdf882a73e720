package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/Research-as-a-Code/Research-as-a-Code/config"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/rag"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/research"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/research/sources"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/store"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/strategy"
	"github.com/Research-as-a-Code/Research-as-a-Code/internal/telemetry"
	"github.com/Research-as-a-Code/Research-as-a-Code/provider"
)

// Run wires every collaborator, migrates the database and serves the API on
// addr (falling back to the configured address) until the listener fails.
func Run(cfg *config.Config, addr string) error {
	e := newEcho(cfg)

	ctx := context.Background()
	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed (%s:%s): %w", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port, err)
	}

	stack, err := BuildResearchStack(cfg, rdb)
	if err != nil {
		return err
	}

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}
	registerRoutes(e, cfg, st, stack, []byte(secret))

	sched := &Scheduler{
		Store:    st,
		Research: stack.Service,
		Rdb:      rdb,
		Stop:     make(chan struct{}),
		Timeout:  runBudget(cfg),
	}
	sched.Start()

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newEcho builds the echo instance with recovery, CORS, the unified error
// handler and the operational endpoints.
func newEcho(cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	registerDocs(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	return e
}

func registerRoutes(e *echo.Echo, cfg *config.Config, st *store.Store, stack *ResearchStack, secret []byte) {
	api := e.Group("/api")

	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))
	api.GET("/me", auth.me, authMiddleware(secret))

	topics := api.Group("/topics", authMiddleware(secret))
	th := &TopicsHandler{Store: st}
	th.Register(topics)
	rh := NewRunsHandler(cfg, st, stack.Service)
	rh.Register(topics)

	res := api.Group("/research")
	if cfg == nil || cfg.Server.AuthRequired {
		res.Use(authMiddleware(secret))
	}
	NewResearchHandler(st, stack.Service).Register(res)

	ch := &CapabilitiesHandler{Registry: stack.Registry}
	ch.Register(api.Group("/capabilities", authMiddleware(secret)))
	NewOpsHandler(stack.Telemetry).Register(api.Group("/ops", authMiddleware(secret)))
}

// ResearchStack bundles the wired research service with the collaborators
// the API surfaces directly.
type ResearchStack struct {
	Service   Researcher
	Registry  *strategy.Registry
	Telemetry *telemetry.Telemetry
}

// BuildResearchStack assembles the full research stack from config: the LLM
// provider, capability bindings, strategy registry, policy enforcer, compiler
// and runner. rdb backs the search cache and the run event stream; it may be
// nil.
func BuildResearchStack(cfg *config.Config, rdb *redis.Client) (*ResearchStack, error) {
	llm, err := provider.NewLLMProvider(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}
	tel := telemetry.NewTelemetry(cfg.Telemetry)

	ragMgr := rag.NewManager(cfg.RAG)
	web, err := sources.NewClient(cfg.Search, rdb)
	if err != nil {
		return nil, fmt.Errorf("search client: %w", err)
	}
	tools := research.NewTools(cfg, llm, ragMgr, web, tel)

	registry, err := strategy.NewRegistry(strategy.DefaultCards(), "", nil)
	if err != nil {
		return nil, fmt.Errorf("capability registry: %w", err)
	}
	policy, err := strategy.LoadExecPolicy(cfg)
	if err != nil {
		return nil, fmt.Errorf("exec policy: %w", err)
	}
	executor := strategy.NewExecutor(tools, registry, strategy.NewEnforcer(policy))
	compiler := strategy.NewCompiler(llm, cfg.LLM.Routing.Compilation, cfg.Strategy.MaxSteps)
	runner := strategy.NewRunner(compiler, executor)

	publisher := research.NewPublisher(rdb, cfg.Research.LogStream)
	svc := research.NewService(cfg, llm, tools, runner, tel, publisher)
	return &ResearchStack{Service: svc, Registry: registry, Telemetry: tel}, nil
}
