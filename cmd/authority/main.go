package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/RedRooEnergy/authority-engine/pkg/auth"
	"github.com/RedRooEnergy/authority-engine/pkg/decisionbus"
	"github.com/RedRooEnergy/authority-engine/pkg/delegation"
	"github.com/RedRooEnergy/authority-engine/pkg/enforce"
	"github.com/RedRooEnergy/authority-engine/pkg/export"
	"github.com/RedRooEnergy/authority-engine/pkg/guard"
	"github.com/RedRooEnergy/authority-engine/pkg/hardening"
	"github.com/RedRooEnergy/authority-engine/pkg/httpx"
	"github.com/RedRooEnergy/authority-engine/pkg/metrics"
	"github.com/RedRooEnergy/authority-engine/pkg/policystore"
	"github.com/RedRooEnergy/authority-engine/pkg/ratelimit"
	"github.com/RedRooEnergy/authority-engine/pkg/shadoweval"
	"github.com/RedRooEnergy/authority-engine/pkg/shadowmetrics"
	"github.com/RedRooEnergy/authority-engine/pkg/shadowstore"
	"github.com/RedRooEnergy/authority-engine/pkg/store"
	"github.com/RedRooEnergy/authority-engine/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

type authorityDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Flags gate the operational surfaces. A disabled surface refuses to run
// instead of answering with an empty result.
type Flags struct {
	MetricsJob bool
	ExportJob  bool
	GuardJob   bool
}

type Server struct {
	Svc          *enforce.Service
	Policies     *policystore.Store
	Delegations  *delegation.Store
	Shadow       *shadowstore.Store
	Enforcements *enforce.DecisionStore
	Control      *enforce.ControlStore
	Aggregator   *shadowmetrics.Aggregator
	Exporter     *export.Exporter
	GuardReports *guard.ReportStore
	Registry     *metrics.Registry
	AuthMode     string
	Flags        Flags
	Logf         func(format string, args ...any)
	Now          func() time.Time
}

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (authorityDB, func(), error)
	openRedisFn     func(context.Context) (*redis.Client, error)
	listenFn        func(*http.Server) error
)

func main() {
	if err := runAuthority(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("authority: %v", err)
	}
}

func runAuthority(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (authorityDB, func(), error),
	openRedis func(context.Context) (*redis.Client, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (authorityDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if openRedis == nil {
		openRedis = store.NewRedis
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "authority")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	authMode := env("AUTH_MODE", "hs256")
	authSecret := env("AUTH_HS256_SECRET", "")
	jobSecret := env("AUTHORITY_JOB_SECRET", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if strings.EqualFold(authMode, "off") {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "authority",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		EnforcementEnabled: env("AUTHORITY_ENFORCEMENT_ENABLED", ""),
		StrictMode:         env("AUTHORITY_STRICT_MODE", ""),
		TenantAllowlist:    env("AUTHORITY_TENANT_ALLOWLIST", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "AUTH_HS256_SECRET", Value: authSecret},
			{Name: "AUTHORITY_JOB_SECRET", Value: jobSecret},
		},
	}); err != nil {
		return err
	}

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}
	col := store.NewPGCollection(db)

	var cache store.Cache = store.NewMemoryCache()
	var limiter ratelimit.Limiter = ratelimit.NewInMemory(time.Minute)
	if env("REDIS_ADDR", "") != "" {
		client, err := openRedis(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		cache = &store.RedisCache{Client: client}
		limiter = ratelimit.NewRedis(client, time.Minute)
	}

	policies := policystore.New(col, nil)
	delegations := delegation.New(col, nil)
	shadow := shadowstore.New(col, nil)
	control := enforce.NewControlStore(col, cache, nil)
	enforcements := enforce.NewDecisionStore(col, shadow, nil)
	loader := &shadoweval.Loader{Policies: policies, Delegations: delegations}

	registry := metrics.NewRegistry()
	var bus decisionbus.Publisher = decisionbus.NewMemoryBus(envInt("AUTHORITY_FEED_BUFFER", 1024))
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		publisher, err := decisionbus.NewKafkaPublisher(decisionbus.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_DECISION_TOPIC", "authority.decisions"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = publisher.Close() }()
		bus = publisher
	}

	svc := enforce.NewService(enforce.Config{
		EnforcementEnabled:      env("AUTHORITY_ENFORCEMENT_ENABLED", "false") == "true",
		StrictMode:              env("AUTHORITY_STRICT_MODE", "false") == "true",
		TenantAllowlist:         enforce.NewAllowlist(splitCSV(env("AUTHORITY_TENANT_ALLOWLIST", ""))),
		RoleAllowlist:           enforce.NewAllowlist(splitCSV(env("AUTHORITY_ROLE_ALLOWLIST", ""))),
		ResourceActionAllowlist: enforce.NewAllowlist(splitCSV(env("AUTHORITY_RESOURCE_ACTION_ALLOWLIST", ""))),
		PolicyVersionAllowlist:  enforce.NewAllowlist(splitCSV(env("AUTHORITY_POLICY_VERSION_ALLOWLIST", ""))),
	}, loader, shadow, enforcements, control)
	svc.Bus = bus
	svc.Metrics = registry

	s := &Server{
		Svc:          svc,
		Policies:     policies,
		Delegations:  delegations,
		Shadow:       shadow,
		Enforcements: enforcements,
		Control:      control,
		Aggregator:   shadowmetrics.NewAggregator(col, nil),
		Exporter:     export.NewExporter(col, nil),
		GuardReports: guard.NewReportStore(col, nil),
		Registry:     registry,
		AuthMode:     authMode,
		Flags: Flags{
			MetricsJob: env("AUTHORITY_METRICS_JOB_ENABLED", "true") == "true",
			ExportJob:  env("AUTHORITY_EXPORT_JOB_ENABLED", "true") == "true",
			GuardJob:   env("AUTHORITY_GUARD_JOB_ENABLED", "true") == "true",
		},
		Logf: log.Printf,
		Now:  time.Now,
	}

	r := chi.NewRouter()
	r.Use(httpx.RequestIDMiddleware)
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("authority"))
	r.Use(registry.Middleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "authority"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(authMode, authSecret, env("AUTH_ISSUER", ""), env("AUTH_AUDIENCE", "")))

	authRouter.Post("/v1/authority/decide", s.handleDecide)
	authRouter.Post("/v1/authority/observe", s.handleObserve)

	authRouter.Post("/v1/authority/policies/{policyID}/versions", s.withRoles(s.handleRegisterVersion, "authorityadmin"))
	authRouter.Get("/v1/authority/policies/{policyID}/versions", s.withRoles(s.handleListVersions, "authorityadmin", "operator"))
	authRouter.Post("/v1/authority/policies/{policyID}/lifecycle", s.withRoles(s.handleAppendLifecycle, "authorityadmin"))
	authRouter.Get("/v1/authority/policies/{policyID}/lifecycle", s.withRoles(s.handleListLifecycle, "authorityadmin", "operator"))

	authRouter.Post("/v1/authority/delegations", s.withRoles(s.handleAppendDelegation, "authorityadmin"))
	authRouter.Get("/v1/authority/delegations", s.withRoles(s.handleListDelegations, "authorityadmin", "operator"))

	authRouter.Get("/v1/authority/decisions", s.withRoles(s.handleListDecisions, "authorityadmin", "operator"))
	authRouter.Get("/v1/authority/decisions/{decisionID}", s.withRoles(s.handleGetDecision, "authorityadmin", "operator"))
	authRouter.Get("/v1/authority/enforcements", s.withRoles(s.handleListEnforcements, "authorityadmin", "operator"))

	authRouter.Get("/v1/authority/cases", s.withRoles(s.handleListCases, "authorityadmin", "operator"))
	authRouter.Get("/v1/authority/cases/{caseID}/events", s.withRoles(s.handleListCaseEvents, "authorityadmin", "operator"))
	authRouter.Post("/v1/authority/cases/{caseID}/ack", s.withRoles(s.handleAcknowledgeCase, "authorityadmin", "operator"))
	authRouter.Post("/v1/authority/cases/{caseID}/close", s.withRoles(s.handleCloseCase, "authorityadmin"))

	authRouter.Post("/v1/authority/control", s.withRoles(s.handleAppendControl, "authorityadmin"))
	authRouter.Get("/v1/authority/control", s.withRoles(s.handleControlState, "authorityadmin", "operator"))
	authRouter.Get("/v1/authority/control/events", s.withRoles(s.handleListControlEvents, "authorityadmin", "operator"))

	authRouter.Get("/v1/authority/guard/reports", s.withRoles(s.handleListGuardReports, "authorityadmin", "operator"))
	authRouter.Get("/v1/authority/metrics", s.withRoles(registry.Handler(), "authorityadmin", "operator"))
	r.Mount("/", authRouter)

	jobRouter := chi.NewRouter()
	jobRouter.Use(ratelimit.Middleware(limiter, envInt("AUTHORITY_JOB_RATE_LIMIT", 30)))
	jobRouter.Use(auth.SignedJobMiddleware(jobSecret, s.Now))
	jobRouter.Post("/metrics", s.requireFlag(s.Flags.MetricsJob, s.handleMetricsJob))
	jobRouter.Post("/export", s.requireFlag(s.Flags.ExportJob, s.handleExportJob))
	jobRouter.Post("/guard", s.requireFlag(s.Flags.GuardJob, s.handleGuardJob))
	r.Mount("/v1/authority/jobs", jobRouter)

	addr := env("ADDR", ":8086")
	log.Printf("authority service listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, 401, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, 403, "forbidden")
			return
		}
		h(w, r)
	}
}

// requireFlag refuses a disabled surface with an explicit code so operators
// can tell "disabled" apart from "empty result".
func (s *Server) requireFlag(enabled bool, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !enabled {
			httpx.ErrorCode(w, 403, httpx.ErrorBody{Error: "surface disabled", Code: "FEATURE_DISABLED"})
			return
		}
		h(w, r)
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
