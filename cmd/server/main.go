// Aftermath is an incident lifecycle service: it classifies alerts into
// incidents, writes postmortems, indexes them for similarity search and
// tracks the resulting action items.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/aftermath/internal/actions"
	"github.com/linnemanlabs/aftermath/internal/authmw"
	ac "github.com/linnemanlabs/aftermath/internal/cfg"
	"github.com/linnemanlabs/aftermath/internal/incident"
	"github.com/linnemanlabs/aftermath/internal/intel"
	"github.com/linnemanlabs/aftermath/internal/knowledge"
	"github.com/linnemanlabs/aftermath/internal/postgres"
	"github.com/linnemanlabs/aftermath/internal/session"
)

const appName = "aftermath"
const component = "server"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    ac.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline flags win over env vars
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from AFTERMATH_ environment variables
	cfg.FillFromEnv(flag.CommandLine, "AFTERMATH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"llm_provider", appCfg.LLMProvider,
		"embedding_provider", appCfg.EmbeddingProvider,
		"session_backend", appCfg.SessionBackend,
		"vector_backend", appCfg.VectorBackend,
		"ticket_backend", appCfg.TicketBackend,
		"overdue_sweep_interval", appCfg.SweepInterval.String(),
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
	)

	// Start profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// Link spans to profiles so a slow postmortem can be opened as a flame graph
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	incidentMetrics := incident.NewMetrics(m.Registry())
	knowledgeMetrics := knowledge.NewMetrics(m.Registry())
	actionMetrics := actions.NewMetrics(m.Registry())
	dbMetrics := postgres.NewMetrics(m.Registry())

	// Durable incident records
	backend, closeBackend, err := openSessionBackend(ctx, &appCfg, L, dbMetrics.Hooks())
	if err != nil {
		return err
	}
	defer func() { _ = closeBackend(context.Background()) }()
	store := session.New(backend)

	mdl, err := buildModels(ctx, &appCfg, L)
	if err != nil {
		return err
	}

	vectors, err := openVectorStore(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	index := knowledge.NewIndex(vectors, mdl.embedder, L,
		knowledge.WithDimension(appCfg.EmbeddingDimension),
		knowledge.WithHooks(knowledgeMetrics.Hooks()),
	)

	creator, err := buildTicketCreator(ctx, &appCfg, L)
	if err != nil {
		return err
	}
	tracker := actions.NewTracker(creator, L,
		actions.WithSLA(slaFromConfig(&appCfg)),
		actions.WithHooks(actionMetrics.Hooks()),
	)

	collab := incident.Collaborators{
		Classifier:  intel.NewClassifier(mdl.completer, L, appCfg.ClassifierFallback),
		Reporter:    intel.NewReporter(mdl.completer, L),
		Postmortems: intel.NewWriter(mdl.completer, L, appCfg.PostmortemFallback),
		Advisor:     intel.NewAdvisor(mdl.completer),
		Knowledge:   index,
		Actions:     tracker,
	}
	notifier, err := buildNotifier(ctx, &appCfg, L)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}
	collab.Notifier = notifier

	svc := incident.NewService(store, collab, L, incidentMetrics.Hooks())

	// Reload open incidents and their action items, and seed the ID allocator
	if err := svc.Recover(ctx); err != nil {
		return fmt.Errorf("recover incidents: %w", err)
	}

	sweeper := actions.NewSweeper(svc, appCfg.SweepInterval, L, actionMetrics.Hooks())
	sweeper.Start(ctx)

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	tokens := authmw.ParseTokens(appCfg.APIToken)
	if len(tokens) == 0 {
		L.Warn(ctx, "no api token configured, mutating routes are unauthenticated")
	}
	h := newHandler(handlerDeps{
		logger:           L,
		service:          svc,
		tokens:           tokens,
		instrument:       m.Middleware,
		healthz:          health.HealthzHandler(liveness),
		readyz:           health.ReadyzHandler(readiness),
		trustedProxyHops: httpmwCfg.TrustedProxyHops,
	})

	apiHTTPOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiHTTPOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Shutdown components with per-component budget sliced from total.
	// The session backend closes after the API so in-flight writes land.
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
		{"overdue sweeper", func(context.Context) error { sweeper.Stop(); return nil }},
		{"session backend", closeBackend},
		{"otel", shutdownOtelx},
	}
	shutdownAll(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, stopFns)

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// shutdownAll runs each stop function in order, each bounded by an equal
// slice of budget. Failures are logged and do not stop later components.
func shutdownAll(L log.Logger, budget time.Duration, fns []stopFn) {
	if len(fns) == 0 {
		return
	}
	perComponent := budget / time.Duration(len(fns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range fns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr is from NOTIFY_SOCKET set by systemd
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
