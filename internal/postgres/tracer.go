package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

type queryKey struct{}

// queryInfo is stashed by TraceQueryStart for TraceQueryEnd.
type queryInfo struct {
	sql    string
	nargs  int
	start  time.Time
	caller string
	origin string
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) and adds a structured
// log line and a metrics hook per query.
type queryTracer struct {
	inner  pgx.QueryTracer
	logger log.Logger
	hooks  Hooks
	// slow is the logging threshold for successful queries. 0 logs all.
	slow time.Duration
	now  func() time.Time
}

func newQueryTracer(inner pgx.QueryTracer, logger log.Logger, hooks Hooks, slow time.Duration) *queryTracer {
	if logger == nil {
		logger = log.Nop()
	}
	return &queryTracer{inner: inner, logger: logger, hooks: hooks, slow: slow, now: time.Now}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	info := &queryInfo{sql: data.SQL, nargs: len(data.Args), start: t.now()}
	info.caller, info.origin = findCaller()

	// otelpgx opens its span first so the attributes below land on it.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if info.caller != "" {
			span.SetAttributes(attribute.String("db.caller", info.caller))
		}
		if info.origin != "" {
			span.SetAttributes(attribute.String("db.origin", info.origin))
		}
	}
	return context.WithValue(ctx, queryKey{}, info)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	info, _ := ctx.Value(queryKey{}).(*queryInfo)
	if info == nil {
		return
	}
	dur := t.now().Sub(info.start)
	op := operation(info.sql)

	if t.hooks.OnQuery != nil {
		t.hooks.OnQuery(op, routeFromContext(ctx), data.Err == nil, dur.Seconds())
	}

	if data.Err == nil && t.slow > 0 && dur < t.slow {
		return
	}

	fields := []any{
		"db.operation.name", op,
		"db.statement", compactSQL(info.sql),
		"db.args", info.nargs,
		"db.duration", dur.Seconds(),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if info.caller != "" {
		fields = append(fields, "db.caller", info.caller)
	}
	if info.origin != "" {
		fields = append(fields, "db.origin", info.origin)
	}

	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		t.logger.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	if t.slow > 0 {
		t.logger.Warn(ctx, "slow db query", fields...)
		return
	}
	t.logger.Info(ctx, "db query", fields...)
}

// operation returns the leading SQL keyword, upper-cased.
func operation(sql string) string {
	fields := strings.Fields(sql)
	for _, f := range fields {
		if strings.HasPrefix(f, "--") {
			continue
		}
		return strings.ToUpper(strings.Trim(f, "("))
	}
	return "UNKNOWN"
}

// compactSQL collapses whitespace so multi-line statements log on one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

func routeFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "none"
}

// findCaller walks the stack to find:
//   - caller: the store function issuing the query
//   - origin: the next application frame above it, usually a service method
func findCaller() (caller, origin string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn != "" && !isNoiseFrame(fn) {
			switch {
			case caller == "":
				caller = shortenFuncName(fn)
			case !isStoreFrame(fn):
				return caller, shortenFuncName(fn)
			}
		}
		if !more {
			return caller, origin
		}
	}
}

func isNoiseFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.Contains(fn, "github.com/jackc/pgx/v5") ||
		strings.Contains(fn, "github.com/exaring/otelpgx") ||
		strings.Contains(fn, "queryTracer.TraceQuery") ||
		strings.Contains(fn, "aftermath/internal/postgres.findCaller")
}

func isStoreFrame(fn string) bool {
	return strings.Contains(fn, "aftermath/internal/postgres.") ||
		strings.Contains(fn, "aftermath/internal/session/pgstore.") ||
		strings.Contains(fn, "aftermath/internal/session.")
}

func shortenFuncName(fn string) string {
	// Trim package path.
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	// Trim package name, keep receiver + method.
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
