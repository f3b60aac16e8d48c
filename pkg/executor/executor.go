package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tellurhq/tellur/pkg/cache"
)

// Result is a tool's structured output. Failures are carried in-band as an
// "error" payload (with a machine-readable "code") so that one tool's
// failure in a batch or pipeline never aborts its siblings.
type Result map[string]any

// Error codes carried in failure results.
const (
	CodeToolNotFound    = "tool_not_found"
	CodeExecutionFailed = "execution_failed"
	CodeTimeout         = "timeout"
)

// IsError reports whether the result is a failure payload.
func (r Result) IsError() bool {
	_, ok := r["error"]
	return ok
}

// ErrorMessage returns the failure detail, or "" for a success result.
func (r Result) ErrorMessage() string {
	if msg, ok := r["error"].(string); ok {
		return msg
	}
	return ""
}

// ErrorCode returns the failure code, or "" for a success result.
func (r Result) ErrorCode() string {
	if code, ok := r["code"].(string); ok {
		return code
	}
	return ""
}

func errorResult(code, format string, args ...any) Result {
	return Result{"error": fmt.Sprintf(format, args...), "code": code}
}

// Call names one tool invocation for parallel execution.
type Call struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"arguments,omitempty"`
}

// Options adjust cache behavior for a single invocation.
type Options struct {
	NoCache      bool // skip the cache entirely (no read, no write)
	ForceRefresh bool // skip the cache read but store the fresh result
}

// Executor invokes registered tools with caching, per-call timeouts, and
// latency logging.
type Executor struct {
	registry *Registry
	cache    *cache.Cache // nil disables caching
	ttl      TTLPolicy
	timeout  time.Duration // per-invocation cap; 0 = caller's ctx only
	logger   *slog.Logger
}

// New creates an executor over a registry. cache may be nil.
func New(registry *Registry, c *cache.Cache, ttl TTLPolicy, timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		cache:    c,
		ttl:      ttl,
		timeout:  timeout,
		logger:   logger,
	}
}

// Registry returns the executor's tool registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute invokes one tool with default options (cache on).
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) Result {
	return e.ExecuteWith(ctx, name, args, Options{})
}

// ExecuteWith invokes one tool. An unknown name yields a tool_not_found
// failure (never cached). Cached results are returned without invoking the
// capability; fresh results are stored with the TTL the policy selects for
// this tool — error results get the short error TTL so a broken backend is
// retried sooner than its normal cache residency.
func (e *Executor) ExecuteWith(ctx context.Context, name string, args map[string]any, opts Options) Result {
	tool, ok := e.registry.Lookup(name)
	if !ok {
		e.logger.Warn("tool not found", "tool", name)
		return errorResult(CodeToolNotFound, "tool not found: %s", name)
	}

	useCache := e.cache != nil && !opts.NoCache
	if useCache && !opts.ForceRefresh {
		if v, hit := e.cache.Get(ctx, name, args); hit {
			if m, ok := v.(map[string]any); ok {
				e.logger.Debug("cache hit", "tool", name)
				return Result(m)
			}
		}
	}

	result := e.invoke(ctx, tool, args)

	if useCache {
		if ttl := e.ttl.For(name, result.IsError()); ttl > 0 {
			e.cache.Set(ctx, name, args, map[string]any(result), ttl)
		}
	}

	return result
}

// invoke runs the capability with the per-call timeout and converts every
// failure mode — returned error, deadline, panic — into a failure Result.
func (e *Executor) invoke(ctx context.Context, tool Tool, args map[string]any) (result Result) {
	cctx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", tool.Name, "panic", r)
			result = errorResult(CodeExecutionFailed, "tool %s panicked: %v", tool.Name, r)
		}
	}()

	out, err := tool.Run(cctx, args)
	elapsed := time.Since(start)

	if err != nil {
		code := CodeExecutionFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			code = CodeTimeout
		}
		e.logger.Error("tool execution failed",
			"tool", tool.Name,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return errorResult(code, "%v", err)
	}

	e.logger.Info("tool executed",
		"tool", tool.Name,
		"duration_ms", elapsed.Milliseconds(),
	)

	if out == nil {
		return Result{}
	}
	return Result(out)
}

// ExecuteParallel launches one invocation per call concurrently and waits
// for all of them. Each entry's failure is captured in its own result;
// nothing is cancelled on a sibling's failure. The returned map is keyed by
// tool name, so duplicate names overwrite each other — batch distinct tools.
func (e *Executor) ExecuteParallel(ctx context.Context, calls []Call) map[string]Result {
	results := make(map[string]Result, len(calls))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range calls {
		wg.Add(1)
		go func(c Call) {
			defer wg.Done()
			r := e.Execute(ctx, c.Tool, c.Args)
			mu.Lock()
			results[c.Tool] = r
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	return results
}
