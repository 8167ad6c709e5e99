// Package sandbox runs user-supplied pre-request and post-response scripts
// in an embedded JavaScript interpreter. The interpreter has no host
// bindings beyond the pm API and console: no sockets, no filesystem, no
// process access, no module loading. Each invocation gets a fresh VM that
// is discarded afterwards; a wall-clock interrupt bounds execution.
package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/vars"
)

// Script timeout defaults. The two phases are deliberately distinct:
// post-response scripts parse bodies and run assertions, so they get more
// headroom than pre-request setup code.
const (
	DefaultPreRequestTimeout   = 5 * time.Second
	DefaultPostResponseTimeout = 10 * time.Second
)

// Options configures script execution limits.
type Options struct {
	PreRequestTimeout   time.Duration
	PostResponseTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PreRequestTimeout <= 0 {
		o.PreRequestTimeout = DefaultPreRequestTimeout
	}
	if o.PostResponseTimeout <= 0 {
		o.PostResponseTimeout = DefaultPostResponseTimeout
	}
	return o
}

// Runner executes scripts one at a time. It is stateless and safe for
// concurrent use; every Run builds its own VM.
type Runner struct {
	opts Options
}

// NewRunner returns a Runner with the given limits (zeroes take defaults).
func NewRunner(opts Options) *Runner {
	return &Runner{opts: opts.withDefaults()}
}

// Invocation is one script to run against one execution's context.
type Invocation struct {
	Type     domain.ScriptType
	Source   string
	Store    *vars.Store   // variable snapshot; script writes land here
	Request  *RequestView  // mutable in pre-request, frozen in post-response
	Response *ResponseView // nil for pre-request scripts
}

// Result carries what the script recorded. A non-nil Error marks the
// iteration failed but never aborts the surrounding run.
type Result struct {
	Assertions []domain.AssertionResult
	Error      *string
}

// Run executes one script to completion or timeout.
func (r *Runner) Run(inv Invocation) Result {
	if strings.TrimSpace(inv.Source) == "" {
		return Result{}
	}
	if inv.Store == nil {
		inv.Store = vars.NewStore()
	}
	if inv.Request == nil {
		inv.Request = NewRequestView("", "", nil, "")
	}

	timeout := r.opts.PreRequestTimeout
	if inv.Type == domain.ScriptPostResponse {
		timeout = r.opts.PostResponseTimeout
	}

	vm := goja.New()
	rec := &recorder{}
	if err := installBridge(vm, inv, rec); err != nil {
		msg := "script host setup failed: " + err.Error()
		return Result{Error: &msg}
	}
	if _, err := vm.RunProgram(preludeProgram); err != nil {
		msg := "script host setup failed: " + err.Error()
		return Result{Error: &msg}
	}

	timer := time.AfterFunc(timeout, func() { vm.Interrupt("script timeout") })
	defer timer.Stop()

	if _, err := vm.RunString(inv.Source); err != nil {
		msg := scriptErrorMessage(err, timeout)
		return Result{Assertions: rec.results, Error: &msg}
	}
	return Result{Assertions: rec.results}
}

func scriptErrorMessage(err error, timeout time.Duration) string {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Sprintf("script timeout after %s", timeout)
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return "script error: " + exception.Value().String()
	}
	return "script error: " + err.Error()
}

// recorder collects pm.test outcomes in script order.
type recorder struct {
	results []domain.AssertionResult
}

func (r *recorder) record(name string, passed bool, errMsg string) {
	res := domain.AssertionResult{Name: name, Passed: passed}
	if !passed && errMsg != "" {
		res.Error = &errMsg
	}
	r.results = append(r.results, res)
}

// installBridge registers the host functions the prelude wires into pm.
// The prelude captures them in closures and deletes the globals, so user
// code only ever sees pm and console.
func installBridge(vm *goja.Runtime, inv Invocation, rec *recorder) error {
	store := inv.Store
	req := inv.Request

	scopeGet := func(scope domain.VariableScope) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			v, ok := store.Get(scope, call.Argument(0).String())
			if !ok {
				return goja.Undefined()
			}
			return vm.ToValue(v)
		}
	}
	scopeSet := func(scope domain.VariableScope) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			store.Set(scope, call.Argument(0).String(), call.Argument(1).String())
			return goja.Undefined()
		}
	}
	scopeUnset := func(scope domain.VariableScope) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			store.Unset(scope, call.Argument(0).String())
			return goja.Undefined()
		}
	}

	requireMutable := func() {
		if !req.mutable {
			panic(vm.NewTypeError("pm.request is read-only in post-response scripts"))
		}
	}

	bridge := map[string]func(goja.FunctionCall) goja.Value{
		"__record": func(call goja.FunctionCall) goja.Value {
			msg := ""
			if v := call.Argument(2); !goja.IsNull(v) && !goja.IsUndefined(v) {
				msg = v.String()
			}
			rec.record(call.Argument(0).String(), call.Argument(1).ToBoolean(), msg)
			return goja.Undefined()
		},

		// pm.variables resolves across all scopes; writes go to Local.
		"__varGet": func(call goja.FunctionCall) goja.Value {
			v, _, ok := store.Resolve(call.Argument(0).String())
			if !ok {
				return goja.Undefined()
			}
			return vm.ToValue(v)
		},
		"__varSet": scopeSet(domain.ScopeLocal),
		"__varUnset": func(call goja.FunctionCall) goja.Value {
			store.Unset(domain.ScopeLocal, call.Argument(0).String())
			return goja.Undefined()
		},

		"__envGet":   scopeGet(domain.ScopeEnvironment),
		"__envSet":   scopeSet(domain.ScopeEnvironment),
		"__envUnset": scopeUnset(domain.ScopeEnvironment),

		"__globalGet":   scopeGet(domain.ScopeGlobal),
		"__globalSet":   scopeSet(domain.ScopeGlobal),
		"__globalUnset": scopeUnset(domain.ScopeGlobal),

		"__reqInfo": func(goja.FunctionCall) goja.Value {
			return vm.ToValue(map[string]any{
				"method": req.Method,
				"url":    req.URL,
				"body":   req.Body,
			})
		},
		"__reqHeaders": func(goja.FunctionCall) goja.Value {
			rows := make([]any, 0, len(req.Headers))
			for _, h := range req.Headers {
				rows = append(rows, map[string]any{"key": h.Key, "value": h.Value})
			}
			return vm.ToValue(rows)
		},
		"__reqHeaderGet": func(call goja.FunctionCall) goja.Value {
			v, ok := req.getHeader(call.Argument(0).String())
			if !ok {
				return goja.Undefined()
			}
			return vm.ToValue(v)
		},
		"__reqHeaderAdd": func(call goja.FunctionCall) goja.Value {
			requireMutable()
			req.addHeader(call.Argument(0).String(), call.Argument(1).String())
			return goja.Undefined()
		},
		"__reqHeaderRemove": func(call goja.FunctionCall) goja.Value {
			requireMutable()
			req.removeHeader(call.Argument(0).String())
			return goja.Undefined()
		},
		"__reqHeaderUpsert": func(call goja.FunctionCall) goja.Value {
			requireMutable()
			req.upsertHeader(call.Argument(0).String(), call.Argument(1).String())
			return goja.Undefined()
		},

		"__consoleLog": func(call goja.FunctionCall) goja.Value {
			var parts []string
			if items, ok := call.Argument(1).Export().([]any); ok {
				for _, it := range items {
					parts = append(parts, fmt.Sprint(it))
				}
			}
			slog.Debug("script console",
				"level", call.Argument(0).String(),
				"message", strings.Join(parts, " "))
			return goja.Undefined()
		},
	}

	if resp := inv.Response; resp != nil {
		bridge["__respInfo"] = func(goja.FunctionCall) goja.Value {
			return vm.ToValue(map[string]any{
				"code":         resp.Code,
				"status":       resp.Status,
				"responseTime": resp.ResponseTimeMs,
			})
		}
		bridge["__respHeaderGet"] = func(call goja.FunctionCall) goja.Value {
			v, ok := resp.headerGet(call.Argument(0).String())
			if !ok {
				return goja.Undefined()
			}
			return vm.ToValue(v)
		}
		bridge["__respText"] = func(goja.FunctionCall) goja.Value {
			return vm.ToValue(string(resp.Body))
		}
	}

	for name, fn := range bridge {
		if err := vm.Set(name, fn); err != nil {
			return err
		}
	}
	return nil
}
