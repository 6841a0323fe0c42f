package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/stratlab-hq/stratlab/internal/logger"
	"github.com/stratlab-hq/stratlab/internal/market"
	"github.com/stratlab-hq/stratlab/internal/portfolio"
	"github.com/stratlab-hq/stratlab/internal/types"
	"go.starlark.net/starlark"
	"go.uber.org/zap"
)

const (
	// InitTimeout bounds top-level execution plus the entry call.
	InitTimeout = 30 * time.Second
	// HookTimeout bounds each start/update/end call.
	HookTimeout = 5 * time.Second

	// maxOutputLen caps the captured print buffer per unit.
	maxOutputLen = 16 * 1024
)

// State is the lifecycle phase of a runtime.
type State int

const (
	StateInit State = iota
	StateRunning
	StateEnded
)

// Runtime drives one validated strategy against one (Stock, Portfolio) pair
// bar by bar. A runtime is single-use and not safe for concurrent use.
type Runtime struct {
	def    *Definition
	stock  *market.Stock
	pf     *portfolio.Portfolio
	guard  *lookGuard
	thread *starlark.Thread

	start  starlark.Callable
	update starlark.Callable
	end    starlark.Callable

	state  State
	output strings.Builder
	endErr error

	// OnBar, when set before Run, observes portfolio value after every
	// processed bar.
	OnBar func(index int, value float64)

	log *logger.Logger
}

// failingBuiltin shadows an interpreter universe builtin the validator
// denies, so even source that slips past static analysis cannot reach it.
func failingBuiltin(name string) *starlark.Builtin {
	return starlark.NewBuiltin(name, func(_ *starlark.Thread, b *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		return nil, fmt.Errorf("%s is not allowed in strategy code", b.Name())
	})
}

func sumBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("sum", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var iterable starlark.Iterable
		var start starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "iterable", &iterable, "start?", &start); err != nil {
			return nil, err
		}

		total := 0.0
		isFloat := false

		if start != nil {
			f, ok := starlark.AsFloat(start)
			if !ok {
				return nil, fmt.Errorf("sum: start must be a number, got %s", start.Type())
			}

			total = f
			if _, ok := start.(starlark.Float); ok {
				isFloat = true
			}
		}

		it := iterable.Iterate()
		defer it.Done()

		var v starlark.Value
		for it.Next(&v) {
			f, ok := starlark.AsFloat(v)
			if !ok {
				return nil, fmt.Errorf("sum: expected numbers, got %s", v.Type())
			}

			if _, ok := v.(starlark.Float); ok {
				isFloat = true
			}

			total += f
		}

		if !isFloat && total == math.Trunc(total) {
			return starlark.MakeInt64(int64(total)), nil
		}

		return starlark.Float(total), nil
	})
}

func roundBuiltin() *starlark.Builtin {
	return starlark.NewBuiltin("round", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var x float64
		ndigits := 0
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &x, "ndigits?", &ndigits); err != nil {
			return nil, err
		}

		scale := math.Pow(10, float64(ndigits))
		rounded := math.Round(x*scale) / scale

		if ndigits <= 0 {
			return starlark.MakeInt64(int64(rounded)), nil
		}

		return starlark.Float(rounded), nil
	})
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"sum":     sumBuiltin(),
		"round":   roundBuiltin(),
		"getattr": failingBuiltin("getattr"),
		"hasattr": failingBuiltin("hasattr"),
		"dir":     failingBuiltin("dir"),
		"type":    failingBuiltin("type"),
		"repr":    failingBuiltin("repr"),
		"hash":    failingBuiltin("hash"),
		"fail":    failingBuiltin("fail"),
	}
}

// NewRuntime validates code and runs its top level plus the entry call under
// InitTimeout, returning a runtime positioned before the first bar. A
// *types.ValidationError means the code never ran; a *types.InitError means
// it ran and failed.
func NewRuntime(code string, stock *market.Stock, pf *portfolio.Portfolio, log *logger.Logger) (*Runtime, error) {
	def, err := Validate(code)
	if err != nil {
		return nil, err
	}

	if log == nil {
		log = logger.NewNopLogger()
	}

	r := &Runtime{
		def:   def,
		stock: stock,
		pf:    pf,
		guard: &lookGuard{enabled: pf.Settings().BlockLookahead},
		log:   log,
		state: StateInit,
	}

	r.thread = &starlark.Thread{
		Name: "strategy-" + stock.Symbol,
		Print: func(_ *starlark.Thread, msg string) {
			if r.output.Len() < maxOutputLen {
				r.output.WriteString(msg)
				r.output.WriteByte('\n')
			}
		},
	}

	if err := r.init(code); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Runtime) init(code string) error {
	var hooks starlark.Value

	timedOut, err := r.withBudget(InitTimeout, func() error {
		globals, err := starlark.ExecFileOptions(fileOptions, r.thread, "strategy", code, predeclared())
		if err != nil {
			return err
		}

		entry, ok := globals[EntryFunc].(starlark.Callable)
		if !ok {
			return fmt.Errorf("%q is not callable", EntryFunc)
		}

		stockVal := &stockValue{stock: r.stock, guard: r.guard}
		pfVal := &portfolioValue{pf: r.pf, guard: r.guard}

		hooks, err = starlark.Call(r.thread, entry, starlark.Tuple{stockVal, pfVal}, nil)

		return err
	})
	if err != nil {
		return &types.InitError{Timeout: timedOut, Err: evalErr(err)}
	}

	return r.bindHooks(hooks)
}

// bindHooks reads the optional start/update/end entries out of the value the
// entry function returned.
func (r *Runtime) bindHooks(hooks starlark.Value) error {
	switch h := hooks.(type) {
	case starlark.NoneType:
		return nil
	case *starlark.Dict:
		for _, bind := range []struct {
			name string
			dst  *starlark.Callable
		}{
			{"start", &r.start},
			{"update", &r.update},
			{"end", &r.end},
		} {
			v, found, err := h.Get(starlark.String(bind.name))
			if err != nil || !found {
				continue
			}

			fn, ok := v.(starlark.Callable)
			if !ok {
				return &types.InitError{Err: fmt.Errorf("hook %q is not callable", bind.name)}
			}

			*bind.dst = fn
		}

		return nil
	default:
		return &types.InitError{Err: fmt.Errorf("%q must return a dict of hooks or None, got %s", EntryFunc, hooks.Type())}
	}
}

// withBudget runs fn with the thread cancelled after d. The runtime is
// abandoned after any timeout, so a fired timer never needs unwinding beyond
// reporting it.
func (r *Runtime) withBudget(d time.Duration, fn func() error) (timedOut bool, err error) {
	timer := time.AfterFunc(d, func() {
		r.thread.Cancel("time budget exceeded")
	})

	err = fn()
	fired := !timer.Stop()

	if fired && err == nil {
		// The call finished before the cancellation was observed.
		r.thread.Uncancel()
		fired = false
	}

	return fired, err
}

func (r *Runtime) candleTuple(i int) starlark.Tuple {
	c := r.stock.Candle(i)

	return starlark.Tuple{
		starlark.Float(c.Open),
		starlark.Float(c.High),
		starlark.Float(c.Low),
		starlark.Float(c.Close),
	}
}

func (r *Runtime) callHook(hook starlark.Callable, args starlark.Tuple) error {
	if hook == nil {
		return nil
	}

	_, err := r.withBudget(HookTimeout, func() error {
		_, err := starlark.Call(r.thread, hook, args, nil)

		return err
	})

	return evalErr(err)
}

// Run drives the bar sequence from startIloc through endIloc inclusive. An
// update failure aborts the unit from that bar, preserving trades already
// recorded. An end failure is recorded, never returned.
func (r *Runtime) Run(ctx context.Context, startIloc, endIloc int) error {
	if startIloc > endIloc {
		return nil
	}

	r.state = StateRunning
	r.guard.cursor = startIloc

	if err := r.callHook(r.start, starlark.Tuple{r.candleTuple(startIloc)}); err != nil {
		r.state = StateEnded

		return &types.RunError{Hook: "start", Index: startIloc, Err: err}
	}

	for i := startIloc; i <= endIloc; i++ {
		if err := ctx.Err(); err != nil {
			r.state = StateEnded

			return err
		}

		r.guard.cursor = i
		c := r.stock.Candle(i)

		args := starlark.Tuple{
			starlark.Float(c.Open),
			starlark.Float(c.High),
			starlark.Float(c.Low),
			starlark.Float(c.Close),
			starlark.MakeInt(i),
		}

		if err := r.callHook(r.update, args); err != nil {
			r.state = StateEnded

			return &types.RunError{Hook: "update", Index: i, Err: err}
		}

		if r.OnBar != nil {
			r.OnBar(i, r.pf.Value(i))
		}
	}

	r.state = StateEnded
	r.guard.cursor = endIloc

	if err := r.callHook(r.end, starlark.Tuple{r.candleTuple(endIloc)}); err != nil {
		r.endErr = err
		r.log.Warn("strategy end hook failed",
			zap.String("symbol", r.stock.Symbol),
			zap.Error(err),
		)
	}

	return nil
}

// State returns the current lifecycle phase.
func (r *Runtime) State() State { return r.state }

// Output returns everything the strategy printed, capped per unit.
func (r *Runtime) Output() string { return r.output.String() }

// EndErr returns the recorded end-hook failure, if any.
func (r *Runtime) EndErr() error { return r.endErr }

// evalErr flattens a Starlark backtrace into a single error the API can
// surface.
func evalErr(err error) error {
	if err == nil {
		return nil
	}

	var ee *starlark.EvalError
	if errors.As(err, &ee) {
		return fmt.Errorf("%s", ee.Backtrace())
	}

	return err
}
