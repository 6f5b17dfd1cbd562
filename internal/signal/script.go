package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// script is a compiled ECMAScript expression with its own runtime.
// goja runtimes are not goroutine safe, so runs are serialized.
type script struct {
	src     string
	program *goja.Program
	mu      sync.Mutex
	vm      *goja.Runtime
}

func compileScript(src string) (*script, error) {
	program, err := goja.Compile("", src, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compile transform %q: %w", src, err)
	}
	return &script{src: src, program: program, vm: goja.New()}, nil
}

func (s *script) run(bindings map[string]any) (result any, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform %q panicked: %v", s.src, r)
		}
	}()

	for name, v := range bindings {
		if err := s.vm.Set(name, v); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}
	v, err := s.vm.RunProgram(s.program)
	if err != nil {
		return nil, fmt.Errorf("transform %q failed: %w", s.src, err)
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("transform %q returned no value", s.src)
	}
	return v.Export(), nil
}

// ScriptInverse builds an inverse transform from an expression. Each
// source value is bound under its source name, and all of them under
// "values".
//
//	ScriptInverse("Math.atan2(y, x) * 180 / Math.PI")
func ScriptInverse(expr string) (InverseFunc, error) {
	s, err := compileScript(expr)
	if err != nil {
		return nil, err
	}
	return func(vals Values) (any, error) {
		m := vals.Map()
		bindings := make(map[string]any, len(m)+1)
		for k, v := range m {
			bindings[k] = v
		}
		bindings["values"] = m
		out, err := s.run(bindings)
		if err != nil {
			return nil, &TransformError{Values: m, Reason: err.Error()}
		}
		return out, nil
	}, nil
}

// ScriptForward builds a forward transform from an expression that
// evaluates to an object of source name to new value. The target is
// bound as "value" and the current source values under their names;
// sources that cannot be read are left undefined.
//
//	ScriptForward("({mono: value, undulator: (value + offset) / 1000})", logger)
func ScriptForward(expr string, logger *zap.Logger) (ForwardFunc, error) {
	s, err := compileScript(expr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, value any, src *Sources) (Writes, error) {
		current := make([]any, src.Len())
		ok := make([]bool, src.Len())
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < src.Len(); i++ {
			g.Go(func() error {
				v, err := src.Channel(i).GetValue(gctx)
				if err != nil {
					logger.Debug("Forward transform source unreadable",
						zap.String("source", src.Name(i)),
						zap.String("transform", expr),
						zap.Error(err))
					return nil
				}
				current[i], ok[i] = v, true
				return nil
			})
		}
		_ = g.Wait()

		bindings := map[string]any{"value": value}
		for i := range current {
			if ok[i] {
				bindings[src.Name(i)] = current[i]
			} else {
				bindings[src.Name(i)] = goja.Undefined()
			}
		}
		out, err := s.run(bindings)
		if err != nil {
			return nil, err
		}
		m, isMap := out.(map[string]any)
		if !isMap {
			return nil, fmt.Errorf("transform %q returned %T, want an object", expr, out)
		}
		return Writes(m), nil
	}, nil
}
