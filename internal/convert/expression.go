// Package convert evaluates JavaScript conversion expressions (goja) that
// turn raw register words or decoded JSON into channel values.
package convert

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 50 * time.Millisecond

// ErrNotNumber is returned when an expression does not produce a finite number.
var ErrNotNumber = errors.New("expression result is not a finite number")

// Input is the evaluation context. Value is the decoded number, Raw the
// undecoded register words and Data a decoded JSON document; each may be
// unset depending on the protocol.
type Input struct {
	Value float64
	Raw   []uint16
	Data  any
}

// Expression is a compiled conversion expression. It is safe for concurrent
// use; evaluations are serialized on one runtime.
type Expression struct {
	source  string
	program *goja.Program
	timeout time.Duration

	mu sync.Mutex
	vm *goja.Runtime
}

// Compile parses src. Two forms are accepted:
//   - a plain expression: value * 0.1
//   - a code block: ${ if (value > 32767) return value - 65536; return value; }
//
// An empty src is the identity on Input.Value.
func Compile(src string) (*Expression, error) {
	e := &Expression{source: src, timeout: DefaultTimeout}
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return e, nil
	}

	code := "(" + trimmed + ")"
	if strings.HasPrefix(trimmed, "${") && strings.HasSuffix(trimmed, "}") {
		body := strings.TrimSpace(trimmed[2 : len(trimmed)-1])
		code = fmt.Sprintf("(function() { %s })()", body)
	}
	prog, err := goja.Compile("expression", code, true)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", src, err)
	}
	e.program = prog
	return e, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Expression {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the expression source.
func (e *Expression) String() string { return e.source }

// IsIdentity reports whether the expression passes Input.Value through.
func (e *Expression) IsIdentity() bool { return e.program == nil }

// Eval runs the expression against in.
func (e *Expression) Eval(in Input) (float64, error) {
	if e.program == nil {
		return checkFinite(in.Value)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vm == nil {
		e.vm = goja.New()
	}
	vm := e.vm

	if err := vm.Set("value", in.Value); err != nil {
		return 0, fmt.Errorf("set value: %w", err)
	}
	raw := make([]any, len(in.Raw))
	for i, w := range in.Raw {
		raw[i] = int64(w)
	}
	if err := vm.Set("raw", raw); err != nil {
		return 0, fmt.Errorf("set raw: %w", err)
	}
	if err := vm.Set("data", in.Data); err != nil {
		return 0, fmt.Errorf("set data: %w", err)
	}

	vm.ClearInterrupt()
	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt("conversion timeout")
	})
	val, err := vm.RunProgram(e.program)
	timer.Stop()
	vm.ClearInterrupt()
	if err != nil {
		return 0, fmt.Errorf("evaluate %q: %w", e.source, err)
	}
	return toFloat(val)
}

func toFloat(val goja.Value) (float64, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return 0, ErrNotNumber
	}
	switch v := val.Export().(type) {
	case int64:
		return float64(v), nil
	case float64:
		return checkFinite(v)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("%w: got %s", ErrNotNumber, val.String())
}

func checkFinite(f float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrNotNumber
	}
	return f, nil
}
