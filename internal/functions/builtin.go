package functions

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RegisterBuiltins installs a handful of general-purpose functions that are
// handy for demos and smoke tests:
//
//	noop   returns nil
//	echo   returns its params
//	sleep  waits params.duration ("250ms") or params.ms, honouring cancellation
//	fail   returns an error with params.message
//	sum    adds the numbers in params.values
func RegisterBuiltins(r *Registry) {
	r.MustRegister("noop", Noop)
	r.MustRegister("echo", Echo)
	r.MustRegister("sleep", Sleep)
	r.MustRegister("fail", Fail)
	r.MustRegister("sum", Sum)
}

// Noop does nothing
func Noop(context.Context, Input) (any, error) {
	return nil, nil
}

// Echo returns the task params unchanged
func Echo(_ context.Context, in Input) (any, error) {
	return in.Params, nil
}

// Sleep waits for the configured duration
func Sleep(ctx context.Context, in Input) (any, error) {
	d, err := durationParam(in.Params)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return map[string]any{"slept_ms": d.Milliseconds()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fail always returns an error
func Fail(_ context.Context, in Input) (any, error) {
	msg, _ := in.Params["message"].(string)
	if msg == "" {
		msg = "task failed"
	}
	return nil, errors.New(msg)
}

// Sum adds params.values
func Sum(_ context.Context, in Input) (any, error) {
	raw, ok := in.Params["values"].([]any)
	if !ok {
		return nil, fmt.Errorf("sum: params.values must be a list")
	}

	var total float64
	for i, v := range raw {
		f, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("sum: values[%d] is not a number", i)
		}
		total += f
	}
	return total, nil
}

func durationParam(params map[string]any) (time.Duration, error) {
	if s, ok := params["duration"].(string); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("sleep: invalid duration %q: %w", s, err)
		}
		return d, nil
	}
	if ms, ok := toFloat(params["ms"]); ok {
		return time.Duration(ms * float64(time.Millisecond)), nil
	}
	return 0, fmt.Errorf("sleep: params.duration or params.ms is required")
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
