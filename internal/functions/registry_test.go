package functions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryInvoke(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("double", func(_ context.Context, in Input) (any, error) {
		return in.Params["n"].(int) * 2, nil
	}))

	got, err := r.Invoke(context.Background(), "double", Input{Params: map[string]any{"n": 21}})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("", Noop))
	assert.Error(t, r.Register("nil", nil))
	assert.Panics(t, func() { r.MustRegister("", Noop) })
}

func TestRegistryUnknownFunction(t *testing.T) {
	r := NewRegistry()
	_, err := r.Invoke(context.Background(), "missing", Input{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownFunction))
}

func TestRegistryRecoversPanics(t *testing.T) {
	r := NewRegistry()
	r.MustRegister("boom", func(context.Context, Input) (any, error) {
		panic("kaboom")
	})

	result, err := r.Invoke(context.Background(), "boom", Input{TaskID: "t"})
	assert.Nil(t, result)

	var perr *PanicError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "boom", perr.Function)
	assert.Equal(t, "kaboom", perr.Value)
	assert.NotEmpty(t, perr.Stack)
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	assert.Equal(t, []string{"echo", "fail", "noop", "sleep", "sum"}, r.Names())
}

func TestBuiltins(t *testing.T) {
	ctx := context.Background()

	echoed, err := Echo(ctx, Input{Params: map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1}, echoed)

	_, err = Fail(ctx, Input{Params: map[string]any{"message": "nope"}})
	assert.EqualError(t, err, "nope")

	total, err := Sum(ctx, Input{Params: map[string]any{"values": []any{1, 2.5, int64(3)}}})
	require.NoError(t, err)
	assert.Equal(t, 6.5, total)

	_, err = Sum(ctx, Input{Params: map[string]any{"values": []any{"x"}}})
	assert.Error(t, err)

	slept, err := Sleep(ctx, Input{Params: map[string]any{"duration": "1ms"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"slept_ms": int64(1)}, slept)

	_, err = Sleep(ctx, Input{Params: map[string]any{}})
	assert.Error(t, err)
}

func TestSleepHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := Sleep(ctx, Input{Params: map[string]any{"ms": 5000}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
