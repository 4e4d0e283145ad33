package condition

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

func testScope() map[string]any {
	return map[string]any{
		"env":     "prod",
		"count":   3,
		"ratio":   0.5,
		"enabled": true,
		"nothing": nil,
		"tags":    []any{"a", "b"},
		"names":   []string{"x", "y"},
		"empty":   "",
		"word":    "été",
		"fetch_result": map[string]any{
			"status": "ok",
			"items":  []any{1, 2, 3},
			"meta":   map[string]any{"region": "eu"},
		},
		"limits": map[string]int{"cpu": 4},
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{`env == "prod"`, true},
		{`env != 'prod'`, false},
		{`count > 2`, true},
		{`count >= 3 and count <= 3`, true},
		{`count < 3`, false},
		{`ratio == 0.5`, true},
		{`ratio < .75`, true},
		{`count == 3.0`, true},
		{`-count < 0`, true},
		{`enabled`, true},
		{`not enabled`, false},
		{`!enabled || count == 3`, true},
		{`enabled && env == "dev"`, false},
		{`(env == "dev" or env == "prod") and enabled`, true},
		{`nothing == null`, true},
		{`nothing == None`, true},
		{`nothing`, false},
		{`empty`, false},
		{`enabled == True`, true},
		{`"a" in tags`, true},
		{`"z" not in tags`, true},
		{`"y" in names`, true},
		{`"ro" in env`, true},
		{`"status" in fetch_result`, true},
		{`env in ["dev", "prod"]`, true},
		{`fetch_result.status == "ok"`, true},
		{`fetch_result["status"] == "ok"`, true},
		{`fetch_result.meta.region == "eu"`, true},
		{`fetch_result.items[0] == 1`, true},
		{`fetch_result.items[-1] == 3`, true},
		{`len(fetch_result.items) == 3`, true},
		{`len(env) > 10`, false},
		{`limits.cpu == 4`, true},
		{`exists(fetch_result.meta)`, true},
		{`exists(fetch_result.missing)`, false},
		{`exists(undefined_name)`, false},
		{`exists(nothing)`, false},
		{`empty(tags)`, false},
		{`empty(undefined_name)`, true},
		{`empty(empty)`, true},
		{`exists(skip) and skip.enabled`, false},
		{`tags`, true},
		{`[]`, false},
		{`word[0] == "é"`, true},
		{`word[-1] == "é"`, true},
		{`word[1] == "t"`, true},
		{`len(word) == 3`, true},
	}

	e := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, testScope())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	tests := []struct {
		expr string
		kind error
	}{
		{`env ==`, ErrSyntax},
		{`env == "prod`, ErrSyntax},
		{`count > `, ErrSyntax},
		{`(count > 1`, ErrSyntax},
		{`count > 1)`, ErrSyntax},
		{`env # 1`, ErrSyntax},
		{`__import__("os")`, ErrSyntax},
		{`len(tags, env)`, ErrSyntax},
		{`env not tags`, ErrSyntax},
		{``, ErrSyntax},
		{`undefined_name == 1`, ErrEval},
		{`fetch_result.missing == 1`, ErrEval},
		{`env > 3`, ErrEval},
		{`1 in count`, ErrEval},
		{`len(count) > 0`, ErrEval},
		{`fetch_result.items[7] == 1`, ErrEval},
		{`fetch_result.items[0.5] == 1`, ErrEval},
	}

	e := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := e.Evaluate(tt.expr, testScope())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

type payload struct {
	Data any
}

func TestEqualityOfUncomparableValues(t *testing.T) {
	scope := map[string]any{
		"x": payload{Data: []int{1}},
		"y": payload{Data: []int{1}},
		"z": payload{Data: []int{2}},
	}

	e := NewEvaluator()
	for expr, want := range map[string]bool{
		`x == y`: true,
		`x != z`: true,
		`x == z`: false,
	} {
		var got bool
		var err error
		require.NotPanics(t, func() { got, err = e.Evaluate(expr, scope) }, expr)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}

	wf := &types.Workflow{ID: "wf", Context: scope}
	task := &types.Task{ID: "compare", Condition: `x == y`}
	assert.NotPanics(t, func() { assert.True(t, e.ShouldExecute(task, wf)) })
}

func TestParseString(t *testing.T) {
	node, err := Parse(`a.b == 1 and not "x" in c or len(d[0]) > -2`)
	require.NoError(t, err)
	assert.Equal(t, `(((a.b == 1) and (not ("x" in c))) or (len(d[0]) > (-2)))`, node.String())
}

func TestShouldExecute(t *testing.T) {
	wf := &types.Workflow{
		ID:      "wf",
		Context: map[string]any{"threshold": 10},
		Tasks: []*types.Task{
			{ID: "fetch", Status: types.TaskStatusCompleted, Result: map[string]any{"count": 12}},
			{ID: "pending", Status: types.TaskStatusPending, Result: nil},
			{ID: "guarded", Condition: `fetch_result.count > threshold`},
			{ID: "declined", Condition: `fetch_result.count > 100`},
			{ID: "unguarded"},
			{ID: "not_yet", Condition: `exists(pending_result)`},
		},
	}

	e := NewEvaluator()
	assert.True(t, e.ShouldExecute(wf.Task("guarded"), wf))
	assert.False(t, e.ShouldExecute(wf.Task("declined"), wf))
	assert.True(t, e.ShouldExecute(wf.Task("unguarded"), wf))
	assert.False(t, e.ShouldExecute(wf.Task("not_yet"), wf))
}

func TestShouldExecuteFailurePolicy(t *testing.T) {
	wf := &types.Workflow{ID: "wf", Context: map[string]any{}}
	broken := &types.Task{ID: "t", Condition: `missing.field > 1`}

	core, logs := observer.New(zap.WarnLevel)
	open := NewEvaluator(WithLogger(zap.New(core)))
	assert.True(t, open.ShouldExecute(broken, wf), "errors run the task by default")
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "t", logs.All()[0].ContextMap()["task_id"])

	closed := NewEvaluator(WithFailClosed(true))
	assert.False(t, closed.ShouldExecute(broken, wf))

	syntax := &types.Task{ID: "s", Condition: `((`}
	assert.True(t, open.ShouldExecute(syntax, wf))
	assert.False(t, closed.ShouldExecute(syntax, wf))
}

func TestCompileCaches(t *testing.T) {
	e := NewEvaluator()
	first, err := e.Compile(`a == 1`)
	require.NoError(t, err)
	second, err := e.Compile(`a == 1`)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestTruthy(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(0))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy([]int{}))
	assert.False(t, Truthy(map[string]any{}))
	assert.True(t, Truthy(int64(2)))
	assert.True(t, Truthy("x"))
	assert.True(t, Truthy(struct{}{}))
}
