package condition

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"
)

// errUndefined marks lookups of names or keys that are not present; exists()
// and empty() treat it as a value rather than a failure
var errUndefined = fmt.Errorf("%w: undefined", ErrEval)

func (n *literalNode) eval(map[string]any) (any, error) { return n.value, nil }

func (n *identNode) eval(scope map[string]any) (any, error) {
	v, ok := scope[n.name]
	if !ok {
		return nil, fmt.Errorf("%w name %q", errUndefined, n.name)
	}
	return normalize(v), nil
}

func (n *memberNode) eval(scope map[string]any) (any, error) {
	obj, err := n.object.eval(scope)
	if err != nil {
		return nil, err
	}
	key, err := n.key.eval(scope)
	if err != nil {
		return nil, err
	}
	return index(obj, key)
}

func (n *listNode) eval(scope map[string]any) (any, error) {
	out := make([]any, len(n.items))
	for i, item := range n.items {
		v, err := item.eval(scope)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (n *callNode) eval(scope map[string]any) (any, error) {
	arg, err := n.args[0].eval(scope)

	switch n.name {
	case "exists":
		if errors.Is(err, errUndefined) {
			return false, nil
		}
		if err != nil {
			return nil, err
		}
		return arg != nil, nil

	case "empty":
		if errors.Is(err, errUndefined) {
			return true, nil
		}
		if err != nil {
			return nil, err
		}
		if arg == nil {
			return true, nil
		}
		size, ok := length(arg)
		if !ok {
			return false, nil
		}
		return size == 0, nil

	case "len":
		if err != nil {
			return nil, err
		}
		size, ok := length(arg)
		if !ok {
			return nil, fmt.Errorf("%w: len() of %s", ErrEval, typeName(arg))
		}
		return float64(size), nil
	}

	return nil, fmt.Errorf("%w: unknown function %q", ErrEval, n.name)
}

func (n *notNode) eval(scope map[string]any) (any, error) {
	v, err := n.operand.eval(scope)
	if err != nil {
		return nil, err
	}
	return !Truthy(v), nil
}

func (n *negNode) eval(scope map[string]any) (any, error) {
	v, err := n.operand.eval(scope)
	if err != nil {
		return nil, err
	}
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("%w: cannot negate %s", ErrEval, typeName(v))
	}
	return -f, nil
}

func (n *logicalNode) eval(scope map[string]any) (any, error) {
	left, err := n.left.eval(scope)
	if err != nil {
		return nil, err
	}

	// short-circuit so guards like exists(x) and x > 1 never touch x
	l := Truthy(left)
	if n.op == tokenAnd && !l {
		return false, nil
	}
	if n.op == tokenOr && l {
		return true, nil
	}

	right, err := n.right.eval(scope)
	if err != nil {
		return nil, err
	}
	return Truthy(right), nil
}

func (n *compareNode) eval(scope map[string]any) (any, error) {
	left, err := n.left.eval(scope)
	if err != nil {
		return nil, err
	}
	right, err := n.right.eval(scope)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenEQ:
		return equal(left, right), nil
	case tokenNE:
		return !equal(left, right), nil
	case tokenIn:
		found, err := contains(right, left)
		if err != nil {
			return nil, err
		}
		return found != n.negate, nil
	}

	cmp, err := order(left, right)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokenLT:
		return cmp < 0, nil
	case tokenLE:
		return cmp <= 0, nil
	case tokenGT:
		return cmp > 0, nil
	case tokenGE:
		return cmp >= 0, nil
	}
	return nil, fmt.Errorf("%w: unsupported operator %s", ErrEval, n.op)
}

// Truthy converts any value to a boolean: nil, false, zero, and empty
// strings or collections are false, everything else is true
func Truthy(v any) bool {
	switch val := normalize(v).(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	}
	if size, ok := length(v); ok {
		return size > 0
	}
	return true
}

// normalize folds every numeric kind into float64 so comparisons work
// regardless of how the value was produced
func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	}
	return v
}

func index(obj, key any) (any, error) {
	if obj == nil {
		return nil, fmt.Errorf("%w: cannot index null with %v", ErrEval, key)
	}

	if m, ok := obj.(map[string]any); ok {
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: map key must be a string, got %s", ErrEval, typeName(key))
		}
		v, found := m[k]
		if !found {
			return nil, fmt.Errorf("%w key %q", errUndefined, k)
		}
		return normalize(v), nil
	}

	rv := reflect.ValueOf(obj)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: unsupported map key type %s", ErrEval, rv.Type().Key())
		}
		k, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: map key must be a string, got %s", ErrEval, typeName(key))
		}
		v := rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, fmt.Errorf("%w key %q", errUndefined, k)
		}
		return normalize(v.Interface()), nil

	case reflect.String:
		runes := []rune(rv.String())
		i, err := position(key, len(runes))
		if err != nil {
			return nil, err
		}
		return string(runes[i]), nil

	case reflect.Slice, reflect.Array:
		i, err := position(key, rv.Len())
		if err != nil {
			return nil, err
		}
		return normalize(rv.Index(i).Interface()), nil
	}

	return nil, fmt.Errorf("%w: cannot index %s", ErrEval, typeName(obj))
}

// position resolves an integer index, counting negative ones from the end
func position(key any, n int) (int, error) {
	f, ok := key.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: index must be an integer, got %v", ErrEval, key)
	}
	i := int(f)
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("%w index %d", errUndefined, int(f))
	}
	return i, nil
}

func length(v any) (int, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return utf8.RuneCountInString(rv.String()), true
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), true
	}
	return 0, false
}

func equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	if eq, ok := shallowEqual(a, b); ok {
		return eq
	}
	return reflect.DeepEqual(a, b)
}

// shallowEqual compares with ==, reporting false for ok when the dynamic
// values are not comparable (such as structs holding slices in interface fields)
func shallowEqual(a, b any) (eq, ok bool) {
	if !reflect.TypeOf(a).Comparable() {
		return false, false
	}
	defer func() {
		if recover() != nil {
			eq, ok = false, false
		}
	}()
	return a == b, true
}

func order(a, b any) (int, error) {
	switch l := a.(type) {
	case float64:
		if r, ok := b.(float64); ok {
			switch {
			case l < r:
				return -1, nil
			case l > r:
				return 1, nil
			}
			return 0, nil
		}
	case string:
		if r, ok := b.(string); ok {
			return strings.Compare(l, r), nil
		}
	}
	return 0, fmt.Errorf("%w: cannot order %s and %s", ErrEval, typeName(a), typeName(b))
}

func contains(container, item any) (bool, error) {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("%w: 'in <string>' requires string operand, got %s", ErrEval, typeName(item))
		}
		return strings.Contains(c, s), nil
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, found := c[s]
		return found, nil
	case nil:
		return false, fmt.Errorf("%w: 'in' requires a collection, got null", ErrEval)
	}

	rv := reflect.ValueOf(container)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), item) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return false, fmt.Errorf("%w: unsupported map key type %s", ErrEval, rv.Type().Key())
		}
		s, ok := item.(string)
		if !ok {
			return false, nil
		}
		return rv.MapIndex(reflect.ValueOf(s).Convert(rv.Type().Key())).IsValid(), nil
	}

	return false, fmt.Errorf("%w: 'in' requires a collection, got %s", ErrEval, typeName(container))
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case float64:
		return "number"
	case string:
		return "string"
	case bool:
		return "boolean"
	}
	return fmt.Sprintf("%T", v)
}

func (n *literalNode) String() string {
	switch v := n.value.(type) {
	case nil:
		return "null"
	case string:
		return strconv.Quote(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return fmt.Sprint(n.value)
}

func (n *identNode) String() string { return n.name }

func (n *memberNode) String() string {
	if n.dotted {
		if lit, ok := n.key.(*literalNode); ok {
			return fmt.Sprintf("%s.%v", n.object, lit.value)
		}
	}
	return fmt.Sprintf("%s[%s]", n.object, n.key)
}

func (n *listNode) String() string {
	parts := make([]string, len(n.items))
	for i, item := range n.items {
		parts[i] = item.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (n *callNode) String() string {
	parts := make([]string, len(n.args))
	for i, arg := range n.args {
		parts[i] = arg.String()
	}
	return n.name + "(" + strings.Join(parts, ", ") + ")"
}

func (n *notNode) String() string { return "(not " + n.operand.String() + ")" }

func (n *negNode) String() string { return "(-" + n.operand.String() + ")" }

func (n *logicalNode) String() string {
	op := "and"
	if n.op == tokenOr {
		op = "or"
	}
	return fmt.Sprintf("(%s %s %s)", n.left, op, n.right)
}

func (n *compareNode) String() string {
	op := map[tokenType]string{
		tokenEQ: "==", tokenNE: "!=", tokenLT: "<", tokenLE: "<=",
		tokenGT: ">", tokenGE: ">=", tokenIn: "in",
	}[n.op]
	if n.negate {
		op = "not in"
	}
	return fmt.Sprintf("(%s %s %s)", n.left, op, n.right)
}
