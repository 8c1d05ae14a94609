// Package deepmerge applies a configuration patch onto an existing JSON-like tree
// with restrictive semantics: a patch may only overwrite values that already exist,
// and only with a value of the same kind.
//
// Trees are the values produced by encoding/json decoding into any:
// map[string]any, []any, string, bool, float64 (or any Go integer/float, or
// json.Number) and nil.
//
// Rules, applied per key of the patch:
//
//   - keys absent from the target are not applied and are listed in Result.Skipped
//   - a nil patch value leaves the target value unchanged
//   - objects merge recursively; arrays merge element-wise for indices the target
//     already has, extra patch elements are skipped
//   - a nil target value accepts any scalar patch value
//   - otherwise the kinds must match, or the merge fails with *TypeError
//
// Merge never mutates its inputs. On error the caller gets no partial result.
package deepmerge

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/c360/tagstreams/errors"
)

// Kind is the JSON kind of a tree value.
type Kind string

const (
	KindNull   Kind = "null"
	KindBool   Kind = "bool"
	KindNumber Kind = "number"
	KindString Kind = "string"
	KindObject Kind = "object"
	KindArray  Kind = "array"
)

// TypeError reports a patch value whose kind disagrees with the target value.
type TypeError struct {
	Path string
	Want Kind
	Got  Kind
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("inconsistent type of property %s: target is %s, patch is %s", e.Path, e.Want, e.Got)
}

// Unwrap lets callers match errors.ErrMergeType.
func (e *TypeError) Unwrap() error {
	return errors.ErrMergeType
}

// Result describes what a merge did.
type Result struct {
	// Applied lists the paths of scalar values written from the patch.
	Applied []string
	// Skipped lists patch paths that do not exist on the target.
	Skipped []string
}

// Changed reports whether any value was written.
func (r Result) Changed() bool {
	return len(r.Applied) > 0
}

// KindOf classifies a tree value.
func KindOf(v any) Kind {
	switch v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case string:
		return KindString
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return KindNumber
	case map[string]any:
		return KindObject
	case []any:
		return KindArray
	default:
		return Kind(fmt.Sprintf("%T", v))
	}
}

// Merge returns a copy of target with patch applied.
func Merge(target, patch map[string]any) (map[string]any, Result, error) {
	var res Result
	out, ok := Clone(target).(map[string]any)
	if !ok || out == nil {
		out = map[string]any{}
	}
	if patch == nil {
		return out, res, nil
	}
	if err := mergeObject(out, patch, "", &res); err != nil {
		return nil, Result{}, err
	}
	return out, res, nil
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func mergeObject(dst, src map[string]any, path string, res *Result) error {
	for key, sval := range src {
		p := join(path, key)
		tval, exists := dst[key]
		if !exists {
			res.Skipped = append(res.Skipped, p)
			continue
		}
		merged, err := mergeValue(tval, sval, p, res)
		if err != nil {
			return err
		}
		dst[key] = merged
	}
	return nil
}

func mergeArray(dst, src []any, path string, res *Result) error {
	for i, sval := range src {
		p := path + "[" + strconv.Itoa(i) + "]"
		if i >= len(dst) {
			res.Skipped = append(res.Skipped, p)
			continue
		}
		merged, err := mergeValue(dst[i], sval, p, res)
		if err != nil {
			return err
		}
		dst[i] = merged
	}
	return nil
}

func mergeValue(tval, sval any, path string, res *Result) (any, error) {
	sk, tk := KindOf(sval), KindOf(tval)

	switch {
	case sk == KindNull:
		return tval, nil
	case tk == KindNull:
		if sk == KindObject || sk == KindArray {
			return tval, nil
		}
		res.Applied = append(res.Applied, path)
		return sval, nil
	case sk != tk:
		return nil, &TypeError{Path: path, Want: tk, Got: sk}
	case sk == KindObject:
		t := tval.(map[string]any)
		return t, mergeObject(t, sval.(map[string]any), path, res)
	case sk == KindArray:
		t := tval.([]any)
		return t, mergeArray(t, sval.([]any), path, res)
	default:
		res.Applied = append(res.Applied, path)
		return sval, nil
	}
}

// Clone deep-copies a tree value. Scalars are returned as-is.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	default:
		return v
	}
}
