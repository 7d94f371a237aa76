// Package clone produces serialization-safe deep copies of values that cross
// the plugin trust boundary.
//
// A value is first walked to reject anything that cannot be represented as
// plain data (functions, channels, unsafe pointers, complex numbers, cycles,
// non-finite floats, integers beyond 2^53, maps with non-string keys). It is then round-tripped
// through JSON so the result shares no memory with the source.
package clone

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/bytedance/sonic"
)

var api = sonic.ConfigStd

// ErrUncloneable is wrapped by every rejection from Value.
var ErrUncloneable = errors.New("value cannot be safely cloned")

// MaxSafeInteger is the largest integer every number on the wire holds
// exactly. Integers beyond it are rejected rather than rounded.
const MaxSafeInteger = 1<<53 - 1

var (
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// Value returns a deep, plain-data copy of v: nil, bool, float64, string,
// []any or map[string]any.
func Value(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	w := walker{onPath: make(map[visit]bool)}
	if err := w.walk(reflect.ValueOf(v), "$"); err != nil {
		return nil, err
	}

	data, err := api.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUncloneable, err)
	}
	var out any
	if err := api.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUncloneable, err)
	}
	return out, nil
}

// Into clones v and decodes the copy into dst. Rejections wrap
// ErrUncloneable; a copy that does not fit dst returns the decode error.
func Into(v any, dst any) error {
	w := walker{onPath: make(map[visit]bool)}
	if v != nil {
		if err := w.walk(reflect.ValueOf(v), "$"); err != nil {
			return err
		}
	}
	data, err := api.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUncloneable, err)
	}
	return api.Unmarshal(data, dst)
}

type visit struct {
	ptr uintptr
	typ reflect.Type
}

type walker struct {
	onPath map[visit]bool
}

func (w *walker) walk(v reflect.Value, path string) error {
	if !v.IsValid() {
		return nil
	}
	t := v.Type()
	if t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType) {
		return nil
	}

	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		if v.IsNil() {
			return nil
		}
		return fmt.Errorf("%w: %s is a %s", ErrUncloneable, path, v.Kind())

	case reflect.Complex64, reflect.Complex128:
		return fmt.Errorf("%w: %s is a complex number", ErrUncloneable, path)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n := v.Int(); n > MaxSafeInteger || n < -MaxSafeInteger {
			return fmt.Errorf("%w: %s integer %d exceeds 2^53", ErrUncloneable, path, n)
		}
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if n := v.Uint(); n > MaxSafeInteger {
			return fmt.Errorf("%w: %s integer %d exceeds 2^53", ErrUncloneable, path, n)
		}
		return nil

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %s is not a finite number", ErrUncloneable, path)
		}
		return nil

	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return w.walk(v.Elem(), path)

	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return w.enter(v, path, func() error { return w.walk(v.Elem(), path) })

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		switch t.Key().Kind() {
		case reflect.String,
			reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		default:
			if !t.Key().Implements(textMarshalerType) {
				return fmt.Errorf("%w: %s has %s keys", ErrUncloneable, path, t.Key())
			}
		}
		return w.enter(v, path, func() error {
			iter := v.MapRange()
			for iter.Next() {
				if err := w.walk(iter.Value(), fmt.Sprintf("%s.%v", path, iter.Key())); err != nil {
					return err
				}
			}
			return nil
		})

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if t.Elem().Kind() == reflect.Uint8 {
			return nil
		}
		return w.enter(v, path, func() error { return w.walkElems(v, path) })

	case reflect.Array:
		return w.walkElems(v, path)

	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() || field.Tag.Get("json") == "-" {
				continue
			}
			if err := w.walk(v.Field(i), path+"."+field.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *walker) walkElems(v reflect.Value, path string) error {
	for i := 0; i < v.Len(); i++ {
		if err := w.walk(v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
			return err
		}
	}
	return nil
}

// enter tracks reference-typed values on the current path so that cycles are
// reported instead of recursing forever. Shared, acyclic references are fine.
func (w *walker) enter(v reflect.Value, path string, fn func() error) error {
	key := visit{ptr: v.Pointer(), typ: v.Type()}
	if w.onPath[key] {
		return fmt.Errorf("%w: %s contains a cycle", ErrUncloneable, path)
	}
	w.onPath[key] = true
	defer delete(w.onPath, key)
	return fn()
}
