package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	// KeySeparator joins the segments of a built key.
	KeySeparator = ":"

	// DefaultMaxKeyLength is the length above which keys are condensed.
	DefaultMaxKeyLength = 200
)

// ErrUnkeyableArg is returned when an argument has no stable rendering, such
// as a func or chan whose only identity is its address.
var ErrUnkeyableArg = errors.New("cache: argument cannot be part of a cache key")

// NamedArg is a keyword argument for key construction. Named args are
// rendered as name=value after the positional ones, ordered by name, so
// the order they are passed in never changes the key.
type NamedArg struct {
	Name  string
	Value any
}

// Named builds a NamedArg.
func Named(name string, value any) NamedArg {
	return NamedArg{Name: name, Value: value}
}

// defaultKeySerializer renders args through reflection and condenses keys
// longer than maxLen into a 16 hex digit xxhash64 digest.
type defaultKeySerializer struct {
	maxLen int
}

// NewDefaultKeySerializer returns the reflection based serializer with
// DefaultMaxKeyLength.
func NewDefaultKeySerializer() KeySerializer {
	return NewKeySerializer(DefaultMaxKeyLength)
}

// NewKeySerializer returns the reflection based serializer condensing keys
// longer than maxLen. A non-positive maxLen disables condensation.
func NewKeySerializer(maxLen int) KeySerializer {
	return &defaultKeySerializer{maxLen: maxLen}
}

// SerializeKey joins method, the positional args and the sorted named args.
// Equal inputs always give equal keys within a process. Args holding a func,
// chan or unsafe pointer have no stable value and fail with
// ErrUnkeyableArg.
func (s *defaultKeySerializer) SerializeKey(method string, args ...any) (string, error) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, method)

	var named []NamedArg
	for i, arg := range args {
		switch a := arg.(type) {
		case NamedArg:
			named = append(named, a)
		case *NamedArg:
			if a != nil {
				named = append(named, *a)
			}
		default:
			part, err := s.render(arg)
			if err != nil {
				return "", fmt.Errorf("%s: arg %d: %w", method, i, err)
			}
			parts = append(parts, part)
		}
	}

	sort.SliceStable(named, func(i, j int) bool { return named[i].Name < named[j].Name })
	for _, n := range named {
		part, err := s.render(n.Value)
		if err != nil {
			return "", fmt.Errorf("%s: arg %s: %w", method, n.Name, err)
		}
		parts = append(parts, n.Name+"="+part)
	}

	key := strings.Join(parts, KeySeparator)
	if s.maxLen > 0 && len(key) > s.maxLen {
		return HashKey(key), nil
	}
	return key, nil
}

// HashKey condenses key into 16 lowercase hex digits.
func HashKey(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}

func (s *defaultKeySerializer) render(v any) (string, error) {
	if v == nil {
		return "nil", nil
	}

	switch t := v.(type) {
	case string:
		return t, nil
	case fmt.Stringer:
		if rv := reflect.ValueOf(v); rv.Kind() != reflect.Ptr || !rv.IsNil() {
			return t.String(), nil
		}
		return "nil", nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return "", fmt.Errorf("%w: %s", ErrUnkeyableArg, rv.Type())
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return "nil", nil
		}
		return s.render(rv.Elem().Interface())
	case reflect.Slice:
		if rv.IsNil() {
			return "slice:nil", nil
		}
		elems, err := s.renderElems(rv)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("slice[%d]:{%s}", rv.Len(), elems), nil
	case reflect.Array:
		elems, err := s.renderElems(rv)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("array[%d]:{%s}", rv.Len(), elems), nil
	case reflect.Map:
		if rv.IsNil() {
			return "map:nil", nil
		}
		return s.renderMap(rv)
	case reflect.Struct:
		return s.renderStruct(rv)
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128,
		reflect.String:
		return fmt.Sprintf("%v", v), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return "fallback:" + rv.Type().String(), nil
	}
	return "json:" + string(data), nil
}

func (s *defaultKeySerializer) renderElems(rv reflect.Value) (string, error) {
	elems := make([]string, rv.Len())
	for i := range elems {
		elem, err := s.render(rv.Index(i).Interface())
		if err != nil {
			return "", err
		}
		elems[i] = elem
	}
	return strings.Join(elems, ","), nil
}

// renderMap sorts pairs by rendered key so iteration order never leaks
// into the key.
func (s *defaultKeySerializer) renderMap(rv reflect.Value) (string, error) {
	pairs := make([]string, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k, err := s.render(iter.Key().Interface())
		if err != nil {
			return "", err
		}
		v, err := s.render(iter.Value().Interface())
		if err != nil {
			return "", err
		}
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return fmt.Sprintf("map[%d]:{%s}", len(pairs), strings.Join(pairs, ",")), nil
}

func (s *defaultKeySerializer) renderStruct(rv reflect.Value) (string, error) {
	rt := rv.Type()
	fields := make([]string, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		v, err := s.render(rv.Field(i).Interface())
		if err != nil {
			return "", err
		}
		fields = append(fields, f.Name+":"+v)
	}
	return fmt.Sprintf("struct:{%s}", strings.Join(fields, ",")), nil
}
