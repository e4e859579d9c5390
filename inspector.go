package courier

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrInvalidJSON is returned when a raw payload is not valid JSON.
var ErrInvalidJSON = errors.New("invalid JSON")

// Inspector examines raw bytes and returns a View for field queries.
// Different inspectors handle different formats (JSON, protobuf, etc.).
type Inspector interface {
	Inspect(raw []byte) (View, error)
}

// View provides format-agnostic field access for discriminators and
// association properties. Paths are dot separated.
type View interface {
	// HasField returns true if the path exists in the payload.
	HasField(path string) bool

	// GetString returns the string value at path, or false if not found
	// or not a string.
	GetString(path string) (string, bool)

	// GetBytes returns the raw bytes at path, or false if not found.
	// For JSON, this returns the raw JSON value (including quotes for strings).
	GetBytes(path string) ([]byte, bool)

	// Get returns the value at path, or false if not found.
	Get(path string) (any, bool)
}

// JSONInspector returns an Inspector that uses gjson for field access.
func JSONInspector() Inspector {
	return jsonInspector{}
}

// InspectPayload returns a View over a message payload. Raw payloads
// ([]byte, json.RawMessage) are inspected as JSON; any other payload is
// walked by struct field, json tag, map key or no-argument method.
func InspectPayload(payload any) (View, error) {
	if raw, ok := rawPayload(payload); ok {
		return jsonInspector{}.Inspect(raw)
	}
	return valueView{v: reflect.ValueOf(payload)}, nil
}

type jsonInspector struct{}

func (jsonInspector) Inspect(raw []byte) (View, error) {
	if !gjson.ValidBytes(raw) {
		return nil, ErrInvalidJSON
	}
	return jsonView{raw: raw}, nil
}

type jsonView struct {
	raw []byte
}

func (v jsonView) HasField(path string) bool {
	return gjson.GetBytes(v.raw, path).Exists()
}

func (v jsonView) GetString(path string) (string, bool) {
	r := gjson.GetBytes(v.raw, path)
	if !r.Exists() {
		return "", false
	}
	if r.Type != gjson.String {
		return "", false
	}
	return r.String(), true
}

func (v jsonView) GetBytes(path string) ([]byte, bool) {
	r := gjson.GetBytes(v.raw, path)
	if !r.Exists() {
		return nil, false
	}
	return []byte(r.Raw), true
}

func (v jsonView) Get(path string) (any, bool) {
	r := gjson.GetBytes(v.raw, path)
	if !r.Exists() {
		return nil, false
	}
	if r.Type == gjson.String {
		return r.String(), true
	}
	return r.Value(), true
}

type valueView struct {
	v reflect.Value
}

func (v valueView) HasField(path string) bool {
	_, ok := v.lookup(path)
	return ok
}

func (v valueView) GetString(path string) (string, bool) {
	rv, ok := v.lookup(path)
	if !ok || rv.Kind() != reflect.String {
		return "", false
	}
	return rv.String(), true
}

func (v valueView) GetBytes(path string) ([]byte, bool) {
	rv, ok := v.lookup(path)
	if !ok {
		return nil, false
	}
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return rv.Bytes(), true
	}
	return []byte(fmt.Sprint(rv.Interface())), true
}

func (v valueView) Get(path string) (any, bool) {
	rv, ok := v.lookup(path)
	if !ok {
		return nil, false
	}
	return rv.Interface(), true
}

func (v valueView) lookup(path string) (reflect.Value, bool) {
	cur := v.v
	if path == "" {
		return cur, cur.IsValid()
	}
	for _, seg := range strings.Split(path, ".") {
		next, ok := step(cur, seg)
		if !ok {
			return reflect.Value{}, false
		}
		cur = next
	}
	return cur, true
}

// step resolves one path segment against cur. Methods are tried before
// dereferencing so pointer receivers stay reachable.
func step(cur reflect.Value, seg string) (reflect.Value, bool) {
	if !cur.IsValid() {
		return reflect.Value{}, false
	}
	if out, ok := callGetter(cur, seg); ok {
		return out, true
	}
	for cur.Kind() == reflect.Pointer || cur.Kind() == reflect.Interface {
		if cur.IsNil() {
			return reflect.Value{}, false
		}
		cur = cur.Elem()
	}

	switch cur.Kind() {
	case reflect.Struct:
		t := cur.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if f.Name == seg || tag == seg {
				return cur.Field(i), true
			}
		}
		return callGetter(cur, seg)
	case reflect.Map:
		if cur.Type().Key().Kind() != reflect.String {
			return reflect.Value{}, false
		}
		val := cur.MapIndex(reflect.ValueOf(seg).Convert(cur.Type().Key()))
		if !val.IsValid() {
			return reflect.Value{}, false
		}
		return val, true
	}
	return reflect.Value{}, false
}

// callGetter calls a no-argument method named seg returning a single value.
func callGetter(cur reflect.Value, seg string) (reflect.Value, bool) {
	if cur.Kind() == reflect.Interface && !cur.IsNil() {
		cur = cur.Elem()
	}
	m := cur.MethodByName(seg)
	if !m.IsValid() || m.Type().NumIn() != 0 || m.Type().NumOut() != 1 {
		return reflect.Value{}, false
	}
	if cur.Kind() == reflect.Pointer && cur.IsNil() {
		return reflect.Value{}, false
	}
	return m.Call(nil)[0], true
}
