package config

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// field is one leaf setting of Config, addressed by its dotted yaml key.
type field struct {
	key    string
	index  []int
	kind   reflect.Kind
	secret bool
	oneof  []string
}

var fields = sync.OnceValue(func() []field {
	return collect(reflect.TypeOf(Config{}), "", nil)
})

func collect(t reflect.Type, prefix string, index []int) []field {
	var out []field
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		name, _, _ := strings.Cut(sf.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			continue
		}
		if prefix != "" {
			name = prefix + "." + name
		}
		idx := append(slices.Clone(index), i)
		if sf.Type.Kind() == reflect.Struct {
			out = append(out, collect(sf.Type, name, idx)...)
			continue
		}
		f := field{key: name, index: idx, kind: sf.Type.Kind(), secret: sf.Tag.Get("secret") == "true"}
		if choices := sf.Tag.Get("oneof"); choices != "" {
			f.oneof = strings.Split(choices, ",")
		}
		out = append(out, f)
	}
	return out
}

func lookup(key string) (field, bool) {
	for _, f := range fields() {
		if f.key == key {
			return f, true
		}
	}
	return field{}, false
}

// Keys returns every settable key in declaration order.
func Keys() []string {
	keys := make([]string, 0, len(fields()))
	for _, f := range fields() {
		keys = append(keys, f.key)
	}
	return keys
}

// IsSecretKey reports whether key names a field tagged secret.
func IsSecretKey(key string) bool {
	f, ok := lookup(key)
	return ok && f.secret
}

// Flatten reads every leaf of cfg into a map keyed like "storage.driver".
func Flatten(cfg *Config) map[string]any {
	v := reflect.ValueOf(cfg).Elem()
	out := make(map[string]any, len(fields()))
	for _, f := range fields() {
		out[f.key] = v.FieldByIndex(f.index).Interface()
	}
	return out
}

// MaskSecrets returns a copy of flat with secret values shown as "***"
// plus their last 4 characters. Empty secrets stay empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !ok || s == "" || !IsSecretKey(k) {
			out[k] = v
			continue
		}
		out[k] = "***" + s[max(0, len(s)-4):]
	}
	return out
}

// parse converts raw into the Go type the field holds.
func (f field) parse(raw string) (any, error) {
	switch f.kind {
	case reflect.String:
		if len(f.oneof) > 0 && !slices.Contains(f.oneof, raw) {
			return nil, fmt.Errorf("%s must be one of %s, got %q", f.key, strings.Join(f.oneof, ", "), raw)
		}
		return raw, nil
	case reflect.Int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s wants an integer, got %q", f.key, raw)
		}
		return n, nil
	case reflect.Float32, reflect.Float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s wants a number, got %q", f.key, raw)
		}
		return n, nil
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%s wants true or false, got %q", f.key, raw)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%s has unsupported type %s", f.key, f.kind)
}

// setPath stores v under the nested keys in m, replacing any non-map
// value found on the way.
func setPath(m map[string]any, path []string, v any) {
	for _, part := range path[:len(path)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[path[len(path)-1]] = v
}
