// Package caster converts between in-memory semantic values and the
// storage representation a driver's dialect natively supports. Each
// driver owns one Caster and registers the plugins its dialect needs.
package caster

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/oakdb/oak/internal/schema"
)

// Plugin is a bidirectional cast for one or more field types.
type Plugin struct {
	// Types lists the field types this plugin handles.
	Types []schema.FieldType

	// Dump converts an in-memory value to its storage form.
	Dump func(v any) (any, error)

	// Load converts a stored value back, falling back to the field's
	// declared initial value where the plugin decides to.
	Load func(v any, initial any) (any, error)
}

// Caster is the per-driver plugin registry.
type Caster struct {
	plugins map[schema.FieldType]*Plugin
}

// New returns a caster preloaded with the dialect-neutral plugins for
// boolean, json and list fields.
func New() *Caster {
	c := &Caster{plugins: make(map[schema.FieldType]*Plugin)}
	c.Register(&Plugin{
		Types: []schema.FieldType{schema.Boolean},
		Dump: func(v any) (any, error) {
			if v == nil {
				return nil, nil
			}
			b, ok := v.(bool)
			if !ok {
				return nil, errors.Newf("expected bool, got %T", v)
			}
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		},
		Load: func(v any, _ any) (any, error) {
			if v == nil {
				return nil, nil
			}
			return asInt64(v) != 0, nil
		},
	})
	c.Register(&Plugin{
		Types: []schema.FieldType{schema.JSON},
		Dump: func(v any) (any, error) {
			if v == nil {
				return nil, nil
			}
			buf, err := json.Marshal(v)
			if err != nil {
				return nil, errors.Wrap(err, "dump json field")
			}
			return string(buf), nil
		},
		Load: func(v any, initial any) (any, error) {
			s := asString(v)
			if s == "" {
				return initial, nil
			}
			var out any
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, errors.Wrap(err, "load json field")
			}
			return out, nil
		},
	})
	c.Register(&Plugin{
		Types: []schema.FieldType{schema.List},
		Dump: func(v any) (any, error) {
			switch list := v.(type) {
			case nil:
				return nil, nil
			case string:
				return list, nil
			case []string:
				return strings.Join(list, ","), nil
			case []any:
				parts := make([]string, len(list))
				for i, item := range list {
					parts[i] = asString(item)
				}
				return strings.Join(parts, ","), nil
			}
			return nil, errors.Newf("expected list, got %T", v)
		},
		Load: func(v any, _ any) (any, error) {
			s := asString(v)
			if s == "" {
				return []string{}, nil
			}
			return strings.Split(s, ","), nil
		},
	})
	return c
}

// Register installs plugin for each of its declared types, replacing any
// previous plugin for the same type.
func (c *Caster) Register(plugin *Plugin) {
	for _, t := range plugin.Types {
		c.plugins[t] = plugin
	}
}

// Plugin returns the plugin registered for t, or nil.
func (c *Caster) Plugin(t schema.FieldType) *Plugin {
	return c.plugins[t]
}

// Dump formats obj through the model's Format hook, then replaces each
// field value with its storage form.
func (c *Caster) Dump(model *schema.Model, obj map[string]any) (map[string]any, error) {
	if model.Format != nil {
		obj = model.Format(obj)
	}
	row := make(map[string]any, len(obj))
	for key, value := range obj {
		field := model.Field(key)
		if field == nil {
			row[key] = value
			continue
		}
		plugin := c.plugins[field.Type]
		if plugin == nil || value == nil {
			row[key] = value
			continue
		}
		stored, err := plugin.Dump(value)
		if err != nil {
			return nil, errors.Wrapf(err, "table %s field %s", model.Name, key)
		}
		row[key] = stored
	}
	return row, nil
}

// Load converts a row read from storage back into model values. Unknown
// keys are rejected; the model's Parse hook runs last.
func (c *Caster) Load(model *schema.Model, row map[string]any) (map[string]any, error) {
	obj := make(map[string]any, len(row))
	for key, value := range row {
		field := model.Field(key)
		if field == nil {
			return nil, errors.Newf("table %s has no field %s", model.Name, key)
		}
		plugin := c.plugins[field.Type]
		if plugin == nil {
			obj[key] = value
			continue
		}
		loaded, err := plugin.Load(value, field.Initial)
		if err != nil {
			return nil, errors.Wrapf(err, "table %s field %s", model.Name, key)
		}
		obj[key] = loaded
	}
	if model.Parse != nil {
		obj = model.Parse(obj)
	}
	return obj, nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case bool:
		if n {
			return 1
		}
		return 0
	case []byte:
		return parseInt(string(n))
	case string:
		return parseInt(n)
	}
	return 0
}

func parseInt(s string) int64 {
	var n int64
	var neg bool
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int64(r-'0')
	}
	if neg {
		return -n
	}
	return n
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	}
	buf, _ := json.Marshal(v)
	return string(buf)
}
