package strategies

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/rustyeddy/algotrader/errs"
)

// Params are the raw instance parameters, as decoded from YAML or JSON.
type Params map[string]any

type ParamType string

const (
	Int    ParamType = "int"
	Float  ParamType = "float"
	String ParamType = "string"
	Bool   ParamType = "bool"
)

// Param declares one parameter. Min and Max apply to numeric types; Enum to
// strings.
type Param struct {
	Name     string
	Type     ParamType
	Required bool
	Default  any
	Min      *float64
	Max      *float64
	Enum     []string
	Help     string
}

type Schema []Param

func bound(v float64) *float64 { return &v }

func (s Schema) check() error {
	seen := make(map[string]bool)
	for _, p := range s {
		if p.Name == "" || seen[p.Name] {
			return fmt.Errorf("bad or duplicate parameter name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Default == nil {
			continue
		}
		if _, err := coerce(p, p.Default); err != nil {
			return fmt.Errorf("default for %q: %w", p.Name, err)
		}
	}
	return nil
}

// Apply validates p against the schema and returns a copy with defaults
// filled in and values coerced to their declared types. All problems are
// reported together as a UserInput error.
func (s Schema) Apply(p Params) (Params, error) {
	out := make(Params, len(s))
	declared := make(map[string]bool, len(s))
	var problems []string

	for _, param := range s {
		declared[param.Name] = true
		raw, ok := p[param.Name]
		if !ok || raw == nil {
			switch {
			case param.Default != nil:
				raw = param.Default
			case param.Required:
				problems = append(problems, fmt.Sprintf("%s: required", param.Name))
				continue
			default:
				continue
			}
		}
		v, err := coerce(param, raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", param.Name, err))
			continue
		}
		out[param.Name] = v
	}

	var unknown []string
	for k := range p {
		if !declared[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		problems = append(problems, fmt.Sprintf("%s: unknown parameter", k))
	}

	if len(problems) > 0 {
		return nil, errs.E(errs.UserInput, "strategies.Schema.Apply", errors.New(strings.Join(problems, "; ")))
	}
	return out, nil
}

func coerce(p Param, raw any) (any, error) {
	switch p.Type {
	case Int:
		f, err := number(raw)
		if err != nil {
			return nil, err
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("want an integer, got %v", raw)
		}
		if err := inRange(p, f); err != nil {
			return nil, err
		}
		return int(f), nil
	case Float:
		f, err := number(raw)
		if err != nil {
			return nil, err
		}
		if err := inRange(p, f); err != nil {
			return nil, err
		}
		return f, nil
	case String:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("want a string, got %T", raw)
		}
		if len(p.Enum) > 0 {
			for _, e := range p.Enum {
				if strings.EqualFold(e, s) {
					return e, nil
				}
			}
			return nil, fmt.Errorf("%q not one of %v", s, p.Enum)
		}
		return s, nil
	case Bool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("want a bool, got %q", v)
			}
			return b, nil
		}
		return nil, fmt.Errorf("want a bool, got %T", raw)
	default:
		return nil, fmt.Errorf("unsupported parameter type %q", p.Type)
	}
}

func number(raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	case uint64:
		f = float64(v)
	case float64:
		f = v
	case float32:
		f = float64(v)
	case string:
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(v), 64); err != nil {
			return 0, fmt.Errorf("want a number, got %q", v)
		}
	default:
		return 0, fmt.Errorf("want a number, got %T", raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("want a finite number, got %v", f)
	}
	return f, nil
}

func inRange(p Param, f float64) error {
	if p.Min != nil && f < *p.Min {
		return fmt.Errorf("%v below minimum %v", f, *p.Min)
	}
	if p.Max != nil && f > *p.Max {
		return fmt.Errorf("%v above maximum %v", f, *p.Max)
	}
	return nil
}

// Accessors for params that went through Schema.Apply. A missing optional
// value yields the zero value.

func (p Params) Int(name string) int {
	v, _ := p[name].(int)
	return v
}

func (p Params) Float(name string) float64 {
	v, _ := p[name].(float64)
	return v
}

func (p Params) Text(name string) string {
	v, _ := p[name].(string)
	return v
}

func (p Params) Bool(name string) bool {
	v, _ := p[name].(bool)
	return v
}
