package executor

import (
	"context"
	"encoding/json"
	"strings"
)

// ArgValue is one pipeline argument: either a literal value or a named
// reference into the pipeline context. Using a tagged variant instead of
// sniffing "${…}" strings removes the ambiguity with literal strings that
// happen to look like placeholders — a ref is a ref because the caller said
// so, not because of its spelling.
//
// For wire compatibility the JSON form still uses the placeholder notation:
// a string "${key}" unmarshals to a context reference, anything else to a
// literal. Lists and nested objects are traversed, so placeholder-shaped
// list elements become refs too.
type ArgValue struct {
	ref   string
	value any
}

// Lit wraps a literal argument value.
func Lit(v any) ArgValue { return ArgValue{value: v} }

// Ref names a pipeline-context key to substitute at execution time.
func Ref(key string) ArgValue { return ArgValue{ref: key} }

// IsRef reports whether the value is a context reference.
func (a ArgValue) IsRef() bool { return a.ref != "" }

// resolve produces the concrete argument value. A reference whose context
// key is absent degrades to the literal "${key}" string rather than failing
// the step.
func (a ArgValue) resolve(pctx map[string]any) any {
	if a.ref != "" {
		if v, ok := pctx[a.ref]; ok {
			return v
		}
		return "${" + a.ref + "}"
	}
	switch v := a.value.(type) {
	case []ArgValue:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = item.resolve(pctx)
		}
		return out
	case map[string]ArgValue:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = item.resolve(pctx)
		}
		return out
	default:
		return a.value
	}
}

// placeholderKey extracts "key" from "${key}", or "" if s is not
// placeholder-shaped.
func placeholderKey(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && len(s) > 3 {
		return s[2 : len(s)-1]
	}
	return ""
}

// UnmarshalJSON accepts the legacy wire notation: placeholder-shaped
// strings become refs, arrays and objects are traversed, everything else is
// a literal.
func (a *ArgValue) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*a = fromWire(raw)
	return nil
}

func fromWire(raw any) ArgValue {
	switch v := raw.(type) {
	case string:
		if key := placeholderKey(v); key != "" {
			return Ref(key)
		}
		return Lit(v)
	case []any:
		items := make([]ArgValue, len(v))
		for i, item := range v {
			items[i] = fromWire(item)
		}
		return ArgValue{value: items}
	case map[string]any:
		items := make(map[string]ArgValue, len(v))
		for k, item := range v {
			items[k] = fromWire(item)
		}
		return ArgValue{value: items}
	default:
		return Lit(v)
	}
}

// MarshalJSON writes refs back in placeholder notation.
func (a ArgValue) MarshalJSON() ([]byte, error) {
	if a.ref != "" {
		return json.Marshal("${" + a.ref + "}")
	}
	return json.Marshal(a.value)
}

// Step is one pipeline stage. The zero value of Optional preserves the
// required-by-default semantics: a required step's failure halts the
// pipeline.
type Step struct {
	Tool          string              `json:"tool"`
	Args          map[string]ArgValue `json:"arguments,omitempty"`
	OutputMapping map[string]string   `json:"output_mapping,omitempty"` // context key → dot path into the step result
	Optional      bool                `json:"optional,omitempty"`
}

// StepResult records one executed stage: the tool, the arguments after
// context substitution, and its result.
type StepResult struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"arguments"`
	Result Result         `json:"result"`
}

// ExecutePipeline runs the steps strictly in order over a single context
// map. The context flows forward only: a step's output mappings populate
// values that later steps' argument refs consume, never the reverse. When a
// required step fails the pipeline stops and the partial results — including
// the failing step — are returned so callers can see how far it got.
func (e *Executor) ExecutePipeline(ctx context.Context, steps []Step) []StepResult {
	pctx := make(map[string]any)
	results := make([]StepResult, 0, len(steps))

	for _, step := range steps {
		args := make(map[string]any, len(step.Args))
		for k, v := range step.Args {
			args[k] = v.resolve(pctx)
		}

		result := e.Execute(ctx, step.Tool, args)

		for ctxKey, path := range step.OutputMapping {
			pctx[ctxKey] = lookupPath(map[string]any(result), path)
		}

		results = append(results, StepResult{Tool: step.Tool, Args: args, Result: result})

		if result.IsError() && !step.Optional {
			e.logger.Warn("pipeline halted at required step",
				"tool", step.Tool,
				"step", len(results),
				"error", result.ErrorMessage(),
			)
			break
		}
	}

	return results
}

// lookupPath walks a dot-separated path through nested maps. Returns nil
// when any segment is missing or a non-map is traversed into.
func lookupPath(obj map[string]any, path string) any {
	var value any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return nil
		}
		value, ok = m[part]
		if !ok {
			return nil
		}
	}
	return value
}
