package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/omerlefaruk/casare-rpa/internal/platform/logger"
)

// Resolver turns configuration values into runtime values by substituting
// variable references and evaluating safe expressions. Resolution is a pure
// function of (value, variables); failures degrade to nil, never to a crash.
type Resolver struct {
	log logger.Logger
}

// NewResolver creates a resolver. Evaluation warnings go to the logger.
func NewResolver(log logger.Logger) *Resolver {
	if log == nil {
		log = logger.NewNop()
	}
	return &Resolver{log: log}
}

var (
	bracePattern   = regexp.MustCompile(`\{\{(.*?)\}\}`)
	dollarPattern  = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	percentPattern = regexp.MustCompile(`%([A-Za-z_][A-Za-z0-9_]*)%`)
	identPattern   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Resolve recursively resolves a configuration value. Strings are templated;
// lists and dicts are resolved element-wise; other scalars pass through.
func (r *Resolver) Resolve(value interface{}, vars map[string]interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, vars)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = r.Resolve(item, vars)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = r.Resolve(item, vars)
		}
		return out
	default:
		return value
	}
}

// resolveString applies the template syntaxes. When the entire string is a
// single {{ }} reference the resolved value keeps its native type; otherwise
// matches are stringified and spliced into the surrounding text.
func (r *Resolver) resolveString(s string, vars map[string]interface{}) interface{} {
	if m := bracePattern.FindStringSubmatch(s); m != nil && m[0] == s {
		val, ok := r.evalBrace(strings.TrimSpace(m[1]), vars)
		if ok {
			return val
		}
		return s // not a safe expression, keep the literal
	}

	out := bracePattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := strings.TrimSpace(match[2 : len(match)-2])
		val, ok := r.evalBrace(inner, vars)
		if !ok {
			return match
		}
		return stringify(val)
	})
	out = dollarPattern.ReplaceAllStringFunc(out, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := vars[name]; ok {
			return stringify(v)
		}
		return match
	})
	out = percentPattern.ReplaceAllStringFunc(out, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := vars[name]; ok {
			return stringify(v)
		}
		return match
	})
	return out
}

// evalBrace handles the inside of a {{ }} template. Bare identifiers are a
// plain variable lookup; anything else goes through the safe expression
// grammar. The bool result is false only when the input is not resolvable
// as a template at all, in which case the caller keeps the literal text.
func (r *Resolver) evalBrace(inner string, vars map[string]interface{}) (interface{}, bool) {
	if identPattern.MatchString(inner) {
		switch inner {
		case "true", "True", "false", "False", "null", "None", "and", "or", "not":
		default:
			v, ok := vars[inner]
			if !ok {
				r.log.Warn("template references undefined variable", "name", inner)
				return nil, true
			}
			return v, true
		}
	}

	val, err := evalExpression(inner, vars)
	if err != nil {
		if isParseError(err) {
			return nil, false
		}
		r.log.Warn("expression evaluation failed", "expression", inner, "error", err)
		return nil, true
	}
	return val, true
}

// Evaluate resolves a string that must be an expression, such as an If
// condition. Parse failures are evaluation failures here, but still degrade
// to nil rather than an error the engine must unwind.
func (r *Resolver) Evaluate(expression string, vars map[string]interface{}) interface{} {
	inner := strings.TrimSpace(expression)
	if m := bracePattern.FindStringSubmatch(inner); m != nil && m[0] == inner {
		inner = strings.TrimSpace(m[1])
	}
	val, err := evalExpression(inner, vars)
	if err != nil {
		r.log.Warn("expression evaluation failed", "expression", expression, "error", err)
		return nil
	}
	return val
}

// Truthy reports whether a resolved value counts as true in conditions:
// nil, zero, and empty string/collection are false.
func Truthy(v interface{}) bool { return truthy(v) }

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		// Whole floats print without a trailing .0, matching how values
		// decoded from JSON are displayed.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
