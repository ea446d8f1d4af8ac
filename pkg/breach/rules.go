// Package breach evaluates threshold rules against rollup items and tracks
// the open/ack/resolve lifecycle of the resulting breaches across runs.
package breach

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aegisrisk/aegis-core/pkg/canonical"
	"github.com/aegisrisk/aegis-core/pkg/domain"
)

const ruleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["metric", "operator", "value"],
  "properties": {
    "metric": {"type": "string", "minLength": 1},
    "operator": {"enum": ["==", "!=", "<", "<=", ">", ">="]},
    "value": {"type": "number"},
    "where": {
      "type": "object",
      "additionalProperties": {"type": ["string", "number", "boolean", "null"]}
    },
    "expr": {"type": "string", "minLength": 1}
  }
}`

var ruleSchema = mustCompileRuleSchema()

func mustCompileRuleSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://aegisrisk.schemas.local/breach/rule.schema.json"
	if err := c.AddResource(url, strings.NewReader(ruleSchemaJSON)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// ValidateRule checks rule_json before a rule is stored or evaluated.
func ValidateRule(rule map[string]interface{}) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("breach: encode rule: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("breach: decode rule: %w", err)
	}
	if err := ruleSchema.Validate(decoded); err != nil {
		return fmt.Errorf("breach: invalid rule: %w", err)
	}
	if expr, ok := rule["expr"].(string); ok && expr != "" {
		if _, err := compileExpr(expr); err != nil {
			return err
		}
	}
	return nil
}

var operators = map[string]func(a, b float64) bool{
	">":  func(a, b float64) bool { return a > b },
	">=": func(a, b float64) bool { return a >= b },
	"<":  func(a, b float64) bool { return a < b },
	"<=": func(a, b float64) bool { return a <= b },
	"==": func(a, b float64) bool { return a == b },
	"!=": func(a, b float64) bool { return a != b },
}

// Match is one rollup item a rule flagged.
type Match struct {
	Key         map[string]interface{}
	KeyHash     string
	MetricValue float64
}

// EvaluateRule applies rule_json = {metric, operator, value, where, expr?}
// to rollup items. Rows whose rollup_key_json does not contain all of where,
// or whose metric cannot coerce to a number, are skipped. When expr is set it
// is an additional CEL predicate over {key, metrics}. Matches come back
// sorted by the canonical JSON of their group key.
func EvaluateRule(items []*domain.RollupResultItem, rule map[string]interface{}) ([]Match, error) {
	metric, _ := rule["metric"].(string)
	opSymbol, _ := rule["operator"].(string)
	opFn, ok := operators[opSymbol]
	if !ok {
		return nil, nil
	}
	target, ok := toFloat(rule["value"])
	if !ok {
		return nil, nil
	}
	where, _ := rule["where"].(map[string]interface{})

	var program cel.Program
	if expr, ok := rule["expr"].(string); ok && expr != "" {
		var err error
		program, err = compileExpr(expr)
		if err != nil {
			return nil, err
		}
	}

	type sortable struct {
		match Match
		order string
	}
	var matches []sortable
	for _, item := range items {
		if !keyContains(item.RollupKey, where) {
			continue
		}
		value, ok := toFloat(item.Metrics[metric])
		if !ok || !opFn(value, target) {
			continue
		}
		if program != nil {
			allowed, err := evalPredicate(program, item)
			if err != nil || !allowed {
				continue
			}
		}

		keyHash := item.RollupKeyHash
		order, err := canonical.MarshalString(item.RollupKey)
		if err != nil {
			return nil, fmt.Errorf("breach: canonicalize group key: %w", err)
		}
		if keyHash == "" {
			keyHash = canonical.HashBytes([]byte(order))
		}
		matches = append(matches, sortable{
			match: Match{Key: item.RollupKey, KeyHash: keyHash, MetricValue: value},
			order: order,
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].order < matches[j].order })
	out := make([]Match, len(matches))
	for i, m := range matches {
		out[i] = m.match
	}
	return out, nil
}

func keyContains(key, where map[string]interface{}) bool {
	for k, expected := range where {
		actual := key[k]
		af, aok := toFloat(actual)
		ef, eok := toFloat(expected)
		if aok && eok {
			if af != ef {
				return false
			}
			continue
		}
		if actual != expected {
			return false
		}
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error

	programMu    sync.RWMutex
	programCache = map[string]cel.Program{}
)

func ruleEnv() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("key", cel.DynType),
			cel.Variable("metrics", cel.DynType),
		)
	})
	return celEnv, celEnvErr
}

func compileExpr(expr string) (cel.Program, error) {
	programMu.RLock()
	prg, hit := programCache[expr]
	programMu.RUnlock()
	if hit {
		return prg, nil
	}

	env, err := ruleEnv()
	if err != nil {
		return nil, fmt.Errorf("breach: cel environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("breach: compile expr: %w", issues.Err())
	}
	prg, err = env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("breach: build expr program: %w", err)
	}

	programMu.Lock()
	programCache[expr] = prg
	programMu.Unlock()
	return prg, nil
}

func evalPredicate(prg cel.Program, item *domain.RollupResultItem) (bool, error) {
	metrics := make(map[string]interface{}, len(item.Metrics))
	for k, v := range item.Metrics {
		metrics[k] = v
	}
	out, _, err := prg.Eval(map[string]interface{}{
		"key":     item.RollupKey,
		"metrics": metrics,
	})
	if err != nil {
		return false, err
	}
	allowed, ok := out.Value().(bool)
	return ok && allowed, nil
}
