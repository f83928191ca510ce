package rules

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/stageflow/lifecycle-engine/types"
)

// ErrBadConfig marks a rule whose configuration cannot be evaluated
// (unknown type, bad pattern, broken condition). Callers skip such rules
// instead of failing the record.
var ErrBadConfig = errors.New("invalid rule configuration")

// ExistsFunc answers uniqueness checks against the record store.
type ExistsFunc func(ctx context.Context, moduleID uint64, field, value string, caseSensitive bool, excludeRecordID uint64) (bool, error)

// Result is the outcome of evaluating one rule against one value.
type Result struct {
	Pass    bool
	Message string
}

var (
	emailPattern        = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	phonePattern        = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{5,19}$`)
	urlPattern          = regexp.MustCompile(`^https?://\S+$`)
	alphanumericPattern = regexp.MustCompile(`^[a-zA-Z0-9]+$`)
	numericPattern      = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)
)

var defaultMessages = map[types.RuleType]string{
	types.RuleRequiredIf: "value is required",
	types.RuleFormat:     "value has an invalid format",
	types.RuleRange:      "value is out of range",
	types.RuleComparison: "value fails comparison",
	types.RuleUnique:     "value must be unique",
}

// Evaluator evaluates a single validation rule against a field value.
// It holds no per-call state beyond its compiled-program caches and is
// safe for concurrent use.
type Evaluator struct {
	exists   ExistsFunc
	programs map[string]*vm.Program
	patterns map[string]*regexp.Regexp
	mu       sync.RWMutex
}

// NewEvaluator creates an Evaluator. exists may be nil if no unique rules
// are configured.
func NewEvaluator(exists ExistsFunc) *Evaluator {
	return &Evaluator{
		exists:   exists,
		programs: make(map[string]*vm.Program),
		patterns: make(map[string]*regexp.Regexp),
	}
}

// Evaluate runs one rule against value. related is the merged record
// snapshot the rule's condition and comparison operands read from.
// A rule whose condition evaluates false is inactive and passes,
// whatever its type. Data problems are reported through Result; an
// error is returned only for misconfiguration (ErrBadConfig) or store
// failure.
func (e *Evaluator) Evaluate(ctx context.Context, rule types.ValidationRule, value interface{}, related map[string]interface{}, excludeRecordID uint64) (Result, error) {
	active, err := e.conditionMet(rule.Condition, related)
	if err != nil {
		return Result{}, err
	}
	if !active {
		return Result{Pass: true}, nil
	}

	switch rule.RuleType {
	case types.RuleRequiredIf:
		return evalRequiredIf(rule, value), nil
	case types.RuleFormat:
		return e.evalFormat(rule, value)
	case types.RuleRange:
		return evalRange(rule, value)
	case types.RuleComparison:
		return evalComparison(rule, value, related)
	case types.RuleUnique:
		return e.evalUnique(ctx, rule, value, excludeRecordID)
	default:
		return Result{}, fmt.Errorf("%w: unknown rule type %q", ErrBadConfig, rule.RuleType)
	}
}

// evalRequiredIf runs after the shared condition gate, so reaching it
// means the rule is active and the value must be present.
func evalRequiredIf(rule types.ValidationRule, value interface{}) Result {
	if IsEmpty(value) {
		return fail(rule)
	}
	return Result{Pass: true}
}

func (e *Evaluator) evalFormat(rule types.ValidationRule, value interface{}) (Result, error) {
	// Absence is governed by required_if, not format.
	if IsEmpty(value) {
		return Result{Pass: true}, nil
	}
	s := strings.TrimSpace(fmt.Sprintf("%v", value))

	var pattern *regexp.Regexp
	switch rule.Config.FormatType {
	case types.FormatEmail:
		pattern = emailPattern
	case types.FormatPhone:
		pattern = phonePattern
	case types.FormatURL:
		pattern = urlPattern
	case types.FormatAlphanumeric:
		pattern = alphanumericPattern
	case types.FormatNumeric:
		pattern = numericPattern
	case types.FormatRegex:
		var err error
		pattern, err = e.compilePattern(rule.Config.Pattern)
		if err != nil {
			return Result{}, err
		}
	default:
		return Result{}, fmt.Errorf("%w: unknown format type %q", ErrBadConfig, rule.Config.FormatType)
	}

	if !pattern.MatchString(s) {
		return fail(rule), nil
	}
	return Result{Pass: true}, nil
}

func evalRange(rule types.ValidationRule, value interface{}) (Result, error) {
	if IsEmpty(value) {
		return Result{Pass: true}, nil
	}
	f, ok := ToFloat(value)
	if !ok {
		return fail(rule), nil
	}
	if rule.Config.Min != nil && f < *rule.Config.Min {
		return fail(rule), nil
	}
	if rule.Config.Max != nil && f > *rule.Config.Max {
		return fail(rule), nil
	}
	return Result{Pass: true}, nil
}

func evalComparison(rule types.ValidationRule, value interface{}, related map[string]interface{}) (Result, error) {
	if IsEmpty(value) {
		return Result{Pass: true}, nil
	}
	other, present := related[rule.Config.CompareField]
	if !present || IsEmpty(other) {
		// Fails closed when the compared field is absent.
		return fail(rule), nil
	}

	switch rule.Config.Operator {
	case types.OpEq, types.OpNe:
		equal := looseEqual(value, other)
		if (rule.Config.Operator == types.OpEq) != equal {
			return fail(rule), nil
		}
		return Result{Pass: true}, nil
	case types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		a, aok := ToFloat(value)
		b, bok := ToFloat(other)
		if !aok || !bok {
			return fail(rule), nil
		}
		var pass bool
		switch rule.Config.Operator {
		case types.OpGt:
			pass = a > b
		case types.OpGte:
			pass = a >= b
		case types.OpLt:
			pass = a < b
		case types.OpLte:
			pass = a <= b
		}
		if !pass {
			return fail(rule), nil
		}
		return Result{Pass: true}, nil
	default:
		return Result{}, fmt.Errorf("%w: unknown comparison operator %q", ErrBadConfig, rule.Config.Operator)
	}
}

func (e *Evaluator) evalUnique(ctx context.Context, rule types.ValidationRule, value interface{}, excludeRecordID uint64) (Result, error) {
	if IsEmpty(value) {
		return Result{Pass: true}, nil
	}
	if e.exists == nil {
		return Result{}, errors.New("unique rule requires a record store exists check")
	}
	taken, err := e.exists(ctx, rule.ModuleID, rule.TargetField, fmt.Sprintf("%v", value), rule.Config.CaseSensitive, excludeRecordID)
	if err != nil {
		return Result{}, fmt.Errorf("uniqueness check failed: %w", err)
	}
	if taken {
		return fail(rule), nil
	}
	return Result{Pass: true}, nil
}

// conditionMet evaluates a rule activation condition against the merged
// record values. An empty condition is always met. Compiled programs are
// cached by expression text.
func (e *Evaluator) conditionMet(condition string, env map[string]interface{}) (bool, error) {
	if strings.TrimSpace(condition) == "" {
		return true, nil
	}
	if env == nil {
		env = make(map[string]interface{})
	}

	e.mu.RLock()
	program, ok := e.programs[condition]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.programs[condition]; !ok {
			var err error
			program, err = expr.Compile(condition, expr.Env(env), expr.AllowUndefinedVariables())
			if err != nil {
				e.mu.Unlock()
				return false, fmt.Errorf("%w: condition %q: %v", ErrBadConfig, condition, err)
			}
			e.programs[condition] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("%w: condition %q: %v", ErrBadConfig, condition, err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("%w: condition %q did not evaluate to a boolean, got %T", ErrBadConfig, condition, result)
	}
	return b, nil
}

func (e *Evaluator) compilePattern(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.patterns[pattern]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok = e.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern %q: %v", ErrBadConfig, pattern, err)
	}
	e.patterns[pattern] = re
	return re, nil
}

func fail(rule types.ValidationRule) Result {
	msg := rule.ErrorMessage
	if msg == "" {
		msg = defaultMessages[rule.RuleType]
	}
	return Result{Pass: false, Message: msg}
}

// IsEmpty reports whether a field value is absent for validation purposes.
func IsEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}

// ToFloat coerces a field value to a float64 for numeric checks.
func ToFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// looseEqual compares two values numerically when both coerce to numbers,
// otherwise by string representation.
func looseEqual(a, b interface{}) bool {
	af, aok := ToFloat(a)
	bf, bok := ToFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
