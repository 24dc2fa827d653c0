package cel

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"cdcstream/pkg/models"
)

// Evaluator compiles expressions against a record. Two variables are bound:
// payload (the decoded record) and topic (its source topic).
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("topic", cel.StringType),
		cel.CrossTypeNumericComparisons(true),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

// Expression is a compiled, reusable program. Safe for concurrent use.
type Expression struct {
	source  string
	program cel.Program
}

func (e *Evaluator) Compile(expression string) (*Expression, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression %q: %w", expression, issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Expression{source: expression, program: program}, nil
}

// Eval runs the expression and converts the result into plain Go values so
// it can be stored back into a payload and JSON encoded.
func (x *Expression) Eval(ctx context.Context, payload models.Payload, topic string) (interface{}, error) {
	vars := map[string]interface{}{
		"payload": map[string]interface{}(payload),
		"topic":   topic,
	}

	result, _, err := x.program.ContextEval(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate CEL expression %q: %w", x.source, err)
	}

	return toNative(result)
}

var (
	listType = reflect.TypeOf([]interface{}{})
	mapType  = reflect.TypeOf(map[string]interface{}{})
)

func toNative(val ref.Val) (interface{}, error) {
	switch val.Type() {
	case types.ListType:
		return val.ConvertToNative(listType)
	case types.MapType:
		return val.ConvertToNative(mapType)
	case types.NullType:
		return nil, nil
	case types.TimestampType, types.DurationType:
		return fmt.Sprint(val.Value()), nil
	default:
		return val.Value(), nil
	}
}
