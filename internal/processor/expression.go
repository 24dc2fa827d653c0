package processor

import (
	"context"
	"fmt"
	"sort"

	"cdcstream/internal/config"
	"cdcstream/pkg/cel"
	"cdcstream/pkg/models"
)

type compiledField struct {
	name string
	expr *cel.Expression
}

// NewExpression compiles every field of cfg. Fields are evaluated in name
// order against the incoming payload, so one field cannot see another's
// result.
func NewExpression(evaluator *cel.Evaluator, cfg config.ExpressionConfig) (Func, error) {
	names := make([]string, 0, len(cfg.Fields))
	for name := range cfg.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]compiledField, 0, len(names))
	for _, name := range names {
		expr, err := evaluator.Compile(cfg.Fields[name])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		fields = append(fields, compiledField{name: name, expr: expr})
	}

	topic := cfg.Topic
	return func(ctx context.Context, in models.Payload) (models.Payload, error) {
		input := in.Clone()
		out := in
		for _, f := range fields {
			v, err := f.expr.Eval(ctx, input, topic)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.name, err)
			}
			out[f.name] = v
		}
		out["processed_by"] = "expression_processor"
		return out, nil
	}, nil
}
