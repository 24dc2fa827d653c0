package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cdcstream/internal/config"
	"cdcstream/internal/logger"
	"cdcstream/pkg/cel"
	apperrors "cdcstream/pkg/errors"
	"cdcstream/pkg/models"
	"cdcstream/pkg/tracing"
)

// Func transforms one payload. It receives its own copy of the payload and
// may mutate and return it.
type Func func(ctx context.Context, in models.Payload) (models.Payload, error)

// Registry maps topics to processors. It is populated at startup and only
// read afterwards.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Func
	fallback   Func
}

func NewRegistry(fallback Func) *Registry {
	return &Registry{
		processors: make(map[string]Func),
		fallback:   fallback,
	}
}

// Register stores fn for topic, replacing any earlier registration.
func (r *Registry) Register(topic string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[topic] = fn
}

// Resolve returns the processor for topic or the default processor.
func (r *Registry) Resolve(topic string) Func {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.processors[topic]; ok && fn != nil {
		return fn
	}
	return r.fallback
}

func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.processors))
	for t := range r.processors {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

type Options struct {
	Sessions    SessionStore
	Expressions []config.ExpressionConfig
	CDC         config.CDCConfig
	Now         func() time.Time
	Logger      logger.Logger
}

// Build returns a registry holding the default processor, the orders, users
// and events processors, one change processor per enabled CDC source and one
// processor per configured expression block. Expression blocks are
// registered last and replace anything else for the same topic.
func Build(opts Options) (*Registry, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sessions == nil {
		opts.Sessions = NewSyntheticSessions(opts.Now)
	}
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger()
	}

	reg := NewRegistry(NewDefault(opts.Sessions, opts.Now))
	reg.Register("orders", Orders)
	reg.Register("users", Users)
	reg.Register("events", NewEvents(opts.Now))

	if opts.CDC.Enabled {
		for _, src := range opts.CDC.SourceList() {
			fn, err := NewChange(src.Table, opts.Now)
			if err != nil {
				return nil, apperrors.ErrConfig.WithCause(fmt.Errorf("change processor for %s: %w", src.Topic, err))
			}
			reg.Register(src.Topic, fn)
			opts.Logger.Infow("Registered change processor",
				"topic", src.Topic,
				"table", src.Table,
			)
		}
	}

	if len(opts.Expressions) == 0 {
		return reg, nil
	}

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}
	for _, expr := range opts.Expressions {
		fn, err := NewExpression(evaluator, expr)
		if err != nil {
			return nil, apperrors.ErrConfig.WithCause(fmt.Errorf("expression processor for %s: %w", expr.Topic, err))
		}
		reg.Register(expr.Topic, fn)
		opts.Logger.Infow("Registered expression processor",
			"topic", expr.Topic,
			"fields", len(expr.Fields),
		)
	}

	return reg, nil
}

var errNilPayload = errors.New("processor returned no payload")

// Invoke runs fn on in. Panics and returned errors come back as processor
// errors.
func Invoke(ctx context.Context, topic string, fn Func, in models.Payload) (out models.Payload, err error) {
	ctx, span := tracing.GetTracer("processor").Start(ctx, "processor.invoke")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = apperrors.RecoverPanic(r)
		}
		if err != nil {
			span.RecordError(err)
		}
	}()

	out, err = fn(ctx, in)
	if err != nil {
		if !apperrors.IsProcessor(err) {
			err = apperrors.Wrap(fmt.Errorf("topic %s: %w", topic, err), apperrors.ErrProcessor)
		}
		return nil, err
	}
	if out == nil {
		return nil, apperrors.ErrProcessor.WithCause(fmt.Errorf("topic %s: %w", topic, errNilPayload))
	}
	return out, nil
}
