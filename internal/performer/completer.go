package performer

import (
	"context"

	"github.com/fyrsmithlabs/taskflow/internal/llm"
)

// Completer sends one prompt to a language model. *llm.Client implements it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req llm.Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req llm.Request) (string, error) {
	return f(ctx, req)
}
