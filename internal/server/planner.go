package server

import (
	"context"

	"github.com/tellurhq/tellur/pkg/executor"
)

// Planner turns a natural language query into tool calls. Implementations
// typically wrap an LLM; the server only needs the resulting call list.
// A nil planner means query messages are rejected with planner_unavailable.
type Planner interface {
	Plan(ctx context.Context, query string) ([]executor.Call, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, query string) ([]executor.Call, error)

func (f PlannerFunc) Plan(ctx context.Context, query string) ([]executor.Call, error) {
	return f(ctx, query)
}
