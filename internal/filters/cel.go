package filters

import (
	"context"
	"fmt"
	"net/http"

	"github.com/yelp/casper/internal/config"
	"github.com/yelp/casper/internal/expr"
	"github.com/yelp/casper/internal/pipeline"
)

// celFilter evaluates a boolean CEL expression against request/cache
// metadata and short-circuits with a canned response when it matches.
// Grounded on the teacher's internal/expr hybrid evaluator, repurposed
// from rule-condition evaluation to a cache filter predicate.
type celFilter struct {
	program expr.Program
	status  int
}

func newCELFilter(def config.FilterConfig) (Filter, error) {
	env, err := expr.NewFilterEnvironment()
	if err != nil {
		return nil, fmt.Errorf("filters: cel environment: %w", err)
	}
	program, err := env.Compile(def.Expression)
	if err != nil {
		return nil, fmt.Errorf("filters: cel compile: %w", err)
	}
	status := def.ShortCircuitStatus
	if status == 0 {
		status = http.StatusForbidden
	}
	return &celFilter{program: program, status: status}, nil
}

func (f *celFilter) OnRequest(_ context.Context, st *pipeline.State) (*pipeline.Response, error) {
	matched, err := f.program.EvalBool(requestContext(st))
	if err != nil {
		return nil, fmt.Errorf("filters: cel eval: %w", err)
	}
	if !matched {
		return nil, nil
	}
	return &pipeline.Response{
		Status: f.status,
		Body:   []byte(fmt.Sprintf("request rejected by filter: %s", f.program.Source())),
	}, nil
}

func (f *celFilter) AfterResponse(context.Context, *pipeline.State) error {
	return nil
}
