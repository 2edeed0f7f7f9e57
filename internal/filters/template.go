package filters

import (
	"context"
	"fmt"
	"net/http"

	"github.com/yelp/casper/internal/config"
	"github.com/yelp/casper/internal/pipeline"
	"github.com/yelp/casper/internal/templates"
)

// templateFilter unconditionally short-circuits with a sandboxed
// text/template + sprig rendered body (e.g. a maintenance-mode page).
// Grounded on the teacher's internal/templates sandboxed renderer.
type templateFilter struct {
	tmpl   *templates.Template
	status int
}

func newTemplateFilter(def config.FilterConfig, renderer *templates.Renderer) (Filter, error) {
	if renderer == nil {
		renderer = templates.NewRenderer(nil)
	}
	tmpl, err := renderer.CompileInline("filter", def.Template)
	if err != nil {
		return nil, fmt.Errorf("filters: template compile: %w", err)
	}
	if tmpl == nil {
		return nil, fmt.Errorf("filters: template kind requires a non-empty template")
	}
	status := def.ShortCircuitStatus
	if status == 0 {
		status = http.StatusServiceUnavailable
	}
	return &templateFilter{tmpl: tmpl, status: status}, nil
}

func (f *templateFilter) OnRequest(_ context.Context, st *pipeline.State) (*pipeline.Response, error) {
	body, err := f.tmpl.Render(requestContext(st))
	if err != nil {
		return nil, fmt.Errorf("filters: template render: %w", err)
	}
	return &pipeline.Response{
		Status:  f.status,
		Headers: map[string]string{"Content-Type": "text/html; charset=utf-8"},
		Body:    []byte(body),
	}, nil
}

func (f *templateFilter) AfterResponse(context.Context, *pipeline.State) error {
	return nil
}
