package tools

import (
	"context"
	"encoding/json"

	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// actionResult is what a controller action hands back to the dispatcher:
// the envelope data block plus any partial failures (context sync).
type actionResult struct {
	data            map[string]interface{}
	partialFailures []string
}

func ok(data map[string]interface{}) *actionResult {
	return &actionResult{data: data}
}

// syncAware marks the result partial_success when the context sync behind
// an otherwise-successful write failed.
func syncAware(data map[string]interface{}, syncFailed bool) *actionResult {
	res := &actionResult{data: data}
	if syncFailed {
		res.partialFailures = []string{"context_sync"}
	}
	return res
}

type actionFunc func(ctx context.Context, p Params) (*actionResult, error)

// controller is the shared dispatch skeleton behind every tool: parse the
// argument object, route on action, and wrap the outcome in the envelope.
type controller struct {
	name          string
	description   string
	schema        json.RawMessage
	defaultAction string
	actions       map[string]actionFunc
	fmtr          *formatter
}

func (c *controller) Name() string                { return c.name }
func (c *controller) Description() string         { return c.description }
func (c *controller) InputSchema() json.RawMessage { return c.schema }

func (c *controller) Execute(ctx context.Context, raw json.RawMessage) (*mcp.ToolsCallResult, error) {
	p, err := ParseParams(raw)
	if err != nil {
		return c.fmtr.failure(c.name, "", err), nil
	}

	action := p.String("action")
	if action == "" {
		action = c.defaultAction
	}
	fn, found := c.actions[action]
	if !found {
		return c.fmtr.failure(c.name, action, models.NewInvalidAction(c.name, action)), nil
	}

	res, err := fn(ctx, p)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = models.NewAppError(models.ErrCodeTimeout, "operation exceeded its execution budget")
		}
		return c.fmtr.failure(c.name, action, err), nil
	}
	if len(res.partialFailures) > 0 {
		return c.fmtr.partial(c.name, action, res.data, res.partialFailures), nil
	}
	return c.fmtr.success(c.name, action, res.data), nil
}
