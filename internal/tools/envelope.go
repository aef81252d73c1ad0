package tools

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/mcp"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/services"
)

// Envelope is the standardized response body carried inside the tool
// result's text block. Every controller action goes through the one
// formatter below; none assembles responses by hand.
type Envelope struct {
	Status      string                 `json:"status"`
	Success     bool                   `json:"success"`
	Operation   string                 `json:"operation"`
	OperationID string                 `json:"operation_id"`
	Timestamp   string                 `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Error       *EnvelopeError         `json:"error,omitempty"`
	Confirmation Confirmation          `json:"confirmation"`
}

// EnvelopeError is the user-visible error block. Debugging detail stays in
// the logs keyed by operation_id.
type EnvelopeError struct {
	Message   string                 `json:"message"`
	Code      models.ErrorCode       `json:"code"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Operation string                 `json:"operation"`
	Timestamp string                 `json:"timestamp"`
}

// Confirmation reports what actually happened to stored state.
type Confirmation struct {
	OperationCompleted bool     `json:"operation_completed"`
	DataPersisted      bool     `json:"data_persisted"`
	PartialFailures    []string `json:"partial_failures"`
}

const (
	statusSuccess = "success"
	statusPartial = "partial_success"
	statusFailure = "failure"
)

// formatter builds envelopes and serializes them into tool results.
type formatter struct {
	logger observability.Logger
}

func newFormatter(logger observability.Logger) *formatter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &formatter{logger: logger}
}

// success wraps data for a fully-applied operation.
func (f *formatter) success(tool, action string, data map[string]interface{}) *mcp.ToolsCallResult {
	return f.render(f.envelope(tool, action, statusSuccess, data, nil))
}

// partial wraps data for an operation whose entity write succeeded but
// whose side channel (context sync) did not.
func (f *formatter) partial(tool, action string, data map[string]interface{}, failures []string) *mcp.ToolsCallResult {
	env := f.envelope(tool, action, statusPartial, data, failures)
	return f.render(env)
}

// failure classifies the error and wraps it. Unclassified errors surface a
// generic message; the original goes to the log keyed by operation_id.
func (f *formatter) failure(tool, action string, err error) *mcp.ToolsCallResult {
	env := f.envelope(tool, action, statusFailure, nil, nil)

	app := models.AsAppError(err)
	if app.Code == models.ErrCodeInternal {
		f.logger.Error("operation failed", map[string]interface{}{
			"operation":    env.Operation,
			"operation_id": env.OperationID,
			"error":        err.Error(),
		})
	}
	env.Error = &EnvelopeError{
		Message:   app.Message,
		Code:      app.Code,
		Details:   app.Details,
		Operation: env.Operation,
		Timestamp: env.Timestamp,
	}
	return f.render(env)
}

func (f *formatter) envelope(tool, action, status string, data map[string]interface{}, failures []string) *Envelope {
	operation := tool
	if action != "" {
		operation = tool + "." + action
	}
	if failures == nil {
		failures = []string{}
	}
	env := &Envelope{
		Status:      status,
		Success:     status != statusFailure,
		Operation:   operation,
		OperationID: uuid.New().String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Data:        data,
		Metadata: map[string]interface{}{
			"operation_details": map[string]interface{}{
				"tool":   tool,
				"action": action,
			},
		},
		Confirmation: Confirmation{
			OperationCompleted: status == statusSuccess,
			DataPersisted:      status != statusFailure,
			PartialFailures:    failures,
		},
	}
	if status != statusFailure {
		if guidance := services.GuidanceFor(tool, action, data); guidance != nil {
			env.Metadata["workflow_guidance"] = guidance
		}
	}
	return env
}

func (f *formatter) render(env *Envelope) *mcp.ToolsCallResult {
	body, err := json.Marshal(env)
	if err != nil {
		f.logger.Error("envelope serialization failed", map[string]interface{}{
			"operation": env.Operation,
			"error":     err.Error(),
		})
		return mcp.ErrorResult(`{"status":"failure","success":false}`)
	}
	return mcp.TextResult(string(body), env.Status == statusFailure)
}
