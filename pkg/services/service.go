// Package services implements the domain operations behind the MCP tools:
// project, branch, task, subtask, dependency, agent, and context management.
// Services compose repositories inside transactions and keep the context
// hierarchy in sync with entity writes.
package services

import (
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// ServiceConfig carries the observability stack and defaults shared by all
// services.
type ServiceConfig struct {
	Logger  observability.Logger
	Metrics observability.MetricsClient
	Tracer  observability.StartSpanFunc

	// DefaultUserID owns entities created without an explicit user.
	DefaultUserID string
}

// normalized fills nil members with no-op implementations.
func (c ServiceConfig) normalized() ServiceConfig {
	if c.Logger == nil {
		c.Logger = observability.NewNoopLogger()
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewNoOpMetricsClient()
	}
	if c.Tracer == nil {
		c.Tracer = observability.NoopStartSpan
	}
	if c.DefaultUserID == "" {
		c.DefaultUserID = "default_user"
	}
	return c
}
