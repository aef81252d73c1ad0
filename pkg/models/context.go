package models

import (
	"time"
)

// GlobalContextID is the fixed id of the singleton global context.
const GlobalContextID = "global_singleton"

// ContextLevel names one of the four inheritance tiers.
type ContextLevel string

const (
	LevelGlobal  ContextLevel = "global"
	LevelProject ContextLevel = "project"
	LevelBranch  ContextLevel = "branch"
	LevelTask    ContextLevel = "task"
)

// levelParents maps each level to the level it inherits from. Global has no
// parent; the zero value signals the chain root.
var levelParents = map[ContextLevel]ContextLevel{
	LevelProject: LevelGlobal,
	LevelBranch:  LevelProject,
	LevelTask:    LevelBranch,
}

// Parent returns the level above l in the inheritance chain and false at
// the root.
func (l ContextLevel) Parent() (ContextLevel, bool) {
	p, ok := levelParents[l]
	return p, ok
}

// Valid reports whether l names a known level.
func (l ContextLevel) Valid() bool {
	switch l {
	case LevelGlobal, LevelProject, LevelBranch, LevelTask:
		return true
	}
	return false
}

// ParseContextLevel normalizes a wire-level string into a ContextLevel.
func ParseContextLevel(s string) (ContextLevel, bool) {
	l := ContextLevel(s)
	if l.Valid() {
		return l, true
	}
	return "", false
}

// Context is one row of the four-tier hierarchy. ID is the owning entity's
// UUID in string form, or GlobalContextID at the root. The parent pointer
// columns drive chain construction during resolve.
type Context struct {
	ID     string       `json:"id" db:"id"`
	Level  ContextLevel `json:"level" db:"level"`
	UserID string       `json:"user_id" db:"user_id"`

	// Parent pointers. A task context carries its branch id, a branch
	// context its project id. Global and project rows leave both nil
	// (a project context's parent is always the global singleton).
	ProjectID *string `json:"project_id,omitempty" db:"project_id"`
	BranchID  *string `json:"git_branch_id,omitempty" db:"branch_id"`

	Data               JSONMap  `json:"data" db:"data"`
	Insights           JSONList `json:"insights" db:"insights"`
	Progress           JSONList `json:"progress" db:"progress"`
	LocalOverrides     JSONMap  `json:"local_overrides,omitempty" db:"local_overrides"`
	DelegationTriggers JSONMap  `json:"delegation_triggers,omitempty" db:"delegation_triggers"`

	InheritanceDisabled bool `json:"inheritance_disabled" db:"inheritance_disabled"`
	Version             int  `json:"version" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ParentRef returns the (level, id) pair the chain walks to next, or false
// at the chain root. Resolution errors for dangling pointers are raised by
// the resolver, not here.
func (c *Context) ParentRef() (ContextLevel, string, bool) {
	switch c.Level {
	case LevelTask:
		if c.BranchID == nil {
			return LevelBranch, "", false
		}
		return LevelBranch, *c.BranchID, true
	case LevelBranch:
		if c.ProjectID == nil {
			return LevelProject, "", false
		}
		return LevelProject, *c.ProjectID, true
	case LevelProject:
		return LevelGlobal, GlobalContextID, true
	default:
		return "", "", false
	}
}

// ChainEntry identifies one consulted context inside a resolved view.
type ChainEntry struct {
	Level   ContextLevel `json:"level"`
	ID      string       `json:"id"`
	Version int          `json:"version"`
}

// ResolvedContext is the merged output of a resolve call.
type ResolvedContext struct {
	Level            ContextLevel `json:"level"`
	ID               string       `json:"id"`
	Data             JSONMap      `json:"data"`
	InheritanceChain []string     `json:"inheritance_chain"`
	Chain            []ChainEntry `json:"-"`
	DependencyHash   string       `json:"dependency_hash"`
	CacheHit         bool         `json:"cache_hit"`
	ResolvedAt       time.Time    `json:"resolved_at"`
}

// ContextDelegation is a queued upward promotion of context data.
type ContextDelegation struct {
	ID             string       `json:"id" db:"id"`
	SourceLevel    ContextLevel `json:"source_level" db:"source_level"`
	SourceID       string       `json:"source_id" db:"source_id"`
	TargetLevel    ContextLevel `json:"target_level" db:"target_level"`
	TargetID       string       `json:"target_id" db:"target_id"`
	DelegatedData  JSONMap      `json:"delegated_data" db:"delegated_data"`
	Reason         string       `json:"reason,omitempty" db:"reason"`
	AutoDelegated  bool         `json:"auto_delegated" db:"auto_delegated"`
	Processed      bool         `json:"processed" db:"processed"`
	Approved       *bool        `json:"approved,omitempty" db:"approved"`
	RejectedReason string       `json:"rejected_reason,omitempty" db:"rejected_reason"`
	CreatedBy      string       `json:"created_by" db:"created_by"`
	CreatedAt      time.Time    `json:"created_at" db:"created_at"`
	ProcessedAt    *time.Time   `json:"processed_at,omitempty" db:"processed_at"`
}

// DelegationResult is the data.delegation_result payload.
type DelegationResult struct {
	DelegationID  string       `json:"delegation_id"`
	SourceLevel   ContextLevel `json:"source_level"`
	SourceID      string       `json:"source_id"`
	TargetLevel   ContextLevel `json:"target_level"`
	TargetID      string       `json:"target_id"`
	Applied       bool         `json:"applied"`
	Queued        bool         `json:"queued"`
	TargetVersion int          `json:"target_version,omitempty"`
}
