package services

import (
	"context"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// DependencyService manages the task dependency graph: edges, cycle
// prevention, and actionability analysis.
type DependencyService struct {
	cfg      ServiceConfig
	tasks    repository.TaskRepository
	branches repository.BranchRepository
	txm      repository.TxManager
}

// NewDependencyService wires the dependency service.
func NewDependencyService(cfg ServiceConfig, tasks repository.TaskRepository,
	branches repository.BranchRepository, txm repository.TxManager) *DependencyService {
	return &DependencyService{
		cfg:      cfg.normalized(),
		tasks:    tasks,
		branches: branches,
		txm:      txm,
	}
}

// DependencyEdge is the add/remove result payload.
type DependencyEdge struct {
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on"`
}

// Add records task -> dependsOn after validating both endpoints live in the
// same project and the new edge cannot close a cycle. The reachability walk
// runs inside the same transaction as the insert so two concurrent adds
// cannot sneak a cycle past each other.
func (s *DependencyService) Add(ctx context.Context, taskID, dependsOn uuid.UUID) (*DependencyEdge, error) {
	ctx, span := s.cfg.Tracer(ctx, "DependencyService.Add")
	defer span.End()

	if taskID == dependsOn {
		return nil, models.NewValidation("a task cannot depend on itself")
	}

	err := s.txm.WithTransaction(ctx, func(ctx context.Context) error {
		return s.addInTx(ctx, taskID, dependsOn)
	})
	if err != nil {
		return nil, err
	}
	return &DependencyEdge{TaskID: taskID.String(), DependsOn: dependsOn.String()}, nil
}

// addInTx performs the validated insert assuming an enclosing transaction.
// TaskService reuses it for create-time dependency lists.
func (s *DependencyService) addInTx(ctx context.Context, taskID, dependsOn uuid.UUID) error {
	if taskID == dependsOn {
		return models.NewValidation("a task cannot depend on itself")
	}

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	dep, err := s.tasks.Get(ctx, dependsOn)
	if err != nil {
		return err
	}

	taskBranch, err := s.branches.Get(ctx, task.BranchID)
	if err != nil {
		return err
	}
	depBranch, err := s.branches.Get(ctx, dep.BranchID)
	if err != nil {
		return err
	}
	if taskBranch.ProjectID != depBranch.ProjectID {
		return models.NewValidation("dependencies cannot cross project boundaries")
	}

	edges, err := s.tasks.ProjectEdges(ctx, taskBranch.ProjectID)
	if err != nil {
		return err
	}
	if reachable(edges, dependsOn, taskID) {
		return models.NewDependencyCycle(taskID.String(), dependsOn.String())
	}

	return s.tasks.AddDependency(ctx, taskID, dependsOn)
}

// reachable walks the adjacency breadth-first from start looking for target.
func reachable(edges map[uuid.UUID][]uuid.UUID, start, target uuid.UUID) bool {
	if start == target {
		return true
	}
	visited := map[uuid.UUID]struct{}{start: {}}
	queue := []uuid.UUID{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range edges[current] {
			if next == target {
				return true
			}
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return false
}

// Remove deletes an edge. Removing a missing edge is a no-op.
func (s *DependencyService) Remove(ctx context.Context, taskID, dependsOn uuid.UUID) (*DependencyEdge, error) {
	ctx, span := s.cfg.Tracer(ctx, "DependencyService.Remove")
	defer span.End()

	if _, err := s.tasks.Get(ctx, taskID); err != nil {
		return nil, err
	}
	if err := s.tasks.RemoveDependency(ctx, taskID, dependsOn); err != nil {
		return nil, err
	}
	return &DependencyEdge{TaskID: taskID.String(), DependsOn: dependsOn.String()}, nil
}

// DependencyAnalysis is the analyze result payload.
type DependencyAnalysis struct {
	TaskID       string   `json:"task_id"`
	DependsOn    []string `json:"depends_on"`
	Blocks       []string `json:"blocks"`
	BlockingIDs  []string `json:"blocking_dependencies"`
	Actionable   bool     `json:"actionable"`
	TotalUpchain int      `json:"total_upchain"`
}

// List returns the direct dependencies and dependents of a task.
func (s *DependencyService) List(ctx context.Context, taskID uuid.UUID) (*DependencyAnalysis, error) {
	return s.analyze(ctx, taskID, false)
}

// Analyze additionally counts the transitive upstream chain and reports
// which direct dependencies still block the task.
func (s *DependencyService) Analyze(ctx context.Context, taskID uuid.UUID) (*DependencyAnalysis, error) {
	return s.analyze(ctx, taskID, true)
}

func (s *DependencyService) analyze(ctx context.Context, taskID uuid.UUID, transitive bool) (*DependencyAnalysis, error) {
	ctx, span := s.cfg.Tracer(ctx, "DependencyService.Analyze")
	defer span.End()

	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	dependsOn, err := s.tasks.ListDependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	dependents, err := s.tasks.ListDependents(ctx, taskID)
	if err != nil {
		return nil, err
	}

	analysis := &DependencyAnalysis{
		TaskID:      taskID.String(),
		DependsOn:   uuidStrings(dependsOn),
		Blocks:      uuidStrings(dependents),
		BlockingIDs: []string{},
	}

	for _, depID := range dependsOn {
		dep, err := s.tasks.Get(ctx, depID)
		if err != nil {
			return nil, err
		}
		if dep.Status != models.TaskStatusDone {
			analysis.BlockingIDs = append(analysis.BlockingIDs, depID.String())
		}
	}
	analysis.Actionable = len(analysis.BlockingIDs) == 0 &&
		task.Status != models.TaskStatusBlocked && !task.IsTerminal()

	if transitive {
		branch, err := s.branches.Get(ctx, task.BranchID)
		if err != nil {
			return nil, err
		}
		edges, err := s.tasks.ProjectEdges(ctx, branch.ProjectID)
		if err != nil {
			return nil, err
		}
		analysis.TotalUpchain = countUpchain(edges, taskID)
	}
	return analysis, nil
}

func countUpchain(edges map[uuid.UUID][]uuid.UUID, start uuid.UUID) int {
	visited := map[uuid.UUID]struct{}{}
	queue := []uuid.UUID{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range edges[current] {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return len(visited)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
