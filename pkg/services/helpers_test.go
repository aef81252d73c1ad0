package services

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/contexts"
	"github.com/taskmesh/taskmesh/pkg/models"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// store is the shared in-memory backing for all fake repositories.
type store struct {
	mu          sync.Mutex
	projects    map[uuid.UUID]*models.Project
	branches    map[uuid.UUID]*models.Branch
	tasks       map[uuid.UUID]*models.Task
	subtasks    map[uuid.UUID]*models.Subtask
	agents      map[uuid.UUID]*models.Agent
	assignments map[uuid.UUID]map[uuid.UUID]struct{} // branch -> agents
	labels      map[uuid.UUID][]string               // task -> labels
	deps        map[uuid.UUID][]uuid.UUID            // task -> depends-on
	ctxRows     map[string]*models.Context
	delegations map[string]*models.ContextDelegation

	clock time.Time
}

func newStore() *store {
	return &store{
		projects:    map[uuid.UUID]*models.Project{},
		branches:    map[uuid.UUID]*models.Branch{},
		tasks:       map[uuid.UUID]*models.Task{},
		subtasks:    map[uuid.UUID]*models.Subtask{},
		agents:      map[uuid.UUID]*models.Agent{},
		assignments: map[uuid.UUID]map[uuid.UUID]struct{}{},
		labels:      map[uuid.UUID][]string{},
		deps:        map[uuid.UUID][]uuid.UUID{},
		ctxRows:     map[string]*models.Context{},
		delegations: map[string]*models.ContextDelegation{},
		clock:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// tick returns strictly increasing timestamps so created_at ordering is
// deterministic in tests.
func (s *store) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

type memTx struct{}

func (memTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// --- project repository ---

type memProjects struct{ s *store }

func (m *memProjects) Create(_ context.Context, p *models.Project) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, existing := range m.s.projects {
		if existing.UserID == p.UserID && existing.Name == p.Name {
			return models.NewAlreadyExists("project", p.Name)
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = m.s.tick()
	p.UpdatedAt = p.CreatedAt
	cp := *p
	m.s.projects[p.ID] = &cp
	return nil
}

func (m *memProjects) Get(_ context.Context, id uuid.UUID) (*models.Project, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p, ok := m.s.projects[id]
	if !ok {
		return nil, models.NewNotFound("project", id.String())
	}
	cp := *p
	return &cp, nil
}

func (m *memProjects) GetByName(_ context.Context, userID, name string) (*models.Project, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, p := range m.s.projects {
		if p.UserID == userID && p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, models.NewNotFound("project", name)
}

func (m *memProjects) List(_ context.Context, filter repository.ProjectFilter) ([]*models.Project, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*models.Project
	for _, p := range m.s.projects {
		if filter.UserID != "" && p.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && string(p.Status) != filter.Status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memProjects) Update(_ context.Context, p *models.Project) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.projects[p.ID]; !ok {
		return models.NewNotFound("project", p.ID.String())
	}
	p.UpdatedAt = m.s.tick()
	cp := *p
	m.s.projects[p.ID] = &cp
	return nil
}

func (m *memProjects) Delete(_ context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.projects[id]; !ok {
		return models.NewNotFound("project", id.String())
	}
	delete(m.s.projects, id)
	for bid, b := range m.s.branches {
		if b.ProjectID == id {
			for tid, t := range m.s.tasks {
				if t.BranchID == bid {
					delete(m.s.tasks, tid)
				}
			}
			delete(m.s.branches, bid)
		}
	}
	return nil
}

// --- branch repository ---

type memBranches struct{ s *store }

func (m *memBranches) Create(_ context.Context, b *models.Branch) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.projects[b.ProjectID]; !ok {
		return models.NewNotFound("project", b.ProjectID.String())
	}
	for _, existing := range m.s.branches {
		if existing.ProjectID == b.ProjectID && existing.Name == b.Name {
			return models.NewAlreadyExists("branch", b.Name)
		}
	}
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	b.CreatedAt = m.s.tick()
	b.UpdatedAt = b.CreatedAt
	cp := *b
	m.s.branches[b.ID] = &cp
	return nil
}

func (m *memBranches) Get(_ context.Context, id uuid.UUID) (*models.Branch, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	b, ok := m.s.branches[id]
	if !ok {
		return nil, models.NewNotFound("branch", id.String())
	}
	cp := *b
	return &cp, nil
}

func (m *memBranches) GetByName(_ context.Context, projectID uuid.UUID, name string) (*models.Branch, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, b := range m.s.branches {
		if b.ProjectID == projectID && b.Name == name {
			cp := *b
			return &cp, nil
		}
	}
	return nil, models.NewNotFound("branch", name)
}

func (m *memBranches) ListByProject(_ context.Context, projectID uuid.UUID) ([]*models.Branch, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*models.Branch
	for _, b := range m.s.branches {
		if b.ProjectID == projectID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memBranches) Update(_ context.Context, b *models.Branch) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.branches[b.ID]; !ok {
		return models.NewNotFound("branch", b.ID.String())
	}
	b.UpdatedAt = m.s.tick()
	cp := *b
	m.s.branches[b.ID] = &cp
	return nil
}

func (m *memBranches) Delete(_ context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.branches[id]; !ok {
		return models.NewNotFound("branch", id.String())
	}
	delete(m.s.branches, id)
	for tid, t := range m.s.tasks {
		if t.BranchID == id {
			delete(m.s.tasks, tid)
		}
	}
	return nil
}

func (m *memBranches) RefreshTaskCounts(_ context.Context, branchID uuid.UUID) (*models.Branch, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	b, ok := m.s.branches[branchID]
	if !ok {
		return nil, models.NewNotFound("branch", branchID.String())
	}
	total, done := 0, 0
	for _, t := range m.s.tasks {
		if t.BranchID == branchID {
			total++
			if t.Status == models.TaskStatusDone {
				done++
			}
		}
	}
	b.TaskCount = total
	b.CompletedTaskCount = done
	cp := *b
	return &cp, nil
}

func (m *memBranches) CountTasksByStatus(_ context.Context, branchID uuid.UUID) (map[string]int, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := map[string]int{}
	for _, t := range m.s.tasks {
		if t.BranchID == branchID {
			out[string(t.Status)]++
		}
	}
	return out, nil
}

// --- task repository ---

type memTasks struct{ s *store }

func (m *memTasks) Create(_ context.Context, t *models.Task) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.branches[t.BranchID]; !ok {
		return models.NewNotFound("branch", t.BranchID.String())
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusTodo
	}
	if t.Priority == "" {
		t.Priority = models.TaskPriorityMedium
	}
	t.CreatedAt = m.s.tick()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	m.s.tasks[t.ID] = &cp
	return nil
}

func (m *memTasks) Get(_ context.Context, id uuid.UUID) (*models.Task, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.tasks[id]
	if !ok {
		return nil, models.NewNotFound("task", id.String())
	}
	cp := *t
	return &cp, nil
}

func (m *memTasks) List(_ context.Context, filter repository.TaskFilter) ([]*models.Task, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*models.Task
	for _, t := range m.s.tasks {
		if filter.BranchID != nil && t.BranchID != *filter.BranchID {
			continue
		}
		if filter.Status != "" && string(t.Status) != filter.Status {
			continue
		}
		if filter.Priority != "" && string(t.Priority) != filter.Priority {
			continue
		}
		if filter.ExcludeTerminal && t.Status.IsTerminal() {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memTasks) Update(_ context.Context, t *models.Task) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.tasks[t.ID]; !ok {
		return models.NewNotFound("task", t.ID.String())
	}
	t.UpdatedAt = m.s.tick()
	cp := *t
	m.s.tasks[t.ID] = &cp
	return nil
}

func (m *memTasks) Delete(_ context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.tasks[id]; !ok {
		return models.NewNotFound("task", id.String())
	}
	delete(m.s.tasks, id)
	delete(m.s.deps, id)
	delete(m.s.labels, id)
	for stid, st := range m.s.subtasks {
		if st.TaskID == id {
			delete(m.s.subtasks, stid)
		}
	}
	return nil
}

func (m *memTasks) Search(_ context.Context, filter repository.SearchFilter) ([]*models.Task, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*models.Task
	for _, t := range m.s.tasks {
		if filter.BranchID != nil && t.BranchID != *filter.BranchID {
			continue
		}
		blob := strings.ToLower(t.Title + " " + t.Description + " " + t.Details + " " +
			strings.Join(m.s.labels[t.ID], " "))
		all := true
		for _, token := range filter.Tokens {
			if !strings.Contains(blob, token) {
				all = false
				break
			}
		}
		if all {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTasks) SetLabels(_ context.Context, taskID uuid.UUID, labels []string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.labels[taskID] = append([]string(nil), labels...)
	return nil
}

func (m *memTasks) GetLabels(_ context.Context, taskID uuid.UUID) ([]string, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return append([]string(nil), m.s.labels[taskID]...), nil
}

func (m *memTasks) AddDependency(_ context.Context, taskID, dependsOn uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, existing := range m.s.deps[taskID] {
		if existing == dependsOn {
			return nil
		}
	}
	m.s.deps[taskID] = append(m.s.deps[taskID], dependsOn)
	return nil
}

func (m *memTasks) RemoveDependency(_ context.Context, taskID, dependsOn uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	edges := m.s.deps[taskID]
	for i, existing := range edges {
		if existing == dependsOn {
			m.s.deps[taskID] = append(edges[:i], edges[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memTasks) ListDependencies(_ context.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return append([]uuid.UUID(nil), m.s.deps[taskID]...), nil
}

func (m *memTasks) ListDependents(_ context.Context, taskID uuid.UUID) ([]uuid.UUID, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []uuid.UUID
	for from, edges := range m.s.deps {
		for _, to := range edges {
			if to == taskID {
				out = append(out, from)
			}
		}
	}
	return out, nil
}

func (m *memTasks) ProjectEdges(_ context.Context, projectID uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := map[uuid.UUID][]uuid.UUID{}
	for from, edges := range m.s.deps {
		task, ok := m.s.tasks[from]
		if !ok {
			continue
		}
		branch, ok := m.s.branches[task.BranchID]
		if !ok || branch.ProjectID != projectID {
			continue
		}
		out[from] = append([]uuid.UUID(nil), edges...)
	}
	return out, nil
}

// --- subtask repository ---

type memSubtasks struct{ s *store }

func (m *memSubtasks) Create(_ context.Context, st *models.Subtask) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.tasks[st.TaskID]; !ok {
		return models.NewNotFound("task", st.TaskID.String())
	}
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	if st.Status == "" {
		st.Status = models.TaskStatusTodo
	}
	st.CreatedAt = m.s.tick()
	st.UpdatedAt = st.CreatedAt
	cp := *st
	m.s.subtasks[st.ID] = &cp
	return nil
}

func (m *memSubtasks) Get(_ context.Context, id uuid.UUID) (*models.Subtask, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	st, ok := m.s.subtasks[id]
	if !ok {
		return nil, models.NewNotFound("subtask", id.String())
	}
	cp := *st
	return &cp, nil
}

func (m *memSubtasks) ListByTask(_ context.Context, taskID uuid.UUID) ([]*models.Subtask, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*models.Subtask
	for _, st := range m.s.subtasks {
		if st.TaskID == taskID {
			cp := *st
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memSubtasks) Update(_ context.Context, st *models.Subtask) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.subtasks[st.ID]; !ok {
		return models.NewNotFound("subtask", st.ID.String())
	}
	st.UpdatedAt = m.s.tick()
	cp := *st
	m.s.subtasks[st.ID] = &cp
	return nil
}

func (m *memSubtasks) Delete(_ context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.subtasks[id]; !ok {
		return models.NewNotFound("subtask", id.String())
	}
	delete(m.s.subtasks, id)
	return nil
}

// --- agent repository ---

type memAgents struct{ s *store }

func (m *memAgents) Create(_ context.Context, a *models.Agent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, existing := range m.s.agents {
		if existing.ProjectID == a.ProjectID && existing.Name == a.Name {
			return models.NewAlreadyExists("agent", a.Name)
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = models.AgentStatusAvailable
	}
	a.CreatedAt = m.s.tick()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.s.agents[a.ID] = &cp
	return nil
}

func (m *memAgents) Get(_ context.Context, id uuid.UUID) (*models.Agent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	a, ok := m.s.agents[id]
	if !ok {
		return nil, models.NewNotFound("agent", id.String())
	}
	cp := *a
	return &cp, nil
}

func (m *memAgents) GetByName(_ context.Context, projectID uuid.UUID, name string) (*models.Agent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, a := range m.s.agents {
		if a.ProjectID == projectID && a.Name == name {
			cp := *a
			return &cp, nil
		}
	}
	return nil, models.NewNotFound("agent", name)
}

func (m *memAgents) ListByProject(_ context.Context, projectID uuid.UUID) ([]*models.Agent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*models.Agent
	for _, a := range m.s.agents {
		if a.ProjectID == projectID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memAgents) Update(_ context.Context, a *models.Agent) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.agents[a.ID]; !ok {
		return models.NewNotFound("agent", a.ID.String())
	}
	a.UpdatedAt = m.s.tick()
	cp := *a
	m.s.agents[a.ID] = &cp
	return nil
}

func (m *memAgents) Delete(_ context.Context, id uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.agents[id]; !ok {
		return models.NewNotFound("agent", id.String())
	}
	delete(m.s.agents, id)
	for _, agents := range m.s.assignments {
		delete(agents, id)
	}
	return nil
}

func (m *memAgents) Assign(_ context.Context, agentID, branchID uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.s.assignments[branchID] == nil {
		m.s.assignments[branchID] = map[uuid.UUID]struct{}{}
	}
	m.s.assignments[branchID][agentID] = struct{}{}
	return nil
}

func (m *memAgents) Unassign(_ context.Context, agentID, branchID uuid.UUID) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	delete(m.s.assignments[branchID], agentID)
	return nil
}

func (m *memAgents) ListBranchAgents(_ context.Context, branchID uuid.UUID) ([]*models.Agent, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*models.Agent
	for agentID := range m.s.assignments[branchID] {
		if a, ok := m.s.agents[agentID]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- context repository ---

type memContexts struct{ s *store }

func ctxKey(level models.ContextLevel, id string) string { return string(level) + ":" + id }

func (m *memContexts) cloneCtx(c *models.Context) *models.Context {
	cp := *c
	cp.Data = c.Data.Clone()
	cp.LocalOverrides = c.LocalOverrides.Clone()
	return &cp
}

func (m *memContexts) Create(_ context.Context, c *models.Context) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key := ctxKey(c.Level, c.ID)
	if _, ok := m.s.ctxRows[key]; ok {
		return models.NewAlreadyExists("context", key)
	}
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Data == nil {
		c.Data = models.JSONMap{}
	}
	c.CreatedAt = m.s.tick()
	c.UpdatedAt = c.CreatedAt
	m.s.ctxRows[key] = m.cloneCtx(c)
	return nil
}

func (m *memContexts) Get(_ context.Context, level models.ContextLevel, id string) (*models.Context, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	c, ok := m.s.ctxRows[ctxKey(level, id)]
	if !ok {
		return nil, models.NewNotFound("context", ctxKey(level, id))
	}
	return m.cloneCtx(c), nil
}

func (m *memContexts) GetForUpdate(ctx context.Context, level models.ContextLevel, id string) (*models.Context, error) {
	return m.Get(ctx, level, id)
}

func (m *memContexts) Update(_ context.Context, c *models.Context) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key := ctxKey(c.Level, c.ID)
	stored, ok := m.s.ctxRows[key]
	if !ok {
		return models.NewNotFound("context", key)
	}
	next := m.cloneCtx(c)
	next.Version = stored.Version + 1
	next.UpdatedAt = m.s.tick()
	m.s.ctxRows[key] = next
	c.Version = next.Version
	c.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *memContexts) Delete(_ context.Context, level models.ContextLevel, id string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	key := ctxKey(level, id)
	if _, ok := m.s.ctxRows[key]; !ok {
		return models.NewNotFound("context", key)
	}
	delete(m.s.ctxRows, key)
	return nil
}

func (m *memContexts) List(_ context.Context, level models.ContextLevel, _ repository.ContextFilter) ([]*models.Context, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*models.Context
	for _, c := range m.s.ctxRows {
		if c.Level == level {
			out = append(out, m.cloneCtx(c))
		}
	}
	return out, nil
}

func (m *memContexts) ListChildren(_ context.Context, level models.ContextLevel, id string) ([]*models.Context, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*models.Context
	for _, c := range m.s.ctxRows {
		parentLevel, parentID, ok := c.ParentRef()
		if ok && parentLevel == level && parentID == id {
			out = append(out, m.cloneCtx(c))
		}
	}
	return out, nil
}

// --- delegation repository ---

type memDelegations struct{ s *store }

func (m *memDelegations) Create(_ context.Context, d *models.ContextDelegation) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.CreatedAt = m.s.tick()
	cp := *d
	m.s.delegations[d.ID] = &cp
	return nil
}

func (m *memDelegations) Get(_ context.Context, id string) (*models.ContextDelegation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	d, ok := m.s.delegations[id]
	if !ok {
		return nil, models.NewNotFound("delegation", id)
	}
	cp := *d
	return &cp, nil
}

func (m *memDelegations) List(_ context.Context, filter repository.DelegationFilter) ([]*models.ContextDelegation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*models.ContextDelegation
	for _, d := range m.s.delegations {
		if filter.Processed != nil && d.Processed != *filter.Processed {
			continue
		}
		if filter.TargetLevel != "" && string(d.TargetLevel) != filter.TargetLevel {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memDelegations) MarkProcessed(_ context.Context, id string, approved bool, rejectedReason string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	d, ok := m.s.delegations[id]
	if !ok {
		return models.NewNotFound("delegation", id)
	}
	now := m.s.tick()
	d.Processed = true
	d.Approved = &approved
	d.RejectedReason = rejectedReason
	d.ProcessedAt = &now
	return nil
}

// --- fixture ---

type fixture struct {
	store    *store
	resolver *contexts.Resolver
	syncer   *contexts.Syncer
	engine   *contexts.DelegationEngine

	projects *ProjectService
	branches *BranchService
	tasks    *TaskService
	subtasks *SubtaskService
	deps     *DependencyService
	agents   *AgentService
	contexts *ContextService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := newStore()
	ctxRepo := &memContexts{s: s}
	delRepo := &memDelegations{s: s}
	taskRepo := &memTasks{s: s}
	subtaskRepo := &memSubtasks{s: s}
	branchRepo := &memBranches{s: s}
	projectRepo := &memProjects{s: s}
	agentRepo := &memAgents{s: s}
	txm := memTx{}

	cache, err := contexts.NewResolveCache(64, time.Minute, nil, nil)
	require.NoError(t, err)
	resolver := contexts.NewResolver(ctxRepo, cache, nil, nil, nil)
	engine := contexts.NewDelegationEngine(resolver, delRepo, nil, nil)
	syncer := contexts.NewSyncer(resolver, engine, nil)

	// Seed the global singleton the way the migration does.
	require.NoError(t, ctxRepo.Create(context.Background(), &models.Context{
		ID:    models.GlobalContextID,
		Level: models.LevelGlobal,
		Data:  models.JSONMap{},
	}))

	cfg := ServiceConfig{DefaultUserID: "default_user"}
	deps := NewDependencyService(cfg, taskRepo, branchRepo, txm)
	return &fixture{
		store:    s,
		resolver: resolver,
		syncer:   syncer,
		engine:   engine,
		projects: NewProjectService(cfg, projectRepo, branchRepo, taskRepo, resolver, txm),
		branches: NewBranchService(cfg, branchRepo, projectRepo, taskRepo, agentRepo, resolver, txm),
		tasks:    NewTaskService(cfg, taskRepo, subtaskRepo, branchRepo, deps, resolver, syncer, txm),
		subtasks: NewSubtaskService(cfg, subtaskRepo, taskRepo, syncer, txm),
		deps:     deps,
		agents:   NewAgentService(cfg, agentRepo, projectRepo, txm),
		contexts: NewContextService(cfg, resolver, engine, taskRepo, branchRepo, txm),
	}
}

// seedProjectBranch creates a project and branch with their contexts.
func (f *fixture) seedProjectBranch(t *testing.T) (*models.Project, *models.Branch) {
	t.Helper()
	ctx := context.Background()
	project, err := f.projects.Create(ctx, CreateProjectInput{Name: "webapp"})
	require.NoError(t, err)
	branch, err := f.branches.Create(ctx, CreateBranchInput{
		ProjectID: project.Project.ID,
		Name:      "feature/auth",
	})
	require.NoError(t, err)
	return project.Project, branch.Branch
}

// seedTask creates a task under the branch.
func (f *fixture) seedTask(t *testing.T, branchID uuid.UUID, title string, priority string) *models.Task {
	t.Helper()
	result, err := f.tasks.Create(context.Background(), CreateTaskInput{
		BranchID: branchID,
		Title:    title,
		Priority: priority,
	})
	require.NoError(t, err)
	return result.Task
}
