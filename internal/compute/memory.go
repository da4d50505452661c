package compute

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/eleven-am/bastion/internal/domain"
)

const (
	MethodList    = "list"
	MethodInsert  = "insert"
	MethodUpdate  = "update"
	MethodDelete  = "delete"
	MethodQuota   = "quota"
	MethodNetwork = "networks"
)

type Call struct {
	Method    string
	Project   string
	Name      string
	RequestID string
}

func (c Call) Mutating() bool {
	return c.Method == MethodInsert || c.Method == MethodUpdate || c.Method == MethodDelete
}

type fault struct {
	err      error
	timeouts int
	swallow  bool
}

type memoryProject struct {
	rules    map[string]domain.FirewallRecord
	networks []string
	quota    *domain.Quota
}

// Memory is an in-process ComputeClient. It keeps per-project firewall rules
// and networks, honors request ids, and can be told to fail, time out or
// silently drop individual calls.
type Memory struct {
	mu       sync.Mutex
	projects map[string]*memoryProject
	faults   map[string]*fault
	applied  map[string]*domain.Operation
	calls    []Call
	seq      int
	pageSize int
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]*memoryProject),
		faults:   make(map[string]*fault),
		applied:  make(map[string]*domain.Operation),
		pageSize: 50,
		now:      time.Now,
	}
}

func (m *Memory) project(id string) *memoryProject {
	p, ok := m.projects[id]
	if !ok {
		p = &memoryProject{rules: make(map[string]domain.FirewallRecord)}
		m.projects[id] = p
	}
	return p
}

func faultKey(method, project, name string) string {
	return method + "/" + project + "/" + name
}

func (m *Memory) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageSize = n
}

func (m *Memory) SetRules(project string, rules ...domain.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.project(project)
	p.rules = make(map[string]domain.FirewallRecord, len(rules))
	for _, r := range rules {
		p.rules[r.Name] = m.record(project, r)
	}
}

func (m *Memory) SetNetworks(project string, networks ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.project(project).networks = append([]string(nil), networks...)
}

func (m *Memory) SetQuota(project string, limit, usage float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.project(project).quota = &domain.Quota{Metric: domain.QuotaMetricFirewalls, Limit: limit, Usage: usage}
}

// FailOn makes every call of method on the named rule return err. An empty
// name matches project-level calls such as list and quota.
func (m *Memory) FailOn(method, project, name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[faultKey(method, project, name)] = &fault{err: err}
}

// TimeoutOn makes the next n calls of method on the named rule apply the
// change but report an operation timeout.
func (m *Memory) TimeoutOn(method, project, name string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[faultKey(method, project, name)] = &fault{timeouts: n}
}

// SwallowOn makes calls of method on the named rule report success without
// changing state.
func (m *Memory) SwallowOn(method, project, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[faultKey(method, project, name)] = &fault{swallow: true}
}

func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *Memory) MutatingCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if c.Mutating() {
			out = append(out, c)
		}
	}
	return out
}

func (m *Memory) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

func (m *Memory) Rules(project string) []domain.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.project(project)
	out := make([]domain.Rule, 0, len(p.rules))
	for _, rec := range p.rules {
		out = append(out, rec.Rule.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Memory) record(project string, r domain.Rule) domain.FirewallRecord {
	m.seq++
	return domain.FirewallRecord{
		Rule:              r.Clone(),
		ID:                strconv.Itoa(m.seq),
		SelfLink:          fmt.Sprintf("projects/%s/global/firewalls/%s", project, r.Name),
		CreationTimestamp: m.now().UTC().Format(time.RFC3339),
	}
}

func (m *Memory) ListFirewallRules(ctx context.Context, project, pageToken string) (*domain.FirewallPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: MethodList, Project: project})
	if f := m.faults[faultKey(MethodList, project, "")]; f != nil && f.err != nil {
		return nil, f.err
	}

	p := m.project(project)
	names := make([]string, 0, len(p.rules))
	for name := range p.rules {
		names = append(names, name)
	}
	sort.Strings(names)

	start := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 || n > len(names) {
			return nil, &domain.ApiExecutionError{Project: project, HTTPStatus: http.StatusBadRequest, Err: fmt.Errorf("invalid page token %q", pageToken)}
		}
		start = n
	}
	end := len(names)
	if m.pageSize > 0 && start+m.pageSize < end {
		end = start + m.pageSize
	}

	page := &domain.FirewallPage{}
	for _, name := range names[start:end] {
		rec := p.rules[name]
		rec.Rule = rec.Rule.Clone()
		page.Items = append(page.Items, rec)
	}
	if end < len(names) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (m *Memory) ListNetworks(ctx context.Context, project string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: MethodNetwork, Project: project})
	if f := m.faults[faultKey(MethodNetwork, project, "")]; f != nil && f.err != nil {
		return nil, f.err
	}
	return append([]string(nil), m.project(project).networks...), nil
}

func (m *Memory) GetQuota(ctx context.Context, project, metric string) (*domain.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: MethodQuota, Project: project})
	if f := m.faults[faultKey(MethodQuota, project, "")]; f != nil && f.err != nil {
		return nil, f.err
	}
	q := m.project(project).quota
	if q == nil || q.Metric != metric {
		return nil, domain.ErrQuotaNotFound
	}
	out := *q
	return &out, nil
}

func (m *Memory) InsertFirewallRule(ctx context.Context, project string, rule domain.Rule, opts domain.MutateOptions) (*domain.Operation, error) {
	return m.mutate(MethodInsert, project, rule.Name, opts, func(p *memoryProject) (*domain.Operation, error) {
		op := m.operation(MethodInsert, project, rule.Name)
		if _, exists := p.rules[rule.Name]; exists {
			op.Errors = []domain.OperationError{{Code: "RESOURCE_ALREADY_EXISTS", Message: fmt.Sprintf("firewall %s already exists", rule.Name)}}
			return op, nil
		}
		p.rules[rule.Name] = m.record(project, rule)
		return op, nil
	})
}

func (m *Memory) UpdateFirewallRule(ctx context.Context, project string, rule domain.Rule, opts domain.MutateOptions) (*domain.Operation, error) {
	return m.mutate(MethodUpdate, project, rule.Name, opts, func(p *memoryProject) (*domain.Operation, error) {
		existing, ok := p.rules[rule.Name]
		if !ok {
			return nil, notFound(project, rule.Name)
		}
		existing.Rule = rule.Clone()
		p.rules[rule.Name] = existing
		return m.operation(MethodUpdate, project, rule.Name), nil
	})
}

func (m *Memory) DeleteFirewallRule(ctx context.Context, project, name string, opts domain.MutateOptions) (*domain.Operation, error) {
	return m.mutate(MethodDelete, project, name, opts, func(p *memoryProject) (*domain.Operation, error) {
		if _, ok := p.rules[name]; !ok {
			return nil, notFound(project, name)
		}
		delete(p.rules, name)
		return m.operation(MethodDelete, project, name), nil
	})
}

func (m *Memory) mutate(method, project, name string, opts domain.MutateOptions, apply func(*memoryProject) (*domain.Operation, error)) (*domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: method, Project: project, Name: name, RequestID: opts.RequestID})

	if opts.RequestID != "" {
		if op, ok := m.applied[opts.RequestID]; ok {
			out := *op
			return &out, nil
		}
	}

	f := m.faults[faultKey(method, project, name)]
	switch {
	case f != nil && f.err != nil:
		return nil, f.err
	case f != nil && f.swallow:
		return m.operation(method, project, name), nil
	}

	op, err := apply(m.project(project))
	if err != nil {
		return nil, err
	}
	if opts.RequestID != "" {
		m.applied[opts.RequestID] = op
	}

	if f != nil && f.timeouts > 0 {
		f.timeouts--
		return nil, &domain.OperationTimeoutError{Project: project, Operation: op.Name, Timeout: opts.Timeout.String()}
	}
	return op, nil
}

func (m *Memory) operation(method, project, name string) *domain.Operation {
	m.seq++
	now := m.now()
	return &domain.Operation{
		Name:          fmt.Sprintf("operation-%d-%s", m.seq, method),
		OperationType: method,
		TargetLink:    fmt.Sprintf("projects/%s/global/firewalls/%s", project, name),
		Status:        domain.OperationDone,
		InsertTime:    now,
		StartTime:     now,
		EndTime:       now,
	}
}

func notFound(project, name string) error {
	return &domain.ApiExecutionError{
		Project:    project,
		HTTPStatus: http.StatusNotFound,
		Err:        fmt.Errorf("firewall %s was not found", name),
	}
}
