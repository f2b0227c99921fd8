package cron

import (
	"context"
	"fmt"
)

// Job is one maintenance task run by the cron worker each cycle.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds jobs in registration order. Names are unique.
type Registry struct {
	jobs  []Job
	index map[string]int
}

func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{index: map[string]int{}}
	for _, job := range jobs {
		_ = registry.Register(job)
	}
	return registry
}

// Register adds job, ignoring nil. A second job with the same name is rejected.
func (r *Registry) Register(job Job) error {
	if job == nil {
		return nil
	}
	if _, dup := r.index[job.Name()]; dup {
		return fmt.Errorf("job %q already registered", job.Name())
	}
	r.index[job.Name()] = len(r.jobs)
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}

func (r *Registry) Lookup(name string) (Job, bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.jobs[i], true
}

// Select returns a registry with only the named jobs, in the order given.
// No names selects everything.
func (r *Registry) Select(names ...string) (*Registry, error) {
	if len(names) == 0 {
		return NewRegistry(r.jobs...), nil
	}
	selected := NewRegistry()
	for _, name := range names {
		job, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown job %q", name)
		}
		if err := selected.Register(job); err != nil {
			return nil, err
		}
	}
	return selected, nil
}
