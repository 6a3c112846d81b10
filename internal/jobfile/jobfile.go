// Package jobfile reads and writes job definitions as YAML.
package jobfile

import (
	"context"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"jobengine/internal/core"
)

// File is the document layout:
//
//	jobs:
//	  - name: nightly-report
//	    trigger: {kind: cron, cron: "0 1 * * *"}
//	    actions:
//	      - params: {command: ./report.sh}
type File struct {
	Jobs []Definition `yaml:"jobs"`
}

// Definition is one job. Unset fields take their defaults on import.
type Definition struct {
	ID            string             `yaml:"id,omitempty"`
	Name          string             `yaml:"name"`
	Description   string             `yaml:"description,omitempty"`
	Active        *bool              `yaml:"active,omitempty"`
	FaultTolerant *bool              `yaml:"fault_tolerant,omitempty"`
	HistoryLimit  int                `yaml:"history_limit,omitempty"`
	Trigger       core.Trigger       `yaml:"trigger"`
	Actions       []ActionDefinition `yaml:"actions"`
}

// ActionDefinition is one pipeline step.
type ActionDefinition struct {
	Type   string            `yaml:"type,omitempty"`
	Name   string            `yaml:"name,omitempty"`
	Active *bool             `yaml:"active,omitempty"`
	Params map[string]string `yaml:"params,omitempty"`
}

// Defaults fill fields a definition leaves empty.
type Defaults struct {
	Trigger      core.TriggerKind
	Action       string
	HistoryLimit int
}

// Validator checks that every action of a job can be built.
type Validator interface {
	Validate(job *core.Job) error
}

// Manager is the part of core.JobManager used for import and export.
type Manager interface {
	Load(ctx context.Context, jobID string) (*core.Job, error)
	LoadByName(ctx context.Context, name string) (*core.Job, error)
	LoadPage(ctx context.Context, page, size int, nameFilter string, states []core.ExecutionState) (core.Page[*core.Job], error)
	Save(ctx context.Context, job *core.Job) (*core.Job, error)
}

// Decode parses a job file. Unknown keys are rejected.
func Decode(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &f, nil
		}
		return nil, errors.Wrap(err, "decode job file")
	}
	return &f, nil
}

// Encode writes f as YAML.
func Encode(w io.Writer, f *File) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return errors.Wrap(err, "encode job file")
	}
	return errors.Wrap(enc.Close(), "encode job file")
}

// Job converts d to a job, applying defaults.
func (d Definition) Job(defaults Defaults) (*core.Job, error) {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		return nil, errors.New("job name is required")
	}
	job := &core.Job{
		ID:            d.ID,
		Name:          name,
		Description:   d.Description,
		Active:        boolOr(d.Active, true),
		FaultTolerant: boolOr(d.FaultTolerant, true),
		HistoryLimit:  d.HistoryLimit,
		Trigger:       d.Trigger,
	}
	if job.HistoryLimit <= 0 {
		job.HistoryLimit = defaults.HistoryLimit
	}
	if job.Trigger.Kind == "" {
		job.Trigger.Kind = defaults.Trigger
	}
	if err := core.ValidateTrigger(job.Trigger); err != nil {
		return nil, errors.Wrapf(err, "job %q", name)
	}
	if len(d.Actions) == 0 {
		return nil, errors.Newf("job %q has no actions", name)
	}
	for _, a := range d.Actions {
		action := core.Action{Type: a.Type, Name: a.Name, Active: boolOr(a.Active, true), Params: a.Params}
		if action.Type == "" {
			action.Type = defaults.Action
		}
		job.Actions = append(job.Actions, action)
	}
	return job, nil
}

// FromJob converts a stored job to its file form.
func FromJob(job *core.Job) Definition {
	d := Definition{
		ID:            job.ID,
		Name:          job.Name,
		Description:   job.Description,
		Active:        &job.Active,
		FaultTolerant: &job.FaultTolerant,
		HistoryLimit:  job.HistoryLimit,
		Trigger:       job.Trigger,
	}
	for i := range job.Actions {
		a := job.Actions[i]
		d.Actions = append(d.Actions, ActionDefinition{Type: a.Type, Name: a.Name, Active: &a.Active, Params: a.Params})
	}
	return d
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Result reports what an import did.
type Result struct {
	Created []string
	Updated []string
}

// Importer saves job definitions through the manager.
type Importer struct {
	manager   Manager
	validator Validator
	defaults  Defaults
}

// NewImporter returns an importer. validator may be nil.
func NewImporter(manager Manager, validator Validator, defaults Defaults) *Importer {
	return &Importer{manager: manager, validator: validator, defaults: defaults}
}

// Import validates every definition before saving any. A definition replaces the existing job
// with the same ID, or else the one with the same name.
func (im *Importer) Import(ctx context.Context, f *File) (Result, error) {
	var res Result
	jobs := make([]*core.Job, 0, len(f.Jobs))
	seen := make(map[string]bool, len(f.Jobs))
	var errs error
	for i, d := range f.Jobs {
		job, err := d.Job(im.defaults)
		if err == nil && im.validator != nil {
			err = errors.Wrapf(im.validator.Validate(job), "job %q", job.Name)
		}
		if err == nil && seen[job.Name] {
			err = errors.Newf("job %q is defined twice", job.Name)
		}
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "definition %d", i+1))
			continue
		}
		seen[job.Name] = true
		jobs = append(jobs, job)
	}
	if errs != nil {
		return res, errs
	}

	for _, job := range jobs {
		existing, err := im.existing(ctx, job)
		if err != nil {
			return res, err
		}
		if existing != nil {
			job.ID = existing.ID
		}
		saved, err := im.manager.Save(ctx, job)
		if err != nil {
			return res, errors.Wrapf(err, "save job %q", job.Name)
		}
		if existing != nil {
			res.Updated = append(res.Updated, saved.ID)
		} else {
			res.Created = append(res.Created, saved.ID)
		}
	}
	return res, nil
}

func (im *Importer) existing(ctx context.Context, job *core.Job) (*core.Job, error) {
	if job.ID != "" {
		found, err := im.manager.Load(ctx, job.ID)
		if err == nil {
			return found, nil
		}
		if !errors.Is(err, core.ErrJobNotFound) {
			return nil, err
		}
	}
	found, err := im.manager.LoadByName(ctx, job.Name)
	if errors.Is(err, core.ErrJobNotFound) {
		return nil, nil
	}
	return found, err
}

// Export writes every job to w.
func Export(ctx context.Context, manager Manager, w io.Writer) (int, error) {
	page, err := manager.LoadPage(ctx, 0, core.Unpaged, "", nil)
	if err != nil {
		return 0, err
	}
	f := &File{Jobs: make([]Definition, 0, len(page.Items))}
	for _, job := range page.Items {
		f.Jobs = append(f.Jobs, FromJob(job))
	}
	return len(f.Jobs), Encode(w, f)
}
