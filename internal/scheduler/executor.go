package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/derekchu/mediaqueue/pkg/models"
)

// Input describes a single stage invocation. The scheduler treats the
// executor as opaque: it resolves the job's input from the source reference
// and interprets Config however it likes.
type Input struct {
	Job    *models.Job
	Stage  string
	Config json.RawMessage
}

// Executor runs one processing stage against an external analysis service.
type Executor interface {
	Execute(ctx context.Context, in Input) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, in Input) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, in Input) (json.RawMessage, error) {
	return f(ctx, in)
}

// Registry maps stage names to executors. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(stage string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[stage] = e
}

func (r *Registry) Get(stage string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[stage]
	return e, ok
}

// Stages returns the registered stage names.
func (r *Registry) Stages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}

// JobConfig is the structured part of a job's opaque config that the
// scheduler itself understands. Everything else passes through to the
// stage executors untouched.
type JobConfig struct {
	Priority   *int          `json:"priority,omitempty"`
	MaxRetries *int          `json:"max_retries,omitempty"`
	Stages     []StageConfig `json:"stages,omitempty"`
}

// StageConfig declares one ordered stage of a job's pipeline.
type StageConfig struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Default pipelines by job type, used when job_config declares no stages.
// Batch jobs have no default; their stages must be declared explicitly.
var defaultPipelines = map[string][]string{
	models.JobTypeVideoAnalysis: {"transcribe", "detect_objects", "detect_faces", "ocr", "sentiment", "summarize"},
	models.JobTypeAudioAnalysis: {"transcribe", "sentiment", "summarize"},
	models.JobTypeImageAnalysis: {"detect_objects", "detect_faces", "ocr"},
	models.JobTypeURLAnalysis:   {"fetch", "ocr", "sentiment", "summarize"},
}

// ParseJobConfig decodes the scheduler-visible fields of a job config.
// A nil or empty config is valid and yields the zero JobConfig.
func ParseJobConfig(raw json.RawMessage) (JobConfig, error) {
	var cfg JobConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse job config: %w", err)
	}
	return cfg, nil
}

// StagePlan resolves the ordered stage list for a job: declared stages from
// job_config when present, otherwise the default pipeline for its type.
func StagePlan(job *models.Job) ([]StageConfig, error) {
	cfg, err := ParseJobConfig(job.JobConfig)
	if err != nil {
		return nil, err
	}
	if len(cfg.Stages) > 0 {
		for _, st := range cfg.Stages {
			if st.Name == "" {
				return nil, fmt.Errorf("job config declares a stage with no name")
			}
		}
		return cfg.Stages, nil
	}

	names, ok := defaultPipelines[job.JobType]
	if !ok {
		return nil, ErrMissingStages
	}
	plan := make([]StageConfig, len(names))
	for i, name := range names {
		plan[i] = StageConfig{Name: name}
	}
	return plan, nil
}
