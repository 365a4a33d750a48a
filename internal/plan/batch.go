package plan

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/taskgraph"
	"github.com/Iron-Ham/conductor/internal/touchset"
)

// Format is a batch file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Op is a scripted edit operation.
type Op string

const (
	// OpWrite replaces the file content, creating it if needed.
	OpWrite Op = "write"
	// OpAppend appends to the file, creating it if needed.
	OpAppend Op = "append"
	// OpReplace replaces every occurrence of Old with Content.
	OpReplace Op = "replace"
	// OpDelete removes the file.
	OpDelete Op = "delete"
)

// Edit is one scripted change to a file.
type Edit struct {
	Op      Op     `json:"op" yaml:"op"`
	Path    string `json:"path" yaml:"path"`
	Content string `json:"content,omitempty" yaml:"content,omitempty"`
	Old     string `json:"old,omitempty" yaml:"old,omitempty"`
}

// TaskSpec is a task as written in a batch file.
type TaskSpec struct {
	ID          string   `json:"id" yaml:"id"`
	Title       string   `json:"title,omitempty" yaml:"title,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Files       []string `json:"files,omitempty" yaml:"files,omitempty"`
	Priority    string   `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Edits is replayed by ScriptedRunner.
	Edits []Edit `json:"edits,omitempty" yaml:"edits,omitempty"`
	// Delay is how long the scripted attempt takes, e.g. "250ms".
	Delay string `json:"delay,omitempty" yaml:"delay,omitempty"`
	// Fail makes every scripted attempt fail with this message.
	Fail string `json:"fail,omitempty" yaml:"fail,omitempty"`
}

// Batch is a set of tasks executed together.
type Batch struct {
	Name  string     `json:"name,omitempty" yaml:"name,omitempty"`
	Tasks []TaskSpec `json:"tasks" yaml:"tasks"`
}

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", errors.NewValidationError("unsupported batch file extension").WithField("path").WithValue(path)
	}
}

// Load reads and validates a batch file. The format follows the extension.
func Load(path string) (*Batch, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	b, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Parse decodes and validates a batch. Unknown fields are rejected so a
// typo in a key does not silently drop a dependency or a touch-set.
func Parse(data []byte, format Format) (*Batch, error) {
	var b Batch
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&b); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&b); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	default:
		return nil, errors.NewValidationError("unknown batch format").WithValue(format)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Validate checks everything that can be checked without building the
// graph: ids, priorities, touch-set patterns, delays and edit scripts.
// Duplicate ids, unknown dependencies and cycles are left to
// taskgraph.Build.
func (b *Batch) Validate() error {
	if len(b.Tasks) == 0 {
		return errors.NewValidationError("batch has no tasks").WithField("tasks")
	}
	var errs []error
	for i, t := range b.Tasks {
		field := func(name string) string { return fmt.Sprintf("tasks[%d].%s", i, name) }
		if strings.TrimSpace(t.ID) == "" {
			errs = append(errs, errors.NewValidationError("task id is required").WithField(field("id")))
			continue
		}
		if _, err := taskgraph.ParsePriority(t.Priority); err != nil {
			errs = append(errs, errors.NewValidationError(err.Error()).WithField(field("priority")))
		}
		if _, err := touchset.CompileSet(t.Files); err != nil {
			errs = append(errs, errors.NewValidationError("invalid touch-set").WithField(field("files")).WithCause(err))
		}
		if t.Delay != "" {
			if d, err := time.ParseDuration(t.Delay); err != nil || d < 0 {
				errs = append(errs, errors.NewValidationError("invalid delay").WithField(field("delay")).WithValue(t.Delay))
			}
		}
		for j, e := range t.Edits {
			if err := e.validate(); err != nil {
				errs = append(errs, errors.NewValidationError(err.Error()).WithField(fmt.Sprintf("tasks[%d].edits[%d]", i, j)))
			}
		}
	}
	return errors.Join(errs...)
}

func (e Edit) validate() error {
	if _, err := touchset.Clean(e.Path); err != nil {
		return err
	}
	switch e.Op {
	case OpWrite, OpAppend, OpDelete:
	case OpReplace:
		if e.Old == "" {
			return fmt.Errorf("replace needs old text")
		}
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
	return nil
}

// TaskList converts the batch to graph tasks.
func (b *Batch) TaskList() []taskgraph.Task {
	out := make([]taskgraph.Task, len(b.Tasks))
	for i, t := range b.Tasks {
		p, _ := taskgraph.ParsePriority(t.Priority)
		out[i] = taskgraph.Task{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			DependsOn:   t.DependsOn,
			Files:       t.Files,
			Priority:    p,
		}
	}
	return out
}

// Graph builds the task graph for the batch.
func (b *Batch) Graph(opts ...taskgraph.Option) (*taskgraph.Graph, error) {
	return taskgraph.Build(b.TaskList(), opts...)
}

// Task returns the spec for id.
func (b *Batch) Task(id string) (TaskSpec, bool) {
	for _, t := range b.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return TaskSpec{}, false
}
