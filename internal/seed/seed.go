// Package seed applies a YAML description of circles, members and starter
// tasks to the registry at startup.
//
// Seeding is idempotent by circle name: a circle whose name already belongs
// to an active circle is skipped together with its members and tasks, so the
// same file can be applied on every start.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alkimya/gathering-sub003/internal/model"
)

// File is the top-level seed document.
type File struct {
	Circles []Circle `yaml:"circles"`
}

// Circle seeds one circle. Nil flags take the registry defaults.
type Circle struct {
	Name          string   `yaml:"name"`
	ProjectID     *int64   `yaml:"project_id"`
	RequireReview *bool    `yaml:"require_review"`
	AutoRoute     *bool    `yaml:"auto_route"`
	Members       []Member `yaml:"members"`
	Tasks         []Task   `yaml:"tasks"`
}

// Member seeds one agent's membership.
type Member struct {
	ID           int64    `yaml:"id"`
	Name         string   `yaml:"name"`
	Provider     string   `yaml:"provider"`
	Model        string   `yaml:"model"`
	Competencies []string `yaml:"competencies"`
	CanReview    []string `yaml:"can_review"`
	Role         string   `yaml:"role"`
	// Quality is the approval rate in [0,1] assumed until the agent has
	// finished a task.
	Quality *float64 `yaml:"quality"`
}

// Task seeds a starter task. Priority is a label or an integer 1-10.
type Task struct {
	Title                string   `yaml:"title"`
	Description          string   `yaml:"description"`
	RequiredCompetencies []string `yaml:"required_competencies"`
	Priority             any      `yaml:"priority"`
}

// Registrar is the part of *registry.Registry seeding needs.
type Registrar interface {
	ListCircles(projectID *int64) []model.Circle
	CreateCircle(ctx context.Context, req model.CreateCircleRequest) (model.Circle, error)
	AddMember(ctx context.Context, circleID int64, h model.AgentHandle, role model.MemberRole) (model.Member, error)
	CreateTask(ctx context.Context, req model.CreateTaskRequest) (model.CircleTask, error)
}

// QualitySeeder accepts initial approval rates. *orchestration.QualityTracker
// satisfies it.
type QualitySeeder interface {
	Seed(agentID int64, rate float64)
}

// Option configures Apply.
type Option func(*applyConfig)

type applyConfig struct {
	quality QualitySeeder
}

// WithQuality forwards member quality values to q. They are applied for
// every member in the file, including members of skipped circles, because
// seeded rates are not persisted.
func WithQuality(q QualitySeeder) Option {
	return func(c *applyConfig) { c.quality = q }
}

// Result counts what Apply did.
type Result struct {
	CirclesCreated int
	CirclesSkipped int
	MembersAdded   int
	TasksCreated   int
	QualitySeeded  int
}

// Parse decodes a seed document. Unknown keys are rejected so typos fail
// loudly instead of silently seeding defaults.
func Parse(r io.Reader) (File, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, nil
		}
		return File{}, fmt.Errorf("seed: decode: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Load reads and parses the seed file at path.
func Load(path string) (File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("seed: open: %w", err)
	}
	defer func() { _ = fh.Close() }()
	return Parse(fh)
}

// Validate checks the document for mistakes the registry would only report
// halfway through applying it.
func (f File) Validate() error {
	var errs []error
	names := make(map[string]bool, len(f.Circles))
	for i, c := range f.Circles {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			errs = append(errs, fmt.Errorf("circles[%d]: name is required", i))
			continue
		}
		if names[name] {
			errs = append(errs, fmt.Errorf("circles[%d]: duplicate circle name %q", i, c.Name))
		}
		names[name] = true

		ids := make(map[int64]bool, len(c.Members))
		for j, m := range c.Members {
			if m.ID <= 0 {
				errs = append(errs, fmt.Errorf("circles[%d].members[%d]: id must be positive", i, j))
			}
			if ids[m.ID] {
				errs = append(errs, fmt.Errorf("circles[%d].members[%d]: agent %d listed twice", i, j, m.ID))
			}
			ids[m.ID] = true
			if _, err := model.ParseMemberRole(m.Role); err != nil {
				errs = append(errs, fmt.Errorf("circles[%d].members[%d]: %w", i, j, err))
			}
			if m.Quality != nil && (*m.Quality < 0 || *m.Quality > 1) {
				errs = append(errs, fmt.Errorf("circles[%d].members[%d]: quality must be within [0,1]", i, j))
			}
		}
		for j, t := range c.Tasks {
			if strings.TrimSpace(t.Title) == "" {
				errs = append(errs, fmt.Errorf("circles[%d].tasks[%d]: title is required", i, j))
			}
			if _, err := model.ParsePriority(t.Priority); err != nil {
				errs = append(errs, fmt.Errorf("circles[%d].tasks[%d]: %w", i, j, err))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("seed: invalid file: %w", errors.Join(errs...))
	}
	return nil
}

// Apply creates every circle in f whose name is not already taken by an
// active circle, then its members and tasks. Members are added before tasks
// so auto-routing circles can route the starter tasks immediately.
func Apply(ctx context.Context, reg Registrar, f File, logger *slog.Logger, opts ...Option) (Result, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var cfg applyConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	existing := make(map[string]bool)
	for _, c := range reg.ListCircles(nil) {
		if c.Active {
			existing[strings.ToLower(c.Name)] = true
		}
	}

	var res Result
	for _, sc := range f.Circles {
		if cfg.quality != nil {
			for _, m := range sc.Members {
				if m.Quality != nil {
					cfg.quality.Seed(m.ID, *m.Quality)
					res.QualitySeeded++
				}
			}
		}

		name := strings.TrimSpace(sc.Name)
		if existing[strings.ToLower(name)] {
			res.CirclesSkipped++
			logger.Debug("seed: circle exists, skipping", "name", name)
			continue
		}
		c, err := reg.CreateCircle(ctx, model.CreateCircleRequest{
			Name:          name,
			ProjectID:     sc.ProjectID,
			RequireReview: sc.RequireReview,
			AutoRoute:     sc.AutoRoute,
		})
		if err != nil {
			return res, fmt.Errorf("seed: create circle %q: %w", name, err)
		}
		existing[strings.ToLower(name)] = true
		res.CirclesCreated++

		for _, m := range sc.Members {
			h := model.AgentHandle{
				ID:                 m.ID,
				Name:               m.Name,
				Provider:           m.Provider,
				Model:              m.Model,
				Competencies:       m.Competencies,
				ReviewCompetencies: m.CanReview,
				Active:             true,
			}
			if _, err := reg.AddMember(ctx, c.ID, h, model.MemberRole(m.Role)); err != nil {
				return res, fmt.Errorf("seed: add agent %d to %q: %w", m.ID, name, err)
			}
			res.MembersAdded++
		}
		for _, t := range sc.Tasks {
			if _, err := reg.CreateTask(ctx, model.CreateTaskRequest{
				CircleID:             c.ID,
				Title:                t.Title,
				Description:          t.Description,
				RequiredCompetencies: t.RequiredCompetencies,
				Priority:             t.Priority,
			}); err != nil {
				return res, fmt.Errorf("seed: create task %q in %q: %w", t.Title, name, err)
			}
			res.TasksCreated++
		}
	}

	logger.Info("seed: applied",
		"circles_created", res.CirclesCreated,
		"circles_skipped", res.CirclesSkipped,
		"members_added", res.MembersAdded,
		"tasks_created", res.TasksCreated,
		"quality_seeded", res.QualitySeeded)
	return res, nil
}
