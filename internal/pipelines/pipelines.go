// Package pipelines loads pipeline definitions from YAML and syncs them into
// the store.
package pipelines

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/store"
)

// File is the on-disk layout of a pipeline definition file.
type File struct {
	Pipelines []Definition `yaml:"pipelines"`
}

// Definition is one named pipeline, optionally bound to an agent.
type Definition struct {
	Name   string        `yaml:"name"`
	Agent  string        `yaml:"agent,omitempty"`
	Active bool          `yaml:"active,omitempty"`
	Blocks []store.Block `yaml:"blocks"`
}

var blockTypes = map[string]bool{
	store.BlockExecutor: true,
	store.BlockReview:   true,
	store.BlockRetry:    true,
	store.BlockEscalate: true,
	store.BlockRoute:    true,
	store.BlockDone:     true,
}

var onLimitPolicies = map[string]bool{
	"":                    true,
	store.OnLimitStop:     true,
	store.OnLimitQueue:    true,
	store.OnLimitFallback: true,
}

// Load reads and validates a definition file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipelines: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates definitions.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse pipelines: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks names, block types and block settings. All problems are
// reported together.
func (f *File) Validate() error {
	var errs []error
	seen := map[string]bool{}
	active := 0

	for i, def := range f.Pipelines {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("pipeline %d: name is required", i))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("pipeline %q: duplicate name", name))
		}
		seen[name] = true
		if def.Active {
			active++
		}
		if len(def.Blocks) == 0 {
			errs = append(errs, fmt.Errorf("pipeline %q: at least one block is required", name))
		}
		for j, b := range def.Blocks {
			if err := validateBlock(b); err != nil {
				errs = append(errs, fmt.Errorf("pipeline %q block %d: %w", name, j, err))
			}
		}
	}
	if active > 1 {
		errs = append(errs, fmt.Errorf("%d pipelines marked active, at most one allowed", active))
	}
	return errors.Join(errs...)
}

func validateBlock(b store.Block) error {
	if !blockTypes[b.Type] {
		return fmt.Errorf("unknown block type %q", b.Type)
	}
	if !onLimitPolicies[b.Config.OnLimit] {
		return fmt.Errorf("unknown on_limit %q", b.Config.OnLimit)
	}
	if b.Type == store.BlockRetry && b.Config.MaxRetries < 1 {
		return fmt.Errorf("retry block needs max_retries >= 1")
	}
	if b.Config.PassAction != "" && b.Config.PassAction != store.PassActionSkipToDone {
		return fmt.Errorf("unknown pass_action %q", b.Config.PassAction)
	}
	return nil
}

// Store is the subset of the store used by Sync.
type Store interface {
	SavePipeline(p *store.Pipeline) error
	GetAgentByName(name string) (*store.Agent, error)
	BindAgentPipeline(agentID, pipelineID int64) error
}

// Sync upserts every definition and binds named agents. An agent that does
// not exist yet is logged and skipped.
func Sync(st Store, f *File) error {
	log := logging.WithComponent("pipelines")

	for _, def := range f.Pipelines {
		p := &store.Pipeline{Name: strings.TrimSpace(def.Name), Active: def.Active, Blocks: def.Blocks}
		if err := st.SavePipeline(p); err != nil {
			return fmt.Errorf("pipeline %q: %w", p.Name, err)
		}

		if def.Agent == "" {
			continue
		}
		agent, err := st.GetAgentByName(def.Agent)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("Pipeline bound to unknown agent",
				slog.String("pipeline", p.Name),
				slog.String("agent", def.Agent),
			)
			continue
		}
		if err != nil {
			return err
		}
		if err := st.BindAgentPipeline(agent.ID, p.ID); err != nil {
			return fmt.Errorf("failed to bind agent %q: %w", def.Agent, err)
		}
	}

	log.Info("Pipelines synced", slog.Int("count", len(f.Pipelines)))
	return nil
}

// SyncFile loads path and syncs it. A missing file is not an error: the
// store keeps its seeded default.
func SyncFile(st Store, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	f, err := Load(path)
	if err != nil {
		return err
	}
	return Sync(st, f)
}
