// Package prompts manages the per-agent documents (SOUL.md, INSTRUCTIONS.md,
// CONTEXT.md) that make up an agent's system prompt.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/store"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// StandardFiles are created for every agent, in prompt order.
var StandardFiles = []string{"SOUL.md", "INSTRUCTIONS.md", "CONTEXT.md"}

// ErrStandardFile is returned when deleting one of the standard files.
var ErrStandardFile = errors.New("standard agent files cannot be deleted")

const separator = "\n\n---\n\n"

var roleInstructions = map[string]string{
	"programming": `- Write clean, well-structured code
- Include full file paths and complete code blocks
- Handle edge cases and error conditions
- Follow existing project patterns and conventions`,
	"architecture": `- Make high-level design decisions
- Identify tradeoffs between approaches
- Create concrete implementation plans
- Consider scalability, maintainability, and security`,
	"reviewing": `- Thoroughly review code and deliverables
- Identify bugs, issues, and risks
- Propose specific fixes and improvements
- Give a clear PASS or FAIL verdict`,
	"reporting": `- Summarize work clearly and concisely
- Highlight key findings and next steps
- Use structured formatting for readability
- Include metrics where available`,
}

const defaultRoleInstructions = `- Complete tasks as assigned
- Be thorough and accurate`

type templateData struct {
	Name             string
	Role             string
	RoleInstructions string
}

// Provider reads agent documents from a directory tree: <dir>/<agent name>/*.md.
type Provider struct {
	dir       string
	templates *template.Template
	log       *slog.Logger
}

// NewProvider creates a provider rooted at dir.
func NewProvider(dir string) *Provider {
	return &Provider{
		dir:       dir,
		templates: template.Must(template.ParseFS(templateFS, "templates/*.tmpl")),
		log:       logging.WithComponent("prompts"),
	}
}

// AgentDir returns the directory holding an agent's documents.
func (p *Provider) AgentDir(name string) string {
	return filepath.Join(p.dir, sanitize(name))
}

// EnsureDefaults creates the agent directory and writes any missing standard
// file from the role templates. Existing files are left untouched.
func (p *Provider) EnsureDefaults(name, role string) error {
	dir := p.AgentDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create agent dir: %w", err)
	}

	if role == "" {
		role = "general"
	}
	data := templateData{Name: name, Role: role, RoleInstructions: defaultRoleInstructions}
	if instr, ok := roleInstructions[strings.ToLower(strings.TrimSpace(role))]; ok {
		data.RoleInstructions = instr
	}

	for _, file := range StandardFiles {
		path := filepath.Join(dir, file)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		var buf bytes.Buffer
		if err := p.templates.ExecuteTemplate(&buf, file+".tmpl", data); err != nil {
			return fmt.Errorf("failed to render %s: %w", file, err)
		}
		if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", file, err)
		}
	}
	return nil
}

// ListFiles returns the agent's markdown files, sorted.
func (p *Provider) ListFiles(name string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(p.AgentDir(name), "*.md"))
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, filepath.Base(m))
	}
	sort.Strings(files)
	return files, nil
}

// ReadFile returns a document's content, or "" if it does not exist.
func (p *Provider) ReadFile(name, file string) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.AgentDir(name), filepath.Base(file)))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile creates or replaces a document.
func (p *Provider) WriteFile(name, file, content string) error {
	dir := p.AgentDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, filepath.Base(file)), []byte(content), 0644)
}

// DeleteFile removes a custom document.
func (p *Provider) DeleteFile(name, file string) error {
	file = filepath.Base(file)
	for _, f := range StandardFiles {
		if f == file {
			return ErrStandardFile
		}
	}
	err := os.Remove(filepath.Join(p.AgentDir(name), file))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SystemPrompt concatenates the agent's standard documents that exist. With
// no agent, or no documents, it falls back to a generic role prompt.
func (p *Provider) SystemPrompt(agent *store.Agent) string {
	if agent == nil {
		return fallbackPrompt("", "general")
	}

	var parts []string
	for _, file := range StandardFiles {
		content, err := p.ReadFile(agent.Name, file)
		if err != nil {
			p.log.Warn("Failed to read agent file",
				slog.String("agent", agent.Name),
				slog.String("file", file),
				slog.Any("error", err),
			)
			continue
		}
		if strings.TrimSpace(content) != "" {
			parts = append(parts, strings.TrimSpace(content))
		}
	}
	if len(parts) == 0 {
		return fallbackPrompt(agent.Name, agent.Role)
	}
	return strings.Join(parts, separator)
}

func fallbackPrompt(name, role string) string {
	if role == "" {
		role = "general"
	}
	instr, ok := roleInstructions[strings.ToLower(role)]
	if !ok {
		instr = defaultRoleInstructions
	}
	who := "an agent"
	if name != "" {
		who = "**" + name + "**"
	}
	return fmt.Sprintf("You are %s acting as the %s agent in the Warden task system.\n\n%s", who, role, instr)
}

// sanitize keeps agent names usable as directory names.
func sanitize(name string) string {
	name = strings.TrimSpace(name)
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
