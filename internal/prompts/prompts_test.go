package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alekspetrov/warden/internal/store"
)

func TestEnsureDefaultsWritesRoleTemplates(t *testing.T) {
	p := NewProvider(t.TempDir())

	if err := p.EnsureDefaults("critic", "Reviewing"); err != nil {
		t.Fatalf("EnsureDefaults: %v", err)
	}
	files, err := p.ListFiles("critic")
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if strings.Join(files, ",") != "CONTEXT.md,INSTRUCTIONS.md,SOUL.md" {
		t.Errorf("files = %v", files)
	}

	instr, _ := p.ReadFile("critic", "INSTRUCTIONS.md")
	if !strings.Contains(instr, "PASS or FAIL verdict") {
		t.Errorf("reviewing instructions missing:\n%s", instr)
	}
	soul, _ := p.ReadFile("critic", "SOUL.md")
	if !strings.Contains(soul, "You are **critic**, a Reviewing agent") {
		t.Errorf("soul = %s", soul)
	}
}

func TestEnsureDefaultsKeepsEdits(t *testing.T) {
	p := NewProvider(t.TempDir())
	if err := p.WriteFile("dev", "SOUL.md", "custom soul"); err != nil {
		t.Fatal(err)
	}
	if err := p.EnsureDefaults("dev", "programming"); err != nil {
		t.Fatal(err)
	}
	soul, _ := p.ReadFile("dev", "SOUL.md")
	if soul != "custom soul" {
		t.Errorf("SOUL.md overwritten: %q", soul)
	}
}

func TestSystemPromptConcatenatesInOrder(t *testing.T) {
	p := NewProvider(t.TempDir())
	_ = p.WriteFile("dev", "CONTEXT.md", "context part")
	_ = p.WriteFile("dev", "SOUL.md", "soul part")
	_ = p.WriteFile("dev", "NOTES.md", "not included")

	got := p.SystemPrompt(&store.Agent{Name: "dev", Role: "programming"})
	if got != "soul part"+separator+"context part" {
		t.Errorf("prompt = %q", got)
	}
}

func TestSystemPromptFallback(t *testing.T) {
	p := NewProvider(t.TempDir())

	got := p.SystemPrompt(&store.Agent{Name: "arch", Role: "architecture"})
	if !strings.Contains(got, "**arch**") || !strings.Contains(got, "tradeoffs") {
		t.Errorf("fallback = %q", got)
	}
	if generic := p.SystemPrompt(nil); !strings.Contains(generic, "general agent") {
		t.Errorf("generic = %q", generic)
	}
}

func TestDeleteFile(t *testing.T) {
	p := NewProvider(t.TempDir())
	_ = p.EnsureDefaults("dev", "")
	_ = p.WriteFile("dev", "scratch.md", "x")

	if err := p.DeleteFile("dev", "SOUL.md"); !errors.Is(err, ErrStandardFile) {
		t.Errorf("err = %v, want ErrStandardFile", err)
	}
	if err := p.DeleteFile("dev", "scratch.md"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.AgentDir("dev"), "scratch.md")); !os.IsNotExist(err) {
		t.Error("scratch.md still exists")
	}
}

func TestAgentDirIsSanitised(t *testing.T) {
	p := NewProvider("/base")
	if got := p.AgentDir("../etc"); got != filepath.Join("/base", ".._etc") {
		t.Errorf("AgentDir = %q", got)
	}
}
