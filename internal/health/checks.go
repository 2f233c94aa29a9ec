package health

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/alekspetrov/warden/internal/config"
)

// CheckStatus is the outcome of a preflight check.
type CheckStatus int

const (
	CheckOK CheckStatus = iota
	CheckWarning
	CheckError
	CheckDisabled
)

func (s CheckStatus) String() string {
	switch s {
	case CheckOK:
		return "ok"
	case CheckWarning:
		return "warning"
	case CheckError:
		return "error"
	case CheckDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Symbol returns a one-character marker for terminal output.
func (s CheckStatus) Symbol() string {
	switch s {
	case CheckOK:
		return "✓"
	case CheckWarning:
		return "○"
	case CheckError:
		return "✗"
	case CheckDisabled:
		return "·"
	default:
		return "?"
	}
}

var checkColors = map[CheckStatus]lipgloss.Color{
	CheckOK:       lipgloss.Color("42"),
	CheckWarning:  lipgloss.Color("214"),
	CheckError:    lipgloss.Color("196"),
	CheckDisabled: lipgloss.Color("240"),
}

// ColorSymbol returns Symbol styled for the terminal.
func (s CheckStatus) ColorSymbol() string {
	c, ok := checkColors[s]
	if !ok {
		return s.Symbol()
	}
	return lipgloss.NewStyle().Foreground(c).Render(s.Symbol())
}

// Check is a single preflight result.
type Check struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string
}

// FeatureStatus reports whether an optional feature is configured.
type FeatureStatus struct {
	Name    string
	Enabled bool
	Status  CheckStatus
	Note    string
}

// Report collects all preflight results.
type Report struct {
	Dependencies []Check
	Features     []FeatureStatus
}

// HasErrors reports whether any dependency check failed.
func (r *Report) HasErrors() bool {
	for _, c := range r.Dependencies {
		if c.Status == CheckError {
			return true
		}
	}
	return false
}

// RunChecks performs all preflight checks for cfg.
func RunChecks(cfg *config.Config) *Report {
	return &Report{
		Dependencies: checkDependencies(cfg),
		Features:     checkFeatures(cfg),
	}
}

func checkDependencies(cfg *config.Config) []Check {
	var checks []Check

	command := "claude"
	if cfg.CLI != nil && cfg.CLI.Command != "" {
		command = cfg.CLI.Command
	}
	if version := getCommandVersion(command, "--version"); version != "" {
		checks = append(checks, Check{Name: command, Status: CheckOK, Message: version})
	} else {
		checks = append(checks, Check{
			Name:    command,
			Status:  CheckWarning,
			Message: "not found (CLI blocks will fail)",
			Fix:     "npm install -g @anthropic-ai/claude-code",
		})
	}

	if cfg.Approval == nil || cfg.Approval.Pepper == "" {
		checks = append(checks, Check{
			Name:    "approval pepper",
			Status:  CheckError,
			Message: "not set",
			Fix:     "warden config init, or set approval.pepper",
		})
	} else {
		checks = append(checks, Check{Name: "approval pepper", Status: CheckOK, Message: "set"})
	}

	if cfg.Storage != nil {
		checks = append(checks, checkWritableDir("storage", filepath.Dir(cfg.Storage.Path)))
	}

	if cfg.Remote == nil || cfg.Remote.APIKey == "" {
		checks = append(checks, Check{
			Name:    "remote api key",
			Status:  CheckWarning,
			Message: "not set (remote blocks will fail)",
			Fix:     "set remote.api_key",
		})
	} else {
		checks = append(checks, Check{Name: "remote api key", Status: CheckOK, Message: "set"})
	}

	return checks
}

func checkWritableDir(name, dir string) Check {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Check{Name: name, Status: CheckError, Message: err.Error()}
	}
	probe, err := os.CreateTemp(dir, ".warden-probe-*")
	if err != nil {
		return Check{Name: name, Status: CheckError, Message: "not writable: " + dir}
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	return Check{Name: name, Status: CheckOK, Message: dir}
}

func checkFeatures(cfg *config.Config) []FeatureStatus {
	var features []FeatureStatus

	smtpEnabled := cfg.Notify != nil && cfg.Notify.SMTP != nil && cfg.Notify.SMTP.Host != ""
	smtpNote := ""
	if !smtpEnabled {
		smtpNote = "notifications are logged only"
	}
	features = append(features, FeatureStatus{
		Name:    "Email",
		Enabled: smtpEnabled,
		Status:  boolToStatus(smtpEnabled),
		Note:    smtpNote,
	})

	jobsEnabled := cfg.Jobs != nil && cfg.Jobs.BaseURL != ""
	features = append(features, FeatureStatus{
		Name:    "Remote jobs",
		Enabled: jobsEnabled,
		Status:  boolToStatus(jobsEnabled),
	})

	if cfg.Routines != nil {
		features = append(features,
			FeatureStatus{Name: "Auto-approve", Enabled: cfg.Routines.AutoApprove, Status: boolToStatus(cfg.Routines.AutoApprove)},
			FeatureStatus{Name: "Auto-review", Enabled: cfg.Routines.ReviewAutocreate, Status: boolToStatus(cfg.Routines.ReviewAutocreate)},
			FeatureStatus{Name: "Blocked retry", Enabled: cfg.Routines.BlockedRetry, Status: boolToStatus(cfg.Routines.BlockedRetry)},
		)
	}

	apiEnabled := cfg.Gateway != nil && cfg.Gateway.OperatorToken != ""
	apiNote := ""
	if !apiEnabled {
		apiNote = "set gateway.operator_token"
	}
	features = append(features, FeatureStatus{
		Name:    "Operator API",
		Enabled: apiEnabled,
		Status:  boolToStatus(apiEnabled),
		Note:    apiNote,
	})

	watch := cfg.Pipelines != nil && cfg.Pipelines.Watch
	features = append(features, FeatureStatus{
		Name:    "Pipeline reload",
		Enabled: watch,
		Status:  boolToStatus(watch),
	})

	return features
}

// getCommandVersion runs a command and returns its version string
func getCommandVersion(cmd string, args ...string) string {
	out, err := exec.Command(cmd, args...).Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	if strings.Contains(version, " ") {
		for _, p := range strings.Fields(version) {
			if strings.Contains(p, ".") {
				return p
			}
		}
	}
	return version
}

func boolToStatus(enabled bool) CheckStatus {
	if enabled {
		return CheckOK
	}
	return CheckDisabled
}
