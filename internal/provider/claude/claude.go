// Package claude integrates the Claude Code CLI as an agent provider.
// Headless sessions speak the stream-json protocol over stdin/stdout;
// interactive sessions run the CLI inside a pseudoterminal.
package claude

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stoneforge/internal/common/logger"
	"github.com/stoneforge-ai/stoneforge/internal/provider"
)

// Name is the registry name for this provider.
const Name = "claude-code"

// DefaultExecutable is used when no explicit path is configured.
const DefaultExecutable = "claude"

// Provider runs agent sessions through the Claude Code CLI.
type Provider struct {
	executable string
	logger     *logger.Logger
}

// New creates a Claude Code provider. An empty executable falls back to
// DefaultExecutable resolved via PATH.
func New(executable string, log *logger.Logger) *Provider {
	if executable == "" {
		executable = DefaultExecutable
	}
	return &Provider{
		executable: executable,
		logger:     log.WithFields(zap.String("component", "provider-claude")),
	}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return Name }

// Executable implements provider.Provider.
func (p *Provider) Executable() string { return p.executable }

// IsAvailable reports whether the CLI binary can be resolved.
func (p *Provider) IsAvailable(_ context.Context) bool {
	_, err := exec.LookPath(p.executable)
	return err == nil
}

// ListModels returns the models the CLI accepts via --model.
func (p *Provider) ListModels(_ context.Context) ([]provider.Model, error) {
	return []provider.Model{
		{ID: "claude-sonnet-4-5", Name: "Sonnet 4.5", Default: true},
		{ID: "claude-opus-4-5", Name: "Opus 4.5"},
		{ID: "claude-haiku-4-5", Name: "Haiku 4.5"},
	}, nil
}

// Headless implements provider.Provider.
func (p *Provider) Headless() provider.HeadlessSpawner {
	return &headlessSpawner{provider: p}
}

// Interactive implements provider.Provider.
func (p *Provider) Interactive() provider.InteractiveSpawner {
	return &interactiveSpawner{provider: p}
}

// headlessArgs builds the CLI argument list for a headless spawn.
func headlessArgs(opts provider.SpawnOptions) []string {
	args := []string{
		"-p",
		"--output-format=stream-json",
		"--input-format=stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

// interactiveArgs builds the CLI argument list for an interactive spawn.
func interactiveArgs(opts provider.SpawnOptions) []string {
	var args []string
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

// buildEnv merges the parent environment with per-spawn variables.
func buildEnv(opts provider.SpawnOptions) []string {
	env := os.Environ()
	if opts.StoneforgeRoot != "" {
		env = append(env, fmt.Sprintf("STONEFORGE_ROOT=%s", opts.StoneforgeRoot))
	}
	for k, v := range opts.EnvironmentVariables {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
