package engine

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ace-cli/ace/internal/tools"
)

// basePromptPlan and basePromptBuilder are the mode-specific prelude texts
// composed into the System message on every request, per §3 ("System:
// synthetic prelude composed from a mode-specific prompt plus optional
// agent file contents") and §6 ("agent.md ... appending ... under a header
// line --- agent.md ---").
const basePromptPlan = `You are an interactive terminal coding assistant running in PLAN mode.
In this mode you may only use read-only tools: inspect files, search the
codebase, and explain what you find. You may not write files, edit files,
or run shell commands. If the user's request requires a mutation, describe
the plan instead of attempting it.`

const basePromptBuilder = `You are an interactive terminal coding assistant. You can read and write
files, search the codebase, and run shell commands to accomplish the
user's request. Prefer small, verifiable steps; explain what you changed.`

const agentFileHeader = "--- agent.md ---"

// BuildSystemPrompt composes the System message content for one request:
// the mode-specific base prompt, plus agent.md from workDir if present.
// Recomputed on every request per §3 invariant 5 — it is never persisted
// as part of the stored transcript.
func BuildSystemPrompt(mode tools.Mode, workDir string) string {
	base := basePromptBuilder
	if mode == tools.ModePlan {
		base = basePromptPlan
	}

	agentContent := readAgentFile(workDir)
	if agentContent == "" {
		return base
	}
	return base + "\n\n" + agentFileHeader + "\n" + agentContent
}

func readAgentFile(workDir string) string {
	data, err := os.ReadFile(filepath.Join(workDir, "agent.md"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
