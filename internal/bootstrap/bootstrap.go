// Package bootstrap seeds the data directory on first start: default
// config, an example rule set, workspace prompt files, a core memory
// file, and one example skill. Existing files are never overwritten.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
)

// seedFiles maps relative target paths to their default contents.
var seedFiles = []struct {
	path    string
	content string
}{
	{"config.yaml", defaultConfigYAML},
	{"rules.yaml", defaultRulesYAML},
	{"SOUL.md", defaultSoulMD},
	{"USER.md", defaultUserMD},
	{"memory/CORE.md", defaultCoreMemoryMD},
	{"skills/example/SKILL.md", exampleSkillMD},
}

// EnsureDataDir creates the data directory tree and seeds missing
// critical files. Returns the relative paths that were created.
func EnsureDataDir(dataDir string) ([]string, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	var created []string
	for _, seed := range seedFiles {
		target := filepath.Join(dataDir, seed.path)
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0700); err != nil {
			return created, fmt.Errorf("create directory for %s: %w", seed.path, err)
		}
		if err := os.WriteFile(target, []byte(seed.content), 0600); err != nil {
			return created, fmt.Errorf("seed %s: %w", seed.path, err)
		}
		created = append(created, seed.path)
	}
	return created, nil
}

const defaultConfigYAML = `carapace:
  log_level: info

server:
  host: 127.0.0.1
  port: 8321

agent:
  model: gemini-2.0-flash
  classifier_model: gemini-2.0-flash-lite

security:
  approval_timeout: 10m

sessions:
  history_retention_days: 90
`

const defaultRulesYAML = `rules:
  - id: no-write-after-web
    trigger: "the agent has read content from the internet"
    effect: "local or external write operations require approval"
    mode: approve
    description: "After reading from the web, writes need your approval."

  - id: skill-modification
    trigger: always
    effect: "creating, editing, or deleting files under skills/ requires approval"
    mode: approve
    description: "Changes to skills always need your approval."

  - id: credential-use
    trigger: always
    effect: "fetching or using credentials requires approval"
    mode: approve
    description: "Credential access always needs your approval."
`

const defaultSoulMD = `# Carapace

You are a careful personal assistant. You act through tools; every tool
call passes through a security pipeline that may ask the user for
approval. When an operation is denied, explain what you wanted to do and
propose an alternative instead of retrying.
`

const defaultUserMD = `# User

Describe yourself here so the agent has context: name, preferences,
things it should know.
`

const defaultCoreMemoryMD = `# Core memory

Long-lived facts the agent should remember go here.
`

const exampleSkillMD = `---
name: example
description: A minimal example skill that greets the user.
---

# Example skill

When asked to demonstrate a skill, respond with a friendly greeting and
mention which skill is active.
`
