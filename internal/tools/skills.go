package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const skillTimeout = 60 * time.Second

// SkillManifest is the skills/<name>/skill.json descriptor.
type SkillManifest struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema"`
	Command     []string       `json:"command"`
}

// SkillTool runs an external handler as a subprocess. The tool input is
// passed as JSON on stdin; stdout becomes the result.
type SkillTool struct {
	manifest SkillManifest
	dir      string
}

func (t *SkillTool) Name() string        { return t.manifest.Name }
func (t *SkillTool) Description() string { return t.manifest.Description }

func (t *SkillTool) Parameters() map[string]any {
	if t.manifest.Schema == nil {
		return map[string]any{"type": "object"}
	}
	return t.manifest.Schema
}

func (t *SkillTool) Execute(ctx context.Context, args map[string]any) *Result {
	if len(t.manifest.Command) == 0 {
		return ErrorResult(fmt.Sprintf("skill %s has no command", t.manifest.Name))
	}
	input, err := json.Marshal(args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("encode skill input: %v", err))
	}

	ctx, cancel := context.WithTimeout(ctx, skillTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.manifest.Command[0], t.manifest.Command[1:]...)
	cmd.Dir = t.dir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return ErrorResult(fmt.Sprintf("skill %s failed: %v\n%s",
			t.manifest.Name, err, truncateOutput(stderr.String(), 4000)))
	}
	return NewResult(truncateOutput(stdout.String(), scriptMaxBytes))
}

// LoadSkills scans dir for skills/<name>/skill.json manifests and registers
// a SkillTool per valid manifest. Returns the loaded skill names.
func LoadSkills(registry *Registry, dir string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var loaded []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		skillDir := filepath.Join(dir, entry.Name())
		manifestPath := filepath.Join(skillDir, "skill.json")
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			continue
		}

		var manifest SkillManifest
		if err := json.Unmarshal(data, &manifest); err != nil {
			logger.Warn("skipping skill with invalid manifest", "skill", entry.Name(), "error", err)
			continue
		}
		if manifest.Name == "" {
			manifest.Name = entry.Name()
		}
		if len(manifest.Command) == 0 {
			logger.Warn("skipping skill without command", "skill", manifest.Name)
			continue
		}

		tool := &SkillTool{manifest: manifest, dir: skillDir}
		if err := registry.Register(tool); err != nil {
			logger.Warn("skipping skill with invalid schema", "skill", manifest.Name, "error", err)
			continue
		}
		loaded = append(loaded, manifest.Name)
	}
	logger.Info("skills loaded", "count", len(loaded), "dir", dir)
	return loaded, nil
}
