package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// gitWorkspace resolves repo paths under the tool working directory and
// rejects escapes.
type gitWorkspace struct {
	root string
}

func (w gitWorkspace) repoPath(repo string) (string, error) {
	if repo == "" {
		return "", fmt.Errorf("repo must not be empty")
	}
	path := filepath.Join(w.root, filepath.Clean("/"+repo))
	if !strings.HasPrefix(path, w.root+string(filepath.Separator)) && path != w.root {
		return "", fmt.Errorf("repo path %q escapes the workspace", repo)
	}
	return path, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %v\n%s", args[0], err, out.String())
	}
	return out.String(), nil
}

// GitCloneTool clones a repository into the workspace.
type GitCloneTool struct{ ws gitWorkspace }

func NewGitCloneTool(workDir string) *GitCloneTool {
	return &GitCloneTool{ws: gitWorkspace{root: workDir}}
}

func (t *GitCloneTool) Name() string { return "git_clone" }
func (t *GitCloneTool) Description() string {
	return "Clone a git repository into the agent workspace under the given name."
}

func (t *GitCloneTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":  map[string]any{"type": "string", "description": "Repository URL to clone."},
			"repo": map[string]any{"type": "string", "description": "Workspace directory name for the clone."},
		},
		"required": []string{"url", "repo"},
	}
}

func (t *GitCloneTool) Execute(ctx context.Context, args map[string]any) *Result {
	url, _ := args["url"].(string)
	repo, _ := args["repo"].(string)
	path, err := t.ws.repoPath(repo)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(t.ws.root, 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("prepare workspace: %v", err))
	}
	if _, err := os.Stat(path); err == nil {
		return NewResult(fmt.Sprintf("repository %s already cloned", repo))
	}
	if _, err := runGit(ctx, t.ws.root, "clone", "--depth", "1", url, path); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("cloned %s into %s", url, repo))
}

// GitReadFileTool reads a file from a cloned repository.
type GitReadFileTool struct{ ws gitWorkspace }

func NewGitReadFileTool(workDir string) *GitReadFileTool {
	return &GitReadFileTool{ws: gitWorkspace{root: workDir}}
}

func (t *GitReadFileTool) Name() string { return "git_read_file" }
func (t *GitReadFileTool) Description() string {
	return "Read a file from a repository previously cloned into the workspace."
}

func (t *GitReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"repo": map[string]any{"type": "string", "description": "Workspace repository name."},
			"path": map[string]any{"type": "string", "description": "File path inside the repository."},
		},
		"required": []string{"repo", "path"},
	}
}

func (t *GitReadFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	repo, _ := args["repo"].(string)
	relPath, _ := args["path"].(string)
	root, err := t.ws.repoPath(repo)
	if err != nil {
		return ErrorResult(err.Error())
	}
	full := filepath.Join(root, filepath.Clean("/"+relPath))
	data, err := os.ReadFile(full)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", relPath, err))
	}
	return NewResult(truncateOutput(string(data), scriptMaxBytes))
}

// GitWriteFileTool writes a file inside a cloned repository.
type GitWriteFileTool struct{ ws gitWorkspace }

func NewGitWriteFileTool(workDir string) *GitWriteFileTool {
	return &GitWriteFileTool{ws: gitWorkspace{root: workDir}}
}

func (t *GitWriteFileTool) Name() string { return "git_write_file" }
func (t *GitWriteFileTool) Description() string {
	return "Write (create or overwrite) a file in a workspace repository."
}

func (t *GitWriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"repo":    map[string]any{"type": "string", "description": "Workspace repository name."},
			"path":    map[string]any{"type": "string", "description": "File path inside the repository."},
			"content": map[string]any{"type": "string", "description": "Full file content to write."},
		},
		"required": []string{"repo", "path", "content"},
	}
}

func (t *GitWriteFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	repo, _ := args["repo"].(string)
	relPath, _ := args["path"].(string)
	content, _ := args["content"].(string)
	root, err := t.ws.repoPath(repo)
	if err != nil {
		return ErrorResult(err.Error())
	}
	full := filepath.Join(root, filepath.Clean("/"+relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("prepare directory: %v", err))
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", relPath, err))
	}
	return NewResult(fmt.Sprintf("wrote %d bytes to %s/%s", len(content), repo, relPath))
}

// GitCommitPushTool commits and pushes pending changes in a workspace repository.
type GitCommitPushTool struct{ ws gitWorkspace }

func NewGitCommitPushTool(workDir string) *GitCommitPushTool {
	return &GitCommitPushTool{ws: gitWorkspace{root: workDir}}
}

func (t *GitCommitPushTool) Name() string { return "git_commit_push" }
func (t *GitCommitPushTool) Description() string {
	return "Stage all changes in a workspace repository, commit with the given message and push."
}

func (t *GitCommitPushTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"repo":    map[string]any{"type": "string", "description": "Workspace repository name."},
			"message": map[string]any{"type": "string", "description": "Commit message."},
		},
		"required": []string{"repo", "message"},
	}
}

func (t *GitCommitPushTool) Execute(ctx context.Context, args map[string]any) *Result {
	repo, _ := args["repo"].(string)
	message, _ := args["message"].(string)
	root, err := t.ws.repoPath(repo)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if _, err := runGit(ctx, root, "add", "-A"); err != nil {
		return ErrorResult(err.Error())
	}
	if _, err := runGit(ctx, root, "commit", "-m", message); err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			return NewResult("nothing to commit")
		}
		return ErrorResult(err.Error())
	}
	if _, err := runGit(ctx, root, "push"); err != nil {
		return ErrorResult(err.Error())
	}
	return NewResult(fmt.Sprintf("committed and pushed changes in %s", repo))
}
