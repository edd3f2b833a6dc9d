// Package syscontext gathers the project signals that seed the first user
// turn: a best-effort, read-only sweep of the workspace producing a compact
// Markdown prompt fragment (environment, package manager, instruction files,
// project config, a file tree, and git status) plus a cd_instruction
// ChatMessage for injection ahead of the first turn in a new workspace.
package syscontext

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
)

// maxInstructionDepth bounds how deep the instruction-file walk descends
// from the workspace root.
const maxInstructionDepth = 5

// maxCdFiles/maxCdFileBytes cap the cd_instruction payload.
const (
	maxCdFiles     = 10
	maxCdFileBytes = 10 * 1024
)

// blockedDirs are never descended into while discovering instruction files.
var blockedDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".venv": true,
	"dist": true, "build": true, "target": true, ".cache": true,
}

// instructionFileNames are recognized in any directory the discovery walk
// visits; the walk stops at maxInstructionDepth and skips blockedDirs.
var instructionFileNames = map[string]bool{
	"AGENTS.md": true, "CLAUDE.md": true, ".cursorrules": true, "CONVENTIONS.md": true,
}

// ProjectConfigCategory buckets a detected config file for display grouping.
type ProjectConfigCategory string

const (
	CategoryCodeStyle     ProjectConfigCategory = "code_style"
	CategoryTesting       ProjectConfigCategory = "testing"
	CategoryBuild         ProjectConfigCategory = "build"
	CategoryTypeScript    ProjectConfigCategory = "typescript"
	CategoryGitHooks      ProjectConfigCategory = "git_hooks"
	CategoryDocumentation ProjectConfigCategory = "documentation"
	CategoryEnvironment   ProjectConfigCategory = "environment"
	CategoryOther         ProjectConfigCategory = "other"
)

// projectConfigFiles maps well-known filenames to their category.
var projectConfigFiles = map[string]ProjectConfigCategory{
	".editorconfig":           CategoryCodeStyle,
	".prettierrc":             CategoryCodeStyle,
	".eslintrc":               CategoryCodeStyle,
	".eslintrc.json":          CategoryCodeStyle,
	"jest.config.js":          CategoryTesting,
	"pytest.ini":              CategoryTesting,
	"Makefile":                CategoryBuild,
	"Dockerfile":              CategoryBuild,
	"tsconfig.json":           CategoryTypeScript,
	".pre-commit-config.yaml": CategoryGitHooks,
	"README.md":               CategoryDocumentation,
	".env.example":            CategoryEnvironment,
}

// envMarkerPriority maps a root-level file to the package manager it
// implies, checked in this priority order; the first marker present decides
// which manager the prompt recommends.
var envMarkerPriority = []struct {
	marker  string
	manager string
}{
	{"pnpm-lock.yaml", "pnpm"},
	{"yarn.lock", "yarn"},
	{"package-lock.json", "npm"},
	{"package.json", "npm"},
	{"poetry.lock", "poetry"},
	{"Pipfile.lock", "pipenv"},
	{"requirements.txt", "pip"},
	{"go.sum", "go"},
	{"go.mod", "go"},
	{"Cargo.lock", "cargo"},
	{"Cargo.toml", "cargo"},
}

// GitStatus summarizes the workspace repo's current state.
type GitStatus struct {
	Branch    string
	Remotes   []string
	Staged    []string
	Modified  []string
	Untracked []string
}

// Bootstrap is the full system-context sweep result.
type Bootstrap struct {
	WorkspaceRoot    string
	PackageManager   string
	InstructionFiles map[string]string // path -> content
	ProjectConfigs   map[ProjectConfigCategory][]string
	FileTree         []string
	Git              *GitStatus // nil if not a git repository
}

// Gather runs the full bootstrap sweep rooted at workspaceRoot. Every step
// is best-effort: a missing git repo or an unreadable instruction file never
// fails the sweep, it's simply omitted.
func Gather(workspaceRoot string) Bootstrap {
	b := Bootstrap{
		WorkspaceRoot:    workspaceRoot,
		InstructionFiles: map[string]string{},
		ProjectConfigs:   map[ProjectConfigCategory][]string{},
	}
	b.PackageManager = detectPackageManager(workspaceRoot)
	walkInstructionFiles(workspaceRoot, 0, &b)
	b.FileTree = compactFileTree(workspaceRoot)
	b.Git = gatherGitStatus(workspaceRoot)
	return b
}

func detectPackageManager(root string) string {
	for _, e := range envMarkerPriority {
		if _, err := os.Stat(filepath.Join(root, e.marker)); err == nil {
			return e.manager
		}
	}
	return ""
}

func walkInstructionFiles(dir string, depth int, b *Bootstrap) {
	if depth > maxInstructionDepth {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		rel, _ := filepath.Rel(b.WorkspaceRoot, filepath.Join(dir, name))
		if e.IsDir() {
			if blockedDirs[name] || strings.HasPrefix(name, ".") && name != "." {
				continue
			}
			walkInstructionFiles(filepath.Join(dir, name), depth+1, b)
			continue
		}
		if instructionFileNames[name] {
			if content, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
				b.InstructionFiles[rel] = string(content)
			}
		}
		if cat, ok := projectConfigFiles[name]; ok {
			b.ProjectConfigs[cat] = append(b.ProjectConfigs[cat], rel)
		}
	}
}

// compactFileTree returns a depth-bounded, blocklist-filtered relative file
// list suitable for a short prompt section — not a full recursive listing.
func compactFileTree(root string) []string {
	var out []string
	var walk func(dir string, depth int)
	walk = func(dir string, depth int) {
		if depth > maxInstructionDepth {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				if blockedDirs[name] || (strings.HasPrefix(name, ".") && name != ".") {
					continue
				}
				walk(filepath.Join(dir, name), depth+1)
				continue
			}
			rel, _ := filepath.Rel(root, filepath.Join(dir, name))
			out = append(out, rel)
		}
	}
	walk(root, 0)
	sort.Strings(out)
	return out
}

// gatherGitStatus opens root as a git repository and summarizes its worktree
// status. Returns nil if root isn't (inside) a git repository.
func gatherGitStatus(root string) *GitStatus {
	repo, err := gogit.PlainOpenWithOptions(root, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil
	}
	gs := &GitStatus{}

	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		gs.Branch = head.Name().Short()
	}
	if remotes, err := repo.Remotes(); err == nil {
		for _, r := range remotes {
			gs.Remotes = append(gs.Remotes, r.Config().Name)
			if len(gs.Remotes) >= 5 {
				break
			}
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return gs
	}
	status, err := wt.Status()
	if err != nil {
		return gs
	}
	for path, entry := range status {
		switch {
		case entry.Staging != gogit.Unmodified && entry.Staging != gogit.Untracked:
			appendCapped(&gs.Staged, path, 5)
		case entry.Worktree == gogit.Untracked:
			appendCapped(&gs.Untracked, path, 5)
		case entry.Worktree != gogit.Unmodified:
			appendCapped(&gs.Modified, path, 5)
		}
	}
	sort.Strings(gs.Staged)
	sort.Strings(gs.Modified)
	sort.Strings(gs.Untracked)
	return gs
}

func appendCapped(dst *[]string, v string, cap int) {
	if len(*dst) >= cap {
		return
	}
	*dst = append(*dst, v)
}
