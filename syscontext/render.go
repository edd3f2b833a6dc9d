package syscontext

import (
	"fmt"
	"sort"
	"strings"

	"github.com/relayforge/refactd"
)

// Render turns a Bootstrap sweep into the cd_instruction ChatMessage injected
// ahead of the first turn in a workspace. Instruction-file
// content is truncated to maxCdFiles files of at most maxCdFileBytes each,
// largest-first dropped so a handful of huge files can't starve the rest.
func Render(b Bootstrap) refactd.ChatMessage {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Workspace: %s\n\n", b.WorkspaceRoot)
	if b.PackageManager != "" {
		fmt.Fprintf(&sb, "Package manager: %s\n\n", b.PackageManager)
	}

	if b.Git != nil {
		sb.WriteString("## Git status\n\n")
		if b.Git.Branch != "" {
			fmt.Fprintf(&sb, "Branch: %s\n", b.Git.Branch)
		}
		writeList(&sb, "Remotes", b.Git.Remotes)
		writeList(&sb, "Staged", b.Git.Staged)
		writeList(&sb, "Modified", b.Git.Modified)
		writeList(&sb, "Untracked", b.Git.Untracked)
		sb.WriteString("\n")
	}

	if len(b.ProjectConfigs) > 0 {
		sb.WriteString("## Project configuration\n\n")
		cats := make([]string, 0, len(b.ProjectConfigs))
		for c := range b.ProjectConfigs {
			cats = append(cats, string(c))
		}
		sort.Strings(cats)
		for _, c := range cats {
			files := b.ProjectConfigs[ProjectConfigCategory(c)]
			sort.Strings(files)
			fmt.Fprintf(&sb, "- %s: %s\n", c, strings.Join(files, ", "))
		}
		sb.WriteString("\n")
	}

	if len(b.FileTree) > 0 {
		sb.WriteString("## File tree\n\n")
		for _, f := range b.FileTree {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
		sb.WriteString("\n")
	}

	if len(b.InstructionFiles) > 0 {
		sb.WriteString("## Instructions\n\n")
		for _, path := range truncateInstructionFiles(b.InstructionFiles) {
			content := b.InstructionFiles[path]
			if len(content) > maxCdFileBytes {
				content = content[:maxCdFileBytes] + "\n... (truncated)"
			}
			fmt.Fprintf(&sb, "### %s\n\n%s\n\n", path, content)
		}
	}

	return refactd.CdInstructionMessage(sb.String())
}

// truncateInstructionFiles returns at most maxCdFiles paths, smallest-first,
// so truncation drops the largest files rather than arbitrary ones.
func truncateInstructionFiles(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return len(files[paths[i]]) < len(files[paths[j]]) })
	if len(paths) > maxCdFiles {
		paths = paths[:maxCdFiles]
	}
	sort.Strings(paths)
	return paths
}

func writeList(sb *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s: %s\n", label, strings.Join(items, ", "))
}
