package guard

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// =============================================================================
// Named Pattern Tables
// =============================================================================

// namedPattern is one detection rule with a fixed severity.
type namedPattern struct {
	name        string
	re          *regexp.Regexp
	severity    RiskLevel
	description string
}

// Shell command families. All HIGH: each of these can destroy data or the
// host irrecoverably.
var shellPatterns = []namedPattern{
	{
		name:        "rm_rf",
		re:          regexp.MustCompile(`(?i)\brm\s+(-[a-z]*[rf][a-z]*\s+)+`),
		severity:    RiskHigh,
		description: "recursive or forced delete",
	},
	{
		name:        "sudo",
		re:          regexp.MustCompile(`(?i)\b(sudo|doas)\b`),
		severity:    RiskHigh,
		description: "elevated-privilege invocation",
	},
	{
		name:        "chmod_777",
		re:          regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*0?777\b`),
		severity:    RiskHigh,
		description: "world-writable permission change",
	},
	{
		name:        "curl_pipe_sh",
		re:          regexp.MustCompile(`(?i)\bcurl\b[^|]*\|\s*(ba|z|da)?sh\b`),
		severity:    RiskHigh,
		description: "piped remote-script execution via curl",
	},
	{
		name:        "wget_pipe_sh",
		re:          regexp.MustCompile(`(?i)\bwget\b[^|]*\|\s*(ba|z|da)?sh\b`),
		severity:    RiskHigh,
		description: "piped remote-script execution via wget",
	},
	{
		name:        "disk_tool",
		re:          regexp.MustCompile(`(?i)\b(dd\s+(if|of)=|mkfs(\.[a-z0-9]+)?\b|fdisk\b)`),
		severity:    RiskHigh,
		description: "low-level disk tool",
	},
}

// Git command families.
var gitPatterns = []namedPattern{
	{
		name:        "force_push",
		re:          regexp.MustCompile(`(?i)\bgit\s+push\b[^\n]*(\s--force\b|\s-f\b|\s--force-with-lease\b)`),
		severity:    RiskHigh,
		description: "force push rewrites remote history",
	},
	{
		name:        "hard_reset",
		re:          regexp.MustCompile(`(?i)\bgit\s+reset\s+--hard\b`),
		severity:    RiskHigh,
		description: "hard reset discards local changes",
	},
	{
		name:        "git_clean",
		re:          regexp.MustCompile(`(?i)\bgit\s+clean\b[^\n]*(-[a-z]*f[a-z]*)`),
		severity:    RiskHigh,
		description: "clean removes untracked files",
	},
	{
		name:        "interactive_rebase",
		re:          regexp.MustCompile(`(?i)\bgit\s+rebase\b[^\n]*(\s-i\b|\s--interactive\b)`),
		severity:    RiskMedium,
		description: "interactive rebase rewrites local history",
	},
}

// protectedBranches are branch names whose history must never be rewritten.
var protectedBranches = []string{"main", "master", "develop", "release"}

// protectedBranchRes are compiled once; the branch set is fixed.
var protectedBranchRes = compileProtectedBranches()

func compileProtectedBranches() map[string]*regexp.Regexp {
	res := make(map[string]*regexp.Regexp, len(protectedBranches))
	for _, branch := range protectedBranches {
		res[branch] = regexp.MustCompile(`(?i)\b` + branch + `(\b|/)`)
	}
	return res
}

// matchPatterns collects factors for every pattern that matches.
func matchPatterns(patterns []namedPattern, text string) []RiskFactor {
	var factors []RiskFactor
	for _, p := range patterns {
		if p.re.MatchString(text) {
			factors = append(factors, RiskFactor{
				Factor:      p.name,
				Severity:    p.severity,
				Description: p.description,
			})
		}
	}
	return factors
}

// =============================================================================
// Shell Commands
// =============================================================================

// CheckShellCommand checks a shell command line for destructive patterns.
func (g *Guard) CheckShellCommand(cmd string) *RiskAssessment {
	factors := matchPatterns(shellPatterns, cmd)
	// Git commands embedded in shell invocations get the git checks too.
	factors = append(factors, matchPatterns(gitPatterns, cmd)...)
	factors = appendProtectedBranchFactor(factors, cmd)
	return g.assess(CategoryShell, factors, "shell command")
}

// =============================================================================
// Git Operations
// =============================================================================

// CheckGitOperation checks a git command line.
func (g *Guard) CheckGitOperation(cmd string) *RiskAssessment {
	factors := matchPatterns(gitPatterns, cmd)
	factors = appendProtectedBranchFactor(factors, cmd)
	return g.assess(CategoryGit, factors, "git operation")
}

// appendProtectedBranchFactor adds an additive HIGH factor when a force push
// names a protected branch. It stacks on top of the generic force_push
// finding rather than replacing it.
func appendProtectedBranchFactor(factors []RiskFactor, cmd string) []RiskFactor {
	forcePush := false
	for _, f := range factors {
		if f.Factor == "force_push" {
			forcePush = true
			break
		}
	}
	if !forcePush {
		return factors
	}

	for _, branch := range protectedBranches {
		if protectedBranchRes[branch].MatchString(cmd) {
			return append(factors, RiskFactor{
				Factor:      "protected_branch_force_push",
				Severity:    RiskHigh,
				Description: fmt.Sprintf("force push targets protected branch %q", branch),
			})
		}
	}
	return factors
}

// =============================================================================
// File Operations
// =============================================================================

// sensitiveFilePatterns match paths whose deletion is HIGH and whose write
// is MEDIUM.
var sensitiveFilePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|/)\.[^/]+$`),        // dotfiles
	regexp.MustCompile(`(^|/)\.env(\.[^/]*)?$`), // env files
	regexp.MustCompile(`(^|/)\.git(/|$)`),
	regexp.MustCompile(`(^|/)node_modules(/|$)`),
	regexp.MustCompile(`(^|/)(package\.json|package-lock\.json|go\.mod|go\.sum|Cargo\.toml|requirements\.txt|Gemfile)$`),
}

// executableExtensions mark files whose creation warrants review.
var executableExtensions = map[string]bool{
	".sh": true, ".bash": true, ".exe": true, ".bat": true, ".cmd": true, ".ps1": true,
}

func isSensitivePath(path string) bool {
	normalized := filepath.ToSlash(path)
	for _, re := range sensitiveFilePatterns {
		if re.MatchString(normalized) {
			return true
		}
	}
	return false
}

// isOutsideWorkspace resolves the target against the workspace root and tests
// prefix containment. Relative targets are workspace-relative, never
// cwd-relative. Any resolution failure is treated conservatively as outside.
func isOutsideWorkspace(root, target string) bool {
	if root == "" {
		return false // no boundary configured
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return true
	}
	absRoot = filepath.Clean(absRoot)

	if !filepath.IsAbs(target) {
		target = filepath.Join(absRoot, target)
	}
	absTarget := filepath.Clean(target)
	if absTarget == absRoot {
		return false
	}
	return !strings.HasPrefix(absTarget, absRoot+string(filepath.Separator))
}

// CheckFileOperation checks a read, write, or delete against the workspace
// boundary and the sensitive-path rules.
func (g *Guard) CheckFileOperation(op *Operation) *RiskAssessment {
	var factors []RiskFactor

	mutating := op.Category == CategoryFileWrite || op.Category == CategoryFileDelete
	if mutating && isOutsideWorkspace(g.cfg.WorkspaceRoot, op.Path) {
		factors = append(factors, RiskFactor{
			Factor:      "outside_workspace",
			Severity:    RiskHigh,
			Description: fmt.Sprintf("path %q resolves outside the workspace root", op.Path),
		})
	}

	switch op.Category {
	case CategoryFileDelete:
		if isSensitivePath(op.Path) {
			factors = append(factors, RiskFactor{
				Factor:      "sensitive_file_delete",
				Severity:    RiskHigh,
				Description: fmt.Sprintf("delete targets sensitive path %q", op.Path),
			})
		}
		// Deletes are never LOW, even with no other findings.
		factors = append(factors, RiskFactor{
			Factor:      "delete_operation",
			Severity:    RiskMedium,
			Description: "file deletion is inherently destructive",
		})

	case CategoryFileWrite:
		if isSensitivePath(op.Path) {
			factors = append(factors, RiskFactor{
				Factor:      "sensitive_file_write",
				Severity:    RiskMedium,
				Description: fmt.Sprintf("write targets sensitive path %q", op.Path),
			})
		}
		if executableExtensions[strings.ToLower(filepath.Ext(op.Path))] {
			factors = append(factors, RiskFactor{
				Factor:      "executable_write",
				Severity:    RiskMedium,
				Description: fmt.Sprintf("write creates executable %q", op.Path),
			})
		}
		if op.Content != "" {
			factors = append(factors, g.secretFactors(op.Content, op.Path)...)
		}
	}

	return g.assess(op.Category, factors, fmt.Sprintf("%s %s", op.Category, op.Path))
}
