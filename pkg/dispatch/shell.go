package dispatch

import (
	"fmt"
	"regexp"
	"strings"
)

// ErrShellRejected wraps every allow-list miss so callers can map it to a
// validation failure.
type ErrShellRejected struct {
	Command string
	Reason  string
}

func (e *ErrShellRejected) Error() string {
	return fmt.Sprintf("shell command rejected: %s", e.Reason)
}

var packageNameRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)+$`)

// allowedCommands are the only shell shapes a remote-exec may carry.
// Each pattern anchors the full subcommand; anything else is rejected.
var allowedCommands = []*regexp.Regexp{
	// Launch an app through its launcher activity
	regexp.MustCompile(`^monkey -p [a-zA-Z][a-zA-Z0-9_.]+ -c android\.intent\.category\.LAUNCHER 1$`),
	regexp.MustCompile(`^am start -n [a-zA-Z][a-zA-Z0-9_.]+/[a-zA-Z0-9_.$]+$`),
	// Package queries with simple flags only
	regexp.MustCompile(`^pm list packages(( -[edsf3u])*)$`),
	regexp.MustCompile(`^pm path [a-zA-Z][a-zA-Z0-9_.]+$`),
	// Settings access in the three public namespaces
	regexp.MustCompile(`^settings get (secure|system|global) [a-zA-Z0-9_.]+$`),
	regexp.MustCompile(`^settings put (secure|system|global) [a-zA-Z0-9_.]+ [a-zA-Z0-9_.:-]+$`),
	// Synthetic input
	regexp.MustCompile(`^input keyevent [0-9]{1,3}$`),
	regexp.MustCompile(`^input tap [0-9]{1,4} [0-9]{1,4}$`),
	regexp.MustCompile(`^input swipe [0-9]{1,4} [0-9]{1,4} [0-9]{1,4} [0-9]{1,4}( [0-9]{1,5})?$`),
	// Radio toggles
	regexp.MustCompile(`^svc (wifi|data) (enable|disable)$`),
	// Fixed read-only property set
	regexp.MustCompile(`^getprop (ro\.build\.version\.release|ro\.build\.version\.sdk|ro\.product\.model|ro\.product\.manufacturer|ro\.product\.brand|ro\.serialno)$`),
	// Run one jobscheduler job by numeric id
	regexp.MustCompile(`^cmd jobscheduler run -f [a-zA-Z][a-zA-Z0-9_.]+ [0-9]{1,6}$`),
}

var disableUserRe = regexp.MustCompile(`^pm disable-user --user 0 ([a-zA-Z][a-zA-Z0-9_.]+)$`)

// forbiddenMeta are shell metacharacters that never appear in a plain
// allow-listed command. The batch bloatware script is validated
// structurally before this check applies.
const forbiddenMeta = "|;><$`\n"

// ShellValidator gates remote-exec shell payloads. bloatware is the set
// of package names that may be disabled.
type ShellValidator struct {
	bloatware    map[string]bool
	agentPackage string
}

// NewShellValidator creates a validator. agentPackage is the on-device
// agent whose files directory hosts the batch script's temp list.
func NewShellValidator(agentPackage string, bloatware []string) *ShellValidator {
	set := make(map[string]bool, len(bloatware))
	for _, p := range bloatware {
		set[p] = true
	}
	return &ShellValidator{bloatware: set, agentPackage: agentPackage}
}

// Validate accepts a shell payload or returns an ErrShellRejected with
// the first offending part. "&&" chains are allowed when every link
// passes independently.
func (v *ShellValidator) Validate(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return &ErrShellRejected{Command: command, Reason: "empty command"}
	}

	if strings.HasPrefix(trimmed, `TMP_DIR="`) {
		_, err := v.ValidateBloatwareScript(trimmed)
		return err
	}

	if i := strings.IndexAny(trimmed, forbiddenMeta); i >= 0 {
		return &ErrShellRejected{
			Command: command,
			Reason:  fmt.Sprintf("forbidden character %q", trimmed[i]),
		}
	}

	for _, part := range strings.Split(trimmed, "&&") {
		if err := v.validateOne(strings.TrimSpace(part)); err != nil {
			return err
		}
	}
	return nil
}

func (v *ShellValidator) validateOne(cmd string) error {
	if cmd == "" {
		return &ErrShellRejected{Command: cmd, Reason: "empty chained command"}
	}

	if m := disableUserRe.FindStringSubmatch(cmd); m != nil {
		if !v.bloatware[m[1]] {
			return &ErrShellRejected{
				Command: cmd,
				Reason:  fmt.Sprintf("package %s is not in the enabled bloatware list", m[1]),
			}
		}
		return nil
	}

	for _, re := range allowedCommands {
		if re.MatchString(cmd) {
			return nil
		}
	}
	return &ErrShellRejected{Command: cmd, Reason: fmt.Sprintf("command not allow-listed: %s", cmd)}
}

// BuildBloatwareScript renders the canonical batch-disable script for a
// package list. The exact bytes matter: validation reconstructs this
// shape and compares literally.
func (v *ShellValidator) BuildBloatwareScript(packages []string) (string, error) {
	if len(packages) == 0 {
		return "", &ErrShellRejected{Reason: "empty package list"}
	}
	for _, p := range packages {
		if !packageNameRe.MatchString(p) {
			return "", &ErrShellRejected{Reason: fmt.Sprintf("invalid package name %q", p)}
		}
		if !v.bloatware[p] {
			return "", &ErrShellRejected{Reason: fmt.Sprintf("package %s is not in the enabled bloatware list", p)}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "TMP_DIR=\"/data/data/%s/files\"\n", v.agentPackage)
	b.WriteString("LIST_FILE=\"$TMP_DIR/bloat_list.txt\"\n")
	b.WriteString("mkdir -p \"$TMP_DIR\"\n")
	b.WriteString("cat > \"$LIST_FILE\" << 'EOF'\n")
	for _, p := range packages {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	b.WriteString("EOF\n")
	b.WriteString("count=0; failed=0\n")
	b.WriteString("while IFS= read -r pkg; do\n")
	b.WriteString("  [ -z \"$pkg\" ] && continue\n")
	b.WriteString("  if pm disable-user --user 0 \"$pkg\" 2>/dev/null; then\n")
	b.WriteString("    count=$((count+1))\n")
	b.WriteString("  else\n")
	b.WriteString("    failed=$((failed+1))\n")
	b.WriteString("  fi\n")
	b.WriteString("done < \"$LIST_FILE\"\n")
	b.WriteString("rm -f \"$LIST_FILE\"\n")
	b.WriteString("echo \"Disabled $count packages ($failed skipped or failed)\"")
	return b.String(), nil
}

var scriptHeredocRe = regexp.MustCompile(`(?s)cat > "\$LIST_FILE" << 'EOF'\n(.*?)\nEOF\n`)

// ValidateBloatwareScript byte-validates a submitted batch script: the
// package list is extracted from the heredoc, checked against the
// bloatware table, and the canonical script is rebuilt from it. Anything
// that differs from the rebuilt bytes is rejected.
func (v *ShellValidator) ValidateBloatwareScript(script string) ([]string, error) {
	m := scriptHeredocRe.FindStringSubmatch(script)
	if m == nil {
		return nil, &ErrShellRejected{Reason: "batch script heredoc not found or malformed"}
	}

	packages := strings.Split(m[1], "\n")
	canonical, err := v.BuildBloatwareScript(packages)
	if err != nil {
		return nil, err
	}
	if strings.TrimRight(script, "\n") != canonical {
		return nil, &ErrShellRejected{Reason: "batch script does not match the canonical shape"}
	}
	return packages, nil
}
