// Package scof implements the streaming file-output codec used to carry many
// generated files and shell commands in one continuous model response.
//
// A response is a sequence of shell-heredoc blocks, each optionally preceded
// by comment headers:
//
//	# Creating new file: src/App.tsx
//	# File Purpose: Root component
//	cat > src/App.tsx << 'EOF'
//	...
//	EOF
//
//	# Applying diff to file: src/main.tsx
//	cat << 'EOF' | patch src/main.tsx
//	@@ -1,3 +1,4 @@
//	...
//	EOF
//
// Text between blocks is free-form; package manager install commands found
// there are collected.
package scof

import (
	"errors"
	"regexp"
)

// Format is the declared encoding of a file block.
type Format string

const (
	FormatFullContent Format = "full_content"
	FormatUnifiedDiff Format = "unified_diff"
)

// FileOutput is one file closed by the codec.
type FileOutput struct {
	Path     string `json:"file_path" yaml:"file_path"`
	Contents string `json:"file_contents" yaml:"file_contents"`
	Purpose  string `json:"file_purpose" yaml:"file_purpose"`
	Format   Format `json:"format" yaml:"format"`
}

var (
	ErrUnterminatedBlock = errors.New("scof: unterminated file block")
	ErrDuplicateFile     = errors.New("scof: duplicate file path in stream")
	ErrMalformedHeader   = errors.New("scof: malformed file directive")
)

const (
	createHeaderPrefix  = "# Creating new file:"
	diffHeaderPrefix    = "# Applying diff to file:"
	purposeHeaderPrefix = "# File Purpose:"
	defaultDelimiter    = "EOF"
)

var (
	// cat > path << 'EOF'
	fullDirectivePattern = regexp.MustCompile(`^cat\s*>\s*(\S+)\s*<<-?\s*['"]?([A-Za-z_][A-Za-z0-9_]*)['"]?\s*$`)
	// cat << 'EOF' | patch path
	diffDirectivePattern = regexp.MustCompile(`^cat\s*<<-?\s*['"]?([A-Za-z_][A-Za-z0-9_]*)['"]?\s*\|\s*patch\s+(?:-p\d+\s+)?(\S+)\s*$`)
	// any heredoc we could not read a path from
	heredocPattern = regexp.MustCompile(`^cat\b.*<<-?\s*['"]?([A-Za-z_][A-Za-z0-9_]*)['"]?`)

	installCommandPattern = regexp.MustCompile(`^(?:\$\s*)?((?:bun|npm|pnpm|yarn)\s+(?:add|install|i)\b.*|npx\s+\S+\s+install\b.*)$`)
)
