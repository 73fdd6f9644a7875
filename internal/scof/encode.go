package scof

import (
	"fmt"
	"strings"
)

// Encode renders files, followed by install commands, in the stream format.
// The delimiter is chosen per file so that no content line can close the
// block early.
func Encode(files []FileOutput, commands ...string) string {
	var sb strings.Builder
	for _, f := range files {
		delim := delimiterFor(f.Contents)
		if f.Format == FormatUnifiedDiff {
			fmt.Fprintf(&sb, "%s %s\n", diffHeaderPrefix, f.Path)
		} else {
			fmt.Fprintf(&sb, "%s %s\n", createHeaderPrefix, f.Path)
		}
		if f.Purpose != "" {
			fmt.Fprintf(&sb, "%s %s\n", purposeHeaderPrefix, f.Purpose)
		}
		if f.Format == FormatUnifiedDiff {
			fmt.Fprintf(&sb, "cat << '%s' | patch %s\n", delim, f.Path)
		} else {
			fmt.Fprintf(&sb, "cat > %s << '%s'\n", f.Path, delim)
		}
		sb.WriteString(f.Contents)
		sb.WriteString("\n")
		sb.WriteString(delim)
		sb.WriteString("\n\n")
	}
	for _, c := range commands {
		sb.WriteString(c)
		sb.WriteString("\n")
	}
	return sb.String()
}

func delimiterFor(contents string) string {
	used := make(map[string]bool)
	for _, line := range strings.Split(contents, "\n") {
		used[strings.TrimSpace(line)] = true
	}
	delim := defaultDelimiter
	for i := 1; used[delim]; i++ {
		delim = fmt.Sprintf("%s_%d", defaultDelimiter, i)
	}
	return delim
}

// Instructions describes the stream format to the model. Generation prompts
// embed it verbatim.
const Instructions = `<OUTPUT FORMAT>
Write every file as a shell heredoc block. Never wrap blocks in markdown fences.

For a new file, or when rewriting a file completely:

# Creating new file: <path>
# File Purpose: <one line on what the file does>
cat > <path> << 'EOF'
<complete file contents>
EOF

For a small change to an existing file, send a unified diff:

# Applying diff to file: <path>
# File Purpose: <one line on what changed>
cat << 'EOF' | patch <path>
@@ -<start>,<count> +<start>,<count> @@
 <context line>
-<removed line>
+<added line>
EOF

Rules:
- One block per file. Never emit the same path twice in one response.
- The closing EOF must be alone on its line.
- Diff hunks need at least two unchanged context lines around every change.
- Put dependency installs on their own line outside any block, e.g. "bun add zod".
- Do not print anything inside a block that is not part of the file.
</OUTPUT FORMAT>`
