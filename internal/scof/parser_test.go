package scof

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mixedResponse = "Here is the phase.\n" +
	"# Creating new file: src/App.tsx\n" +
	"# File Purpose: Root component\n" +
	"cat > src/App.tsx << 'EOF'\n" +
	"import { Router } from './Router';\n" +
	"export default function App() {\n" +
	"  return <Router />;\n" +
	"}\n" +
	"EOF\n" +
	"\n" +
	"bun add react-router-dom\n" +
	"# Creating new file: README.md\n" +
	"cat > README.md << 'EOF'\n" +
	"# Demo\n" +
	"```bash\n" +
	"cat > notes.txt << 'EOF'\n" +
	"hello\n" +
	"EOF\n" +
	"```\n" +
	"Done.\n" +
	"EOF\n" +
	"# Applying diff to file: src/main.tsx\n" +
	"# File Purpose: Mount the router\n" +
	"cat << 'EOF' | patch src/main.tsx\n" +
	"@@ -1,2 +1,2 @@\n" +
	"-import App from './App';\n" +
	"+import App from './App.tsx';\n" +
	" render(App);\n" +
	"EOF\n" +
	"npm install zod\n" +
	"bun add react-router-dom\n" +
	"That is all."

type recorder struct {
	events []string
	closed []FileOutput
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnFileStart: func(path, purpose string) {
			r.events = append(r.events, "start "+path+" ("+purpose+")")
		},
		OnFileChunk: func(path, delta string, format Format) {
			r.events = append(r.events, "chunk "+path+" "+string(format)+" "+delta)
		},
		OnFileClose: func(f FileOutput) {
			r.events = append(r.events, "close "+f.Path)
			r.closed = append(r.closed, f)
		},
	}
}

func parseInChunks(t *testing.T, text string, cuts ...int) (*Result, error, *recorder) {
	t.Helper()
	rec := &recorder{}
	p := NewParser(rec.callbacks())
	prev := 0
	for _, c := range cuts {
		p.Feed(text[prev:c])
		prev = c
	}
	p.Feed(text[prev:])
	res, err := p.Finish()
	return res, err, rec
}

func TestParserMixedResponse(t *testing.T) {
	res, err := Decode(mixedResponse)
	require.NoError(t, err)

	assert.Equal(t, []string{"src/App.tsx", "README.md", "src/main.tsx"}, res.Order)
	app := res.Files["src/App.tsx"]
	assert.Equal(t, FormatFullContent, app.Format)
	assert.Equal(t, "Root component", app.Purpose)
	assert.Equal(t, "import { Router } from './Router';\nexport default function App() {\n  return <Router />;\n}", app.Contents)

	readme := res.Files["README.md"]
	assert.Contains(t, readme.Contents, "cat > notes.txt << 'EOF'\nhello\nEOF\n```\nDone.")
	assert.Empty(t, readme.Purpose)

	diff := res.Files["src/main.tsx"]
	assert.Equal(t, FormatUnifiedDiff, diff.Format)
	assert.Equal(t, "Mount the router", diff.Purpose)
	assert.True(t, strings.HasPrefix(diff.Contents, "@@ -1,2 +1,2 @@"))

	assert.Equal(t, []string{"bun add react-router-dom", "npm install zod"}, res.ExtractedInstallCommands)
	assert.Equal(t, []string{"Here is the phase.", "That is all."}, res.Notes)
}

func TestParserChunkBoundaryInvariance(t *testing.T) {
	whole, wholeErr, wholeRec := parseInChunks(t, mixedResponse)
	require.NoError(t, wholeErr)

	for i := 1; i < len(mixedResponse); i++ {
		res, err, rec := parseInChunks(t, mixedResponse, i)
		require.NoError(t, err, "split at %d", i)
		require.Equal(t, whole.Files, res.Files, "split at %d", i)
		require.Equal(t, whole.ExtractedInstallCommands, res.ExtractedInstallCommands, "split at %d", i)
		require.Equal(t, wholeRec.events, rec.events, "split at %d", i)
	}
}

func TestParserByteAtATime(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec.callbacks())
	for i := 0; i < len(mixedResponse); i++ {
		p.Feed(mixedResponse[i : i+1])
	}
	res, err := p.Finish()
	require.NoError(t, err)

	whole, _ := Decode(mixedResponse)
	assert.Equal(t, whole.Files, res.Files)
	assert.Len(t, rec.closed, 3)
}

func TestParserSingleFileThreeChunks(t *testing.T) {
	text := "# Creating new file: a.tsx\ncat > a.tsx << 'EOF'\nexport const x=1;\nEOF\n"
	res, err, rec := parseInChunks(t, text, 17, 41)
	require.NoError(t, err)

	require.Len(t, rec.closed, 1)
	assert.Equal(t, FileOutput{Path: "a.tsx", Contents: "export const x=1;", Format: FormatFullContent}, rec.closed[0])
	assert.Len(t, res.Files, 1)
}

func TestParserDeltasReassembleContents(t *testing.T) {
	var sb strings.Builder
	p := NewParser(Callbacks{OnFileChunk: func(path, delta string, format Format) {
		if path == "src/App.tsx" {
			sb.WriteString(delta)
		}
	}})
	p.Feed(mixedResponse)
	res, err := p.Finish()
	require.NoError(t, err)
	assert.Equal(t, res.Files["src/App.tsx"].Contents, sb.String())
}

func TestParserErrors(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantErr   error
		wantFiles []string
	}{
		{
			name:      "unterminated block",
			input:     "cat > a.ts << 'EOF'\nconst a = 1;\n",
			wantErr:   ErrUnterminatedBlock,
			wantFiles: nil,
		},
		{
			name:      "unterminated because fence never closes",
			input:     "cat > a.md << 'EOF'\n```ts\nEOF\n",
			wantErr:   ErrUnterminatedBlock,
			wantFiles: nil,
		},
		{
			name:      "duplicate path keeps first",
			input:     "cat > a.ts << 'EOF'\nfirst\nEOF\ncat > a.ts << 'EOF'\nsecond\nEOF\ncat > b.ts << 'EOF'\nb\nEOF\n",
			wantErr:   ErrDuplicateFile,
			wantFiles: []string{"a.ts", "b.ts"},
		},
		{
			name:      "directive without path",
			input:     "cat > << 'EOF'\njunk\nEOF\ncat > ok.ts << 'EOF'\nok\nEOF\n",
			wantErr:   ErrMalformedHeader,
			wantFiles: []string{"ok.ts"},
		},
		{
			name:      "header without path",
			input:     "# Creating new file:\ncat > ok.ts << 'EOF'\nok\nEOF\n",
			wantErr:   ErrMalformedHeader,
			wantFiles: []string{"ok.ts"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Decode(tt.input)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, tt.wantFiles, res.Order)
		})
	}
}

func TestParserDuplicateNotEmitted(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec.callbacks())
	p.Feed("cat > a.ts << 'EOF'\nfirst\nEOF\ncat > a.ts << 'EOF'\nsecond\nEOF\n")
	res, err := p.Finish()
	require.ErrorIs(t, err, ErrDuplicateFile)
	require.Len(t, rec.closed, 1)
	assert.Equal(t, "first", res.Files["a.ts"].Contents)
	for _, e := range rec.events {
		assert.NotContains(t, e, "second")
	}
}

func TestParserCleansPaths(t *testing.T) {
	rec := &recorder{}
	p := NewParser(rec.callbacks())
	p.Feed("cat > ./src//a.tsx << 'EOF'\nfirst\nEOF\n" +
		"cat > /src/a.tsx << 'EOF'\nsecond\nEOF\n" +
		"cat << 'EOF' | patch src\\a.tsx\n@@ -1 +1 @@\n-first\n+third\nEOF\n")
	res, err := p.Finish()
	require.ErrorIs(t, err, ErrDuplicateFile)
	assert.Equal(t, []string{"src/a.tsx"}, res.Order)
	assert.Equal(t, "first", res.Files["src/a.tsx"].Contents)
	require.Len(t, rec.closed, 1)
}

func TestParserIndentedDelimiterIsContent(t *testing.T) {
	script := "#!/bin/sh\ncat <<- EOF\n\thello\n\tEOF\necho done"
	diff := "@@ -1,3 +1,3 @@\n EOF\n-a\n+b"
	res, err := Decode("cat > run.sh << 'EOF'\n" + script + "\nEOF\n" +
		"cat << 'EOF' | patch notes.txt\n" + diff + "\nEOF  \n")
	require.NoError(t, err)
	assert.Equal(t, script, res.Files["run.sh"].Contents)
	assert.Equal(t, diff, res.Files["notes.txt"].Contents)
}

func TestCleanPath(t *testing.T) {
	tests := map[string]string{
		"src/a.ts":   "src/a.ts",
		"./src/a.ts": "src/a.ts",
		"/src/a.ts":  "src/a.ts",
		"src//a.ts":  "src/a.ts",
		"src\\a.ts":  "src/a.ts",
		" src/a.ts ": "src/a.ts",
		"./":         "",
		"":           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, CleanPath(in), in)
	}
}

func TestParserDirectiveVariants(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		path   string
		format Format
		body   string
	}{
		{"unquoted delimiter", "cat > x.ts << EOF\nbody\nEOF", "x.ts", FormatFullContent, "body"},
		{"double quoted", "cat > \"x.ts\" << \"END\"\nbody\nEND\n", "x.ts", FormatFullContent, "body"},
		{"crlf", "cat > x.ts << 'EOF'\r\nbody\r\nEOF\r\n", "x.ts", FormatFullContent, "body"},
		{"patch with strip level", "cat << 'EOF' | patch -p1 x.ts\n@@ -1 +1 @@\n-a\n+b\nEOF\n", "x.ts", FormatUnifiedDiff, "@@ -1 +1 @@\n-a\n+b"},
		{"empty file", "cat > empty.ts << 'EOF'\nEOF\n", "empty.ts", FormatFullContent, ""},
		{"trailing newline preserved", "cat > x.ts << 'EOF'\nbody\n\nEOF\n", "x.ts", FormatFullContent, "body\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Decode(tt.input)
			require.NoError(t, err)
			f, ok := res.Files[tt.path]
			require.True(t, ok)
			assert.Equal(t, tt.format, f.Format)
			assert.Equal(t, tt.body, f.Contents)
		})
	}
}

func TestParserInstallCommands(t *testing.T) {
	res, err := Decode("$ bun add zod\npnpm add -D vitest\nyarn install\nnpm   i   clsx\nnpm run dev\nbun add zod\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"bun add zod", "pnpm add -D vitest", "yarn install", "npm i clsx"}, res.ExtractedInstallCommands)
	assert.Equal(t, []string{"npm run dev"}, res.Notes)
}

func TestEncodeRoundTrip(t *testing.T) {
	files := []FileOutput{
		{Path: "src/a.ts", Contents: "export const a = 1;\n", Purpose: "constants", Format: FormatFullContent},
		{Path: "docs/eof.md", Contents: "EOF\nliteral", Format: FormatFullContent},
		{Path: "src/b.ts", Contents: "@@ -1 +1 @@\n-x\n+y", Format: FormatUnifiedDiff},
	}
	res, err := Decode(Encode(files, "bun add zod"))
	require.NoError(t, err)
	assert.Equal(t, files, res.OrderedFiles())
	assert.Equal(t, []string{"bun add zod"}, res.ExtractedInstallCommands)
}

func TestFeedAfterFinishIsIgnored(t *testing.T) {
	p := NewParser(Callbacks{})
	p.Feed("cat > a.ts << 'EOF'\na\nEOF\n")
	_, err := p.Finish()
	require.NoError(t, err)
	p.Feed("cat > b.ts << 'EOF'\nb\nEOF\n")
	res, err := p.Finish()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ts"}, res.Order)
}
