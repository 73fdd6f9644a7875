package scof

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Callbacks receive codec events synchronously, in stream order. Any may be nil.
type Callbacks struct {
	OnFileStart func(path, purpose string)
	OnFileChunk func(path, delta string, format Format)
	OnFileClose func(file FileOutput)
}

// Result is the final state of one parsed stream.
type Result struct {
	Files                    map[string]FileOutput `json:"files" yaml:"files"`
	Order                    []string              `json:"order" yaml:"order"`
	ExtractedInstallCommands []string              `json:"extracted_install_commands" yaml:"extracted_install_commands"`
	Notes                    []string              `json:"notes,omitempty" yaml:"notes,omitempty"`
}

// OrderedFiles returns the closed files in emission order.
func (r *Result) OrderedFiles() []FileOutput {
	out := make([]FileOutput, 0, len(r.Order))
	for _, p := range r.Order {
		out = append(out, r.Files[p])
	}
	return out
}

type openBlock struct {
	path      string
	purpose   string
	format    Format
	delimiter string
	lines     []string
	fenceOpen bool
	// discard consumes the block without emitting it.
	discard bool
}

// Parser holds the streaming state of one response. It is not safe for
// concurrent use: chunks must be fed in arrival order from one goroutine.
type Parser struct {
	cb Callbacks

	pending string
	block   *openBlock

	headerPath    string
	headerPurpose string

	files    map[string]FileOutput
	order    []string
	commands []string
	seenCmd  map[string]bool
	notes    []string
	errs     []error
	finished bool
}

// NewParser creates a parser that reports events to cb.
func NewParser(cb Callbacks) *Parser {
	return &Parser{
		cb:      cb,
		files:   make(map[string]FileOutput),
		seenCmd: make(map[string]bool),
	}
}

// Feed consumes one fragment of the stream. Only complete lines are
// interpreted; a trailing partial line waits for the next fragment.
func (p *Parser) Feed(chunk string) {
	if p.finished || chunk == "" {
		return
	}
	p.pending += chunk
	for {
		idx := strings.IndexByte(p.pending, '\n')
		if idx < 0 {
			return
		}
		line := p.pending[:idx]
		p.pending = p.pending[idx+1:]
		p.processLine(strings.TrimSuffix(line, "\r"))
	}
}

// Finish flushes the final partial line and returns the parse result. The
// error joins every problem seen during the stream; completed files are
// returned even when it is non-nil.
func (p *Parser) Finish() (*Result, error) {
	if !p.finished {
		p.finished = true
		if p.pending != "" {
			line := p.pending
			p.pending = ""
			p.processLine(strings.TrimSuffix(line, "\r"))
		}
		if p.block != nil {
			p.errs = append(p.errs, fmt.Errorf("%w: %s (missing %s)", ErrUnterminatedBlock, p.block.path, p.block.delimiter))
			p.block = nil
		}
	}
	return p.Result(), errors.Join(p.errs...)
}

// Result returns a snapshot of the files closed so far.
func (p *Parser) Result() *Result {
	files := make(map[string]FileOutput, len(p.files))
	for k, v := range p.files {
		files[k] = v
	}
	return &Result{
		Files:                    files,
		Order:                    append([]string(nil), p.order...),
		ExtractedInstallCommands: append([]string(nil), p.commands...),
		Notes:                    append([]string(nil), p.notes...),
	}
}

// InstallCommands returns the install commands seen so far.
func (p *Parser) InstallCommands() []string {
	return append([]string(nil), p.commands...)
}

func (p *Parser) processLine(line string) {
	if p.block != nil {
		p.blockLine(line)
		return
	}

	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return
	case strings.HasPrefix(trimmed, createHeaderPrefix):
		p.header(strings.TrimPrefix(trimmed, createHeaderPrefix))
	case strings.HasPrefix(trimmed, diffHeaderPrefix):
		p.header(strings.TrimPrefix(trimmed, diffHeaderPrefix))
	case strings.HasPrefix(trimmed, purposeHeaderPrefix):
		p.headerPurpose = strings.TrimSpace(strings.TrimPrefix(trimmed, purposeHeaderPrefix))
	default:
		if m := fullDirectivePattern.FindStringSubmatch(trimmed); m != nil {
			p.open(unquote(m[1]), m[2], FormatFullContent)
			return
		}
		if m := diffDirectivePattern.FindStringSubmatch(trimmed); m != nil {
			p.open(unquote(m[2]), m[1], FormatUnifiedDiff)
			return
		}
		if m := heredocPattern.FindStringSubmatch(trimmed); m != nil {
			p.errs = append(p.errs, fmt.Errorf("%w: %q", ErrMalformedHeader, trimmed))
			p.block = &openBlock{delimiter: m[1], discard: true}
			p.resetHeaders()
			return
		}
		if m := installCommandPattern.FindStringSubmatch(trimmed); m != nil {
			cmd := strings.Join(strings.Fields(m[1]), " ")
			if !p.seenCmd[cmd] {
				p.seenCmd[cmd] = true
				p.commands = append(p.commands, cmd)
			}
			return
		}
		p.notes = append(p.notes, trimmed)
	}
}

// header records the announced path. The directive that follows decides the
// format.
func (p *Parser) header(rest string) {
	name := CleanPath(unquote(strings.TrimSpace(rest)))
	if name == "" {
		p.errs = append(p.errs, fmt.Errorf("%w: header without path", ErrMalformedHeader))
		return
	}
	p.headerPath = name
}

func (p *Parser) open(raw, delimiter string, format Format) {
	name := CleanPath(raw)
	purpose := p.headerPurpose
	if p.headerPath != "" && p.headerPath != name {
		// A header announcing another file does not lend it our purpose.
		purpose = ""
	}
	p.resetHeaders()

	b := &openBlock{path: name, purpose: purpose, format: format, delimiter: delimiter}
	switch _, dup := p.files[name]; {
	case name == "":
		p.errs = append(p.errs, fmt.Errorf("%w: directive without path", ErrMalformedHeader))
		b.discard = true
	case dup:
		p.errs = append(p.errs, fmt.Errorf("%w: %s", ErrDuplicateFile, name))
		b.discard = true
	}
	p.block = b
	if !b.discard && p.cb.OnFileStart != nil {
		p.cb.OnFileStart(name, purpose)
	}
}

// CleanPath is the canonical, project-relative form of a file path.
// "./src/a.ts", "/src/a.ts" and "src//a.ts" all name "src/a.ts".
func CleanPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	p = strings.TrimLeft(path.Clean(p), "/")
	if p == "." {
		return ""
	}
	return p
}

func (p *Parser) blockLine(line string) {
	b := p.block
	// Indented delimiters belong to the content, e.g. a nested <<- heredoc
	// or a diff context line.
	if !b.fenceOpen && strings.TrimRight(line, " \t\r") == b.delimiter {
		p.close()
		return
	}
	if strings.HasPrefix(strings.TrimSpace(line), "```") {
		b.fenceOpen = !b.fenceOpen
	}
	if b.discard {
		return
	}
	delta := line
	if len(b.lines) > 0 {
		delta = "\n" + line
	}
	b.lines = append(b.lines, line)
	if p.cb.OnFileChunk != nil {
		p.cb.OnFileChunk(b.path, delta, b.format)
	}
}

func (p *Parser) close() {
	b := p.block
	p.block = nil
	if b.discard {
		return
	}
	file := FileOutput{
		Path:     b.path,
		Contents: strings.Join(b.lines, "\n"),
		Purpose:  b.purpose,
		Format:   b.format,
	}
	p.files[file.Path] = file
	p.order = append(p.order, file.Path)
	if p.cb.OnFileClose != nil {
		p.cb.OnFileClose(file)
	}
}

func (p *Parser) resetHeaders() {
	p.headerPath = ""
	p.headerPurpose = ""
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// Decode parses a complete response in one call.
func Decode(text string) (*Result, error) {
	p := NewParser(Callbacks{})
	p.Feed(text)
	return p.Finish()
}
