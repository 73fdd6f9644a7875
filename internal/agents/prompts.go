package agents

import (
	"fmt"
	"strings"

	"phaseforge/internal/scof"
)

const phaseGenerationSystemPrompt = `You are the lead engineer planning the next deployable phase of a web application.

Follow this protocol in order and do not skip steps:
1. Error triage. If runtime errors are listed, the next phase MUST fix them first. Name the files involved.
2. Dependency order. Plan files so that every import points at a file that already exists or is created earlier in this phase.
3. Incremental features. Add the smallest coherent set of blueprint features that yields a working, deployable result.
4. Self-check. Verify every path is unique, every edited file exists, and the phase leaves the app runnable.

Honor user suggestions before roadmap work. Set lastPhase to true only when the blueprint is fully delivered and no errors remain.

Respond with a single JSON object:
{"name": string, "description": string, "files": [{"path": string, "purpose": string, "changeType": "create"|"edit"|"delete"}], "installCommands": [string], "lastPhase": boolean}`

const phaseImplementationSystemPrompt = `You are a senior frontend engineer implementing one planned phase of a web application.

Write production-quality code for exactly the files in the phase plan, in the order given.
Prefer full file contents. Use a unified diff only for small edits to large existing files.
Never leave placeholders, TODOs or elided sections. Every import must resolve.
`

const codeReviewSystemPrompt = `You are a meticulous code reviewer preparing independent fix specifications.

Run three passes:
1. Crash-blocking: runtime errors, failed imports, render loops, undefined access.
2. Logic: wrong behavior versus the blueprint.
3. Quality: only if the first two passes found nothing.

Discard stale findings: if the reported line or file no longer matches the current code, drop it.

Every entry MUST be fixable by someone who can only see that one file. Never mention another file's path inside fix_scope, context, issues or validation. When a problem spans files, either split it into independent per-file edits or set "coordination_required": true on the entry.

Respond with a single JSON object:
{"summary": string, "files_to_fix": [{"file": string, "issues": [string], "priority": "critical"|"high"|"medium"|"low", "fix_scope": string, "context": string, "validation": string, "coordination_required": boolean}], "commands": [string]}`

const surgicalFixPolicy = `<SURGICAL FIX POLICY>
- Fix only the reported issues. Do not refactor, rename, reformat or reorder.
- Keep every exported name and signature exactly as it is.
- Trivial fixes (null guards, typos, missing imports, wrong literals) are always allowed.
- If the fix needs another file to change, or would change an exported interface, do NOT write the file.
  Instead reply with one line: NO_FIX: <why the fix is out of scope>
- Output at most one file block per target file and never write any other file.
</SURGICAL FIX POLICY>`

const realtimeChecklist = `Check the file for these defect classes and fix only those present:
- property access on possibly undefined values
- state updates during render and effects without dependency arrays
- missing keys on list items
- imports of names the file never uses or never defines
- mismatched JSX tags and unbalanced braces
If none are present, reply with: NO_FIX: clean`

const screenshotSystemPrompt = `You are a UI/UX reviewer comparing a rendered preview against the product blueprint.

Report concrete visual problems: broken layouts, overlapping or clipped elements, unreadable contrast, missing sections, broken images, and deviations from the blueprint.

Respond with a single JSON object:
{"hasIssues": boolean, "issues": [{"severity": "critical"|"high"|"medium", "description": string, "element": string, "suggestion": string}], "complianceScore": integer 1-10, "deviations": [string], "suggestions": [string]}`

func blueprintSummary(b Blueprint) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Title: %s\n", b.Title)
	if b.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", b.Description)
	}
	writeList(&sb, "Views", b.Views)
	writeList(&sb, "Features", b.Features)
	writeList(&sb, "Frameworks", b.Frameworks)
	writeList(&sb, "Color palette", b.ColorPalette)
	writeList(&sb, "Roadmap", b.ImplementationRoadmap)
	return sb.String()
}

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", it)
	}
}

func issueSummary(r IssueReport) string {
	if !r.HasIssues() {
		return "No runtime errors or static analysis issues were reported."
	}
	var sb strings.Builder
	if len(r.RuntimeErrors) > 0 {
		sb.WriteString("Runtime errors:\n")
		for _, e := range r.RuntimeErrors {
			loc := ""
			if e.File != "" {
				loc = fmt.Sprintf(" (%s:%d)", e.File, e.Line)
			}
			fmt.Fprintf(&sb, "- %s%s\n", e.Message, loc)
			if e.Stack != "" {
				fmt.Fprintf(&sb, "  stack: %s\n", firstLines(e.Stack, 4))
			}
		}
	}
	if all := r.StaticAnalysis.All(); len(all) > 0 {
		sb.WriteString("Static analysis:\n")
		for _, i := range all {
			fmt.Fprintf(&sb, "- %s\n", i.String())
		}
	}
	return sb.String()
}

func phasePlanSummary(p PhaseConcept) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Phase: %s\n%s\nFiles, in order:\n", p.Name, p.Description)
	for _, f := range p.Files {
		if f.ChangeType == ChangeDelete {
			continue
		}
		fmt.Fprintf(&sb, "- %s (%s): %s\n", f.Path, f.ChangeType, f.Purpose)
	}
	return sb.String()
}

func numbered(contents string) string {
	lines := strings.Split(contents, "\n")
	var sb strings.Builder
	for i, l := range lines {
		fmt.Fprintf(&sb, "%4d| %s\n", i+1, l)
	}
	return sb.String()
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, " | ")
}

func implementationInstructions() string {
	return phaseImplementationSystemPrompt + "\n" + scof.Instructions
}

func fixerInstructions(mode FixMode) string {
	var sb strings.Builder
	if mode == FixModeFast {
		sb.WriteString("You are a careful engineer applying surgical fixes to the listed target files.\n\n")
	} else {
		sb.WriteString("You are a careful engineer applying a surgical fix to one file.\n\n")
	}
	sb.WriteString(surgicalFixPolicy)
	sb.WriteString("\n\n")
	if mode == FixModeRealtime {
		sb.WriteString(realtimeChecklist)
		sb.WriteString("\n\n")
	}
	sb.WriteString(scof.Instructions)
	return sb.String()
}
