package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// FileRegenerationInput pairs one file with its review entry.
type FileRegenerationInput struct {
	File   FileOutput
	Review FileReview
}

// FileRegeneration applies a review entry to one file through the shared
// fixer with a retry budget.
type FileRegeneration struct {
	fixer *CodeFixer
}

func NewFileRegeneration() *FileRegeneration {
	return &FileRegeneration{fixer: NewCodeFixer()}
}

// Execute fixes one file. Entries that need cross-file coordination are
// declined without calling the model.
func (r *FileRegeneration) Execute(ctx context.Context, in FileRegenerationInput, opts *OperationOptions) (*FixOutcome, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if in.Review.CoordinationRequired {
		return &FixOutcome{
			File:        in.File,
			Explanation: "requires coordinated changes across files: " + strings.Join(in.Review.References, ", "),
		}, nil
	}
	outcome, err := r.fixer.Fix(ctx, FixRequest{
		File:       in.File,
		Issues:     in.Review.Issues,
		Context:    reviewContext(in.Review),
		Mode:       FixModeRegeneration,
		RetryLimit: opts.Settings.FileRegenerationRetries,
	}, opts)
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// FanOut starts one regeneration task per parallel-ready review entry.
// Entries whose file is missing from the codebase fail individually.
func (r *FileRegeneration) FanOut(ctx context.Context, reviews []FileReview, opts *OperationOptions) *FileTaskGroup {
	group := NewFileTaskGroup()
	if err := opts.validate(); err != nil {
		for _, rv := range reviews {
			group.Fail(rv.File, err)
		}
		return group
	}
	log := opts.logger("file_regeneration")
	for _, rv := range reviews {
		file, ok := opts.Context.File(rv.File)
		if !ok {
			group.Fail(rv.File, fmt.Errorf("review names unknown file %s", rv.File))
			continue
		}
		in := FileRegenerationInput{File: file, Review: rv}
		group.Go(ctx, file.Path, func(ctx context.Context) (FixOutcome, error) {
			out, err := r.Execute(ctx, in, opts)
			if err != nil {
				return FixOutcome{File: in.File}, err
			}
			return *out, nil
		})
	}
	log.Info("regeneration fan-out started", zap.Int("files", group.Len()))
	return group
}

func reviewContext(rv FileReview) string {
	var parts []string
	if rv.Priority != "" {
		parts = append(parts, "Priority: "+string(rv.Priority))
	}
	if rv.FixScope != "" {
		parts = append(parts, "Fix scope: "+rv.FixScope)
	}
	if rv.Context != "" {
		parts = append(parts, "Notes: "+rv.Context)
	}
	if rv.Validation != "" {
		parts = append(parts, "Done when: "+rv.Validation)
	}
	return strings.Join(parts, "\n")
}
