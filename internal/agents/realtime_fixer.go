package agents

import (
	"context"

	"go.uber.org/zap"
)

// RealtimeCodeFixer proactively checks a file right after generation. It
// never fails the file: any error degrades to the generated content.
type RealtimeCodeFixer struct {
	fixer *CodeFixer
}

func NewRealtimeCodeFixer() *RealtimeCodeFixer {
	return &RealtimeCodeFixer{fixer: NewCodeFixer()}
}

// Fix implements RealtimeFixer.
func (r *RealtimeCodeFixer) Fix(ctx context.Context, file FileOutput, opts *OperationOptions) (FixOutcome, error) {
	outcome, err := r.fixer.Fix(ctx, FixRequest{
		File: file,
		Mode: FixModeRealtime,
	}, opts)
	if err != nil {
		if opts != nil {
			opts.logger("realtime_fixer").Warn("realtime fix skipped",
				zap.String("file", file.Path), zap.Error(err))
		}
		return FixOutcome{File: file, Explanation: "realtime fix unavailable: " + err.Error()}, nil
	}
	return outcome, nil
}
