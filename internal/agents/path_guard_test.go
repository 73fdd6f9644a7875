package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathGuard_DirectMatch(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		patterns []string
		wantErr  bool
		wantPat  string
	}{
		{
			name:     "*.env matches .env",
			path:     ".env",
			patterns: []string{"*.env"},
			wantErr:  true,
			wantPat:  "*.env",
		},
		{
			name:     "base name match in a subdirectory",
			path:     "config/production.env",
			patterns: []string{"*.env"},
			wantErr:  true,
			wantPat:  "*.env",
		},
		{
			name:     "exact lockfile match",
			path:     "bun.lock",
			patterns: []string{"**/*.lock"},
			wantErr:  true,
			wantPat:  "**/*.lock",
		},
		{
			name:     "leading ./ is normalized",
			path:     "./public/logo.svg",
			patterns: []string{"public/**"},
			wantErr:  true,
			wantPat:  "public/**",
		},
		{
			name:     "no match returns nil",
			path:     "src/App.tsx",
			patterns: []string{"*.env", "public/**", "  "},
			wantErr:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewPathGuard(tt.patterns...).CheckPath(tt.path)
			if !tt.wantErr {
				assert.Nil(t, err)
				return
			}
			require.NotNil(t, err)
			assert.Equal(t, tt.wantPat, err.Pattern)
			assert.Equal(t, tt.path, err.Path)
		})
	}
}

func TestPathGuard_RecursiveGlob(t *testing.T) {
	pg := NewPathGuard("src/generated/**")
	assert.NotNil(t, pg.CheckPath("src/generated/api/client.ts"))
	assert.NotNil(t, pg.CheckPath("src/generated/index.ts"))
	assert.Nil(t, pg.CheckPath("src/components/generated.ts"))
	assert.Nil(t, pg.CheckPath("lib/generated/index.ts"))
}

func TestPathGuard_CheckPaths(t *testing.T) {
	pg := NewPathGuard("package-lock.json", "vite.config.ts")
	err := pg.CheckPaths([]string{"src/a.ts", "vite.config.ts", "package-lock.json"})
	require.NotNil(t, err)
	assert.Equal(t, "vite.config.ts", err.Path)
	assert.Nil(t, pg.CheckPaths([]string{"src/a.ts", "src/b.ts"}))
}

func TestGuardForIncludesTemplateFiles(t *testing.T) {
	gc := NewGenerationContext("q", Blueprint{}, TemplateDetails{DontTouchFiles: []string{"src/main.tsx"}})
	opts := &OperationOptions{Context: gc, Settings: Settings{FixerSkipGlobs: []string{"**/*.svg"}}}
	pg := guardFor(opts)
	assert.NotNil(t, pg.CheckPath("src/main.tsx"))
	assert.NotNil(t, pg.CheckPath("assets/icon.svg"))
	assert.Nil(t, pg.CheckPath("src/App.tsx"))
}
