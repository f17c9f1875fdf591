package generate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"codesmith/internal/types"
)

var nonSlugRegex = regexp.MustCompile(`[^a-z0-9]+`)

// maxSlugLen caps the task slug used in output directory names.
const maxSlugLen = 48

// Slug derives a directory-safe token from a task description: lowercase,
// runs of non-alphanumerics collapsed to single hyphens, trimmed, capped.
func Slug(task string) string {
	s := nonSlugRegex.ReplaceAllString(strings.ToLower(task), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxSlugLen {
		s = strings.Trim(s[:maxSlugLen], "-")
	}
	if s == "" {
		s = "task"
	}
	return s
}

// OutputDir builds the per-job artifact directory path:
// <base>/<yyyy-MM-dd_HHmmss>_<slug>.
func OutputDir(base, task string, at time.Time) string {
	return filepath.Join(base, fmt.Sprintf("%s_%s", at.Format("2006-01-02_150405"), Slug(task)))
}

// WriteFiles materializes the accepted file set under the output directory
// and returns its path. Paths were validated at parse time; the join here is
// belt and braces.
func WriteFiles(base, task string, files []types.GeneratedFile) (string, error) {
	dir := OutputDir(base, task, time.Now())
	for _, f := range files {
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		if !strings.HasPrefix(target, dir+string(filepath.Separator)) {
			return "", fmt.Errorf("generate: path %q escapes output dir", f.Path)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("generate: create dir for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return "", fmt.Errorf("generate: write %s: %w", f.Path, err)
		}
	}
	return dir, nil
}
