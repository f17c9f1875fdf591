package generate

import (
	"path"
	"regexp"
	"strings"

	"codesmith/internal/types"
)

var (
	thinkBlockRegex = regexp.MustCompile(`(?s)<think>.*?</think>`)
	fenceOpenRegex  = regexp.MustCompile("^```([A-Za-z0-9_+-]*)[ \t]*(\\S*)[ \t]*$")
	fileHeaderRegex = regexp.MustCompile(`(?i)^(?://|#|--)?\s*FILE:\s*(\S+)\s*$`)
)

// ParseFiles extracts the file set from a model response. Only clearly
// delimited artifacts are accepted: fenced blocks whose info line carries a
// path, or blocks introduced by a FILE: header. Prose outside delimiters and
// think blocks is discarded. An empty result is ParseFailed.
func ParseFiles(response, language string) ([]types.GeneratedFile, error) {
	const op = "generate.parse"

	cleaned := thinkBlockRegex.ReplaceAllString(response, "")
	lines := strings.Split(cleaned, "\n")

	var files []types.GeneratedFile
	seen := make(map[string]int)
	pendingPath := ""

	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")

		if m := fileHeaderRegex.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			pendingPath = cleanPath(m[1])
			continue
		}

		m := fenceOpenRegex.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		lang, fencePath := m[1], cleanPath(m[2])

		body, next := collectFence(lines, i+1)
		i = next

		filePath := fencePath
		if filePath == "" {
			filePath = pendingPath
		}
		pendingPath = ""
		if filePath == "" || body == "" {
			continue
		}

		fileLang := lang
		if fileLang == "" {
			fileLang = language
		}
		file := types.GeneratedFile{
			Path:       filePath,
			Content:    body,
			Language:   fileLang,
			ChangeType: types.ChangeCreated,
		}
		// A later block for the same path supersedes the earlier one.
		if idx, dup := seen[filePath]; dup {
			file.ChangeType = types.ChangeModified
			files[idx] = file
			continue
		}
		seen[filePath] = len(files)
		files = append(files, file)
	}

	if len(files) == 0 {
		return nil, types.Ef(types.KindParseFailed, op, "response contained no delimited file blocks")
	}
	return files, nil
}

// collectFence gathers lines until the closing fence and returns the body
// plus the index of the closing line.
func collectFence(lines []string, start int) (string, int) {
	var body []string
	for i := start; i < len(lines); i++ {
		if strings.TrimSpace(strings.TrimRight(lines[i], "\r")) == "```" {
			return strings.TrimRight(strings.Join(body, "\n"), "\n"), i
		}
		body = append(body, strings.TrimRight(lines[i], "\r"))
	}
	// Unterminated fence: take everything, tolerating truncated output.
	return strings.TrimRight(strings.Join(body, "\n"), "\n"), len(lines)
}

// cleanPath normalizes a path token from an info line. Absolute paths and
// parent escapes are rejected outright.
func cleanPath(p string) string {
	p = strings.Trim(p, "`\"'")
	p = strings.TrimPrefix(p, "./")
	if p == "" || p == "." {
		return ""
	}
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if path.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return ""
	}
	// A bare language tag on the info line is not a path.
	if !strings.ContainsAny(clean, "./") && strings.ToLower(clean) == clean && len(clean) < 12 {
		return ""
	}
	return clean
}
