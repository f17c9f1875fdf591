package validate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codesmith/internal/types"
)

// scriptedBackend returns canned responses in order.
type scriptedBackend struct {
	responses []string
	calls     int
	err       error
}

func (s *scriptedBackend) ListModels(ctx context.Context, port int) ([]types.InstalledModel, error) {
	return nil, nil
}

func (s *scriptedBackend) ListRunning(ctx context.Context, port int) ([]types.ResidentModel, error) {
	return nil, nil
}

func (s *scriptedBackend) Generate(ctx context.Context, req types.GenerateRequest) (*types.GenerateResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.calls >= len(s.responses) {
		return nil, errors.New("script exhausted")
	}
	resp := s.responses[s.calls]
	s.calls++
	return &types.GenerateResponse{Response: resp}, nil
}

type staticPrompts struct{}

func (staticPrompts) Get(ctx context.Context, name string) (string, error) {
	return "You are a code reviewer.", nil
}

func cleanFiles() []types.GeneratedFile {
	return []types.GeneratedFile{{
		Path:    "main.go",
		Content: "package main\n\nfunc main() {}\n",
	}}
}

func sel() types.Selection {
	return types.Selection{Model: "phi4:14b", Device: types.DevicePinned, Port: 11434}
}

func TestRunRulesCleanFiles(t *testing.T) {
	score, issues := RunRules(cleanFiles())
	assert.Equal(t, 10.0, score)
	assert.Empty(t, issues)
}

func TestRunRulesFindings(t *testing.T) {
	files := []types.GeneratedFile{{
		Path: "db.py",
		Content: "def q(name):\n" +
			"    cur.execute(\"SELECT * FROM users WHERE name = \" + name)\n" +
			"\n" +
			"api_key = \"sk-0123456789abcdef\"\n",
	}}
	score, issues := RunRules(files)

	kinds := make(map[types.IssueKind]types.ValidationIssue)
	for _, issue := range issues {
		kinds[issue.Kind] = issue
	}
	require.Contains(t, kinds, types.IssueSQLInjection)
	require.Contains(t, kinds, types.IssueSecret)
	assert.Equal(t, types.SeverityCritical, kinds[types.IssueSQLInjection].Severity)
	assert.Equal(t, 2, kinds[types.IssueSQLInjection].Line)
	// Two critical findings: 10 - 3 - 3.
	assert.Equal(t, 4.0, score)
}

func TestRunRulesFloor(t *testing.T) {
	content := "password = \"hunter2hunter2\"\n" +
		"token = \"abcdefgh12345678\"\n" +
		"cur.execute(\"SELECT x FROM t WHERE a = \" + a)\n" +
		"try { f() } catch (e) {}\n" +
		"task.Result;\n"
	// Duplicate the findings across files to push deductions past ten.
	files := []types.GeneratedFile{
		{Path: "a.js", Content: content},
		{Path: "b.js", Content: content},
	}
	score, issues := RunRules(files)
	assert.Equal(t, 0.0, score)
	assert.NotEmpty(t, issues)
}

func TestRunTakesMinOfLayers(t *testing.T) {
	backend := &scriptedBackend{responses: []string{
		`{"score": 6.5, "issues": [], "feedback": "solid but unpolished"}`,
	}}
	v := New(backend, staticPrompts{}, nil)

	result, err := v.Run(context.Background(), sel(), cleanFiles(), "write a cli", false)
	require.NoError(t, err)
	assert.Equal(t, 6.5, result.Score)
	assert.Equal(t, "solid but unpolished", result.Feedback)
	assert.Equal(t, "phi4:14b", result.Model)
}

func TestRunOptimisticTakesMax(t *testing.T) {
	backend := &scriptedBackend{responses: []string{
		`{"score": 6.5, "issues": [], "feedback": "fine"}`,
	}}
	v := New(backend, staticPrompts{}, nil)

	result, err := v.Run(context.Background(), sel(), cleanFiles(), "write a cli", true)
	require.NoError(t, err)
	assert.Equal(t, 10.0, result.Score)
}

func TestRunRetriesMalformedVerdictOnce(t *testing.T) {
	backend := &scriptedBackend{responses: []string{
		"I think the code is pretty good overall!",
		`{"score": 8, "issues": [], "feedback": "good"}`,
	}}
	v := New(backend, staticPrompts{}, nil)

	result, err := v.Run(context.Background(), sel(), cleanFiles(), "task", false)
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
	assert.Equal(t, 8.0, result.Score)
}

func TestRunMalformedTwiceFails(t *testing.T) {
	backend := &scriptedBackend{responses: []string{"nope", "still nope"}}
	v := New(backend, staticPrompts{}, nil)

	_, err := v.Run(context.Background(), sel(), cleanFiles(), "task", false)
	require.Error(t, err)
	assert.Equal(t, types.KindBackendMalformed, types.KindOf(err))
}

func TestParseVerdict(t *testing.T) {
	t.Run("tolerates surrounding prose and fences", func(t *testing.T) {
		raw := "Here is my assessment:\n```json\n{\"score\": 7, \"issues\": [], \"feedback\": \"ok\"}\n```\nHope that helps."
		verdict, err := parseVerdict(raw)
		require.NoError(t, err)
		assert.Equal(t, 7.0, verdict.Score)
	})

	t.Run("clamps out-of-range scores", func(t *testing.T) {
		verdict, err := parseVerdict(`{"score": 14, "issues": [], "feedback": ""}`)
		require.NoError(t, err)
		assert.Equal(t, 10.0, verdict.Score)

		verdict, err = parseVerdict(`{"score": -3, "issues": [], "feedback": ""}`)
		require.NoError(t, err)
		assert.Equal(t, 0.0, verdict.Score)
	})

	t.Run("rejects non-JSON", func(t *testing.T) {
		_, err := parseVerdict("the code looks fine")
		assert.Error(t, err)
	})
}

func TestRulesOnly(t *testing.T) {
	v := New(&scriptedBackend{}, staticPrompts{}, nil)
	result := v.RulesOnly(cleanFiles())
	assert.Equal(t, 10.0, result.Score)
	assert.Equal(t, "no issues found", result.Feedback)
	assert.Empty(t, result.Model)
}
