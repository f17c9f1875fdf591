package prompt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codesmith/internal/types"
)

type fakeSource struct {
	prompts map[string]string
	err     error
}

func (f *fakeSource) GetPrompt(ctx context.Context, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	text, ok := f.prompts[name]
	if !ok {
		return "", errors.New("not found")
	}
	return text, nil
}

func TestGetFromService(t *testing.T) {
	source := &fakeSource{prompts: map[string]string{CodeGeneration: "service prompt"}}
	r, err := New(source, Options{}, nil)
	require.NoError(t, err)
	defer r.Close()

	text, err := r.Get(context.Background(), CodeGeneration)
	require.NoError(t, err)
	assert.Equal(t, "service prompt", text)
}

func TestGetFallsBackWhenServiceDown(t *testing.T) {
	source := &fakeSource{err: errors.New("connection refused")}
	r, err := New(source, Options{}, nil)
	require.NoError(t, err)
	defer r.Close()

	text, err := r.Get(context.Background(), CodeValidation)
	require.NoError(t, err)
	assert.Contains(t, text, "code reviewer")
}

func TestGetStrictForbidsFallback(t *testing.T) {
	source := &fakeSource{err: errors.New("connection refused")}
	r, err := New(source, Options{Strict: true}, nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Get(context.Background(), CodeValidation)
	require.Error(t, err)
	assert.Equal(t, types.KindMemoryServiceUnavailable, types.KindOf(err))
}

func TestGetUnknownName(t *testing.T) {
	r, err := New(nil, Options{}, nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Get(context.Background(), "no_such_prompt")
	assert.Error(t, err)
}

func TestOverrideDirWins(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CodeGeneration+".txt"), []byte("operator prompt\n"), 0o644))

	source := &fakeSource{prompts: map[string]string{CodeGeneration: "service prompt"}}
	r, err := New(source, Options{Dir: dir}, nil)
	require.NoError(t, err)
	defer r.Close()

	text, err := r.Get(context.Background(), CodeGeneration)
	require.NoError(t, err)
	assert.Equal(t, "operator prompt", text)
}

func TestOverrideHotReload(t *testing.T) {
	dir := t.TempDir()
	r, err := New(nil, Options{Dir: dir}, nil)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, CodeFix+".txt"), []byte("reloaded prompt"), 0o644))

	assert.Eventually(t, func() bool {
		text, err := r.Get(context.Background(), CodeFix)
		return err == nil && text == "reloaded prompt"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFallbackTableCoversCoreNames(t *testing.T) {
	for _, name := range []string{CodeGeneration, CodeFix, CodeValidation, Planning} {
		assert.NotEmpty(t, fallbacks[name], name)
	}
}
