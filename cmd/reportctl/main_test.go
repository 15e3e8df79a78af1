package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AilvenLiu/cad-recognition/internal/composer"
	"github.com/AilvenLiu/cad-recognition/internal/domain"
)

func stageResults(n int) []domain.StageResult {
	results := make([]domain.StageResult, n)
	for i := range results {
		results[i] = domain.StageResult{
			SourceID:  fmt.Sprintf("drawing-%d", i+1),
			Detection: &domain.Detection{AnnotatedImage: []byte(fmt.Sprintf("\x89PNG\r\n\x1a\ndetect-%d", i))},
			OCR: &domain.OCR{
				AnnotatedImage: []byte(fmt.Sprintf("\x89PNG\r\n\x1a\nocr-%d", i)),
				Texts:          []string{"DN50", "PN16"},
			},
		}
	}
	return results
}

func writeInput(t *testing.T, results []domain.StageResult) string {
	t.Helper()
	data, err := json.Marshal(results)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func TestComposeToFile(t *testing.T) {
	results := stageResults(2)
	output := filepath.Join(t.TempDir(), "report.html")

	_, stderr, err := execute(t, "compose", "--input", writeInput(t, results), "--output", output, "--chunk-size", "256", "--stream-id", "cli-1")
	require.NoError(t, err)

	want, err := composer.Compose(results, composer.ComparisonTemplate())
	require.NoError(t, err)

	got, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), got)
	assert.Contains(t, stderr, fmt.Sprintf("[cli-1]: %d bytes", want.Len()))
}

// failingCloser accepts writes and fails on Close
type failingCloser struct {
	bytes.Buffer
}

func (f *failingCloser) Close() error { return errors.New("disk full") }

func TestComposeReportsCloseError(t *testing.T) {
	out := &failingCloser{}
	orig := createOutput
	createOutput = func(string) (io.WriteCloser, error) { return out, nil }
	t.Cleanup(func() { createOutput = orig })

	results := stageResults(2)
	_, _, err := execute(t, "compose", "-i", writeInput(t, results), "-o", "report.html", "--chunk-size", "256")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close output: disk full")

	want, err := composer.Compose(results, composer.ComparisonTemplate())
	require.NoError(t, err)
	assert.Equal(t, want.Bytes(), out.Bytes())
}

func TestComposeToStdout(t *testing.T) {
	results := stageResults(3)

	stdout, _, err := execute(t, "compose", "-i", writeInput(t, results), "-t", composer.ReportTemplateName)
	require.NoError(t, err)

	want, err := composer.Compose(results, composer.ReportTemplate())
	require.NoError(t, err)
	assert.Equal(t, string(want.Bytes()), stdout)
}

func TestComposeErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		is   error
	}{
		{name: "wrong arity", args: []string{"compose", "-i", writeInput(t, stageResults(3))}, is: domain.ErrValidation},
		{name: "unknown template", args: []string{"compose", "-i", writeInput(t, stageResults(2)), "-t", "blueprint"}, is: domain.ErrTemplate},
		{name: "bad chunk size", args: []string{"compose", "-i", writeInput(t, stageResults(2)), "--chunk-size", "0"}, is: domain.ErrConfiguration},
		{name: "missing input flag", args: []string{"compose"}},
		{name: "bad log level", args: []string{"compose", "-i", writeInput(t, stageResults(2)), "--log-level", "loud"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestTemplatesCommand(t *testing.T) {
	stdout, _, err := execute(t, "templates")
	require.NoError(t, err)
	assert.Contains(t, stdout, "comparison")
	assert.Contains(t, stdout, "sources=2")
	assert.Contains(t, stdout, "report")
	assert.Contains(t, stdout, "sources=any")
}
