package export

import (
	"archive/zip"
	"bufio"
	"context"
	"os"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linesSeq(values []string) func(yield func(string) bool) {
	return func(yield func(string) bool) {
		for _, v := range values {
			if !yield(v) {
				return
			}
		}
	}
}

func readZipEntry(t *testing.T, path, entryName string) []string {
	t.Helper()

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != entryName {
			continue
		}

		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()

		var lines []string

		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}

		require.NoError(t, scanner.Err())

		return lines
	}

	t.Fatalf("entry %q not found in %s", entryName, path)

	return nil
}

func TestPackage_WritesSingleEntryArchive(t *testing.T) {
	input := []string{`{"uuid":"a"}`, `{"uuid":"b"}`, `{"uuid":"c"}`}

	result, err := Package(context.Background(), linesSeq(input), "events.zip", "events.ndjson")
	require.NoError(t, err)
	t.Cleanup(func() { _ = result.Cleanup() })

	_, statErr := os.Stat(result.Path)
	require.NoError(t, statErr)

	got := readZipEntry(t, result.Path, "events.ndjson")
	assert.True(t, slices.Equal(input, got))
}

func TestPackage_CleanupRemovesArchive(t *testing.T) {
	result, err := Package(context.Background(), linesSeq([]string{"x"}), "a.zip", "a.ndjson")
	require.NoError(t, err)

	require.NoError(t, result.Cleanup())

	_, statErr := os.Stat(result.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPackage_EmptyLines(t *testing.T) {
	result, err := Package(context.Background(), linesSeq(nil), "empty.zip", "empty.ndjson")
	require.NoError(t, err)
	t.Cleanup(func() { _ = result.Cleanup() })

	got := readZipEntry(t, result.Path, "empty.ndjson")
	assert.Empty(t, got)
}

func TestPackage_RejectsEmptyNames(t *testing.T) {
	_, err := Package(context.Background(), linesSeq([]string{"x"}), "", "a.ndjson")
	assert.ErrorIs(t, err, ErrEmptyArchiveName)

	_, err = Package(context.Background(), linesSeq([]string{"x"}), "a.zip", "")
	assert.ErrorIs(t, err, ErrEmptyNDJSONName)
}

func TestPackage_ContextCancelledMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	seq := func(yield func(string) bool) {
		for i := 0; i < 3; i++ {
			if i == 1 {
				cancel()
			}

			if !yield("line") {
				return
			}
		}
	}

	_, err := Package(ctx, seq, "a.zip", "a.ndjson")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPackage_LargeInputRoundTrips(t *testing.T) {
	input := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		input = append(input, `{"uuid":"`+string(rune('a'+i%26))+`"}`)
	}

	result, err := Package(context.Background(), linesSeq(input), "bulk.zip", "bulk.ndjson")
	require.NoError(t, err)
	t.Cleanup(func() { _ = result.Cleanup() })

	f, err := os.Open(result.Path)
	require.NoError(t, err)
	defer f.Close()

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	got := readZipEntry(t, result.Path, "bulk.ndjson")
	assert.True(t, slices.Equal(input, got))
}
