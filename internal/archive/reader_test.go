package archive

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArchiveBody(t *testing.T, lines []string) []byte {
	t.Helper()

	var zipBuf bytes.Buffer
	zw := zip.NewWriter(&zipBuf)

	entry, err := zw.Create("events-0.json.gz")
	require.NoError(t, err)

	gw := gzip.NewWriter(entry)
	for _, l := range lines {
		_, err := gw.Write([]byte(l + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, gw.Close())
	require.NoError(t, zw.Close())

	return zipBuf.Bytes()
}

func TestReader_Lines_SingleDay(t *testing.T) {
	body := buildArchiveBody(t, []string{`{"uuid":"a"}`, `{"uuid":"b"}`})

	var requests []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requests = append(requests, req.URL.RawQuery)
		user, pass, ok := req.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "cid", user)
		assert.Equal(t, "secret", pass)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer server.Close()

	cfg := &Config{
		BaseURL:        server.URL,
		WebCreds:       Credentials{ClientID: "cid", SecretKey: "secret"},
		RequestTimeout: 5 * time.Second,
	}

	r := NewReader(cfg, nil)

	var lines []string
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	err := r.Lines(context.Background(), Web, day, day, func(line string) error {
		lines = append(lines, line)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{`{"uuid":"a"}`, `{"uuid":"b"}`}, lines)
	require.Len(t, requests, 1)
}

func TestReader_Lines_MultiDayOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body := buildArchiveBody(t, []string{req.URL.RawQuery})
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer server.Close()

	cfg := &Config{
		BaseURL:        server.URL,
		WebCreds:       Credentials{ClientID: "cid", SecretKey: "secret"},
		RequestTimeout: 5 * time.Second,
	}

	r := NewReader(cfg, nil)

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)

	var seen []string

	err := r.Lines(context.Background(), Web, start, end, func(line string) error {
		seen = append(seen, line)
		return nil
	})

	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.Contains(t, seen[0], "20240501")
	assert.Contains(t, seen[1], "20240502")
	assert.Contains(t, seen[2], "20240503")
}

func TestReader_Lines_NonSuccessAbortsImmediately(t *testing.T) {
	var hits int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := &Config{
		BaseURL:        server.URL,
		WebCreds:       Credentials{ClientID: "cid", SecretKey: "secret"},
		RequestTimeout: 5 * time.Second,
	}

	r := NewReader(cfg, nil)

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC)

	err := r.Lines(context.Background(), Web, start, end, func(string) error { return nil })

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.Equal(t, 1, hits)
}

func TestReader_Lines_UnknownSourceTag(t *testing.T) {
	cfg := &Config{BaseURL: "http://example.invalid", RequestTimeout: time.Second}
	r := NewReader(cfg, nil)

	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	err := r.Lines(context.Background(), SourceTag("carrier-pigeon"), day, day, func(string) error { return nil })

	require.ErrorIs(t, err, ErrUnknownSourceTag)
}
