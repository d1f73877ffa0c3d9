// Package archive implements the daily-sharded download of compressed
// event archives from the external product-analytics provider, yielding a
// lazy sequence of JSON text lines for the transformer to consume.
package archive

import (
	"archive/zip"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// SourceTag selects which credential pair to use, one per client platform
// the provider distinguishes.
type SourceTag string

const (
	Web    SourceTag = "web"
	Mobile SourceTag = "mobile"
)

// Sentinel errors. Source failures (ErrFetchFailed, ErrDecompress) are
// fatal for the whole run; a day is never partially skipped.
var (
	ErrMissingConfig    = errors.New("archive: missing configuration")
	ErrUnknownSourceTag = errors.New("archive: unknown source tag")
	ErrFetchFailed      = errors.New("archive: fetch failed")
	ErrDecompress       = errors.New("archive: decompression failed")
)

// LineHandler is invoked once per non-blank line, in ascending day order
// and, within a day, in archive entry order. Returning an error aborts the
// whole read.
type LineHandler func(line string) error

// Reader performs the day-by-day fetch-and-decompress cycle against the
// provider's export endpoint.
type Reader struct {
	cfg        *Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewReader constructs a Reader. A nil logger falls back to slog.Default().
func NewReader(cfg *Config, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.DaysPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DaysPerSecond), 1)
	}

	return &Reader{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		limiter: limiter,
		logger:  logger,
	}
}

// Lines fetches [start, end] inclusive, one calendar day at a time, and
// invokes handle for every non-blank decompressed line. Days are fetched
// strictly in ascending order; a failure on any day aborts immediately —
// there is no partial-day skipping.
func (r *Reader) Lines(ctx context.Context, tag SourceTag, start, end time.Time, handle LineHandler) error {
	creds, err := r.cfg.CredentialsFor(tag)
	if err != nil {
		return err
	}

	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("archive: rate limiter wait: %w", err)
			}
		}

		if err := r.fetchDay(ctx, creds, day, handle); err != nil {
			return fmt.Errorf("archive: day %s: %w", day.Format("2006-01-02"), err)
		}
	}

	return nil
}

func (r *Reader) fetchDay(ctx context.Context, creds Credentials, day time.Time, handle LineHandler) error {
	url := fmt.Sprintf("%s?start=%sT00&end=%sT23",
		r.cfg.BaseURL, day.Format("20060102"), day.Format("20060102"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFetchFailed, err)
	}

	req.SetBasicAuth(creds.ClientID, creds.SecretKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %s", ErrFetchFailed, err)
	}

	r.logger.Debug("archive day fetched", slog.String("day", day.Format("2006-01-02")), slog.Int("bytes", len(body)))

	return decompressAndEmit(body, handle)
}

func decompressAndEmit(body []byte, handle LineHandler) error {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDecompress, err)
	}

	for _, entry := range zr.File {
		if !hasGzipSuffix(entry.Name) {
			continue
		}

		if err := emitEntry(entry, handle); err != nil {
			return err
		}
	}

	return nil
}

func emitEntry(entry *zip.File, handle LineHandler) error {
	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("%w: opening %s: %s", ErrDecompress, entry.Name, err)
	}
	defer rc.Close()

	gr, err := gzip.NewReader(rc)
	if err != nil {
		return fmt.Errorf("%w: gunzip %s: %s", ErrDecompress, entry.Name, err)
	}
	defer gr.Close()

	scanner := bufio.NewScanner(gr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if err := handle(line); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: scanning %s: %s", ErrDecompress, entry.Name, err)
	}

	return nil
}

func hasGzipSuffix(name string) bool {
	return len(name) > 3 && name[len(name)-3:] == ".gz"
}
