package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"call-insights-go/internal/logger"
	"call-insights-go/internal/pipeline"
	"call-insights-go/internal/types"
)

// MaxAudioBytes caps a single downloaded recording.
const MaxAudioBytes = 100 << 20

// Submitter accepts one upload into the pipeline.
type Submitter interface {
	Submit(ctx context.Context, up pipeline.Upload) (*types.Call, error)
}

type BackfillOptions struct {
	HTTPClient *http.Client
	// RetryBase is the first download retry delay; MaxElapsed bounds all
	// retries of one download.
	RetryBase  time.Duration
	MaxElapsed time.Duration
	Log        *logger.Logger
}

type BackfillResult struct {
	Submitted []string          `json:"submitted"`
	Skipped   []string          `json:"skipped"`
	Failed    map[string]string `json:"failed"`
}

// Backfill downloads each record's audio and submits it as a new call.
// Per-record failures are collected; only cancellation stops the run.
func Backfill(ctx context.Context, records []Record, sub Submitter, opts BackfillOptions) (BackfillResult, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}
	if opts.Log == nil {
		opts.Log = logger.New()
	}
	log := opts.Log.Component("dataset.backfill")

	res := BackfillResult{Submitted: []string{}, Skipped: []string{}, Failed: map[string]string{}}
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		key := rec.CallID
		if key == "" {
			key = fmt.Sprintf("row_%d", i+2)
		}
		entry := log.WithFields(logrus.Fields{"call_id": rec.CallID, "url": rec.AudioURL})

		audio, contentType, err := download(ctx, opts, rec.AudioURL)
		if err != nil {
			entry.WithField("error", err.Error()).Warn("audio download failed")
			res.Failed[key] = err.Error()
			continue
		}

		call, err := sub.Submit(ctx, pipeline.Upload{
			CallID:      rec.CallID,
			Filename:    filenameOf(rec.AudioURL),
			ContentType: contentType,
			Audio:       audio,
			CompanyName: rec.CompanyName,
			CallType:    rec.CallType,
		})
		switch {
		case errors.Is(err, types.ErrConflict):
			entry.Info("call already exists, skipped")
			res.Skipped = append(res.Skipped, key)
		case err != nil && call == nil:
			entry.WithField("error", err.Error()).Warn("submit failed")
			res.Failed[key] = err.Error()
		case err != nil:
			// stored but not queued; it stays uploaded for a later trigger
			entry.WithField("error", err.Error()).Warn("call stored but not queued")
			res.Failed[call.CallID] = err.Error()
		default:
			res.Submitted = append(res.Submitted, call.CallID)
		}
	}

	log.WithFields(logrus.Fields{
		"submitted": len(res.Submitted),
		"skipped":   len(res.Skipped),
		"failed":    len(res.Failed),
	}).Info("backfill complete")
	return res, nil
}

func download(ctx context.Context, opts BackfillOptions, rawURL string) ([]byte, string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.RetryBase
	bo.MaxElapsedTime = opts.MaxElapsed

	var body []byte
	var contentType string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", types.ErrInvalidInput, err))
		}
		resp, err := opts.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, MaxAudioBytes+1))
		if err != nil {
			return fmt.Errorf("%w: read body: %v", types.ErrUnavailable, err)
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%w: download status %d", types.ErrUnavailable, resp.StatusCode)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("%w: download status %d", types.ErrInvalidInput, resp.StatusCode))
		case len(b) > MaxAudioBytes:
			return backoff.Permanent(fmt.Errorf("%w: audio larger than %d bytes", types.ErrInvalidInput, MaxAudioBytes))
		case len(b) == 0:
			return backoff.Permanent(fmt.Errorf("%w: empty audio", types.ErrInvalidInput))
		}
		body = b
		contentType = resp.Header.Get("Content-Type")
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, "", err
	}
	return body, contentType, nil
}

func filenameOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return ""
	}
	return base
}
