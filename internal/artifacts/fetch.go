package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/lucasnoah/labforge/internal/pipeline"
	"github.com/lucasnoah/labforge/internal/retry"
)

// Blob names written by the headless runner.
const (
	ResultsFile    = "results.json"
	LogFile        = "execution.log"
	TranscriptFile = "transcript.json"
	legacyDevices  = "devices/"
)

// ErrMalformed is returned when the results document cannot be decoded.
var ErrMalformed = errors.New("malformed results document")

// Fetcher retrieves validation artifacts, retrying while they are not yet
// visible after job completion.
type Fetcher struct {
	blobs    BlobStore
	policy   retry.Policy
	progress io.Writer
}

// NewFetcher creates a Fetcher over blobs.
func NewFetcher(blobs BlobStore) *Fetcher {
	return &Fetcher{
		blobs:  blobs,
		policy: retry.Policy{Attempts: 5, Backoff: 3 * time.Second, MaxBackoff: 30 * time.Second},
	}
}

// SetRetry overrides the fetch retry policy.
func (f *Fetcher) SetRetry(p retry.Policy) {
	f.policy = p
}

// SetProgress sets a writer for live progress output.
func (f *Fetcher) SetProgress(w io.Writer) {
	f.progress = w
}

func (f *Fetcher) logf(format string, args ...any) {
	if f.progress != nil {
		fmt.Fprintf(f.progress, "  → "+format+"\n", args...)
	}
}

// Fetch reads the artifacts of an execution, retrying missing or malformed
// results under the fetch policy.
func (f *Fetcher) Fetch(ctx context.Context, executionID string) (*pipeline.ValidationArtifacts, error) {
	var out *pipeline.ValidationArtifacts
	err := retry.Do(ctx, f.policy, func(attempt int) error {
		a, err := f.FetchOnce(ctx, executionID)
		if err != nil {
			f.logf("execution %s: artifact fetch attempt %d: %v", executionID, attempt, err)
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch artifacts for %s: %w", executionID, err)
	}
	return out, nil
}

// FetchOnce reads the artifacts of an execution without retrying.
func (f *Fetcher) FetchOnce(ctx context.Context, executionID string) (*pipeline.ValidationArtifacts, error) {
	data, err := f.blobs.Get(ctx, executionID, ResultsFile)
	if err != nil {
		return nil, err
	}
	summary, err := ParseSummary(data)
	if err != nil {
		return nil, err
	}

	a := &pipeline.ValidationArtifacts{
		ExecutionID:   executionID,
		Summary:       *summary,
		DeviceOutputs: make(map[string]string),
	}

	logs, err := f.blobs.Get(ctx, executionID, LogFile)
	switch {
	case err == nil:
		a.Logs = string(logs)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	transcript, err := f.blobs.Get(ctx, executionID, TranscriptFile)
	switch {
	case err == nil:
		outputs, err := FormatTranscript(transcript)
		if err != nil {
			return nil, err
		}
		a.DeviceOutputs = outputs
	case errors.Is(err, ErrNotFound):
		if err := f.legacyOutputs(ctx, executionID, a.DeviceOutputs); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	return a, nil
}

// legacyOutputs reads per-device files from the older devices/ layout.
func (f *Fetcher) legacyOutputs(ctx context.Context, executionID string, into map[string]string) error {
	names, err := f.blobs.List(ctx, executionID, legacyDevices)
	if err != nil {
		return err
	}
	for _, name := range names {
		base := path.Base(name)
		if !strings.HasSuffix(base, "_output.txt") && !strings.HasSuffix(base, "_final_config.txt") {
			continue
		}
		data, err := f.blobs.Get(ctx, executionID, name)
		if err != nil {
			return err
		}
		into[base] = string(data)
	}
	return nil
}

// ParseSummary decodes a results document.
func ParseSummary(data []byte) (*pipeline.ValidationSummary, error) {
	var s pipeline.ValidationSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &s, nil
}
