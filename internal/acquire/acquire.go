package acquire

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/fractal-lba/mmlu-prep/internal/mmlu"
)

// Stage names one step of the acquisition fallback sequence.
type Stage string

const (
	StageHub     Stage = "hub"
	StageArchive Stage = "archive"
	StageSample  Stage = "sample"
)

// Outcome is the explicit result of one acquisition stage.
//
// Hub and sample stages carry a Dataset that still has to be partitioned and written.
// The archive stage has already written its files and reports where they were extracted.
type Outcome struct {
	Stage   Stage
	Err     error
	Dataset mmlu.Dataset
	Root    string
}

// OK reports whether the stage produced usable data.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Result is "success" or "failure", for logs and metric labels.
func (o Outcome) Result() string {
	if o.OK() {
		return "success"
	}
	return "failure"
}

// SampleOutcome returns the built-in sample data set. It cannot fail.
func SampleOutcome() Outcome {
	return Outcome{Stage: StageSample, Dataset: mmlu.SampleDataset()}
}

// RetryPolicy bounds how often a single HTTP request is attempted.
type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries a request up to four times with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

func (p RetryPolicy) options() []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}
	return []backoff.RetryOption{backoff.WithBackOff(b), backoff.WithMaxTries(tries)}
}

// StatusError is returned for a non-200 HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status code %d", e.URL, e.StatusCode)
}

// retryable reports whether a status code is worth another attempt.
func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// get issues a GET and returns the open response once it is 200 OK. Transport errors, 429 and
// 5xx responses are retried per policy; other statuses fail immediately. The caller closes
// the body.
func get(ctx context.Context, client *http.Client, url string, policy RetryPolicy) (*http.Response, error) {
	op := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request for %s: %w", url, err))
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to GET %s: %w", url, err)
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			serr := &StatusError{URL: url, StatusCode: resp.StatusCode}
			if retryable(resp.StatusCode) {
				return nil, serr
			}
			return nil, backoff.Permanent(serr)
		}
		return resp, nil
	}

	return backoff.Retry(ctx, op, policy.options()...)
}
