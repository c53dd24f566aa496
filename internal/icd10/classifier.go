package icd10

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Classifier predicts the most likely code label for a piece of text.
// maxLen bounds the model input; longer input is truncated by the model.
type Classifier interface {
	Predict(ctx context.Context, text string, maxLen int) (string, error)
}

// ErrNoPrediction is returned when the model answers without any label.
var ErrNoPrediction = errors.New("model returned no labels")

// InferenceOptions configures InferenceClient.
type InferenceOptions struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	Retries  int
}

// InferenceClient calls a hosted text-classification model over HTTP.
// The endpoint speaks the Hugging Face inference protocol.
type InferenceClient struct {
	http     *resty.Client
	endpoint string
}

type inferenceRequest struct {
	Inputs     string              `json:"inputs"`
	Parameters inferenceParameters `json:"parameters"`
	Options    inferenceOptions    `json:"options"`
}

type inferenceParameters struct {
	Truncation bool `json:"truncation"`
	MaxLength  int  `json:"max_length,omitempty"`
}

type inferenceOptions struct {
	WaitForModel bool `json:"wait_for_model"`
}

type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// NewInferenceClient builds a client for the model at opts.Endpoint.
func NewInferenceClient(opts InferenceOptions) (*InferenceClient, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("inference endpoint is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(1*time.Second).
		SetRetryMaxWaitTime(10*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// 503 while the model is loading, 429 when rate limited
			return r != nil && (r.StatusCode() == http.StatusServiceUnavailable || r.StatusCode() == http.StatusTooManyRequests)
		}).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if opts.Token != "" {
		client.SetAuthToken(opts.Token)
	}

	return &InferenceClient{http: client, endpoint: opts.Endpoint}, nil
}

// Predict returns the label with the highest score.
func (c *InferenceClient) Predict(ctx context.Context, text string, maxLen int) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(inferenceRequest{
			Inputs:     text,
			Parameters: inferenceParameters{Truncation: true, MaxLength: maxLen},
			Options:    inferenceOptions{WaitForModel: true},
		}).
		Post(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("call inference: %w", err)
	}

	if resp.IsError() {
		return "", fmt.Errorf("inference failed: %s: %s", resp.Status(), strings.TrimSpace(string(resp.Body())))
	}

	scores, err := decodeScores(resp.Body())
	if err != nil {
		return "", err
	}

	return argmax(scores)
}

// decodeScores accepts both the batched ([[...]]) and flat ([...]) shapes.
func decodeScores(body []byte) ([]labelScore, error) {
	var batched [][]labelScore
	if err := json.Unmarshal(body, &batched); err == nil {
		if len(batched) == 0 {
			return nil, ErrNoPrediction
		}
		return batched[0], nil
	}

	var flat []labelScore
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("decode inference response: %w", err)
	}
	return flat, nil
}

func argmax(scores []labelScore) (string, error) {
	if len(scores) == 0 {
		return "", ErrNoPrediction
	}
	best := scores[0]
	for _, s := range scores[1:] {
		if s.Score > best.Score {
			best = s
		}
	}
	return best.Label, nil
}
