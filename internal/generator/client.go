package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"civicinfo/internal/config"
	"civicinfo/internal/logging"
)

type genReq struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// genResp tolerates the common response shapes of completion-style
// endpoints.
type genResp struct {
	Text       string `json:"text"`
	OutputText string `json:"output_text"`
	Content    string `json:"content"`
	Result     string `json:"result"`
	Response   string `json:"response"`
	Choices    []struct {
		Text string `json:"text"`
	} `json:"choices"`
}

func (g genResp) firstText() string {
	for _, s := range []string{g.Text, g.OutputText, g.Content, g.Result, g.Response} {
		if s != "" {
			return s
		}
	}
	if len(g.Choices) > 0 {
		return g.Choices[0].Text
	}
	return ""
}

// Client calls the generation endpoint and validates the raw output.
type Client struct {
	cfg  config.GeneratorConfig
	http *http.Client
}

// NewClient constructs a generator client.
func NewClient(cfg config.GeneratorConfig) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// Generate builds the deterministic prompt, invokes the endpoint with
// bounded retries, and validates the output.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res := Result{RequestID: req.RequestID, Decision: DecisionInvalidOutput}

	if req.Language == "" || req.Question == "" || len(req.Passages) == 0 {
		logging.Log.WithField("request_id", req.RequestID).Error("invalid_generate_request")
		return res, nil
	}

	prompt := BuildPrompt(req.Language, req.Question, req.Passages)
	raw, err := c.invoke(ctx, prompt)
	if err != nil {
		logging.Log.WithField("request_id", req.RequestID).WithField("error", err.Error()).
			Error("generator_invoke_failed")
		return res, err
	}

	decision, lines := ValidateOutput(raw, MaxPassageNumber(req.Passages))
	res.Decision = decision
	if decision == DecisionAccept {
		res.AnswerLines = lines
		res.Confidence = "high"
	}
	logging.Log.WithField("request_id", req.RequestID).WithField("decision", decision.String()).
		WithField("ms", time.Since(start).Milliseconds()).Info("generate_complete")
	return res, nil
}

// invoke posts the prompt, retrying transient errors with exponential
// base delay.
func (c *Client) invoke(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
			logging.Log.WithField("attempt", attempt).WithField("delay_ms", delay.Milliseconds()).
				Warn("generator_retry")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		raw, err := c.call(ctx, prompt)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", fmt.Errorf("generate after %d attempts: %w", c.cfg.MaxRetries+1, lastErr)
}

func (c *Client) call(ctx context.Context, prompt string) (string, error) {
	body, _ := json.Marshal(genReq{Model: c.cfg.Model, Prompt: prompt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("generator error: %s: %s", resp.Status, string(b))
	}

	var gr genResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return "", fmt.Errorf("decode generator response: %w", err)
	}
	return gr.firstText(), nil
}
