// Package embedding provides a client for interacting with embedding models.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bidding-kb-go/internal/config"
	"bidding-kb-go/pkg/log"

	"golang.org/x/time/rate"
)

// ErrDimensionMismatch 表示返回向量的维度与配置不一致，属于永久错误。
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// StatusError 是 Embedding API 返回的非 200 响应。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("embedding api returned status %d: %s", e.StatusCode, e.Body)
}

// Transient 表示 429 和 5xx 这类可以重试的响应。
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client defines the interface for an embedding client.
type Client interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}

type openAICompatibleClient struct {
	cfg         config.EmbeddingConfig
	client      *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewClient creates a new embedding client from the config.
func NewClient(cfg config.EmbeddingConfig) Client {
	c := &openAICompatibleClient{
		cfg:         cfg,
		client:      &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter:     rate.NewLimiter(rate.Inf, 1),
		maxAttempts: max(cfg.MaxAttempts, 3),
		backoffBase: time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		backoffCap:  time.Duration(cfg.BackoffCapMs) * time.Millisecond,
	}
	if cfg.QPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.QPS), max(1, int(cfg.QPS)))
	}
	if c.backoffBase <= 0 {
		c.backoffBase = time.Second
	}
	if c.backoffCap < c.backoffBase {
		c.backoffCap = 30 * time.Second
	}
	return c
}

func (c *openAICompatibleClient) Model() string   { return c.cfg.Model }
func (c *openAICompatibleClient) Dimensions() int { return c.cfg.Dimensions }

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// CreateEmbedding 获取文本向量。网络错误、超时、429 和 5xx 按指数退避重试，其余错误立即返回。
func (c *openAICompatibleClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		vec, retry, err := c.createOnce(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if !retry || attempt == c.maxAttempts {
			break
		}
		wait := c.backoff(attempt)
		log.Warnf("[EmbeddingClient] 第 %d 次调用失败，%s 后重试, error: %v", attempt, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func (c *openAICompatibleClient) backoff(attempt int) time.Duration {
	d := c.backoffBase << (attempt - 1)
	if d <= 0 || d > c.backoffCap {
		return c.backoffCap
	}
	return d
}

// createOnce 发起一次请求，第二个返回值表示错误是否可重试。
func (c *openAICompatibleClient) createOnce(ctx context.Context, text string) ([]float32, bool, error) {
	reqBody := embeddingRequest{
		Model:      c.cfg.Model,
		Input:      []string{text},
		Dimensions: c.cfg.Dimensions,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create embedding request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, true, fmt.Errorf("failed to call embedding api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		return nil, statusErr.Transient(), statusErr
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, false, fmt.Errorf("failed to decode embedding response: %w", err)
	}

	if len(embeddingResp.Data) == 0 || len(embeddingResp.Data[0].Embedding) == 0 {
		return nil, false, fmt.Errorf("received empty embedding from api")
	}
	vec := embeddingResp.Data[0].Embedding
	if c.cfg.Dimensions > 0 && len(vec) != c.cfg.Dimensions {
		return nil, false, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), c.cfg.Dimensions)
	}
	return vec, false, nil
}
