// Package answerer предоставляет клиент для внешней системы генерации ответов.
package answerer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// GeneratedAnswer описывает ответ генератора на один вопрос.
type GeneratedAnswer struct {
	AnswerText   string `json:"answer"`
	Source       string `json:"source"`
	MainPct      int    `json:"main_pct"`
	SecondaryPct int    `json:"secondary_pct"`
	ReferencePct int    `json:"reference_pct"`
}

type generateRequest struct {
	Question string `json:"question"`
	Lang     string `json:"lang"`
	Mode     string `json:"mode"`
}

// Client инкапсулирует HTTP-взаимодействие с системой генерации ответов.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт HTTP-клиент генератора ответов по указанному адресу.
// Временные сбои сети и ответы 5xx повторяются автоматически.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 30 * time.Second
	c.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

// Generate запрашивает генерацию ответа на вопрос. Вызов может занимать
// заметное время; отмена контекста прерывает ожидание.
func (c *Client) Generate(ctx context.Context, question, lang, mode string) (*GeneratedAnswer, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("answerer client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(generateRequest{Question: question, Lang: lang, Mode: mode})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/answers", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result GeneratedAnswer
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if result.AnswerText == "" {
		return nil, fmt.Errorf("empty answer text")
	}
	if result.MainPct+result.SecondaryPct+result.ReferencePct != 100 {
		return nil, fmt.Errorf("layer percentages do not sum to 100")
	}

	return &result, nil
}
