package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"resty.dev/v3"
)

// systemInstruction is the fixed classification policy sent with every
// model call. The model is asked for strict JSON so the response can be
// parsed without scraping.
const systemInstruction = `You are a content classifier for a student wellness discussion feed.
Classify the user's post into exactly one category:
- "academic": study content — coursework, exams, lectures, grades, academic planning.
- "reflective": emotionally reflective or support-seeking content — feelings, stress, gratitude, personal struggles.
- "rejected": low-effort, spam, or toxic/abusive content.
Respond with strict JSON only, no prose, in this shape:
{"category":"academic|reflective|rejected","isToxic":false,"tags":["tag1"],"score":0.0,"rationale":"one sentence"}
Tags: at most 5 short lowercase topic tags. Score: your confidence from 0 to 1.`

// ModelTimeout bounds the completion call. On expiry the request is aborted
// and the caller falls through to the deterministic fallback.
const ModelTimeout = 4 * time.Second

// ModelConfig holds the completion endpoint settings.
type ModelConfig struct {
	BaseURL string // e.g. https://api.openai.com/v1
	APIKey  string
	Model   string // e.g. gpt-4o-mini
}

// ModelClient calls an OpenAI-style chat completion endpoint in JSON mode.
// The response is treated as untrusted: it is fully parsed, normalized and
// clamped before use, and any deviation is an error (which the Classifier
// absorbs into the fallback path).
type ModelClient struct {
	client *resty.Client
	cfg    ModelConfig
}

// NewModelClient creates a ModelClient, or nil if the config is incomplete
// (missing credentials disable the model path entirely).
func NewModelClient(cfg ModelConfig) *ModelClient {
	if cfg.BaseURL == "" || cfg.APIKey == "" || cfg.Model == "" {
		return nil
	}
	client := resty.New().
		SetTimeout(ModelTimeout).
		SetAuthToken(cfg.APIKey)
	return &ModelClient{client: client, cfg: cfg}
}

// Close releases the underlying HTTP client.
func (m *ModelClient) Close() error {
	return m.client.Close()
}

// chat completion request/response wire structs (only the fields we use).

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
	Temperature float64 `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// modelVerdict is the JSON body the model is instructed to produce.
type modelVerdict struct {
	Category  string   `json:"category"`
	IsToxic   bool     `json:"isToxic"`
	Tags      []string `json:"tags"`
	Score     float64  `json:"score"`
	Rationale string   `json:"rationale"`
}

// Classify sends the text to the completion endpoint and parses the strict
// JSON verdict. Every validation failure is an error so the caller can fall
// back deterministically.
func (m *ModelClient) Classify(ctx context.Context, text string) (Result, error) {
	req := chatRequest{
		Model: m.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: text},
		},
	}
	req.ResponseFormat.Type = "json_object"

	res, err := m.client.R().
		WithContext(ctx).
		SetBody(req).
		SetResult(&chatResponse{}).
		Post(m.cfg.BaseURL + "/chat/completions")
	if err != nil {
		return Result{}, fmt.Errorf("classifier: model request: %w", err)
	}
	if res.IsError() {
		return Result{}, fmt.Errorf("classifier: model returned status %d", res.StatusCode())
	}

	body, ok := res.Result().(*chatResponse)
	if !ok || len(body.Choices) == 0 {
		return Result{}, fmt.Errorf("classifier: model response has no choices")
	}

	return parseVerdict(body.Choices[0].Message.Content)
}

// parseVerdict decodes and sanitizes the model's JSON verdict string.
func parseVerdict(content string) (Result, error) {
	var v modelVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &v); err != nil {
		return Result{}, fmt.Errorf("classifier: malformed model verdict: %w", err)
	}

	category, ok := NormalizeCategory(v.Category)
	if !ok {
		return Result{}, fmt.Errorf("classifier: unknown model category %q", v.Category)
	}

	return Result{
		Category:  category,
		IsToxic:   v.IsToxic,
		Tags:      sanitizeTags(v.Tags),
		Score:     clampScore(v.Score),
		Rationale: strings.TrimSpace(v.Rationale),
	}, nil
}
