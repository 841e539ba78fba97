package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultModel is the model used when none is configured.
const DefaultModel = "gemini-2.5-flash"

// ErrNoAPIKey is returned when no credential is available.
var ErrNoAPIKey = errors.New("chat: no api key")

// KeySource returns the current API key.
type KeySource func(ctx context.Context) (string, error)

// Gemini calls the generateContent REST endpoint.
type Gemini struct {
	Endpoint string
	Model    string
	Key      KeySource
	Client   *http.Client
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate implements Model.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	if g.Key == nil {
		return "", ErrNoAPIKey
	}
	key, err := g.Key(ctx)
	if err != nil {
		return "", fmt.Errorf("read api key: %w", err)
	}
	if key == "" {
		return "", ErrNoAPIKey
	}

	body := geminiRequest{}
	if req.System != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}
	for _, c := range req.History {
		role := "user"
		if c.Role == RoleAI {
			role = "model"
		}
		body.Contents = append(body.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: c.Text}}})
	}
	body.Contents = append(body.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}})

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	endpoint := g.Endpoint
	if endpoint == "" {
		endpoint = "https://generativelanguage.googleapis.com"
	}
	model := g.Model
	if model == "" {
		model = DefaultModel
	}
	u := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(endpoint, "/"), url.PathEscape(model), url.QueryEscape(key))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	defer resp.Body.Close()

	var gr geminiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&gr); err != nil {
		return "", fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if gr.Error != nil && gr.Error.Message != "" {
			return "", fmt.Errorf("generate: status %d: %s", resp.StatusCode, gr.Error.Message)
		}
		return "", fmt.Errorf("generate: status %d", resp.StatusCode)
	}
	if len(gr.Candidates) == 0 {
		return "", errors.New("generate: no candidates")
	}

	var sb strings.Builder
	for _, p := range gr.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}
