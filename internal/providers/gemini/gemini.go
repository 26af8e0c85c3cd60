// Package gemini implements the perception backend on the official GenAI SDK.
//
// The backend serves two roles: describing non-text content (images, audio,
// video, documents) so the text-only reasoning backend can consume it, and
// answering requests end-to-end for the low-latency model class that routes
// straight to Gemini.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/nulpointcorp/multimodal-gateway/internal/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	backendName    = "gemini"

	// DefaultModel is used for both perception calls and the direct path.
	DefaultModel = "gemini-2.0-flash"
)

// analysisPrompts phrase the description request per modality. The text
// context of the surrounding conversation is appended when present so the
// description stays relevant to what the user is asking about.
var analysisPrompts = map[string]string{
	"image":    "Describe this image in detail. Include any visible text, objects, people, colors, and the overall composition.",
	"audio":    "Transcribe and describe this audio. Include spoken words, speakers, tone, and any notable sounds.",
	"video":    "Describe this video in detail. Summarize the scenes, actions, spoken content, and any visible text.",
	"document": "Extract and summarize the content of this document. Preserve headings, key facts, and structure.",
}

// Backend implements providers.Perceiver for Google Gemini.
type Backend struct {
	apiKey     string
	baseURL    string
	model      string
	client     *genai.Client
	httpClient *http.Client
}

// Option configures a Backend.
type Option func(*Backend)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(b *Backend) { b.baseURL = u }
}

// WithModel overrides the Gemini model used for perception and direct calls.
func WithModel(m string) Option {
	return func(b *Backend) { b.model = m }
}

// New creates a Gemini Backend. Returns an error when the SDK client cannot
// be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Backend, error) {
	if ctx == nil {
		return nil, fmt.Errorf("gemini: context must not be nil")
	}
	b := &Backend{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   DefaultModel,
	}
	for _, o := range opts {
		o(b)
	}

	b.httpClient = &http.Client{Timeout: providers.ProviderTimeout}

	base, ver := splitBaseURLAndVersion(b.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      b.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  b.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}

	b.client = client

	return b, nil
}

func (b *Backend) Name() string { return backendName }

func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toBackendError(err))
	}
	return nil
}

// Analyze produces a textual description of one attachment.
// A content-policy block is reported as providers.ErrContentRefused so the
// caller can substitute a placeholder instead of failing the request.
func (b *Backend) Analyze(ctx context.Context, att providers.Attachment, textContext string) (string, error) {
	prompt, ok := analysisPrompts[att.Kind]
	if !ok {
		prompt = analysisPrompts["document"]
	}
	if textContext != "" {
		prompt += "\n\nContext from the conversation: " + textContext
	}

	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{Text: prompt},
			{InlineData: &genai.Blob{MIMEType: att.MediaType, Data: att.Data}},
		},
	}}

	resp, err := b.client.Models.GenerateContent(ctx, b.model, contents, nil)
	if err != nil {
		return "", toBackendError(err)
	}
	if blocked(resp) {
		return "", providers.ErrContentRefused
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini: empty description")
	}
	return text, nil
}

// GenerateDirect answers the request with Gemini itself, bypassing the
// reasoning backend. Attachments are passed inline alongside the conversation.
func (b *Backend) GenerateDirect(ctx context.Context, req *providers.ChatRequest, atts []providers.Attachment) (*providers.ChatResponse, error) {
	contents, cfg := b.buildContentsAndConfig(req, atts)

	resp, err := b.client.Models.GenerateContent(ctx, b.model, contents, cfg)
	if err != nil {
		return nil, toBackendError(err)
	}
	if blocked(resp) {
		// A direct-path block yields a substituted answer, not a failure.
		return &providers.ChatResponse{
			ID:           generateID(),
			Model:        b.model,
			Content:      providers.RefusalPlaceholder("request"),
			FinishReason: "stop",
		}, nil
	}

	id := req.RequestID
	if id == "" {
		if resp.ResponseID != "" {
			id = resp.ResponseID
		} else {
			id = generateID()
		}
	}

	var inTok, outTok int
	if resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &providers.ChatResponse{
		ID:           id,
		Model:        b.model,
		Content:      resp.Text(),
		FinishReason: "stop",
		Usage: providers.Usage{
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}, nil
}

func (b *Backend) buildContentsAndConfig(req *providers.ChatRequest, atts []providers.Attachment) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for i, m := range req.Messages {
		text := m.Content.Flatten()

		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += text

		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(text, genai.RoleModel))

		default: // user / unknown
			parts := []*genai.Part{{Text: text}}
			// Attachments ride with the newest user turn only.
			if i == lastUserIndex(req.Messages) {
				for _, att := range atts {
					parts = append(parts, &genai.Part{
						InlineData: &genai.Blob{MIMEType: att.MediaType, Data: att.Data},
					})
				}
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
		}
	}

	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
	}

	if cfg != nil && systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}

	if cfg != nil && req.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}

	if cfg != nil && req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, cfg
}

func lastUserIndex(msgs []providers.ChatMessage) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if strings.ToLower(msgs[i].Role) == "user" {
			return i
		}
	}
	return -1
}

// blocked reports whether the response was withheld by a safety filter.
func blocked(resp *genai.GenerateContentResponse) bool {
	if resp == nil {
		return false
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return true
	}
	for _, c := range resp.Candidates {
		if c != nil && c.FinishReason == genai.FinishReasonSafety {
			return true
		}
	}
	return false
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

// BackendError is a structured error returned by the Gemini API (SDK wrapper).
type BackendError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements providers.StatusCoder.
func (e *BackendError) HTTPStatus() int { return e.StatusCode }

func toBackendError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &BackendError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Type:       apiErr.Status,
		}
	}
	return err
}
