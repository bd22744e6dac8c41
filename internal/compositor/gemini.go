// Package compositor calls the external generative image API that merges a
// subject photo and a garment photo into one composite.
package compositor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/tryonlab/backend/internal/config"
)

const tryonInstruction = `You are an expert virtual try-on AI. You will be given a 'model image' and a 'garment image'. Your task is to create a new photorealistic image where the person from the 'model image' is wearing the clothing from the 'garment image'.

**Crucial Rules:**
1.  **Complete Garment Replacement:** You MUST completely REMOVE and REPLACE the clothing item worn by the person in the 'model image' with the new garment. No part of the original clothing (e.g., collars, sleeves, patterns) should be visible in the final image.
2.  **Preserve the Model:** The person's face, hair, body shape, and pose from the 'model image' MUST remain unchanged.
3.  **Preserve the Background:** The entire background from the 'model image' MUST be preserved perfectly.
4.  **Preserve the Features of 'garment image':** Ensure that the features of 'garment image' MUST be preserved perfectly.
5.  **Apply the Garment:** Realistically fit the new garment onto the person. It should adapt to their pose with natural folds, shadows.
6.  **Output:** Return ONLY the final, edited image. Do not include any text.`

// ErrNotConfigured means no API key is set; try-on jobs cannot start.
var ErrNotConfigured = errors.New("compositor not configured")

// Image is a successful compositing output.
type Image struct {
	Data     []byte
	MimeType string
}

// Client is the Gemini generateContent client. The request carries both
// images inline as base64 plus the fixed instruction; the response must hold
// exactly one inline image payload or the call counts as a failure.
type Client struct {
	httpClient *http.Client
	cfg        config.Compositor
	log        *slog.Logger
}

func NewClient(cfg config.Compositor, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		log:        log,
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.cfg.APIKey != "" }

type inlineData struct {
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
	// Some proxies answer in camelCase.
	MimeTypeCamel string `json:"mimeType,omitempty"`
}

func (d inlineData) mime() string {
	if d.MimeType != "" {
		return d.MimeType
	}
	return d.MimeTypeCamel
}

type requestPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type generateRequest struct {
	Contents []struct {
		Role  string        `json:"role"`
		Parts []requestPart `json:"parts"`
	} `json:"contents"`
	GenerationConfig map[string]any `json:"generationConfig"`
}

type responsePart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
	InlineCaml *inlineData `json:"inlineData,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []responsePart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

var dataURLRe = regexp.MustCompile(`data:image/[^;]+;base64,([A-Za-z0-9+/=]+)`)

// TryOn performs one compositing call. The context deadline (plus the client
// timeout) bounds the call; a timeout is an ordinary failure for the caller's
// refund path.
func (c *Client) TryOn(ctx context.Context, subject, garment []byte, seed *int64) (*Image, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	genCfg := map[string]any{"response_mime_type": "image/png"}
	if seed != nil {
		genCfg["seed"] = *seed
	}
	req := generateRequest{GenerationConfig: genCfg}
	req.Contents = append(req.Contents, struct {
		Role  string        `json:"role"`
		Parts []requestPart `json:"parts"`
	}{
		Role: "user",
		Parts: []requestPart{
			{Text: tryonInstruction},
			{InlineData: &inlineData{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(subject)}},
			{InlineData: &inlineData{MimeType: "image/jpeg", Data: base64.StdEncoding.EncodeToString(garment)}},
		},
	})

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal compositor request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create compositor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.applyAuth(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call compositor: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read compositor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("compositor returned status %d: %s", resp.StatusCode, truncate(respBody, 400))
	}

	var gr generateResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		return nil, fmt.Errorf("decode compositor response: %w", err)
	}
	return extractImage(&gr, respBody)
}

func (c *Client) endpoint() string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", base, c.cfg.Model)
}

// applyAuth uses the standard ?key= query parameter, or a custom bearer
// header for proxy deployments.
func (c *Client) applyAuth(req *http.Request) {
	if c.cfg.AuthHeader != "" {
		req.Header.Set(c.cfg.AuthHeader, "Bearer "+c.cfg.APIKey)
		return
	}
	q := url.Values{"key": {c.cfg.APIKey}}
	req.URL.RawQuery = q.Encode()
}

// extractImage takes the first inline image payload found in the candidates.
// Explicit content blocks and image-less responses are failures.
func extractImage(gr *generateResponse, raw []byte) (*Image, error) {
	if len(gr.Candidates) == 0 {
		if gr.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("compositor blocked the request: %s", gr.PromptFeedback.BlockReason)
		}
		return nil, errors.New("compositor returned no candidates")
	}

	for _, cand := range gr.Candidates {
		for _, part := range cand.Content.Parts {
			inline := part.InlineData
			if inline == nil {
				inline = part.InlineCaml
			}
			if inline != nil && inline.Data != "" && strings.HasPrefix(inline.mime(), "image/") {
				data, err := base64.StdEncoding.DecodeString(inline.Data)
				if err != nil {
					continue
				}
				return &Image{Data: data, MimeType: inline.mime()}, nil
			}
			// Fallback: some responses embed the image as a data URL in a
			// text part.
			if m := dataURLRe.FindStringSubmatch(part.Text); m != nil {
				if data, err := base64.StdEncoding.DecodeString(m[1]); err == nil {
					return &Image{Data: data, MimeType: "image/png"}, nil
				}
			}
		}
	}

	return nil, fmt.Errorf("no image in compositor response: finishReason=%s, response=%s",
		gr.Candidates[0].FinishReason, truncate(raw, 400))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
