package adapter

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enricher/internal/config"
	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/resilience"
	"github.com/sells-group/lead-enricher/pkg/anthropic"
)

const industryPrompt = `You classify companies from their web domain.
Reply with a single JSON object and nothing else:
{"industry": "<short industry label>", "organization": "<company name>", "confidence": <0..1>}
Use "Unknown" for any value you cannot infer with reasonable confidence.
Free mailbox providers (gmail.com, outlook.com, ...) are "Unknown".`

// IndustryAdapter infers industry and organization for a domain with a
// language model. Its output is inferred, so it ranks last in precedence.
type IndustryAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewIndustryAdapter creates an industry adapter.
func NewIndustryAdapter(client anthropic.Client, cfg config.AnthropicConfig) *IndustryAdapter {
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 256
	}
	return &IndustryAdapter{client: client, model: cfg.Model, maxTokens: maxTokens}
}

func (a *IndustryAdapter) Name() string { return "industry" }

type industryAnswer struct {
	Industry     string  `json:"industry"`
	Organization string  `json:"organization"`
	Confidence   float64 `json:"confidence"`
}

func (a *IndustryAdapter) Lookup(ctx context.Context, identifier string) (model.Fields, error) {
	domain := domainOf(identifier)
	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(industryPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: "Domain: " + domain}},
		Temperature: &temp,
	})
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) {
			return nil, resilience.NewTransientError(eris.Wrapf(err, "industry: classify %s", domain), code)
		}
		return nil, eris.Wrapf(err, "industry: classify %s", domain)
	}
	resp.Usage.LogCost(a.model, identifier)

	answer, err := parseIndustryAnswer(resp.Text())
	if err != nil {
		return nil, eris.Wrapf(err, "industry: classify %s", domain)
	}

	fields := model.Fields{"industry_confidence": answer.Confidence}
	if v := strings.TrimSpace(answer.Industry); v != "" {
		fields["industry"] = v
	}
	if v := strings.TrimSpace(answer.Organization); v != "" {
		fields["organization"] = v
	}
	return fields, nil
}

// parseIndustryAnswer extracts the first JSON object from the model text.
func parseIndustryAnswer(text string) (industryAnswer, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return industryAnswer{}, eris.Errorf("no JSON object in model reply %q", text)
	}
	var ans industryAnswer
	if err := json.Unmarshal([]byte(text[start:end+1]), &ans); err != nil {
		return industryAnswer{}, eris.Wrap(err, "decode model reply")
	}
	return ans, nil
}
