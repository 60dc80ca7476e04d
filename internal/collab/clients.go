package collab

import (
	"context"
	"fmt"
	"net/url"

	"github.com/bodybroker/backend/internal/circuitbreaker"
	"github.com/bodybroker/backend/internal/httpx"
)

// The three outbound dependencies are thin wrappers over the shared
// resilient client: they build URLs and parse responses, nothing else.

// RulesClient talks to the rules engine.
type RulesClient struct {
	c *httpx.Client
}

func NewRulesClient(c *httpx.Client) *RulesClient { return &RulesClient{c: c} }

// Breaker exposes the underlying breaker for health reporting.
func (rc *RulesClient) Breaker() *circuitbreaker.CircuitBreaker { return rc.c.Breaker() }

// GetRules fetches the compliance rules for a species/model pair. Returns
// (nil, nil) when the service has no rules for the pair.
func (rc *RulesClient) GetRules(ctx context.Context, species, modelType string) (*Rules, error) {
	path := fmt.Sprintf("/rules?species=%s&model_type=%s",
		url.QueryEscape(species), url.QueryEscape(modelType))
	var rules Rules
	if err := rc.c.GetJSON(ctx, path, &rules); err != nil {
		return nil, fmt.Errorf("fetch rules: %w", err)
	}
	if rules.RequiredFields == nil && rules.Constraints == nil {
		return nil, nil
	}
	return &rules, nil
}

// LoreClient talks to the lore database.
type LoreClient struct {
	c *httpx.Client
}

func NewLoreClient(c *httpx.Client) *LoreClient { return &LoreClient{c: c} }

func (lc *LoreClient) Breaker() *circuitbreaker.CircuitBreaker { return lc.c.Breaker() }

// GetLore fetches up to limit lore entries for a species. A 404 yields an
// empty slice.
func (lc *LoreClient) GetLore(ctx context.Context, species string, limit int) ([]LoreEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	path := fmt.Sprintf("/lore?species=%s&limit=%d", url.QueryEscape(species), limit)
	var resp struct {
		Entries []LoreEntry `json:"entries"`
	}
	if err := lc.c.GetJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("fetch lore: %w", err)
	}
	return resp.Entries, nil
}

// QualityAssessment is the LLM judge's verdict on one trajectory.
type QualityAssessment struct {
	Score          float64  `json:"score"`
	Issues         []string `json:"issues"`
	CriticalIssues []string `json:"critical_issues"`
}

// LLMClient talks to the LLM gateway for both generation and judging.
type LLMClient struct {
	c *httpx.Client
}

func NewLLMClient(c *httpx.Client) *LLMClient { return &LLMClient{c: c} }

func (llm *LLMClient) Breaker() *circuitbreaker.CircuitBreaker { return llm.c.Breaker() }

// Generate produces raw model text for a prompt.
func (llm *LLMClient) Generate(ctx context.Context, prompt string) (string, error) {
	var resp struct {
		Text string `json:"text"`
	}
	err := llm.c.PostJSON(ctx, "/generate", map[string]string{"prompt": prompt}, &resp)
	if err != nil {
		return "", fmt.Errorf("llm generate: %w", err)
	}
	return resp.Text, nil
}

// Assess asks the judge model to score a trajectory.
func (llm *LLMClient) Assess(ctx context.Context, t Trajectory) (*QualityAssessment, error) {
	var out QualityAssessment
	if err := llm.c.PostJSON(ctx, "/assess", t, &out); err != nil {
		return nil, fmt.Errorf("llm assess: %w", err)
	}
	return &out, nil
}
