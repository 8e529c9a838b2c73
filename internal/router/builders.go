package router

import (
	"strings"

	"marketpulse/internal/types"
)

// Defaults substituted when neither the task nor its context supplies a value.
const (
	DefaultTone        = "professional"
	DefaultAudience    = "general audience"
	DefaultIndustry    = "general"
	DefaultContentType = "blog_post"
	DefaultWordCount   = 800
	DefaultEmailType   = "newsletter"
	DefaultPostCount   = 5
	DefaultPeriodDays  = 30
)

var defaultPlatforms = []string{"linkedin", "twitter"}

// Output format instructions appended to every payload so executors can ask
// the generation service for a parseable shape.
const (
	formatArticle    = `Respond with a JSON object: {"title": string, "body": markdown string, "summary": string}.`
	formatPosts      = `Respond with a JSON object: {"posts": [{"platform": string, "text": string, "hashtags": [string]}]}.`
	formatEmail      = `Respond with a JSON object: {"subject": string, "preheader": string, "body": html string, "cta": string}.`
	formatSEOPages   = `Respond with a JSON object: {"pages": [{"slug": string, "title": string, "meta_description": string, "body": markdown string}]}.`
	formatSEOAudit   = `Respond with a JSON object: {"score": number 0-100, "issues": [{"severity": string, "finding": string, "fix": string}]}.`
	formatAnalysis   = `Respond with a JSON object: {"summary": string, "findings": [string], "recommendations": [string]}.`
	formatMomentum   = `Respond with a JSON object: {"momentum_score": number 0-100, "trend": "up"|"flat"|"down", "drivers": [string]}.`
	formatPrediction = `Respond with a JSON object: {"predictions": [{"id": string, "score": number 0-1, "reason": string}]}.`
)

// contextView flattens optional tenant and brand records into the values the
// builders need, with defaults already applied.
type contextView struct {
	tenantID    string
	tenantName  string
	industry    string
	website     string
	brandID     string
	brandName   string
	tone        string
	audience    string
	channel     string
	keywords    []string
	valueProps  []string
	competitors []string
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func newContextView(tenant *types.TenantContext, brand *types.BrandContext) contextView {
	var c contextView
	if tenant != nil {
		c.tenantID = tenant.ID
		c.tenantName = tenant.Name
		c.industry = deref(tenant.Industry)
		c.website = deref(tenant.Website)
	}
	if brand != nil {
		c.brandID = brand.ID
		c.brandName = brand.Name
		c.tone = deref(brand.Tone)
		c.audience = deref(brand.Audience)
		c.channel = deref(brand.PrimaryChannel)
		c.keywords = brand.Keywords
		c.valueProps = brand.ValueProps
		c.competitors = brand.Competitors
	}
	c.industry = firstNonEmpty(c.industry, DefaultIndustry)
	c.brandName = firstNonEmpty(c.brandName, c.tenantName)
	c.tone = firstNonEmpty(c.tone, DefaultTone)
	c.audience = firstNonEmpty(c.audience, DefaultAudience)
	return c
}

// base starts every payload: the raw fields, then brand voice, with values
// on the task taking precedence over brand defaults.
func (c contextView) base(raw types.JSONMap, format string) types.JSONMap {
	p := raw.Clone()
	p["tenant_id"] = c.tenantID
	p["tenant_name"] = c.tenantName
	p["industry"] = c.industry
	p["brand_id"] = c.brandID
	p["brand_name"] = c.brandName
	p["tone"] = firstNonEmpty(raw.String("tone"), c.tone)
	p["audience"] = firstNonEmpty(raw.String("audience"), c.audience)
	p["keywords"] = nonNil(c.keywords)
	p["value_props"] = nonNil(c.valueProps)
	p["output_format"] = format
	return p
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func missing(field string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeConfigMissingPayload,
		"task payload is missing a required field", nil, map[string]any{"field": field})
}

// requireString returns raw[key] or fails with a missing-field error.
func requireString(raw types.JSONMap, key string) (string, error) {
	v := raw.String(key)
	if v == "" {
		return "", missing(key)
	}
	return v, nil
}

func requireList(raw types.JSONMap, key string) ([]any, error) {
	items, ok := raw[key].([]any)
	if !ok || len(items) == 0 {
		return nil, missing(key)
	}
	return items, nil
}

func buildContent(raw types.JSONMap, c contextView) (types.JSONMap, error) {
	topic, err := requireString(raw, "topic")
	if err != nil {
		return nil, err
	}
	p := c.base(raw, formatArticle)
	p["topic"] = topic
	p["content_type"] = firstNonEmpty(raw.String("content_type"), DefaultContentType)
	p["word_count"] = raw.Int("word_count", DefaultWordCount)
	return p, nil
}

func buildSocialPosts(raw types.JSONMap, c contextView) (types.JSONMap, error) {
	topic, err := requireString(raw, "topic")
	if err != nil {
		return nil, err
	}
	platforms := raw.Strings("platforms")
	if len(platforms) == 0 && c.channel != "" {
		platforms = []string{c.channel}
	}
	if len(platforms) == 0 {
		platforms = defaultPlatforms
	}
	p := c.base(raw, formatPosts)
	p["topic"] = topic
	p["platforms"] = platforms
	p["post_count"] = raw.Int("post_count", DefaultPostCount)
	return p, nil
}

func buildEmailCopy(raw types.JSONMap, c contextView) (types.JSONMap, error) {
	topic, err := requireString(raw, "topic")
	if err != nil {
		return nil, err
	}
	p := c.base(raw, formatEmail)
	p["topic"] = topic
	p["email_type"] = firstNonEmpty(raw.String("email_type"), DefaultEmailType)
	p["campaign_id"] = raw.String("campaign_id")
	return p, nil
}

func buildSEOPages(raw types.JSONMap, c contextView) (types.JSONMap, error) {
	keywords := raw.Strings("target_keywords")
	if len(keywords) == 0 {
		keywords = c.keywords
	}
	if len(keywords) == 0 {
		return nil, missing("target_keywords")
	}
	p := c.base(raw, formatSEOPages)
	p["target_keywords"] = keywords
	p["page_count"] = raw.Int("page_count", 1)
	return p, nil
}

func buildSEOAudit(raw types.JSONMap, c contextView) (types.JSONMap, error) {
	url := firstNonEmpty(raw.String("url"), c.website)
	if url == "" {
		return nil, missing("url")
	}
	p := c.base(raw, formatSEOAudit)
	p["url"] = url
	return p, nil
}

func buildCompetitorAnalysis(raw types.JSONMap, c contextView) (types.JSONMap, error) {
	competitors := raw.Strings("competitors")
	if len(competitors) == 0 {
		competitors = c.competitors
	}
	if len(competitors) == 0 {
		return nil, missing("competitors")
	}
	p := c.base(raw, formatAnalysis)
	p["competitors"] = competitors
	return p, nil
}

func buildMarketResearch(raw types.JSONMap, c contextView) (types.JSONMap, error) {
	p := c.base(raw, formatAnalysis)
	// The tenant's industry always resolves, so research never lacks a topic.
	p["topic"] = firstNonEmpty(raw.String("topic"), c.industry)
	return p, nil
}

func buildMomentumReport(raw types.JSONMap, c contextView) (types.JSONMap, error) {
	p := c.base(raw, formatMomentum)
	p["period_days"] = raw.Int("period_days", DefaultPeriodDays)
	signals, _ := raw["signals"].(map[string]any)
	if signals == nil {
		signals = map[string]any{}
	}
	p["signals"] = signals
	return p, nil
}

func buildLeadScoring(raw types.JSONMap, c contextView) (types.JSONMap, error) {
	leads, err := requireList(raw, "leads")
	if err != nil {
		return nil, err
	}
	p := c.base(raw, formatPrediction)
	p["leads"] = leads
	p["prediction"] = "lead_score"
	return p, nil
}

func buildChurnPrediction(raw types.JSONMap, c contextView) (types.JSONMap, error) {
	customers, err := requireList(raw, "customers")
	if err != nil {
		return nil, err
	}
	p := c.base(raw, formatPrediction)
	p["customers"] = customers
	p["prediction"] = "churn_risk"
	return p, nil
}
