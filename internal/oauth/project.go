package oauth

import (
	"context"
	"fmt"

	"github.com/cloudcode-gateway/gateway/internal/upstream"
	"github.com/tidwall/gjson"
)

// fallbackProjectID is used when loadCodeAssist and loadProject both fail to
// surface a project id, matching the default the original quota-fetch path falls back to.
const fallbackProjectID = "bamboo-precept-lgxtn"

// ProjectResolver resolves the Cloud-Code project id (and, for the
// enrichment call, subscription tier) for an account's access token.
type ProjectResolver struct {
	upstream *upstream.Client
}

// NewProjectResolver builds a ProjectResolver backed by the given upstream client.
func NewProjectResolver(client *upstream.Client) *ProjectResolver {
	return &ProjectResolver{upstream: client}
}

// FetchProjectID POSTs an empty body to loadProject and reads activeProjectId.
func (p *ProjectResolver) FetchProjectID(ctx context.Context, accessToken string) (string, error) {
	resp, err := p.upstream.CallV1Internal(ctx, "loadProject", accessToken, []byte("{}"), "")
	if err != nil {
		return "", fmt.Errorf("project resolver: loadProject: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("project resolver: loadProject returned status %d", resp.StatusCode)
	}
	projectID := gjson.GetBytes(resp.Body, "activeProjectId").String()
	if projectID == "" {
		return "", fmt.Errorf("project resolver: loadProject response missing activeProjectId")
	}
	return projectID, nil
}

// LoadCodeAssist POSTs {"metadata":{"ideType":"ANTIGRAVITY"}} to loadCodeAssist
// and returns the resolved project id and subscription tier. Failures are
// soft: this is an enrichment call, so errors are reported but callers should
// treat a zero-value return as "nothing learned" rather than fatal.
func (p *ProjectResolver) LoadCodeAssist(ctx context.Context, accessToken string) (projectID, tier string, err error) {
	body := []byte(`{"metadata":{"ideType":"ANTIGRAVITY"}}`)
	resp, err := p.upstream.CallV1Internal(ctx, "loadCodeAssist", accessToken, body, "")
	if err != nil {
		return "", "", fmt.Errorf("project resolver: loadCodeAssist: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("project resolver: loadCodeAssist returned status %d", resp.StatusCode)
	}

	projectID = gjson.GetBytes(resp.Body, "cloudaicompanionProject").String()
	tier = gjson.GetBytes(resp.Body, "currentTier.id").String()
	if paidTier := gjson.GetBytes(resp.Body, "paidTier.id"); paidTier.Exists() && paidTier.String() != "" {
		tier = paidTier.String()
	}
	if projectID == "" {
		projectID = fallbackProjectID
	}
	return projectID, tier, nil
}
