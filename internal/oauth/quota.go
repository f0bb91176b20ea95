package oauth

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudcode-gateway/gateway/internal/account"
	"github.com/cloudcode-gateway/gateway/internal/upstream"
	"github.com/tidwall/gjson"
)

// QuotaClient fetches the per-model quota breakdown for a project, an
// enrichment call supplementing the account record (see account.Quota).
// It is not part of the core routing path; ProjectResolver's project-id
// resolution never blocks on it.
type QuotaClient struct {
	upstream *upstream.Client
}

// NewQuotaClient builds a QuotaClient backed by the given upstream client.
func NewQuotaClient(client *upstream.Client) *QuotaClient {
	return &QuotaClient{upstream: client}
}

// FetchAvailableModels POSTs {"project":<id>} to fetchAvailableModels and
// parses the response into a quota snapshot. Model entries are bucketed by
// whether their name looks like a Gemini or Claude model name.
func (q *QuotaClient) FetchAvailableModels(ctx context.Context, accessToken, projectID string) (*account.Quota, error) {
	body := []byte(fmt.Sprintf(`{"project":%q}`, projectID))
	resp, err := q.upstream.CallV1Internal(ctx, "fetchAvailableModels", accessToken, body, "")
	if err != nil {
		return nil, fmt.Errorf("quota client: fetchAvailableModels: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("quota client: fetchAvailableModels returned status %d", resp.StatusCode)
	}

	quota := &account.Quota{}
	models := gjson.GetBytes(resp.Body, "models")
	if models.IsArray() {
		models.ForEach(func(_, m gjson.Result) bool {
			entry := account.ModelQuota{
				Model:     m.Get("name").String(),
				Remaining: m.Get("quota.remaining").Int(),
				Limit:     m.Get("quota.limit").Int(),
			}
			switch {
			case strings.Contains(strings.ToLower(entry.Model), "claude"):
				quota.ClaudeQuota = append(quota.ClaudeQuota, entry)
			default:
				quota.GeminiQuota = append(quota.GeminiQuota, entry)
			}
			return true
		})
	}
	return quota, nil
}
