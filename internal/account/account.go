// Package account defines the on-disk account record and the store that
// loads and persists it. One JSON file per account lives under the
// configured auth directory; the file's basename equals the account's id.
package account

// Token is the OAuth credential embedded in an Account record.
type Token struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	ExpiresIn       int64  `json:"expires_in"`
	ExpiryTimestamp int64  `json:"expiry_timestamp"`
	Email           string `json:"email,omitempty"`
	ProjectID       string `json:"project_id,omitempty"`
}

// Expiring reports whether the token is within 300 seconds of expiry at unixNow.
func (t Token) Expiring(unixNow int64) bool {
	return unixNow >= t.ExpiryTimestamp-300
}

// ModelQuota is a single model's quota snapshot as last reported by the upstream.
type ModelQuota struct {
	Model     string `json:"model"`
	Remaining int64  `json:"remaining,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
}

// Quota is the optional quota-enrichment record persisted alongside a Token.
// It supplements spec behavior with the original implementation's quota
// fetch (core/src/quota.rs); the gateway does not format or display it,
// it only stores what ProjectResolver/QuotaClient last observed.
type Quota struct {
	GeminiQuota       []ModelQuota `json:"gemini_quota,omitempty"`
	ClaudeQuota       []ModelQuota `json:"claude_quota,omitempty"`
	SubscriptionTier  string       `json:"subscription_tier,omitempty"`
	LastUpdated       int64        `json:"last_updated,omitempty"`
}

// Account is the persisted record for one pooled Google account.
type Account struct {
	ID    string  `json:"id"`
	Email string  `json:"email"`
	Name  string  `json:"name,omitempty"`
	Token Token   `json:"token"`
	Quota *Quota  `json:"quota,omitempty"`

	Disabled       bool   `json:"disabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`
	DisabledAt     int64  `json:"disabled_at,omitempty"`

	ProxyDisabled       bool   `json:"proxy_disabled"`
	ProxyDisabledReason string `json:"proxy_disabled_reason,omitempty"`
	ProxyDisabledAt     int64  `json:"proxy_disabled_at,omitempty"`

	CreatedAt int64 `json:"created_at"`
	LastUsed  int64 `json:"last_used"`

	// Path is the absolute path of the backing file. Not persisted as a JSON
	// field; set by the store on load so refresh/project-id write-through
	// knows where to patch.
	Path string `json:"-"`
}

// Eligible reports whether the account may be loaded into the live pool:
// neither disable flag is set and the token's required fields are present.
func (a *Account) Eligible() bool {
	if a.Disabled || a.ProxyDisabled {
		return false
	}
	if a.ID == "" || a.Email == "" {
		return false
	}
	if a.Token.AccessToken == "" || a.Token.RefreshToken == "" {
		return false
	}
	return a.Token.ExpiresIn != 0 && a.Token.ExpiryTimestamp != 0
}
