package tokenmanager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cloudcode-gateway/gateway/internal/account"
	"github.com/cloudcode-gateway/gateway/internal/config"
	"github.com/cloudcode-gateway/gateway/internal/oauth"
	"github.com/cloudcode-gateway/gateway/internal/ratelimit"
)

func writeTestAccount(t *testing.T, dir, id string, expiry int64, projectID string) {
	t.Helper()
	acc := &account.Account{
		ID:    id,
		Email: id + "@example.com",
		Token: account.Token{
			AccessToken:     "access-" + id,
			RefreshToken:    "refresh-" + id,
			ExpiresIn:       3600,
			ExpiryTimestamp: expiry,
			ProjectID:       projectID,
		},
		CreatedAt: time.Now().Unix(),
	}
	data, err := json.MarshalIndent(acc, "", "  ")
	if err != nil {
		t.Fatalf("marshal account: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, id+".json"), data, 0o600); err != nil {
		t.Fatalf("write account: %v", err)
	}
}

func newTestManager(t *testing.T, dir string, sticky config.StickySessionConfig, refresher *oauth.Refresher) (*Manager, *ratelimit.Tracker) {
	t.Helper()
	if refresher == nil {
		refresher = oauth.NewRefresher("", "", nil)
	}
	tracker := ratelimit.NewTracker()
	m := New(account.NewStore(dir), refresher, nil, tracker, sticky)
	if err := m.LoadAccounts(); err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	return m, tracker
}

func freshExpiry() int64 { return time.Now().Unix() + 3600 }

func TestRoundRobinFairness(t *testing.T) {
	dir := t.TempDir()
	writeTestAccount(t, dir, "a", freshExpiry(), "proj-a")
	writeTestAccount(t, dir, "b", freshExpiry(), "proj-b")
	m, _ := newTestManager(t, dir, config.StickySessionConfig{Mode: config.SchedulingBalance}, nil)

	var visits []string
	for i := 0; i < 6; i++ {
		_, _, _, id, err := m.GetToken(context.Background(), "text", true, "")
		if err != nil {
			t.Fatalf("GetToken #%d: %v", i, err)
		}
		visits = append(visits, id)
	}
	want := []string{"a", "b", "a", "b", "a", "b"}
	for i := range want {
		if visits[i] != want[i] {
			t.Fatalf("visit order = %v, want %v", visits, want)
		}
	}
}

func TestStickinessWindow(t *testing.T) {
	dir := t.TempDir()
	writeTestAccount(t, dir, "a", freshExpiry(), "proj-a")
	writeTestAccount(t, dir, "b", freshExpiry(), "proj-b")
	m, _ := newTestManager(t, dir, config.StickySessionConfig{Mode: config.SchedulingBalance}, nil)

	_, _, _, first, err := m.GetToken(context.Background(), "text", false, "")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	for i := 0; i < 4; i++ {
		_, _, _, id, err := m.GetToken(context.Background(), "text", false, "")
		if err != nil {
			t.Fatalf("GetToken #%d: %v", i, err)
		}
		if id != first {
			t.Fatalf("selection #%d moved to %s, want sticky %s", i, id, first)
		}
	}
}

func TestForcedRotationDoesNotRefreshStickiness(t *testing.T) {
	dir := t.TempDir()
	writeTestAccount(t, dir, "a", freshExpiry(), "proj-a")
	writeTestAccount(t, dir, "b", freshExpiry(), "proj-b")
	m, _ := newTestManager(t, dir, config.StickySessionConfig{Mode: config.SchedulingBalance}, nil)

	_, _, _, first, err := m.GetToken(context.Background(), "text", false, "")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	// A forced rotation must pick someone else without stealing the window.
	_, _, _, rotated, err := m.GetToken(context.Background(), "text", true, "")
	if err != nil {
		t.Fatalf("GetToken rotate: %v", err)
	}
	if rotated == first {
		t.Fatalf("rotation returned the sticky account %s", first)
	}
	_, _, _, again, err := m.GetToken(context.Background(), "text", false, "")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if again != first {
		t.Fatalf("stickiness slot moved to %s after forced rotation, want %s", again, first)
	}
}

func TestImageGenSkipsStickiness(t *testing.T) {
	dir := t.TempDir()
	writeTestAccount(t, dir, "a", freshExpiry(), "proj-a")
	writeTestAccount(t, dir, "b", freshExpiry(), "proj-b")
	m, _ := newTestManager(t, dir, config.StickySessionConfig{Mode: config.SchedulingBalance}, nil)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		_, _, _, id, err := m.GetToken(context.Background(), ImageGenQuotaGroup, false, "")
		if err != nil {
			t.Fatalf("GetToken #%d: %v", i, err)
		}
		seen[id] = true
	}
	if len(seen) != 2 {
		t.Fatalf("image_gen selections should round-robin, got %v", seen)
	}
}

func TestRateLimitExclusion(t *testing.T) {
	dir := t.TempDir()
	writeTestAccount(t, dir, "a", freshExpiry(), "proj-a")
	writeTestAccount(t, dir, "b", freshExpiry(), "proj-b")
	m, tracker := newTestManager(t, dir, config.StickySessionConfig{Mode: config.SchedulingBalance}, nil)

	m.MarkRateLimited("a", 429, "30", []byte("HTTP 429"))
	_, _, _, id, err := m.GetToken(context.Background(), "text", false, "")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if id != "b" {
		t.Fatalf("selected %s while a is cooling down, want b", id)
	}

	tracker.Clear("a")
	_, _, _, id, err = m.GetToken(context.Background(), "text", true, "")
	if err != nil {
		t.Fatalf("GetToken after clear: %v", err)
	}
	if id != "a" {
		t.Fatalf("selected %s after clearing a, want a", id)
	}
}

func TestAllAccountsLimited(t *testing.T) {
	dir := t.TempDir()
	writeTestAccount(t, dir, "a", freshExpiry(), "proj-a")
	m, _ := newTestManager(t, dir, config.StickySessionConfig{Mode: config.SchedulingBalance}, nil)

	m.MarkRateLimited("a", 429, "45", nil)
	_, _, _, _, err := m.GetToken(context.Background(), "text", false, "")
	if err == nil {
		t.Fatal("expected an error when every account is limited")
	}
}

func TestEmptyPool(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir(), config.StickySessionConfig{Mode: config.SchedulingBalance}, nil)
	if m.PoolSize() != 0 {
		t.Fatalf("PoolSize = %d, want 0", m.PoolSize())
	}
	if _, _, _, _, err := m.GetToken(context.Background(), "text", false, ""); err == nil {
		t.Fatal("expected an error for an empty pool")
	}
}

func TestLoadAccountsSkipsDisabled(t *testing.T) {
	dir := t.TempDir()
	writeTestAccount(t, dir, "a", freshExpiry(), "proj-a")

	disabled := &account.Account{
		ID:       "z",
		Email:    "z@example.com",
		Disabled: true,
		Token: account.Token{
			AccessToken:     "access-z",
			RefreshToken:    "refresh-z",
			ExpiresIn:       3600,
			ExpiryTimestamp: freshExpiry(),
		},
	}
	data, _ := json.MarshalIndent(disabled, "", "  ")
	if err := os.WriteFile(filepath.Join(dir, "z.json"), data, 0o600); err != nil {
		t.Fatalf("write disabled account: %v", err)
	}

	m, _ := newTestManager(t, dir, config.StickySessionConfig{Mode: config.SchedulingBalance}, nil)
	if m.PoolSize() != 1 {
		t.Fatalf("PoolSize = %d, want 1 (disabled record excluded)", m.PoolSize())
	}
}

func TestRefreshOnExpiry(t *testing.T) {
	var refreshCalls int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&refreshCalls, 1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"refreshed-token","expires_in":3600}`))
	}))
	defer ts.Close()

	dir := t.TempDir()
	writeTestAccount(t, dir, "a", time.Now().Unix()-10, "proj-a")

	refresher := oauth.NewRefresher("cid", "secret", nil)
	refresher.Endpoint = ts.URL
	m, _ := newTestManager(t, dir, config.StickySessionConfig{Mode: config.SchedulingBalance}, refresher)

	tok, _, _, _, err := m.GetToken(context.Background(), "text", false, "")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok != "refreshed-token" {
		t.Fatalf("access token = %q, want the refreshed value", tok)
	}
	if n := atomic.LoadInt64(&refreshCalls); n != 1 {
		t.Fatalf("refresh calls = %d, want exactly 1", n)
	}

	// The on-disk record is patched through.
	data, err := os.ReadFile(filepath.Join(dir, "a.json"))
	if err != nil {
		t.Fatalf("read account file: %v", err)
	}
	if got := gjson.GetBytes(data, "token.access_token").String(); got != "refreshed-token" {
		t.Fatalf("on-disk access_token = %q, want refreshed-token", got)
	}
}

func TestRefreshIdempotence(t *testing.T) {
	var refreshCalls int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&refreshCalls, 1)
		_, _ = w.Write([]byte(`{"access_token":"unexpected","expires_in":3600}`))
	}))
	defer ts.Close()

	dir := t.TempDir()
	writeTestAccount(t, dir, "a", freshExpiry(), "proj-a")
	refresher := oauth.NewRefresher("cid", "secret", nil)
	refresher.Endpoint = ts.URL
	m, _ := newTestManager(t, dir, config.StickySessionConfig{Mode: config.SchedulingBalance}, refresher)

	for i := 0; i < 2; i++ {
		if _, _, _, _, err := m.GetToken(context.Background(), "text", false, ""); err != nil {
			t.Fatalf("GetToken #%d: %v", i, err)
		}
	}
	if n := atomic.LoadInt64(&refreshCalls); n != 0 {
		t.Fatalf("refresh calls = %d, want 0 for a token with >5min remaining", n)
	}
}

func TestCacheFirstWaitsForBoundAccount(t *testing.T) {
	dir := t.TempDir()
	writeTestAccount(t, dir, "a", freshExpiry(), "proj-a")
	writeTestAccount(t, dir, "b", freshExpiry(), "proj-b")
	m, tracker := newTestManager(t, dir, config.StickySessionConfig{Mode: config.SchedulingCacheFirst, MaxWaitSeconds: 2}, nil)

	_, _, _, bound, err := m.GetToken(context.Background(), "text", false, "session-1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	tracker.MarkLimited(bound, 300*time.Millisecond, "test cooldown")
	start := time.Now()
	_, _, _, id, err := m.GetToken(context.Background(), "text", false, "session-1")
	if err != nil {
		t.Fatalf("GetToken while bound cooling down: %v", err)
	}
	if id != bound {
		t.Fatalf("CacheFirst chose %s, want bound account %s", id, bound)
	}
	if waited := time.Since(start); waited < 250*time.Millisecond {
		t.Fatalf("expected a ~300ms wait, waited %v", waited)
	}
}

func TestCacheFirstDiscardsBindingBeyondMaxWait(t *testing.T) {
	dir := t.TempDir()
	writeTestAccount(t, dir, "a", freshExpiry(), "proj-a")
	writeTestAccount(t, dir, "b", freshExpiry(), "proj-b")
	m, tracker := newTestManager(t, dir, config.StickySessionConfig{Mode: config.SchedulingCacheFirst, MaxWaitSeconds: 1}, nil)

	_, _, _, bound, err := m.GetToken(context.Background(), "text", false, "session-1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}

	tracker.MarkLimited(bound, time.Hour, "long cooldown")
	_, _, _, id, err := m.GetToken(context.Background(), ImageGenQuotaGroup, false, "session-1")
	if err != nil {
		t.Fatalf("GetToken after long cooldown: %v", err)
	}
	if id == bound {
		t.Fatalf("binding should have been discarded, still got %s", bound)
	}
}

func TestPerformanceFirstIgnoresSessions(t *testing.T) {
	dir := t.TempDir()
	writeTestAccount(t, dir, "a", freshExpiry(), "proj-a")
	writeTestAccount(t, dir, "b", freshExpiry(), "proj-b")
	m, tracker := newTestManager(t, dir, config.StickySessionConfig{Mode: config.SchedulingPerformanceFirst}, nil)

	_, _, _, first, err := m.GetToken(context.Background(), ImageGenQuotaGroup, false, "session-1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	tracker.MarkLimited(first, time.Hour, "cooldown")

	_, _, _, second, err := m.GetToken(context.Background(), ImageGenQuotaGroup, false, "session-1")
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if second == first {
		t.Fatal("PerformanceFirst must never wait on a bound account")
	}
}
