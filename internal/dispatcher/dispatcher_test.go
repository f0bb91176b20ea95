package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudcode-gateway/gateway/internal/account"
	"github.com/cloudcode-gateway/gateway/internal/config"
	"github.com/cloudcode-gateway/gateway/internal/oauth"
	"github.com/cloudcode-gateway/gateway/internal/ratelimit"
	"github.com/cloudcode-gateway/gateway/internal/tokenmanager"
)

func newTestManager(t *testing.T, ids ...string) (*tokenmanager.Manager, *ratelimit.Tracker) {
	t.Helper()
	dir := t.TempDir()
	for _, id := range ids {
		acc := &account.Account{
			ID:    id,
			Email: id + "@example.com",
			Token: account.Token{
				AccessToken:     "access-" + id,
				RefreshToken:    "refresh-" + id,
				ExpiresIn:       3600,
				ExpiryTimestamp: time.Now().Unix() + 3600,
				ProjectID:       "proj-" + id,
			},
		}
		data, err := json.MarshalIndent(acc, "", "  ")
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, id+".json"), data, 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	tracker := ratelimit.NewTracker()
	m := tokenmanager.New(account.NewStore(dir), oauth.NewRefresher("", "", nil), nil, tracker,
		config.StickySessionConfig{Mode: config.SchedulingBalance})
	if err := m.LoadAccounts(); err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	return m, tracker
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	m, _ := newTestManager(t, "a", "b")
	d := New(m)

	calls := 0
	outcome, err := d.Do(context.Background(), "text", "", func(_ context.Context, accessToken, projectID, email, accountID string) (Outcome, error) {
		calls++
		if accessToken == "" || projectID == "" || email == "" || accountID == "" {
			t.Fatal("attempt received empty credentials")
		}
		return Outcome{StatusCode: 200}, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("attempts = %d, want 1", calls)
	}
	if outcome.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", outcome.StatusCode)
	}
}

func TestDoRotatesOnRetryableFailure(t *testing.T) {
	m, tracker := newTestManager(t, "a", "b")
	d := New(m)

	var accounts []string
	outcome, err := d.Do(context.Background(), "text", "", func(_ context.Context, _, _, _ string, _ string) (Outcome, error) {
		return Outcome{}, nil
	})
	_ = outcome
	if err != nil {
		t.Fatalf("warm-up Do: %v", err)
	}

	accounts = accounts[:0]
	outcome, err = d.Do(context.Background(), "text", "", func(_ context.Context, _, _, _, accountID string) (Outcome, error) {
		accounts = append(accounts, accountID)
		if len(accounts) == 1 {
			return Outcome{StatusCode: 429, Retryable: true, Body: []byte("quota exceeded")}, nil
		}
		return Outcome{StatusCode: 200}, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(accounts))
	}
	if accounts[0] == accounts[1] {
		t.Fatalf("retry reused the failing account %s", accounts[0])
	}
	if !tracker.IsRateLimited(accounts[0]) {
		t.Fatal("the 429 should have marked the first account rate-limited")
	}
	if outcome.StatusCode != 200 {
		t.Fatalf("final status = %d, want 200", outcome.StatusCode)
	}
}

func TestDoDoesNotRetryNonRetryable(t *testing.T) {
	m, tracker := newTestManager(t, "a", "b")
	d := New(m)

	calls := 0
	outcome, err := d.Do(context.Background(), "text", "", func(_ context.Context, _, _, _, _ string) (Outcome, error) {
		calls++
		return Outcome{StatusCode: 400, Body: []byte("bad request")}, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("attempts = %d, want 1 for a non-retryable 400", calls)
	}
	if outcome.StatusCode != 400 {
		t.Fatalf("status = %d, want 400 echoed", outcome.StatusCode)
	}
	if tracker.IsRateLimited("a") || tracker.IsRateLimited("b") {
		t.Fatal("a 400 must not mark any account rate-limited")
	}
}

func TestDoAttemptsCappedByPoolSize(t *testing.T) {
	m, _ := newTestManager(t, "a")
	d := New(m)

	calls := 0
	_, err := d.Do(context.Background(), "text", "", func(_ context.Context, _, _, _, _ string) (Outcome, error) {
		calls++
		return Outcome{StatusCode: 503, Retryable: true, Body: []byte("unavailable")}, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 1 {
		t.Fatalf("attempts = %d, want min(3, pool=1) = 1", calls)
	}
}

func TestDoEmptyPool(t *testing.T) {
	m, _ := newTestManager(t)
	d := New(m)

	_, err := d.Do(context.Background(), "text", "", func(_ context.Context, _, _, _, _ string) (Outcome, error) {
		t.Fatal("attempt must not run with an empty pool")
		return Outcome{}, nil
	})
	if err == nil {
		t.Fatal("expected an error for an empty pool")
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	tests := []struct {
		name   string
		k      int
		status int
		min    time.Duration
		max    time.Duration
	}{
		{"429 first attempt", 0, 429, 800 * time.Millisecond, 1200 * time.Millisecond},
		{"429 second attempt", 1, 429, 1600 * time.Millisecond, 2400 * time.Millisecond},
		{"503 first attempt", 0, 503, 400 * time.Millisecond, 600 * time.Millisecond},
		{"529 second attempt", 1, 529, 800 * time.Millisecond, 1200 * time.Millisecond},
		{"500 first attempt", 0, 500, 400 * time.Millisecond, 600 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 50; i++ {
				got := backoffDelay(tt.k, tt.status)
				if got < tt.min || got > tt.max {
					t.Fatalf("backoffDelay(%d, %d) = %v, want within [%v, %v]", tt.k, tt.status, got, tt.min, tt.max)
				}
			}
		})
	}

	// Statuses outside the schedule floor at 1ms.
	if got := backoffDelay(0, 404); got != time.Millisecond {
		t.Fatalf("backoffDelay(0, 404) = %v, want 1ms", got)
	}
}
