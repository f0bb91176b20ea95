// Package tokenmanager implements the account-pool scheduling core: given a
// request's quota group and optional session id, it selects a ready
// Google account, refreshes its token if it is close to expiry, resolves a
// project id if the account doesn't have one yet, and hands back a
// ready-to-use access token. This is the busiest piece of the gateway; every
// dispatch attempt goes through GetToken.
package tokenmanager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudcode-gateway/gateway/internal/account"
	"github.com/cloudcode-gateway/gateway/internal/config"
	"github.com/cloudcode-gateway/gateway/internal/oauth"
	"github.com/cloudcode-gateway/gateway/internal/ratelimit"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// stickyWindow is how long GetToken keeps returning the same account after a
// successful use, outside of the session-binding mechanism. image_gen
// requests are excluded since image generation is billed per-account
// differently and benefits less from locality.
const stickyWindow = 60 * time.Second

// ImageGenQuotaGroup is the quotaGroup value that opts a request out of the
// 60s same-account stickiness window.
const ImageGenQuotaGroup = "image_gen"

type tierRank int

const (
	tierUltra tierRank = iota
	tierPro
	tierFree
	tierOther
)

func rankTier(tier string) tierRank {
	switch strings.ToUpper(tier) {
	case "ULTRA":
		return tierUltra
	case "PRO":
		return tierPro
	case "FREE":
		return tierFree
	default:
		return tierOther
	}
}

func tierOf(a *account.Account) tierRank {
	if a.Quota == nil {
		return tierOther
	}
	return rankTier(a.Quota.SubscriptionTier)
}

// Manager owns the live, in-memory account pool and implements the
// selection algorithm: session-sticky binding, 60s same-account stickiness,
// round-robin fallback, refresh-if-expiring, and project-id
// resolution-if-missing.
type Manager struct {
	store     *account.Store
	refresher *oauth.Refresher
	resolver  *oauth.ProjectResolver
	tracker   *ratelimit.Tracker
	policy    config.SchedulingMode
	maxWait   time.Duration

	mu   sync.RWMutex
	pool []*account.Account
	byID map[string]*account.Account

	cursor uint64

	lastUsedMu sync.Mutex
	lastUsedID string
	lastUsedAt time.Time

	sessions sync.Map // sessionID (string) -> accountID (string)

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	refreshGroup singleflight.Group
	projectGroup singleflight.Group
}

// New builds a Manager. The pool starts empty; call LoadAccounts before
// serving any request.
func New(store *account.Store, refresher *oauth.Refresher, resolver *oauth.ProjectResolver, tracker *ratelimit.Tracker, sticky config.StickySessionConfig) *Manager {
	return &Manager{
		store:     store,
		refresher: refresher,
		resolver:  resolver,
		tracker:   tracker,
		policy:    sticky.Mode,
		maxWait:   time.Duration(sticky.MaxWaitSeconds) * time.Second,
		byID:      make(map[string]*account.Account),
		locks:     make(map[string]*sync.Mutex),
	}
}

// LoadAccounts reloads the pool from the backing store, keeping only
// Eligible accounts, sorted by subscription tier (ULTRA, PRO, FREE, other)
// then by id. It resets the round-robin cursor, the stickiness slot, and
// every session binding, since the set of valid account ids may have changed.
func (m *Manager) LoadAccounts() error {
	accounts, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("tokenmanager: load accounts: %w", err)
	}

	eligible := make([]*account.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Eligible() {
			eligible = append(eligible, a)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		ti, tj := tierOf(eligible[i]), tierOf(eligible[j])
		if ti != tj {
			return ti < tj
		}
		return eligible[i].ID < eligible[j].ID
	})

	byID := make(map[string]*account.Account, len(eligible))
	for _, a := range eligible {
		byID[a.ID] = a
	}

	m.mu.Lock()
	m.pool = eligible
	m.byID = byID
	m.mu.Unlock()

	atomic.StoreUint64(&m.cursor, 0)
	m.lastUsedMu.Lock()
	m.lastUsedID = ""
	m.lastUsedAt = time.Time{}
	m.lastUsedMu.Unlock()
	m.sessions.Range(func(k, _ any) bool {
		m.sessions.Delete(k)
		return true
	})

	log.Infof("tokenmanager: loaded %d eligible account(s)", len(eligible))
	return nil
}

// PoolSize returns the number of eligible accounts currently loaded.
func (m *Manager) PoolSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pool)
}

func (m *Manager) snapshot() []*account.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*account.Account, len(m.pool))
	copy(out, m.pool)
	return out
}

func (m *Manager) byIDLocked(id string) *account.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// GetToken selects an account for a request against quotaGroup (the upstream
// model-group or ImageGenQuotaGroup), honoring session affinity for
// sessionID unless forceRotate is set, and returns a ready access token.
func (m *Manager) GetToken(ctx context.Context, quotaGroup string, forceRotate bool, sessionID string) (accessToken, projectID, email, accountID string, err error) {
	pool := m.snapshot()
	if len(pool) == 0 {
		return "", "", "", "", fmt.Errorf("tokenmanager: account pool is empty")
	}

	attempted := make(map[string]bool, len(pool))

	// Plain round-robin (forced rotation or image generation) must not touch
	// the stickiness slot: a rotated-away-from account would otherwise capture
	// the next 60 seconds of non-rotating traffic.
	updateSticky := !forceRotate && quotaGroup != ImageGenQuotaGroup

	// 1. Session-sticky binding. PerformanceFirst never honors a binding;
	// Balance honors it only if the account isn't currently cooling down;
	// CacheFirst honors it and waits up to maxWait for the cooldown to clear.
	if sessionID != "" && !forceRotate && m.policy != config.SchedulingPerformanceFirst {
		if boundID, ok := m.sessions.Load(sessionID); ok {
			id := boundID.(string)
			if acc := m.byIDLocked(id); acc != nil {
				ready := !m.tracker.IsRateLimited(id)
				if !ready && m.policy == config.SchedulingCacheFirst {
					ready = m.waitForReady(ctx, id)
				}
				if !ready {
					m.sessions.Delete(sessionID)
				} else if tok, pid, em, aid, e := m.use(ctx, acc, updateSticky); e == nil {
					return tok, pid, em, aid, nil
				}
				attempted[id] = true
			}
		}
	}

	// 2. 60s same-account stickiness, skipped for image generation and
	// forced rotation.
	if updateSticky {
		m.lastUsedMu.Lock()
		lastID, lastAt := m.lastUsedID, m.lastUsedAt
		m.lastUsedMu.Unlock()
		if lastID != "" && !attempted[lastID] && time.Since(lastAt) < stickyWindow {
			if acc := m.byIDLocked(lastID); acc != nil && !m.tracker.IsRateLimited(lastID) {
				if tok, pid, em, aid, e := m.use(ctx, acc, true); e == nil {
					m.bindSession(sessionID, aid)
					return tok, pid, em, aid, nil
				}
			}
			attempted[lastID] = true
		}
	}

	// 3. Round-robin across up to len(pool) attempts.
	var lastErr error
	for i := 0; i < len(pool); i++ {
		idx := int(atomic.AddUint64(&m.cursor, 1)-1) % len(pool)
		acc := pool[idx]
		if attempted[acc.ID] {
			continue
		}
		attempted[acc.ID] = true
		if m.tracker.IsRateLimited(acc.ID) {
			continue
		}
		tok, pid, em, aid, e := m.use(ctx, acc, updateSticky)
		if e != nil {
			lastErr = e
			continue
		}
		if updateSticky {
			m.bindSession(sessionID, aid)
		}
		return tok, pid, em, aid, nil
	}

	if lastErr != nil {
		return "", "", "", "", fmt.Errorf("tokenmanager: no usable account: %w", lastErr)
	}
	return "", "", "", "", fmt.Errorf("tokenmanager: all %d account(s) rate-limited, retry in %ds", len(pool), m.tracker.MinResetSeconds(idsOf(pool)))
}

func (m *Manager) bindSession(sessionID, accountID string) {
	if sessionID != "" && m.policy != config.SchedulingPerformanceFirst {
		m.sessions.Store(sessionID, accountID)
	}
}

// use marks acc as the in-use account: refreshing its token if it is near
// expiry, resolving a project id if missing, and, when updateSticky is set,
// updating the stickiness slot. It serializes concurrent callers for the
// same account so refresh and project-id resolution can't race each other.
func (m *Manager) use(ctx context.Context, acc *account.Account, updateSticky bool) (accessToken, projectID, email, accountID string, err error) {
	lock := m.lockFor(acc.ID)
	lock.Lock()
	defer lock.Unlock()

	if acc.Token.Expiring(time.Now().Unix()) {
		if err := m.refresh(ctx, acc); err != nil {
			return "", "", "", "", err
		}
	}
	if acc.Token.ProjectID == "" {
		if err := m.resolveProject(ctx, acc); err != nil {
			return "", "", "", "", err
		}
	}

	// In-memory only: the on-disk record's token.* subtree is the engine's
	// sole write-through surface.
	acc.LastUsed = time.Now().Unix()

	if updateSticky {
		m.lastUsedMu.Lock()
		m.lastUsedID = acc.ID
		m.lastUsedAt = time.Now()
		m.lastUsedMu.Unlock()
	}

	return acc.Token.AccessToken, acc.Token.ProjectID, acc.Email, acc.ID, nil
}

// refresh swaps in a new access token via the OAuth refresh endpoint,
// collapsing concurrent refreshes for the same account into a single
// upstream call.
func (m *Manager) refresh(ctx context.Context, acc *account.Account) error {
	_, err, _ := m.refreshGroup.Do(acc.ID, func() (any, error) {
		if !acc.Token.Expiring(time.Now().Unix()) {
			return nil, nil
		}
		result, rerr := m.refresher.Refresh(ctx, acc.Token.RefreshToken)
		if rerr != nil {
			return nil, fmt.Errorf("refresh token for %s: %w", acc.Email, rerr)
		}
		acc.Token.AccessToken = result.AccessToken
		acc.Token.ExpiresIn = result.ExpiresIn
		acc.Token.ExpiryTimestamp = time.Now().Unix() + result.ExpiresIn
		if result.RefreshToken != "" {
			acc.Token.RefreshToken = result.RefreshToken
		}
		if acc.Path != "" {
			if perr := account.PatchToken(acc.Path, acc.Token.AccessToken, acc.Token.ExpiresIn, acc.Token.ExpiryTimestamp); perr != nil {
				log.WithError(perr).Warnf("tokenmanager: patch token for %s", acc.ID)
			}
		}
		return nil, nil
	})
	return err
}

// resolveProject fills in acc's project id via loadProject, collapsing
// concurrent resolutions for the same account into a single upstream call.
// A failure marks the candidate attempted; the caller moves on to the next
// account.
func (m *Manager) resolveProject(ctx context.Context, acc *account.Account) error {
	_, err, _ := m.projectGroup.Do(acc.ID, func() (any, error) {
		if acc.Token.ProjectID != "" {
			return nil, nil
		}
		projectID, perr := m.resolver.FetchProjectID(ctx, acc.Token.AccessToken)
		if perr != nil {
			return nil, fmt.Errorf("resolve project id for %s: %w", acc.Email, perr)
		}
		acc.Token.ProjectID = projectID
		if acc.Path != "" {
			if perr := account.PatchProjectID(acc.Path, projectID); perr != nil {
				log.WithError(perr).Warnf("tokenmanager: patch project id for %s", acc.ID)
			}
		}
		return nil, nil
	})
	return err
}

// waitForReady blocks until id's cooldown clears or m.maxWait elapses,
// whichever comes first, returning whether the account ended up ready.
func (m *Manager) waitForReady(ctx context.Context, id string) bool {
	wait := m.tracker.GetRemainingWait(id)
	if wait <= 0 {
		return true
	}
	if wait > m.maxWait {
		return false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !m.tracker.IsRateLimited(id)
	case <-ctx.Done():
		return false
	}
}

// MarkRateLimited records a cooldown for accountID following an upstream
// error response.
func (m *Manager) MarkRateLimited(accountID string, httpStatus int, retryAfterHeader string, body []byte) {
	m.tracker.ParseFromError(accountID, httpStatus, retryAfterHeader, body)
}

func idsOf(accs []*account.Account) []string {
	ids := make([]string, len(accs))
	for i, a := range accs {
		ids[i] = a.ID
	}
	return ids
}
