package account

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tidwall/gjson"
)

func testAccount(id, email string, lastUsed int64) *Account {
	return &Account{
		ID:    id,
		Email: email,
		Token: Token{
			AccessToken:     "ya29.test-" + id,
			RefreshToken:    "1//refresh-" + id,
			ExpiresIn:       3600,
			ExpiryTimestamp: 1700003600,
		},
		CreatedAt: 1700000000,
		LastUsed:  lastUsed,
	}
}

func TestSaveAndLoadAll(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	for i, id := range []string{"aa", "bb", "cc"} {
		if err := store.Save(testAccount(id, id+"@example.com", int64(100+i))); err != nil {
			t.Fatalf("Save(%s): %v", id, err)
		}
	}

	accounts, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(accounts) != 3 {
		t.Fatalf("loaded %d accounts, want 3", len(accounts))
	}
	// Sorted by last_used descending.
	if accounts[0].ID != "cc" || accounts[2].ID != "aa" {
		t.Fatalf("unexpected order: %s, %s, %s", accounts[0].ID, accounts[1].ID, accounts[2].ID)
	}
	for _, acc := range accounts {
		if acc.Path != filepath.Join(dir, acc.ID+".json") {
			t.Fatalf("account %s has path %q", acc.ID, acc.Path)
		}
	}
}

func TestLoadAllSkipsUnparsableFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	if err := store.Save(testAccount("good", "good@example.com", 1)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write broken file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignore me"), 0o600); err != nil {
		t.Fatalf("write non-json file: %v", err)
	}

	accounts, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != "good" {
		t.Fatalf("expected only the parsable account, got %d", len(accounts))
	}
}

func TestLoadAllMissingDir(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "does-not-exist"))
	accounts, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll on missing dir: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("expected empty result, got %d", len(accounts))
	}
}

func TestPatchTokenPreservesUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acc.json")
	original := `{
  "id": "acc",
  "email": "acc@example.com",
  "token": {
    "access_token": "old",
    "refresh_token": "keep-me",
    "expires_in": 100,
    "expiry_timestamp": 1,
    "future_field": "preserved"
  },
  "custom_top_level": {"nested": true},
  "last_used": 5
}`
	if err := os.WriteFile(path, []byte(original), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := PatchToken(path, "new-access", 3600, 1700003600); err != nil {
		t.Fatalf("PatchToken: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	raw := string(data)
	if gjson.Get(raw, "token.access_token").String() != "new-access" {
		t.Fatal("access_token not updated")
	}
	if gjson.Get(raw, "token.expires_in").Int() != 3600 {
		t.Fatal("expires_in not updated")
	}
	if gjson.Get(raw, "token.expiry_timestamp").Int() != 1700003600 {
		t.Fatal("expiry_timestamp not updated")
	}
	if gjson.Get(raw, "token.refresh_token").String() != "keep-me" {
		t.Fatal("refresh_token should be untouched")
	}
	if gjson.Get(raw, "token.future_field").String() != "preserved" {
		t.Fatal("unknown token key should be preserved")
	}
	if !gjson.Get(raw, "custom_top_level.nested").Bool() {
		t.Fatal("unknown top-level key should be preserved")
	}
}

func TestPatchProjectID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acc.json")
	if err := os.WriteFile(path, []byte(`{"id":"acc","token":{"access_token":"a"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := PatchProjectID(path, "proj-123"); err != nil {
		t.Fatalf("PatchProjectID: %v", err)
	}
	data, _ := os.ReadFile(path)
	if gjson.GetBytes(data, "token.project_id").String() != "proj-123" {
		t.Fatal("project_id not written")
	}
}

func TestEligible(t *testing.T) {
	base := testAccount("x", "x@example.com", 0)
	if !base.Eligible() {
		t.Fatal("complete account should be eligible")
	}

	disabled := *base
	disabled.Disabled = true
	if disabled.Eligible() {
		t.Fatal("disabled account must not be eligible")
	}

	proxyDisabled := *base
	proxyDisabled.ProxyDisabled = true
	if proxyDisabled.Eligible() {
		t.Fatal("proxy_disabled account must not be eligible")
	}

	noToken := *base
	noToken.Token.RefreshToken = ""
	if noToken.Eligible() {
		t.Fatal("account without refresh token must not be eligible")
	}

	noExpiresIn := *base
	noExpiresIn.Token.ExpiresIn = 0
	if noExpiresIn.Eligible() {
		t.Fatal("account missing expires_in must not be eligible")
	}

	noExpiry := *base
	noExpiry.Token.ExpiryTimestamp = 0
	if noExpiry.Eligible() {
		t.Fatal("account missing expiry_timestamp must not be eligible")
	}
}

func TestTokenExpiring(t *testing.T) {
	tok := Token{ExpiryTimestamp: 1000}
	if tok.Expiring(699) {
		t.Fatal("701s before expiry is not expiring")
	}
	if !tok.Expiring(700) {
		t.Fatal("exactly 300s before expiry is expiring")
	}
	if !tok.Expiring(2000) {
		t.Fatal("past expiry is expiring")
	}
}
