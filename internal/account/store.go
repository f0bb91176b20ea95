package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// Store is a plain directory of per-account JSON files.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir. The directory is created on first write if absent.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// LoadAll enumerates every "*.json" file in the store directory, parses it as
// an Account, and skips files that fail to parse (logged at debug level).
// Results are sorted by LastUsed descending, matching the on-disk listing
// order the original account manager exposes.
func (s *Store) LoadAll() ([]*Account, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("account store: read dir: %w", err)
	}

	var accounts []*Account
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		acc, err := loadAccountFile(path)
		if err != nil {
			log.WithError(err).Debugf("account store: skipping unparsable file %s", path)
			continue
		}
		accounts = append(accounts, acc)
	}

	sort.SliceStable(accounts, func(i, j int) bool {
		return accounts[i].LastUsed > accounts[j].LastUsed
	})
	return accounts, nil
}

func loadAccountFile(path string) (*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	acc := &Account{}
	if err := json.Unmarshal(data, acc); err != nil {
		return nil, err
	}
	acc.Path = path
	return acc, nil
}

// Save atomically overwrites <dir>/<id>.json with pretty-printed JSON.
func (s *Store) Save(acc *Account) error {
	if acc.ID == "" {
		return fmt.Errorf("account store: cannot save account with empty id")
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("account store: mkdir: %w", err)
	}
	path := filepath.Join(s.dir, acc.ID+".json")
	acc.Path = path
	return writeJSONAtomic(path, acc)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("account store: marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("account store: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("account store: rename temp file: %w", err)
	}
	return nil
}

// PatchToken performs an in-place structural update of the token.* subtree at
// path, preserving every other key in the file untouched (including keys this
// version of Account does not model).
func PatchToken(path string, accessToken string, expiresIn, expiryTimestamp int64) error {
	return patchFile(path, func(raw string) (string, error) {
		var err error
		raw, err = sjson.Set(raw, "token.access_token", accessToken)
		if err != nil {
			return "", err
		}
		raw, err = sjson.Set(raw, "token.expires_in", expiresIn)
		if err != nil {
			return "", err
		}
		raw, err = sjson.Set(raw, "token.expiry_timestamp", expiryTimestamp)
		if err != nil {
			return "", err
		}
		return raw, nil
	})
}

// PatchProjectID performs an in-place structural update of token.project_id at path.
func PatchProjectID(path string, projectID string) error {
	return patchFile(path, func(raw string) (string, error) {
		return sjson.Set(raw, "token.project_id", projectID)
	})
}

func patchFile(path string, mutate func(string) (string, error)) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("account store: read %s: %w", path, err)
	}
	updated, err := mutate(string(data))
	if err != nil {
		return fmt.Errorf("account store: patch %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(updated), 0o600); err != nil {
		return fmt.Errorf("account store: write temp file: %w", err)
	}
	return os.Rename(tmp, path)
}
