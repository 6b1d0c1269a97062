package storage

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// AccountRegistry maps usernames to bcrypt password hashes. A nil hash
// marks a username that completed the first login phase but has not bound
// a password yet. The registry is node-local: accounts are not replicated
// between peers.
//
// Persistence is a single JSON object rewritten in full on every change;
// there is no log. Safe for concurrent use.
type AccountRegistry struct {
	mu       sync.Mutex
	path     string
	accounts map[string]*string
	logger   zerolog.Logger
}

// OpenAccounts loads the registry from path. A missing or unreadable file
// starts the registry empty; unlike the message log, the accounts file is
// not authoritative enough to refuse startup over.
func OpenAccounts(path string, logger zerolog.Logger) *AccountRegistry {
	r := &AccountRegistry{
		path:     path,
		accounts: make(map[string]*string),
		logger:   logger.With().Str("component", "accounts").Logger(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("path", path).Msg("Cannot read accounts file, starting empty")
		}
		return r
	}
	if err := json.Unmarshal(data, &r.accounts); err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("Accounts file is not valid JSON, starting empty")
		r.accounts = make(map[string]*string)
		return r
	}

	r.logger.Info().Int("accounts", len(r.accounts)).Msg("Accounts loaded")
	return r
}

// Exists reports whether the username has been seen (claimed or bound).
func (r *AccountRegistry) Exists(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.accounts[username]
	return ok
}

// Claim records a new username with no password yet and persists the
// registry. Claiming an existing username is a no-op.
func (r *AccountRegistry) Claim(username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[username]; ok {
		return nil
	}
	r.accounts[username] = nil
	return r.saveLocked()
}

// Hash returns the stored password hash. bound is false for claimed
// usernames that have not set a password; ok is false for unknown ones.
func (r *AccountRegistry) Hash(username string) (hash string, bound, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.accounts[username]
	if !ok || h == nil {
		return "", false, ok
	}
	return *h, true, true
}

// SetPassword binds a password hash to a claimed username and persists.
func (r *AccountRegistry) SetPassword(username, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[username] = &hash
	return r.saveLocked()
}

// Delete removes the username and persists. Unknown usernames are a no-op
// without a rewrite.
func (r *AccountRegistry) Delete(username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[username]; !ok {
		return nil
	}
	delete(r.accounts, username)
	return r.saveLocked()
}

// Usernames returns every known username, sorted for stable responses.
func (r *AccountRegistry) Usernames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.accounts))
	for name := range r.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *AccountRegistry) saveLocked() error {
	data, err := json.MarshalIndent(r.accounts, "", "    ")
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("write accounts file: %w", err)
	}
	return nil
}
