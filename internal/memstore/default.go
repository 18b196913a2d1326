package memstore

import (
	"os"
	"path/filepath"
	"sync"
)

// RootEnv overrides the root directory of the default store.
const RootEnv = "MEMVAULT_STORE_ROOT"

var (
	defaultMu    sync.Mutex
	defaultStore *Store
)

// DefaultRoot returns $MEMVAULT_STORE_ROOT, or memvault under the user
// cache directory, or under the temp directory as a last resort.
func DefaultRoot() string {
	if root := os.Getenv(RootEnv); root != "" {
		return root
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "memvault")
	}
	return filepath.Join(os.TempDir(), "memvault")
}

// Default returns a process-wide store rooted at DefaultRoot, created on
// first use. Components never reach for it implicitly; it is for CLI
// entry points that want one shared instance. A failed open is not cached.
func Default(opts ...Option) (*Store, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultStore != nil {
		return defaultStore, nil
	}
	s, err := New(DefaultRoot(), opts...)
	if err != nil {
		return nil, err
	}
	defaultStore = s
	return s, nil
}

// ResetDefault drops the shared instance so the next Default call opens a
// fresh store. Tests call it between cases.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultStore = nil
}
