package util

import (
	"math/rand"
	"os"
	"path/filepath"
	"time"
)

// DefaultConnectTimeout bounds outbound dials across the codebase.
const DefaultConnectTimeout = 4 * time.Second

// Jitter returns a random duration in [min, max). Used to de-synchronize
// two searchers that would otherwise pick each other in the same round.
func Jitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// ResolvePath joins rel onto base unless rel is already absolute.
func ResolvePath(base, rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(base, rel)
}

// EnsureDir creates dir (and parents) if missing.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
