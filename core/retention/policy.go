package retention

import (
	"fmt"
	"time"

	"github.com/coffer-io/coffer/core/manifest"
)

// Policy decides which manifest entries have expired. Scope narrows the
// policy to a subset of entries; nil matches everything.
type Policy struct {
	MaxAge time.Duration
	Scope  func(manifest.Entry) bool
}

func (p Policy) validate() error {
	if p.MaxAge <= 0 {
		return fmt.Errorf("retention max age must be positive, got %s", p.MaxAge)
	}
	return nil
}

// KindScope restricts a policy to the given artifact kinds. An empty list
// matches every kind.
func KindScope(kinds ...manifest.Kind) func(manifest.Entry) bool {
	if len(kinds) == 0 {
		return nil
	}
	set := make(map[manifest.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(e manifest.Entry) bool {
		return set[e.Ref.Kind]
	}
}
