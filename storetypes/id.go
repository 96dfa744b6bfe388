package storetypes

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu sync.Mutex
	// entropy is reused and guarded by idMu so ULIDs generated within the
	// same millisecond still sort strictly by insertion order, which is
	// what claim_next_pending_run's (created_at, id) tie-break depends on.
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a new, lexicographically time-sortable identifier.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
