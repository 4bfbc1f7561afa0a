package protocol

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is a monotonic entropy source shared across all NewID calls so
// that IDs minted within the same millisecond still sort strictly
// increasing, per the "monotonic, time-ordered" invariant in the data
// model. ulid.MonotonicEntropy is not safe for concurrent use, so access is
// serialized by mu.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

func newULID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}
