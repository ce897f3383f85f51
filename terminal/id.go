package terminal

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"dashterm/models"
)

const sessionPrefix = "term"

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewSessionID returns a fresh, time-sortable session id such as
// term_01J9Z3K6V3W4XG2M7Q8R5T1B0C. Monotonic entropy keeps ids unique even
// when many are minted within the same millisecond.
func NewSessionID() models.SessionID {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	return models.SessionID(sessionPrefix + "_" + id.String())
}
