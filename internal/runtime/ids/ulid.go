// Package ids generates the identifiers the broker stamps on traffic:
// correlation ids for envelopes that arrive without one, and transaction ids
// for two-phase commit rounds. Both are ULIDs so they sort by creation time in
// the durable log.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	return createAt(time.Now())
}

// NewCorrelationID returns a fresh correlation id for an envelope.
func NewCorrelationID() string {
	return CreateULID()
}

// NewTransactionID returns the id shared by every phase message of one
// two-phase commit round.
func NewTransactionID() string {
	return "txn_" + CreateULID()
}

// Timestamp extracts the creation time encoded in a ULID produced by this
// package. The "txn_" prefix is tolerated.
func Timestamp(id string) (time.Time, error) {
	if len(id) > 4 && id[:4] == "txn_" {
		id = id[4:]
	}
	parsed, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

func createAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return id.String()
}
