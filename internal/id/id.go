// Package id issues trade identifiers. Listings and the audit trail
// are ordered by id, so identifiers must sort by creation time even
// when several trades are created within the same millisecond; ULIDs
// give that ordering and stay index-friendly in SQLite.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// The monotonic reader orders same-millisecond ids but is not safe for
// concurrent use, hence the mutex.
var (
	mu      sync.Mutex
	entropy io.Reader
)

func init() {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	entropy = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New issues the next trade id.
func New() string {
	mu.Lock()
	defer mu.Unlock()

	u, err := ulid.New(ulid.Timestamp(time.Now().UTC()), entropy)
	if err != nil {
		// Reachable only on entropy failure or a clock far outside the
		// ULID epoch.
		panic(err)
	}
	return u.String()
}
