// Package docid issues globally unique document identifiers. An identifier is
// a fixed-width millisecond timestamp followed by a short random suffix, so
// ids sort lexicographically by creation time. Collisions are resolved
// optimistically: the caller retries the whole persistence operation with a
// rederived candidate instead of taking a global lock.
package docid

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"time"
)

const (
	// MaxAttempts bounds the insert-regenerate cycle for one document.
	MaxAttempts = 3

	timestampLen = 13
	suffixLen    = 6
	alphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// New issues an identifier for the current instant.
func New() string {
	return At(time.Now())
}

// At issues an identifier for the given instant.
func At(t time.Time) string {
	return fmt.Sprintf("%0*d%s", timestampLen, t.UnixMilli(), randomSuffix())
}

// Rederive produces the next candidate after a uniqueness conflict. The
// timestamp part is kept so the id stays time-ordered; the suffix is derived
// deterministically from the failed id and the attempt counter.
func Rederive(previous string, attempt int) string {
	timestamp := previous
	if len(previous) > timestampLen {
		timestamp = previous[:timestampLen]
	}
	sum := sha1.Sum([]byte(fmt.Sprintf("%s:%d", previous, attempt)))
	suffix := make([]byte, suffixLen)
	for i := range suffix {
		suffix[i] = alphabet[int(sum[i])%len(alphabet)]
	}
	return timestamp + string(suffix)
}

func randomSuffix() string {
	buf := make([]byte, suffixLen)
	_, _ = rand.Read(buf)
	for i := range buf {
		buf[i] = alphabet[int(buf[i])%len(alphabet)]
	}
	return string(buf)
}
