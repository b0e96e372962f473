// internal/checkpoint/id.go
package checkpoint

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxLabelLen bounds the human-readable suffix so directory names stay short.
const maxLabelLen = 40

// GenerateID returns a new checkpoint ID of the form
// <YYYYMMDD>-<HHMMSS>-<disambiguator>[-<label>]. The timestamp prefix makes
// lexical order equal creation order, which List uses as a secondary sort
// key; the random disambiguator keeps simultaneous captures from colliding.
func GenerateID(name string) string {
	id := time.Now().Format("20060102-150405") + "-" + uuid.NewString()[:4]
	if label := sanitizeLabel(name); label != "" {
		id += "-" + label
	}
	return id
}

// sanitizeLabel reduces a checkpoint name to a filesystem-safe slug.
func sanitizeLabel(name string) string {
	var b strings.Builder
	lastDash := true // suppress leading dashes
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
		if b.Len() >= maxLabelLen {
			break
		}
	}
	return strings.TrimRight(b.String(), "-")
}
