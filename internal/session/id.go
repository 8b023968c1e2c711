package session

import (
	"crypto/rand"
	"strings"

	"github.com/oklog/ulid/v2"
)

// IDPrefix starts every generated session ID.
const IDPrefix = "trip_"

// NewID returns a sortable, random session ID.
func NewID() string {
	return IDPrefix + strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}
