package session

import (
	"strings"

	"github.com/pagelens/pagelens/internal/common"
	"github.com/pagelens/pagelens/internal/pageid"
)

// NewAuthID returns a fresh random session id for a signed-in user.
func NewAuthID() (string, error) {
	return common.NewULID()
}

// AnonID derives a stable anonymous session id from the client fingerprint
// and IP, so the same browser keeps hitting the same quota row without any
// cookie. The IP is folded in to make casual fingerprint spoofing cheaper
// to absorb.
func AnonID(fingerprint, ip string) string {
	return pageid.Hash(strings.TrimSpace(fingerprint), strings.TrimSpace(ip))
}
