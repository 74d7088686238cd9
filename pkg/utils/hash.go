package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// FingerprintPayload hashes a submission into a stable fingerprint used by the
// idempotency layer. Page order matters; subject and strict flag are part of
// the identity.
func FingerprintPayload(subject string, strict bool, pageRefs []string) string {
	var b strings.Builder
	b.WriteString(subject)
	if strict {
		b.WriteString("|strict")
	}
	for _, ref := range pageRefs {
		b.WriteString("|")
		b.WriteString(ref)
	}
	return HashString(b.String())
}
