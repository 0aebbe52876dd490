package idempotency

import (
	"net/http"
	"strings"
)

const Header = "Idempotency-Key"

// StatusReplay marks a checkout response served from a previous placement
// with the same key instead of a fresh transaction.
const StatusReplay = "IDEMPOTENT_REPLAY"

func Key(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}
