package battery

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// cursorSeparator never appears in RFC 3339 timestamps or entity ids.
const cursorSeparator = "|"

// ErrInvalidCursor is returned by DecodeCursor for tokens that cannot be
// decoded. Callers recover by restarting pagination; it is never surfaced
// to clients.
var ErrInvalidCursor = fmt.Errorf("invalid cursor")

// EncodeCursor builds an opaque resume token from a record's last-changed
// timestamp and entity id. The token is a reversible serialization, not a
// tamper-proof one.
func EncodeCursor(lastChanged, entityID string) string {
	raw := lastChanged + cursorSeparator + entityID
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor reverses EncodeCursor. Returns ErrInvalidCursor unless the
// token decodes and splits into exactly two components.
func DecodeCursor(cursor string) (lastChanged, entityID string, err error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}

	parts := strings.Split(string(raw), cursorSeparator)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: expected 2 components, got %d", ErrInvalidCursor, len(parts))
	}

	return parts[0], parts[1], nil
}
