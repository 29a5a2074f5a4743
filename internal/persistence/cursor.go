// Package persistence holds helpers shared by the ledger stores.
package persistence

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"example.com/greenpoints/internal/domain"
)

// ErrInvalidCursor is returned for page tokens that were not produced by EncodeCursor.
var ErrInvalidCursor = errors.New("invalid cursor")

// pageToken is the wire form of a ledger page position. Nanosecond time keeps
// entries created in the same millisecond in order.
type pageToken struct {
	At int64  `json:"t"`
	ID string `json:"id"`
}

// EncodeCursor renders c as an opaque URL-safe token. A nil cursor encodes to "".
func EncodeCursor(c *domain.Cursor) string {
	if c == nil {
		return ""
	}
	raw, _ := json.Marshal(pageToken{At: c.CreatedAt.UnixNano(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token from EncodeCursor. Blank input means the first page.
func DecodeCursor(token string) (*domain.Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	var pt pageToken
	if err := json.Unmarshal(raw, &pt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if pt.ID == "" || pt.At <= 0 {
		return nil, ErrInvalidCursor
	}
	return &domain.Cursor{CreatedAt: time.Unix(0, pt.At).UTC(), ID: pt.ID}, nil
}
