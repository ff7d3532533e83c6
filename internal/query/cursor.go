package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/driftsec/dshield-mcp/internal/errs"
)

// cursorVersion guards against tokens minted by incompatible builds.
const cursorVersion = 1

// Cursor is the opaque resume token handed to clients. It encodes the
// search_after sort values of the last delivered hit and is never stored
// server-side. Resuming yields events strictly after it, no duplicates.
type Cursor struct {
	V  int         `json:"v"`
	TS interface{} `json:"ts"`
	ID string      `json:"id"`
}

// EncodeCursor serializes a hit's (@timestamp, _id) sort values.
func EncodeCursor(sort []interface{}) (string, error) {
	if len(sort) < 2 {
		return "", fmt.Errorf("hit carries %d sort values, need 2", len(sort))
	}
	id, ok := sort[1].(string)
	if !ok {
		id = fmt.Sprintf("%v", sort[1])
	}
	raw, err := json.Marshal(Cursor{V: cursorVersion, TS: sort[0], ID: id})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses and version-checks a client-supplied token.
func DecodeCursor(token string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, errs.Validation("invalid cursor", map[string]string{
			"cursor": "not base64url",
		})
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, errs.Validation("invalid cursor", map[string]string{
			"cursor": "not a cursor token",
		})
	}
	if c.V != cursorVersion {
		return nil, errs.Validation("invalid cursor", map[string]string{
			"cursor": fmt.Sprintf("version %d not supported", c.V),
		})
	}
	if c.TS == nil || c.ID == "" {
		return nil, errs.Validation("invalid cursor", map[string]string{
			"cursor": "missing sort values",
		})
	}
	return &c, nil
}

// SearchAfter renders the cursor as an Elasticsearch search_after array.
func (c *Cursor) SearchAfter() []interface{} {
	return []interface{}{c.TS, c.ID}
}
