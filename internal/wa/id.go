package wa

import (
	"bytes"
	"encoding/json"
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// ID is a chat or message identifier as sent by the gateway. Some endpoints
// send a plain string, others nest it in an object such as
// {"_serialized": "123@c.us", "user": "123", "server": "c.us"}.
type ID string

type nestedID struct {
	Serialized string `json:"_serialized"`
	User       string `json:"user"`
	Server     string `json:"server"`
	ID         string `json:"id"`
}

// UnmarshalJSON accepts both the flat and the nested form.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n nestedID
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	switch {
	case n.Serialized != "":
		*id = ID(n.Serialized)
	case n.User != "" && n.Server != "":
		*id = ID(n.User + "@" + n.Server)
	default:
		*id = ID(n.ID)
	}
	return nil
}

// String returns the normalized form of the id.
func (id ID) String() string {
	return NormalizeID(string(id))
}

// NormalizeID canonicalizes a chat id: whitespace trimmed and any device
// suffix removed. Ids that are not user@server are returned trimmed.
func NormalizeID(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "@") {
		return raw
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return raw
	}
	return jid.ToNonAD().String()
}

// IsGroupID reports whether a chat id addresses a group.
func IsGroupID(raw string) bool {
	jid, err := types.ParseJID(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return jid.Server == types.GroupServer
}
