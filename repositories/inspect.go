package repositories

import (
	"fmt"
	"strings"
	"time"

	"chat-gateway/security"

	"github.com/fxamacker/cbor/v2"
)

// Row is one decoded record, for the inspection tools.
type Row struct {
	Key       string
	Kind      string
	Timestamp string
	Scope     string
	Detail    string
}

const previewRunes = 60

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes]) + "…"
}

// Describe decodes a raw badger entry by its key prefix. Sealed content is
// shown only when a cipher is given.
func Describe(key string, val []byte, cipher security.Cipher) Row {
	row := Row{Key: key, Kind: "RAW", Timestamp: "--:--:--", Detail: fmt.Sprintf("Size: %d bytes", len(val))}
	switch {
	case strings.HasPrefix(key, indexPrefix):
		row.Kind, row.Detail = "INDEX", string(val)
	case strings.HasPrefix(key, messagePrefix):
		row.Kind = "MESSAGE"
		var r messageRecord
		if err := cbor.Unmarshal(val, &r); err != nil {
			row.Detail = "Error: decode failed"
			return row
		}
		row.Scope = r.DestinationID
		row.Timestamp = time.Unix(0, r.CreatedAt).UTC().Format(time.DateTime)
		content := r.Content
		if len(r.Ciphertext) > 0 {
			content = "<sealed>"
			if cipher != nil {
				if m, err := decodeMessage(val, cipher); err == nil {
					content = m.Content
				}
			}
		}
		if r.DeletedForEveryone {
			content = "<deleted>"
		}
		row.Detail = fmt.Sprintf("%s: %s", r.AuthorID, preview(content))
	case strings.HasPrefix(key, channelPrefix):
		row.Kind = "CHANNEL"
		var r channelRecord
		if err := cbor.Unmarshal(val, &r); err == nil {
			row.Scope, row.Detail = r.ID, r.Name+" - "+r.Description
		}
	case strings.HasPrefix(key, memberPrefix):
		row.Kind = "MEMBER"
		if parts := strings.SplitN(strings.TrimPrefix(key, memberPrefix), ":", 2); len(parts) == 2 {
			row.Scope, row.Detail = parts[0], parts[1]
		}
	case strings.HasPrefix(key, userPrefix):
		row.Kind = "USER"
		var r userRecord
		if err := cbor.Unmarshal(val, &r); err == nil {
			row.Scope, row.Detail = r.ID, r.Username
			row.Timestamp = time.Unix(0, r.CreatedAt).UTC().Format(time.DateTime)
		}
	case strings.HasPrefix(key, revokedPrefix):
		row.Kind, row.Detail = "REVOKED", strings.TrimPrefix(key, revokedPrefix)
	case strings.HasPrefix(key, blacklistPrefix):
		row.Kind, row.Detail = "BANNED", strings.TrimPrefix(key, blacklistPrefix)
	}
	return row
}
