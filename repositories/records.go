package repositories

import (
	"fmt"
	"time"

	"chat-gateway/domain"
	"chat-gateway/security"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// messageRecord is the on-disk form of a message. Content is either plain or
// sealed, never both.
type messageRecord struct {
	ID                 string           `cbor:"1,keyasint"`
	DestinationID      string           `cbor:"2,keyasint"`
	AuthorID           string           `cbor:"3,keyasint"`
	Content            string           `cbor:"4,keyasint,omitempty"`
	Ciphertext         []byte           `cbor:"5,keyasint,omitempty"`
	Nonce              []byte           `cbor:"6,keyasint,omitempty"`
	CreatedAt          int64            `cbor:"7,keyasint"`
	EditedAt           int64            `cbor:"8,keyasint,omitempty"`
	DeletedAt          int64            `cbor:"9,keyasint,omitempty"`
	DeletedForEveryone bool             `cbor:"10,keyasint,omitempty"`
	DeletedFor         map[string]int64 `cbor:"11,keyasint,omitempty"`
	ReplyTo            string           `cbor:"12,keyasint,omitempty"`
	ThreadID           string           `cbor:"13,keyasint,omitempty"`
	Reactions          []reactionRecord `cbor:"14,keyasint,omitempty"`
	Edited             bool             `cbor:"15,keyasint,omitempty"`
	ReadBy             map[string]int64 `cbor:"16,keyasint,omitempty"`
}

type reactionRecord struct {
	UserID string `cbor:"1,keyasint"`
	Emoji  string `cbor:"2,keyasint"`
	At     int64  `cbor:"3,keyasint"`
}

type channelRecord struct {
	ID          string `cbor:"1,keyasint"`
	Name        string `cbor:"2,keyasint"`
	Description string `cbor:"3,keyasint,omitempty"`
}

type userRecord struct {
	ID          string `cbor:"1,keyasint"`
	Username    string `cbor:"2,keyasint"`
	DisplayName string `cbor:"3,keyasint,omitempty"`
	Email       string `cbor:"4,keyasint,omitempty"`
	CreatedAt   int64  `cbor:"5,keyasint"`
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}

func timeOrNil(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	return lo.ToPtr(time.Unix(0, n).UTC())
}

// encodeMessage seals the content when a cipher is given. The message id is
// bound as additional data so a sealed body cannot be moved to another record.
func encodeMessage(m domain.Message, cipher security.Cipher) ([]byte, error) {
	r := messageRecord{
		ID:                 m.ID.String(),
		DestinationID:      string(m.DestinationID),
		AuthorID:           m.AuthorID,
		CreatedAt:          m.CreatedAt.UnixNano(),
		Edited:             m.Edited,
		EditedAt:           unixOrZero(m.EditedAt),
		DeletedAt:          unixOrZero(m.DeletedAt),
		DeletedForEveryone: m.DeletedForEveryone,
		ThreadID:           m.ThreadID,
		Reactions: lo.Map(m.Reactions, func(rc domain.Reaction, _ int) reactionRecord {
			return reactionRecord{UserID: rc.UserID, Emoji: rc.Emoji, At: rc.At.UnixNano()}
		}),
	}
	if len(m.DeletedFor) > 0 {
		r.DeletedFor = lo.MapValues(m.DeletedFor, func(at time.Time, _ string) int64 { return at.UnixNano() })
	}
	if len(m.ReadBy) > 0 {
		r.ReadBy = lo.MapValues(m.ReadBy, func(at time.Time, _ string) int64 { return at.UnixNano() })
	}
	if m.ReplyTo != nil {
		r.ReplyTo = m.ReplyTo.String()
	}
	switch {
	case cipher != nil && m.Content != "":
		ciphertext, nonce, err := cipher.Seal([]byte(m.Content), m.ID[:])
		if err != nil {
			return nil, fmt.Errorf("seal message %s: %w", m.ID, err)
		}
		r.Ciphertext, r.Nonce = ciphertext, nonce
	default:
		r.Content = m.Content
	}
	return cbor.Marshal(r)
}

func decodeMessage(data []byte, cipher security.Cipher) (domain.Message, error) {
	var r messageRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return domain.Message{}, fmt.Errorf("decode message: %w", err)
	}
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("decode message id: %w", err)
	}
	m := domain.Message{
		ID:                 id,
		DestinationID:      domain.DestinationID(r.DestinationID),
		AuthorID:           r.AuthorID,
		Content:            r.Content,
		CreatedAt:          time.Unix(0, r.CreatedAt).UTC(),
		Edited:             r.Edited,
		EditedAt:           timeOrNil(r.EditedAt),
		DeletedAt:          timeOrNil(r.DeletedAt),
		DeletedForEveryone: r.DeletedForEveryone,
		ThreadID:           r.ThreadID,
	}
	if len(r.Ciphertext) > 0 {
		if cipher == nil {
			return domain.Message{}, fmt.Errorf("message %s is encrypted but no passphrase is configured", id)
		}
		plain, err := cipher.Open(r.Ciphertext, r.Nonce, id[:])
		if err != nil {
			return domain.Message{}, fmt.Errorf("open message %s: %w", id, err)
		}
		m.Content = string(plain)
	}
	if len(r.DeletedFor) > 0 {
		m.DeletedFor = lo.MapValues(r.DeletedFor, func(n int64, _ string) time.Time { return time.Unix(0, n).UTC() })
	}
	if len(r.ReadBy) > 0 {
		m.ReadBy = lo.MapValues(r.ReadBy, func(n int64, _ string) time.Time { return time.Unix(0, n).UTC() })
	}
	if r.ReplyTo != "" {
		if replyTo, err := uuid.Parse(r.ReplyTo); err == nil {
			m.ReplyTo = &replyTo
		}
	}
	if len(r.Reactions) > 0 {
		m.Reactions = lo.Map(r.Reactions, func(rc reactionRecord, _ int) domain.Reaction {
			return domain.Reaction{MessageID: id, UserID: rc.UserID, Emoji: rc.Emoji, At: time.Unix(0, rc.At).UTC()}
		})
	}
	return m, nil
}
