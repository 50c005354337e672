package repositories

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chat-gateway/domain"
	"chat-gateway/errors"
	"chat-gateway/security"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Key layout:
//
//	msg:{destination}:{created_at_nanos_padded}:{id}  message record
//	idx:msg:{id}                                      primary key of a message
//	channel:{id}                                      channel record
//	member:{channel}:{user}                           channel membership
//	user:{id}                                         user record
//	revoked:{token_id}                                revoked token, expires with the token
//	blacklist:{word}                                  banned word
const (
	messagePrefix   = "msg:"
	indexPrefix     = "idx:msg:"
	channelPrefix   = "channel:"
	memberPrefix    = "member:"
	userPrefix      = "user:"
	revokedPrefix   = "revoked:"
	blacklistPrefix = "blacklist:"

	// seekEnd sorts after every 19 digit timestamp.
	seekEnd = "9999999999999999999"
)

func messageKey(m domain.Message) []byte {
	return []byte(fmt.Sprintf("%s%s:%019d:%s", messagePrefix, m.DestinationID, m.CreatedAt.UnixNano(), m.ID))
}

func destinationPrefix(dest domain.DestinationID) []byte {
	return []byte(messagePrefix + string(dest) + ":")
}

// Indexer keeps a full-text view of the messages in sync with the store.
type Indexer interface {
	Index(m domain.Message) error
	Search(ctx context.Context, dest domain.DestinationID, query string, limit int) ([]uuid.UUID, error)
}

// BadgerRepository is the durable store. Message content is sealed when a
// cipher is configured; everything else is stored in clear.
type BadgerRepository struct {
	db     *badger.DB
	log    *slog.Logger
	cipher security.Cipher
	index  Indexer
}

type BadgerOption func(*BadgerRepository)

func WithCipher(c security.Cipher) BadgerOption {
	return func(r *BadgerRepository) { r.cipher = c }
}

func WithIndexer(i Indexer) BadgerOption {
	return func(r *BadgerRepository) { r.index = i }
}

func NewBadgerRepository(db *badger.DB, log *slog.Logger, opts ...BadgerOption) *BadgerRepository {
	r := &BadgerRepository{db: db, log: log}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OpenBadger opens the database directory with badger's own logging silenced
// below warnings.
func OpenBadger(path string) (*badger.DB, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return db, nil
}

func (r *BadgerRepository) Ping(_ context.Context) error {
	if r.db.IsClosed() {
		return fmt.Errorf("badger is closed")
	}
	return r.db.View(func(txn *badger.Txn) error { return nil })
}

// SaveMessage upserts the record. The primary key only depends on the
// destination, creation time and id, so edits overwrite in place.
func (r *BadgerRepository) SaveMessage(_ context.Context, m domain.Message) error {
	value, err := encodeMessage(m, r.cipher)
	if err != nil {
		return err
	}
	key := messageKey(m)
	err = r.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, value); err != nil {
			return err
		}
		return txn.Set([]byte(indexPrefix+m.ID.String()), key)
	})
	if err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	if r.index != nil {
		if err := r.index.Index(m); err != nil {
			r.log.Warn("Search index update failed", "message_id", m.ID, "error", err)
		}
	}
	return nil
}

func (r *BadgerRepository) GetMessage(_ context.Context, dest domain.DestinationID, id uuid.UUID) (domain.Message, error) {
	var m domain.Message
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = r.lookup(txn, id)
		return err
	})
	if err != nil {
		return domain.Message{}, err
	}
	if m.DestinationID != dest {
		return domain.Message{}, fmt.Errorf("%w: message %s", errors.ErrNotFound, id)
	}
	return m, nil
}

func (r *BadgerRepository) lookup(txn *badger.Txn, id uuid.UUID) (domain.Message, error) {
	idx, err := txn.Get([]byte(indexPrefix + id.String()))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Message{}, fmt.Errorf("%w: message %s", errors.ErrNotFound, id)
	}
	if err != nil {
		return domain.Message{}, err
	}
	key, err := idx.ValueCopy(nil)
	if err != nil {
		return domain.Message{}, err
	}
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Message{}, fmt.Errorf("%w: message %s", errors.ErrNotFound, id)
	}
	if err != nil {
		return domain.Message{}, err
	}
	var m domain.Message
	err = item.Value(func(val []byte) error {
		m, err = decodeMessage(val, r.cipher)
		return err
	})
	return m, err
}

// RecentMessages walks the destination backwards from the newest key and
// returns the tail in chronological order.
func (r *BadgerRepository) RecentMessages(_ context.Context, dest domain.DestinationID, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var messages []domain.Message
	err := r.scanBackwards(dest, func(m domain.Message) bool {
		messages = append(messages, m)
		return len(messages) < limit
	})
	if err != nil {
		return nil, err
	}
	return lo.Reverse(messages), nil
}

// SearchMessages asks the index for candidates when one is configured and
// falls back to a reverse scan otherwise.
func (r *BadgerRepository) SearchMessages(ctx context.Context, dest domain.DestinationID, query string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	needle := normalize(query)
	if needle == "" {
		return nil, nil
	}
	if r.index != nil {
		found, err := r.searchIndex(ctx, dest, needle, limit)
		if err == nil {
			return found, nil
		}
		r.log.Warn("Search index query failed, scanning", "destination", dest, "error", err)
	}
	var found []domain.Message
	err := r.scanBackwards(dest, func(m domain.Message) bool {
		if !m.DeletedForEveryone && contains(m.Content, needle) {
			found = append(found, m)
		}
		return len(found) < limit
	})
	return found, err
}

// searchIndex keeps only index candidates whose decrypted content holds the
// needle, widening the candidate page until limit hits are found or the index
// runs dry.
func (r *BadgerRepository) searchIndex(ctx context.Context, dest domain.DestinationID, needle string, limit int) ([]domain.Message, error) {
	for fetch := limit; ; fetch *= 2 {
		ids, err := r.index.Search(ctx, dest, needle, fetch)
		if err != nil {
			return nil, err
		}
		candidates, err := r.messagesByID(dest, ids)
		if err != nil {
			return nil, err
		}
		found := lo.Filter(candidates, func(m domain.Message, _ int) bool {
			return !m.DeletedForEveryone && contains(m.Content, needle)
		})
		if len(found) >= limit || len(ids) < fetch {
			return found[:min(len(found), limit)], nil
		}
	}
}

func (r *BadgerRepository) messagesByID(dest domain.DestinationID, ids []uuid.UUID) ([]domain.Message, error) {
	messages := make([]domain.Message, 0, len(ids))
	err := r.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			m, err := r.lookup(txn, id)
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if m.DestinationID == dest {
				messages = append(messages, m)
			}
		}
		return nil
	})
	return messages, err
}

func (r *BadgerRepository) scanBackwards(dest domain.DestinationID, visit func(domain.Message) bool) error {
	prefix := destinationPrefix(dest)
	return r.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(append(bytes.Clone(prefix), seekEnd...)); it.ValidForPrefix(prefix); it.Next() {
			var m domain.Message
			err := it.Item().Value(func(val []byte) error {
				var err error
				m, err = decodeMessage(val, r.cipher)
				return err
			})
			if err != nil {
				return err
			}
			if !visit(m) {
				return nil
			}
		}
		return nil
	})
}

// Reindex feeds every stored message to the index. It is run at startup when
// the index lives in memory.
func (r *BadgerRepository) Reindex(ctx context.Context) (int, error) {
	if r.index == nil {
		return 0, nil
	}
	count := 0
	prefix := []byte(messagePrefix)
	err := r.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				m, err := decodeMessage(val, r.cipher)
				if err != nil {
					return err
				}
				count++
				return r.index.Index(m)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return count, err
}

func (r *BadgerRepository) ListChannels(_ context.Context) ([]domain.Channel, error) {
	var channels []domain.Channel
	err := r.each([]byte(channelPrefix), func(_ []byte, val []byte) error {
		var rec channelRecord
		if err := cbor.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("decode channel: %w", err)
		}
		channels = append(channels, domain.Channel{
			ID:          domain.DestinationID(rec.ID),
			Name:        rec.Name,
			Description: rec.Description,
		})
		return nil
	})
	return channels, err
}

func (r *BadgerRepository) SaveChannel(_ context.Context, ch domain.Channel) error {
	value, err := cbor.Marshal(channelRecord{ID: string(ch.ID), Name: ch.Name, Description: ch.Description})
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(channelPrefix+string(ch.ID)), value)
	})
}

func (r *BadgerRepository) AddMember(_ context.Context, channel domain.DestinationID, userID string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(memberPrefix+string(channel)+":"+userID), nil)
	})
}

func (r *BadgerRepository) CountMembers(_ context.Context, channel domain.DestinationID) (int, error) {
	count := 0
	prefix := []byte(memberPrefix + string(channel) + ":")
	err := r.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (r *BadgerRepository) GetUser(_ context.Context, id string) (domain.UserIdentity, error) {
	var rec userRecord
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.UserIdentity{}, fmt.Errorf("%w: user %s", errors.ErrNotFound, id)
	}
	if err != nil {
		return domain.UserIdentity{}, err
	}
	return domain.UserIdentity{
		ID:          rec.ID,
		Username:    rec.Username,
		DisplayName: rec.DisplayName,
		Email:       rec.Email,
		CreatedAt:   time.Unix(0, rec.CreatedAt).UTC(),
	}, nil
}

func (r *BadgerRepository) SaveUser(_ context.Context, u domain.UserIdentity) error {
	value, err := cbor.Marshal(userRecord{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		CreatedAt:   u.CreatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(userPrefix+u.ID), value)
	})
}

func (r *BadgerRepository) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}
	err := r.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(revokedPrefix + tokenID))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Revoke blacklists a token id until its expiry. The entry expires on its own.
func (r *BadgerRepository) Revoke(_ context.Context, tokenID string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(revokedPrefix+tokenID), nil).WithTTL(ttl))
	})
}

func (r *BadgerRepository) BannedWords(_ context.Context) ([]string, error) {
	var words []string
	err := r.each([]byte(blacklistPrefix), func(key []byte, _ []byte) error {
		words = append(words, strings.TrimPrefix(string(key), blacklistPrefix))
		return nil
	})
	return words, err
}

func (r *BadgerRepository) AddBannedWords(_ context.Context, words ...string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w == "" {
				continue
			}
			if err := txn.Set([]byte(blacklistPrefix+w), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *BadgerRepository) each(prefix []byte, visit func(key, val []byte) error) error {
	return r.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			if err := item.Value(func(val []byte) error { return visit(key, val) }); err != nil {
				return err
			}
		}
		return nil
	})
}
