package chatstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pborman/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/mqy/chatrelay/wire"
)

var (
	msgBucket  = []byte("messages")
	roomBucket = []byte("rooms")
)

// boltStore implements `API` on an embedded bbolt file. It backs standalone
// and dev deployments where running MySQL is not worth it; the semantics are
// identical.
//
// Layout: `messages` maps id -> json(message); `rooms` holds one sub-bucket
// per room id mapping (created_at BE64 | message id) -> message id, so a
// conversation reads newest-first with a backward cursor.
type boltStore struct {
	db *bolt.DB
}

func NewBoltStore(path string) (API, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(msgBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(roomBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltStore{db: db}, nil
}

func roomKey(msg *wire.Message) []byte {
	key := make([]byte, 8+len(msg.ID))
	binary.BigEndian.PutUint64(key, uint64(msg.CreatedAt))
	copy(key[8:], msg.ID)
	return key
}

func (s *boltStore) SendMessage(ctx context.Context, senderID, receiverID, content, msgType string) (*wire.Message, error) {
	msg := &wire.Message{
		ID:          strings.ReplaceAll(uuid.New(), "-", ""),
		SenderID:    senderID,
		ReceiverID:  receiverID,
		Content:     content,
		MessageType: msgType,
		Status:      wire.StatusSent,
		CreatedAt:   time.Now().Unix(),
	}
	if err := s.SaveMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *boltStore) SaveMessage(_ context.Context, msg *wire.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("chatstore: message id is required")
	}
	m := *msg
	if m.Status == "" {
		m.Status = wire.StatusSent
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(msgBucket)
		if msgs.Get([]byte(m.ID)) != nil {
			// Replayed by the persistence pipeline: already landed.
			return nil
		}
		value, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		if err := msgs.Put([]byte(m.ID), value); err != nil {
			return err
		}

		room, err := tx.Bucket(roomBucket).CreateBucketIfNotExists([]byte(wire.RoomID(m.SenderID, m.ReceiverID)))
		if err != nil {
			return err
		}
		return room.Put(roomKey(&m), []byte(m.ID))
	})
}

func (s *boltStore) GetMessages(_ context.Context, userA, userB string, page, pageSize int) ([]*wire.Message, error) {
	if page < 1 {
		page = 1
	}
	skip := (page - 1) * pageSize

	var out []*wire.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		room := tx.Bucket(roomBucket).Bucket([]byte(wire.RoomID(userA, userB)))
		if room == nil {
			return nil
		}
		msgs := tx.Bucket(msgBucket)

		c := room.Cursor()
		i := 0
		for k, id := c.Last(); k != nil && len(out) < pageSize; k, id = c.Prev() {
			if i < skip {
				i++
				continue
			}
			value := msgs.Get(id)
			if value == nil {
				continue
			}
			var m wire.Message
			if err := json.Unmarshal(value, &m); err != nil {
				return err
			}
			out = append(out, &m)
		}
		return nil
	})
	return out, err
}

// advance loads a message and applies the monotone status machine to it.
// Stale or repeated transitions leave the row untouched.
func (s *boltStore) advance(id, next string, guard func(*wire.Message) bool) (*wire.Message, error) {
	var out *wire.Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		msgs := tx.Bucket(msgBucket)
		value := msgs.Get([]byte(id))
		if value == nil {
			return ErrNotFound
		}
		var m wire.Message
		if err := json.Unmarshal(value, &m); err != nil {
			return err
		}
		out = &m

		if guard != nil && !guard(&m) {
			return nil
		}
		status, advanced := wire.AdvanceStatus(m.Status, next)
		if !advanced {
			return nil
		}
		m.Status = status
		updated, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		return msgs.Put([]byte(id), updated)
	})
	return out, err
}

func (s *boltStore) MarkDelivered(_ context.Context, messageID string) (*wire.Message, error) {
	return s.advance(messageID, wire.StatusDelivered, nil)
}

func (s *boltStore) MarkRead(_ context.Context, messageID, readerID string) (*wire.Message, error) {
	return s.advance(messageID, wire.StatusRead, func(m *wire.Message) bool {
		return m.ReceiverID == readerID
	})
}

func (s *boltStore) MarkConversationRead(_ context.Context, readerID, senderID string) ([]*wire.Message, error) {
	var out []*wire.Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		room := tx.Bucket(roomBucket).Bucket([]byte(wire.RoomID(readerID, senderID)))
		if room == nil {
			return nil
		}
		msgs := tx.Bucket(msgBucket)

		return room.ForEach(func(_, id []byte) error {
			value := msgs.Get(id)
			if value == nil {
				return nil
			}
			var m wire.Message
			if err := json.Unmarshal(value, &m); err != nil {
				return err
			}
			if m.ReceiverID != readerID || m.SenderID != senderID || m.Status == wire.StatusRead {
				return nil
			}
			m.Status = wire.StatusRead
			updated, err := json.Marshal(&m)
			if err != nil {
				return err
			}
			if err := msgs.Put([]byte(m.ID), updated); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	return out, err
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
