package chatstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/chatrelay/wire"
)

// see schema.sql for the table definition.
const (
	insertMessageSQL = "INSERT INTO messages (id,room_id,sender_id,receiver_id,content,message_type,status,created_at) " +
		"VALUES (?,?,?,?,?,?,?,?)"
	getMessageSQL = "SELECT id,sender_id,receiver_id,content,message_type,status,created_at " +
		"FROM messages WHERE id=?"
	getMessagesSQL = "SELECT id,sender_id,receiver_id,content,message_type,status,created_at " +
		"FROM messages WHERE room_id=? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	markDeliveredSQL = "UPDATE messages SET status='delivered' WHERE id=? AND status='sent'"
	markReadSQL      = "UPDATE messages SET status='read' WHERE id=? AND receiver_id=? AND status<>'read'"
	unreadIdsSQL     = "SELECT id FROM messages WHERE receiver_id=? AND sender_id=? AND status<>'read'"
	markConvReadSQL  = "UPDATE messages SET status='read' WHERE receiver_id=? AND sender_id=? AND status<>'read'"
)

// mysqlStore implements `API` on MySQL.
type mysqlStore struct {
	*sql.DB
}

func NewMysqlStore(db *sql.DB) API {
	return &mysqlStore{db}
}

func (s *mysqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *mysqlStore) IsDupKeyError(err error) bool {
	if val, ok := err.(*mysql.MySQLError); ok {
		return val.Number == 1062
	}
	return false
}

func (s *mysqlStore) SendMessage(ctx context.Context, senderID, receiverID, content, msgType string) (*wire.Message, error) {
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

func (s *mysqlStore) SaveMessage(ctx context.Context, msg *wire.Message) error {
	roomID := wire.RoomID(msg.SenderID, msg.ReceiverID)
	status := msg.Status
	if status == "" {
		status = wire.StatusSent
	}
	_, err := s.ExecContext(ctx, insertMessageSQL,
		msg.ID, roomID, msg.SenderID, msg.ReceiverID, msg.Content, msg.MessageType, status, msg.CreatedAt)
	if err != nil {
		// The persistence pipeline replays uncommitted work after a crash;
		// a primary key hit just means this message already landed.
		if s.IsDupKeyError(err) {
			glog.V(5).Infof("save message: already saved, id: %s", msg.ID)
			return nil
		}
		return err
	}
	return nil
}

func (s *mysqlStore) getMessage(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}, id string) (*wire.Message, error) {
	var m wire.Message
	row := q.QueryRowContext(ctx, getMessageSQL, id)
	if err := row.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.MessageType, &m.Status, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		glog.Errorf("get message scan err: %v", err)
		return nil, err
	}
	return &m, nil
}

func (s *mysqlStore) GetMessages(ctx context.Context, userA, userB string, page, pageSize int) ([]*wire.Message, error) {
	if page < 1 {
		page = 1
	}
	roomID := wire.RoomID(userA, userB)

	rows, err := s.QueryContext(ctx, getMessagesSQL, roomID, pageSize, (page-1)*pageSize)
	if err != nil {
		glog.Errorf("get messages query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []*wire.Message
	for rows.Next() {
		var m wire.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.MessageType, &m.Status, &m.CreatedAt); err != nil {
			glog.Errorf("get messages scan err: %v", err)
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *mysqlStore) MarkDelivered(ctx context.Context, messageID string) (*wire.Message, error) {
	var out *wire.Message
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, markDeliveredSQL, messageID); err != nil {
			return err
		}
		m, err := s.getMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (s *mysqlStore) MarkRead(ctx context.Context, messageID, readerID string) (*wire.Message, error) {
	var out *wire.Message
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, markReadSQL, messageID, readerID); err != nil {
			return err
		}
		m, err := s.getMessage(ctx, tx, messageID)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (s *mysqlStore) MarkConversationRead(ctx context.Context, readerID, senderID string) ([]*wire.Message, error) {
	var out []*wire.Message
	err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, unreadIdsSQL, readerID, senderID)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, markConvReadSQL, readerID, senderID); err != nil {
			return err
		}
		for _, id := range ids {
			m, err := s.getMessage(ctx, tx, id)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	return out, err
}

func (s *mysqlStore) Close() error {
	return s.DB.Close()
}
