package persist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/segmentio/kafka-go"

	mock_chatstore "github.com/mqy/chatrelay/chatstore/mock"
	mock_persist "github.com/mqy/chatrelay/persist/mock"
	"github.com/mqy/chatrelay/wire"
)

func TestConsumeLoop(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	storeMock := mock_chatstore.NewMockAPI(mockCtrl)
	kafkaMock := mock_persist.NewMockIKafkaReader(mockCtrl)

	a := NewArchiver(storeMock, kafkaMock, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := []kafka.Message{
		{Offset: 1, Value: []byte(`{"id":"m1","sender_id":"alice","receiver_id":"bob","content":"hi","created_at":100}`)},
		{Offset: 2, Value: []byte(`not json`)},
		{Offset: 3, Value: []byte(`{"content":"missing ids"}`)},
	}
	var next int

	kafkaMock.EXPECT().Close().Times(1)

	kafkaMock.EXPECT().FetchMessage(gomock.Any()).DoAndReturn(func(ctx context.Context) (kafka.Message, error) {
		if next < len(feed) {
			km := feed[next]
			next++
			return km, nil
		}
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}).AnyTimes()

	var mu sync.Mutex
	var saved []*wire.Message
	storeMock.EXPECT().SaveMessage(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, msg *wire.Message) error {
		mu.Lock()
		saved = append(saved, msg)
		mu.Unlock()
		return nil
	}).Times(1)

	var committed []int64
	kafkaMock.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, kms ...kafka.Message) error {
		mu.Lock()
		for _, km := range kms {
			committed = append(committed, km.Offset)
		}
		mu.Unlock()
		return nil
	}).Times(3)

	stopDoneC := make(chan struct{}, 1)
	go a.Run(ctx, stopDoneC)

	// wait until every fed message was committed
	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(committed)
		mu.Unlock()
		if n == len(feed) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("committed %d of %d messages", n, len(feed))
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-stopDoneC:
	case <-time.After(5 * time.Second):
		t.Fatalf("archiver did not stop")
	}

	if len(saved) != 1 || saved[0].ID != "m1" {
		t.Fatalf("unexpected saved messages: %+v", saved)
	}
	// undecodable messages are committed anyway: redelivering garbage is useless
	if committed[0] != 1 || committed[1] != 2 || committed[2] != 3 {
		t.Fatalf("unexpected commit order: %v", committed)
	}
}

func TestSaveWithRetry(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	storeMock := mock_chatstore.NewMockAPI(mockCtrl)
	a := NewArchiver(storeMock, nil, 1024)

	calls := 0
	storeMock.EXPECT().SaveMessage(gomock.Any(), gomock.Any()).DoAndReturn(func(context.Context, *wire.Message) error {
		calls++
		if calls < 3 {
			return context.DeadlineExceeded
		}
		return nil
	}).Times(3)

	msg := &wire.Message{ID: "m1", SenderID: "alice", ReceiverID: "bob"}
	if ok := a.saveWithRetry(context.Background(), msg); !ok {
		t.Fatalf("saveWithRetry gave up")
	}
	if calls != 3 {
		t.Fatalf("want 3 attempts, got %d", calls)
	}
}

func TestDecodeKafkaMsg(t *testing.T) {
	a := NewArchiver(nil, nil, 16)

	if msg := a.decodeKafkaMsg(&kafka.Message{Value: make([]byte, 17)}); msg != nil {
		t.Fatalf("oversized value accepted")
	}
	a.valueMaxBytes = 1024
	if msg := a.decodeKafkaMsg(&kafka.Message{Value: []byte(`{`)}); msg != nil {
		t.Fatalf("bad json accepted")
	}
	if msg := a.decodeKafkaMsg(&kafka.Message{Value: []byte(`{"id":"m1"}`)}); msg != nil {
		t.Fatalf("incomplete message accepted")
	}
	msg := a.decodeKafkaMsg(&kafka.Message{Value: []byte(`{"id":"m1","sender_id":"a","receiver_id":"b"}`)})
	if msg == nil || msg.ID != "m1" {
		t.Fatalf("valid message rejected")
	}
}

func TestBackoff(t *testing.T) {
	var d time.Duration
	backoff(&d)
	if d != BackoffMinInterval {
		t.Fatalf("first backoff: %v", d)
	}
	prev := d
	for i := 0; i < 20; i++ {
		backoff(&d)
		if d < prev {
			t.Fatalf("backoff shrank: %v -> %v", prev, d)
		}
		prev = d
	}
	if d != BackoffMaxInterval {
		t.Fatalf("backoff never clamped: %v", d)
	}
}
