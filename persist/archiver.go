package persist

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"

	"github.com/mqy/chatrelay/chatstore"
	"github.com/mqy/chatrelay/wire"
)

const (
	kafkaReadTimeout = 10 * time.Second

	BackoffMinInterval = 1 * time.Second
	BackoffMaxInterval = 60 * time.Second
	BackoffMultiplier  = 1.5
)

// Archiver consumes the archive topic and lands messages in the chat store.
// There MUST be exactly one consumer group per store: the store's idempotent
// save makes redelivery after an uncommitted crash harmless.
type Archiver struct {
	store         chatstore.API
	kafkaReader   IKafkaReader
	valueMaxBytes int
	wg            sync.WaitGroup
}

func NewArchiver(store chatstore.API, kafkaReader IKafkaReader, valueMaxBytes int) *Archiver {
	return &Archiver{
		store:         store,
		kafkaReader:   kafkaReader,
		valueMaxBytes: valueMaxBytes,
	}
}

// NewKafkaReader builds the reader the archiver consumes from.
func NewKafkaReader(brokers []string, groupID, topic string) IKafkaReader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		GroupID: groupID,
		Topic:   topic,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	})
}

// Run consumes until ctx is canceled, then drains and notifies.
func (a *Archiver) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("archiver: starting")

	go a.consumeLoop(ctx)

	<-ctx.Done()

	glog.Info("archiver: stopping")
	_ = a.kafkaReader.Close() // slow: take several seconds

	a.wg.Wait()

	glog.Info("archiver: stopped")
	stopDoneNotifyC <- struct{}{}
}

// consumeLoop is the main loop of this package: fetch, save, commit, with
// multiplicative backoff on every failing edge. An uncommitted message is
// fetched again later; the store's SaveMessage treats the replay as a no-op.
func (a *Archiver) consumeLoop(ctx context.Context) {
	glog.Info("archiver: consume loop enter")
	a.wg.Add(1)

	defer func() {
		glog.Info("archiver: consume loop exited")
		a.wg.Done()
	}()

	var sleep time.Duration

	for {
		glog.V(5).Info("archiver: fetching message ...")
		km, err := a.kafkaReader.FetchMessage(ctx)
		if err != nil {
			glog.Errorf("archiver: fetch from kafka err: %v", err)
			if err == context.Canceled {
				return
			}
			backoff(&sleep)
			select {
			case <-time.After(sleep):
				continue
			case <-ctx.Done():
				return
			}
		}
		sleep = 0

		msg := a.decodeKafkaMsg(&km)
		if msg != nil {
			if !a.saveWithRetry(ctx, msg) {
				return
			}
		}

		if !a.commitWithRetry(ctx, km) {
			return
		}
	}
}

// saveWithRetry persists msg, retrying with backoff until it lands or ctx
// is canceled. Returns false on cancel.
func (a *Archiver) saveWithRetry(ctx context.Context, msg *wire.Message) bool {
	var sleep time.Duration
	for {
		glog.V(5).Infof("archiver: saving %s", msg.ID)
		err := a.store.SaveMessage(ctx, msg)
		if err == nil {
			return true
		}
		glog.Errorf("archiver: save message err, id: %s, err: %v", msg.ID, err)
		if err == context.Canceled {
			return false
		}
		backoff(&sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return false
		}
	}
}

// commitWithRetry commits the kafka offset. If this never succeeds the
// message is fetched again after restart and deduplicated by the store.
func (a *Archiver) commitWithRetry(ctx context.Context, km kafka.Message) bool {
	var sleep time.Duration
	for {
		err := a.kafkaReader.CommitMessages(ctx, km)
		if err == nil {
			return true
		}
		glog.Errorf("archiver: commit to kafka err: %v", err)
		if err == context.Canceled {
			return false
		}
		backoff(&sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return false
		}
	}
}

func backoff(d *time.Duration) {
	if *d == 0 {
		*d = BackoffMinInterval
	} else {
		*d = time.Duration(float64(*d) * BackoffMultiplier)
		if *d < BackoffMaxInterval {
			*d = d.Truncate(time.Millisecond)
		} else {
			*d = BackoffMaxInterval
		}
	}
}

func (a *Archiver) decodeKafkaMsg(km *kafka.Message) *wire.Message {
	if a.valueMaxBytes > 0 && len(km.Value) > a.valueMaxBytes {
		glog.Errorf("archiver: kafka value out of limit, offset: %d", km.Offset)
		return nil
	}
	var msg wire.Message
	if err := json.Unmarshal(km.Value, &msg); err != nil {
		glog.Errorf("archiver: failed to unmarshal kafka msg value: `%s`, error: %v", km.Value, err)
		return nil
	}
	if msg.ID == "" || msg.SenderID == "" || msg.ReceiverID == "" {
		glog.Errorf("archiver: discard incomplete message, offset: %d", km.Offset)
		return nil
	}
	return &msg
}
