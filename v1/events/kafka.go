package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

// DefaultKafkaTopic is the topic used by NewKafkaBus when none is given.
const DefaultKafkaTopic = "fairlock-events"

// KafkaBus implements Bus using a Kafka backend. All keys share one topic;
// the lock key is used as the message key so events for a key stay ordered
// within their partition.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string
	subs     *fanout

	mu     sync.Mutex
	pcs    []sarama.PartitionConsumer
	closed atomic.Bool
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fairerrors.Broker("dial", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return NewKafkaBusFromClients(producer, consumer, topic), nil
}

// NewKafkaBusFromClients wraps an existing producer and consumer. Both are
// closed by Close.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		subs:     newFanout(),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(_ context.Context, ev Event) error {
	if b.closed.Load() {
		return fairerrors.ErrConnectionClosed
	}
	data, err := encode(ev)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(ev.Key),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return fairerrors.Broker("publish", err)
	}
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscriber starts consuming
// every partition of the topic from the newest offset; the last one to leave
// stops it.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if b.closed.Load() {
		return nil, fairerrors.ErrConnectionClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, _ := b.subs.add(key)
	if b.pcs == nil {
		if err := b.startLocked(); err != nil {
			b.subs.remove(key, ch)
			return nil, fairerrors.Broker("subscribe", err)
		}
	}
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs.remove(key, ch)
		if b.subs.empty() {
			b.stopLocked()
		}
	}()
	return ch, nil
}

func (b *KafkaBus) startLocked() error {
	partitions, err := b.consumer.Partitions(b.topic)
	if err != nil {
		return err
	}
	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, opened := range pcs {
				_ = opened.Close()
			}
			return err
		}
		pcs = append(pcs, pc)
	}
	for _, pc := range pcs {
		go b.dispatch(pc)
	}
	b.pcs = pcs
	return nil
}

func (b *KafkaBus) stopLocked() {
	for _, pc := range b.pcs {
		if err := pc.Close(); err != nil {
			slog.Debug("fairlock: closing partition consumer", "topic", b.topic, "error", err)
		}
	}
	b.pcs = nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		ev, err := decode(msg.Value)
		if err != nil {
			slog.Warn("fairlock: dropping malformed event", "topic", msg.Topic, "partition", msg.Partition, "error", err)
			continue
		}
		b.subs.deliver(ev)
	}
}

// Close implements Bus.Close and releases the producer and consumer.
func (b *KafkaBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	b.stopLocked()
	b.mu.Unlock()
	b.subs.closeAll()
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
