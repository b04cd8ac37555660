package transport

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
)

// KafkaBus is the EventBus implementation backed by a Kafka synchronous
// producer. RequiredAcks=WaitForAll with the idempotent producer enabled
// gives the durable-write acknowledgement the publisher's retry policy
// assumes.
type KafkaBus struct {
	producer sarama.SyncProducer
	brokers  []string
}

// NewKafkaBus dials the given comma-separated broker list and returns a
// ready-to-publish bus. The publisher serializes one publish per worker;
// high single-connection throughput is not a goal (§4.5).
func NewKafkaBus(brokerList string) (*KafkaBus, error) {
	brokers := strings.Split(brokerList, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}

	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}

	return &KafkaBus{producer: producer, brokers: brokers}, nil
}

// Publish sends value on topic, partitioned by key, and blocks until the
// broker acknowledges the write or timeout elapses. sarama's SyncProducer
// has no native per-call deadline, so the send runs on its own goroutine
// and the timeout is enforced by the caller's context/timer.
func (b *KafkaBus) Publish(ctx context.Context, topic string, key string, value []byte, timeout time.Duration) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	type sendResult struct {
		err error
	}
	done := make(chan sendResult, 1)

	go func() {
		_, _, err := b.producer.SendMessage(msg)
		done <- sendResult{err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("publishing to topic %s: %w", topic, res.err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("publishing to topic %s: timed out after %s", topic, timeout)
	case <-ctx.Done():
		return fmt.Errorf("publishing to topic %s: %w", topic, ctx.Err())
	}
}

// Ping verifies brokers are reachable by asking for topic metadata. The
// check runs on its own goroutine so the caller waits no longer than
// timeout or ctx allows.
func (b *KafkaBus) Ping(ctx context.Context, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		client, err := sarama.NewClient(b.brokers, sarama.NewConfig())
		if err != nil {
			done <- fmt.Errorf("kafka ping: %w", err)
			return
		}
		defer client.Close()
		if err := client.RefreshMetadata(); err != nil {
			done <- fmt.Errorf("kafka ping: refreshing metadata: %w", err)
			return
		}
		done <- nil
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("kafka ping: timed out after %s", timeout)
	case <-ctx.Done():
		return fmt.Errorf("kafka ping: %w", ctx.Err())
	}
}

// Close releases the underlying producer connection.
func (b *KafkaBus) Close() error {
	return b.producer.Close()
}
