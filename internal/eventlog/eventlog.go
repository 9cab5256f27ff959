// Package eventlog provides the durable partitioned event log between
// services: JetStream streams with one subject per partition and durable
// pull consumers with manual ack. Keys hash to partitions the same way for
// every producer, so per-key ordering survives across publishers.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

// Topics. Partition counts are part of the contract: consumers key their
// parallelism off them.
const (
	TopicDetections        = "detections"
	TopicDetectionsBilling = "detections_billing"
	TopicIdentities        = "identities"
	TopicAlerts            = "alerts"
)

const retention = 24 * time.Hour

var partitionCounts = map[string]int{
	TopicDetections:        8,
	TopicDetectionsBilling: 8,
	TopicIdentities:        8,
	TopicAlerts:            3,
}

var streamNames = map[string]string{
	TopicDetections:        "TRINETRA_DETECTIONS",
	TopicDetectionsBilling: "TRINETRA_DETECTIONS_BILLING",
	TopicIdentities:        "TRINETRA_IDENTITIES",
	TopicAlerts:            "TRINETRA_ALERTS",
}

// Partitions returns the partition count for a topic.
func Partitions(topic string) int {
	if n, ok := partitionCounts[topic]; ok {
		return n
	}
	return 1
}

// Partition maps a key onto a partition with FNV-1a, the stable equivalent
// of a Kafka key partitioner.
func Partition(topic, key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(Partitions(topic)))
}

// Subject returns the partitioned subject a keyed record lands on.
func Subject(topic, key string) string {
	return topic + "." + strconv.Itoa(Partition(topic, key))
}

// Log is a connection to the event log brokers.
type Log struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials the brokers and binds a JetStream context.
func Connect(url string) (*Log, error) {
	nc, err := nats.Connect(url,
		nats.Name("trinetra"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect event log: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bind jetstream: %w", err)
	}
	return &Log{nc: nc, js: js}, nil
}

// Close drains the connection so buffered publishes are flushed.
func (l *Log) Close() {
	l.nc.Drain()
}

// EnsureTopics creates the backing streams. Idempotent.
func (l *Log) EnsureTopics(topics ...string) error {
	for _, topic := range topics {
		name, ok := streamNames[topic]
		if !ok {
			return fmt.Errorf("unknown topic %q", topic)
		}
		_, err := l.js.AddStream(&nats.StreamConfig{
			Name:      name,
			Subjects:  []string{topic + ".*"},
			Retention: nats.LimitsPolicy,
			MaxAge:    retention,
			Storage:   nats.FileStorage,
		})
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("ensure topic %s: %w", topic, err)
		}
	}
	return nil
}

// Publish appends one keyed record and waits for the stream ack, retrying
// with linear backoff up to maxRetries before giving up.
func (l *Log) Publish(ctx context.Context, topic, key string, payload []byte, maxRetries int) error {
	subj := Subject(topic, key)
	var err error
	for i := 0; i <= maxRetries; i++ {
		_, err = l.js.Publish(subj, payload, nats.Context(ctx))
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
		}
	}
	return fmt.Errorf("publish to %s failed after %d retries: %w", subj, maxRetries, err)
}

// Message is one consumed record. The consumer group's offset only advances
// when Ack is called; Nak schedules redelivery.
type Message struct {
	Topic   string
	Subject string
	Data    []byte
	msg     *nats.Msg
}

func (m *Message) Ack() error {
	return m.msg.Ack()
}

func (m *Message) Nak(delay time.Duration) error {
	return m.msg.NakWithDelay(delay)
}

// Consumer is a durable pull consumer: the JetStream equivalent of a Kafka
// consumer group member with manual offset commit.
type Consumer struct {
	topic string
	sub   *nats.Subscription
}

// Subscribe joins (or creates) the durable group on a topic, reading all
// partitions. Multiple processes sharing the group split the partitions.
func (l *Log) Subscribe(topic, group string) (*Consumer, error) {
	name, ok := streamNames[topic]
	if !ok {
		return nil, fmt.Errorf("unknown topic %q", topic)
	}
	sub, err := l.js.PullSubscribe(topic+".*", group,
		nats.BindStream(name),
		nats.ManualAck(),
		nats.AckWait(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s as %s: %w", topic, group, err)
	}
	return &Consumer{topic: topic, sub: sub}, nil
}

// Fetch returns up to count messages, waiting up to block for the first one.
// A wait timeout is not an error.
func (c *Consumer) Fetch(count int, block time.Duration) ([]*Message, error) {
	msgs, err := c.sub.Fetch(count, nats.MaxWait(block))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch %s: %w", c.topic, err)
	}
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &Message{Topic: c.topic, Subject: m.Subject, Data: m.Data, msg: m})
	}
	return out, nil
}

// Pending returns the consumer lag (records not yet delivered to the group).
func (c *Consumer) Pending() (uint64, error) {
	info, err := c.sub.ConsumerInfo()
	if err != nil {
		return 0, err
	}
	return info.NumPending, nil
}

// Close stops fetching. The durable consumer stays on the server so a
// restarted process resumes at the same offset; Unsubscribe would delete it.
func (c *Consumer) Close() {
	log.Printf("[INFO] EventLog: consumer for %s closed, durable state retained", c.topic)
}
