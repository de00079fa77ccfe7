package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/backoffice/internal/messaging/kafka"
)

type publishedEvent struct {
	topic string
	key   string
	value []byte
}

type fakeReplayPublisher struct {
	mu        sync.Mutex
	events    []publishedEvent
	failTimes int
	closed    bool
}

func (p *fakeReplayPublisher) PublishEvent(topic string, key string, event interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failTimes > 0 {
		p.failTimes--
		return errors.New("broker unavailable")
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.events = append(p.events, publishedEvent{topic: topic, key: key, value: raw})
	return nil
}

func (p *fakeReplayPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeReplayPublisher) published() []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]publishedEvent, len(p.events))
	copy(out, p.events)
	return out
}

type fakeReplayConsumer struct {
	messages []*sarama.ConsumerMessage
	handler  kafka.MessageHandler

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

func (c *fakeReplayConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	c.started = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		for _, msg := range c.messages {
			if ctx.Err() != nil {
				return
			}
			if err := c.handler(ctx, msg); errors.Is(err, errReplayBudgetExhausted) {
				return
			}
		}
	}()
	return nil
}

func (c *fakeReplayConsumer) Stop() error {
	c.mu.Lock()
	done := c.done
	c.stopped = true
	c.mu.Unlock()
	if done != nil {
		<-done
	}
	return nil
}

func consumerDLQRecord(t *testing.T, topic, key, value string) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"original_topic": topic,
		"original_key":   key,
		"original_value": value,
		"error_message":  "handler failed",
		"retry_count":    3,
	})
	if err != nil {
		t.Fatalf("marshal consumer dlq record: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: kafka.TopicDeadLetterQueue, Value: raw}
}

func outboxDLQRecord(t *testing.T, aggregateType, aggregateID string) *sarama.ConsumerMessage {
	t.Helper()
	inner, err := json.Marshal(outboxDLQPayload{
		OutboxID:      "outbox-1",
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     "order.placed",
		Payload:       json.RawMessage(`{"order_id":"o-1"}`),
	})
	if err != nil {
		t.Fatalf("marshal outbox dlq payload: %v", err)
	}
	raw, err := json.Marshal(outboxEnvelope{
		ID:            "dlq-1",
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     "outbox.dead_letter",
		Payload:       inner,
	})
	if err != nil {
		t.Fatalf("marshal outbox dlq envelope: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: kafka.TopicDeadLetterQueue, Value: raw}
}

func withReplayDependencies(t *testing.T, consumer *fakeReplayConsumer, publisher *fakeReplayPublisher) {
	t.Helper()

	prevConsumer := newReplayConsumer
	prevPublisher := newReplayPublisher
	t.Cleanup(func() {
		newReplayConsumer = prevConsumer
		newReplayPublisher = prevPublisher
	})

	newReplayConsumer = func(_ config, handler kafka.MessageHandler) (replayConsumer, error) {
		consumer.handler = handler
		return consumer, nil
	}
	newReplayPublisher = func([]string) (eventPublisher, error) {
		if publisher == nil {
			return nil, errors.New("publisher must not be created in dry-run")
		}
		return publisher, nil
	}
}

func testConfig(execute bool, limit int) config {
	return config{
		brokers:     []string{"localhost:9092"},
		groupID:     defaultReplayGroupID,
		sourceTopic: kafka.TopicDeadLetterQueue,
		targetTopic: kafka.TopicOrderEvents,
		limit:       limit,
		execute:     execute,
		idleTimeout: 200 * time.Millisecond,
	}
}

func TestRunExecuteReplaysThroughConsumerGroup(t *testing.T) {
	publisher := &fakeReplayPublisher{}
	consumer := &fakeReplayConsumer{
		messages: []*sarama.ConsumerMessage{
			consumerDLQRecord(t, "backoffice.order.events", "order-1", `{"event_type":"order.placed"}`),
			outboxDLQRecord(t, "product", "product-1"),
			{Topic: kafka.TopicDeadLetterQueue, Value: []byte("not json at all")},
		},
	}
	withReplayDependencies(t, consumer, publisher)

	if err := run(context.Background(), testConfig(true, 100)); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	events := publisher.published()
	if len(events) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(events))
	}
	if events[0].topic != "backoffice.order.events" || events[0].key != "order-1" {
		t.Fatalf("unexpected first replay: %+v", events[0])
	}
	if string(events[0].value) != `{"event_type":"order.placed"}` {
		t.Fatalf("replay must carry the original value, got %s", events[0].value)
	}
	if events[1].topic != kafka.TopicProductEvents {
		t.Fatalf("product aggregate must be routed to product topic, got %s", events[1].topic)
	}
	if !publisher.closed {
		t.Fatal("publisher must be closed after run")
	}
	if !consumer.stopped {
		t.Fatal("consumer must be stopped after run")
	}
}

func TestRunDryRunDoesNotPublish(t *testing.T) {
	consumer := &fakeReplayConsumer{
		messages: []*sarama.ConsumerMessage{
			consumerDLQRecord(t, "backoffice.order.events", "order-1", `{"event_type":"order.placed"}`),
		},
	}
	withReplayDependencies(t, consumer, nil)

	if err := run(context.Background(), testConfig(false, 100)); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !consumer.started || !consumer.stopped {
		t.Fatal("consumer must be started and stopped in dry-run")
	}
}

func TestReprocessorLimitStopsScan(t *testing.T) {
	rep := newReprocessor(testConfig(false, 1), nil)

	first := consumerDLQRecord(t, "backoffice.order.events", "order-1", `{"a":1}`)
	if err := rep.handle(context.Background(), first); err != nil {
		t.Fatalf("first message failed: %v", err)
	}

	select {
	case <-rep.done:
	default:
		t.Fatal("done must be closed once the limit is reached")
	}

	second := consumerDLQRecord(t, "backoffice.order.events", "order-2", `{"a":2}`)
	if err := rep.handle(context.Background(), second); !errors.Is(err, errReplayBudgetExhausted) {
		t.Fatalf("expected budget error past the limit, got %v", err)
	}

	scanned, replayed, _ := rep.snapshot()
	if scanned != 1 || replayed != 1 {
		t.Fatalf("scanned=%d replayed=%d, want 1/1", scanned, replayed)
	}
}

func TestReprocessorPublishFailureRefundsBudget(t *testing.T) {
	publisher := &fakeReplayPublisher{failTimes: 1}
	rep := newReprocessor(testConfig(true, 10), publisher)

	msg := consumerDLQRecord(t, "backoffice.order.events", "order-1", `{"a":1}`)
	if err := rep.handle(context.Background(), msg); err == nil {
		t.Fatal("expected publish error")
	}

	scanned, replayed, _ := rep.snapshot()
	if scanned != 0 || replayed != 0 {
		t.Fatalf("failed publish must not consume budget: scanned=%d replayed=%d", scanned, replayed)
	}

	if err := rep.handle(context.Background(), msg); err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
	scanned, replayed, _ = rep.snapshot()
	if scanned != 1 || replayed != 1 {
		t.Fatalf("scanned=%d replayed=%d after retry, want 1/1", scanned, replayed)
	}
}

func TestReprocessorCountsUnsupportedAsSkipped(t *testing.T) {
	rep := newReprocessor(testConfig(true, 10), &fakeReplayPublisher{})

	garbage := &sarama.ConsumerMessage{Value: []byte("not json at all")}
	if err := rep.handle(context.Background(), garbage); err != nil {
		t.Fatalf("unsupported message must be acknowledged, got %v", err)
	}

	scanned, replayed, skipped := rep.snapshot()
	if scanned != 1 || replayed != 0 || skipped != 1 {
		t.Fatalf("scanned=%d replayed=%d skipped=%d, want 1/0/1", scanned, replayed, skipped)
	}
}

func TestReprocessorWaitStopsWhenIdle(t *testing.T) {
	rep := newReprocessor(testConfig(false, 10), nil)

	start := time.Now()
	rep.wait(context.Background())
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("wait returned too early: %v", elapsed)
	}
}

func TestExtractReplayMessage(t *testing.T) {
	t.Run("consumer record keeps original topic", func(t *testing.T) {
		msg := consumerDLQRecord(t, "custom.topic", "key-1", `{"x":1}`)
		replay, ok, err := extractReplayMessage(msg, kafka.TopicOrderEvents)
		if err != nil || !ok {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
		if replay.topic != "custom.topic" || replay.key != "key-1" || string(replay.value) != `{"x":1}` {
			t.Fatalf("unexpected replay: %+v", replay)
		}
	})

	t.Run("consumer record without topic falls back", func(t *testing.T) {
		msg := consumerDLQRecord(t, "", "key-1", `{"x":1}`)
		replay, ok, err := extractReplayMessage(msg, kafka.TopicOrderEvents)
		if err != nil || !ok {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
		if replay.topic != kafka.TopicOrderEvents {
			t.Fatalf("expected fallback topic, got %s", replay.topic)
		}
	})

	t.Run("outbox record rebuilds envelope", func(t *testing.T) {
		msg := outboxDLQRecord(t, "order", "o-7")
		replay, ok, err := extractReplayMessage(msg, "fallback.topic")
		if err != nil || !ok {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
		if replay.topic != kafka.TopicOrderEvents {
			t.Fatalf("order aggregate must go to order topic, got %s", replay.topic)
		}
		if replay.key != "o-7" {
			t.Fatalf("unexpected key: %s", replay.key)
		}

		var envelope replayEnvelope
		if err := json.Unmarshal(replay.value, &envelope); err != nil {
			t.Fatalf("decode replay envelope: %v", err)
		}
		if envelope.ID != "outbox-1" || envelope.EventType != "order.placed" {
			t.Fatalf("unexpected envelope: %+v", envelope)
		}
		if !strings.Contains(string(envelope.Payload), "o-1") {
			t.Fatalf("envelope must carry the original payload, got %s", envelope.Payload)
		}
	})

	t.Run("garbage is not replayable", func(t *testing.T) {
		msg := &sarama.ConsumerMessage{Value: []byte("not json")}
		if _, ok, err := extractReplayMessage(msg, "fallback"); ok || err != nil {
			t.Fatalf("ok=%v err=%v, want false/nil", ok, err)
		}
	})

	t.Run("broken outbox payload reports error", func(t *testing.T) {
		raw, err := json.Marshal(outboxEnvelope{
			ID:      "dlq-1",
			Payload: json.RawMessage(`"not an object"`),
		})
		if err != nil {
			t.Fatal(err)
		}
		msg := &sarama.ConsumerMessage{Value: raw}
		if _, _, err := extractReplayMessage(msg, "fallback"); err == nil {
			t.Fatal("expected decode error")
		}
	})
}

func TestTopicForAggregate(t *testing.T) {
	if got := topicForAggregate("order", "fb"); got != kafka.TopicOrderEvents {
		t.Fatalf("order -> %s", got)
	}
	if got := topicForAggregate("product", "fb"); got != kafka.TopicProductEvents {
		t.Fatalf("product -> %s", got)
	}
	if got := topicForAggregate("unknown", "fb"); got != "fb" {
		t.Fatalf("unknown -> %s", got)
	}
}

func TestParseBrokers(t *testing.T) {
	brokers := parseBrokers(" kafka-1:9092 ,, kafka-2:9092 ")
	if len(brokers) != 2 || brokers[0] != "kafka-1:9092" || brokers[1] != "kafka-2:9092" {
		t.Fatalf("unexpected brokers: %v", brokers)
	}
	if got := parseBrokers(""); len(got) != 0 {
		t.Fatalf("empty input must yield no brokers, got %v", got)
	}
}

func TestReadConfig(t *testing.T) {
	readWithArgs := func(t *testing.T, args ...string) (config, error) {
		t.Helper()

		prevCommandLine := flag.CommandLine
		prevArgs := os.Args
		t.Cleanup(func() {
			flag.CommandLine = prevCommandLine
			os.Args = prevArgs
		})

		flag.CommandLine = flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
		os.Args = append([]string{"dlq-reprocess"}, args...)
		return readConfig()
	}

	t.Run("defaults", func(t *testing.T) {
		cfg, err := readWithArgs(t, "-brokers", "localhost:9092")
		if err != nil {
			t.Fatalf("readConfig failed: %v", err)
		}
		if cfg.groupID != defaultReplayGroupID {
			t.Fatalf("group = %s", cfg.groupID)
		}
		if cfg.sourceTopic != kafka.TopicDeadLetterQueue || cfg.targetTopic != kafka.TopicOrderEvents {
			t.Fatalf("unexpected topics: %s -> %s", cfg.sourceTopic, cfg.targetTopic)
		}
		if cfg.limit != defaultReplayLimit || cfg.execute {
			t.Fatalf("unexpected limit/execute: %d/%v", cfg.limit, cfg.execute)
		}
	})

	t.Run("brokers from env", func(t *testing.T) {
		t.Setenv("KAFKA_BROKERS", "env-broker:9092")
		cfg, err := readWithArgs(t)
		if err != nil {
			t.Fatalf("readConfig failed: %v", err)
		}
		if len(cfg.brokers) != 1 || cfg.brokers[0] != "env-broker:9092" {
			t.Fatalf("unexpected brokers: %v", cfg.brokers)
		}
	})

	t.Run("validation", func(t *testing.T) {
		t.Setenv("KAFKA_BROKERS", "")
		cases := map[string][]string{
			"missing brokers": {},
			"bad limit":       {"-brokers", "b:9092", "-limit", "0"},
			"bad idle":        {"-brokers", "b:9092", "-idle-timeout", "0s"},
			"empty group":     {"-brokers", "b:9092", "-group", " "},
			"empty source":    {"-brokers", "b:9092", "-source-topic", " "},
		}
		for name, args := range cases {
			if _, err := readWithArgs(t, args...); err == nil {
				t.Fatalf("%s: expected error", name)
			}
		}
	})
}
