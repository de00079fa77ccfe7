package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/backoffice/internal/messaging/kafka"
)

const (
	defaultReplayLimit   = 100
	defaultIdleTimeout   = 2 * time.Second
	defaultReplayGroupID = "backoffice-dlq-reprocess"
	replayPollInterval   = 100 * time.Millisecond
)

// errReplayBudgetExhausted возвращается handler'ом после достижения лимита:
// сообщение остается незакоммиченным и будет обработано следующим запуском.
var errReplayBudgetExhausted = errors.New("replay budget exhausted")

type config struct {
	brokers     []string
	groupID     string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	idleTimeout time.Duration
}

type replayMessage struct {
	topic string
	key   string
	value []byte
}

type consumerDLQPayload struct {
	OriginalTopic string `json:"original_topic"`
	OriginalKey   string `json:"original_key"`
	OriginalValue string `json:"original_value"`
}

type outboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

type outboxDLQPayload struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
}

type replayEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

type eventPublisher interface {
	PublishEvent(topic string, key string, event interface{}) error
	Close() error
}

type replayConsumer interface {
	Start(ctx context.Context) error
	Stop() error
}

var newReplayPublisher = func(brokers []string) (eventPublisher, error) {
	return kafka.NewProducer(brokers)
}

var newReplayConsumer = func(cfg config, handler kafka.MessageHandler) (replayConsumer, error) {
	// DLQ переигрывается с начала topic'а, прогресс фиксируется offset'ами группы
	return kafka.NewConsumer(
		cfg.brokers,
		cfg.groupID,
		[]string{cfg.sourceTopic},
		handler,
		kafka.WithInitialOffset(sarama.OffsetOldest),
	)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	cfg, err := readConfig()
	if err != nil {
		fail("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readConfig() (config, error) {
	var (
		brokersRaw string
		cfg        config
	)

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: KAFKA_BROKERS)")
	flag.StringVar(&cfg.groupID, "group", defaultReplayGroupID, "consumer group id used to track replay progress")
	flag.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "DLQ source topic")
	flag.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "fallback target topic when a record carries none")
	flag.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan/replay")
	flag.BoolVar(&cfg.execute, "execute", false, "execute replay; default is dry-run")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop after this long without new messages")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("KAFKA_BROKERS")
	}

	cfg.brokers = parseBrokers(brokersRaw)
	if len(cfg.brokers) == 0 {
		return config{}, fmt.Errorf("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	}
	if strings.TrimSpace(cfg.groupID) == "" {
		return config{}, fmt.Errorf("group is required")
	}
	if strings.TrimSpace(cfg.sourceTopic) == "" {
		return config{}, fmt.Errorf("source-topic is required")
	}
	if strings.TrimSpace(cfg.targetTopic) == "" {
		return config{}, fmt.Errorf("target-topic is required")
	}
	if cfg.limit <= 0 {
		return config{}, fmt.Errorf("limit must be > 0")
	}
	if cfg.idleTimeout <= 0 {
		return config{}, fmt.Errorf("idle-timeout must be > 0")
	}

	return cfg, nil
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		broker := strings.TrimSpace(chunk)
		if broker == "" {
			continue
		}
		brokers = append(brokers, broker)
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"group":        cfg.groupID,
		"source_topic": cfg.sourceTopic,
		"target_topic": cfg.targetTopic,
		"limit":        cfg.limit,
		"execute":      cfg.execute,
	}).Info("starting dlq replay")

	var publisher eventPublisher
	if cfg.execute {
		created, err := newReplayPublisher(cfg.brokers)
		if err != nil {
			return fmt.Errorf("create replay publisher: %w", err)
		}
		publisher = created
		defer func() { _ = publisher.Close() }()
	}

	rep := newReprocessor(cfg, publisher)

	consumer, err := newReplayConsumer(cfg, rep.handle)
	if err != nil {
		return fmt.Errorf("create replay consumer: %w", err)
	}

	if err := consumer.Start(ctx); err != nil {
		return fmt.Errorf("start replay consumer: %w", err)
	}

	rep.wait(ctx)

	if err := consumer.Stop(); err != nil {
		return fmt.Errorf("stop replay consumer: %w", err)
	}

	scanned, replayed, skipped := rep.snapshot()
	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  scanned,
		"replayed": replayed,
		"skipped":  skipped,
	}).Info("dlq replay finished")

	return nil
}

// reprocessor превращает записи DLQ обратно в события и считает статистику прохода
type reprocessor struct {
	cfg       config
	publisher eventPublisher
	logger    *log.Entry

	mu           sync.Mutex
	scanned      int
	replayed     int
	skipped      int
	lastActivity time.Time

	done     chan struct{}
	doneOnce sync.Once
}

func newReprocessor(cfg config, publisher eventPublisher) *reprocessor {
	return &reprocessor{
		cfg:          cfg,
		publisher:    publisher,
		logger:       log.WithField("component", "dlq-reprocess"),
		lastActivity: time.Now(),
		done:         make(chan struct{}),
	}
}

// handle реализует kafka.MessageHandler для записей DLQ
func (r *reprocessor) handle(_ context.Context, msg *sarama.ConsumerMessage) error {
	r.mu.Lock()
	if r.scanned >= r.cfg.limit {
		r.mu.Unlock()
		// Сообщение сверх лимита остается незакоммиченным
		return errReplayBudgetExhausted
	}
	r.scanned++
	r.lastActivity = time.Now()
	reachedLimit := r.scanned >= r.cfg.limit
	r.mu.Unlock()

	if reachedLimit {
		defer r.doneOnce.Do(func() { close(r.done) })
	}

	replay, ok, err := extractReplayMessage(msg, r.cfg.targetTopic)
	if err != nil {
		r.markSkipped()
		r.logger.WithError(err).WithFields(log.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("skip unsupported dlq message")
		return nil
	}
	if !ok {
		r.markSkipped()
		return nil
	}

	if !r.cfg.execute {
		r.logger.WithFields(log.Fields{
			"partition":    msg.Partition,
			"offset":       msg.Offset,
			"target_topic": replay.topic,
			"key":          replay.key,
		}).Info("dlq replay candidate")
		r.markReplayed()
		return nil
	}

	if err := r.publisher.PublishEvent(replay.topic, replay.key, json.RawMessage(replay.value)); err != nil {
		// Неудачная публикация не расходует бюджет: сообщение будет доставлено снова
		r.mu.Lock()
		r.scanned--
		r.mu.Unlock()
		return fmt.Errorf("publish replay message: %w", err)
	}

	r.markReplayed()
	return nil
}

func (r *reprocessor) markReplayed() {
	r.mu.Lock()
	r.replayed++
	r.mu.Unlock()
}

func (r *reprocessor) markSkipped() {
	r.mu.Lock()
	r.skipped++
	r.mu.Unlock()
}

// wait блокируется до исчерпания лимита, простоя без новых сообщений или отмены контекста
func (r *reprocessor) wait(ctx context.Context) {
	ticker := time.NewTicker(replayPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			idle := time.Since(r.lastActivity)
			r.mu.Unlock()
			if idle >= r.cfg.idleTimeout {
				return
			}
		}
	}
}

func (r *reprocessor) snapshot() (scanned, replayed, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanned, r.replayed, r.skipped
}

// extractReplayMessage восстанавливает исходное событие из записи DLQ.
// Поддерживаются две формы: запись consumer'а (original_topic/original_value)
// и запись publisher'а outbox (конверт с вложенным payload исходного события).
func extractReplayMessage(msg *sarama.ConsumerMessage, defaultTopic string) (replayMessage, bool, error) {
	var consumerPayload consumerDLQPayload
	if err := json.Unmarshal(msg.Value, &consumerPayload); err == nil && consumerPayload.OriginalValue != "" {
		targetTopic := strings.TrimSpace(consumerPayload.OriginalTopic)
		if targetTopic == "" {
			targetTopic = defaultTopic
		}
		return replayMessage{
			topic: targetTopic,
			key:   consumerPayload.OriginalKey,
			value: []byte(consumerPayload.OriginalValue),
		}, true, nil
	}

	var envelope outboxEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return replayMessage{}, false, nil
	}
	if len(envelope.Payload) == 0 {
		return replayMessage{}, false, nil
	}

	var dlqPayload outboxDLQPayload
	if err := json.Unmarshal(envelope.Payload, &dlqPayload); err != nil {
		return replayMessage{}, false, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(dlqPayload.Payload) == 0 {
		return replayMessage{}, false, fmt.Errorf("outbox dlq payload does not contain original event payload")
	}

	replay := replayEnvelope{
		ID:            firstNonEmpty(dlqPayload.OutboxID, envelope.ID),
		AggregateType: firstNonEmpty(dlqPayload.AggregateType, envelope.AggregateType),
		AggregateID:   firstNonEmpty(dlqPayload.AggregateID, envelope.AggregateID),
		EventType:     firstNonEmpty(dlqPayload.EventType, envelope.EventType),
		Payload:       dlqPayload.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return replayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	key := replay.AggregateID
	if key == "" {
		key = replay.ID
	}

	return replayMessage{
		topic: topicForAggregate(replay.AggregateType, defaultTopic),
		key:   key,
		value: encoded,
	}, true, nil
}

// topicForAggregate выбирает target topic по типу агрегата исходного события
func topicForAggregate(aggregateType, fallback string) string {
	switch aggregateType {
	case "order":
		return kafka.TopicOrderEvents
	case "product":
		return kafka.TopicProductEvents
	default:
		return fallback
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
