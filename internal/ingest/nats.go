package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/erikscolaro/ironlink/internal/domain"
	"github.com/erikscolaro/ironlink/internal/metrics"
	"github.com/erikscolaro/ironlink/internal/ws"
)

// Business services outside this process announce into chats by publishing
// on `chat.system.<chatID>`. The ingestor turns each event into a system
// message: persisted first (system messages have no sender to bounce an
// error back to, so durability leads), then fanned out on the chat's bus
// with the store-assigned id.
const subjectPrefix = "chat.system."

// Store is the slice of the persistence layer the ingestor needs.
type Store interface {
	AppendMessage(ctx context.Context, chatID int64, senderID *int64, content string, kind domain.MessageKind, createdAt time.Time) (int64, error)
}

type systemEvent struct {
	Content string `json:"content"`
}

type Ingestor struct {
	conn      *nats.Conn
	sub       *nats.Subscription
	store     Store
	broadcast *ws.BroadcastRegistry
	timeout   time.Duration
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

type Config struct {
	URL          string
	StoreTimeout time.Duration
}

func New(cfg Config, st Store, broadcast *ws.BroadcastRegistry, logger zerolog.Logger, m *metrics.Metrics) (*Ingestor, error) {
	ing := &Ingestor{
		store:     st,
		broadcast: broadcast,
		timeout:   cfg.StoreTimeout,
		logger:    logger,
		metrics:   m,
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	ing.conn = conn
	return ing, nil
}

// Start subscribes to the system announcement subjects.
func (i *Ingestor) Start() error {
	sub, err := i.conn.Subscribe(subjectPrefix+"*", i.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s*: %w", subjectPrefix, err)
	}
	i.sub = sub
	i.logger.Info().Str("subject", subjectPrefix+"*").Msg("System event ingest started")
	return nil
}

func (i *Ingestor) handle(msg *nats.Msg) {
	chatID, ok := chatFromSubject(msg.Subject)
	if !ok {
		i.logger.Warn().Str("subject", msg.Subject).Msg("Dropping event with malformed subject")
		return
	}

	var event systemEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		i.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed system event")
		return
	}
	if n := utf8.RuneCountInString(event.Content); n < ws.MinContentLen || n > ws.MaxContentLen {
		i.logger.Warn().Int64("chat_id", chatID).Msg("Dropping system event with out-of-bounds content")
		return
	}

	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()

	id, err := i.store.AppendMessage(ctx, chatID, nil, event.Content, domain.KindSystem, now)
	if err != nil {
		i.logger.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to persist system message")
		return
	}

	i.broadcast.Publish(chatID, &domain.Message{
		ID:        id,
		ChatID:    chatID,
		Content:   event.Content,
		Kind:      domain.KindSystem,
		CreatedAt: now,
	})
	i.metrics.SystemEventsIngested.Inc()
}

// chatFromSubject extracts the chat id from `chat.system.<id>`.
func chatFromSubject(subject string) (int64, bool) {
	raw, found := strings.CutPrefix(subject, subjectPrefix)
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Stop drains the subscription and closes the connection.
func (i *Ingestor) Stop() {
	if i.sub != nil {
		i.sub.Unsubscribe()
	}
	if i.conn != nil {
		i.conn.Drain()
		i.conn.Close()
	}
}
