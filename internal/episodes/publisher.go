// Package episodes forwards group chat messages to the knowledge-graph
// ingester over NATS JetStream.
package episodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/telegram"
)

const (
	streamName        = "TOWERBOT_EPISODES"
	sourceJSON        = "json"
	sourceDescription = "TowerBot"
)

// Episode is one ingestible unit for the knowledge graph
type Episode struct {
	Name              string          `json:"name"`
	Body              json.RawMessage `json:"episode_body"`
	Source            string          `json:"source"`
	SourceDescription string          `json:"source_description"`
	ReferenceTime     time.Time       `json:"reference_time"`
	GroupID           string          `json:"group_id"`

	// MessageID is only unique within its chat
	MessageID int64 `json:"-"`
}

// DedupKey identifies the source message across every group
func (e *Episode) DedupKey() string {
	return fmt.Sprintf("%s:%d", e.GroupID, e.MessageID)
}

// FromMessage builds the episode for a group message
func FromMessage(msg *telegram.Message, groupID int64) (*Episode, error) {
	body := msg.Raw
	if len(body) == 0 {
		var err error
		if body, err = json.Marshal(msg); err != nil {
			return nil, fmt.Errorf("failed to encode message: %w", err)
		}
	}

	return &Episode{
		Name:              fmt.Sprintf("telegram_message_%d", msg.MessageID),
		Body:              body,
		Source:            sourceJSON,
		SourceDescription: sourceDescription,
		ReferenceTime:     time.Unix(msg.Date, 0).UTC(),
		GroupID:           strconv.FormatInt(groupID, 10),
		MessageID:         msg.MessageID,
	}, nil
}

// jetStream is the subset of nats.JetStreamContext used here
type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher publishes episodes to a JetStream subject
type Publisher struct {
	conn    *nats.Conn
	js      jetStream
	subject string
	logger  *zap.Logger
}

// NewPublisher connects to NATS and makes sure a stream covers subject
func NewPublisher(url, subject string, log *zap.Logger, opts ...nats.Option) (*Publisher, error) {
	opts = append([]nats.Option{nats.Name("towerbot")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	if err := ensureStream(js, subject); err != nil {
		nc.Close()
		return nil, err
	}

	log.Info("episode publisher connected", zap.String("subject", subject))
	return &Publisher{conn: nc, js: js, subject: subject, logger: log}, nil
}

func ensureStream(js nats.JetStreamContext, subject string) error {
	_, err := js.StreamInfo(streamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{subject},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish sends one episode. The message id deduplicates redelivered updates.
func (p *Publisher) Publish(ctx context.Context, ep *Episode) error {
	if p == nil {
		return errors.New("nil publisher")
	}

	data, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("failed to encode episode: %w", err)
	}

	ack, err := p.js.Publish(p.subject, data, nats.Context(ctx), nats.MsgId(ep.DedupKey()))
	if err != nil {
		return fmt.Errorf("failed to publish episode %s: %w", ep.Name, err)
	}

	p.logger.Debug("episode published",
		zap.String("name", ep.Name),
		zap.String("dedup_key", ep.DedupKey()),
		zap.Uint64("seq", ack.Sequence),
		zap.Bool("duplicate", ack.Duplicate),
	)
	return nil
}

// Close drains the connection
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
