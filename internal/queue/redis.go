// Package queue carries outbox messages to Redis streams and reads inbound
// events from one.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/models"
	"github.com/MirSameerIrfan/kodus-ai-sub005/pkg/service"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// RedisPublisher appends outbox messages to the stream named prefix+exchange.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

func NewRedisPublisher(client *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Stream(exchange string) string {
	return p.prefix + exchange
}

func (p *RedisPublisher) Publish(ctx context.Context, msg models.OutboxMessage) error {
	jobID := ""
	if msg.JobID != nil {
		jobID = *msg.JobID
	}
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.Stream(msg.Exchange),
		Values: map[string]interface{}{
			"id":          msg.ID,
			"routing_key": msg.RoutingKey,
			"job_id":      jobID,
			"payload":     string(msg.Payload),
		},
	}).Err()
	if err != nil {
		return errors.Wrapf(err, "xadd %s", msg.RoutingKey)
	}
	return nil
}

// Receiver stores an inbound event; *service.Inbox satisfies it.
type Receiver interface {
	Receive(ev service.InboundEvent) (bool, error)
}

// RedisEventSource reads events from a stream and hands them to the inbox.
// Entries carry message_id, event_type, event_key and optional payload and job_id
// fields; the entry id stands in for a missing message_id.
type RedisEventSource struct {
	client   *redis.Client
	stream   string
	receiver Receiver
	logger   service.Logger
	block    time.Duration
	lastID   string
}

func NewRedisEventSource(client *redis.Client, stream string, receiver Receiver, logger service.Logger) *RedisEventSource {
	return &RedisEventSource{client: client, stream: stream, receiver: receiver, logger: logger, block: time.Second, lastID: "0"}
}

// Run reads until ctx is done. Entries are only acknowledged to the inbox, so a
// restart re-reads the stream and the inbox drops what it already has.
func (s *RedisEventSource) Run(ctx context.Context) error {
	s.logger.Infof("Reading events from stream %s", s.stream)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := s.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Errorf("Failed to read stream %s: %v", s.stream, err)
			select {
			case <-ctx.Done():
			case <-time.After(s.block):
			}
			continue
		}
		if n > 0 {
			s.logger.Debugf("Received %d events from %s", n, s.stream)
		}
	}
}

// Poll reads one batch and returns how many entries it handed to the inbox.
func (s *RedisEventSource) Poll(ctx context.Context) (int, error) {
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.stream, s.lastID},
		Count:   100,
		Block:   s.block,
	}).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range streams {
		for _, entry := range st.Messages {
			ev, err := toInboundEvent(entry)
			if err != nil {
				s.logger.Warnf("Dropping malformed event %s: %v", entry.ID, err)
			} else if _, err := s.receiver.Receive(ev); errors.Is(err, service.ErrInvalidRequest) {
				s.logger.Warnf("Dropping rejected event %s: %v", entry.ID, err)
			} else if err != nil {
				// stop before advancing so the entry is read again
				return n, errors.Wrapf(err, "receive event %s", entry.ID)
			} else {
				n++
			}
			s.lastID = entry.ID
		}
	}
	return n, nil
}

func toInboundEvent(entry redis.XMessage) (service.InboundEvent, error) {
	field := func(name string) string {
		v, _ := entry.Values[name].(string)
		return v
	}
	ev := service.InboundEvent{
		MessageID: field("message_id"),
		EventType: field("event_type"),
		EventKey:  field("event_key"),
		JobID:     field("job_id"),
	}
	if ev.MessageID == "" {
		ev.MessageID = entry.ID
	}
	if ev.EventType == "" || ev.EventKey == "" {
		return ev, errors.New("event_type and event_key are required")
	}
	if p := field("payload"); p != "" {
		if !json.Valid([]byte(p)) {
			return ev, errors.New("payload is not valid JSON")
		}
		ev.Payload = json.RawMessage(p)
	}
	return ev, nil
}

// PublishEvent adds an inbound event to stream; used by the CLI and tests.
func PublishEvent(ctx context.Context, client *redis.Client, stream string, ev service.InboundEvent) (string, error) {
	values := map[string]interface{}{
		"message_id": ev.MessageID,
		"event_type": ev.EventType,
		"event_key":  ev.EventKey,
	}
	if len(ev.Payload) > 0 {
		values["payload"] = string(ev.Payload)
	}
	if ev.JobID != "" {
		values["job_id"] = ev.JobID
	}
	return client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
}
