package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/goa-ai-labs/agentflow/internal/events"
)

type (
	// pulseClient exposes the subset of Pulse APIs required by the bus. It
	// mirrors the teacher's goa-ai stream sink layering: callers build a
	// Redis client, pass it to New, and receive a typed interface that
	// exposes only the operations the bus needs. Defining this as a local
	// interface (rather than depending on *streaming.Stream directly) keeps
	// the bus unit-testable without Redis.
	pulseClient interface {
		Stream(name string, opts ...streamopts.Stream) (pulseStream, error)
		Close(ctx context.Context) error
	}

	pulseStream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (pulseSink, error)
	}

	pulseSink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	redisClientAdapter struct {
		redis  *redis.Client
		maxLen int
	}

	redisStreamAdapter struct {
		stream *streaming.Stream
	}

	// PulseBus is the Redis-Streams-backed (via goa.design/pulse) Event Bus
	// implementation used in production. Each tenant channel is a single
	// Pulse stream; each Subscribe call opens its own Pulse consumer group
	// ("sink") so independent subscribers don't steal each other's events.
	PulseBus struct {
		client    pulseClient
		keyPrefix string
		sinkSeq   int
	}

	// envelope is the wire format published to the Redis stream.
	envelope struct {
		ID        string          `json:"id"`
		TenantID  string          `json:"tenant_id"`
		SessionID string          `json:"session_id"`
		Type      string          `json:"type"`
		Source    string          `json:"source,omitempty"`
		Target    string          `json:"target,omitempty"`
		Tick      int64           `json:"tick"`
		TraceID   string          `json:"trace_id"`
		Priority  int             `json:"priority"`
		FromState string          `json:"from_state,omitempty"`
		ToState   string          `json:"to_state,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
		TurnID    string          `json:"turn_id,omitempty"`
		SeqInTurn int             `json:"seq_in_turn,omitempty"`
	}
)

// NewPulseBus constructs a PulseBus backed by the given Redis client. keyPrefix
// is used to derive tenant channel names via ChannelName.
func NewPulseBus(redisClient *redis.Client, keyPrefix string) *PulseBus {
	return &PulseBus{
		client:    &redisClientAdapter{redis: redisClient, maxLen: 10000},
		keyPrefix: keyPrefix,
	}
}

// Publish implements Bus.
func (b *PulseBus) Publish(ctx context.Context, tenantID string, event events.Event) error {
	str, err := b.client.Stream(ChannelName(b.keyPrefix, tenantID))
	if err != nil {
		return fmt.Errorf("bus: open stream: %w", err)
	}
	env := envelope{
		ID:        event.ID,
		TenantID:  event.TenantID,
		SessionID: event.SessionID,
		Type:      string(event.Type),
		Source:    event.Source,
		Target:    event.Target,
		Tick:      event.Tick,
		TraceID:   event.TraceID,
		Priority:  int(event.Priority),
		FromState: event.FromState,
		ToState:   event.ToState,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
		TurnID:    event.TurnID,
		SeqInTurn: event.SeqInTurn,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	if _, err := str.Add(ctx, string(event.Type), payload); err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	return nil
}

// Subscribe implements Bus. Each call creates a dedicated consumer group so
// every subscriber receives every event published after it subscribes,
// regardless of other subscribers' progress.
func (b *PulseBus) Subscribe(ctx context.Context, tenantID string) (<-chan events.Event, <-chan error, context.CancelFunc, error) {
	str, err := b.client.Stream(ChannelName(b.keyPrefix, tenantID))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bus: open stream: %w", err)
	}
	b.sinkSeq++
	sinkName := fmt.Sprintf("sub-%d-%d", time.Now().UnixNano(), b.sinkSeq)
	sink, err := str.NewSink(ctx, sinkName)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bus: open sink: %w", err)
	}

	out := make(chan events.Event, 64)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go b.consume(runCtx, sink, out, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, errs, cancelFunc, nil
}

func (b *PulseBus) consume(ctx context.Context, sink pulseSink, out chan<- events.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(raw.Payload, &env); err != nil {
				errs <- fmt.Errorf("bus: decode event: %w", err)
				return
			}
			evt := events.Event{
				ID:        env.ID,
				TenantID:  env.TenantID,
				SessionID: env.SessionID,
				Type:      events.Type(env.Type),
				Source:    env.Source,
				Target:    env.Target,
				Tick:      env.Tick,
				TraceID:   env.TraceID,
				Priority:  events.Priority(env.Priority),
				FromState: env.FromState,
				ToState:   env.ToState,
				Payload:   env.Payload,
				CreatedAt: env.CreatedAt,
				TurnID:    env.TurnID,
				SeqInTurn: env.SeqInTurn,
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, raw); err != nil {
				errs <- fmt.Errorf("bus: ack event: %w", err)
				return
			}
		}
	}
}

// Close releases the underlying Redis connection ownership back to the bus
// (the caller typically owns the *redis.Client lifecycle itself).
func (b *PulseBus) Close(ctx context.Context) error {
	return b.client.Close(ctx)
}

func (a *redisClientAdapter) Stream(name string, opts ...streamopts.Stream) (pulseStream, error) {
	if name == "" {
		return nil, errors.New("bus: stream name is required")
	}
	streamOpts := append([]streamopts.Stream{streamopts.WithStreamMaxLen(a.maxLen)}, opts...)
	str, err := streaming.NewStream(name, a.redis, streamOpts...)
	if err != nil {
		return nil, fmt.Errorf("bus: create stream: %w", err)
	}
	return &redisStreamAdapter{stream: str}, nil
}

func (a *redisClientAdapter) Close(ctx context.Context) error {
	return nil
}

func (s *redisStreamAdapter) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return s.stream.Add(ctx, event, payload)
}

func (s *redisStreamAdapter) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (pulseSink, error) {
	return s.stream.NewSink(ctx, name, opts...)
}

var _ Bus = (*PulseBus)(nil)
