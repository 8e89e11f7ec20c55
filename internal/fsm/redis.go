package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goa-ai-labs/agentflow/internal/events"
	"github.com/goa-ai-labs/agentflow/internal/flow"
)

// casScript implements the server-side compare-and-set the spec marks
// "preferred" (section 4.3): read the current state and, if it still
// matches the expected from-state, write the new one — all inside one Lua
// invocation so no other client can observe or mutate the key in between.
// Returns the state left behind: the new state on success, or the
// unexpected current state on conflict, letting the caller tell the two
// cases apart without a second round trip.
var casScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false then
	return redis.error_reply('fsm: no state initialized for key')
end
if cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[2], 'EX', ARGV[3])
	return ARGV[2]
end
return cur
`)

// RedisFSM is the production FSM implementation: session state lives at
// "{prefix}:{sessionID}:state" in Redis with a TTL equal to the session
// default, advanced via casScript.
type RedisFSM struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisFSM constructs a RedisFSM. ttl is applied to the state key on
// every Init and successful AdvanceAtomic so the session's FSM state
// outlives the rest of its fast-store footprint by the same TTL policy as
// the Blackboard.
func NewRedisFSM(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisFSM {
	return &RedisFSM{client: client, prefix: keyPrefix, ttl: ttl}
}

func (f *RedisFSM) stateKey(sessionID string) string {
	return f.prefix + ":" + sessionID + ":state"
}

// Init implements FSM.
func (f *RedisFSM) Init(ctx context.Context, sessionID string, def *flow.Definition) error {
	if err := f.client.Set(ctx, f.stateKey(sessionID), def.InitialState, f.ttl).Err(); err != nil {
		return fmt.Errorf("fsm: init %s: %w", sessionID, err)
	}
	return nil
}

// CurrentState implements FSM.
func (f *RedisFSM) CurrentState(ctx context.Context, sessionID string) (string, error) {
	state, err := f.client.Get(ctx, f.stateKey(sessionID)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("fsm: session %s has no state", sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("fsm: get state %s: %w", sessionID, err)
	}
	return state, nil
}

// AdvanceAtomic implements FSM.
func (f *RedisFSM) AdvanceAtomic(ctx context.Context, sessionID string, def *flow.Definition, eventType events.Type) (string, error) {
	current, err := f.CurrentState(ctx, sessionID)
	if err != nil {
		return "", err
	}
	t, err := resolveTransition(def, current, eventType)
	if err != nil {
		return "", err
	}

	ttlSeconds := int64(f.ttl / time.Second)
	result, err := casScript.Run(ctx, f.client, []string{f.stateKey(sessionID)}, current, t.To, ttlSeconds).Result()
	if err != nil {
		return "", fmt.Errorf("fsm: cas %s: %w", sessionID, err)
	}
	left, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("fsm: cas %s: unexpected script result %T", sessionID, result)
	}
	if left != t.To {
		return "", &ConflictError{CurrentState: left}
	}
	return left, nil
}

var _ FSM = (*RedisFSM)(nil)
