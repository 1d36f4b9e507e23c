/************************************************************************************
 *
 * nextcore - low-level Discord API client core (HTTP rate limiting + gateway)
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 ************************************************************************************/

package nextcore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// ShardManager owns every GatewaySession for a bot, the shared identify
// concurrency gates, and the aggregating dispatchers raw/event handlers
// attach to regardless of which shard produced an event.
type ShardManager struct {
	token   string
	intents GatewayIntent
	logger  Logger
	engine  *HTTPEngine

	RawDispatcher   *Dispatcher[gatewayOpcode, json.RawMessage]
	EventDispatcher *Dispatcher[string, json.RawMessage]
	MetaDispatcher  *Dispatcher[string, any]

	reconnectCheck func(shardID, code int, reason string) bool

	mu             sync.Mutex
	sessions       []*GatewaySession
	identifyGates  map[int]*TimesPerWindow
	maxConcurrency int
}

// ShardManagerMetaCritical is the MetaDispatcher key carrying a shard's
// fatal gateway error, mirroring the spec's manager-level "critical"
// channel.
const ShardManagerMetaCritical = "critical"

// ShardManagerMetaShardReady fires once a shard's GatewaySession reaches
// GatewaySessionStateConnected.
const ShardManagerMetaShardReady = "shard_ready"

// ShardManagerMetaShardDisconnect fires whenever a shard transitions to
// Reconnecting or Disconnected.
const ShardManagerMetaShardDisconnect = "shard_disconnect"

// ShardManagerMetaShardCloseError fires for every non-fatal gateway close,
// carrying the *DisconnectError or *UnhandledCloseCodeError the shard
// observed. This is purely observational: it is dispatched regardless of
// whether the shard goes on to reconnect.
const ShardManagerMetaShardCloseError = "shard_close_error"

// NewShardManager constructs a ShardManager. engine is reused for the
// /gateway/bot bootstrap call; intents and token are forwarded to every
// spawned GatewaySession. pool backs all three dispatchers, so handler
// fan-out for raw opcodes, named events, and meta events shares one
// worker pool instead of each spinning up its own; a nil pool falls back
// to a fresh DefaultWorkerPool per Dispatcher. reconnectCheck, if non-nil,
// is consulted by every shard before it redials after a non-fatal close;
// returning false halts that shard with a ReconnectCheckFailedError.
func NewShardManager(token string, intents GatewayIntent, engine *HTTPEngine, logger Logger, pool WorkerPool, reconnectCheck func(shardID, code int, reason string) bool) *ShardManager {
	return &ShardManager{
		token:           token,
		intents:         intents,
		logger:          logger,
		engine:          engine,
		reconnectCheck:  reconnectCheck,
		RawDispatcher:   NewDispatcher[gatewayOpcode, json.RawMessage](logger, pool),
		EventDispatcher: NewDispatcher[string, json.RawMessage](logger, pool),
		MetaDispatcher:  NewDispatcher[string, any](logger, pool),
		identifyGates:   make(map[int]*TimesPerWindow),
	}
}

// metaCriticalPayload is dispatched on MetaDispatcher under
// ShardManagerMetaCritical.
type metaCriticalPayload struct {
	ShardID int
	Err     error
}

// metaCloseErrorPayload is dispatched on MetaDispatcher under
// ShardManagerMetaShardCloseError.
type metaCloseErrorPayload struct {
	ShardID int
	Err     error
}

// fetchGatewayBot retrieves /gateway/bot, which supplies the recommended
// shard count and the session start limit's max_concurrency.
func (m *ShardManager) fetchGatewayBot(ctx context.Context) (*GatewayBot, error) {
	resp, err := m.engine.Request(ctx, NewRoute("GET", "/gateway/bot"), RequestOptions{})
	if err != nil {
		return nil, fmt.Errorf("nextcore: fetching gateway bot info: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var gb GatewayBot
	if err := sonic.Unmarshal(body, &gb); err != nil {
		return nil, fmt.Errorf("nextcore: decoding gateway bot info: %w", err)
	}
	return &gb, nil
}

// FetchGatewayURL issues the unauthenticated GET /gateway call, which
// returns only the WSS URL and is useful for a health check or for callers
// that want to connect without first resolving /gateway/bot's shard
// recommendation.
func (m *ShardManager) FetchGatewayURL(ctx context.Context) (string, error) {
	unauth := false
	resp, err := m.engine.Request(ctx, NewRoute("GET", "/gateway"), RequestOptions{AuthenticateWithToken: &unauth})
	if err != nil {
		return "", fmt.Errorf("nextcore: fetching gateway url: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var g gateway
	if err := sonic.Unmarshal(body, &g); err != nil {
		return "", fmt.Errorf("nextcore: decoding gateway url: %w", err)
	}
	return g.URL, nil
}

func (m *ShardManager) gateFor(shardID int) *TimesPerWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := shardID % m.maxConcurrency
	if g, ok := m.identifyGates[key]; ok {
		return g
	}
	g := NewTimesPerWindow(m.maxConcurrency, 5*time.Second)
	m.identifyGates[key] = g
	return g
}

// Connect fetches the recommended shard count (if shardCount <= 0),
// computes max_concurrency, spawns every shard's GatewaySession, and
// returns once every shard has begun connecting. It does not wait for any
// shard to reach Connected.
func (m *ShardManager) Connect(ctx context.Context, shardCount int) error {
	gb, err := m.fetchGatewayBot(ctx)
	if err != nil {
		return err
	}

	if shardCount <= 0 {
		shardCount = gb.Shards
	}
	maxConcurrency := gb.SessionStartLimit.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	m.mu.Lock()
	m.maxConcurrency = maxConcurrency
	m.mu.Unlock()

	for shardID := 0; shardID < shardCount; shardID++ {
		shardID := shardID
		var reconnectCheck func(code int, reason string) bool
		if m.reconnectCheck != nil {
			reconnectCheck = func(code int, reason string) bool {
				return m.reconnectCheck(shardID, code, reason)
			}
		}

		session := newGatewaySession(
			shardID, shardCount, m.token, m.intents,
			m.logger, m.RawDispatcher, m.EventDispatcher,
			m.gateFor(shardID),
			reconnectCheck,
			func(err error) {
				m.MetaDispatcher.Dispatch(ShardManagerMetaShardCloseError, metaCloseErrorPayload{ShardID: shardID, Err: err})
			},
			func(err error) {
				m.MetaDispatcher.Dispatch(ShardManagerMetaCritical, metaCriticalPayload{ShardID: shardID, Err: err})
			},
		)

		m.mu.Lock()
		m.sessions = append(m.sessions, session)
		m.mu.Unlock()

		m.watchState(session, shardID)

		if err := session.Connect(ctx); err != nil {
			return fmt.Errorf("nextcore: shard %d failed to connect: %w", shardID, err)
		}
	}

	return nil
}

// watchState polls the session's reported state at a coarse interval and
// re-emits transitions of interest on MetaDispatcher. The GatewaySession
// itself only logs state transitions; aggregating them across shards is the
// manager's job.
func (m *ShardManager) watchState(session *GatewaySession, shardID int) {
	go func() {
		last := GatewaySessionStateDisconnected
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			cur := session.State()
			if cur == last {
				continue
			}
			last = cur
			switch cur {
			case GatewaySessionStateConnected:
				m.MetaDispatcher.Dispatch(ShardManagerMetaShardReady, shardID)
			case GatewaySessionStateReconnecting:
				m.MetaDispatcher.Dispatch(ShardManagerMetaShardDisconnect, shardID)
			case GatewaySessionStateDisconnected:
				// Terminal: reached via an explicit Close, a fatal close
				// code, a refused reconnect check or a failed dial, none of
				// which auto-restarts the shard.
				m.MetaDispatcher.Dispatch(ShardManagerMetaShardDisconnect, shardID)
				return
			}
		}
	}()
}

// Shards returns the live GatewaySession for every spawned shard.
func (m *ShardManager) Shards() []*GatewaySession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*GatewaySession{}, m.sessions...)
}

// Shutdown closes every managed shard's session.
func (m *ShardManager) Shutdown() {
	m.mu.Lock()
	sessions := append([]*GatewaySession{}, m.sessions...)
	m.sessions = nil
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close(false)
	}
}
