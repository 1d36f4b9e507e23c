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
	"log"
	"net/http"
	"os"
	"strings"
)

/*****************************
 *          Client
 *****************************/

// Client is the top-level handle on a Discord bot connection: one HTTPEngine
// for REST calls, one ShardManager for the Gateway, and the shared logger
// and worker pool both depend on.
//
// Construct one with New(options...), then call Start(ctx, shardCount) (0
// for Discord's recommended shard count).
type Client struct {
	Logger     Logger
	workerPool WorkerPool
	token      string
	intents    GatewayIntent

	httpClient          *http.Client
	maxRetries          int
	globalRateLimit     int
	unlimitedGlobalRate bool
	rateLimitKey        string
	reconnectCheck      func(shardID, code int, reason string) bool

	Engine       *HTTPEngine
	ShardManager *ShardManager
}

// clientOption configures a Client during construction.
type clientOption func(*Client)

/*****************************
 *       Options
 *****************************/

// WithToken sets the bot token for the client. The "Bot " prefix, if
// present, is stripped automatically. Logs fatal and exits if the token is
// empty or implausibly short.
func WithToken(token string) clientOption {
	if token == "" {
		log.Fatal("nextcore: WithToken: token must not be empty")
	}
	if len(token) < 50 {
		log.Fatal("nextcore: WithToken: token looks invalid")
	}
	if strings.HasPrefix(token, "Bot ") {
		token = strings.TrimPrefix(token, "Bot ")
	}
	return func(c *Client) { c.token = token }
}

// WithLogger sets a custom Logger implementation for the client and every
// component it constructs.
func WithLogger(logger Logger) clientOption {
	if logger == nil {
		log.Fatal("nextcore: WithLogger: logger must not be nil")
	}
	return func(c *Client) { c.Logger = logger }
}

// WithWorkerPool sets a custom WorkerPool implementation, used by every
// Dispatcher the client constructs.
func WithWorkerPool(workerPool WorkerPool) clientOption {
	if workerPool == nil {
		log.Fatal("nextcore: WithWorkerPool: workerPool must not be nil")
	}
	return func(c *Client) { c.workerPool = workerPool }
}

// WithIntents sets the Gateway intents requested by every shard.
func WithIntents(intents ...GatewayIntent) clientOption {
	var total GatewayIntent
	for _, i := range intents {
		total |= i
	}
	return func(c *Client) { c.intents = total }
}

// WithHTTPClient overrides the *http.Client used by the HTTPEngine.
func WithHTTPClient(httpClient *http.Client) clientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithMaxRetries overrides the HTTPEngine's network/5xx retry budget.
func WithMaxRetries(n int) clientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithGlobalRateLimit installs a LimitedGlobalRateLimiter admitting n
// requests per second process-wide.
func WithGlobalRateLimit(n int) clientOption {
	return func(c *Client) { c.globalRateLimit = n }
}

// WithUnlimitedGlobalRateLimit installs an UnlimitedGlobalRateLimiter, for
// bots whose global rate limit has been lifted by Discord.
func WithUnlimitedGlobalRateLimit() clientOption {
	return func(c *Client) { c.unlimitedGlobalRate = true }
}

// WithRateLimitKey sets the default RateLimitKey attached to requests that
// don't specify their own, letting multiple tokens share one Client while
// keeping independent bucket tables.
func WithRateLimitKey(key string) clientOption {
	return func(c *Client) { c.rateLimitKey = key }
}

// WithReconnectCheck installs a predicate consulted before every shard
// redials after a non-fatal gateway close. Returning false halts that shard
// permanently instead of reconnecting, surfacing a ReconnectCheckFailedError
// on ShardManagerMetaCritical. A nil check (the default) always reconnects.
func WithReconnectCheck(check func(shardID, code int, reason string) bool) clientOption {
	return func(c *Client) { c.reconnectCheck = check }
}

/*****************************
 *       Constructor
 *****************************/

// New creates a Client from the given options.
//
// Defaults:
//   - Logger: zerolog-backed stdout logger at Info level.
//   - Intents: Guilds | GuildMessages | GuildMembers.
//   - Global rate limit: 50 requests/second (Discord's documented default).
func New(options ...clientOption) *Client {
	c := &Client{
		Logger: NewDefaultLogger(os.Stdout, LogLevelInfoLevel),
		intents: GatewayIntentGuilds |
			GatewayIntentGuildMessages |
			GatewayIntentGuildMembers,
		rateLimitKey: defaultRateLimitKey,
	}

	for _, option := range options {
		option(c)
	}

	if c.workerPool == nil {
		c.workerPool = NewDefaultWorkerPool(c.Logger)
	}

	var engineOpts []HTTPEngineOption
	engineOpts = append(engineOpts, WithEngineWorkerPool(c.workerPool))
	if c.httpClient != nil {
		engineOpts = append(engineOpts, WithHTTPClient(c.httpClient))
	}
	if c.maxRetries > 0 {
		engineOpts = append(engineOpts, WithMaxRetries(c.maxRetries))
	}
	switch {
	case c.unlimitedGlobalRate:
		engineOpts = append(engineOpts, WithUnlimitedGlobalRateLimit())
	case c.globalRateLimit > 0:
		engineOpts = append(engineOpts, WithGlobalRateLimit(c.globalRateLimit))
	}

	c.Engine = NewHTTPEngine(c.token, c.Logger, engineOpts...)
	c.ShardManager = NewShardManager(c.token, c.intents, c.Engine, c.Logger, c.workerPool, c.reconnectCheck)

	return c
}

/*****************************
 *       Start / Shutdown
 *****************************/

// Start fetches shard topology (or uses shardCount if > 0) and connects
// every shard, then blocks until ctx is done.
//
// If ctx is nil, context.Background() is used and Start never returns on
// its own: calling Shutdown directly closes the shards but does not unblock
// Start.
func (c *Client) Start(ctx context.Context, shardCount int) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := c.ShardManager.Connect(ctx, shardCount); err != nil {
		return err
	}

	<-ctx.Done()
	if err := ctx.Err(); err != nil {
		c.Logger.WithField("err", err).Info("nextcore: client context done, shutting down")
	}
	c.Shutdown()
	return nil
}

// Shutdown closes every shard's Gateway session and the HTTPEngine's idle
// connections.
func (c *Client) Shutdown() {
	c.Logger.Info("nextcore: client shutting down")
	if c.ShardManager != nil {
		c.ShardManager.Shutdown()
	}
	if c.Engine != nil {
		c.Engine.Shutdown()
	}
	if c.workerPool != nil {
		c.workerPool.Shutdown()
	}
}

// requestOptionsWithDefaultKey returns opts with RateLimitKey defaulted to
// the client's configured key when the caller left it empty.
func (c *Client) requestOptionsWithDefaultKey(opts RequestOptions) RequestOptions {
	if opts.RateLimitKey == "" {
		opts.RateLimitKey = c.rateLimitKey
	}
	return opts
}

// Request is a thin convenience wrapper over Engine.Request that applies the
// client's default RateLimitKey.
func (c *Client) Request(ctx context.Context, route Route, opts RequestOptions) (*http.Response, error) {
	if c.Engine == nil {
		return nil, ErrNoClient
	}
	return c.Engine.Request(ctx, route, c.requestOptionsWithDefaultKey(opts))
}
