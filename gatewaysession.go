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
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	gatewayVersion       = "10"
	gatewayURL           = "wss://gateway.discord.gg/?v=10&encoding=json&compress=zlib-stream"
	outboundWindowLimit  = 120
	outboundWindowPeriod = 60 * time.Second
)

// GatewaySessionState is one state of a GatewaySession's connection state
// machine.
type GatewaySessionState int

const (
	GatewaySessionStateDisconnected GatewaySessionState = iota
	GatewaySessionStateConnecting
	GatewaySessionStateHelloWait
	GatewaySessionStateIdentifying
	GatewaySessionStateResuming
	GatewaySessionStateReadyWait
	GatewaySessionStateConnected
	GatewaySessionStateReconnecting
)

func (s GatewaySessionState) String() string {
	switch s {
	case GatewaySessionStateDisconnected:
		return "disconnected"
	case GatewaySessionStateConnecting:
		return "connecting"
	case GatewaySessionStateHelloWait:
		return "hello_wait"
	case GatewaySessionStateIdentifying:
		return "identifying"
	case GatewaySessionStateResuming:
		return "resuming"
	case GatewaySessionStateReadyWait:
		return "ready_wait"
	case GatewaySessionStateConnected:
		return "connected"
	case GatewaySessionStateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// fatalCloseCodes close codes for which reconnecting would only repeat the
// same failure; the session stops and surfaces a typed error instead.
var fatalCloseCodes = map[int]func() error{
	int(GatewayCloseEventCodeAuthenticationFailed): func() error { return &InvalidTokenError{} },
	int(GatewayCloseEventCodeInvalidShard):         func() error { return &InvalidShardCountError{} },
	int(GatewayCloseEventCodeShardingRequired):     func() error { return &InvalidShardCountError{} },
	int(GatewayCloseEventCodeInvalidAPIVersion):    func() error { return &InvalidAPIVersionError{} },
	int(GatewayCloseEventCodeInvalidIntents):       func() error { return &InvalidIntentsError{} },
	int(GatewayCloseEventCodeDisallowedIntents):    func() error { return &DisallowedIntentsError{} },
}

// reconnectableCloseCodes are the close codes Discord documents as
// Reconnect: true, i.e. the session can retry with a fresh Identify or
// Resume. Apart from the clean closes 1000 and 1001, which are also
// reported as a DisconnectError, any other non-fatal code (including one
// Discord has not documented) is reported as an UnhandledCloseCodeError
// instead, but is still retried the same way.
var reconnectableCloseCodes = map[int]struct{}{
	int(GatewayCloseEventCodeUnknownError):         {},
	int(GatewayCloseEventCodeUnknownOpcode):        {},
	int(GatewayCloseEventCodeDecodeError):          {},
	int(GatewayCloseEventCodeNotAuthenticated):     {},
	int(GatewayCloseEventCodeAlreadyAuthenticated): {},
	int(GatewayCloseEventCodeInvalidSeq):           {},
	int(GatewayCloseEventCodeRateLimited):          {},
	int(GatewayCloseEventCodeSessionTimedOut):      {},
}

// GatewaySession manages a single Gateway WebSocket connection: identify /
// resume handshake, heartbeating, sequence tracking, and frame decoding.
// It is owned and supervised by a ShardManager, which provides the identify
// slot and the raw/event dispatchers.
type GatewaySession struct {
	shardID    int
	shardCount int
	token      string
	intents    GatewayIntent

	logger          Logger
	rawDispatcher   *Dispatcher[gatewayOpcode, json.RawMessage]
	eventDispatcher *Dispatcher[string, json.RawMessage]
	identifyGate    *TimesPerWindow // shared, owned by the ShardManager
	outboundGate    *TimesPerWindow // session-private, 120 per 60s

	mu    sync.Mutex
	state GatewaySessionState
	conn  net.Conn
	zlib  *zlibReaderWrapper

	seq        atomic.Int64
	hasSeq     atomic.Bool
	sessionID  atomic.Pointer[string]
	resumeURL  atomic.Pointer[string]
	latencyMs  atomic.Int64
	lastAckOK  atomic.Bool
	missedAcks atomic.Int32

	heartbeatStop   chan struct{}
	closeOnce       sync.Once
	reconnecting    atomic.Bool
	criticalFn      func(err error)
	disconnectFn    func(err error)
	reconnectCheck  func(code int, reason string) bool
}

// newGatewaySession constructs a session. reconnectCheck, if non-nil, is
// consulted on every non-fatal close before redialing; returning false
// halts the shard with a ReconnectCheckFailedError instead of reconnecting
// indefinitely. onDisconnect, if non-nil, is called with a *DisconnectError
// or *UnhandledCloseCodeError for every non-fatal close, purely for
// observability - it never influences whether the session reconnects.
func newGatewaySession(
	shardID, shardCount int, token string, intents GatewayIntent,
	logger Logger,
	rawDispatcher *Dispatcher[gatewayOpcode, json.RawMessage],
	eventDispatcher *Dispatcher[string, json.RawMessage],
	identifyGate *TimesPerWindow,
	reconnectCheck func(code int, reason string) bool,
	onDisconnect func(err error),
	onCritical func(err error),
) *GatewaySession {
	return &GatewaySession{
		shardID:         shardID,
		shardCount:      shardCount,
		token:           token,
		intents:         intents,
		logger:          logger.WithField("shard", shardID),
		rawDispatcher:   rawDispatcher,
		eventDispatcher: eventDispatcher,
		identifyGate:    identifyGate,
		outboundGate:    NewTimesPerWindow(outboundWindowLimit, outboundWindowPeriod),
		reconnectCheck:  reconnectCheck,
		disconnectFn:    onDisconnect,
		criticalFn:      onCritical,
	}
}

func (s *GatewaySession) setState(state GatewaySessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.logger.WithField("state", state.String()).Info("gateway session state transition")
}

// State reports the session's current state.
func (s *GatewaySession) State() GatewaySessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Latency returns how long, in milliseconds, the last heartbeat took to be
// written to the socket. It is measured when the send returns, not when the
// HEARTBEAT_ACK arrives, so it does not include the server's round trip.
func (s *GatewaySession) Latency() int64 {
	return s.latencyMs.Load()
}

// Connect dials the Gateway (resuming if a resume URL is known) and begins
// the read loop. It returns once the socket is open; the identify/resume
// handshake continues asynchronously as Hello/Ready frames arrive.
func (s *GatewaySession) Connect(ctx context.Context) error {
	s.setState(GatewaySessionStateConnecting)

	url := gatewayURL
	if p := s.resumeURL.Load(); p != nil && *p != "" {
		url = *p + "?v=" + gatewayVersion + "&encoding=json&compress=zlib-stream"
	}

	conn, _, _, err := ws.Dialer{}.Dial(ctx, url)
	if err != nil {
		s.setState(GatewaySessionStateDisconnected)
		return fmt.Errorf("nextcore: gateway dial failed: %w", err)
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.zlib = AcquireZlibReader()
	s.heartbeatStop = make(chan struct{})
	s.mu.Unlock()

	s.lastAckOK.Store(true)
	s.missedAcks.Store(0)
	s.setState(GatewaySessionStateHelloWait)

	go s.readLoop(conn)
	return nil
}

func (s *GatewaySession) readLoop(conn net.Conn) {
	for {
		data, op, err := wsutil.ReadServerData(conn)
		s.mu.Lock()
		stale := s.conn != conn
		s.mu.Unlock()
		if stale {
			// conn was already closed or replaced by closeAndReconnect or
			// Close; whatever it yields now belongs to a torn-down connection.
			return
		}
		if err != nil {
			s.handleSocketClose(err, nil)
			return
		}

		var payload []byte
		switch op {
		case ws.OpText:
			payload = data
		case ws.OpBinary:
			s.mu.Lock()
			z := s.zlib
			s.mu.Unlock()
			if z == nil {
				continue
			}
			decompressed, derr := z.Decompress(data)
			if derr != nil {
				s.logger.WithField("err", derr).Error("zlib-stream decompression failed")
				continue
			}
			if decompressed == nil {
				continue // incomplete frame, waiting for the flush suffix
			}
			payload = decompressed
		case ws.OpClose:
			code, reason := parseCloseFrame(data)
			s.handleSocketClose(nil, &closeInfo{code: code, reason: reason})
			return
		default:
			continue
		}

		s.handleFrame(payload)
	}
}

type closeInfo struct {
	code   int
	reason string
}

func parseCloseFrame(data []byte) (int, string) {
	if len(data) < 2 {
		return int(GatewayCloseEventCodeUnknownError), ""
	}
	code := int(data[0])<<8 | int(data[1])
	return code, string(data[2:])
}

func (s *GatewaySession) handleFrame(raw []byte) {
	var payload gatewayPayload
	if err := sonic.Unmarshal(raw, &payload); err != nil {
		s.logger.WithField("err", err).Error("gateway payload decode failed")
		return
	}

	if payload.S > 0 {
		s.seq.Store(payload.S)
		s.hasSeq.Store(true)
	}

	s.rawDispatcher.Dispatch(payload.Op, payload.D)

	switch payload.Op {
	case gatewayOpcodeDispatch:
		s.eventDispatcher.Dispatch(payload.T, payload.D)
		if payload.T == "READY" || payload.T == "RESUMED" {
			s.handleReadyLike(payload.T, payload.D)
		}

	case gatewayOpcodeHello:
		var hello struct {
			HeartbeatInterval float64 `json:"heartbeat_interval"`
		}
		sonic.Unmarshal(payload.D, &hello)
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
		s.setState(GatewaySessionStateIdentifying)
		go s.startHeartbeat(interval)
		go s.beginHandshake()

	case gatewayOpcodeHeartbeatACK:
		s.lastAckOK.Store(true)
		s.missedAcks.Store(0)

	case gatewayOpcodeHeartbeat:
		s.sendHeartbeat()

	case gatewayOpcodeReconnect:
		s.logger.Info("gateway requested reconnect")
		s.closeAndReconnect()

	case gatewayOpcodeInvalidSession:
		var resumable bool
		sonic.Unmarshal(payload.D, &resumable)
		time.Sleep(time.Duration(1+rand.IntN(4)) * time.Second)
		if resumable {
			s.setState(GatewaySessionStateResuming)
			s.sendResume()
		} else {
			s.sessionID.Store(nil)
			s.hasSeq.Store(false)
			s.setState(GatewaySessionStateIdentifying)
			s.identifyOrResume()
		}
	}
}

func (s *GatewaySession) handleReadyLike(eventName string, d json.RawMessage) {
	if eventName == "READY" {
		var ready struct {
			SessionID string `json:"session_id"`
			ResumeURL string `json:"resume_gateway_url"`
		}
		sonic.Unmarshal(d, &ready)
		sid := ready.SessionID
		rurl := ready.ResumeURL
		s.sessionID.Store(&sid)
		s.resumeURL.Store(&rurl)
	}
	s.setState(GatewaySessionStateConnected)
}

// beginHandshake runs the identify-or-resume decision once Hello has been
// received, acquiring the shared identify slot only when a fresh Identify
// (not a Resume) is about to be sent.
func (s *GatewaySession) beginHandshake() {
	if sid := s.sessionID.Load(); sid != nil && *sid != "" && s.hasSeq.Load() {
		s.setState(GatewaySessionStateResuming)
		s.sendResume()
		return
	}
	s.identifyOrResume()
}

func (s *GatewaySession) identifyOrResume() {
	if sid := s.sessionID.Load(); sid != nil && *sid != "" && s.hasSeq.Load() {
		s.setState(GatewaySessionStateResuming)
		s.sendResume()
		return
	}
	if s.identifyGate != nil {
		if err := s.identifyGate.Acquire(context.Background()); err != nil {
			s.logger.WithField("err", err).Error("identify gate acquire failed")
			return
		}
	}
	s.setState(GatewaySessionStateReadyWait)
	s.sendIdentify()
}

func (s *GatewaySession) sendIdentify() error {
	payload := map[string]any{
		"op": gatewayOpcodeIdentify,
		"d": map[string]any{
			"token": s.token,
			"properties": map[string]string{
				"os":      "linux",
				"browser": LIB_NAME,
				"device":  LIB_NAME,
			},
			"shards":  [2]int{s.shardID, s.shardCount},
			"intents": s.intents,
		},
	}
	return s.sendCommand(payload)
}

func (s *GatewaySession) sendResume() error {
	var sid string
	if p := s.sessionID.Load(); p != nil {
		sid = *p
	}
	payload := map[string]any{
		"op": gatewayOpcodeResume,
		"d": map[string]any{
			"token":      s.token,
			"session_id": sid,
			"seq":        s.seq.Load(),
		},
	}
	if err := s.sendCommand(payload); err != nil {
		return err
	}
	s.setState(GatewaySessionStateReadyWait)
	return nil
}

func (s *GatewaySession) sendHeartbeat() error {
	var seq any
	if s.hasSeq.Load() {
		seq = s.seq.Load()
	}
	return s.sendRaw(map[string]any{"op": gatewayOpcodeHeartbeat, "d": seq})
}

// sendCommand sends a non-heartbeat outbound frame, gated by the session's
// 120-per-60s outbound command window.
func (s *GatewaySession) sendCommand(payload map[string]any) error {
	if err := s.outboundGate.Acquire(context.Background()); err != nil {
		return err
	}
	return s.sendRaw(payload)
}

func (s *GatewaySession) sendRaw(payload map[string]any) error {
	body, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrClosed
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, body)
}

func (s *GatewaySession) startHeartbeat(interval time.Duration) {
	s.mu.Lock()
	stop := s.heartbeatStop
	s.mu.Unlock()

	jitter := rand.Float64()
	first := time.Duration(float64(interval) * jitter)

	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			if !s.lastAckOK.Load() {
				if s.missedAcks.Add(1) >= 2 {
					s.logger.Error("two consecutive heartbeats unacknowledged, forcing reconnect")
					s.closeWithCode(4000)
					s.closeAndReconnect()
					return
				}
			}
			s.lastAckOK.Store(false)

			start := MonotonicNow()
			if err := s.sendHeartbeat(); err != nil {
				s.logger.WithField("err", err).Error("heartbeat send failed")
				return
			}
			s.latencyMs.Store(MonotonicSinceMs(start))

			timer.Reset(interval)
		}
	}
}

func (s *GatewaySession) handleSocketClose(err error, info *closeInfo) {
	s.mu.Lock()
	s.outboundGate.Close()
	s.outboundGate = NewTimesPerWindow(outboundWindowLimit, outboundWindowPeriod)
	s.mu.Unlock()

	code, reason := 0, ""
	if info != nil {
		code, reason = info.code, info.reason

		if mk, fatal := fatalCloseCodes[info.code]; fatal {
			s.setState(GatewaySessionStateDisconnected)
			s.reportCritical(mk())
			return
		}

		if info.code == 1000 || info.code == 1001 {
			s.reportDisconnect(&DisconnectError{Code: info.code, Reason: info.reason})
		} else if _, known := reconnectableCloseCodes[info.code]; known {
			s.logger.WithField("code", info.code).Error("gateway closed with reconnectable code")
			s.reportDisconnect(&DisconnectError{Code: info.code, Reason: info.reason})
		} else {
			s.logger.WithField("code", info.code).Error("gateway closed with unhandled close code")
			s.reportDisconnect(&UnhandledCloseCodeError{Code: info.code})
		}
	} else if err != nil {
		s.logger.WithField("err", err).Error("gateway socket read error")
	}

	if s.reconnectCheck != nil && !s.reconnectCheck(code, reason) {
		s.setState(GatewaySessionStateDisconnected)
		s.reportCritical(&ReconnectCheckFailedError{})
		return
	}

	s.closeAndReconnect()
}

// reportDisconnect invokes the session's disconnect callback, if any, for
// observability on a non-fatal close. It never influences reconnection.
func (s *GatewaySession) reportDisconnect(err error) {
	if s.disconnectFn != nil {
		s.disconnectFn(err)
	}
}

func (s *GatewaySession) closeWithCode(code int) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	msg := ws.NewCloseFrameBody(ws.StatusCode(code), "")
	wsutil.WriteClientMessage(conn, ws.OpClose, msg)
}

// closeAndReconnect tears down the current connection and dials a new one.
// Both the heartbeat loop (on missed acks) and the read loop (on a closed
// socket or Reconnect opcode) can reach this for the same dead connection -
// closing our own conn from one path unblocks the other's blocking read,
// which would otherwise also call in here and race to reconnect twice. The
// reconnecting flag makes only the first caller actually tear down/redial;
// the loser simply returns once it observes the flag already set. A read
// loop whose conn has already been replaced exits without calling in here.
func (s *GatewaySession) closeAndReconnect() {
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer s.reconnecting.Store(false)

	s.setState(GatewaySessionStateReconnecting)

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.zlib != nil {
		ReleaseZlibReader(s.zlib)
		s.zlib = nil
	}
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		s.logger.WithField("err", err).Error("reconnect dial failed")
	}
}

func (s *GatewaySession) reportCritical(err error) {
	s.logger.WithField("err", err).Error("fatal gateway condition, shard stopped")
	if s.criticalFn != nil {
		s.criticalFn(err)
	}
}

// Close sends a graceful close frame (1000 if the session is resumable and
// should be kept for a future Connect, 1001 to discard the session
// entirely) and stops every background timer.
func (s *GatewaySession) Close(resumable bool) {
	s.closeOnce.Do(func() {
		code := 1001
		if resumable {
			code = 1000
		} else {
			s.sessionID.Store(nil)
			s.hasSeq.Store(false)
		}
		s.closeWithCode(code)

		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		if s.zlib != nil {
			ReleaseZlibReader(s.zlib)
			s.zlib = nil
		}
		if s.heartbeatStop != nil {
			close(s.heartbeatStop)
			s.heartbeatStop = nil
		}
		if s.outboundGate != nil {
			s.outboundGate.Close()
		}
		s.mu.Unlock()

		s.setState(GatewaySessionStateDisconnected)
	})
}
