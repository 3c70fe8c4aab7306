package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"vaultKeeper/internal/retry"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsPingInterval     = 30 * time.Second
	wsReadTimeout      = 90 * time.Second
	wsDispatchBuffer   = 1024
)

// AccountHandler receives pushed account updates.
type AccountHandler func(AccountInfo)

type update struct {
	handler AccountHandler
	info    AccountInfo
}

type subscription struct {
	method  string
	params  []any
	key     solana.PublicKey
	handler AccountHandler
}

// Subscriber maintains account and program subscriptions over a websocket,
// re-subscribing everything after a reconnect. Handlers run one at a time
// on a dispatch goroutine, never on the read loop.
type Subscriber struct {
	url        string
	commitment string
	backoff    retry.Backoff
	logger     *zap.Logger

	mu     sync.Mutex
	subs   []*subscription
	active map[uint64]*subscription

	updates chan update

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func NewSubscriber(url, commitment string, backoff retry.Backoff, logger *zap.Logger) *Subscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if commitment == "" {
		commitment = "confirmed"
	}
	if backoff == nil {
		backoff = retry.Exponential{Base: time.Second, Max: time.Minute}
	}
	return &Subscriber{
		url:        url,
		commitment: commitment,
		backoff:    backoff,
		logger:     logger,
		active:     make(map[uint64]*subscription),
		updates:    make(chan update, wsDispatchBuffer),
	}
}

// AccountSubscribe registers handler for updates to key.
func (s *Subscriber) AccountSubscribe(key solana.PublicKey, handler AccountHandler) {
	s.add(&subscription{
		method:  "accountSubscribe",
		params:  []any{key.String(), map[string]any{"encoding": "base64", "commitment": s.commitment}},
		key:     key,
		handler: handler,
	})
}

// ProgramSubscribe registers handler for updates to accounts owned by program.
func (s *Subscriber) ProgramSubscribe(program solana.PublicKey, filters []Filter, handler AccountHandler) {
	cfg := map[string]any{"encoding": "base64", "commitment": s.commitment}
	if len(filters) > 0 {
		rpcFilters := make([]map[string]any, len(filters))
		for i, f := range filters {
			rpcFilters[i] = f.toRPC()
		}
		cfg["filters"] = rpcFilters
	}
	s.add(&subscription{
		method:  "programSubscribe",
		params:  []any{program.String(), cfg},
		handler: handler,
	})
}

func (s *Subscriber) add(sub *subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	id := uint64(len(s.subs))
	s.mu.Unlock()

	// Subscribe now when connected, otherwise on the next connect.
	if err := s.send(sub, id); err != nil {
		s.logger.Debug("deferred subscription", zap.String("method", sub.method), zap.Error(err))
	}
}

// Run connects and dispatches notifications until ctx is done. The
// reconnect backoff restarts after every session that got subscribed.
func (s *Subscriber) Run(ctx context.Context) error {
	go s.dispatch(ctx)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		subscribed, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			failures = 0
		}
		failures++
		delay := s.backoff.Delay(failures)
		s.logger.Warn("websocket disconnected", zap.Error(err), zap.Int("failures", failures), zap.Duration("retry_in", delay))
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.updates:
			u.handler(u.info)
		}
	}
}

// session reports whether every subscription was sent before it ended.
func (s *Subscriber) session(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	defer s.closeConn()

	s.mu.Lock()
	s.active = make(map[uint64]*subscription)
	subs := append([]*subscription(nil), s.subs...)
	s.mu.Unlock()

	for i, sub := range subs {
		if err := s.send(sub, uint64(i+1)); err != nil {
			return false, fmt.Errorf("subscribe %s: %w", sub.method, err)
		}
	}
	s.logger.Info("websocket connected", zap.Int("subscriptions", len(subs)))

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(ctx, done)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		s.handleMessage(msg)
	}
}

func (s *Subscriber) pingLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.closeConn()
			return
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			if s.conn != nil {
				_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsHandshakeTimeout))
			}
			s.writeMu.Unlock()
		}
	}
}

func (s *Subscriber) closeConn() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Subscriber) send(sub *subscription, id uint64) error {
	req, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  sub.method,
		"params":  sub.params,
	})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	return s.conn.WriteMessage(websocket.TextMessage, req)
}

type wsMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Method string `json:"method"`
	Params *struct {
		Subscription uint64          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

type notificationResult struct {
	Context rpcContext      `json:"context"`
	Value   json.RawMessage `json:"value"`
}

// Request ids are the 1-based position of the subscription in s.subs.
func (s *Subscriber) handleMessage(msg []byte) {
	var m wsMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		s.logger.Warn("invalid websocket message", zap.Error(err))
		return
	}

	if m.ID != nil {
		var sub *subscription
		s.mu.Lock()
		if idx := int(*m.ID) - 1; idx >= 0 && idx < len(s.subs) {
			sub = s.subs[idx]
		}
		s.mu.Unlock()
		if sub == nil {
			return
		}
		if m.Error != nil {
			s.logger.Error("subscription rejected", zap.String("method", sub.method), zap.Int("code", m.Error.Code), zap.String("message", m.Error.Message))
			return
		}
		var subID uint64
		if err := json.Unmarshal(m.Result, &subID); err != nil {
			return
		}
		s.mu.Lock()
		s.active[subID] = sub
		s.mu.Unlock()
		return
	}

	if m.Params == nil {
		return
	}
	s.mu.Lock()
	sub := s.active[m.Params.Subscription]
	s.mu.Unlock()
	if sub == nil {
		return
	}

	info, err := decodeNotification(m.Method, sub.key, m.Params.Result)
	if err != nil {
		s.logger.Warn("invalid notification", zap.String("method", m.Method), zap.Error(err))
		return
	}
	select {
	case s.updates <- update{handler: sub.handler, info: info}:
	default:
		// polling refreshes pick the account up again
		s.logger.Warn("handlers behind, update dropped", zap.Stringer("account", info.Key), zap.Uint64("slot", info.Slot))
	}
}

func decodeNotification(method string, key solana.PublicKey, raw json.RawMessage) (AccountInfo, error) {
	var res notificationResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return AccountInfo{}, err
	}
	switch method {
	case "accountNotification":
		var acct rpcAccount
		if err := json.Unmarshal(res.Value, &acct); err != nil {
			return AccountInfo{}, err
		}
		info, err := acct.toAccountInfo(key, res.Context.Slot)
		if err != nil {
			return AccountInfo{}, err
		}
		return *info, nil
	case "programNotification":
		var keyed keyedAccount
		if err := json.Unmarshal(res.Value, &keyed); err != nil {
			return AccountInfo{}, err
		}
		pk, err := solana.PublicKeyFromBase58(keyed.Pubkey)
		if err != nil {
			return AccountInfo{}, err
		}
		info, err := keyed.Account.toAccountInfo(pk, res.Context.Slot)
		if err != nil {
			return AccountInfo{}, err
		}
		return *info, nil
	default:
		return AccountInfo{}, fmt.Errorf("unexpected method %q", method)
	}
}
