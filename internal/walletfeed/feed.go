// Package walletfeed listens on the platform's wallet event feed and
// translates pushed events into engine calls.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// messages. A single event loop goroutine (Listen) processes inbound
// messages and heartbeat ticks, and owns all writes to the connection.
// Connection loss triggers reconnection with exponential backoff and
// jitter.
package walletfeed

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/fastbreakhq/walletsync/internal/session"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 90 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second
)

// wsConn is the subset of the websocket connection the listener uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Sink receives the wallet events decoded from the feed. The sync
// engine satisfies it.
type Sink interface {
	OnWalletConnect(ctx context.Context, userID, address string) (*session.Session, error)
	OnWalletDisconnect(ctx context.Context)
	OnNFTCollectionChange(ctx context.Context, address string)
}

// inboundMsg wraps a message read from the WebSocket by the reader
// goroutine.
type inboundMsg struct {
	data []byte
	err  error
}

// Listener maintains the feed connection and dispatches its messages.
type Listener struct {
	url    string
	sink   Sink
	logger *slog.Logger

	conn      wsConn
	inboundCh chan inboundMsg

	// dial and sleep are injected so tests use a mock connection and
	// fast-forward the backoff waits.
	dial  func(ctx context.Context) (wsConn, error)
	sleep func(ctx context.Context, d time.Duration) error

	lastMessage time.Time
	lastMsgMu   sync.Mutex

	// connCancel stops the reader goroutine of the current connection
	// before reconnecting.
	connCancel context.CancelFunc
}

// NewListener creates a feed listener for the given websocket URL.
func NewListener(url string, sink Sink, logger *slog.Logger) *Listener {
	l := &Listener{
		url:    url,
		sink:   sink,
		logger: logger,
		sleep:  sleepContext,
	}
	l.dial = func(ctx context.Context) (wsConn, error) {
		conn, _, err := websocket.Dial(ctx, l.url, nil)
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(1 << 20)
		return conn, nil
	}
	return l
}

// Connect dials the feed.
func (l *Listener) Connect(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing wallet feed: %w", err)
	}
	l.conn = conn
	l.touchLastMessage()
	l.logger.Info("wallet feed connected", slog.String("url", l.url))
	return nil
}

// Listen is the event loop with automatic reconnection. Returns only on
// context cancellation.
func (l *Listener) Listen(ctx context.Context) error {
	backoff := reconnectMin

	for {
		if l.conn == nil {
			if err := l.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				l.logger.Warn("feed connect failed",
					slog.String("error", err.Error()),
					slog.Duration("backoff", backoff),
				)
				if serr := l.sleep(ctx, withJitter(backoff)); serr != nil {
					return serr
				}
				backoff = min(backoff*2, reconnectMax)
				continue
			}
			backoff = reconnectMin
		}

		err := l.eventLoop(ctx)
		l.closeConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.logger.Warn("feed connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)
		if serr := l.sleep(ctx, withJitter(backoff)); serr != nil {
			return serr
		}
		backoff = min(backoff*2, reconnectMax)
	}
}

// eventLoop processes one connection. It selects on inbound messages
// and the heartbeat ticker; all writes happen here. Returns on read
// error or heartbeat timeout.
func (l *Listener) eventLoop(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	l.connCancel = cancel
	defer cancel()

	l.inboundCh = make(chan inboundMsg, 16)
	go l.reader(connCtx, l.conn, l.inboundCh)

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-l.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}
			l.touchLastMessage()
			l.handleInbound(ctx, msg.data)

		case <-ticker.C:
			l.lastMsgMu.Lock()
			elapsed := time.Since(l.lastMessage)
			l.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				l.conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("heartbeat timeout")
			}
			if elapsed > pingAfter {
				if err := l.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reader feeds inboundCh until the connection or context dies.
func (l *Listener) reader(ctx context.Context, conn wsConn, ch chan<- inboundMsg) {
	for {
		_, data, err := conn.Read(ctx)
		select {
		case ch <- inboundMsg{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// handleInbound dispatches one feed message. Malformed messages are
// logged and dropped; the feed must never take the engine down.
func (l *Listener) handleInbound(ctx context.Context, data []byte) {
	msgType := gjson.GetBytes(data, "type").String()

	switch msgType {
	case "wallet_connected":
		userID := gjson.GetBytes(data, "userId").String()
		address := gjson.GetBytes(data, "address").String()
		if userID == "" || address == "" {
			l.logger.Warn("wallet_connected missing userId or address")
			return
		}
		if _, err := l.sink.OnWalletConnect(ctx, userID, address); err != nil {
			l.logger.Warn("handling wallet connect", slog.String("error", err.Error()))
		}

	case "wallet_disconnected":
		l.sink.OnWalletDisconnect(ctx)

	case "nft_collection_changed":
		address := gjson.GetBytes(data, "address").String()
		if address == "" {
			l.logger.Warn("nft_collection_changed missing address")
			return
		}
		l.sink.OnNFTCollectionChange(ctx, address)

	case "ping":
		if err := l.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`)); err != nil {
			l.logger.Warn("sending pong", slog.String("error", err.Error()))
		}

	case "pong":
		// Heartbeat reply; lastMessage was already touched.

	default:
		l.logger.Debug("unknown feed message", slog.String("type", msgType))
	}
}

func (l *Listener) closeConn() {
	if l.connCancel != nil {
		l.connCancel()
	}
	if l.conn != nil {
		l.conn.Close(websocket.StatusNormalClosure, "")
		l.conn = nil
	}
}

func (l *Listener) touchLastMessage() {
	l.lastMsgMu.Lock()
	l.lastMessage = time.Now()
	l.lastMsgMu.Unlock()
}

// withJitter adds up to 50% random jitter so reconnecting clients do
// not stampede the server in lockstep.
func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int64N(int64(d)/2))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
