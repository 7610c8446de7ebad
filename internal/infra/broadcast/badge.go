package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"course_cart/internal/domain"
	"course_cart/internal/infra"

	"github.com/gorilla/websocket"
)

const (
	badgeMaxRetries  = 10
	badgeReadTimeout = 2 * pongWait
)

// BadgeWatcher follows a Hub from another surface (a header badge, another
// tab or process) and keeps the latest cart signal. It reconnects with
// exponential backoff.
type BadgeWatcher struct {
	url      string
	onSignal func(domain.CartSignal)
	backoff  func(retry int) time.Duration

	conn      *websocket.Conn
	mu        sync.RWMutex
	connected bool
	latest    domain.CartSignal
	seen      bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBadgeWatcher creates a watcher for the hub at url (ws:// or wss://).
// onSignal, if set, runs for every received signal on the watcher goroutine.
func NewBadgeWatcher(url string, onSignal func(domain.CartSignal)) *BadgeWatcher {
	return &BadgeWatcher{
		url:      url,
		onSignal: onSignal,
		backoff:  infra.CalculateBackoff,
	}
}

// Connect starts the connection loop in the background.
func (w *BadgeWatcher) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.connectionLoop(ctx)

	return nil
}

func (w *BadgeWatcher) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Badge watcher panic recovered", slog.Any("panic", r))
		}
	}()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("Badge watcher stopped")
			return
		default:
		}

		if err := w.connect(ctx); err != nil {
			slog.Warn("Badge watcher connection failed",
				slog.Any("error", err),
				slog.Int("retry", retryCount),
			)

			delay := w.backoff(retryCount)
			retryCount++
			if retryCount > badgeMaxRetries {
				retryCount = 0
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retryCount = 0
		w.readLoop(ctx)
	}
}

func (w *BadgeWatcher) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	header := make(http.Header)
	header.Add("User-Agent", infra.DefaultUserAgent)

	conn, _, err := dialer.DialContext(ctx, w.url, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	slog.Info("Badge watcher connected", slog.String("url", w.url))
	return nil
}

func (w *BadgeWatcher) readLoop(ctx context.Context) {
	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, w.closeConnection)
	defer stop()

	for {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(badgeReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Badge watcher read error", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}

		w.handleMessage(message)
	}
}

func (w *BadgeWatcher) handleMessage(message []byte) {
	var sig domain.CartSignal
	if err := json.Unmarshal(message, &sig); err != nil {
		slog.Debug("Badge watcher message parse error", slog.Any("error", err))
		return
	}

	w.mu.Lock()
	w.latest = sig
	w.seen = true
	w.mu.Unlock()

	if w.onSignal != nil {
		w.onSignal(sig)
	}
}

func (w *BadgeWatcher) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}

// Disconnect stops the watcher and waits for it to exit.
func (w *BadgeWatcher) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
}

// Count returns the latest known item count; 0 until a ready signal arrives.
func (w *BadgeWatcher) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.latest.Ready {
		return 0
	}
	return w.latest.Count
}

// Latest returns the last received signal.
func (w *BadgeWatcher) Latest() (domain.CartSignal, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latest, w.seen
}

// IsConnected returns connection status.
func (w *BadgeWatcher) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}
