package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Session is a persistent duplex session with one remote surface. Calls are
// correlated to replies by message id; each id resolves at most once.
type Session struct {
	conn   *websocket.Conn
	logger *zap.Logger

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan message
	closed  bool

	onClose   func()
	done      chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}
}

// Dial opens a session to wsURL. onClose, if set, runs once after the session ends
// for any reason.
func Dial(ctx context.Context, wsURL string, logger *zap.Logger, onClose func()) (*Session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open session to %s: %w", wsURL, err)
	}

	s := &Session{
		conn:     conn,
		logger:   logger,
		pending:  make(map[int64]chan message),
		onClose:  onClose,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Call sends method with params and waits for the correlated reply or ctx to end.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (RawMessage, error) {
	id := s.nextID.Add(1)
	reply := make(chan message, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.pending[id] = reply
	s.mu.Unlock()

	data, err := codec.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		s.forget(id)
		return nil, fmt.Errorf("failed to encode %s: %w", method, err)
	}
	if err := s.write(data); err != nil {
		s.forget(id)
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case msg, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("%s: %w", method, ErrSessionClosed)
		}
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: %w", method, msg.Error)
		}
		return msg.Result, nil
	case <-ctx.Done():
		s.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s (id %d): %w", method, id, ErrCallTimeout)
		}
		return nil, ctx.Err()
	}
}

// Evaluate runs expression in the surface, awaiting a returned promise, and yields
// the by-value result. A missing reply after timeout fails with ErrCallTimeout.
func (s *Session) Evaluate(ctx context.Context, expression string, timeout time.Duration) (RawMessage, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	params := runtime.Evaluate(expression).
		WithAwaitPromise(true).
		WithUserGesture(true).
		WithReturnByValue(true).
		WithAllowUnsafeEvalBlockedByCSP(true)

	raw, err := s.Call(callCtx, runtime.CommandEvaluate, params)
	if err != nil {
		return nil, err
	}

	var reply evaluateReply
	if err := Decode(raw, &reply); err != nil {
		return nil, err
	}
	if reply.ExceptionDetails != nil {
		return nil, fmt.Errorf("%w: %s", ErrEvaluation, reply.ExceptionDetails)
	}
	if len(reply.Result.Value) == 0 {
		return RawMessage("null"), nil
	}
	return reply.Result.Value, nil
}

// Close ends the session and waits for its reader to exit.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	<-s.readDone
	return err
}

func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	defer s.shutdown()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Session read ended.", zap.Error(err))
			}
			return
		}

		var msg message
		if err := codec.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("Dropping undecodable message.", zap.Error(err))
			continue
		}
		if msg.ID == 0 {
			// Events are not subscribed to; anything unsolicited is ignored.
			continue
		}

		s.mu.Lock()
		reply, ok := s.pending[msg.ID]
		delete(s.pending, msg.ID)
		s.mu.Unlock()

		if ok {
			reply <- msg
		}
	}
}

// shutdown fails all pending calls and runs onClose. Runs once, from the reader.
func (s *Session) shutdown() {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[int64]chan message)
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	_ = s.conn.Close()
	close(s.done)

	if s.onClose != nil {
		s.onClose()
	}
}
