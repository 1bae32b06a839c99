package electrum

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/semaphore"
)

// MaxFrameSize is the inbound JSON-RPC frame size limit from spec.md §3:
// raised from a typical 1 MiB default to accommodate AuxPoW chunk
// responses, whose headers can run well past 80 bytes each.
const MaxFrameSize = 20 * 1024 * 1024

// MaxInFlight bounds the number of simultaneously outstanding requests
// per session (spec.md §3 InFlightRequest invariant).
const MaxInFlight = 100

// subscriptionCacheSize bounds the number of distinct subscription keys a
// single peer can make this session track, so a malicious or buggy peer
// can't grow unbounded memory by spamming distinct subscribe calls.
const subscriptionCacheSize = 4096

type rpcFrame struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type pendingRequest struct {
	resultCh chan rpcResult
}

type rpcResult struct {
	raw json.RawMessage
	err error
}

// subscriptionEntry holds every consumer queue registered under one
// canonical subscription key, plus the single cached last value. Only
// ever touched from the session's own read loop or while callers hold
// subsMu, so there is no reentrancy into consumer code (spec.md §4.C
// "callback-free fan-out").
type subscriptionEntry struct {
	queues    []chan json.RawMessage
	hasCached bool
	cached    json.RawMessage
}

// Session is the notification session described in spec.md §4.C: a
// framed JSON-RPC 2.0 transport with bounded in-flight request
// multiplexing and a subscription/notification cache.
type Session struct {
	conn   net.Conn
	writeM sync.Mutex
	reader *bufio.Scanner

	sem *semaphore.Weighted

	mu      sync.Mutex
	pending map[int64]*pendingRequest
	nextID  int64

	subsMu sync.Mutex
	subs   *lru.Cache // key (string) -> *subscriptionEntry, bounded so a peer can't grow it unboundedly

	closed   atomic.Bool
	closeErr atomic.Value // error

	log log.Logger
}

// NewSession wraps an already-established connection (plaintext or TLS)
// in a framed JSON-RPC session and starts its read loop.
func NewSession(conn net.Conn) *Session {
	subs, _ := lru.New(subscriptionCacheSize)
	s := &Session{
		conn:    conn,
		sem:     semaphore.NewWeighted(MaxInFlight),
		pending: make(map[int64]*pendingRequest),
		subs:    subs,
		log:     log.New("module", "electrum/session", "remote", conn.RemoteAddr()),
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxFrameSize)
	s.reader = scanner
	go s.readLoop()
	return s
}

// subscriptionKey builds the canonical, order-stable key for a (method,
// params) pair. Electrum subscription params are JSON arrays, whose
// encoding is already order-stable, so a plain marshal is deterministic;
// this avoids the map-based, insertion-order-dependent hashing the spec
// warns against in its design notes.
func subscriptionKey(method string, params []any) (string, error) {
	if params == nil {
		params = []any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return method + "\x00" + string(raw), nil
}

// Request sends a single JSON-RPC call and waits for its response.
// Acquiring the in-flight semaphore does not count against timeout: the
// deadline starts only once the frame has actually been written to the
// wire, per spec.md §4.C.
func (s *Session) Request(ctx context.Context, method string, params []any, timeout time.Duration) (json.RawMessage, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	if params == nil {
		params = []any{}
	}

	id := atomic.AddInt64(&s.nextID, 1)
	pr := &pendingRequest{resultCh: make(chan rpcResult, 1)}

	s.mu.Lock()
	s.pending[id] = pr
	s.mu.Unlock()

	cleanup := func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		cleanup()
		return nil, err
	}
	frame := rpcFrame{ID: &id, Method: method, Params: paramsRaw}
	if err := s.writeFrame(frame); err != nil {
		cleanup()
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case res := <-pr.resultCh:
		return res.raw, res.err
	case <-deadline.C:
		cleanup()
		return nil, newGracefulDisconnect("request timed out", ErrRequestTimedOut)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// Subscribe registers interest in (method, params). If the key is already
// cached, the cached value is returned immediately with no round trip;
// otherwise a single request is issued, its result becomes the cached
// value, and it is returned. The returned channel then receives the
// subsequent notifications for this key for as long as the session lives;
// call Unsubscribe to stop receiving them. The channel buffers 16 values: a
// notification that arrives while it is full is dropped for that
// subscriber (the cached value is still updated).
func (s *Session) Subscribe(ctx context.Context, method string, params []any, timeout time.Duration) (<-chan json.RawMessage, json.RawMessage, error) {
	key, err := subscriptionKey(method, params)
	if err != nil {
		return nil, nil, err
	}

	s.subsMu.Lock()
	entry, ok := s.getEntry(key)
	if ok && entry.hasCached {
		queue := make(chan json.RawMessage, 16)
		entry.queues = append(entry.queues, queue)
		cached := entry.cached
		s.subsMu.Unlock()
		return queue, cached, nil
	}
	if !ok {
		entry = &subscriptionEntry{}
		s.subs.Add(key, entry)
	}
	queue := make(chan json.RawMessage, 16)
	entry.queues = append(entry.queues, queue)
	s.subsMu.Unlock()

	raw, err := s.Request(ctx, method, params, timeout)
	if err != nil {
		return nil, nil, err
	}

	s.subsMu.Lock()
	if !entry.hasCached {
		entry.hasCached = true
		entry.cached = raw
	}
	s.subsMu.Unlock()

	return queue, raw, nil
}

// Unsubscribe removes a local queue reference. Electrum subscriptions are
// not cancellable server-side; this only stops local delivery.
func (s *Session) Unsubscribe(method string, params []any, queue <-chan json.RawMessage) {
	key, err := subscriptionKey(method, params)
	if err != nil {
		return
	}
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	entry, ok := s.getEntry(key)
	if !ok {
		return
	}
	for i, q := range entry.queues {
		if q == queue {
			entry.queues = append(entry.queues[:i], entry.queues[i+1:]...)
			break
		}
	}
}

// getEntry looks up a subscription entry by its canonical key. Callers
// must hold subsMu.
func (s *Session) getEntry(key string) (*subscriptionEntry, bool) {
	v, ok := s.subs.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*subscriptionEntry), true
}

func (s *Session) writeFrame(f rpcFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	s.writeM.Lock()
	defer s.writeM.Unlock()
	_, err = s.conn.Write(data)
	return err
}

// readLoop is the session's single-threaded I/O context: every
// notification's cache write and queue fan-out happens here, and Subscribe
// stores its own response only while no notification has been cached for
// the key, so a fresh Subscribe can never observe a value older than one
// already delivered to another queue for the same key (spec.md §4.C cache
// coherence).
func (s *Session) readLoop() {
	defer s.shutdown()
	for s.reader.Scan() {
		line := s.reader.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame rpcFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			s.log.Debug("dropping malformed frame", "err", err)
			continue
		}
		if frame.ID != nil && frame.Method == "" {
			s.deliverResponse(frame)
			continue
		}
		if err := s.handleNotification(frame); err != nil {
			s.closeErr.Store(err)
			return
		}
	}
	if err := s.reader.Err(); err != nil {
		s.closeErr.Store(newProtocolError("frame too large or malformed", err))
	}
}

func (s *Session) deliverResponse(frame rpcFrame) {
	s.mu.Lock()
	pr, ok := s.pending[*frame.ID]
	if ok {
		delete(s.pending, *frame.ID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if frame.Error != nil {
		pr.resultCh <- rpcResult{err: frame.Error}
		return
	}
	pr.resultCh <- rpcResult{raw: frame.Result}
}

// handleNotification implements spec.md §4.C handle_incoming for the
// notification case: the last element of params is the new value, the
// leading elements combined with the method form the subscription key.
func (s *Session) handleNotification(frame rpcFrame) error {
	var params []json.RawMessage
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return newProtocolError("malformed notification params", err)
	}
	if len(params) == 0 {
		return newProtocolError("notification with no params", nil)
	}
	value := params[len(params)-1]
	keyParams := make([]any, len(params)-1)
	for i, p := range params[:len(params)-1] {
		keyParams[i] = json.RawMessage(p)
	}
	key, err := subscriptionKey(frame.Method, keyParams)
	if err != nil {
		return newProtocolError("could not canonicalize notification key", err)
	}

	s.subsMu.Lock()
	entry, ok := s.getEntry(key)
	if !ok {
		s.subsMu.Unlock()
		return newProtocolError(fmt.Sprintf("notification for unknown subscription %q", frame.Method), nil)
	}
	entry.hasCached = true
	entry.cached = value
	queues := make([]chan json.RawMessage, len(entry.queues))
	copy(queues, entry.queues)
	s.subsMu.Unlock()

	for _, q := range queues {
		select {
		case q <- value:
		default:
			s.log.Warn("dropping notification, consumer queue full", "method", frame.Method)
		}
	}
	return nil
}

func (s *Session) shutdown() {
	if s.closed.Swap(true) {
		return
	}
	s.conn.Close()
	s.mu.Lock()
	for id, pr := range s.pending {
		pr.resultCh <- rpcResult{err: io.ErrClosedPipe}
		delete(s.pending, id)
	}
	s.mu.Unlock()
}

// Close tears down the session's connection and wakes any in-flight
// requests with an error.
func (s *Session) Close() error {
	s.shutdown()
	return nil
}

// Err returns the reason the read loop stopped, if any.
func (s *Session) Err() error {
	if v := s.closeErr.Load(); v != nil {
		return v.(error)
	}
	return nil
}
