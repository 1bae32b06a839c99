package electrum

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/electrum-go/interface/params"
)

// Timeouts holds the seconds-denominated request deadlines from spec.md
// §6. Urgent is used whenever a request is issued while holding the
// global header lock.
type Timeouts struct {
	Normal, Relaxed, MostRelaxed time.Duration
}

// DefaultGenericTimeouts and DefaultUrgentTimeouts are the constants
// named in spec.md §6.
var (
	DefaultGenericTimeouts = Timeouts{Normal: 30 * time.Second, Relaxed: 45 * time.Second, MostRelaxed: 180 * time.Second}
	DefaultUrgentTimeouts  = Timeouts{Normal: 10 * time.Second, Relaxed: 20 * time.Second, MostRelaxed: 60 * time.Second}
)

const pingInterval = 300 * time.Second
const livenessPollInterval = time.Second

// Config configures a single Interface. ClientVersion/ProtocolVersion are
// what server.version() advertises; ConfigDir roots the certificate
// store.
type Config struct {
	ConfigDir       string
	ClientVersion   string
	ProtocolVersion string

	Generic Timeouts
	Urgent  Timeouts

	// CheckGenesis additionally verifies server.features' genesis_hash
	// against ExpectedGenesisHash during handshake (§12 supplemented
	// feature). Some ElectrumX deployments don't implement
	// server.features, so this defaults to off.
	CheckGenesis        bool
	ExpectedGenesisHash string

	// ShouldClose, if set, is polled by the liveness monitor sub-task
	// every second; returning true raises a graceful disconnect, mirroring
	// the reference client's is_closing() poll.
	ShouldClose func() bool
}

// SetDefaults fills in zero-valued timeout fields with spec.md §6's
// constants, the way geth's eth.Config/les.Config do.
func (c *Config) SetDefaults() {
	if c.Generic == (Timeouts{}) {
		c.Generic = DefaultGenericTimeouts
	}
	if c.Urgent == (Timeouts{}) {
		c.Urgent = DefaultUrgentTimeouts
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "1.0"
	}
	if c.ProtocolVersion == "" {
		c.ProtocolVersion = "1.4"
	}
}

// latch is a single-shot signal, fulfilled or cancelled at most once,
// modeling spec.md §3's "ready"/"disconnected" readiness latches.
type latch struct {
	once      sync.Once
	done      chan struct{}
	cancelled atomic.Bool
}

func newLatch() *latch { return &latch{done: make(chan struct{})} }

func (l *latch) Fulfill() { l.once.Do(func() { close(l.done) }) }

func (l *latch) Cancel() {
	l.cancelled.Store(true)
	l.once.Do(func() { close(l.done) })
}

func (l *latch) Done() <-chan struct{} { return l.done }

func (l *latch) Cancelled() bool { return l.cancelled.Load() }

// Interface is the per-peer Electrum session described in spec.md §4.G:
// it owns a Session, a SyncState bound to a HeaderOracle, and the three
// cooperating sub-tasks (ping, tip watcher, liveness monitor).
type Interface struct {
	addr      ServerAddress
	net       *params.Network
	certStore *CertStore
	hooks     NetworkHooks
	oracle    HeaderOracle
	cfg       Config

	session *Session
	fetcher *HeaderFetcher
	sync    *SyncState

	tipMu     sync.Mutex
	tipHeight uint32
	tipHeader Header
	hasTip    bool

	pingLatency atomic.Int64 // nanoseconds

	ready        *latch
	disconnected *latch

	log log.Logger
}

// NewInterface builds an Interface for one server address. Call Run to
// connect and drive it; Run blocks until the session ends.
func NewInterface(addr ServerAddress, net *params.Network, certStore *CertStore, oracle HeaderOracle, hooks NetworkHooks, cfg Config) *Interface {
	cfg.SetDefaults()
	return &Interface{
		addr:         addr,
		net:          net,
		certStore:    certStore,
		oracle:       oracle,
		hooks:        hooks,
		cfg:          cfg,
		ready:        newLatch(),
		disconnected: newLatch(),
		log:          log.New("module", "electrum/interface", "addr", addr.String()),
	}
}

// ReadyLatch returns the latch that is fulfilled once the interface has
// chosen a starting chain binding, or cancelled if the session ended
// before that (the interface never became usable). Its Done channel closes
// in both cases; Cancelled tells them apart.
func (iface *Interface) ReadyLatch() *latch { return iface.ready }

// DisconnectedLatch signals the interface's session has ended.
func (iface *Interface) DisconnectedLatch() *latch { return iface.disconnected }

// Tip returns the most recently observed peer tip.
func (iface *Interface) Tip() (height uint32, header Header, ok bool) {
	iface.tipMu.Lock()
	defer iface.tipMu.Unlock()
	return iface.tipHeight, iface.tipHeader, iface.hasTip
}

// Chain returns the chain the sync state machine is currently bound to,
// or nil before readiness.
func (iface *Interface) Chain() Chain {
	if iface.sync == nil {
		return nil
	}
	return iface.sync.Chain()
}

// PingLatency returns the most recently measured server.ping round trip
// (§12 supplemented feature).
func (iface *Interface) PingLatency() time.Duration {
	return time.Duration(iface.pingLatency.Load())
}

// GetPurportedCheckpoint exposes the sync state machine's most recently
// validated checkpoint proof (§12 supplemented feature).
func (iface *Interface) GetPurportedCheckpoint() (Header, bool) {
	if iface.sync == nil {
		return Header{}, false
	}
	return iface.sync.GetPurportedCheckpoint()
}

// Close closes the underlying session, unblocking Run.
func (iface *Interface) Close() error {
	if iface.session != nil {
		return iface.session.Close()
	}
	return nil
}

// GetBlockHeader and RequestChunk are exposed to Network per spec.md §6.
func (iface *Interface) GetBlockHeader(ctx context.Context, height uint32, mustProvideProof bool) (Header, bool, error) {
	return iface.fetcher.GetBlockHeader(ctx, height, ModeCatchup, mustProvideProof)
}

func (iface *Interface) RequestChunk(ctx context.Context, startHeight, tip uint32) (bool, int, error) {
	return iface.fetcher.RequestChunk(ctx, iface.oracle, startHeight, tip, true)
}

// dial opens the transport for addr: a plain TCP connection, or a
// TOFU-pinned TLS connection per CertStore.AcquireTLSContext.
func (iface *Interface) dial(ctx context.Context) (net.Conn, error) {
	hostPort := net.JoinHostPort(iface.addr.Host, fmt.Sprintf("%d", iface.addr.Port))

	dialTLS := func(tlsCfg *tls.Config) (*tls.Conn, error) {
		dialer := &net.Dialer{Timeout: iface.cfg.Generic.Normal}
		return tls.DialWithDialer(dialer, "tcp", hostPort, tlsCfg)
	}

	tlsCfg, err := iface.certStore.AcquireTLSContext(ctx, iface.addr, dialTLS)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		dialer := &net.Dialer{Timeout: iface.cfg.Generic.Normal}
		return dialer.DialContext(ctx, "tcp", hostPort)
	}
	return dialTLS(tlsCfg)
}

// Run implements spec.md §4.G's full session lifecycle: connect,
// handshake, spawn sub-tasks, and tear down however the session ends.
func (iface *Interface) Run(ctx context.Context) (err error) {
	defer func() {
		iface.log.Info("interface disconnecting", "err", err)
		iface.hooks.ConnectionDown(iface)
		iface.disconnected.Fulfill()
		if !iface.ready.Cancelled() {
			select {
			case <-iface.ready.Done():
			default:
				iface.ready.Cancel()
			}
		}
	}()

	conn, err := iface.dial(ctx)
	if err != nil {
		return err
	}
	iface.session = NewSession(conn)
	iface.fetcher = NewHeaderFetcher(iface.session, iface.net, iface.cfg.Urgent.Normal)
	iface.sync = NewSyncState(iface.net, iface.oracle, iface.fetcher)

	if err := iface.handshake(ctx); err != nil {
		iface.session.Close()
		return err
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return iface.pingLoop(gctx) })
	group.Go(func() error { return iface.tipWatcher(gctx) })
	group.Go(func() error { return iface.livenessMonitor(gctx) })

	err = group.Wait()
	iface.session.Close()
	return err
}

// handshake sends server.version, classifying any failure as a version
// mismatch, then optionally cross-checks server.features' genesis hash.
func (iface *Interface) handshake(ctx context.Context) error {
	_, err := iface.session.Request(ctx, "server.version", []any{iface.cfg.ClientVersion, iface.cfg.ProtocolVersion}, iface.cfg.Generic.Normal)
	if err != nil {
		return newGracefulDisconnect("server.version handshake failed, likely a protocol version mismatch", err)
	}

	if iface.cfg.CheckGenesis {
		raw, err := iface.session.Request(ctx, "server.features", nil, iface.cfg.Generic.Normal)
		if err != nil {
			return newGracefulDisconnect("server.features failed during handshake", err)
		}
		var features struct {
			GenesisHash string `json:"genesis_hash"`
		}
		if err := json.Unmarshal(raw, &features); err != nil {
			return newProtocolError("malformed server.features response", err)
		}
		if features.GenesisHash != "" && features.GenesisHash != iface.cfg.ExpectedGenesisHash {
			return newGracefulDisconnect("server genesis hash does not match expected network", nil)
		}
	}
	return nil
}

func (iface *Interface) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			if _, err := iface.session.Request(ctx, "server.ping", nil, iface.cfg.Generic.Normal); err != nil {
				return newGracefulDisconnect("server.ping failed", err)
			}
			iface.pingLatency.Store(int64(time.Since(start)))
		}
	}
}

func (iface *Interface) livenessMonitor(ctx context.Context) error {
	if iface.cfg.ShouldClose == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(livenessPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if iface.cfg.ShouldClose() {
				return newGracefulDisconnect("session closing", nil)
			}
		}
	}
}

// tipWatcher subscribes to blockchain.headers.subscribe and drives the
// sync state machine for every tip notification, under the Network-owned
// header lock.
func (iface *Interface) tipWatcher(ctx context.Context) error {
	queue, first, err := iface.session.Subscribe(ctx, "blockchain.headers.subscribe", nil, iface.cfg.Generic.Normal)
	if err != nil {
		return err
	}

	if err := iface.onTip(ctx, first); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-queue:
			if !ok {
				return newGracefulDisconnect("subscription channel closed", nil)
			}
			if err := iface.onTip(ctx, raw); err != nil {
				return err
			}
		}
	}
}

type headersSubscribeResult struct {
	Hex    string `json:"hex"`
	Height uint32 `json:"height"`
}

func (iface *Interface) onTip(ctx context.Context, raw []byte) error {
	var result headersSubscribeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return newProtocolError("malformed headers.subscribe payload", err)
	}
	header, err := parseHeader(result.Height, result.Hex)
	if err != nil {
		return err
	}

	if result.Height < iface.net.MaxCheckpoint {
		return newGracefulDisconnect("server tip below max checkpoint", nil)
	}

	iface.tipMu.Lock()
	iface.tipHeight, iface.tipHeader, iface.hasTip = result.Height, header, true
	iface.tipMu.Unlock()

	if !iface.sync.Ready() {
		iface.sync.Bind(header)
		iface.ready.Fulfill()
	}

	var updated bool
	lockErr := iface.hooks.WithHeaderLock(func() error {
		var err error
		updated, err = iface.sync.ProcessHeaderAtTip(ctx, result.Height, header)
		return err
	})
	if lockErr != nil {
		return lockErr
	}
	if updated {
		iface.hooks.BlockchainUpdated(iface)
	}
	iface.hooks.NetworkUpdated(iface)
	return nil
}
