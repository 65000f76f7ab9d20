// Package flood implements the mesh router: link lifecycle, packet
// deduplication and TTL-bounded flood relay.
package flood

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/examcast/internal/crypto"
	"github.com/postalsys/examcast/internal/logging"
	"github.com/postalsys/examcast/internal/metrics"
	"github.com/postalsys/examcast/internal/peer"
	"github.com/postalsys/examcast/internal/protocol"
	"github.com/postalsys/examcast/internal/recovery"
	"github.com/postalsys/examcast/internal/store"
	"github.com/postalsys/examcast/internal/transport"
)

// ErrStopped is returned by operations on a torn-down router.
var ErrStopped = errors.New("router stopped")

const persistTimeout = 5 * time.Second

// localOrigin is recorded as the source of originated packets.
const localOrigin = "local"

// State is the lifecycle state of a router.
type State int32

const (
	StateIdle State = iota
	StateListening
	StateDiscovering
	StateConnected
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateDiscovering:
		return "DISCOVERING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// MessageListener receives every accepted packet together with the address
// of the link it arrived on.
type MessageListener func(p *protocol.Packet, from string)

// ConnectionChangeListener receives the link count after it changes.
type ConnectionChangeListener func(connected int)

// MessageStore persists accepted packets.
type MessageStore interface {
	SaveMessage(ctx context.Context, rec store.MessageRecord) error
}

// AdvertiseConfig enables mDNS advertisement of the listener.
type AdvertiseConfig struct {
	Instance  string
	Service   string
	Domain    string
	SessionID string
}

// Config contains configuration for a router.
type Config struct {
	// Transport produces outbound and inbound links. Required.
	Transport transport.Transport

	// Discoverer finds candidate neighbours for StartDiscovery.
	Discoverer transport.Discoverer

	// Store receives accepted packets. Optional.
	Store MessageStore

	ListenAddr    string
	ListenOptions transport.ListenOptions
	DialOptions   transport.DialOptions

	// Advertise, when set, publishes the listener over mDNS.
	Advertise *AdvertiseConfig

	// WriteTimeout bounds each link write during a broadcast.
	WriteTimeout time.Duration

	// AcceptBackoff is the fixed wait after a failed accept.
	AcceptBackoff time.Duration

	// DiscoveryTimeout bounds StartDiscovery.
	DiscoveryTimeout time.Duration

	// RelayQueueSize bounds packets waiting to be relayed. When the queue is
	// full new relays are dropped.
	RelayQueueSize int

	// RelayRate limits relay broadcasts per second. Zero disables the limit.
	RelayRate  float64
	RelayBurst int

	// MaxRelaysPerID caps how often one packet id is relayed.
	MaxRelaysPerID int

	// DedupCapacity bounds the seen-id cache.
	DedupCapacity int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// DefaultConfig returns sensible defaults. Transport must still be set.
func DefaultConfig() Config {
	return Config{
		DialOptions:      transport.DefaultDialOptions(),
		WriteTimeout:     5 * time.Second,
		AcceptBackoff:    time.Second,
		DiscoveryTimeout: 12 * time.Second,
		RelayQueueSize:   256,
		RelayRate:        50,
		RelayBurst:       20,
		MaxRelaysPerID:   1,
		DedupCapacity:    DefaultDedupCapacity,
	}
}

// Stats is a point-in-time view of a router.
type Stats struct {
	State      State
	Peers      int
	SeenIDs    int
	RelayQueue int
	Listening  string
}

// Router owns the links of one node for one session and floods packets
// across them. Every accepted packet is relayed to all links, including the
// one it came from; the sender drops the echo as a duplicate.
type Router struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	peers   *peer.Table
	seen    *SeenCache
	limiter *rate.Limiter
	relayCh chan *protocol.Packet

	// Session key and the single-slot listeners. Registering a listener
	// replaces the previous one.
	mu           sync.RWMutex
	key          string
	onMessage    MessageListener
	onConnChange ConnectionChangeListener

	serverMu sync.Mutex
	listener transport.Listener
	adv      *transport.Advertisement

	stateMu sync.Mutex
	stopped bool

	listening   atomic.Bool
	discovering atomic.Bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a router and starts its relay worker.
func New(cfg Config) (*Router, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("router requires a transport")
	}

	defaults := DefaultConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.AcceptBackoff <= 0 {
		cfg.AcceptBackoff = defaults.AcceptBackoff
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = defaults.DiscoveryTimeout
	}
	if cfg.RelayQueueSize <= 0 {
		cfg.RelayQueueSize = defaults.RelayQueueSize
	}
	if cfg.RelayBurst <= 0 {
		cfg.RelayBurst = defaults.RelayBurst
	}

	seen, err := NewSeenCache(cfg.DedupCapacity, cfg.MaxRelaysPerID)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:     cfg,
		logger:  logger.With(logging.KeyComponent, "flood"),
		metrics: m,
		peers:   peer.NewTable(),
		seen:    seen,
		relayCh: make(chan *protocol.Packet, cfg.RelayQueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	if cfg.RelayRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RelayRate), cfg.RelayBurst)
	}

	r.wg.Add(1)
	go r.relayLoop()

	return r, nil
}

// track registers a background goroutine unless the router is stopped.
func (r *Router) track() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.stopped {
		return false
	}
	r.wg.Add(1)
	return true
}

func (r *Router) isStopped() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.stopped
}

// SetSessionKey sets the key used to verify inbound signatures. An empty
// key disables verification.
func (r *Router) SetSessionKey(key string) {
	r.mu.Lock()
	r.key = key
	r.mu.Unlock()
}

func (r *Router) sessionKey() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.key
}

// SetMessageListener registers fn as the only message listener. Any
// previously registered listener is silently dropped.
func (r *Router) SetMessageListener(fn MessageListener) {
	r.mu.Lock()
	r.onMessage = fn
	r.mu.Unlock()
}

// SetConnectionChangeListener registers fn as the only connection-change
// listener. Any previously registered listener is silently dropped.
func (r *Router) SetConnectionChangeListener(fn ConnectionChangeListener) {
	r.mu.Lock()
	r.onConnChange = fn
	r.mu.Unlock()
}

// ConnectedCount returns the number of registered links.
func (r *Router) ConnectedCount() int {
	return r.peers.Len()
}

// Peers returns the registered link addresses.
func (r *Router) Peers() []string {
	return r.peers.Addrs()
}

// State returns the current lifecycle state.
func (r *Router) State() State {
	switch {
	case r.peers.Len() > 0:
		return StateConnected
	case r.discovering.Load():
		return StateDiscovering
	case r.listening.Load():
		return StateListening
	default:
		return StateIdle
	}
}

// ListenAddr returns the bound listener address, or "" when not listening.
func (r *Router) ListenAddr() string {
	r.serverMu.Lock()
	defer r.serverMu.Unlock()
	if r.listener == nil || r.listener.Addr() == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// Stats returns a snapshot of the router.
func (r *Router) Stats() Stats {
	return Stats{
		State:      r.State(),
		Peers:      r.peers.Len(),
		SeenIDs:    r.seen.Len(),
		RelayQueue: len(r.relayCh),
		Listening:  r.ListenAddr(),
	}
}

// StartDiscovery runs one bounded discovery scan and returns the addresses
// found. Failures are logged and yield an empty slice.
func (r *Router) StartDiscovery(ctx context.Context) []string {
	if r.cfg.Discoverer == nil || r.isStopped() {
		return []string{}
	}

	r.discovering.Store(true)
	defer r.discovering.Store(false)

	ctx, cancel := context.WithTimeout(ctx, r.cfg.DiscoveryTimeout)
	defer cancel()

	start := time.Now()
	addrs, err := r.cfg.Discoverer.Discover(ctx)
	elapsed := time.Since(start)
	if err != nil {
		r.logger.Warn("discovery failed",
			logging.KeyError, err,
			logging.KeyDuration, elapsed)
		addrs = nil
	}
	if addrs == nil {
		addrs = []string{}
	}

	r.metrics.RecordDiscovery(len(addrs), elapsed.Seconds())
	r.logger.Info("discovery finished",
		logging.KeyCount, len(addrs),
		logging.KeyDuration, elapsed)

	return addrs
}

// ConnectToDevice dials addr and registers the link. It reports whether a
// new link was registered; on failure the peer table is unchanged.
func (r *Router) ConnectToDevice(ctx context.Context, addr string) bool {
	if r.isStopped() {
		return false
	}

	if _, exists := r.peers.Get(addr); exists {
		r.logger.Debug("already connected", logging.KeyPeerAddr, addr)
		return false
	}

	link, err := r.cfg.Transport.Dial(ctx, addr, r.cfg.DialOptions)
	if err != nil {
		r.metrics.DialFailures.Inc()
		r.logger.Warn("connect failed",
			logging.KeyPeerAddr, addr,
			logging.KeyError, err)
		return false
	}

	return r.register(link, peer.Outbound)
}

// register adds link to the peer table and starts its read loop. A link
// whose address is already registered is closed.
func (r *Router) register(link transport.Link, dir peer.Direction) bool {
	conn := peer.NewConnection(link, dir)

	if !r.peers.Add(conn) {
		r.logger.Debug("duplicate link closed",
			logging.KeyPeerAddr, conn.Addr(),
			"direction", dir)
		conn.Close()
		return false
	}

	if !r.track() {
		r.peers.Remove(conn)
		conn.Close()
		return false
	}

	conn.MarkConnected()
	r.metrics.RecordPeerConnect(string(link.Type()), string(dir))
	r.logger.Info("peer connected",
		logging.KeyPeerAddr, conn.Addr(),
		logging.KeyTransport, link.Type(),
		"direction", dir)

	go r.readLoop(conn)

	r.notifyConnectionChange()
	return true
}

// readLoop feeds every inbound frame of conn to HandleFrame until the link
// fails.
func (r *Router) readLoop(conn *peer.Connection) {
	defer r.wg.Done()
	defer recovery.RecoverWithCallback(r.logger, "flood.readLoop", func(p any) {
		if r.removePeer(conn, "panic", fmt.Errorf("read loop panic: %v", p)) {
			r.notifyConnectionChange()
		}
	})

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			reason := "read_error"
			switch {
			case errors.Is(err, io.EOF):
				reason = "eof"
			case errors.Is(err, protocol.ErrFrameTooLarge):
				reason = "frame_too_large"
			}
			if r.removePeer(conn, reason, err) {
				r.notifyConnectionChange()
			}
			return
		}
		r.HandleFrame(r.ctx, conn.Addr(), frame)
	}
}

// removePeer unregisters and closes conn. It reports whether conn was
// still registered.
func (r *Router) removePeer(conn *peer.Connection, reason string, cause error) bool {
	removed := r.peers.Remove(conn)
	if err := conn.Close(); err != nil && removed {
		r.logger.Debug("link close failed",
			logging.KeyPeerAddr, conn.Addr(),
			logging.KeyError, err)
	}
	if !removed {
		return false
	}

	r.metrics.RecordPeerDisconnect(reason)
	r.logger.Info("peer disconnected",
		logging.KeyPeerAddr, conn.Addr(),
		logging.KeyReason, reason,
		logging.KeyError, cause)
	return true
}

func (r *Router) notifyConnectionChange() {
	r.mu.RLock()
	fn := r.onConnChange
	r.mu.RUnlock()
	if fn == nil {
		return
	}

	defer recovery.RecoverWithLog(r.logger, "flood.connectionListener")
	fn(r.peers.Len())
}

// StartServer listens for inbound links and runs the accept loop in the
// background. A failed accept is retried after AcceptBackoff; the loop ends
// only when ctx is cancelled or the router is torn down.
func (r *Router) StartServer(ctx context.Context) error {
	r.serverMu.Lock()
	defer r.serverMu.Unlock()

	if r.isStopped() {
		return ErrStopped
	}
	if r.listener != nil {
		return fmt.Errorf("already listening on %s", r.listener.Addr())
	}

	ln, err := r.cfg.Transport.Listen(r.cfg.ListenAddr, r.cfg.ListenOptions)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", r.cfg.ListenAddr, err)
	}

	if !r.track() {
		ln.Close()
		return ErrStopped
	}

	r.listener = ln
	r.listening.Store(true)
	r.advertise(ln)

	acceptCtx, cancel := context.WithCancel(r.ctx)
	stop := context.AfterFunc(ctx, cancel)

	go func() {
		defer stop()
		defer cancel()
		r.acceptLoop(acceptCtx, ln)
	}()

	r.logger.Info("listening",
		logging.KeyAddress, ln.Addr(),
		logging.KeyTransport, r.cfg.Transport.Type())
	return nil
}

// advertise publishes ln over mDNS when configured. Failures are logged.
func (r *Router) advertise(ln transport.Listener) {
	a := r.cfg.Advertise
	if a == nil {
		return
	}

	port, ok := addrPort(ln.Addr())
	if !ok {
		r.logger.Warn("cannot advertise listener without a port",
			logging.KeyAddress, ln.Addr())
		return
	}

	adv, err := transport.Advertise(a.Instance, a.Service, a.Domain, port, a.SessionID, r.cfg.Transport.Type())
	if err != nil {
		r.logger.Warn("mdns advertisement failed", logging.KeyError, err)
		return
	}
	r.adv = adv
	r.logger.Info("advertising over mdns",
		"instance", a.Instance,
		"port", port)
}

func addrPort(a net.Addr) (int, bool) {
	if a == nil {
		return 0, false
	}
	_, p, err := net.SplitHostPort(a.String())
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}

func (r *Router) acceptLoop(ctx context.Context, ln transport.Listener) {
	defer r.wg.Done()
	defer recovery.RecoverWithLog(r.logger, "flood.acceptLoop")
	defer r.stopServer(ln)

	for ctx.Err() == nil {
		link, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return
			}
			r.metrics.AcceptErrors.Inc()
			r.logger.Warn("accept failed, retrying",
				logging.KeyError, err,
				"backoff", r.cfg.AcceptBackoff)

			timer := time.NewTimer(r.cfg.AcceptBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}

		r.register(link, peer.Inbound)
	}
}

// stopServer closes ln and withdraws the advertisement if ln is current.
func (r *Router) stopServer(ln transport.Listener) {
	r.serverMu.Lock()
	if r.listener == ln {
		r.listener = nil
		r.adv.Shutdown()
		r.adv = nil
		r.listening.Store(false)
	}
	r.serverMu.Unlock()

	if err := ln.Close(); err != nil {
		r.logger.Debug("listener close failed", logging.KeyError, err)
	}
}

// Broadcast writes p to every registered link concurrently and waits for
// all writes to settle. Links whose write failed are removed afterwards.
func (r *Router) Broadcast(ctx context.Context, p *protocol.Packet) error {
	frame, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("encode packet %s: %w", p.ID, err)
	}

	conns := r.peers.Snapshot()
	if len(conns) == 0 {
		r.logger.Debug("broadcast with no peers", logging.KeyPacketID, p.ID)
		return nil
	}

	start := time.Now()
	errs := make([]error, len(conns))

	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *peer.Connection) {
			defer wg.Done()
			defer recovery.RecoverWithLog(r.logger, "flood.broadcastWrite")

			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			if err := c.WriteFrame(frame, r.cfg.WriteTimeout); err != nil {
				errs[i] = err
				return
			}
			r.metrics.RecordFrameSent(len(frame))
		}(i, c)
	}
	wg.Wait()
	r.metrics.BroadcastLatency.Observe(time.Since(start).Seconds())

	if ctx.Err() != nil {
		return ctx.Err()
	}

	removed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		r.metrics.WriteErrors.Inc()
		r.logger.Warn("write failed, dropping peer",
			logging.KeyPeerAddr, conns[i].Addr(),
			logging.KeyPacketID, p.ID,
			logging.KeyError, err)
		if r.removePeer(conns[i], "write_error", err) {
			removed++
		}
	}
	if removed > 0 {
		r.notifyConnectionChange()
	}

	r.logger.Debug("broadcast",
		logging.KeyPacketID, p.ID,
		logging.KeyTTL, p.TTL,
		logging.KeyCount, len(conns)-removed)
	return nil
}

// Originate broadcasts a locally created packet. Its id is marked seen and
// its relay budget spent first, so echoes from neighbours are dropped.
func (r *Router) Originate(ctx context.Context, p *protocol.Packet) error {
	if r.isStopped() {
		return ErrStopped
	}
	r.seen.Observe(p.ID, localOrigin)
	r.seen.TryRelay(p.ID)
	r.metrics.SeenCacheSize.Set(float64(r.seen.Len()))
	r.metrics.PacketsOriginated.Inc()

	return r.Broadcast(ctx, p)
}

// HandleFrame runs one inbound frame through parse, dedup, TTL check,
// signature check, persistence, delivery and relay. Rejected frames are
// logged and counted; no error leaves this method.
func (r *Router) HandleFrame(ctx context.Context, from string, frame []byte) {
	if r.isStopped() {
		return
	}
	r.metrics.FramesReceived.Inc()

	p, err := protocol.Decode(frame)
	if err != nil {
		r.metrics.RecordDrop(metrics.DropMalformed)
		r.logger.Warn("malformed frame dropped",
			logging.KeyPeerAddr, from,
			logging.KeyError, err)
		return
	}

	if !r.seen.Observe(p.ID, from) {
		r.metrics.RecordDrop(metrics.DropDuplicate)
		r.logger.Debug("duplicate packet dropped",
			logging.KeyPeerAddr, from,
			logging.KeyPacketID, p.ID,
			logging.KeyTTL, p.TTL)
		return
	}
	r.metrics.SeenCacheSize.Set(float64(r.seen.Len()))

	if p.TTL <= 0 {
		r.metrics.RecordDrop(metrics.DropTTL)
		r.logger.Debug("expired packet dropped",
			logging.KeyPeerAddr, from,
			logging.KeyPacketID, p.ID)
		return
	}

	if key := r.sessionKey(); key != "" && p.Signed() && !crypto.Verify(p.Payload, p.Signature, key) {
		r.metrics.RecordDrop(metrics.DropSignature)
		r.logger.Warn("packet with invalid signature dropped",
			logging.KeyPeerAddr, from,
			logging.KeyPacketID, p.ID)
		return
	}

	r.persist(p)

	r.metrics.PacketsDelivered.Inc()
	r.deliver(p, from)

	r.enqueueRelay(p.Relay())
}

// persist saves p in the background. Failures are logged, never returned.
func (r *Router) persist(p *protocol.Packet) {
	if r.cfg.Store == nil || !r.track() {
		return
	}
	rec := store.RecordFromPacket(p, protocol.NowMillis())

	go func() {
		defer r.wg.Done()
		defer recovery.RecoverWithLog(r.logger, "flood.persist")

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		if err := r.cfg.Store.SaveMessage(ctx, rec); err != nil {
			r.metrics.RecordStoreError("save_message")
			r.logger.Warn("persist failed",
				logging.KeyPacketID, rec.ID,
				logging.KeyError, err)
		}
	}()
}

func (r *Router) deliver(p *protocol.Packet, from string) {
	r.mu.RLock()
	fn := r.onMessage
	r.mu.RUnlock()
	if fn == nil {
		return
	}

	defer recovery.RecoverWithLog(r.logger, "flood.messageListener")
	fn(p, from)
}

// enqueueRelay hands p to the relay worker if the id still has relay budget.
func (r *Router) enqueueRelay(p *protocol.Packet) {
	if !r.seen.TryRelay(p.ID) {
		r.logger.Debug("relay budget spent", logging.KeyPacketID, p.ID)
		return
	}

	select {
	case r.relayCh <- p:
	default:
		r.metrics.RelayQueueDrops.Inc()
		r.logger.Warn("relay queue full, packet not relayed",
			logging.KeyPacketID, p.ID)
	}
}

func (r *Router) relayLoop() {
	defer r.wg.Done()
	defer recovery.RecoverWithLog(r.logger, "flood.relayLoop")

	for {
		select {
		case <-r.ctx.Done():
			return
		case p := <-r.relayCh:
			if r.limiter != nil {
				if err := r.limiter.Wait(r.ctx); err != nil {
					return
				}
			}
			if err := r.Broadcast(r.ctx, p); err != nil {
				r.logger.Debug("relay failed",
					logging.KeyPacketID, p.ID,
					logging.KeyError, err)
				continue
			}
			r.metrics.PacketsRelayed.Inc()
		}
	}
}

// Teardown stops the accept loop and relay worker, closes every link,
// clears listeners, session key, peer table and seen cache, and waits for
// background work to finish. Safe to call more than once.
func (r *Router) Teardown() {
	r.stopOnce.Do(func() {
		r.stateMu.Lock()
		r.stopped = true
		r.stateMu.Unlock()

		r.cancel()

		r.serverMu.Lock()
		ln := r.listener
		r.serverMu.Unlock()
		if ln != nil {
			r.stopServer(ln)
		}

		r.mu.Lock()
		r.onMessage = nil
		r.onConnChange = nil
		r.key = ""
		r.mu.Unlock()

		for _, c := range r.peers.Clear() {
			if err := c.Close(); err != nil {
				r.logger.Debug("link close failed",
					logging.KeyPeerAddr, c.Addr(),
					logging.KeyError, err)
			}
			r.metrics.RecordPeerDisconnect("teardown")
		}

		r.wg.Wait()

		r.seen.Clear()
		r.metrics.SeenCacheSize.Set(0)
		r.listening.Store(false)
		r.logger.Info("router stopped")
	})
}
