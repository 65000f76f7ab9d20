// Package agent implements the node orchestration for ExamCast: one session,
// one router and one message store per process.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/postalsys/examcast/internal/config"
	"github.com/postalsys/examcast/internal/crypto"
	"github.com/postalsys/examcast/internal/flood"
	"github.com/postalsys/examcast/internal/health"
	"github.com/postalsys/examcast/internal/invite"
	"github.com/postalsys/examcast/internal/logging"
	"github.com/postalsys/examcast/internal/metrics"
	"github.com/postalsys/examcast/internal/protocol"
	"github.com/postalsys/examcast/internal/session"
	"github.com/postalsys/examcast/internal/store"
	"github.com/postalsys/examcast/internal/transport"
)

// ViolationEarlyExit is logged when a receiver leaves a live session.
const ViolationEarlyExit = "EARLY_EXIT"

// messageBuffer bounds undelivered messages on the Messages channel.
const messageBuffer = 256

var (
	// ErrClosed is returned by operations on a closed agent.
	ErrClosed = errors.New("agent closed")
	// ErrEmptyMessage is returned by Send for blank text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrNotBroadcaster is returned by Invite on a receiver.
	ErrNotBroadcaster = errors.New("only the broadcaster can invite")
)

// Options overrides collaborators that New would otherwise build from the
// configuration.
type Options struct {
	Transport  transport.Transport
	Discoverer transport.Discoverer
	Store      store.Store
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Message is a delivered packet with its payload opened.
type Message struct {
	ID         string
	SenderRole protocol.Role
	From       string
	TTL        int
	SentAt     time.Time
	ReceivedAt time.Time

	// Text is the plaintext, or the raw envelope when Decrypted is false.
	Text      string
	Decrypted bool
}

// Agent is the per-process application context. It owns the session
// manager and creates a fresh router for every session.
type Agent struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tr       transport.Transport
	store    store.Store
	discover transport.Discoverer
	instance string

	sessions *session.Manager

	// life bounds listeners; cancelled by Close.
	life     context.Context
	stopLife context.CancelFunc

	mu     sync.Mutex
	router *flood.Router

	messages  chan Message
	running   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates an agent from cfg. Collaborators not given in opts are built
// from the configuration.
func New(cfg *config.Config, opts Options) (*Agent, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Node.LogLevel, cfg.Node.LogFormat)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Default()
	}

	tr := opts.Transport
	if tr == nil {
		typ, err := transport.ParseType(cfg.Transport.Type)
		if err != nil {
			return nil, err
		}
		if tr, err = transport.New(typ); err != nil {
			return nil, fmt.Errorf("create transport: %w", err)
		}
	}

	st := opts.Store
	if st == nil {
		var err error
		if st, err = OpenStore(cfg.Store); err != nil {
			tr.Close()
			return nil, err
		}
	}

	a := &Agent{
		cfg:      cfg,
		logger:   logger.With(logging.KeyComponent, "agent"),
		metrics:  m,
		tr:       tr,
		store:    st,
		discover: opts.Discoverer,
		instance: fmt.Sprintf("%s %s", cfg.Node.Name, uuid.NewString()[:8]),
		sessions: session.NewManager(),
		messages: make(chan Message, messageBuffer),
	}
	a.life, a.stopLife = context.WithCancel(context.Background())
	return a, nil
}

// OpenStore opens the message store selected by cfg.
func OpenStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case config.StoreMemory:
		return store.NewMemoryStore(), nil
	case config.StoreFile, "":
		s, err := store.OpenFileStore(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// Host starts a broadcaster session: fresh id and key, empty store, and a
// listening router. Failure to listen ends the session and is returned.
// ctx bounds the setup only; the listener runs until End or Close.
func (a *Agent) Host(ctx context.Context) (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed.Load() {
		return nil, ErrClosed
	}

	a.teardownLocked()

	sess, err := a.sessions.Start()
	if err != nil {
		return nil, err
	}

	r, err := a.beginLocked(ctx, sess)
	if err != nil {
		a.sessions.End()
		return nil, err
	}

	if err := r.StartServer(a.life); err != nil {
		a.teardownLocked()
		a.sessions.End()
		return nil, err
	}

	a.logger.Info("hosting session",
		logging.KeySessionID, sess.ID,
		logging.KeyAddress, r.ListenAddr())
	return sess, nil
}

// Join starts a receiver session from doc, then discovers neighbours and
// connects to up to mesh.max_dial_peers of them. It returns how many links
// were opened; zero is not an error, Connect may be retried later.
// ctx bounds store setup, discovery and dialing. The relay listener and
// the links opened here stay up after ctx ends, until End or Close.
func (a *Agent) Join(ctx context.Context, doc invite.Document) (int, error) {
	a.mu.Lock()
	if a.closed.Load() {
		a.mu.Unlock()
		return 0, ErrClosed
	}
	a.teardownLocked()

	sess, err := a.sessions.Join(doc.ID, doc.Key)
	if err != nil {
		a.mu.Unlock()
		return 0, err
	}

	r, err := a.beginLocked(ctx, sess)
	if err != nil {
		a.sessions.End()
		a.mu.Unlock()
		return 0, err
	}

	if a.cfg.Mesh.AcceptInbound {
		if err := r.StartServer(a.life); err != nil {
			a.logger.Warn("relay listener unavailable, joining as leaf",
				logging.KeyError, err)
		}
	}
	a.mu.Unlock()

	a.logger.Info("joined session",
		logging.KeySessionID, sess.ID,
		"host", doc.Name)

	return a.Connect(ctx)
}

// Connect runs one discovery scan and dials up to mesh.max_dial_peers of
// the addresses found, skipping ones already linked.
func (a *Agent) Connect(ctx context.Context) (int, error) {
	r, err := a.currentRouter()
	if err != nil {
		return 0, err
	}

	addrs := r.StartDiscovery(ctx)
	if len(addrs) == 0 {
		a.logger.Warn("no nodes discovered")
		return 0, nil
	}

	connected := 0
	for _, addr := range addrs {
		if connected >= a.cfg.Mesh.MaxDialPeers {
			break
		}
		if r.ConnectToDevice(ctx, a.dialAddr(addr)) {
			connected++
		}
	}

	a.logger.Info("connected to discovered nodes",
		logging.KeyCount, connected,
		"discovered", len(addrs))
	return connected, nil
}

// beginLocked clears the store and builds the router for sess.
func (a *Agent) beginLocked(ctx context.Context, sess *session.Session) (*flood.Router, error) {
	if err := a.store.ClearSession(ctx); err != nil {
		a.metrics.RecordStoreError("clear_session")
		return nil, fmt.Errorf("clear store: %w", err)
	}

	cfg, err := a.routerConfig(sess)
	if err != nil {
		return nil, err
	}

	r, err := flood.New(cfg)
	if err != nil {
		return nil, err
	}
	r.SetSessionKey(sess.Key)
	r.SetMessageListener(func(p *protocol.Packet, from string) {
		a.onPacket(sess.Key, p, from)
	})
	r.SetConnectionChangeListener(func(connected int) {
		a.logger.Info("links changed", logging.KeyCount, connected)
	})

	a.router = r
	a.running.Store(true)
	return r, nil
}

func (a *Agent) routerConfig(sess *session.Session) (flood.Config, error) {
	mesh := a.cfg.Mesh

	cfg := flood.DefaultConfig()
	cfg.Transport = a.tr
	cfg.Store = a.store
	cfg.ListenAddr = a.cfg.Transport.Listen
	cfg.WriteTimeout = mesh.WriteTimeout
	cfg.AcceptBackoff = mesh.AcceptBackoff
	cfg.DiscoveryTimeout = a.cfg.Discovery.Timeout
	cfg.RelayQueueSize = mesh.RelayQueueSize
	cfg.RelayRate = mesh.RelayRate
	cfg.RelayBurst = mesh.RelayBurst
	cfg.MaxRelaysPerID = mesh.MaxRelaysPerID
	cfg.DedupCapacity = mesh.DedupCapacity
	cfg.Metrics = a.metrics
	cfg.Logger = a.logger.With(logging.KeySessionID, sess.ID)

	listenTLS, dialTLS, err := a.tlsConfigs()
	if err != nil {
		return cfg, err
	}
	cfg.ListenOptions = transport.ListenOptions{
		TLSConfig: listenTLS,
		Path:      a.cfg.Transport.Path,
		PlainText: a.cfg.Transport.PlainText,
	}
	cfg.DialOptions = transport.DialOptions{
		TLSConfig:    dialTLS,
		StrictVerify: a.cfg.Transport.StrictVerify,
		Timeout:      mesh.DialTimeout,
	}

	cfg.Discoverer = a.discover
	if cfg.Discoverer == nil {
		switch a.cfg.Discovery.Mode {
		case config.DiscoveryStatic:
			cfg.Discoverer = &transport.StaticDiscoverer{Addrs: a.cfg.Discovery.Peers}
		default:
			cfg.Discoverer = &transport.MDNSDiscoverer{
				Service:   a.cfg.Discovery.Service,
				Domain:    a.cfg.Discovery.Domain,
				SessionID: sess.ID,
				Transport: a.tr.Type(),
				Exclude:   a.instance,
				Logger:    a.logger,
			}
		}
	}
	if a.cfg.Discovery.Mode == config.DiscoveryMDNS && a.tr.Type() != transport.TypeMemory {
		cfg.Advertise = &flood.AdvertiseConfig{
			Instance:  a.instance,
			Service:   a.cfg.Discovery.Service,
			Domain:    a.cfg.Discovery.Domain,
			SessionID: sess.ID,
		}
	}
	return cfg, nil
}

func (a *Agent) tlsConfigs() (listen, dial *tls.Config, err error) {
	t := a.cfg.Transport
	if t.TLS.Cert != "" {
		if listen, err = transport.LoadServerTLS(t.TLS.Cert, t.TLS.Key); err != nil {
			return nil, nil, fmt.Errorf("load tls certificate: %w", err)
		}
	}
	if t.TLS.CA != "" {
		if dial, err = transport.LoadClientTLS(t.TLS.CA, t.StrictVerify); err != nil {
			return nil, nil, fmt.Errorf("load tls ca: %w", err)
		}
	}
	return listen, dial, nil
}

// dialAddr turns a discovered host:port into the address the transport
// dials. WebSocket nodes are reached on the configured path.
func (a *Agent) dialAddr(addr string) string {
	if a.tr.Type() != transport.TypeWebSocket || strings.Contains(addr, "://") {
		return addr
	}
	scheme := "wss"
	if a.cfg.Transport.PlainText {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, a.cfg.Transport.Path)
}

func (a *Agent) currentRouter() (*flood.Router, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.router == nil {
		return nil, session.ErrNoSession
	}
	return a.router, nil
}

// onPacket opens an accepted packet and hands it to Messages. Packets that
// cannot be decrypted surface with their raw envelope.
func (a *Agent) onPacket(key string, p *protocol.Packet, from string) {
	msg := Message{
		ID:         p.ID,
		SenderRole: p.SenderRole,
		From:       from,
		TTL:        p.TTL,
		SentAt:     p.Time(),
		ReceivedAt: time.Now(),
		Text:       p.Payload,
	}

	text, err := crypto.Decrypt(p.Payload, key)
	if err != nil {
		a.logger.Warn("undecryptable payload",
			logging.KeyPacketID, p.ID,
			logging.KeyPeerAddr, from,
			logging.KeyError, err)
	} else {
		msg.Text = text
		msg.Decrypted = true
	}

	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("message consumer too slow, dropping notification",
			logging.KeyPacketID, p.ID)
	}
}

// Messages delivers every accepted packet of the live session. The channel
// is closed by Close.
func (a *Agent) Messages() <-chan Message {
	return a.messages
}

// Send normalises, encrypts and signs text and floods it with the
// configured TTL.
func (a *Agent) Send(ctx context.Context, text string) (*protocol.Packet, error) {
	text = norm.NFC.String(strings.TrimSpace(text))
	if text == "" {
		return nil, ErrEmptyMessage
	}

	r, err := a.currentRouter()
	if err != nil {
		return nil, err
	}
	sess, ok := a.sessions.Current()
	if !ok {
		return nil, session.ErrNoSession
	}

	payload, err := crypto.Encrypt(text, sess.Key)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(payload, sess.Key)
	if err != nil {
		return nil, err
	}

	p := &protocol.Packet{
		ID:         uuid.NewString(),
		SenderRole: sess.Role,
		Payload:    payload,
		TTL:        a.cfg.Mesh.DefaultTTL,
		Timestamp:  protocol.NowMillis(),
		Signature:  sig,
	}

	if err := r.Originate(ctx, p); err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}

	if err := a.store.SaveMessage(ctx, store.RecordFromPacket(p, p.Timestamp)); err != nil {
		a.metrics.RecordStoreError("save_message")
		a.logger.Warn("failed to record sent message",
			logging.KeyPacketID, p.ID,
			logging.KeyError, err)
	}

	a.logger.Info("message sent",
		logging.KeyPacketID, p.ID,
		logging.KeyCount, r.ConnectedCount())
	return p, nil
}

// History returns the stored messages of the session, newest first, with
// payloads opened under the current key when one is live.
func (a *Agent) History(ctx context.Context) ([]Message, error) {
	recs, err := a.store.Messages(ctx)
	if err != nil {
		return nil, err
	}

	var key string
	if sess, ok := a.sessions.Current(); ok {
		key = sess.Key
	}

	out := make([]Message, 0, len(recs))
	for _, rec := range recs {
		msg := Message{
			ID:         rec.ID,
			SenderRole: rec.SenderRole,
			TTL:        rec.TTL,
			ReceivedAt: time.UnixMilli(rec.ReceivedAt),
			Text:       rec.EncryptedPayload,
		}
		if key != "" {
			if text, err := crypto.Decrypt(rec.EncryptedPayload, key); err == nil {
				msg.Text = text
				msg.Decrypted = true
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

// Violations returns the logged violation events, newest first.
func (a *Agent) Violations(ctx context.Context) ([]store.ViolationRecord, error) {
	return a.store.Violations(ctx)
}

// ReportViolation logs an integrity event for the session.
func (a *Agent) ReportViolation(ctx context.Context, kind, details string) error {
	if err := a.store.LogViolation(ctx, kind, details); err != nil {
		a.metrics.RecordStoreError("log_violation")
		return fmt.Errorf("log violation: %w", err)
	}
	a.metrics.RecordViolation(kind)
	a.logger.Warn("violation reported",
		"kind", kind,
		"details", details)
	return nil
}

// Invite returns the document receivers need to join the hosted session.
func (a *Agent) Invite() (invite.Document, error) {
	sess, ok := a.sessions.Current()
	if !ok {
		return invite.Document{}, session.ErrNoSession
	}
	if sess.Role != session.RoleBroadcaster {
		return invite.Document{}, ErrNotBroadcaster
	}
	name := a.cfg.Node.Name
	if name == "" {
		name = invite.DefaultName
	}
	return invite.Document{ID: sess.ID, Key: sess.Key, Name: name}, nil
}

// Session returns the live session.
func (a *Agent) Session() (*session.Session, bool) {
	return a.sessions.Current()
}

// End tears down the router and forgets the session. Stored messages stay
// readable until the next session starts.
func (a *Agent) End() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.teardownLocked()
	a.sessions.End()
}

func (a *Agent) teardownLocked() {
	if a.router == nil {
		return
	}
	a.running.Store(false)
	a.router.Teardown()
	a.router = nil
}

// Close ends the session and releases the transport and store.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed.Store(true)
		a.stopLife()
		a.teardownLocked()
		a.sessions.End()
		a.mu.Unlock()

		if cerr := a.tr.Close(); cerr != nil {
			a.logger.Debug("transport close failed", logging.KeyError, cerr)
		}
		err = a.store.Close()
		close(a.messages)
		a.logger.Info("agent stopped")
	})
	return err
}

// IsRunning reports whether a session is live.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Peers returns the addresses of the current links.
func (a *Agent) Peers() []string {
	r, err := a.currentRouter()
	if err != nil {
		return nil
	}
	return r.Peers()
}

// ListenAddr returns the bound listener address, or "" when not listening.
func (a *Agent) ListenAddr() string {
	r, err := a.currentRouter()
	if err != nil {
		return ""
	}
	return r.ListenAddr()
}

// Stats returns a snapshot for the health endpoints.
func (a *Agent) Stats() health.Stats {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	st := health.Stats{State: flood.StateIdle.String()}
	if sess, ok := a.sessions.Current(); ok {
		st.SessionID = sess.ID
		st.Role = string(sess.Role)
	}
	if r, err := a.currentRouter(); err == nil {
		rs := r.Stats()
		st.State = rs.State.String()
		st.PeerCount = rs.Peers
		st.SeenIDs = rs.SeenIDs
		st.RelayQueue = rs.RelayQueue
		st.Listening = rs.Listening
	}
	if n, err := a.store.MessageCount(ctx); err == nil {
		st.MessageCount = n
	}
	if n, err := a.store.ViolationCount(ctx); err == nil {
		st.ViolationCount = n
	}
	return st
}
