package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/postalsys/examcast/internal/logging"
)

// mDNS defaults.
const (
	DefaultService = "_examcast._tcp"
	DefaultDomain  = "local."

	txtSession   = "session="
	txtTransport = "transport="
)

// Discoverer finds candidate neighbour addresses. Discover returns when ctx
// ends or the underlying lookup is complete.
type Discoverer interface {
	Discover(ctx context.Context) ([]string, error)
}

// StaticDiscoverer returns a fixed address list.
type StaticDiscoverer struct {
	Addrs []string
}

// Discover returns the configured addresses.
func (d *StaticDiscoverer) Discover(ctx context.Context) ([]string, error) {
	out := make([]string, len(d.Addrs))
	copy(out, d.Addrs)
	return out, nil
}

// MDNSDiscoverer browses for advertised nodes over multicast DNS.
type MDNSDiscoverer struct {
	Service string
	Domain  string

	// SessionID, when set, keeps only nodes advertising the same session.
	SessionID string

	// Transport, when set, keeps only nodes advertising the same transport.
	Transport Type

	// Exclude skips the instance with this name, normally our own.
	Exclude string

	Logger *slog.Logger
}

// Discover browses until ctx ends and returns the unique host:port pairs seen.
func (d *MDNSDiscoverer) Discover(ctx context.Context) ([]string, error) {
	logger := d.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, d.service(), d.domain(), entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	seen := make(map[string]bool)
	var addrs []string
	for {
		select {
		case <-ctx.Done():
			return addrs, nil
		case entry, ok := <-entries:
			if !ok {
				return addrs, nil
			}
			if (d.Exclude != "" && entry.Instance == d.Exclude) || !d.matches(entry.Text) {
				logger.Debug("skipping mdns entry",
					logging.KeyAddress, entry.Instance)
				continue
			}
			addr := entryAddr(entry)
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			addrs = append(addrs, addr)
			logger.Debug("discovered node",
				logging.KeyAddress, addr,
				"instance", entry.Instance)
		}
	}
}

func (d *MDNSDiscoverer) service() string {
	if d.Service == "" {
		return DefaultService
	}
	return d.Service
}

func (d *MDNSDiscoverer) domain() string {
	if d.Domain == "" {
		return DefaultDomain
	}
	return d.Domain
}

func (d *MDNSDiscoverer) matches(txt []string) bool {
	if d.SessionID != "" && txtValue(txt, txtSession) != d.SessionID {
		return false
	}
	if d.Transport != "" {
		if t := txtValue(txt, txtTransport); t != "" && Type(t) != d.Transport {
			return false
		}
	}
	return true
}

func txtValue(txt []string, prefix string) string {
	for _, kv := range txt {
		if strings.HasPrefix(kv, prefix) {
			return strings.TrimPrefix(kv, prefix)
		}
	}
	return ""
}

func entryAddr(e *zeroconf.ServiceEntry) string {
	port := strconv.Itoa(e.Port)
	if len(e.AddrIPv4) > 0 {
		return net.JoinHostPort(e.AddrIPv4[0].String(), port)
	}
	if len(e.AddrIPv6) > 0 {
		return net.JoinHostPort(e.AddrIPv6[0].String(), port)
	}
	return ""
}

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise publishes this node under instance so MDNSDiscoverer peers can
// find it. Call Shutdown to withdraw the record.
func Advertise(instance, service, domain string, port int, sessionID string, t Type) (*Advertisement, error) {
	if service == "" {
		service = DefaultService
	}
	if domain == "" {
		domain = DefaultDomain
	}
	txt := []string{txtSession + sessionID, txtTransport + string(t)}

	server, err := zeroconf.Register(instance, service, domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the record.
func (a *Advertisement) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}
