package transport

import (
	"context"
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
)

func TestStaticDiscoverer(t *testing.T) {
	d := &StaticDiscoverer{Addrs: []string{"a", "b"}}

	got, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Discover() = %v", got)
	}

	got[0] = "changed"
	if d.Addrs[0] != "a" {
		t.Error("Discover() returned the backing slice")
	}
}

func TestMDNSDiscoverer_Matches(t *testing.T) {
	d := &MDNSDiscoverer{SessionID: "s1", Transport: TypeTCP}

	tests := []struct {
		name string
		txt  []string
		want bool
	}{
		{"same session and transport", []string{"session=s1", "transport=tcp"}, true},
		{"transport not advertised", []string{"session=s1"}, true},
		{"other session", []string{"session=s2", "transport=tcp"}, false},
		{"other transport", []string{"session=s1", "transport=quic"}, false},
		{"no txt", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := d.matches(tc.txt); got != tc.want {
				t.Errorf("matches(%v) = %v, want %v", tc.txt, got, tc.want)
			}
		})
	}

	open := &MDNSDiscoverer{}
	if !open.matches(nil) {
		t.Error("discoverer without filters rejected an entry")
	}
}

func TestEntryAddr(t *testing.T) {
	e := &zeroconf.ServiceEntry{Port: 7000}
	if got := entryAddr(e); got != "" {
		t.Errorf("entryAddr() without addresses = %q", got)
	}

	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	if got := entryAddr(e); got != "[fe80::1]:7000" {
		t.Errorf("entryAddr() = %q", got)
	}

	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.5")}
	if got := entryAddr(e); got != "192.168.1.5:7000" {
		t.Errorf("entryAddr() = %q", got)
	}
}

func TestMDNSDiscoverer_Defaults(t *testing.T) {
	d := &MDNSDiscoverer{}
	if d.service() != DefaultService || d.domain() != DefaultDomain {
		t.Errorf("defaults = %s %s", d.service(), d.domain())
	}
}

func TestAdvertisement_NilShutdown(t *testing.T) {
	var a *Advertisement
	a.Shutdown()
}
