package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

// readLine reads the next non-blank line from r.
func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString() error = %v", err)
		}
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
}

// exchange dials a listener on tr, sends one line each way and checks both.
func exchange(t *testing.T, tr Transport, listenAddr string, opts ListenOptions, dialAddr func(string) string) {
	t.Helper()

	ln, err := tr.Listen(listenAddr, opts)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acceptCh := make(chan Link, 1)
	errCh := make(chan error, 1)
	go func() {
		link, err := ln.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- link
	}()

	client, err := tr.Dial(ctx, dialAddr(ln.Addr().String()), DefaultDialOptions())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	if client.Type() != tr.Type() {
		t.Errorf("client Type() = %s, want %s", client.Type(), tr.Type())
	}

	// Writes run concurrently with reads: memory links are synchronous pipes.
	writeErr := make(chan error, 2)
	go func() {
		_, err := client.Write([]byte("ping\n"))
		writeErr <- err
	}()

	var server Link
	select {
	case server = <-acceptCh:
	case err := <-errCh:
		t.Fatalf("Accept() error = %v", err)
	case <-ctx.Done():
		t.Fatal("timeout waiting for Accept")
	}
	defer server.Close()

	if server.RemoteAddr() == "" {
		t.Error("accepted link has empty RemoteAddr")
	}

	serverReader := bufio.NewReader(server)
	if got := readLine(t, serverReader); got != "ping" {
		t.Errorf("server read %q, want ping", got)
	}

	if err := server.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("SetWriteDeadline() error = %v", err)
	}
	go func() {
		_, err := server.Write([]byte("pong\n"))
		writeErr <- err
	}()
	if got := readLine(t, bufio.NewReader(client)); got != "pong" {
		t.Errorf("client read %q, want pong", got)
	}

	for i := 0; i < 2; i++ {
		if err := <-writeErr; err != nil {
			t.Errorf("Write() error = %v", err)
		}
	}
}

func hostPort(addr string) string { return addr }

func TestTCPTransport(t *testing.T) {
	tr := NewTCPTransport()
	defer tr.Close()
	exchange(t, tr, "127.0.0.1:0", ListenOptions{}, hostPort)
}

func TestQUICTransport(t *testing.T) {
	tr := NewQUICTransport()
	defer tr.Close()
	exchange(t, tr, "127.0.0.1:0", ListenOptions{}, hostPort)
}

func TestWebSocketTransport(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()
	exchange(t, tr, "127.0.0.1:0", ListenOptions{}, hostPort)
}

func TestWebSocketTransport_PlainText(t *testing.T) {
	tr := NewWebSocketTransport()
	defer tr.Close()
	exchange(t, tr, "127.0.0.1:0", ListenOptions{PlainText: true}, func(addr string) string {
		return "ws://" + addr + "/mesh"
	})
}

func TestH2Transport(t *testing.T) {
	tr := NewH2Transport()
	defer tr.Close()
	exchange(t, tr, "127.0.0.1:0", ListenOptions{}, hostPort)
}

func TestMemoryTransport(t *testing.T) {
	network := NewMemoryNetwork()
	a := network.Transport("a")
	b := network.Transport("b")
	defer a.Close()
	defer b.Close()

	ln, err := b.Listen("", ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	if ln.Addr().String() != "b" {
		t.Errorf("Addr() = %s, want b", ln.Addr())
	}
	ln.Close()

	exchange(t, b, "b", ListenOptions{}, hostPort)
}

func TestMemoryTransport_InboundNamesAreUnique(t *testing.T) {
	network := NewMemoryNetwork()
	a := network.Transport("a")
	b := network.Transport("b")

	ln, err := b.Listen("b", ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	names := make(map[string]bool)
	for i := 0; i < 2; i++ {
		go func() {
			if link, err := a.Dial(ctx, "b", DialOptions{}); err == nil {
				defer link.Close()
				if link.RemoteAddr() != "b" {
					t.Errorf("dialed RemoteAddr() = %s, want b", link.RemoteAddr())
				}
			}
		}()
		link, err := ln.Accept(ctx)
		if err != nil {
			t.Fatalf("Accept() error = %v", err)
		}
		if !strings.HasPrefix(link.RemoteAddr(), "a#") {
			t.Errorf("inbound RemoteAddr() = %s, want a#n", link.RemoteAddr())
		}
		names[link.RemoteAddr()] = true
		link.Close()
	}
	if len(names) != 2 {
		t.Errorf("inbound names = %v, want two distinct", names)
	}
}

func TestMemoryTransport_Refused(t *testing.T) {
	network := NewMemoryNetwork()
	a := network.Transport("a")

	if _, err := a.Dial(context.Background(), "nobody", DialOptions{}); err == nil {
		t.Error("Dial() to unknown address succeeded")
	}
}

func TestMemoryTransport_AddressInUse(t *testing.T) {
	network := NewMemoryNetwork()
	ln, err := network.Transport("a").Listen("x", ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	if _, err := network.Transport("b").Listen("x", ListenOptions{}); err == nil {
		t.Error("second Listen() on same address succeeded")
	}
}

func TestListener_AcceptAfterClose(t *testing.T) {
	network := NewMemoryNetwork()
	tcp := NewTCPTransport()
	defer tcp.Close()

	tcpLn, err := tcp.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}
	memLn, err := network.Transport("a").Listen("a", ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	for name, ln := range map[string]Listener{"tcp": tcpLn, "memory": memLn} {
		t.Run(name, func(t *testing.T) {
			ln.Close()
			if _, err := ln.Accept(context.Background()); !errors.Is(err, ErrClosed) {
				t.Errorf("Accept() after Close error = %v, want ErrClosed", err)
			}
		})
	}
}

func TestTCPListener_AcceptHonoursContext(t *testing.T) {
	tr := NewTCPTransport()
	defer tr.Close()

	ln, err := tr.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := ln.Accept(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Accept() error = %v, want DeadlineExceeded", err)
	}
}

func TestClosedTransport(t *testing.T) {
	for _, tr := range []Transport{NewTCPTransport(), NewQUICTransport(), NewWebSocketTransport(), NewH2Transport(), NewMemoryNetwork().Transport("x")} {
		t.Run(string(tr.Type()), func(t *testing.T) {
			if err := tr.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			if err := tr.Close(); err != nil {
				t.Errorf("second Close() error = %v", err)
			}
			if _, err := tr.Dial(context.Background(), "127.0.0.1:1", DialOptions{}); !errors.Is(err, ErrClosed) {
				t.Errorf("Dial() error = %v, want ErrClosed", err)
			}
			if _, err := tr.Listen("127.0.0.1:0", ListenOptions{}); !errors.Is(err, ErrClosed) {
				t.Errorf("Listen() error = %v, want ErrClosed", err)
			}
		})
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"tcp", TypeTCP, false},
		{" QUIC ", TypeQUIC, false},
		{"ws", TypeWebSocket, false},
		{"h2", TypeHTTP2, false},
		{"memory", TypeMemory, false},
		{"bluetooth", "", true},
	}
	for _, tc := range tests {
		got, err := ParseType(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseType(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseType(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNew(t *testing.T) {
	for _, typ := range []Type{TypeTCP, TypeQUIC, TypeWebSocket, TypeHTTP2} {
		tr, err := New(typ)
		if err != nil {
			t.Fatalf("New(%s) error = %v", typ, err)
		}
		if tr.Type() != typ {
			t.Errorf("New(%s).Type() = %s", typ, tr.Type())
		}
		tr.Close()
	}
	if _, err := New(TypeMemory); err == nil {
		t.Error("New(memory) succeeded")
	}
}

func TestParseWebSocketURL(t *testing.T) {
	if got := webSocketURL("10.0.0.2:7000"); got != "wss://10.0.0.2:7000/mesh" {
		t.Errorf("got %s", got)
	}
	if got := webSocketURL("ws://host:1/x"); got != "ws://host:1/x" {
		t.Errorf("got %s", got)
	}
}

func TestParseH2Address(t *testing.T) {
	tests := map[string]string{
		"10.0.0.2:7000":          "https://10.0.0.2:7000/mesh",
		"https://host:1":         "https://host:1/mesh",
		"https://host:1/custom":  "https://host:1/custom",
		"http://127.0.0.1:9/abc": "http://127.0.0.1:9/abc",
	}
	for in, want := range tests {
		if got := h2URL(in); got != want {
			t.Errorf("h2URL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSelfSignedTLSConfig(t *testing.T) {
	cfg, err := SelfSignedTLSConfig("node-a")
	if err != nil {
		t.Fatalf("SelfSignedTLSConfig() error = %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(cfg.Certificates))
	}
	if len(cfg.NextProtos) == 0 || cfg.NextProtos[0] != ALPNProtocol {
		t.Errorf("NextProtos = %v", cfg.NextProtos)
	}

	h2 := ensureH2InNextProtos(cfg)
	if h2.NextProtos[0] != "h2" {
		t.Errorf("ensureH2InNextProtos() = %v", h2.NextProtos)
	}
	if cfg.NextProtos[0] == "h2" {
		t.Error("ensureH2InNextProtos mutated the original")
	}
}

func TestPrepareTLSConfigForDial(t *testing.T) {
	cfg := prepareTLSConfigForDial(nil, false, []string{ALPNProtocol})
	if !cfg.InsecureSkipVerify {
		t.Error("expected verification skipped without strict mode")
	}
	cfg = prepareTLSConfigForDial(nil, true, []string{ALPNProtocol})
	if cfg.InsecureSkipVerify {
		t.Error("expected verification with strict mode")
	}
}

func TestHTTPListener_MethodRouting(t *testing.T) {
	tests := []struct {
		name   string
		tr     Transport
		scheme string
		opts   ListenOptions
		method string
	}{
		{"h2 rejects GET", NewH2Transport(), "https", ListenOptions{}, http.MethodGet},
		{"ws rejects POST", NewWebSocketTransport(), "http", ListenOptions{PlainText: true}, http.MethodPost},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			defer tc.tr.Close()

			ln, err := tc.tr.Listen("127.0.0.1:0", tc.opts)
			if err != nil {
				t.Fatalf("Listen() error = %v", err)
			}

			client := &http.Client{
				Timeout:   2 * time.Second,
				Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
			}
			req, err := http.NewRequest(tc.method, tc.scheme+"://"+ln.Addr().String()+"/mesh", nil)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := client.Do(req)
			if err != nil {
				t.Fatalf("request error = %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want 405", resp.StatusCode)
			}
		})
	}
}

func TestQUICListener_CloseKeepsAcceptedLinks(t *testing.T) {
	srv := NewQUICTransport()
	defer srv.Close()
	cli := NewQUICTransport()
	defer cli.Close()

	ln, err := srv.Listen("127.0.0.1:0", ListenOptions{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cli.Dial(ctx, ln.Addr().String(), DefaultDialOptions())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	server, err := ln.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	if err := ln.Close(); err != nil {
		t.Fatalf("listener Close() error = %v", err)
	}
	if _, err := ln.Accept(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Accept() after Close error = %v, want ErrClosed", err)
	}

	if _, err := server.Write([]byte("after close\n")); err != nil {
		t.Fatalf("Write() on accepted link error = %v", err)
	}
	if got := readLine(t, bufio.NewReader(client)); got != "after close" {
		t.Errorf("client read %q, want %q", got, "after close")
	}

	srv.epMu.Lock()
	open := len(srv.endpoints)
	srv.epMu.Unlock()
	if open != 1 {
		t.Fatalf("open endpoints = %d, want 1 while a link is up", open)
	}

	server.Close()
	srv.epMu.Lock()
	open = len(srv.endpoints)
	srv.epMu.Unlock()
	if open != 0 {
		t.Errorf("open endpoints = %d after the last link closed, want 0", open)
	}
}
