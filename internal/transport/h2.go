package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"
)

const (
	h2DefaultPath  = "/mesh"
	h2ProtocolHead = "X-Examcast-Protocol"
	h2ContentType  = "application/octet-stream"
)

// H2Transport carries a link as one long-lived HTTP/2 POST. The request
// body is the dialer's write side and the response body the listener's.
type H2Transport struct {
	listenerSet
}

// NewH2Transport creates a new HTTP/2 transport.
func NewH2Transport() *H2Transport {
	return &H2Transport{}
}

// Type returns the transport type.
func (t *H2Transport) Type() Type {
	return TypeHTTP2
}

// Dial opens the streaming POST. The request lives as long as the link;
// opts.Timeout only bounds the wait for response headers.
func (t *H2Transport) Dial(ctx context.Context, addr string, opts DialOptions) (Link, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	dialCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	linkCtx, linkCancel := context.WithCancel(context.Background())
	body, bodyWriter := io.Pipe()
	fail := func(err error) (Link, error) {
		linkCancel()
		bodyWriter.Close()
		return nil, err
	}

	req, err := http.NewRequestWithContext(linkCtx, http.MethodPost, h2URL(addr), body)
	if err != nil {
		return fail(fmt.Errorf("create request failed: %w", err))
	}
	req.Header.Set("Content-Type", h2ContentType)
	req.Header.Set(h2ProtocolHead, ALPNProtocol)

	tlsConfig := ensureH2InNextProtos(prepareTLSConfigForDial(opts.TLSConfig, opts.StrictVerify, []string{"h2"}))
	rt := &http2.Transport{TLSClientConfig: tlsConfig}

	stop := context.AfterFunc(dialCtx, linkCancel)
	resp, err := rt.RoundTrip(req)
	if !stop() {
		if err == nil {
			resp.Body.Close()
		}
		return fail(fmt.Errorf("HTTP/2 dial timeout: %w", dialCtx.Err()))
	}
	if err != nil {
		return fail(fmt.Errorf("HTTP/2 dial failed: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fail(fmt.Errorf("HTTP/2 dial failed: status %d", resp.StatusCode))
	}

	return &h2Link{
		reader: resp.Body,
		writer: bodyWriter,
		remote: addr,
		cancel: linkCancel,
	}, nil
}

// Listen accepts streaming POSTs on opts.Path. HTTP/2 always runs over TLS.
func (t *H2Transport) Listen(addr string, opts ListenOptions) (Listener, error) {
	return t.listen(func() (Listener, error) {
		tlsConfig, err := serverTLSConfig(opts.TLSConfig)
		if err != nil {
			return nil, err
		}

		path := opts.Path
		if path == "" {
			path = h2DefaultPath
		}
		return startHTTPListener(addr, http.MethodPost+" "+path, ensureH2InNextProtos(tlsConfig),
			func(s *http.Server) error {
				if err := http2.ConfigureServer(s, &http2.Server{}); err != nil {
					return fmt.Errorf("configure HTTP/2 server: %w", err)
				}
				return nil
			},
			acceptH2Stream)
	})
}

// flushWriter pushes every write to the client immediately.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}

// acceptH2Stream holds the request open until the link closes. Link writes
// go through a pipe copied into the response.
func acceptH2Stream(l *httpListener, w http.ResponseWriter, r *http.Request) {
	if proto := r.Header.Get(h2ProtocolHead); proto != "" && proto != ALPNProtocol {
		http.Error(w, "unsupported protocol", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", h2ContentType)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out, outWriter := io.Pipe()
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		io.Copy(flushWriter{w: w, f: flusher}, out)
		out.Close()
	}()

	link := &h2Link{
		reader: r.Body,
		writer: outWriter,
		remote: r.RemoteAddr,
		doneCh: make(chan struct{}),
	}
	if l.offer(link) {
		select {
		case <-link.doneCh:
		case <-r.Context().Done():
			link.Close()
		}
	}
	outWriter.Close()
	<-copied
}

// h2Link is one streaming exchange. Pipe writes cannot take a deadline, so
// a write under a deadline runs aside and the link closes when it expires.
type h2Link struct {
	reader io.ReadCloser
	writer io.WriteCloser
	remote string
	cancel context.CancelFunc
	doneCh chan struct{}

	writeMu  sync.Mutex
	deadline atomic.Int64
	closed   atomic.Bool
}

func (l *h2Link) Read(p []byte) (int, error) {
	return l.reader.Read(p)
}

func (l *h2Link) Write(p []byte) (int, error) {
	if l.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	d := l.deadline.Load()
	if d == 0 {
		return l.writer.Write(p)
	}
	wait := time.Until(time.Unix(0, d))
	if wait <= 0 {
		return 0, os.ErrDeadlineExceeded
	}

	var n int
	var err error
	done := make(chan struct{})
	go func() {
		n, err = l.writer.Write(p)
		close(done)
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-done:
		return n, err
	case <-timer.C:
		l.Close()
		<-done
		return 0, os.ErrDeadlineExceeded
	}
}

func (l *h2Link) SetWriteDeadline(t time.Time) error {
	var d int64
	if !t.IsZero() {
		d = t.UnixNano()
	}
	l.deadline.Store(d)
	return nil
}

func (l *h2Link) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	if l.doneCh != nil {
		close(l.doneCh)
	}
	if l.cancel != nil {
		l.cancel()
	}

	werr := l.writer.Close()
	rerr := l.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (l *h2Link) RemoteAddr() string { return l.remote }

func (l *h2Link) Type() Type { return TypeHTTP2 }

// h2URL turns host:port into an https URL on the default path. A URL
// without a path gets the default path too.
func h2URL(addr string) string {
	if !strings.HasPrefix(addr, "https://") && !strings.HasPrefix(addr, "http://") {
		return "https://" + addr + h2DefaultPath
	}
	_, rest, _ := strings.Cut(addr, "://")
	if strings.Contains(rest, "/") {
		return addr
	}
	return addr + h2DefaultPath
}
