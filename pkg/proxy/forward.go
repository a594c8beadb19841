package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Headers that describe a single connection and are never relayed.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Connection":    {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

var ErrBackendUnreachable = errors.New("backend unreachable")

// ForwardResult describes how a relay ended.
type ForwardResult struct {
	StatusCode      int
	ContentType     string
	ContentEncoding string
	Bytes           int64
	Captured        []byte
	Overflowed      bool
	// CaptureLimit bounds the captured copy and anything decoded from it.
	CaptureLimit int64
	HeadersSent  bool
	// ClientGone is set when writing to the client failed or its context was
	// canceled. Err holds the cause of any incomplete relay.
	ClientGone bool
	Err        error
}

func (r ForwardResult) Completed() bool {
	return r.Err == nil
}

type ForwarderOptions struct {
	ResponseHeaderTimeout time.Duration
	StreamTimeout         time.Duration
	MaxCaptureBytes       int64
}

// Forwarder relays one request to a backend and streams the response back
// chunk by chunk while keeping a bounded copy for accounting.
type Forwarder struct {
	client        *http.Client
	streamTimeout time.Duration
	captureLimit  int64
}

func NewForwarder(opts ForwarderOptions) *Forwarder {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = opts.ResponseHeaderTimeout
	tr.DisableCompression = true
	tr.MaxIdleConnsPerHost = 32
	tr.DialContext = (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	return &Forwarder{
		client: &http.Client{
			Transport: tr,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		streamTimeout: opts.StreamTimeout,
		captureLimit:  opts.MaxCaptureBytes,
	}
}

func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request, target BackendTarget, forwardPath string, body []byte) ForwardResult {
	if f.streamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.streamTimeout)
		defer cancel()
	}

	outBody, contentType := outboundBody(body, r.Header.Get("Content-Type"))
	u := target.URLFor(forwardPath, r.URL.RawQuery)
	var reqBody io.Reader = http.NoBody
	if len(outBody) > 0 {
		reqBody = bytes.NewReader(outBody)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, u.String(), reqBody)
	if err != nil {
		return ForwardResult{Err: fmt.Errorf("build backend request: %w", err)}
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Del("Content-Length")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.ContentLength = int64(len(outBody))
	if r.Header.Get("User-Agent") == "" {
		// Keep Go's default agent off the wire when the client sent none.
		req.Header["User-Agent"] = nil
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if r.Context().Err() != nil {
			return ForwardResult{ClientGone: true, Err: r.Context().Err()}
		}
		return ForwardResult{Err: fmt.Errorf("%w: %s: %v", ErrBackendUnreachable, target.BaseURL.Host, err)}
	}
	defer resp.Body.Close()

	res := ForwardResult{
		StatusCode:      resp.StatusCode,
		ContentType:     resp.Header.Get("Content-Type"),
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		CaptureLimit:    f.captureLimit,
	}
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	res.HeadersSent = true

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	capture := newCaptureBuffer(f.captureLimit)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			_, _ = capture.Write(buf[:n])
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				res.ClientGone = true
				res.Err = writeErr
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			if r.Context().Err() != nil {
				res.ClientGone = true
			}
			res.Err = readErr
			break
		}
	}
	res.Bytes = capture.Len()
	res.Captured = capture.Bytes()
	res.Overflowed = capture.Overflowed()
	return res
}

// outboundBody re-serializes a JSON body compactly, preserving field order.
// Anything else is forwarded as received.
func outboundBody(body []byte, contentType string) ([]byte, string) {
	if len(body) == 0 || !isJSONContentType(contentType) {
		return body, contentType
	}
	var out bytes.Buffer
	if err := json.Compact(&out, body); err != nil {
		return body, contentType
	}
	return out.Bytes(), "application/json"
}

func copyHeaders(dst, src http.Header) {
	drop := connectionTokens(src)
	for k, vals := range src {
		ck := http.CanonicalHeaderKey(k)
		if _, hop := hopByHopHeaders[ck]; hop {
			continue
		}
		if _, listed := drop[ck]; listed {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// connectionTokens returns the extra hop-by-hop headers named in Connection.
func connectionTokens(h http.Header) map[string]struct{} {
	out := map[string]struct{}{}
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				out[http.CanonicalHeaderKey(tok)] = struct{}{}
			}
		}
	}
	return out
}
