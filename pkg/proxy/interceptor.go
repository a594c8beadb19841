package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/lkarlslund/tokenmeter/pkg/tokenizer"
	"github.com/lkarlslund/tokenmeter/pkg/usagelog"
)

// LineWriter is the destination for usage log lines.
type LineWriter interface {
	WriteLine(line string) error
}

// RequestInterceptor counts input tokens and writes the input line before the
// request is forwarded.
type RequestInterceptor struct {
	counter tokenizer.Counter
	sink    LineWriter
	now     func() time.Time
}

func NewRequestInterceptor(counter tokenizer.Counter, sink LineWriter) *RequestInterceptor {
	return &RequestInterceptor{counter: counter, sink: sink, now: time.Now}
}

func (ri *RequestInterceptor) Intercept(r *http.Request, body []byte) *UsageRecord {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		auth = usagelog.NoToken
	}
	rec := &UsageRecord{
		ID:         uuid.NewString(),
		Timestamp:  ri.now().UTC(),
		AuthToken:  auth,
		TokenLabel: redactToken(auth),
		Method:     r.Method,
		Path:       r.URL.Path,
	}
	rec.InputText = ExtractInputText(body, r.Header.Get("Content-Type"))
	rec.InputTokens = ri.counter.Count(rec.InputText)
	line := usagelog.FormatInputLine(rec.Timestamp, rec.AuthToken, rec.Path, rec.InputTokens)
	if err := ri.sink.WriteLine(line); err != nil {
		log.Error("usage log write failed", "id", rec.ID, "path", rec.Path, "err", err)
	}
	return rec
}

// ResponseInterceptor turns an accumulated response into the output line.
type ResponseInterceptor struct {
	counter tokenizer.Counter
	sink    LineWriter
	now     func() time.Time
}

func NewResponseInterceptor(counter tokenizer.Counter, sink LineWriter) *ResponseInterceptor {
	return &ResponseInterceptor{counter: counter, sink: sink, now: time.Now}
}

// Complete runs once the backend stream has ended and every byte has been
// relayed. Parse failures yield zero output tokens and never an error.
func (ri *ResponseInterceptor) Complete(rec *UsageRecord, res ForwardResult) {
	rec.Outcome = OutcomeCompleted
	rec.StatusCode = res.StatusCode
	rec.ResponseBytes = res.Bytes
	rec.CaptureOverflow = res.Overflowed

	if res.Overflowed {
		log.Warn("response exceeded capture limit, output not counted", "id", rec.ID, "path", rec.Path, "bytes", res.Bytes)
	} else {
		text, err := responseText(res)
		var malformed *MalformedResponseError
		switch {
		case err == nil:
		case errors.Is(err, errDecodedCaptureTooLarge):
			rec.CaptureOverflow = true
			log.Warn("decoded response exceeded capture limit, output not counted", "id", rec.ID, "path", rec.Path, "encoding", res.ContentEncoding, "limit", captureLimitOf(res))
		case errors.As(err, &malformed):
			log.Warn("unparseable response body", "id", rec.ID, "path", rec.Path, "err", err)
		case len(bytes.TrimSpace(res.Captured)) == 0:
			log.Debug("empty response body", "id", rec.ID, "path", rec.Path, "status", res.StatusCode)
		default:
			log.Warn("response body not structured, output not counted", "id", rec.ID, "path", rec.Path, "content_type", res.ContentType)
		}
		rec.OutputText = text.Text
		rec.OutputTokens = ri.counter.Count(text.Text)
	}

	line := usagelog.FormatOutputLine(ri.now().UTC(), rec.Path, rec.OutputTokens)
	if err := ri.sink.WriteLine(line); err != nil {
		log.Error("usage log write failed", "id", rec.ID, "path", rec.Path, "err", err)
	}
}

// Abort records a stream that did not complete. No output line is written.
func (ri *ResponseInterceptor) Abort(rec *UsageRecord, outcome Outcome, res ForwardResult) {
	rec.Outcome = outcome
	rec.StatusCode = res.StatusCode
	rec.ResponseBytes = res.Bytes
	rec.CaptureOverflow = res.Overflowed
	log.Warn("proxy stream aborted", "id", rec.ID, "path", rec.Path, "outcome", string(outcome), "bytes", res.Bytes, "err", res.Err)
}

// errDecodedCaptureTooLarge marks a compressed capture whose decoded form
// would exceed the capture limit.
var errDecodedCaptureTooLarge = errors.New("decoded capture exceeds limit")

func captureLimitOf(res ForwardResult) int64 {
	if res.CaptureLimit > 0 {
		return res.CaptureLimit
	}
	return defaultCaptureLimit
}

func responseText(res ForwardResult) (ResponseText, error) {
	body, err := decodeCapture(res.ContentEncoding, res.Captured, captureLimitOf(res))
	if errors.Is(err, errDecodedCaptureTooLarge) {
		return ResponseText{}, err
	}
	if err != nil {
		return ResponseText{}, &MalformedResponseError{Err: err}
	}
	if isEventStreamContentType(res.ContentType) {
		return ExtractStreamText(body), nil
	}
	return ExtractResponseText(body)
}

// decodeCapture undoes a Content-Encoding the backend applied so the
// captured copy can be parsed. The relayed bytes are never touched. The
// decoded size is held to limit just like the raw capture.
func decodeCapture(encoding string, body []byte, limit int64) ([]byte, error) {
	var zr io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		zr = gr
	case "zstd":
		dec, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		zr = dec
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}
	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, errDecodedCaptureTooLarge
	}
	return out, nil
}
