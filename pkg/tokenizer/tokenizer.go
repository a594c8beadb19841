package tokenizer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	log "github.com/charmbracelet/log"
	"github.com/tiktoken-go/tokenizer"
)

const (
	DefaultEncoding  = "cl100k_base"
	EncodingEstimate = "estimate"
)

// Counter reports how many tokens a text occupies under a fixed encoding.
// Implementations are safe for concurrent use.
type Counter interface {
	Count(text string) int
}

type BPECounter struct {
	name  string
	codec tokenizer.Codec
}

func NewCounter(encoding string) (Counter, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	if encoding == "" {
		encoding = DefaultEncoding
	}
	if encoding == EncodingEstimate {
		return HeuristicCounter{}, nil
	}
	var enc tokenizer.Encoding
	switch encoding {
	case "cl100k_base":
		enc = tokenizer.Cl100kBase
	case "o200k_base":
		enc = tokenizer.O200kBase
	case "p50k_base":
		enc = tokenizer.P50kBase
	case "r50k_base":
		enc = tokenizer.R50kBase
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &BPECounter{name: encoding, codec: codec}, nil
}

func (c *BPECounter) Name() string {
	return c.name
}

func (c *BPECounter) Count(text string) (n int) {
	if c == nil || c.codec == nil || text == "" {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			log.Debug("tokenizer panic", "encoding", c.name, "err", r)
			n = 0
		}
	}()
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		log.Debug("tokenizer encode failed", "encoding", c.name, "err", err)
		return 0
	}
	return len(ids)
}

// HeuristicCounter approximates one token per four runes.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	if runes <= 0 {
		return 0
	}
	return (runes + 3) / 4
}
