package proxy

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const liveFeedQueue = 16

type liveFeedClient struct {
	ch chan []byte
}

type liveFeedEvent struct {
	Type   string      `json:"type"`
	Record UsageRecord `json:"record"`
}

// LiveFeed pushes every finalized usage record to connected websocket
// subscribers. A slow subscriber loses its oldest queued event instead of
// holding up the proxy.
type LiveFeed struct {
	mu      sync.Mutex
	clients map[*liveFeedClient]struct{}
}

func NewLiveFeed() *LiveFeed {
	return &LiveFeed{clients: map[*liveFeedClient]struct{}{}}
}

func (f *LiveFeed) ObserveUsage(rec UsageRecord) error {
	b, err := json.Marshal(liveFeedEvent{Type: "usage", Record: rec})
	if err != nil {
		return err
	}
	f.broadcast(b)
	return nil
}

func (f *LiveFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *LiveFeed) broadcast(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for client := range f.clients {
		select {
		case client.ch <- msg:
		default:
			select {
			case <-client.ch:
			default:
			}
			select {
			case client.ch <- msg:
			default:
			}
		}
	}
}

func (f *LiveFeed) register(c *liveFeedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[c] = struct{}{}
}

func (f *LiveFeed) unregister(c *liveFeedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.ch)
	}
}

func (f *LiveFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			origin := strings.TrimSpace(req.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, req.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("live feed upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	client := &liveFeedClient{ch: make(chan []byte, liveFeedQueue)}
	f.register(client)
	defer f.unregister(client)

	pingTicker := time.NewTicker(25 * time.Second)
	defer pingTicker.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			// Subscribers only listen; reads keep the deadline and close
			// handling alive.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-done:
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case msg, ok := <-client.ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
