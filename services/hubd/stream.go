package hubd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"crosslend/core/events"
	"crosslend/core/types"
)

const wsWriteTimeout = 10 * time.Second

// Broadcaster fans emitted events out to websocket subscribers and keeps a
// bounded backlog for late joiners. Slow subscribers miss events rather
// than stall the emitter.
type Broadcaster struct {
	mu      sync.Mutex
	backlog []*types.Event
	limit   int
	subs    map[chan *types.Event]struct{}
	origins []string
}

// NewBroadcaster keeps at most backlog events for replay. Cross-origin
// subscribers are accepted only from the listed origins; with none listed the
// stream is same-origin only.
func NewBroadcaster(backlog int, origins []string) *Broadcaster {
	if backlog <= 0 {
		backlog = 256
	}
	return &Broadcaster{
		limit:   backlog,
		subs:    make(map[chan *types.Event]struct{}),
		origins: originPatterns(origins),
	}
}

// originPatterns reduces configured origins to the host patterns the
// websocket handshake matches against. "*" is kept as is.
func originPatterns(origins []string) []string {
	var out []string
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		out = append(out, strings.ToLower(o))
	}
	return out
}

// Emit implements events.Emitter.
func (b *Broadcaster) Emit(evt events.Event) {
	if b == nil || evt == nil {
		return
	}
	payload := evt.Event().Clone()
	if payload == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backlog = append(b.backlog, payload)
	if over := len(b.backlog) - b.limit; over > 0 {
		b.backlog = append([]*types.Event(nil), b.backlog[over:]...)
	}
	for ch := range b.subs {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Subscribe returns a channel of future events, the current backlog and a
// cancel function.
func (b *Broadcaster) Subscribe() (<-chan *types.Event, []*types.Event, func()) {
	ch := make(chan *types.Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	backlog := append([]*types.Event(nil), b.backlog...)
	b.mu.Unlock()
	var once sync.Once
	return ch, backlog, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
		})
	}
}

func (b *Broadcaster) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: b.origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := b.stream(ctx, conn, r.URL.Query().Get("intent")); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

// stream writes the backlog then live events. A non-empty intent restricts
// output to events carrying that intent id.
func (b *Broadcaster) stream(ctx context.Context, conn *websocket.Conn, intent string) error {
	updates, backlog, cancel := b.Subscribe()
	defer cancel()
	for _, evt := range backlog {
		if !matchesIntent(evt, intent) {
			continue
		}
		if err := writeEvent(ctx, conn, evt); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-updates:
			if !matchesIntent(evt, intent) {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func matchesIntent(evt *types.Event, intent string) bool {
	return intent == "" || strings.EqualFold(evt.Attr("intentId"), intent)
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
