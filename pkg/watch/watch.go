// Package watch fans committed orders out to websocket subscribers of a partition.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/astromechza/nego/pkg/model"
	"github.com/astromechza/nego/pkg/ordering"
)

const (
	subscriberBuffer = 16
	writeWait        = 5 * time.Second
)

type subscriber struct {
	id     ulid.ULID
	events chan model.OrderEvent
}

type Hub struct {
	lock         sync.Mutex
	subs         map[ordering.Partition]map[ulid.ULID]*subscriber
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

// NewHub builds a hub. Browser upgrades must come from one of allowedOrigins ("*" allows any); with
// none listed only same-origin upgrades are accepted.
func NewHub(pingInterval time.Duration, allowedOrigins ...string) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Hub{
		subs:         make(map[ordering.Partition]map[ulid.ULID]*subscriber),
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker returns nil for an empty list, which leaves gorilla's same-origin check in place.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Subscribe registers for events of one partition. The returned cancel func must be called once.
func (h *Hub) Subscribe(p ordering.Partition) (ulid.ULID, <-chan model.OrderEvent, func()) {
	s := &subscriber{id: ulid.Make(), events: make(chan model.OrderEvent, subscriberBuffer)}
	h.lock.Lock()
	if h.subs[p] == nil {
		h.subs[p] = make(map[ulid.ULID]*subscriber)
	}
	h.subs[p][s.id] = s
	h.lock.Unlock()

	var once sync.Once
	return s.id, s.events, func() {
		once.Do(func() {
			h.lock.Lock()
			defer h.lock.Unlock()
			delete(h.subs[p], s.id)
			if len(h.subs[p]) == 0 {
				delete(h.subs, p)
			}
			close(s.events)
		})
	}
}

// Publish delivers the event to every subscriber of its partition without blocking. A subscriber
// whose buffer is full misses the event; the next one carries a higher version so it can tell.
func (h *Hub) Publish(evt model.OrderEvent) int {
	h.lock.Lock()
	defer h.lock.Unlock()
	delivered := 0
	for id, s := range h.subs[evt.Partition()] {
		select {
		case s.events <- evt:
			delivered++
		default:
			slog.Warn("dropped order event for slow subscriber", "subscriber", id.String(), "partition", evt.Partition().String(), "version", evt.Version)
		}
	}
	return delivered
}

func (h *Hub) Subscribers(p ordering.Partition) int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.subs[p])
}

// Serve upgrades the request and streams the partition's events until either side goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, p ordering.Partition, initial *model.OrderEvent) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade: %w", err)
	}
	defer conn.Close()

	id, events, cancel := h.Subscribe(p)
	defer cancel()
	slog.Info("watching", "subscriber", id.String(), "partition", p.String())

	ctx, stop := context.WithCancel(r.Context())
	defer stop()

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		// watchers never send anything meaningful, reading is how close frames and dead peers show up
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if initial != nil {
		if err := writeEvent(conn, *initial); err != nil {
			stop()
			_ = conn.Close()
			wg.Wait()
			return err
		}
	}

	t := time.NewTicker(h.pingInterval)
	defer t.Stop()
	var outErr error
loop:
	for {
		select {
		case evt := <-events:
			if err := writeEvent(conn, evt); err != nil {
				outErr = err
				break loop
			}
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				outErr = fmt.Errorf("failed to ping: %w", err)
				break loop
			}
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			break loop
		}
	}
	_ = conn.Close()
	wg.Wait()
	slog.Info("stopped watching", "subscriber", id.String(), "partition", p.String())
	return outErr
}

func writeEvent(conn *websocket.Conn, evt model.OrderEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Stream is the client side of a watch.
type Stream struct {
	conn *websocket.Conn
}

// Dial opens a watch. url is the ws:// or wss:// address of the watch route.
func Dial(ctx context.Context, url string, token string) (*Stream, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return &Stream{conn: conn}, nil
}

// Next blocks for the next event. It returns io.EOF style errors from the websocket once closed.
func (s *Stream) Next() (model.OrderEvent, error) {
	var evt model.OrderEvent
	for {
		mt, p, err := s.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return evt, ErrStreamClosed
			}
			return evt, fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		if err := json.Unmarshal(p, &evt); err != nil {
			return evt, fmt.Errorf("failed to decode event: %w", err)
		}
		return evt, nil
	}
}

// Run calls f for every event until ctx is done or the stream ends.
func (s *Stream) Run(ctx context.Context, f func(model.OrderEvent)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-runCtx.Done()
		_ = s.conn.Close()
	}()
	for {
		evt, err := s.Next()
		if err != nil {
			if runCtx.Err() != nil || errors.Is(err, ErrStreamClosed) {
				return nil
			}
			return err
		}
		f(evt)
	}
}

func (s *Stream) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return s.conn.Close()
}

var ErrStreamClosed = errors.New("watch stream closed")
