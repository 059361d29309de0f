// Package wsfanout bridges a notify.Bus to WebSocket clients, one goroutine
// per connection, each forwarding JSON-encoded events until the client
// disconnects or the bus closes its subscription channel.
package wsfanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pixelforge/gallery-core/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// Handler upgrades HTTP requests to WebSocket connections and fans out bus
// events for the requested topics. With no topics query parameter it fans
// out every topic; with one or more `topic` query parameters it fans out
// the union of those topics.
type Handler struct {
	bus *notify.Bus
}

// NewHandler returns a Handler serving events from bus.
func NewHandler(bus *notify.Bus) *Handler {
	return &Handler{bus: bus}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	topics := r.URL.Query()["topic"]

	var events <-chan notify.Event
	var unsub func()
	if len(topics) == 0 {
		events = h.bus.SubscribeAll()
		unsub = func() {}
	} else {
		events, unsub = h.subscribeMany(topics)
	}
	defer unsub()

	// Drain client reads so ping/close control frames are processed; this
	// connection is write-only from the server's perspective.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// subscribeMany subscribes to every requested topic and fans the per-topic
// channels into one, returning it alongside a cleanup func that unsubscribes
// from each topic and drains the fan-in goroutine.
func (h *Handler) subscribeMany(topics []string) (<-chan notify.Event, func()) {
	type sub struct {
		topic notify.Topic
		ch    <-chan notify.Event
	}
	subs := make([]sub, len(topics))
	for i, t := range topics {
		topic := notify.Topic(t)
		subs[i] = sub{topic: topic, ch: h.bus.Subscribe(topic)}
	}

	out := make(chan notify.Event)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, s := range subs {
		go func(s sub) {
			defer wg.Done()
			for {
				select {
				case event, ok := <-s.ch:
					if !ok {
						return
					}
					select {
					case out <- event:
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}(s)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	unsub := func() {
		close(done)
		for _, s := range subs {
			h.bus.Unsubscribe(s.topic, s.ch)
		}
	}
	return out, unsub
}
