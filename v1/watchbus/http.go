package watchbus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// KeyFunc resolves the watched key from a request. Returning an error
// rejects the request with 403.
type KeyFunc func(r *http.Request) (string, error)

// ErrMissingKey is returned by QueryKey when the key parameter is absent.
var ErrMissingKey = errors.New("watchbus: missing key")

// QueryKey reads the key from the "key" query parameter.
func QueryKey(r *http.Request) (string, error) {
	key := r.URL.Query().Get("key")
	if key == "" {
		return "", ErrMissingKey
	}
	return key, nil
}

func resolve(w http.ResponseWriter, r *http.Request, keyFn KeyFunc) (string, bool) {
	key, err := keyFn(r)
	switch {
	case errors.Is(err, ErrMissingKey):
		http.Error(w, "missing key", http.StatusBadRequest)
		return "", false
	case err != nil:
		http.Error(w, err.Error(), http.StatusForbidden)
		return "", false
	}
	return key, true
}

// heartbeat keeps idle SSE connections open through proxies.
const heartbeat = 25 * time.Second

// SSEHandler streams WatchBus events over Server-Sent Events.
func SSEHandler(bus WatchBus, keyFn KeyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := resolve(w, r, keyFn)
		if !ok {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := bus.Watch(ctx, key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() { _ = bus.Unwatch(context.Background(), key, ch) }()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams WatchBus events over WebSocket as text frames.
func WebSocketHandler(bus WatchBus, keyFn KeyFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := resolve(w, r, keyFn)
		if !ok {
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		ch, err := bus.Watch(ctx, key)
		if err != nil {
			return
		}
		defer func() { _ = bus.Unwatch(context.Background(), key, ch) }()

		// drain client frames so close messages are noticed
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
