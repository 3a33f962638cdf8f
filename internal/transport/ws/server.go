package ws

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/vovakirdan/lockstep/internal/channel"
)

var (
	// ErrUnauthorized makes the handler answer 401.
	ErrUnauthorized = errors.New("ws: unauthorized")

	// ErrNotFound makes the handler answer 404.
	ErrNotFound = errors.New("ws: not found")
)

// Endpoint is where a connection's frames go: one participant's channel.
type Endpoint interface {
	Attach(conn channel.Conn) error
	Detach(conn channel.Conn)
	Receive(frame string) error
}

// Resolver picks the endpoint for an upgrade request.
// Errors wrapping ErrUnauthorized or ErrNotFound map to 401 and 404.
type Resolver func(r *http.Request) (Endpoint, error)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Non-browser clients don't send Origin
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Handler upgrades requests and pumps frames between the socket and the
// resolved endpoint.
type Handler struct {
	resolve Resolver
	opts    Options
}

// NewHandler creates a websocket handler.
func NewHandler(resolve Resolver, opts Options) *Handler {
	return &Handler{resolve: resolve, opts: opts.withDefaults()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ep, err := h.resolve(r)
	switch {
	case errors.Is(err, ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	case errors.Is(err, ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
		return
	case err != nil:
		h.opts.Logger.Error("resolve failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.opts.Logger.Debug("upgrade failed", "error", err)
		return
	}

	conn := newConn(wsConn, h.opts)
	if err := ep.Attach(conn); err != nil {
		conn.logger.Info("attach refused", "error", err)
		_ = conn.Close() //nolint:errcheck // refusing
		return
	}
	defer ep.Detach(conn)

	conn.Serve(func(frame string) {
		// Malformed frames are dropped and counted by the channel.
		_ = ep.Receive(frame) //nolint:errcheck // logged by the channel
	})
}
