package ws

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// Dial opens a client connection. Call Serve on the result to start pumping.
func Dial(ctx context.Context, rawURL string, opts Options) (*Conn, error) {
	wsConn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, fmt.Errorf("ws: dial: %w", ErrUnauthorized)
			case http.StatusNotFound:
				return nil, fmt.Errorf("ws: dial: %w", ErrNotFound)
			}
		}
		return nil, fmt.Errorf("ws: dial %s: %w", redact(rawURL), err)
	}
	return newConn(wsConn, opts), nil
}

// redact strips the query string, which carries the join token.
func redact(rawURL string) string {
	base, _, _ := strings.Cut(rawURL, "?")
	return base
}
