package conn

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"

	"obfsbridge/internal/tlsutil"
)

const maxMessageSize = 16 << 20

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
}

func randomUserAgent() string {
	return userAgents[rand.IntN(len(userAgents))]
}

func wsURL(addr, path string, secure bool) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: path}
	return u.String()
}

// wsDialer carries the stream in binary WebSocket messages. The HTTP
// transport reuses base, so the proxy and resolver settings apply.
func wsDialer(opts Options, base DialFunc, secure bool) DialFunc {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		tr := &http.Transport{
			DialContext: func(ctx context.Context, _, a string) (net.Conn, error) {
				return base(ctx, a)
			},
		}
		if secure {
			tlsCfg := clientTLSConfig(opts, addr, []string{"http/1.1"})
			tr.DialTLSContext = func(ctx context.Context, _, a string) (net.Conn, error) {
				raw, err := base(ctx, a)
				if err != nil {
					return nil, err
				}
				return tlsutil.WrapUTLS(ctx, raw, tlsCfg, opts.Fingerprint)
			}
		}

		dialOpts := &websocket.DialOptions{
			HTTPClient:      &http.Client{Transport: tr},
			HTTPHeader:      http.Header{"User-Agent": []string{randomUserAgent()}},
			CompressionMode: websocket.CompressionDisabled,
		}
		c, _, err := websocket.Dial(ctx, wsURL(addr, opts.Path, secure), dialOpts)
		if err != nil {
			return nil, fmt.Errorf("websocket dial: %w", err)
		}
		c.SetReadLimit(maxMessageSize)
		// The dial context carries the dial timeout; the connection outlives it.
		return websocket.NetConn(context.WithoutCancel(ctx), c, websocket.MessageBinary), nil
	}
}
