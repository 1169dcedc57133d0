// Package bridge relays the engine's websocket events to browsers as a
// server-sent event stream scoped to one prompt.
package bridge

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genstudio/internal/engine"
	"genstudio/internal/telemetry"
)

// Synthetic events added by the relay.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventError        = "error"
)

const (
	DefaultKeepAlive  = 15 * time.Second
	DefaultCloseDelay = 500 * time.Millisecond
)

var relayed = map[string]bool{
	engine.EventStatus:               true,
	engine.EventExecutionStart:       true,
	engine.EventExecuting:            true,
	engine.EventProgress:             true,
	engine.EventExecutionError:       true,
	engine.EventExecutionInterrupted: true,
	engine.EventExecutionCached:      true,
}

// Dialer opens an engine push connection.
type Dialer func(ctx context.Context, base, clientID string) (*engine.EventConn, error)

// Options configures a Relay.
type Options struct {
	DefaultEngineURL string
	KeepAlive        time.Duration
	CloseDelay       time.Duration
	Dial             Dialer
	Logger           zerolog.Logger
}

// Relay is an http.Handler serving GET ?engineBaseUrl=&clientId=&promptId=.
// Each request owns exactly one upstream connection.
type Relay struct {
	defaultURL string
	keepAlive  time.Duration
	closeDelay time.Duration
	dial       Dialer
	logger     zerolog.Logger
}

// New builds a relay.
func New(opts Options) *Relay {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.CloseDelay <= 0 {
		opts.CloseDelay = DefaultCloseDelay
	}
	if opts.Dial == nil {
		opts.Dial = engine.Dial
	}
	if opts.DefaultEngineURL == "" {
		opts.DefaultEngineURL = "http://localhost:8188"
	}
	return &Relay{
		defaultURL: opts.DefaultEngineURL,
		keepAlive:  opts.KeepAlive,
		closeDelay: opts.CloseDelay,
		dial:       opts.Dial,
		logger:     opts.Logger.With().Str("component", "relay").Logger(),
	}
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	base := strings.TrimSpace(q.Get("engineBaseUrl"))
	if base == "" {
		base = rl.defaultURL
	}
	clientID := strings.TrimSpace(q.Get("clientId"))
	if clientID == "" {
		clientID = "relay-" + uuid.NewString()
	}
	promptID := strings.TrimSpace(q.Get("promptId"))
	log := rl.logger.With().Str("prompt_id", promptID).Str("client_id", clientID).Logger()

	ctx := r.Context()
	sw := NewWriter(w)

	conn, err := rl.dial(ctx, base, clientID)
	if err != nil {
		log.Warn().Err(err).Str("engine", base).Msg("engine websocket connect failed")
		_ = sw.JSON(EventError, map[string]string{"message": "failed to connect to engine websocket"})
		return
	}
	defer conn.Release()

	telemetry.RelayConnections.Inc()
	defer telemetry.RelayConnections.Dec()
	log.Debug().Str("engine", base).Msg("relay connected")

	if err := sw.JSON(EventConnected, map[string]string{"clientId": clientID}); err != nil {
		return
	}

	keepAlive := time.NewTicker(rl.keepAlive)
	defer keepAlive.Stop()

	var closing <-chan time.Time
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("client went away")
			return
		case <-closing:
			log.Debug().Msg("prompt finished, closing relay")
			return
		case <-keepAlive.C:
			if err := sw.Comment("keepalive"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				if err := conn.Err(); err != nil {
					log.Info().Err(err).Msg("engine websocket closed")
				}
				_ = sw.JSON(EventDisconnected, struct{}{})
				return
			}
			evPrompt := ev.PromptID()
			if promptID != "" && evPrompt != "" && evPrompt != promptID {
				continue
			}
			if relayed[ev.Type] {
				if err := sw.Event(ev.Type, ev.Data); err != nil {
					log.Debug().Err(err).Msg("write event failed")
					return
				}
				telemetry.RelayEvents.WithLabelValues(ev.Type).Inc()
			}
			if closing == nil && promptID != "" && evPrompt == promptID && ends(ev) {
				closing = time.After(rl.closeDelay)
			}
		}
	}
}

// ends reports whether ev is the last event of its prompt.
func ends(ev engine.Event) bool {
	switch ev.Type {
	case engine.EventExecuting:
		_, finished := ev.Node()
		return finished
	case engine.EventExecutionError, engine.EventExecutionInterrupted:
		return true
	}
	return false
}
