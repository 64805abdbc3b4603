package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/realtime-ws/internal/metrics"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig configures the NATS-backed Transport.
type NATSConfig struct {
	URL             string
	Prefix          string // shared subject prefix, e.g. "rtws"
	RequestTimeout  time.Duration
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

// NATSTransport implements Transport over NATS core pub/sub: three subjects
// (<prefix>:#broadcast, <prefix>:#requests, <prefix>:#responses). NATS's own
// request/reply is not used; the horizontal adapter's RequestBody/ResponseBody
// protocol runs over ordinary publish/subscribe with application-level
// correlation (PendingRequest) — grounded on
// go-server/pkg/nats/client.go's connection lifecycle (reconnect/error
// handlers) and subject-builder idiom, generalized from Odin's per-token
// subjects to the three fixed broadcast/request/response cluster topics
// defined below.
type NATSTransport struct {
	conn   *nats.Conn
	cfg    NATSConfig
	logger zerolog.Logger

	broadcastSubject string
	requestSubject   string
	responseSubject  string

	broadcastSub *nats.Subscription
	requestSub   *nats.Subscription
	responseSub  *nats.Subscription
}

// NewNATSTransport connects to NATS and builds the three subject names.
func NewNATSTransport(cfg NATSConfig, logger zerolog.Logger) (*NATSTransport, error) {
	t := &NATSTransport{
		cfg:              cfg,
		logger:           logger,
		broadcastSubject: cfg.Prefix + ":#broadcast",
		requestSubject:   cfg.Prefix + ":#requests",
		responseSubject:  cfg.Prefix + ":#responses",
	}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(func(c *nats.Conn) {
			t.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to NATS")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			metrics.TransportErrors.Inc()
			t.logger.Warn().Err(err).Msg("disconnected from NATS")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			metrics.TransportReconnects.Inc()
			t.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to NATS")
		}),
		nats.ErrorHandler(func(c *nats.Conn, sub *nats.Subscription, err error) {
			metrics.TransportErrors.Inc()
			t.logger.Error().Err(err).Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	t.conn = conn
	return t, nil
}

func (t *NATSTransport) PublishBroadcast(ctx context.Context, msg *BroadcastMessage) error {
	return t.conn.Publish(t.broadcastSubject, EncodeBroadcast(msg))
}

func (t *NATSTransport) PublishRequest(ctx context.Context, req *RequestBody) error {
	return t.conn.Publish(t.requestSubject, EncodeRequest(req))
}

func (t *NATSTransport) PublishResponse(ctx context.Context, resp *ResponseBody) error {
	return t.conn.Publish(t.responseSubject, EncodeResponse(resp))
}

// StartListeners subscribes to all three topics and dispatches decoded
// messages to handlers. Decode errors are logged and dropped — a malformed
// cluster message must never crash the listener loop.
func (t *NATSTransport) StartListeners(ctx context.Context, handlers Handlers) error {
	var err error

	t.broadcastSub, err = t.conn.Subscribe(t.broadcastSubject, func(m *nats.Msg) {
		msg, err := DecodeBroadcast(m.Data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("failed to decode broadcast message")
			return
		}
		if handlers.OnBroadcast != nil {
			handlers.OnBroadcast(*msg)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe broadcast: %w", err)
	}

	t.requestSub, err = t.conn.Subscribe(t.requestSubject, func(m *nats.Msg) {
		req, err := DecodeRequest(m.Data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("failed to decode request message")
			return
		}
		if handlers.OnRequest == nil {
			return
		}
		resp, err := handlers.OnRequest(*req)
		if err != nil {
			t.logger.Debug().Err(err).Str("request_id", req.RequestID).Msg("request handling skipped")
			return
		}
		if pubErr := t.PublishResponse(ctx, &resp); pubErr != nil {
			t.logger.Warn().Err(pubErr).Msg("failed to publish response")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe request: %w", err)
	}

	t.responseSub, err = t.conn.Subscribe(t.responseSubject, func(m *nats.Msg) {
		resp, err := DecodeResponse(m.Data)
		if err != nil {
			t.logger.Warn().Err(err).Msg("failed to decode response message")
			return
		}
		if handlers.OnResponse != nil {
			handlers.OnResponse(*resp)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe response: %w", err)
	}

	return nil
}

// NodeCount always returns 1. NATS core does not expose remote subscriber
// counts to a client — the subscription handle covers only our own — so
// other nodes subscribed to the request subject are not counted. With this
// transport every cluster query therefore expects no remote responses and
// resolves from local state alone; broadcasts still reach every node.
func (t *NATSTransport) NodeCount(ctx context.Context) (int, error) {
	return 1, nil
}

func (t *NATSTransport) CheckHealth(ctx context.Context) error {
	if t.conn == nil || !t.conn.IsConnected() {
		return fmt.Errorf("transport: not connected")
	}
	return nil
}

func (t *NATSTransport) Close() error {
	for _, sub := range []*nats.Subscription{t.broadcastSub, t.requestSub, t.responseSub} {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
	if t.conn != nil {
		t.conn.Close()
	}
	return nil
}
