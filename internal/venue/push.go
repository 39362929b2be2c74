package venue

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/quanterra/optiondesk/errs"
	"github.com/quanterra/optiondesk/internal/normalize"
	"github.com/quanterra/optiondesk/internal/observability"
	"github.com/quanterra/optiondesk/internal/schema"
)

const (
	defaultMaxReconnectInterval = 30 * time.Second
	defaultReadLimit            = 1 << 20
)

// PushConfig configures the streaming channel.
type PushConfig struct {
	URL                  string
	Symbols              []string
	MaxReconnectInterval time.Duration
	ReadLimit            int64
}

// EventHandler receives each normalized event from a venue channel.
type EventHandler func(ctx context.Context, evt schema.Event)

// PushClient maintains the streaming connection to the venue. Connection loss
// is not fatal: the client reconnects with exponential backoff and invokes the
// resync hook so the pull channel can cover the gap window.
type PushClient struct {
	cfg       PushConfig
	session   *Session
	handler   EventHandler
	onResync  func(ctx context.Context)
	alarms    observability.AlarmSink
	ready     chan struct{}
	readyOnce sync.Once

	connMu sync.Mutex
	conn   *websocket.Conn
}

// NewPushClient constructs a streaming client. onResync runs after every
// reconnect, never on the first connect.
func NewPushClient(cfg PushConfig, session *Session, handler EventHandler, onResync func(ctx context.Context), alarms observability.AlarmSink) *PushClient {
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	return &PushClient{
		cfg:      cfg,
		session:  session,
		handler:  handler,
		onResync: onResync,
		alarms:   alarms,
		ready:    make(chan struct{}),
	}
}

// Ready is closed after the first successful connect.
func (p *PushClient) Ready() <-chan struct{} { return p.ready }

// Run drives the connect loop until the context ends.
func (p *PushClient) Run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = p.cfg.MaxReconnectInterval

	connected := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := p.dial(ctx)
		if err != nil {
			observability.Log().Warn("push dial failed", observability.F("error", err.Error()))
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = p.cfg.MaxReconnectInterval
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
				continue
			}
		}

		p.connMu.Lock()
		p.conn = conn
		p.connMu.Unlock()
		conn.SetReadLimit(p.cfg.ReadLimit)
		backoffCfg.Reset()

		if err := p.subscribe(ctx, conn); err != nil {
			observability.Log().Warn("push subscribe failed", observability.F("error", err.Error()))
		}

		if connected && p.onResync != nil {
			// The gap window between disconnect and now is only recoverable
			// through the pull channel.
			p.onResync(ctx)
		}
		p.readyOnce.Do(func() { close(p.ready) })
		connected = true

		err = p.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
		p.connMu.Lock()
		p.conn = nil
		p.connMu.Unlock()

		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		observability.Log().Warn("push connection lost", observability.F("error", err.Error()))
		if p.alarms != nil {
			p.alarms.Raise(observability.Alarm{
				Type:     observability.AlarmPushDegraded,
				Severity: observability.AlarmSeverityWarn,
				Metadata: map[string]any{"error": err.Error()},
			})
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = p.cfg.MaxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (p *PushClient) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if p.session != nil {
		if token := p.session.Token(); token != "" {
			header.Set("Authorization", token)
		}
	}
	conn, _, err := websocket.Dial(ctx, p.cfg.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork,
			errs.WithMessage("push dial "+p.cfg.URL), errs.WithCause(err))
	}
	return conn, nil
}

type subscribeRequest struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

func (p *PushClient) subscribe(ctx context.Context, conn *websocket.Conn) error {
	if len(p.cfg.Symbols) == 0 {
		return nil
	}
	data, err := json.Marshal(subscribeRequest{Op: "subscribe", Symbols: p.cfg.Symbols})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (p *PushClient) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		evt, err := normalize.Normalize(frame, schema.SourcePush, time.Now().UTC())
		if err != nil {
			observability.Telemetry().IncCounter(observability.MetricMalformedDropped, 1, map[string]string{"source": "push"})
			observability.Log().Warn("push frame dropped", observability.F("error", err.Error()))
			continue
		}
		p.handler(ctx, *evt)
	}
}
