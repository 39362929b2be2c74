package venue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/quanterra/optiondesk/errs"
	"github.com/quanterra/optiondesk/internal/ledger"
	"github.com/quanterra/optiondesk/internal/normalize"
	"github.com/quanterra/optiondesk/internal/observability"
	"github.com/quanterra/optiondesk/internal/schema"
)

const maxPullBody = 8 << 20

// PullConfig configures the authoritative request/response channel.
type PullConfig struct {
	BaseURL      string
	PollInterval time.Duration
	Timeout      time.Duration
}

// PullClient fetches authoritative events over REST. It backfills sequence
// ranges for the coordinator, covers push gap windows after reconnects, and
// polls on a timer as a safety net against silent push loss.
type PullClient struct {
	cfg     PullConfig
	session *Session
	client  *http.Client
	handler EventHandler

	mu        sync.Mutex
	watermark time.Time
}

// NewPullClient constructs a pull client. client may be nil.
func NewPullClient(cfg PullConfig, session *Session, client *http.Client, handler EventHandler) *PullClient {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &PullClient{cfg: cfg, session: session, client: client, handler: handler, watermark: time.Now().UTC()}
}

// FetchRange retrieves the events for one entity's missing sequence range.
// Satisfies the coordinator's backfill hook.
func (p *PullClient) FetchRange(ctx context.Context, entity string, from, to uint64) ([]schema.Event, error) {
	query := url.Values{}
	query.Set("entity", entity)
	query.Set("from-seq", strconv.FormatUint(from, 10))
	query.Set("to-seq", strconv.FormatUint(to, 10))
	return p.fetch(ctx, query)
}

// FetchSince retrieves every event recorded after the given instant.
func (p *PullClient) FetchSince(ctx context.Context, since time.Time) ([]schema.Event, error) {
	query := url.Values{}
	query.Set("since", since.UTC().Format(time.RFC3339Nano))
	return p.fetch(ctx, query)
}

// Resync re-fetches everything past the watermark and hands it to the
// handler. Invoked after push reconnects; duplicate delivery is safe because
// the coordinator deduplicates by sequence marker.
func (p *PullClient) Resync(ctx context.Context) {
	p.mu.Lock()
	since := p.watermark
	p.mu.Unlock()

	events, err := p.FetchSince(ctx, since)
	if err != nil {
		observability.Log().Warn("resync fetch failed", observability.F("error", err.Error()))
		return
	}
	for _, evt := range events {
		p.handler(ctx, evt)
	}
	p.advance(time.Now().UTC())
	observability.Log().Info("resync complete",
		observability.F("since", since), observability.F("events", len(events)))
}

// Poll drives the periodic safety-net fetch until the context ends.
func (p *PullClient) Poll(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Resync(ctx)
		}
	}
}

type rawBalance struct {
	Account   string `json:"account"`
	Currency  string `json:"currency"`
	Cash      string `json:"cash"`
	Timestamp string `json:"timestamp"`
}

// FetchBalances retrieves the venue-reported account balances as of now.
func (p *PullClient) FetchBalances(ctx context.Context) ([]schema.BalanceSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/balances", nil)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithCause(err))
	}
	if p.session != nil {
		p.session.Authorize(req)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork, errs.WithMessage("balance fetch failed"), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("balance endpoint returned %d", resp.StatusCode)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPullBody))
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork, errs.WithCause(err))
	}
	var raws []rawBalance
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, errs.New(component, errs.CodeMalformedMessage,
			errs.WithMessage("unreadable balance response"), errs.WithCause(err))
	}
	out := make([]schema.BalanceSnapshot, 0, len(raws))
	for _, raw := range raws {
		cash, err := ledger.Parse(raw.Cash)
		if err != nil {
			observability.Log().Warn("balance entry dropped",
				observability.F("account", raw.Account), observability.F("error", err.Error()))
			continue
		}
		at := time.Now().UTC()
		if raw.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
				at = ts
			}
		}
		out = append(out, schema.BalanceSnapshot{
			Account: raw.Account, Currency: raw.Currency, Cash: cash, SnapshotAt: at,
		})
	}
	return out, nil
}

func (p *PullClient) advance(ts time.Time) {
	p.mu.Lock()
	if ts.After(p.watermark) {
		p.watermark = ts
	}
	p.mu.Unlock()
}

func (p *PullClient) fetch(ctx context.Context, query url.Values) ([]schema.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/events?"+query.Encode(), nil)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithCause(err))
	}
	if p.session != nil {
		p.session.Authorize(req)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork, errs.WithMessage("pull fetch failed"), errs.WithCause(err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errs.New(component, errs.CodeAuth, errs.WithMessage("pull channel rejected session"))
	case resp.StatusCode != http.StatusOK:
		return nil, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage(fmt.Sprintf("pull channel returned %d", resp.StatusCode)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPullBody))
	if err != nil {
		return nil, errs.New(component, errs.CodeNetwork, errs.WithCause(err))
	}

	var frames []json.RawMessage
	if err := json.Unmarshal(body, &frames); err != nil {
		return nil, errs.New(component, errs.CodeMalformedMessage,
			errs.WithMessage("pull response is not an event array"), errs.WithCause(err))
	}

	ingest := time.Now().UTC()
	events := make([]schema.Event, 0, len(frames))
	for _, frame := range frames {
		evt, err := normalize.Normalize(frame, schema.SourcePull, ingest)
		if err != nil {
			observability.Telemetry().IncCounter(observability.MetricMalformedDropped, 1, map[string]string{"source": "pull"})
			observability.Log().Warn("pull frame dropped", observability.F("error", err.Error()))
			continue
		}
		events = append(events, *evt)
	}
	return events, nil
}
