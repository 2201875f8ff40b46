package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/schulmacher/krupton-sub002/internal/record"
)

// RESTConfig configures the REST poller.
type RESTConfig struct {
	BaseURL     string // e.g. https://api.binance.com
	Interval    time.Duration
	TradesLimit int
	DepthLimit  int
}

// RESTPoller periodically records trade backfills and order book snapshots.
type RESTPoller struct {
	cfg      RESTConfig
	client   *http.Client
	recorder *Recorder
	symbols  []string
	logger   zerolog.Logger
	now      func() time.Time
}

func NewRESTPoller(cfg RESTConfig, client *http.Client, recorder *Recorder, symbols []string, logger zerolog.Logger) *RESTPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.TradesLimit <= 0 {
		cfg.TradesLimit = 500
	}
	if cfg.DepthLimit <= 0 {
		cfg.DepthLimit = 100
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RESTPoller{
		cfg:      cfg,
		client:   client,
		recorder: recorder,
		symbols:  symbols,
		logger:   logger,
		now:      time.Now,
	}
}

// Run polls every symbol once per interval until ctx ends or a log write fails.
func (p *RESTPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		for _, symbol := range p.symbols {
			if err := p.PollTrades(ctx, symbol); err != nil {
				return err
			}
			if err := p.PollDepth(ctx, symbol); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollTrades records the trades newer than the last recorded one as a single
// record. Upstream errors are logged and skipped; log errors are returned.
func (p *RESTPoller) PollTrades(ctx context.Context, symbol string) error {
	key := record.NewStreamKey(record.StreamRESTTrades, symbol)
	body, err := p.get(ctx, "/api/v3/trades", url.Values{
		"symbol": {key.Symbol},
		"limit":  {strconv.Itoa(p.cfg.TradesLimit)},
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", key.Symbol).Msg("trades poll failed")
		return nil
	}

	trades, err := ParseRESTTrades(key.Symbol, body)
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", key.Symbol).Msg("rejected trades page")
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil || len(raw) != len(trades) {
		return nil
	}

	lastID, err := p.lastTradeID(ctx, key)
	if err != nil {
		return err
	}

	var (
		fresh  []json.RawMessage
		lastTs int64
	)
	for i, t := range trades {
		if t.TradeID <= lastID {
			continue
		}
		fresh = append(fresh, raw[i])
		lastTs = max(lastTs, t.TradeTime)
	}
	if len(fresh) == 0 {
		return nil
	}

	payload, err := json.Marshal(fresh)
	if err != nil {
		return fmt.Errorf("encode trades page: %w", err)
	}
	_, err = p.recorder.Record(ctx, key, lastTs, payload)
	return dropInvalid(err)
}

// lastTradeID returns the highest trade id already recorded for key, or -1.
func (p *RESTPoller) lastTradeID(ctx context.Context, key record.StreamKey) (int64, error) {
	last, ok, err := p.recorder.LastRecord(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return -1, nil
	}
	prev, err := ParseRESTTrades(key.Symbol, last.Payload)
	if err != nil {
		return -1, nil
	}
	id := int64(-1)
	for _, t := range prev {
		id = max(id, t.TradeID)
	}
	return id, nil
}

// PollDepth records an order book snapshot. A snapshot whose lastUpdateId
// equals the stored one replaces it instead of growing the log.
func (p *RESTPoller) PollDepth(ctx context.Context, symbol string) error {
	key := record.NewStreamKey(record.StreamRESTDepth, symbol)
	body, err := p.get(ctx, "/api/v3/depth", url.Values{
		"symbol": {key.Symbol},
		"limit":  {strconv.Itoa(p.cfg.DepthLimit)},
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", key.Symbol).Msg("depth poll failed")
		return nil
	}

	updateID, err := RESTDepthUpdateID(body)
	if err != nil {
		p.logger.Warn().Err(err).Str("symbol", key.Symbol).Msg("rejected depth snapshot")
		return nil
	}

	last, ok, err := p.recorder.LastRecord(ctx, key)
	if err != nil {
		return err
	}
	ts := p.now().UnixMilli()
	if ok {
		if prevID, err := RESTDepthUpdateID(last.Payload); err == nil && prevID == updateID {
			_, err = p.recorder.Replace(ctx, key, ts, body)
			return dropInvalid(err)
		}
	}
	_, err = p.recorder.Record(ctx, key, ts, body)
	return dropInvalid(err)
}

// dropInvalid swallows rejections, which the recorder already logged and counted.
func dropInvalid(err error) error {
	if errors.Is(err, ErrInvalidPayload) {
		return nil
	}
	return err
}

func (p *RESTPoller) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := strings.TrimRight(p.cfg.BaseURL, "/") + path + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, truncate(body, 200))
	}
	return body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
