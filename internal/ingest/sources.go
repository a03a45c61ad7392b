package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProbeDB reads the realtime probe's measurement database directly. The probe
// stack writes into its own Postgres; we only ever select from it.
type ProbeDB struct {
	pool *pgxpool.Pool
}

func NewProbeDB(ctx context.Context, dsn string) (*ProbeDB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse probe db config: %w", err)
	}
	cfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open probe db: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping probe db: %w", err)
	}
	return &ProbeDB{pool: pool}, nil
}

func (p *ProbeDB) Close() {
	p.pool.Close()
}

func (p *ProbeDB) Name() string { return "unicef_probe" }

func (p *ProbeDB) MeasurementsSince(ctx context.Context, since time.Time) ([]SourceMeasurement, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT school_id, client_info->>'Country', download, latency, timestamp
		 FROM measurements WHERE timestamp > $1`,
		since)
	if err != nil {
		return nil, fmt.Errorf("query probe measurements: %w", err)
	}
	defer rows.Close()

	var out []SourceMeasurement
	for rows.Next() {
		var m SourceMeasurement
		var country *string
		if err := rows.Scan(&m.SchoolExternalID, &country, &m.DownloadKbps, &m.LatencyMs, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan probe measurement: %w", err)
		}
		if country != nil {
			m.CountryCode = *country
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DailyCheckAPI reads the daily check-in app's measurement API.
type DailyCheckAPI struct {
	baseURL string
	client  *http.Client
}

func NewDailyCheckAPI(baseURL string, client *http.Client) *DailyCheckAPI {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &DailyCheckAPI{baseURL: baseURL, client: client}
}

func (d *DailyCheckAPI) Name() string { return "dailycheckapp" }

type dailyCheckMeasurement struct {
	Timestamp  time.Time `json:"timestamp"`
	SchoolID   string    `json:"school_id"`
	Download   *float64  `json:"download"`
	Latency    *float64  `json:"latency"`
	ClientInfo struct {
		Country string `json:"Country"`
	} `json:"client_info"`
}

func (d *DailyCheckAPI) MeasurementsSince(ctx context.Context, since time.Time) ([]SourceMeasurement, error) {
	u := fmt.Sprintf("%s/measurements?since=%s", d.baseURL, url.QueryEscape(since.UTC().Format(time.RFC3339)))

	var raw []dailyCheckMeasurement
	if err := getJSON(ctx, d.client, u, &raw); err != nil {
		return nil, fmt.Errorf("fetch dailycheckapp measurements: %w", err)
	}

	out := make([]SourceMeasurement, 0, len(raw))
	for _, r := range raw {
		out = append(out, SourceMeasurement{
			SchoolExternalID: r.SchoolID,
			CountryCode:      r.ClientInfo.Country,
			DownloadKbps:     r.Download,
			LatencyMs:        r.Latency,
			Timestamp:        r.Timestamp,
		})
	}
	return out, nil
}

// getJSON fetches a URL and decodes the JSON body, retrying transient
// failures with exponential backoff. Client errors other than 429 are
// permanent.
func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(op, policy)
}
