package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Snapshot captures a time-weighted reference price for a pool along with
// the fixed decimal scale the price is quoted in. Snapshots are fetched per
// call and never persisted by the engine.
type Snapshot struct {
	PoolID    string
	Price     *big.Int
	Scale     *big.Int
	Timestamp time.Time
}

// Clone returns a deep copy of the snapshot to prevent accidental mutation
// of shared state.
func (s Snapshot) Clone() Snapshot {
	clone := Snapshot{PoolID: s.PoolID, Timestamp: s.Timestamp}
	if s.Price != nil {
		clone.Price = new(big.Int).Set(s.Price)
	}
	if s.Scale != nil {
		clone.Scale = new(big.Int).Set(s.Scale)
	}
	return clone
}

// PriceOracle resolves a reference price for the given pool. The window is a
// hint for time-weighted feeds; sources without history may ignore it.
type PriceOracle interface {
	GetPrice(poolID string, window time.Duration) (Snapshot, error)
}

// ErrNoFreshQuote indicates that no oracle could supply a quote within the
// configured freshness window.
var ErrNoFreshQuote = errors.New("oracle: no fresh quote available")

// defaultSampleCap bounds the per-pool sample history when no cap is
// configured.
const defaultSampleCap = 128

// Aggregator consults a list of registered oracles in priority order until a
// fresh quote is obtained. Every accepted quote is also recorded into a
// rolling per-pool sample history so TWAP can answer from observations
// already made.
type Aggregator struct {
	mu        sync.RWMutex
	priority  []string
	oracles   map[string]PriceOracle
	maxAge    time.Duration
	twapWin   time.Duration
	sampleCap int
	history   map[string][]Snapshot
}

// NewAggregator constructs an aggregator with the provided priority and
// freshness window. When priority is nil a zero-length slice is initialised
// so Register can safely append identifiers.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	return &Aggregator{
		priority:  append([]string{}, priority...),
		oracles:   make(map[string]PriceOracle),
		maxAge:    maxAge,
		sampleCap: defaultSampleCap,
		history:   make(map[string][]Snapshot),
	}
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *Aggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// SetTwapWindow sets the rolling window used to prune the sample history and
// as the default window for TWAP calls that pass zero.
func (a *Aggregator) SetTwapWindow(window time.Duration) {
	if a == nil || window < 0 {
		return
	}
	a.mu.Lock()
	a.twapWin = window
	a.mu.Unlock()
}

// SetSampleCap bounds the number of retained samples per pool.
func (a *Aggregator) SetSampleCap(cap int) {
	if a == nil || cap <= 0 {
		return
	}
	a.mu.Lock()
	a.sampleCap = cap
	a.mu.Unlock()
}

// Register adds or replaces an oracle under the supplied identifier.
// Identifiers are stored in lowercase so lookups are casing-insensitive.
func (a *Aggregator) Register(name string, oracle PriceOracle) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.oracles[trimmed] = oracle
	for _, entry := range a.priority {
		if strings.EqualFold(entry, trimmed) {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// GetPrice fetches a price from the configured oracles respecting the
// priority ordering. Quotes older than the freshness window are skipped.
func (a *Aggregator) GetPrice(poolID string, window time.Duration) (Snapshot, error) {
	if a == nil {
		return Snapshot{}, fmt.Errorf("oracle aggregator not configured")
	}
	pool := strings.TrimSpace(poolID)
	if pool == "" {
		return Snapshot{}, fmt.Errorf("oracle: pool id required")
	}

	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	a.mu.RUnlock()

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	var lastErr error
	for _, name := range priority {
		a.mu.RLock()
		source := a.oracles[strings.ToLower(name)]
		a.mu.RUnlock()
		if source == nil {
			continue
		}
		snap, err := source.GetPrice(pool, window)
		if err != nil {
			lastErr = err
			continue
		}
		if snap.Price == nil || snap.Price.Sign() <= 0 || snap.Scale == nil || snap.Scale.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle %s returned invalid quote", name)
			continue
		}
		if maxAge > 0 && snap.Timestamp.Before(cutoff) {
			lastErr = ErrNoFreshQuote
			continue
		}
		result := snap.Clone()
		result.PoolID = pool
		a.recordSample(result)
		return result, nil
	}

	if lastErr == nil {
		lastErr = ErrNoFreshQuote
	}
	return Snapshot{}, lastErr
}

// recordSample appends an accepted quote to the pool's rolling history,
// pruning entries outside the TWAP window and enforcing the sample cap.
func (a *Aggregator) recordSample(snap Snapshot) {
	sample := snap.Clone()
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	} else {
		sample.Timestamp = sample.Timestamp.UTC()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.history == nil {
		a.history = make(map[string][]Snapshot)
	}
	bucket := append([]Snapshot{}, a.history[sample.PoolID]...)
	bucket = append(bucket, sample)
	if a.twapWin > 0 {
		cutoff := sample.Timestamp.Add(-a.twapWin)
		filtered := bucket[:0]
		for _, entry := range bucket {
			if entry.Timestamp.Before(cutoff) {
				continue
			}
			filtered = append(filtered, entry)
		}
		bucket = filtered
	}
	if a.sampleCap > 0 && len(bucket) > a.sampleCap {
		bucket = append([]Snapshot{}, bucket[len(bucket)-a.sampleCap:]...)
	}
	a.history[sample.PoolID] = bucket
}

// TWAP computes the time-weighted average price for a pool across the rolling
// window from samples already recorded by GetPrice. The result is expressed
// at the scale of the newest contributing sample. When no sample falls inside
// the window ErrNoFreshQuote is returned to mirror GetPrice freshness
// semantics.
func (a *Aggregator) TWAP(poolID string, window time.Duration) (Snapshot, error) {
	if a == nil {
		return Snapshot{}, fmt.Errorf("oracle aggregator not configured")
	}
	pool := strings.TrimSpace(poolID)
	if pool == "" {
		return Snapshot{}, fmt.Errorf("oracle: pool id required")
	}
	a.mu.RLock()
	bucket := append([]Snapshot{}, a.history[pool]...)
	if window <= 0 {
		window = a.twapWin
	}
	a.mu.RUnlock()
	if len(bucket) == 0 {
		return Snapshot{}, ErrNoFreshQuote
	}

	var cutoff time.Time
	if window > 0 {
		end := bucket[len(bucket)-1].Timestamp
		if end.IsZero() {
			end = time.Now().UTC()
		}
		cutoff = end.Add(-window)
	}
	sum := new(big.Rat)
	used := 0
	var latest Snapshot
	for _, entry := range bucket {
		if window > 0 && entry.Timestamp.Before(cutoff) {
			continue
		}
		if entry.Price == nil || entry.Price.Sign() <= 0 || entry.Scale == nil || entry.Scale.Sign() <= 0 {
			continue
		}
		sum.Add(sum, new(big.Rat).SetFrac(entry.Price, entry.Scale))
		used++
		if latest.Timestamp.IsZero() || !entry.Timestamp.Before(latest.Timestamp) {
			latest = entry
		}
	}
	if used == 0 {
		return Snapshot{}, ErrNoFreshQuote
	}
	avg := sum.Quo(sum, big.NewRat(int64(used), 1))
	scaled := new(big.Rat).Mul(avg, new(big.Rat).SetInt(latest.Scale))
	price := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	return Snapshot{
		PoolID:    pool,
		Price:     price,
		Scale:     new(big.Int).Set(latest.Scale),
		Timestamp: latest.Timestamp,
	}, nil
}

// ManualOracle provides an in-memory oracle implementation used for tests
// and manual overrides during incident response.
type ManualOracle struct {
	mu     sync.RWMutex
	quotes map[string]Snapshot
}

// NewManualOracle constructs an empty manual oracle instance.
func NewManualOracle() *ManualOracle {
	return &ManualOracle{quotes: make(map[string]Snapshot)}
}

// Set stores the provided price and scale for the pool.
func (m *ManualOracle) Set(poolID string, price, scale *big.Int, ts time.Time) {
	if m == nil || price == nil || scale == nil {
		return
	}
	pool := strings.TrimSpace(poolID)
	if pool == "" {
		return
	}
	m.mu.Lock()
	m.quotes[pool] = Snapshot{
		PoolID:    pool,
		Price:     new(big.Int).Set(price),
		Scale:     new(big.Int).Set(scale),
		Timestamp: ts,
	}
	m.mu.Unlock()
}

// GetPrice retrieves the stored quote for the pool.
func (m *ManualOracle) GetPrice(poolID string, _ time.Duration) (Snapshot, error) {
	if m == nil {
		return Snapshot{}, fmt.Errorf("manual oracle not configured")
	}
	pool := strings.TrimSpace(poolID)
	m.mu.RLock()
	stored, ok := m.quotes[pool]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("manual oracle: quote for %s not found", pool)
	}
	return stored.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FeedOracle fetches price data from an external quote endpoint. The
// endpoint is expected to answer GET ?pool=<id>&window=<seconds> with a JSON
// body of {"price": "...", "scale": "...", "timestamp": <unix>}.
type FeedOracle struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
}

// NewFeedOracle constructs a feed oracle adapter. When the client is nil
// http.DefaultClient is used. The API key is optional and only added to the
// request headers when supplied.
func NewFeedOracle(client HTTPDoer, endpoint, apiKey string) *FeedOracle {
	if client == nil {
		client = http.DefaultClient
	}
	return &FeedOracle{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
	}
}

func (o *FeedOracle) GetPrice(poolID string, window time.Duration) (Snapshot, error) {
	if o == nil || o.endpoint == "" {
		return Snapshot{}, fmt.Errorf("feed oracle not configured")
	}
	req, err := http.NewRequest(http.MethodGet, o.endpoint, nil)
	if err != nil {
		return Snapshot{}, err
	}
	values := url.Values{}
	values.Set("pool", strings.TrimSpace(poolID))
	if window > 0 {
		values.Set("window", fmt.Sprintf("%d", int64(window/time.Second)))
	}
	req.URL.RawQuery = values.Encode()
	if o.apiKey != "" {
		req.Header.Set("x-api-key", o.apiKey)
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return Snapshot{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Snapshot{}, fmt.Errorf("feed oracle: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Price     string `json:"price"`
		Scale     string `json:"scale"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Snapshot{}, fmt.Errorf("feed oracle: decode: %w", err)
	}
	price, ok := new(big.Int).SetString(strings.TrimSpace(payload.Price), 10)
	if !ok || price.Sign() <= 0 {
		return Snapshot{}, fmt.Errorf("feed oracle: invalid price %q", payload.Price)
	}
	scale, ok := new(big.Int).SetString(strings.TrimSpace(payload.Scale), 10)
	if !ok || scale.Sign() <= 0 {
		return Snapshot{}, fmt.Errorf("feed oracle: invalid scale %q", payload.Scale)
	}
	ts := time.Unix(payload.Timestamp, 0)
	if payload.Timestamp <= 0 {
		ts = time.Now().UTC()
	}
	return Snapshot{PoolID: strings.TrimSpace(poolID), Price: price, Scale: scale, Timestamp: ts}, nil
}
