package oracle

import (
	"bytes"
	"errors"
	"io"
	"math/big"
	"net/http"
	"testing"
	"time"
)

func TestAggregatorPriorityOrder(t *testing.T) {
	primary := NewManualOracle()
	primary.Set("pool-1", big.NewInt(3000), big.NewInt(10_000), time.Now())
	secondary := NewManualOracle()
	secondary.Set("pool-1", big.NewInt(2900), big.NewInt(10_000), time.Now())

	agg := NewAggregator([]string{"primary", "secondary"}, time.Minute)
	agg.Register("primary", primary)
	agg.Register("secondary", secondary)

	snap, err := agg.GetPrice("pool-1", time.Minute)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if snap.Price.Int64() != 3000 {
		t.Fatalf("expected primary quote 3000, got %s", snap.Price)
	}
	if snap.PoolID != "pool-1" {
		t.Fatalf("pool id not propagated: %q", snap.PoolID)
	}
}

func TestAggregatorFallsBackPastStaleQuotes(t *testing.T) {
	primary := NewManualOracle()
	primary.Set("pool-1", big.NewInt(3000), big.NewInt(10_000), time.Now().Add(-time.Hour))
	secondary := NewManualOracle()
	secondary.Set("pool-1", big.NewInt(2900), big.NewInt(10_000), time.Now())

	agg := NewAggregator([]string{"primary", "secondary"}, time.Minute)
	agg.Register("primary", primary)
	agg.Register("secondary", secondary)

	snap, err := agg.GetPrice("pool-1", time.Minute)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if snap.Price.Int64() != 2900 {
		t.Fatalf("expected fallback quote 2900, got %s", snap.Price)
	}
}

func TestAggregatorAllStale(t *testing.T) {
	stale := NewManualOracle()
	stale.Set("pool-1", big.NewInt(3000), big.NewInt(10_000), time.Now().Add(-time.Hour))

	agg := NewAggregator([]string{"stale"}, time.Minute)
	agg.Register("stale", stale)

	if _, err := agg.GetPrice("pool-1", time.Minute); !errors.Is(err, ErrNoFreshQuote) {
		t.Fatalf("expected ErrNoFreshQuote, got %v", err)
	}
}

func TestAggregatorNoSources(t *testing.T) {
	agg := NewAggregator(nil, time.Minute)
	if _, err := agg.GetPrice("pool-1", time.Minute); !errors.Is(err, ErrNoFreshQuote) {
		t.Fatalf("expected ErrNoFreshQuote, got %v", err)
	}
}

func TestAggregatorTWAPAveragesRecordedSamples(t *testing.T) {
	manual := NewManualOracle()
	agg := NewAggregator([]string{"manual"}, time.Hour)
	agg.Register("manual", manual)
	agg.SetTwapWindow(time.Hour)

	if _, err := agg.TWAP("pool-1", time.Hour); !errors.Is(err, ErrNoFreshQuote) {
		t.Fatalf("empty history: expected ErrNoFreshQuote, got %v", err)
	}

	base := time.Now()
	for i, price := range []int64{3000, 3010, 3020} {
		manual.Set("pool-1", big.NewInt(price), big.NewInt(10_000), base.Add(time.Duration(i)*time.Second))
		if _, err := agg.GetPrice("pool-1", time.Hour); err != nil {
			t.Fatalf("get price %d: %v", i, err)
		}
	}

	twap, err := agg.TWAP("pool-1", time.Hour)
	if err != nil {
		t.Fatalf("twap: %v", err)
	}
	if twap.Price.Int64() != 3010 {
		t.Fatalf("twap price = %s, want 3010", twap.Price)
	}
	if twap.Scale.Int64() != 10_000 {
		t.Fatalf("twap scale = %s, want 10000", twap.Scale)
	}
	if twap.PoolID != "pool-1" {
		t.Fatalf("pool id = %q", twap.PoolID)
	}
}

func TestAggregatorTWAPWindowExcludesOldSamples(t *testing.T) {
	manual := NewManualOracle()
	agg := NewAggregator([]string{"manual"}, 24*time.Hour)
	agg.Register("manual", manual)

	base := time.Now()
	manual.Set("pool-1", big.NewInt(1000), big.NewInt(10_000), base.Add(-2*time.Hour))
	if _, err := agg.GetPrice("pool-1", 0); err != nil {
		t.Fatalf("get price: %v", err)
	}
	manual.Set("pool-1", big.NewInt(3000), big.NewInt(10_000), base)
	if _, err := agg.GetPrice("pool-1", 0); err != nil {
		t.Fatalf("get price: %v", err)
	}

	// A one hour window measured from the newest sample drops the old quote.
	twap, err := agg.TWAP("pool-1", time.Hour)
	if err != nil {
		t.Fatalf("twap: %v", err)
	}
	if twap.Price.Int64() != 3000 {
		t.Fatalf("windowed twap = %s, want 3000", twap.Price)
	}

	// Widening the window brings it back.
	wide, err := agg.TWAP("pool-1", 3*time.Hour)
	if err != nil {
		t.Fatalf("twap: %v", err)
	}
	if wide.Price.Int64() != 2000 {
		t.Fatalf("wide twap = %s, want 2000", wide.Price)
	}
}

func TestAggregatorSampleCap(t *testing.T) {
	manual := NewManualOracle()
	agg := NewAggregator([]string{"manual"}, 24*time.Hour)
	agg.Register("manual", manual)
	agg.SetSampleCap(2)

	base := time.Now()
	for i, price := range []int64{1000, 2000, 3000} {
		manual.Set("pool-1", big.NewInt(price), big.NewInt(10_000), base.Add(time.Duration(i)*time.Second))
		if _, err := agg.GetPrice("pool-1", 0); err != nil {
			t.Fatalf("get price %d: %v", i, err)
		}
	}

	// Only the newest two samples survive the cap.
	twap, err := agg.TWAP("pool-1", 24*time.Hour)
	if err != nil {
		t.Fatalf("twap: %v", err)
	}
	if twap.Price.Int64() != 2500 {
		t.Fatalf("capped twap = %s, want 2500", twap.Price)
	}
}

func TestManualOracleIsolatesStoredQuotes(t *testing.T) {
	manual := NewManualOracle()
	price := big.NewInt(3000)
	manual.Set("pool-1", price, big.NewInt(10_000), time.Now())
	price.SetInt64(1)

	snap, err := manual.GetPrice("pool-1", 0)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if snap.Price.Int64() != 3000 {
		t.Fatalf("stored quote aliased caller memory: %s", snap.Price)
	}

	snap.Price.SetInt64(2)
	again, _ := manual.GetPrice("pool-1", 0)
	if again.Price.Int64() != 3000 {
		t.Fatal("returned quote aliased stored memory")
	}
}

type stubDoer struct {
	lastReq *http.Request
	status  int
	body    string
	err     error
}

func (s *stubDoer) Do(req *http.Request) (*http.Response, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &http.Response{
		StatusCode: s.status,
		Body:       io.NopCloser(bytes.NewBufferString(s.body)),
	}, nil
}

func TestFeedOracleParsesQuote(t *testing.T) {
	doer := &stubDoer{status: http.StatusOK, body: `{"price":"3000","scale":"10000","timestamp":1750000000}`}
	feed := NewFeedOracle(doer, "https://quotes.example/price", "secret")

	snap, err := feed.GetPrice("pool-1", 2*time.Minute)
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if snap.Price.Int64() != 3000 || snap.Scale.Int64() != 10_000 {
		t.Fatalf("quote = %s @ %s", snap.Price, snap.Scale)
	}
	if snap.Timestamp.Unix() != 1750000000 {
		t.Fatalf("timestamp = %d", snap.Timestamp.Unix())
	}

	query := doer.lastReq.URL.Query()
	if query.Get("pool") != "pool-1" {
		t.Fatalf("pool query = %q", query.Get("pool"))
	}
	if query.Get("window") != "120" {
		t.Fatalf("window query = %q", query.Get("window"))
	}
	if doer.lastReq.Header.Get("x-api-key") != "secret" {
		t.Fatal("api key header missing")
	}
}

func TestFeedOracleRejectsBadPayloads(t *testing.T) {
	cases := []string{
		`{"price":"","scale":"10000","timestamp":1}`,
		`{"price":"-5","scale":"10000","timestamp":1}`,
		`{"price":"3000","scale":"0","timestamp":1}`,
		`not json`,
	}
	for i, body := range cases {
		feed := NewFeedOracle(&stubDoer{status: http.StatusOK, body: body}, "https://quotes.example/price", "")
		if _, err := feed.GetPrice("pool-1", 0); err == nil {
			t.Fatalf("case %d: expected error for %q", i, body)
		}
	}

	feed := NewFeedOracle(&stubDoer{status: http.StatusBadGateway, body: "upstream down"}, "https://quotes.example/price", "")
	if _, err := feed.GetPrice("pool-1", 0); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestManualNormSourceAccrue(t *testing.T) {
	src := NewManualNormSource()

	factor, err := src.NormFactor()
	if err != nil {
		t.Fatalf("norm factor: %v", err)
	}
	if factor.Cmp(Wad) != 0 {
		t.Fatalf("initial factor = %s, want wad", factor)
	}

	// Mark above index: longs pay funding and the factor shrinks.
	if err := src.Accrue(big.NewInt(3030), big.NewInt(3001), big.NewRat(26, 25)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	shrunk, _ := src.NormFactor()
	if shrunk.Cmp(Wad) >= 0 {
		t.Fatalf("factor did not shrink: %s", shrunk)
	}
	lowerBound := new(big.Int).Mul(Wad, big.NewInt(98))
	lowerBound.Quo(lowerBound, big.NewInt(100))
	if shrunk.Cmp(lowerBound) <= 0 {
		t.Fatalf("factor shrank implausibly far: %s", shrunk)
	}

	// Mark below index grows the factor back.
	if err := src.Accrue(big.NewInt(2900), big.NewInt(3000), big.NewRat(1, 1)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	grown, _ := src.NormFactor()
	if grown.Cmp(shrunk) <= 0 {
		t.Fatalf("factor did not grow: %s vs %s", grown, shrunk)
	}

	if err := src.Accrue(big.NewInt(0), big.NewInt(3000), big.NewRat(1, 1)); err == nil {
		t.Fatal("zero mark must be rejected")
	}
	if err := src.Accrue(big.NewInt(3000), big.NewInt(3000), nil); err == nil {
		t.Fatal("nil elapsed must be rejected")
	}
}

func TestManualNormSourceClampsAtZero(t *testing.T) {
	src := NewManualNormSource()
	// A huge funding step would turn the multiplier negative.
	if err := src.Accrue(big.NewInt(3000), big.NewInt(1), big.NewRat(100, 1)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	factor, err := src.NormFactor()
	if err != nil {
		t.Fatalf("norm factor: %v", err)
	}
	if factor.Sign() != 0 {
		t.Fatalf("factor not clamped at zero: %s", factor)
	}
}
