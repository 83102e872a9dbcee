package odds

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/oddsbook/market-engine/internal/apperr"
	"github.com/oddsbook/market-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Compute tests ---

func TestCompute_ZeroVolumeIsNeutral(t *testing.T) {
	p := Compute(decimal.Zero, decimal.Zero)
	if !p.Equal(d(0.5)) {
		t.Errorf("expected 0.50 for empty market, got %s", p)
	}
}

func TestCompute_ThreeToOneVolume(t *testing.T) {
	// (300+1)/(400+2) = 0.7487... -> 0.75
	p := Compute(d(300), d(100))
	if !p.Equal(d(0.75)) {
		t.Errorf("expected 0.75, got %s", p)
	}
}

func TestCompute_SmoothingOnThinMarket(t *testing.T) {
	// A single 1.00 YES bet: (1+1)/(1+2) = 0.666.. -> 0.67, not 1.0.
	p := Compute(d(1), decimal.Zero)
	if !p.Equal(d(0.67)) {
		t.Errorf("expected 0.67, got %s", p)
	}
}

func TestCompute_BoundedForAllDistributions(t *testing.T) {
	tests := []struct {
		yes, no float64
	}{
		{0, 0},
		{1, 0},
		{0, 1},
		{1e9, 0},
		{0, 1e9},
		{1e9, 1e9},
		{0.01, 1e6},
		{12345.67, 0.5},
		{-50, 30},
		{30, -50},
	}
	for _, tt := range tests {
		p := Compute(d(tt.yes), d(tt.no))
		if p.LessThan(MinOdds) || p.GreaterThan(MaxOdds) {
			t.Errorf("odds out of [0.01,0.99] for yes=%v no=%v: %s", tt.yes, tt.no, p)
		}
		if p.Exponent() < -OddsScale {
			t.Errorf("odds should have at most %d decimals, got %s", OddsScale, p)
		}
	}
}

func TestCompute_ClampedAtExtremes(t *testing.T) {
	if p := Compute(d(1e9), decimal.Zero); !p.Equal(MaxOdds) {
		t.Errorf("expected clamp to %s, got %s", MaxOdds, p)
	}
	if p := Compute(decimal.Zero, d(1e9)); !p.Equal(MinOdds) {
		t.Errorf("expected clamp to %s, got %s", MinOdds, p)
	}
}

func TestCompute_MoreYesRaisesOdds(t *testing.T) {
	before := Compute(d(100), d(100))
	after := Compute(d(150), d(100))
	if after.LessThanOrEqual(before) {
		t.Errorf("adding YES volume should raise odds: before=%s after=%s", before, after)
	}
}

func TestCompute_NegativeSideFlooredAtZero(t *testing.T) {
	// Net-sold side behaves like an empty side.
	if p := Compute(d(-10), decimal.Zero); !p.Equal(d(0.5)) {
		t.Errorf("expected 0.50 when both sides are non-positive, got %s", p)
	}
}

// --- PriceFor / Units ---

func TestPriceFor(t *testing.T) {
	if p := PriceFor(model.SideYes, d(0.7)); !p.Equal(d(0.7)) {
		t.Errorf("YES price should equal odds, got %s", p)
	}
	if p := PriceFor(model.SideNo, d(0.7)); !p.Equal(d(0.3)) {
		t.Errorf("NO price should be 1-odds, got %s", p)
	}
}

func TestUnits(t *testing.T) {
	if u := Units(model.SideYes, d(10), d(0.5)); !u.Equal(d(20)) {
		t.Errorf("10 at 0.50 should buy 20 YES units, got %s", u)
	}
	if u := Units(model.SideNo, d(10), d(0.75)); !u.Equal(d(40)) {
		t.Errorf("10 at NO price 0.25 should buy 40 units, got %s", u)
	}
	if u := Units(model.SideYes, d(-10), d(0.5)); !u.Equal(d(-20)) {
		t.Errorf("sells should yield negative units, got %s", u)
	}
}

// --- Engine ---

type fakeVolumes struct {
	bets []model.Bet
	err  error
}

func (f *fakeVolumes) GetMarketVolume(_ context.Context, marketID, exclude string) (model.Volume, error) {
	if f.err != nil {
		return model.Volume{}, f.err
	}
	var v model.Volume
	for _, b := range f.bets {
		if b.MarketID != marketID || (exclude != "" && b.UserID == exclude) {
			continue
		}
		if b.Side == model.SideYes {
			v.Yes = v.Yes.Add(b.Amount)
		} else {
			v.No = v.No.Add(b.Amount)
		}
	}
	return v, nil
}

func TestEngine_SelfExclusion(t *testing.T) {
	// alice owns 100% of the volume; her execution odds ignore it whichever
	// way she bet.
	for _, side := range []model.Side{model.SideYes, model.SideNo} {
		r := &fakeVolumes{bets: []model.Bet{
			{UserID: "alice", MarketID: "m1", Side: side, Amount: d(500)},
			{UserID: "alice", MarketID: "m1", Side: side, Amount: d(250)},
		}}
		e := NewEngine(nil)

		p, err := e.ExecutionOdds(context.Background(), r, "m1", "alice")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !p.Equal(d(0.5)) {
			t.Errorf("side %s: expected 0.50 with own volume excluded, got %s", side, p)
		}

		display, _ := e.DisplayOdds(context.Background(), r, "m1")
		if display.Equal(d(0.5)) {
			t.Errorf("side %s: display odds should reflect alice's volume", side)
		}
	}
}

func TestEngine_ExecutionOddsSeeOthers(t *testing.T) {
	r := &fakeVolumes{bets: []model.Bet{
		{UserID: "alice", MarketID: "m1", Side: model.SideYes, Amount: d(300)},
		{UserID: "bob", MarketID: "m1", Side: model.SideNo, Amount: d(100)},
		{UserID: "carol", MarketID: "m1", Side: model.SideYes, Amount: d(1000)},
	}}
	e := NewEngine(nil)

	p, err := e.ExecutionOdds(context.Background(), r, "m1", "carol")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d(0.75)) {
		t.Errorf("expected 0.75 excluding carol, got %s", p)
	}
}

func TestEngine_PropagatesStoreFailure(t *testing.T) {
	r := &fakeVolumes{err: errors.New("connection reset")}
	e := NewEngine(nil)

	p, err := e.ExecutionOdds(context.Background(), r, "m1", "alice")
	if err == nil {
		t.Fatalf("expected error, got odds %s", p)
	}
	if apperr.KindOf(err) != apperr.KindInternal {
		t.Errorf("expected internal kind, got %s", apperr.KindOf(err))
	}
}
