// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the outcome a bet backs.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// ParseSide normalizes a wire value ("yes", "NO", ...) into a Side.
func ParseSide(s string) (Side, bool) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideYes:
		return SideYes, true
	case SideNo:
		return SideNo, true
	}
	return "", false
}

// SideFromBool maps the legacy boolean prediction flag (true = YES).
func SideFromBool(yes bool) Side {
	if yes {
		return SideYes
	}
	return SideNo
}

// Market status values. Status is derived from EndDate and ResolvedAt,
// never stored.
const (
	StatusOpen     = "OPEN"
	StatusExpired  = "EXPIRED"
	StatusResolved = "RESOLVED"
)

// User is an account holding a currency balance.
type User struct {
	ID           string          `json:"id" db:"id"`
	Username     string          `json:"username" db:"username"`
	PasswordHash string          `json:"-" db:"password_hash"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Market is a binary YES/NO prediction market.
//
// Volume is cumulative traded volume (+|amount| per bet). Pool is the money
// the market currently escrows (+amount per bet: buys add, sells withdraw);
// settlement pays the pool out and zeroes both.
type Market struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description" db:"description"`
	Volume      decimal.Decimal `json:"volume" db:"volume"`
	Pool        decimal.Decimal `json:"pool" db:"pool"`
	Odds        decimal.Decimal `json:"odds" db:"odds"` // display odds, P(YES)
	EndDate     time.Time       `json:"end_date" db:"end_date"`
	Outcome     *Side           `json:"outcome,omitempty" db:"outcome"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Status derives the lifecycle state at time now.
func (m *Market) Status(now time.Time) string {
	if m.ResolvedAt != nil {
		return StatusResolved
	}
	if !now.Before(m.EndDate) {
		return StatusExpired
	}
	return StatusOpen
}

// Tradable reports whether the market accepts bets at time now.
func (m *Market) Tradable(now time.Time) bool {
	return m.Status(now) == StatusOpen
}

// Bet is an immutable record of a trade execution.
// Once created, bets are never modified or deleted.
type Bet struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Username  string          `json:"username,omitempty" db:"username"`
	MarketID  string          `json:"market_id" db:"market_id"`
	Side      Side            `json:"side" db:"side"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // signed: +buy, -sell
	Odds      decimal.Decimal `json:"odds" db:"odds"`     // execution odds, P(YES)
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// IsBuy reports whether the bet opened (rather than reduced) a position.
func (b *Bet) IsBuy() bool {
	return b.Amount.IsPositive()
}

// Volume is the per-side net bet volume of one market.
type Volume struct {
	Yes decimal.Decimal `json:"yes"`
	No  decimal.Decimal `json:"no"`
}

// Total returns yes + no.
func (v Volume) Total() decimal.Decimal {
	return v.Yes.Add(v.No)
}

// Holding is a user's derived position in one market/side. It is computed
// from the bet ledger on demand and never persisted.
type Holding struct {
	MarketID       string          `json:"market_id"`
	MarketName     string          `json:"market_name"`
	Side           Side            `json:"side"`
	BoughtUnits    decimal.Decimal `json:"bought_units"`
	SoldUnits      decimal.Decimal `json:"sold_units"`
	NetUnits       decimal.Decimal `json:"net_units"`
	TotalInvested  decimal.Decimal `json:"total_invested"`
	AvgBuyPrice    decimal.Decimal `json:"avg_buy_price"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	CurrentValue   decimal.Decimal `json:"current_value"`
	UnrealizedGain decimal.Decimal `json:"unrealized_gain"`
	RealizedGain   decimal.Decimal `json:"realized_gain"`
	PercentChange  decimal.Decimal `json:"percent_change"`
}

// Summary aggregates all holdings of a user.
type Summary struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalGain     decimal.Decimal `json:"total_gain"`
	PercentChange decimal.Decimal `json:"percent_change"`
	Holdings      []Holding       `json:"holdings"`
}

// LeaderboardEntry ranks a user by realized and unrealized profit.
type LeaderboardEntry struct {
	UserID        string          `json:"user_id"`
	Username      string          `json:"username"`
	TotalInvested decimal.Decimal `json:"total_invested"`
	TotalProfits  decimal.Decimal `json:"total_profits"`
	PercentChange decimal.Decimal `json:"percent_change"`
}

// Payout is one balance credit applied by settlement.
type Payout struct {
	UserID   string          `json:"user_id"`
	MarketID string          `json:"market_id"`
	Units    decimal.Decimal `json:"units"`
	Amount   decimal.Decimal `json:"amount"`
}
