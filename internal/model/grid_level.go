package model

import "time"

// OrderSide is the direction of a level's order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// Opposite returns the side a filled order rotates into.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// LevelStatus is the state of a grid level.
//
//	available -> pending (claimed, order placed) -> filled
//	pending -> available (placement failed, claim released)
//	pending -> inactive (order cancelled to free balance)
//	filled/inactive -> pending (rotation places the counterpart order)
//	inactive -> available (price came back within one step)
type LevelStatus string

const (
	LevelAvailable LevelStatus = "available"
	LevelPending   LevelStatus = "pending"
	LevelFilled    LevelStatus = "filled"
	LevelInactive  LevelStatus = "inactive"
)

// GridLevel is one row of a bot's ladder.
type GridLevel struct {
	ID        int64       `json:"id"`
	BotID     int64       `json:"bot_id"`
	Price     float64     `json:"price"`
	Side      OrderSide   `json:"side"`
	Status    LevelStatus `json:"status"`
	OrderID   string      `json:"order_id,omitempty"`
	Volume    float64     `json:"volume,omitempty"`
	ClaimedAt *time.Time  `json:"claimed_at,omitempty"`
	FilledAt  *time.Time  `json:"filled_at,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`

	// counterPrice is the price of the opposite order this level rotates
	// into. Read it through Pair.
	counterPrice float64
}

// NewBuyLevel creates a buy row that sells at sellPrice once filled.
func NewBuyLevel(botID int64, price, sellPrice float64) *GridLevel {
	return &GridLevel{BotID: botID, Price: price, Side: SideBuy, Status: LevelInactive, counterPrice: sellPrice}
}

// NewSellLevel creates a sell row that buys back at buyPrice once filled.
func NewSellLevel(botID int64, price, buyPrice float64) *GridLevel {
	return &GridLevel{BotID: botID, Price: price, Side: SideSell, Status: LevelInactive, counterPrice: buyPrice}
}

// RestoreLevel rebuilds a level from storage.
func RestoreLevel(l GridLevel, counterPrice float64) *GridLevel {
	l.counterPrice = counterPrice
	return &l
}

// LevelPair is the counterpart of a level: either BuyLevel or SellLevel.
type LevelPair interface {
	// OppositeSide is the side of the order placed after this level fills.
	OppositeSide() OrderSide
	// OppositePrice is where that order is placed.
	OppositePrice() float64
}

// BuyLevel is the pair of a buy row.
type BuyLevel struct {
	SellPrice float64
}

func (BuyLevel) OppositeSide() OrderSide  { return SideSell }
func (p BuyLevel) OppositePrice() float64 { return p.SellPrice }

// SellLevel is the pair of a sell row.
type SellLevel struct {
	BuyPrice float64
}

func (SellLevel) OppositeSide() OrderSide  { return SideBuy }
func (p SellLevel) OppositePrice() float64 { return p.BuyPrice }

// Pair returns the counterpart variant matching the level's side.
func (l *GridLevel) Pair() LevelPair {
	if l.Side == SideBuy {
		return BuyLevel{SellPrice: l.counterPrice}
	}
	return SellLevel{BuyPrice: l.counterPrice}
}

// CounterPrice is exposed for persistence only.
func (l *GridLevel) CounterPrice() float64 {
	return l.counterPrice
}

// HasOrder reports whether an exchange order is attached.
func (l *GridLevel) HasOrder() bool {
	return l.OrderID != ""
}
