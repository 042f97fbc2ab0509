package domain

import "time"

type StockRecord struct {
	ID        string
	Quantity  int64
	Version   int64 // bumped on every committed write
	UpdatedAt time.Time
}

// CanDecrement reports whether amount can be taken without going negative.
func (s StockRecord) CanDecrement(amount int64) bool {
	return amount > 0 && s.Quantity >= amount
}

type DecrementRequest struct {
	ID       string
	Amount   int64
	Strategy string // empty selects the service default
}

func (r DecrementRequest) Validate() error {
	if r.ID == "" {
		return ErrInvalidID
	}
	if r.Amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// ResourceKey is the lock key guarding the stock record with the given id.
func ResourceKey(id string) string {
	return "stock:" + id
}
