package credit

import "time"

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "active"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// Wallet is a shop's SMS credit balance. Reserved is the part of Balance
// held by active reservations.
type Wallet struct {
	ShopID             string    `gorm:"column:shop_id;primaryKey;type:varchar(64)"`
	Balance            int64     `gorm:"column:balance;not null;default:0"`
	Reserved           int64     `gorm:"column:reserved;not null;default:0"`
	SubscriptionActive bool      `gorm:"column:subscription_active;not null;default:false"`
	CreatedAt          time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Wallet) TableName() string { return "sms_wallets" }

func (w Wallet) Available() int64 {
	return w.Balance - w.Reserved
}

type Reservation struct {
	ID             string            `gorm:"column:id;primaryKey;type:varchar(32)"`
	ShopID         string            `gorm:"column:shop_id;index;not null"`
	ReservationKey string            `gorm:"column:reservation_key;index;not null"`
	Amount         int64             `gorm:"column:amount;not null"`
	Consumed       int64             `gorm:"column:consumed;not null;default:0"`
	Status         ReservationStatus `gorm:"column:status;type:varchar(20);index;not null;default:'active'"`
	Reason         string            `gorm:"column:reason;type:varchar(100)"`
	ReleasedAt     *time.Time        `gorm:"column:released_at"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime;index"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (Reservation) TableName() string { return "sms_credit_reservations" }

func (r Reservation) Remaining() int64 {
	return r.Amount - r.Consumed
}

// Models lists the credit tables for migrations and tests.
func Models() []any {
	return []any{&Wallet{}, &Reservation{}}
}
