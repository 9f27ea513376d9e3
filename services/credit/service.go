package credit

import (
	"context"
	"errors"
	"time"

	"smallbiznis-messaging/pkg/errutil"
	"smallbiznis-messaging/pkg/gen"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("credit.module",
	fx.Provide(NewGate),
)

var (
	ErrInsufficientCredits  = errutil.InsufficientCredits("insufficient credits")
	ErrSubscriptionRequired = errutil.SubscriptionRequired("active subscription required")
	ErrReservationNotFound  = errutil.NotFound("credit reservation not found", nil)
)

// Gate holds credits for a send and settles them afterwards. Reservations are
// addressed by a caller chosen key such as "campaign:{id}".
type Gate interface {
	Reserve(ctx context.Context, shopID string, amount int64, key string) (*Reservation, bool, error)
	Consume(ctx context.Context, key string, amount int64) error
	Release(ctx context.Context, key, reason string) error
	ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

type Service struct {
	db  *gorm.DB
	ids gen.IDGenerator
	now func() time.Time
}

type Params struct {
	fx.In

	DB  *gorm.DB
	IDs gen.IDGenerator
}

func NewGate(p Params) Gate {
	return NewService(p.DB, p.IDs)
}

func NewService(db *gorm.DB, ids gen.IDGenerator) *Service {
	return &Service{db: db, ids: ids, now: time.Now}
}

// Reserve holds amount credits against the shop wallet under key. When key
// already has an active reservation it is reused and grown to amount if
// needed. created reports whether this call opened the hold; only then should
// a failing caller release it.
func (s *Service) Reserve(ctx context.Context, shopID string, amount int64, key string) (*Reservation, bool, error) {
	var (
		out     *Reservation
		created bool
		topUp   int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Reservation
		err := tx.Where("reservation_key = ? AND status = ?", key, ReservationActive).First(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		found := err == nil

		need := amount
		if found {
			need = amount - existing.Amount
			if need <= 0 {
				out = &existing
				return nil
			}
		}

		if err := holdCredits(tx, shopID, need); err != nil {
			return err
		}

		if found {
			res := tx.Model(&Reservation{}).
				Where("id = ? AND status = ?", existing.ID, ReservationActive).
				Update("amount", gorm.Expr("amount + ?", need))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrReservationNotFound
			}
			existing.Amount += need
			out = &existing
			topUp = need
			return nil
		}

		r := Reservation{
			ID:             s.ids.NextID(),
			ShopID:         shopID,
			ReservationKey: key,
			Amount:         amount,
			Status:         ReservationActive,
		}
		if err := tx.Create(&r).Error; err != nil {
			return err
		}
		out = &r
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created || topUp > 0 {
		zap.L().Info("credits reserved",
			zap.String("shop_id", shopID),
			zap.String("reservation_key", key),
			zap.Int64("amount", out.Amount),
			zap.Int64("top_up", topUp),
		)
	}
	return out, created, nil
}

func holdCredits(tx *gorm.DB, shopID string, amount int64) error {
	var wallet Wallet
	if err := tx.Where("shop_id = ?", shopID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSubscriptionRequired
		}
		return err
	}
	if !wallet.SubscriptionActive {
		return ErrSubscriptionRequired
	}

	res := tx.Model(&Wallet{}).
		Where("shop_id = ? AND balance - reserved >= ?", shopID, amount).
		Update("reserved", gorm.Expr("reserved + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

// Consume debits up to amount credits from the active reservation.
func (s *Service) Consume(ctx context.Context, key string, amount int64) error {
	if amount <= 0 {
		return nil
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r Reservation
		if err := tx.Where("reservation_key = ? AND status = ?", key, ReservationActive).First(&r).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReservationNotFound
			}
			return err
		}

		if amount > r.Remaining() {
			amount = r.Remaining()
		}
		if amount == 0 {
			return nil
		}

		res := tx.Model(&Reservation{}).
			Where("id = ? AND status = ? AND consumed + ? <= amount", r.ID, ReservationActive, amount).
			Update("consumed", gorm.Expr("consumed + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		return tx.Model(&Wallet{}).
			Where("shop_id = ?", r.ShopID).
			Updates(map[string]interface{}{
				"balance":  gorm.Expr("balance - ?", amount),
				"reserved": gorm.Expr("reserved - ?", amount),
			}).Error
	})
}

// Release returns the unconsumed part of the reservation to the wallet. A
// missing or already settled reservation is a no-op.
func (s *Service) Release(ctx context.Context, key, reason string) error {
	var r Reservation
	err := s.db.WithContext(ctx).Where("reservation_key = ? AND status = ?", key, ReservationActive).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	_, err = s.settle(ctx, r, ReservationReleased, reason)
	return err
}

// ExpireStale settles active reservations older than maxAge.
func (s *Service) ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge)

	var stale []Reservation
	if err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", ReservationActive, cutoff).
		Find(&stale).Error; err != nil {
		return 0, err
	}

	var expired int64
	for _, r := range stale {
		ok, err := s.settle(ctx, r, ReservationExpired, "expired")
		if err != nil {
			zap.L().Warn("failed to expire credit reservation", zap.String("reservation_id", r.ID), zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) settle(ctx context.Context, r Reservation, status ReservationStatus, reason string) (bool, error) {
	settled := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()
		res := tx.Model(&Reservation{}).
			Where("id = ? AND status = ?", r.ID, ReservationActive).
			Updates(map[string]interface{}{
				"status":      status,
				"reason":      reason,
				"released_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		settled = true

		// re-read inside the tx; Consume may have raced the caller's snapshot
		var current Reservation
		if err := tx.Where("id = ?", r.ID).First(&current).Error; err != nil {
			return err
		}
		if current.Remaining() <= 0 {
			return nil
		}

		return tx.Model(&Wallet{}).
			Where("shop_id = ?", r.ShopID).
			Update("reserved", gorm.Expr("reserved - ?", current.Remaining())).Error
	})
	if err != nil {
		return false, err
	}

	if settled {
		zap.L().Info("credit reservation settled",
			zap.String("reservation_key", r.ReservationKey),
			zap.String("status", string(status)),
			zap.String("reason", reason),
		)
	}
	return settled, nil
}
