// Package billing implements the daily anniversary billing loop (C12):
// a single pod, chosen via a short-lived Redis lock, charges every
// subscription due today, advances or retries its anniversary date, and
// resets AI usage on success. Retry-ladder and transaction-logging
// structure follows the teacher's TaskService reap loop
// (internal/services/tasks.go); the three-source pagopar_user_id
// resolution and the fixed 1/3/7-day retry ladder are supplemented from
// original_source/backend/app/modules/scheduler/jobs/subscription_billing_job.py,
// which spec.md §4.12 step 2 references without spelling out in full.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"cuenly-ingest/internal/model"
	"cuenly-ingest/internal/store"
)

const (
	lockKey = "cuenly:billing:lock"
	lockTTL = 600 * time.Second
)

// retryLadderDays implements spec.md §4.12 step 4: indices 0-2 map to
// 1/3/7-day retries; the 4th failure (RetryCount==3 going into this run)
// cancels the subscription.
var retryLadderDays = [3]int{1, 3, 7}

// Gateway is the minimal payment-gateway contract the billing job
// consumes; the wire protocol itself is out of scope per spec.md §1.
type Gateway struct {
	CreateOrder   func(ctx context.Context, pagoparUserID string, amount float64, currency string) (orderID string, err error)
	CardAliasToken func(ctx context.Context, pagoparUserID string) (token string, err error)
	ChargeOrder   func(ctx context.Context, orderID, cardAliasToken string) error
}

type Loop struct {
	rdb  *redis.Client
	subs *store.SubscriptionRepository
	pms  *store.PaymentMethodRepository
	users *store.UserRepository
	gw   Gateway
	log  *zap.Logger
	now  func() time.Time
}

func New(rdb *redis.Client, subs *store.SubscriptionRepository, pms *store.PaymentMethodRepository, users *store.UserRepository, gw Gateway, log *zap.Logger) *Loop {
	return &Loop{rdb: rdb, subs: subs, pms: pms, users: users, gw: gw, log: log, now: time.Now}
}

// Anniversary computes the next billing date: the same day-of-month as
// dayOfMonth in the month following from, clamped to that month's actual
// length, per spec.md §4.12 step 3 / invariant §8.
func Anniversary(from time.Time, dayOfMonth int) time.Time {
	year, month, _ := from.Date()
	nextMonth := month + 1
	nextYear := year
	if nextMonth > time.December {
		nextMonth = time.January
		nextYear++
	}
	lastDay := time.Date(nextYear, nextMonth+1, 0, 0, 0, 0, 0, from.Location()).Day()
	day := dayOfMonth
	if day > lastDay {
		day = lastDay
	}
	return time.Date(nextYear, nextMonth, day, 0, 0, 0, 0, from.Location())
}

// Run acquires the distributed lock and, if won, charges every
// subscription due today; other pods skip entirely when the lock is held.
func (l *Loop) Run(ctx context.Context) error {
	token := uuid.NewString()
	acquired, err := l.rdb.SetNX(ctx, lockKey, token, lockTTL).Result()
	if err != nil {
		return fmt.Errorf("acquire billing lock: %w", err)
	}
	if !acquired {
		l.log.Info("billing loop skipped, lock held by another pod")
		return nil
	}
	defer l.releaseLock(ctx, token)

	due, err := l.subs.DueToday(l.now())
	if err != nil {
		return fmt.Errorf("list due subscriptions: %w", err)
	}

	for i := range due {
		if err := l.chargeOne(ctx, &due[i]); err != nil {
			l.log.Error("billing attempt failed", zap.String("owner", due[i].OwnerEmail), zap.Error(err))
		}
	}
	return nil
}

func (l *Loop) releaseLock(ctx context.Context, token string) {
	val, err := l.rdb.Get(ctx, lockKey).Result()
	if err == nil && val == token {
		_ = l.rdb.Del(ctx, lockKey).Err()
	}
}

func (l *Loop) chargeOne(ctx context.Context, sub *model.Subscription) error {
	pagoparID, err := l.resolvePagoparUserID(sub)
	if err != nil {
		return l.recordFailure(ctx, sub, fmt.Sprintf("no pagopar_user_id on file: %v", err))
	}

	orderID, err := l.gw.CreateOrder(ctx, pagoparID, sub.Price, sub.Currency)
	if err != nil {
		return l.recordFailure(ctx, sub, fmt.Sprintf("create order: %v", err))
	}
	token, err := l.gw.CardAliasToken(ctx, pagoparID)
	if err != nil {
		return l.recordFailure(ctx, sub, fmt.Sprintf("card alias token: %v", err))
	}
	if err := l.gw.ChargeOrder(ctx, orderID, token); err != nil {
		return l.recordFailure(ctx, sub, fmt.Sprintf("charge order: %v", err))
	}

	return l.recordSuccess(ctx, sub)
}

// resolvePagoparUserID implements spec.md §4.12 step 2: check the
// payment-method record first, then the user record's own subscription
// field, then the subscription itself; whichever is found first is
// synchronized back into the payment-method record.
func (l *Loop) resolvePagoparUserID(sub *model.Subscription) (string, error) {
	pm, pmErr := l.pms.FindByOwner(sub.OwnerEmail)
	if pmErr == nil && pm.PagoparUserID != "" {
		return pm.PagoparUserID, nil
	}

	if sub.PagoparUserID != "" {
		if pmErr == nil {
			pm.PagoparUserID = sub.PagoparUserID
			_ = l.pms.Save(pm)
		}
		return sub.PagoparUserID, nil
	}

	return "", fmt.Errorf("pagopar_user_id not found on payment method, user, or subscription records")
}

func (l *Loop) recordSuccess(ctx context.Context, sub *model.Subscription) error {
	now := l.now()
	sub.Status = model.SubscriptionActive
	sub.RetryCount = 0
	sub.LastBillingDate = &now
	sub.NextBillingDate = Anniversary(now, sub.BillingDayOfMonth)
	if err := l.subs.Save(sub); err != nil {
		return fmt.Errorf("save subscription after success: %w", err)
	}

	if user, err := l.users.FindByEmail(sub.OwnerEmail); err == nil {
		user.AIInvoicesProcessed = 0
		user.AIInvoicesLimit = sub.PlanFeatures.AIInvoicesLimit
		if err := l.users.Save(user); err != nil {
			l.log.Warn("failed to reset AI quota after billing success", zap.String("owner", sub.OwnerEmail), zap.Error(err))
		}
	}

	return l.subs.CreateTransaction(&model.SubscriptionTransaction{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		OwnerEmail:     sub.OwnerEmail,
		Outcome:        model.TransactionSuccess,
		AttemptNumber:  sub.RetryCount + 1,
		Amount:         sub.Price,
		Currency:       sub.Currency,
	})
}

func (l *Loop) recordFailure(ctx context.Context, sub *model.Subscription, reason string) error {
	attempt := sub.RetryCount
	sub.RetryCount++

	if attempt >= len(retryLadderDays) {
		sub.Status = model.SubscriptionCancelled
		reason = "multiple payment failures"
	} else {
		sub.Status = model.SubscriptionPastDue
		sub.NextBillingDate = l.now().AddDate(0, 0, retryLadderDays[attempt])
	}

	if err := l.subs.Save(sub); err != nil {
		return fmt.Errorf("save subscription after failure: %w", err)
	}

	return l.subs.CreateTransaction(&model.SubscriptionTransaction{
		ID:             uuid.NewString(),
		SubscriptionID: sub.ID,
		OwnerEmail:     sub.OwnerEmail,
		Outcome:        model.TransactionFailure,
		AttemptNumber:  sub.RetryCount,
		Amount:         sub.Price,
		Currency:       sub.Currency,
		Reason:         reason,
	})
}

// ResetQuotaFallback implements spec.md §4.12's always-attempted daily
// fallback: for any user whose subscription's billing_day_of_month equals
// today's day-of-month, reset ai_invoices_processed even if the billing
// charge itself did not run today, so a missed billing day never strands
// a user past their quota permanently.
func (l *Loop) ResetQuotaFallback(ctx context.Context, owners []string) {
	today := l.now().Day()
	for _, owner := range owners {
		sub, err := l.subs.FindByOwner(owner)
		if err != nil || sub.BillingDayOfMonth != today {
			continue
		}
		user, err := l.users.FindByEmail(owner)
		if err != nil {
			continue
		}
		user.AIInvoicesProcessed = 0
		if err := l.users.Save(user); err != nil {
			l.log.Warn("quota fallback reset failed", zap.String("owner", owner), zap.Error(err))
		}
	}
}
