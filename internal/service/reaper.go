package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReaperConfig holds the sweep tunables
type ReaperConfig struct {
	AbandonGrace time.Duration
	Batch        int
}

// ReapResult counts carts handled by each pass
type ReapResult struct {
	ExpiredOpen int
	Abandoned   int
	Stragglers  int
}

// Reaper releases holds of carts that never completed checkout. Every pass
// acts only on rows matching a strict predicate, so overlapping runs are safe.
type Reaper struct {
	carts     CartStore
	ledger    *Ledger
	discounts *Discounts
	cfg       ReaperConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewReaper creates a new reaper
func NewReaper(carts CartStore, ledger *Ledger, discounts *Discounts, cfg ReaperConfig) *Reaper {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Reaper{
		carts:     carts,
		ledger:    ledger,
		discounts: discounts,
		cfg:       cfg,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// Run executes the three passes concurrently
func (r *Reaper) Run(ctx context.Context) (ReapResult, error) {
	ctx, span := util.StartSpan(ctx, "Reaper.Run")
	defer span.End()

	var res ReapResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := r.ExpireOpenCarts(gctx)
		res.ExpiredOpen = n
		return err
	})
	g.Go(func() error {
		n, err := r.ExpireAbandonedCheckouts(gctx)
		res.Abandoned = n
		return err
	})
	g.Go(func() error {
		n, err := r.ReleaseStragglers(gctx)
		res.Stragglers = n
		return err
	})
	err := g.Wait()

	if res.ExpiredOpen+res.Abandoned+res.Stragglers > 0 {
		r.logger.Info("Reaper pass finished",
			zap.Int("expired_open", res.ExpiredOpen),
			zap.Int("abandoned", res.Abandoned),
			zap.Int("stragglers", res.Stragglers),
		)
	}
	return res, err
}

// ExpireOpenCarts expires open carts past expires_at and releases their holds
func (r *Reaper) ExpireOpenCarts(ctx context.Context) (int, error) {
	carts, err := r.carts.ListExpiredOpenCarts(ctx, r.cfg.Batch)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range carts {
		ok, err := r.carts.ExpireOpenCart(ctx, carts[i].ID)
		if err != nil {
			return count, err
		}
		if !ok {
			continue
		}
		if err := r.releaseHolds(ctx, &carts[i]); err != nil {
			return count, err
		}
		count++
	}
	util.ReaperReleasedTotal.WithLabelValues("open").Add(float64(count))
	return count, nil
}

// ExpireAbandonedCheckouts expires checked-out carts that no order claimed
// within the grace period
func (r *Reaper) ExpireAbandonedCheckouts(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.AbandonGrace)
	carts, err := r.carts.ListAbandonedCheckouts(ctx, cutoff, r.cfg.Batch)
	if err != nil {
		return 0, err
	}

	count := 0
	for i := range carts {
		ok, err := r.ExpireCheckout(ctx, &carts[i], cutoff)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	util.ReaperReleasedTotal.WithLabelValues("abandoned").Add(float64(count))
	return count, nil
}

// ExpireCheckout expires one checked-out cart not yet linked to an order and
// releases what it holds. Returns false when the cart was already claimed.
func (r *Reaper) ExpireCheckout(ctx context.Context, cart *models.Cart, cutoff time.Time) (bool, error) {
	ok, err := r.carts.ExpireCheckedOutCart(ctx, cart.ID, cutoff)
	if err != nil || !ok {
		return false, err
	}
	r.logger.Info("Abandoned checkout expired",
		zap.String("tenant_id", cart.TenantID.String()),
		zap.String("cart_id", cart.ID.String()),
	)
	return true, r.releaseHolds(ctx, cart)
}

// ReleaseStragglers finishes releases interrupted after a cart was expired
func (r *Reaper) ReleaseStragglers(ctx context.Context) (int, error) {
	carts, err := r.carts.ListExpiredCartsWithHolds(ctx, r.cfg.Batch)
	if err != nil {
		return 0, err
	}
	for i := range carts {
		if err := r.releaseHolds(ctx, &carts[i]); err != nil {
			return i, err
		}
	}
	util.ReaperReleasedTotal.WithLabelValues("straggler").Add(float64(len(carts)))
	return len(carts), nil
}

// releaseHolds releases each line hold and the discount reservation. Each is
// cleared by a conditional update first, so concurrent reapers release once.
func (r *Reaper) releaseHolds(ctx context.Context, cart *models.Cart) error {
	reference := "cart:" + cart.ID.String()
	for i := range cart.Items {
		if _, err := r.ledger.ReleaseLine(ctx, &cart.Items[i], reference); err != nil {
			return err
		}
	}

	discountID, err := r.carts.ClaimDiscountRelease(ctx, cart.ID)
	if err != nil {
		return err
	}
	if discountID != nil {
		return r.discounts.ReleaseUsage(ctx, *discountID)
	}
	return nil
}
