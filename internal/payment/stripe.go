package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"
	"github.com/stripe/stripe-go/v80/webhook"
)

// Provider event types handled by ingestion
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
)

// Stripe only accepts session expiry between 30 minutes and 24 hours out
const (
	minSessionTTL = 30 * time.Minute
	maxSessionTTL = 24 * time.Hour
)

// Provider is the payment collaborator used by checkout, ingestion and refunds
type Provider interface {
	CreateCheckoutSession(ctx context.Context, settings *models.TenantPaymentSettings, req SessionRequest) (*Session, error)
	Refund(ctx context.Context, settings *models.TenantPaymentSettings, paymentIntentID string, amountCents int64) (string, error)
	ParseEvent(settings *models.TenantPaymentSettings, payload []byte, signature string) (*Event, error)
}

// SessionLine is one priced line sent to the provider
type SessionLine struct {
	SKU            string
	Title          string
	Quantity       int
	UnitPriceCents int64
}

// SessionRequest describes the hosted checkout to create for a cart
type SessionRequest struct {
	TenantID      uuid.UUID
	CartID        uuid.UUID
	Currency      string
	CustomerEmail *string
	Lines         []SessionLine
	DiscountCents int64
	ExpiresAt     time.Time
}

// Session is the provider's handle for a hosted checkout
type Session struct {
	ID  string
	URL string
}

// CheckoutDetails is what ingestion needs from a completed session
type CheckoutDetails struct {
	SessionID       string
	PaymentIntentID string
	CustomerEmail   string
	CustomerName    string
	CustomerPhone   string
	Address         json.RawMessage
	SubtotalCents   int64
	DiscountCents   int64
	TaxCents        int64
	ShippingCents   int64
	TotalCents      int64
}

// Event is a verified provider notification
type Event struct {
	ID       string
	Type     string
	Raw      json.RawMessage
	Checkout *CheckoutDetails
}

// StripeProvider talks to Stripe with the tenant's own secret key
type StripeProvider struct {
	backends *stripe.Backends
}

// NewStripeProvider creates a provider. A nil backends uses Stripe's defaults.
func NewStripeProvider(backends *stripe.Backends) *StripeProvider {
	return &StripeProvider{backends: backends}
}

func (p *StripeProvider) client(settings *models.TenantPaymentSettings) *client.API {
	return client.New(settings.SecretKey, p.backends)
}

// CreateCheckoutSession creates a hosted payment-mode session for the cart.
// A cart discount is applied as a one-off amount coupon.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, settings *models.TenantPaymentSettings, req SessionRequest) (*Session, error) {
	sc := p.client(settings)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(settings.SuccessURL),
		CancelURL:         stripe.String(settings.CancelURL),
		ClientReferenceID: stripe.String(req.CartID.String()),
	}
	params.Context = ctx
	params.AddMetadata("tenant_id", req.TenantID.String())
	params.AddMetadata("cart_id", req.CartID.String())
	if req.CustomerEmail != nil && *req.CustomerEmail != "" {
		params.CustomerEmail = req.CustomerEmail
	}
	if ttl := time.Until(req.ExpiresAt); ttl >= minSessionTTL && ttl <= maxSessionTTL {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}

	for _, line := range req.Lines {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(int64(line.Quantity)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(line.UnitPriceCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:     stripe.String(line.Title),
					Metadata: map[string]string{"sku": line.SKU},
				},
			},
		})
	}

	if req.DiscountCents > 0 {
		couponParams := &stripe.CouponParams{
			AmountOff: stripe.Int64(req.DiscountCents),
			Currency:  stripe.String(req.Currency),
			Duration:  stripe.String(string(stripe.CouponDurationOnce)),
		}
		couponParams.Context = ctx
		coupon, err := sc.Coupons.New(couponParams)
		if err != nil {
			return nil, fmt.Errorf("failed to create discount coupon: %w", err)
		}
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{{Coupon: stripe.String(coupon.ID)}}
	}

	sess, err := sc.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &Session{ID: sess.ID, URL: sess.URL}, nil
}

// Refund refunds amountCents of a payment. Zero refunds the remainder.
func (p *StripeProvider) Refund(ctx context.Context, settings *models.TenantPaymentSettings, paymentIntentID string, amountCents int64) (string, error) {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Context = ctx
	if amountCents > 0 {
		params.Amount = stripe.Int64(amountCents)
	}

	refund, err := p.client(settings).Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("failed to create refund: %w", err)
	}
	return refund.ID, nil
}

// ParseEvent verifies the Stripe-Signature header against the tenant's
// signing secret and decodes checkout session events
func (p *StripeProvider) ParseEvent(settings *models.TenantPaymentSettings, payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, settings.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("invalid webhook: %w", err)
	}

	out := &Event{ID: event.ID, Type: string(event.Type), Raw: payload}
	if out.Type != EventCheckoutCompleted && out.Type != EventCheckoutExpired {
		return out, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	out.Checkout = checkoutDetails(&sess)
	return out, nil
}

func checkoutDetails(sess *stripe.CheckoutSession) *CheckoutDetails {
	d := &CheckoutDetails{
		SessionID:     sess.ID,
		CustomerEmail: sess.CustomerEmail,
		SubtotalCents: sess.AmountSubtotal,
		TotalCents:    sess.AmountTotal,
	}
	if sess.PaymentIntent != nil {
		d.PaymentIntentID = sess.PaymentIntent.ID
	}
	if sess.TotalDetails != nil {
		d.DiscountCents = sess.TotalDetails.AmountDiscount
		d.TaxCents = sess.TotalDetails.AmountTax
		d.ShippingCents = sess.TotalDetails.AmountShipping
	}
	if cd := sess.CustomerDetails; cd != nil {
		if cd.Email != "" {
			d.CustomerEmail = cd.Email
		}
		d.CustomerName = cd.Name
		d.CustomerPhone = cd.Phone
		if cd.Address != nil {
			if raw, err := json.Marshal(cd.Address); err == nil {
				d.Address = raw
			}
		}
	}
	return d
}
