package models

import "time"

// BillingCustomer links an internal account to its Stripe customer. There is
// exactly one customer per user; the linkage is created once and never
// repointed afterwards.
type BillingCustomer struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	UserID           string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_customers_user" json:"user_id"`
	StripeCustomerID string    `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_customers_stripe_id" json:"stripe_customer_id"`
	Email            string    `gorm:"type:varchar(200);default:''" json:"email"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
