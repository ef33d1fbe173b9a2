package types

import "strings"

// SubscriptionStatus is the locally persisted subscription state. Values are
// the upper-cased provider statuses.
type SubscriptionStatus string

const (
	SubscriptionIncomplete SubscriptionStatus = "INCOMPLETE"
	SubscriptionTrialing   SubscriptionStatus = "TRIALING"
	SubscriptionActive     SubscriptionStatus = "ACTIVE"
	SubscriptionPastDue    SubscriptionStatus = "PAST_DUE"
	SubscriptionCanceled   SubscriptionStatus = "CANCELED"
	SubscriptionUnpaid     SubscriptionStatus = "UNPAID"
	SubscriptionInactive   SubscriptionStatus = "INACTIVE"
)

// IsEntitled reports whether the status grants access.
func (s SubscriptionStatus) IsEntitled() bool {
	return s == SubscriptionActive || s == SubscriptionTrialing
}

// ParseSubscriptionStatus maps a provider status string onto the local
// enumeration. Provider statuses without a local counterpart
// (incomplete_expired, paused) become INACTIVE.
func ParseSubscriptionStatus(provider string) SubscriptionStatus {
	switch strings.ToLower(provider) {
	case "active":
		return SubscriptionActive
	case "trialing":
		return SubscriptionTrialing
	case "incomplete":
		return SubscriptionIncomplete
	case "past_due":
		return SubscriptionPastDue
	case "canceled":
		return SubscriptionCanceled
	case "unpaid":
		return SubscriptionUnpaid
	default:
		return SubscriptionInactive
	}
}

// EventType identifies a provider webhook event.
type EventType string

const (
	EventCheckoutSessionCompleted EventType = "checkout.session.completed"
	EventSubscriptionCreated      EventType = "customer.subscription.created"
	EventSubscriptionUpdated      EventType = "customer.subscription.updated"
	EventSubscriptionDeleted      EventType = "customer.subscription.deleted"
	EventInvoicePaid              EventType = "invoice.paid"
	EventInvoicePaymentFailed     EventType = "invoice.payment_failed"
	EventSetupIntentSucceeded     EventType = "setup_intent.succeeded"
)

// StepName identifies one step of the activation flow.
type StepName string

const (
	StepAttachPaymentMethod    StepName = "attach_payment_method"
	StepSetCustomerDefault     StepName = "set_customer_default"
	StepSetSubscriptionDefault StepName = "set_subscription_default"
	StepPayInvoice             StepName = "pay_invoice"
	StepFinalRefetch           StepName = "final_refetch"
	StepLinkDevice             StepName = "link_device"
)

// ActivationSteps lists the activation steps in execution order.
var ActivationSteps = []StepName{
	StepAttachPaymentMethod,
	StepSetCustomerDefault,
	StepSetSubscriptionDefault,
	StepPayInvoice,
	StepFinalRefetch,
	StepLinkDevice,
}

// StepStatus is the recorded outcome of a single activation step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)
