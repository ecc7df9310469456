package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/SubGate/app/models"
)

// Classification is either a transition request or an instruction to ignore.
type Classification struct {
	Ignore  bool
	Reason  string
	Request TransitionRequest
}

// HandledEventTypes lists the provider event types Classify acts on. The
// provider's webhook endpoint should subscribe to exactly these.
var HandledEventTypes = []string{
	"checkout.session.completed",
	"invoice.payment_succeeded",
	"invoice.paid",
	"invoice.payment_failed",
	"customer.subscription.updated",
	"customer.subscription.deleted",
	"customer.subscription.trial_will_end",
	"payment_method.attached",
	"customer.created",
	"charge.succeeded",
	"charge.refunded",
}

func ignore(reason string) Classification {
	return Classification{Ignore: true, Reason: reason}
}

// Classify maps a decoded provider event to a transition. It performs no I/O.
// Errors wrap ErrPayloadMalformed.
func Classify(ev Event) (Classification, error) {
	base := TransitionRequest{
		EventID:   ev.ID,
		EventType: ev.Type,
		EventTime: ev.Created,
	}

	switch ev.Type {
	case "checkout.session.completed":
		return classifyCheckout(ev, base)
	case "invoice.payment_succeeded", "invoice.paid":
		return classifyInvoice(ev, base, KindInvoicePaid)
	case "invoice.payment_failed":
		return classifyInvoice(ev, base, KindInvoicePaymentFailed)
	case "customer.subscription.updated":
		return classifySubscription(ev, base, KindSubscriptionUpdated)
	case "customer.subscription.deleted":
		return classifySubscription(ev, base, KindSubscriptionDeleted)
	case "customer.subscription.trial_will_end":
		return classifySubscription(ev, base, KindTrialWillEnd)
	case "payment_method.attached", "customer.created", "charge.succeeded", "charge.refunded":
		return classifyCustomerActivity(ev, base)
	default:
		return ignore("unhandled event type " + ev.Type), nil
	}
}

// expandableID accepts either a bare id or an expanded object carrying one.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type invoicePayload struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

type subscriptionPayload struct {
	ID               string       `json:"id"`
	Customer         expandableID `json:"customer"`
	Status           string       `json:"status"`
	CurrentPeriodEnd int64        `json:"current_period_end"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type customerScopedPayload struct {
	ID       string       `json:"id"`
	Object   string       `json:"object"`
	Customer expandableID `json:"customer"`
}

func decodeObject(ev Event, into any) error {
	if err := json.Unmarshal(ev.Object, into); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrPayloadMalformed, ev.Type, err)
	}
	return nil
}

func classifyCheckout(ev Event, req TransitionRequest) (Classification, error) {
	var session checkoutSessionPayload
	if err := decodeObject(ev, &session); err != nil {
		return Classification{}, err
	}
	if session.Mode != "subscription" {
		return ignore("checkout session mode " + session.Mode), nil
	}
	if strings.TrimSpace(string(session.Subscription)) == "" {
		return Classification{}, fmt.Errorf("%w: checkout session %s has no subscription", ErrPayloadMalformed, session.ID)
	}

	// A missing or unparsable correlation id leaves UserID at zero, which
	// resolves to UserNotFound.
	ref := session.Metadata["user_id"]
	if ref == "" {
		ref = session.ClientReferenceID
	}
	userID, _ := parseUserID(ref)

	req.Kind = KindCheckoutCompleted
	req.Lookup = LookupUserID
	req.UserID = userID
	req.SubscriptionID = string(session.Subscription)
	req.CustomerID = string(session.Customer)
	return Classification{Request: req}, nil
}

func classifyInvoice(ev Event, req TransitionRequest, kind EventKind) (Classification, error) {
	var inv invoicePayload
	if err := decodeObject(ev, &inv); err != nil {
		return Classification{}, err
	}
	subID := string(inv.Subscription)
	if subID == "" && inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		subID = string(inv.Parent.SubscriptionDetails.Subscription)
	}
	if subID == "" {
		return ignore("invoice " + inv.ID + " is not tied to a subscription"), nil
	}

	req.Kind = kind
	req.Lookup = LookupSubscriptionID
	req.SubscriptionID = subID
	req.CustomerID = string(inv.Customer)
	if kind == KindInvoicePaid {
		req.Status = models.SubscriptionStatusActive
		if len(inv.Lines.Data) > 0 {
			req.CurrentPeriodEnd = unixPtr(inv.Lines.Data[0].Period.End)
		}
	} else {
		req.Status = models.SubscriptionStatusPastDue
	}
	return Classification{Request: req}, nil
}

func classifySubscription(ev Event, req TransitionRequest, kind EventKind) (Classification, error) {
	var sub subscriptionPayload
	if err := decodeObject(ev, &sub); err != nil {
		return Classification{}, err
	}
	if strings.TrimSpace(sub.ID) == "" {
		return Classification{}, fmt.Errorf("%w: %s without subscription id", ErrPayloadMalformed, ev.Type)
	}

	req.Kind = kind
	req.Lookup = LookupSubscriptionID
	req.SubscriptionID = sub.ID
	req.CustomerID = string(sub.Customer)

	switch kind {
	case KindSubscriptionUpdated:
		if strings.TrimSpace(sub.Status) == "" {
			return Classification{}, fmt.Errorf("%w: subscription %s without status", ErrPayloadMalformed, sub.ID)
		}
		req.Status = MapProviderStatus(sub.Status)
		req.CurrentPeriodEnd = subscriptionPeriodEnd(sub)
		if len(sub.Items.Data) > 0 {
			req.PlanID = sub.Items.Data[0].Price.ID
		}
	case KindSubscriptionDeleted:
		req.Status = models.SubscriptionStatusCancelled
	}
	return Classification{Request: req}, nil
}

func classifyCustomerActivity(ev Event, req TransitionRequest) (Classification, error) {
	var obj customerScopedPayload
	if err := decodeObject(ev, &obj); err != nil {
		return Classification{}, err
	}
	customerID := string(obj.Customer)
	if obj.Object == "customer" {
		customerID = obj.ID
	}
	if customerID == "" {
		return ignore(ev.Type + " without customer"), nil
	}

	req.Kind = KindCustomerActivity
	req.Lookup = LookupCustomerID
	req.CustomerID = customerID
	return Classification{Request: req}, nil
}

// subscriptionPeriodEnd prefers the top-level field and falls back to the
// first item, where newer API versions carry it.
func subscriptionPeriodEnd(sub subscriptionPayload) *time.Time {
	if sub.CurrentPeriodEnd > 0 {
		return unixPtr(sub.CurrentPeriodEnd)
	}
	if len(sub.Items.Data) > 0 {
		return unixPtr(sub.Items.Data[0].CurrentPeriodEnd)
	}
	return nil
}
