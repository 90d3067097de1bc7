package mapper

import (
	"fmt"

	"github.com/mmdatafocus/buildsync/models"
)

// PaymentMethodMapping is one row of the payment-method lookup table.
type PaymentMethodMapping struct {
	// QBOPaymentMethod is the PaymentMethodRef on customer payments; ids are the
	// QBO defaults created with every company.
	QBOPaymentMethod *Ref
	// QBOPayType is the BillPayment PayType ("Check" or "CreditCard").
	QBOPayType string
	// StripeTypes feed invoice payment_settings.payment_method_types; empty
	// means the method cannot be collected through Stripe.
	StripeTypes []string
}

var paymentMethods = map[models.PaymentMethod]PaymentMethodMapping{
	models.PaymentMethodCash: {
		QBOPaymentMethod: &Ref{Value: "1", Name: "Cash"},
		QBOPayType:       "Check",
	},
	models.PaymentMethodCheck: {
		QBOPaymentMethod: &Ref{Value: "2", Name: "Check"},
		QBOPayType:       "Check",
	},
	models.PaymentMethodCard: {
		QBOPaymentMethod: &Ref{Value: "3", Name: "Credit Card"},
		QBOPayType:       "CreditCard",
		StripeTypes:      []string{"card"},
	},
	models.PaymentMethodTransfer: {
		QBOPaymentMethod: &Ref{Value: "4", Name: "Direct Deposit"},
		QBOPayType:       "Check",
		StripeTypes:      []string{"us_bank_account"},
	},
}

// defaultPaymentMethod applies to unknown codes: no QBO method ref, a check
// bill payment, card collection on Stripe.
var defaultPaymentMethod = PaymentMethodMapping{
	QBOPayType:  "Check",
	StripeTypes: []string{"card"},
}

// LookupPaymentMethod never fails. Unknown codes get the default row and a
// warning for the caller to log; an empty code gets the default silently.
func LookupPaymentMethod(code models.PaymentMethod) (PaymentMethodMapping, string) {
	if code == "" {
		return defaultPaymentMethod, ""
	}
	if m, ok := paymentMethods[code]; ok {
		return m, ""
	}
	return defaultPaymentMethod, fmt.Sprintf("unknown payment method %q, using default", code)
}
