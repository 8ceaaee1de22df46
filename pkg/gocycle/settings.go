package gocycle

// ZeroDollarInvoiceHandling controls what happens to invoices that total zero
type ZeroDollarInvoiceHandling string

const (
	// ZeroDollarNormal issues zero-dollar invoices like any other invoice
	ZeroDollarNormal ZeroDollarInvoiceHandling = "normal"
	// ZeroDollarFinalize issues and immediately finalizes them
	ZeroDollarFinalize ZeroDollarInvoiceHandling = "finalize"
)

// BillingSettings are billing options configured per tenant and optionally
// overridden per client. A nil field in a client override means "inherit".
type BillingSettings struct {
	ZeroDollarInvoiceHandling  *ZeroDollarInvoiceHandling `json:"zeroDollarInvoiceHandling,omitempty"`
	SuppressZeroDollarInvoices *bool                      `json:"suppressZeroDollarInvoices,omitempty"`
	EnableCreditExpiration     *bool                      `json:"enableCreditExpiration,omitempty"`
	CreditExpirationDays       *int                       `json:"creditExpirationDays,omitempty"`
	CreditExpirationNotifyDays []int                      `json:"creditExpirationNotificationDays,omitempty"`
}

// ResolveSettings overlays client overrides on tenant defaults. Either argument
// may be nil. The result never aliases the inputs' slices.
func ResolveSettings(tenant, client *BillingSettings) BillingSettings {
	var out BillingSettings
	if tenant != nil {
		out = *tenant
		out.CreditExpirationNotifyDays = copyInts(tenant.CreditExpirationNotifyDays)
	}
	if client == nil {
		return out
	}
	if client.ZeroDollarInvoiceHandling != nil {
		out.ZeroDollarInvoiceHandling = client.ZeroDollarInvoiceHandling
	}
	if client.SuppressZeroDollarInvoices != nil {
		out.SuppressZeroDollarInvoices = client.SuppressZeroDollarInvoices
	}
	if client.EnableCreditExpiration != nil {
		out.EnableCreditExpiration = client.EnableCreditExpiration
	}
	if client.CreditExpirationDays != nil {
		out.CreditExpirationDays = client.CreditExpirationDays
	}
	if client.CreditExpirationNotifyDays != nil {
		out.CreditExpirationNotifyDays = copyInts(client.CreditExpirationNotifyDays)
	}
	return out
}

// copyInts copies s, keeping nil and empty distinct.
func copyInts(s []int) []int {
	if s == nil {
		return nil
	}
	return append(make([]int, 0, len(s)), s...)
}
