package main

// BOLT11 decoding is an external collaborator: the engine consumes decoded
// fields but does not parse invoice text itself. Deployments inject a real
// decoder; without one, amountless sends simply are not recorded
// optimistically.

// DecodedInvoice carries the fields the engine cares about.
type DecodedInvoice struct {
	AmountMsats  int64
	PaymentHash  string
	Description  string
	PayeeNodeKey string
}

// InvoiceDecoder turns BOLT11 text into its decoded fields or fails.
type InvoiceDecoder func(invoice string) (*DecodedInvoice, error)
