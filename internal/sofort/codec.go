// Package sofort implements the Sofort XML wire protocol and the
// authenticated gateway client for it.
package sofort

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ticketeer/ticketeer-payments/internal/domain"
)

// InterfaceVersion identifies this integration towards the vendor.
const InterfaceVersion = "ticketeer_1.0.0/sofort_2.0.0"

// TransactionPlaceholder is substituted by the vendor with the real
// transaction reference inside success/abort/timeout URLs.
const TransactionPlaceholder = "-TRANSACTION-"

// NotifyStatuses is the set of status changes the vendor pushes to the
// webhook endpoint.
const NotifyStatuses = "received,loss,refunded,pending"

const xmlHeader = `<?xml version="1.0" encoding="UTF-8" ?>` + "\n"

// MultiPay is the payment initiation request. Field order matters: the
// vendor expects a stable element sequence.
type MultiPay struct {
	XMLName             xml.Name          `xml:"multipay"`
	ProjectID           string            `xml:"project_id"`
	InterfaceVersion    string            `xml:"interface_version"`
	Amount              decimal.Decimal   `xml:"amount"`
	Timeout             int               `xml:"timeout"`
	CurrencyCode        string            `xml:"currency_code"`
	Reasons             *Reasons          `xml:"reasons,omitempty"`
	UserVariables       *UserVariables    `xml:"user_variables,omitempty"`
	SuccessURL          string            `xml:"success_url,omitempty"`
	SuccessLinkRedirect int               `xml:"success_link_redirect"`
	AbortURL            string            `xml:"abort_url,omitempty"`
	TimeoutURL          string            `xml:"timeout_url,omitempty"`
	NotificationURLs    *NotificationURLs `xml:"notification_urls,omitempty"`
	Su                  struct{}          `xml:"su"`
	Beneficiary         *Beneficiary      `xml:"beneficiary,omitempty"`
}

// Reasons holds the statement lines shown on the payer's bank statement.
type Reasons struct {
	Reason []string `xml:"reason"`
}

// UserVariables are echoed back verbatim in transaction details.
type UserVariables struct {
	UserVariable []string `xml:"user_variable"`
}

// NotificationURLs lists webhook targets for status pushes.
type NotificationURLs struct {
	NotificationURL []NotificationURL `xml:"notification_url"`
}

// NotificationURL is one webhook target with the statuses it subscribes to.
type NotificationURL struct {
	NotifyOn string `xml:"notify_on,attr"`
	URL      string `xml:",chardata"`
}

// Beneficiary routes the money to a third party instead of the API account
// owner.
type Beneficiary struct {
	Identifier  string `xml:"identifier"`
	CountryCode string `xml:"country_code"`
}

// NewMultiPay builds an initiation request with the defaults this service
// always uses (one hour payment window, automatic success redirect, webhook
// subscription for every status this engine handles).
func NewMultiPay(projectID string, req domain.InitiationRequest) *MultiPay {
	mp := &MultiPay{
		ProjectID:           projectID,
		InterfaceVersion:    InterfaceVersion,
		Amount:              req.Amount,
		Timeout:             3600,
		CurrencyCode:        req.Currency,
		SuccessURL:          req.SuccessURL,
		SuccessLinkRedirect: 1,
		AbortURL:            req.AbortURL,
		TimeoutURL:          req.TimeoutURL,
	}
	if len(req.Reasons) > 0 {
		mp.Reasons = &Reasons{Reason: req.Reasons}
	}
	if req.OrderCode != "" {
		mp.UserVariables = &UserVariables{UserVariable: []string{req.OrderCode}}
	}
	if req.NotificationURL != "" {
		mp.NotificationURLs = &NotificationURLs{NotificationURL: []NotificationURL{
			{NotifyOn: NotifyStatuses, URL: req.NotificationURL},
		}}
	}
	return mp
}

// NewTransaction is the vendor's answer to a multipay request.
type NewTransaction struct {
	XMLName     xml.Name `xml:"new_transaction"`
	Transaction string   `xml:"transaction"`
	PaymentURL  string   `xml:"payment_url"`
}

// TransactionRequest queries details for one or more transactions.
type TransactionRequest struct {
	XMLName     xml.Name `xml:"transaction_request"`
	Version     string   `xml:"version,attr"`
	Transaction []string `xml:"transaction"`
}

// NewTransactionRequest builds a version 2 detail query.
func NewTransactionRequest(references ...string) *TransactionRequest {
	return &TransactionRequest{Version: "2", Transaction: references}
}

// Transactions is the detail query response.
type Transactions struct {
	XMLName xml.Name             `xml:"transactions"`
	Details []TransactionDetails `xml:"transaction_details"`
}

// TransactionDetails is one vendor-reported transaction snapshot. The
// sender, recipient and costs groups are omitted by the vendor for
// transactions that have not settled yet, hence the pointers.
type TransactionDetails struct {
	ProjectID      string          `xml:"project_id" json:"project_id"`
	Transaction    string          `xml:"transaction" json:"transaction"`
	Test           string          `xml:"test" json:"test"`
	Time           string          `xml:"time" json:"time"`
	Status         string          `xml:"status" json:"status"`
	StatusReason   string          `xml:"status_reason" json:"status_reason"`
	StatusModified string          `xml:"status_modified" json:"status_modified"`
	PaymentMethod  string          `xml:"payment_method" json:"payment_method"`
	LanguageCode   string          `xml:"language_code" json:"language_code"`
	Amount         decimal.Decimal `xml:"amount" json:"amount"`
	AmountRefunded decimal.Decimal `xml:"amount_refunded" json:"amount_refunded"`
	CurrencyCode   string          `xml:"currency_code" json:"currency_code"`
	EmailCustomer  string          `xml:"email_customer" json:"email_customer"`
	PhoneCustomer  string          `xml:"phone_customer" json:"phone_customer"`
	ExchangeRate   string          `xml:"exchange_rate" json:"exchange_rate"`
	Reasons        []string        `xml:"reasons>reason" json:"reasons,omitempty"`
	UserVariables  []string        `xml:"user_variables>user_variable" json:"user_variables,omitempty"`
	Sender         *BankAccount    `xml:"sender" json:"sender,omitempty"`
	Recipient      *BankAccount    `xml:"recipient" json:"recipient,omitempty"`
	Costs          *Costs          `xml:"costs" json:"costs,omitempty"`
}

// BankAccount is the sender or recipient banking block.
type BankAccount struct {
	Holder        string `xml:"holder" json:"holder"`
	AccountNumber string `xml:"account_number" json:"account_number,omitempty"`
	BankCode      string `xml:"bank_code" json:"bank_code"`
	BankName      string `xml:"bank_name" json:"bank_name"`
	BIC           string `xml:"bic" json:"bic"`
	IBAN          string `xml:"iban" json:"iban,omitempty"`
	CountryCode   string `xml:"country_code" json:"country_code"`
}

// Costs is the vendor's fee breakdown.
type Costs struct {
	Fees         decimal.Decimal `xml:"fees" json:"fees"`
	CurrencyCode string          `xml:"currency_code" json:"currency_code"`
	ExchangeRate string          `xml:"exchange_rate" json:"exchange_rate"`
}

// Redacted returns a copy safe to persist: account numbers removed, IBANs
// masked down to their first and last four characters.
func (td TransactionDetails) Redacted() TransactionDetails {
	td.Sender = td.Sender.redacted()
	td.Recipient = td.Recipient.redacted()
	return td
}

func (b *BankAccount) redacted() *BankAccount {
	if b == nil {
		return nil
	}
	c := *b
	c.AccountNumber = ""
	c.IBAN = maskIBAN(c.IBAN)
	return &c
}

func maskIBAN(iban string) string {
	if iban == "" {
		return ""
	}
	if len(iban) <= 8 {
		return strings.Repeat("*", len(iban))
	}
	return iban[:4] + strings.Repeat("*", len(iban)-8) + iban[len(iban)-4:]
}

// Snapshot converts the details into the engine's snapshot form, with the
// redacted field set serialized for the payment info blob.
func (td TransactionDetails) Snapshot() (*domain.TransactionSnapshot, error) {
	blob, err := json.Marshal(td.Redacted())
	if err != nil {
		return nil, err
	}
	return &domain.TransactionSnapshot{
		Reference:      td.Transaction,
		Status:         domain.ParseStatus(td.Status),
		StatusReason:   td.StatusReason,
		Amount:         td.Amount,
		AmountRefunded: td.AmountRefunded,
		Currency:       td.CurrencyCode,
		Time:           td.Time,
		Details:        blob,
	}, nil
}

// StatusNotification is the webhook push body. It carries only the
// reference; the actual status must be re-fetched from the vendor.
type StatusNotification struct {
	XMLName     xml.Name `xml:"status_notification"`
	Transaction string   `xml:"transaction"`
	Time        string   `xml:"time"`
}

// Refunds is the version 3 refund batch, used both as request and
// response.
type Refunds struct {
	XMLName xml.Name `xml:"refunds"`
	Version string   `xml:"version,attr"`
	Refund  []Refund `xml:"refund"`
}

// Refund is one refund instruction or its per-item result.
type Refund struct {
	Transaction string          `xml:"transaction"`
	Amount      decimal.Decimal `xml:"amount"`
	Comment     string          `xml:"comment"`
	Reason1     string          `xml:"reason_1"`
	Reason2     string          `xml:"reason_2"`
	Status      string          `xml:"status,omitempty"`
	Errors      *errorList      `xml:"errors,omitempty"`
}

// NewRefunds builds a version 3 refund batch.
func NewRefunds(refunds ...Refund) *Refunds {
	return &Refunds{Version: "3", Refund: refunds}
}

type errorList struct {
	Entries []errorEntry `xml:",any"`
}

type errorEntry struct {
	Message string `xml:"message"`
}

func (l *errorList) messages() []string {
	if l == nil {
		return nil
	}
	var msgs []string
	for _, e := range l.Entries {
		if e.Message != "" {
			msgs = append(msgs, e.Message)
		}
	}
	return msgs
}

type errorDocument struct {
	XMLName xml.Name     `xml:"errors"`
	Entries []errorEntry `xml:",any"`
}

// Marshal encodes a request document with the vendor's expected XML
// prologue.
func Marshal(v any) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xmlHeader), body...), nil
}

// Unmarshal decodes a vendor response into v. A top-level errors document
// becomes a *domain.VendorError; anything that is not well-formed XML
// becomes a *domain.MalformedResponseError. Both are distinct from
// transport failure.
func Unmarshal(data []byte, v any) error {
	root, err := rootElement(data)
	if err != nil {
		return &domain.MalformedResponseError{Raw: data}
	}
	if root == "errors" {
		var doc errorDocument
		if err := xml.Unmarshal(data, &doc); err != nil {
			return &domain.MalformedResponseError{Raw: data}
		}
		var msgs []string
		for _, e := range doc.Entries {
			if e.Message != "" {
				msgs = append(msgs, e.Message)
			}
		}
		return &domain.VendorError{Messages: msgs}
	}
	if err := xml.Unmarshal(data, v); err != nil {
		return &domain.MalformedResponseError{Raw: data}
	}
	return nil
}

// ParseStatusNotification decodes a webhook push body.
func ParseStatusNotification(data []byte) (*StatusNotification, error) {
	var sn StatusNotification
	if err := Unmarshal(data, &sn); err != nil {
		return nil, err
	}
	return &sn, nil
}

// ParseRefunds decodes a refund batch response. A per-refund error status
// surfaces the embedded error messages as a *domain.VendorError.
func ParseRefunds(data []byte) (*Refunds, error) {
	var r Refunds
	if err := Unmarshal(data, &r); err != nil {
		return nil, err
	}
	for _, ref := range r.Refund {
		if ref.Status == "error" {
			msgs := ref.Errors.messages()
			if len(msgs) == 0 {
				msgs = []string{"refund rejected"}
			}
			return nil, &domain.VendorError{Messages: msgs}
		}
	}
	return &r, nil
}

// rootElement peeks at the name of the document's first start element.
func rootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}
