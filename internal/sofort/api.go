package sofort

import (
	"context"

	"go.uber.org/zap"

	"github.com/ticketeer/ticketeer-payments/internal/domain"
)

// API implements domain.VendorGateway on top of the codec and the gateway
// client.
type API struct {
	client    *Client
	projectID string
	log       *zap.Logger
}

// NewAPI creates the vendor gateway for one tenant project.
func NewAPI(client *Client, projectID string, log *zap.Logger) *API {
	return &API{client: client, projectID: projectID, log: log}
}

// InitiateTransaction opens a new vendor transaction.
func (a *API) InitiateTransaction(ctx context.Context, req domain.InitiationRequest) (*domain.InitiationResult, error) {
	payload, err := Marshal(NewMultiPay(a.projectID, req))
	if err != nil {
		return nil, err
	}
	raw, err := a.client.Call(ctx, payload)
	if err != nil {
		return nil, err
	}
	var nt NewTransaction
	if err := Unmarshal(raw, &nt); err != nil {
		return nil, err
	}
	a.log.Debug("vendor transaction initiated",
		zap.String("order", req.OrderCode),
		zap.String("reference", nt.Transaction))
	return &domain.InitiationResult{
		Reference:  nt.Transaction,
		PaymentURL: nt.PaymentURL,
	}, nil
}

// FetchTransactionDetails re-queries the authoritative vendor state for
// the reference.
func (a *API) FetchTransactionDetails(ctx context.Context, reference string) (*domain.TransactionSnapshot, error) {
	payload, err := Marshal(NewTransactionRequest(reference))
	if err != nil {
		return nil, err
	}
	raw, err := a.client.Call(ctx, payload)
	if err != nil {
		return nil, err
	}
	var txs Transactions
	if err := Unmarshal(raw, &txs); err != nil {
		return nil, err
	}
	if len(txs.Details) == 0 {
		// Request accepted but not processed yet on the vendor side.
		return nil, domain.ErrNoDetails
	}
	return txs.Details[0].Snapshot()
}

// SendRefund instructs the vendor to prepare one refund.
func (a *API) SendRefund(ctx context.Context, instr domain.RefundInstruction) error {
	payload, err := Marshal(NewRefunds(Refund{
		Transaction: instr.Reference,
		Amount:      instr.Amount,
		Comment:     instr.Comment,
		Reason1:     instr.Reason1,
		Reason2:     instr.Reason2,
	}))
	if err != nil {
		return err
	}
	raw, err := a.client.Call(ctx, payload)
	if err != nil {
		return err
	}
	if _, err := ParseRefunds(raw); err != nil {
		return err
	}
	a.log.Info("vendor refund instructed",
		zap.String("reference", instr.Reference),
		zap.String("amount", instr.Amount.String()))
	return nil
}
