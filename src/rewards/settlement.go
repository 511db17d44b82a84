package rewards

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpha-protocol/apn-node/src/ledger"
)

// Confirmation is the settlement layer's verdict on a submitted transfer.
type Confirmation string

const (
	ConfirmationPending   Confirmation = "pending"
	ConfirmationConfirmed Confirmation = "confirmed"
	ConfirmationFailed    Confirmation = "failed"
)

// ErrDistributionFailed wraps settlement submission errors.
var ErrDistributionFailed = errors.New("distribution failed")

// Settlement abstracts the external token ledger. The batch id is the
// idempotency key: re-submitting a batch whose earlier submission actually
// landed must return the original transaction id rather than paying twice.
type Settlement interface {
	SubmitTransfer(ctx context.Context, batchID string, wallet string, amount ledger.Vibe) (txID string, err error)
	QueryConfirmation(ctx context.Context, txID string) (Confirmation, error)
}

// HTTPSettlement talks JSON to a settlement gateway.
type HTTPSettlement struct {
	url    string
	client *http.Client
}

// NewHTTPSettlement creates a settlement client for the gateway at url.
func NewHTTPSettlement(url string, timeout time.Duration) *HTTPSettlement {
	return &HTTPSettlement{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

type transferRequest struct {
	BatchID string      `json:"batch_id"`
	Wallet  string      `json:"wallet"`
	Amount  ledger.Vibe `json:"amount"`
}

type transferResponse struct {
	TxID   string `json:"tx_id"`
	Status string `json:"status"`
}

// SubmitTransfer implements the Settlement interface.
func (s *HTTPSettlement) SubmitTransfer(ctx context.Context, batchID string, wallet string, amount ledger.Vibe) (string, error) {
	body, err := json.Marshal(transferRequest{
		BatchID: batchID,
		Wallet:  wallet,
		Amount:  amount,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.url+"/transfers", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDistributionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("%w: gateway returned %s", ErrDistributionFailed, resp.Status)
	}

	var tr transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrDistributionFailed, err)
	}
	if tr.TxID == "" {
		return "", fmt.Errorf("%w: gateway returned no tx id", ErrDistributionFailed)
	}

	return tr.TxID, nil
}

// QueryConfirmation implements the Settlement interface.
func (s *HTTPSettlement) QueryConfirmation(ctx context.Context, txID string) (Confirmation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.url+"/transfers/"+txID, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gateway returned %s", resp.Status)
	}

	var tr transferResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", err
	}

	switch Confirmation(tr.Status) {
	case ConfirmationPending, ConfirmationConfirmed, ConfirmationFailed:
		return Confirmation(tr.Status), nil
	default:
		return "", fmt.Errorf("unknown confirmation status %q", tr.Status)
	}
}

// FakeSettlement is an in-memory settlement for tests. Failures can be
// scripted; submissions are keyed by batch id so idempotent resubmission can
// be asserted.
type FakeSettlement struct {
	sync.Mutex

	transfers     map[string]fakeTransfer // batchID -> transfer
	confirmations map[string]Confirmation // txID -> verdict
	failures      int
	nextTx        int

	holdCh  chan struct{}
	waiting int32
}

type fakeTransfer struct {
	txID   string
	wallet string
	amount ledger.Vibe
}

// NewFakeSettlement creates an empty fake.
func NewFakeSettlement() *FakeSettlement {
	return &FakeSettlement{
		transfers:     map[string]fakeTransfer{},
		confirmations: map[string]Confirmation{},
	}
}

// FailNext makes the next n submissions return an error.
func (f *FakeSettlement) FailNext(n int) {
	f.Lock()
	defer f.Unlock()
	f.failures = n
}

// Hold makes submissions block until Release is called, so a test can keep a
// transfer in flight.
func (f *FakeSettlement) Hold() {
	f.Lock()
	defer f.Unlock()
	f.holdCh = make(chan struct{})
}

// Release unblocks submissions held by Hold.
func (f *FakeSettlement) Release() {
	f.Lock()
	defer f.Unlock()
	if f.holdCh != nil {
		close(f.holdCh)
		f.holdCh = nil
	}
}

// Waiting returns the number of submissions currently blocked on a Hold.
func (f *FakeSettlement) Waiting() int {
	return int(atomic.LoadInt32(&f.waiting))
}

// SubmitTransfer implements the Settlement interface.
func (f *FakeSettlement) SubmitTransfer(_ context.Context, batchID string, wallet string, amount ledger.Vibe) (string, error) {
	f.Lock()
	hold := f.holdCh
	f.Unlock()

	if hold != nil {
		atomic.AddInt32(&f.waiting, 1)
		<-hold
		atomic.AddInt32(&f.waiting, -1)
	}

	f.Lock()
	defer f.Unlock()

	if f.failures > 0 {
		f.failures--
		return "", fmt.Errorf("%w: scripted failure", ErrDistributionFailed)
	}

	// A batch that already landed returns its original tx id.
	if t, ok := f.transfers[batchID]; ok {
		return t.txID, nil
	}

	f.nextTx++
	txID := fmt.Sprintf("tx-%04d", f.nextTx)
	f.transfers[batchID] = fakeTransfer{txID: txID, wallet: wallet, amount: amount}
	f.confirmations[txID] = ConfirmationConfirmed

	return txID, nil
}

// QueryConfirmation implements the Settlement interface.
func (f *FakeSettlement) QueryConfirmation(_ context.Context, txID string) (Confirmation, error) {
	f.Lock()
	defer f.Unlock()

	c, ok := f.confirmations[txID]
	if !ok {
		return "", fmt.Errorf("unknown tx %s", txID)
	}
	return c, nil
}

// SetConfirmation overrides the verdict for a tx.
func (f *FakeSettlement) SetConfirmation(txID string, c Confirmation) {
	f.Lock()
	defer f.Unlock()
	f.confirmations[txID] = c
}

// TotalPaid returns the sum of transfers accepted for a wallet.
func (f *FakeSettlement) TotalPaid(wallet string) ledger.Vibe {
	f.Lock()
	defer f.Unlock()

	var total ledger.Vibe
	for _, t := range f.transfers {
		if t.wallet == wallet {
			total += t.amount
		}
	}
	return total
}

// Submissions returns how many distinct batches were accepted.
func (f *FakeSettlement) Submissions() int {
	f.Lock()
	defer f.Unlock()
	return len(f.transfers)
}
