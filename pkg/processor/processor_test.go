package processor

import (
	"context"
	"io"
	"log"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/coriumlabs/compute-node/pkg/chain"
	"github.com/coriumlabs/compute-node/pkg/message"
	"github.com/coriumlabs/compute-node/pkg/orchestrator"
	"github.com/coriumlabs/compute-node/pkg/store"
	"github.com/coriumlabs/compute-node/pkg/subscription"
)

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

// stubCoordinator lets each test set only the hooks it needs; unset hooks
// panic if called, so a test calling an unexpected path fails loudly.
type stubCoordinator struct {
	getSubscriptionByID             func(ctx context.Context, id uint32, block *big.Int) (*subscription.Subscription, error)
	getSubscriptionResponseCount    func(ctx context.Context, id, interval uint32, block *big.Int) (uint16, error)
	getExistingDelegateSubscription func(ctx context.Context, owner common.Address, nonce uint32, sig []byte, block *big.Int) (bool, uint32, error)
	getDelegatedSigner              func(ctx context.Context, owner common.Address, block *big.Int) (common.Address, error)
	getContainerInputs              func(ctx context.Context, id, interval, now uint32, caller common.Address) ([]byte, error)
	simulateDeliverCompute          func(ctx context.Context, from common.Address, p chain.DeliverComputeParams) error
	simulateDeliverComputeDelegatee func(ctx context.Context, from common.Address, p chain.DeliverComputeDelegateeParams) error
	deliverCompute                  func(ctx context.Context, wallet *chain.Wallet, p chain.DeliverComputeParams) (*types.Transaction, error)
	deliverComputeDelegatee         func(ctx context.Context, wallet *chain.Wallet, p chain.DeliverComputeDelegateeParams) (*types.Transaction, error)
}

func (s *stubCoordinator) GetSubscriptionByID(ctx context.Context, id uint32, block *big.Int) (*subscription.Subscription, error) {
	return s.getSubscriptionByID(ctx, id, block)
}
func (s *stubCoordinator) GetSubscriptionResponseCount(ctx context.Context, id, interval uint32, block *big.Int) (uint16, error) {
	return s.getSubscriptionResponseCount(ctx, id, interval, block)
}
func (s *stubCoordinator) GetExistingDelegateSubscription(ctx context.Context, owner common.Address, nonce uint32, sig []byte, block *big.Int) (bool, uint32, error) {
	return s.getExistingDelegateSubscription(ctx, owner, nonce, sig, block)
}
func (s *stubCoordinator) GetDelegatedSigner(ctx context.Context, owner common.Address, block *big.Int) (common.Address, error) {
	return s.getDelegatedSigner(ctx, owner, block)
}
func (s *stubCoordinator) GetContainerInputs(ctx context.Context, id, interval, now uint32, caller common.Address) ([]byte, error) {
	return s.getContainerInputs(ctx, id, interval, now, caller)
}
func (s *stubCoordinator) SimulateDeliverCompute(ctx context.Context, from common.Address, p chain.DeliverComputeParams) error {
	return s.simulateDeliverCompute(ctx, from, p)
}
func (s *stubCoordinator) SimulateDeliverComputeDelegatee(ctx context.Context, from common.Address, p chain.DeliverComputeDelegateeParams) error {
	return s.simulateDeliverComputeDelegatee(ctx, from, p)
}
func (s *stubCoordinator) DeliverCompute(ctx context.Context, wallet *chain.Wallet, p chain.DeliverComputeParams) (*types.Transaction, error) {
	return s.deliverCompute(ctx, wallet, p)
}
func (s *stubCoordinator) DeliverComputeDelegatee(ctx context.Context, wallet *chain.Wallet, p chain.DeliverComputeDelegateeParams) (*types.Transaction, error) {
	return s.deliverComputeDelegatee(ctx, wallet, p)
}

type stubWalletChecker struct {
	isValidWallet              func(ctx context.Context, addr common.Address) (bool, error)
	hasEnoughBalance           func(ctx context.Context, wallet, token common.Address, amount *big.Int) (bool, error)
	matchesPaymentRequirements func(token common.Address, amount *big.Int, containers []string) bool
}

func (s *stubWalletChecker) IsValidWallet(ctx context.Context, addr common.Address) (bool, error) {
	return s.isValidWallet(ctx, addr)
}
func (s *stubWalletChecker) HasEnoughBalance(ctx context.Context, wallet, token common.Address, amount *big.Int) (bool, error) {
	return s.hasEnoughBalance(ctx, wallet, token, amount)
}

// MatchesPaymentRequirements defaults to true (matched) when a test doesn't
// set the hook; a test that needs an unmet requirement sets it itself, as
// TestStopIfOwnerCantPay_RejectsUnmetContainerMinimums does.
func (s *stubWalletChecker) MatchesPaymentRequirements(token common.Address, amount *big.Int, containers []string) bool {
	if s.matchesPaymentRequirements == nil {
		return true
	}
	return s.matchesPaymentRequirements(token, amount, containers)
}

type stubTxPoller struct {
	getTxSuccessWithRetries func(ctx context.Context, tx common.Hash, retries int, sleepMS time.Duration) (bool, bool)
}

func (s *stubTxPoller) GetTxSuccessWithRetries(ctx context.Context, tx common.Hash, retries int, sleepMS time.Duration) (bool, bool) {
	return s.getTxSuccessWithRetries(ctx, tx, retries, sleepMS)
}

type stubRunner struct {
	results []orchestrator.ContainerResult
	err     error
}

func (s *stubRunner) ProcessChainProcessorJob(ctx context.Context, jobID string, jobInput interface{}, source, destination string, containers []string, requiresProof bool) ([]orchestrator.ContainerResult, error) {
	return s.results, s.err
}

type fixedLookup struct{ containers []string }

func (f fixedLookup) Get(hash [32]byte) []string { return f.containers }

// stubStore records every call the on-chain pipeline makes against the
// Data Store, for asserting the running/terminal/container-counter
// bookkeeping without a real store backing.
type stubStore struct {
	running           int
	succeeded         int
	failed            int
	containerCounters map[string]int
}

func newStubStore() *stubStore { return &stubStore{containerCounters: make(map[string]int)} }

func (s *stubStore) SetRunning(ctx context.Context, key string, rec store.Record) error {
	s.running++
	return nil
}
func (s *stubStore) SetSuccess(ctx context.Context, key string, results interface{}) error {
	s.succeeded++
	return nil
}
func (s *stubStore) SetFailed(ctx context.Context, key string, results interface{}) error {
	s.failed++
	return nil
}
func (s *stubStore) IncrementContainerCounter(name string) { s.containerCounters[name]++ }

// revertSelector computes the 4-byte custom-error selector the way the
// Infernet error table does, for crafting a canned revert in tests.
func revertSelector(signature string) []byte {
	hash := crypto.Keccak256([]byte(signature))
	return hash[:4]
}

func newTestProcessor(coord Coordinator, checker WalletChecker, poller TxPoller, orch Runner) *Processor {
	return New(Config{}, poller, coord, nil, checker, orch, newStubStore(), fixedLookup{containers: []string{"c1"}}, nil)
}

// TestCallbackInfernetErrorStopsTracking is the callback Infernet-error
// scenario: a period=0 subscription whose dry-run simulation reverts with
// NodeRespondedAlready is untracked rather than retried.
func TestCallbackInfernetErrorStopsTracking(t *testing.T) {
	now := uint32(time.Now().Unix())
	sub := subscription.New(7, common.Address{1}, now-100, 0, 1, 1, [32]byte{}, false, common.Address{}, nil, common.Address{}, common.Address{})

	coord := &stubCoordinator{
		getSubscriptionByID: func(ctx context.Context, id uint32, block *big.Int) (*subscription.Subscription, error) {
			return subscription.New(id, sub.Owner, sub.ActiveAt, sub.Period, sub.Frequency, sub.Redundancy, sub.ContainersHash, sub.Lazy, sub.Verifier, sub.PaymentAmount, sub.PaymentToken, sub.Wallet), nil
		},
		getSubscriptionResponseCount: func(ctx context.Context, id, interval uint32, block *big.Int) (uint16, error) {
			return 0, nil
		},
		simulateDeliverCompute: func(ctx context.Context, from common.Address, p chain.DeliverComputeParams) error {
			return chain.NewRevertError(revertSelector("NodeRespondedAlready()"), "execution reverted")
		},
	}

	p := newTestProcessor(coord, &stubWalletChecker{}, &stubTxPoller{}, &stubRunner{})
	p.subscriptions[7] = sub

	p.evaluateOne(context.Background(), sub, nil, "", nil, now)

	if _, tracked := p.subscriptions[7]; tracked {
		t.Fatal("expected subscription 7 to be untracked after a callback Infernet error")
	}
}

func TestTrack_SubscriptionCreated_InsertsByID(t *testing.T) {
	p := newTestProcessor(&stubCoordinator{}, &stubWalletChecker{}, &stubTxPoller{}, &stubRunner{})
	sub := subscription.New(42, common.Address{9}, 0, 10, 2, 1, [32]byte{}, false, common.Address{}, nil, common.Address{}, common.Address{})

	if err := p.Track(message.NewSubscriptionCreated(sub)); err != nil {
		t.Fatalf("Track: %v", err)
	}
	if p.subscriptions[42] != sub {
		t.Fatal("expected subscription to be tracked under its id")
	}
}

func TestReservePending_AtMostOnePerKey(t *testing.T) {
	p := newTestProcessor(&stubCoordinator{}, &stubWalletChecker{}, &stubTxPoller{}, &stubRunner{})

	if !p.reservePending("7-1") {
		t.Fatal("first reservation should succeed")
	}
	if p.reservePending("7-1") {
		t.Fatal("second reservation for the same key must fail")
	}
}

func TestMaxRetries_EvictsAfterThreeFailures(t *testing.T) {
	p := newTestProcessor(&stubCoordinator{}, &stubWalletChecker{}, &stubTxPoller{}, &stubRunner{})
	key := "7-1"
	p.reservePending(key)

	for i := 0; i < 3; i++ {
		p.recordAttemptFailure(key)
	}

	stop, _ := p.stopIfMaxRetriesReached(key)
	if !stop {
		t.Fatal("expected max-retries gate to fire after 3 consecutive failures")
	}
	p.attemptsLock.Lock()
	_, stillPending := p.pending[key]
	_, stillAttempting := p.attempts[key]
	p.attemptsLock.Unlock()
	if stillPending || stillAttempting {
		t.Fatal("expected pending and attempts entries cleared on max-retries eviction")
	}
}

// TestRunPipeline_RecordsStoreAndContainerCounters drives a full successful
// delivery through runPipeline and prunePending, checking that the on-chain
// pipeline marks the job running exactly once, bumps the run container's
// counter, and closes the record out as succeeded only once the submitted
// tx's receipt confirms.
func TestRunPipeline_RecordsStoreAndContainerCounters(t *testing.T) {
	now := uint32(time.Now().Unix())
	sub := subscription.New(11, common.Address{4}, now-10, 100, 1, 1, [32]byte{}, false, common.Address{}, nil, common.Address{}, common.Address{})
	tx := types.NewTransaction(0, common.Address{}, big.NewInt(0), 0, big.NewInt(0), nil)

	coord := &stubCoordinator{
		getContainerInputs: func(ctx context.Context, id, interval, now uint32, caller common.Address) ([]byte, error) {
			return []byte("input"), nil
		},
		simulateDeliverCompute: func(ctx context.Context, from common.Address, p chain.DeliverComputeParams) error {
			return nil
		},
		deliverCompute: func(ctx context.Context, wallet *chain.Wallet, p chain.DeliverComputeParams) (*types.Transaction, error) {
			return tx, nil
		},
	}
	poller := &stubTxPoller{
		getTxSuccessWithRetries: func(ctx context.Context, txh common.Hash, retries int, sleepMS time.Duration) (bool, bool) {
			return true, true
		},
	}
	orch := &stubRunner{results: []orchestrator.ContainerResult{{Container: "c1", Output: map[string]interface{}{"ok": true}}}}
	st := newStubStore()
	p := New(Config{}, poller, coord, nil, &stubWalletChecker{}, orch, st, fixedLookup{containers: []string{"c1"}}, discardLogger())

	interval, err := sub.Interval(now)
	if err != nil {
		t.Fatalf("interval: %v", err)
	}
	key := sub.Key(interval)

	p.runPipeline(context.Background(), sub, nil, "", nil, interval, key, now, []string{"c1"})

	if st.running != 1 {
		t.Fatalf("expected 1 running record, got %d", st.running)
	}
	if st.containerCounters["c1"] != 1 {
		t.Fatalf("expected container counter c1 incremented once, got %d", st.containerCounters["c1"])
	}
	if st.succeeded != 0 {
		t.Fatalf("expected no succeeded record before receipt confirmation, got %d", st.succeeded)
	}

	p.prunePending(context.Background())

	if st.succeeded != 1 {
		t.Fatalf("expected 1 succeeded record after receipt confirmation, got %d", st.succeeded)
	}
}

// TestStopIfOwnerCantPay_RejectsUnmetContainerMinimums checks that a
// subscription offering a nonzero payment is stopped when the checker
// reports its amount doesn't cover the resolved containers' minimums, even
// though the wallet itself is valid and funded.
func TestStopIfOwnerCantPay_RejectsUnmetContainerMinimums(t *testing.T) {
	sub := subscription.New(12, common.Address{5}, 0, 100, 1, 1, [32]byte{}, false, common.Address{}, big.NewInt(1), common.Address{9}, common.Address{6})

	checker := &stubWalletChecker{
		isValidWallet:    func(ctx context.Context, addr common.Address) (bool, error) { return true, nil },
		hasEnoughBalance: func(ctx context.Context, wallet, token common.Address, amount *big.Int) (bool, error) { return true, nil },
		matchesPaymentRequirements: func(token common.Address, amount *big.Int, containers []string) bool {
			return false
		},
	}
	p := newTestProcessor(&stubCoordinator{}, checker, &stubTxPoller{}, &stubRunner{})

	stop, reason := p.stopIfOwnerCantPay(context.Background(), sub, []string{"c1"})
	if !stop {
		t.Fatal("expected owner-can-pay gate to stop tracking when payment requirements are unmet")
	}
	if reason == "" {
		t.Fatal("expected a non-empty stop reason")
	}
}

func TestTrackDelegatedSubscription_SignerMismatchIsDropped(t *testing.T) {
	chainID := big.NewInt(1)
	registry := common.Address{2}
	owner := common.Address{3}

	sub := subscription.New(subscription.UnassignedID, owner, 0, 10, 2, 1, [32]byte{}, false, common.Address{}, big.NewInt(0), common.Address{}, common.Address{})
	ser := subscription.Serialize(sub)

	coord := &stubCoordinator{
		getExistingDelegateSubscription: func(ctx context.Context, owner common.Address, nonce uint32, sig []byte, block *big.Int) (bool, uint32, error) {
			return false, 0, nil
		},
		getDelegatedSigner: func(ctx context.Context, owner common.Address, block *big.Int) (common.Address, error) {
			return common.Address{99}, nil // never matches a recovered signer
		},
	}
	p := &Processor{
		cfg:                   Config{ChainID: chainID, RegistryAddr: registry},
		coord:                 coord,
		store:                 newStubStore(),
		lookup:                fixedLookup{containers: []string{"c1"}},
		subscriptions:         make(map[uint32]*subscription.Subscription),
		delegateSubscriptions: make(map[string]*delegateEntry),
		pending:               make(map[string]string),
		attempts:              make(map[string]uint8),
		logger:                discardLogger(),
	}

	// A well-formed signature by an unrelated key recovers to some address
	// other than the configured delegated signer.
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := crypto.Sign(crypto.Keccak256([]byte("unrelated payload")), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	msg := message.NewDelegatedSubscription(*ser, 1, uint32(time.Now().Unix())+3600, sig, nil)

	err = p.trackDelegatedSubscription(context.Background(), msg.DelegatedSubscription)
	if err == nil || !strings.Contains(err.Error(), "signer mismatch") {
		t.Fatalf("expected a signer mismatch to be reported as an error, got %v", err)
	}
	if len(p.delegateSubscriptions) != 0 {
		t.Fatal("a mismatched delegated subscription must not be tracked")
	}
}
