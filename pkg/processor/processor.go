// Package processor implements the Chain Processor: the scheduler that
// turns tracked on-chain and delegated subscriptions into delivered
// container results, gated by a fixed sequence of eligibility checks and
// serialized against the node's single signing wallet.
package processor

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/coriumlabs/compute-node/pkg/asynctask"
	"github.com/coriumlabs/compute-node/pkg/chain"
	"github.com/coriumlabs/compute-node/pkg/message"
	"github.com/coriumlabs/compute-node/pkg/orchestrator"
	"github.com/coriumlabs/compute-node/pkg/store"
	"github.com/coriumlabs/compute-node/pkg/subscription"
)

// onchainStoreKey is the Data Store key the on-chain pipeline runs under:
// an empty key, which the store treats as "no per-job record, count only".
const onchainStoreKey = ""

// blocked is the pending-slot sentinel for "pipeline running, no tx yet".
const blocked = "BLOCKED"

const maxAttempts uint8 = 3

// simulation retry pacing, per delivery attempt.
const (
	simulateRetries = 3
	simulateSleep   = 500 * time.Millisecond
)

// receipt-poll pacing used by the pending-tx pruner.
const (
	receiptRetries = 10
	receiptSleep   = 200 * time.Millisecond
)

// Runner is the subset of the orchestrator the processor drives to turn a
// subscription's container inputs into a deliverable result.
type Runner interface {
	ProcessChainProcessorJob(ctx context.Context, jobID string, jobInput interface{}, source, destination string, containers []string, requiresProof bool) ([]orchestrator.ContainerResult, error)
}

// Coordinator is the subset of chain.Coordinator the processor reads and
// delivers through, isolated behind an interface so the gate sequence and
// delivery pipeline can be tested without a live RPC endpoint.
type Coordinator interface {
	GetSubscriptionByID(ctx context.Context, id uint32, block *big.Int) (*subscription.Subscription, error)
	GetSubscriptionResponseCount(ctx context.Context, id, interval uint32, block *big.Int) (uint16, error)
	GetExistingDelegateSubscription(ctx context.Context, owner common.Address, nonce uint32, sig []byte, block *big.Int) (exists bool, id uint32, err error)
	GetDelegatedSigner(ctx context.Context, owner common.Address, block *big.Int) (common.Address, error)
	GetContainerInputs(ctx context.Context, id, interval, now uint32, caller common.Address) ([]byte, error)
	SimulateDeliverCompute(ctx context.Context, from common.Address, p chain.DeliverComputeParams) error
	SimulateDeliverComputeDelegatee(ctx context.Context, from common.Address, p chain.DeliverComputeDelegateeParams) error
	DeliverCompute(ctx context.Context, wallet *chain.Wallet, p chain.DeliverComputeParams) (*types.Transaction, error)
	DeliverComputeDelegatee(ctx context.Context, wallet *chain.Wallet, p chain.DeliverComputeDelegateeParams) (*types.Transaction, error)
}

// WalletChecker is the subset of chain.WalletChecker the owner-can-pay gate
// needs.
type WalletChecker interface {
	IsValidWallet(ctx context.Context, addr common.Address) (bool, error)
	HasEnoughBalance(ctx context.Context, wallet, token common.Address, amount *big.Int) (bool, error)
	MatchesPaymentRequirements(token common.Address, amount *big.Int, containers []string) bool
}

// TxPoller is the subset of chain.RPC the pending-tx pruner needs.
type TxPoller interface {
	GetTxSuccessWithRetries(ctx context.Context, tx common.Hash, retries int, sleepMS time.Duration) (found, success bool)
}

// Store is the subset of the Data Store the on-chain pipeline drives: job
// status tracking (for the on-chain pending gauge) and per-container run
// counts.
type Store interface {
	SetRunning(ctx context.Context, key string, rec store.Record) error
	SetSuccess(ctx context.Context, key string, results interface{}) error
	SetFailed(ctx context.Context, key string, results interface{}) error
	IncrementContainerCounter(name string)
}

// Config bounds the processor's tick and delivery behavior.
type Config struct {
	TickPeriod      time.Duration
	ChainID         *big.Int
	RegistryAddr    common.Address
	NodeWallet      common.Address
	MaxGasLimit     uint64
	AllowedSimErrors []string
}

// delegateEntry is the tracked state for one (owner, nonce) delegated
// subscription awaiting either a pipeline run or discovery of its minted id.
type delegateEntry struct {
	sub       *subscription.Subscription
	signature []byte
	nonce     uint32
	expiry    uint32
	extraData []byte
}

// Processor is the Chain Processor: tracks subscriptions, evaluates the
// eviction gates, and runs the deliver pipeline for eligible tuples.
type Processor struct {
	cfg     Config
	rpc     TxPoller
	coord   Coordinator
	wallet  *chain.Wallet
	checker WalletChecker
	orch    Runner
	store   Store
	lookup  subscription.ContainerLookup
	logger  *log.Logger

	task *asynctask.Task

	mu                    sync.Mutex
	subscriptions         map[uint32]*subscription.Subscription
	delegateSubscriptions map[string]*delegateEntry

	attemptsLock sync.Mutex
	pending      map[string]string
	attempts     map[string]uint8
}

// New builds a Processor. lookup resolves a tracked subscription's
// containers hash to container IDs each time it is evaluated. st records the on-chain
// pipeline's job status and container-run counts into the Data Store.
func New(cfg Config, rpc TxPoller, coord Coordinator, wallet *chain.Wallet, checker WalletChecker,
	orch Runner, st Store, lookup subscription.ContainerLookup, logger *log.Logger) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[Processor] ", log.LstdFlags)
	}
	p := &Processor{
		cfg: cfg, rpc: rpc, coord: coord, wallet: wallet, checker: checker, orch: orch, store: st, lookup: lookup, logger: logger,
		subscriptions:         make(map[uint32]*subscription.Subscription),
		delegateSubscriptions: make(map[string]*delegateEntry),
		pending:               make(map[string]string),
		attempts:              make(map[string]uint8),
	}
	p.task = asynctask.New("processor", p.runForever, logger)
	return p
}

// Start launches the processor's periodic tick loop.
func (p *Processor) Start(ctx context.Context) { p.task.Start(ctx) }

// Stop halts the tick loop and waits for it to exit.
func (p *Processor) Stop() { p.task.Stop() }

func delegateKey(owner common.Address, nonce uint32) string {
	return fmt.Sprintf("%s-%d", owner.Hex(), nonce)
}

// Track ingests one listener/guardian message, satisfying listener.Tracker.
func (p *Processor) Track(msg message.Message) error {
	switch msg.Kind {
	case message.KindSubscriptionCreated:
		return p.trackSubscriptionCreated(msg.SubscriptionCreated)
	case message.KindDelegatedSubscription:
		return p.trackDelegatedSubscription(context.Background(), msg.DelegatedSubscription)
	case message.KindOffchainJob:
		// Off-chain jobs never touch the chain tracking state; the REST
		// surface drives the orchestrator directly.
		return nil
	default:
		return fmt.Errorf("processor: unknown message kind %d", msg.Kind)
	}
}

func (p *Processor) trackSubscriptionCreated(m *message.SubscriptionCreated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions[m.Subscription.ID] = m.Subscription
	return nil
}

// trackDelegatedSubscription asks the coordinator whether (owner, nonce)
// already minted an on-chain id. If so, any pending/attempts state under
// the delegated key is evicted so the numeric tracker can re-run the tuple
// from scratch. If not, the signature is verified against the owner's
// configured delegated signer before the subscription is tracked.
func (p *Processor) trackDelegatedSubscription(ctx context.Context, m *message.DelegatedSubscription) error {
	sub := m.Serialized.Deserialize(p.lookup)
	key := delegateKey(sub.Owner, m.Nonce)

	exists, id, err := p.coord.GetExistingDelegateSubscription(ctx, sub.Owner, m.Nonce, m.Signature, nil)
	if err != nil {
		return fmt.Errorf("processor: existing delegate subscription check: %w", err)
	}
	if exists {
		p.evictPendingForDelegate(key, id)
		return nil
	}

	signer, err := chain.RecoverDelegateeSigner(p.cfg.ChainID, p.cfg.RegistryAddr, sub, m.Nonce, m.Expiry, m.Signature)
	if err != nil {
		p.logger.Printf("delegated subscription %s: recover signer: %v", key, err)
		return err
	}
	configured, err := p.coord.GetDelegatedSigner(ctx, sub.Owner, nil)
	if err != nil {
		return fmt.Errorf("processor: delegated signer lookup for %s: %w", sub.Owner.Hex(), err)
	}
	if signer != configured {
		p.logger.Printf("delegated subscription %s: signer mismatch, dropping", key)
		return fmt.Errorf("processor: delegated subscription %s: signer mismatch", key)
	}

	p.mu.Lock()
	p.delegateSubscriptions[key] = &delegateEntry{sub: sub, signature: m.Signature, nonce: m.Nonce, expiry: m.Expiry, extraData: m.ExtraData}
	p.mu.Unlock()
	return nil
}

// evictPendingForDelegate clears any pending/attempts entries recorded
// under the delegated "owner-nonce" key once the subscription has been
// minted an on-chain id, and drops the delegated tracking entry itself:
// the numeric tracker now owns the tuple's lifecycle.
func (p *Processor) evictPendingForDelegate(key string, id uint32) {
	p.mu.Lock()
	delete(p.delegateSubscriptions, key)
	p.mu.Unlock()

	p.attemptsLock.Lock()
	delete(p.pending, key)
	delete(p.attempts, key)
	p.attemptsLock.Unlock()

	p.logger.Printf("delegated subscription %s minted as id %d, evicted local tracking", key, id)
}

// runForever ticks the gate evaluation and pruner on cfg.TickPeriod.
func (p *Processor) runForever(ctx context.Context, stopCh <-chan struct{}) {
	period := p.cfg.TickPeriod
	if period <= 0 {
		period = 5 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prunePending(ctx)
			p.evaluateAll(ctx)
		}
	}
}

// evaluateAll walks every tracked numeric and delegated subscription and
// runs it through the gate sequence for its current interval.
func (p *Processor) evaluateAll(ctx context.Context) {
	now := uint32(time.Now().Unix())

	p.mu.Lock()
	subs := make([]*subscription.Subscription, 0, len(p.subscriptions))
	for _, s := range p.subscriptions {
		subs = append(subs, s)
	}
	delegates := make(map[string]*delegateEntry, len(p.delegateSubscriptions))
	for k, d := range p.delegateSubscriptions {
		delegates[k] = d
	}
	p.mu.Unlock()

	for _, sub := range subs {
		p.evaluateOne(ctx, sub, nil, "", nil, now)
	}
	for key, entry := range delegates {
		p.evaluateOne(ctx, entry.sub, entry.signature, key, entry, now)
	}
}

// evaluateOne runs one subscription's interval through the gate sequence
// and, if every gate passes, runs the delivery pipeline. delegateKey is
// empty for a regularly-tracked (numeric id) subscription.
func (p *Processor) evaluateOne(ctx context.Context, sub *subscription.Subscription, signature []byte, delegateKey string, entry *delegateEntry, now uint32) {
	interval, err := sub.Interval(now)
	if err != nil {
		return
	}
	key := sub.Key(interval)
	if delegateKey != "" {
		key = delegateKey
	}
	containers := p.lookup.Get(sub.ContainersHash)

	stop, reason := p.evictionGate(ctx, sub, signature, entry, interval, key, now, containers)
	if stop {
		if reason != "" {
			p.logger.Printf("%s: stopping tracking: %s", key, reason)
		}
		p.untrack(sub, delegateKey)
		return
	}

	p.runPipeline(ctx, sub, signature, delegateKey, entry, interval, key, now, containers)
}

// evictionGate runs the six ordered gates, short-circuiting on the first
// that reports true.
func (p *Processor) evictionGate(ctx context.Context, sub *subscription.Subscription, signature []byte, entry *delegateEntry, interval uint32, key string, now uint32, containers []string) (stop bool, reason string) {
	if ok, why := p.stopIfOwnerCantPay(ctx, sub, containers); ok {
		return true, why
	}
	if ok, why := p.stopIfCancelled(ctx, sub); ok {
		return true, why
	}
	if ok, why := p.stopIfCompleted(ctx, sub, interval, now); ok {
		return true, why
	}
	if ok, why := p.stopIfMaxRetriesReached(key); ok {
		return true, why
	}
	if sub.PastLastInterval(interval) {
		return true, "missed deadline"
	}
	if ok, why := p.stopIfInfernetErrorsInSimulation(ctx, sub, signature, entry, interval); ok {
		return true, why
	}
	return false, ""
}

// stopIfOwnerCantPay applies only to on-chain subscriptions that carry a
// payment: the node declines to chase a delivery it can't get paid for.
func (p *Processor) stopIfOwnerCantPay(ctx context.Context, sub *subscription.Subscription, containers []string) (bool, string) {
	if !sub.ProvidesPayment() {
		return false, ""
	}
	valid, err := p.checker.IsValidWallet(ctx, sub.Wallet)
	if err != nil {
		p.logger.Printf("subscription %d: wallet validity check failed: %v", sub.ID, err)
		return false, ""
	}
	if !valid {
		return true, "payment wallet is not factory-minted"
	}
	enough, err := p.checker.HasEnoughBalance(ctx, sub.Wallet, sub.PaymentToken, sub.PaymentAmount)
	if err != nil {
		p.logger.Printf("subscription %d: balance check failed: %v", sub.ID, err)
		return false, ""
	}
	if !enough {
		return true, "payment wallet balance below payment_amount"
	}
	if !p.checker.MatchesPaymentRequirements(sub.PaymentToken, sub.PaymentAmount, containers) {
		return true, "payment_amount does not cover containers' accepted payment minimums"
	}
	return false, ""
}

func (p *Processor) stopIfCancelled(ctx context.Context, sub *subscription.Subscription) (bool, string) {
	if sub.ID == subscription.UnassignedID {
		return false, ""
	}
	fresh, err := p.coord.GetSubscriptionByID(ctx, sub.ID, nil)
	if err != nil {
		p.logger.Printf("subscription %d: re-read for cancellation check failed: %v", sub.ID, err)
		return false, ""
	}
	if fresh.Cancelled() {
		return true, "cancelled on-chain"
	}
	return false, ""
}

func (p *Processor) stopIfCompleted(ctx context.Context, sub *subscription.Subscription, interval, now uint32) (bool, string) {
	if sub.ID == subscription.UnassignedID {
		return false, ""
	}
	count, err := p.coord.GetSubscriptionResponseCount(ctx, sub.ID, interval, nil)
	if err != nil {
		p.logger.Printf("subscription %d: response count re-read failed: %v", sub.ID, err)
		return false, ""
	}
	if err := sub.SetResponseCount(now, interval, count); err != nil {
		return false, ""
	}
	if sub.Completed(interval) {
		return true, "subscription completed"
	}
	return false, ""
}

func (p *Processor) stopIfMaxRetriesReached(key string) (bool, string) {
	p.attemptsLock.Lock()
	defer p.attemptsLock.Unlock()
	if p.attempts[key] >= maxAttempts {
		delete(p.attempts, key)
		delete(p.pending, key)
		return true, "max retries reached"
	}
	return false, ""
}

// stopIfInfernetErrorsInSimulation runs a dry delivery with empty
// (input, output, proof) for non-proof subscriptions, stopping tracking
// only when the revert is a known Infernet error on a callback
// subscription (period == 0). Recurring and proof-required subs never stop
// here: no delivery is attempted in this pass.
func (p *Processor) stopIfInfernetErrorsInSimulation(ctx context.Context, sub *subscription.Subscription, signature []byte, entry *delegateEntry, interval uint32) (bool, string) {
	if sub.RequiresProof() {
		return false, ""
	}
	var simErr error
	if sub.ID == subscription.UnassignedID {
		simErr = p.coord.SimulateDeliverComputeDelegatee(ctx, p.cfg.NodeWallet, chain.DeliverComputeDelegateeParams{
			Sub: sub, Nonce: entry.nonce, Expiry: entry.expiry, Signature: signature,
			Input: nil, Output: nil, Proof: nil, NodeWallet: p.cfg.NodeWallet,
		})
	} else {
		simErr = p.coord.SimulateDeliverCompute(ctx, p.cfg.NodeWallet, chain.DeliverComputeParams{
			ID: sub.ID, Interval: interval, Input: nil, Output: nil, Proof: nil, NodeWallet: p.cfg.NodeWallet,
		})
	}
	if simErr == nil {
		return false, ""
	}
	revertErr, ok := simErr.(*chain.RevertError)
	if !ok {
		return false, ""
	}
	infErr, known := chain.MatchInfernetError(revertErr.Data())
	if !known {
		return false, ""
	}
	if sub.Period != 0 {
		return false, ""
	}
	return true, infErr.Message
}

func (p *Processor) untrack(sub *subscription.Subscription, delegateKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if delegateKey != "" {
		delete(p.delegateSubscriptions, delegateKey)
		return
	}
	delete(p.subscriptions, sub.ID)
}

// runPipeline reserves the pending slot, marks the job running in the Data
// Store, runs the orchestrator to produce container output, serializes it,
// and delivers it on-chain. Every return path below either closes out the
// store's running record with a terminal SetFailed call, or (on successful
// submission) hands that off to prunePending once the tx's receipt lands.
func (p *Processor) runPipeline(ctx context.Context, sub *subscription.Subscription, signature []byte, delegateKey string, entry *delegateEntry, interval uint32, key string, now uint32, containers []string) {
	if !p.reservePending(key) {
		return // already running
	}
	if err := p.store.SetRunning(ctx, onchainStoreKey, store.Record{ID: key}); err != nil {
		p.logger.Printf("%s: set running: %v", key, err)
	}

	var containerInputs []byte
	if sub.ID != subscription.UnassignedID {
		var err error
		containerInputs, err = p.coord.GetContainerInputs(ctx, sub.ID, interval, now, p.cfg.NodeWallet)
		if err != nil {
			p.recordAttemptFailure(key)
			p.setStoreFailed(ctx, key, nil)
			return
		}
	} else if entry != nil {
		// Not yet minted an on-chain id: there is no on-chain container_inputs
		// to read, so the submitter's own extra_data stands in as job input.
		containerInputs = entry.extraData
	}

	if len(containers) == 0 {
		p.logger.Printf("%s: containers hash 0x%x resolves to no known container set", key, sub.ContainersHash)
		p.recordAttemptFailure(key)
		p.setStoreFailed(ctx, key, nil)
		return
	}

	results, err := p.orch.ProcessChainProcessorJob(ctx, key, containerInputs, orchestrator.SourceOnchain, orchestrator.DestOnchain, containers, sub.RequiresProof())
	for _, r := range results {
		p.store.IncrementContainerCounter(r.Container)
	}
	if err != nil {
		p.logger.Printf("%s: pipeline run failed: %v", key, err)
		p.recordAttemptFailure(key)
		p.setStoreFailed(ctx, key, results)
		return
	}
	if len(results) == 0 {
		p.recordAttemptFailure(key)
		p.setStoreFailed(ctx, key, results)
		return
	}

	payload, err := orchestrator.SerializeOutput(results[len(results)-1].Output)
	if err != nil {
		p.logger.Printf("%s: serialize output failed: %v", key, err)
		p.recordAttemptFailure(key)
		p.setStoreFailed(ctx, key, results)
		return
	}

	txHash, infErr, err := p.deliver(ctx, sub, signature, entry, interval, payload)
	if infErr != "" {
		p.logger.Printf("%s: infernet error on callback delivery, stopping: %s", key, infErr)
		p.clearPendingAttempts(key)
		p.untrack(sub, delegateKey)
		p.setStoreFailed(ctx, key, infErr)
		return
	}
	if err != nil {
		p.logger.Printf("%s: deliver failed: %v", key, err)
		p.recordAttemptFailure(key)
		p.setStoreFailed(ctx, key, nil)
		return
	}

	p.attemptsLock.Lock()
	p.pending[key] = txHash.Hex()
	p.attemptsLock.Unlock()
}

func (p *Processor) setStoreFailed(ctx context.Context, key string, results interface{}) {
	if err := p.store.SetFailed(ctx, onchainStoreKey, results); err != nil {
		p.logger.Printf("%s: set failed: %v", key, err)
	}
}

// reservePending sets pending[key] to the BLOCKED sentinel only if it is
// currently unset, enforcing at most one pending entry per tuple.
func (p *Processor) reservePending(key string) bool {
	p.attemptsLock.Lock()
	defer p.attemptsLock.Unlock()
	if _, exists := p.pending[key]; exists {
		return false
	}
	p.pending[key] = blocked
	return true
}

func (p *Processor) recordAttemptFailure(key string) {
	p.attemptsLock.Lock()
	defer p.attemptsLock.Unlock()
	p.attempts[key]++
	if p.attempts[key] < maxAttempts {
		delete(p.pending, key)
	}
}

func (p *Processor) clearPendingAttempts(key string) {
	p.attemptsLock.Lock()
	defer p.attemptsLock.Unlock()
	delete(p.pending, key)
	delete(p.attempts, key)
}

// deliver simulates then submits a delivery, making up to simulateRetries
// simulation attempts. A revert matching the configured allowed_sim_errors
// list is treated as a passed simulation and the delivery is submitted;
// submission still estimates gas itself, and Config.MaxGasLimit is not
// applied. infernetMessage is set (and err nil) when the
// revert is a known Infernet error stopping a callback subscription.
func (p *Processor) deliver(ctx context.Context, sub *subscription.Subscription, signature []byte, entry *delegateEntry, interval uint32, payload orchestrator.DeliveryPayload) (txHash common.Hash, infernetMessage string, err error) {
	delegated := entry != nil

	var simErr error
	for attempt := 0; attempt < simulateRetries; attempt++ {
		if delegated {
			simErr = p.coord.SimulateDeliverComputeDelegatee(ctx, p.cfg.NodeWallet, chain.DeliverComputeDelegateeParams{
				Sub: sub, Nonce: entry.nonce, Expiry: entry.expiry, Signature: signature,
				Input: payload.Input, Output: payload.Output, Proof: payload.Proof, NodeWallet: p.cfg.NodeWallet,
			})
		} else {
			simErr = p.coord.SimulateDeliverCompute(ctx, p.cfg.NodeWallet, chain.DeliverComputeParams{
				ID: sub.ID, Interval: interval, Input: payload.Input, Output: payload.Output, Proof: payload.Proof, NodeWallet: p.cfg.NodeWallet,
			})
		}
		if simErr == nil {
			break
		}
		if revertErr, ok := simErr.(*chain.RevertError); ok {
			if chain.MatchesAllowedSimError(revertErr.Error(), p.cfg.AllowedSimErrors) {
				simErr = nil
				break
			}
			if infErr, known := chain.MatchInfernetError(revertErr.Data()); known && sub.Period == 0 {
				return common.Hash{}, infErr.Message, nil
			}
		}
		if attempt < simulateRetries-1 {
			select {
			case <-ctx.Done():
				return common.Hash{}, "", ctx.Err()
			case <-time.After(simulateSleep):
			}
		}
	}
	if simErr != nil {
		return common.Hash{}, "", fmt.Errorf("processor: simulation failed after %d attempts: %w", simulateRetries, simErr)
	}

	if delegated {
		t, err := p.coord.DeliverComputeDelegatee(ctx, p.wallet, chain.DeliverComputeDelegateeParams{
			Sub: sub, Nonce: entry.nonce, Expiry: entry.expiry, Signature: signature,
			Input: payload.Input, Output: payload.Output, Proof: payload.Proof, NodeWallet: p.cfg.NodeWallet,
		})
		if err != nil {
			return common.Hash{}, "", fmt.Errorf("processor: submit deliverComputeDelegatee: %w", err)
		}
		return t.Hash(), "", nil
	}
	t, err := p.coord.DeliverCompute(ctx, p.wallet, chain.DeliverComputeParams{
		ID: sub.ID, Interval: interval, Input: payload.Input, Output: payload.Output, Proof: payload.Proof, NodeWallet: p.cfg.NodeWallet,
	})
	if err != nil {
		return common.Hash{}, "", fmt.Errorf("processor: submit deliverCompute: %w", err)
	}
	return t.Hash(), "", nil
}

// prunePending snapshots pending under the attempts lock, polls each
// non-BLOCKED entry's receipt, clears attempts on success, and on failure
// increments attempts and evicts the slot when retries remain.
func (p *Processor) prunePending(ctx context.Context) {
	p.attemptsLock.Lock()
	snapshot := make(map[string]string, len(p.pending))
	for k, v := range p.pending {
		if v != blocked {
			snapshot[k] = v
		}
	}
	p.attemptsLock.Unlock()

	for key, txHash := range snapshot {
		found, success := p.rpc.GetTxSuccessWithRetries(ctx, common.HexToHash(txHash), receiptRetries, receiptSleep)
		if !found {
			continue
		}

		p.attemptsLock.Lock()
		if success {
			delete(p.attempts, key)
			delete(p.pending, key)
		} else {
			p.attempts[key]++
			if p.attempts[key] < maxAttempts {
				delete(p.pending, key)
			}
		}
		p.attemptsLock.Unlock()

		if success {
			if err := p.store.SetSuccess(ctx, onchainStoreKey, txHash); err != nil {
				p.logger.Printf("%s: set success: %v", key, err)
			}
		} else {
			p.setStoreFailed(ctx, key, txHash)
		}
	}
}

var (
	_ Coordinator   = (*chain.Coordinator)(nil)
	_ WalletChecker = (*chain.WalletChecker)(nil)
	_ TxPoller      = (*chain.RPC)(nil)
	_ Store         = (*store.Store)(nil)
)
