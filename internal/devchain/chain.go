// Package devchain is an in-memory ledger that hosts multi-owner accounts
// and answers the subset of JSON-RPC the ledger client uses. It is meant for
// local setups and tests.
package devchain

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/safecoord/safecoord/internal/ledger"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/safecoord/safecoord/internal/signature"
	"github.com/safecoord/safecoord/internal/txbuilder"
)

const (
	// DefaultChainID is used when no chain ID is configured.
	DefaultChainID = 1337
	// DefaultEstimateGas is reported by eth_estimateGas for accepted calls.
	DefaultEstimateGas = 100_000
	// DefaultVersion is the contract version of accounts deployed without one.
	DefaultVersion = "1.3.0"
)

// accountCode is the placeholder runtime code reported for deployed accounts.
var accountCode = []byte{0x60, 0x80, 0x60, 0x40, 0x52}

// RevertError is returned when a call would revert. Reason follows the
// contract's short error codes (GS0xx).
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return "execution reverted: " + e.Reason
}

type safeAccount struct {
	owners    []common.Address
	threshold uint64
	nonce     uint64
	version   string
	approved  map[common.Address]map[common.Hash]bool
}

func (a *safeAccount) isOwner(addr common.Address) bool {
	for _, o := range a.owners {
		if o == addr {
			return true
		}
	}
	return false
}

// Chain holds the ledger state. Every accepted transaction is mined into its
// own block immediately.
type Chain struct {
	mu       sync.RWMutex
	chainID  uint64
	blockNum uint64
	accounts map[common.Address]*safeAccount
	senders  map[common.Address]uint64
	logs     []types.Log
	receipts *ReceiptStore
	failing  map[common.Address]bool
	hold     bool
	logger   log.Logger
}

// NewChain returns an empty chain. A zero chainID selects DefaultChainID.
func NewChain(chainID uint64, logger log.Logger) *Chain {
	if chainID == 0 {
		chainID = DefaultChainID
	}
	if logger == nil {
		logger = log.Root()
	}
	return &Chain{
		chainID:  chainID,
		accounts: make(map[common.Address]*safeAccount),
		senders:  make(map[common.Address]uint64),
		receipts: NewReceiptStore(),
		failing:  make(map[common.Address]bool),
		logger:   logger.With("component", "devchain"),
	}
}

// ChainID returns the chain identifier.
func (c *Chain) ChainID() uint64 {
	return c.chainID
}

// BlockNumber returns the height of the latest block.
func (c *Chain) BlockNumber() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blockNum
}

// Deploy places a multi-owner account at addr.
func (c *Chain) Deploy(addr common.Address, state protocol.AccountState) error {
	if state.Version == "" {
		state.Version = DefaultVersion
	}
	acc, err := protocol.NewAccount(addr, state)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.accounts[addr]; ok {
		return fmt.Errorf("account %s already deployed", addr.Hex())
	}
	c.accounts[addr] = &safeAccount{
		owners:    acc.Owners,
		threshold: acc.Threshold,
		nonce:     acc.Nonce,
		version:   acc.Version,
		approved:  make(map[common.Address]map[common.Hash]bool),
	}
	c.logger.Info("Account deployed", "account", addr, "owners", len(acc.Owners), "threshold", acc.Threshold, "version", acc.Version)
	return nil
}

// Account returns the current state of the account at addr.
func (c *Chain) Account(addr common.Address) (protocol.Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.accounts[addr]
	if !ok {
		return protocol.Account{}, false
	}
	return a.snapshot(addr), true
}

// FailCallsTo makes every execution targeting target fail its inner call.
func (c *Chain) FailCallsTo(target common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[target] = true
}

// HoldReceipts makes accepted transactions invisible to receipt queries
// until released, simulating a broadcast whose outcome is not yet known.
func (c *Chain) HoldReceipts(hold bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = hold
}

// Code returns the runtime code at addr.
func (c *Chain) Code(addr common.Address) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.accounts[addr]; ok {
		return append([]byte(nil), accountCode...)
	}
	return nil
}

// SenderNonce returns the next transaction nonce of an externally owned sender.
func (c *Chain) SenderNonce(addr common.Address) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.senders[addr]
}

// Call runs a read-only call against to. Execution calls are checked but not
// applied.
func (c *Chain) Call(from, to common.Address, data []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	acc, ok := c.accounts[to]
	if !ok {
		return nil, nil
	}
	method, args, err := decodeInput(data)
	if err != nil {
		return nil, err
	}

	switch method.Name {
	case "getOwners":
		return method.Outputs.Pack(append([]common.Address(nil), acc.owners...))
	case "getThreshold":
		return method.Outputs.Pack(new(big.Int).SetUint64(acc.threshold))
	case "nonce":
		return method.Outputs.Pack(new(big.Int).SetUint64(acc.nonce))
	case "VERSION":
		return method.Outputs.Pack(acc.version)
	case "approvedHashes":
		owner := args[0].(common.Address)
		hash := common.Hash(args[1].([32]byte))
		approved := big.NewInt(0)
		if acc.approved[owner][hash] {
			approved.SetUint64(1)
		}
		return method.Outputs.Pack(approved)
	case "execTransaction":
		if _, _, err := c.checkExecution(to, acc, from, args); err != nil {
			return nil, err
		}
		return method.Outputs.Pack(true)
	case "approveHash":
		if !acc.isOwner(from) {
			return nil, &RevertError{Reason: "GS030"}
		}
		return nil, nil
	}
	return nil, &RevertError{Reason: "unsupported method " + method.Name}
}

// Estimate returns the gas a transaction would use, or the revert it hits.
func (c *Chain) Estimate(from, to common.Address, data []byte) (uint64, error) {
	if _, err := c.Call(from, to, data); err != nil {
		return 0, err
	}
	return DefaultEstimateGas, nil
}

// SendTransaction applies a signed transaction and mines it.
func (c *Chain) SendTransaction(tx *types.Transaction) (common.Hash, error) {
	if tx.Protected() && tx.ChainId().Uint64() != c.chainID {
		return common.Hash{}, fmt.Errorf("invalid chain id %s", tx.ChainId())
	}
	from, err := types.Sender(types.LatestSignerForChainID(new(big.Int).SetUint64(c.chainID)), tx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid sender: %v", err)
	}
	if tx.To() == nil {
		return common.Hash{}, fmt.Errorf("contract creation not supported")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if want := c.senders[from]; tx.Nonce() != want {
		return common.Hash{}, fmt.Errorf("nonce mismatch: have %d, want %d", tx.Nonce(), want)
	}
	c.senders[from]++
	c.blockNum++

	receipt := &types.Receipt{
		Type:              types.LegacyTxType,
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: DefaultEstimateGas,
		GasUsed:           DefaultEstimateGas,
		EffectiveGasPrice: tx.GasPrice(),
		TxHash:            tx.Hash(),
		BlockHash:         common.BigToHash(new(big.Int).SetUint64(c.blockNum)),
		BlockNumber:       new(big.Int).SetUint64(c.blockNum),
		Logs:              []*types.Log{},
	}

	to := *tx.To()
	if err := c.apply(from, to, tx.Data(), receipt); err != nil {
		receipt.Status = types.ReceiptStatusFailed
		receipt.Logs = []*types.Log{}
		c.logger.Info("Transaction reverted", "tx", tx.Hash(), "from", from, "to", to, "err", err)
	}
	for _, l := range receipt.Logs {
		c.logs = append(c.logs, *l)
	}
	if !c.hold {
		c.receipts.AddReceipt(receipt)
	} else {
		c.receipts.Hold(receipt)
	}
	return tx.Hash(), nil
}

// ReleaseReceipts publishes receipts held back by HoldReceipts.
func (c *Chain) ReleaseReceipts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hold = false
	c.receipts.Release()
}

// Receipt returns the receipt of a mined transaction, or nil.
func (c *Chain) Receipt(hash common.Hash) *types.Receipt {
	return c.receipts.GetReceipt(hash)
}

// Logs returns the logs emitted by addresses whose first topic is one of
// topics. Empty filters match everything.
func (c *Chain) Logs(addresses []common.Address, topics []common.Hash) []types.Log {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []types.Log
	for _, l := range c.logs {
		if len(addresses) > 0 && !containsAddress(addresses, l.Address) {
			continue
		}
		if len(topics) > 0 && (len(l.Topics) == 0 || !containsHash(topics, l.Topics[0])) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// apply executes a call to an account. Caller must hold c.mu.
func (c *Chain) apply(from, to common.Address, data []byte, receipt *types.Receipt) error {
	acc, ok := c.accounts[to]
	if !ok {
		return nil
	}
	method, args, err := decodeInput(data)
	if err != nil {
		return err
	}

	switch method.Name {
	case "approveHash":
		if !acc.isOwner(from) {
			return &RevertError{Reason: "GS030"}
		}
		hash := common.Hash(args[0].([32]byte))
		if acc.approved[from] == nil {
			acc.approved[from] = make(map[common.Hash]bool)
		}
		acc.approved[from][hash] = true
		c.logger.Info("Hash approved", "account", to, "owner", from, "hash", hash)
		return nil

	case "execTransaction":
		desc, hash, err := c.checkExecution(to, acc, from, args)
		if err != nil {
			return err
		}
		topic := ledger.SafeABI.Events["ExecutionSuccess"].ID
		if c.failing[desc.To] {
			if desc.Gas.SafeTxGas.IsZero() && desc.Gas.GasPrice.IsZero() {
				return &RevertError{Reason: "GS013"}
			}
			topic = ledger.SafeABI.Events["ExecutionFailure"].ID
		}
		acc.nonce++
		payload := make([]byte, 64)
		copy(payload, hash.Bytes())
		receipt.Logs = append(receipt.Logs, &types.Log{
			Address:     to,
			Topics:      []common.Hash{topic},
			Data:        payload,
			BlockNumber: receipt.BlockNumber.Uint64(),
			TxHash:      receipt.TxHash,
			BlockHash:   receipt.BlockHash,
			Index:       uint(len(c.logs)),
		})
		c.logger.Info("Execution applied", "account", to, "hash", hash, "nonce", desc.Nonce, "success", topic == ledger.SafeABI.Events["ExecutionSuccess"].ID)
		return nil
	}
	return &RevertError{Reason: "unsupported method " + method.Name}
}

// checkExecution rebuilds the descriptor from execTransaction arguments and
// verifies the signature blob against the account's current nonce.
func (c *Chain) checkExecution(addr common.Address, acc *safeAccount, sender common.Address, args []interface{}) (*protocol.TransactionDescriptor, common.Hash, error) {
	desc := &protocol.TransactionDescriptor{
		To:        args[0].(common.Address),
		Value:     uint256.MustFromBig(args[1].(*big.Int)),
		Data:      args[2].([]byte),
		Operation: protocol.Operation(args[3].(uint8)),
		Gas: protocol.GasParams{
			SafeTxGas:      uint256.MustFromBig(args[4].(*big.Int)),
			BaseGas:        uint256.MustFromBig(args[5].(*big.Int)),
			GasPrice:       uint256.MustFromBig(args[6].(*big.Int)),
			GasToken:       args[7].(common.Address),
			RefundReceiver: args[8].(common.Address),
		},
		Nonce: acc.nonce,
	}
	blob := args[9].([]byte)

	hash, err := txbuilder.HashOf(protocol.Network{ChainID: c.chainID}, acc.snapshot(addr), desc)
	if err != nil {
		return nil, common.Hash{}, &RevertError{Reason: err.Error()}
	}

	payloads, err := signature.SplitBlob(blob)
	if err != nil || uint64(len(payloads)) < acc.threshold {
		return nil, common.Hash{}, &RevertError{Reason: "GS020"}
	}

	var last common.Address
	for i := uint64(0); i < acc.threshold; i++ {
		payload := payloads[i]
		var owner common.Address
		switch v := payload[64]; {
		case v == 1:
			owner = common.BytesToAddress(payload[12:32])
			if sender != owner && !acc.approved[owner][hash] {
				return nil, common.Hash{}, &RevertError{Reason: "GS025"}
			}
		case v == 0:
			return nil, common.Hash{}, &RevertError{Reason: "GS021"}
		default:
			owner, err = signature.Recover(hash, payload)
			if err != nil {
				return nil, common.Hash{}, &RevertError{Reason: "GS026"}
			}
		}
		if owner.Big().Cmp(last.Big()) <= 0 || !acc.isOwner(owner) {
			return nil, common.Hash{}, &RevertError{Reason: "GS026"}
		}
		last = owner
	}
	return desc, hash, nil
}

func (a *safeAccount) snapshot(addr common.Address) protocol.Account {
	return protocol.Account{
		Address:   addr,
		Owners:    append([]common.Address(nil), a.owners...),
		Threshold: a.threshold,
		Nonce:     a.nonce,
		Version:   a.version,
	}
}

func decodeInput(data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, &RevertError{Reason: "missing selector"}
	}
	m, err := ledger.SafeABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, &RevertError{Reason: "unknown selector"}
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, &RevertError{Reason: "malformed arguments"}
	}
	return m, args, nil
}

func containsAddress(list []common.Address, a common.Address) bool {
	for _, x := range list {
		if x == a {
			return true
		}
	}
	return false
}

func containsHash(list []common.Hash, h common.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}
