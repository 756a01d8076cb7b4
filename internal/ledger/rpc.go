package ledger

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/safecoord/safecoord/internal/errors"
	"github.com/safecoord/safecoord/internal/network"
	"github.com/safecoord/safecoord/internal/protocol"
	"golang.org/x/sync/errgroup"
)

// ErrRejected is returned when the ledger node answered but refused the
// request, for example a transaction that would revert.
var ErrRejected = errors.Register(20, "ledger rejected request")

// approvalReadLimit bounds concurrent approvedHashes calls.
const approvalReadLimit = 8

// gasMarginPercent is added on top of the node's gas estimate.
const gasMarginPercent = 20

// Config holds the settings of a JSON-RPC ledger connection.
type Config struct {
	URL     string
	ChainID uint64
	HTTP    network.Config
	Query   network.Policy
	Poll    network.Policy
}

// RPCClient implements Client against an EVM JSON-RPC endpoint.
type RPCClient struct {
	eth      *ethclient.Client
	chainID  *big.Int
	executor *ecdsa.PrivateKey
	query    network.Policy
	poll     network.Policy
	logger   log.Logger
}

var _ Client = (*RPCClient)(nil)

// Dial connects to cfg.URL. The executor key pays for executions; it may be
// nil for read-only use. When cfg.ChainID is zero it is read from the node.
func Dial(ctx context.Context, cfg Config, executor *ecdsa.PrivateKey, logger log.Logger) (*RPCClient, error) {
	c, err := rpc.DialOptions(ctx, cfg.URL, rpc.WithHTTPClient(network.NewHTTPClient(cfg.HTTP)))
	if err != nil {
		return nil, errors.Wrapf(errors.ErrNetwork, "dial %s: %v", cfg.URL, err)
	}
	client := NewRPCClient(ethclient.NewClient(c), new(big.Int).SetUint64(cfg.ChainID), executor, logger)
	if cfg.Query.Attempts > 0 {
		client.query = cfg.Query
	}
	if cfg.Poll.Attempts > 0 {
		client.poll = cfg.Poll
	}

	if cfg.ChainID == 0 {
		var id *big.Int
		err := network.Retry(ctx, client.query, func() error {
			var err error
			id, err = client.eth.ChainID(ctx)
			return classify(err)
		})
		if err != nil {
			client.Close()
			return nil, errors.Wrap(err, "read chain id")
		}
		client.chainID = id
	}
	return client, nil
}

// NewRPCClient wraps an existing ethclient connection.
func NewRPCClient(eth *ethclient.Client, chainID *big.Int, executor *ecdsa.PrivateKey, logger log.Logger) *RPCClient {
	if logger == nil {
		logger = log.Root()
	}
	return &RPCClient{
		eth:      eth,
		chainID:  chainID,
		executor: executor,
		query:    network.QueryPolicy,
		poll:     network.PollPolicy,
		logger:   logger.With("component", "ledger"),
	}
}

// Close releases the underlying connection.
func (c *RPCClient) Close() {
	c.eth.Close()
}

// ChainID returns the chain the client signs for.
func (c *RPCClient) ChainID() uint64 {
	return c.chainID.Uint64()
}

func (c *RPCClient) GetAccountState(ctx context.Context, account common.Address) (protocol.AccountState, error) {
	var (
		state     protocol.AccountState
		threshold *big.Int
		nonce     *big.Int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := c.call(gctx, account, "getOwners")
		if err != nil {
			return err
		}
		state.Owners, _ = out[0].([]common.Address)
		return nil
	})
	g.Go(func() error {
		out, err := c.call(gctx, account, "getThreshold")
		if err != nil {
			return err
		}
		threshold = bigValue(out[0])
		return nil
	})
	g.Go(func() error {
		out, err := c.call(gctx, account, "nonce")
		if err != nil {
			return err
		}
		nonce = bigValue(out[0])
		return nil
	})
	g.Go(func() error {
		out, err := c.call(gctx, account, "VERSION")
		if errors.Is(err, ErrRejected) {
			// Very old deployments lack VERSION; hash with the latest layout.
			return nil
		}
		if err != nil {
			return err
		}
		state.Version, _ = out[0].(string)
		return nil
	})
	if err := g.Wait(); err != nil {
		return protocol.AccountState{}, errors.WithAccount(err, account)
	}
	if !threshold.IsUint64() || !nonce.IsUint64() {
		return protocol.AccountState{}, errors.WithAccount(errors.ErrValidation.New("threshold or nonce out of range"), account)
	}
	state.Threshold = threshold.Uint64()
	state.Nonce = nonce.Uint64()
	return state, nil
}

func (c *RPCClient) GetCode(ctx context.Context, account common.Address) ([]byte, error) {
	var code []byte
	err := network.Retry(ctx, c.query, func() error {
		var err error
		code, err = c.eth.CodeAt(ctx, account, nil)
		return classify(err)
	})
	if err != nil {
		return nil, errors.WithAccount(err, account)
	}
	return code, nil
}

func (c *RPCClient) GetApprovedSigners(ctx context.Context, account common.Address, owners []common.Address, hash common.Hash) ([]common.Address, error) {
	approved := make([]bool, len(owners))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(approvalReadLimit)
	for i, owner := range owners {
		g.Go(func() error {
			out, err := c.call(gctx, account, "approvedHashes", owner, hash)
			if err != nil {
				return err
			}
			approved[i] = bigValue(out[0]).Sign() != 0
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.WithHash(errors.WithAccount(err, account), hash)
	}

	var signers []common.Address
	for i, ok := range approved {
		if ok {
			signers = append(signers, owners[i])
		}
	}
	return signers, nil
}

func (c *RPCClient) EstimateCost(ctx context.Context, account common.Address, desc *protocol.TransactionDescriptor, blob []byte) (uint64, error) {
	input, err := packExecution(desc, blob)
	if err != nil {
		return 0, err
	}
	var gas uint64
	err = network.Retry(ctx, c.query, func() error {
		var err error
		gas, err = c.eth.EstimateGas(ctx, ethereum.CallMsg{
			From: c.executorAddress(),
			To:   &account,
			Data: input,
		})
		return classify(err)
	})
	if err != nil {
		return 0, errors.WithAccount(err, account)
	}
	return gas, nil
}

func (c *RPCClient) Execute(ctx context.Context, account common.Address, desc *protocol.TransactionDescriptor, blob []byte) (*Submission, error) {
	if c.executor == nil {
		return nil, NotSentError(errors.ErrSigningUnavailable.New("no executor key configured"))
	}
	input, err := packExecution(desc, blob)
	if err != nil {
		return nil, NotSentError(err)
	}
	sub, err := c.transact(ctx, c.executor, account, input)
	if err != nil {
		return nil, err
	}
	if sub.Success {
		c.logger.Info("Execution mined", "account", account, "tx", sub.TxID, "block", sub.BlockNumber)
	} else {
		c.logger.Warn("Execution reverted", "account", account, "tx", sub.TxID, "block", sub.BlockNumber)
	}
	return sub, nil
}

// ApproveHash records an on-ledger approval of hash by the owner holding key.
func (c *RPCClient) ApproveHash(ctx context.Context, account common.Address, hash common.Hash, key *ecdsa.PrivateKey) (*Submission, error) {
	if key == nil {
		return nil, NotSentError(errors.ErrSigningUnavailable.New("no owner key"))
	}
	input, err := SafeABI.Pack("approveHash", hash)
	if err != nil {
		return nil, NotSentError(errors.Wrap(errors.ErrValidation, err.Error()))
	}
	return c.transact(ctx, key, account, input)
}

func (c *RPCClient) GetExecution(ctx context.Context, account common.Address, hash common.Hash) (*Submission, error) {
	var logs []types.Log
	err := network.Retry(ctx, c.query, func() error {
		var err error
		logs, err = c.eth.FilterLogs(ctx, ethereum.FilterQuery{
			Addresses: []common.Address{account},
			Topics:    [][]common.Hash{{executionSuccessTopic, executionFailureTopic}},
		})
		return classify(err)
	})
	if err != nil {
		return nil, errors.WithHash(errors.WithAccount(err, account), hash)
	}

	for _, l := range logs {
		if l.Removed || len(l.Topics) == 0 || len(l.Data) < common.HashLength {
			continue
		}
		if common.BytesToHash(l.Data[:common.HashLength]) != hash {
			continue
		}
		return &Submission{
			TxID:        l.TxHash,
			Success:     l.Topics[0] == executionSuccessTopic,
			BlockNumber: l.BlockNumber,
		}, nil
	}
	return nil, errors.WithHash(errors.ErrNotFound.New("no execution recorded"), hash)
}

// transact signs and broadcasts a call to account, then polls for the receipt.
func (c *RPCClient) transact(ctx context.Context, key *ecdsa.PrivateKey, account common.Address, input []byte) (*Submission, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	var (
		nonce    uint64
		gasPrice *big.Int
		gas      uint64
	)
	err := network.Retry(ctx, c.query, func() error {
		var err error
		nonce, err = c.eth.PendingNonceAt(ctx, from)
		if err != nil {
			return classify(err)
		}
		gasPrice, err = c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return classify(err)
		}
		gas, err = c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &account, Data: input})
		return classify(err)
	})
	if err != nil {
		return nil, NotSentError(errors.WithAccount(err, account))
	}
	gas += gas * gasMarginPercent / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &account,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     input,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return nil, NotSentError(errors.Wrap(errors.ErrSigningRejected, err.Error()))
	}
	txID := signed.Hash()

	// Sending is never retried: a lost response may hide an accepted transaction.
	if err := classify(c.eth.SendTransaction(ctx, signed)); err != nil {
		if errors.Is(err, ErrRejected) {
			return nil, NotSentError(err)
		}
		return nil, UnknownOutcomeError(txID, err)
	}
	c.logger.Debug("Transaction broadcast", "account", account, "tx", txID, "from", from)

	var receipt *types.Receipt
	done, err := network.Poll(ctx, c.poll, func() (bool, error) {
		r, err := c.eth.TransactionReceipt(ctx, txID)
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		if err != nil {
			return false, classify(err)
		}
		receipt = r
		return true, nil
	})
	if err != nil {
		return nil, UnknownOutcomeError(txID, err)
	}
	if !done {
		return nil, UnknownOutcomeError(txID, errors.ErrNetwork.New("receipt not observed within polling budget"))
	}

	return &Submission{
		TxID:        txID,
		Success:     receiptSucceeded(receipt, account),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

func (c *RPCClient) call(ctx context.Context, account common.Address, method string, args ...interface{}) ([]interface{}, error) {
	input, err := SafeABI.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrValidation, err.Error())
	}
	var out []byte
	err = network.Retry(ctx, c.query, func() error {
		var err error
		out, err = c.eth.CallContract(ctx, ethereum.CallMsg{To: &account, Data: input}, nil)
		return classify(err)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	if len(out) == 0 {
		return nil, errors.ErrAccountNotActive.Newf("%s returned no data", method)
	}
	values, err := SafeABI.Unpack(method, out)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrValidation, "decode %s: %v", method, err)
	}
	return values, nil
}

func (c *RPCClient) executorAddress() common.Address {
	if c.executor == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.executor.PublicKey)
}

func packExecution(desc *protocol.TransactionDescriptor, blob []byte) ([]byte, error) {
	if desc == nil {
		return nil, errors.ErrValidation.New("nil descriptor")
	}
	input, err := SafeABI.Pack("execTransaction",
		desc.To,
		protocol.OrZero(desc.Value).ToBig(),
		[]byte(desc.Data),
		uint8(desc.Operation),
		protocol.OrZero(desc.Gas.SafeTxGas).ToBig(),
		protocol.OrZero(desc.Gas.BaseGas).ToBig(),
		protocol.OrZero(desc.Gas.GasPrice).ToBig(),
		desc.Gas.GasToken,
		desc.Gas.RefundReceiver,
		blob,
	)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrValidation, "pack execTransaction: %v", err)
	}
	return input, nil
}

// receiptSucceeded reports a mined status together with the account's own
// success event; a failure event means the inner call failed.
func receiptSucceeded(r *types.Receipt, account common.Address) bool {
	if r.Status != types.ReceiptStatusSuccessful {
		return false
	}
	for _, l := range r.Logs {
		if l.Address == account && len(l.Topics) > 0 && l.Topics[0] == executionFailureTopic {
			return false
		}
	}
	return true
}

// classify maps transport failures to ErrNetwork and node refusals to
// ErrRejected so that only the former are retried.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ethereum.NotFound) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "ledger request cancelled")
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return errors.Wrapf(ErrRejected, "code %d: %v", rpcErr.ErrorCode(), err)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode < 500 && httpErr.StatusCode != 429 {
		return errors.Wrapf(ErrRejected, "http %d: %v", httpErr.StatusCode, err)
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return errors.Wrap(ErrRejected, err.Error())
	}
	return errors.Wrap(errors.ErrNetwork, err.Error())
}

func bigValue(v interface{}) *big.Int {
	if b, ok := v.(*big.Int); ok && b != nil {
		return b
	}
	return new(big.Int)
}
