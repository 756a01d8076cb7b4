package main

import (
	"context"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/safecoord/safecoord/internal/protocol"
	"github.com/safecoord/safecoord/internal/txbuilder"
	"github.com/spf13/cobra"
)

var cmdPropose = &cobra.Command{
	Use:   "propose",
	Short: "Create a proposal and sign it with the owner key",
	Args:  cobra.NoArgs,
	Run:   propose,
}

var flagPropose struct {
	To        string
	Value     string
	Data      string
	Method    string
	Args      []string
	Nonce     int64
	Operation uint8
}

var cmdTransfer = &cobra.Command{
	Use:   "transfer <token> <to> <amount>",
	Short: "Propose an ERC-20 token transfer",
	Args:  cobra.ExactArgs(3),
	Run:   transfer,
}

var cmdSign = &cobra.Command{
	Use:   "sign <hash>",
	Short: "Add the owner's signature to a proposal",
	Args:  cobra.ExactArgs(1),
	Run:   sign,
}

var cmdApprove = &cobra.Command{
	Use:   "approve <hash>",
	Short: "Approve a proposal hash on the ledger with the owner key",
	Args:  cobra.ExactArgs(1),
	Run:   approve,
}

var cmdExecute = &cobra.Command{
	Use:   "execute <hash>",
	Short: "Execute a proposal once enough owners have authorized it",
	Args:  cobra.ExactArgs(1),
	Run:   execute,
}

var flagExecute struct {
	Timeout time.Duration
}

func init() {
	cmdMain.AddCommand(cmdPropose, cmdTransfer, cmdSign, cmdApprove, cmdExecute)

	cmdPropose.Flags().StringVar(&flagPropose.To, "to", "", "Destination address")
	cmdPropose.Flags().StringVar(&flagPropose.Value, "value", "0", "Value in wei")
	cmdPropose.Flags().StringVar(&flagPropose.Data, "data", "", "Hex-encoded call data")
	cmdPropose.Flags().StringVar(&flagPropose.Method, "method", "", "Method signature to encode, e.g. 'transfer(address,uint256)'")
	cmdPropose.Flags().StringSliceVar(&flagPropose.Args, "args", nil, "Method arguments, in order")
	cmdPropose.Flags().Int64Var(&flagPropose.Nonce, "nonce", -1, "Sequence number (reconciled when negative)")
	cmdPropose.Flags().Uint8Var(&flagPropose.Operation, "operation", 0, "0 for call, 1 for delegate call")
	cmdPropose.MarkFlagsMutuallyExclusive("data", "method")
	_ = cmdPropose.MarkFlagRequired("to")

	cmdExecute.Flags().DurationVar(&flagExecute.Timeout, "timeout", 2*time.Minute, "Give up if execution has not started within this time")
}

func propose(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()
	value, err := uint256.FromDecimal(flagPropose.Value)
	checkf(err, "value %q", flagPropose.Value)

	req := txbuilder.Request{
		To:        flagPropose.To,
		Value:     value.ToBig(),
		Operation: protocol.Operation(flagPropose.Operation),
	}
	switch {
	case flagPropose.Method != "":
		req.Data = encodeArgs(flagPropose.Method, flagPropose.Args)
	case flagPropose.Data != "":
		req.Data, err = hexDecode(flagPropose.Data)
		checkf(err, "data")
	}
	if flagPropose.Nonce >= 0 {
		n := uint64(flagPropose.Nonce)
		req.Nonce = &n
	}

	c := connect(ctx)
	defer c.Close()
	u, err := c.coord.ProposeNewTransaction(ctx, req)
	check(err)
	printUpdate(cmd, u)
}

func transfer(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	amount, err := uint256.FromDecimal(args[2])
	checkf(err, "amount %q", args[2])
	req, err := txbuilder.TokenTransfer(parseAddress(args[0]), parseAddress(args[1]), amount)
	check(err)

	c := connect(ctx)
	defer c.Close()
	u, err := c.coord.ProposeNewTransaction(ctx, req)
	check(err)
	printUpdate(cmd, u)
}

func sign(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	c := connect(ctx)
	defer c.Close()

	u, err := c.coord.AddMySignature(ctx, parseHash(args[0]))
	check(err)
	printUpdate(cmd, u)
}

func approve(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	c := connect(ctx)
	defer c.Close()
	if c.signer == nil {
		fatalf("approving requires an owner key")
	}

	hash := parseHash(args[0])
	sub, err := c.ledger.ApproveHash(ctx, c.coord.Session().Account, hash, c.signer.PrivateKey())
	check(err)
	cmd.Printf("Approved %s in %s\n", hash.Hex(), sub.TxID.Hex())

	st, err := c.coord.GetProposalStatus(ctx, hash)
	check(err)
	printStatus(cmd, st)
}

func execute(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(cmd.Context(), flagExecute.Timeout)
	defer cancel()
	c := connect(ctx)
	defer c.Close()

	res, err := c.coord.ExecuteIfReady(ctx, parseHash(args[0]))
	if res != nil {
		printResult(cmd, res)
	}
	check(err)
}

// encodeArgs packs args for method, taking each parameter's kind from the
// method signature.
func encodeArgs(method string, args []string) []byte {
	open, end := strings.IndexByte(method, '('), strings.LastIndexByte(method, ')')
	if open <= 0 || end < open {
		fatalf("malformed method signature %q", method)
	}
	var types []string
	if inner := strings.TrimSpace(method[open+1 : end]); inner != "" {
		types = strings.Split(inner, ",")
	}
	if len(types) != len(args) {
		fatalf("%s takes %d arguments, got %d", method, len(types), len(args))
	}

	params := make([]txbuilder.Param, len(args))
	for i, arg := range args {
		kind, err := txbuilder.ParseKind(types[i])
		check(err)
		params[i], err = txbuilder.ParseParam(kind, arg)
		check(err)
	}
	data, err := txbuilder.EncodeCall(method, params...)
	check(err)
	return data
}

func hexDecode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}
