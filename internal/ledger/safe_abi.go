package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// safeABIJSON is the subset of the multi-owner account contract used here.
const safeABIJSON = `[
{"type":"function","name":"getOwners","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
{"type":"function","name":"getThreshold","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"nonce","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"VERSION","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
{"type":"function","name":"approvedHashes","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"hash","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"approveHash","stateMutability":"nonpayable","inputs":[{"name":"hashToApprove","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"execTransaction","stateMutability":"payable","inputs":[
	{"name":"to","type":"address"},
	{"name":"value","type":"uint256"},
	{"name":"data","type":"bytes"},
	{"name":"operation","type":"uint8"},
	{"name":"safeTxGas","type":"uint256"},
	{"name":"baseGas","type":"uint256"},
	{"name":"gasPrice","type":"uint256"},
	{"name":"gasToken","type":"address"},
	{"name":"refundReceiver","type":"address"},
	{"name":"signatures","type":"bytes"}],
	"outputs":[{"name":"success","type":"bool"}]},
{"type":"event","name":"ExecutionSuccess","anonymous":false,"inputs":[{"name":"txHash","type":"bytes32","indexed":false},{"name":"payment","type":"uint256","indexed":false}]},
{"type":"event","name":"ExecutionFailure","anonymous":false,"inputs":[{"name":"txHash","type":"bytes32","indexed":false},{"name":"payment","type":"uint256","indexed":false}]}
]`

var (
	// SafeABI is the parsed account contract interface.
	SafeABI = mustParseABI(safeABIJSON)

	executionSuccessTopic = crypto.Keccak256Hash([]byte("ExecutionSuccess(bytes32,uint256)"))
	executionFailureTopic = crypto.Keccak256Hash([]byte("ExecutionFailure(bytes32,uint256)"))
)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}
