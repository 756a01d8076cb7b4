package devchain

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

type jsonRPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result"`
	Error   *rpcError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// callArgs accepts both spellings of the call data field.
type callArgs struct {
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Data  hexutil.Bytes   `json:"data"`
	Input hexutil.Bytes   `json:"input"`
}

func (a callArgs) payload() []byte {
	if len(a.Input) > 0 {
		return a.Input
	}
	return a.Data
}

type filterArgs struct {
	Addresses []common.Address `json:"address"`
	Topics    [][]common.Hash  `json:"topics"`
}

const (
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
	codeServer         = -32000
	codeReverted       = 3
)

// GasPrice is the price reported by eth_gasPrice.
var GasPrice = big.NewInt(1)

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, rpcErr := s.dispatch(req)
	if rpcErr != nil {
		result = nil
	}
	resp := jsonRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		Error:   rpcErr,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) dispatch(req jsonRPCRequest) (interface{}, *rpcError) {
	switch req.Method {
	case "eth_chainId":
		return (*hexutil.Big)(new(big.Int).SetUint64(s.chain.ChainID())), nil

	case "net_version":
		return new(big.Int).SetUint64(s.chain.ChainID()).String(), nil

	case "eth_blockNumber":
		return hexutil.Uint64(s.chain.BlockNumber()), nil

	case "eth_gasPrice":
		return (*hexutil.Big)(GasPrice), nil

	case "eth_getCode":
		var addr common.Address
		if err := param(req, 0, &addr); err != nil {
			return nil, &rpcError{codeInvalidParams, "invalid address parameter"}
		}
		return hexutil.Bytes(s.chain.Code(addr)), nil

	case "eth_getTransactionCount":
		var addr common.Address
		if err := param(req, 0, &addr); err != nil {
			return nil, &rpcError{codeInvalidParams, "invalid address parameter"}
		}
		return hexutil.Uint64(s.chain.SenderNonce(addr)), nil

	case "eth_call", "eth_estimateGas":
		var args callArgs
		if err := param(req, 0, &args); err != nil || args.To == nil {
			return nil, &rpcError{codeInvalidParams, "invalid call parameters"}
		}
		if req.Method == "eth_estimateGas" {
			gas, err := s.chain.Estimate(args.From, *args.To, args.payload())
			if err != nil {
				return nil, toRPCError(err)
			}
			return hexutil.Uint64(gas), nil
		}
		ret, err := s.chain.Call(args.From, *args.To, args.payload())
		if err != nil {
			return nil, toRPCError(err)
		}
		return hexutil.Bytes(ret), nil

	case "eth_sendRawTransaction":
		var raw hexutil.Bytes
		if err := param(req, 0, &raw); err != nil {
			return nil, &rpcError{codeInvalidParams, "invalid raw transaction"}
		}
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, &rpcError{codeInvalidParams, "invalid raw transaction: " + err.Error()}
		}
		hash, err := s.chain.SendTransaction(tx)
		if err != nil {
			return nil, toRPCError(err)
		}
		return hash, nil

	case "eth_getTransactionReceipt":
		var hash common.Hash
		if err := param(req, 0, &hash); err != nil {
			return nil, &rpcError{codeInvalidParams, "invalid transaction hash"}
		}
		if receipt := s.chain.Receipt(hash); receipt != nil {
			return receipt, nil
		}
		return nil, nil

	case "eth_getLogs":
		var args filterArgs
		if err := param(req, 0, &args); err != nil {
			return nil, &rpcError{codeInvalidParams, "invalid filter"}
		}
		var topics []common.Hash
		if len(args.Topics) > 0 {
			topics = args.Topics[0]
		}
		logs := s.chain.Logs(args.Addresses, topics)
		if logs == nil {
			logs = []types.Log{}
		}
		return logs, nil
	}
	return nil, &rpcError{codeMethodNotFound, "method not found: " + req.Method}
}

func param(req jsonRPCRequest, i int, out interface{}) error {
	if len(req.Params) <= i {
		return errors.New("missing parameter")
	}
	return json.Unmarshal(req.Params[i], out)
}

func toRPCError(err error) *rpcError {
	var revert *RevertError
	if errors.As(err, &revert) {
		return &rpcError{codeReverted, revert.Error()}
	}
	return &rpcError{codeServer, err.Error()}
}
