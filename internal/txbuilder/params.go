package txbuilder

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/safecoord/safecoord/internal/errors"
)

// ParamKind tags the primitive category of a call parameter.
type ParamKind uint8

const (
	KindBool ParamKind = iota
	KindAddress
	KindUint
	KindBytes
	KindString

	numParamKinds
)

func (k ParamKind) String() string {
	if k < numParamKinds {
		return converters[k].abiType
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Param is a typed call parameter. Only the field matching its kind is set.
type Param struct {
	kind    ParamKind
	boolean bool
	address common.Address
	number  *uint256.Int
	raw     []byte
	text    string
}

func Bool(v bool) Param              { return Param{kind: KindBool, boolean: v} }
func Address(v common.Address) Param { return Param{kind: KindAddress, address: v} }
func Bytes(v []byte) Param           { return Param{kind: KindBytes, raw: append([]byte(nil), v...)} }
func String(v string) Param          { return Param{kind: KindString, text: v} }
func Uint(v *uint256.Int) Param {
	if v == nil {
		v = new(uint256.Int)
	}
	return Param{kind: KindUint, number: new(uint256.Int).Set(v)}
}

// Kind returns the parameter's tag.
func (p Param) Kind() ParamKind { return p.kind }

type paramConverter struct {
	abiType string
	value   func(Param) interface{}
	parse   func(string) (Param, error)
}

// converters is indexed by ParamKind; every kind below numParamKinds has an entry.
var converters = [numParamKinds]paramConverter{
	KindBool: {
		abiType: "bool",
		value:   func(p Param) interface{} { return p.boolean },
		parse: func(s string) (Param, error) {
			v, err := strconv.ParseBool(s)
			if err != nil {
				return Param{}, err
			}
			return Bool(v), nil
		},
	},
	KindAddress: {
		abiType: "address",
		value:   func(p Param) interface{} { return p.address },
		parse: func(s string) (Param, error) {
			if !common.IsHexAddress(s) {
				return Param{}, fmt.Errorf("malformed address %q", s)
			}
			return Address(common.HexToAddress(s)), nil
		},
	},
	KindUint: {
		abiType: "uint256",
		value:   func(p Param) interface{} { return p.number.ToBig() },
		parse: func(s string) (Param, error) {
			var (
				v   *uint256.Int
				err error
			)
			if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
				v, err = uint256.FromHex(s)
			} else {
				v, err = uint256.FromDecimal(s)
			}
			if err != nil {
				return Param{}, err
			}
			return Uint(v), nil
		},
	},
	KindBytes: {
		abiType: "bytes",
		value:   func(p Param) interface{} { return p.raw },
		parse: func(s string) (Param, error) {
			b, err := hexutil.Decode(s)
			if err != nil {
				return Param{}, err
			}
			return Bytes(b), nil
		},
	},
	KindString: {
		abiType: "string",
		value:   func(p Param) interface{} { return p.text },
		parse:   func(s string) (Param, error) { return String(s), nil },
	},
}

// ParseKind maps an ABI type name to its kind.
func ParseKind(name string) (ParamKind, error) {
	name = strings.TrimSpace(name)
	if name == "uint" {
		return KindUint, nil
	}
	for k := ParamKind(0); k < numParamKinds; k++ {
		if converters[k].abiType == name {
			return k, nil
		}
	}
	return 0, errors.ErrValidation.Newf("unsupported parameter type %q", name)
}

// ParseParam converts text into a parameter of the given kind.
func ParseParam(kind ParamKind, text string) (Param, error) {
	if kind >= numParamKinds {
		return Param{}, errors.ErrValidation.Newf("unknown parameter kind %d", uint8(kind))
	}
	p, err := converters[kind].parse(strings.TrimSpace(text))
	if err != nil {
		return Param{}, errors.Wrapf(errors.ErrValidation, "parse %s %q: %v", kind, text, err)
	}
	return p, nil
}

// EncodeCall packs params for the method described by signature, e.g.
// "transfer(address,uint256)", and prefixes the 4-byte selector.
func EncodeCall(signature string, params ...Param) ([]byte, error) {
	name, types, err := splitSignature(signature)
	if err != nil {
		return nil, err
	}
	if len(types) != len(params) {
		return nil, errors.ErrValidation.Newf("%s takes %d parameters, got %d", name, len(types), len(params))
	}

	args := make(abi.Arguments, 0, len(params))
	values := make([]interface{}, 0, len(params))
	for i, p := range params {
		kind, err := ParseKind(types[i])
		if err != nil {
			return nil, err
		}
		if kind != p.kind {
			return nil, errors.ErrValidation.Newf("parameter %d of %s: want %s, got %s", i, name, kind, p.kind)
		}
		conv := converters[kind]
		typ, err := abi.NewType(conv.abiType, "", nil)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrValidation, "abi type %s: %v", conv.abiType, err)
		}
		args = append(args, abi.Argument{Type: typ})
		values = append(values, conv.value(p))
	}

	packed, err := args.Pack(values...)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrValidation, "pack %s: %v", name, err)
	}
	canonical := name + "(" + strings.Join(canonicalTypes(types), ",") + ")"
	return append(keccak256([]byte(canonical))[:4], packed...), nil
}

// TokenTransfer builds a request moving amount of an ERC-20 token to to.
func TokenTransfer(token, to common.Address, amount *uint256.Int) (Request, error) {
	data, err := EncodeCall("transfer(address,uint256)", Address(to), Uint(amount))
	if err != nil {
		return Request{}, err
	}
	return Request{
		To:    token.Hex(),
		Value: new(big.Int),
		Data:  data,
	}, nil
}

func splitSignature(signature string) (string, []string, error) {
	signature = strings.TrimSpace(signature)
	open := strings.IndexByte(signature, '(')
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return "", nil, errors.ErrValidation.Newf("malformed method signature %q", signature)
	}
	name := signature[:open]
	inner := signature[open+1 : len(signature)-1]
	if strings.TrimSpace(inner) == "" {
		return name, nil, nil
	}
	types := strings.Split(inner, ",")
	for i := range types {
		types[i] = strings.TrimSpace(types[i])
	}
	return name, types, nil
}

func canonicalTypes(types []string) []string {
	out := make([]string, len(types))
	for i, t := range types {
		if t == "uint" {
			t = "uint256"
		}
		out[i] = t
	}
	return out
}
