package crosschain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Kind tags the payload layout. It is the first ABI word of every payload.
type Kind uint8

const (
	KindSwap Kind = iota + 1
	KindLoan
	KindConfirm
	KindRefund
)

func (k Kind) String() string {
	switch k {
	case KindSwap:
		return "swap"
	case KindLoan:
		return "loan"
	case KindConfirm:
		return "confirm"
	case KindRefund:
		return "refund"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// SwapPayload is executeCrossChainSwap(user, tokenIn, amountIn, recipient).
type SwapPayload struct {
	User      common.Address
	TokenIn   common.Address
	AmountIn  *uint256.Int
	Recipient common.Address
}

// LoanPayload is executeCrossChainLoan(user, collateralToken, collateralAmount, borrowToken, borrowAmount).
type LoanPayload struct {
	User             common.Address
	CollateralToken  common.Address
	CollateralAmount *uint256.Int
	BorrowToken      common.Address
	BorrowAmount     *uint256.Int
}

// Payload is a decoded message body. Exactly one field matches Kind.
type Payload struct {
	Kind   Kind
	Swap   *SwapPayload
	Loan   *LoanPayload
	Intent common.Hash
}

var (
	uint8Type, _   = abi.NewType("uint8", "", nil)
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	kindArgs = abi.Arguments{{Type: uint8Type}}
	swapArgs = abi.Arguments{
		{Name: "kind", Type: uint8Type},
		{Name: "user", Type: addressType},
		{Name: "tokenIn", Type: addressType},
		{Name: "amountIn", Type: uint256Type},
		{Name: "recipient", Type: addressType},
	}
	loanArgs = abi.Arguments{
		{Name: "kind", Type: uint8Type},
		{Name: "user", Type: addressType},
		{Name: "collateralToken", Type: addressType},
		{Name: "collateralAmount", Type: uint256Type},
		{Name: "borrowToken", Type: addressType},
		{Name: "borrowAmount", Type: uint256Type},
	}
	ackArgs = abi.Arguments{
		{Name: "kind", Type: uint8Type},
		{Name: "intent", Type: bytes32Type},
	}
)

func EncodeSwap(p SwapPayload) ([]byte, error) {
	if p.AmountIn == nil {
		return nil, fmt.Errorf("encode swap: %w", ErrMalformedPayload)
	}
	return swapArgs.Pack(uint8(KindSwap), p.User, p.TokenIn, p.AmountIn.ToBig(), p.Recipient)
}

func EncodeLoan(p LoanPayload) ([]byte, error) {
	if p.CollateralAmount == nil || p.BorrowAmount == nil {
		return nil, fmt.Errorf("encode loan: %w", ErrMalformedPayload)
	}
	return loanArgs.Pack(uint8(KindLoan), p.User, p.CollateralToken, p.CollateralAmount.ToBig(), p.BorrowToken, p.BorrowAmount.ToBig())
}

// EncodeAck builds a confirm or refund payload for an outbound intent.
func EncodeAck(kind Kind, intent common.Hash) ([]byte, error) {
	if kind != KindConfirm && kind != KindRefund {
		return nil, fmt.Errorf("encode ack %s: %w", kind, ErrMalformedPayload)
	}
	return ackArgs.Pack(uint8(kind), [32]byte(intent))
}

// Decode parses a payload produced by one of the encoders.
func Decode(data []byte) (Payload, error) {
	if len(data) < 32 {
		return Payload{}, fmt.Errorf("payload too short: %w", ErrMalformedPayload)
	}
	head, err := kindArgs.Unpack(data[:32])
	if err != nil {
		return Payload{}, fmt.Errorf("unpack kind: %v: %w", err, ErrMalformedPayload)
	}
	kind := Kind(head[0].(uint8))

	switch kind {
	case KindSwap:
		values, err := swapArgs.Unpack(data)
		if err != nil {
			return Payload{}, fmt.Errorf("unpack swap: %v: %w", err, ErrMalformedPayload)
		}
		amount, err := toUint256(values[3])
		if err != nil {
			return Payload{}, err
		}
		return Payload{Kind: kind, Swap: &SwapPayload{
			User:      values[1].(common.Address),
			TokenIn:   values[2].(common.Address),
			AmountIn:  amount,
			Recipient: values[4].(common.Address),
		}}, nil
	case KindLoan:
		values, err := loanArgs.Unpack(data)
		if err != nil {
			return Payload{}, fmt.Errorf("unpack loan: %v: %w", err, ErrMalformedPayload)
		}
		collateral, err := toUint256(values[3])
		if err != nil {
			return Payload{}, err
		}
		borrow, err := toUint256(values[5])
		if err != nil {
			return Payload{}, err
		}
		return Payload{Kind: kind, Loan: &LoanPayload{
			User:             values[1].(common.Address),
			CollateralToken:  values[2].(common.Address),
			CollateralAmount: collateral,
			BorrowToken:      values[4].(common.Address),
			BorrowAmount:     borrow,
		}}, nil
	case KindConfirm, KindRefund:
		values, err := ackArgs.Unpack(data)
		if err != nil {
			return Payload{}, fmt.Errorf("unpack ack: %v: %w", err, ErrMalformedPayload)
		}
		return Payload{Kind: kind, Intent: common.Hash(values[1].([32]byte))}, nil
	default:
		return Payload{}, fmt.Errorf("unknown %s: %w", kind, ErrMalformedPayload)
	}
}

func toUint256(v interface{}) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("amount type %T: %w", v, ErrMalformedPayload)
	}
	out, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("amount overflow: %w", ErrMalformedPayload)
	}
	return out, nil
}
