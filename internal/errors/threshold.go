package errors

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ThresholdError reports how many unique owners authorized a proposal
// against how many are required.
type ThresholdError struct {
	Hash common.Hash
	Have int
	Need int
}

func (e *ThresholdError) Error() string {
	return fmt.Sprintf("%s: hash=%s have=%d need=%d", ErrInsufficientSignatures.desc, e.Hash.Hex(), e.Have, e.Need)
}

func (e *ThresholdError) Unwrap() error {
	return ErrInsufficientSignatures
}
