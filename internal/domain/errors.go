package domain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Sentinel errors, grouped by taxonomy. Every action fails fast with one of
// these (optionally wrapped with call-site context) and leaves state
// untouched.
var (
	// State errors: action invoked in the wrong lifecycle phase.
	ErrSaleHasEnded                  = errors.New("SaleHasEnded")
	ErrSaleHasNotEnded               = errors.New("SaleHasNotEnded")
	ErrSaleIsCanceled                = errors.New("SaleIsCanceled")
	ErrSaleIsNotCanceled             = errors.New("SaleIsNotCanceled")
	ErrRefundPeriodIsOver            = errors.New("RefundPeriodIsOver")
	ErrRefundPeriodIsNotOver         = errors.New("RefundPeriodIsNotOver")
	ErrSaleResultsAlreadyPublished   = errors.New("SaleResultsAlreadyPublished")
	ErrSaleResultsNotPublished       = errors.New("SaleResultsNotPublished")
	ErrCapitalRaisedAlreadyPublished = errors.New("CapitalRaisedAlreadyPublished")
	ErrCapitalRaisedNotPublished     = errors.New("CapitalRaisedNotPublished")
	ErrTokensAlreadySupplied         = errors.New("TokensAlreadySupplied")
	ErrTokensNotSupplied             = errors.New("TokensNotSupplied")
	ErrCapitalAlreadyWithdrawn       = errors.New("CapitalAlreadyWithdrawn")
	ErrCapitalNotRaised              = errors.New("CapitalNotRaised")
	ErrAcceptedCapitalAlreadySet     = errors.New("AcceptedCapitalAlreadySet")
	ErrPrivateKeyNotPublished        = errors.New("PrivateKeyNotPublished")

	// Validation errors.
	ErrZeroAddressProvided        = errors.New("ZeroAddressProvided")
	ErrZeroAmountProvided         = errors.New("ZeroAmountProvided")
	ErrInvalidPeriodConfig        = errors.New("InvalidPeriodConfig")
	ErrInvalidSaleKind            = errors.New("InvalidSaleKind")
	ErrInvalidFeeBps              = errors.New("InvalidFeeBps")
	ErrInvalidPositionAmount      = errors.New("InvalidPositionAmount")
	ErrInvalidTokenAmountSupplied = errors.New("InvalidTokenAmountSupplied")
	ErrInvalidVestingConfig       = errors.New("InvalidVestingConfig")
	ErrSaleAlreadyExists          = errors.New("SaleAlreadyExists")
	ErrSaleNotFound               = errors.New("SaleNotFound")

	// Ledger errors.
	ErrInvestorPositionDoesNotExist     = errors.New("InvestorPositionDoesNotExist")
	ErrInvestorHasRefunded              = errors.New("InvestorHasRefunded")
	ErrInvestorHasClaimedExcess         = errors.New("InvestorHasClaimedExcess")
	ErrInvestorHasNoExcessCapital       = errors.New("InvestorHasNoExcessCapital")
	ErrAlreadySettled                   = errors.New("AlreadySettled")
	ErrVestingDoesNotExist              = errors.New("VestingDoesNotExist")
	ErrUnableToTransferInvestorPosition = errors.New("UnableToTransferInvestorPosition")
	ErrUnableToMergeInvestorPosition    = errors.New("UnableToMergeInvestorPosition")

	// Replay errors. Entries in the used sets are never removed, so these are
	// permanent for a given signature / position.
	ErrSignatureAlreadyUsed = errors.New("SignatureAlreadyUsed")
	ErrExcessAlreadyClaimed = errors.New("ExcessAlreadyClaimed")

	// Crypto errors.
	ErrInvalidBidPublicKey  = errors.New("InvalidBidPublicKey")
	ErrInvalidBidPrivateKey = errors.New("InvalidBidPrivateKey")

	// Merkle errors. Deliberately unstructured: a failing proof reveals
	// nothing about how far it matched.
	ErrInvalidMerkleProof = errors.New("InvalidMerkleProof")
)

// AuthorizationError reports a recovered signer or caller that does not match
// the expected authorizer for an action.
type AuthorizationError struct {
	Action   string
	Expected common.Address
	Actual   common.Address
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("NotAuthorized: action %s expected %s, got %s",
		e.Action, e.Expected.Hex(), e.Actual.Hex())
}

// CapabilityError reports a caller lacking the capability an action declares.
type CapabilityError struct {
	Action   string
	Required Capability
	Caller   common.Address
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("NotAuthorized: action %s requires %s, caller %s",
		e.Action, e.Required, e.Caller.Hex())
}

// FeeMismatchError reports a caller-supplied fee that does not equal the
// recomputed basis-point value exactly.
type FeeMismatchError struct {
	Kind     string // "legion" or "referrer"
	Expected *big.Int
	Actual   *big.Int
}

func (e *FeeMismatchError) Error() string {
	return fmt.Sprintf("InvalidFeeAmount: %s fee expected %s, got %s",
		e.Kind, e.Expected, e.Actual)
}
