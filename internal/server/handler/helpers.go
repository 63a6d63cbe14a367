package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/legionfi/salescore/internal/domain"
)

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors onto HTTP status codes. Authorization
// failures are 403, replay and state conflicts are 409, validation problems
// are 400, missing entities are 404.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	var authErr *domain.AuthorizationError
	var capErr *domain.CapabilityError
	var feeErr *domain.FeeMismatchError

	switch {
	case errors.As(err, &authErr), errors.As(err, &capErr):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrSaleNotFound),
		errors.Is(err, domain.ErrInvestorPositionDoesNotExist),
		errors.Is(err, domain.ErrVestingDoesNotExist):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrSignatureAlreadyUsed),
		errors.Is(err, domain.ErrExcessAlreadyClaimed),
		errors.Is(err, domain.ErrAlreadySettled),
		errors.Is(err, domain.ErrInvestorHasRefunded),
		errors.Is(err, domain.ErrInvestorHasClaimedExcess),
		errors.Is(err, domain.ErrSaleAlreadyExists),
		errors.Is(err, domain.ErrSaleResultsAlreadyPublished),
		errors.Is(err, domain.ErrCapitalRaisedAlreadyPublished),
		errors.Is(err, domain.ErrTokensAlreadySupplied),
		errors.Is(err, domain.ErrCapitalAlreadyWithdrawn),
		errors.Is(err, domain.ErrAcceptedCapitalAlreadySet),
		errors.Is(err, domain.ErrSaleHasEnded),
		errors.Is(err, domain.ErrSaleHasNotEnded),
		errors.Is(err, domain.ErrSaleIsCanceled),
		errors.Is(err, domain.ErrSaleIsNotCanceled),
		errors.Is(err, domain.ErrRefundPeriodIsOver),
		errors.Is(err, domain.ErrRefundPeriodIsNotOver),
		errors.Is(err, domain.ErrSaleResultsNotPublished),
		errors.Is(err, domain.ErrCapitalRaisedNotPublished),
		errors.Is(err, domain.ErrTokensNotSupplied),
		errors.Is(err, domain.ErrPrivateKeyNotPublished):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &feeErr),
		errors.Is(err, domain.ErrZeroAddressProvided),
		errors.Is(err, domain.ErrZeroAmountProvided),
		errors.Is(err, domain.ErrInvalidPeriodConfig),
		errors.Is(err, domain.ErrInvalidSaleKind),
		errors.Is(err, domain.ErrInvalidFeeBps),
		errors.Is(err, domain.ErrInvalidPositionAmount),
		errors.Is(err, domain.ErrInvalidTokenAmountSupplied),
		errors.Is(err, domain.ErrInvalidVestingConfig),
		errors.Is(err, domain.ErrInvalidBidPublicKey),
		errors.Is(err, domain.ErrInvalidBidPrivateKey),
		errors.Is(err, domain.ErrInvalidMerkleProof),
		errors.Is(err, domain.ErrInvestorHasNoExcessCapital),
		errors.Is(err, domain.ErrUnableToTransferInvestorPosition),
		errors.Is(err, domain.ErrUnableToMergeInvestorPosition),
		errors.Is(err, domain.ErrCapitalNotRaised):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.ErrorContext(r.Context(), "handler: request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// parseAddress decodes a required 0x-prefixed address field.
func parseAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

// parseBig decodes a decimal big integer; empty strings yield nil.
func parseBig(s string) (*big.Int, bool) {
	if s == "" {
		return nil, true
	}
	n, ok := new(big.Int).SetString(s, 10)
	return n, ok
}

// parseProof decodes a list of 0x-prefixed 32-byte proof nodes.
func parseProof(nodes []string) ([]common.Hash, bool) {
	if len(nodes) == 0 {
		return nil, true
	}
	out := make([]common.Hash, 0, len(nodes))
	for _, n := range nodes {
		raw, err := hexutil.Decode(n)
		if err != nil || len(raw) != common.HashLength {
			return nil, false
		}
		out = append(out, common.BytesToHash(raw))
	}
	return out, true
}

// parseSignature decodes an optional 0x-prefixed signature blob.
func parseSignature(s string) ([]byte, bool) {
	if s == "" {
		return nil, true
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// bigString renders a big integer for JSON, treating nil as "0".
func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
