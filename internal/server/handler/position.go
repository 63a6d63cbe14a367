package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/legionfi/salescore/internal/domain"
	"github.com/legionfi/salescore/internal/sale"
)

// PositionService defines the investor-facing methods the position handler
// requires from the service layer.
type PositionService interface {
	Invest(ctx context.Context, saleID string, p sale.InvestParams) (*domain.InvestorPosition, error)
	Refund(ctx context.Context, saleID string, investor common.Address) (*big.Int, error)
	WithdrawExcess(ctx context.Context, saleID string, p sale.ExcessParams) (*big.Int, error)
	WithdrawIfCanceled(ctx context.Context, saleID string, investor common.Address) (*big.Int, error)
	Claim(ctx context.Context, saleID string, p sale.ClaimParams) (*domain.InvestorPosition, error)
	Release(ctx context.Context, saleID string, investor common.Address) (*big.Int, error)
	DecryptBid(saleID string, investor common.Address) (*big.Int, error)

	TransferPosition(ctx context.Context, saleID string, caller, from, to common.Address, positionID uint64) error
	TransferPositionWithAuthorization(ctx context.Context, saleID string, from, to common.Address, positionID uint64, sig []byte) error

	Position(saleID string, investor common.Address) (*domain.InvestorPosition, error)
	VestingStatus(saleID string, investor common.Address) (domain.VestingStatus, error)
}

// PositionHandler serves investor position HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and
// logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logger,
	}
}

// positionView is the JSON projection of an investor position.
type positionView struct {
	PositionID            uint64 `json:"position_id"`
	Investor              string `json:"investor"`
	InvestedCapital       string `json:"invested_capital"`
	CachedAllocationRate  string `json:"cached_allocation_rate"`
	CachedInvestedCapital string `json:"cached_invested_capital"`
	SealedBidCipher       string `json:"sealed_bid_cipher,omitempty"`
	HasRefunded           bool   `json:"has_refunded"`
	HasClaimedExcess      bool   `json:"has_claimed_excess"`
	HasSettled            bool   `json:"has_settled"`
	VestingID             string `json:"vesting_id,omitempty"`
}

func newPositionView(p *domain.InvestorPosition) positionView {
	v := positionView{
		PositionID:            p.ID,
		Investor:              p.Investor.Hex(),
		InvestedCapital:       bigString(p.InvestedCapital),
		CachedAllocationRate:  bigString(p.CachedAllocationRate),
		CachedInvestedCapital: bigString(p.CachedInvestedCapital),
		HasRefunded:           p.HasRefunded,
		HasClaimedExcess:      p.HasClaimedExcess,
		HasSettled:            p.HasSettled,
		VestingID:             p.VestingID,
	}
	if p.SealedBid != nil {
		v.SealedBidCipher = "0x" + p.SealedBid.Cipher.Text(16)
	}
	return v
}

// investRequest is the JSON body for an investment.
type investRequest struct {
	Investor       string `json:"investor"`
	Amount         string `json:"amount"`
	Cap            string `json:"cap"`
	AllocationRate string `json:"allocation_rate"`
	Signature      string `json:"signature"`

	// Sealed-bid sales only.
	SealedBidCipher    string `json:"sealed_bid_cipher,omitempty"`
	SealedBidPublicKey string `json:"sealed_bid_public_key,omitempty"`
}

// Invest accepts capital into a sale.
// POST /api/sales/{id}/invest
func (h *PositionHandler) Invest(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req investRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	investor, ok := parseAddress(req.Investor)
	if !ok {
		writeError(w, http.StatusBadRequest, "investor must be a 0x address")
		return
	}
	amount, ok := parseBig(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a decimal integer")
		return
	}
	capAmount, ok := parseBig(req.Cap)
	if !ok {
		writeError(w, http.StatusBadRequest, "cap must be a decimal integer")
		return
	}
	rate, ok := parseBig(req.AllocationRate)
	if !ok {
		writeError(w, http.StatusBadRequest, "allocation_rate must be a decimal integer")
		return
	}
	sig, ok := parseSignature(req.Signature)
	if !ok {
		writeError(w, http.StatusBadRequest, "signature must be hex")
		return
	}

	p := sale.InvestParams{
		Investor:       investor,
		Amount:         amount,
		Cap:            capAmount,
		AllocationRate: rate,
		Signature:      sig,
	}
	if req.SealedBidCipher != "" || req.SealedBidPublicKey != "" {
		cipher, ok := new(big.Int).SetString(trim0x(req.SealedBidCipher), 16)
		if !ok {
			writeError(w, http.StatusBadRequest, "sealed_bid_cipher must be hex")
			return
		}
		raw, err := hexutil.Decode(req.SealedBidPublicKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, "sealed_bid_public_key must be hex")
			return
		}
		pub, err := ethcrypto.UnmarshalPubkey(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "sealed_bid_public_key is not a valid secp256k1 point")
			return
		}
		p.SealedBid = &domain.SealedBid{Cipher: cipher, PublicKey: pub}
	}

	pos, err := h.positions.Invest(r.Context(), id, p)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, newPositionView(pos))
}

// investorRequest carries the investor address for refund-style actions.
type investorRequest struct {
	Investor string `json:"investor"`
}

// Refund returns the full invested capital within the refund window.
// POST /api/sales/{id}/refund
func (h *PositionHandler) Refund(w http.ResponseWriter, r *http.Request) {
	h.investorAmountAction(w, r, "refunded", h.positions.Refund)
}

// WithdrawIfCanceled returns invested capital after a cancellation.
// POST /api/sales/{id}/withdraw-if-canceled
func (h *PositionHandler) WithdrawIfCanceled(w http.ResponseWriter, r *http.Request) {
	h.investorAmountAction(w, r, "withdrawn", h.positions.WithdrawIfCanceled)
}

// Release pays out whatever has vested since the last release.
// POST /api/sales/{id}/release
func (h *PositionHandler) Release(w http.ResponseWriter, r *http.Request) {
	h.investorAmountAction(w, r, "released", h.positions.Release)
}

// withdrawExcessRequest is the JSON body for excess withdrawal.
type withdrawExcessRequest struct {
	Investor     string   `json:"investor"`
	CappedAmount string   `json:"capped_amount"`
	Signature    string   `json:"signature,omitempty"`
	Proof        []string `json:"proof,omitempty"`
}

// WithdrawExcess pays back invested capital above the accepted cap.
// POST /api/sales/{id}/withdraw-excess
func (h *PositionHandler) WithdrawExcess(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req withdrawExcessRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	investor, ok := parseAddress(req.Investor)
	if !ok {
		writeError(w, http.StatusBadRequest, "investor must be a 0x address")
		return
	}
	capped, ok := parseBig(req.CappedAmount)
	if !ok {
		writeError(w, http.StatusBadRequest, "capped_amount must be a decimal integer")
		return
	}
	sig, ok := parseSignature(req.Signature)
	if !ok {
		writeError(w, http.StatusBadRequest, "signature must be hex")
		return
	}
	proof, ok := parseProof(req.Proof)
	if !ok {
		writeError(w, http.StatusBadRequest, "proof must be 32-byte hex values")
		return
	}

	excess, err := h.positions.WithdrawExcess(r.Context(), id, sale.ExcessParams{
		Investor:     investor,
		CappedAmount: capped,
		Signature:    sig,
		Proof:        proof,
	})
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "withdrawn",
		"sale_id": id,
		"amount":  bigString(excess),
	})
}

// vestingConfigRequest mirrors domain.VestingConfig for JSON decoding.
type vestingConfigRequest struct {
	Kind                 string `json:"kind"`
	StartTimestamp       uint64 `json:"start_ts"`
	DurationSeconds      uint64 `json:"duration_seconds"`
	CliffDurationSeconds uint64 `json:"cliff_duration_seconds"`
	EpochDurationSeconds uint64 `json:"epoch_duration_seconds,omitempty"`
	EpochCount           uint64 `json:"epoch_count,omitempty"`
	InitialReleaseRate   string `json:"initial_release_rate"`
}

// claimRequest is the JSON body for a token claim.
type claimRequest struct {
	Investor  string               `json:"investor"`
	Amount    string               `json:"amount"`
	Vesting   vestingConfigRequest `json:"vesting"`
	Signature string               `json:"signature,omitempty"`
	Proof     []string             `json:"proof,omitempty"`
}

// Claim settles an investor's token allocation.
// POST /api/sales/{id}/claim
func (h *PositionHandler) Claim(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req claimRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	investor, ok := parseAddress(req.Investor)
	if !ok {
		writeError(w, http.StatusBadRequest, "investor must be a 0x address")
		return
	}
	amount, ok := parseBig(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "amount must be a decimal integer")
		return
	}
	sig, ok := parseSignature(req.Signature)
	if !ok {
		writeError(w, http.StatusBadRequest, "signature must be hex")
		return
	}
	proof, ok := parseProof(req.Proof)
	if !ok {
		writeError(w, http.StatusBadRequest, "proof must be 32-byte hex values")
		return
	}
	initialRate, ok := parseBig(req.Vesting.InitialReleaseRate)
	if !ok {
		writeError(w, http.StatusBadRequest, "vesting.initial_release_rate must be a decimal integer")
		return
	}

	pos, err := h.positions.Claim(r.Context(), id, sale.ClaimParams{
		Investor: investor,
		Amount:   amount,
		Vesting: domain.VestingConfig{
			Kind:                 domain.VestingKind(req.Vesting.Kind),
			StartTimestamp:       req.Vesting.StartTimestamp,
			DurationSeconds:      req.Vesting.DurationSeconds,
			CliffDurationSeconds: req.Vesting.CliffDurationSeconds,
			EpochDurationSeconds: req.Vesting.EpochDurationSeconds,
			EpochCount:           req.Vesting.EpochCount,
			InitialReleaseRate:   initialRate,
		},
		Signature: sig,
		Proof:     proof,
	})
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newPositionView(pos))
}

// transferRequest is the JSON body for position transfers. Either caller (for
// platform-admin transfers) or signature (for owner-authorized transfers)
// must be present.
type transferRequest struct {
	Caller     string `json:"caller,omitempty"`
	From       string `json:"from"`
	To         string `json:"to"`
	PositionID uint64 `json:"position_id"`
	Signature  string `json:"signature,omitempty"`
}

// Transfer moves a position to a new owner, merging if the destination
// already holds one.
// POST /api/sales/{id}/transfer
func (h *PositionHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	from, ok := parseAddress(req.From)
	if !ok {
		writeError(w, http.StatusBadRequest, "from must be a 0x address")
		return
	}
	to, ok := parseAddress(req.To)
	if !ok {
		writeError(w, http.StatusBadRequest, "to must be a 0x address")
		return
	}

	var err error
	switch {
	case req.Signature != "":
		var sig []byte
		sig, ok = parseSignature(req.Signature)
		if !ok {
			writeError(w, http.StatusBadRequest, "signature must be hex")
			return
		}
		err = h.positions.TransferPositionWithAuthorization(r.Context(), id, from, to, req.PositionID, sig)
	case req.Caller != "":
		var caller common.Address
		caller, ok = parseAddress(req.Caller)
		if !ok {
			writeError(w, http.StatusBadRequest, "caller must be a 0x address")
			return
		}
		err = h.positions.TransferPosition(r.Context(), id, caller, from, to, req.PositionID)
	default:
		writeError(w, http.StatusBadRequest, "caller or signature required")
		return
	}
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "transferred",
		"sale_id":     id,
		"position_id": req.PositionID,
		"to":          to.Hex(),
	})
}

// GetPosition returns an investor's position in a sale.
// GET /api/sales/{id}/positions/{investor}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	investor, ok := parseAddress(pathParam(r, "investor"))
	if !ok {
		writeError(w, http.StatusBadRequest, "investor must be a 0x address")
		return
	}

	pos, err := h.positions.Position(id, investor)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newPositionView(pos))
}

// GetVesting returns the investor's vesting status at the current clock.
// GET /api/sales/{id}/positions/{investor}/vesting
func (h *PositionHandler) GetVesting(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	investor, ok := parseAddress(pathParam(r, "investor"))
	if !ok {
		writeError(w, http.StatusBadRequest, "investor must be a 0x address")
		return
	}

	vs, err := h.positions.VestingStatus(id, investor)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"start":      vs.Start,
		"end":        vs.End,
		"cliff_end":  vs.CliffEnd,
		"duration":   vs.Duration,
		"total":      bigString(vs.Total),
		"vested":     bigString(vs.Vested),
		"releasable": bigString(vs.Releasable),
		"released":   bigString(vs.Released),
	})
}

// DecryptBid reveals an investor's sealed bid once the sale key is published.
// GET /api/sales/{id}/positions/{investor}/decrypt-bid
func (h *PositionHandler) DecryptBid(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	investor, ok := parseAddress(pathParam(r, "investor"))
	if !ok {
		writeError(w, http.StatusBadRequest, "investor must be a 0x address")
		return
	}

	amount, err := h.positions.DecryptBid(id, investor)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sale_id":  id,
		"investor": investor.Hex(),
		"amount":   bigString(amount),
	})
}

// investorAmountAction handles the investor+amount-result endpoints (refund,
// canceled withdrawal, vested release).
func (h *PositionHandler) investorAmountAction(w http.ResponseWriter, r *http.Request, status string, fn func(context.Context, string, common.Address) (*big.Int, error)) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing sale id")
		return
	}

	var req investorRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	investor, ok := parseAddress(req.Investor)
	if !ok {
		writeError(w, http.StatusBadRequest, "investor must be a 0x address")
		return
	}

	amount, err := fn(r.Context(), id, investor)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"sale_id": id,
		"amount":  bigString(amount),
	})
}
