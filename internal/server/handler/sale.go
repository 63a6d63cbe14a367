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

// SaleService defines the sale-lifecycle methods the sale handler requires
// from the service layer.
type SaleService interface {
	CreateSale(ctx context.Context, p sale.CreateParams) (domain.SaleSnapshot, error)
	Sale(saleID string) (domain.SaleSnapshot, error)
	Sales() []domain.SaleSnapshot

	End(ctx context.Context, saleID string, caller common.Address) error
	Cancel(ctx context.Context, saleID string, caller common.Address) error
	PublishRaisedCapital(ctx context.Context, saleID string, caller common.Address, total *big.Int) error
	PublishSaleResults(ctx context.Context, saleID string, caller common.Address, p sale.ResultsParams) error
	SetAcceptedCapital(ctx context.Context, saleID string, caller common.Address, root common.Hash) error
	SupplyTokens(ctx context.Context, saleID string, caller common.Address, amount, legionFee, referrerFee *big.Int) error
	WithdrawRaisedCapital(ctx context.Context, saleID string, caller common.Address) (*big.Int, error)
	SyncAddresses(ctx context.Context, saleID string, caller common.Address) (domain.PlatformAddresses, error)
}

// SaleHandler serves sale-lifecycle HTTP endpoints.
type SaleHandler struct {
	sales  SaleService
	logger *slog.Logger
}

// NewSaleHandler creates a SaleHandler with the given service and logger.
func NewSaleHandler(sales SaleService, logger *slog.Logger) *SaleHandler {
	return &SaleHandler{
		sales:  sales,
		logger: logger,
	}
}

// saleView is the JSON projection of a sale snapshot. Big integers are
// decimal strings so precision survives JSON number parsing.
type saleView struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	BidToken            string `json:"bid_token"`
	AskToken            string `json:"ask_token"`
	ProjectAdmin        string `json:"project_admin"`
	ReferrerFeeReceiver string `json:"referrer_fee_receiver"`
	MinimumInvest       string `json:"minimum_invest"`

	LegionFeeOnCapitalBps   uint64 `json:"legion_fee_capital_bps"`
	LegionFeeOnTokensBps    uint64 `json:"legion_fee_tokens_bps"`
	ReferrerFeeOnCapitalBps uint64 `json:"referrer_fee_capital_bps"`
	ReferrerFeeOnTokensBps  uint64 `json:"referrer_fee_tokens_bps"`

	StartTimestamp     uint64 `json:"start_ts"`
	EndTimestamp       uint64 `json:"end_ts"`
	RefundEndTimestamp uint64 `json:"refund_end_ts"`

	TotalTokensAllocated  string `json:"total_tokens_allocated"`
	TotalCapitalRaised    string `json:"total_capital_raised"`
	TotalCapitalWithdrawn string `json:"total_capital_withdrawn"`

	AcceptedCapitalRoot string `json:"accepted_capital_root"`
	ClaimTokensRoot     string `json:"claim_tokens_root"`
	RevealedPrivateKey  string `json:"revealed_private_key,omitempty"`

	HasEnded               bool   `json:"has_ended"`
	EndedAt                uint64 `json:"ended_at,omitempty"`
	IsCanceled             bool   `json:"is_canceled"`
	ResultsPublished       bool   `json:"results_published"`
	CapitalRaisedPublished bool   `json:"capital_raised_published"`
	TokensSupplied         bool   `json:"tokens_supplied"`
	CapitalWithdrawn       bool   `json:"capital_withdrawn"`
}

func newSaleView(snap domain.SaleSnapshot) saleView {
	v := saleView{
		ID:                      snap.Config.ID,
		Kind:                    string(snap.Config.Kind),
		BidToken:                snap.Config.BidToken.Hex(),
		AskToken:                snap.Status.AskToken.Hex(),
		ProjectAdmin:            snap.Config.ProjectAdmin.Hex(),
		ReferrerFeeReceiver:     snap.Config.ReferrerFeeReceiver.Hex(),
		MinimumInvest:           bigString(snap.Config.MinimumInvest),
		LegionFeeOnCapitalBps:   snap.Config.LegionFeeOnCapitalBps,
		LegionFeeOnTokensBps:    snap.Config.LegionFeeOnTokensBps,
		ReferrerFeeOnCapitalBps: snap.Config.ReferrerFeeOnCapitalBps,
		ReferrerFeeOnTokensBps:  snap.Config.ReferrerFeeOnTokensBps,
		StartTimestamp:          snap.Config.StartTimestamp,
		EndTimestamp:            snap.Config.EndTimestamp,
		RefundEndTimestamp:      snap.Config.RefundEndTimestamp,
		TotalTokensAllocated:    bigString(snap.Status.TotalTokensAllocated),
		TotalCapitalRaised:      bigString(snap.Status.TotalCapitalRaised),
		TotalCapitalWithdrawn:   bigString(snap.Status.TotalCapitalWithdrawn),
		AcceptedCapitalRoot:     snap.Status.AcceptedCapitalRoot.Hex(),
		ClaimTokensRoot:         snap.Status.ClaimTokensRoot.Hex(),
		HasEnded:                snap.Status.HasEnded,
		EndedAt:                 snap.Status.EndedAt,
		IsCanceled:              snap.Status.IsCanceled,
		ResultsPublished:        snap.Status.ResultsPublished,
		CapitalRaisedPublished:  snap.Status.CapitalRaisedPublished,
		TokensSupplied:          snap.Status.TokensSupplied,
		CapitalWithdrawn:        snap.Status.CapitalWithdrawn,
	}
	if snap.Status.RevealedPrivateKey != nil {
		v.RevealedPrivateKey = "0x" + snap.Status.RevealedPrivateKey.Text(16)
	}
	return v
}

// createSaleRequest is the JSON body for sale creation.
type createSaleRequest struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	SalePeriodSeconds   uint64 `json:"sale_period_seconds"`
	RefundPeriodSeconds uint64 `json:"refund_period_seconds"`

	MinimumInvest string `json:"minimum_invest"`
	BidToken      string `json:"bid_token"`
	AskToken      string `json:"ask_token"`

	LegionFeeOnCapitalBps   uint64 `json:"legion_fee_capital_bps"`
	LegionFeeOnTokensBps    uint64 `json:"legion_fee_tokens_bps"`
	ReferrerFeeOnCapitalBps uint64 `json:"referrer_fee_capital_bps"`
	ReferrerFeeOnTokensBps  uint64 `json:"referrer_fee_tokens_bps"`

	ProjectAdmin        string `json:"project_admin"`
	ReferrerFeeReceiver string `json:"referrer_fee_receiver"`

	// Sealed-bid sales only: uncompressed secp256k1 public key hex and the
	// salt constant all bid salts derive from.
	BidPublicKey string `json:"bid_public_key,omitempty"`
	SaltConstant string `json:"salt_constant,omitempty"`
}

// CreateSale instantiates a new sale.
// POST /api/sales
func (h *SaleHandler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req createSaleRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	bidToken, ok := parseAddress(req.BidToken)
	if !ok {
		writeError(w, http.StatusBadRequest, "bid_token must be a 0x address")
		return
	}
	projectAdmin, ok := parseAddress(req.ProjectAdmin)
	if !ok {
		writeError(w, http.StatusBadRequest, "project_admin must be a 0x address")
		return
	}
	minInvest, ok := parseBig(req.MinimumInvest)
	if !ok {
		writeError(w, http.StatusBadRequest, "minimum_invest must be a decimal integer")
		return
	}

	p := sale.CreateParams{
		ID:                      req.ID,
		Kind:                    domain.SaleKind(req.Kind),
		SalePeriodSeconds:       req.SalePeriodSeconds,
		RefundPeriodSeconds:     req.RefundPeriodSeconds,
		MinimumInvest:           minInvest,
		BidToken:                bidToken,
		ProjectAdmin:            projectAdmin,
		LegionFeeOnCapitalBps:   req.LegionFeeOnCapitalBps,
		LegionFeeOnTokensBps:    req.LegionFeeOnTokensBps,
		ReferrerFeeOnCapitalBps: req.ReferrerFeeOnCapitalBps,
		ReferrerFeeOnTokensBps:  req.ReferrerFeeOnTokensBps,
	}
	if req.AskToken != "" {
		askToken, ok := parseAddress(req.AskToken)
		if !ok {
			writeError(w, http.StatusBadRequest, "ask_token must be a 0x address")
			return
		}
		p.AskToken = askToken
	}
	if req.ReferrerFeeReceiver != "" {
		referrer, ok := parseAddress(req.ReferrerFeeReceiver)
		if !ok {
			writeError(w, http.StatusBadRequest, "referrer_fee_receiver must be a 0x address")
			return
		}
		p.ReferrerFeeReceiver = referrer
	}
	if req.BidPublicKey != "" {
		raw, err := hexutil.Decode(req.BidPublicKey)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bid_public_key must be hex")
			return
		}
		pub, err := ethcrypto.UnmarshalPubkey(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bid_public_key is not a valid secp256k1 point")
			return
		}
		p.BidPublicKey = pub
	}
	if req.SaltConstant != "" {
		raw, err := hexutil.Decode(req.SaltConstant)
		if err != nil || len(raw) != common.HashLength {
			writeError(w, http.StatusBadRequest, "salt_constant must be a 32-byte hex value")
			return
		}
		p.SaltConstant = common.BytesToHash(raw)
	}

	snap, err := h.sales.CreateSale(r.Context(), p)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, newSaleView(snap))
}

// ListSales returns every known sale.
// GET /api/sales
func (h *SaleHandler) ListSales(w http.ResponseWriter, r *http.Request) {
	snaps := h.sales.Sales()

	views := make([]saleView, 0, len(snaps))
	for _, snap := range snaps {
		views = append(views, newSaleView(snap))
	}

	writeJSON(w, http.StatusOK, map[string]any{"sales": views})
}

// GetSale returns one sale by id.
// GET /api/sales/{id}
func (h *SaleHandler) GetSale(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing sale id")
		return
	}

	snap, err := h.sales.Sale(id)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newSaleView(snap))
}

// callerRequest carries the address invoking an admin action.
type callerRequest struct {
	Caller string `json:"caller"`
}

// EndSale closes a sale and starts the refund clock.
// POST /api/sales/{id}/end
func (h *SaleHandler) EndSale(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, "end", func(ctx context.Context, id string, caller common.Address) error {
		return h.sales.End(ctx, id, caller)
	})
}

// CancelSale permanently cancels a sale.
// POST /api/sales/{id}/cancel
func (h *SaleHandler) CancelSale(w http.ResponseWriter, r *http.Request) {
	h.adminAction(w, r, "cancel", func(ctx context.Context, id string, caller common.Address) error {
		return h.sales.Cancel(ctx, id, caller)
	})
}

// publishCapitalRequest is the JSON body for capital publication.
type publishCapitalRequest struct {
	Caller string `json:"caller"`
	Total  string `json:"total"`
}

// PublishRaisedCapital records the official raised-capital total.
// POST /api/sales/{id}/publish-capital
func (h *SaleHandler) PublishRaisedCapital(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req publishCapitalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller must be a 0x address")
		return
	}
	total, ok := parseBig(req.Total)
	if !ok || total == nil {
		writeError(w, http.StatusBadRequest, "total must be a decimal integer")
		return
	}

	if err := h.sales.PublishRaisedCapital(r.Context(), id, caller, total); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "published", "sale_id": id})
}

// publishResultsRequest is the JSON body for results publication.
type publishResultsRequest struct {
	Caller string `json:"caller"`

	ClaimTokensRoot     string `json:"claim_tokens_root"`
	AcceptedCapitalRoot string `json:"accepted_capital_root,omitempty"`
	TokensAllocated     string `json:"tokens_allocated"`
	CapitalRaised       string `json:"capital_raised,omitempty"`
	AskToken            string `json:"ask_token"`

	// Sealed-bid sales only.
	RevealedPrivateKey string `json:"revealed_private_key,omitempty"`
	SaltConstant       string `json:"salt_constant,omitempty"`
}

// PublishSaleResults finalizes allocations for a sale.
// POST /api/sales/{id}/publish-results
func (h *SaleHandler) PublishSaleResults(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req publishResultsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller must be a 0x address")
		return
	}
	askToken, ok := parseAddress(req.AskToken)
	if !ok {
		writeError(w, http.StatusBadRequest, "ask_token must be a 0x address")
		return
	}

	claimRoot, ok := parseHash(req.ClaimTokensRoot)
	if !ok {
		writeError(w, http.StatusBadRequest, "claim_tokens_root must be a 32-byte hex value")
		return
	}
	allocated, ok := parseBig(req.TokensAllocated)
	if !ok || allocated == nil {
		writeError(w, http.StatusBadRequest, "tokens_allocated must be a decimal integer")
		return
	}

	p := sale.ResultsParams{
		ClaimTokensRoot: claimRoot,
		TokensAllocated: allocated,
		AskToken:        askToken,
	}
	if req.AcceptedCapitalRoot != "" {
		root, ok := parseHash(req.AcceptedCapitalRoot)
		if !ok {
			writeError(w, http.StatusBadRequest, "accepted_capital_root must be a 32-byte hex value")
			return
		}
		p.AcceptedCapitalRoot = &root
	}
	if req.CapitalRaised != "" {
		raised, ok := parseBig(req.CapitalRaised)
		if !ok {
			writeError(w, http.StatusBadRequest, "capital_raised must be a decimal integer")
			return
		}
		p.CapitalRaised = raised
	}
	if req.RevealedPrivateKey != "" {
		key, ok := new(big.Int).SetString(trim0x(req.RevealedPrivateKey), 16)
		if !ok {
			writeError(w, http.StatusBadRequest, "revealed_private_key must be hex")
			return
		}
		p.RevealedPrivateKey = key
	}
	if req.SaltConstant != "" {
		salt, ok := parseHash(req.SaltConstant)
		if !ok {
			writeError(w, http.StatusBadRequest, "salt_constant must be a 32-byte hex value")
			return
		}
		p.SaltConstant = &salt
	}

	if err := h.sales.PublishSaleResults(r.Context(), id, caller, p); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "published", "sale_id": id})
}

// setAcceptedCapitalRequest is the JSON body for the accepted-capital root.
type setAcceptedCapitalRequest struct {
	Caller string `json:"caller"`
	Root   string `json:"root"`
}

// SetAcceptedCapital records the accepted-capital Merkle root ahead of
// results publication.
// POST /api/sales/{id}/set-accepted-capital
func (h *SaleHandler) SetAcceptedCapital(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req setAcceptedCapitalRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller must be a 0x address")
		return
	}
	root, ok := parseHash(req.Root)
	if !ok {
		writeError(w, http.StatusBadRequest, "root must be a 32-byte hex value")
		return
	}

	if err := h.sales.SetAcceptedCapital(r.Context(), id, caller, root); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "set", "sale_id": id})
}

// supplyTokensRequest is the JSON body for token supply.
type supplyTokensRequest struct {
	Caller      string `json:"caller"`
	Amount      string `json:"amount"`
	LegionFee   string `json:"legion_fee"`
	ReferrerFee string `json:"referrer_fee"`
}

// SupplyTokens accepts the allocated ask tokens plus exact fees from the
// project.
// POST /api/sales/{id}/supply-tokens
func (h *SaleHandler) SupplyTokens(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req supplyTokensRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller must be a 0x address")
		return
	}
	amount, ok := parseBig(req.Amount)
	if !ok || amount == nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal integer")
		return
	}
	legionFee, ok := parseBig(req.LegionFee)
	if !ok {
		writeError(w, http.StatusBadRequest, "legion_fee must be a decimal integer")
		return
	}
	referrerFee, ok := parseBig(req.ReferrerFee)
	if !ok {
		writeError(w, http.StatusBadRequest, "referrer_fee must be a decimal integer")
		return
	}

	if err := h.sales.SupplyTokens(r.Context(), id, caller, amount, legionFee, referrerFee); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "supplied", "sale_id": id})
}

// WithdrawRaisedCapital pays the net raised capital out to the project.
// POST /api/sales/{id}/withdraw-capital
func (h *SaleHandler) WithdrawRaisedCapital(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller must be a 0x address")
		return
	}

	net, err := h.sales.WithdrawRaisedCapital(r.Context(), id, caller)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "withdrawn",
		"sale_id": id,
		"amount":  bigString(net),
	})
}

// SyncAddresses refreshes the sale's platform address snapshot.
// POST /api/sales/{id}/sync-addresses
func (h *SaleHandler) SyncAddresses(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller must be a 0x address")
		return
	}

	addrs, err := h.sales.SyncAddresses(r.Context(), id, caller)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"admin":        addrs.Admin.Hex(),
		"signer":       addrs.Signer.Hex(),
		"fee_receiver": addrs.FeeReceiver.Hex(),
	})
}

// adminAction handles the caller-only admin endpoints (end, cancel).
func (h *SaleHandler) adminAction(w http.ResponseWriter, r *http.Request, status string, fn func(context.Context, string, common.Address) error) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing sale id")
		return
	}

	var req callerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, ok := parseAddress(req.Caller)
	if !ok {
		writeError(w, http.StatusBadRequest, "caller must be a 0x address")
		return
	}

	if err := fn(r.Context(), id, caller); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status + "ed", "sale_id": id})
}

// parseHash decodes a 0x-prefixed 32-byte hex value.
func parseHash(s string) (common.Hash, bool) {
	raw, err := hexutil.Decode(s)
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(raw), true
}

// trim0x strips an optional 0x prefix from a hex string.
func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
