package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/dloop-labs/dloop-engine/quoter"
	"github.com/dloop-labs/dloop-engine/types"
	"github.com/dloop-labs/dloop-engine/vault"
)

// Amounts are rendered as decimal strings: the values are 256-bit and do
// not survive a trip through JSON numbers.

type vaultResponse struct {
	Name              string `json:"name"`
	CollateralAsset   string `json:"collateral_asset"`
	DebtAsset         string `json:"debt_asset"`
	TargetLeverageBps uint64 `json:"target_leverage_bps"`
	LowerBoundBps     uint64 `json:"lower_bound_bps"`
	UpperBoundBps     uint64 `json:"upper_bound_bps"`
	MaxSubsidyBps     uint64 `json:"max_subsidy_bps"`
	MinDeviationBps   uint64 `json:"min_deviation_bps"`
}

func newVaultResponse(v vault.Vault) vaultResponse {
	return vaultResponse{
		Name:              v.Name,
		CollateralAsset:   v.CollateralAsset.Hex(),
		DebtAsset:         v.DebtAsset.Hex(),
		TargetLeverageBps: v.TargetLeverageBps,
		LowerBoundBps:     v.LowerBoundBps,
		UpperBoundBps:     v.UpperBoundBps,
		MaxSubsidyBps:     v.MaxSubsidyBps,
		MinDeviationBps:   v.MinDeviationBps,
	}
}

type positionResponse struct {
	CollateralBase string `json:"collateral_base"`
	DebtBase       string `json:"debt_base"`
}

func newPositionResponse(p *types.Position) positionResponse {
	return positionResponse{
		CollateralBase: bigString(p.Collateral),
		DebtBase:       bigString(p.Debt),
	}
}

type quoteResponse struct {
	ID                 string    `json:"id"`
	Vault              string    `json:"vault"`
	BlockNumber        uint64    `json:"block_number"`
	CreatedAt          time.Time `json:"created_at"`
	Direction          string    `json:"direction"`
	CurrentLeverageBps string    `json:"current_leverage_bps"`
	SubsidyBps         uint64    `json:"subsidy_bps"`
	CollateralTokens   string    `json:"collateral_tokens,omitempty"`
	DebtTokens         string    `json:"debt_tokens,omitempty"`
	SwapIn             string    `json:"swap_in,omitempty"`
	SwapOut            string    `json:"swap_out,omitempty"`
	SwapAmountIn       string    `json:"swap_amount_in,omitempty"`
	MinSwapOutput      string    `json:"min_swap_output,omitempty"`
	GasCostWei         string    `json:"gas_cost_wei,omitempty"`
}

func newQuoteResponse(q *quoter.Quote) quoteResponse {
	resp := quoteResponse{
		ID:                 q.ID.String(),
		Vault:              q.Vault,
		BlockNumber:        q.BlockNumber,
		CreatedAt:          q.CreatedAt,
		Direction:          q.Plan.Direction.String(),
		CurrentLeverageBps: bigString(q.Plan.CurrentLeverageBps),
		SubsidyBps:         q.Plan.Quote.SubsidyBps,
	}
	if q.Plan.Direction == types.DirectionNone {
		return resp
	}

	resp.CollateralTokens = bigString(q.Plan.CollateralTokens)
	resp.DebtTokens = bigString(q.Plan.DebtTokens)
	resp.SwapIn = q.Plan.SwapIn.Hex()
	resp.SwapOut = q.Plan.SwapOut.Hex()
	resp.SwapAmountIn = bigString(q.Plan.SwapAmountIn)
	resp.MinSwapOutput = bigString(q.Plan.MinSwapOutput)
	resp.GasCostWei = bigString(q.Plan.GasCostWei)
	return resp
}

type classifyRequest struct {
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
}

type classifyResponse struct {
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
	SwapType string `json:"swap_type"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("malformed request body: %w", err)
	}
	return nil
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
