package cmd

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/dloop-labs/dloop-engine/quoter"
	"github.com/dloop-labs/dloop-engine/types"
	"github.com/dloop-labs/dloop-engine/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var quoteVault string

var quoteCmd = &cobra.Command{
	Use:   "quote",
	Short: "Print a one-shot rebalance quote for a vault",
	Long: `Plan a rebalance for the named vault at the current block and print
it as JSON. Read-only: nothing is sent on chain.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := utils.GetLogger()

		eng, cleanup := buildEngine(log, nil)
		defer cleanup()

		q, err := eng.Quoter().Quote(cmd.Context(), quoteVault)
		if err != nil {
			log.Fatal("Failed to quote", zap.String("vault", quoteVault), zap.Error(err))
		}
		out, err := json.MarshalIndent(printableQuote(q), "", "  ")
		if err != nil {
			log.Fatal("Failed to encode quote", zap.Error(err))
		}
		fmt.Println(string(out))
	},
}

func init() {
	rootCmd.AddCommand(quoteCmd)
	quoteCmd.Flags().StringVar(&quoteVault, "vault", "", "vault name from the registry")
	quoteCmd.MarkFlagRequired("vault")
}

// printableQuote renders amounts as decimal strings so 256-bit values
// survive the trip through JSON.
func printableQuote(q *quoter.Quote) map[string]interface{} {
	out := map[string]interface{}{
		"id":                   q.ID.String(),
		"vault":                q.Vault,
		"block_number":         q.BlockNumber,
		"created_at":           q.CreatedAt,
		"direction":            q.Plan.Direction.String(),
		"current_leverage_bps": decimal(q.Plan.CurrentLeverageBps),
		"subsidy_bps":          q.Plan.Quote.SubsidyBps,
	}
	if q.Plan.Direction == types.DirectionNone {
		return out
	}
	out["collateral_tokens"] = decimal(q.Plan.CollateralTokens)
	out["debt_tokens"] = decimal(q.Plan.DebtTokens)
	out["swap_in"] = q.Plan.SwapIn.Hex()
	out["swap_out"] = q.Plan.SwapOut.Hex()
	out["swap_amount_in"] = decimal(q.Plan.SwapAmountIn)
	out["min_swap_output"] = decimal(q.Plan.MinSwapOutput)
	out["gas_cost_wei"] = decimal(q.Plan.GasCostWei)
	return out
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
