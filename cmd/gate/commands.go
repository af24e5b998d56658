package main

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/eddiefleurent/zerodte/internal/breaker"
	"github.com/eddiefleurent/zerodte/internal/models"
	"github.com/eddiefleurent/zerodte/internal/risk"
)

var (
	errConfirmationRequired = errors.New("kill-switch on a live account requires --yes")
	errNoQuotes             = errors.New("no quotes returned")
)

func newChainCmd(c *cli) *cobra.Command {
	var (
		optType string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Fetch today's option chain once and print it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var typ *models.OptionType
			if optType != "" {
				t, err := models.ParseOptionType(optType)
				if err != nil {
					return err
				}
				typ = &t
			}

			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			n, err := a.streamer.RefreshOnce(cmd.Context(), nil)
			if err != nil && a.cache.Len() == 0 {
				return fmt.Errorf("fetching option chain: %w", err)
			}
			if err != nil {
				c.logger.WithError(err).Warn("Option chain is incomplete")
			}
			if n > 0 && a.cache.Len() == 0 {
				return fmt.Errorf("%w for %d symbols", errNoQuotes, n)
			}
			c.logger.WithField("symbols", n).Debug("Fetched option chain")

			renderChain(cmd.OutOrStdout(), sortChain(a.cache.GetAllOptions(typ), limit))
			return nil
		},
	}
	cmd.Flags().StringVar(&optType, "type", "", "only show calls or puts (call, put)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to print, 0 for all")
	return cmd
}

func newBreakersCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "breakers",
		Short: "Print the configured circuit breakers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr := breaker.NewManager(c.logger, breaker.WithOverrides(breakerOverrides(c.cfg.Breakers)))
			renderBreakers(cmd.OutOrStdout(), mgr.Stats())
			return nil
		},
	}
}

func newKillSwitchCmd(c *cli) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "kill-switch",
		Short: "Cancel every working order and flatten every position",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := confirmKill(c.cfg.IsPaperTrading(), yes); err != nil {
				return err
			}
			a, err := newApp(c.cfg, c.logger)
			if err != nil {
				return err
			}
			res, err := a.risk.EmergencyStop(cmd.Context())
			renderStop(cmd.OutOrStdout(), res)
			return err
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm flattening a live account")
	return cmd
}

func confirmKill(paper, yes bool) error {
	if paper || yes {
		return nil
	}
	return errConfirmationRequired
}

// sortChain orders contracts calls first, then by strike, and truncates to limit when positive.
func sortChain(contracts []models.OptionContract, limit int) []models.OptionContract {
	sort.SliceStable(contracts, func(i, j int) bool {
		if contracts[i].Type != contracts[j].Type {
			return contracts[i].Type == models.Call
		}
		return contracts[i].Strike < contracts[j].Strike
	})
	if limit > 0 && len(contracts) > limit {
		contracts = contracts[:limit]
	}
	return contracts
}

func renderChain(w io.Writer, contracts []models.OptionContract) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Symbol", "Type", "Strike", "Bid", "Ask", "Delta", "IV", "Volume"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, oc := range contracts {
		table.Append([]string{
			oc.Symbol,
			string(oc.Type),
			strconv.FormatFloat(oc.Strike, 'f', -1, 64),
			fmt.Sprintf("%.2f", oc.Bid),
			fmt.Sprintf("%.2f", oc.Ask),
			fmt.Sprintf("%.3f", oc.Delta),
			fmt.Sprintf("%.1f%%", oc.ImpliedVolatility*100),
			strconv.FormatInt(oc.Volume, 10),
		})
	}
	table.SetFooter([]string{"", "", "", "", "", "", "Total", strconv.Itoa(len(contracts))})
	table.Render()
}

func renderBreakers(w io.Writer, stats map[string]breaker.Stats) {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Breaker", "State", "Failures", "Failure Threshold", "Recovery", "Success Threshold", "Timeout"})
	for _, name := range names {
		s := stats[name]
		table.Append([]string{
			name,
			s.State,
			strconv.Itoa(s.FailureCount),
			strconv.Itoa(s.Config.FailureThreshold),
			fmt.Sprintf("%gs", s.Config.RecoveryTimeout),
			strconv.Itoa(s.Config.SuccessThreshold),
			fmt.Sprintf("%gs", s.Config.Timeout),
		})
	}
	table.Render()
}

func renderStop(w io.Writer, res risk.StopResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Status", "Orders Cancelled", "Positions Closed", "Errors"})
	table.Append([]string{
		res.Status,
		strconv.Itoa(res.OrdersCancelled),
		strconv.Itoa(res.PositionsClosed),
		strings.Join(res.Errors, "; "),
	})
	table.Render()
}
