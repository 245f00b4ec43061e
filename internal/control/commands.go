package control

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perparb/internal/core"
)

// Commander is the engine surface operator commands act on
type Commander interface {
	Pause(reason string)
	Resume()
	SetThreshold(bps decimal.Decimal)
	SetNotional(usd decimal.Decimal)
	SetTIF(mode string) error
	SetDryRun(on bool) error
	CloseAll(ctx context.Context) int
	Status() map[string]interface{}
	Balance(ctx context.Context) (map[string]string, error)
	Positions() []core.HedgedPosition
	Trades(ctx context.Context, hours int) ([]core.TradeRecord, error)
	PnL(ctx context.Context, hours int) (decimal.Decimal, int, error)
	Stats() map[string]interface{}
	Rebalance(ctx context.Context) error
	ConfigDump() string
}

// Reply is the structured response to one command
type Reply struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func ok(data interface{}) Reply { return Reply{OK: true, Data: data} }
func fail(err error) Reply      { return Reply{OK: false, Error: err.Error()} }
func failMsg(msg string) Reply  { return Reply{OK: false, Error: msg} }

// Execute parses and runs one command line and returns its reply
func Execute(ctx context.Context, cmd Commander, line string) Reply {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return failMsg("empty command")
	}

	switch fields[0] {
	case "pause":
		cmd.Pause("operator request")
		return ok("paused")

	case "resume":
		cmd.Resume()
		return ok("resumed")

	case "set":
		return executeSet(cmd, fields[1:])

	case "close-all":
		n := cmd.CloseAll(ctx)
		return ok(fmt.Sprintf("closing %d positions", n))

	case "status":
		return ok(cmd.Status())

	case "balance":
		bal, err := cmd.Balance(ctx)
		if err != nil {
			return fail(err)
		}
		return ok(bal)

	case "positions":
		return ok(positionViews(cmd.Positions()))

	case "trades":
		hours := parseHours(fields[1:], 24)
		trades, err := cmd.Trades(ctx, hours)
		if err != nil {
			return fail(err)
		}
		return ok(trades)

	case "pnl":
		hours := parseHours(fields[1:], 24)
		total, count, err := cmd.PnL(ctx, hours)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]interface{}{
			"hours":            hours,
			"realized_pnl_usd": total.StringFixed(4),
			"closed_positions": count,
		})

	case "stats":
		return ok(cmd.Stats())

	case "rebalance":
		if err := cmd.Rebalance(ctx); err != nil {
			return fail(err)
		}
		return ok("rebalance triggered")

	case "config":
		return ok(cmd.ConfigDump())

	default:
		return failMsg(fmt.Sprintf("unknown command: %s", fields[0]))
	}
}

func executeSet(cmd Commander, args []string) Reply {
	if len(args) < 2 {
		return failMsg("usage: set {threshold|notional|tif|dryrun} <value>")
	}

	switch args[0] {
	case "threshold":
		bps, err := decimal.NewFromString(args[1])
		if err != nil || !bps.IsPositive() {
			return failMsg("threshold must be a positive number of bps")
		}
		cmd.SetThreshold(bps)
		return ok(fmt.Sprintf("threshold set to %s bps", bps))

	case "notional":
		usd, err := decimal.NewFromString(args[1])
		if err != nil || !usd.IsPositive() {
			return failMsg("notional must be a positive USD amount")
		}
		cmd.SetNotional(usd)
		return ok(fmt.Sprintf("notional set to %s USD", usd))

	case "tif":
		if err := cmd.SetTIF(args[1]); err != nil {
			return fail(err)
		}
		return ok(fmt.Sprintf("tif set to %s", args[1]))

	case "dryrun":
		on := args[1] == "on"
		if !on && args[1] != "off" {
			return failMsg("usage: set dryrun {on|off}")
		}
		if err := cmd.SetDryRun(on); err != nil {
			return fail(err)
		}
		return ok(fmt.Sprintf("dryrun %s", args[1]))

	default:
		return failMsg(fmt.Sprintf("unknown setting: %s", args[0]))
	}
}

func parseHours(args []string, def int) int {
	if len(args) == 0 {
		return def
	}
	if h, err := strconv.Atoi(args[0]); err == nil && h > 0 {
		return h
	}
	return def
}

// positionView is the wire form of a position
type positionView struct {
	ID          string `json:"id"`
	Direction   string `json:"direction"`
	Status      string `json:"status"`
	OpenedAt    string `json:"opened_at"`
	NotionalUSD string `json:"notional_usd"`
	PerpSize    string `json:"perp_size"`
	SpotSize    string `json:"spot_size"`
	OpenEdgeBps string `json:"open_edge_bps"`
	PnLUSD      string `json:"pnl_usd,omitempty"`
}

func positionViews(positions []core.HedgedPosition) []positionView {
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		view := positionView{
			ID:          p.ID,
			Direction:   p.Direction.String(),
			Status:      p.Status.String(),
			OpenedAt:    p.OpenedAt.Format(time.RFC3339),
			NotionalUSD: p.NotionalUSD.StringFixed(2),
			PerpSize:    p.PerpSize.String(),
			SpotSize:    p.SpotSize.String(),
			OpenEdgeBps: p.OpenEdgeBps.StringFixed(2),
		}
		if p.Status == core.PositionClosed {
			view.PnLUSD = p.RealizedPnLUSD.StringFixed(4)
		}
		out = append(out, view)
	}
	return out
}
