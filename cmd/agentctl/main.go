package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"spot_agent/internal/errs"
	"spot_agent/internal/modules/config"
	"spot_agent/internal/modules/store"
)

const usage = `usage: agentctl <command> [args]

commands:
  stop                      set the stop flag (trainer exits, thinker and trader pause)
  resume                    clear the stop flag
  reset instrument          drop the training checkpoint; the next trainer pass
                            runs a new epoch and signals stay flat until it ends
  status [instrument...]    training, signal and position per instrument
  trades [-n N] instrument  last N trades
  config                    effective configuration as YAML
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(context.Background(), os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	if cmd == "config" {
		return printYAML(cfg)
	}

	kv, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	repo := store.NewRepo(kv, cfg.Store.Prefix)
	defer repo.Close()

	switch cmd {
	case "stop":
		if err := repo.SetStop(ctx, true, time.Now()); err != nil {
			return errors.Wrap(err, "set stop flag")
		}
		fmt.Println("stop flag set")
	case "resume":
		if err := repo.SetStop(ctx, false, time.Now()); err != nil {
			return errors.Wrap(err, "clear stop flag")
		}
		fmt.Println("stop flag cleared")
	case "reset":
		if len(args) != 1 {
			return errors.New("reset needs exactly one instrument")
		}
		inst := strings.ToUpper(args[0])
		if err := repo.DeleteCheckpoint(ctx, inst); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return errors.Wrapf(err, "delete checkpoint %s", inst)
		}
		fmt.Printf("training checkpoint for %s dropped\n", inst)
	case "status":
		instruments := cfg.Instruments
		if len(args) > 0 {
			instruments = upper(args)
		}
		return status(ctx, repo, instruments)
	case "trades":
		fs := flag.NewFlagSet("trades", flag.ContinueOnError)
		n := fs.Int("n", 20, "number of trades")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return errors.New("trades needs exactly one instrument")
		}
		return trades(ctx, repo, strings.ToUpper(fs.Arg(0)), *n)
	default:
		fmt.Fprint(os.Stderr, usage)
		return errors.Errorf("unknown command %q", cmd)
	}
	return nil
}

type instrumentReport struct {
	Instrument string         `yaml:"instrument"`
	Training   map[string]any `yaml:"training,omitempty"`
	Signal     map[string]any `yaml:"signal,omitempty"`
	Position   map[string]any `yaml:"position"`
	Problems   []string       `yaml:"problems,omitempty"`
}

func status(ctx context.Context, repo *store.Repo, instruments []string) error {
	stop, err := repo.StopRequested(ctx)
	if err != nil {
		return errors.Wrap(err, "read stop flag")
	}
	reports := make([]instrumentReport, 0, len(instruments))
	for _, inst := range instruments {
		r := instrumentReport{Instrument: inst}

		if ts, err := repo.LoadTrainingStatus(ctx, inst); err == nil {
			r.Training = map[string]any{
				"state":    ts.State,
				"progress": fmt.Sprintf("%d/%d", ts.Done, ts.Total),
				"skipped":  ts.Skipped,
				"updated":  ts.UpdatedAt.Format(time.RFC3339),
			}
		} else if !errors.Is(err, errs.ErrNotFound) {
			r.Problems = append(r.Problems, err.Error())
		}
		if cp, err := repo.LoadCheckpoint(ctx, inst); err == nil && cp.Finished {
			if r.Training == nil {
				r.Training = map[string]any{}
			}
			r.Training["finished_at"] = cp.FinishedAt.Format(time.RFC3339)
		}

		if sig, err := repo.LoadSignal(ctx, inst); err == nil {
			r.Signal = map[string]any{
				"long":      sig.LongLevel,
				"short":     sig.ShortLevel,
				"usable":    fmt.Sprintf("%d/%d", sig.UsableTimeframes, len(sig.Timeframes)),
				"price":     sig.Price,
				"generated": sig.GeneratedAt.Format(time.RFC3339),
			}
		} else if !errors.Is(err, errs.ErrNotFound) {
			r.Problems = append(r.Problems, err.Error())
		}

		pos, err := repo.LoadPosition(ctx, inst)
		switch {
		case err != nil:
			r.Problems = append(r.Problems, err.Error())
		case pos.IsFlat():
			r.Position = map[string]any{"state": "flat"}
		default:
			r.Position = map[string]any{
				"quantity":  pos.Quantity,
				"avg_cost":  pos.AvgCostBasis,
				"dca_count": pos.DCACount,
				"trailing":  pos.TrailingActive,
				"line":      pos.TrailingLine,
				"opened":    pos.OpenedAt.Format(time.RFC3339),
			}
		}
		reports = append(reports, r)
	}
	return printYAML(map[string]any{"stop_requested": stop, "instruments": reports})
}

func trades(ctx context.Context, repo *store.Repo, instrument string, n int) error {
	list, err := repo.Trades(ctx, instrument, n)
	if err != nil {
		return errors.Wrapf(err, "read trades %s", instrument)
	}
	if len(list) == 0 {
		fmt.Printf("no trades for %s\n", instrument)
		return nil
	}
	for _, t := range list {
		line := fmt.Sprintf("%s  %-4s %-13s qty=%.8f price=%.6f quote=%.2f",
			t.Time.Format(time.RFC3339), t.Side, t.Reason, t.Quantity, t.Price, t.QuoteAmount)
		if t.RealizedPnLPct != nil {
			line += fmt.Sprintf(" pnl=%+.2f%%", *t.RealizedPnLPct)
		}
		fmt.Println(line)
	}
	return nil
}

func printYAML(v any) error {
	bs, err := yaml.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal to yaml")
	}
	_, err = os.Stdout.Write(bs)
	return err
}

func upper(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}
