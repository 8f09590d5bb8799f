package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"oraclesim/arb"
	"oraclesim/fairprice"
	"oraclesim/fixedpoint"
	"oraclesim/oracle"
	"oraclesim/sweep"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app 各子命令共享的依赖
type app struct {
	cfg     *AppConfig
	presets *Presets
	solver  *arb.Solver
}

func setupApp() (*app, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, cfg.LogLevel, true)))

	presets, err := LoadPresets(cfg.PresetsPath)
	if err != nil {
		return nil, err
	}
	solver, err := arb.NewSolver(oracle.DefaultParams(),
		arb.WithBracketMultiplier(cfg.BracketMultiplier),
		arb.WithLogger(log.Root().New("module", "solver")),
	)
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, presets: presets, solver: solver}, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "oraclesim",
		Short:         "AMM 价格预言机操纵成本模拟",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newServeCmd(),
		newSolveCmd(),
		newSweepCmd(),
		newScanCmd(),
		newEMACmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务和异步扫描任务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setupApp()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	store, err := NewResultStore(a.cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := NewMetrics()
	queue := NewSweepQueue(a.cfg.JobQueueSize)
	worker := NewSweepWorker(queue, store, a.presets, metrics)
	go worker.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    a.cfg.HTTPAddr,
		Handler: NewServer(a.presets, a.solver, queue, store, metrics).Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP 服务启动", "addr", a.cfg.HTTPAddr, "pools", strings.Join(a.presets.Names(), ","))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("启动 HTTP 服务器失败: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	log.Info("HTTP 服务关闭")
	return srv.Shutdown(shutdownCtx)
}

func newSolveCmd() *cobra.Command {
	var (
		poolName string
		pairFlag string
		price    string
		lastEMA  string
	)
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "求解把预言机推到目标价格所需的交易",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setupApp()
			if err != nil {
				return err
			}
			pair, err := ParsePair(pairFlag)
			if err != nil {
				return err
			}
			target, err := fixedpoint.Parse(price)
			if err != nil {
				return err
			}
			var last *big.Int
			if lastEMA != "" {
				if last, err = fixedpoint.Parse(lastEMA); err != nil {
					return err
				}
			}
			preset, ok := a.presets.Get(poolName)
			if !ok {
				return fmt.Errorf("%w: %s", errUnknownPool, poolName)
			}
			p, err := preset.NewPool()
			if err != nil {
				return err
			}
			trade, res, err := a.solver.SolvePair(p, arb.Target{Pair: pair, Price: target}, last)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t(iterations %d, calls %d)\n", FormatTrade(p.Coins(), trade), res.Iterations, res.FunctionCalls)
			return nil
		},
	}
	cmd.Flags().StringVar(&poolName, "pool", "mkUSD-USDC", "池子预设名称")
	cmd.Flags().StringVar(&pairFlag, "pair", "1,0", "交易对 i,j")
	cmd.Flags().StringVar(&price, "price", "", "目标价格：1 单位 i 换得的 j 数量")
	cmd.Flags().StringVar(&lastEMA, "last-ema", "", "上一次 EMA 读数，默认使用池子预言机")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func newSweepCmd() *cobra.Command {
	var (
		poolName string
		combos   []string
		start    string
		step     string
		maxIter  int
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "逐步加大交易规模，直到池子无法承受",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setupApp()
			if err != nil {
				return err
			}
			preset, ok := a.presets.Get(poolName)
			if !ok {
				return fmt.Errorf("%w: %s", errUnknownPool, poolName)
			}
			p, err := preset.NewPool()
			if err != nil {
				return err
			}
			if p.NumCoins() < 3 {
				return fmt.Errorf("%w: pool %s has %d coins", fairprice.ErrOracleLength, poolName, p.NumCoins())
			}
			selected, err := selectCombos(p.Coins(), combos)
			if err != nil {
				return err
			}
			startSize, err := ParseInteger(start)
			if err != nil {
				return err
			}
			stepSize, err := ParseInteger(step)
			if err != nil {
				return err
			}
			factory, err := a.presets.Factory(poolName)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			results, err := sweep.NewEngine(nil).RunAllTradePairs(ctx, factory, selected, sweep.Config{
				StartSize:     startSize,
				StepSize:      stepSize,
				MaxIterations: maxIter,
			})
			writeSweep(cmd.OutOrStdout(), results)
			return err
		},
	}
	cmd.Flags().StringVar(&poolName, "pool", "tricrypto", "池子预设名称")
	cmd.Flags().StringSliceVar(&combos, "combo", nil, "组合名称，默认全部六种")
	cmd.Flags().StringVar(&start, "start", "0", "起始规模（计价资产整数单位）")
	cmd.Flags().StringVar(&step, "step", "100000", "规模步长（计价资产整数单位）")
	cmd.Flags().IntVar(&maxIter, "max-iter", 0, "每个组合的迭代上限，0 表示直到失败")
	return cmd
}

func writeSweep(w io.Writer, results []*sweep.Result) {
	fmt.Fprintln(w, "pair\ttrade_size\toracle_change\toracle")
	for _, res := range results {
		for _, s := range res.Samples {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Pair, s.TradeSize, fixedpoint.Format(s.PriceChange, 8),
				strings.Join(FormatFixedSlice(s.Oracle), ","))
		}
		fmt.Fprintf(w, "# %s: %d samples, stopped: %s", res.Label, len(res.Samples), res.Reason)
		if res.FailedSize != nil {
			fmt.Fprintf(w, " at %s", res.FailedSize)
		}
		if res.StopErr != nil {
			fmt.Fprintf(w, " (%v)", res.StopErr)
		}
		fmt.Fprintln(w)
	}
}

func newScanCmd() *cobra.Command {
	var (
		poolName string
		pairFlag string
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "对一组目标价格求解所需交易和成本",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setupApp()
			if err != nil {
				return err
			}
			pair, err := ParsePair(pairFlag)
			if err != nil {
				return err
			}
			preset, ok := a.presets.Get(poolName)
			if !ok {
				return fmt.Errorf("%w: %s", errUnknownPool, poolName)
			}
			p, err := preset.NewPool()
			if err != nil {
				return err
			}
			rows, err := sweep.NewEngine(nil).ScanTargets(p, a.solver, pair, sweep.DefaultTargetGrid())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "target\tcoin_in\tcoin_out\tamount_in\tamount_out\tpool_price\tcost")
			for _, r := range rows {
				if r.Err != nil {
					fmt.Fprintf(w, "%s\terror: %v\n", fixedpoint.Format(r.TargetPrice, 4), r.Err)
					continue
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\t%s\n", fixedpoint.Format(r.TargetPrice, 4), r.CoinIn, r.CoinOut,
					fixedpoint.Format(r.AmountIn, 2), fixedpoint.Format(r.AmountOut, 2),
					fixedpoint.Format(r.PoolPrice, 6), fixedpoint.Format(r.Cost, 2))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&poolName, "pool", "mkUSD-USDC", "池子预设名称")
	cmd.Flags().StringVar(&pairFlag, "pair", "0,1", "交易对 i,j")
	return cmd
}

func newEMACmd() *cobra.Command {
	params := oracle.DefaultParams()
	var spot, last string
	cmd := &cobra.Command{
		Use:   "ema",
		Short: "计算一次 EMA 更新",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := fixedpoint.Parse(spot)
			if err != nil {
				return err
			}
			e, err := fixedpoint.Parse(last)
			if err != nil {
				return err
			}
			if err := params.Validate(); err != nil {
				return err
			}
			ema, err := params.Update(s, e)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", FormatFixed(ema), ema)
			return nil
		},
	}
	cmd.Flags().StringVar(&spot, "spot", "", "上一次现价")
	cmd.Flags().StringVar(&last, "ema", "", "上一次 EMA 读数")
	cmd.Flags().Uint64Var(&params.AveragingWindow, "window", oracle.DefaultAveragingWindow, "平均窗口（秒）")
	cmd.Flags().Uint64Var(&params.SampleInterval, "interval", oracle.DefaultSampleInterval, "采样间隔（秒）")
	_ = cmd.MarkFlagRequired("spot")
	_ = cmd.MarkFlagRequired("ema")
	return cmd
}
