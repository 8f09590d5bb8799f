package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"oraclesim/arb"
	"oraclesim/fairprice"
	"oraclesim/fixedpoint"
	"oraclesim/oracle"
	"oraclesim/pool"
	"oraclesim/sweep"
)

// Server HTTP 接口
type Server struct {
	presets *Presets
	solver  *arb.Solver
	engine  *sweep.Engine
	queue   *SweepQueue
	store   *ResultStore
	metrics *Metrics
	logger  log.Logger
}

// NewServer 创建 HTTP 接口
func NewServer(presets *Presets, solver *arb.Solver, queue *SweepQueue, store *ResultStore, metrics *Metrics) *Server {
	logger := log.Root().New("module", "api")
	return &Server{
		presets: presets,
		solver:  solver,
		engine:  sweep.NewEngine(logger),
		queue:   queue,
		store:   store,
		metrics: metrics,
		logger:  logger,
	}
}

// Router 注册路由
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "pong",
		})
	})
	router.GET("/pools", s.handleListPools)
	router.POST("/pools/:name/solve", s.handleSolve)
	router.GET("/pools/:name/lp-price", s.handleLPPrice)
	router.POST("/pools/:name/scan", s.handleScan)
	router.GET("/ema", s.handleEMA)
	router.POST("/sweeps", s.handleCreateSweep)
	router.GET("/sweeps/:id", s.handleGetSweep)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	return router
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errUnknownPool), errors.Is(err, errRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, arb.ErrNoBracket), errors.Is(err, arb.ErrRootNotConverged),
		errors.Is(err, arb.ErrUnsupportedPair), errors.Is(err, arb.ErrDuplicatePair),
		errors.Is(err, pool.ErrInvalidCoin), errors.Is(err, pool.ErrTradeRejected),
		errors.Is(err, fairprice.ErrOracleLength), errors.Is(err, oracle.ErrInvalidParams),
		errors.Is(err, fixedpoint.ErrNegative), errors.Is(err, fixedpoint.ErrOverflow):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("请求处理失败", "path", c.FullPath(), "err", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) poolFor(c *gin.Context) (PoolPreset, *pool.StableSwap, bool) {
	name := c.Param("name")
	preset, ok := s.presets.Get(name)
	if !ok {
		s.fail(c, errUnknownPool)
		return PoolPreset{}, nil, false
	}
	p, err := preset.NewPool()
	if err != nil {
		s.fail(c, err)
		return PoolPreset{}, nil, false
	}
	return preset, p, true
}

type poolResponse struct {
	Name         string   `json:"name"`
	Address      string   `json:"address"`
	Coins        []string `json:"coins"`
	A            uint64   `json:"a"`
	Fee          uint64   `json:"fee"`
	D            string   `json:"d"`
	VirtualPrice string   `json:"virtual_price"`
	PriceOracle  []string `json:"price_oracle"`
	SafetyChecks bool     `json:"safety_checks"`
}

func (s *Server) handleListPools(c *gin.Context) {
	var out []poolResponse
	for _, name := range s.presets.Names() {
		preset, _ := s.presets.Get(name)
		p, err := preset.NewPool()
		if err != nil {
			s.fail(c, err)
			return
		}
		d, err := p.D()
		if err != nil {
			s.fail(c, err)
			return
		}
		vp, err := p.VirtualPrice()
		if err != nil {
			s.fail(c, err)
			return
		}
		out = append(out, poolResponse{
			Name:         name,
			Address:      preset.Address.Hex(),
			Coins:        p.Coins(),
			A:            preset.A,
			Fee:          preset.Fee,
			D:            FormatFixed(d),
			VirtualPrice: FormatFixed(vp),
			PriceOracle:  FormatFixedSlice(p.PriceOracle()),
			SafetyChecks: preset.SafetyChecks,
		})
	}
	c.JSON(http.StatusOK, gin.H{"pools": out})
}

type solveRequest struct {
	Pair    [2]int `json:"pair"`
	Price   string `json:"price" binding:"required"`
	LastEMA string `json:"last_ema"`
}

type tradeResponse struct {
	CoinIn        int    `json:"coin_in"`
	CoinOut       int    `json:"coin_out"`
	AmountIn      string `json:"amount_in"`
	AmountInWei   string `json:"amount_in_wei"`
	Description   string `json:"description"`
	Iterations    int    `json:"iterations"`
	FunctionCalls int    `json:"function_calls"`
}

func (s *Server) handleSolve(c *gin.Context) {
	var req solveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	price, err := fixedpoint.Parse(req.Price)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	var lastEMA *big.Int
	if req.LastEMA != "" {
		if lastEMA, err = fixedpoint.Parse(req.LastEMA); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	_, p, ok := s.poolFor(c)
	if !ok {
		return
	}

	target := arb.Target{Pair: arb.Pair{I: req.Pair[0], J: req.Pair[1]}, Price: price}
	trade, res, err := s.solver.SolvePair(p, target, lastEMA)
	s.metrics.ObserveSolve(res, err)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tradeResponse{
		CoinIn:        trade.CoinIn,
		CoinOut:       trade.CoinOut,
		AmountIn:      FormatFixed(trade.AmountIn),
		AmountInWei:   trade.AmountIn.String(),
		Description:   FormatTrade(p.Coins(), trade),
		Iterations:    res.Iterations,
		FunctionCalls: res.FunctionCalls,
	})
}

func (s *Server) handleLPPrice(c *gin.Context) {
	_, p, ok := s.poolFor(c)
	if !ok {
		return
	}
	lp, err := fairprice.LPPrice(p)
	if err != nil {
		s.fail(c, err)
		return
	}
	norm, err := fairprice.Normalized(p)
	if err != nil {
		s.fail(c, err)
		return
	}
	vp, err := p.VirtualPrice()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"lp_price":      FormatFixed(lp),
		"virtual_price": FormatFixed(vp),
		"normalized":    FormatFixed(norm),
	})
}

type scanRequest struct {
	Pair [2]int `json:"pair"`
	Low  string `json:"low"`
	High string `json:"high"`
	Step string `json:"step"`
}

type scanRowResponse struct {
	TargetPrice string `json:"target_price"`
	CoinIn      int    `json:"coin_in"`
	CoinOut     int    `json:"coin_out"`
	AmountIn    string `json:"amount_in,omitempty"`
	AmountOut   string `json:"amount_out,omitempty"`
	PoolPrice   string `json:"pool_price,omitempty"`
	InValue     string `json:"in_value,omitempty"`
	OutValue    string `json:"out_value,omitempty"`
	Cost        string `json:"cost,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleScan(c *gin.Context) {
	req := scanRequest{Pair: [2]int{0, 1}}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	grid := sweep.DefaultTargetGrid()
	if req.Low != "" || req.High != "" || req.Step != "" {
		var bounds [3]*big.Int
		for i, v := range []string{req.Low, req.High, req.Step} {
			parsed, err := fixedpoint.Parse(v)
			if err != nil {
				s.badRequest(c, err)
				return
			}
			bounds[i] = parsed
		}
		var err error
		if grid, err = sweep.TargetGrid(bounds[0], bounds[1], bounds[2]); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	_, p, ok := s.poolFor(c)
	if !ok {
		return
	}

	rows, err := s.engine.ScanTargets(p, s.solver, arb.Pair{I: req.Pair[0], J: req.Pair[1]}, grid)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]scanRowResponse, len(rows))
	for i, row := range rows {
		s.metrics.ObserveSolve(row.Root, row.Err)
		out[i] = scanRowResponse{
			TargetPrice: FormatFixed(row.TargetPrice),
			CoinIn:      row.CoinIn,
			CoinOut:     row.CoinOut,
			AmountIn:    FormatFixed(row.AmountIn),
			AmountOut:   FormatFixed(row.AmountOut),
			PoolPrice:   FormatFixed(row.PoolPrice),
			InValue:     FormatFixed(row.InValue),
			OutValue:    FormatFixed(row.OutValue),
			Cost:        FormatFixed(row.Cost),
		}
		if row.Err != nil {
			out[i].Error = row.Err.Error()
		}
	}
	c.JSON(http.StatusOK, gin.H{"rows": out})
}

func (s *Server) handleEMA(c *gin.Context) {
	spot, err := fixedpoint.Parse(c.Query("spot"))
	if err != nil {
		s.badRequest(c, err)
		return
	}
	last, err := fixedpoint.Parse(c.Query("ema"))
	if err != nil {
		s.badRequest(c, err)
		return
	}
	params := s.solver.Params()
	if v := c.Query("window"); v != "" {
		if params.AveragingWindow, err = strconv.ParseUint(v, 10, 64); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	if v := c.Query("interval"); v != "" {
		if params.SampleInterval, err = strconv.ParseUint(v, 10, 64); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	if err := params.Validate(); err != nil {
		s.fail(c, err)
		return
	}
	ema, err := params.Update(spot, last)
	if err != nil {
		s.fail(c, err)
		return
	}
	alpha, err := params.Alpha()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ema":     FormatFixed(ema),
		"ema_wei": ema.String(),
		"alpha":   FormatFixed(alpha),
	})
}

type sweepRequest struct {
	Pool          string   `json:"pool" binding:"required"`
	Combos        []string `json:"combos"`
	StartSize     string   `json:"start_size"`
	StepSize      string   `json:"step_size" binding:"required"`
	MaxIterations int      `json:"max_iterations"`
}

func (s *Server) handleCreateSweep(c *gin.Context) {
	var req sweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	preset, ok := s.presets.Get(req.Pool)
	if !ok {
		s.fail(c, errUnknownPool)
		return
	}
	start := new(big.Int)
	if req.StartSize != "" {
		var err error
		if start, err = ParseInteger(req.StartSize); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	step, err := ParseInteger(req.StepSize)
	if err != nil || step.Sign() <= 0 {
		s.badRequest(c, errors.New("step_size must be a positive integer"))
		return
	}
	p, err := preset.NewPool()
	if err != nil {
		s.fail(c, err)
		return
	}
	// LP 公允价格需要两个非计价资产的预言机读数
	coins := p.Coins()
	if len(coins) < 3 {
		s.fail(c, fmt.Errorf("%w: pool %s has %d coins", fairprice.ErrOracleLength, req.Pool, len(coins)))
		return
	}
	combos, err := selectCombos(coins, req.Combos)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	job := NewSweepJob(req.Pool, combos, start, step, req.MaxIterations)
	if err := s.store.CreateRun(c.Request.Context(), job.ID, job.Pool, job.Label()); err != nil {
		s.fail(c, err)
		return
	}
	if dropped, ok := s.queue.Publish(job); ok {
		s.metrics.QueueDropped.Inc()
		s.metrics.SweepJobsTotal.WithLabelValues(runDropped).Inc()
		s.logger.Warn("队列已满，丢弃最旧的扫描任务", "id", dropped.ID)
		if err := s.store.UpdateRun(context.WithoutCancel(c.Request.Context()), dropped.ID, runDropped, "", "queue full"); err != nil {
			s.logger.Error("更新任务状态失败", "id", dropped.ID, "err", err)
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"id": job.ID, "combos": job.Label()})
}

func (s *Server) handleGetSweep(c *gin.Context) {
	id := c.Param("id")
	run, err := s.store.GetRun(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	samples, err := s.store.ListSamples(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run, "samples": samples})
}

// selectCombos 按名称挑选组合，names 为空时返回全部默认组合
func selectCombos(coins []string, names []string) ([]sweep.Combination, error) {
	all := sweep.DefaultCombinations(coins)
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]sweep.Combination, len(all))
	for _, combo := range all {
		byName[combo.Name] = combo
	}
	out := make([]sweep.Combination, 0, len(names))
	for _, name := range names {
		combo, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("未知组合: %s", name)
		}
		out = append(out, combo)
	}
	return out, nil
}
