package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/rawblock/mix-orchestrator/internal/abcmint"
	"github.com/rawblock/mix-orchestrator/internal/config"
	"github.com/rawblock/mix-orchestrator/internal/db"
	"github.com/rawblock/mix-orchestrator/internal/engine"
	"github.com/rawblock/mix-orchestrator/internal/feemodel"
	"github.com/rawblock/mix-orchestrator/pkg/models"
)

type APIHandler struct {
	eng   *engine.Engine
	cfg   *config.Config
	node  *abcmint.Client
	wsHub *Hub
	audit *db.AuditStore // nil when no DATABASE_URL
	log   *log.Logger
}

func SetupRouter(eng *engine.Engine, cfg *config.Config, node *abcmint.Client, wsHub *Hub, audit *db.AuditStore) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://mixer.example.net
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := cfg.AllowedOrigins
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			// Check if the request origin is in the allowed list
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		eng:   eng,
		cfg:   cfg,
		node:  node,
		wsHub: wsHub,
		audit: audit,
		log:   log.Default().WithPrefix("api"),
	}

	limiter := NewRateLimiter(60, 20)

	mix := r.Group("/api/mix", limiter.Middleware())
	{
		mix.POST("/request", handler.handleMixRequest)
		mix.GET("/status", handler.handleMixStatus)
		mix.GET("/tiers", handler.handleTiers)
		mix.POST("/quote", handler.handleQuote)
		mix.POST("/resume", AuthMiddleware(cfg.APIKey), handler.handleResume)
		mix.GET("/events", AuthMiddleware(cfg.APIKey), handler.handleJobEvents)
		mix.GET("/stream", wsHub.Subscribe)
	}

	system := r.Group("/api/system")
	{
		system.GET("/status", handler.handleSystemStatus)
	}

	// Serve Static Dashboard
	r.Static("/dashboard", "./public")

	return r
}

// wellFormedAddress is an offline base58 shape check.
func wellFormedAddress(addr string) bool {
	if len(addr) < 20 {
		return false
	}
	return len(base58.Decode(addr)) > 0
}

// validTarget checks an address with the node, falling back to a shape
// check when the RPC is unreachable so requests are not rejected just
// because the node is restarting.
func (h *APIHandler) validTarget(addr string) bool {
	if h.node != nil {
		if res, err := h.node.ValidateAddress(addr); err == nil {
			return res != nil && res.IsValid
		}
	}
	return wellFormedAddress(addr)
}

// handleMixRequest registers a new mixing job and returns the deposit
// address together with the fee quote the job was locked to.
// POST /api/mix/request { "amount": "10.5", "targetAddress": "...", "shards": 3, "hops": 1 }
func (h *APIHandler) handleMixRequest(c *gin.Context) {
	var req struct {
		Amount        decimal.Decimal `json:"amount"`
		TargetAddress string          `json:"targetAddress"`
		Shards        int             `json:"shards"`
		Hops          int             `json:"hops"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	if req.TargetAddress == "" || !h.validTarget(req.TargetAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target address"})
		return
	}

	job, err := h.eng.CreateJob(req.TargetAddress, req.Amount, req.Shards, req.Hops)
	if err != nil {
		h.log.Error("job creation failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobId":           job.JobID,
		"depositAddress":  job.DepositAddress,
		"amount":          job.Amount,
		"shards":          job.ShardCount,
		"hops":            job.HopCount,
		"feePercent":      job.FeePercent,
		"absFee":          job.AbsFee,
		"minerFee":        job.MinerFee,
		"txCount":         job.TxCount,
		"netAmount":       job.NetAmount,
		"depositRequired": job.DepositRequired,
		"minerFeeCap":     h.cfg.MinerFeeCap,
		"extraServiceFee": job.ExtraServiceFee,
		"depositExtra":    h.cfg.DepositExtra,
		"feeSource":       h.eng.FeeSource(),
		"status":          job.Status,
	})
}

// handleMixStatus reports job progress enriched with a live node probe.
// Stale state left behind by a crash is repaired on the way out: missing
// consolidation txids are recovered from wallet history, deliveries are
// backfilled, and fully delivered jobs are promoted to completed.
// GET /api/mix/status?jobId=<uuid>
func (h *APIHandler) handleMixStatus(c *gin.Context) {
	jobID := c.Query("jobId")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jobId is required"})
		return
	}
	job := h.eng.GetJob(jobID)
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	h.eng.PromoteIfDelivered(job)
	probe := h.eng.Probe(job)
	h.eng.RefreshConfirmations(job)

	snap := h.eng.Snapshot(job)
	if snap.Txid1 == "" &&
		(snap.Status == models.StatusWaitingDeposit || snap.Status == models.StatusError) {
		if h.eng.RecoverTxid1(job) {
			snap = h.eng.Snapshot(job)
		}
	}
	if snap.Txid1 != "" && snap.Status != models.StatusCompleted {
		if h.eng.BackfillFinals(job) {
			snap = h.eng.Snapshot(job)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"jobId":                  snap.JobID,
		"status":                 snap.Status,
		"depositAddress":         snap.DepositAddress,
		"targetAddress":          snap.TargetAddress,
		"amount":                 snap.Amount,
		"depositReceived":        snap.DepositReceived,
		"depositRequired":        snap.DepositRequired,
		"depositConfirmations":   probe.DepositConfirmations,
		"shards":                 snap.ShardCount,
		"hops":                   snap.HopCount,
		"feePercent":             snap.FeePercent,
		"absFee":                 snap.AbsFee,
		"minerFee":               snap.MinerFee,
		"netAmount":              snap.NetAmount,
		"txid1":                  snap.Txid1,
		"txid2":                  snap.Txid2,
		"mixAddress":             snap.MixAddress,
		"mixUtxoReady":           probe.MixUtxoReady,
		"shardReadyCount":        probe.ShardReadyCount,
		"confirmations":          snap.Confirmations,
		"requiredConfirmations":  snap.RequiredConf,
		"shardProgressTotal":     snap.ShardProgressTotal,
		"shardProgressCompleted": snap.ShardProgressCompleted,
		"fanoutCount":            len(snap.ShardTxidsFanout),
		"hopTxCount":             snap.HopsDone(),
		"finalTxCount":           len(snap.ShardTxidsFinal),
		"shardTxidsFanout":       snap.ShardTxidsFanout,
		"shardTxidsHops":         snap.ShardTxidsHops,
		"shardTxidsFinal":        snap.ShardTxidsFinal,
		"error":                  snap.Error,
		"createdAt":              snap.CreatedAt,
		"lastUpdateAt":           snap.LastUpdateAt,
	})
}

// handleTiers returns the security-level presets with the fee rate each
// one would cost.
func (h *APIHandler) handleTiers(c *gin.Context) {
	type tierQuote struct {
		config.Tier
		FeePercent decimal.Decimal `json:"feePercent"`
		TxCount    int             `json:"txCount"`
	}
	tiers := h.cfg.Tiers()
	out := make([]tierQuote, 0, len(tiers))
	for _, t := range tiers {
		out = append(out, tierQuote{
			Tier:       t,
			FeePercent: feemodel.FeePercent(h.cfg, t.Shards, t.Hops),
			TxCount:    feemodel.TxCount(t.Shards, t.Hops),
		})
	}
	c.JSON(http.StatusOK, gin.H{"tiers": out})
}

// handleQuote prices a mix without creating a job.
// POST /api/mix/quote { "amount": "10.5", "shards": 3, "hops": 1 }
func (h *APIHandler) handleQuote(c *gin.Context) {
	var req struct {
		Amount decimal.Decimal `json:"amount"`
		Shards int             `json:"shards"`
		Hops   int             `json:"hops"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if !req.Amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
		return
	}
	if req.Shards <= 0 {
		req.Shards = h.cfg.TierStandardShards
	}
	if req.Hops <= 0 {
		req.Hops = h.cfg.TierStandardHops
	}

	q := feemodel.Compute(h.cfg, req.Amount, req.Shards, req.Hops)
	c.JSON(http.StatusOK, gin.H{
		"amount":          req.Amount,
		"shards":          req.Shards,
		"hops":            req.Hops,
		"feePercent":      q.Percent,
		"absFee":          q.AbsFee,
		"minerFee":        q.MinerFee,
		"txCount":         q.TxCount,
		"netAmount":       q.NetAmount,
		"minerFeeCap":     q.Cap,
		"extraServiceFee": q.ExtraToService,
		"depositExtra":    h.cfg.DepositExtra,
		"feeSource":       h.eng.FeeSource(),
	})
}

// handleResume re-attaches a worker to a stalled job.
// POST /api/mix/resume { "jobId": "<uuid>" }
func (h *APIHandler) handleResume(c *gin.Context) {
	var req struct {
		JobID string `json:"jobId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.JobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jobId is required"})
		return
	}
	if !h.eng.ResumeJob(req.JobID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleJobEvents returns a job's audit trail, newest first.
// GET /api/mix/events?jobId=<uuid>&limit=50
func (h *APIHandler) handleJobEvents(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit trail not configured"})
		return
	}
	jobID := c.Query("jobId")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "jobId is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.audit.GetJobEvents(c.Request.Context(), jobID, limit)
	if err != nil {
		h.log.Error("event query failed", "job", jobID, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": jobID, "events": events})
}

// handleSystemStatus reports node reachability and basic chain facts.
func (h *APIHandler) handleSystemStatus(c *gin.Context) {
	if h.node == nil {
		c.JSON(http.StatusOK, gin.H{"rpcConnected": false})
		return
	}
	height, err := h.node.GetBlockCount()
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"rpcConnected": false, "error": err.Error()})
		return
	}
	peerCount := 0
	if peers, perr := h.node.GetPeerInfo(); perr == nil {
		peerCount = len(peers)
	}
	difficulty := decimal.Zero
	if d, derr := h.node.GetDifficulty(); derr == nil {
		difficulty = d
	}
	bestHash := ""
	var bestTime int64
	if hash, herr := h.node.GetBlockHash(height); herr == nil {
		bestHash = hash
		if blk, berr := h.node.GetBlock(hash); berr == nil && blk != nil {
			bestTime = blk.Time
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"rpcConnected":  true,
		"blockHeight":   height,
		"bestBlockHash": bestHash,
		"bestBlockTime": bestTime,
		"peerCount":     peerCount,
		"difficulty":    difficulty.IntPart(),
	})
}
