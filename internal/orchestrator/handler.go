package orchestrator

import (
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-drain/internal/drain"
	"github.com/0gfoundation/0g-drain/internal/ledger"
	"github.com/0gfoundation/0g-drain/internal/pricing"
	"github.com/0gfoundation/0g-drain/internal/voucher"
)

// maxBodyBytes bounds chat request bodies.
const maxBodyBytes = 4 << 20

var channelIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// Handler wires the provider routes onto a Gin engine.
type Handler struct {
	orch    *Orchestrator
	chainID int64
	log     *zap.Logger
}

func NewHandler(orch *Orchestrator, chainID int64, log *zap.Logger) *Handler {
	return &Handler{orch: orch, chainID: chainID, log: log}
}

// Register mounts the public API on r and the admin API behind admin.
func (h *Handler) Register(r gin.IRouter, admin ...gin.HandlerFunc) {
	r.GET("/health", h.handleHealth)
	r.GET("/v1/pricing", h.handlePricing)
	r.GET("/v1/models", h.handleModels)
	r.POST("/v1/chat/completions", h.handleChat)

	ag := r.Group("/v1/admin", admin...)
	ag.POST("/claim", h.handleClaim)
	ag.GET("/stats", h.handleStats)
	ag.GET("/channels/:id", h.withChannelID(h.handleChannel))
	ag.DELETE("/channels/:id", h.withChannelID(h.handlePurge))
}

// RequestID tags every request with X-Request-ID, keeping a caller-supplied one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// ── Public ────────────────────────────────────────────────────────────────────

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "provider": h.orch.ledger.Provider().Hex()})
}

func (h *Handler) handlePricing(c *gin.Context) {
	tbl := h.orch.prices.Table()
	models := make(map[string]pricing.ModelPrice, tbl.Len())
	for _, name := range tbl.Models() {
		models[name], _ = tbl.Lookup(name)
	}
	c.JSON(http.StatusOK, gin.H{
		"provider":  h.orch.ledger.Provider().Hex(),
		"chainId":   h.chainID,
		"currency":  "USDC",
		"decimals":  drain.USDCDecimals,
		"source":    tbl.Source,
		"updatedAt": tbl.UpdatedAt.Unix(),
		"models":    models,
	})
}

func (h *Handler) handleModels(c *gin.Context) {
	tbl := h.orch.prices.Table()
	data := make([]gin.H, 0, tbl.Len())
	for _, name := range tbl.Models() {
		data = append(data, gin.H{
			"id":       name,
			"object":   "model",
			"created":  tbl.UpdatedAt.Unix(),
			"owned_by": "drain-provider",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (h *Handler) handleChat(c *gin.Context) {
	header := c.GetHeader(voucher.HeaderName)
	if header == "" {
		writeError(c, drain.ErrVoucherRequired)
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		writeError(c, badRequest("invalid_request_error", "invalid_body", "request body unreadable or too large"))
		return
	}
	req, err := ParseChatRequest(body)
	if err != nil {
		writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	paid, err := h.orch.Authorize(ctx, header, req)
	if err != nil {
		h.logReject(c, err)
		writeError(c, err)
		return
	}

	if !req.Stream {
		res, err := h.orch.Complete(ctx, paid)
		if err != nil {
			h.logReject(c, err)
			writeError(c, err)
			return
		}
		setReceiptHeaders(c, res.Receipt)
		c.Data(http.StatusOK, "application/json", res.Body)
		return
	}

	src, err := h.orch.OpenStream(ctx, paid)
	if err != nil {
		paid.Release()
		h.logReject(c, err)
		writeError(c, err)
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header(drain.HeaderChannel, paid.Hold.Voucher.ChannelID.Hex())
	c.Status(http.StatusOK)
	if _, err := h.orch.Relay(ctx, paid, src, c.Writer); err != nil {
		h.logReject(c, err)
	}
}

func setReceiptHeaders(c *gin.Context, r *ledger.Receipt) {
	c.Header(drain.HeaderCost, r.Cost.String())
	c.Header(drain.HeaderTotal, r.Total.String())
	c.Header(drain.HeaderRemaining, r.Remaining.String())
	c.Header(drain.HeaderChannel, r.ChannelID.Hex())
}

func (h *Handler) logReject(c *gin.Context, err error) {
	h.log.Info("chat request failed",
		zap.String("request_id", c.GetString("request_id")),
		zap.String("code", string(drain.CodeOf(err))),
		zap.Stringer("kind", drain.KindOf(err)),
		zap.Error(err),
	)
}

// ── Admin ─────────────────────────────────────────────────────────────────────

func (h *Handler) handleClaim(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	report, err := h.orch.ledger.ClaimPayments(c.Request.Context(), force)
	if err != nil {
		h.log.Error("claim run failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	txs := report.TxHashes()
	c.JSON(http.StatusOK, gin.H{
		"success":      len(report.Failed()) == 0,
		"claimed":      len(txs),
		"transactions": txs,
		"results":      report.Results,
	})
}

func (h *Handler) handleStats(c *gin.Context) {
	s, err := h.orch.ledger.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"provider":     h.orch.ledger.Provider().Hex(),
		"chainId":      h.chainID,
		"channels":     s.Channels,
		"totalCharged": s.TotalCharged.String(),
		"claimed":      s.Claimed.String(),
		"unclaimed":    s.Unclaimed.String(),
		"totalEarned":  drain.FormatUSDC(s.TotalCharged) + " USDC",
	})
}

func (h *Handler) handleChannel(c *gin.Context, id common.Hash) {
	info, err := h.orch.ledger.ChannelInfo(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *Handler) handlePurge(c *gin.Context, id common.Hash) {
	err := h.orch.ledger.Purge(c.Request.Context(), id)
	switch {
	case errors.Is(err, ledger.ErrChannelOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "channel is still open on-chain"})
	case err != nil:
		writeError(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"purged": id.Hex()})
	}
}

// withChannelID parses :id before calling next.
func (h *Handler) withChannelID(next func(*gin.Context, common.Hash)) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Param("id")
		if !channelIDPattern.MatchString(raw) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "channel id must be 0x-prefixed 32-byte hex"})
			return
		}
		next(c, common.HexToHash(raw))
	}
}
