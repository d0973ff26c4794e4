package server

import (
	"math/big"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"

	"github.com/bardlex/roundproxy/internal/events"
	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/internal/scheduler"
)

// Burst API request types.
const (
	RequestGetMiningInfo = "getMiningInfo"
	RequestSubmitNonce   = "submitNonce"
)

// Miner metadata headers.
const (
	HeaderCapacity  = "X-Capacity"
	HeaderMiner     = "X-Miner"
	HeaderMinerName = "X-MinerName"
	HeaderAccount   = "X-Account"
)

type submitResponse struct {
	Result   string   `json:"result"`
	Deadline *big.Int `json:"deadline"`
}

type errorResponse struct {
	Error *mining.SubmitError `json:"error"`
}

type upstreamStatus struct {
	ID        string       `json:"id"`
	Weight    int          `json:"weight"`
	Connected bool         `json:"connected"`
	Quality   float64      `json:"quality"`
	Stats     events.Stats `json:"stats"`
}

type statusResponse struct {
	Proxy         string             `json:"proxy"`
	MiningInfo    *mining.MiningInfo `json:"miningInfo"`
	Upstreams     []upstreamStatus   `json:"upstreams"`
	Miners        []mining.Miner     `json:"miners"`
	TotalCapacity float64            `json:"totalCapacity"`
	Queued        []queuedRound      `json:"queued,omitempty"`
}

type queuedRound struct {
	UpstreamID string `json:"upstreamId"`
	Height     uint64 `json:"height"`
}

// roundQueue is implemented by proxies that expose their scheduler.
type roundQueue interface {
	Scheduler() *scheduler.Scheduler
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(s.requestLogger(), gin.Recovery())
	_ = router.SetTrustedProxies(nil)

	router.GET("/health", func(c *gin.Context) {
		render(c, http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
	})
	router.GET("/:proxy/burst", s.burst)
	router.POST("/:proxy/burst", s.burst)
	router.GET("/:proxy/status", s.status)
	return router
}

// requestLogger logs every request at debug, server errors at error.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.logger.WithFields(
			"client_ip", c.ClientIP(),
			"duration", time.Since(start),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
		)
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("request failed", "errors", c.Errors.String())
			return
		}
		entry.Debug("request served")
	}
}

func (s *Server) burst(c *gin.Context) {
	p, ok := s.proxies[c.Param("proxy")]
	if !ok {
		render(c, http.StatusNotFound, errorResponse{Error: &mining.SubmitError{Message: "unknown proxy", Code: mining.CodeWrongFormat}})
		return
	}

	meta := minerMeta(c)

	switch param(c, "requestType") {
	case RequestGetMiningInfo:
		p.TouchMiner(meta)
		info := p.GetMiningInfo()
		if info == nil {
			render(c, http.StatusServiceUnavailable, errorResponse{Error: &mining.SubmitError{Message: "no mining info available yet", Code: mining.CodeUpstream}})
			return
		}
		render(c, http.StatusOK, info)

	case RequestSubmitNonce:
		raw := mining.RawSubmission{
			AccountID:    param(c, "accountId"),
			Height:       param(c, "blockheight"),
			Nonce:        param(c, "nonce"),
			Deadline:     param(c, "deadline"),
			SecretPhrase: param(c, "secretPhrase"),
		}
		res := p.SubmitNonce(c.Request.Context(), raw, meta)
		if res.Error != nil {
			render(c, http.StatusOK, errorResponse{Error: res.Error})
			return
		}
		render(c, http.StatusOK, submitResponse{Result: "success", Deadline: res.Deadline})

	default:
		render(c, http.StatusBadRequest, errorResponse{Error: &mining.SubmitError{Message: "unknown requestType", Code: mining.CodeWrongFormat}})
	}
}

func (s *Server) status(c *gin.Context) {
	p, ok := s.proxies[c.Param("proxy")]
	if !ok {
		render(c, http.StatusNotFound, gin.H{"status": "error", "message": "unknown proxy"})
		return
	}

	resp := statusResponse{
		Proxy:         p.Name(),
		MiningInfo:    p.GetMiningInfo(),
		Miners:        p.Miners(),
		TotalCapacity: p.TotalCapacity(),
	}
	for _, u := range p.Upstreams() {
		resp.Upstreams = append(resp.Upstreams, upstreamStatus{
			ID:        u.ID(),
			Weight:    u.Weight(),
			Connected: u.Connected(),
			Quality:   u.Quality(),
			Stats:     u.Stats(),
		})
	}
	if q, ok := p.(roundQueue); ok {
		for _, r := range q.Scheduler().Queued() {
			resp.Queued = append(resp.Queued, queuedRound{UpstreamID: r.UpstreamID, Height: r.Info.Height})
		}
	}
	render(c, http.StatusOK, resp)
}

// minerMeta reads the miner headers. The remote host identifies the miner.
func minerMeta(c *gin.Context) mining.MinerMeta {
	return mining.MinerMeta{
		ID:         c.ClientIP(),
		Name:       c.GetHeader(HeaderMinerName),
		Software:   c.GetHeader(HeaderMiner),
		Capacity:   mining.ParseCapacity(c.GetHeader(HeaderCapacity)),
		AccountKey: c.GetHeader(HeaderAccount),
	}
}

// param reads key from the query string, then the form body.
func param(c *gin.Context, key string) string {
	if v, ok := c.GetQuery(key); ok {
		return v
	}
	return c.PostForm(key)
}

func render(c *gin.Context, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		_ = c.Error(err)
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json; charset=utf-8", data)
}
