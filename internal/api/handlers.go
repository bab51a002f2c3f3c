package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/tls-chameleon/internal/checker"
	"github.com/tls-chameleon/internal/session"
	"github.com/tls-chameleon/internal/types"
)

type fetchRequest struct {
	Method  string         `json:"method"`
	URL     string         `json:"url" binding:"required"`
	Headers []types.Header `json:"headers"`
	Body    string         `json:"body"`
}

type exchangeView struct {
	StatusCode int         `json:"status_code"`
	Proto      string      `json:"proto"`
	Header     http.Header `json:"header"`
	Body       string      `json:"body"`
	Truncated  bool        `json:"truncated"`
	ElapsedMs  int64       `json:"elapsed_ms"`
	Backend    string      `json:"backend"`
	URL        string      `json:"url"`
}

type fetchResponse struct {
	Outcome   string                `json:"outcome"`
	Blocked   bool                  `json:"blocked"`
	Exchange  *exchangeView         `json:"exchange,omitempty"`
	Attempts  []types.AttemptRecord `json:"attempts"`
	Rotations int                   `json:"rotations"`
	Profile   string                `json:"profile"`
	Proxy     string                `json:"proxy,omitempty"`
	Error     string                `json:"error,omitempty"`
}

func viewExchange(ex *types.Exchange) *exchangeView {
	if ex == nil {
		return nil
	}
	return &exchangeView{
		StatusCode: ex.StatusCode,
		Proto:      ex.Proto,
		Header:     ex.Header,
		Body:       ex.Text(),
		Truncated:  ex.Truncated,
		ElapsedMs:  ex.Elapsed.Milliseconds(),
		Backend:    ex.Backend,
		URL:        ex.URL,
	}
}

func errorJSON(c *gin.Context, status int, err error) {
	body := gin.H{"error": err.Error()}
	var cfgErr *types.ConfigurationError
	if errors.As(err, &cfgErr) {
		body["field"] = cfgErr.Field
	}
	c.JSON(status, body)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleProfiles(c *gin.Context) {
	reg := s.deps.Sessions.Deps().Profiles

	type profileView struct {
		Name      string `json:"name"`
		Canonical string `json:"canonical"`
		Browser   string `json:"browser"`
		Platform  string `json:"platform"`
		UserAgent string `json:"user_agent"`
		HTTP2     bool   `json:"http2"`
		JA3       string `json:"ja3,omitempty"`
	}

	names := reg.Names()
	if browser := c.Query("browser"); browser != "" {
		names = reg.ByBrowser(browser)
	}
	out := make([]profileView, 0, len(names))
	for _, n := range names {
		p, _ := reg.Get(n)
		out = append(out, profileView{
			Name:      n,
			Canonical: p.Name,
			Browser:   p.Browser,
			Platform:  p.Platform,
			UserAgent: p.UserAgent,
			HTTP2:     p.HTTP2,
			JA3:       p.JA3,
		})
	}
	c.JSON(http.StatusOK, gin.H{"profiles": out})
}

func (s *Server) handleListSessions(c *gin.Context) {
	list := s.deps.Sessions.List()
	out := make([]session.Info, 0, len(list))
	for _, st := range list {
		out = append(out, st.Info())
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) handleCreateSession(c *gin.Context) {
	opts := s.config.SessionDefaults()
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session options: " + err.Error()})
			return
		}
	}

	st, err := s.deps.Sessions.OpenLimited(opts, s.config.API.MaxSessions)
	if errors.Is(err, session.ErrSessionLimit) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		errorJSON(c, http.StatusBadRequest, err)
		return
	}
	s.updateSessionGauge()

	log.WithFields(log.Fields{
		"session": st.ID,
		"site":    st.Preset().Name,
		"mode":    string(st.Mode()),
	}).Info("Session opened")
	c.JSON(http.StatusCreated, st.Info())
}

func (s *Server) session(c *gin.Context) (*session.State, bool) {
	st, ok := s.deps.Sessions.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	}
	return st, ok
}

func (s *Server) handleGetSession(c *gin.Context) {
	if st, ok := s.session(c); ok {
		c.JSON(http.StatusOK, st.Info())
	}
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	if !s.deps.Sessions.Close(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	s.updateSessionGauge()
	c.Status(http.StatusNoContent)
}

func (s *Server) handleResetSession(c *gin.Context) {
	if st, ok := s.session(c); ok {
		st.Reset()
		c.JSON(http.StatusOK, st.Info())
	}
}

func (s *Server) handleFetch(c *gin.Context) {
	st, ok := s.session(c)
	if !ok {
		return
	}

	var body fetchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fetch request: " + err.Error()})
		return
	}
	if !strings.HasPrefix(body.URL, "http://") && !strings.HasPrefix(body.URL, "https://") {
		errorJSON(c, http.StatusBadRequest, types.NewConfigError("url", "must be an http(s) URL"))
		return
	}

	req := types.RequestSpec{
		Method:  strings.ToUpper(body.Method),
		URL:     body.URL,
		Headers: body.Headers,
	}
	if body.Body != "" {
		req.Body = []byte(body.Body)
	}

	res, err := s.deps.Controller.Do(c.Request.Context(), st, req)
	resp := fetchResponse{
		Outcome:   res.Outcome.String(),
		Exchange:  viewExchange(res.Exchange),
		Attempts:  res.Attempts,
		Rotations: res.Rotations,
		Profile:   res.Profile,
		Proxy:     res.Proxy,
	}
	if err != nil {
		resp.Error = err.Error()
	}

	var (
		blocked *types.BlockedError
		cfgErr  *types.ConfigurationError
	)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.As(err, &blocked):
		resp.Blocked = true
		c.JSON(http.StatusOK, resp)
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusBadRequest, resp)
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, resp)
	default:
		c.JSON(http.StatusBadGateway, resp)
	}
}

func (s *Server) handleProxies(c *gin.Context) {
	if s.deps.Pool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no shared proxy pool configured"})
		return
	}

	type entryView struct {
		Proxy     string            `json:"proxy"`
		Health    types.HealthState `json:"health"`
		Suspects  int               `json:"suspects"`
		LastCheck *time.Time        `json:"last_check,omitempty"`
	}

	entries := s.deps.Pool.Entries()
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		v := entryView{Proxy: e.Display, Health: e.Health, Suspects: e.Suspects}
		if !e.LastCheck.IsZero() {
			t := e.LastCheck
			v.LastCheck = &t
		}
		out = append(out, v)
	}

	counts := map[string]int{}
	for state, n := range s.deps.Pool.Counts() {
		counts[state.String()] = n
	}
	c.JSON(http.StatusOK, gin.H{
		"total":   len(out),
		"health":  counts,
		"proxies": out,
	})
}

func (s *Server) handleResetProxies(c *gin.Context) {
	if s.deps.Pool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no shared proxy pool configured"})
		return
	}
	s.deps.Pool.Reset()
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetProxyHealth(s.deps.Pool.Counts())
	}
	log.Info("Shared proxy pool reset via API")
	c.JSON(http.StatusOK, gin.H{"message": "Proxy pool reset"})
}

// handleCheckProxies runs a check in the background unless wait=1 is set
func (s *Server) handleCheckProxies(c *gin.Context) {
	if s.deps.Pool == nil || s.deps.Checker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "proxy checker not configured"})
		return
	}

	if c.Query("wait") == "1" {
		results, err := s.deps.Checker.CheckPool(c.Request.Context(), s.deps.Pool)
		if errors.Is(err, checker.ErrCheckRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": results})
		return
	}

	log.Info("Proxy check triggered via API")
	go func() {
		if _, err := s.deps.Checker.CheckPool(context.Background(), s.deps.Pool); err != nil {
			log.Warnf("Proxy check failed: %v", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"message": "Proxy check triggered"})
}

func (s *Server) handleRefreshProxies(c *gin.Context) {
	if s.deps.Pool == nil || s.deps.Aggregator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "proxy aggregation not configured"})
		return
	}

	added, err := s.deps.Aggregator.Refresh(c.Request.Context(), s.deps.Pool)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added, "total": s.deps.Pool.Len()})
}

func (s *Server) updateSessionGauge() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetOpenSessions(s.deps.Sessions.Len())
	}
}
