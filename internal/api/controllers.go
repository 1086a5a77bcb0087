package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/control"
	"execution-core/internal/heartbeat"
	"execution-core/internal/model"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

const maxBody = 1 << 20

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondErr maps err onto the error taxonomy.
func respondErr(c *gin.Context, err error) {
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	kind := model.Kind(err)
	status := http.StatusInternalServerError
	switch kind {
	case model.KindValidation:
		status = http.StatusBadRequest
	case model.KindConflict, model.KindInconsistent, model.KindLeadership:
		status = http.StatusConflict
	case model.KindTransient:
		status = http.StatusServiceUnavailable
	case model.KindRiskRejected:
		status = http.StatusUnprocessableEntity
	}
	respondError(c, status, string(kind), err.Error())
}

// decodeStrict rejects unknown fields and trailing data.
func decodeStrict(c *gin.Context, out any) error {
	dec := json.NewDecoder(io.LimitReader(c.Request.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after request body")
	}
	return nil
}

func queryLimit(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) postSignal(c *gin.Context) {
	if s.d.Signals == nil {
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", "signal pipeline not wired")
		return
	}
	var sig model.Signal
	if err := decodeStrict(c, &sig); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	dec, err := s.d.Signals.Handle(c.Request.Context(), sig)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, dec)
}

type heartbeatRequest struct {
	Feed      string    `json:"feed"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) postHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := decodeStrict(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	feed := heartbeat.Feed(strings.ToLower(strings.TrimSpace(req.Feed)))
	if !s.tracked(feed) {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "unknown feed "+req.Feed)
		return
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = s.clock.Now()
	}
	s.d.Readiness.Record(feed, ts)
	c.JSON(http.StatusOK, s.d.Readiness.Status())
}

func (s *Server) tracked(feed heartbeat.Feed) bool {
	if s.d.Readiness == nil {
		return false
	}
	for _, f := range s.d.Readiness.Status().Feeds {
		if f.Feed == feed {
			return true
		}
	}
	return false
}

type tickRequest struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) postTick(c *gin.Context) {
	var req tickRequest
	if err := decodeStrict(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" || req.Price <= 0 {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "symbol and positive price are required")
		return
	}
	at := req.Timestamp
	if at.IsZero() {
		at = s.clock.Now()
	}
	if s.d.Readiness != nil {
		s.d.Readiness.Record(heartbeat.FeedMarketData, at)
	}
	if s.d.OnTick != nil {
		s.d.OnTick(symbol, req.Price, at)
	}
	c.JSON(http.StatusAccepted, gin.H{"symbol": symbol, "price": req.Price, "at": at})
}

func (s *Server) getState(c *gin.Context) {
	resp := gin.H{"instance_id": s.d.InstanceID}
	if s.d.Control != nil {
		resp["control"] = s.d.Control.Status()
	}
	if s.d.Lease != nil {
		lease := s.d.Lease()
		resp["lease"] = lease
		resp["leader"] = lease.Valid(s.clock.Now())
	}
	if s.d.Readiness != nil {
		resp["readiness"] = s.d.Readiness.Status()
	}
	if s.d.Positions != nil {
		resp["positions"] = s.d.Positions.Positions()
	}
	if s.d.Groups != nil {
		resp["open_groups"] = s.d.Groups.Groups(true)
	}
	if s.d.Risk != nil {
		resp["risk"] = s.d.Risk.Snapshot()
	}
	if s.d.Reconciler != nil {
		if last := s.d.Reconciler.Last(); last != nil {
			resp["last_reconcile"] = last
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getRisk(c *gin.Context) {
	if s.d.Risk == nil {
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", "risk tracker not wired")
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.d.Risk.Snapshot(), "stats": s.d.Risk.Stats()})
}

type modeRequest struct {
	Mode    string `json:"mode"`
	Confirm string `json:"confirm"`
}

func (s *Server) postMode(c *gin.Context) {
	var req modeRequest
	if err := decodeStrict(c, &req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	mode, err := control.ParseMode(req.Mode)
	if err != nil {
		respondErr(c, err)
		return
	}
	st, err := s.d.Control.SetMode(c.Request.Context(), mode, req.Confirm)
	if err != nil {
		s.log.Warn("mode change refused", zap.String("target", string(mode)), zap.String("subject", CurrentSubject(c)), zap.Error(err))
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// optionalReason accepts an empty body.
func optionalReason(c *gin.Context) (string, error) {
	var req reasonRequest
	if c.Request.ContentLength == 0 {
		return "", nil
	}
	if err := decodeStrict(c, &req); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(req.Reason), nil
}

func (s *Server) postFlatten(c *gin.Context) {
	reason, err := optionalReason(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if reason == "" {
		reason = "operator:" + CurrentSubject(c)
	}
	res, err := s.d.Control.Flatten(c.Request.Context(), reason)
	if err != nil {
		respondErr(c, err)
		return
	}
	status := http.StatusOK
	switch res.Status {
	case control.FlattenPartial:
		status = http.StatusMultiStatus
	case control.FlattenFailed:
		status = http.StatusInternalServerError
	}
	c.JSON(status, res)
}

func (s *Server) postPause(c *gin.Context) {
	reason, err := optionalReason(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if reason == "" {
		reason = "operator"
	}
	s.d.Control.Pause(c.Request.Context(), reason)
	c.JSON(http.StatusOK, s.d.Control.Status())
}

func (s *Server) postResume(c *gin.Context) {
	st, err := s.d.Control.Resume(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) postReconcile(c *gin.Context) {
	if s.d.Reconciler == nil {
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", "reconciliation not wired")
		return
	}
	rep, err := s.d.Reconciler.Scan(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// postConfig accepts a full YAML snapshot.
func (s *Server) postConfig(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBody))
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "empty config")
		return
	}
	snap, err := config.ParseSnapshot(body)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
		return
	}
	if err := s.d.Control.ApplyConfig(c.Request.Context(), snap); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, s.d.Control.Status())
}

func (s *Server) getIncidents(c *gin.Context) {
	if s.d.Audit == nil {
		c.JSON(http.StatusOK, gin.H{"incidents": []any{}})
		return
	}
	list, err := s.d.Audit.Incidents(c.Request.Context(), queryLimit(c, 20, 200))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": list})
}

func (s *Server) getAudit(c *gin.Context) {
	if s.d.Audit == nil {
		c.JSON(http.StatusOK, gin.H{"entries": []any{}})
		return
	}
	list, err := s.d.Audit.Recent(c.Request.Context(), queryLimit(c, 100, 1000))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": list})
}

func (s *Server) getGroups(c *gin.Context) {
	openOnly := c.DefaultQuery("open", "true") != "false"
	c.JSON(http.StatusOK, gin.H{"groups": s.d.Groups.Groups(openOnly)})
}

func (s *Server) getGroup(c *gin.Context) {
	g, ok := s.d.Groups.Group(c.Param("id"))
	if !ok {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "group "+c.Param("id")+" not found")
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) cancelGroup(c *gin.Context) {
	g, err := s.d.Groups.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) exitGroup(c *gin.Context) {
	reason, err := optionalReason(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if reason == "" {
		reason = "operator"
	}
	g, err := s.d.Groups.ForceExit(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}
