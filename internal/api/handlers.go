package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lab-validation-server/internal/domain"
	"github.com/lab-validation-server/internal/health"
	"github.com/lab-validation-server/internal/service"
)

// ActorHeader names the acting user when the body does not.
const ActorHeader = "X-Lab-User"

type valueRequest struct {
	Value         string `json:"value"`
	NotApplicable bool   `json:"not_applicable"`
	Actor         string `json:"actor"`
}

type submitRequest struct {
	Actor string `json:"actor"`
}

type approveRequest struct {
	Reviewer string `json:"reviewer"`
	Comments string `json:"comments"`
}

type retestRequest struct {
	TestIDs []string `json:"test_ids"`
	Reason  string   `json:"reason"`
	Actor   string   `json:"actor"`
}

// bind decodes an optional JSON body. An empty body leaves req untouched.
func bind(c *gin.Context, req interface{}) error {
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		return domain.NewValidationError("body", "malformed JSON body", err.Error())
	}
	return nil
}

func actor(c *gin.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if h := c.GetHeader(ActorHeader); h != "" {
		return h
	}
	return service.SystemActor
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.services.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": health.StateHealthy})
		return
	}
	status := s.services.Health.Status()
	if status.CheckCount == 0 {
		status = s.services.Health.Run(c.Request.Context())
	}

	code := http.StatusOK
	if status.Overall == health.StateUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (s *Server) handleQueues(c *gin.Context) {
	c.JSON(http.StatusOK, s.services.Queues.Load(c.Request.Context()))
}

func (s *Server) handleGetOrder(c *gin.Context) {
	order, err := s.services.Controller.Order(c.Param("orderId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleOpenWorksheet(c *gin.Context) {
	ws, err := s.services.Controller.OpenWorksheet(c.Request.Context(), c.Param("orderId"), c.Param("testId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (s *Server) handleResetWorksheet(c *gin.Context) {
	s.services.Drafts.Reset(c.Param("orderId"), c.Param("testId"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleEnterValue(c *gin.Context) {
	var req valueRequest
	if err := bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}

	v, err := s.services.Controller.EnterResult(c.Request.Context(), service.Entry{
		OrderID:       c.Param("orderId"),
		TestID:        c.Param("testId"),
		ParameterID:   c.Param("parameterId"),
		Value:         req.Value,
		NotApplicable: req.NotApplicable,
		Actor:         actor(c, req.Actor),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleSaveDrafts(c *gin.Context) {
	orderID, testID := c.Param("orderId"), c.Param("testId")
	if err := s.services.Drafts.Save(c.Request.Context(), orderID, testID); err != nil {
		s.writeError(c, err)
		return
	}
	ws, err := s.services.Drafts.Worksheet(orderID, testID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

func (s *Server) handleLoadDrafts(c *gin.Context) {
	drafts, err := s.services.Drafts.LoadDrafts(c.Request.Context(), c.Param("orderId"), c.Param("testId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drafts": drafts})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	order, err := s.services.Controller.SubmitForValidation(c.Request.Context(), c.Param("orderId"), actor(c, req.Actor))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleApprove(c *gin.Context) {
	var req approveRequest
	if err := bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	result, err := s.services.Controller.ApproveAndGenerate(c.Request.Context(), c.Param("orderId"), service.ApprovalRequest{
		Reviewer: req.Reviewer,
		Comments: req.Comments,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleRetest(c *gin.Context) {
	var req retestRequest
	if err := bind(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	order, err := s.services.Controller.RequestRetest(c.Request.Context(), c.Param("orderId"), req.TestIDs, req.Reason, actor(c, req.Actor))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (s *Server) handleAudit(c *gin.Context) {
	entries, err := s.services.Audit.ListByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("orderId"), "entries": entries})
}
