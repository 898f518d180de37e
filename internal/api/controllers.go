package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"broker-core/internal/errs"
	"broker-core/internal/order"
	"broker-core/pkg/db"
)

// All responses share the {success, data|error} envelope.

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   gin.H{"code": code, "message": message},
	})
}

func failWithReasons(c *gin.Context, status int, code, message string, reasons []string) {
	body := gin.H{"code": code, "message": message}
	if len(reasons) > 0 {
		body["reasons"] = reasons
	}
	c.JSON(status, gin.H{"success": false, "error": body})
}

// statusFor maps error kinds onto HTTP statuses.
func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation, errs.KindRisk:
		return http.StatusBadRequest
	case errs.KindCompliance:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindTransientStorage, errs.KindReferenceData:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondErr(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= 500 {
		log.WithError(err).Error("request failed")
	}
	failWithReasons(c, status, errs.CodeOf(err), err.Error(), errs.ReasonsOf(err))
}

// accountFor resolves the authenticated user's account.
func (s *Server) accountFor(c *gin.Context) (*db.Account, bool) {
	userID := CurrentUserID(c)
	acct, err := s.DB.GetAccountByUser(c.Request.Context(), userID)
	if err != nil {
		if err == db.ErrNotFound {
			fail(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "no account for user")
			return nil, false
		}
		fail(c, http.StatusInternalServerError, "INTERNAL", "account lookup failed")
		return nil, false
	}
	return acct, true
}

type submitOrderRequest struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Type        string  `json:"type"`
	Qty         float64 `json:"qty"`
	LimitPrice  float64 `json:"limit_price"`
	TimeInForce string  `json:"time_in_force"`
}

// submitOrder accepts an order and waits for the pipeline outcome.
func (s *Server) submitOrder(c *gin.Context) {
	acct, okAcct := s.accountFor(c)
	if !okAcct {
		return
	}

	var req submitOrderRequest
	if err := c.BindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}

	o := order.Order{
		AccountID:   acct.ID,
		UserID:      acct.UserID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Qty:         req.Qty,
		LimitPrice:  req.LimitPrice,
		TimeInForce: req.TimeInForce,
	}

	result, err := s.Engine.SubmitOrder(c.Request.Context(), o)
	if err != nil {
		respondErr(c, err)
		return
	}
	ok(c, http.StatusCreated, result)
}

// cancelOrder requests cancellation of a working order.
func (s *Server) cancelOrder(c *gin.Context) {
	acct, okAcct := s.accountFor(c)
	if !okAcct {
		return
	}

	result, err := s.Engine.CancelOrder(c.Request.Context(), acct.ID, c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	ok(c, http.StatusOK, result)
}

// getOrder returns one order scoped to the caller's account.
func (s *Server) getOrder(c *gin.Context) {
	acct, okAcct := s.accountFor(c)
	if !okAcct {
		return
	}

	result, err := s.Engine.GetOrder(c.Request.Context(), acct.ID, c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	ok(c, http.StatusOK, result)
}

// listOrders returns the caller's recent orders.
func (s *Server) listOrders(c *gin.Context) {
	acct, okAcct := s.accountFor(c)
	if !okAcct {
		return
	}

	limit := intQuery(c, "limit", 100)
	result, err := s.Engine.ListOrders(c.Request.Context(), acct.ID, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	ok(c, http.StatusOK, result)
}

// listFills returns the caller's recent fills.
func (s *Server) listFills(c *gin.Context) {
	acct, okAcct := s.accountFor(c)
	if !okAcct {
		return
	}

	limit := intQuery(c, "limit", 100)
	result, err := s.Engine.ListFills(c.Request.Context(), acct.ID, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	ok(c, http.StatusOK, result)
}

// getAccount returns the caller's live account snapshot.
func (s *Server) getAccount(c *gin.Context) {
	acct, okAcct := s.accountFor(c)
	if !okAcct {
		return
	}

	snap, err := s.Engine.AccountSnapshot(c.Request.Context(), acct.ID)
	if err != nil {
		respondErr(c, err)
		return
	}
	ok(c, http.StatusOK, snap)
}

// listPositions returns the caller's positions.
func (s *Server) listPositions(c *gin.Context) {
	acct, okAcct := s.accountFor(c)
	if !okAcct {
		return
	}

	result, err := s.Engine.ListPositions(c.Request.Context(), acct.ID)
	if err != nil {
		respondErr(c, err)
		return
	}
	ok(c, http.StatusOK, result)
}

// getDepth returns the aggregated book for a symbol.
func (s *Server) getDepth(c *gin.Context) {
	levels := intQuery(c, "levels", 10)
	view, err := s.Engine.MarketDepth(c.Request.Context(), c.Param("symbol"), levels)
	if err != nil {
		respondErr(c, err)
		return
	}
	ok(c, http.StatusOK, view)
}

// systemStatus reports pipeline metrics and topology.
func (s *Server) systemStatus(c *gin.Context) {
	status, err := s.Engine.SystemStatus(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	ok(c, http.StatusOK, status)
}

// health is the unauthenticated liveness probe.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
