package loans

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"LEMS-backend/internal/platform/auth"
)

type Handler struct{ svc *Service }

// r: 認証済みユーザー向け、admin: 管理者向け（承認・却下・引き換え・返却・CSV）
func RegisterRoutes(r gin.IRoutes, admin gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}

	// 1. 申請・照会
	r.POST("/loans", h.Submit)
	r.GET("/loans", h.List)
	r.GET("/loans/:loan_ulid", h.Get)

	// 2. 管理アクション
	admin.POST("/loans/:loan_ulid/approve", h.Approve)
	admin.POST("/loans/:loan_ulid/reject", h.Reject)
	admin.POST("/loans/:loan_ulid/return", h.Return)

	// 3. QR端末からの引き換え
	admin.POST("/loans/redeem", h.Redeem)

	// 4. 履歴エクスポート（Excel向けcp932 CSV）
	admin.GET("/loans/export", h.ExportCSV)
}

// ---------- handlers ----------

// POST /loans
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "invalid json or missing required fields"))
		return
	}
	req.UserID = c.GetString(auth.CtxUserIDKey)

	res, err := h.svc.SubmitRequest(c.Request.Context(), req)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.Header("Location", "/loans/"+res.LoanULID)
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) Get(c *gin.Context) {
	res, err := h.svc.Get(c.Request.Context(), c.Param("loan_ulid"))
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) List(c *gin.Context) {
	f := Filter{}
	if v := c.Query("user_id"); v != "" {
		f.UserID = &v
	}
	if v := c.Query("equipment_ulid"); v != "" {
		f.EquipmentULID = &v
	}
	if v := c.Query("state"); v != "" {
		st := State(v)
		f.State = &st
	}
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = &t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = &t
		}
	}
	p := Page{
		Limit:  parseIntDefault(c.Query("limit"), 50),
		Offset: parseIntDefault(c.Query("offset"), 0),
		Order:  c.DefaultQuery("order", "desc"),
	}
	res, err := h.svc.List(c.Request.Context(), f, p)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /loans/:loan_ulid/approve
func (h *Handler) Approve(c *gin.Context) {
	var req ApproveLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "invalid json"))
		return
	}
	approverID := c.GetString(auth.CtxUserIDKey)

	code, err := h.svc.ApproveRequest(c.Request.Context(), c.Param("loan_ulid"), approverID, req.Notes)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"redemption_code": code})
}

// POST /loans/:loan_ulid/reject
func (h *Handler) Reject(c *gin.Context) {
	var req RejectLoanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "reason is required"))
		return
	}
	approverID := c.GetString(auth.CtxUserIDKey)

	if err := h.svc.RejectRequest(c.Request.Context(), c.Param("loan_ulid"), approverID, req.Reason); err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "rejected"})
}

// POST /loans/redeem
func (h *Handler) Redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "code is required"))
		return
	}

	res, err := h.svc.RedeemAtPickup(c.Request.Context(), req.Code)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /loans/:loan_ulid/return
func (h *Handler) Return(c *gin.Context) {
	if err := h.svc.ConfirmReturn(c.Request.Context(), c.Param("loan_ulid")); err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "returned"})
}

// GET /loans/export
func (h *Handler) ExportCSV(c *gin.Context) {
	f := Filter{}
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = &t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = &t
		}
	}

	c.Header("Content-Type", "text/csv; charset=Shift_JIS")
	c.Header("Content-Disposition", `attachment; filename="loans.csv"`)
	if err := h.svc.ExportCSV(c.Request.Context(), c.Writer, f); err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
}

// ---------- helpers ----------

func parseIntDefault(s string, d int) int {
	if s == "" {
		return d
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return v
}

type errorDTO struct {
	Error struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorBody(code Code, msg string) errorDTO {
	var e errorDTO
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

func errorFromErr(err error) errorDTO {
	var msg string
	var code Code = CodeInternal
	if api, ok := err.(*APIError); ok {
		code, msg = api.Code, api.Message
	} else {
		msg = err.Error()
	}
	return errorBody(code, msg)
}
