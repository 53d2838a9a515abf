package equipment

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type Handler struct{ svc *Service }

// r: 認証済みユーザー向け（カタログ閲覧）、admin: 管理者向け（登録・編集）
func RegisterRoutes(r gin.IRoutes, admin gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}

	r.GET("/equipments", h.List)
	r.GET("/equipments/:equipment_ulid", h.Get)

	admin.POST("/equipments", h.Create)
	admin.PUT("/equipments/:equipment_ulid", h.Update)
}

func (h *Handler) List(c *gin.Context) {
	f := Filter{}
	if v := c.Query("category"); v != "" {
		f.Category = &v
	}
	if v := c.Query("available"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			f.Available = &b
		}
	}
	res, err := h.svc.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Get(c *gin.Context) {
	res, err := h.svc.Get(c.Request.Context(), c.Param("equipment_ulid"))
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateEquipmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "invalid json or missing required fields"))
		return
	}
	res, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.Header("Location", "/equipments/"+res.EquipmentULID)
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) Update(c *gin.Context) {
	var req UpdateEquipmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "invalid json"))
		return
	}
	res, err := h.svc.Update(c.Request.Context(), c.Param("equipment_ulid"), req)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

// ---------- helpers ----------

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
