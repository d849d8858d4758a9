package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"atelier/internal/domain"
	"atelier/internal/repository"
)

func (s *Server) registerAdminRoutes(v1 *gin.RouterGroup) {
	admin := v1.Group("/admin")
	admin.POST("/login", s.adminLogin)
	admin.POST("/refresh", s.adminRefresh)

	authed := admin.Group("", s.requireAdmin)
	authed.POST("/logout", s.adminLogout)

	authed.GET("/reservations", s.adminListReservations)
	authed.GET("/reservations/:id", s.adminGetReservation)
	authed.PATCH("/reservations/:id/status", s.adminUpdateReservationStatus)
	authed.POST("/reservations/expire", s.adminExpireOverdue)

	authed.GET("/products", s.adminListProducts)
	authed.POST("/products", s.adminCreateProduct)
	authed.PUT("/products/:id", s.adminUpdateProduct)
	authed.POST("/products/:id/variants", s.adminAddVariant)
	authed.PATCH("/variants/:id", s.adminUpdateVariant)
	authed.GET("/variants/:id/adjustments", s.adminVariantAdjustments)

	authed.GET("/reports/status", s.adminStatusReport)
	authed.GET("/reports/demand", s.adminDemandReport)
}

type adminLoginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// @Summary Admin login
// @Tags admin
// @Accept json
// @Produce json
// @Param input body adminLoginReq true "Credentials"
// @Success 200 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /admin/login [post]
func (s *Server) adminLogin(c *gin.Context) {
	var req adminLoginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	access, refresh, err := s.auth.LoginAdmin(c, req.Email, req.Password)
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": access, "refresh_token": refresh})
}

type adminRefreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

// @Summary Refresh admin access token
// @Tags admin
// @Accept json
// @Produce json
// @Param input body adminRefreshReq true "Refresh token"
// @Success 200 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /admin/refresh [post]
func (s *Server) adminRefresh(c *gin.Context) {
	var req adminRefreshReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	access, err := s.auth.RefreshAdmin(c, req.RefreshToken)
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": access})
}

// @Summary Revoke current admin token
// @Tags admin
// @Security BearerAuth
// @Success 204
// @Router /admin/logout [post]
func (s *Server) adminLogout(c *gin.Context) {
	if err := s.auth.Logout(c, bearerToken(c)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary List reservations
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param status query string false "PENDING|CONFIRMED|CANCELED|EXPIRED"
// @Param contact query string false "Customer name, email or phone contains"
// @Param from query string false "Created from (RFC3339)"
// @Param to query string false "Created to (RFC3339)"
// @Success 200 {array} domain.Reservation
// @Router /admin/reservations [get]
func (s *Server) adminListReservations(c *gin.Context) {
	f := repository.ReservationFilter{
		Status:  domain.ReservationStatus(c.Query("status")),
		Contact: c.Query("contact"),
	}
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
		f.CreatedFrom = &t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
		f.CreatedTo = &t
	}
	list, err := s.reservations.List(c, f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

// @Summary Get reservation with audit trail
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "Reservation ID"
// @Success 200 {object} domain.Reservation
// @Failure 404 {object} map[string]string
// @Router /admin/reservations/{id} [get]
func (s *Server) adminGetReservation(c *gin.Context) {
	r, err := s.reservations.Get(c, c.Param("id"))
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r)
}

type updateStatusReq struct {
	Status      string `json:"status"`
	DeductStock *bool  `json:"deduct_stock"`
}

// @Summary Confirm or cancel a pending reservation
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Reservation ID"
// @Param input body updateStatusReq true "New status"
// @Success 200 {object} domain.Reservation
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /admin/reservations/{id}/status [patch]
func (s *Server) adminUpdateReservationStatus(c *gin.Context) {
	var req updateStatusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	// без явного deduct_stock подтверждение только меняет статус,
	// удержание остаётся до выдачи товара
	deduct := false
	if req.DeductStock != nil {
		deduct = *req.DeductStock
	}
	r, _, err := s.reservations.UpdateStatus(c, c.Param("id"), domain.ReservationStatus(req.Status), domain.ActorAdmin, c.GetString(ctxAdminID), deduct)
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r)
}

// @Summary Expire overdue pending reservations now
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]int
// @Router /admin/reservations/expire [post]
func (s *Server) adminExpireOverdue(c *gin.Context) {
	n, err := s.reservations.ExpireOverdue(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": n})
}

// @Summary List products including inactive
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param q query string false "Name contains"
// @Success 200 {array} domain.Product
// @Router /admin/products [get]
func (s *Server) adminListProducts(c *gin.Context) {
	list, err := s.products.List(c, repository.ProductFilter{NameSubstring: c.Query("q")})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

type createProductReq struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	GarmentType string `json:"garment_type"`
}

// @Summary Create product
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param input body createProductReq true "Product"
// @Success 201 {object} domain.Product
// @Failure 400 {object} map[string]string
// @Router /admin/products [post]
func (s *Server) adminCreateProduct(c *gin.Context) {
	var req createProductReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	p, err := s.products.Create(c, domain.Product{
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		GarmentType: req.GarmentType,
	})
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, p)
}

type updateProductReq struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"is_active"`
}

// @Summary Update product
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Product ID"
// @Param input body updateProductReq true "Fields to change"
// @Success 200 {object} domain.Product
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /admin/products/{id} [put]
func (s *Server) adminUpdateProduct(c *gin.Context) {
	var req updateProductReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	p, err := s.products.Update(c, c.Param("id"), req.Name, req.Description, req.IsActive)
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

type addVariantReq struct {
	SKU         string          `json:"sku"`
	Size        string          `json:"size"`
	Color       string          `json:"color"`
	Price       decimal.Decimal `json:"price"`
	StockOnHand int64           `json:"stock_on_hand"`
}

// @Summary Add variant to product
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Product ID"
// @Param input body addVariantReq true "Variant"
// @Success 201 {object} domain.ProductVariant
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /admin/products/{id}/variants [post]
func (s *Server) adminAddVariant(c *gin.Context) {
	var req addVariantReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	v, err := s.products.AddVariant(c, domain.ProductVariant{
		ProductID:   c.Param("id"),
		SKU:         req.SKU,
		Size:        req.Size,
		Color:       req.Color,
		Price:       req.Price,
		StockOnHand: req.StockOnHand,
	})
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, v)
}

type updateVariantReq struct {
	Price       *decimal.Decimal `json:"price"`
	StockOnHand *int64           `json:"stock_on_hand"`
}

// @Summary Update variant price or on-hand stock
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Variant ID"
// @Param input body updateVariantReq true "Fields to change"
// @Success 200 {object} domain.ProductVariant
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /admin/variants/{id} [patch]
func (s *Server) adminUpdateVariant(c *gin.Context) {
	var req updateVariantReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	v, err := s.products.UpdateVariant(c, c.Param("id"), req.Price, req.StockOnHand, c.GetString(ctxAdminID))
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, v)
}

// @Summary Stock adjustment history for a variant
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "Variant ID"
// @Success 200 {array} domain.InventoryAdjustment
// @Router /admin/variants/{id}/adjustments [get]
func (s *Server) adminVariantAdjustments(c *gin.Context) {
	list, err := s.ledger.History(c, c.Param("id"))
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

// @Summary Reservation counts by status
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]int64
// @Router /admin/reports/status [get]
func (s *Server) adminStatusReport(c *gin.Context) {
	report, err := s.reservations.StatusReport(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// @Summary Reserved quantity per variant
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {array} repository.VariantDemand
// @Router /admin/reports/demand [get]
func (s *Server) adminDemandReport(c *gin.Context) {
	report, err := s.reservations.DemandReport(c)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
