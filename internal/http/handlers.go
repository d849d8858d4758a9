package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"atelier/internal/domain"
	"atelier/internal/repository"
	"atelier/internal/service"
)

type Server struct {
	engine       *gin.Engine
	products     *service.ProductService
	reservations *service.ReservationService
	auth         *service.AuthService
	ledger       *service.Ledger
}

func NewServer(products *service.ProductService, reservations *service.ReservationService, auth *service.AuthService, ledger *service.Ledger) *Server {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	s := &Server{engine: r, products: products, reservations: reservations, auth: auth, ledger: ledger}
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	// Swagger UI
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := s.engine.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		auth.POST("/otp/request", s.requestOTP)
		auth.POST("/otp/verify", s.verifyOTP)

		products := v1.Group("/products")
		products.GET("", s.listProducts)
		products.GET(":id", s.getProduct)

		res := v1.Group("/reservations", s.requireCustomer)
		res.POST("", s.createReservation)
		res.GET("/my", s.myReservations)
		res.GET(":id", s.getReservation)
		res.POST(":id/cancel", s.cancelReservation)

		// код резерва диктуют по телефону, доступ без сессии
		v1.GET("/reservations/code/:code", s.getReservationByCode)

		s.registerAdminRoutes(v1)
	}
}

// ключи контекста gin
const (
	ctxCustomerID = "customer_id"
	ctxAdminID    = "admin_id"
)

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (s *Server) requireCustomer(c *gin.Context) {
	t, err := s.auth.Validate(c, bearerToken(c))
	if err != nil || t.Kind != domain.TokenCustomer {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ctxCustomerID, t.SubjectID)
	c.Next()
}

func (s *Server) requireAdmin(c *gin.Context) {
	t, err := s.auth.Validate(c, bearerToken(c))
	if err != nil || t.Kind != domain.TokenAdmin {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(ctxAdminID, t.SubjectID)
	c.Next()
}

// Auth handlers
type otpRequestReq struct {
	Target string `json:"target"`
}

// @Summary Request a one-time login code
// @Tags auth
// @Accept json
// @Param input body otpRequestReq true "Email or phone"
// @Success 204
// @Failure 400 {object} map[string]string
// @Router /auth/otp/request [post]
func (s *Server) requestOTP(c *gin.Context) {
	var req otpRequestReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := s.auth.RequestOTP(c, req.Target); err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type otpVerifyReq struct {
	Target string `json:"target"`
	Code   string `json:"code"`
}

// @Summary Exchange a one-time code for a session token
// @Tags auth
// @Accept json
// @Produce json
// @Param input body otpVerifyReq true "Target and code"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /auth/otp/verify [post]
func (s *Server) verifyOTP(c *gin.Context) {
	var req otpVerifyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	token, customer, err := s.auth.VerifyOTP(c, req.Target, req.Code)
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "customer": customer})
}

// Catalog handlers

// @Summary List active products with availability
// @Tags products
// @Produce json
// @Param q query string false "Name contains"
// @Param category query string false "Category"
// @Param type query string false "Garment type"
// @Param size query string false "Size"
// @Param color query string false "Color"
// @Success 200 {array} domain.Product
// @Router /products [get]
func (s *Server) listProducts(c *gin.Context) {
	f := repository.ProductFilter{
		NameSubstring: c.Query("q"),
		Category:      c.Query("category"),
		GarmentType:   c.Query("type"),
		Size:          c.Query("size"),
		Color:         c.Query("color"),
		ActiveOnly:    true,
	}
	list, err := s.products.List(c, f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

// @Summary Get product by id
// @Tags products
// @Produce json
// @Param id path string true "Product ID"
// @Success 200 {object} domain.Product
// @Failure 404 {object} map[string]string
// @Router /products/{id} [get]
func (s *Server) getProduct(c *gin.Context) {
	p, err := s.products.GetByID(c, c.Param("id"))
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Reservation handlers
type reservationItemReq struct {
	VariantID string `json:"variant_id"`
	Quantity  int64  `json:"quantity"`
}

type createReservationReq struct {
	Items          []reservationItemReq `json:"items"`
	ExpiresInHours int                  `json:"expires_in_hours"`
	Note           string               `json:"note"`
	Name           string               `json:"name"`
	Email          string               `json:"email"`
	Phone          string               `json:"phone"`
	Source         string               `json:"source"`
	UTMSource      string               `json:"utm_source"`
	UTMMedium      string               `json:"utm_medium"`
	UTMCampaign    string               `json:"utm_campaign"`
}

// @Summary Create reservation
// @Tags reservations
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param input body createReservationReq true "Reservation"
// @Success 201 {object} domain.Reservation
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /reservations [post]
func (s *Server) createReservation(c *gin.Context) {
	var req createReservationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	items := make([]service.NewItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, service.NewItem{VariantID: it.VariantID, Quantity: it.Quantity})
	}
	hours := req.ExpiresInHours
	if hours == 0 {
		hours = service.DefaultExpiresInHours
	}
	var contact *service.Contact
	if req.Name != "" || req.Email != "" || req.Phone != "" {
		contact = &service.Contact{Name: req.Name, Email: req.Email, Phone: req.Phone}
	}
	var attr *service.Attribution
	if req.Source != "" || req.UTMSource != "" || req.UTMMedium != "" || req.UTMCampaign != "" {
		attr = &service.Attribution{Source: req.Source, UTMSource: req.UTMSource, UTMMedium: req.UTMMedium, UTMCampaign: req.UTMCampaign}
	}
	r, err := s.reservations.Create(c, c.GetString(ctxCustomerID), items, hours, req.Note, contact, attr)
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, r)
}

// @Summary List own reservations
// @Tags reservations
// @Produce json
// @Security BearerAuth
// @Success 200 {array} domain.Reservation
// @Router /reservations/my [get]
func (s *Server) myReservations(c *gin.Context) {
	list, err := s.reservations.ListForCustomer(c, c.GetString(ctxCustomerID))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, list)
}

// @Summary Get own reservation by id
// @Tags reservations
// @Produce json
// @Security BearerAuth
// @Param id path string true "Reservation ID"
// @Success 200 {object} domain.Reservation
// @Failure 404 {object} map[string]string
// @Router /reservations/{id} [get]
func (s *Server) getReservation(c *gin.Context) {
	r, err := s.reservations.Get(c, c.Param("id"))
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	if r.CustomerID != c.GetString(ctxCustomerID) {
		c.JSON(http.StatusNotFound, gin.H{"error": repository.ErrNotFound.Error()})
		return
	}
	c.JSON(http.StatusOK, r)
}

// @Summary Get reservation by public code
// @Tags reservations
// @Produce json
// @Param code path string true "Reservation code"
// @Success 200 {object} domain.Reservation
// @Failure 404 {object} map[string]string
// @Router /reservations/code/{code} [get]
func (s *Server) getReservationByCode(c *gin.Context) {
	r, err := s.reservations.GetByCode(c, c.Param("code"))
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r)
}

// @Summary Cancel own pending reservation
// @Tags reservations
// @Produce json
// @Security BearerAuth
// @Param id path string true "Reservation ID"
// @Success 200 {object} domain.Reservation
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /reservations/{id}/cancel [post]
func (s *Server) cancelReservation(c *gin.Context) {
	customerID := c.GetString(ctxCustomerID)
	r, err := s.reservations.Get(c, c.Param("id"))
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	if r.CustomerID != customerID {
		c.JSON(http.StatusNotFound, gin.H{"error": repository.ErrNotFound.Error()})
		return
	}
	r, _, err = s.reservations.Cancel(c, r.ID, domain.ActorCustomer, customerID)
	if err != nil {
		c.JSON(mapErrorToStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, r)
}

func mapErrorToStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrVariantNotFound), errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case service.IsInsufficientStock(err), service.IsInvalidTransition(err):
		return http.StatusConflict
	case errors.Is(err, repository.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
