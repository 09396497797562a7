package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"carwatch/models"
	"carwatch/services"
	"carwatch/storage"
	"carwatch/utils"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// Handler serves the read and alert CRUD API.
type Handler struct {
	store    storage.ReadStore
	insights *services.InsightService
	logger   *utils.Logger
}

func NewHandler(store storage.ReadStore, insights *services.InsightService, logger *utils.Logger) *Handler {
	return &Handler{store: store, insights: insights, logger: logger}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.GET("/listings", h.ListListings)
		api.GET("/listings/:id", h.GetListing)
		api.GET("/stats", h.Stats)

		api.GET("/alerts", h.ListAlerts)
		api.POST("/alerts", h.CreateAlert)
		api.GET("/alerts/:id", h.GetAlert)
		api.PUT("/alerts/:id", h.UpdateAlert)
		api.DELETE("/alerts/:id", h.DeleteAlert)
	}
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return r
}

type listingsResponse struct {
	Listings   []*models.Listing `json:"listings"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	PerPage    int               `json:"per_page"`
	TotalPages int               `json:"total_pages"`
}

func (h *Handler) ListListings(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page := queryInt(c, "page", 1)
	if page < 1 {
		page = 1
	}
	perPage := queryInt(c, "per_page", defaultPerPage)
	if perPage < 1 || perPage > maxPerPage {
		perPage = defaultPerPage
	}

	listings, total, err := h.store.SearchListings(c.Request.Context(), storage.ListingQuery{
		Filter:    filter,
		SortBy:    c.Query("sort_by"),
		SortOrder: strings.ToLower(c.Query("sort_order")),
		Limit:     perPage,
		Offset:    (page - 1) * perPage,
	})
	if err != nil {
		h.logger.Error("[api] ListListings: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch listings"})
		return
	}
	if listings == nil {
		listings = []*models.Listing{}
	}

	c.JSON(http.StatusOK, listingsResponse{
		Listings:   listings,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: (total + perPage - 1) / perPage,
	})
}

func (h *Handler) GetListing(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	l, err := h.store.GetListing(ctx, id)
	if h.fail(c, "GetListing", err) {
		return
	}
	history, err := h.store.PriceHistory(ctx, id)
	if h.fail(c, "GetListing history", err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l, "price_history": history})
}

func (h *Handler) Stats(c *gin.Context) {
	listings, _, err := h.store.SearchListings(c.Request.Context(), storage.ListingQuery{})
	if err != nil {
		h.logger.Error("[api] Stats: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, h.insights.Generate(listings))
}

// alertRequest is the create/update body. Criteria fields sit at the top level.
type alertRequest struct {
	Email string `json:"email" binding:"required,email"`
	models.AlertCriteria
	IsActive *bool `json:"is_active"`
}

func (r alertRequest) validate() error {
	if r.MinYear != nil && r.MaxYear != nil && *r.MinYear > *r.MaxYear {
		return errors.New("min_year must not exceed max_year")
	}
	if r.MaxPrice.Valid && r.MaxPrice.Decimal.IsNegative() {
		return errors.New("max_price must not be negative")
	}
	if r.MaxMileage != nil && *r.MaxMileage < 0 {
		return errors.New("max_mileage must not be negative")
	}
	return nil
}

func (h *Handler) bindAlert(c *gin.Context) (alertRequest, bool) {
	var req alertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return req, false
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	}
	return req, true
}

func (h *Handler) CreateAlert(c *gin.Context) {
	req, ok := h.bindAlert(c)
	if !ok {
		return
	}
	a := &models.Alert{
		Email:    strings.TrimSpace(req.Email),
		Criteria: req.AlertCriteria,
		IsActive: req.IsActive == nil || *req.IsActive,
	}
	if err := h.store.CreateAlert(c.Request.Context(), a); err != nil {
		h.logger.Error("[api] CreateAlert: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create alert"})
		return
	}
	h.logger.Info("[api] Alert %d created for %s (%s)", a.ID, a.Email, a.Criteria.Describe())
	c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAlerts(c *gin.Context) {
	alerts, err := h.store.ListAlerts(c.Request.Context())
	if h.fail(c, "ListAlerts", err) {
		return
	}
	if alerts == nil {
		alerts = []*models.Alert{}
	}
	c.JSON(http.StatusOK, alerts)
}

func (h *Handler) GetAlert(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	a, err := h.store.GetAlert(c.Request.Context(), id)
	if h.fail(c, "GetAlert", err) {
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) UpdateAlert(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	req, ok := h.bindAlert(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	a, err := h.store.GetAlert(ctx, id)
	if h.fail(c, "UpdateAlert", err) {
		return
	}
	a.Email = strings.TrimSpace(req.Email)
	a.Criteria = req.AlertCriteria
	if req.IsActive != nil {
		a.IsActive = *req.IsActive
	}
	if h.fail(c, "UpdateAlert", h.store.UpdateAlert(ctx, a)) {
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) DeleteAlert(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if h.fail(c, "DeleteAlert", h.store.DeleteAlert(c.Request.Context(), id)) {
		return
	}
	c.Status(http.StatusNoContent)
}

// fail writes the error response for err and reports whether it did.
func (h *Handler) fail(c *gin.Context, op string, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		h.logger.Error("[api] %s: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
	return true
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	if v := c.Query(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// filterFromQuery maps query parameters onto an active-listings filter.
func filterFromQuery(c *gin.Context) (storage.ListingFilter, error) {
	f := storage.ListingFilter{ActiveOnly: true, Search: c.Query("search")}
	if v := strings.TrimSpace(c.Query("make")); v != "" {
		f.Make = &v
	}
	if v := strings.TrimSpace(c.Query("model")); v != "" {
		f.Model = &v
	}

	ints := []struct {
		key string
		dst **int
	}{
		{"min_year", &f.MinYear},
		{"max_year", &f.MaxYear},
		{"max_mileage", &f.MaxMileage},
	}
	for _, p := range ints {
		v := c.Query(p.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return f, errors.New(p.key + " must be an integer")
		}
		*p.dst = &n
	}

	prices := []struct {
		key string
		dst *decimal.NullDecimal
	}{
		{"min_price", &f.MinPrice},
		{"max_price", &f.MaxPrice},
	}
	for _, p := range prices {
		v := c.Query(p.key)
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return f, errors.New(p.key + " must be a number")
		}
		*p.dst = decimal.NewNullDecimal(d)
	}
	return f, nil
}
