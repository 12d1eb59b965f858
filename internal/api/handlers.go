package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"

	"github.com/crowdwarn/crowdwarn/internal/datastore"
	"github.com/crowdwarn/crowdwarn/internal/moderation"
	"github.com/crowdwarn/crowdwarn/internal/subscription"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// query parameters with a fixed meaning; every other parameter is a filter
var reservedParams = map[string]bool{"order_by": true, "desc": true, "limit": true, "offset": true}

// ListResponse wraps a list with the paging that produced it.
type ListResponse struct {
	Data   any `json:"data"`
	Count  int `json:"count"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// FindingResponse is a finding with derived rating averages.
type FindingResponse struct {
	datastore.Finding
	Authenticity *float64 `json:"AuthenticityAvg"`
	Accuracy     *float64 `json:"AccuracyAvg"`
}

// WarningResponse is a warning with derived rating averages and its findings.
type WarningResponse struct {
	datastore.Warning
	Authenticity *float64          `json:"AuthenticityAvg"`
	Accuracy     *float64          `json:"AccuracyAvg"`
	Findings     []FindingResponse `json:"Findings"`
}

func averages(t datastore.RatingTotals) (authenticity, accuracy *float64) {
	if v, ok := t.Average(datastore.DimensionAuthenticity); ok {
		authenticity = &v
	}
	if v, ok := t.Average(datastore.DimensionAccuracy); ok {
		accuracy = &v
	}
	return authenticity, accuracy
}

func toFindingResponse(f datastore.Finding) FindingResponse {
	auth, acc := averages(f.RatingTotals)
	return FindingResponse{Finding: f, Authenticity: auth, Accuracy: acc}
}

func toWarningResponse(w datastore.Warning) WarningResponse {
	auth, acc := averages(w.RatingTotals)
	resp := WarningResponse{Warning: w, Authenticity: auth, Accuracy: acc, Findings: make([]FindingResponse, 0, len(w.Findings))}
	for _, f := range w.Findings {
		resp.Findings = append(resp.Findings, toFindingResponse(f))
	}
	return resp
}

// listOptions turns query parameters into datastore list options.
func listOptions(c echo.Context) (datastore.ListOptions, error) {
	opts := datastore.ListOptions{
		Filter:  map[string]string{},
		OrderBy: c.QueryParam("order_by"),
		Limit:   defaultLimit,
	}
	opts.Desc, _ = strconv.ParseBool(c.QueryParam("desc"))

	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		opts.Limit = min(n, maxLimit)
		if n == 0 {
			opts.Limit = defaultLimit
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, echo.NewHTTPError(http.StatusBadRequest, "offset must be a non-negative integer")
		}
		opts.Offset = n
	}

	for key, values := range c.QueryParams() {
		if reservedParams[key] || len(values) == 0 {
			continue
		}
		opts.Filter[key] = values[0]
	}
	return opts, nil
}

// ListFindings handles GET /api/v1/findings
func (s *Server) ListFindings(c echo.Context) error {
	key := "findings?" + c.QueryString()
	if cached, ok := s.listCache.Get(key); ok {
		return c.JSON(http.StatusOK, cached)
	}

	opts, err := listOptions(c)
	if err != nil {
		return err
	}
	findings, err := s.store.ListFindings(c.Request().Context(), opts)
	if err != nil {
		return s.handleError(c, err)
	}

	data := make([]FindingResponse, 0, len(findings))
	for _, f := range findings {
		data = append(data, toFindingResponse(f))
	}
	resp := ListResponse{Data: data, Count: len(data), Limit: opts.Limit, Offset: opts.Offset}
	s.listCache.Set(key, resp, cache.DefaultExpiration)
	return c.JSON(http.StatusOK, resp)
}

// ListWarnings handles GET /api/v1/warnings
func (s *Server) ListWarnings(c echo.Context) error {
	key := "warnings?" + c.QueryString()
	if cached, ok := s.listCache.Get(key); ok {
		return c.JSON(http.StatusOK, cached)
	}

	opts, err := listOptions(c)
	if err != nil {
		return err
	}
	warnings, err := s.store.ListWarnings(c.Request().Context(), opts)
	if err != nil {
		return s.handleError(c, err)
	}

	data := make([]WarningResponse, 0, len(warnings))
	for _, w := range warnings {
		data = append(data, toWarningResponse(w))
	}
	resp := ListResponse{Data: data, Count: len(data), Limit: opts.Limit, Offset: opts.Offset}
	s.listCache.Set(key, resp, cache.DefaultExpiration)
	return c.JSON(http.StatusOK, resp)
}

// ListRawItems handles GET /api/v1/raw-items/:kind, the ordered listing of
// ingested records such as the external feed.
func (s *Server) ListRawItems(c echo.Context) error {
	key := "raw-items/" + c.Param("kind") + "?" + c.QueryString()
	if cached, ok := s.listCache.Get(key); ok {
		return c.JSON(http.StatusOK, cached)
	}

	opts, err := listOptions(c)
	if err != nil {
		return err
	}
	items, err := s.store.ListRawItems(c.Request().Context(), datastore.SourceKind(c.Param("kind")), opts)
	if err != nil {
		return s.handleError(c, err)
	}

	resp := ListResponse{Data: items, Count: len(items), Limit: opts.Limit, Offset: opts.Offset}
	s.listCache.Set(key, resp, cache.DefaultExpiration)
	return c.JSON(http.StatusOK, resp)
}

// GetFinding handles GET /api/v1/findings/:id
func (s *Server) GetFinding(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	f, err := s.store.GetFinding(c.Request().Context(), id)
	if err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(http.StatusOK, toFindingResponse(*f))
}

// GetWarning handles GET /api/v1/warnings/:id
func (s *Server) GetWarning(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	w, err := s.store.GetWarning(c.Request().Context(), id)
	if err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(http.StatusOK, toWarningResponse(*w))
}

// RateRequest is the body of a rating.
type RateRequest struct {
	Dimension string  `json:"dimension"`
	Value     float64 `json:"value"`
}

// Rate handles POST /api/v1/{findings,warnings}/:id/ratings
func (s *Server) Rate(c echo.Context) error {
	target, userID, err := s.moderationTarget(c)
	if err != nil {
		return err
	}
	var req RateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := s.moderation.Rate(c.Request().Context(), userID, target, datastore.Dimension(strings.ToLower(req.Dimension)), req.Value)
	return s.moderationResponse(c, res, err)
}

// VoteDelete handles POST /api/v1/{findings,warnings}/:id/delete-votes
func (s *Server) VoteDelete(c echo.Context) error {
	target, userID, err := s.moderationTarget(c)
	if err != nil {
		return err
	}
	res, err := s.moderation.VoteDelete(c.Request().Context(), userID, target)
	return s.moderationResponse(c, res, err)
}

func (s *Server) moderationTarget(c echo.Context) (moderation.Target, string, error) {
	kind := datastore.TargetWarning
	if strings.HasPrefix(c.Path(), apiPrefix+"/findings/") {
		kind = datastore.TargetFinding
	}
	id, err := pathID(c)
	if err != nil {
		return moderation.Target{}, "", err
	}
	userID := strings.TrimSpace(c.Request().Header.Get(UserIDHeader))
	if userID == "" {
		return moderation.Target{}, "", echo.NewHTTPError(http.StatusUnauthorized, "missing "+UserIDHeader+" header")
	}
	return moderation.Target{Kind: kind, ID: id}, userID, nil
}

func (s *Server) moderationResponse(c echo.Context, res moderation.Result, err error) error {
	if err != nil {
		res = moderation.ResultFromError(err)
		if res.Code == moderation.CodeInternal || res.Code == moderation.CodeUnavailable {
			s.logError(c, err)
		}
		return c.JSON(statusForCode(res.Code), res)
	}
	s.invalidateLists()
	if res.Status == moderation.StatusPending {
		return c.JSON(http.StatusAccepted, res)
	}
	return c.JSON(http.StatusOK, res)
}

func statusForCode(code string) int {
	switch code {
	case moderation.CodeAlreadyRated, moderation.CodeAlreadyVoted:
		return http.StatusConflict
	case moderation.CodeNotFound:
		return http.StatusNotFound
	case moderation.CodeInvalid:
		return http.StatusBadRequest
	case moderation.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ReportRequest is the body of a user report.
type ReportRequest struct {
	Text string `json:"text"`
}

// SubmitReport handles POST /api/v1/reports
func (s *Server) SubmitReport(c echo.Context) error {
	var req ReportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	userID := strings.TrimSpace(c.Request().Header.Get(UserIDHeader))
	id, err := s.reports.Submit(c.Request().Context(), userID, req.Text)
	if err != nil {
		return s.handleError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"id": id})
}

// CredentialsRequest is the body of subscribe and unsubscribe.
type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Subscribe handles POST /api/v1/subscribers
func (s *Server) Subscribe(c echo.Context) error {
	var req CredentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.subs.RegisterOrLogin(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return s.handleError(c, err)
	}

	body := map[string]any{"outcome": out, "ok": out.OK()}
	switch out {
	case subscription.OutcomeRegistered:
		return c.JSON(http.StatusCreated, body)
	case subscription.OutcomeLoggedIn:
		return c.JSON(http.StatusOK, body)
	default:
		return c.JSON(http.StatusUnauthorized, body)
	}
}

// Unsubscribe handles DELETE /api/v1/subscribers
func (s *Server) Unsubscribe(c echo.Context) error {
	var req CredentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.subs.Unsubscribe(c.Request().Context(), req.Email, req.Password); err != nil {
		return s.handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func pathID(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return uint(id), nil
}
