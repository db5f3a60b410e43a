package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/BalajiS74/trakerbackend/internal/model"
	"github.com/BalajiS74/trakerbackend/internal/repository"
)

type busResponse struct {
	BusID          string `json:"busid"`
	RouteName      string `json:"routeName,omitempty"`
	IsNotAvailable bool   `json:"isNotAvailable"`
	CreatedAt      int64  `json:"createdAt"`
}

func mapBusResponse(bus model.Bus) busResponse {
	return busResponse{
		BusID:          bus.BusID,
		RouteName:      bus.RouteName,
		IsNotAvailable: bus.IsNotAvailable,
		CreatedAt:      bus.CreatedAt.Unix(),
	}
}

func (s *Server) handleListBuses(w http.ResponseWriter, r *http.Request) {
	buses, err := s.store.ListBuses(r.Context())
	if err != nil {
		s.serverError(w, r, "bus list failed", err)
		return
	}
	resp := make([]busResponse, 0, len(buses))
	for _, bus := range buses {
		resp = append(resp, mapBusResponse(bus))
	}
	writeJSON(w, http.StatusOK, resp)
}

type createBusRequest struct {
	BusID          string `json:"busid"`
	RouteName      string `json:"routeName"`
	IsNotAvailable bool   `json:"isNotAvailable"`
}

func (s *Server) handleCreateBus(w http.ResponseWriter, r *http.Request) {
	var req createBusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.BusID = strings.TrimSpace(req.BusID)
	if req.BusID == "" {
		writeError(w, http.StatusBadRequest, "missing_busid")
		return
	}

	bus := model.Bus{
		BusID:          req.BusID,
		RouteName:      req.RouteName,
		IsNotAvailable: req.IsNotAvailable,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreateBus(r.Context(), bus); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			writeError(w, http.StatusBadRequest, "bus_already_exists")
			return
		}
		s.serverError(w, r, "bus create failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, mapBusResponse(bus))
}

type toggleBusRequest struct {
	IsNotAvailable bool `json:"isNotAvailable"`
}

func (s *Server) handleToggleBus(w http.ResponseWriter, r *http.Request) {
	busID := chi.URLParam(r, "busid")
	if busID == "" {
		writeError(w, http.StatusBadRequest, "missing_busid")
		return
	}

	var req toggleBusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	bus, err := s.store.UpsertBusAvailability(r.Context(), busID, req.IsNotAvailable)
	if err != nil {
		s.serverError(w, r, "bus toggle failed", err)
		return
	}
	writeJSON(w, http.StatusOK, mapBusResponse(bus))
}

func (s *Server) handleToggleAllBuses(w http.ResponseWriter, r *http.Request) {
	var req toggleBusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if err := s.store.SetAllBusAvailability(r.Context(), req.IsNotAvailable); err != nil {
		s.serverError(w, r, "bus toggle-all failed", err)
		return
	}
	buses, err := s.store.ListBuses(r.Context())
	if err != nil {
		s.serverError(w, r, "bus list failed", err)
		return
	}
	resp := make([]busResponse, 0, len(buses))
	for _, bus := range buses {
		resp = append(resp, mapBusResponse(bus))
	}
	writeJSON(w, http.StatusOK, resp)
}

type reportResponse struct {
	ID          string `json:"id"`
	UserID      string `json:"userId"`
	ReportType  string `json:"reportType"`
	Description string `json:"description"`
	BusID       string `json:"busID,omitempty"`
	BusName     string `json:"busName,omitempty"`
	StopName    string `json:"stopName,omitempty"`
	Status      string `json:"status"`
	Response    string `json:"response"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

func mapReportResponse(rep model.Report) reportResponse {
	return reportResponse{
		ID:          rep.ID,
		UserID:      rep.UserID,
		ReportType:  rep.ReportType,
		Description: rep.Description,
		BusID:       rep.BusID,
		BusName:     rep.BusName,
		StopName:    rep.StopName,
		Status:      rep.Status,
		Response:    rep.Response,
		CreatedAt:   rep.CreatedAt.Unix(),
		UpdatedAt:   rep.UpdatedAt.Unix(),
	}
}

type createReportRequest struct {
	ReportType  string `json:"reportType"`
	Description string `json:"description"`
	BusID       string `json:"busID"`
	BusName     string `json:"busName"`
	StopName    string `json:"stopName"`
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	var req createReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.ReportType) == "" {
		writeError(w, http.StatusBadRequest, "missing_report_type")
		return
	}
	if strings.TrimSpace(req.Description) == "" {
		writeError(w, http.StatusBadRequest, "missing_description")
		return
	}

	now := time.Now().UTC()
	rep := model.Report{
		ID:          uuid.NewString(),
		UserID:      principal.Account.ID,
		ReportType:  req.ReportType,
		Description: req.Description,
		BusID:       req.BusID,
		BusName:     req.BusName,
		StopName:    req.StopName,
		Status:      model.ReportPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateReport(r.Context(), rep); err != nil {
		s.serverError(w, r, "report create failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, mapReportResponse(rep))
}

func (s *Server) handleUserReports(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	userID := chi.URLParam(r, "userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing_user_id")
		return
	}
	// The path id only addresses the sub-resource; authorization comes from
	// the verified token.
	if principal.Role != model.RoleAdmin && principal.Account.ID != userID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	reports, err := s.store.ListReportsByUser(r.Context(), userID)
	if err != nil {
		s.serverError(w, r, "report list failed", err)
		return
	}
	resp := make([]reportResponse, 0, len(reports))
	for _, rep := range reports {
		resp = append(resp, mapReportResponse(rep))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAllReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.store.ListReports(r.Context())
	if err != nil {
		s.serverError(w, r, "report list failed", err)
		return
	}
	resp := make([]reportResponse, 0, len(reports))
	for _, rep := range reports {
		resp = append(resp, mapReportResponse(rep))
	}
	writeJSON(w, http.StatusOK, resp)
}

type respondReportRequest struct {
	Response string `json:"response"`
	Status   string `json:"status"`
}

func (s *Server) handleRespondReport(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportId")
	if reportID == "" {
		writeError(w, http.StatusBadRequest, "missing_report_id")
		return
	}

	var req respondReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	rep, err := s.store.GetReport(r.Context(), reportID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report_not_found")
			return
		}
		s.serverError(w, r, "report load failed", err)
		return
	}

	if req.Response != "" {
		rep.Response = req.Response
	}
	if req.Status != "" {
		rep.Status = req.Status
	}
	if err := s.store.UpdateReport(r.Context(), rep); err != nil {
		s.serverError(w, r, "report update failed", err)
		return
	}
	writeJSON(w, http.StatusOK, mapReportResponse(rep))
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	principal := principalFromContext(r.Context())
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	reportID := chi.URLParam(r, "reportId")
	if reportID == "" {
		writeError(w, http.StatusBadRequest, "missing_report_id")
		return
	}

	rep, err := s.store.GetReport(r.Context(), reportID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report_not_found")
			return
		}
		s.serverError(w, r, "report load failed", err)
		return
	}
	if rep.UserID != principal.Account.ID {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	if _, err := s.store.DeleteReport(r.Context(), reportID); err != nil {
		s.serverError(w, r, "report delete failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "report deleted"})
}
