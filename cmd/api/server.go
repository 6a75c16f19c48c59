package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"escrowflow/activity"
	"escrowflow/auth"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/fund"
	"escrowflow/invite"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type dealService interface {
	Create(ctx context.Context, initiatorID string, params deal.CreateParams) (deal.CreateResult, error)
	Get(ctx context.Context, dealID, actorID string) (deal.Deal, error)
	List(ctx context.Context, filters deal.ListFilters) ([]deal.Deal, int, error)
	ConfirmDelivery(ctx context.Context, dealID, actorID string) (deal.Deal, error)
	ConfirmReceipt(ctx context.Context, dealID, actorID string) (deal.Deal, error)
}

type inviteService interface {
	Claim(ctx context.Context, token, actorID string) (invite.ClaimResult, error)
}

type disputeService interface {
	Open(ctx context.Context, params dispute.OpenParams) (dispute.Dispute, error)
	Resolve(ctx context.Context, params dispute.ResolveParams) (dispute.Dispute, error)
	ListByDeal(ctx context.Context, dealID string) ([]dispute.Dispute, error)
}

type fundService interface {
	Deposit(ctx context.Context, params fund.DepositParams) (fund.Fund, error)
	MarkFunded(ctx context.Context, params fund.MarkFundedParams) (fund.Fund, error)
	ListByDeal(ctx context.Context, dealID string) ([]fund.Fund, error)
}

type activityReader interface {
	ListByDeal(ctx context.Context, dealID string, limit int) ([]activity.Entry, error)
}

// Server is the HTTP edge. Handlers parse and authorize, services decide.
type Server struct {
	authService    authService
	dealService    dealService
	inviteService  inviteService
	disputeService disputeService
	fundService    fundService
	activities     activityReader
	webhook        http.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)

	mux.HandleFunc("/api/deals", s.requireAuth(s.handleDeals))
	mux.HandleFunc("/api/deals/", s.requireAuth(s.handleDealDetail))
	mux.HandleFunc("/api/invitations/claim", s.requireAuth(s.handleClaimInvitation))
	mux.HandleFunc("/api/disputes/", s.requireAuth(s.handleDisputeDetail))
	mux.HandleFunc("/api/funds/", s.requireAuth(s.handleFundDetail))

	if s.webhook != nil {
		mux.Handle("/webhooks/payment", s.webhook)
	}

	return mux
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	}
}

func requestUser(r *http.Request) (string, auth.Role) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return userID, role
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  toUserResponse(result.User),
	})
}

func (s *Server) handleDeals(w http.ResponseWriter, r *http.Request) {
	userID, _ := requestUser(r)

	switch r.Method {
	case http.MethodGet:
		filters := deal.ListFilters{
			UserID: userID,
			Status: deal.Status(r.URL.Query().Get("status")),
		}
		filters.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
		filters.PageSize, _ = strconv.Atoi(r.URL.Query().Get("pageSize"))

		deals, total, err := s.dealService.List(r.Context(), filters)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		items := make([]dealResponse, 0, len(deals))
		for _, d := range deals {
			items = append(items, toDealResponse(d))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})

	case http.MethodPost:
		var body struct {
			Title          string `json:"title"`
			Description    string `json:"description"`
			AmountCents    int64  `json:"amountCents"`
			Currency       string `json:"currency"`
			RecipientEmail string `json:"recipientEmail"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}

		result, err := s.dealService.Create(r.Context(), userID, deal.CreateParams{
			Title:          body.Title,
			Description:    body.Description,
			AmountCents:    body.AmountCents,
			Currency:       deal.Currency(body.Currency),
			RecipientEmail: body.RecipientEmail,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"deal":            toDealResponse(result.Deal),
			"invitationToken": result.InvitationToken,
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleDealDetail routes /api/deals/{id} and its sub-resources.
func (s *Server) handleDealDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/deals/")
	dealID, sub, _ := strings.Cut(rest, "/")
	if dealID == "" {
		writeError(w, http.StatusBadRequest, "missing deal id")
		return
	}
	userID, role := requestUser(r)

	switch {
	case sub == "" && r.Method == http.MethodGet:
		d, err := s.dealService.Get(r.Context(), dealID, userID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDealResponse(d))

	case sub == "confirm-delivery" && r.Method == http.MethodPost:
		d, err := s.dealService.ConfirmDelivery(r.Context(), dealID, userID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDealResponse(d))

	case sub == "confirm-receipt" && r.Method == http.MethodPost:
		d, err := s.dealService.ConfirmReceipt(r.Context(), dealID, userID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDealResponse(d))

	case sub == "deposits" && r.Method == http.MethodPost:
		s.handleDeposit(w, r, dealID, userID)

	case sub == "funds" && r.Method == http.MethodGet:
		if err := s.authorizeDealRead(r, dealID, userID); err != nil {
			s.writeServiceError(w, err)
			return
		}
		funds, err := s.fundService.ListByDeal(r.Context(), dealID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		items := make([]fundResponse, 0, len(funds))
		for _, f := range funds {
			items = append(items, toFundResponse(f))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case sub == "disputes" && r.Method == http.MethodPost:
		var body struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
		dp, err := s.disputeService.Open(r.Context(), dispute.OpenParams{
			DealID:  dealID,
			ActorID: userID,
			Reason:  body.Reason,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDisputeResponse(dp))

	case sub == "disputes" && r.Method == http.MethodGet:
		if role != auth.RoleAdmin {
			if err := s.authorizeDealRead(r, dealID, userID); err != nil {
				s.writeServiceError(w, err)
				return
			}
		}
		disputes, err := s.disputeService.ListByDeal(r.Context(), dealID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		items := make([]disputeResponse, 0, len(disputes))
		for _, dp := range disputes {
			items = append(items, toDisputeResponse(dp))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	case sub == "activity" && r.Method == http.MethodGet:
		if err := s.authorizeDealRead(r, dealID, userID); err != nil {
			s.writeServiceError(w, err)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries, err := s.activities.ListByDeal(r.Context(), dealID, limit)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		items := make([]activityResponse, 0, len(entries))
		for _, e := range entries {
			items = append(items, toActivityResponse(e))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})

	default:
		writeError(w, http.StatusNotFound, "unknown resource")
	}
}

// authorizeDealRead reuses the deal read path's participant check for
// sub-resources served by other services.
func (s *Server) authorizeDealRead(r *http.Request, dealID, userID string) error {
	_, err := s.dealService.Get(r.Context(), dealID, userID)
	return err
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, dealID, userID string) {
	var body struct {
		Method      string  `json:"method"`
		AmountCents int64   `json:"amountCents"`
		Currency    string  `json:"currency"`
		ExternalRef string  `json:"externalRef"`
		ReceiptPath *string `json:"receiptPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	f, err := s.fundService.Deposit(r.Context(), fund.DepositParams{
		DealID:      dealID,
		ActorID:     userID,
		Method:      fund.Method(body.Method),
		AmountCents: body.AmountCents,
		Currency:    body.Currency,
		ExternalRef: body.ExternalRef,
		ReceiptPath: body.ReceiptPath,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toFundResponse(f))
}

func (s *Server) handleClaimInvitation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	userID, _ := requestUser(r)
	result, err := s.inviteService.Claim(r.Context(), body.Token, userID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deal":            toDealResponse(result.Deal),
		"alreadyAccepted": result.AlreadyAccepted,
	})
}

func (s *Server) handleDisputeDetail(w http.ResponseWriter, r *http.Request) {
	disputeID := strings.TrimPrefix(r.URL.Path, "/api/disputes/")
	if disputeID == "" || strings.Contains(disputeID, "/") {
		writeError(w, http.StatusBadRequest, "missing dispute id")
		return
	}
	if r.Method != http.MethodPatch {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Resolution string `json:"resolution"`
		Action     string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	userID, role := requestUser(r)
	dp, err := s.disputeService.Resolve(r.Context(), dispute.ResolveParams{
		DisputeID:  disputeID,
		AdminID:    userID,
		ActorRole:  string(role),
		Resolution: body.Resolution,
		Action:     dispute.Action(body.Action),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(dp))
}

func (s *Server) handleFundDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/funds/")
	fundID, sub, _ := strings.Cut(rest, "/")
	if fundID == "" {
		writeError(w, http.StatusBadRequest, "missing fund id")
		return
	}
	if sub != "mark-funded" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "unknown resource")
		return
	}

	userID, role := requestUser(r)
	f, err := s.fundService.MarkFunded(r.Context(), fund.MarkFundedParams{
		FundID:    fundID,
		AdminID:   userID,
		ActorRole: string(role),
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFundResponse(f))
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, deal.ErrValidation), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, deal.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, deal.ErrNotFound),
		errors.Is(err, invite.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, fund.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, invite.ErrExpired):
		writeError(w, http.StatusGone, "invitation expired")
	case errors.Is(err, deal.ErrInvalidState),
		errors.Is(err, deal.ErrInvalidTransition),
		errors.Is(err, dispute.ErrOpenDisputeExists),
		errors.Is(err, dispute.ErrAlreadyResolved),
		errors.Is(err, invite.ErrActiveInviteExists),
		errors.Is(err, fund.ErrDealAlreadyFunded),
		errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

type dealResponse struct {
	ID                       string  `json:"id"`
	Title                    string  `json:"title"`
	Description              string  `json:"description"`
	AmountCents              int64   `json:"amountCents"`
	Currency                 string  `json:"currency"`
	Status                   string  `json:"status"`
	InitiatorID              string  `json:"initiatorId"`
	RecipientID              *string `json:"recipientId,omitempty"`
	SellerConfirmedDelivered bool    `json:"sellerConfirmedDelivered"`
	BuyerConfirmedReceived   bool    `json:"buyerConfirmedReceived"`
	CreatedAt                string  `json:"createdAt"`
	UpdatedAt                string  `json:"updatedAt"`
}

func toDealResponse(d deal.Deal) dealResponse {
	return dealResponse{
		ID:                       d.ID,
		Title:                    d.Title,
		Description:              d.Description,
		AmountCents:              d.AmountCents,
		Currency:                 string(d.Currency),
		Status:                   string(d.Status),
		InitiatorID:              d.InitiatorID,
		RecipientID:              d.RecipientID,
		SellerConfirmedDelivered: d.SellerConfirmedDelivered,
		BuyerConfirmedReceived:   d.BuyerConfirmedReceived,
		CreatedAt:                d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:                d.UpdatedAt.Format(time.RFC3339),
	}
}

type disputeResponse struct {
	ID         string  `json:"id"`
	DealID     string  `json:"dealId"`
	OpenedBy   string  `json:"openedBy"`
	Reason     string  `json:"reason"`
	Status     string  `json:"status"`
	Resolution *string `json:"resolution,omitempty"`
	ResolvedBy *string `json:"resolvedBy,omitempty"`
	Action     *string `json:"action,omitempty"`
	CreatedAt  string  `json:"createdAt"`
	ResolvedAt *string `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(dp dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:         dp.ID,
		DealID:     dp.DealID,
		OpenedBy:   dp.OpenedBy,
		Reason:     dp.Reason,
		Status:     string(dp.Status),
		Resolution: dp.Resolution,
		ResolvedBy: dp.ResolvedBy,
		CreatedAt:  dp.CreatedAt.Format(time.RFC3339),
	}
	if dp.Action != nil {
		action := string(*dp.Action)
		resp.Action = &action
	}
	if dp.ResolvedAt != nil {
		resolvedAt := dp.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &resolvedAt
	}
	return resp
}

type fundResponse struct {
	ID          string  `json:"id"`
	DealID      string  `json:"dealId"`
	Method      string  `json:"method"`
	AmountCents int64   `json:"amountCents"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status"`
	ExternalRef string  `json:"externalRef"`
	ReceiptPath *string `json:"receiptPath,omitempty"`
	Network     *string `json:"network,omitempty"`
	TxHash      *string `json:"txHash,omitempty"`
	ConfirmedAt *string `json:"confirmedAt,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

func toFundResponse(f fund.Fund) fundResponse {
	resp := fundResponse{
		ID:          f.ID,
		DealID:      f.DealID,
		Method:      string(f.Method),
		AmountCents: f.AmountCents,
		Currency:    f.Currency,
		Status:      string(f.Status),
		ExternalRef: f.ExternalRef,
		ReceiptPath: f.ReceiptPath,
		Network:     f.Network,
		TxHash:      f.TxHash,
		CreatedAt:   f.CreatedAt.Format(time.RFC3339),
	}
	if f.ConfirmedAt != nil {
		confirmedAt := f.ConfirmedAt.Format(time.RFC3339)
		resp.ConfirmedAt = &confirmedAt
	}
	return resp
}

type activityResponse struct {
	ID        int64           `json:"id"`
	DealID    string          `json:"dealId"`
	ActorID   *string         `json:"actorId,omitempty"`
	Action    string          `json:"action"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt string          `json:"createdAt"`
}

func toActivityResponse(e activity.Entry) activityResponse {
	return activityResponse{
		ID:        e.ID,
		DealID:    e.DealID,
		ActorID:   e.ActorID,
		Action:    e.Action,
		Metadata:  json.RawMessage(e.Metadata),
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
