package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"escrowflow/auth"
	"escrowflow/command"
	"escrowflow/escrowerr"
	"escrowflow/ledger"
	"escrowflow/reconcile"
	"escrowflow/user"
)

type ctxKey string

const (
	ctxKeyIdentity ctxKey = "identity"

	maxWebhookBytes = 64 << 10
	maxBodyBytes    = 1 << 20
	signatureHeader = "Stripe-Signature"
)

// Server exposes the command surfaces and the provider webhook over HTTP.
type Server struct {
	commands  *command.Service
	processor *reconcile.Processor
	tokens    *auth.Service
	logger    *zap.Logger
}

func NewServer(commands *command.Service, processor *reconcile.Processor, tokens *auth.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{commands: commands, processor: processor, tokens: tokens, logger: logger}
}

// Routes builds the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Post("/webhooks/provider", s.handleProviderEvent)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)
		api.Post("/trades", s.handleCreateTrade)
		api.Post("/projects", s.handleCreateProject)
		api.Get("/deals/{id}", s.handleGetDeal)
		api.Post("/deals/{id}/accept", s.handleAcceptDeal)
		api.Post("/deals/{id}/cancel", s.handleCancelDeal)
		api.Post("/milestones/{id}/fund", s.handleFund)
		api.Post("/milestones/{id}/ship", s.handleShip)
		api.Post("/milestones/{id}/release", s.handleRelease)
		api.Post("/milestones/{id}/disputes", s.handleOpenDispute)
		api.Post("/milestones/{id}/reviews", s.handleLeaveReview)
		api.Get("/users/{handle}/profile", s.handleProfile)
		api.Get("/me", s.handleMe)
		api.Put("/me/payout-account", s.handlePayoutAccount)
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.authenticate)
		admin.Post("/users", s.handleRegisterUser)
		admin.Post("/users/{handle}/verify", s.handleVerify(true))
		admin.Post("/users/{handle}/unverify", s.handleVerify(false))
		admin.Post("/users/{handle}/free-trades", s.handleGrantFreeTrades)
		admin.Post("/disputes/{id}/resolve", s.handleResolveDispute)
		admin.Post("/disputes/{id}/split", s.handleSplitDispute)
		admin.Get("/milestones/{id}/disputes", s.handleListDisputes)
		admin.Post("/milestones/{id}/refund", s.handleForceRefund)
		admin.Post("/milestones/{id}/release", s.handleForceRelease)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeJSON(w, http.StatusUnauthorized, command.Denial{Error: "sign in required"})
			return
		}
		id, err := s.tokens.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			s.logger.Debug("token rejected", zap.Error(err))
			writeJSON(w, http.StatusUnauthorized, command.Denial{Error: "invalid or expired token"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyIdentity, id)))
	})
}

func callerFrom(r *http.Request) command.Caller {
	id, _ := r.Context().Value(ctxKeyIdentity).(auth.Identity)
	return command.CallerFrom(id)
}

// fail renders a rejected command for the caller's audience.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	c := callerFrom(r)
	status, body := command.RenderError(err, c.Admin)
	if status >= http.StatusInternalServerError {
		s.logger.Error("command failed",
			zap.String("path", r.URL.Path),
			zap.String("actor", c.UserID),
			zap.Error(err),
		)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decode reads a JSON body into dst. An empty body leaves dst untouched.
func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return escrowerr.Wrap(escrowerr.KindValidation, "http.decode", err, "request body is not valid JSON")
	}
	return nil
}

type versionRequest struct {
	Version int64  `json:"version"`
	Note    string `json:"note"`
	Reason  string `json:"reason"`
}

func readVersion(w http.ResponseWriter, r *http.Request) (versionRequest, error) {
	var req versionRequest
	if err := decode(w, r, &req); err != nil {
		return req, err
	}
	if req.Version <= 0 {
		return req, escrowerr.New(escrowerr.KindValidation, "http.readVersion", "version is required")
	}
	return req, nil
}

func (s *Server) handleProviderEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, command.Denial{Error: "payload too large"})
		return
	}
	ack, err := s.processor.HandleProviderEvent(r.Context(), payload, r.Header.Get(signatureHeader))
	if err != nil {
		status := escrowerr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("provider event failed", zap.Error(err))
		}
		writeJSON(w, status, command.Denial{Error: escrowerr.UserMessage(err)})
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{
		EventID:   ack.EventID,
		Duplicate: ack.Duplicate,
		Outcome:   string(ack.Outcome),
	})
}

type ackResponse struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Outcome   string `json:"outcome"`
}

func (s *Server) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	var in command.TradeInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.commands.CreateTrade(r.Context(), callerFrom(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, command.NewDealView(view))
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var in command.ProjectInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.commands.CreateProject(r.Context(), callerFrom(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, command.NewDealView(view))
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	view, err := s.commands.GetDeal(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, command.NewDealView(view))
}

func (s *Server) handleAcceptDeal(w http.ResponseWriter, r *http.Request) {
	req, err := readVersion(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.commands.AcceptDeal(r.Context(), callerFrom(r), chi.URLParam(r, "id"), req.Version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, command.NewTransitionView(res))
}

func (s *Server) handleCancelDeal(w http.ResponseWriter, r *http.Request) {
	req, err := readVersion(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.commands.CancelDeal(r.Context(), callerFrom(r), chi.URLParam(r, "id"), req.Version, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, command.NewTransitionView(res))
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	req, err := readVersion(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.commands.Fund(r.Context(), callerFrom(r), chi.URLParam(r, "id"), req.Version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, command.NewFundView(res))
}

func (s *Server) handleShip(w http.ResponseWriter, r *http.Request) {
	req, err := readVersion(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.commands.MarkShipped(r.Context(), callerFrom(r), chi.URLParam(r, "id"), req.Version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, command.NewTransitionView(res))
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	req, err := readVersion(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.commands.Release(r.Context(), callerFrom(r), chi.URLParam(r, "id"), req.Version)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, command.NewTransitionView(res))
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	var in command.DisputeInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.commands.OpenDispute(r.Context(), callerFrom(r), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, disputeResponse{
		Dispute:    command.NewDisputeView(out.Dispute),
		Transition: command.NewTransitionView(out.Result),
	})
}

type disputeResponse struct {
	Dispute    command.DisputeView    `json:"dispute"`
	Transition command.TransitionView `json:"transition"`
}

func (s *Server) handleLeaveReview(w http.ResponseWriter, r *http.Request) {
	var in command.ReviewInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	rv, err := s.commands.LeaveReview(r.Context(), callerFrom(r), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, command.ReviewView{Score: rv.Score, Comment: rv.Comment, CreatedAt: rv.CreatedAt})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.commands.Profile(r.Context(), callerFrom(r), chi.URLParam(r, "handle"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, command.NewProfileView(p))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.commands.Me(r.Context(), callerFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, command.NewUserView(u))
}

func (s *Server) handlePayoutAccount(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Account string `json:"account"`
	}
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.commands.ConnectPayoutAccount(r.Context(), callerFrom(r), in.Account)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, command.NewUserView(u))
}

type registerRequest struct {
	ExternalID   string `json:"external_id"`
	Handle       string `json:"handle"`
	ReferralCode string `json:"referral_code"`
}

type registerResponse struct {
	User  command.UserView `json:"user"`
	Token string           `json:"token"`
}

// handleRegisterUser lets the trusted front end enrol a user and obtain a
// token to act on their behalf.
func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var in registerRequest
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.commands.RegisterUser(r.Context(), callerFrom(r), user.RegisterParams{
		ExternalID:   in.ExternalID,
		Handle:       in.Handle,
		ReferralCode: in.ReferralCode,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	token, err := s.tokens.IssueToken(u.ID, auth.RoleUser)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{User: command.NewUserView(u), Token: token})
}

func (s *Server) handleVerify(verified bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := s.commands.SetVerified(r.Context(), callerFrom(r), chi.URLParam(r, "handle"), verified)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, command.NewUserView(u))
	}
}

func (s *Server) handleGrantFreeTrades(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Count int `json:"count"`
	}
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.commands.GrantFreeTrades(r.Context(), callerFrom(r), chi.URLParam(r, "handle"), in.Count)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, command.NewUserView(u))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Version    int64  `json:"version"`
		Resolution string `json:"resolution"`
		Note       string `json:"note"`
	}
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.commands.ResolveDispute(r.Context(), callerFrom(r), chi.URLParam(r, "id"), in.Version, ledger.Resolution(in.Resolution), in.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeResponse{
		Dispute:    command.NewDisputeView(out.Dispute),
		Transition: command.NewTransitionView(out.Result),
	})
}

func (s *Server) handleSplitDispute(w http.ResponseWriter, r *http.Request) {
	var in command.SplitInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.commands.SplitDispute(r.Context(), callerFrom(r), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeResponse{
		Dispute:    command.NewDisputeView(out.Dispute),
		Transition: command.NewTransitionView(out.Result),
	})
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	list, err := s.commands.ListDisputes(r.Context(), callerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items := make([]command.DisputeView, 0, len(list))
	for _, d := range list {
		items = append(items, command.NewDisputeView(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleForceRefund(w http.ResponseWriter, r *http.Request) {
	req, err := readVersion(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.commands.ForceRefund(r.Context(), callerFrom(r), chi.URLParam(r, "id"), req.Version, req.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, command.NewTransitionView(res))
}

func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	req, err := readVersion(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.commands.ForceRelease(r.Context(), callerFrom(r), chi.URLParam(r, "id"), req.Version, req.Note)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, command.NewTransitionView(res))
}
