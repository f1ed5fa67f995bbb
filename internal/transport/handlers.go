package transport

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/mallquest/backend/internal/core"
	"github.com/mallquest/backend/internal/progression"
	"github.com/mallquest/backend/internal/tenant"
)

var errUnauthenticated = core.E(core.KindUnauthenticated, "missing bearer token")

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

type registerRequest struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
	Language    string `json:"language"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	t := tenant.FromContext(r.Context())
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	u, err := s.gate.Register(r.Context(), t.ID, req.Handle, req.DisplayName, req.Password, req.Language)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user_id": u.ID,
		"handle":  u.Handle,
	})
}

type loginRequest struct {
	Handle   string `json:"handle"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	t := tenant.FromContext(r.Context())
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, u, err := s.gate.Login(r.Context(), t.ID, req.Handle, req.Password, req.MFACode,
		clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"tokens": pair,
		"user": map[string]interface{}{
			"user_id": u.ID, "handle": u.Handle, "display_name": u.DisplayName,
			"coins": u.Coins, "xp": u.XP, "level": u.Level, "vip_tier": u.VIPTier,
		},
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RefreshToken == "" {
		req.RefreshToken = bearerToken(r)
	}
	pair, err := s.gate.Refresh(r.Context(), req.RefreshToken, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Logout(r.Context(), bearerToken(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleMFASetup(w http.ResponseWriter, r *http.Request) {
	t := tenant.FromContext(r.Context())
	claims := claimsFrom(r.Context())
	setup, err := s.gate.SetupMFA(r.Context(), claims.TenantID, claims.UserID, t.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setup)
}

type mfaVerifyRequest struct {
	Code string `json:"code"`
}

func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	var req mfaVerifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.gate.ConfirmMFA(r.Context(), claims.TenantID, claims.UserID, req.Code); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "mfa_enabled"})
}

// ---------------------------------------------------------------------------
// Receipts
// ---------------------------------------------------------------------------

type receiptRequest struct {
	Amount    float64 `json:"amount"`
	Store     string  `json:"store"`
	Category  string  `json:"category,omitempty"`
	SSID      string  `json:"ssid,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"` // informational; server clock rules
	UserID    string  `json:"user_id,omitempty"`   // POS only
}

func (s *Server) submitReceipt(w http.ResponseWriter, r *http.Request, userID string, source core.ReceiptSource) {
	claims := claimsFrom(r.Context())
	var req receiptRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	blob, replayed, err := s.coord.SubmitReceipt(r.Context(), claims.TenantID, userID,
		progression.SubmitReceiptInput{
			Amount:   decimal.NewFromFloat(req.Amount),
			Store:    req.Store,
			Category: req.Category,
			SSID:     req.SSID,
			IdemKey:  r.Header.Get("Idempotency-Key"),
			Source:   source,
		})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		status := "verified"
		if replayed {
			status = "replayed"
		}
		s.metrics.ReceiptsSubmitted.WithLabelValues(claims.TenantID, status).Inc()
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeBlob(w, status, blob)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	s.submitReceipt(w, r, claims.UserID, core.SourceMobile)
}

// handlePOSPurchase ingests receipts from point-of-sale adapters. The
// service identity submits on behalf of the customer named in the body.
func (s *Server) handlePOSPurchase(w http.ResponseWriter, r *http.Request) {
	var peek receiptRequest
	if err := decodeBody(r, &peek); err != nil {
		writeError(w, err)
		return
	}
	if peek.UserID == "" {
		writeError(w, core.E(core.KindValidation, "user_id is required"))
		return
	}
	claims := claimsFrom(r.Context())
	blob, replayed, err := s.coord.SubmitReceipt(r.Context(), claims.TenantID, peek.UserID,
		progression.SubmitReceiptInput{
			Amount:   decimal.NewFromFloat(peek.Amount),
			Store:    peek.Store,
			Category: peek.Category,
			SSID:     peek.SSID,
			IdemKey:  r.Header.Get("Idempotency-Key"),
			Source:   core.SourcePOS,
		})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeBlob(w, status, blob)
}

// ---------------------------------------------------------------------------
// User, missions, boards
// ---------------------------------------------------------------------------

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	userID := mux.Vars(r)["id"]
	if userID != claims.UserID && claims.Role != core.RoleAdmin {
		writeError(w, core.E(core.KindForbidden, "cannot read another user"))
		return
	}
	u, err := s.coord.GetUser(r.Context(), claims.TenantID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	achievements, err := s.store.ListAchievements(r.Context(), claims.TenantID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":         u,
		"achievements": achievements,
	})
}

func (s *Server) handleGenerateMission(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	mission, err := s.coord.GenerateMission(r.Context(), claims.TenantID, claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mission)
}

func (s *Server) handleClaimMission(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	blob, _, err := s.coord.ClaimMission(r.Context(), claims.TenantID, claims.UserID,
		mux.Vars(r)["id"], r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeBlob(w, http.StatusOK, blob)
}

func (s *Server) handleListMissions(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	missions, err := s.store.ListMissions(r.Context(), claims.TenantID, claims.UserID,
		core.MissionActive, core.MissionReadyToClaim)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"missions": missions})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	kind := core.LeaderboardKind(mux.Vars(r)["kind"])
	switch kind {
	case core.BoardCoins, core.BoardXP, core.BoardStreak, core.BoardAchievements, core.BoardSpending:
	default:
		writeError(w, core.Ef(core.KindValidation, "unknown leaderboard %q", kind))
		return
	}
	k, _ := strconv.Atoi(r.URL.Query().Get("k"))
	entries, err := s.coord.Leaderboard(r.Context(), claims.TenantID, kind, k)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"kind": kind, "entries": entries})
}

func (s *Server) handleLoginBonus(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	blob, replayed, err := s.coord.DailyLoginBonus(r.Context(), claims.TenantID, claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeBlob(w, status, blob)
}

func (s *Server) handleAddFriend(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	u, err := s.coord.AddFriend(r.Context(), claims.TenantID, claims.UserID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"friends":      u.Friends,
		"social_score": u.SocialScore,
	})
}

// ---------------------------------------------------------------------------
// Empire
// ---------------------------------------------------------------------------

func (s *Server) handleEmpire(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	ov, err := s.empire.GetOverview(r.Context(), claims.TenantID, claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

type purchaseRequest struct {
	Type string `json:"type"`
}

func (s *Server) handleEmpirePurchase(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	var req purchaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	blob, replayed, err := s.empire.Purchase(r.Context(), claims.TenantID, claims.UserID,
		req.Type, r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	writeBlob(w, status, blob)
}

func (s *Server) handleEmpireUpgrade(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	blob, _, err := s.empire.Upgrade(r.Context(), claims.TenantID, claims.UserID,
		mux.Vars(r)["id"], r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeBlob(w, http.StatusOK, blob)
}

func (s *Server) handleEmpireCollect(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	blob, _, err := s.empire.Collect(r.Context(), claims.TenantID, claims.UserID,
		mux.Vars(r)["id"], r.Header.Get("Idempotency-Key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeBlob(w, http.StatusOK, blob)
}

// ---------------------------------------------------------------------------
// Companion
// ---------------------------------------------------------------------------

func (s *Server) handleCompanion(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	pet, err := s.pets.GetOrAdopt(r.Context(), claims.TenantID, claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pet)
}

type careRequest struct {
	Food     string `json:"food,omitempty"`
	Activity string `json:"activity,omitempty"`
}

func (s *Server) handleCompanionFeed(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	var req careRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.pets.Feed(r.Context(), claims.TenantID, claims.UserID, req.Food)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCompanionEntertain(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	var req careRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.pets.Entertain(r.Context(), claims.TenantID, claims.UserID, req.Activity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := s.store.ListNotifications(r.Context(), claims.TenantID, claims.UserID, unreadOnly, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": items})
}

func (s *Server) handleNotificationRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if err := s.store.MarkNotificationRead(r.Context(), claims.TenantID, claims.UserID, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

// ---------------------------------------------------------------------------
// Health and introspection
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	storeStatus := "ok"
	if err := s.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		storeStatus = err.Error()
	}
	writeJSON(w, status, map[string]interface{}{
		"status": map[string]string{"store": storeStatus},
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handlePerformanceMetrics(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := map[string]interface{}{
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  mem.HeapAlloc / (1 << 20),
		"gc_cycles":      mem.NumGC,
		"rate_limiter":   s.limiter.Stats(),
		"websocket":      s.hub.GetStats(),
	}
	if s.users != nil {
		stats["user_cache"] = s.users.GetStats()
	}
	if s.dispatcher != nil {
		stats["notify"] = s.dispatcher.GetStats()
	}
	writeJSON(w, http.StatusOK, stats)
}
