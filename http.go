package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/opencommons/commons/pkg/stream"
)

var errInvalidProductID = errors.New("stripe webhook: product_id metadata missing or malformed")

// Server wires every domain service behind the HTTP API on a single
// http.ServeMux. Stdlib net/http's method+pattern routing covers every
// route below, so no third-party router is needed.
type Server struct {
	db          *gorm.DB
	logger      Logger
	metrics     *Metrics
	sessions    *SessionManager
	dispatcher  *Dispatcher
	hub         *stream.Hub
	presence    *PresenceGuard
	tasks       *TaskService
	gateway     *GatewayService
	discussions *DiscussionService
	gatewayCnf  GatewayConfig
	validate    *validator.Validate
	webhookSeen *MessageCache
}

func NewServer(db *gorm.DB, logger Logger, metrics *Metrics, sessions *SessionManager, dispatcher *Dispatcher, hub *stream.Hub, presence *PresenceGuard, tasks *TaskService, gateway *GatewayService, discussions *DiscussionService, gatewayCnf GatewayConfig) *Server {
	return &Server{
		db:          db,
		logger:      logger.NewSystem("http"),
		metrics:     metrics,
		sessions:    sessions,
		dispatcher:  dispatcher,
		hub:         hub,
		presence:    presence,
		tasks:       tasks,
		gateway:     gateway,
		discussions: discussions,
		gatewayCnf:  gatewayCnf,
		validate:    validator.New(),
		webhookSeen: NewMessageCache(24 * time.Hour),
	}
}

// Routes builds the ServeMux, one registration per API route.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/users/current/password", s.withAuth(s.handleSetPassword))
	mux.HandleFunc("POST /api/users/{id}/nickname", s.withAuth(s.handleSetNickname))
	mux.HandleFunc("GET /api/users/current/nicknames", s.withAuth(s.handleListNicknames))
	mux.HandleFunc("POST /api/users/{id}/follow", s.withAuth(s.handleFollow))
	mux.HandleFunc("GET /api/users/status", s.withAuth(s.handleUserStatus))

	mux.HandleFunc("POST /api/topics", s.withAuth(s.handleCreateTopic))
	mux.HandleFunc("POST /api/discussions", s.withAuth(s.handleCreateDiscussion))
	mux.HandleFunc("POST /api/discussions/{id}/posts", s.withAuth(s.handleCreatePost))
	mux.HandleFunc("POST /api/discussions/{id}/tasks", s.withAuth(s.handleCreateDiscussionTask))
	mux.HandleFunc("POST /api/posts/{id}/tasks", s.withAuth(s.handleCreatePostTask))
	mux.HandleFunc("POST /api/posts/{id}/like", s.withAuth(s.handleLikePost))
	mux.HandleFunc("POST /api/posts/{id}/replies", s.withAuth(s.handleReplyToPost))
	mux.HandleFunc("POST /api/replies/{id}/replies", s.withAuth(s.handleReplyToReply))
	mux.HandleFunc("DELETE /api/replies/{id}", s.withAuth(s.handleDeleteReply))

	mux.HandleFunc("POST /api/tasks/{id}/accept", s.withAuth(s.handleTaskAccept))
	mux.HandleFunc("POST /api/tasks/{id}/reject", s.withAuth(s.handleTaskReject))
	mux.HandleFunc("POST /api/tasks/{id}/deliver", s.withAuth(s.handleTaskDeliver))
	mux.HandleFunc("POST /api/tasks/{id}/donor", s.withAuth(s.handleTaskDonate))

	mux.HandleFunc("GET /api/wallet/balance", s.withAuth(s.handleWalletBalance))
	mux.HandleFunc("GET /api/wallet/history", s.withAuth(s.handleWalletHistory))
	mux.HandleFunc("POST /api/wallet/withdraw", s.withAuth(s.handleWalletWithdraw))

	mux.HandleFunc("GET /api/gateway_wallet/history", s.withAuth(s.handleGatewayHistory))
	mux.HandleFunc("POST /api/stripe/endowment/webhook", s.handleStripeWebhook)

	mux.HandleFunc("POST /api/access_rules", s.withAuth(s.handleCreateAccessRule))
	mux.HandleFunc("GET /api/users/current/access_rights", s.withAuth(s.handleListAccessRights))

	mux.HandleFunc("GET /api/notifications", s.withAuth(s.handleListNotifications))
	mux.HandleFunc("GET /api/notifications/sse", s.withAuth(s.handleNotificationsSSE))

	return s.withMetrics(mux)
}

// --- middleware ---

type contextKey string

const contextKeyUserID contextKey = "user_id"

func (s *Server) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.HTTPRequestsTotal.WithLabelValues(r.Pattern, strconv.Itoa(rec.status/100*100)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withAuth requires a login-access bearer token and injects the caller's
// user id into the request context.
func (s *Server) withAuth(next func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := NewULID()
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, s.logger, requestID, &ErrAuthFailNoToken{})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")

		claims, err := s.sessions.VerifySessionToken(token)
		if err != nil {
			writeError(w, s.logger, requestID, err)
			return
		}
		if err := RequireLoginAccess(claims); err != nil {
			writeError(w, s.logger, requestID, err)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyUserID, claims.UserID)
		next(w, r.WithContext(ctx))
	}
}

func userIDFrom(r *http.Request) string {
	id, _ := r.Context().Value(contextKeyUserID).(string)
	return id
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- auth handlers ---

type registerRequest struct {
	Username string `json:"username" validate:"required"`
	FullName string `json:"full_name"`
	Email    string `json:"email" validate:"omitempty,email"`
	Password string `json:"password" validate:"required,min=8"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, requestID, newValidationFail("body", "malformed json"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, s.logger, requestID, newValidationFail("body", err.Error()))
		return
	}

	var email *string
	if req.Email != "" {
		email = &req.Email
	}

	var user *User
	err := s.db.Transaction(func(tx *gorm.DB) error {
		u, err := CreateUser(tx, req.Username, req.FullName, email)
		if err != nil {
			return err
		}
		user = u
		return SetPassword(tx, u.ID, req.Password)
	})
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}

	token, err := s.sessions.IssueLoginToken(user.ID)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user_id": user.ID, "token": token})
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	TOTPCode string `json:"totp_code"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, requestID, newValidationFail("body", "malformed json"))
		return
	}

	s.metrics.AuthAttemptsTotal.WithLabelValues(string(AuthMechanismPassword)).Inc()
	user, err := AuthenticateUser(s.db, req.Username, req.Password)
	if err != nil {
		s.metrics.AuthAttemptsFail.WithLabelValues(string(AuthMechanismPassword)).Inc()
		writeError(w, s.logger, requestID, err)
		return
	}

	if user.TOTPSecret != nil {
		if req.TOTPCode == "" {
			token, err := s.sessions.IssueOTPToken(user.ID)
			if err != nil {
				writeError(w, s.logger, requestID, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"access": "otp", "token": token})
			return
		}
		if !VerifyTOTP(*user.TOTPSecret, req.TOTPCode) {
			s.metrics.AuthAttemptsFail.WithLabelValues(string(AuthMechanismPassword)).Inc()
			writeError(w, s.logger, requestID, &ErrAuthenticationFail{Reason: "bad otp code"})
			return
		}
	}

	token, err := s.sessions.IssueLoginToken(user.ID)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"access": "login", "token": token})
}

type setPasswordRequest struct {
	Password string `json:"password" validate:"required,min=8"`
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	var req setPasswordRequest
	if err := decodeJSON(r, &req); err != nil || s.validate.Struct(req) != nil {
		writeError(w, s.logger, requestID, newValidationFail("password", "must be at least 8 characters"))
		return
	}
	if err := SetPassword(s.db, userIDFrom(r), req.Password); err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- nickname / follow / presence ---

type setNicknameRequest struct {
	Nickname string `json:"nickname" validate:"required"`
}

func (s *Server) handleSetNickname(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	var req setNicknameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, requestID, newValidationFail("nickname", "required"))
		return
	}
	n, err := SetNickname(s.db, userIDFrom(r), r.PathValue("id"), req.Nickname)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleListNicknames(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	rows, err := ListNicknames(s.db, userIDFrom(r))
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	f, err := AddFollow(s.db, s.dispatcher, userIDFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleLikePost(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	if err := LikePost(s.db, s.dispatcher, userIDFrom(r), r.PathValue("id")); err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type createReplyRequest struct {
	Content string `json:"content" validate:"required"`
}

func (s *Server) handleReplyToPost(w http.ResponseWriter, r *http.Request) {
	postID := r.PathValue("id")
	s.createReply(w, r, &postID, nil)
}

func (s *Server) handleReplyToReply(w http.ResponseWriter, r *http.Request) {
	parentReplyID := r.PathValue("id")
	s.createReply(w, r, nil, &parentReplyID)
}

func (s *Server) createReply(w http.ResponseWriter, r *http.Request, postID, parentReplyID *string) {
	requestID := NewULID()
	var req createReplyRequest
	if err := decodeJSON(r, &req); err != nil || req.Content == "" {
		writeError(w, s.logger, requestID, newValidationFail("content", "required"))
		return
	}
	reply, err := CreateReply(s.db, userIDFrom(r), req.Content, postID, parentReplyID)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, reply)
}

func (s *Server) handleDeleteReply(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	if err := DeleteReply(s.db, r.PathValue("id")); err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	ids := strings.Split(r.URL.Query().Get("user_ids"), ",")
	out, err := s.presence.Status(s.db, ids)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type createTopicRequest struct {
	Title        string  `json:"title" validate:"required"`
	Hidden       bool    `json:"hidden"`
	AccessRuleID *string `json:"access_rule_id"`
}

// handleCreateTopic is admin-only: topics gate content visibility
// platform-wide, so only RoleAdmin may mint one.
func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	u, err := getUser(s.db, userIDFrom(r))
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	if u.Role != RoleAdmin {
		writeError(w, s.logger, requestID, &ErrAuthorizationFail{Required: "admin"})
		return
	}

	var req createTopicRequest
	if err := decodeJSON(r, &req); err != nil || req.Title == "" {
		writeError(w, s.logger, requestID, newValidationFail("title", "required"))
		return
	}
	topic, err := CreateTopic(s.db, req.Title, req.Hidden, req.AccessRuleID)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, topic)
}

// --- discussions / posts / tasks ---

type createDiscussionRequest struct {
	CommunityID    string   `json:"community_id" validate:"required"`
	Title          string   `json:"title"`
	ParticipantIDs []string `json:"participant_ids"`
	Finalized      bool     `json:"finalized"`
}

func (s *Server) handleCreateDiscussion(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	userID := userIDFrom(r)

	u, err := getUser(s.db, userID)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	if u.Role == RoleAdmin {
		writeError(w, s.logger, requestID, &ErrAuthorizationFail{Required: "non-admin user"})
		return
	}

	var req createDiscussionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, requestID, newValidationFail("body", "malformed json"))
		return
	}

	d, err := s.discussions.CreateDiscussion(userID, req.CommunityID, req.Title, req.ParticipantIDs, req.Finalized)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

type createPostRequest struct {
	Title   string   `json:"title" validate:"required"`
	Slug    string   `json:"slug" validate:"required"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
	Type    PostType `json:"type"`
}

// handleCreatePost enforces chat-participant access: posting into a
// finalized private discussion requires an Access right dominating
// ActivityMember on it, resolved through the Discussion→Community
// chain. Public discussions carry no such restriction beyond being a
// registered user.
func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	userID := userIDFrom(r)
	discussionID := r.PathValue("id")

	d, err := getDiscussion(s.db, discussionID)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	if d.isPrivate() {
		required := Authorization{Record: authzRecord{Table: "discussion", Key: discussionID}, Activity: ActivityMember}
		if err := IsAuthorized(s.db, userID, required); err != nil {
			writeError(w, s.logger, requestID, err)
			return
		}
	}

	var req createPostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, requestID, newValidationFail("body", "malformed json"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, s.logger, requestID, newValidationFail("body", err.Error()))
		return
	}

	p, err := s.discussions.CreatePost(userID, discussionID, req.Title, req.Slug, req.Content, req.Tags, req.Type)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

type createTaskRequest struct {
	RequestText      string        `json:"request_text" validate:"required"`
	DeliverableType  string        `json:"deliverable_type"`
	Type             TaskType      `json:"type" validate:"required,oneof=public private"`
	Currency         CurrencySymbol `json:"currency" validate:"required"`
	AcceptancePeriod time.Duration `json:"acceptance_period"`
	DeliveryPeriod   time.Duration `json:"delivery_period"`
}

func (s *Server) handleCreateDiscussionTask(w http.ResponseWriter, r *http.Request) {
	discussionID := r.PathValue("id")
	s.createTask(w, r, &discussionID, nil)
}

func (s *Server) handleCreatePostTask(w http.ResponseWriter, r *http.Request) {
	postID := r.PathValue("id")
	s.createTask(w, r, nil, &postID)
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request, discussionID, postID *string) {
	requestID := NewULID()
	var req createTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, requestID, newValidationFail("body", "malformed json"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, s.logger, requestID, newValidationFail("body", err.Error()))
		return
	}
	if !req.Currency.Valid() {
		writeError(w, s.logger, requestID, newValidationFail("currency", "unknown currency"))
		return
	}
	if err := AuthorizeTaskCreation(s.db, userIDFrom(r), discussionID, postID, req.Type); err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}

	task, err := s.tasks.CreateTask(userIDFrom(r), discussionID, postID, CreateTaskInput{
		RequestText:      req.RequestText,
		DeliverableType:  req.DeliverableType,
		Type:             req.Type,
		Currency:         req.Currency,
		AcceptancePeriod: req.AcceptancePeriod,
		DeliveryPeriod:   req.DeliveryPeriod,
	})
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// taskIDFromPath validates the {id} path parameter's shape before any
// database lookup; a malformed id can never name a task.
func (s *Server) taskIDFromPath(w http.ResponseWriter, r *http.Request, requestID string) (string, bool) {
	id := r.PathValue("id")
	if !looksLikeULID(id) {
		writeError(w, s.logger, requestID, &ErrEntityNotFound{Ident: "task:" + id})
		return "", false
	}
	return id, true
}

func (s *Server) handleTaskAccept(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	taskID, ok := s.taskIDFromPath(w, r, requestID)
	if !ok {
		return
	}
	p, err := s.tasks.Accept(taskID, userIDFrom(r))
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleTaskReject(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	taskID, ok := s.taskIDFromPath(w, r, requestID)
	if !ok {
		return
	}
	p, err := s.tasks.Reject(taskID, userIDFrom(r))
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type deliverTaskRequest struct {
	PostID string `json:"post_id" validate:"required"`
}

func (s *Server) handleTaskDeliver(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	var req deliverTaskRequest
	if err := decodeJSON(r, &req); err != nil || req.PostID == "" {
		writeError(w, s.logger, requestID, newValidationFail("post_id", "required"))
		return
	}
	taskID, ok := s.taskIDFromPath(w, r, requestID)
	if !ok {
		return
	}
	result, err := s.tasks.Deliver(taskID, userIDFrom(r), req.PostID)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type donateRequest struct {
	Amount   string         `json:"amount" validate:"required"`
	Currency CurrencySymbol `json:"currency" validate:"required"`
}

func (s *Server) handleTaskDonate(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	var req donateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, requestID, newValidationFail("body", "malformed json"))
		return
	}
	amount, err := ParseMoney(req.Amount)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	if !req.Currency.Valid() {
		writeError(w, s.logger, requestID, newValidationFail("currency", "unknown currency"))
		return
	}
	taskID, ok := s.taskIDFromPath(w, r, requestID)
	if !ok {
		return
	}
	donor, err := s.tasks.Donate(taskID, userIDFrom(r), amount, req.Currency)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, donor)
}

// --- wallet / gateway ---

func (s *Server) handleWalletBalance(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	balances, err := GetBalances(s.db, userIDFrom(r))
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleWalletHistory(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	userID := userIDFrom(r)

	var txType *TransactionType
	if raw := r.URL.Query().Get("tx_type"); raw != "" {
		t, err := parseTransactionType(raw)
		if err != nil {
			writeError(w, s.logger, requestID, newValidationFail("tx_type", err.Error()))
			return
		}
		txType = &t
	}

	rows, err := ListWalletHistory(s.db, userID, userID, txType, listOptionsFromQuery(r))
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type withdrawRequest struct {
	Amount   string         `json:"amount" validate:"required"`
	Currency CurrencySymbol `json:"currency" validate:"required"`
}

func (s *Server) handleWalletWithdraw(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	userID := userIDFrom(r)

	u, err := getUser(s.db, userID)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	if u.Email == nil {
		writeError(w, s.logger, requestID, &ErrValidationFail{Fields: map[string]string{"email": "withdrawal requires a verified email"}})
		return
	}

	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, requestID, newValidationFail("body", "malformed json"))
		return
	}
	amount, err := ParseMoney(req.Amount)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	if !req.Currency.Valid() {
		writeError(w, s.logger, requestID, newValidationFail("currency", "unknown currency"))
		return
	}

	g, err := s.gateway.WithdrawStart(userID, amount, req.Currency)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGatewayHistory(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	userID := userIDFrom(r)

	var status *GatewayTransactionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		v := GatewayTransactionStatus(raw)
		status = &v
	}
	var kind *GatewayTransactionKind
	if raw := r.URL.Query().Get("type"); raw != "" {
		v := GatewayTransactionKind(raw)
		kind = &v
	}

	rows, err := ListGatewayTransactions(s.db, userID, status, kind, listOptionsFromQuery(r))
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// stripeWebhookPayload captures the subset of a Stripe
// PaymentIntent-succeeded event the handler needs: the product_id
// metadata field encodes "<user-id-dashed>~<amount>~<action>".
type stripeWebhookPayload struct {
	ID   string `json:"id"`
	Data struct {
		Object struct {
			Metadata struct {
				ProductID string `json:"product_id"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	var payload stripeWebhookPayload
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, s.logger, requestID, &ErrGateway{Source: "stripe", Cause: err})
		return
	}

	parts := strings.SplitN(payload.Data.Object.Metadata.ProductID, "~", 3)
	if len(parts) != 3 {
		writeError(w, s.logger, requestID, &ErrGateway{Source: "stripe", Cause: errInvalidProductID})
		return
	}
	userID := strings.ReplaceAll(parts[0], "-", "")
	amountMinor, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		writeError(w, s.logger, requestID, &ErrGateway{Source: "stripe", Cause: err})
		return
	}
	if amountMinor <= 0 {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if userID == "" {
		userID = s.gatewayCnf.UnknownEndowmentUserID
	}

	// An action of "access_rule:<id>" buys an access right instead of
	// crediting the wallet.
	if ruleID, ok := strings.CutPrefix(parts[2], "access_rule:"); ok {
		var rule AccessRule
		if err := s.db.Where("id = ?", ruleID).First(&rule).Error; err != nil {
			writeError(w, s.logger, requestID, &ErrGateway{Source: "stripe", Cause: err})
			return
		}
		idempotencyKey := HashWebhookDelivery(payload.ID, GatewayKindDeposit)
		if s.webhookSeen.Exists(idempotencyKey) {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
			return
		}
		if _, err := AddPaidAccessRight(s.db, userID, rule, payload.ID); err != nil {
			writeError(w, s.logger, requestID, err)
			return
		}
		s.webhookSeen.Add(idempotencyKey)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	idempotencyKey := HashWebhookDelivery(payload.ID, GatewayKindDeposit)
	if s.webhookSeen.Exists(idempotencyKey) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	amount := NewMoney(amountMinor)
	g, err := DepositStart(s.db, NewULID(), userID, amount, CurrencyUSD, payload.ID)
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	if err := s.gateway.DepositComplete(g.ID, payload.ID, amount, CurrencyUSD, userID); err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	s.webhookSeen.Add(idempotencyKey)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- access rules / rights ---

type createAccessRuleRequest struct {
	TargetTable      string         `json:"target_table" validate:"required"`
	TargetKey        string         `json:"target_key" validate:"required"`
	Title            string         `json:"title" validate:"required"`
	RequiredActivity Activity       `json:"required_activity" validate:"required"`
	RequiredHeight   int            `json:"required_height"`
	PriceMinorUnits  *int64         `json:"price_minor_units"`
	PriceCurrency    *CurrencySymbol `json:"price_currency"`
	PeriodDays       *int           `json:"period_days"`
	ConfirmationText string         `json:"confirmation_text"`
	RedirectURL      string         `json:"redirect_url"`
}

// handleCreateAccessRule is admin-only: access rules gate paid content
// platform-wide via AddPaidAccessRight.
func (s *Server) handleCreateAccessRule(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	u, err := getUser(s.db, userIDFrom(r))
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	if u.Role != RoleAdmin {
		writeError(w, s.logger, requestID, &ErrAuthorizationFail{Required: "admin"})
		return
	}

	var req createAccessRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, requestID, newValidationFail("body", "malformed json"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, s.logger, requestID, newValidationFail("body", err.Error()))
		return
	}

	rule := &AccessRule{
		ID:               NewULID(),
		TargetTable:      req.TargetTable,
		TargetKey:        req.TargetKey,
		Title:            req.Title,
		RequiredActivity: req.RequiredActivity,
		RequiredHeight:   req.RequiredHeight,
		PriceCurrency:    req.PriceCurrency,
		PeriodDays:       req.PeriodDays,
		ConfirmationText: req.ConfirmationText,
		RedirectURL:      req.RedirectURL,
	}
	if req.PriceMinorUnits != nil {
		price := NewMoney(*req.PriceMinorUnits)
		rule.PriceMinorUnits = &price
	}
	if err := s.db.Create(rule).Error; err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleListAccessRights(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	rights, err := listAccessRightsByUser(s.db, userIDFrom(r))
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, rights)
}

// --- notifications ---

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	requestID := NewULID()
	var types []EventType
	if raw := r.URL.Query().Get("filter_by_types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			types = append(types, EventType(t))
		}
	}

	rows, err := ListNotifications(s.db, userIDFrom(r), types, listOptionsFromQuery(r))
	if err != nil {
		writeError(w, s.logger, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

const sseKeepAlive = 10 * time.Second

// handleNotificationsSSE streams live AppEvents: text/event-stream,
// one JSON-encoded AppEvent per message, a 10-second keep-alive.
func (s *Server) handleNotificationsSSE(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, unsubscribe := s.hub.Subscribe(userID)
	defer unsubscribe()

	s.presence.Connect(userID)
	defer s.presence.Disconnect(userID)

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			w.Write([]byte("event: " + ev.Kind + "\ndata: " + string(data) + "\n\n"))
			flusher.Flush()
		case <-keepAlive.C:
			w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		}
	}
}

func listOptionsFromQuery(r *http.Request) *ListOptions {
	opts := &ListOptions{}
	q := r.URL.Query()
	if v, err := strconv.ParseUint(q.Get("offset"), 10, 32); err == nil {
		opts.Offset = uint32(v)
	}
	if v, err := strconv.ParseUint(q.Get("limit"), 10, 32); err == nil {
		opts.Limit = uint32(v)
	}
	return opts
}
