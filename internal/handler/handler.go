// Package handler содержит HTTP-обработчики API сервиса washmart.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/washmart/internal/middleware"
	"github.com/mmeshcher/washmart/internal/model"
	"github.com/mmeshcher/washmart/internal/payment"
	"github.com/mmeshcher/washmart/internal/rating"
	"github.com/mmeshcher/washmart/internal/service"
)

const maxBodyBytes = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Ping(ctx context.Context) error

	EnsureUser(ctx context.Context, userID, email string) (model.User, error)
	GetUser(ctx context.Context, userID string) (model.User, error)
	UpdateUserProfile(ctx context.Context, userID string, profile service.UserProfile) (model.User, error)
	GetUserRewardBalance(ctx context.Context, userID string) (int64, error)

	GetShop(ctx context.Context, shopID string) (model.Shop, error)
	RegisterShop(ctx context.Context, actor model.Actor, profile service.ShopProfile) (model.Shop, error)
	UpdateShopProfile(ctx context.Context, actor model.Actor, profile service.ShopProfile) (model.Shop, error)
	SetServices(ctx context.Context, actor model.Actor, services model.ServiceCatalog) (model.Shop, error)
	SetPromotion(ctx context.Context, actor model.Actor, promo model.Promotion) (model.Shop, error)
	ClearPromotion(ctx context.Context, actor model.Actor) (model.Shop, error)

	AddRider(ctx context.Context, actor model.Actor, riderID string, profile service.RiderProfile) (model.Rider, error)
	UpdateRider(ctx context.Context, actor model.Actor, riderID string, profile service.RiderProfile) (model.Rider, error)
	ListRiders(ctx context.Context, shopID string) ([]model.Rider, error)
	RemoveRider(ctx context.Context, actor model.Actor, riderID string) error

	Quote(ctx context.Context, req service.QuoteRequest) (model.Quote, error)
	CreateOrder(ctx context.Context, req service.CheckoutRequest) (model.Order, error)
	GetOrder(ctx context.Context, actor model.Actor, orderID string) (model.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)
	ListOrdersByShop(ctx context.Context, shopID string, status model.OrderStatus) ([]model.Order, error)
	Transition(ctx context.Context, orderID string, actor model.Actor, status model.OrderStatus) (model.Order, error)
	Cancel(ctx context.Context, orderID string, actor model.Actor) (model.Order, error)
	ConfirmPayment(ctx context.Context, orderID, reference string) (model.Order, error)

	SubmitReview(ctx context.Context, actor model.Actor, orderID string, req service.ReviewRequest) (float64, error)
	ListReviews(ctx context.Context, shopID string) ([]rating.Review, error)
}

// PaymentWebhook разбирает подписанные события платёжного шлюза.
type PaymentWebhook interface {
	Parse(payload []byte, signatureHeader string) (payment.Confirmation, bool, error)
}

// Handler реализует HTTP-обработчики API сервиса washmart.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	verifier       middleware.TokenVerifier
	payments       PaymentWebhook
}

// Option настраивает необязательные интеграции обработчика.
type Option func(*Handler)

// WithTokenVerifier включает вход по ID-токену Firebase.
func WithTokenVerifier(v middleware.TokenVerifier) Option {
	return func(h *Handler) { h.verifier = v }
}

// WithPaymentWebhook включает приём событий оплаты.
func WithPaymentWebhook(p PaymentWebhook) Option {
	return func(h *Handler) { h.payments = p }
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts ...Option) *Handler {
	h := &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type errorResponse struct {
	Error string `json:"error"`
}

type sessionRequest struct {
	IDToken string `json:"idToken"`
}

type sessionResponse struct {
	UserID string     `json:"userId"`
	Role   model.Role `json:"role"`
}

type statusRequest struct {
	Status model.OrderStatus `json:"status"`
}

type balanceResponse struct {
	RewardPointBalance int64 `json:"rewardPointBalance"`
}

type ratingResponse struct {
	Rating float64 `json:"rating"`
}

type riderRequest struct {
	ID string `json:"id"`
	service.RiderProfile
}

// Health проверяет доступность хранилища.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateSession обменивает ID-токен Firebase на подписанный cookie сессии.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return
	}

	var req sessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.IDToken == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "idToken is required"})
		return
	}

	token, err := h.verifier.VerifyIDToken(r.Context(), req.IDToken)
	if err != nil {
		h.logger.Info("id token rejected", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	identity, err := middleware.IdentityFromToken(token)
	if err != nil {
		h.logger.Info("id token rejected", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if identity.Actor.Role == model.RoleCustomer {
		if _, err := h.service.EnsureUser(r.Context(), identity.Actor.ID, identity.Email); err != nil {
			h.writeError(w, err, "ensure user")
			return
		}
	}

	h.authMiddleware.SetAuthCookie(w, identity.Actor)
	writeJSON(w, http.StatusOK, sessionResponse{UserID: identity.Actor.ID, Role: identity.Actor.Role})
}

// GetShop возвращает публичную карточку магазина.
func (h *Handler) GetShop(w http.ResponseWriter, r *http.Request) {
	shop, err := h.service.GetShop(r.Context(), chi.URLParam(r, "shopID"))
	if err != nil {
		h.writeError(w, err, "get shop")
		return
	}
	writeJSON(w, http.StatusOK, shop)
}

// ListReviews возвращает отзывы магазина.
func (h *Handler) ListReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := h.service.ListReviews(r.Context(), chi.URLParam(r, "shopID"))
	if err != nil {
		h.writeError(w, err, "list reviews")
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}

// Quote рассчитывает стоимость корзины текущего покупателя.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req service.QuoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = actor.ID

	q, err := h.service.Quote(r.Context(), req)
	if err != nil {
		h.writeError(w, err, "quote")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// CreateOrder оформляет заказ текущего покупателя.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req service.CheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = actor.ID

	order, err := h.service.CreateOrder(r.Context(), req)
	if err != nil {
		h.writeError(w, err, "create order")
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// ListOrders возвращает заказы текущего покупателя.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	orders, err := h.service.ListOrdersByUser(r.Context(), actor.ID)
	if err != nil {
		h.writeError(w, err, "list orders")
		return
	}
	writeOrders(w, orders)
}

// GetOrder возвращает заказ, доступный текущему участнику.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	order, err := h.service.GetOrder(r.Context(), actor, chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, err, "get order")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// CancelOrder отменяет заказ.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	order, err := h.service.Cancel(r.Context(), chi.URLParam(r, "orderID"), actor)
	if err != nil {
		h.writeError(w, err, "cancel order")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// SubmitReview сохраняет отзыв по заказу.
func (h *Handler) SubmitReview(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req service.ReviewRequest
	if !h.decode(w, r, &req) {
		return
	}
	score, err := h.service.SubmitReview(r.Context(), actor, chi.URLParam(r, "orderID"), req)
	if err != nil {
		h.writeError(w, err, "submit review")
		return
	}
	writeJSON(w, http.StatusCreated, ratingResponse{Rating: score})
}

// GetUser возвращает профиль текущего покупателя.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	user, err := h.service.GetUser(r.Context(), actor.ID)
	if err != nil {
		h.writeError(w, err, "get user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// UpdateUser обновляет профиль текущего покупателя.
func (h *Handler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var profile service.UserProfile
	if !h.decode(w, r, &profile) {
		return
	}
	user, err := h.service.UpdateUserProfile(r.Context(), actor.ID, profile)
	if err != nil {
		h.writeError(w, err, "update user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// GetBalance возвращает баланс баллов текущего покупателя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	balance, err := h.service.GetUserRewardBalance(r.Context(), actor.ID)
	if err != nil {
		h.writeError(w, err, "get balance")
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{RewardPointBalance: balance})
}

// RegisterShop создаёт магазин текущего владельца.
func (h *Handler) RegisterShop(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var profile service.ShopProfile
	if !h.decode(w, r, &profile) {
		return
	}
	shop, err := h.service.RegisterShop(r.Context(), actor, profile)
	if err != nil {
		h.writeError(w, err, "register shop")
		return
	}
	writeJSON(w, http.StatusCreated, shop)
}

// UpdateShop обновляет реквизиты магазина.
func (h *Handler) UpdateShop(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var profile service.ShopProfile
	if !h.decode(w, r, &profile) {
		return
	}
	shop, err := h.service.UpdateShopProfile(r.Context(), actor, profile)
	if err != nil {
		h.writeError(w, err, "update shop")
		return
	}
	writeJSON(w, http.StatusOK, shop)
}

// SetServices заменяет каталог услуг магазина.
func (h *Handler) SetServices(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var services model.ServiceCatalog
	if !h.decode(w, r, &services) {
		return
	}
	shop, err := h.service.SetServices(r.Context(), actor, services)
	if err != nil {
		h.writeError(w, err, "set services")
		return
	}
	writeJSON(w, http.StatusOK, shop)
}

// SetPromotion устанавливает акцию магазина.
func (h *Handler) SetPromotion(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var promo model.Promotion
	if !h.decode(w, r, &promo) {
		return
	}
	shop, err := h.service.SetPromotion(r.Context(), actor, promo)
	if err != nil {
		h.writeError(w, err, "set promotion")
		return
	}
	writeJSON(w, http.StatusOK, shop)
}

// ClearPromotion снимает акцию магазина.
func (h *Handler) ClearPromotion(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	shop, err := h.service.ClearPromotion(r.Context(), actor)
	if err != nil {
		h.writeError(w, err, "clear promotion")
		return
	}
	writeJSON(w, http.StatusOK, shop)
}

// ListRiders возвращает курьеров магазина.
func (h *Handler) ListRiders(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	riders, err := h.service.ListRiders(r.Context(), actor.ID)
	if err != nil {
		h.writeError(w, err, "list riders")
		return
	}
	writeJSON(w, http.StatusOK, riders)
}

// AddRider регистрирует курьера магазина.
func (h *Handler) AddRider(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req riderRequest
	if !h.decode(w, r, &req) {
		return
	}
	rider, err := h.service.AddRider(r.Context(), actor, req.ID, req.RiderProfile)
	if err != nil {
		h.writeError(w, err, "add rider")
		return
	}
	writeJSON(w, http.StatusCreated, rider)
}

// UpdateRider изменяет данные курьера.
func (h *Handler) UpdateRider(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var profile service.RiderProfile
	if !h.decode(w, r, &profile) {
		return
	}
	rider, err := h.service.UpdateRider(r.Context(), actor, chi.URLParam(r, "riderID"), profile)
	if err != nil {
		h.writeError(w, err, "update rider")
		return
	}
	writeJSON(w, http.StatusOK, rider)
}

// RemoveRider удаляет курьера.
func (h *Handler) RemoveRider(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	if err := h.service.RemoveRider(r.Context(), actor, chi.URLParam(r, "riderID")); err != nil {
		h.writeError(w, err, "remove rider")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListShopOrders возвращает заказы магазина с необязательным фильтром ?status=.
func (h *Handler) ListShopOrders(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	status := model.OrderStatus(r.URL.Query().Get("status"))
	orders, err := h.service.ListOrdersByShop(r.Context(), actor.ID, status)
	if err != nil {
		h.writeError(w, err, "list shop orders")
		return
	}
	writeOrders(w, orders)
}

// UpdateOrderStatus переводит заказ магазина в новый статус.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.Transition(r.Context(), chi.URLParam(r, "orderID"), actor, req.Status)
	if err != nil {
		h.writeError(w, err, "update order status")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// StripeWebhook принимает события Stripe и подтверждает оплату заказов.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	confirmation, ok, err := h.payments.Parse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("payment webhook rejected", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusOK)
		return
	}

	log := h.logger.With(
		zap.String("orderID", confirmation.OrderID),
		zap.String("eventID", confirmation.EventID),
	)
	_, err = h.service.ConfirmPayment(r.Context(), confirmation.OrderID, confirmation.Reference)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrOrderTerminal):
		// Повтор доставки не изменит результат.
		log.Warn("payment confirmation skipped", zap.Error(err))
		w.WriteHeader(http.StatusOK)
	default:
		log.Error("payment confirmation failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return actor, ok
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := sonic.ConfigStd.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, err error, op string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(op+" error", zap.Error(err))
		writeJSON(w, status, errorResponse{Error: http.StatusText(status)})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrBelowMinimumOrder), errors.Is(err, model.ErrOrderNotEligible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, model.ErrSequenceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrOrderTerminal),
		errors.Is(err, model.ErrDuplicateReview),
		errors.Is(err, model.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeOrders(w http.ResponseWriter, orders []model.Order) {
	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigStd.NewEncoder(w).Encode(v)
}
