package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/mmeshcher/washmart/internal/model"
)

const (
	roleClaim            = "role"
	emailClaim           = "email"
	defaultVerifyTimeout = 5 * time.Second
)

// ErrTokenInvalid возвращается, если ID-токен Firebase не прошёл проверку.
var ErrTokenInvalid = errors.New("firebase id token invalid")

// TokenVerifier проверяет ID-токены Firebase.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier проверяет токены через Firebase Admin SDK с ограничением по времени.
type FirebaseVerifier struct {
	client  *firebaseauth.Client
	timeout time.Duration
}

// NewFirebaseVerifier инициализирует клиент Firebase Auth для проекта projectID.
// credentialsFile может быть пустым: тогда используются учётные данные окружения.
func NewFirebaseVerifier(ctx context.Context, projectID, credentialsFile string) (*FirebaseVerifier, error) {
	if projectID == "" {
		return nil, errors.New("firebase project id is required")
	}

	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialise firebase auth client: %w", err)
	}

	return &FirebaseVerifier{client: client, timeout: defaultVerifyTimeout}, nil
}

// VerifyIDToken проверяет токен.
func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	return v.client.VerifyIDToken(ctx, idToken)
}

// Identity — участник, подтверждённый токеном Firebase.
type Identity struct {
	Actor model.Actor
	Email string
}

// IdentityFromToken строит участника по проверенному токену. Роль берётся из
// пользовательского claim "role"; без него участник считается покупателем.
func IdentityFromToken(token *firebaseauth.Token) (Identity, error) {
	if token == nil || token.UID == "" {
		return Identity{}, ErrTokenInvalid
	}

	role := model.RoleCustomer
	if raw, ok := token.Claims[roleClaim].(string); ok {
		switch model.Role(raw) {
		case model.RoleCustomer, model.RoleShop:
			role = model.Role(raw)
		default:
			return Identity{}, fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, raw)
		}
	}

	email, _ := token.Claims[emailClaim].(string)
	return Identity{
		Actor: model.Actor{ID: token.UID, Role: role},
		Email: email,
	}, nil
}
