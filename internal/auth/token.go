package auth

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformedToken indica token sem três segmentos, sem payload JSON ou sem identidade.
	ErrMalformedToken = errors.New("token malformado")
	// ErrRefreshFailed indica falha transitória ao renovar (rede, 5xx, resposta inválida).
	ErrRefreshFailed = errors.New("falha ao renovar token")
	// ErrAuthenticationExpired indica refresh rejeitado com 401; sessão encerrada.
	ErrAuthenticationExpired = errors.New("autenticação expirada")
	// ErrNoToken indica ausência de credenciais na sessão.
	ErrNoToken = errors.New("token ausente")
	// ErrTokenExpired indica access token já expirado.
	ErrTokenExpired = errors.New("token expirado")
)

// TokenState descreve o ciclo de vida do access token.
type TokenState string

const (
	StateValid        TokenState = "VALID"
	StateExpiringSoon TokenState = "EXPIRING_SOON"
	StateExpired      TokenState = "EXPIRED"
	StateRevoked      TokenState = "REVOKED"
)

// Identity é o objeto de identidade embutido no payload do token.
type Identity struct {
	UserID   string   `json:"userId"`
	Role     string   `json:"role"`
	CityCode string   `json:"cityCode,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// TokenClaims é o payload como transmitido pelo provedor.
type TokenClaims struct {
	Identity *Identity `json:"identity"`
	Scope    string    `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Claims representa as informações extraídas de um bearer token.
type Claims struct {
	SubjectID string
	Role      string
	Scopes    map[string]struct{}
	CityCode  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasScope informa se o token concede o escopo.
func (c *Claims) HasScope(scope string) bool {
	_, ok := c.Scopes[scope]
	return ok
}

// Decode lê o payload sem verificar assinatura; a verificação é do BFF.
func Decode(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if strings.Count(token, ".") != 2 {
		return nil, ErrMalformedToken
	}

	// Só o payload importa; cabeçalho e assinatura ficam com o BFF.
	segments := strings.Split(token, ".")
	payload, err := jwt.NewParser().DecodeSegment(segments[1])
	if err != nil {
		return nil, ErrMalformedToken
	}
	var raw TokenClaims
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, ErrMalformedToken
	}

	subject := ""
	if raw.Identity != nil {
		subject = strings.TrimSpace(raw.Identity.UserID)
	}
	if subject == "" {
		subject = strings.TrimSpace(raw.Subject)
	}
	if raw.Identity == nil || subject == "" {
		return nil, ErrMalformedToken
	}

	claims := &Claims{
		SubjectID: subject,
		Role:      raw.Identity.Role,
		CityCode:  raw.Identity.CityCode,
		Scopes:    make(map[string]struct{}),
	}
	for _, s := range raw.Identity.Scopes {
		if s = strings.TrimSpace(s); s != "" {
			claims.Scopes[s] = struct{}{}
		}
	}
	for _, s := range strings.Fields(raw.Scope) {
		claims.Scopes[s] = struct{}{}
	}
	if raw.IssuedAt != nil {
		claims.IssuedAt = raw.IssuedAt.Time
	}
	if raw.ExpiresAt != nil {
		claims.ExpiresAt = raw.ExpiresAt.Time
	}
	return claims, nil
}

// IsExpired é verdadeiro sem expiração decodificável ou quando now >= exp.
func IsExpired(token string, now time.Time) bool {
	claims, err := Decode(token)
	if err != nil || claims.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(claims.ExpiresAt)
}

// WillExpireSoon é verdadeiro quando o tempo restante é <= threshold (inclusivo).
func WillExpireSoon(token string, threshold time.Duration, now time.Time) bool {
	claims, err := Decode(token)
	if err != nil || claims.ExpiresAt.IsZero() {
		return true
	}
	return claims.ExpiresAt.Sub(now) <= threshold
}

// StateOf classifica o token no instante informado.
func StateOf(token string, threshold time.Duration, now time.Time) TokenState {
	switch {
	case IsExpired(token, now):
		return StateExpired
	case WillExpireSoon(token, threshold, now):
		return StateExpiringSoon
	default:
		return StateValid
	}
}

// RefreshFunc obtém novo access token de um colaborador externo.
type RefreshFunc func(ctx context.Context) (string, error)

// RefreshResult é o retorno de RefreshIfNeeded.
type RefreshResult struct {
	Token        string
	WasRefreshed bool
}

// RefreshIfNeeded só chama refresh quando o token expira dentro do threshold.
func RefreshIfNeeded(ctx context.Context, token string, threshold time.Duration, now time.Time, refresh RefreshFunc) (RefreshResult, error) {
	if !WillExpireSoon(token, threshold, now) {
		return RefreshResult{Token: token}, nil
	}
	if refresh == nil {
		return RefreshResult{}, &RefreshError{Cause: errors.New("refresh não configurado")}
	}

	newToken, err := refresh(ctx)
	if err != nil {
		if errors.Is(err, ErrAuthenticationExpired) || errors.Is(err, ErrRefreshFailed) || errors.Is(err, ErrNoToken) {
			return RefreshResult{}, err
		}
		return RefreshResult{}, &RefreshError{Cause: err}
	}
	return RefreshResult{Token: newToken, WasRefreshed: true}, nil
}

// RefreshError embrulha a causa de uma falha transitória; errors.Is casa com ErrRefreshFailed.
type RefreshError struct {
	Cause error
}

func (e *RefreshError) Error() string {
	if e.Cause == nil {
		return ErrRefreshFailed.Error()
	}
	return ErrRefreshFailed.Error() + ": " + e.Cause.Error()
}

func (e *RefreshError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrRefreshFailed}
	}
	return []error{ErrRefreshFailed, e.Cause}
}
