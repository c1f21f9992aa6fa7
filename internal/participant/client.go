// Package participant consulta e altera a participação em incidentes SOS
// no BFF e mantém uma visão local reconciliada por polling.
package participant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gestaozabele/sos/internal/auth"
	"github.com/gestaozabele/sos/internal/bff"
)

// ErrPrecondition indica chamada sem token ou sem identificadores; nenhuma requisição é feita.
var ErrPrecondition = errors.New("participante: pré-condição não atendida")

// TokenSource fornece o bearer token das chamadas REST.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client cobre os endpoints de participantes do BFF.
type Client struct {
	bff    *bff.Client
	tokens TokenSource
}

func NewClient(b *bff.Client, tokens TokenSource) *Client {
	return &Client{bff: b, tokens: tokens}
}

func (c *Client) FetchActive(ctx context.Context, sosID string) ([]Participant, error) {
	return c.list(ctx, "listar ativos", sosID, "/participants/active")
}

func (c *Client) FetchHistory(ctx context.Context, sosID string) ([]Participant, error) {
	return c.list(ctx, "listar histórico", sosID, "/participants/history")
}

// UserHistory lista a participação do usuário em todos os incidentes.
func (c *Client) UserHistory(ctx context.Context, sosID, userID string) ([]Participant, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId obrigatório", ErrPrecondition)
	}
	return c.list(ctx, "histórico do usuário", sosID, "/participants/user/"+url.PathEscape(userID)+"/history")
}

// Join é idempotente no servidor: entrar já ativo devolve a linha existente.
func (c *Client) Join(ctx context.Context, sosID string, userType UserType) (Participant, error) {
	if !userType.Valid() {
		return Participant{}, fmt.Errorf("%w: userType inválido %q", ErrPrecondition, userType)
	}
	token, path, err := c.prepare(ctx, sosID, "/participants/join")
	if err != nil {
		return Participant{}, err
	}

	var p Participant
	body := map[string]string{"userType": string(userType)}
	if err := c.bff.Do(ctx, http.MethodPost, path, token, body, &p); err != nil {
		return Participant{}, normalize("entrar", err)
	}
	return p, nil
}

func (c *Client) Leave(ctx context.Context, sosID, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: userId obrigatório", ErrPrecondition)
	}
	token, path, err := c.prepare(ctx, sosID, "/participants/"+url.PathEscape(userID)+"/leave")
	if err != nil {
		return err
	}
	if err := c.bff.Do(ctx, http.MethodPatch, path, token, nil, nil); err != nil {
		return normalize("sair", err)
	}
	return nil
}

// CheckActive informa se o usuário já está ativo no incidente.
func (c *Client) CheckActive(ctx context.Context, sosID, userID string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, fmt.Errorf("%w: userId obrigatório", ErrPrecondition)
	}
	token, path, err := c.prepare(ctx, sosID, "/participants/"+url.PathEscape(userID)+"/check")
	if err != nil {
		return false, err
	}

	var out struct {
		IsActive bool `json:"isActive"`
	}
	if err := c.bff.Do(ctx, http.MethodGet, path, token, nil, &out); err != nil {
		return false, normalize("verificar", err)
	}
	return out.IsActive, nil
}

func (c *Client) list(ctx context.Context, op, sosID, suffix string) ([]Participant, error) {
	token, path, err := c.prepare(ctx, sosID, suffix)
	if err != nil {
		return nil, err
	}

	var items []Participant
	if err := c.bff.Do(ctx, http.MethodGet, path, token, nil, &items); err != nil {
		return nil, normalize(op, err)
	}
	if items == nil {
		items = []Participant{}
	}
	return items, nil
}

func (c *Client) prepare(ctx context.Context, sosID, suffix string) (token, path string, err error) {
	sosID = strings.TrimSpace(sosID)
	if sosID == "" {
		return "", "", fmt.Errorf("%w: sosId obrigatório", ErrPrecondition)
	}
	if c.tokens == nil {
		return "", "", fmt.Errorf("%w: token ausente", ErrPrecondition)
	}
	token, err = c.tokens.AccessToken(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNoToken) || errors.Is(err, auth.ErrTokenExpired) {
			return "", "", fmt.Errorf("%w: %v", ErrPrecondition, err)
		}
		return "", "", err
	}
	if strings.TrimSpace(token) == "" {
		return "", "", fmt.Errorf("%w: token ausente", ErrPrecondition)
	}
	return token, "/api/sos/" + url.PathEscape(sosID) + suffix, nil
}

func normalize(op string, err error) error {
	return fmt.Errorf("participante: %s: %w", op, err)
}
