package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
	"remotelink/pkg/utils"
)

type sessionRequest struct {
	Action      string              `json:"action"`
	Code        domain.SessionCode  `json:"code,omitempty"`
	HostID      domain.PeerID       `json:"hostId,omitempty"`
	ClientID    domain.PeerID       `json:"clientId,omitempty"`
	Role        domain.Role         `json:"role,omitempty"`
	Permissions *domain.Permissions `json:"permissions,omitempty"`
}

type sessionResponse struct {
	Success bool            `json:"success"`
	Session *domain.Session `json:"session"`
	Token   string          `json:"token"`
}

// SessionClient speaks to /session. Create and Join keep the issued peer
// token for every later call made through the same Client.
type SessionClient struct {
	client *Client
}

var _ ports.SessionService = (*SessionClient)(nil)

func NewSessionClient(client *Client) *SessionClient {
	return &SessionClient{client: client}
}

func (s *SessionClient) post(ctx context.Context, req sessionRequest) (*sessionResponse, error) {
	var resp sessionResponse
	if _, err := s.client.do(ctx, http.MethodPost, "/session", nil, req, &resp, 0); err != nil {
		return nil, err
	}
	if resp.Session == nil {
		return nil, fmt.Errorf("%w: session missing from response", domain.ErrTransportFailure)
	}
	if resp.Token != "" {
		s.client.SetToken(resp.Token)
	}
	return &resp, nil
}

// Create and Join mint a peer id when none is given so that every retry of
// the request carries the same identity.
func (s *SessionClient) Create(ctx context.Context, hostID domain.PeerID) (*domain.Session, error) {
	if hostID == "" {
		hostID = domain.PeerID(utils.GeneratePeerID("host"))
	}
	resp, err := s.post(ctx, sessionRequest{Action: "create", HostID: hostID})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (s *SessionClient) Join(ctx context.Context, code domain.SessionCode, clientID domain.PeerID) (*domain.Session, error) {
	if clientID == "" {
		clientID = domain.PeerID(utils.GeneratePeerID("client"))
	}
	resp, err := s.post(ctx, sessionRequest{Action: "join", Code: code, ClientID: clientID})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (s *SessionClient) UpdatePermissions(ctx context.Context, code domain.SessionCode, role domain.Role, perms domain.Permissions) (*domain.Session, error) {
	resp, err := s.post(ctx, sessionRequest{Action: "update", Code: code, Role: role, Permissions: &perms})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (s *SessionClient) Disconnect(ctx context.Context, code domain.SessionCode, role domain.Role) (*domain.Session, error) {
	resp, err := s.post(ctx, sessionRequest{Action: "disconnect", Code: code, Role: role})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

func (s *SessionClient) Get(ctx context.Context, code domain.SessionCode) (*domain.Session, error) {
	var resp sessionResponse
	if _, err := s.client.do(ctx, http.MethodGet, "/session", url.Values{"code": {string(code)}}, nil, &resp, 0); err != nil {
		return nil, err
	}
	if resp.Session == nil {
		return nil, fmt.Errorf("%w: session missing from response", domain.ErrTransportFailure)
	}
	return resp.Session, nil
}
