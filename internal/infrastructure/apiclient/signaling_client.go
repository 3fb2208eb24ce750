package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"remotelink/internal/core/domain"
	"remotelink/internal/core/ports"
)

type signalRequest struct {
	Code    domain.SessionCode    `json:"code"`
	Role    domain.Role           `json:"role"`
	Message *domain.SignalMessage `json:"message"`
}

type signalResponse struct {
	Message *domain.SignalMessage `json:"message"`
}

// SignalingClient is the short-poll SignalingChannel over /signal.
type SignalingClient struct {
	client *Client
	wait   time.Duration
}

var _ ports.SignalingChannel = (*SignalingClient)(nil)

// NewSignalingClient asks the server to hold each poll for up to wait.
func NewSignalingClient(client *Client, wait time.Duration) *SignalingClient {
	return &SignalingClient{client: client, wait: wait}
}

func (s *SignalingClient) Send(ctx context.Context, code domain.SessionCode, from domain.Role, msg *domain.SignalMessage) error {
	if !from.Valid() {
		return domain.ErrInvalidRole
	}
	msg.From = from
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	_, err := s.client.do(ctx, http.MethodPost, "/signal", nil, signalRequest{Code: code, Role: from, Message: msg}, nil, 0)
	return err
}

func (s *SignalingClient) Poll(ctx context.Context, code domain.SessionCode, role domain.Role) (*domain.SignalMessage, error) {
	if !role.Valid() {
		return nil, domain.ErrInvalidRole
	}
	q := url.Values{"code": {string(code)}, "role": {string(role)}}
	if s.wait > 0 {
		q.Set("wait", s.wait.String())
	}
	var resp signalResponse
	status, err := s.client.do(ctx, http.MethodGet, "/signal", q, nil, &resp, s.wait)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return resp.Message, nil
}

func (s *SignalingClient) Release(ctx context.Context, code domain.SessionCode, role domain.Role) error {
	q := url.Values{"code": {string(code)}, "role": {string(role)}}
	_, err := s.client.do(ctx, http.MethodDelete, "/signal", q, nil, nil, 0)
	return err
}
