package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/leadwave/wpsync/internal/domain"
	"github.com/leadwave/wpsync/internal/provider"
)

var _ provider.Backend = (*Client)(nil)

type statusResponse struct {
	Provider   domain.Provider `json:"provider"`
	Connected  bool            `json:"connected"`
	Ready      bool            `json:"ready"`
	Configured bool            `json:"configured"`
	QRRequired bool            `json:"qr_required"`
}

// Status fetches the provider connection status.
func (c *Client) Status(ctx context.Context) (domain.ConnectionStatus, error) {
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, c.endpoint("whatsapp", "status"), nil, &resp); err != nil {
		return domain.ConnectionStatus{}, err
	}
	return domain.ConnectionStatus(resp), nil
}

// PairingToken fetches the QR/pairing token. The backend answers
// {"connected": true} when the session is already paired.
func (c *Client) PairingToken(ctx context.Context) (provider.PairingToken, error) {
	var resp struct {
		QR        string `json:"qr"`
		Code      string `json:"code"`
		Connected bool   `json:"connected"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoint("whatsapp", "qr"), nil, &resp); err != nil {
		return provider.PairingToken{}, err
	}
	if resp.Connected {
		return provider.PairingToken{AlreadyConnected: true}, nil
	}
	token := resp.QR
	if token == "" {
		token = resp.Code
	}
	return provider.PairingToken{Token: token}, nil
}

// Start asks the backend to start a session for the given provider.
func (c *Client) Start(ctx context.Context, p domain.Provider) error {
	body := map[string]domain.Provider{"provider": p}
	return c.do(ctx, http.MethodPost, c.endpoint("whatsapp", "start"), body, nil)
}

// Disconnect ends the provider session.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.endpoint("whatsapp", "disconnect"), nil, nil)
}

// Threads lists conversations in backend order.
func (c *Client) Threads(ctx context.Context) ([]domain.Thread, error) {
	var resp struct {
		Conversations []domain.Thread `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoint("whatsapp", "conversations"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

// RemoveThread soft-deletes a conversation on the backend.
func (c *Client) RemoveThread(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, c.endpoint("whatsapp", "conversations", idSegment(id)), nil, nil)
}

// Messages returns the full message list of a conversation, oldest first.
func (c *Client) Messages(ctx context.Context, key string) ([]domain.Message, error) {
	var resp struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoint("whatsapp", "conversations", key, "messages"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// SendMessage posts a message. A 2xx answer with success=false is a failure.
func (c *Client) SendMessage(ctx context.Context, key string, out provider.Outgoing) error {
	if out.Empty() {
		return errors.New("rest: empty message")
	}
	var resp struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if err := c.do(ctx, http.MethodPost, c.endpoint("whatsapp", "conversations", key, "messages"), out, &resp); err != nil {
		return err
	}
	if resp.Success != nil && !*resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "send rejected"
		}
		return &APIError{StatusCode: http.StatusOK, Message: msg}
	}
	return nil
}

type automationBody struct {
	Active bool `json:"active"`
}

// AutomationFlag reads the automated-responder flag of a conversation.
func (c *Client) AutomationFlag(ctx context.Context, key string) (bool, error) {
	var resp automationBody
	if err := c.do(ctx, http.MethodGet, c.endpoint("whatsapp", "conversations", key, "automation"), nil, &resp); err != nil {
		return false, err
	}
	return resp.Active, nil
}

// SetAutomationFlag writes the automated-responder flag of a conversation.
func (c *Client) SetAutomationFlag(ctx context.Context, key string, active bool) error {
	return c.do(ctx, http.MethodPost, c.endpoint("whatsapp", "conversations", key, "automation"), automationBody{Active: active}, nil)
}
