// Package crmapi CRM 后端接口客户端。后端是告警定时推送的权威来源，本地通知只是兜底。
package crmapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"go.uber.org/zap"

	"CRMNotify/pkg/errors"
)

// Envelope 后端统一返回结构
type Envelope struct {
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message"`
	Success bool            `json:"success"`
}

// Alert 后端告警
type Alert struct {
	ID          string `json:"id,omitempty"`
	EnquiryID   string `json:"enquiry_id,omitempty"`
	Reason      string `json:"reason"`
	Date        string `json:"date"`
	Time        string `json:"time"`
	RepeatDaily bool   `json:"repeat_daily"`
}

type Client struct {
	hc      *client.Client
	baseURL string
	token   string
	timeout time.Duration
	breaker *Breaker
	logger  *zap.Logger
}

// New baseURL 为空时返回 nil，调用方视为只做本地调度
func New(baseURL, token string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, nil
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid CRM API base url: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	hc, err := client.NewClient(
		client.WithDialTimeout(timeout),
		client.WithClientReadTimeout(timeout),
		client.WithWriteTimeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CRM API client: %w", err)
	}

	return &Client{
		hc:      hc,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
		breaker: NewBreaker(5, 30*time.Second, logger),
		logger:  logger,
	}, nil
}

// Enabled nil 客户端表示未配置后端
func (c *Client) Enabled() bool {
	return c != nil
}

// CreateAlert success=false 时返回 CRMRejected，携带后端 message
func (c *Client) CreateAlert(ctx context.Context, alert Alert) (Alert, Envelope, error) {
	env, err := c.do(ctx, consts.MethodPost, "/alerts", alert)
	if err != nil {
		return Alert{}, env, err
	}
	created := alert
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &created); err != nil {
			return Alert{}, env, errors.CRMUnavailable.With(fmt.Errorf("decode alert: %w", err))
		}
	}
	if created.ID == "" {
		created.ID = alert.ID
	}
	return created, env, nil
}

func (c *Client) UpdateAlert(ctx context.Context, alert Alert) (Envelope, error) {
	if alert.ID == "" {
		return Envelope{}, errors.MissingField.Withf("alert id")
	}
	return c.do(ctx, consts.MethodPut, "/alerts/"+url.PathEscape(alert.ID), alert)
}

func (c *Client) DeleteAlert(ctx context.Context, id string) (Envelope, error) {
	if id == "" {
		return Envelope{}, errors.MissingField.Withf("alert id")
	}
	return c.do(ctx, consts.MethodDelete, "/alerts/"+url.PathEscape(id), nil)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (Envelope, error) {
	if c == nil {
		return Envelope{}, errors.CRMUnavailable.Withf("CRM API not configured")
	}
	if !c.breaker.Allow() {
		return Envelope{}, errors.CRMUnavailable.Withf("circuit open")
	}

	env, err := c.roundTrip(ctx, method, path, body)
	c.breaker.Record(errors.Is(err, errors.CRMUnavailable))
	return env, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body interface{}) (Envelope, error) {
	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return Envelope{}, fmt.Errorf("failed to marshal request: %w", err)
		}
		req.Header.SetContentTypeBytes([]byte("application/json"))
		req.SetBody(payload)
	}

	startTime := time.Now()
	if err := c.hc.DoTimeout(ctx, req, resp, c.timeout); err != nil {
		c.logger.Warn("CRM API request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return Envelope{}, errors.CRMUnavailable.With(err)
	}

	status := resp.StatusCode()
	c.logger.Debug("CRM API request completed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(startTime)),
	)

	var env Envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		if status >= consts.StatusInternalServerError {
			return Envelope{}, errors.CRMUnavailable.Withf("status %d", status)
		}
		return Envelope{}, errors.CRMUnavailable.With(fmt.Errorf("decode response (status %d): %w", status, err))
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = fmt.Sprintf("status %d", status)
		}
		return env, errors.CRMRejected.Withf("%s", msg)
	}
	return env, nil
}
