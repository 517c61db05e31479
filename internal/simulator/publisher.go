package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"beehive-anomaly-service/internal/models"
)

// Ack подтверждение сервиса на одно событие
type Ack struct {
	EventID string `json:"event_id"`
	HiveID  string `json:"hive_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Summary итог публикации
type Summary struct {
	Sent       int `json:"sent"`
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// Publisher отправляет события сервису по websocket с ограничением скорости
type Publisher struct {
	baseURL string
	limiter *rate.Limiter
	dialer  *websocket.Dialer
	client  *http.Client
}

// NewPublisher создает публикатор. perSecond <= 0 снимает ограничение
func NewPublisher(baseURL string, perSecond float64, burst int) *Publisher {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Publisher{
		baseURL: strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(limit, burst),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *Publisher) socketURL() (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/events"
	return u.String(), nil
}

// Publish отправляет события по порядку и ждет подтверждения каждого
func (p *Publisher) Publish(ctx context.Context, events []models.HiveEvent) (Summary, error) {
	var summary Summary

	target, err := p.socketURL()
	if err != nil {
		return summary, fmt.Errorf("invalid service url: %w", err)
	}
	conn, _, err := p.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return summary, fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	defer conn.Close()

	for _, ev := range events {
		if err := p.limiter.Wait(ctx); err != nil {
			return summary, err
		}
		if ev.EventID == "" {
			ev.EventID = uuid.NewString()
		}
		if err := conn.WriteJSON(ev); err != nil {
			return summary, fmt.Errorf("failed to send event %s: %w", ev.DateTime, err)
		}
		summary.Sent++

		var ack Ack
		if err := conn.ReadJSON(&ack); err != nil {
			return summary, fmt.Errorf("failed to read ack for %s: %w", ev.DateTime, err)
		}
		switch ack.Status {
		case "accepted":
			summary.Accepted++
		case "duplicate":
			summary.Duplicates++
		default:
			summary.Rejected++
			log.Warn().Str("date_time", ev.DateTime).Str("error", ack.Error).Msg("event rejected")
		}
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return summary, nil
}

// Detect запускает детекцию по всей истории улья
func (p *Publisher) Detect(ctx context.Context, hiveID string) (models.DetectionResponse, error) {
	var resp models.DetectionResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/hives/"+url.PathEscape(hiveID)+"/detect", nil)
	if err != nil {
		return resp, err
	}
	httpResp, err := p.client.Do(req)
	if err != nil {
		return resp, fmt.Errorf("detect request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("failed to decode detection response (status %d): %w", httpResp.StatusCode, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("detection failed with status %d: %s", httpResp.StatusCode, resp.Error)
	}
	return resp, nil
}
