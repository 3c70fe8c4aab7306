package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Notifier delivers operator alerts. Delivery is best effort; failures are
// logged by the implementation and never returned to the caller.
type Notifier interface {
	Notify(ctx context.Context, msg string)
}

// Message is the payload published by the NATS and webhook sinks.
type Message struct {
	Source string `json:"source"`
	Text   string `json:"text"`
	At     string `json:"at"`
}

func newMessage(source, text string) Message {
	return Message{Source: source, Text: text, At: time.Now().UTC().Format(time.RFC3339Nano)}
}

// Log writes alerts to the logger at warn level.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(_ context.Context, msg string) {
	if l.Logger == nil {
		return
	}
	l.Logger.Warn("operator notification", zap.String("message", msg))
}

// Webhook posts alerts as JSON to URL.
type Webhook struct {
	URL    string
	Source string
	Client *http.Client
	Logger *zap.Logger
}

func NewWebhook(url, source string, logger *zap.Logger) *Webhook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Webhook{URL: url, Source: source, Client: &http.Client{Timeout: 10 * time.Second}, Logger: logger}
}

func (w *Webhook) Notify(ctx context.Context, msg string) {
	if err := w.post(ctx, msg); err != nil {
		w.Logger.Error("webhook notification failed", zap.String("url", w.URL), zap.Error(err))
	}
}

func (w *Webhook) post(ctx context.Context, msg string) error {
	body, err := json.Marshal(newMessage(w.Source, msg))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// NATS publishes alerts to Subject.
type NATS struct {
	conn    *nats.Conn
	subject string
	source  string
	logger  *zap.Logger
}

// ConnectNATS dials the server with unlimited reconnects.
func ConnectNATS(url, subject, source string, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name(source),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATS{conn: nc, subject: subject, source: source, logger: logger}, nil
}

func (n *NATS) Notify(_ context.Context, msg string) {
	data, err := json.Marshal(newMessage(n.source, msg))
	if err != nil {
		n.logger.Error("marshal notification", zap.Error(err))
		return
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		n.logger.Error("nats notification failed", zap.String("subject", n.subject), zap.Error(err))
	}
}

func (n *NATS) Close() {
	if n.conn != nil {
		_ = n.conn.Drain()
	}
}

// Multi fans an alert out to every notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg string) {
	for _, n := range m {
		n.Notify(ctx, msg)
	}
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Notify(context.Context, string) {}
