package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Alert is one operational event pushed to the configured webhook.
type Alert struct {
	ID       uuid.UUID `json:"id"`
	Event    string    `json:"event"`
	SchemaID string    `json:"schema_id,omitempty"`
	Payload  any       `json:"payload"`
	Time     time.Time `json:"time"`
}

// Dispatcher delivers alerts asynchronously. Alerts are dropped, never
// blocked on, when the buffer is full. A Dispatcher with no URL discards
// everything.
type Dispatcher struct {
	url        string
	secret     string
	httpClient *http.Client
	alerts     chan Alert
	wg         sync.WaitGroup

	// mu guards closed and the send on alerts against Close.
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(url, secret string) *Dispatcher {
	d := &Dispatcher{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		alerts: make(chan Alert, 1000),
	}
	if url != "" {
		d.wg.Add(1)
		go d.processLoop()
	}
	return d
}

func (d *Dispatcher) Enabled() bool { return d != nil && d.url != "" }

func (d *Dispatcher) Enqueue(a Alert) {
	if !d.Enabled() {
		return
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		slog.Warn("alert dispatcher closed, dropping", "alert_id", a.ID, "event", a.Event)
		return
	}
	select {
	case d.alerts <- a:
	default:
		slog.Warn("alert queue full, dropping", "alert_id", a.ID, "event", a.Event)
	}
}

// Close stops accepting alerts and waits for queued ones to be delivered.
// Enqueue after Close drops the alert.
func (d *Dispatcher) Close() {
	if !d.Enabled() {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.alerts)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) processLoop() {
	defer d.wg.Done()
	for a := range d.alerts {
		d.deliver(a)
	}
}

func (d *Dispatcher) deliver(a Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	body, err := json.Marshal(a)
	if err != nil {
		slog.Error("alert encoding failed", "alert_id", a.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		slog.Error("alert request creation failed", "error", err)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alert-Event", a.Event)
	req.Header.Set("X-Alert-ID", a.ID.String())
	if d.secret != "" {
		req.Header.Set("X-Alert-Signature", Sign(body, d.secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		slog.Error("alert delivery failed", "error", err, "alert_id", a.ID)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Warn("alert receiver returned non-success", "status", resp.StatusCode, "alert_id", a.ID)
	}
}

// Sign returns the X-Alert-Signature value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}
