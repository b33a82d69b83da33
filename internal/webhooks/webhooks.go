// Package webhooks delivers lifecycle events to external HTTP endpoints.
// Deliveries are signed, asynchronous and never block the orchestrator.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloud-shuttle/foreman/internal/events"
)

// Webhook is one configured endpoint.
type Webhook struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	Secret    string             `json:"secret,omitempty"` // HMAC secret; empty disables signing
	Events    []events.EventType `json:"events"`           // Empty subscribes to everything
	Headers   map[string]string  `json:"headers,omitempty"`
	Enabled   bool               `json:"enabled"`
	CreatedAt int64              `json:"created_at"`
}

// Payload is the body POSTed to an endpoint.
type Payload struct {
	Event      events.EventType `json:"event"`
	Timestamp  int64            `json:"timestamp"`
	WebhookID  string           `json:"webhook_id"`
	DeliveryID string           `json:"delivery_id"`
	TaskID     string           `json:"task_id,omitempty"`
	UnitID     string           `json:"unit_id,omitempty"`
	Gate       string           `json:"gate,omitempty"`
	Data       map[string]any   `json:"data,omitempty"`
}

// DeliveryResult records one delivery attempt.
type DeliveryResult struct {
	WebhookID  string
	DeliveryID string
	Event      events.EventType
	StatusCode int
	Success    bool
	Error      string
	DurationMS int64
	Timestamp  int64
}

// deliveryTask pairs a payload with its endpoint.
type deliveryTask struct {
	webhook *Webhook
	payload *Payload
}

// Manager registers endpoints and delivers events to them.
type Manager struct {
	mu       sync.RWMutex
	webhooks map[string]*Webhook
	logger   *log.Logger
	client   *http.Client
	delivery chan *deliveryTask
	stopCh   chan struct{}
	wg       sync.WaitGroup

	// Circular delivery history
	historyMutex sync.Mutex
	history      []*DeliveryResult
	historySize  int
	historyPos   int
}

// NewManager creates a webhook manager. Call Start before emitting.
func NewManager() *Manager {
	return &Manager{
		webhooks:    make(map[string]*Webhook),
		logger:      log.New(os.Stdout, "[webhooks] ", log.LstdFlags),
		client:      &http.Client{Timeout: 30 * time.Second},
		delivery:    make(chan *deliveryTask, 1000),
		stopCh:      make(chan struct{}),
		history:     make([]*DeliveryResult, 0, 100),
		historySize: 100,
	}
}

// SetLogger replaces the delivery logger.
func (m *Manager) SetLogger(logger *log.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger = logger
}

// SetTimeout adjusts the per-delivery HTTP timeout.
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client.Timeout = timeout
}

// Start launches the delivery workers.
func (m *Manager) Start(workers int) {
	m.logger.Printf("starting with %d workers", workers)
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.deliveryWorker()
	}
}

// Stop drains the workers, bounded by the context.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Printf("stopping...")
	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Printf("stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds an endpoint.
func (m *Manager) Register(webhook *Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if webhook.ID == "" {
		return fmt.Errorf("webhook ID is required")
	}
	if webhook.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if webhook.Events == nil {
		webhook.Events = []events.EventType{}
	}
	webhook.CreatedAt = time.Now().Unix()
	m.webhooks[webhook.ID] = webhook

	m.logger.Printf("registered webhook %s -> %s", webhook.ID, webhook.URL)
	return nil
}

// Unregister removes an endpoint.
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.webhooks[id]; !exists {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(m.webhooks, id)
	m.logger.Printf("unregistered webhook %s", id)
	return nil
}

// Get returns a copy of one endpoint.
func (m *Manager) Get(id string) (*Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	webhook, exists := m.webhooks[id]
	if !exists {
		return nil, fmt.Errorf("webhook %s not found", id)
	}
	cp := *webhook
	return &cp, nil
}

// List returns copies of every endpoint.
func (m *Manager) List() []*Webhook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Webhook, 0, len(m.webhooks))
	for _, webhook := range m.webhooks {
		cp := *webhook
		result = append(result, &cp)
	}
	return result
}

// Enable turns an endpoint on.
func (m *Manager) Enable(id string) error {
	return m.setEnabled(id, true)
}

// Disable turns an endpoint off without forgetting it.
func (m *Manager) Disable(id string) error {
	return m.setEnabled(id, false)
}

func (m *Manager) setEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	webhook, exists := m.webhooks[id]
	if !exists {
		return fmt.Errorf("webhook %s not found", id)
	}
	webhook.Enabled = enabled
	m.logger.Printf("webhook %s enabled=%v", id, enabled)
	return nil
}

// Attach consumes a bus stream and forwards every event to subscribed
// endpoints until the context ends.
func (m *Manager) Attach(ctx context.Context, bus *events.Bus) {
	stream := bus.Stream(ctx, events.Filter{})
	go func() {
		for event := range stream {
			m.Emit(event)
		}
	}()
}

// Emit queues an event for delivery to every subscribed endpoint. A
// full queue drops the delivery rather than blocking the caller.
func (m *Manager) Emit(event *events.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, webhook := range m.webhooks {
		if !webhook.Enabled || !subscribed(webhook, event.Type) {
			continue
		}

		payload := &Payload{
			Event:      event.Type,
			Timestamp:  time.Now().Unix(),
			WebhookID:  webhook.ID,
			DeliveryID: uuid.New().String(),
			TaskID:     event.TaskID,
			UnitID:     event.UnitID,
			Gate:       event.Gate,
			Data:       event.Data,
		}

		select {
		case m.delivery <- &deliveryTask{webhook: webhook, payload: payload}:
		default:
			m.logger.Printf("delivery queue full, dropping webhook %s", webhook.ID)
		}
	}
}

// GetDeliveryHistory returns the most recent delivery results, oldest
// first.
func (m *Manager) GetDeliveryHistory(limit int) []*DeliveryResult {
	m.historyMutex.Lock()
	defer m.historyMutex.Unlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	result := make([]*DeliveryResult, limit)
	start := (m.historyPos - limit + len(m.history)) % max(len(m.history), 1)
	for i := 0; i < limit; i++ {
		result[i] = m.history[(start+i)%len(m.history)]
	}
	return result
}

// subscribed reports whether the endpoint wants this event. An empty
// subscription list means everything.
func subscribed(webhook *Webhook, event events.EventType) bool {
	if len(webhook.Events) == 0 {
		return true
	}
	for _, e := range webhook.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (m *Manager) deliveryWorker() {
	defer m.wg.Done()
	for {
		select {
		case task := <-m.delivery:
			m.deliver(task)
		case <-m.stopCh:
			return
		}
	}
}

// deliver POSTs one payload to its endpoint and records the result.
func (m *Manager) deliver(task *deliveryTask) {
	start := time.Now()
	result := &DeliveryResult{
		WebhookID:  task.webhook.ID,
		DeliveryID: task.payload.DeliveryID,
		Event:      task.payload.Event,
		Timestamp:  start.Unix(),
	}

	body, err := json.Marshal(task.payload)
	if err != nil {
		result.Error = fmt.Sprintf("marshaling payload: %v", err)
		m.recordDelivery(result)
		m.logger.Printf("%s", result.Error)
		return
	}

	req, err := http.NewRequest("POST", task.webhook.URL, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("building request: %v", err)
		m.recordDelivery(result)
		m.logger.Printf("%s", result.Error)
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Foreman-Webhooks/1.0")
	req.Header.Set("X-Webhook-ID", task.webhook.ID)
	req.Header.Set("X-Webhook-Delivery-ID", task.payload.DeliveryID)
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", task.payload.Timestamp))
	req.Header.Set("X-Webhook-Event", string(task.payload.Event))
	for k, v := range task.webhook.Headers {
		req.Header.Set(k, v)
	}
	if task.webhook.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+sign(body, task.webhook.Secret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("request failed: %v", err)
		m.recordDelivery(result)
		m.logger.Printf("%s delivery to %s failed: %v", task.payload.Event, task.webhook.URL, err)
		return
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	result.DurationMS = time.Since(start).Milliseconds()

	if !result.Success {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
		m.logger.Printf("%s delivery to %s failed: HTTP %d", task.payload.Event, task.webhook.URL, resp.StatusCode)
	} else {
		m.logger.Printf("%s delivered to %s (HTTP %d, %dms)", task.payload.Event, task.webhook.URL, resp.StatusCode, result.DurationMS)
	}
	m.recordDelivery(result)
}

// recordDelivery appends to the circular history.
func (m *Manager) recordDelivery(result *DeliveryResult) {
	m.historyMutex.Lock()
	defer m.historyMutex.Unlock()

	if len(m.history) < m.historySize {
		m.history = append(m.history, result)
	} else {
		m.history[m.historyPos] = result
		m.historyPos = (m.historyPos + 1) % m.historySize
	}
}

// sign computes the hex HMAC-SHA256 of the payload.
func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a received signature against the payload.
// Receivers compare against the value after the "sha256=" prefix.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(sign(payload, secret)))
}
