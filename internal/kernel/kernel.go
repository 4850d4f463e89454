// Package kernel drives the stateful Jupyter-style kernel running inside a
// worker container over a duplex websocket channel: start, execute,
// health-check, reset.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codeinterp/gateway/internal/gatewayerr"
)

// State is the kernel connection's lifecycle state.
type State int

const (
	StateNone State = iota
	StateStarting
	StateReady
	StateBusy
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// ResultStatus classifies an execution outcome.
type ResultStatus string

const (
	StatusOK      ResultStatus = "ok"
	StatusError   ResultStatus = "error"
	StatusTimeout ResultStatus = "timeout"
)

// ResultType further classifies a StatusOK or StatusError payload.
type ResultType string

const (
	TypeText            ResultType = "text"
	TypeImagePNGBase64   ResultType = "image_png_base64"
	TypeExecutionError   ResultType = "execution_error"
	TypeTimeoutError     ResultType = "timeout_error"
	TypeConnectionError  ResultType = "connection_error"
	TypeProcessingError  ResultType = "processing_error"
)

// ExecutionResult is the outcome of a single code execution.
type ExecutionResult struct {
	Status ResultStatus
	Type   ResultType
	Value  string // text, base64 image data, or an error message
}

const fontPrepCode = "import matplotlib\n" +
	"matplotlib.rcParams['font.family'] = ['DejaVu Sans']\n" +
	"matplotlib.rcParams['axes.unicode_minus'] = False\n"

const startRetries = 10
const startRetryDelay = time.Second

// Manager owns one kernel connection inside a worker. Every exported method
// (Start included) acquires mu so exactly one execution runs at a time.
type Manager struct {
	apiBase string // e.g. "http://127.0.0.1:8888"
	wsBase  string // e.g. "ws://127.0.0.1:8888"
	http    *http.Client

	mu        sync.Mutex
	kernelID  string
	conn      *websocket.Conn
	state     State
}

func NewManager(host string) *Manager {
	return &Manager{
		apiBase: "http://" + host,
		wsBase:  "ws://" + host,
		http:    &http.Client{Timeout: 5 * time.Second},
		state:   StateNone,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start allocates a kernel, opens its websocket channel, and runs a
// one-shot initialization cell. It retries the HTTP allocation step up to
// startRetries times, since the kernel process inside a freshly started
// container may not be listening yet.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernelID != "" {
		log.Printf("kernel: start called with kernel %s already running", m.kernelID)
		return nil
	}
	m.state = StateStarting

	var lastErr error
	for attempt := 0; attempt < startRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return gatewayerr.New(gatewayerr.KindKernelTimeout, "kernel.start", err)
		}
		if err := m.allocateAndConnect(ctx); err != nil {
			lastErr = err
			log.Printf("kernel: start attempt %d/%d failed: %v", attempt+1, startRetries, err)
			time.Sleep(startRetryDelay)
			continue
		}

		result := m.executeLocked(ctx, fontPrepCode, time.Now().Add(10*time.Second))
		if result.Status != StatusOK {
			m.shutdownLocked()
			return gatewayerr.New(gatewayerr.KindProvision, "kernel.start", fmt.Errorf("initialization cell failed: %s", result.Value))
		}
		m.state = StateReady
		return nil
	}

	m.state = StateDead
	return gatewayerr.New(gatewayerr.KindProvision, "kernel.start", fmt.Errorf("exhausted %d attempts: %w", startRetries, lastErr))
}

func (m *Manager) allocateAndConnect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiBase+"/api/kernels", strings.NewReader(`{"name":"python"}`))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("kernel allocation returned status %d", resp.StatusCode)
	}

	var body struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode kernel allocation response: %w", err)
	}
	m.kernelID = body.ID

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, fmt.Sprintf("%s/api/kernels/%s/channels", m.wsBase, m.kernelID), nil)
	if err != nil {
		m.kernelID = ""
		return fmt.Errorf("dial kernel channel: %w", err)
	}
	m.conn = conn
	return nil
}

// HealthCheck pings the channel with a fixed 2s deadline.
func (m *Manager) HealthCheck(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isHealthyLocked()
}

func (m *Manager) isHealthyLocked() bool {
	if m.conn == nil {
		return false
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := m.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(2*time.Second)); err != nil {
		return false
	}
	return true
}

// Reset restarts the kernel process and re-establishes the channel. The
// caller's process supervisor is responsible for the actual restart signal;
// here we close the stale connection and retry Start.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.shutdownLocked()
	m.mu.Unlock()
	return m.Start(ctx)
}

func (m *Manager) shutdownLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.kernelID = ""
	m.state = StateNone
}

// Execute submits code and waits for the kernel's reply, bounded by
// deadline. Exactly one execution runs at a time: Execute blocks on mu for
// the duration of the round trip.
func (m *Manager) Execute(ctx context.Context, code string, deadline time.Time) ExecutionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executeLocked(ctx, code, deadline)
}

func (m *Manager) executeLocked(ctx context.Context, code string, deadline time.Time) ExecutionResult {
	if !m.isHealthyLocked() {
		log.Printf("kernel: channel unhealthy, reconnecting before execute")
		if err := m.allocateAndConnect(ctx); err != nil {
			return ExecutionResult{Status: StatusError, Type: TypeConnectionError, Value: "execution channel unavailable"}
		}
	}
	m.state = StateBusy
	defer func() {
		if m.state == StateBusy {
			m.state = StateReady
		}
	}()

	msgID := uuid.New().String()
	payload := executeRequest(msgID, code)

	_ = m.conn.SetWriteDeadline(deadline)
	if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return ExecutionResult{Status: StatusError, Type: TypeConnectionError, Value: "execution engine connection lost"}
	}

	resultCh := make(chan ExecutionResult, 1)
	go func() {
		resultCh <- m.receiveUntilIdle(msgID, deadline)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-time.After(time.Until(deadline)):
		return ExecutionResult{Status: StatusTimeout, Type: TypeTimeoutError, Value: "code execution timed out"}
	}
}

func executeRequest(msgID, code string) []byte {
	envelope := map[string]interface{}{
		"header": map[string]string{
			"msg_id":   msgID,
			"username": "gateway",
			"session":  uuid.New().String(),
			"msg_type": "execute_request",
			"version":  "5.3",
		},
		"parent_header": map[string]string{},
		"metadata":      map[string]string{},
		"content": map[string]interface{}{
			"code":             code,
			"silent":           false,
			"store_history":    false,
			"user_expressions": map[string]string{},
			"allow_stdin":      false,
		},
		"buffers": []string{},
		"channel": "shell",
	}
	b, _ := json.Marshal(envelope)
	return b
}

type kernelMessage struct {
	ParentHeader struct {
		MsgID string `json:"msg_id"`
	} `json:"parent_header"`
	MsgType string `json:"msg_type"`
	Content struct {
		Text           string          `json:"text"`
		Data           json.RawMessage `json:"data"`
		Ename          string          `json:"ename"`
		Evalue         string          `json:"evalue"`
		ExecutionState string          `json:"execution_state"`
	} `json:"content"`
}

// receiveUntilIdle implements the result-selection policy: error beats
// image beats accumulated text.
func (m *Manager) receiveUntilIdle(msgID string, deadline time.Time) ExecutionResult {
	var textParts strings.Builder
	var imageB64 string
	var errorOutput string

	for {
		_ = m.conn.SetReadDeadline(deadline)
		_, raw, err := m.conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			m.shutdownLocked()
			m.mu.Unlock()
			return ExecutionResult{Status: StatusError, Type: TypeConnectionError, Value: "execution engine connection lost"}
		}

		var msg kernelMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.ParentHeader.MsgID != msgID {
			continue
		}
		if msg.Content.ExecutionState == "dead" {
			m.mu.Lock()
			m.state = StateDead
			m.mu.Unlock()
			return ExecutionResult{Status: StatusError, Type: TypeProcessingError, Value: "kernel dead"}
		}

		switch msg.MsgType {
		case "stream":
			textParts.WriteString(msg.Content.Text)
		case "execute_result":
			var data map[string]json.RawMessage
			if err := json.Unmarshal(msg.Content.Data, &data); err == nil {
				if plain, ok := data["text/plain"]; ok {
					var s string
					_ = json.Unmarshal(plain, &s)
					textParts.WriteString(s)
				}
			}
		case "display_data":
			var data map[string]json.RawMessage
			if err := json.Unmarshal(msg.Content.Data, &data); err == nil {
				if png, ok := data["image/png"]; ok {
					var s string
					_ = json.Unmarshal(png, &s)
					imageB64 = s
				}
			}
		case "error":
			errorOutput = fmt.Sprintf("%s: %s", msg.Content.Ename, msg.Content.Evalue)
		case "status":
			if msg.Content.ExecutionState == "idle" {
				goto done
			}
		}
		if errorOutput != "" {
			break
		}
	}
done:

	if errorOutput != "" {
		return ExecutionResult{Status: StatusError, Type: TypeExecutionError, Value: errorOutput}
	}
	if imageB64 != "" {
		return ExecutionResult{Status: StatusOK, Type: TypeImagePNGBase64, Value: imageB64}
	}
	return ExecutionResult{Status: StatusOK, Type: TypeText, Value: textParts.String()}
}
