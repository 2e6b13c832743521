package adapter

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fibratel/routerpilot/pkg/models"
	"go.uber.org/zap"
)

// MikroTik speaks the RouterOS v7 REST API over HTTPS with basic auth.
//
// RouterOS addresses resources by an opaque ".id": update and delete are
// only possible against that id, so every mutation of an existing resource
// is a two-step find-then-mutate (filter by the human key, then PATCH or
// DELETE by ".id").
type MikroTik struct {
	base    string
	creds   Credentials
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewMikroTik builds a RouterOS REST adapter. cfg.Endpoint is the base URL
// without the /rest suffix, e.g. https://10.0.0.1.
func NewMikroTik(cfg Config, logger *zap.Logger) (Adapter, error) {
	base := strings.TrimRight(cfg.Endpoint, "/")
	if base == "" {
		return nil, fmt.Errorf("mikrotik: empty endpoint")
	}

	transport := http.DefaultTransport
	if cfg.InsecureTLS {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed router certs
		transport = t
	}

	return &MikroTik{
		base:    base + "/rest",
		creds:   cfg.Credentials,
		client:  &http.Client{Transport: transport},
		timeout: cfg.timeout(),
		logger:  logger,
	}, nil
}

func (m *MikroTik) Brand() models.Brand { return models.BrandMikroTik }

// GetStatus reads /system/resource plus the active PPP session count.
func (m *MikroTik) GetStatus(ctx context.Context) (*Status, error) {
	var res map[string]any
	if err := m.do(ctx, http.MethodGet, "/system/resource", nil, &res); err != nil {
		return nil, err
	}

	var active []map[string]any
	if err := m.do(ctx, http.MethodGet, "/ppp/active", nil, &active); err != nil {
		return nil, err
	}

	st := &Status{
		CPUUsage:         parseFloat(res["cpu-load"]),
		ConnectedClients: len(active),
		Extra:            map[string]any{},
	}

	total := parseFloat(res["total-memory"])
	free := parseFloat(res["free-memory"])
	if total > 0 {
		st.MemoryUsage = (total - free) / total * 100
	}

	up, err := parseRouterOSDuration(str(res["uptime"]))
	if err != nil {
		return nil, &ProtocolError{Op: "mikrotik get-status", Detail: err.Error()}
	}
	st.UptimeSeconds = up

	// Keep vendor fields that have no uniform slot.
	for _, k := range []string{"board-name", "version", "architecture-name", "cpu-count"} {
		if v, ok := res[k]; ok {
			st.Extra[k] = v
		}
	}
	return st, nil
}

// Reboot fires /system/reboot. RouterOS closes the connection while
// acknowledging, so a dropped response after the POST was sent counts as
// accepted.
func (m *MikroTik) Reboot(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, RebootTimeout)
	defer cancel()

	err := m.do(ctx, http.MethodPost, "/system/reboot", map[string]any{}, nil)
	var ce *ConnectionError
	if errors.As(err, &ce) && ce.Op == "mikrotik read response" {
		return nil
	}
	return err
}

func (m *MikroTik) CreatePPPoEClient(ctx context.Context, c PPPoEClient) error {
	body := map[string]any{
		"name":     c.Username,
		"password": c.Secret,
		"service":  c.Service,
	}
	if c.Profile != "" {
		body["profile"] = c.Profile
	}
	return m.do(ctx, http.MethodPut, "/ppp/secret", body, nil)
}

func (m *MikroTik) DeletePPPoEClient(ctx context.Context, username string) error {
	id, err := m.findID(ctx, "/ppp/secret", username)
	if err != nil {
		return err
	}
	return m.do(ctx, http.MethodDelete, "/ppp/secret/"+id, nil, nil)
}

// SuspendClient disables the PPP secret and drops the active session so the
// suspension takes effect immediately. Idempotent: disabling an already
// disabled secret and kicking a session that is not there both succeed.
func (m *MikroTik) SuspendClient(ctx context.Context, username string) error {
	id, err := m.findID(ctx, "/ppp/secret", username)
	if err != nil {
		return err
	}
	if err := m.do(ctx, http.MethodPatch, "/ppp/secret/"+id, map[string]any{"disabled": "yes"}, nil); err != nil {
		return err
	}

	sessID, err := m.findID(ctx, "/ppp/active", username)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return nil // No session up; the secret disable is enough.
	}
	if err != nil {
		return err
	}
	return m.do(ctx, http.MethodDelete, "/ppp/active/"+sessID, nil, nil)
}

func (m *MikroTik) ActivateClient(ctx context.Context, username string) error {
	id, err := m.findID(ctx, "/ppp/secret", username)
	if err != nil {
		return err
	}
	return m.do(ctx, http.MethodPatch, "/ppp/secret/"+id, map[string]any{"disabled": "no"}, nil)
}

// SetBandwidthLimit finds the simple queue named after the subscriber and
// updates its max-limit in place, creating the queue if absent.
// RouterOS max-limit is upload/download.
func (m *MikroTik) SetBandwidthLimit(ctx context.Context, username string, downloadMbps, uploadMbps int) error {
	limit := fmt.Sprintf("%dM/%dM", uploadMbps, downloadMbps)

	id, err := m.findID(ctx, "/queue/simple", username)
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return m.do(ctx, http.MethodPut, "/queue/simple", map[string]any{
			"name":      username,
			"target":    "<pppoe-" + username + ">",
			"max-limit": limit,
		}, nil)
	}
	if err != nil {
		return err
	}
	return m.do(ctx, http.MethodPatch, "/queue/simple/"+id, map[string]any{"max-limit": limit}, nil)
}

// TestConnection reads /system/identity, which exercises both reachability
// and credentials without touching configuration.
func (m *MikroTik) TestConnection(ctx context.Context) error {
	var out map[string]any
	return m.do(ctx, http.MethodGet, "/system/identity", nil, &out)
}

// findID filters path by name and returns the ".id" of the single match.
func (m *MikroTik) findID(ctx context.Context, path, name string) (string, error) {
	q := url.Values{"name": {name}}
	var items []map[string]any
	if err := m.do(ctx, http.MethodGet, path+"?"+q.Encode(), nil, &items); err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", &NotFoundError{Resource: strings.TrimPrefix(path, "/"), Key: name}
	}
	id := str(items[0][".id"])
	if id == "" {
		return "", &ProtocolError{Op: "mikrotik find " + path, Detail: "entry has no .id field"}
	}
	return id, nil
}

// do performs one REST call and decodes the JSON response into out.
func (m *MikroTik) do(ctx context.Context, method, path string, body, out any) error {
	op := "mikrotik " + strings.ToLower(method) + " " + path

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.base+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	// Basic auth in the header, never in the URL.
	req.SetBasicAuth(m.creds.Username, m.creds.Password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return m.classify(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return m.classify("mikrotik read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &ConnectionError{Op: op, Err: fmt.Errorf("authentication rejected (%d)", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Resource: strings.TrimPrefix(path, "/"), Key: ""}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &ProtocolError{Op: op, Detail: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, truncate(string(data), 200))}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return &ProtocolError{Op: op, Detail: "malformed JSON: " + err.Error()}
		}
	}
	return nil
}

func (m *MikroTik) classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, After: m.timeout}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Op: op, After: m.timeout}
	}
	return &ConnectionError{Op: op, Err: err}
}

// parseRouterOSDuration converts RouterOS uptime syntax (e.g. "1w2d3h4m5s")
// into seconds.
func parseRouterOSDuration(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	units := map[byte]int64{'w': 604800, 'd': 86400, 'h': 3600, 'm': 60, 's': 1}
	var total, cur int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			cur = cur*10 + int64(c-'0')
			continue
		}
		mult, ok := units[c]
		if !ok {
			return 0, fmt.Errorf("bad uptime %q", s)
		}
		total += cur * mult
		cur = 0
	}
	return total, nil
}

func parseFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
