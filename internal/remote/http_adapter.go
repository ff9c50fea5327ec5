package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/offlinesync/syncengine/internal/localstore"
)

// HTTPAdapter implements Adapter against a backend exposing the
// toolbridge-api-style cursor-paginated JSON sync surface: plain
// net/http for request/response verbs (no generated client SDK — the
// contract is five verbs over JSON, the teacher's own hand-rolled HTTP
// client idiom), gorilla/websocket for the change stream.
type HTTPAdapter struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
	logger     *logrus.Logger
}

// NewHTTPAdapter returns an adapter targeting baseURL (no trailing slash).
func NewHTTPAdapter(baseURL string, httpClient *http.Client, logger *logrus.Logger) *HTTPAdapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &HTTPAdapter{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: httpClient, logger: logger}
}

// SetAuthToken sets the bearer token attached to every request.
func (a *HTTPAdapter) SetAuthToken(token string) {
	a.authToken = token
}

func (a *HTTPAdapter) do(ctx context.Context, method, path string, body interface{}, out interface{}) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("remote: encoding request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("remote: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.authToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("remote: request failed: %w", err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("remote: decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

type pullResponse struct {
	Rows       []localstore.Entity `json:"rows"`
}

// Select fetches every row of table updated strictly after updatedAfter,
// ordered (updated_at, id) ascending, matching the backend contract's
// strict-ascending pull query.
func (a *HTTPAdapter) Select(ctx context.Context, table string, columns []string, updatedAfter string, filters []Filter) ([]localstore.Entity, error) {
	q := url.Values{}
	q.Set("updatedAfter", updatedAfter)
	if len(columns) > 0 {
		q.Set("columns", strings.Join(columns, ","))
	}
	for _, f := range filters {
		q.Set("filter."+f.Field, fmt.Sprintf("%v", f.Value))
	}

	var out pullResponse
	status, err := a.do(ctx, http.MethodGet, fmt.Sprintf("/v1/sync/%s?%s", table, q.Encode()), nil, &out)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("remote: select %s: unexpected status %d", table, status)
	}
	return out.Rows, nil
}

type idResponse struct {
	ID *string `json:"id"`
}

// Insert posts row and returns its server-assigned id, or
// ErrRowLevelAuthDenied if the backend silently refused the write.
func (a *HTTPAdapter) Insert(ctx context.Context, table string, row localstore.Entity) (string, error) {
	var out idResponse
	status, err := a.do(ctx, http.MethodPost, "/v1/sync/"+table, row, &out)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", fmt.Errorf("remote: insert %s: unexpected status %d", table, status)
	}
	if out.ID == nil {
		return "", ErrRowLevelAuthDenied
	}
	return *out.ID, nil
}

// Update patches id within table; the zero-row case is reported through
// ErrRowLevelAuthDenied so push intent mapping can tell it apart from a
// transport failure.
func (a *HTTPAdapter) Update(ctx context.Context, table, id string, patch localstore.Entity) (string, error) {
	var out idResponse
	status, err := a.do(ctx, http.MethodPatch, "/v1/sync/"+table+"/"+id, patch, &out)
	if err != nil {
		return "", err
	}
	if status >= 300 {
		return "", fmt.Errorf("remote: update %s/%s: unexpected status %d", table, id, status)
	}
	if out.ID == nil {
		return "", ErrRowLevelAuthDenied
	}
	return *out.ID, nil
}

type idsResponse struct {
	IDs []string `json:"ids"`
}

// Delete is used only by the tombstone sweeper's remote side.
func (a *HTTPAdapter) Delete(ctx context.Context, table string, filters []Filter) ([]string, error) {
	q := url.Values{}
	for _, f := range filters {
		q.Set("filter."+f.Field, fmt.Sprintf("%v", f.Value))
	}
	var out idsResponse
	status, err := a.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/sync/%s?%s", table, q.Encode()), nil, &out)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("remote: delete %s: unexpected status %d", table, status)
	}
	return out.IDs, nil
}

// Session fetches the current session without triggering revalidation.
func (a *HTTPAdapter) Session(ctx context.Context) (*Session, error) {
	var out Session
	status, err := a.do(ctx, http.MethodGet, "/v1/auth/session", nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, nil
	}
	if status >= 300 {
		return nil, fmt.Errorf("remote: session: unexpected status %d", status)
	}
	if out.AccessToken != "" {
		a.SetAuthToken(out.AccessToken)
	}
	return &out, nil
}

// RefreshSession exchanges an expired session for a new one.
func (a *HTTPAdapter) RefreshSession(ctx context.Context) (*Session, error) {
	var out Session
	status, err := a.do(ctx, http.MethodPost, "/v1/auth/refresh", nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, nil
	}
	if status >= 300 {
		return nil, fmt.Errorf("remote: refresh session: unexpected status %d", status)
	}
	if out.AccessToken != "" {
		a.SetAuthToken(out.AccessToken)
	}
	return &out, nil
}

type validateResponse struct {
	UserID string `json:"userId"`
}

// ValidateUser performs a network round trip to confirm the session is
// still accepted server-side.
func (a *HTTPAdapter) ValidateUser(ctx context.Context) (string, error) {
	var out validateResponse
	status, err := a.do(ctx, http.MethodGet, "/v1/auth/validate", nil, &out)
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized {
		return "", nil
	}
	if status >= 300 {
		return "", fmt.Errorf("remote: validate user: unexpected status %d", status)
	}
	return out.UserID, nil
}

// wsSubscription adapts a gorilla/websocket connection to Subscription.
type wsSubscription struct {
	conn   *websocket.Conn
	events chan ChangeEvent
	logger *logrus.Logger
}

// Channel opens a multiplexed websocket subscription for name, covering
// every table in tables, mirroring the pack-wide websocket-based realtime
// transport convention.
func (a *HTTPAdapter) Channel(name string, tables []string) (Subscription, error) {
	wsURL := strings.Replace(a.baseURL, "http", "ws", 1) + "/v1/sync/channel"
	header := http.Header{}
	if a.authToken != "" {
		header.Set("Authorization", "Bearer "+a.authToken)
	}
	q := url.Values{"name": {name}, "tables": {strings.Join(tables, ",")}}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?"+q.Encode(), header)
	if err != nil {
		return nil, fmt.Errorf("remote: dialing channel %q: %w", name, err)
	}

	sub := &wsSubscription{conn: conn, events: make(chan ChangeEvent, 64), logger: a.logger}
	go sub.readLoop()
	return sub, nil
}

type wireEvent struct {
	Table     string             `json:"table"`
	EventType string             `json:"eventType"`
	New       localstore.Entity  `json:"new,omitempty"`
	Old       localstore.Entity  `json:"old,omitempty"`
}

func (s *wsSubscription) readLoop() {
	defer close(s.events)
	for {
		var wire wireEvent
		if err := s.conn.ReadJSON(&wire); err != nil {
			s.logger.WithError(err).Debug("channel closed")
			return
		}
		s.events <- ChangeEvent{Table: wire.Table, EventType: EventType(wire.EventType), New: wire.New, Old: wire.Old}
	}
}

func (s *wsSubscription) Events() <-chan ChangeEvent { return s.events }

func (s *wsSubscription) Close() error {
	return s.conn.Close()
}
