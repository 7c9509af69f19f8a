package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wrale/oauth2-account-manager/internal/oauth"
)

var errBackend = errors.New("backend unavailable")

// mockClient implements oauth.Client for testing
type mockClient struct {
	mu sync.Mutex

	id          string
	flows       int
	completeErr error
	profile     *oauth.Profile
	profileErrs []error // consumed one per GetProfile call
	tokenErrs   []error // consumed one per GetAccessToken call
	authActive  bool
	authErr     error
	disconnErr  error
	ensureErr   error
	devices     []oauth.Device
	pushEvents  []oauth.AccountEvent
	pushErr     error
	commands    []oauth.DeviceCommand // queued by commandReceived push events
	toJSONErr   error

	calls []string
}

func newMockClient(id string) *mockClient {
	return &mockClient{
		id:         id,
		profile:    &oauth.Profile{UID: "user-1", Email: "user@example.com", DisplayName: "User"},
		authActive: true,
	}
}

func (c *mockClient) record(call string) {
	c.calls = append(c.calls, call)
}

func (c *mockClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *mockClient) count(call string) int {
	n := 0
	for _, got := range c.Calls() {
		if got == call {
			n++
		}
	}
	return n
}

func (c *mockClient) set(fn func(c *mockClient)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (c *mockClient) BeginOAuthFlow(ctx context.Context, scopes []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("BeginOAuthFlow")
	c.flows++
	return fmt.Sprintf("https://idp.example.com/auth?client_id=test&state=state-%d", c.flows), nil
}

func (c *mockClient) BeginPairingFlow(ctx context.Context, pairingURL string, scopes []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("BeginPairingFlow")
	c.flows++

	u, err := url.Parse(pairingURL)
	if err != nil {
		return "", err
	}
	u.RawQuery = url.Values{"state": {fmt.Sprintf("state-%d", c.flows)}}.Encode()
	return u.String(), nil
}

func (c *mockClient) CompleteOAuthFlow(ctx context.Context, code, state string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("CompleteOAuthFlow")
	return c.completeErr
}

func (c *mockClient) GetProfile(ctx context.Context, ignoreCache bool) (*oauth.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("GetProfile")
	if err := popErr(&c.profileErrs); err != nil {
		return nil, err
	}
	p := *c.profile
	return &p, nil
}

func (c *mockClient) GetAccessToken(ctx context.Context, scope string) (*oauth.AccessTokenInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("GetAccessToken")
	if err := popErr(&c.tokenErrs); err != nil {
		return nil, err
	}
	return &oauth.AccessTokenInfo{Scope: scope, Token: "token-" + scope}, nil
}

func (c *mockClient) CheckAuthorizationStatus(ctx context.Context) (*oauth.AuthorizationInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("CheckAuthorizationStatus")
	if c.authErr != nil {
		return nil, c.authErr
	}
	return &oauth.AuthorizationInfo{Active: c.authActive}, nil
}

func (c *mockClient) ClearAccessTokenCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("ClearAccessTokenCache")
}

func (c *mockClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("Disconnect")
	return c.disconnErr
}

func (c *mockClient) InitializeDevice(ctx context.Context, name string, typ oauth.DeviceType, capabilities []oauth.DeviceCapability) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("InitializeDevice")
	return nil
}

func (c *mockClient) EnsureCapabilities(ctx context.Context, capabilities []oauth.DeviceCapability) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("EnsureCapabilities")
	return c.ensureErr
}

func (c *mockClient) FetchDevices(ctx context.Context) ([]oauth.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("FetchDevices")
	return append([]oauth.Device(nil), c.devices...), nil
}

func (c *mockClient) PollDeviceCommands(ctx context.Context) ([]oauth.DeviceCommand, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("PollDeviceCommands")
	commands := c.commands
	c.commands = nil
	return commands, nil
}

func (c *mockClient) HandlePushMessage(ctx context.Context, payload []byte) ([]oauth.AccountEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("HandlePushMessage")
	if c.pushErr != nil {
		return nil, c.pushErr
	}
	for _, ev := range c.pushEvents {
		if ev.Kind == oauth.EventCommandReceived && ev.Command != nil {
			c.commands = append(c.commands, *ev.Command)
		}
	}
	return append([]oauth.AccountEvent(nil), c.pushEvents...), nil
}

func (c *mockClient) ToJSON() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.toJSONErr != nil {
		return nil, c.toJSONErr
	}
	return json.Marshal(struct {
		ID       string                `json:"id"`
		Commands []oauth.DeviceCommand `json:"commands,omitempty"`
	}{ID: c.id, Commands: c.commands})
}

// mockProvider hands out mockClients
type mockProvider struct {
	mu         sync.Mutex
	created    []*mockClient
	restored   *mockClient
	restoreErr error
	configure  func(c *mockClient) // applied to every new client
}

func (p *mockProvider) NewClient() oauth.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := newMockClient(fmt.Sprintf("fresh-%d", len(p.created)+1))
	if p.configure != nil {
		p.configure(c)
	}
	p.created = append(p.created, c)
	return c
}

func (p *mockProvider) RestoreClient(data []byte) (oauth.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.restoreErr != nil {
		return nil, p.restoreErr
	}
	var s struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if p.restored == nil {
		p.restored = newMockClient(s.ID)
	}
	return p.restored, nil
}

func (p *mockProvider) CheckHealth(ctx context.Context) error {
	return nil
}

func (p *mockProvider) latest() *mockClient {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.created) == 0 {
		return nil
	}
	return p.created[len(p.created)-1]
}

func (p *mockProvider) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

// mockStorage implements Storage for testing
type mockStorage struct {
	mu       sync.Mutex
	data     []byte
	readErr  error
	writeErr error
	writes   int
	clears   int
}

func (s *mockStorage) Read(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.data, nil
}

func (s *mockStorage) Write(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writeErr != nil {
		return s.writeErr
	}
	s.data = data
	return nil
}

func (s *mockStorage) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	s.data = nil
	return nil
}

func (s *mockStorage) snapshot() (data []byte, writes, clears int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, s.writes, s.clears
}

// recorder collects notifications
type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) OnNotification(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) Notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	manager  *Manager
	provider *mockProvider
	storage  *mockStorage
	recorder *recorder
	metrics  *Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		provider: &mockProvider{},
		storage:  &mockStorage{},
		recorder: &recorder{},
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}

	m, err := NewManager(env.provider, env.storage,
		WithLogger(testLogger()),
		WithMetrics(env.metrics),
		WithDevice(DeviceConfig{Name: "test device", Type: oauth.DeviceTypeDesktop}),
	)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	m.Subscribe(env.recorder)
	t.Cleanup(m.Close)

	env.manager = m
	return env
}

// flush waits until every job queued so far, and the jobs they queue, have run
func (e *testEnv) flush() {
	m := e.manager
	for _, l := range []*lane{m.stateLane, m.stateLane, m.persistLane, m.notifyLane} {
		done := make(chan struct{})
		if !l.submit(func() { close(done) }) {
			continue
		}
		<-done
	}
}

// signIn drives the manager from start to authenticatedWithProfile through an OAuth flow
func (e *testEnv) signIn(t *testing.T) *mockClient {
	t.Helper()
	ctx := context.Background()

	if err := e.manager.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	authURL, err := e.manager.BeginAuthentication(ctx)
	if err != nil {
		t.Fatalf("BeginAuthentication() error = %v", err)
	}
	u, _ := url.Parse(authURL)
	if err := e.manager.FinishAuthentication(ctx, AuthData{Code: "code", State: u.Query().Get("state"), AuthType: AuthTypeSignin}); err != nil {
		t.Fatalf("FinishAuthentication() error = %v", err)
	}
	if got := e.manager.State(); got != AuthenticatedWithProfile {
		t.Fatalf("State() after sign in = %v, want %v", got, AuthenticatedWithProfile)
	}

	e.flush()
	e.recorder.reset()
	return e.provider.latest()
}
