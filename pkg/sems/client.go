package sems

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/metrics"
	"github.com/heliogrid/heliogrid/pkg/types"
)

const (
	// DefaultExpiryWindow is how long a token is reused without a new login
	DefaultExpiryWindow = 3600 * time.Second

	// DefaultRetryBudget bounds attempts of a command call, including the first
	DefaultRetryBudget = 2

	// DefaultTimeout applies to every portal request
	DefaultTimeout = 30 * time.Second

	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"
)

// Portal endpoints relative to the regional API base
const (
	pathLogin          = "v3/Common/CrossLogin"
	pathStationList    = "v3/PowerStation/List"
	pathInverterPoints = "v3/PowerStation/GetInverterAllPoint"
	pathMonitorDetail  = "v2/PowerStation/GetMonitorDetailByPowerstationId"
	pathRemoteControl  = "PowerStation/SaveRemoteControlInverter"
)

// anonymousToken is sent before login, as the portal's web client does
var anonymousToken = json.RawMessage(`{"uid":"","timestamp":0,"token":"","client":"web","version":"","language":"en"}`)

// Option configures a Client
type Option func(*Client)

// WithBaseURL overrides the regional API base URL
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for portal calls
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithExpiryWindow sets how long a token is reused
func WithExpiryWindow(d time.Duration) Option {
	return func(c *Client) { c.expiry = d }
}

// WithRetryBudget sets the number of attempts for command calls
func WithRetryBudget(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retryBudget = n
		}
	}
}

// Client is a session against the SEMS portal. One Client belongs to one
// worker; its token is never shared.
type Client struct {
	creds       Credentials
	baseURL     string
	http        *http.Client
	now         func() time.Time
	expiry      time.Duration
	retryBudget int
	logger      zerolog.Logger

	mu        sync.Mutex
	token     *Token
	stationID string
}

// NewClient creates a portal session for the given credentials
func NewClient(creds Credentials, opts ...Option) *Client {
	region := creds.Region
	if region == "" {
		region = "eu"
	}

	c := &Client{
		creds:       creds,
		baseURL:     fmt.Sprintf("https://%s.semsportal.com/api", region),
		http:        &http.Client{Timeout: DefaultTimeout},
		now:         time.Now,
		expiry:      DefaultExpiryWindow,
		retryBudget: DefaultRetryBudget,
		logger:      log.WithComponent("sems").With().Str("region", region).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current session state
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Client) stateLocked() SessionState {
	if c.token == nil {
		return StateAnonymous
	}
	if c.now().Sub(c.token.ObtainedAt) < c.expiry {
		return StateAuthenticated
	}
	return StateAuthenticatedStale
}

// Token returns a copy of the current token, or nil
func (c *Client) Token() *Token {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == nil {
		return nil
	}
	t := *c.token
	return &t
}

// Invalidate drops the token after the portal rejected it
func (c *Client) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
}

// Login exchanges credentials for a token. A token inside the expiry window
// is reused without a network call. Failures are logged and returned with
// kind auth or transport; the session stays anonymous.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	if c.stateLocked() == StateAuthenticated {
		c.mu.Unlock()
		metrics.PortalLoginsTotal.WithLabelValues("cached").Inc()
		return nil
	}
	c.mu.Unlock()

	body := map[string]interface{}{
		"account":             c.creds.Username,
		"pwd":                 c.creds.Password,
		"is_local":            true,
		"agreement_agreement": 1,
	}

	env, err := c.post(ctx, pathLogin, body, encodeHeader(anonymousToken))
	if err == nil && (env.HasError || !env.hasData()) {
		err = types.AuthError(fmt.Sprintf("login rejected: %s", env.Msg), nil)
	}
	if err != nil {
		c.mu.Lock()
		c.token = nil
		c.mu.Unlock()

		metrics.PortalLoginsTotal.WithLabelValues("failure").Inc()
		c.logger.Error().Err(err).Str("kind", string(types.KindOf(err))).Msg("Portal login failed")
		return err
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Data); err != nil {
		return types.MalformedError("login returned an invalid token", err)
	}

	c.mu.Lock()
	c.token = &Token{Blob: compact.Bytes(), ObtainedAt: c.now()}
	c.mu.Unlock()

	metrics.PortalLoginsTotal.WithLabelValues("success").Inc()
	c.logger.Info().Msg("Portal login successful")
	return nil
}

// FetchStationID returns the account's station. Only the first station of
// the list is used; accounts with several stations are not disambiguated.
func (c *Client) FetchStationID(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.stationID != "" {
		id := c.stationID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	header, err := c.authHeader()
	if err != nil {
		return "", err
	}

	env, err := c.post(ctx, pathStationList, map[string]int{"page": 1, "size": 10}, header)
	if err != nil {
		return "", c.observe(err, "Station list request failed")
	}
	if env.HasError || !env.hasData() {
		return "", c.observe(types.TransportError(fmt.Sprintf("station list rejected: %s", env.Msg), nil), "Station list request failed")
	}

	var data struct {
		List []struct {
			ID   string `json:"id"`
			Name string `json:"stationname"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", c.observe(types.MalformedError("station list has unexpected shape", err), "Station list request failed")
	}
	if len(data.List) == 0 || data.List[0].ID == "" {
		return "", c.observe(types.MalformedError("account has no stations", nil), "Station list request failed")
	}
	if len(data.List) > 1 {
		c.logger.Warn().Int("stations", len(data.List)).Str("station_id", data.List[0].ID).Msg("Account has several stations, using the first")
	}

	c.mu.Lock()
	c.stationID = data.List[0].ID
	c.mu.Unlock()

	c.logger.Info().Str("station_id", data.List[0].ID).Msg("Station resolved")
	return data.List[0].ID, nil
}

// FetchTelemetry returns the inverter points of the resolved station
func (c *Client) FetchTelemetry(ctx context.Context) (*Telemetry, error) {
	c.mu.Lock()
	stationID := c.stationID
	c.mu.Unlock()
	if stationID == "" {
		return nil, types.ConfigError("no station id, call FetchStationID first", nil)
	}

	header, err := c.authHeader()
	if err != nil {
		return nil, err
	}

	env, err := c.post(ctx, pathInverterPoints, map[string]string{"powerStationId": stationID}, header)
	if err != nil {
		return nil, c.observe(err, "Telemetry request failed")
	}
	if env.HasError || !env.hasData() {
		return nil, c.observe(types.TransportError(fmt.Sprintf("telemetry rejected: %s", env.Msg), nil), "Telemetry request failed")
	}

	var data struct {
		InverterPoints *[]InverterPoint `json:"inverterPoints"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, c.observe(types.MalformedError("telemetry has unexpected shape", err), "Telemetry request failed")
	}
	if data.InverterPoints == nil {
		return nil, c.observe(types.MalformedError("telemetry has no inverterPoints", nil), "Telemetry request failed")
	}

	return &Telemetry{
		StationID:      stationID,
		InverterPoints: *data.InverterPoints,
		Raw:            env.Data,
	}, nil
}

// CollectOnce runs login, station lookup and telemetry fetch, stopping at the
// first failing step
func (c *Client) CollectOnce(ctx context.Context) (*Telemetry, error) {
	if err := c.Login(ctx); err != nil {
		return nil, err
	}
	if _, err := c.FetchStationID(ctx); err != nil {
		return nil, err
	}
	return c.FetchTelemetry(ctx)
}

// ControlInverter switches an inverter on or off
func (c *Client) ControlInverter(ctx context.Context, sn string, on bool) error {
	status := "0"
	if on {
		status = "1"
	}
	body := map[string]string{
		"InverterSN":                sn,
		"InverterStatusSettingMark": "1",
		"InverterStatus":            status,
	}

	if _, err := c.callWithReauth(ctx, pathRemoteControl, body); err != nil {
		c.logger.Error().Err(err).Str("inverter_sn", sn).Bool("on", on).Msg("Inverter control failed")
		return err
	}

	c.logger.Info().Str("inverter_sn", sn).Bool("on", on).Msg("Inverter control accepted")
	return nil
}

// FetchMonitorDetail returns the station's monitor detail document
func (c *Client) FetchMonitorDetail(ctx context.Context) (json.RawMessage, error) {
	stationID, err := c.FetchStationID(ctx)
	if err != nil {
		return nil, err
	}

	env, err := c.callWithReauth(ctx, pathMonitorDetail, map[string]string{"powerStationId": stationID})
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// callWithReauth runs a command call. An auth rejection drops the token and
// the next attempt logs in again; attempts stop at the retry budget.
func (c *Client) callWithReauth(ctx context.Context, path string, body interface{}) (*envelope, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryBudget; attempt++ {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}

		header, err := c.authHeader()
		if err != nil {
			return nil, err
		}

		env, err := c.post(ctx, path, body, header)
		if err == nil && env.HasError {
			err = types.TransportError(fmt.Sprintf("portal error: %s", env.Msg), nil)
		}
		if err == nil {
			return env, nil
		}

		lastErr = err
		if !types.IsKind(err, types.KindAuth) {
			return nil, err
		}

		c.logger.Warn().Int("attempt", attempt).Str("path", path).Msg("Token rejected, logging in again")
		c.Invalidate()
	}

	return nil, fmt.Errorf("retry budget of %d exhausted: %w", c.retryBudget, lastErr)
}

func (c *Client) authHeader() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == nil {
		return "", types.AuthError("not logged in", nil)
	}
	return c.token.Header(), nil
}

// observe logs a failed data call and drops the token on auth rejection
func (c *Client) observe(err error, msg string) error {
	if types.IsKind(err, types.KindAuth) {
		c.Invalidate()
	}
	c.logger.Error().Err(err).Str("kind", string(types.KindOf(err))).Msg(msg)
	return err
}

func (c *Client) post(ctx context.Context, path string, body interface{}, tokenHeader string) (*envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Token", tokenHeader)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.TransportError(fmt.Sprintf("POST %s", path), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, types.AuthError(fmt.Sprintf("POST %s: HTTP %d", path, resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, types.TransportError(fmt.Sprintf("POST %s: HTTP %d", path, resp.StatusCode), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, types.TransportError(fmt.Sprintf("POST %s: reading body", path), err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, types.MalformedError(fmt.Sprintf("POST %s: invalid response", path), err)
	}
	if env.authRejected() {
		return nil, types.AuthError(fmt.Sprintf("POST %s: %s", path, env.Msg), nil)
	}

	return &env, nil
}

func encodeHeader(blob json.RawMessage) string {
	return base64.StdEncoding.EncodeToString(blob)
}

