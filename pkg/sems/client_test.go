package sems

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heliogrid/heliogrid/pkg/types"
)

const portal = "https://eu.semsportal.com"

var loginData = map[string]interface{}{
	"uid":       "6b1c7a3e",
	"timestamp": 1700000000000,
	"token":     "b5f0c2d1",
	"client":    "web",
	"version":   "",
	"language":  "en",
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestClient(t *testing.T, clk *clock, opts ...Option) *Client {
	t.Helper()

	hc := &http.Client{}
	gock.InterceptClient(hc)
	t.Cleanup(func() {
		gock.RestoreClient(hc)
		gock.OffAll()
	})

	opts = append([]Option{WithHTTPClient(hc), WithClock(clk.Now)}, opts...)
	return NewClient(Credentials{Username: "owner@example.com", Password: "secret", Region: "eu"}, opts...)
}

func mockLogin(times int) {
	gock.New(portal).
		Post("/api/v3/Common/CrossLogin").
		MatchHeader("Token", regexp.QuoteMeta(encodeHeader(anonymousToken))).
		Times(times).
		Reply(200).
		JSON(map[string]interface{}{"hasError": false, "code": 0, "msg": "", "data": loginData})
}

func tokenHeader(t *testing.T) string {
	t.Helper()
	blob, err := json.Marshal(loginData)
	require.NoError(t, err)
	return encodeHeader(blob)
}

func TestLogin_ReusesTokenInsideWindow(t *testing.T) {
	clk := &clock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	c := newTestClient(t, clk)
	mockLogin(1)

	assert.Equal(t, StateAnonymous, c.State())

	require.NoError(t, c.Login(context.Background()))
	clk.Advance(30 * time.Minute)
	require.NoError(t, c.Login(context.Background()))

	assert.True(t, gock.IsDone())
	assert.Equal(t, StateAuthenticated, c.State())

	tok := c.Token()
	require.NotNil(t, tok)
	assert.Equal(t, time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC), tok.ObtainedAt)

	expected, _ := json.Marshal(loginData)
	assert.JSONEq(t, string(expected), string(tok.Blob))
}

func TestLogin_ExpiredTokenLogsInAgain(t *testing.T) {
	clk := &clock{now: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	c := newTestClient(t, clk)
	mockLogin(2)

	require.NoError(t, c.Login(context.Background()))
	clk.Advance(DefaultExpiryWindow + time.Second)
	assert.Equal(t, StateAuthenticatedStale, c.State())

	require.NoError(t, c.Login(context.Background()))
	assert.True(t, gock.IsDone())
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, clk.now, c.Token().ObtainedAt)
}

func TestLogin_Failures(t *testing.T) {
	tests := []struct {
		name  string
		setup func()
		kind  types.ErrorKind
	}{
		{
			name: "rejected credentials",
			setup: func() {
				gock.New(portal).Post("/api/v3/Common/CrossLogin").
					Reply(200).
					JSON(map[string]interface{}{"hasError": true, "code": 100005, "msg": "Email or password error", "data": nil})
			},
			kind: types.KindAuth,
		},
		{
			name: "empty data",
			setup: func() {
				gock.New(portal).Post("/api/v3/Common/CrossLogin").
					Reply(200).
					JSON(map[string]interface{}{"hasError": false, "code": 0, "msg": "", "data": map[string]interface{}{}})
			},
			kind: types.KindAuth,
		},
		{
			name: "http 401",
			setup: func() {
				gock.New(portal).Post("/api/v3/Common/CrossLogin").Reply(401)
			},
			kind: types.KindAuth,
		},
		{
			name: "server error",
			setup: func() {
				gock.New(portal).Post("/api/v3/Common/CrossLogin").Reply(502)
			},
			kind: types.KindTransport,
		},
		{
			name: "invalid body",
			setup: func() {
				gock.New(portal).Post("/api/v3/Common/CrossLogin").Reply(200).BodyString("<html>")
			},
			kind: types.KindMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, &clock{now: time.Now()})
			tt.setup()

			err := c.Login(context.Background())
			require.Error(t, err)
			assert.True(t, types.IsKind(err, tt.kind), "got %v", err)
			assert.Equal(t, StateAnonymous, c.State())
			assert.Nil(t, c.Token())
		})
	}
}

func TestCollectOnce(t *testing.T) {
	c := newTestClient(t, &clock{now: time.Now()})
	mockLogin(1)

	gock.New(portal).
		Post("/api/v3/PowerStation/List").
		MatchHeader("Token", regexp.QuoteMeta(tokenHeader(t))).
		Reply(200).
		JSON(map[string]interface{}{
			"hasError": false, "code": 0, "msg": "success",
			"data": map[string]interface{}{
				"list": []map[string]interface{}{
					{"id": "st-1", "stationname": "Home"},
					{"id": "st-2", "stationname": "Shed"},
				},
			},
		})

	gock.New(portal).
		Post("/api/v3/PowerStation/GetInverterAllPoint").
		MatchHeader("Token", regexp.QuoteMeta(tokenHeader(t))).
		Reply(200).
		JSON(map[string]interface{}{
			"hasError": false, "code": 0, "msg": "success",
			"data": map[string]interface{}{
				"inverterPoints": []map[string]interface{}{
					{"name": "Roof", "sn": "GW5000-1", "status": 1, "out_pac": 2450.5, "eday": "12.3", "emonth": 210, "etotal": "10450.7", "hTotal": 8123},
					{"name": "Garage", "sn": "GW3000-2", "status": "-1", "out_pac": "", "eday": 0, "emonth": 0, "etotal": 5.5, "hTotal": nil},
				},
			},
		})

	tel, err := c.CollectOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, gock.IsDone())

	assert.Equal(t, "st-1", tel.StationID)
	require.Len(t, tel.InverterPoints, 2)

	roof := tel.InverterPoints[0]
	assert.True(t, roof.Online())
	assert.Equal(t, Number(2450.5), roof.OutPac)
	assert.Equal(t, Number(12.3), roof.EDay)
	assert.Equal(t, Number(10450.7), roof.ETotal)

	garage := tel.InverterPoints[1]
	assert.False(t, garage.Online())
	assert.Equal(t, Number(0), garage.OutPac)
	assert.Equal(t, Number(0), garage.HTotal)
}

func TestCollectOnce_StopsAfterFailedLogin(t *testing.T) {
	c := newTestClient(t, &clock{now: time.Now()})

	gock.New(portal).Post("/api/v3/Common/CrossLogin").Reply(403)
	gock.New(portal).Post("/api/v3/PowerStation/List").Reply(200).JSON(map[string]interface{}{"hasError": false})

	_, err := c.CollectOnce(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindAuth))
	assert.True(t, gock.IsPending())
}

func TestFetchStationID_Cached(t *testing.T) {
	c := newTestClient(t, &clock{now: time.Now()})
	mockLogin(1)
	gock.New(portal).Post("/api/v3/PowerStation/List").
		Reply(200).
		JSON(map[string]interface{}{"hasError": false, "data": map[string]interface{}{"list": []map[string]string{{"id": "st-9"}}}})

	require.NoError(t, c.Login(context.Background()))

	id, err := c.FetchStationID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "st-9", id)

	id, err = c.FetchStationID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "st-9", id)
	assert.True(t, gock.IsDone())
}

func TestFetchStationID_NoStations(t *testing.T) {
	c := newTestClient(t, &clock{now: time.Now()})
	mockLogin(1)
	gock.New(portal).Post("/api/v3/PowerStation/List").
		Reply(200).
		JSON(map[string]interface{}{"hasError": false, "data": map[string]interface{}{"list": []interface{}{}, "count": 0}})

	require.NoError(t, c.Login(context.Background()))

	_, err := c.FetchStationID(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindMalformed))
}

func TestFetchTelemetry_MissingInverterPoints(t *testing.T) {
	c := newTestClient(t, &clock{now: time.Now()})
	mockLogin(1)
	gock.New(portal).Post("/api/v3/PowerStation/List").
		Reply(200).
		JSON(map[string]interface{}{"hasError": false, "data": map[string]interface{}{"list": []map[string]string{{"id": "st-1"}}}})
	gock.New(portal).Post("/api/v3/PowerStation/GetInverterAllPoint").
		Reply(200).
		JSON(map[string]interface{}{"hasError": false, "data": map[string]interface{}{"info": "x"}})

	_, err := c.CollectOnce(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindMalformed))
}

func TestFetchTelemetry_AuthCodeInvalidatesToken(t *testing.T) {
	c := newTestClient(t, &clock{now: time.Now()})
	mockLogin(1)
	gock.New(portal).Post("/api/v3/PowerStation/List").
		Reply(200).
		JSON(map[string]interface{}{"hasError": false, "data": map[string]interface{}{"list": []map[string]string{{"id": "st-1"}}}})
	gock.New(portal).Post("/api/v3/PowerStation/GetInverterAllPoint").
		Reply(200).
		JSON(map[string]interface{}{"hasError": true, "code": "100002", "msg": "token expired"})

	_, err := c.CollectOnce(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindAuth))
	assert.Equal(t, StateAnonymous, c.State())
}

func TestFetchTelemetry_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v3/Common/CrossLogin":
			json.NewEncoder(w).Encode(map[string]interface{}{"hasError": false, "data": loginData})
		case "/api/v3/PowerStation/List":
			json.NewEncoder(w).Encode(map[string]interface{}{"hasError": false, "data": map[string]interface{}{"list": []map[string]string{{"id": "st-1"}}}})
		default:
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(
		Credentials{Username: "owner@example.com", Password: "secret", Region: "eu"},
		WithBaseURL(srv.URL+"/api"),
		WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}),
	)

	_, err := c.CollectOnce(context.Background())
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTransport))

	// Login and station survive a telemetry failure
	assert.Equal(t, StateAuthenticated, c.State())
	id, err := c.FetchStationID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "st-1", id)
}

func TestControlInverter(t *testing.T) {
	c := newTestClient(t, &clock{now: time.Now()})
	mockLogin(1)

	gock.New(portal).
		Post("/api/PowerStation/SaveRemoteControlInverter").
		MatchHeader("Token", regexp.QuoteMeta(tokenHeader(t))).
		AddMatcher(func(req *http.Request, _ *gock.Request) (bool, error) {
			var body map[string]string
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				return false, err
			}
			return body["InverterSN"] == "GW5000-1" &&
				body["InverterStatusSettingMark"] == "1" &&
				body["InverterStatus"] == "0", nil
		}).
		Reply(200).
		JSON(map[string]interface{}{"hasError": false, "code": 0, "msg": "success"})

	require.NoError(t, c.ControlInverter(context.Background(), "GW5000-1", false))
	assert.True(t, gock.IsDone())
}

func TestControlInverter_ReauthenticatesOnce(t *testing.T) {
	c := newTestClient(t, &clock{now: time.Now()})
	mockLogin(2)

	gock.New(portal).Post("/api/PowerStation/SaveRemoteControlInverter").
		Reply(200).
		JSON(map[string]interface{}{"hasError": true, "code": 100001, "msg": "token invalid"})
	gock.New(portal).Post("/api/PowerStation/SaveRemoteControlInverter").
		Reply(200).
		JSON(map[string]interface{}{"hasError": false, "code": 0, "msg": "success"})

	require.NoError(t, c.ControlInverter(context.Background(), "GW5000-1", true))
	assert.True(t, gock.IsDone())
}

func TestControlInverter_RetryBudgetExhausted(t *testing.T) {
	c := newTestClient(t, &clock{now: time.Now()})
	mockLogin(2)

	gock.New(portal).Post("/api/PowerStation/SaveRemoteControlInverter").
		Times(2).
		Reply(401)

	err := c.ControlInverter(context.Background(), "GW5000-1", true)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindAuth))
	assert.Contains(t, err.Error(), "retry budget of 2 exhausted")
	assert.True(t, gock.IsDone())
}

func TestControlInverter_TransportErrorNotRetried(t *testing.T) {
	c := newTestClient(t, &clock{now: time.Now()})
	mockLogin(1)

	gock.New(portal).Post("/api/PowerStation/SaveRemoteControlInverter").Reply(500)
	gock.New(portal).Post("/api/PowerStation/SaveRemoteControlInverter").Reply(200).JSON(map[string]interface{}{"hasError": false})

	err := c.ControlInverter(context.Background(), "GW5000-1", true)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindTransport))
	assert.True(t, gock.IsPending())
}

func TestFetchMonitorDetail(t *testing.T) {
	c := newTestClient(t, &clock{now: time.Now()})
	mockLogin(1)
	gock.New(portal).Post("/api/v3/PowerStation/List").
		Reply(200).
		JSON(map[string]interface{}{"hasError": false, "data": map[string]interface{}{"list": []map[string]string{{"id": "st-1"}}}})
	gock.New(portal).Post("/api/v2/PowerStation/GetMonitorDetailByPowerstationId").
		Reply(200).
		JSON(map[string]interface{}{"hasError": false, "data": map[string]interface{}{"info": map[string]string{"stationname": "Home"}}})

	require.NoError(t, c.Login(context.Background()))
	detail, err := c.FetchMonitorDetail(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"info":{"stationname":"Home"}}`, string(detail))
}

func TestNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    Number
		wantErr bool
	}{
		{`12.5`, 12.5, false},
		{`"12.5"`, 12.5, false},
		{`""`, 0, false},
		{`null`, 0, false},
		{`"-1"`, -1, false},
		{`"n/a"`, 0, true},
		{`true`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var n Number
			err := json.Unmarshal([]byte(tt.in), &n)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestEnvelopeAuthCodes(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{`{"hasError":true,"code":100001}`, true},
		{`{"hasError":true,"code":"100002"}`, true},
		{`{"hasError":true,"code":100005}`, false},
		{`{"hasError":false,"code":0}`, false},
	}

	for _, tt := range tests {
		var env envelope
		require.NoError(t, json.Unmarshal([]byte(tt.body), &env))
		assert.Equal(t, tt.want, env.authRejected(), tt.body)
	}
}
