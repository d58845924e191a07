package sems

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// SessionState is the authentication state of a Client
type SessionState string

const (
	StateAnonymous          SessionState = "anonymous"
	StateAuthenticated      SessionState = "authenticated"
	StateAuthenticatedStale SessionState = "authenticated-stale"
)

// Credentials are the portal login details. They never change for the
// lifetime of a Client.
type Credentials struct {
	Username string
	Password string
	Region   string
}

// Token is the opaque credential blob returned by the portal and the time it
// was obtained
type Token struct {
	Blob       json.RawMessage
	ObtainedAt time.Time
}

// Header returns the Token header value: base64 of the blob's JSON
func (t *Token) Header() string {
	return encodeHeader(t.Blob)
}

// Number decodes portal values sent either as JSON numbers or numeric strings
type Number float64

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = 0
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric string %q", s)
		}
		*n = Number(f)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

// InverterPoint is one inverter of a station as reported by GetInverterAllPoint
type InverterPoint struct {
	Name   string `json:"name"`
	SN     string `json:"sn"`
	Status Number `json:"status"`
	OutPac Number `json:"out_pac"` // Current output power, W
	EDay   Number `json:"eday"`    // Energy today, kWh
	EMonth Number `json:"emonth"`
	ETotal Number `json:"etotal"`
	HTotal Number `json:"hTotal"` // Lifetime operating hours
}

// Online reports whether the portal marks the inverter as online
func (p InverterPoint) Online() bool {
	return p.Status == 1
}

// Telemetry is the raw payload of one successful telemetry call
type Telemetry struct {
	StationID      string
	InverterPoints []InverterPoint
	Raw            json.RawMessage
}

// envelope is the common response wrapper of every portal call
type envelope struct {
	HasError bool            `json:"hasError"`
	Code     Number          `json:"code"`
	Msg      string          `json:"msg"`
	Data     json.RawMessage `json:"data"`
}

// hasData mirrors the portal client convention: null, "", {} and [] mean absent
func (e *envelope) hasData() bool {
	d := bytes.TrimSpace(e.Data)
	switch string(d) {
	case "", "null", `""`, "{}", "[]", "false", "0":
		return false
	}
	return true
}

// authRejected reports portal codes meaning the token is no longer accepted
func (e *envelope) authRejected() bool {
	code := int(e.Code)
	return code == 100001 || code == 100002
}
