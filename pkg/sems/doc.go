/*
Package sems is the session client for the GoodWe SEMS portal.

A Client owns one portal session: the credential exchange, the token it
yields and the station it resolves. Each worker process creates its own
Client; tokens are never shared between workers.

# Session states

	anonymous ──Login ok──▶ authenticated ──expiry window──▶ authenticated-stale
	    ▲                        │                                  │
	    └──── auth rejection ────┴──────────── Login ───────────────┘

Login inside the expiry window (one hour by default) is a no-op. A failed
login leaves the session anonymous; the failure is logged and returned so a
collection cycle can stop early.

# Collection

CollectOnce runs Login, FetchStationID and FetchTelemetry in order and stops
at the first failure. The station id is resolved once: only the first
station of the account is used.

# Commands

ControlInverter and FetchMonitorDetail go through a bounded reauthentication
loop. When the portal rejects the token (HTTP 401/403, or codes 100001 and
100002 in the response envelope) the token is dropped and the call is tried
again after a fresh login, up to the retry budget (2 by default).

# Wire format

Every call is a JSON POST under https://<region>.semsportal.com/api. The
Token header carries base64 of the token JSON; before login it carries the
web client placeholder token. Numeric values may arrive as numbers or
strings and are decoded through Number.
*/
package sems
