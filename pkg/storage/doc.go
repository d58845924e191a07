/*
Package storage provides BoltDB-backed persistence for the supervisor.

The supervisor's only durable state is the device table: one record per
registered inverter, including the current worker handle and lifecycle state.
Records are JSON encoded in a single bucket of <dataDir>/heliogrid.db.

	┌──────────── heliogrid.db ────────────┐
	│  devices                              │
	│    "1" → {"ID":"1","Name":...,        │
	│           "State":"active",           │
	│           "Handle":{...}}             │
	│    "2" → ...                          │
	└───────────────────────────────────────┘

IDs come from the bucket sequence, so they are never reused after a delete.
Lookups of a missing device fail with an error of kind not_found.

The database file holds portal passwords and is created with mode 0600.
*/
package storage
