// Package fakeconn is an in-memory registry.ServerConn and registry.Dialer
// used across pkg/registry, pkg/group, pkg/lifecycle, and pkg/dispatch
// tests, and by cmd/fabric's serve command, in place of a real MySQL driver.
package fakeconn

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lynfabric/fabric/pkg/registry"
)

// Row is one record of a fake table, keyed by an arbitrary string column
// value stored under Key.
type Row struct {
	Key    string
	Fields map[string]any
}

// dump is the wire shape Snapshot/Restore exchange between fake connections.
type dump struct {
	Table string `json:"table"`
	Rows  []Row  `json:"rows"`
}

// Conn is a fake registry.ServerConn backed by an in-memory replication
// position and row set a test can seed and inspect directly.
type Conn struct {
	mu sync.Mutex

	id       uuid.UUID
	address  string
	authErr  error
	readOnly bool
	status   registry.ReplicationStatus
	execLog  []string
	tables   map[string][]Row
}

// New creates a fake connection reporting id as its server uuid.
func New(address string, id uuid.UUID) *Conn {
	return &Conn{id: id, address: address, tables: make(map[string][]Row)}
}

// SeedRows loads rows into table, replacing whatever was there.
func (c *Conn) SeedRows(table string, rows []Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[table] = append([]Row(nil), rows...)
}

// Rows returns table's current rows, sorted by Key.
func (c *Conn) Rows(table string) []Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows := append([]Row(nil), c.tables[table]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows
}

// FailAuth makes UUID return err, simulating bad credentials.
func (c *Conn) FailAuth(err error) { c.authErr = err }

// SetReplicationStatus seeds the status ReplicationStatus returns.
func (c *Conn) SetReplicationStatus(s registry.ReplicationStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// ExecLog returns every query passed to Exec, in order.
func (c *Conn) ExecLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execLog...)
}

func (c *Conn) UUID(ctx context.Context) (uuid.UUID, error) {
	if c.authErr != nil {
		return uuid.Nil, c.authErr
	}
	return c.id, nil
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execLog = append(c.execLog, query)
	return nil
}

func (c *Conn) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	return nil, nil
}

func (c *Conn) ReplicationStatus(ctx context.Context) (registry.ReplicationStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, nil
}

func (c *Conn) ChangeMaster(ctx context.Context, masterAddress string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.MasterAddress = masterAddress
	c.execLog = append(c.execLog, fmt.Sprintf("CHANGE MASTER TO %s", masterAddress))
	return nil
}

func (c *Conn) StartSlave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Running = true
	return nil
}

func (c *Conn) StopSlave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Running = false
	return nil
}

func (c *Conn) ResetSlave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = registry.ReplicationStatus{}
	return nil
}

func (c *Conn) SetReadOnly(ctx context.Context, readOnly bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOnly = readOnly
	return nil
}

func (c *Conn) ReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnly
}

func inRange(key string, rng registry.KeyRange) bool {
	if rng.Lower != nil && key < *rng.Lower {
		return false
	}
	if rng.Upper != nil && key >= *rng.Upper {
		return false
	}
	return true
}

func (c *Conn) Snapshot(ctx context.Context, tables []string, keyColumn string, rng registry.KeyRange) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dumps := make([]dump, 0, len(tables))
	for _, table := range tables {
		var filtered []Row
		for _, r := range c.tables[table] {
			if inRange(r.Key, rng) {
				filtered = append(filtered, r)
			}
		}
		dumps = append(dumps, dump{Table: table, Rows: filtered})
	}
	return json.Marshal(dumps)
}

func (c *Conn) Restore(ctx context.Context, data []byte) error {
	var dumps []dump
	if err := json.Unmarshal(data, &dumps); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range dumps {
		existing := c.tables[d.Table]
		byKey := make(map[string]Row, len(existing))
		for _, r := range existing {
			byKey[r.Key] = r
		}
		for _, r := range d.Rows {
			byKey[r.Key] = r
		}
		merged := make([]Row, 0, len(byKey))
		for _, r := range byKey {
			merged = append(merged, r)
		}
		c.tables[d.Table] = merged
	}
	return nil
}

func (c *Conn) PruneOutsideRange(ctx context.Context, table, keyColumn string, rng registry.KeyRange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept []Row
	for _, r := range c.tables[table] {
		if inRange(r.Key, rng) {
			kept = append(kept, r)
		}
	}
	c.tables[table] = kept
	return nil
}

func (c *Conn) DeleteRange(ctx context.Context, table, keyColumn string, rng registry.KeyRange) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept []Row
	for _, r := range c.tables[table] {
		if !inRange(r.Key, rng) {
			kept = append(kept, r)
		}
	}
	c.tables[table] = kept
	return nil
}

func (c *Conn) Close() error { return nil }

// Dialer is a fake registry.Dialer serving a fixed set of connections
// keyed by address, so tests can pre-register servers and have Registry
// discover/connect them without a network.
type Dialer struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewDialer creates an empty fake dialer.
func NewDialer() *Dialer {
	return &Dialer{conns: make(map[string]*Conn)}
}

// Add registers conn to be returned when address is dialed.
func (d *Dialer) Add(address string, conn *Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[address] = conn
}

// Remove makes address fail to dial, simulating the server going away.
func (d *Dialer) Remove(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, address)
}

func (d *Dialer) Dial(ctx context.Context, address string, creds registry.Credentials) (registry.ServerConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn, ok := d.conns[address]
	if !ok {
		return nil, fmt.Errorf("fakeconn: no server registered at %s", address)
	}
	return conn, nil
}
