package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lynfabric/fabric/pkg/events"
	"github.com/lynfabric/fabric/pkg/ferrors"
	"github.com/lynfabric/fabric/pkg/log"
	"github.com/lynfabric/fabric/pkg/storage"
	"github.com/lynfabric/fabric/pkg/types"
)

// Registry is the ServerRegistry of spec.md §4.2: discovery, CRUD over the
// known server set, and a connection pool keyed by server uuid.
type Registry struct {
	store  storage.MetadataStore
	dialer Dialer
	bus    *events.Bus

	mu   sync.Mutex
	pool map[uuid.UUID]ServerConn
}

// New creates a Registry backed by store, dialing new connections with
// dialer and firing events.ServerLost on bus when a pooled connection
// fails.
func New(store storage.MetadataStore, dialer Dialer, bus *events.Bus) *Registry {
	return &Registry{
		store:  store,
		dialer: dialer,
		bus:    bus,
		pool:   make(map[uuid.UUID]ServerConn),
	}
}

// DiscoverUUID contacts address to obtain its server uuid, failing with
// ConnectError if unreachable or AuthError on bad credentials.
func (r *Registry) DiscoverUUID(ctx context.Context, address string, creds Credentials) (uuid.UUID, error) {
	conn, err := r.dialer.Dial(ctx, address, creds)
	if err != nil {
		return uuid.Nil, ferrors.Wrap(ferrors.KindConnect, fmt.Sprintf("connecting to %s", address), err)
	}
	defer conn.Close()

	id, err := conn.UUID(ctx)
	if err != nil {
		return uuid.Nil, ferrors.Wrap(ferrors.KindAuth, fmt.Sprintf("authenticating to %s", address), err)
	}
	return id, nil
}

// Add registers server. Re-adding the same uuid with a different address is
// rejected as a split-brain guard (spec.md §4.2 invariant).
func (r *Registry) Add(server *types.Server) error {
	txn, err := r.store.Begin()
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if existing, err := txn.GetServer(server.UUID); err == nil {
		if existing.Address != server.Address {
			return ferrors.New(ferrors.KindServer, fmt.Sprintf(
				"uuid %s already registered at %s, refusing re-add at %s",
				server.UUID, existing.Address, server.Address))
		}
		return nil
	}

	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now()
	}
	if err := txn.CreateServer(server); err != nil {
		return err
	}
	return txn.Commit()
}

// Remove deletes a server from the registry and closes any pooled
// connection to it.
func (r *Registry) Remove(id uuid.UUID) error {
	txn, err := r.store.Begin()
	if err != nil {
		return err
	}
	if err := txn.DeleteServer(id); err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		return err
	}

	r.mu.Lock()
	conn, ok := r.pool[id]
	delete(r.pool, id)
	r.mu.Unlock()
	if ok {
		conn.Close()
	}
	return nil
}

// Lookup returns the server record for id.
func (r *Registry) Lookup(id uuid.UUID) (*types.Server, error) {
	txn, err := r.store.Begin()
	if err != nil {
		return nil, err
	}
	defer txn.Rollback()
	return txn.GetServer(id)
}

// Connect returns a pooled ServerConn for id, dialing and caching one on
// first use. A dial failure marks the server FAULTY and triggers
// events.ServerLost.
func (r *Registry) Connect(ctx context.Context, id uuid.UUID) (ServerConn, error) {
	r.mu.Lock()
	if conn, ok := r.pool[id]; ok {
		r.mu.Unlock()
		return conn, nil
	}
	r.mu.Unlock()

	server, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}

	conn, err := r.dialer.Dial(ctx, server.Address, Credentials{User: server.User, Passwd: server.Passwd})
	if err != nil {
		r.markFaulty(server)
		return nil, ferrors.Wrap(ferrors.KindConnect, fmt.Sprintf("connecting to %s", server.Address), err)
	}

	r.mu.Lock()
	r.pool[id] = conn
	r.mu.Unlock()
	return conn, nil
}

func (r *Registry) markFaulty(server *types.Server) {
	txn, err := r.store.Begin()
	if err != nil {
		log.Logger.Error().Err(err).Str("server", server.UUID.String()).Msg("failed to begin transaction marking server faulty")
		return
	}
	server.Status = types.ServerFaulty
	if err := txn.UpdateServer(server); err != nil {
		txn.Rollback()
		log.Logger.Error().Err(err).Str("server", server.UUID.String()).Msg("failed to mark server faulty")
		return
	}
	if err := txn.Commit(); err != nil {
		log.Logger.Error().Err(err).Str("server", server.UUID.String()).Msg("failed to commit faulty status")
		return
	}

	if r.bus == nil {
		return
	}
	if _, err := r.bus.Trigger(events.ServerLost, server.UUID.String()); err != nil {
		log.Logger.Error().Err(err).Msg("failed to trigger SERVER_LOST")
	}
}

// ClosePooled drops and closes id's pooled connection, if any, without
// touching its storage record. Used by group.Manager.RemoveServer, which
// deletes the server row itself as part of a group-membership update.
func (r *Registry) ClosePooled(id uuid.UUID) {
	r.mu.Lock()
	conn, ok := r.pool[id]
	delete(r.pool, id)
	r.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// Close closes every pooled connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, conn := range r.pool {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.pool, id)
	}
	return firstErr
}
