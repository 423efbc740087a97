// Package tunnel implements the lifecycle controller: it orchestrates
// registration, stop, and status against the registry, port allocator,
// forwarder, and persistence store.
package tunnel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/portgate/portgate/internal/allocator"
	"github.com/portgate/portgate/internal/auth"
	"github.com/portgate/portgate/internal/config"
	"github.com/portgate/portgate/internal/domain"
	"github.com/portgate/portgate/internal/forwarder"
	"github.com/portgate/portgate/internal/registry"
	"github.com/portgate/portgate/internal/store/sqlite"
)

// Controller owns all tunnel lifecycle mutations. Lifecycle operations
// are serialized under one mutex: they are short and never on the data
// path, so a single coordinator is sufficient and makes register/stop
// races on the same ID impossible. Steady-state byte relaying runs in
// per-connection goroutines owned by the forwarders and never touches
// this lock.
type Controller struct {
	cfg   config.ServerConfig
	store *sqlite.Store
	log   *slog.Logger
	sink  domain.EventSink

	mu         sync.Mutex
	reg        *registry.Registry
	alloc      *allocator.Allocator
	forwarders map[string]*forwarder.Forwarder
}

// New builds a controller. sink may be nil.
func New(cfg config.ServerConfig, store *sqlite.Store, logger *slog.Logger, sink domain.EventSink) *Controller {
	if sink == nil {
		sink = domain.NopSink{}
	}
	return &Controller{
		cfg:        cfg,
		store:      store,
		log:        logger,
		sink:       sink,
		reg:        registry.New(),
		alloc:      allocator.New(cfg.BasePort, cfg.MaxPort),
		forwarders: make(map[string]*forwarder.Forwarder),
	}
}

// Reconcile purges persisted tunnel rows left over from a previous
// process. Listeners do not survive restarts, so stale rows describe
// forwarding that no longer exists.
func (c *Controller) Reconcile(ctx context.Context) error {
	purged, err := c.store.PurgeTunnels(ctx)
	if err != nil {
		return fmt.Errorf("purge stale tunnels: %w", err)
	}
	if purged > 0 {
		c.log.Info("reconciled stale tunnel records", "count", purged)
	}
	return nil
}

// GenerateKey creates a new credential for user and returns the plaintext
// key. Only the peppered hash is persisted; callerIP is recorded for audit.
func (c *Controller) GenerateKey(ctx context.Context, user, callerIP string) (string, error) {
	if user == "" {
		return "", domain.Validation("user", "required")
	}
	plain, err := auth.GenerateAPIKey()
	if err != nil {
		return "", err
	}
	hash := auth.HashAPIKey(plain, c.cfg.APIKeyPepper)
	rec, err := c.store.CreateAPIKey(ctx, user, hash, callerIP)
	if err != nil {
		return "", fmt.Errorf("persist api key: %w", err)
	}
	c.log.Info("api key created", "key_id", rec.ID, "user", user)
	return plain, nil
}

// Register creates a tunnel for the given credential and local port,
// allocates a public port, persists the record, and starts forwarding.
// If the forwarder fails to bind, everything already written is rolled
// back so no partial registration is ever observable.
func (c *Controller) Register(ctx context.Context, apiKey string, localPort int) (domain.Descriptor, error) {
	if localPort <= 0 || localPort > 65535 {
		return domain.Descriptor{}, domain.Validation("localPort", "must be between 1 and 65535")
	}
	keyID, err := c.resolveKey(ctx, apiKey)
	if err != nil {
		return domain.Descriptor{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	publicPort, err := c.alloc.Allocate()
	if err != nil {
		return domain.Descriptor{}, err
	}

	rec := &domain.Tunnel{
		ID:         uuid.NewString(),
		APIKeyID:   keyID,
		LocalPort:  localPort,
		PublicPort: publicPort,
		State:      domain.TunnelStateActive,
		CreatedAt:  time.Now().UTC(),
	}

	if err := c.store.CreateTunnel(ctx, *rec); err != nil {
		c.alloc.Release(publicPort)
		return domain.Descriptor{}, fmt.Errorf("persist tunnel: %w", err)
	}
	if err := c.reg.Put(rec); err != nil {
		c.rollback(ctx, rec.ID, publicPort, false)
		return domain.Descriptor{}, err
	}

	fwd := forwarder.New(rec.ID, publicPort, c.cfg.TargetHost, localPort, c.log, c.sink)
	fwd.SetDialTimeout(c.cfg.DialTimeout)
	if err := fwd.Start(); err != nil {
		c.rollback(ctx, rec.ID, publicPort, true)
		return domain.Descriptor{}, err
	}
	c.forwarders[rec.ID] = fwd

	desc := c.describe(rec)
	c.sink.Publish(domain.Event{
		Kind:          domain.EventTunnelRegistered,
		TunnelID:      rec.ID,
		PublicAddress: desc.PublicAddress,
		Time:          time.Now().UTC(),
	})
	c.log.Info("tunnel registered",
		"tunnel_id", rec.ID,
		"key_id", keyID,
		"local_port", localPort,
		"public_port", publicPort)
	return desc, nil
}

// rollback undoes a partial registration: registry entry (when present),
// persisted record, and the allocated port.
func (c *Controller) rollback(ctx context.Context, id string, publicPort int, inRegistry bool) {
	if inRegistry {
		if err := c.reg.Remove(id); err != nil {
			c.log.Error("rollback registry remove failed", "tunnel_id", id, "err", err)
		}
	}
	if err := c.store.DeleteTunnel(ctx, id); err != nil && !errors.Is(err, sql.ErrNoRows) {
		c.log.Error("rollback persistence delete failed", "tunnel_id", id, "err", err)
	}
	c.alloc.Release(publicPort)
}

// Stop tears down a tunnel owned by apiKey. Ordering: forwarding stops
// first, then registry, then persistence, so a crash mid-stop never
// leaves a persisted record pointing at a listener that outlived it.
func (c *Controller) Stop(ctx context.Context, apiKey, tunnelID string) error {
	if tunnelID == "" {
		return domain.Validation("tunnelId", "required")
	}
	keyID, err := c.resolveKey(ctx, apiKey)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.reg.Get(tunnelID)
	if err != nil {
		return err
	}
	if rec.APIKeyID != keyID {
		return domain.ErrForbidden
	}

	if fwd, ok := c.forwarders[tunnelID]; ok {
		fwd.Stop()
		delete(c.forwarders, tunnelID)
	}
	rec.State = domain.TunnelStateStopped
	if err := c.reg.Remove(tunnelID); err != nil {
		return err
	}
	c.alloc.Release(rec.PublicPort)
	if err := c.store.DeleteTunnel(ctx, tunnelID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("delete tunnel record: %w", err)
	}

	c.sink.Publish(domain.Event{
		Kind:     domain.EventTunnelStopped,
		TunnelID: tunnelID,
		Time:     time.Now().UTC(),
	})
	c.log.Info("tunnel stopped", "tunnel_id", tunnelID, "public_port", rec.PublicPort)
	return nil
}

// Status returns the descriptor for an active tunnel.
func (c *Controller) Status(tunnelID string) (domain.Descriptor, error) {
	rec, err := c.reg.Get(tunnelID)
	if err != nil {
		return domain.Descriptor{}, err
	}
	return c.describe(rec), nil
}

// ActiveCount reports the number of currently forwarding tunnels.
func (c *Controller) ActiveCount() int {
	return c.reg.ActiveCount()
}

// Shutdown stops all forwarders and waits for their relays to drain.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	fwds := make([]*forwarder.Forwarder, 0, len(c.forwarders))
	for id, fwd := range c.forwarders {
		fwd.Stop()
		fwds = append(fwds, fwd)
		delete(c.forwarders, id)
	}
	c.mu.Unlock()

	for _, fwd := range fwds {
		fwd.Wait()
	}
}

func (c *Controller) resolveKey(ctx context.Context, apiKey string) (string, error) {
	if apiKey == "" {
		return "", domain.Validation("apiKey", "required")
	}
	hash := auth.HashAPIKey(apiKey, c.cfg.APIKeyPepper)
	keyID, err := c.store.ResolveAPIKeyID(ctx, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrUnauthorized
	}
	if err != nil {
		return "", fmt.Errorf("resolve api key: %w", err)
	}
	return keyID, nil
}

func (c *Controller) describe(rec *domain.Tunnel) domain.Descriptor {
	return domain.Descriptor{
		TunnelID:      rec.ID,
		LocalPort:     rec.LocalPort,
		PublicPort:    rec.PublicPort,
		PublicAddress: net.JoinHostPort(c.cfg.PublicHost, strconv.Itoa(rec.PublicPort)),
		Region:        c.cfg.Region,
	}
}
