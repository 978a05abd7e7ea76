package proxy

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/peterje/mctl/internal/db"
)

// Discover returns a client for a live proxy that owns devicePath. A
// registry entry whose proxy is gone, or now serves another device, is
// removed and ErrNoProxy returned.
func Discover(ctx context.Context, database *sql.DB, devicePath string, log *zap.Logger) (*Client, error) {
	if log == nil {
		log = zap.NewNop()
	}
	entry, err := db.LookupProxy(database, devicePath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoProxy
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	c, err := Dial(pingCtx, entry.Addr)
	if err == nil {
		id, idErr := c.Identity(pingCtx)
		if idErr == nil && id.DeviceID == devicePath && id.SessionID == entry.SessionID {
			log.Debug("using proxy", zap.String("addr", entry.Addr), zap.String("device", devicePath))
			return c, nil
		}
		c.Close()
		err = idErr
	}

	log.Debug("dropping stale proxy entry",
		zap.String("device", devicePath), zap.String("addr", entry.Addr), zap.Error(err))
	if rmErr := db.RemoveProxy(database, devicePath, entry.SessionID); rmErr != nil {
		log.Warn("remove stale proxy", zap.Error(rmErr))
	}
	return nil, ErrNoProxy
}

// Register records s as the proxy for devicePath at addr.
func Register(database *sql.DB, s *Server, devicePath, addr string, pid int) error {
	return db.RegisterProxy(database, db.Proxy{
		DevicePath: devicePath,
		Addr:       addr,
		SessionID:  s.ID(),
		PID:        pid,
		StartedAt:  time.Now(),
	})
}

// Unregister removes s's registry entry if it still owns devicePath.
func Unregister(database *sql.DB, s *Server, devicePath string) error {
	return db.RemoveProxy(database, devicePath, s.ID())
}
