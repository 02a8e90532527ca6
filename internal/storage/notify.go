package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
)

// ChannelEvents is the LISTEN/NOTIFY channel carrying bus events as wire JSON.
const ChannelEvents = "gathering_events"

// maxNotifyPayload is Postgres' limit on a NOTIFY payload, minus a margin.
const maxNotifyPayload = 7900

var errNotifyDisabled = errors.New("storage: notify connection not configured")

// Listen subscribes the LISTEN connection to channel. The channel is
// remembered and subscribed again after a reconnect.
func (db *DB) Listen(ctx context.Context, channel string) error {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()

	if db.notifyConn == nil {
		return errNotifyDisabled
	}
	if err := listen(ctx, db.notifyConn, channel); err != nil {
		return err
	}
	if !slices.Contains(db.listening, channel) {
		db.listening = append(db.listening, channel)
	}
	return nil
}

func listen(ctx context.Context, conn *pgx.Conn, channel string) error {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on a listened
// channel. A dropped connection is reopened and its channels subscribed
// again before the error is returned, so the caller's next wait resumes the
// stream. Notifications sent while disconnected are lost.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	db.notifyMu.Lock()
	conn := db.notifyConn
	db.notifyMu.Unlock()
	if conn == nil {
		return "", "", errNotifyDisabled
	}

	n, err := conn.WaitForNotification(ctx)
	if err == nil {
		return n.Channel, n.Payload, nil
	}
	if ctx.Err() == nil && conn.IsClosed() {
		if rerr := db.reconnectNotify(ctx, conn); rerr != nil {
			return "", "", errors.Join(fmt.Errorf("storage: wait for notification: %w", err), rerr)
		}
	}
	return "", "", fmt.Errorf("storage: wait for notification: %w", err)
}

// reconnectNotify replaces the dead connection old, unless another caller
// already did.
func (db *DB) reconnectNotify(ctx context.Context, old *pgx.Conn) error {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()

	if db.notifyConn != old || db.notifyDSN == "" {
		return nil
	}
	conn, err := connectNotify(ctx, db.notifyDSN)
	if err != nil {
		return err
	}
	for _, ch := range db.listening {
		if err := listen(ctx, conn, ch); err != nil {
			_ = conn.Close(ctx)
			return err
		}
	}
	db.notifyConn = conn
	db.logger.Info("storage: notify connection reopened", "channels", db.listening)
	return nil
}

// Notify publishes payload on channel through the query pool, so it never
// contends with a blocked WaitForNotification.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
