package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/imei_backend/config"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// RedisRunLocker holds run locks in Redis and refreshes them while the run lasts.
type RedisRunLocker struct {
	client *redislock.Client
	logger *logrus.Logger
}

func NewRedisRunLocker(client *redislock.Client) *RedisRunLocker {
	return &RedisRunLocker{client: client, logger: config.GetLogger()}
}

func (l *RedisRunLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.Background(), ttl, nil); err != nil {
					config.LogError(l.logger, "workflow", "RedisRunLocker", "refresh run lock", key, err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				config.LogError(l.logger, "workflow", "RedisRunLocker", "release run lock", key, err)
			}
		})
	}, nil
}

// MySQLRunLocker uses MySQL advisory locks. GET_LOCK is connection-scoped, so
// each lock pins one pooled connection until it is released.
type MySQLRunLocker struct {
	db *gorm.DB
}

func NewMySQLRunLocker(db *gorm.DB) *MySQLRunLocker {
	return &MySQLRunLocker{db: db}
}

func (l *MySQLRunLocker) Obtain(ctx context.Context, key string, _ time.Duration) (func(), error) {
	sqlDB, err := l.db.DB()
	if err != nil {
		return nil, err
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	var ok int
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ok != 1 {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, key)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			var released int
			_ = conn.QueryRowContext(context.Background(), "SELECT RELEASE_LOCK(?)", key).Scan(&released)
			_ = conn.Close()
		})
	}, nil
}

// LocalRunLocker serializes runs inside one process.
type LocalRunLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalRunLocker() *LocalRunLocker {
	return &LocalRunLocker{held: map[string]bool{}}
}

func (l *LocalRunLocker) Obtain(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrRunInProgress
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
