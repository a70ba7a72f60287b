package main

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/unitsync"
	"github.com/mmdatafocus/imei_backend/workflow"
	"gorm.io/gorm"
)

type commandContext struct {
	jsonFlag    *bool
	workersFlag *int

	dbOnce sync.Once
	db     *gorm.DB
	dbErr  error

	engineOnce sync.Once
	engine     *workflow.Engine
	engineErr  error
}

func newCommandContext(jsonFlag *bool, workersFlag *int) *commandContext {
	return &commandContext{jsonFlag: jsonFlag, workersFlag: workersFlag}
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

// ensureDB connects once. A one-shot command gives up after a few attempts
// unless DB_CONNECT_MAX_ATTEMPTS says otherwise.
func (c *commandContext) ensureDB() (*gorm.DB, error) {
	c.dbOnce.Do(func() {
		defaultEnv("DB_CONNECT_MAX_ATTEMPTS", "3")
		if err := config.ConnectDatabaseWithRetry(); err != nil {
			c.dbErr = err
			return
		}
		c.db = config.GetDB()
	})
	return c.db, c.dbErr
}

// ensureEngine builds the engine. Runs lock through Redis when REDIS_ADDRESS
// is set and through MySQL named locks otherwise.
func (c *commandContext) ensureEngine(ctx context.Context) (*workflow.Engine, error) {
	c.engineOnce.Do(func() {
		db, err := c.ensureDB()
		if err != nil {
			c.engineErr = err
			return
		}
		settings := config.LoadEngineSettings()
		if c.workersFlag != nil && *c.workersFlag > 0 {
			settings.Workers = *c.workersFlag
		}
		useRedis := strings.TrimSpace(os.Getenv("REDIS_ADDRESS")) != ""
		if useRedis {
			defaultEnv("REDIS_CONNECT_MAX_ATTEMPTS", "3")
			if err := config.ConnectRedisWithRetry(); err != nil {
				c.engineErr = err
				return
			}
		}
		c.engine, c.engineErr = unitsync.BuildEngine(ctx, db, settings, useRedis)
	})
	return c.engine, c.engineErr
}

func defaultEnv(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		_ = os.Setenv(key, value)
	}
}
