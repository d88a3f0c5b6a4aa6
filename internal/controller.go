package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/dcrodman/chessd/internal/core"
	"github.com/dcrodman/chessd/internal/core/debug"
	"github.com/dcrodman/chessd/internal/game"
	"github.com/dcrodman/chessd/internal/history"
	"github.com/dcrodman/chessd/internal/session"
	"github.com/dcrodman/chessd/internal/wsgateway"
)

// Controller is the main entrypoint for chessd. It's responsible for initializing
// any shared resources (such as database and logging), defining the servers, and
// launching everything.
type Controller struct {
	Config *core.Config

	logger *logrus.Logger
	wg     sync.WaitGroup

	db       *gorm.DB
	registry *session.Registry
	clients  *clientList
	servers  []*frontend
}

// Start runs the server until ctx is cancelled. An error is returned if any
// part of the server could not be started.
func (c *Controller) Start(ctx context.Context) error {
	// Servers that did start are stopped before Shutdown waits on them.
	defer c.Shutdown()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var err error
	// Set up the logger, which will be used by all sub-servers.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.Enabled {
		debug.StartUtilities(c.logger, c.Config.Debugging.PprofPort)
	}

	c.db, err = history.Open(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing match history: %w", err)
	}
	archive := history.NewArchive(c.db, c.Config.RecentResultsTTL)
	c.registry = session.NewRegistry(c.logger, c.Config.MoveTimeout, archive)

	// Configure and run all of our servers.
	if err := c.declareServers(); err != nil {
		return err
	}
	if err := c.run(ctx); err != nil {
		return err
	}

	watchdog := &session.Watchdog{
		Registry: c.registry,
		Interval: c.Config.WatchdogInterval,
		Logger:   c.logger,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		watchdog.Run(ctx)
	}()

	c.wg.Wait()
	return nil
}

// Set up all of the servers we want to run. Every listener shares one
// registry, so a browser client can play against a TCP client.
func (c *Controller) declareServers() error {
	c.clients = newClientList(c.Config.MaxConnections)
	tracer := debug.NewMessageTracer(c.logger)

	c.servers = []*frontend{
		{
			Address: c.Config.ListenAddress(),
			Backend: &game.Server{
				Name:     "GAME",
				Config:   c.Config,
				Logger:   c.logger,
				Registry: c.registry,
			},
		},
	}

	if addr := c.Config.WebSocketAddress(); addr != "" {
		listener, err := wsgateway.Listen(addr, c.Config.WebSocket.Path, c.logger)
		if err != nil {
			return fmt.Errorf("error starting websocket gateway on %s: %w", addr, err)
		}
		listener.Full = c.clients.isServerFull

		c.servers = append(c.servers, &frontend{
			Address:  addr,
			Listener: listener,
			Backend: &game.Server{
				Name:     "WEBSOCKET",
				Config:   c.Config,
				Logger:   c.logger,
				Registry: c.registry,
			},
		})
	}

	for _, server := range c.servers {
		server.Tracer = tracer
		server.clients = c.clients
	}
	return nil
}

func (c *Controller) run(ctx context.Context) error {
	// Start all of our servers. Failure to initialize one of the registered servers is considered terminal.
	for _, server := range c.servers {
		server.Config = c.Config
		server.Logger = c.logger

		if err := server.Start(ctx, &c.wg); err != nil {
			return fmt.Errorf("error starting %s server: %w", server.Backend.Identifier(), err)
		}
	}
	return nil
}

// Shutdown waits for every server to stop and then releases the database.
func (c *Controller) Shutdown() {
	c.wg.Wait()
	for _, server := range c.servers {
		if server.Listener != nil {
			_ = server.Listener.Close()
		}
	}
	if err := history.Close(c.db); err != nil && c.logger != nil {
		c.logger.Errorf("error closing database: %v", err)
	}
}
