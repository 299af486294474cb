// -----------------------------------------------------------------------
// App - Application wiring and lifecycle
// -----------------------------------------------------------------------

package app

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/conveyor/internal/breaker"
	"github.com/ternarybob/conveyor/internal/common"
	"github.com/ternarybob/conveyor/internal/handlers"
	"github.com/ternarybob/conveyor/internal/interfaces"
	"github.com/ternarybob/conveyor/internal/jobs"
	"github.com/ternarybob/conveyor/internal/metrics"
	"github.com/ternarybob/conveyor/internal/monitor"
	"github.com/ternarybob/conveyor/internal/processor"
	"github.com/ternarybob/conveyor/internal/services/events"
	"github.com/ternarybob/conveyor/internal/services/status"
	"github.com/ternarybob/conveyor/internal/session"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Event-driven services
	EventService  interfaces.EventService
	StatusService *status.Service

	// Resilience and resources
	Breakers       *breaker.Registry
	SessionManager *session.Manager
	Monitor        *monitor.Monitor

	// Job execution
	JobManager *jobs.Manager
	Processor  interfaces.RecordProcessor

	// HTTP handlers
	JobHandler    *handlers.JobHandler
	StatusHandler *handlers.StatusHandler
	WSHandler     *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	app.initEvents()
	app.initResilience()
	app.initJobs()
	app.initHandlers()

	logger.Info().Msg("Application initialized")
	return app, nil
}

// initEvents wires the pub/sub spine: logger subscriber, metrics, status.
func (a *App) initEvents() {
	a.EventService = events.NewService(a.Logger)

	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to subscribe logger to events")
	}
	if err := metrics.Subscribe(a.EventService); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to subscribe metrics to events")
	}

	a.StatusService = status.NewService(a.EventService, a.Logger)
	a.StatusService.SubscribeToJobEvents()
}

// initResilience builds the breaker registry, the browser-backed session
// manager, and the resource monitor.
func (a *App) initResilience() {
	brkConfig := breaker.Config{
		FailureThreshold: a.Config.Breaker.FailureThreshold,
		MonitoringPeriod: common.Duration(a.Config.Breaker.MonitoringPeriod, breaker.DefaultConfig().MonitoringPeriod),
		ResetTimeout:     common.Duration(a.Config.Breaker.ResetTimeout, breaker.DefaultConfig().ResetTimeout),
	}
	if brkConfig.FailureThreshold <= 0 {
		brkConfig.FailureThreshold = breaker.DefaultConfig().FailureThreshold
	}
	a.Breakers = breaker.NewRegistry(brkConfig, a.Logger)

	sessionBreaker := a.Breakers.Get(session.BreakerService)
	sessionBreaker.OnStateChange(func(service string, from, to breaker.State) {
		a.EventService.Publish(context.Background(), interfaces.Event{
			Type: interfaces.EventBreakerStateChanged,
			Payload: map[string]interface{}{
				"service":   service,
				"old_state": string(from),
				"new_state": string(to),
				"timestamp": time.Now(),
			},
		})
		// Jobs parked while the breaker was open come back automatically
		// once the service recovers. HALF_OPEN counts: the first resumed
		// job becomes the probe.
		if (to == breaker.StateClosed || to == breaker.StateHalfOpen) && a.JobManager != nil {
			if resumed := a.JobManager.ResumeParked("circuit_open"); resumed > 0 {
				a.Logger.Info().Int("resumed", resumed).Msg("Parked jobs re-queued after breaker recovery")
			}
		}
	})

	provider := session.NewChromeDPProvider(session.ChromeDPConfig{
		UserAgent:   a.Config.Browser.UserAgent,
		Headless:    a.Config.Browser.Headless,
		DisableGPU:  a.Config.Browser.DisableGPU,
		NoSandbox:   a.Config.Browser.NoSandbox,
		StartupTest: common.Duration(a.Config.Browser.StartupTest, 30*time.Second),
	}, a.Logger)

	a.SessionManager = session.NewManager(provider, sessionBreaker, a.EventService, session.Config{
		AcquireTimeout: common.Duration(a.Config.Session.AcquireTimeout, session.DefaultConfig().AcquireTimeout),
		MaxSessionAge:  common.Duration(a.Config.Session.MaxSessionAge, session.DefaultConfig().MaxSessionAge),
		MaxIdleTime:    common.Duration(a.Config.Session.MaxIdleTime, session.DefaultConfig().MaxIdleTime),
	}, a.Logger)
}

// initJobs builds the record processor, the job manager and the monitor
// driving reclamation.
func (a *App) initJobs() {
	a.Processor = processor.NewWebForm(processor.Config{
		FormURL:         a.Config.Processor.FormURL,
		SubmitSelector:  a.Config.Processor.SubmitSelector,
		SuccessSelector: a.Config.Processor.SuccessSelector,
		ErrorSelector:   a.Config.Processor.ErrorSelector,
		NavigateTimeout: common.Duration(a.Config.Processor.NavigateTimeout, 30*time.Second),
		SubmitTimeout:   common.Duration(a.Config.Processor.SubmitTimeout, 20*time.Second),
		RecordDelay:     common.Duration(a.Config.Processor.RecordDelay, 500*time.Millisecond),
	}, a.Logger)

	a.JobManager = jobs.NewManager(a.SessionManager, a.Processor, a.EventService, jobs.Config{
		InterBatchDelay:   common.Duration(a.Config.Jobs.InterBatchDelay, jobs.DefaultConfig().InterBatchDelay),
		MaxBackoff:        common.Duration(a.Config.Jobs.MaxBackoff, jobs.DefaultConfig().MaxBackoff),
		RetentionWindow:   common.Duration(a.Config.Jobs.RetentionWindow, jobs.DefaultConfig().RetentionWindow),
		GCInterval:        common.Duration(a.Config.Jobs.GCInterval, jobs.DefaultConfig().GCInterval),
		EstimatePerRecord: common.Duration(a.Config.Jobs.EstimatePerRecord, jobs.DefaultConfig().EstimatePerRecord),
	}, a.Logger)

	a.Monitor = monitor.New(monitor.Config{
		SampleInterval:     common.Duration(a.Config.Monitor.SampleInterval, monitor.DefaultConfig().SampleInterval),
		WarningThresholdMB: uint64(a.Config.Monitor.WarningThresholdMB),
		MaxThresholdMB:     uint64(a.Config.Monitor.MaxThresholdMB),
		WarningCooldown:    common.Duration(a.Config.Monitor.WarningCooldown, monitor.DefaultConfig().WarningCooldown),
		ReapSchedule:       a.Config.Monitor.ReapSchedule,
	}, a.SessionManager, a.JobManager, a.EventService, a.Logger)
}

// initHandlers builds the HTTP surface.
func (a *App) initHandlers() {
	a.JobHandler = handlers.NewJobHandler(a.JobManager, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.StatusService, a.SessionManager, a.Breakers, a.Monitor, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.EventService, a.Logger, &a.Config.WebSocket)
}

// Start launches background services.
func (a *App) Start() error {
	return a.Monitor.Start()
}

// Close shuts down all components in dependency order.
func (a *App) Close() error {
	a.Logger.Info().Msg("Shutting down application")

	a.Monitor.Stop()
	a.JobManager.Stop()
	if released := a.SessionManager.ReleaseAll("shutdown"); released > 0 {
		a.Logger.Info().Int("released", released).Msg("Sessions released on shutdown")
	}
	if err := a.EventService.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Event service close failed")
	}

	a.Logger.Info().Msg("Application shutdown complete")
	return nil
}
