package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli"

	"github.com/loveace/acelink/cmd/common"
	"github.com/loveace/acelink/pkg/logger"
	"github.com/loveace/acelink/pkg/session"
)

var (
	watchSchedule string
	watchLogFile  string

	watchFlags = []cli.Flag{
		cli.StringFlag{
			Name:        "schedule",
			Usage:       "cron schedule of the health checks (default: config watch.schedule)",
			Destination: &watchSchedule,
		},
		cli.StringFlag{
			Name:        "log-file",
			Usage:       "also append log lines to this file",
			Destination: &watchLogFile,
		},
	}

	// watchContext returns the context watch runs under until it is done.
	watchContext = func() (context.Context, context.CancelFunc) {
		return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	}
)

func watch(ctx *cli.Context) error {
	e, err := loadEnv(ctx, "watch")
	if err != nil {
		return err
	}
	defer e.Close()

	if watchLogFile != "" {
		f, err := appFs.OpenFile(watchLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			common.PrintRuntimeErr(ctx, "watch", "log-file", err)
			return err
		}
		defer f.Close()
		fileLog := logger.NewStandardLogger(log.New(f, "", log.LstdFlags))
		if e.cfg.Debug {
			fileLog.EnableDebug()
		}
		e.log = logger.NewMultiLogger(e.log, fileLog)
	}
	schedule := e.cfg.Watch.Schedule
	if watchSchedule != "" {
		schedule = watchSchedule
	}

	m, err := e.newManager(nil)
	if err != nil {
		common.PrintRuntimeErr(ctx, "watch", "new_session", err)
		return err
	}
	defer m.Close()

	runCtx, cancel := watchContext()
	defer cancel()
	if _, err := e.restore(runCtx, ctx, "watch", m); err != nil {
		common.PrintRuntimeErr(ctx, "watch", "restore", err)
		return err
	}
	creds, ok, err := e.credentials(ctx, "watch")
	if err != nil {
		return err
	}
	w := &watcher{env: e, m: m}
	if ok {
		w.creds = &creds
	} else {
		e.log.Warning("no saved credentials for %s, expired sessions will not be renewed", e.user)
	}

	c := cron.New(cron.WithLogger(cronLogger{e.log}), cron.WithChain(cron.SkipIfStillRunning(cronLogger{e.log})))
	if _, err := c.AddFunc(schedule, func() { w.tick(runCtx) }); err != nil {
		common.PrintRuntimeErr(ctx, "watch", "schedule", err)
		return err
	}
	fmt.Printf("Watching %s on %q, press Ctrl+C to stop.\n", e.user, schedule)
	w.tick(runCtx)
	c.Start()
	<-runCtx.Done()
	<-c.Stop().Done()
	fmt.Printf("Stopped watching %s after %d checks.\n", e.user, w.ticks())
	return nil
}

// watcher runs one health check per tick and logs in again when the
// session is unhealthy.
type watcher struct {
	env   *env
	m     *session.Manager
	creds *session.Credentials

	mu sync.Mutex
	n  int
}

func (w *watcher) ticks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func (w *watcher) tick(ctx context.Context) {
	w.mu.Lock()
	w.n++
	w.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	l := w.env.log

	h, err := w.m.HealthCheck(ctx)
	if err != nil {
		l.Error("health check: %v", err)
		return
	}
	if h.Healthy {
		l.Debug("session healthy, checkpoint %s", h.Checkpoint.Format("15:04:05"))
		w.env.save(ctx, nil, "watch", w.m)
		return
	}
	l.Info("session unhealthy: %s", h.Reason)
	if w.creds == nil {
		return
	}
	if err := w.m.Login(ctx, *w.creds); err != nil {
		l.Error("relogin failed (%s): %v", session.ReasonOf(err), err)
		return
	}
	l.Info("relogin succeeded")
	w.env.save(ctx, nil, "watch", w.m)
}

// cronLogger adapts a logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: %s %v", msg, keysAndValues)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
