package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/sidecar"
	"github.com/loykin/sidecar/internal/port"
	"github.com/loykin/sidecar/internal/process"
	"github.com/loykin/sidecar/pkg/client"
	"github.com/loykin/sidecar/pkg/template"
)

// shutdownTimeout bounds closing the API and metrics servers after the
// backend has been stopped.
const shutdownTimeout = 5 * time.Second

type command struct {
	out io.Writer
}

// Run supervises the backend until ctx ends or the process is signalled.
func (c command) Run(ctx context.Context, configPath string, f RunFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	// route tables and debug warnings do not belong in the host log
	gin.SetMode(gin.ReleaseMode)
	cfg, err := sidecar.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	var mode process.Mode
	if f.Mode != "" {
		if mode, err = process.ParseMode(f.Mode); err != nil {
			return err
		}
	}

	log, closer, err := cfg.Log.NewSlogger()
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	sc, err := sidecar.New(cfg, sidecar.Options{Mode: mode, Log: log})
	if err != nil {
		return err
	}
	if err := sc.Start(); err != nil {
		shutdown(sc, log)
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("close requested, stopping backend")
	return shutdown(sc, log)
}

func shutdown(sc *sidecar.Sidecar, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := sc.Shutdown(ctx)
	if err != nil {
		log.Error("shutdown", "error", err)
	}
	return err
}

// Port prints the first free port in the scanned range.
func (c command) Port(f PortFlags) error {
	p, err := port.FindAvailable(f.Start, f.Attempts)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, p)
	return nil
}

type statusView struct {
	Port     uint16  `json:"port"`
	PID      int     `json:"pid"`
	Restarts int     `json:"restarts"`
	State    string  `json:"state"`
	Ready    bool    `json:"ready"`
	Error    *string `json:"error"`
}

// Status prints the backend detail merged with the last published status.
func (c command) Status(ctx context.Context, f APIFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cl := newClient(f)
	info, err := cl.Backend(ctx)
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, statusView{
		Port:     info.Port,
		PID:      info.PID,
		Restarts: info.Restarts,
		State:    info.State,
		Ready:    st.Ready,
		Error:    st.Error,
	})
	return nil
}

// Events prints every backend-status event on its own line until interrupted
// or the server goes away.
func (c command) Events(ctx context.Context, f APIFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := newClient(f).Watch(ctx, func(st client.Status) error {
		printJSONLine(c.out, st)
		return nil
	})
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.New("event stream closed by server")
	}
	return err
}

func newClient(f APIFlags) *client.Client {
	return client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
}

// Init renders a starter config to stdout or f.Output.
func (c command) Init(f InitFlags) error {
	mode, err := process.ParseMode(f.Mode)
	if err != nil {
		return err
	}
	format, err := template.ParseFormat(f.Format)
	if err != nil {
		return err
	}
	data, err := template.NewGenerator().Render(mode, format)
	if err != nil {
		return err
	}
	if f.Output == "" {
		_, err = c.out.Write(data)
		return err
	}
	if !f.Force {
		if _, err := os.Stat(f.Output); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", f.Output)
		}
	}
	if err := os.WriteFile(f.Output, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", f.Output, err)
	}
	_, _ = fmt.Fprintf(c.out, "wrote %s\n", f.Output)
	return nil
}
