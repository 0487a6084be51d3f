package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/lcx/oscroute/app"
	"github.com/lcx/oscroute/net"
	"github.com/lcx/oscroute/route"
)

func newDemoCommand() *cobra.Command {
	var (
		strips int
		delay  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a mixer and a controller on virtual endpoints",
		Long: `Build a mixer application with channel strips attached under /ch1, /ch2, ...
and a controller, both on virtual endpoints of one in-process channel. The
controller sends a broadcast, a wildcard, a unicast, a timed bundle and an
unroutable message; every delivery is printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer shutdown()
			ctx, cancel := context.WithTimeout(cmd.Context(), delay+5*time.Second)
			defer cancel()

			report, err := runDemo(ctx, strips, delay)
			for _, line := range report.get() {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return err
		},
	}

	cmd.Flags().IntVar(&strips, "strips", 3, "Number of channel strips")
	cmd.Flags().DurationVar(&delay, "delay", 200*time.Millisecond, "Delivery delay of the timed bundle")
	return cmd
}

type demoReport struct {
	mu    sync.Mutex
	lines []string
}

func (r *demoReport) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf(format, args...))
}

func (r *demoReport) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

func (r *demoReport) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

type strip struct {
	route.Node
	name   string
	report *demoReport
}

func (s *strip) volume(args ...any) error {
	s.report.add("%s volume %v", s.name, args)
	return nil
}

func (s *strip) mute(args ...any) error {
	s.report.add("%s mute %v from %v", s.name, args[1:], args[0])
	return nil
}

var _stripClass = route.MustRegisterClass("oscroute.demo.strip", []*route.Handler{
	route.Method("volume", (*strip).volume),
	route.Method("mute", (*strip).mute, route.WithSender()),
})

type mixer struct {
	app.App
	report *demoReport
}

func (m *mixer) reset(...any) error {
	m.report.add("mixer reset")
	return nil
}

var _mixerClass = route.MustRegisterClass("oscroute.demo.mixer", []*route.Handler{
	route.Method("reset", (*mixer).reset),
})

func demoConfig() *app.Config {
	cfg := app.DefaultConfig()
	cfg.PollInterval = 20 * time.Millisecond
	return cfg
}

func connectVirtual(a *app.App, hub *net.Hub) error {
	vt, err := net.NewVirtualTransport(hub.Listen(), hub.Addr())
	if err != nil {
		return err
	}
	return a.ConnectWith(vt)
}

// runDemo returns once every expected delivery was reported or ctx ends.
func runDemo(ctx context.Context, strips int, delay time.Duration) (*demoReport, error) {
	report := &demoReport{}
	if strips < 2 {
		return report, fmt.Errorf("need at least 2 strips, got %d", strips)
	}
	hub := net.NewHub("127.0.0.1:5001")

	m := &mixer{report: report}
	if err := m.Setup("mixer", m, _mixerClass, app.WithConfig(demoConfig())); err != nil {
		return report, err
	}
	for i := 1; i <= strips; i++ {
		s := &strip{name: fmt.Sprintf("ch%d", i), report: report}
		s.Init(s, _stripClass)
		if err := route.Attach(m, s.name, s); err != nil {
			return report, err
		}
	}
	m.SetDefaultHandler(route.Func("unrouted", func(args ...any) error {
		report.add("unrouted %v", args)
		return nil
	}))

	ctl, err := app.New("controller", nil, nil, app.WithConfig(demoConfig()))
	if err != nil {
		return report, err
	}
	if err := connectVirtual(&m.App, hub); err != nil {
		return report, err
	}
	defer m.Close()
	if err := connectVirtual(ctl, hub); err != nil {
		return report, err
	}
	defer ctl.Close()

	runner, err := app.Start(&m.App)
	if err != nil {
		return report, err
	}
	mixerAddr, err := m.LocalAddr()
	if err != nil {
		return report, err
	}

	sends := []func() error{
		func() error { return ctl.Send("/ch1/volume", 0.8) },
		func() error { return ctl.Send("/ch*/mute", true) },
		func() error { return ctl.SendTo(&mixerAddr, "/reset") },
		func() error { return ctl.SendAt(time.Now().Add(delay), nil, "/ch2/volume", 0.2) },
		func() error { return ctl.Send("/fx/reverb", 1) },
	}
	for _, send := range sends {
		if err := send(); err != nil {
			_ = runner.Stop(ctx)
			return report, err
		}
	}

	want := 4 + strips
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for report.len() < want {
		select {
		case <-ctx.Done():
			_ = runner.Stop(context.Background())
			return report, fmt.Errorf("got %d of %d deliveries: %w", report.len(), want, ctx.Err())
		case <-ticker.C:
		}
	}
	return report, runner.Stop(ctx)
}
