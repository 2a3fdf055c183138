package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"greybridge/client"
	"greybridge/config"
	"greybridge/distant"
	"greybridge/logging"
	"greybridge/value"
)

type callConfig struct {
	commonConfig
	addr    string
	timeout time.Duration
}

func (c *callConfig) flags() []cli.Flag {
	return append(c.commonConfig.flags(),
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "dial host:port directly instead of discovering the app",
			Destination: &c.addr,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "invocation timeout",
			Value:       10 * time.Second,
			Destination: &c.timeout,
		},
	)
}

func callCmd() *cli.Command {
	var cfg callConfig
	return &cli.Command{
		Name:      "call",
		Usage:     "invoke a class-level method, e.g. call Application.Echo 42",
		ArgsUsage: "Class.Method [args...]",
		Flags:     cfg.flags(),
		Action: func(c *cli.Context) error {
			if c.Args().Len() == 0 {
				return fmt.Errorf("missing Class.Method")
			}
			class, method, err := splitSelector(c.Args().First())
			if err != nil {
				return err
			}
			conf, err := config.Load(cfg.configPath)
			if err != nil {
				return err
			}
			if cfg.app != "" {
				conf.App = cfg.app
			}
			logging.ConfigureRuntime(conf.App)

			args := make([]any, 0, c.Args().Len()-1)
			for _, raw := range c.Args().Tail() {
				args = append(args, parseLiteral(raw))
			}
			out, err := call(c.Context, conf, cfg.addr, cfg.timeout, class, method, args)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, out)
			return nil
		},
	}
}

var errNoTarget = errors.New("nothing to dial: pass --addr or configure etcd endpoints")

func call(ctx context.Context, cfg config.Config, addr string, timeout time.Duration, class, method string, args []any) (value.Value, error) {
	opts := []client.Option{
		client.WithConfig(cfg),
		client.WithInvocationTimeout(timeout),
		client.WithLogger(logging.Component("client")),
	}
	if addr != "" {
		opts = append(opts, client.WithAddress(addr))
	} else if len(cfg.Etcd) == 0 {
		return value.Value{}, errNoTarget
	}
	reg, closeRegistry, err := openRegistry(cfg)
	if err != nil {
		return value.Value{}, err
	}
	defer closeRegistry()

	mgr := client.NewManager(reg, cfg.App, opts...)
	defer mgr.Disconnect()

	// A relaunch while the call is pending moves later calls to the new app.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go mgr.Follow(ctx)
	return distant.Class(mgr, class).Invoke(ctx, method, args...)
}

func splitSelector(sel string) (class, method string, err error) {
	i := strings.LastIndexByte(sel, '.')
	if i <= 0 || i == len(sel)-1 {
		return "", "", fmt.Errorf("selector %q is not Class.Method", sel)
	}
	return sel[:i], sel[i+1:], nil
}

// parseLiteral reads a command-line argument as the narrowest value it spells.
func parseLiteral(raw string) any {
	if raw == "null" {
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return strings.Trim(raw, `"`)
}

func classesCmd() *cli.Command {
	return &cli.Command{
		Name:  "classes",
		Usage: "list the classes and methods the demo host serves",
		Action: func(c *cli.Context) error {
			table, err := newMailbox(nil, "").classes()
			if err != nil {
				return err
			}
			classes := table.Classes()
			names := make([]string, 0, len(classes))
			for name := range classes {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(c.App.Writer, "%s: %s\n", name, strings.Join(classes[name], ", "))
			}
			return nil
		},
	}
}
