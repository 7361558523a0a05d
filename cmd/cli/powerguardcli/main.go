package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/core-tools/hsu-powerguard/pkg/control"
	"github.com/core-tools/hsu-powerguard/pkg/domain"
	"github.com/core-tools/hsu-powerguard/pkg/logging"
	"github.com/core-tools/hsu-powerguard/pkg/render"

	flags "github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

type statusCommand struct {
	Args struct {
		ID string `positional-arg-name:"id" required:"yes"`
	} `positional-args:"yes"`
}

type restartCommand struct {
	Hard bool `long:"hard" description:"power cycle through the PDU instead of SSH"`
	Args struct {
		ID string `positional-arg-name:"id" required:"yes"`
	} `positional-args:"yes"`
}

type flagOptions struct {
	Server  string        `long:"server" default:"http://127.0.0.1:8080" description:"base URL of the powerguard control API"`
	Timeout time.Duration `long:"timeout" default:"2m" description:"request timeout"`
	Verbose bool          `long:"verbose" short:"v" description:"log requests"`

	List    struct{}       `command:"list" alias:"l" description:"print the watched servers"`
	Status  statusCommand  `command:"status" alias:"s" description:"print one server with its power usage"`
	Restart restartCommand `command:"restart" description:"restart one server"`
	Start   struct{}       `command:"start" alias:"activate" description:"start the check cycle"`
	Stop    struct{}       `command:"stop" alias:"deactivate" description:"stop the check cycle"`
	Checks  struct{}       `command:"checks" description:"print whether the check cycle runs"`
	Reload  struct{}       `command:"reload" description:"stop the check cycle and reload the configuration"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-client , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	logConfig.File = ""
	logConfig.Level = "warn"
	if opts.Verbose {
		logConfig.Level = "debug"
	}
	zapLogger, err := logging.NewZapLogger(logConfig)
	if err != nil {
		zapLogger = zap.NewNop()
	}
	defer zapLogger.Sync()

	logger := logging.FromZap(zapLogger, logPrefix("hsu-powerguard"))

	gateway := control.NewHTTPClientGateway(opts.Server, nil, logger)

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if err := execute(ctx, parser.Active, &opts, gateway); err != nil {
		fmt.Printf("Error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func execute(ctx context.Context, command *flags.Command, opts *flagOptions, gateway domain.Contract) error {
	out := os.Stdout

	switch command.Name {
	case "list":
		units, err := gateway.List(ctx)
		if err != nil {
			return err
		}
		return render.List(out, units)
	case "status":
		detail, err := gateway.Status(ctx, opts.Status.Args.ID)
		if err != nil {
			return err
		}
		return render.Status(out, detail)
	case "restart":
		outcome, err := gateway.Restart(ctx, opts.Restart.Args.ID, opts.Restart.Hard)
		if err != nil {
			return err
		}
		return render.Restart(out, outcome)
	case "start":
		if err := gateway.Activate(ctx); err != nil {
			return err
		}
	case "stop":
		if err := gateway.Deactivate(ctx); err != nil {
			return err
		}
	case "reload":
		if err := gateway.Reload(ctx); err != nil {
			return err
		}
	case "checks":
	default:
		return fmt.Errorf("unknown command: %s", command.Name)
	}

	state, err := gateway.Checks(ctx)
	if err != nil {
		return err
	}
	return render.Checks(out, state)
}
