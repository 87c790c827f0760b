package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wustus/vibes/internal/app/session"
	"github.com/wustus/vibes/internal/daemon"
	"github.com/wustus/vibes/internal/domain"
)

func init() {
	runCmd.Flags().IntVar(&runDevices, "devices", 0, "Number of devices in the session, this one included (overrides config)")
	runCmd.Flags().StringVar(&runInterface, "interface", "", "Network interface to use (overrides config)")
	runCmd.Flags().StringVar(&runAddress, "address", "", "IPv4 address to announce (default: the interface address)")
	runCmd.Flags().StringVar(&runAPI, "api", "", `Status API listen address host:port, or "off" (overrides config)`)
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the result")
	rootCmd.AddCommand(runCmd)
}

var (
	runDevices   int
	runInterface string
	runAddress   string
	runAPI       string
	runQuiet     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Join a session and agree on a start time",
	Long: `Discover the other devices, elect a coordinator, synchronize the clock
and agree on the start instant. The command exits after the configured
linger period so slower peers can still reach this device.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(&cfg); err != nil {
		return err
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return fmt.Errorf("initialize daemon: %w", err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}
	if addr := d.APIAddr(); addr != "" && !runQuiet {
		fmt.Fprintf(os.Stderr, "status api on http://%s\n", addr)
	}
	if !runQuiet {
		d.Observe(newProgress(os.Stderr).observe)
	}

	res, err := d.RunSession(ctx)
	printResult(os.Stdout, res)
	if err != nil {
		return err
	}

	d.Linger(ctx)
	return nil
}

func applyRunFlags(cfg *daemon.Config) error {
	if runDevices < 0 {
		return fmt.Errorf("--devices must be positive")
	}
	if runDevices > 0 {
		cfg.Node.Devices = runDevices
	}
	if runInterface != "" {
		cfg.Node.Interface = runInterface
	}
	if runAddress != "" {
		if ip := net.ParseIP(runAddress); ip == nil || ip.To4() == nil {
			return fmt.Errorf("--address %q is not an IPv4 address", runAddress)
		}
		cfg.Node.Address = runAddress
	}

	switch runAPI {
	case "":
	case "off":
		cfg.API.Enabled = false
	default:
		host, port, err := net.SplitHostPort(runAPI)
		if err != nil {
			return fmt.Errorf("--api: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("--api port %q: %w", port, err)
		}
		cfg.API.Enabled = true
		cfg.API.Host = host
		cfg.API.Port = p
	}
	return nil
}

func printResult(out io.Writer, r session.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SESSION\t%s\n", r.ID)
	fmt.Fprintf(w, "SELF\t%s\n", r.Self)
	fmt.Fprintf(w, "OUTCOME\t%s\n", r.Outcome)
	if r.Error != "" {
		fmt.Fprintf(w, "ERROR\t%s (stage %s)\n", r.Error, r.Stage)
	}
	if len(r.Roster) > 0 {
		fmt.Fprintf(w, "PEERS\t%v\n", r.Roster.Strings())
	}
	if r.Coordinator != "" {
		role := "peer"
		if r.IsCoordinator {
			role = "coordinator"
		}
		fmt.Fprintf(w, "COORDINATOR\t%s (this device is %s)\n", r.Coordinator, role)
	}
	if r.Outcome == domain.OutcomeOK {
		fmt.Fprintf(w, "OFFSET\t%ds\n", r.Offset)
		start := time.Unix(domain.NTPToUnix(r.StartTime), 0)
		fmt.Fprintf(w, "START\t%d (NTP) %s\n", r.StartTime, start.Format(time.RFC3339))
	}
	if d := r.Duration(); d > 0 {
		fmt.Fprintf(w, "DURATION\t%s\n", d.Round(time.Millisecond))
	}
	w.Flush()
}
