package main

import (
	"bufio"
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	picoscope "github.com/ilyaradko/PicoScope"
)

//go:embed assets/banner.txt
var banner string

func main() {
	if len(os.Args) < 2 {
		fmt.Println(banner)
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		fmt.Fprintln(os.Stderr, banner)
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "measure":
		err = measureCommand(os.Args[2:])
	case "list":
		err = listCommand(os.Args[2:])
	case "dump":
		err = dumpCommand(os.Args[2:])
	case "replay":
		err = replayCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("picoscope-edge %s: %v", cmd, err)
	}
}

func loadConfig(fs *flag.FlagSet, args []string) (*picoscope.Config, error) {
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := picoscope.LoadConfig(*cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flow, err := picoscope.Conf(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return flow.Run(ctx)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "./data/config.yaml", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := picoscope.LoadConfig(*cfgPath); err != nil {
		return err
	}
	fmt.Printf("config %s looks good\n", *cfgPath)
	return nil
}

func measureCommand(args []string) error {
	fs := flag.NewFlagSet("measure", flag.ExitOnError)
	samples := fs.Int("samples", 0, "Samples per channel (overrides capture.block_size)")
	count := fs.Int("count", 1, "Number of captures to take")
	every := fs.Duration("every", time.Second, "Delay between captures")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if *samples > 0 {
		cfg.Capture.BlockSize = *samples
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for i := 0; *count <= 0 || i < *count; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(*every):
			}
		}
		m, err := picoscope.Measure(ctx, cfg, picoscope.WithLogOutput(os.Stderr))
		if err != nil {
			return err
		}
		fields := make([]string, 0, len(m.Volts))
		for _, ch := range m.Channels() {
			fields = append(fields, fmt.Sprintf("%s=%.6fV", ch, m.Volts[ch]))
		}
		line := fmt.Sprintf("%s %s samples=%d interval=%s %s",
			time.Now().Format(time.RFC3339), m.Info.Serial, m.Samples, m.Interval, strings.Join(fields, " "))
		if len(m.OverRange) > 0 {
			line += " over_range=" + strings.Join(m.OverRange, ",")
		}
		fmt.Println(line)
	}
	return nil
}

func listCommand(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	units, err := picoscope.ListUSB()
	if err != nil {
		return err
	}
	if len(units) == 0 {
		fmt.Println("no PicoScope units found")
		return nil
	}
	for _, u := range units {
		fmt.Println(u)
	}
	return nil
}

func dumpCommand(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	dir := fs.String("dir", "./data/journal", "Journal directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w := bufio.NewWriter(os.Stdout)
	if err := picoscope.DumpJournal(*dir, w); err != nil {
		return err
	}
	return w.Flush()
}

func replayCommand(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	dir := fs.String("dir", "./data/journal", "Journal directory")
	all := fs.Bool("all", false, "Replay committed entries too")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	cfg.Sinks.Journal = nil
	cfg.Metrics.Addr = "off"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := picoscope.NewRuntime(cfg, picoscope.WithLogOutput(os.Stderr))
	if err != nil {
		return err
	}
	st, err := rt.Replay(ctx, *dir, *all)
	shutdownErr := rt.Shutdown(context.Background())
	fmt.Printf("replayed entries %d..%d: %d batches, %d samples, %d overflow events into %s\n",
		st.From, st.To, st.Entries, st.Samples, st.Overflows, rt.SinkName())
	if err != nil {
		return err
	}
	return shutdownErr
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	targets := scrape(bufio.NewScanner(resp.Body))
	fmt.Printf("[%s] samples=%.0f lost=%.0f ring=%.0f state=%.0f faults=%.0f\n",
		time.Now().Format(time.RFC3339),
		targets["picoscope_samples_dispatched_total"],
		targets["picoscope_samples_lost_total"],
		targets["picoscope_ring_blocks"],
		targets["picoscope_session_state"],
		targets["picoscope_faults_total"],
	)
	return nil
}

// scrape sums the tracked series across labels.
func scrape(scanner *bufio.Scanner) map[string]float64 {
	targets := map[string]float64{
		"picoscope_samples_dispatched_total": 0,
		"picoscope_samples_lost_total":       0,
		"picoscope_ring_blocks":              0,
		"picoscope_session_state":            0,
		"picoscope_faults_total":             0,
	}
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		name, rest, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		if i := strings.IndexByte(name, '{'); i >= 0 {
			name = name[:i]
			if j := strings.LastIndexByte(line, '}'); j >= 0 {
				rest = strings.TrimSpace(line[j+1:])
			}
		}
		if _, tracked := targets[name]; !tracked {
			continue
		}
		var value float64
		if _, err := fmt.Sscanf(rest, "%g", &value); err == nil {
			targets[name] += value
		}
	}
	return targets
}

func printUsage() {
	fmt.Printf(`PicoScope edge CLI

Usage:
  picoscope-edge <command> [flags]

Commands:
  run        Capture continuously and write to the configured sinks
  validate   Load and validate a config file without opening the device
  measure    Take block captures and print the mean voltage per channel
  list       List PicoScope units on the USB bus
  dump       Print a journal as "timestamp channel volts" lines
  replay     Write journaled batches into the configured sinks
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  picoscope-edge run -config ./data/config.yaml
  picoscope-edge measure -config ./data/config.yaml -samples 10 -count 0 -every 5s
  picoscope-edge dump -dir ./data/journal > pressure.log
  picoscope-edge replay -config ./data/config.yaml -dir ./data/journal
  picoscope-edge stats -url http://localhost:9100/metrics -interval 1s
`)
}
