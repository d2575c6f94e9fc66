package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/srg/blepool/config"
	"github.com/srg/blepool/device"
	"github.com/srg/blepool/device/sim"
	"github.com/srg/blepool/opqueue"
	"github.com/srg/blepool/pool"
	"github.com/srg/blepool/retry"
)

// stressCmd represents the stress command
var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Stress the connection core against a simulated fleet",
	Long: `Run the pool, operation queue, and retry engine against a fleet of
simulated peripherals.

Peripherals fail their first dials, links drop mid-run, and more
peripherals exist than the pool admits, so the run exercises backoff,
auto-reconnect, per-key serialization, and capacity rejection together.
The summary reports what happened and whether the pool invariants held.`,
	RunE: runStress,
}

var (
	stressPeripherals  int
	stressMaxConns     int
	stressOps          int
	stressDropInterval time.Duration
	stressConfigPath   string
)

func init() {
	stressCmd.Flags().IntVarP(&stressPeripherals, "peripherals", "p", 8, "Number of simulated peripherals")
	stressCmd.Flags().IntVarP(&stressMaxConns, "max-connections", "m", 0, "Pool capacity (0 uses the config default)")
	stressCmd.Flags().IntVarP(&stressOps, "ops", "o", 25, "Operations per connected peripheral")
	stressCmd.Flags().DurationVar(&stressDropInterval, "drop-interval", 150*time.Millisecond, "Interval between injected link drops (0 disables)")
	stressCmd.Flags().StringVarP(&stressConfigPath, "config", "c", "", "YAML config file")
}

var (
	bold   = color.New(color.Bold)
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
)

// stressStats aggregates counters across workers and event subscribers.
type stressStats struct {
	attempted          atomic.Int64
	succeeded          atomic.Int64
	failed             atomic.Int64
	retries            atomic.Int64
	drops              atomic.Int64
	connectEvents      atomic.Int64
	capacityRejections atomic.Int64
}

func runStress(cmd *cobra.Command, args []string) error {
	if stressPeripherals < 1 {
		return fmt.Errorf("need at least one peripheral, got %d", stressPeripherals)
	}
	if stressOps < 1 {
		return fmt.Errorf("need at least one operation per peripheral, got %d", stressOps)
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if stressConfigPath != "" {
		if cfg, err = config.Load(stressConfigPath); err != nil {
			return err
		}
	}
	if stressMaxConns > 0 {
		cfg.MaxConnections = stressMaxConns
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Fleet: every third peripheral needs a few dials before it answers,
	// so connects and reconnects both go through the retry engine.
	adapter := sim.NewAdapter(nil, logger)
	addresses := make([]string, stressPeripherals)
	for i := range addresses {
		addresses[i] = fmt.Sprintf("SIM:%02X", i)
		per := &sim.Peripheral{
			Address:         addresses[i],
			Name:            fmt.Sprintf("stress-%d", i),
			ConnectLatency:  2 * time.Millisecond,
			ExchangeLatency: time.Millisecond,
			Payload:         []byte("ack"),
		}
		if i%3 == 0 {
			per.FailConnects = 2
		}
		adapter.AddPeripheral(per)
	}

	retryCfg := cfg.Retry
	retryCfg.InitialDelay = 5 * time.Millisecond
	retryCfg.MaxDelay = 50 * time.Millisecond
	retryCfg.Jitter = true

	var stats stressStats
	retryCfg.OnRetry = func(int, time.Duration, error) {
		stats.retries.Add(1)
	}

	p, err := pool.New(adapter, &pool.Config{
		MaxConnections: cfg.MaxConnections,
		AutoReconnect:  cfg.AutoReconnect,
		Reconnect:      retryCfg,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer p.DisconnectAll()

	p.OnConnect(func(pool.Event) { stats.connectEvents.Add(1) })

	queue := opqueue.New(logger)
	defer queue.Clear()

	// Dial the whole fleet; the peripherals beyond capacity are expected
	// to bounce off admission.
	var connected []string
	for _, addr := range addresses {
		_, err := retry.Do(ctx, &retryCfg, func(ctx context.Context) (device.Session, error) {
			return p.Connect(ctx, &device.ConnectOptions{Address: addr, ConnectTimeout: cfg.ConnectTimeout})
		})
		switch {
		case errors.Is(err, pool.ErrCapacityExceeded):
			stats.capacityRejections.Add(1)
		case err != nil:
			return fmt.Errorf("dial %q: %w", addr, err)
		default:
			connected = append(connected, addr)
		}
	}
	initialConnects := stats.connectEvents.Load()

	// Link dropper: forces unexpected disconnects round-robin while the
	// workers run, exercising auto-reconnect under load.
	dropCtx, stopDrops := context.WithCancel(ctx)
	defer stopDrops()
	if stressDropInterval > 0 {
		go func() {
			ticker := time.NewTicker(stressDropInterval)
			defer ticker.Stop()
			i := 0
			for {
				select {
				case <-dropCtx.Done():
					return
				case <-ticker.C:
					addr := connected[i%len(connected)]
					i++
					if adapter.TriggerDisconnect(addr, errors.New("link lost: injected drop")) {
						stats.drops.Add(1)
					}
				}
			}
		}()
	}

	// Workers: one per connected peripheral, each funneling exchanges
	// through the queue (per-key FIFO) and the retry engine (drop
	// recovery while the pool reconnects in the background).
	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range connected {
		addr := addr
		g.Go(func() error {
			for i := 0; i < stressOps; i++ {
				stats.attempted.Add(1)
				_, err := opqueue.Enqueue(gctx, queue, addr, func(ctx context.Context) ([]byte, error) {
					return retry.Do(ctx, &retryCfg, func(ctx context.Context) ([]byte, error) {
						return exchangeOnce(ctx, p, addr, i)
					})
				})
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					stats.failed.Add(1)
					continue
				}
				stats.succeeded.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	stopDrops()

	// Let in-flight reconnects settle before judging the invariants.
	settleDeadline := time.Now().Add(2 * time.Second)
	for p.ReconnectingCount() > 0 && time.Now().Before(settleDeadline) {
		time.Sleep(10 * time.Millisecond)
	}

	// One more over-capacity probe against the settled pool.
	if p.ConnectionCount() == p.MaxConnections() {
		extra := fmt.Sprintf("SIM:%02X", stressPeripherals)
		adapter.AddPeripheral(&sim.Peripheral{Address: extra})
		if _, err := p.Connect(ctx, &device.ConnectOptions{Address: extra}); errors.Is(err, pool.ErrCapacityExceeded) {
			stats.capacityRejections.Add(1)
		}
	}

	printSummary(p, &stats, initialConnects)
	return nil
}

// exchangeOnce performs a single request/response against the pooled
// session for addr. A missing session means the link is down and the pool
// is (or will be) reconnecting; the error reads as transient so the retry
// engine keeps the operation alive across the gap.
func exchangeOnce(ctx context.Context, p *pool.Pool, addr string, seq int) ([]byte, error) {
	session, ok := p.GetSession(addr)
	if !ok {
		return nil, fmt.Errorf("connection lost: %q not in pool", addr)
	}
	exchanger, ok := session.(device.Exchanger)
	if !ok {
		return nil, fmt.Errorf("%w: session %q cannot exchange", device.ErrUnsupported, addr)
	}
	return exchanger.Exchange(ctx, []byte(fmt.Sprintf("op-%d", seq)))
}

func printSummary(p *pool.Pool, stats *stressStats, initialConnects int64) {
	reconnects := stats.connectEvents.Load() - initialConnects

	bold.Println("\nStress summary")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Pool capacity\t%d\n", p.MaxConnections())
	fmt.Fprintf(w, "Live connections\t%d\n", p.ConnectionCount())
	fmt.Fprintf(w, "Ops attempted\t%d\n", stats.attempted.Load())
	fmt.Fprintf(w, "Ops succeeded\t%d\n", stats.succeeded.Load())
	fmt.Fprintf(w, "Ops failed\t%d\n", stats.failed.Load())
	fmt.Fprintf(w, "Retries\t%d\n", stats.retries.Load())
	fmt.Fprintf(w, "Injected drops\t%d\n", stats.drops.Load())
	fmt.Fprintf(w, "Reconnects\t%d\n", reconnects)
	fmt.Fprintf(w, "Capacity rejections\t%d\n", stats.capacityRejections.Load())
	w.Flush()

	if stats.failed.Load() > 0 {
		yellow.Printf("%d operations failed after retries\n", stats.failed.Load())
	}

	live := p.ConnectionCount()
	snapshot := len(p.Sessions())
	switch {
	case live != snapshot:
		red.Printf("INVARIANT VIOLATION: connection count %d != session snapshot %d\n", live, snapshot)
	case live > p.MaxConnections():
		red.Printf("INVARIANT VIOLATION: %d live connections exceed capacity %d\n", live, p.MaxConnections())
	default:
		green.Println("Pool invariants held")
	}
}
