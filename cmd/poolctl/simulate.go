package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/joshuapare/handlepool/pool"
	"github.com/joshuapare/handlepool/pool/arena"
	"github.com/joshuapare/handlepool/pool/metrics"
)

type simulateOptions struct {
	mode        string
	size        int
	ops         int
	maxAlloc    int
	seed        uint64
	defrag      string
	defragRate  float64
	expand      bool
	bestFit     bool
	file        string
	out         string
	metricsAddr string
	hold        bool
}

func init() {
	rootCmd.AddCommand(newSimulateCmd())
}

func newSimulateCmd() *cobra.Command {
	var o simulateOptions
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a randomized workload and verify payload integrity",
		Long: `The simulate command allocates, writes, resizes and frees blocks at random,
checking every live payload against its xxhash after the run. Compaction and
growth move payloads around; any corruption fails the command.

Example:
  poolctl simulate --size 65536 --ops 100000
  poolctl simulate --mode growable --expand --defrag allocate,free
  poolctl simulate --mode file --file arena.bin --out arena.snap
  poolctl simulate --metrics-addr :9090 --hold`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), o)
		},
	}
	cmd.Flags().StringVar(&o.mode, "mode", "fixed", "Arena mode (fixed, growable, file)")
	cmd.Flags().IntVar(&o.size, "size", 64<<10, "Initial arena size in bytes")
	cmd.Flags().IntVar(&o.ops, "ops", 10000, "Number of operations")
	cmd.Flags().IntVar(&o.maxAlloc, "max-alloc", 512, "Largest allocation in bytes")
	cmd.Flags().Uint64Var(&o.seed, "seed", 1, "Random seed")
	cmd.Flags().StringVar(&o.defrag, "defrag", "", "Compaction events (allocate,free,acquire,release,resize or all)")
	cmd.Flags().Float64Var(&o.defragRate, "defrag-rate", 0, "Max event-triggered passes per second (0 = unlimited)")
	cmd.Flags().BoolVar(&o.expand, "expand", false, "Allow the arena to grow")
	cmd.Flags().BoolVar(&o.bestFit, "best-fit", false, "Use best-fit instead of first-fit")
	cmd.Flags().StringVar(&o.file, "file", "", "Backing file for --mode file")
	cmd.Flags().StringVar(&o.out, "out", "", "Write a snapshot of the final arena to this path")
	cmd.Flags().StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&o.hold, "hold", false, "Keep serving metrics after the run until interrupted")
	return cmd
}

// simResult is the summary printed after a run.
type simResult struct {
	Ops      int        `json:"ops"`
	Failures int        `json:"allocation_failures"`
	Live     int        `json:"live_blocks"`
	Verified int        `json:"verified_blocks"`
	Elapsed  string     `json:"elapsed"`
	Stats    pool.Stats `json:"stats"`
	Snapshot string     `json:"snapshot,omitempty"`
	Remaps   int        `json:"remaps_observed"`
}

type liveBlock struct {
	n   int
	sum uint64
}

func runSimulate(ctx context.Context, o simulateOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mode, ok := arena.ParseMode(o.mode)
	if !ok {
		return fmt.Errorf("unknown mode %q", o.mode)
	}
	if o.maxAlloc <= 0 || o.ops < 0 {
		return fmt.Errorf("--max-alloc and --ops must be positive")
	}
	events, err := arena.ParseEvent(o.defrag)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	var remaps int
	opts := []pool.Option{
		pool.WithLogger(logger),
		pool.WithExpand(o.expand),
		pool.WithDefrag(events),
		pool.WithOnRemap(func(m pool.AddressMap) {
			remaps++
			printVerbose("arena moved: %d blocks relocated\n", len(m.Entries))
		}),
	}
	if o.bestFit {
		opts = append(opts, pool.WithFit(pool.FitBest))
	}
	if o.defragRate > 0 {
		opts = append(opts, pool.WithDefragRate(rate.Limit(o.defragRate), 1))
	}
	if mode == pool.ModeFile {
		opts = append(opts, pool.WithFile(o.file))
	}

	p, err := pool.New(mode, o.size, opts...)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	defer p.Destroy()

	if o.metricsAddr != "" {
		stop, err := serveMetrics(o.metricsAddr, p)
		if err != nil {
			return err
		}
		defer stop()
	}

	printVerbose("Running %d operations on a %s %s arena\n", o.ops, formatBytes(p.Capacity()), mode)
	start := time.Now()
	live, failures, err := workload(ctx, p, o)
	if err != nil {
		return err
	}
	verified, err := verifyAll(p, live)
	if err != nil {
		return err
	}
	if err := p.Verify(); err != nil {
		return fmt.Errorf("arena verification failed: %w", err)
	}

	res := simResult{
		Ops:      o.ops,
		Failures: failures,
		Live:     len(live),
		Verified: verified,
		Elapsed:  time.Since(start).Round(time.Millisecond).String(),
		Remaps:   remaps,
	}
	if res.Stats, err = p.Stats(); err != nil {
		return err
	}
	if mode == pool.ModeFile {
		if err := p.Flush(ctx); err != nil {
			return err
		}
	}
	if o.out != "" {
		if err := writeSnapshot(ctx, p, o.out); err != nil {
			return err
		}
		res.Snapshot = o.out
	}

	if jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printSimResult(res)
	}

	if o.hold && o.metricsAddr != "" {
		printInfo("Serving metrics on %s, interrupt to exit\n", o.metricsAddr)
		ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
		defer cancel()
		<-ctx.Done()
	}
	return nil
}

// workload runs o.ops random operations and returns the live blocks with
// the checksum of the bytes written to each.
func workload(ctx context.Context, p *pool.Pool, o simulateOptions) (map[pool.Handle]liveBlock, int, error) {
	rng := rand.New(rand.NewPCG(o.seed, o.seed^0x9e3779b97f4a7c15))
	live := map[pool.Handle]liveBlock{}
	var order []pool.Handle
	failures := 0

	for i := 0; i < o.ops; i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}
		switch op := rng.IntN(10); {
		case op < 5 || len(order) == 0:
			n := 1 + rng.IntN(o.maxAlloc)
			h, err := p.Allocate(n)
			if err != nil {
				if pool.KindOf(err) != pool.KindResourceExhausted {
					return nil, 0, err
				}
				failures++
				continue
			}
			sum, err := fill(p, h, n, rng)
			if err != nil {
				return nil, 0, err
			}
			live[h] = liveBlock{n: n, sum: sum}
			order = append(order, h)
		case op < 8:
			idx := rng.IntN(len(order))
			h := order[idx]
			if err := p.Free(h); err != nil {
				return nil, 0, err
			}
			delete(live, h)
			order[idx] = order[len(order)-1]
			order = order[:len(order)-1]
		default:
			h := order[rng.IntN(len(order))]
			n := 1 + rng.IntN(o.maxAlloc)
			if _, err := p.Resize(h, n); err != nil {
				if pool.KindOf(err) == pool.KindResourceExhausted || errors.Is(err, pool.ErrResizeTooSmall) {
					continue
				}
				return nil, 0, err
			}
			if n < live[h].n {
				// Only the kept prefix can still be checked.
				sum, err := checksum(p, h, n)
				if err != nil {
					return nil, 0, err
				}
				live[h] = liveBlock{n: n, sum: sum}
			}
		}
	}
	return live, failures, nil
}

func fill(p *pool.Pool, h pool.Handle, n int, rng *rand.Rand) (uint64, error) {
	buf, err := p.Acquire(h)
	if err != nil {
		return 0, err
	}
	for i := range buf[:n] {
		buf[i] = byte(rng.Uint32())
	}
	sum := xxhash.Sum64(buf[:n])
	return sum, p.Release(h)
}

func checksum(p *pool.Pool, h pool.Handle, n int) (uint64, error) {
	buf, err := p.Acquire(h)
	if err != nil {
		return 0, err
	}
	sum := xxhash.Sum64(buf[:n])
	return sum, p.Release(h)
}

func verifyAll(p *pool.Pool, live map[pool.Handle]liveBlock) (int, error) {
	for h, b := range live {
		sum, err := checksum(p, h, b.n)
		if err != nil {
			return 0, fmt.Errorf("block %d: %w", h, err)
		}
		if sum != b.sum {
			return 0, fmt.Errorf("block %d: payload checksum %#x, wrote %#x", h, sum, b.sum)
		}
	}
	return len(live), nil
}

func writeSnapshot(ctx context.Context, p *pool.Pool, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if err := p.WriteSnapshot(ctx, f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return f.Close()
}

// serveMetrics exposes p on addr/metrics until the returned stop is called.
func serveMetrics(addr string, p *pool.Pool) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector(p, "poolctl", nil)); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

func printSimResult(r simResult) {
	s := r.Stats
	printInfo("\nSimulation:\n")
	printInfo("  Operations: %d (%d allocation failures)\n", r.Ops, r.Failures)
	printInfo("  Live blocks: %d, verified: %d\n", r.Live, r.Verified)
	printInfo("  Elapsed: %s\n", r.Elapsed)
	printInfo("\nArena:\n")
	printInfo("  Mode: %s, capacity %s\n", s.Mode, formatBytes(s.Capacity))
	printInfo("  Used: %s in %d blocks (largest %s)\n",
		formatBytes(s.UsedTotal), s.AllocatedBlocks, formatBytes(s.UsedLargest))
	printInfo("  Free: %s in %d blocks (largest %s)\n",
		formatBytes(s.AvailableTotal), s.FreeBlocks, formatBytes(s.AvailableLargest))
	printInfo("  Fragmentation: %.1f%%\n", s.Fragmentation*100)
	printInfo("\nActivity:\n")
	printInfo("  Compaction: %d passes, %d moves, %d shifts, %d throttled\n",
		s.Passes, s.Moves, s.Shifts, s.ThrottledPasses)
	printInfo("  Growth: %d steps, %d remaps\n", s.Grows, r.Remaps)
	if r.Snapshot != "" {
		printInfo("  Snapshot: %s\n", r.Snapshot)
	}
}
