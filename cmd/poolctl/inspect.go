package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/handlepool/pool"
)

var (
	inspectBlocks bool
	inspectVerify bool
)

func init() {
	cmd := newInspectCmd()
	cmd.Flags().BoolVar(&inspectBlocks, "blocks", false, "List every block with its payload checksum")
	cmd.Flags().BoolVar(&inspectVerify, "verify", false, "Only verify the snapshot and report the result")
	rootCmd.AddCommand(cmd)
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <snapshot>",
		Short: "Show the arena stored in a snapshot",
		Long: `The inspect command restores a snapshot written by "poolctl simulate --out"
(or Pool.WriteSnapshot) into a scratch pool, verifies its block chain and
prints the arena statistics.

Example:
  poolctl inspect arena.snap
  poolctl inspect arena.snap --blocks
  poolctl inspect arena.snap --verify --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runInspect(ctx, args[0])
		},
	}
	return cmd
}

type blockRow struct {
	Offset   int         `json:"offset"`
	Handle   pool.Handle `json:"handle,omitempty"`
	Size     int         `json:"size"`
	State    string      `json:"state"`
	Checksum string      `json:"checksum,omitempty"`
}

type inspectResult struct {
	Path   string      `json:"path"`
	Valid  bool        `json:"valid"`
	Error  string      `json:"error,omitempty"`
	Stats  *pool.Stats `json:"stats,omitempty"`
	Blocks []blockRow  `json:"blocks,omitempty"`
}

func runInspect(ctx context.Context, path string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	printVerbose("Restoring snapshot: %s\n", path)
	res := inspectResult{Path: path}
	p, err := pool.Restore(ctx, f, pool.ModeGrowable, pool.WithLogger(logger))
	if err == nil {
		defer p.Destroy()
		err = p.Verify()
	}
	if err != nil {
		res.Error = err.Error()
		if jsonOut {
			_ = printJSON(res)
		}
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	res.Valid = true

	if !inspectVerify {
		st, err := p.Stats()
		if err != nil {
			return err
		}
		res.Stats = &st
	}
	if inspectBlocks && !inspectVerify {
		if res.Blocks, err = blockRows(p); err != nil {
			return err
		}
	}

	if jsonOut {
		return printJSON(res)
	}
	printInspectResult(res)
	return nil
}

func blockRows(p *pool.Pool) ([]blockRow, error) {
	blocks, err := p.Blocks()
	if err != nil {
		return nil, err
	}
	rows := make([]blockRow, 0, len(blocks))
	for _, b := range blocks {
		row := blockRow{Offset: b.Offset, Handle: b.Handle, Size: b.Size, State: "free"}
		if !b.Free() {
			row.State = "allocated"
			sum, err := p.Checksum(b.Handle)
			if err != nil {
				return nil, err
			}
			row.Checksum = fmt.Sprintf("%016x", sum)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func printInspectResult(r inspectResult) {
	printInfo("\nSnapshot: %s\n", r.Path)
	printInfo("  ✓ Block chain valid\n")
	if r.Stats == nil {
		return
	}
	s := r.Stats
	printInfo("  Capacity: %s, alignment %d bits\n", formatBytes(s.Capacity), s.Alignment)
	printInfo("  Blocks: %d (%d allocated, %d free)\n", s.Blocks, s.AllocatedBlocks, s.FreeBlocks)
	printInfo("  Used: %s, free: %s (largest %s)\n",
		formatBytes(s.UsedTotal), formatBytes(s.AvailableTotal), formatBytes(s.AvailableLargest))
	printInfo("  Next handle: %d\n", s.NextHandle)

	if len(r.Blocks) == 0 {
		return
	}
	printInfo("\n  %10s  %10s  %10s  %-9s  %s\n", "OFFSET", "HANDLE", "SIZE", "STATE", "XXHASH")
	for _, b := range r.Blocks {
		printInfo("  %10d  %10d  %10d  %-9s  %s\n", b.Offset, b.Handle, b.Size, b.State, b.Checksum)
	}
}
