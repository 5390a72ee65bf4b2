package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hashstream/pces/pkg/pcesfs"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	var root string

	rootCmd := &cobra.Command{
		Use:   "pces",
		Short: "Inspect preconsensus event stream directories",
		Long:  "pces lists and verifies the segment files of a preconsensus event stream.",
	}
	rootCmd.PersistentFlags().StringVar(&root, "root", ".", "stream root directory")

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List discovered segments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLs(cmd.OutOrStdout(), cmd.ErrOrStderr(), root)
		},
	}
	rootCmd.AddCommand(lsCmd)

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify segment contiguity and scan every segment for readable events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.OutOrStdout(), root)
		},
	}
	rootCmd.AddCommand(verifyCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runLs(out, errOut io.Writer, root string) error {
	entries, err := pcesfs.ScanSegmentTree(root)
	if err != nil {
		return err
	}

	var segments []pcesfs.SegmentDescriptor
	for _, entry := range entries {
		if entry.Err != nil {
			fmt.Fprintf(errOut, "skipped %s: %v\n", entry.Path, entry.Err)
			continue
		}
		segments = append(segments, entry.Descriptor)
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].SequenceNumber() < segments[j].SequenceNumber()
	})

	for i, desc := range segments {
		if i > 0 {
			prev := segments[i-1]
			if desc.SequenceNumber() != prev.SequenceNumber()+1 {
				fmt.Fprintf(out, "--- GAP: sequence %d missing ---\n", prev.SequenceNumber()+1)
			}
			if desc.Origin() != prev.Origin() {
				fmt.Fprintf(out, "--- discontinuity: origin %d -> %d ---\n", prev.Origin(), desc.Origin())
			}
		}
		fmt.Fprintf(out, "seq=%-6d gens=[%d, %d] origin=%-6d %s\n",
			desc.SequenceNumber(), desc.MinimumGeneration(), desc.MaximumGeneration(), desc.Origin(), desc.Path())
	}

	fmt.Fprintf(out, "%d segments\n", len(segments))
	return nil
}

func runVerify(out io.Writer, root string) error {
	manager, err := pcesfs.NewSegmentManager(root)
	if err != nil {
		return err
	}

	total := 0
	for _, desc := range manager.Segments() {
		it, err := pcesfs.NewSegmentIterator(desc, 0)
		if err != nil {
			return fmt.Errorf("open %s: %w", desc, err)
		}

		count := 0
		for {
			if _, err := it.Next(); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				it.Close()
				return fmt.Errorf("scan %s: %w", desc, err)
			}
			count++
		}
		it.Close()

		fmt.Fprintf(out, "%s: %d events\n", desc.FileName(), count)
		total += count
	}

	for _, d := range manager.Discontinuities() {
		fmt.Fprintf(out, "discontinuity before seq=%d: origin %d -> %d\n",
			d.FirstSequenceNumber, d.PreviousOrigin, d.NewOrigin)
	}

	fmt.Fprintf(out, "%d segments, %d events, no sequence gaps\n", len(manager.Segments()), total)
	return nil
}
