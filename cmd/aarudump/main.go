// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// aarudump acquires a medium into a flat image file, retries its bad
// blocks, verifies the result and reports the partition layout.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/retokromer/Aaru/device"
	"github.com/retokromer/Aaru/dump"
	"github.com/retokromer/Aaru/image"
	"github.com/retokromer/Aaru/partmeta"
	"github.com/retokromer/Aaru/verify"
)

func main() {
	root := &cobra.Command{
		Use:   "aarudump",
		Short: "Resumable forensic media acquisition",
	}

	root.AddCommand(dumpCmd(), verifyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}

	return zap.NewProduction()
}

//nolint:gocognit
func dumpCmd() *cobra.Command {
	var (
		output, resumePath string
		sidecarPath        string
		blockSize          uint64
		chunkSize          uint64
		retryPasses        int
		persistent         bool
		stopOnError        bool
		skipVerify         bool
		verbose            bool
	)

	cmd := &cobra.Command{
		Use:   "dump <source>",
		Short: "Acquire a file or block device into a flat image",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			logger, err := newLogger(verbose)
			if err != nil {
				return err
			}

			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dev, err := device.OpenFile(args[0], blockSize)
			if err != nil {
				return err
			}

			defer dev.Close() //nolint:errcheck

			im, err := image.Create(output, blockSize)
			if err != nil {
				return err
			}

			defer im.Close() //nolint:errcheck

			opts := []dump.Option{
				dump.WithLogger(logger),
				dump.WithChunkSize(chunkSize),
				dump.WithMaxRetryPasses(retryPasses),
				dump.WithResumePath(resumePath),
				dump.WithProgress(func(p dump.Progress) {
					fmt.Fprintf(os.Stderr, "\r%d/%d blocks (%.1f MiB/s)   ",
						p.LBA, p.Total, p.BytesPerSecond/(1024*1024))
				}),
			}

			if persistent {
				opts = append(opts, dump.WithPersistentRecovery())
			}

			if stopOnError {
				opts = append(opts, dump.WithStopOnError())
			}

			s, err := dump.New(dev, im, dev.Identity(), dev.TotalBlocks(), blockSize, opts...)
			if err != nil {
				return err
			}

			outcome, err := s.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stderr)

			if outcome == dump.OutcomeCancelled {
				fmt.Printf("acquisition cancelled at block %d/%d, resume with the same ledger\n",
					s.NextBlock(), dev.TotalBlocks())

				return nil
			}

			if outcome, err = s.Recover(ctx); err != nil {
				return err
			}

			if residual := s.BadBlocks(); len(residual) > 0 {
				fmt.Printf("%d blocks remain unreadable\n", len(residual))
			}

			if outcome == dump.OutcomeCancelled || skipVerify {
				return nil
			}

			result, err := verify.Verify(ctx, im, dev.TotalBlocks(), blockSize,
				verify.WithLogger(logger))
			if err != nil {
				return err
			}

			if result.Complete {
				fmt.Printf("sha256: %s\ncrc32c: %08x\n", hex.EncodeToString(result.SHA256[:]), result.CRC32C)
			} else {
				fmt.Printf("verification incomplete, covered %d blocks (not an integrity verdict)\n",
					result.PrefixBlocks)
			}

			// enrichment is best effort and never fails the dump
			parts, err := partmeta.Partitions(im, dev.TotalBlocks(), blockSize,
				partmeta.WithLogger(logger))
			if err != nil {
				logger.Warn("partition probing failed", zap.Error(err))

				parts = nil
			}

			for _, p := range parts {
				fmt.Printf("partition %d (%s): %d bytes at %d\n", p.Index, p.Scheme, p.Length, p.Start)
			}

			if sidecarPath == "" {
				sidecarPath = output + ".json"
			}

			if err = writeSidecar(sidecarPath, dev.Identity(), s, result, parts); err != nil {
				logger.Warn("writing sidecar failed", zap.Error(err))
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "dump.img", "output image path")
	cmd.Flags().StringVar(&resumePath, "resume", "", "resume ledger path (enables interruption-safe restarts)")
	cmd.Flags().StringVar(&sidecarPath, "sidecar", "", "metadata sidecar path (defaults to <output>.json)")
	cmd.Flags().Uint64Var(&blockSize, "block-size", 512, "logical block size in bytes")
	cmd.Flags().Uint64Var(&chunkSize, "chunk-size", 64, "blocks per bulk read")
	cmd.Flags().IntVar(&retryPasses, "retry-passes", 5, "recovery passes over bad blocks")
	cmd.Flags().BoolVar(&persistent, "persistent-recovery", false, "escalate to hardware persistent-recovery mode")
	cmd.Flags().BoolVar(&stopOnError, "stop-on-error", false, "abort the run on the first read failure")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "skip the checksum pass")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	return cmd
}

func verifyCmd() *cobra.Command {
	var (
		blockSize uint64
		window    uint64
		verbose   bool
	)

	cmd := &cobra.Command{
		Use:   "verify <image>",
		Short: "Checksum an existing image",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			logger, err := newLogger(verbose)
			if err != nil {
				return err
			}

			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dev, err := device.OpenFile(args[0], blockSize)
			if err != nil {
				return err
			}

			defer dev.Close() //nolint:errcheck

			result, err := verify.Verify(ctx, dev, dev.TotalBlocks(), blockSize,
				verify.WithLogger(logger), verify.WithWindow(window))
			if err != nil {
				return err
			}

			if !result.Complete {
				fmt.Printf("verification incomplete, covered %d blocks (not an integrity verdict)\n",
					result.PrefixBlocks)

				return nil
			}

			fmt.Printf("sha256: %s\ncrc32c: %08x\n", hex.EncodeToString(result.SHA256[:]), result.CRC32C)

			return nil
		},
	}

	cmd.Flags().Uint64Var(&blockSize, "block-size", 512, "logical block size in bytes")
	cmd.Flags().Uint64Var(&window, "window", verify.DefaultWindow, "blocks per verification read")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	return cmd
}
