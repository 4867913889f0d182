// Command nachos drives the kernel packages offline, the way chentry
// drives biscuit's ELF header directly: no simulated MIPS processor runs
// here, so these subcommands stop at building address spaces and
// process-table state and printing what they produced.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"nachos/diag"
	"nachos/hostfs"
	"nachos/mem"
	"nachos/proc"
)

const defaultFrames = 256

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nachos",
		Short:        "Load MIPS user programs against the teaching kernel and inspect the result",
		SilenceUsage: true,
	}
	root.AddCommand(newLoadCmd(), newFramesCmd(), newPsCmd())
	return root
}

// scratchKernel builds a throwaway allocator, memory, process table, and
// stdio console, enough to exec a handful of ELF binaries for inspection.
func scratchKernel(numFrames int) (*mem.Allocator, *mem.Memory, *proc.Table, *hostfs.StdioConsole) {
	alloc := mem.NewAllocator(numFrames)
	mm := mem.NewMemory(numFrames)
	tbl := proc.NewTable(nil)
	console := hostfs.NewStdioConsole(os.Stdin, os.Stdout)
	return alloc, mm, tbl, console
}

func execAll(tbl *proc.Table, alloc *mem.Allocator, mm *mem.Memory, console *hostfs.StdioConsole, paths []string) error {
	for _, path := range paths {
		in, out := console.OpenForReading(), console.OpenForWriting()
		if _, err := proc.Exec(tbl, alloc, mm, 0, in, out, path, nil); err != 0 {
			return fmt.Errorf("exec %s: syscall error %d", path, err)
		}
	}
	return nil
}

func newLoadCmd() *cobra.Command {
	var numFrames int
	var pprofPath string
	cmd := &cobra.Command{
		Use:   "load <elf> [argv...]",
		Short: "Build one address space from an ELF32 binary and print its layout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, mm, tbl, console := scratchKernel(numFrames)
			in, out := console.OpenForReading(), console.OpenForWriting()

			p, err := proc.Exec(tbl, alloc, mm, 0, in, out, args[0], args[1:])
			if err != 0 {
				return fmt.Errorf("exec %s: syscall error %d", args[0], err)
			}

			fmt.Printf("pid=%d entry=0x%x sp=0x%x argc=%d argv=0x%x\n",
				p.Pid, p.AS.InitialPC, p.AS.InitialSP, p.AS.Argc, p.AS.Argv)
			fmt.Printf("frames free=%d/%d\n", alloc.FreeCount(), numFrames)

			if pprofPath == "" {
				return nil
			}
			f, ferr := os.Create(pprofPath)
			if ferr != nil {
				return ferr
			}
			defer f.Close()
			return diag.WriteFrameProfile(alloc, f)
		},
	}
	cmd.Flags().IntVar(&numFrames, "frames", defaultFrames, "physical frame count for the scratch kernel")
	cmd.Flags().StringVar(&pprofPath, "pprof", "", "write a pprof frame-ownership profile to this path")
	return cmd
}

func newFramesCmd() *cobra.Command {
	var numFrames int
	cmd := &cobra.Command{
		Use:   "frames <elf...>",
		Short: "Exec one process per ELF argument and print physical-frame ownership",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, mm, tbl, console := scratchKernel(numFrames)
			if err := execAll(tbl, alloc, mm, console, args); err != nil {
				return err
			}
			owners := alloc.Snapshot()
			for _, snap := range diag.ProcessSnapshots(tbl) {
				owned := 0
				for _, owner := range owners {
					if owner == snap.Pid {
						owned++
					}
				}
				fmt.Printf("pid=%d frames=%d\n", snap.Pid, owned)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&numFrames, "frames", defaultFrames, "physical frame count for the scratch kernel")
	return cmd
}

func newPsCmd() *cobra.Command {
	var numFrames int
	cmd := &cobra.Command{
		Use:   "ps <elf...>",
		Short: "Exec one process per ELF argument and print the resulting process table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, mm, tbl, console := scratchKernel(numFrames)
			if err := execAll(tbl, alloc, mm, console, args); err != nil {
				return err
			}
			for _, snap := range diag.ProcessSnapshots(tbl) {
				fmt.Printf("pid=%d parent=%d exited=%v abnormal=%v code=%d joined=%v\n",
					snap.Pid, snap.Parent, snap.Exited, snap.Abnormal, snap.ExitCode, snap.Joined)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&numFrames, "frames", defaultFrames, "physical frame count for the scratch kernel")
	return cmd
}
