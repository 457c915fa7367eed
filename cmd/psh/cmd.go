package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"nimbusos/kernel/proc"
	"nimbusos/kernel/sem"
	"nimbusos/kernel/syscall"
)

var rootCmd = &cobra.Command{
	Use:   "psh",
	Short: "Hosted control-plane shell for nimbusos's process manager.",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

var psCmd = &cobra.Command{
	Use:   "ps [names...]",
	Short: "Spawn the named synthetic processes and print the resulting process table.",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := newRuntime()
		if len(args) == 0 {
			args = []string{"init"}
		}
		for _, name := range args {
			if _, err := rt.spawn(name); err != nil {
				return err
			}
		}
		renderTable(cmd.OutOrStdout(), rt.mgr.Snapshot())
		return nil
	},
}

var spawnCmd = &cobra.Command{
	Use:   "spawn <name>",
	Short: "Spawn a single synthetic process and report its pid.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := newRuntime()
		pid, err := rt.spawn(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "spawned pid %d\n", pid)
		renderTable(cmd.OutOrStdout(), rt.mgr.Snapshot())
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <name>",
	Short: "Spawn a synthetic process, kill it immediately, and show the before/after table.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := newRuntime()
		pid, err := rt.spawn(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "before kill:")
		renderTable(cmd.OutOrStdout(), rt.mgr.Snapshot())

		if err := rt.mgr.Kill(pid); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "after kill:")
		renderTable(cmd.OutOrStdout(), rt.mgr.Snapshot())
		return nil
	},
}

var semCmd = &cobra.Command{
	Use:   "sem <key>",
	Short: "Walk through New/Down/Up on a semaphore shared by two synthetic processes.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyVal, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid semaphore key %q: %w", args[0], err)
		}
		key := sem.Key(keyVal)

		rt := newRuntime()
		producer, err := rt.spawn("producer")
		if err != nil {
			return err
		}
		// The consumer is forked from the producer so that both use the
		// producer's semaphore set.
		producerProc, perr := rt.mgr.Process(producer)
		if perr != nil {
			return perr
		}
		producerCtx := producerProc.Restore()
		consumer, ferr := rt.mgr.Fork(producer, &producerCtx)
		if ferr != nil {
			return ferr
		}

		var ctx proc.Context
		rt.gw.Dispatch(producer, &ctx, uint64(syscall.Sem), uint64(syscall.SemNew), uint64(key), 0)
		fmt.Fprintf(cmd.OutOrStdout(), "sem new key=%d -> %d\n", key, ctx.ReturnValue())

		blocked := rt.gw.Dispatch(consumer, &ctx, uint64(syscall.Sem), uint64(syscall.SemDown), uint64(key), 0)
		fmt.Fprintf(cmd.OutOrStdout(), "consumer down key=%d blocked=%v\n", key, blocked)
		renderTable(cmd.OutOrStdout(), rt.mgr.Snapshot())

		rt.gw.Dispatch(producer, &ctx, uint64(syscall.Sem), uint64(syscall.SemUp), uint64(key), 0)
		fmt.Fprintln(cmd.OutOrStdout(), "producer up: consumer should be ready again")
		renderTable(cmd.OutOrStdout(), rt.mgr.Snapshot())
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run a fork/wait walkthrough end to end: spawn, fork, wait on the child, child exit.",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := newRuntime()

		parent, err := rt.spawn("shell")
		if err != nil {
			return err
		}
		parentProc, perr := rt.mgr.Process(parent)
		if perr != nil {
			return perr
		}
		liveCtx := parentProc.Restore()

		var ctx proc.Context
		ctx = liveCtx
		rt.gw.Dispatch(parent, &ctx, uint64(syscall.Fork), 0, 0, 0)
		child := proc.ID(ctx.ReturnValue())
		fmt.Fprintf(cmd.OutOrStdout(), "forked child pid %d\n", child)

		blocked, _, werr := rt.mgr.WaitPid(parent, child)
		if werr != nil {
			return werr
		}
		fmt.Fprintf(cmd.OutOrStdout(), "parent waiting on child, blocked=%v\n", blocked)

		if err := rt.mgr.Exit(child, 0); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "child exited; parent should be woken")
		renderTable(cmd.OutOrStdout(), rt.mgr.Snapshot())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(psCmd, spawnCmd, killCmd, semCmd, execCmd)
}

// Execute runs the psh command tree, exiting the process with status 1 on
// error the way arctir-proctor's own cmd.SetupCommands does.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
