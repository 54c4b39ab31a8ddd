package main

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/task-sync/internal/client/session"
	"github.com/BuzzLyutic/task-sync/internal/worker"
)

func watchCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print the task list whenever it changes",
		Args:  cobra.NoArgs,
		RunE: withApp(v, true, func(cmd *cobra.Command, a *app, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sess := session.New(a.api.WebSocketURL(), a.api, a.store, a.queue, a.logger)
			a.monitor.OnChange(func(online bool) {
				if online {
					sess.NotifyOnline()
				}
			})

			pool := worker.NewPool(a.logger,
				a.monitor.Job(v.GetDuration(keyProbeInterval)),
				a.tasks.SyncJob(v.GetDuration(keyRefreshInterval)),
			)
			pool.Start(ctx)
			defer pool.Stop()

			if _, err := a.tasks.Sync(ctx); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "initial sync failed:", err)
			}

			snapshots, cancel := a.tasks.Watch(ctx)
			defer cancel()
			states, cancelStates := sess.Subscribe()
			defer cancelStates()

			done := make(chan error, 1)
			go func() { done <- sess.Run(ctx) }()

			out := cmd.OutOrStdout()
			for {
				select {
				case list := <-snapshots:
					fmt.Fprintln(out)
					printTasks(out, list)
				case st := <-states:
					a.logger.Debug("session state", zap.Stringer("state", st))
				case err := <-done:
					if errors.Is(err, session.ErrUnauthorized) {
						return errors.New("the server rejected the saved token, run `tasksync login` again")
					}
					return err
				case <-ctx.Done():
					_ = sess.Close()
					return <-done
				}
			}
		}),
	}
}
