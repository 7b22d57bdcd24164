package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ndrewnee/taskrouter-worker-sdk-go/pkg/taskrouter"
)

func runCmd() *cobra.Command {
	var autoAccept bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and print worker events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			cmd.SetContext(ctx)

			out := cmd.OutOrStdout()
			w, err := session(cmd, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := w.Close(); err != nil {
					fmt.Fprintln(os.Stderr, "close:", err)
				}
			}()

			printEvents(out, w, autoAccept)
			fmt.Fprintf(out, "worker %s ready in activity %s\n", w.Sid(), activityName(w.Activity()))

			<-ctx.Done()
			fmt.Fprintln(out, "shutting down")
			return nil
		},
	}
	cmd.Flags().String("connect-activity", "", "activity sid to switch to once connected")
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "accept every pending reservation")
	return cmd
}

// printEvents writes one line per worker and reservation event to out.
func printEvents(out io.Writer, w *taskrouter.Worker, autoAccept bool) {
	stamp := func() string { return time.Now().Format("15:04:05") }

	w.Observe(taskrouter.WorkerCallbacks{
		OnConnected:    func() { fmt.Fprintf(out, "%s connected\n", stamp()) },
		OnDisconnected: func(reason string) { fmt.Fprintf(out, "%s disconnected: %s\n", stamp(), reason) },
		OnError:        func(err error) { fmt.Fprintf(out, "%s error: %v\n", stamp(), err) },
		OnTokenExpired: func() { fmt.Fprintf(out, "%s token expired; restart with a fresh token\n", stamp()) },
		OnActivityUpdated: func(a *taskrouter.Activity) {
			fmt.Fprintf(out, "%s activity -> %s\n", stamp(), activityName(a))
		},
		OnAttributesUpdated: func(attrs taskrouter.Attributes) {
			fmt.Fprintf(out, "%s attributes -> %s\n", stamp(), attrs)
		},
		OnReservationFailed: func(r *taskrouter.Reservation) {
			fmt.Fprintf(out, "%s reservation %s failed\n", stamp(), r.Sid())
		},
		OnReservationCreated: func(r *taskrouter.Reservation) {
			fmt.Fprintf(out, "%s reservation %s created for task %s\n", stamp(), r.Sid(), r.TaskSid())
			r.Observe(taskrouter.ReservationCallbacks{
				OnAccepted:  func(r *taskrouter.Reservation) { fmt.Fprintf(out, "%s reservation %s accepted\n", stamp(), r.Sid()) },
				OnRejected:  func(r *taskrouter.Reservation) { fmt.Fprintf(out, "%s reservation %s rejected\n", stamp(), r.Sid()) },
				OnTimeout:   func(r *taskrouter.Reservation) { fmt.Fprintf(out, "%s reservation %s timed out\n", stamp(), r.Sid()) },
				OnCanceled:  func(r *taskrouter.Reservation) { fmt.Fprintf(out, "%s reservation %s canceled\n", stamp(), r.Sid()) },
				OnRescinded: func(r *taskrouter.Reservation) { fmt.Fprintf(out, "%s reservation %s rescinded\n", stamp(), r.Sid()) },
				OnWrapup:    func(r *taskrouter.Reservation) { fmt.Fprintf(out, "%s reservation %s wrapping\n", stamp(), r.Sid()) },
				OnCompleted: func(r *taskrouter.Reservation) { fmt.Fprintf(out, "%s reservation %s completed\n", stamp(), r.Sid()) },
			})
			if autoAccept {
				// Callbacks run on the event dispatcher; commands go elsewhere.
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := r.Accept(ctx); err != nil {
						fmt.Fprintf(out, "%s accept %s: %v\n", stamp(), r.Sid(), err)
					}
				}()
			}
		},
	})
}

func activitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activities",
		Short: "List workspace activities",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := session(cmd, nil)
			if err != nil {
				return err
			}
			defer w.Close()

			renderActivities(cmd.OutOrStdout(), w.Activities())
			return nil
		},
	}
}

func reservationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reservations",
		Short: "List the worker's active reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := session(cmd, nil)
			if err != nil {
				return err
			}
			defer w.Close()

			renderReservations(cmd.OutOrStdout(), w.Reservations())
			return nil
		},
	}
}

func setActivityCmd() *cobra.Command {
	var rejectPending bool
	cmd := &cobra.Command{
		Use:   "set-activity <activity-sid>",
		Short: "Move the worker to another activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := session(cmd, nil)
			if err != nil {
				return err
			}
			defer w.Close()

			err = w.SetActivity(cmd.Context(), args[0], taskrouter.SetActivityOptions{
				RejectPendingReservations: rejectPending,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %s is now %s (available: %t)\n",
				w.Sid(), activityName(w.Activity()), w.Available())
			return nil
		},
	}
	cmd.Flags().BoolVar(&rejectPending, "reject-pending", false, "reject pending reservations")
	return cmd
}

func renderActivities(out io.Writer, activities []*taskrouter.Activity) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Sid", "Name", "Available", "Current"})
	for _, a := range activities {
		current := ""
		if a.IsCurrent() {
			current = "*"
		}
		tw.AppendRow(table.Row{a.Sid(), a.Name(), a.Available(), current})
	}
	tw.Render()
}

func renderReservations(out io.Writer, reservations []*taskrouter.Reservation) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"Sid", "Status", "Task", "Task Status", "Queue", "Created"})
	for _, r := range reservations {
		var taskStatus, queue string
		if t := r.Task(); t != nil {
			taskStatus = string(t.Status())
			queue = t.QueueName()
		}
		tw.AppendRow(table.Row{
			r.Sid(), r.Status(), r.TaskSid(), taskStatus, queue,
			r.DateCreated().Format(time.RFC3339),
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "Total", len(reservations)})
	tw.Render()
}

func activityName(a *taskrouter.Activity) string {
	if a == nil {
		return "(unknown)"
	}
	return a.Name()
}
