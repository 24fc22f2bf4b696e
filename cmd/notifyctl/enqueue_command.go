package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/yurilozorio/rah-sub001/internal/opsapi/dto"
	"github.com/yurilozorio/rah-sub001/internal/worker/domain"
)

type scheduleFlags struct {
	at    string
	delay time.Duration
}

func (s *scheduleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.at, "at", "", "Run the job at this RFC 3339 time")
	cmd.Flags().DurationVar(&s.delay, "delay", 0, "Run the job after this delay (e.g. 90m)")
	cmd.MarkFlagsMutuallyExclusive("at", "delay")
}

func (s *scheduleFlags) apply(req *dto.EnqueueJobRequest) error {
	if s.at != "" {
		if _, err := time.Parse(time.RFC3339, s.at); err != nil {
			return fmt.Errorf("--at must be an RFC 3339 timestamp: %w", err)
		}
		req.RunAt = s.at
		return nil
	}
	if s.delay < 0 {
		return fmt.Errorf("--delay must not be negative")
	}
	req.DelaySeconds = int(s.delay.Round(time.Second) / time.Second)
	return nil
}

func newEnqueueCommand(opts *clientOptions) *cobra.Command {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Publish a notification job",
	}
	enqueueCmd.AddCommand(newEnqueueReminderCommand(opts))
	enqueueCmd.AddCommand(newEnqueueSendCommand(opts))
	return enqueueCmd
}

func newEnqueueReminderCommand(opts *clientOptions) *cobra.Command {
	var (
		appointmentID string
		schedule      scheduleFlags
	)

	cmd := &cobra.Command{
		Use:   "reminder",
		Short: "Schedule an appointment reminder",
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload := domain.ReminderPayload{AppointmentID: appointmentID}
			return enqueueJob(cmd, opts, domain.JobKindReminder, payload, &schedule)
		},
	}
	cmd.Flags().StringVar(&appointmentID, "appointment-id", "", "Appointment to remind about")
	_ = cmd.MarkFlagRequired("appointment-id")
	schedule.register(cmd)
	return cmd
}

func newEnqueueSendCommand(opts *clientOptions) *cobra.Command {
	var (
		payload  domain.SendMessagePayload
		schedule scheduleFlags
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a ready-made message to a phone number",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if payload.EventType != "" && payload.AppointmentID == "" {
				return fmt.Errorf("--event-type requires --appointment-id")
			}
			return enqueueJob(cmd, opts, domain.JobKindSendMessage, payload, &schedule)
		},
	}
	cmd.Flags().StringVar(&payload.Phone, "phone", "", "Destination phone number")
	cmd.Flags().StringVar(&payload.Message, "message", "", "Message text")
	cmd.Flags().StringVar(&payload.AppointmentID, "appointment-id", "", "Appointment to record the delivery against")
	cmd.Flags().StringVar(&payload.EventType, "event-type", "", "Event type recorded after delivery")
	_ = cmd.MarkFlagRequired("phone")
	_ = cmd.MarkFlagRequired("message")
	schedule.register(cmd)
	return cmd
}

func enqueueJob(cmd *cobra.Command, opts *clientOptions, kind string, payload any, schedule *scheduleFlags) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req := dto.EnqueueJobRequest{Kind: kind, Payload: raw}
	if err := schedule.apply(&req); err != nil {
		return err
	}

	var resp dto.EnqueueJobResponse
	if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/jobs", req, &resp, http.StatusAccepted); err != nil {
		return err
	}

	if opts.json {
		return writeJSON(cmd, resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s job %s (runs at %s)\n", resp.Kind, resp.JobID, resp.RunAt)
	return nil
}
