package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/yurilozorio/rah-sub001/internal/opsapi/dto"
)

func newEventsCommand(opts *clientOptions) *cobra.Command {
	var req dto.ListEventsRequest

	cmd := &cobra.Command{
		Use:   "events <appointment-id>",
		Short: "List notification events recorded for an appointment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := url.Values{}
			if req.Type != "" {
				query.Set("type", req.Type)
			}
			if req.PageSize > 0 {
				query.Set("page_size", strconv.Itoa(req.PageSize))
			}
			if req.Cursor != "" {
				query.Set("cursor", req.Cursor)
			}

			path := "/api/v1/appointments/" + url.PathEscape(args[0]) + "/events"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}

			var resp dto.ListEventsResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
				return err
			}

			if opts.json {
				return writeJSON(cmd, resp)
			}
			out := cmd.OutOrStdout()
			if len(resp.Events) == 0 {
				fmt.Fprintln(out, "No events")
				return nil
			}
			for _, e := range resp.Events {
				fmt.Fprintf(out, "%s  %-28s %s\n", e.CreatedAt, e.Type, e.EventID)
			}
			if resp.NextCursor != "" {
				fmt.Fprintf(out, "Next cursor: %s\n", resp.NextCursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Type, "type", "", "Only events of this type")
	cmd.Flags().IntVar(&req.PageSize, "page-size", 0, "Events per page")
	cmd.Flags().StringVar(&req.Cursor, "cursor", "", "Cursor from a previous page")
	return cmd
}

func newHealthCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check worker dependencies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp dto.HealthResponse
			err := opts.client().do(cmd.Context(), http.MethodGet, "/health", nil, &resp,
				http.StatusOK, http.StatusServiceUnavailable)
			if err != nil {
				return err
			}

			if opts.json {
				if err := writeJSON(cmd, resp); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Status: %s\n", resp.Status)
				fmt.Fprintf(out, "Session: %s\n", resp.Session)
				fmt.Fprintf(out, "Queue: %s\n", resp.Queue)
				fmt.Fprintf(out, "Database: %s\n", resp.Database)
				if resp.DeliveryGuard != "" {
					fmt.Fprintf(out, "Delivery guard: %s\n", resp.DeliveryGuard)
				}
			}
			if resp.Status == "unhealthy" {
				return fmt.Errorf("worker is unhealthy")
			}
			return nil
		},
	}
}
