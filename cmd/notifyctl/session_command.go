package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/yurilozorio/rah-sub001/internal/opsapi/dto"
)

func newSessionCommand(opts *clientOptions) *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Show the messaging session state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp dto.SessionResponse
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/api/v1/session", nil, &resp); err != nil {
				return err
			}
			return printSession(cmd, opts, resp)
		},
	}

	sessionCmd.AddCommand(&cobra.Command{
		Use:   "relink",
		Short: "Restart pairing after the device logged out",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp dto.SessionResponse
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/api/v1/session/relink", nil, &resp, http.StatusAccepted); err != nil {
				return err
			}
			return printSession(cmd, opts, resp)
		},
	})

	return sessionCmd
}

func printSession(cmd *cobra.Command, opts *clientOptions, resp dto.SessionResponse) error {
	if opts.json {
		return writeJSON(cmd, resp)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "State: %s (since %s)\n", resp.State, resp.Since)
	if resp.Device != nil {
		fmt.Fprintf(out, "Device: %s", resp.Device.DeviceID)
		if resp.Device.BusinessName != "" {
			fmt.Fprintf(out, " (%s)", resp.Device.BusinessName)
		}
		fmt.Fprintf(out, ", paired at %s\n", resp.Device.PairedAt)
	}
	if resp.LastError != "" {
		fmt.Fprintf(out, "Last error: %s\n", resp.LastError)
	}
	if resp.QRCode != "" {
		fmt.Fprintf(out, "QR code: %s\n", resp.QRCode)
	}
	return nil
}
