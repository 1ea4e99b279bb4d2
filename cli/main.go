package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	Version   = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "microsegctl",
		Short: "Microseg - zero-trust micro-segmentation control",
		Long:  "Inspect and manage security zones, segmentation policies and device trust",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8443", "Microseg server URL")

	rootCmd.AddCommand(
		statusCmd(),
		zonesCmd(),
		quarantineCmd(),
		restoreCmd(),
		policiesCmd(),
		evalCmd(),
		logCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine and authentication metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Segmentation struct {
					PacketsAllowed         uint64         `json:"packets_allowed"`
					PacketsDenied          uint64         `json:"packets_denied"`
					ZoneViolations         uint64         `json:"zone_violations"`
					LateralMovementBlocked uint64         `json:"lateral_movement_blocked"`
					UnresolvedZoneDrops    uint64         `json:"unresolved_zone_drops"`
					TotalDevices           int            `json:"total_devices"`
					Zones                  map[string]int `json:"zones"`
				} `json:"segmentation"`
				Auth struct {
					AuthAttempts    uint64  `json:"auth_attempts"`
					AuthFailures    uint64  `json:"auth_failures"`
					TrustViolations uint64  `json:"trust_violations"`
					ActiveSessions  int     `json:"active_sessions"`
					AvgTrustScore   float64 `json:"avg_trust_score"`
				} `json:"auth"`
			}
			if err := fetchJSON("/v1/metrics", &payload); err != nil {
				return err
			}

			fmt.Printf("Microseg Status\n")
			fmt.Printf("===============\n\n")
			fmt.Printf("Devices:            %d\n", payload.Segmentation.TotalDevices)
			fmt.Printf("Packets Allowed:    %d\n", payload.Segmentation.PacketsAllowed)
			fmt.Printf("Packets Denied:     %d\n", payload.Segmentation.PacketsDenied)
			fmt.Printf("Zone Violations:    %d\n", payload.Segmentation.ZoneViolations)
			fmt.Printf("Lateral Blocked:    %d\n", payload.Segmentation.LateralMovementBlocked)
			fmt.Printf("Unresolved Drops:   %d\n", payload.Segmentation.UnresolvedZoneDrops)
			fmt.Printf("\n")
			fmt.Printf("Auth Attempts:      %d\n", payload.Auth.AuthAttempts)
			fmt.Printf("Auth Failures:      %d\n", payload.Auth.AuthFailures)
			fmt.Printf("Trust Violations:   %d\n", payload.Auth.TrustViolations)
			fmt.Printf("Active Sessions:    %d\n", payload.Auth.ActiveSessions)
			fmt.Printf("Avg Trust Score:    %.1f\n", payload.Auth.AvgTrustScore)

			return nil
		},
	}
}

func zonesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "zones",
		Aliases: []string{"ls", "list"},
		Short:   "List zones and their device populations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string][]string
			if err := fetchJSON("/v1/zones", &payload); err != nil {
				return err
			}

			names := make([]string, 0, len(payload))
			for zone := range payload {
				names = append(names, zone)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ZONE\tDEVICES\tMEMBERS")
			fmt.Fprintln(w, "----\t-------\t-------")
			for _, zone := range names {
				devices := payload[zone]
				members := ""
				for i, d := range devices {
					if i > 0 {
						members += ", "
					}
					members += d
				}
				fmt.Fprintf(w, "%s\t%d\t%s\n", zone, len(devices), members)
			}
			w.Flush()
			return nil
		},
	}
}

func quarantineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quarantine [device-id]",
		Short: "Move a device into the quarantine zone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				DeviceID string `json:"device_id"`
				Zone     string `json:"zone"`
			}
			if err := postJSON("/v1/zones/quarantine", map[string]string{"device_id": args[0]}, &payload); err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", payload.DeviceID, payload.Zone)
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	var zone string
	cmd := &cobra.Command{
		Use:   "restore [device-id]",
		Short: "Move a quarantined device back into service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"device_id": args[0]}
			if zone != "" {
				body["zone"] = zone
			}
			var payload struct {
				DeviceID string `json:"device_id"`
				Restored bool   `json:"restored"`
				Zone     string `json:"zone"`
			}
			if err := postJSON("/v1/zones/restore", body, &payload); err != nil {
				return err
			}
			if !payload.Restored {
				fmt.Printf("%s was not quarantined (zone: %s)\n", payload.DeviceID, payload.Zone)
				return nil
			}
			fmt.Printf("%s -> %s\n", payload.DeviceID, payload.Zone)
			return nil
		},
	}
	cmd.Flags().StringVar(&zone, "zone", "", "Target zone (defaults to the server's restore zone)")
	return cmd
}

func policiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List segmentation policies in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			var policies []struct {
				Name       string `json:"name"`
				SourceZone string `json:"source_zone"`
				DestZone   string `json:"dest_zone"`
				Action     string `json:"action"`
				Priority   int    `json:"priority"`
				Enabled    bool   `json:"enabled"`
			}
			if err := fetchJSON("/v1/policies", &policies); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PRIORITY\tNAME\tSOURCE\tDEST\tACTION\tENABLED")
			fmt.Fprintln(w, "--------\t----\t------\t----\t------\t-------")
			for _, p := range policies {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%v\n", p.Priority, p.Name, p.SourceZone, p.DestZone, p.Action, p.Enabled)
			}
			w.Flush()
			return nil
		},
	}
}

func evalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eval [src-device] [dst-device] [protocol] [port]",
		Short: "Evaluate a flow against the policy table",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[3])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[3])
			}

			var decision struct {
				Allowed bool   `json:"allowed"`
				Policy  string `json:"policy"`
				Reason  string `json:"reason"`
			}
			body := map[string]any{
				"src_device": args[0],
				"dst_device": args[1],
				"protocol":   args[2],
				"port":       port,
			}
			if err := postJSON("/v1/traffic/evaluate", body, &decision); err != nil {
				return err
			}

			verdict := "DENY"
			if decision.Allowed {
				verdict = "ALLOW"
			}
			fmt.Printf("%s  reason=%s", verdict, decision.Reason)
			if decision.Policy != "" {
				fmt.Printf("  policy=%s", decision.Policy)
			}
			fmt.Println()
			return nil
		},
	}
}

func logCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent traffic evaluations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []struct {
				Time      time.Time `json:"time"`
				SrcDevice string    `json:"src_device"`
				DstDevice string    `json:"dst_device"`
				SrcZone   string    `json:"src_zone"`
				DstZone   string    `json:"dst_zone"`
				Protocol  string    `json:"protocol"`
				Port      int       `json:"port"`
				Allowed   bool      `json:"allowed"`
				Reason    string    `json:"reason"`
			}
			if err := fetchJSON(fmt.Sprintf("/v1/traffic/log?limit=%d", limit), &entries); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tSRC\tDST\tPROTO\tPORT\tVERDICT\tREASON")
			fmt.Fprintln(w, "----\t---\t---\t-----\t----\t-------\t------")
			for _, e := range entries {
				verdict := "deny"
				if e.Allowed {
					verdict = "allow"
				}
				fmt.Fprintf(w, "%s\t%s (%s)\t%s (%s)\t%s\t%d\t%s\t%s\n",
					e.Time.Format(time.TimeOnly), e.SrcDevice, e.SrcZone, e.DstDevice, e.DstZone,
					e.Protocol, e.Port, verdict, e.Reason)
			}
			w.Flush()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of entries to show")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("microsegctl version %s\n", Version)
		},
	}
}

func fetchJSON(path string, out any) error {
	resp, err := http.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func postJSON(path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}

	resp, err := http.Post(serverURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
