package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

// Remote commands talk to a running `council serve` over its HTTP
// surface; they carry no local configuration beyond --server.

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show the status of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteGet("/jobs/" + args[0])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [job-id]",
	Short: "Cancel a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := remote().R().Delete(serverURL + "/jobs/" + args[0])
		if err != nil {
			return err
		}
		if resp.IsError() {
			return remoteError(resp)
		}
		fmt.Println("cancelled")
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List jobs on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteGet("/jobs")
	},
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{
			"mode":       modeFlag,
			"week_id":    weekFlag,
			"user_query": queryFlag,
		}
		resp, err := remote().R().SetBody(body).Post(serverURL + "/jobs")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return remoteError(resp)
		}
		return printJSON(resp.Body())
	},
}

var weeksCmd = &cobra.Command{
	Use:   "weeks",
	Short: "List weeks with recorded events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return remoteGet("/weeks")
	},
}

var eventsCmd = &cobra.Command{
	Use:     "events [week-id]",
	Aliases: []string{"history"},
	Short:   "Dump the event history for a week",
	Long:    `Prints the append-only event log for a week. Filter with --type.`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/weeks/" + args[0] + "/events"
		if eventTypeFlag != "" {
			path += "?type=" + eventTypeFlag
		}
		return remoteGet(path)
	},
}

var eventTypeFlag string

func init() {
	eventsCmd.Flags().StringVar(&eventTypeFlag, "type", "", "filter by event type, e.g. pm_pitch")
}

func remote() *resty.Client {
	return resty.New().SetTimeout(30 * time.Second)
}

func remoteGet(path string) error {
	resp, err := remote().R().Get(serverURL + path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return remoteError(resp)
	}
	return printJSON(resp.Body())
}

func remoteError(resp *resty.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(resp.Body(), &body) == nil && body.Error != "" {
		return fmt.Errorf("server: %s (%s)", body.Error, resp.Status())
	}
	return fmt.Errorf("server: %s", resp.Status())
}

func printJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
