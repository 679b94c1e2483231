package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-voicebridge/internal/session"
	"github.com/loqalabs/loqa-voicebridge/internal/timeline"
	"github.com/spf13/cobra"
)

var (
	timelineRoom    string
	timelineSession string
	timelineLimit   int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List rooms with an active playback session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var body struct {
			Sessions []struct {
				session.Info
				Listeners int `json:"listeners"`
			} `json:"sessions"`
		}
		if err := getJSON(cmd.Context(), "/sessions", &body); err != nil {
			printError("list sessions", err)
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ROOM\tTEXT\tVOICE\tSTATE\tQUEUED\tLISTENERS\tCONNECTED\tUP")
		for _, s := range body.Sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%t\t%s\n",
				s.RoomID, s.MonitoredChannelID, s.VoiceChannelID, s.StateName, s.Queued, s.Listeners, s.Connected,
				time.Since(s.StartedAt).Round(time.Second))
		}
		return w.Flush()
	},
}

var timelineCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Show recorded sessions, or the events of one session",
	Example: `  voicebridgectl timeline --room 1234
  voicebridgectl timeline --session 6f1c...`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		q := url.Values{}
		if timelineLimit > 0 {
			q.Set("limit", strconv.Itoa(timelineLimit))
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

		if timelineSession != "" {
			q.Set("session", timelineSession)
			var body struct {
				Events []timeline.Event `json:"events"`
			}
			if err := getJSON(cmd.Context(), "/timeline?"+q.Encode(), &body); err != nil {
				printError("list events", err)
				return err
			}
			fmt.Fprintln(w, "TIME\tTYPE\tJOB\tSPEAKER\tDETAIL")
			for _, e := range body.Events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Type, e.JobID, e.Speaker, e.Detail)
			}
			return w.Flush()
		}

		if timelineRoom != "" {
			q.Set("room", timelineRoom)
		}
		var body struct {
			Sessions []timeline.SessionRecord `json:"sessions"`
		}
		if err := getJSON(cmd.Context(), "/timeline?"+q.Encode(), &body); err != nil {
			printError("list timeline", err)
			return err
		}
		fmt.Fprintln(w, "SESSION\tROOM\tSTARTED\tENDED\tDISCARDED")
		for _, s := range body.Sessions {
			ended := "-"
			if s.EndedAt != nil {
				ended = s.EndedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", s.ID, s.RoomID, s.StartedAt.Format(time.RFC3339), ended, s.Discarded)
		}
		return w.Flush()
	},
}

func init() {
	timelineCmd.Flags().StringVar(&timelineRoom, "room", "", "Only sessions of this room")
	timelineCmd.Flags().StringVar(&timelineSession, "session", "", "Show events of this session")
	timelineCmd.Flags().IntVar(&timelineLimit, "limit", 0, "Maximum rows to return")
	rootCmd.AddCommand(sessionsCmd, timelineCmd)
}
