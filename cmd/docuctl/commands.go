package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"

	"github.com/bobarin/docurender/internal/models"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newImportCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.json>",
		Short: "Load a generated script and its chapters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read script file: %w", err)
			}
			var req models.ImportScriptRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}

			var resp models.ImportScriptResponse
			if err := ctx.client().send(cmd.Context(), http.MethodPost, "/v1/scripts", req, &resp); err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %q as %s with %d chapter(s)\n", resp.Title, resp.ScriptID, len(resp.ChapterIDs))
			return nil
		},
	}
}

func newStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start <script-id>",
		Short: "Queue every pending chapter of a script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptID, err := parseUUIDArg(args[0], "script")
			if err != nil {
				return err
			}

			var resp models.StartRenderResponse
			if err := ctx.client().call(cmd.Context(), http.MethodPost, "/v1/scripts/"+scriptID.String()+"/render", &resp); err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %d chapter(s) for script %s\n", resp.Queued, resp.ScriptID)
			return nil
		},
	}
}

func newRenderChapterCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "render-chapter <script-id> <chapter-id>",
		Short: "Re-queue a single chapter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptID, err := parseUUIDArg(args[0], "script")
			if err != nil {
				return err
			}
			chapterID, err := parseUUIDArg(args[1], "chapter")
			if err != nil {
				return err
			}

			var resp models.RenderChapterResponse
			path := fmt.Sprintf("/v1/scripts/%s/chapters/%s/render", scriptID, chapterID)
			if err := ctx.client().call(cmd.Context(), http.MethodPost, path, &resp); err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Chapter %s is %s\n", resp.ChapterID, resp.Status)
			return nil
		},
	}
}

func newStitchCommand(ctx *commandContext) *cobra.Command {
	var async bool

	cmd := &cobra.Command{
		Use:   "stitch <script-id>",
		Short: "Assemble completed chapters into the final video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptID, err := parseUUIDArg(args[0], "script")
			if err != nil {
				return err
			}
			path := "/v1/scripts/" + scriptID.String() + "/stitch"
			client := ctx.client()

			if async {
				var resp models.StitchQueuedResponse
				if err := client.call(cmd.Context(), http.MethodPost, path+"?async=true", &resp); err != nil {
					return err
				}
				if ctx.json {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Stitch %s for script %s\n", resp.Status, resp.ScriptID)
				return nil
			}

			var video models.AssembledVideo
			if err := client.call(cmd.Context(), http.MethodPost, path, &video); err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, video)
			}
			rows := [][]string{
				{"URL", video.URL},
				{"Duration", formatSeconds(video.DurationSec)},
				{"Chapters", fmt.Sprint(video.ChapterNumbers)},
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Queue the stitch for a worker instead of waiting")
	return cmd
}

func newQualityCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "quality <script-id>",
		Short: "Run the quality checklist on a stitched script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptID, err := parseUUIDArg(args[0], "script")
			if err != nil {
				return err
			}

			var result models.QualityCheckResult
			if err := ctx.client().call(cmd.Context(), http.MethodPost, "/v1/scripts/"+scriptID.String()+"/quality", &result); err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, result)
			}

			names := make([]string, 0, len(result.Checks))
			for name := range result.Checks {
				names = append(names, name)
			}
			sort.Strings(names)

			rows := make([][]string, 0, len(names))
			for _, name := range names {
				rows = append(rows, []string{name, passFail(result.Checks[name])})
			}
			out := cmd.OutOrStdout()
			fmt.Fprint(out, renderTable([]string{"Check", "Result"}, rows, nil))
			fmt.Fprintf(out, "Overall: %s (%s)\n", passFail(result.Passed), result.Notes)
			return nil
		},
	}
}

func newProgressCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <script-id>",
		Short: "Show per-chapter render status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scriptID, err := parseUUIDArg(args[0], "script")
			if err != nil {
				return err
			}

			var progress models.ScriptProgress
			if err := ctx.client().call(cmd.Context(), http.MethodGet, "/v1/scripts/"+scriptID.String()+"/progress", &progress); err != nil {
				return err
			}
			if ctx.json {
				return writeJSON(cmd, progress)
			}

			rows := make([][]string, 0, len(progress.Chapters))
			for _, ch := range progress.Chapters {
				detail := ""
				switch {
				case ch.ErrorMessage != nil:
					detail = *ch.ErrorMessage
				case ch.VideoURL != nil:
					detail = *ch.VideoURL
				}
				rows = append(rows, []string{strconv.Itoa(ch.ChapterNumber), ch.Title, string(ch.Status), detail})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s)\n", progress.Title, progress.ScriptID)
			fmt.Fprint(out, renderTable([]string{"#", "Chapter", "Status", "Detail"}, rows, []columnAlignment{alignRight, alignLeft, alignLeft, alignLeft}))
			c := progress.Counts
			fmt.Fprintf(out, "%.1f%% complete: %d completed, %d failed, %d rendering, %d queued, %d not queued. Final video: %s\n",
				progress.PercentComplete, c.Completed, c.Failed, c.Rendering, c.Queued, c.NotQueued, progress.FinalStatus)
			return nil
		},
	}
}

func parseUUIDArg(value, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", what, value, err)
	}
	return id, nil
}

func passFail(ok bool) string {
	if ok {
		return "pass"
	}
	return "FAIL"
}

func formatSeconds(seconds float64) string {
	total := int(seconds + 0.5)
	return fmt.Sprintf("%d:%02d:%02d", total/3600, total%3600/60, total%60)
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
