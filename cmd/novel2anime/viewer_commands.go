package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/novel2anime/internal/app"
	"github.com/ent0n29/novel2anime/internal/playback"
	"github.com/ent0n29/novel2anime/internal/tasks"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll unfinished tasks until they are done",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(b *app.BuildResult) error {
				if _, err := b.Lifecycle.ListTasks(cmd.Context()); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if b.Lifecycle.WatchActive() == 0 {
					fmt.Fprintln(out, "Nothing in progress")
					return nil
				}

				states, unsubscribe := b.Store.Subscribe()
				defer unsubscribe()
				// Pollers deregister after their last store update, so idle
				// is also rechecked on a tick.
				tick := time.NewTicker(250 * time.Millisecond)
				defer tick.Stop()
				seen := map[string]tasks.Status{}
				for {
					select {
					case <-cmd.Context().Done():
						return cmd.Context().Err()
					case st := <-states:
						for _, t := range st.Tasks {
							if prev, ok := seen[t.ID]; ok && prev == t.Status {
								continue
							}
							seen[t.ID] = t.Status
							fmt.Fprintf(out, "%s  %-8s %s\n", t.ID, t.Status, t.StatusDesc)
						}
					case <-tick.C:
					}
					if len(b.Lifecycle.ActivePollers()) == 0 {
						st := b.Store.State()
						fmt.Fprintf(out, "%d completed\n", st.CountByStatus(tasks.StatusDone))
						return nil
					}
				}
			})
		},
	}
}

// openFinished lists tasks and opens id, failing when it has no artifacts yet.
func openFinished(cmd *cobra.Command, b *app.BuildResult, id string) error {
	if _, err := b.Lifecycle.ListTasks(cmd.Context()); err != nil {
		return err
	}
	t, err := b.Lifecycle.OpenTask(cmd.Context(), id)
	if err != nil {
		return err
	}
	if !t.Status.Terminal() {
		b.Lifecycle.StopPolling(id)
		return fmt.Errorf("task %s is %s; scenes are available once it is done", id, t.Status)
	}
	return nil
}

func newScenesCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "scenes ID",
		Short: "Show the scenes of a finished task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(b *app.BuildResult) error {
				if err := openFinished(cmd, b, strings.TrimSpace(args[0])); err != nil {
					return err
				}
				st := b.Store.State()
				if asJSON {
					return writeJSON(cmd, st.Artifacts)
				}
				out := cmd.OutOrStdout()
				rows := make([][]string, 0, st.Artifacts.Len())
				for i, sc := range st.Artifacts.Scenes {
					voiced := 0
					for _, d := range sc.Dialogues {
						if d.VoiceURL != "" {
							voiced++
						}
					}
					marker := ""
					if i == st.SceneIndex {
						marker = ">"
					}
					narrated := "no"
					if sc.NarrationVoiceURL != "" {
						narrated = "yes"
					}
					rows = append(rows, []string{
						marker,
						strconv.Itoa(i),
						truncate(sc.Narration, 48),
						narrated,
						fmt.Sprintf("%d/%d", voiced, len(sc.Dialogues)),
					})
				}
				fmt.Fprintln(out, renderTable(out,
					[]string{"", "#", "Narration", "Voiced", "Dialogue audio"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignRight}))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newPlayCommand(ctx *commandContext) *cobra.Command {
	var scene int
	var all bool
	cmd := &cobra.Command{
		Use:   "play ID",
		Short: "Auto-play a scene's narration and dialogue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd.Context(), func(b *app.BuildResult) error {
				if err := openFinished(cmd, b, strings.TrimSpace(args[0])); err != nil {
					return err
				}
				if scene >= 0 && scene != b.Navigator.Index() && !b.Navigator.GoToScene(scene) {
					return fmt.Errorf("scene %d out of range (0-%d)", scene, b.Navigator.Total()-1)
				}
				// Running the command is the user's gesture.
				b.Playback.MarkInteraction()
				for {
					if err := playScene(cmd, b); err != nil {
						return err
					}
					if !all || !b.Navigator.Next() {
						return nil
					}
				}
			})
		},
	}
	cmd.Flags().IntVarP(&scene, "scene", "s", -1, "Scene index (default: last viewed)")
	cmd.Flags().BoolVar(&all, "all", false, "Continue through the remaining scenes")
	return cmd
}

func playScene(cmd *cobra.Command, b *app.BuildResult) error {
	out := cmd.OutOrStdout()
	idx := b.Navigator.Index()
	sc, _ := b.Navigator.Current()
	fmt.Fprintf(out, "Scene %d/%d: %s\n", idx+1, b.Navigator.Total(), sc.Narration)

	if err := b.Viewer.AutoPlay(cmd.Context()); err != nil {
		return err
	}
	// Subscribing after the start means the first snapshot already reflects
	// the queue, so an idle snapshot marks the end of the scene.
	updates, unsubscribe := b.Playback.Subscribe()
	defer unsubscribe()
	last := ""
	for {
		select {
		case <-cmd.Context().Done():
			b.Playback.Stop()
			return cmd.Context().Err()
		case st := <-updates:
			if st.CurrentID != "" && st.CurrentID != last && st.Status == playback.StatusPlaying {
				last = st.CurrentID
				printLine(cmd, sc, st.CurrentID)
			}
			if st.LastError != "" {
				return errors.New(st.LastError)
			}
			if st.Status == playback.StatusIdle && !st.AutoPlaying {
				return nil
			}
		}
	}
}

func printLine(cmd *cobra.Command, sc tasks.Scene, id string) {
	out := cmd.OutOrStdout()
	_, dialogue, ok := playback.ParseID(id)
	switch {
	case !ok:
		return
	case dialogue < 0:
		fmt.Fprintf(out, "  (narration) %s\n", sc.Narration)
	case dialogue < len(sc.Dialogues):
		d := sc.Dialogues[dialogue]
		fmt.Fprintf(out, "  %s: %s\n", d.Character, d.Line)
	}
}

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.NtfyTopic) == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Notifications disabled (NTFY_TOPIC is empty)")
				return nil
			}
			return ctx.withApp(cmd.Context(), func(b *app.BuildResult) error {
				if err := b.Notifier.Test(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
				return nil
			})
		},
	}
}
