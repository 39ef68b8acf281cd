package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/novel2anime/internal/protocol"
)

func newFollowCommand(ctx *commandContext) *cobra.Command {
	var baseURL string
	var interactive bool
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Follow a running serve's event stream",
		Long: "Connects to the viewer websocket of a running serve and prints state and playback changes.\n" +
			"With --interactive, lines read from stdin are sent as controls (next, previous, goto 3, autoplay, pause, resume, stop).",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(baseURL) == "" {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				baseURL = baseURLForAddr(cfg.BindAddr)
			}
			wsURL, err := eventsURL(baseURL)
			if err != nil {
				return fmt.Errorf("build ws URL: %w", err)
			}
			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), wsURL, nil)
			if err != nil {
				return fmt.Errorf("open websocket: %w", err)
			}
			defer conn.Close()

			readErr := make(chan error, 1)
			go followLoop(conn, cmd.OutOrStdout(), readErr)
			if interactive {
				go sendControls(cmd.Context(), conn, cmd.InOrStdin(), cmd.ErrOrStderr())
			}

			select {
			case <-cmd.Context().Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				return nil
			case err := <-readErr:
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return nil
				}
				return fmt.Errorf("ws read: %w", err)
			}
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "", "Base URL of the serve instance (default: from APP_BIND_ADDR)")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Send controls read from stdin")
	return cmd
}

// baseURLForAddr turns a listen address such as ":8080" into a dialable URL.
func baseURLForAddr(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func eventsURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events/ws"
	return u.String(), nil
}

func followLoop(conn *websocket.Conn, out io.Writer, readErr chan<- error) {
	var lastState, lastPlay string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		line := describeServerMessage(msg)
		switch msg.(type) {
		case *protocol.StateSnapshot:
			if line == lastState {
				continue
			}
			lastState = line
		case *protocol.PlaybackSnapshot:
			if line == lastPlay {
				continue
			}
			lastPlay = line
		}
		fmt.Fprintln(out, line)
	}
}

func describeServerMessage(msg any) string {
	switch m := msg.(type) {
	case *protocol.StateSnapshot:
		st := m.State
		parts := []string{fmt.Sprintf("tasks=%d", len(st.Tasks))}
		if st.CurrentTaskID != "" {
			parts = append(parts, "task="+st.CurrentTaskID)
		}
		if n := st.Artifacts.Len(); n > 0 {
			parts = append(parts, fmt.Sprintf("scene=%d/%d", st.SceneIndex+1, n))
		}
		if st.Loading {
			parts = append(parts, "loading")
		}
		if st.Error != "" {
			parts = append(parts, fmt.Sprintf("error=%q", st.Error))
		}
		return "state    " + strings.Join(parts, " ")
	case *protocol.PlaybackSnapshot:
		ps := m.Playback
		line := fmt.Sprintf("playback %s", ps.Status)
		if ps.CurrentID != "" {
			line += " " + ps.CurrentID
		}
		if ps.AutoPlaying {
			line += fmt.Sprintf(" auto=%d/%d", ps.QueueCursor+1, len(ps.Queue))
		}
		if ps.LastError != "" {
			line += fmt.Sprintf(" error=%q", ps.LastError)
		}
		return line
	case *protocol.SystemEvent:
		return fmt.Sprintf("system   %s %s", m.Code, m.Detail)
	case *protocol.ErrorEvent:
		return fmt.Sprintf("error    %s/%s %s", m.Source, m.Code, m.Detail)
	default:
		return fmt.Sprintf("%v", msg)
	}
}

// parseControlLine maps "goto 3" or "toggle_dialogue 1 2" style input to a
// control message.
func parseControlLine(line string) (protocol.ClientControl, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return protocol.ClientControl{}, fmt.Errorf("empty control")
	}
	msg := protocol.ClientControl{
		Type:   protocol.TypeClientControl,
		Action: strings.ToLower(fields[0]),
		TSMs:   time.Now().UnixMilli(),
	}
	ints := make([]int, 0, 2)
	for _, f := range fields[1:] {
		n, err := strconv.Atoi(f)
		if err != nil {
			return protocol.ClientControl{}, fmt.Errorf("argument %q: %w", f, err)
		}
		ints = append(ints, n)
	}
	switch msg.Action {
	case protocol.ActionGoTo:
		if len(ints) != 1 {
			return protocol.ClientControl{}, fmt.Errorf("usage: goto SCENE")
		}
		msg.Scene = &ints[0]
	case protocol.ActionToggleDialogue:
		if len(ints) != 2 {
			return protocol.ClientControl{}, fmt.Errorf("usage: toggle_dialogue SCENE DIALOGUE")
		}
		msg.Scene = &ints[0]
		msg.Dialogue = &ints[1]
	case protocol.ActionPlayNarration:
		if len(ints) == 1 {
			msg.Scene = &ints[0]
		}
	}
	// Round-trip through the parser so the server never sees a malformed control.
	raw, err := json.Marshal(msg)
	if err != nil {
		return protocol.ClientControl{}, err
	}
	if _, err := protocol.ParseClientMessage(raw); err != nil {
		return protocol.ClientControl{}, err
	}
	return msg, nil
}

// sendControls is the only writer once started; the read loop never writes.
func sendControls(ctx context.Context, conn *websocket.Conn, in io.Reader, errOut io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, err := parseControlLine(line)
		if err != nil {
			fmt.Fprintf(errOut, "follow: %v\n", err)
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			fmt.Fprintf(errOut, "follow: send: %v\n", err)
			return
		}
	}
}
