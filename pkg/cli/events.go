package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/gettlstap/tlstap/pkg/events"
)

var (
	eventsType   string
	eventsLimit  int
	eventsFollow bool
	eventsClear  bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show captured events (key-log lines, dispatched requests)",
	Long: `Show events retained by the running server: TLS key-log captures and
per-request dispatch summaries.

With --follow, new events are streamed live over the control API's
WebSocket endpoint until interrupted.`,
	Example: `  # Dump recent events
  tlstap events

  # Only key-log captures
  tlstap events --type tls-keylog

  # Stream live
  tlstap events --follow`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if eventsClear {
			client := NewAPIClient(resolveAPIURL())
			if err := client.ClearEvents(); err != nil {
				return err
			}
			printResult(map[string]string{"message": "all events removed"}, func() {
				fmt.Println("Cleared all events")
			})
			return nil
		}

		if eventsFollow {
			return followEvents(resolveAPIURL(), eventsType)
		}

		client := NewAPIClient(resolveAPIURL())
		list, err := client.ListEvents(eventsType, eventsLimit)
		if err != nil {
			return err
		}

		printResult(list, func() {
			if len(list) == 0 {
				fmt.Println("No events")
				return
			}
			for _, evt := range list {
				printEventLine(evt)
			}
		})
		return nil
	},
}

// followEvents streams events over the control API WebSocket until the
// user interrupts or the server closes the connection.
func followEvents(baseURL, eventType string) error {
	wsURL, err := streamURL(baseURL, eventType)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("cannot connect to event stream at %s: %w", wsURL, err)
	}
	defer conn.Close()

	if !jsonOutput {
		fmt.Fprintln(os.Stderr, "Streaming events (Ctrl+C to stop)...")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	msgChan := make(chan []byte)
	errChan := make(chan error, 1)
	go func() {
		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				errChan <- err
				return
			}
			msgChan <- message
		}
	}()

	for {
		select {
		case <-sigChan:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case err := <-errChan:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("event stream closed: %w", err)
		case message := <-msgChan:
			if jsonOutput {
				fmt.Println(string(message))
				continue
			}
			var evt events.Event
			if err := json.Unmarshal(message, &evt); err != nil {
				fmt.Println(string(message))
				continue
			}
			printEventLine(&evt)
		}
	}
}

// streamURL converts the control API base URL into the WebSocket stream URL.
func streamURL(baseURL, eventType string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid API URL %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events/stream"
	if eventType != "" {
		q := u.Query()
		q.Set("type", eventType)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// printEventLine renders one event in a compact single-line form.
func printEventLine(evt *events.Event) {
	ts := evt.Timestamp.Format(time.RFC3339)

	data, _ := json.Marshal(evt.Data)
	switch evt.Type {
	case events.TypeRequest:
		var req events.RequestEvent
		if err := json.Unmarshal(data, &req); err == nil {
			rule := req.RuleID
			if rule == "" {
				rule = "-"
			}
			fmt.Printf("%s  %-11s %s %s -> %d (%s, rule %s)\n",
				ts, evt.Type, req.Method, req.Path, req.Status, req.Action, rule)
			return
		}
	case events.TypeKeylog:
		var capture struct {
			ConnectionType string `json:"connectionType"`
			Line           string `json:"line"`
			RemoteAddr     string `json:"remoteAddr"`
			RemotePort     int    `json:"remotePort"`
		}
		if err := json.Unmarshal(data, &capture); err == nil && capture.Line != "" {
			// Only the label is printed; the secrets stay off the terminal.
			label, _, _ := strings.Cut(capture.Line, " ")
			fmt.Printf("%s  %-11s %s %s (%s:%d)\n",
				ts, evt.Type, capture.ConnectionType, label, capture.RemoteAddr, capture.RemotePort)
			return
		}
	}
	fmt.Printf("%s  %-11s %s\n", ts, evt.Type, string(data))
}

func init() {
	eventsCmd.Flags().StringVarP(&eventsType, "type", "t", "", "Only events of this type (tls-keylog, request)")
	eventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "Maximum number of events to show")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "Stream new events until interrupted")
	eventsCmd.Flags().BoolVar(&eventsClear, "clear", false, "Delete all retained events")
	rootCmd.AddCommand(eventsCmd)
}
