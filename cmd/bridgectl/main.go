// Command bridgectl is an interactive debug client for the control
// channel: it dials the bridge's WebSocket endpoint and lets an operator
// type raw command envelopes, printing whatever responses and broadcast
// events arrive.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	ws "github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "bridge control channel address")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	conn, _, err := ws.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial %s: %v", u.String(), err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go readLoop(conn, done)

	rl, err := readline.New("bridge> ")
	if err != nil {
		log.Fatalf("init readline: %v", err)
	}
	defer rl.Close()

	fmt.Fprintln(os.Stderr, "connected to", u.String())
	fmt.Fprintln(os.Stderr, `type a command envelope, e.g.: {"device":"mock","action":"connect"}`)

	for {
		line, err := rl.Readline()
		if err != nil { // Ctrl-D or Ctrl-C
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			fmt.Fprintln(os.Stderr, "not valid JSON, ignoring")
			continue
		}
		if err := conn.WriteMessage(ws.TextMessage, []byte(line)); err != nil {
			fmt.Fprintln(os.Stderr, "write failed:", err)
			break
		}
	}

	conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, "")) //nolint:errcheck
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
}

// readLoop prints every frame the bridge sends, pretty-printed if it is
// valid JSON.
func readLoop(conn *ws.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if err != io.EOF {
				fmt.Fprintln(os.Stderr, "\nconnection closed:", err)
			}
			return
		}
		var pretty map[string]any
		if json.Unmarshal(raw, &pretty) == nil {
			b, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Printf("\n%s\n", b)
		} else {
			fmt.Printf("\n%s\n", raw)
		}
	}
}
