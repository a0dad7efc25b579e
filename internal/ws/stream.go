// Package ws is an optional push supplement to the readonlystatestore and
// autopilot endpoints (spec §6 names only those two REST beans; nothing
// forbids an additional observer): it streams the runtime's lifecycle
// transitions and the autopilot's current state to a connected client.
//
// Grounded on the teacher's internal/ws/echo.go: a raw websocket
// accept-then-loop handler with read/write deadlines, generalized here
// from a symmetric echo-back to a one-way push of state snapshots, and
// moved from nhooyr.io/websocket to gorilla/websocket (the library
// actually used elsewhere in this module's dependency graph).
package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docxology/kstreams-autopilot/internal/autopilot"
	"github.com/docxology/kstreams-autopilot/internal/harness"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeDeadline = 10 * time.Second

// StateUpdate is one pushed frame.
type StateUpdate struct {
	RuntimeState   string `json:"runtimeState"`
	AutopilotState string `json:"autopilotState,omitempty"`
}

// AutopilotStater is the subset of *autopilot.Autopilot this handler reads.
type AutopilotStater interface {
	State() autopilot.State
}

// StreamHandler pushes a StateUpdate every time the runtime reports a
// lifecycle transition; ap may be nil when autopilot isn't enabled, in
// which case AutopilotState is omitted.
func StreamHandler(rt *harness.Runtime, ap AutopilotStater) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states, unsubscribe := rt.Subscribe()
		defer unsubscribe()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			select {
			case <-r.Context().Done():
				return
			case s, ok := <-states:
				if !ok {
					return
				}
				update := StateUpdate{RuntimeState: string(s)}
				if ap != nil {
					update.AutopilotState = string(ap.State())
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := conn.WriteJSON(update); err != nil {
					return
				}
			}
		}
	}
}
