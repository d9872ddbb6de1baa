package ringer

import (
	"fmt"
	"log"
	"os/exec"
	"runtime"
	"sync"

	"github.com/parleyapp/parley/internal/relay"
)

// DesktopNotifier shows the incoming-call notification through the OS.
// One-way fire-and-forget: a failed dispatch is logged, never surfaced.
type DesktopNotifier struct{}

func (DesktopNotifier) Show(callID, caller string, kind relay.MediaKind) {
	title := fmt.Sprintf("Incoming %s call", kind)
	body := fmt.Sprintf("%s is calling", caller)
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "linux":
		cmd = exec.Command("notify-send", "-u", "critical", title, body)
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, body, title)
		cmd = exec.Command("osascript", "-e", script)
	default:
		log.Printf("RING: %s — %s", title, body)
		return
	}
	if err := cmd.Start(); err != nil {
		log.Printf("RING: notification dispatch: %v", err)
	}
}

func (DesktopNotifier) Dismiss(callID string) {
	// Desktop notification daemons expire call notifications on their own;
	// there is no portable programmatic dismissal.
}

// ConsoleChime is the default ringing effect: a log line on start and stop.
// Deployments with audio output swap in their own Chime.
type ConsoleChime struct {
	mu      sync.Mutex
	ringing bool
}

func (c *ConsoleChime) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ringing {
		return
	}
	c.ringing = true
	log.Printf("RING: ♪ ringing")
}

func (c *ConsoleChime) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.ringing {
		return
	}
	c.ringing = false
	log.Printf("RING: ♪ stopped")
}
