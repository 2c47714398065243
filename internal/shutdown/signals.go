package shutdown

import (
	"os"
	"os/signal"
	"syscall"
)

// signalHandler relays shutdown signals. Unlike a one-shot notifier it keeps
// the channel open so a second signal can force an immediate exit.
type signalHandler struct {
	sigChan chan os.Signal
}

func newSignalHandler() *signalHandler {
	return &signalHandler{sigChan: make(chan os.Signal, 2)}
}

// listen subscribes to SIGTERM, SIGINT and SIGQUIT.
func (h *signalHandler) listen() <-chan os.Signal {
	signal.Notify(h.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	return h.sigChan
}

func (h *signalHandler) stop() {
	signal.Stop(h.sigChan)
}
