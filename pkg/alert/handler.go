// Package alert moves security events off the vehicle. A Forwarder polls
// the intrusion detection log and publishes new events; a Handler on the
// receiving side logs each alert and notifies registered listeners (the
// operations dashboard, the websocket stream).
package alert

import (
	"sync"

	"go.uber.org/zap"

	"github.com/daohu527/vlink/pkg/ids"
	"github.com/daohu527/vlink/pkg/protocol"
)

// Listener is called whenever a new SecurityAlert is received.
type Listener func(alert *protocol.SecurityAlert)

// Handler manages incoming security alerts.
type Handler struct {
	log *zap.SugaredLogger

	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
}

// NewHandler creates a Handler with no listeners registered. A nil logger
// disables logging.
func NewHandler(log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{log: log, listeners: make(map[int]Listener)}
}

// Register adds a listener that will be called for every incoming alert.
// The returned function removes it again.
func (h *Handler) Register(l Listener) (unregister func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = l

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, id)
	}
}

// Handle logs alert and notifies all listeners. Critical alerts are logged
// at error level.
func (h *Handler) Handle(alert *protocol.SecurityAlert) {
	if alert.Critical() {
		h.log.Errorf("[CRITICAL] security alert from vehicle %s: %s (source=%s)",
			alert.VehicleID, alert.Description, alert.Source)
	} else {
		h.log.Warnf("security alert from vehicle %s: %s severity=%s",
			alert.VehicleID, alert.Kind, alert.Severity)
	}

	h.mu.RLock()
	ls := make([]Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		ls = append(ls, l)
	}
	h.mu.RUnlock()

	for _, l := range ls {
		l(alert)
	}
}

// Listeners is the number of registered listeners.
func (h *Handler) Listeners() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// FromEvent converts an event recorded on vehicleID into its wire form.
func FromEvent(vehicleID string, e ids.Event) *protocol.SecurityAlert {
	return &protocol.SecurityAlert{
		VehicleID:   vehicleID,
		Timestamp:   e.Timestamp.UnixMilli(),
		EventID:     e.ID,
		Kind:        e.Kind,
		Severity:    e.Severity.String(),
		Source:      e.Source,
		Description: e.Description,
		Metadata:    e.Metadata,
	}
}
