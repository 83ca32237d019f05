package transport

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/4ier/retire-cluster/coordinator/observability"
	"github.com/4ier/retire-cluster/coordinator/protocol"
	"github.com/4ier/retire-cluster/coordinator/registry"
	"github.com/4ier/retire-cluster/coordinator/scheduler"
)

// ErrOutboxFull is returned by Post when the bounded outbox is at its
// high-water mark. The handler drops the connection in response.
var ErrOutboxFull = errors.New("outbox full")

// connHandler owns one worker socket: the single reader and the single
// writer. It cooperates with the registry and scheduler purely through
// their thread-safe operations and holds no locks across socket I/O.
type connHandler struct {
	srv   *Server
	conn  net.Conn
	codec *protocol.Codec

	outbox  chan protocol.Message
	closing chan struct{}
	once    sync.Once

	deviceID   string
	registered bool
}

func newConnHandler(srv *Server, conn net.Conn) *connHandler {
	return &connHandler{
		srv:     srv,
		conn:    conn,
		codec:   protocol.NewCodecSize(conn, srv.cfg.MaxMessageBytes),
		outbox:  make(chan protocol.Message, srv.cfg.OutboxSize),
		closing: make(chan struct{}),
	}
}

// Post enqueues an outbound message without blocking. Exceeding the
// high-water mark drops the whole connection; the device-down path then
// reassigns anything in flight.
func (h *connHandler) Post(msg protocol.Message) error {
	select {
	case <-h.closing:
		return net.ErrClosed
	default:
	}
	select {
	case h.outbox <- msg:
		return nil
	default:
		observability.OutboxDrops.Inc()
		log.Printf("transport: outbox full for %s, dropping connection", h.peer())
		h.RequestClose("outbox overflow")
		return ErrOutboxFull
	}
}

// RequestClose tears the connection down. Safe to call concurrently
// and more than once.
func (h *connHandler) RequestClose(reason string) {
	h.once.Do(func() {
		close(h.closing)
		h.conn.Close()
	})
}

func (h *connHandler) peer() string {
	if h.deviceID != "" {
		return h.deviceID
	}
	return h.conn.RemoteAddr().String()
}

// run drives the connection: writer, handshake, then the read loop.
func (h *connHandler) run(ctx context.Context) {
	defer h.teardown()

	go h.writeLoop()

	if err := h.handshake(); err != nil {
		if !errors.Is(err, io.EOF) && !isClosedErr(err) {
			log.Printf("transport: handshake with %s failed: %v", h.conn.RemoteAddr(), err)
			h.sendErrorFrame(err, "")
			// Give the writer a moment to flush the error frame.
			time.Sleep(100 * time.Millisecond)
		}
		h.RequestClose("handshake failed")
		return
	}

	h.readLoop()
}

// handshake requires a valid register as the first frame within the
// handshake timeout. No Device exists until it succeeds.
func (h *connHandler) handshake() error {
	h.conn.SetReadDeadline(time.Now().Add(h.srv.cfg.HandshakeTimeout))

	msg, err := h.codec.ReadMessage()
	if err != nil {
		if errors.Is(err, protocol.ErrProtocol) {
			observability.ProtocolErrors.Inc()
		}
		return err
	}
	if msg.MessageType != protocol.MsgRegister {
		observability.ProtocolErrors.Inc()
		return protocol.ErrProtocol
	}
	return h.handleRegister(msg)
}

func (h *connHandler) handleRegister(msg protocol.Message) error {
	var p protocol.RegisterPayload
	if err := msg.DecodePayload(&p); err != nil {
		observability.ProtocolErrors.Inc()
		return err
	}
	if h.registered && p.DeviceID != h.deviceID {
		observability.ProtocolErrors.Inc()
		return protocol.ErrProtocol
	}
	if err := p.Validate(); err != nil {
		observability.ProtocolErrors.Inc()
		h.Post(protocol.MustMessage(protocol.MsgRegisterAck, scheduler.CoordinatorSender, protocol.RegisterAckPayload{
			Accepted: false,
			Reason:   err.Error(),
		}))
		return err
	}

	info := registry.DeviceInfo{
		DeviceID:           p.DeviceID,
		Role:               p.Role,
		Platform:           p.Platform,
		Architecture:       p.Architecture,
		RuntimeVersion:     p.RuntimeVersion,
		Capabilities:       p.Capabilities,
		SupportedTaskTypes: p.SupportedTaskTypes,
		MaxConcurrentTasks: p.MaxConcurrentTasks,
	}
	_, wasNew, evicted := h.srv.registry.Register(info, h.conn.RemoteAddr().String(), h)
	h.deviceID = p.DeviceID
	h.registered = true
	log.Printf("transport: device %s registered from %s (new=%v)", p.DeviceID, h.conn.RemoteAddr(), wasNew)

	// The ack goes out before any reassigned work so the worker always
	// sees register_ack as the first frame.
	err := h.Post(protocol.MustMessage(protocol.MsgRegisterAck, scheduler.CoordinatorSender, protocol.RegisterAckPayload{
		Accepted:         true,
		AssignedDeviceID: p.DeviceID,
	}))
	if err != nil {
		return err
	}

	if evicted {
		// The prior socket for this id was closed; its in-flight tasks
		// are reassigned through the normal device-down path.
		n := h.srv.scheduler.DeviceDown(p.DeviceID, "connection replaced")
		if n > 0 {
			log.Printf("transport: %s replaced its connection, %d in-flight tasks reassigned", p.DeviceID, n)
		}
	}
	h.srv.scheduler.Poke()
	return nil
}

// writeLoop is the only goroutine that writes the socket.
func (h *connHandler) writeLoop() {
	for {
		select {
		case <-h.closing:
			return
		case msg := <-h.outbox:
			h.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if err := h.codec.WriteMessage(msg); err != nil {
				if !isClosedErr(err) {
					log.Printf("transport: write to %s failed: %v", h.peer(), err)
				}
				h.RequestClose("write failed")
				return
			}
		}
	}
}

// readLoop is the only goroutine that reads the socket. Every inbound
// message refreshes last_seen.
func (h *connHandler) readLoop() {
	for {
		idle := h.srv.cfg.IdleTimeout
		if idle <= 0 {
			idle = 10 * time.Minute
		}
		h.conn.SetReadDeadline(time.Now().Add(idle))

		msg, err := h.codec.ReadMessage()
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				observability.ProtocolErrors.Inc()
				log.Printf("transport: protocol violation from %s: %v", h.peer(), err)
				h.sendErrorFrame(err, "")
			} else if !errors.Is(err, io.EOF) && !isClosedErr(err) {
				log.Printf("transport: read from %s failed: %v", h.peer(), err)
			}
			h.RequestClose("read ended")
			return
		}

		if err := h.route(msg); err != nil {
			observability.ProtocolErrors.Inc()
			log.Printf("transport: bad %s message from %s: %v", msg.MessageType, h.peer(), err)
			h.sendErrorFrame(err, msg.MessageID)
			h.RequestClose("protocol violation")
			return
		}
	}
}

func (h *connHandler) route(msg protocol.Message) error {
	h.srv.registry.Touch(h.deviceID, nil)

	switch msg.MessageType {
	case protocol.MsgHeartbeat:
		var p protocol.HeartbeatPayload
		if err := msg.DecodePayload(&p); err != nil {
			return err
		}
		h.srv.registry.Touch(h.deviceID, &registry.Metrics{
			CPUPercent:    p.CPUPercent,
			MemoryPercent: p.MemoryPercent,
			ActiveTasks:   p.ActiveTasks,
			UptimeSeconds: p.UptimeSeconds,
		})
		h.Post(protocol.MustMessage(protocol.MsgHeartbeatAck, scheduler.CoordinatorSender, protocol.HeartbeatAckPayload{
			ServerTime:      time.Now().UTC().Format(time.RFC3339Nano),
			PendingTaskHint: h.srv.scheduler.PendingHint(h.deviceID),
		}))
		h.srv.scheduler.Poke()
		return nil

	case protocol.MsgAck:
		var p protocol.AckPayload
		if err := msg.DecodePayload(&p); err != nil {
			return err
		}
		if p.TaskID != "" {
			h.srv.scheduler.HandleAck(h.deviceID, p.TaskID)
		}
		return nil

	case protocol.MsgTaskResult:
		var p protocol.TaskResultPayload
		if err := msg.DecodePayload(&p); err != nil {
			return err
		}
		if err := p.Validate(); err != nil {
			return err
		}
		h.srv.scheduler.HandleResult(h.deviceID, p)
		return nil

	case protocol.MsgStatusQuery:
		stats := h.srv.registry.Stats()
		sched := h.srv.scheduler.Stats()
		h.Post(protocol.MustMessage(protocol.MsgStatusReply, scheduler.CoordinatorSender, protocol.StatusReplyPayload{
			OriginalMessageID: msg.MessageID,
			OnlineDevices:     stats.Online,
			TotalDevices:      stats.Total,
			QueuedTasks: map[string]int{
				"urgent": sched.Queue.Urgent,
				"high":   sched.Queue.High,
				"normal": sched.Queue.Normal,
				"low":    sched.Queue.Low,
			},
			InFlightTasks: sched.InFlight,
		}))
		return nil

	case protocol.MsgRegister:
		// A re-register on the same socket refreshes metadata.
		return h.handleRegister(msg)

	case protocol.MsgError:
		var p protocol.ErrorPayload
		if err := msg.DecodePayload(&p); err != nil {
			return err
		}
		log.Printf("transport: error frame from %s: %s", h.peer(), p.Error)
		return nil

	default:
		// A worker has no business sending coordinator-only frames.
		return protocol.ErrProtocol
	}
}

// sendErrorFrame makes a best-effort attempt to tell the peer why the
// connection is about to close.
func (h *connHandler) sendErrorFrame(cause error, originalID string) {
	msg, err := protocol.NewMessage(protocol.MsgError, scheduler.CoordinatorSender, protocol.ErrorPayload{
		Error:             cause.Error(),
		OriginalMessageID: originalID,
	})
	if err != nil {
		return
	}
	select {
	case h.outbox <- msg:
	default:
	}
}

// teardown detaches from the registry and hands in-flight work back to
// the scheduler. A stale handler (already evicted by a newer
// registration) detaches as a no-op and must not touch the device.
func (h *connHandler) teardown() {
	h.RequestClose("teardown")
	if !h.registered {
		return
	}
	if h.srv.registry.Detach(h.deviceID, h) {
		n := h.srv.scheduler.DeviceDown(h.deviceID, "connection lost")
		if n > 0 {
			log.Printf("transport: %s disconnected, %d in-flight tasks reassigned", h.deviceID, n)
		}
	}
}

func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
