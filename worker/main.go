package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/4ier/retire-cluster/coordinator/protocol"
)

func main() {
	cfg := LoadConfig()
	log.Printf("worker starting. device id: %s, server: %s", cfg.DeviceID, cfg.ServerAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("received shutdown signal")
		cancel()
	}()

	executor := NewExecutor(cfg)

	// Connection loop with exponential backoff; each session runs until
	// the socket dies, then we reconnect.
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		err := runSession(ctx, cfg, executor)
		if ctx.Err() != nil {
			return
		}
		log.Printf("session ended: %v. reconnecting in %s...", err, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session owns one connection: a reader (the session goroutine itself),
// a single writer draining the outbox, and the heartbeat ticker.
type session struct {
	cfg      *Config
	executor *Executor
	conn     net.Conn
	codec    *protocol.Codec

	outbox  chan protocol.Message
	closing chan struct{}
	once    sync.Once

	startedAt time.Time
}

func runSession(ctx context.Context, cfg *Config, executor *Executor) error {
	conn, err := net.DialTimeout("tcp", cfg.ServerAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.ServerAddr, err)
	}

	s := &session{
		cfg:       cfg,
		executor:  executor,
		conn:      conn,
		codec:     protocol.NewCodec(conn),
		outbox:    make(chan protocol.Message, 64),
		closing:   make(chan struct{}),
		startedAt: time.Now(),
	}
	defer s.close()

	sessionCtx, sessionCancel := context.WithCancel(ctx)
	defer sessionCancel()
	go func() {
		<-sessionCtx.Done()
		s.close()
	}()

	go s.writeLoop()

	if err := s.register(); err != nil {
		return err
	}
	go s.heartbeatLoop(sessionCtx)

	return s.readLoop(sessionCtx)
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closing)
		s.conn.Close()
	})
}

// post enqueues an outbound frame, dropping the session if the writer
// has stalled long enough to fill the outbox.
func (s *session) post(msg protocol.Message) {
	select {
	case s.outbox <- msg:
	case <-s.closing:
	default:
		log.Println("outbox full, dropping connection")
		s.close()
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.closing:
			return
		case msg := <-s.outbox:
			s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if err := s.codec.WriteMessage(msg); err != nil {
				s.close()
				return
			}
		}
	}
}

func (s *session) register() error {
	msg, err := protocol.NewMessage(protocol.MsgRegister, s.cfg.DeviceID, protocol.RegisterPayload{
		DeviceID:       s.cfg.DeviceID,
		Role:           s.cfg.Role,
		Platform:       s.cfg.Platform,
		Architecture:   s.cfg.Architecture,
		RuntimeVersion: s.cfg.RuntimeVersion,
		Capabilities: protocol.Capabilities{
			CPUCores:    s.cfg.CPUCores,
			MemoryGB:    s.cfg.MemoryGB,
			StorageGB:   s.cfg.StorageGB,
			HasGPU:      s.cfg.HasGPU,
			HasInternet: s.cfg.HasInternet,
			Tags:        s.cfg.Tags,
		},
		SupportedTaskTypes: s.executor.TaskTypes(),
		MaxConcurrentTasks: s.cfg.MaxConcurrentTasks,
	})
	if err != nil {
		return err
	}
	s.post(msg)

	// The ack must be the first frame back.
	s.conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	reply, err := s.codec.ReadMessage()
	if err != nil {
		return fmt.Errorf("awaiting register_ack: %w", err)
	}
	if reply.MessageType != protocol.MsgRegisterAck {
		return fmt.Errorf("expected register_ack, got %s", reply.MessageType)
	}
	var ack protocol.RegisterAckPayload
	if err := reply.DecodePayload(&ack); err != nil {
		return err
	}
	if !ack.Accepted {
		return fmt.Errorf("registration rejected: %s", ack.Reason)
	}
	log.Printf("registered with coordinator as %s", ack.AssignedDeviceID)
	return nil
}

func (s *session) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.HeartbeatInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
			s.post(protocol.MustMessage(protocol.MsgHeartbeat, s.cfg.DeviceID, protocol.HeartbeatPayload{
				CPUPercent:    s.loadEstimate(),
				MemoryPercent: 0,
				ActiveTasks:   s.executor.ActiveTasks(),
				UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
			}))
		}
	}
}

// loadEstimate approximates utilization from executor occupancy; the
// coordinator only uses it as a ranking hint.
func (s *session) loadEstimate() float64 {
	if s.cfg.MaxConcurrentTasks <= 0 {
		return 0
	}
	return float64(s.executor.ActiveTasks()) / float64(s.cfg.MaxConcurrentTasks) * 100
}

func (s *session) readLoop(ctx context.Context) error {
	for {
		s.conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		msg, err := s.codec.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.New("coordinator closed the connection")
			}
			return err
		}

		switch msg.MessageType {
		case protocol.MsgTaskAssign:
			var assign protocol.TaskAssignPayload
			if err := msg.DecodePayload(&assign); err != nil {
				log.Printf("bad task_assign: %v", err)
				continue
			}
			// Ack first so the coordinator observes the running state.
			s.post(protocol.MustMessage(protocol.MsgAck, s.cfg.DeviceID, protocol.AckPayload{
				OriginalMessageID: msg.MessageID,
				TaskID:            assign.TaskID,
			}))
			go s.executor.Execute(ctx, assign, func(res protocol.TaskResultPayload) {
				s.post(protocol.MustMessage(protocol.MsgTaskResult, s.cfg.DeviceID, res))
			})

		case protocol.MsgTaskCancel:
			var cancelReq protocol.TaskCancelPayload
			if err := msg.DecodePayload(&cancelReq); err != nil {
				log.Printf("bad task_cancel: %v", err)
				continue
			}
			if s.executor.Cancel(cancelReq.TaskID) {
				log.Printf("task %s cancelled: %s", cancelReq.TaskID, cancelReq.Reason)
			}

		case protocol.MsgHeartbeatAck, protocol.MsgRegisterAck, protocol.MsgStatusReply:
			// Informational.

		case protocol.MsgError:
			var p protocol.ErrorPayload
			if err := msg.DecodePayload(&p); err == nil {
				log.Printf("coordinator error: %s", p.Error)
			}

		default:
			log.Printf("ignoring unexpected %s frame", msg.MessageType)
		}
	}
}
