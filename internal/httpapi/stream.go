package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/novel2anime/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleEventsWS streams store and playback snapshots to a viewer and applies
// the viewer's control messages. Each connection keeps a single writer.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SetActiveViewers(s.viewers.Add(1))
	defer func() { s.metrics.SetActiveViewers(s.viewers.Add(-1)) }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	states, unsubState := s.store.Subscribe()
	defer unsubState()
	plays, unsubPlay := s.viewer.Engine().Subscribe()
	defer unsubPlay()

	replies := make(chan any, 16)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case st, ok := <-states:
				if !ok {
					return
				}
				msg = protocol.NewStateSnapshot(st)
			case ps, ok := <-plays:
				if !ok {
					return
				}
				msg = protocol.NewPlaybackSnapshot(ps)
			case m := <-replies:
				msg = m
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.ObserveIndicator("invalid_client_message")
			s.reply(ctx, replies, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		if err := s.applyClientMessage(ctx, parsed); err != nil {
			s.reply(ctx, replies, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "control_failed",
				Source: "viewer",
				Detail: err.Error(),
			})
		}
	}

	cancel()
	<-writerDone
}

// reply queues msg for the writer, dropping it when the queue is full.
func (s *Server) reply(ctx context.Context, replies chan<- any, msg any) {
	select {
	case replies <- msg:
	case <-ctx.Done():
	default:
		log.Printf("httpapi: viewer reply queue full, dropping %T", msg)
	}
}

func (s *Server) applyClientMessage(ctx context.Context, msg any) error {
	nav := s.viewer.Navigator()
	engine := s.viewer.Engine()
	switch m := msg.(type) {
	case protocol.ClientKey:
		engine.MarkInteraction()
		nav.HandleKey(m.Key)
		return nil
	case protocol.ClientControl:
		engine.MarkInteraction()
		switch m.Action {
		case protocol.ActionNext:
			nav.Next()
		case protocol.ActionPrevious:
			nav.Previous()
		case protocol.ActionFirst:
			nav.First()
		case protocol.ActionLast:
			nav.Last()
		case protocol.ActionGoTo:
			nav.GoToScene(*m.Scene)
		case protocol.ActionToggleDialogue:
			scene := nav.Index()
			if m.Scene != nil {
				scene = *m.Scene
			}
			return s.viewer.ToggleDialogue(ctx, scene, *m.Dialogue)
		case protocol.ActionPlayNarration:
			scene := nav.Index()
			if m.Scene != nil {
				scene = *m.Scene
			}
			return s.viewer.PlayNarration(ctx, scene)
		case protocol.ActionAutoPlay:
			return s.viewer.AutoPlay(ctx)
		case protocol.ActionPause:
			return engine.Pause()
		case protocol.ActionResume:
			return engine.Resume()
		case protocol.ActionStop:
			engine.Stop()
		}
		return nil
	default:
		return errors.New("unhandled client message")
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.ClientKey:
		return m.Type, true
	case protocol.StateSnapshot:
		return m.Type, true
	case protocol.PlaybackSnapshot:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
