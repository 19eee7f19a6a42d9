package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"git.home.luguber.info/inful/applianced/internal/channel"
	ferrors "git.home.luguber.info/inful/applianced/internal/foundation/errors"
	"git.home.luguber.info/inful/applianced/internal/jobqueue"
	"git.home.luguber.info/inful/applianced/internal/logfields"
	"git.home.luguber.info/inful/applianced/internal/module"
)

// Identity headers set by the trusted reverse proxy.
const (
	HeaderAuthenticated = "X-Remote-Authenticated"
	HeaderAdmin         = "X-Remote-Admin"
	HeaderUser          = "X-Remote-User"
)

const maxFrameBytes = 1 << 20

// Frame is an inbound observer message.
type Frame struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is the data of an outbound error event.
type ErrorPayload struct {
	Action string `json:"action,omitempty"`
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
}

// The proxy enforces origin policy.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// IdentityFromRequest reads the proxy identity headers.
func IdentityFromRequest(r *http.Request) channel.Identity {
	authenticated, _ := strconv.ParseBool(r.Header.Get(HeaderAuthenticated))
	admin, _ := strconv.ParseBool(r.Header.Get(HeaderAdmin))
	return channel.NewIdentity(authenticated, admin, r.Header.Get(HeaderUser))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("module")
	m, ok := s.lookup(name)
	if !ok {
		s.adapter.WriteErrorResponse(w, r, ferrors.NotFoundError("unknown module").
			WithContext("module", name).
			Build())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		slog.Warn("WebSocket upgrade failed", logfields.Module(name), logfields.Error(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	obs := channel.NewObserver(IdentityFromRequest(r), channel.DefaultBuffer)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go s.writeLoop(conn, obs, writerDone)

	m.Connect(ctx, obs)
	s.readLoop(ctx, conn, m, obs)

	m.Disconnect(context.WithoutCancel(ctx), obs)
	<-writerDone
	_ = conn.Close()
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, m *module.Module, obs *channel.Observer) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("WebSocket read ended", logfields.Module(m.Name()), logfields.Observer(obs.ID()), logfields.Error(err))
			}
			return
		}
		if obs.Closed() {
			return
		}
		s.dispatch(ctx, m, obs, frame)
	}
}

func (s *Server) dispatch(ctx context.Context, m *module.Module, obs *channel.Observer, frame Frame) {
	if frame.Action == "" {
		obs.Emit(module.EventError, ErrorPayload{Error: "missing action", Code: string(ferrors.CategoryValidation)})
		return
	}

	job, err := m.HandleAction(ctx, obs, frame.Action, frame.Data)
	if err != nil {
		payload := ErrorPayload{Action: frame.Action, Error: jobqueue.FailureMessage(err), Code: ferrors.Code(err)}
		slog.Info("Action rejected",
			logfields.Module(m.Name()),
			logfields.Observer(obs.ID()),
			logfields.Action(frame.Action),
			logfields.Error(err))
		obs.Emit(module.EventError, payload)
		return
	}
	if job != nil {
		obs.Emit(module.EventJob, module.JobEvent{ID: job.ID, Name: job.Name, Progress: job.Progress})
	} else if m.Claims(frame.Action) {
		obs.Emit(module.EventError, ErrorPayload{
			Action: frame.Action,
			Error:  "failed to submit job",
			Code:   string(ferrors.CategoryQueue),
		})
	}
}

// writeLoop drains the observer's outbound queue until it is closed.
func (s *Server) writeLoop(conn *websocket.Conn, obs *channel.Observer, done chan<- struct{}) {
	defer close(done)

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case msg := <-obs.Messages():
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				obs.Close()
				_ = conn.Close()
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				obs.Close()
				_ = conn.Close()
				return
			}
		case <-obs.Done():
			// Flush what was queued before the close.
			for {
				select {
				case msg := <-obs.Messages():
					_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
					if conn.WriteJSON(msg) != nil {
						_ = conn.Close()
						return
					}
				default:
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(time.Second))
					// Unblocks readLoop when the close came from the module side.
					_ = conn.Close()
					return
				}
			}
		}
	}
}
