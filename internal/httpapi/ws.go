package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"pkt.systems/viewsync/api"
	"pkt.systems/viewsync/internal/model"
)

// eventWriteTimeout bounds each event write so a stalled peer cannot pin the
// writer goroutine after the session has dropped its subscriber.
const eventWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The session socket carries no credentials; origin policy belongs to
	// the deployment's proxy layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleSession upgrades to WebSocket, performs the hello/welcome handshake,
// and then pumps commands into and events out of the session until either
// side goes away.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("ws.upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	logger := h.logger.With("conn", xid.New().String())

	var env api.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		logger.Debug("ws.handshake.read_failed", "error", err)
		return
	}
	if env.Type != api.TypeHello {
		logger.Debug("ws.handshake.unexpected_type", "type", env.Type)
		return
	}
	var hello api.Hello
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &hello); err != nil {
			logger.Debug("ws.handshake.decode_failed", "error", err)
			return
		}
	}
	clientID := hello.ClientID
	if clientID == "" {
		clientID = newClientID()
	}

	sub, welcome, err := h.session.Join(clientID)
	if err != nil {
		logger.Warn("ws.join_failed", "client", clientID, "error", err)
		return
	}
	logger = logger.With("client", clientID)

	welcomeEnv, err := api.NewEnvelope(api.TypeWelcome, welcome)
	if err != nil {
		h.session.Leave(sub)
		return
	}
	if err := conn.WriteJSON(welcomeEnv); err != nil {
		h.session.Leave(sub)
		return
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		// Closing the connection here unblocks the read loop below, so a
		// client whose event stream ended (dropped by the session or session
		// shutdown) is torn down and leaves instead of submitting commands
		// it can never see echoed.
		defer conn.Close()
		for event := range sub.Events() {
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug("ws.write_failed", "error", err)
				return
			}
		}
	}()

	for {
		var env api.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			logger.Debug("ws.closed", "error", err)
			break
		}
		op, err := opFromEnvelope(env)
		if err != nil {
			// Malformed commands are dropped, matching the model's silent
			// rejection posture.
			logger.Debug("ws.command.invalid", "type", env.Type, "error", err)
			continue
		}
		if err := h.session.Submit(clientID, op); err != nil {
			break
		}
	}

	h.session.Leave(sub)
	conn.Close()
	<-writeDone
}

// opFromEnvelope decodes a command envelope into a model op.
func opFromEnvelope(env api.Envelope) (model.Op, error) {
	switch env.Type {
	case api.TypePlaceSet:
		var cmd api.PlaceSet
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return nil, err
		}
		return model.SetPlace{Place: cmd.Place}, nil
	case api.TypeInteractionEnd:
		return model.EndInteraction{}, nil
	case api.TypeRotationSet:
		var cmd api.RotationSet
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return nil, err
		}
		return model.SetRotation{Rotation: cmd.Rotation}, nil
	case api.TypeScrollModeSet:
		var cmd api.ScrollModeSet
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return nil, err
		}
		return model.SetScrollMode{Mode: cmd.Mode}, nil
	case api.TypeLoadRequest:
		var cmd api.LoadRequest
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return nil, err
		}
		return model.RequestLoad{ContentHash: cmd.ContentHash}, nil
	case api.TypeLoadStart:
		var cmd api.LoadStart
		if err := json.Unmarshal(env.Data, &cmd); err != nil {
			return nil, err
		}
		return model.StartLoad{
			ContentHash: cmd.ContentHash,
			Handle:      cmd.Handle,
			Name:        cmd.Name,
			Recovered:   cmd.Recovered,
		}, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", env.Type)
	}
}
