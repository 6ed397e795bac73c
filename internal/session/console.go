package session

import (
	"context"

	"github.com/mateus-silva/pgpool/internal/router"
	"github.com/mateus-silva/pgpool/internal/wire"
)

// runLocal drives §4.5's loop for a session routed to a `local` storage
// route: read one complete message at a time and dispatch it against the
// console handler, with no relay and no backend connection.
func (s *Session) runLocal(ctx context.Context) outcome {
	handler := router.NewConsoleHandler(s.mgr)

	for {
		select {
		case op := <-s.control:
			if op == controlKill {
				return outcomeKill
			}
		default:
		}

		msg, err := wire.ReadMessage(s.client)
		if err != nil {
			return outcomeEClientRead
		}

		switch msg.Type {
		case wire.Terminate:
			return outcomeTerminate

		case wire.Query:
			replies := handler.Handle(wire.QueryText(msg.Payload))
			for _, reply := range replies {
				if _, err := s.client.Write(reply.Bytes()); err != nil {
					return outcomeEClientWrite
				}
			}
			if _, err := s.client.Write(wire.BuildReadyForQuery(wire.TxIdle).Bytes()); err != nil {
				return outcomeEClientWrite
			}

		default:
			if _, err := s.client.Write(wire.FeatureNotSupported().Bytes()); err != nil {
				return outcomeEClientWrite
			}
			if _, err := s.client.Write(wire.BuildReadyForQuery(wire.TxIdle).Bytes()); err != nil {
				return outcomeEClientWrite
			}
		}
	}
}
