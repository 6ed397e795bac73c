package session

import (
	"context"
	"io"
	"log"
	"time"

	"github.com/mateus-silva/pgpool/internal/backend"
	"github.com/mateus-silva/pgpool/internal/metrics"
	"github.com/mateus-silva/pgpool/internal/wire"
	"github.com/mateus-silva/pgpool/pkg/route"
)

// chunkSource tags a taggedEvent by which endpoint produced it.
type chunkSource int

const (
	sourceClient chunkSource = iota
	sourceServer
)

// taggedEvent is one chunk-reader event posted to the relay's single
// event channel, the idiomatic-Go stand-in for a readiness-poll
// notification (see SPEC_FULL.md's relay implementation note).
type taggedEvent struct {
	source chunkSource
	chunk  wire.Chunk
	err    error
}

// endpointReader performs exactly one blocking chunk read at a time on
// behalf of the relay's single controlling goroutine, posting each result
// on a shared channel and waiting to be told to proceed before issuing
// the next read. At most one in-flight read exists per endpoint.
type endpointReader struct {
	source  chunkSource
	cr      *wire.ChunkReader
	eventCh chan<- taggedEvent
	proceed chan struct{}
	stop    chan struct{}
}

func startEndpointReader(source chunkSource, r io.Reader, eventCh chan<- taggedEvent) *endpointReader {
	er := &endpointReader{
		source:  source,
		cr:      wire.NewChunkReader(r),
		eventCh: eventCh,
		proceed: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go er.run()
	return er
}

func (er *endpointReader) run() {
	for {
		chunk, err := er.cr.Next()
		select {
		case er.eventCh <- taggedEvent{source: er.source, chunk: chunk, err: err}:
		case <-er.stop:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-er.proceed:
		case <-er.stop:
			return
		}
	}
}

// Proceed tells the reader it may issue its next blocking read. Safe to
// call even if the reader has already exited.
func (er *endpointReader) Proceed() {
	select {
	case er.proceed <- struct{}{}:
	default:
	}
}

// Stop terminates the reader goroutine at its next opportunity.
func (er *endpointReader) Stop() {
	close(er.stop)
}

// runRemote drives the relay loop for a session routed to a `remote`
// storage route until a terminal outcome is reached.
func (s *Session) runRemote(ctx context.Context) outcome {
	eventCh := make(chan taggedEvent, 8)

	clientRd := startEndpointReader(sourceClient, s.client, eventCh)
	defer clientRd.Stop()

	var serverRd *endpointReader
	stopServerReader := func() {
		if serverRd != nil {
			serverRd.Stop()
			serverRd = nil
		}
	}
	defer stopServerReader()

	if s.rt.PoolMode == route.PoolSession {
		sc, out, ok := s.ensureServer(ctx, eventCh, &serverRd)
		if !ok {
			return out
		}
		_ = sc
	}

	var clientMsg, serverMsg []byte
	var clientMsgType, serverMsgType byte
	var queryStarted time.Time

	for {
		select {
		case op := <-s.control:
			if op == controlKill {
				return outcomeKill
			}

		case ev := <-eventCh:
			switch ev.source {
			case sourceClient:
				if ev.err != nil {
					return outcomeEClientRead
				}
				clientMsg = append(clientMsg, ev.chunk.Data...)
				if ev.chunk.First {
					clientMsgType = ev.chunk.Type
				}
				if !ev.chunk.Complete {
					clientRd.Proceed()
					continue
				}

				sc, out, ok := s.ensureServer(ctx, eventCh, &serverRd)
				if !ok {
					return out
				}

				payload := clientMsg[5:]
				metrics.WireMessagesTotal.WithLabelValues(s.rt.ID, "client_to_server", string(clientMsgType)).Inc()

				switch clientMsgType {
				case wire.Terminate:
					return outcomeTerminate
				case wire.CopyDone, wire.CopyFail:
					sc.SetCopy(false)
				}
				if s.cfg.Proxy.LogQuery {
					switch clientMsgType {
					case wire.Query:
						log.Printf("[session:%d] query: %s", s.seq, wire.QueryText(payload))
					case wire.Parse:
						if name, ok := wire.ParseStatementName(payload); ok {
							log.Printf("[session:%d] parse: statement=%q", s.seq, name)
						}
					}
				}
				if clientMsgType == wire.Query {
					queryStarted = time.Now()
				}
				s.applyPin(sc, wire.InspectClientMessage(clientMsgType, payload))

				if _, err := sc.Conn().Write(clientMsg); err != nil {
					return outcomeEServerWrite
				}
				clientMsg = nil
				clientRd.Proceed()

			case sourceServer:
				if ev.err != nil {
					return outcomeEServerRead
				}
				serverMsg = append(serverMsg, ev.chunk.Data...)
				if ev.chunk.First {
					serverMsgType = ev.chunk.Type
				}
				if !ev.chunk.Complete {
					if serverRd != nil {
						serverRd.Proceed()
					}
					continue
				}

				sc := s.server

				if sc.DeploySync() > 0 {
					if serverMsgType == wire.ReadyForQuery {
						sc.DecrementDeploySync()
					}
					serverMsg = nil
					if serverRd != nil {
						serverRd.Proceed()
					}
					continue
				}

				payload := serverMsg[5:]
				metrics.WireMessagesTotal.WithLabelValues(s.rt.ID, "server_to_client", string(serverMsgType)).Inc()

				switch serverMsgType {
				case wire.ErrorResponse:
					_, sqlstate, message := wire.ParseErrorResponse(payload)
					if s.cfg.Proxy.LogSession {
						log.Printf("[session:%d] backend error (%s): %s", s.seq, sqlstate, message)
					}
				case wire.ParameterStatus:
					if name, value, ok := wire.ParseParameterStatus(payload); ok {
						s.params[name] = value
					}
				case wire.CopyInResponse, wire.CopyOutResponse:
					sc.SetCopy(true)
				case wire.CopyDone:
					sc.SetCopy(false)
				case wire.ReadyForQuery:
					if sc.IsCopy() {
						return outcomeEServerRead
					}
					if status, ok := wire.ReadyForQueryStatus(payload); ok {
						sc.SetTransaction(status != wire.TxIdle)
					}
					if !queryStarted.IsZero() {
						metrics.QueryDuration.WithLabelValues(s.rt.ID).Observe(time.Since(queryStarted).Seconds())
						queryStarted = time.Time{}
					}

					if _, err := s.client.Write(serverMsg); err != nil {
						return outcomeEClientWrite
					}
					serverMsg = nil

					if s.rt.PoolMode == route.PoolTransaction && !sc.IsTransaction() {
						if err := s.mgr.Detach(ctx, s.rt.ID, s.pid, s.key, sc); err != nil {
							return outcomeEServerConfigure
						}
						s.server = nil
						stopServerReader()
					} else if serverRd != nil {
						serverRd.Proceed()
					}
					continue
				}

				if _, err := s.client.Write(serverMsg); err != nil {
					return outcomeEClientWrite
				}
				serverMsg = nil
				if serverRd != nil {
					serverRd.Proceed()
				}
			}
		}
	}
}

// ensureServer attaches a backend connection and starts its reader if the
// session does not currently hold one (lazily, per transaction, under
// transaction pool mode; once, up front, under session pool mode).
func (s *Session) ensureServer(ctx context.Context, eventCh chan<- taggedEvent, serverRd **endpointReader) (*backend.ServerConn, outcome, bool) {
	if s.server != nil {
		return s.server, 0, true
	}

	sc, err := s.mgr.Attach(ctx, s.rt.ID, s.pid, s.key, s.id.String(), s.params)
	if err != nil {
		s.lastErr = err
		return nil, classifyAttachErr(err), false
	}
	s.server = sc
	*serverRd = startEndpointReader(sourceServer, sc.Conn(), eventCh)
	return sc, 0, true
}

// applyPin updates a server connection's pin/transaction/state based on
// one inspected client message.
func (s *Session) applyPin(sc *backend.ServerConn, result wire.PinResult) {
	switch result.Action {
	case wire.PinActionPin:
		if result.Reason == "transaction" {
			sc.SetTransaction(true)
		}
		sc.Pin(backend.PinReason(result.Reason))
		metrics.ConnectionsPinned.WithLabelValues(s.rt.ID, result.Reason).Inc()
	case wire.PinActionUnpin:
		if result.Reason == "transaction" {
			sc.SetTransaction(false)
		}
		reason := sc.PinReasonValue()
		if reason != backend.PinNone {
			sc.Unpin()
			metrics.ConnectionsPinned.WithLabelValues(s.rt.ID, string(reason)).Dec()
		}
	}
}
