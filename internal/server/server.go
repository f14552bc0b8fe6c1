// Package server exposes conversations over a websocket and serves the
// metrics and health endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opentalon/relay/internal/logging"
	"github.com/opentalon/relay/internal/metrics"
	"github.com/opentalon/relay/internal/model"
	"github.com/opentalon/relay/internal/orchestrator"
)

const writeTimeout = 10 * time.Second

// Conversations creates one orchestrator per connection.
type Conversations interface {
	NewConversation(ctx context.Context, id string, opts ...orchestrator.Option) (*orchestrator.Orchestrator, error)
}

// ModelStatus is the read side of model.Resource.
type ModelStatus interface {
	Status() model.Status
	Watch(ctx context.Context) <-chan model.Status
}

type Server struct {
	convs    Conversations
	status   ModelStatus
	location func(string)
	metrics  *metrics.Recorder
	logger   *zap.Logger
	origins  []string
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLocationHandler receives the folder sent in location frames.
func WithLocationHandler(fn func(string)) Option {
	return func(s *Server) { s.location = fn }
}

// WithOriginPatterns allows cross-origin websocket clients.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

func New(convs Conversations, status ModelStatus, opts ...Option) *Server {
	s := &Server{convs: convs, status: status, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.serveWS)
	mux.HandleFunc("GET /healthz", s.serveHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.status.Status()
	w.Header().Set("Content-Type", "application/json")
	if st.State != model.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(st)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = c.CloseNow() }()

	id := r.URL.Query().Get("conversation")
	if id == "" {
		id = uuid.NewString()
	}
	logger := s.logger.With(zap.String("conversation", id))

	err = s.session(r.Context(), c, id, logger)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		logger.Debug("websocket closed")
		_ = c.Close(websocket.StatusNormalClosure, "")
	default:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Info("websocket session ended", zap.Error(err))
		}
		_ = c.Close(websocket.StatusInternalError, "session ended")
	}
}

// session runs one connection: a reader that starts turns, a writer that
// owns the socket, and a model status relay.
func (s *Server) session(ctx context.Context, c *websocket.Conn, id string, logger *zap.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	out := make(chan Frame, 16)

	send := func(f Frame) {
		select {
		case out <- f:
		case <-ctx.Done():
		}
	}

	o, err := s.convs.NewConversation(ctx, id,
		orchestrator.WithStateListener(func(st orchestrator.UIState) {
			send(Frame{Type: FrameState, State: &st})
		}))
	if err != nil {
		_ = wsjson.Write(ctx, c, Frame{Type: FrameError, Message: "conversation unavailable"})
		return err
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case f := <-out:
				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(wctx, c, f)
				cancel()
				if err != nil {
					return err
				}
			}
		}
	})

	g.Go(func() error {
		for st := range s.status.Watch(ctx) {
			send(Frame{Type: FrameModelStatus, Status: &st})
		}
		return nil
	})

	send(Frame{Type: FrameState, Conversation: id, State: &orchestrator.UIState{Kind: orchestrator.UIIdle}})

	var turns sync.WaitGroup
	var turnMu sync.Mutex
	var cancelTurn context.CancelFunc = func() {}
	g.Go(func() error {
		defer func() {
			turnMu.Lock()
			cancelTurn()
			turnMu.Unlock()
			o.Close()
			turns.Wait()
		}()
		for {
			var in Frame
			if err := wsjson.Read(ctx, c, &in); err != nil {
				return err
			}
			switch in.Type {
			case FrameMessage:
				var opts []orchestrator.TurnOption
				if in.RequireCapability {
					opts = append(opts, orchestrator.WithRequiredCapability())
				}
				turnCtx, cancel := context.WithCancel(ctx)
				turnMu.Lock()
				cancelTurn = cancel
				turnMu.Unlock()

				turns.Add(1)
				go func(text string) {
					defer turns.Done()
					defer cancel()
					reply, err := o.SendMessage(turnCtx, text, opts...)
					if err != nil {
						if errors.Is(err, orchestrator.ErrEmptyMessage) {
							send(Frame{Type: FrameError, Message: "message is empty"})
						}
						return
					}
					send(Frame{Type: FrameReply, Reply: replyFrame(reply)})
				}(in.Text)
			case FrameCancel:
				turnMu.Lock()
				cancelTurn()
				turnMu.Unlock()
			case FrameLocation:
				if s.location != nil {
					s.location(in.Location)
				}
			default:
				logger.Debug("unknown frame", zap.String("type", in.Type))
				send(Frame{Type: FrameError, Message: "unknown frame type"})
			}
		}
	})

	return g.Wait()
}
