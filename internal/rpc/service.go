// Package rpc is the daemon control plane: a gRPC service whose messages are
// protobuf Structs carrying the JSON form of the types in this package.
package rpc

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/leadwave/wpsync/internal/automation"
	"github.com/leadwave/wpsync/internal/bus"
	"github.com/leadwave/wpsync/internal/connection"
	"github.com/leadwave/wpsync/internal/conversation"
	"github.com/leadwave/wpsync/internal/domain"
	"github.com/leadwave/wpsync/internal/prefs"
	"github.com/leadwave/wpsync/internal/provider"
	"github.com/leadwave/wpsync/internal/status"
	"github.com/leadwave/wpsync/internal/threads"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "wpsync.v1.Control"

// Service implements the control plane over the sync core.
type Service struct {
	conn   *connection.Manager
	dir    *threads.Directory
	sync   *conversation.Synchronizer
	prefs  *prefs.Store
	bus    *bus.Bus
	logger *zap.Logger
}

// NewService creates the control service.
func NewService(conn *connection.Manager, dir *threads.Directory, sync *conversation.Synchronizer, p *prefs.Store, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{conn: conn, dir: dir, sync: sync, prefs: p, bus: b, logger: logger}
}

// Register adds the service to a gRPC server.
func Register(srv *grpc.Server, svc *Service) {
	srv.RegisterService(&serviceDesc, svc)
}

type controlServer interface {
	Status(context.Context, Empty) (StatusReply, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", (*Service).Status),
		unary("Connect", (*Service).Connect),
		unary("Disconnect", (*Service).Disconnect),
		unary("SwitchProvider", (*Service).SwitchProvider),
		unary("ListThreads", (*Service).ListThreads),
		unary("RemoveThread", (*Service).RemoveThread),
		unary("SelectThread", (*Service).SelectThread),
		unary("Messages", (*Service).Messages),
		unary("Send", (*Service).Send),
		unary("Resend", (*Service).Resend),
		unary("SetAutomation", (*Service).SetAutomation),
		unary("GetPreferences", (*Service).GetPreferences),
		unary("SetWebhookConfirm", (*Service).SetWebhookConfirm),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
}

// unary adapts a typed method to a gRPC method handler.
func unary[Req, Resp any](name string, fn func(*Service, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handle := func(ctx context.Context, raw any) (any, error) {
				var req Req
				if err := fromStruct(raw.(*structpb.Struct), &req); err != nil {
					return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", name, err)
				}
				resp, err := fn(srv.(*Service), ctx, req)
				if err != nil {
					return nil, toStatus(err)
				}
				out, err := toStruct(resp)
				if err != nil {
					return nil, grpcstatus.Errorf(codes.Internal, "%s: %v", name, err)
				}
				return out, nil
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, handle)
		},
	}
}

// toStatus maps core errors to gRPC status codes.
func toStatus(err error) error {
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, conversation.ErrEmptyDraft):
		code = codes.InvalidArgument
	case errors.Is(err, provider.ErrNotFound), errors.Is(err, conversation.ErrNoMessage):
		code = codes.NotFound
	case errors.Is(err, provider.ErrUnsupported):
		code = codes.Unimplemented
	case errors.Is(err, conversation.ErrSendInFlight),
		errors.Is(err, conversation.ErrNotFailed),
		errors.Is(err, conversation.ErrSessionClosed),
		errors.Is(err, connection.ErrFailed),
		errors.Is(err, threads.ErrUnusable),
		errors.Is(err, status.ErrInvalidTransition):
		code = codes.FailedPrecondition
	}
	return grpcstatus.Error(code, err.Error())
}

func invalid(format string, args ...any) error {
	return grpcstatus.Errorf(codes.InvalidArgument, format, args...)
}

// Status reports the connection state and directory totals.
func (s *Service) Status(_ context.Context, _ Empty) (StatusReply, error) {
	reply := StatusReply{
		State:    string(s.conn.State()),
		Provider: s.conn.Provider(),
		Phase:    string(s.conn.Phase()),
		Status:   s.conn.Status(),
		Pairing:  s.conn.Pairing(),
		Threads:  s.dir.Counts().All,
		Unread:   s.dir.UnreadTotal(),
	}
	if err := s.conn.LastFailure(); err != nil {
		reply.LastError = err.Error()
	}
	if sess := s.sync.Active(); sess != nil {
		reply.Active = sess.Key()
	}
	return reply, nil
}

// Connect starts pairing. Progress is reported through Watch.
func (s *Service) Connect(ctx context.Context, _ Empty) (StatusReply, error) {
	if s.conn.State() == status.Error {
		s.conn.Reset()
	}
	if err := s.conn.Connect(ctx); err != nil {
		return StatusReply{}, err
	}
	return s.Status(ctx, Empty{})
}

// Disconnect cancels pairing or ends the live session.
func (s *Service) Disconnect(ctx context.Context, _ Empty) (StatusReply, error) {
	switch s.conn.State() {
	case status.Pairing:
		s.conn.CancelPairing()
	case status.Connected:
		if err := s.conn.Disconnect(ctx); err != nil {
			return StatusReply{}, err
		}
	case status.Error:
		s.conn.Reset()
	}
	s.sync.Deselect()
	return s.Status(ctx, Empty{})
}

// SwitchProvider changes the provider and leaves the connection Disconnected.
func (s *Service) SwitchProvider(ctx context.Context, req SwitchProviderRequest) (StatusReply, error) {
	if !req.Provider.Valid() {
		return StatusReply{}, invalid("unknown provider %q", req.Provider)
	}
	s.sync.Deselect()
	if err := s.conn.SwitchProvider(ctx, req.Provider); err != nil {
		return StatusReply{}, err
	}
	return s.Status(ctx, Empty{})
}

// ListThreads applies a filter to the directory.
func (s *Service) ListThreads(ctx context.Context, req ListThreadsRequest) (ThreadsReply, error) {
	if !req.Category.Valid() {
		return ThreadsReply{}, invalid("unknown category %q", req.Category)
	}
	if req.Refresh || !s.dir.Loaded() {
		if err := s.dir.Refresh(ctx); err != nil && (req.Refresh || !errors.Is(err, threads.ErrUnusable)) {
			return ThreadsReply{}, err
		}
	}
	view := s.dir.ApplyFilter(threads.Filter{Query: req.Query, Category: req.Category})
	if view == nil {
		view = []domain.Thread{}
	}
	return ThreadsReply{Threads: view, Counts: s.dir.Counts(), Unread: s.dir.UnreadTotal()}, nil
}

// RemoveThread deletes a thread remotely and locally.
func (s *Service) RemoveThread(ctx context.Context, req RemoveThreadRequest) (Empty, error) {
	if req.ID <= 0 {
		return Empty{}, invalid("thread id is required")
	}
	return Empty{}, s.dir.Remove(ctx, req.ID)
}

// SelectThread opens a conversation, replacing the open one.
func (s *Service) SelectThread(ctx context.Context, req ConversationRequest) (ConversationReply, error) {
	if req.Key == "" {
		return ConversationReply{}, invalid("conversation key is required")
	}
	sess, err := s.sync.Select(ctx, req.Key)
	if err != nil {
		return ConversationReply{}, err
	}
	return conversationReply(sess), nil
}

// Messages returns the message list of a conversation, opening it when it is
// not the open one.
func (s *Service) Messages(ctx context.Context, req ConversationRequest) (ConversationReply, error) {
	sess, opened, err := s.session(ctx, req.Key)
	if err != nil {
		return ConversationReply{}, err
	}
	if req.Refresh && !opened {
		if err := sess.Refresh(ctx); err != nil {
			return ConversationReply{}, err
		}
	}
	return conversationReply(sess), nil
}

// Send posts a draft optimistically.
func (s *Service) Send(ctx context.Context, req SendRequest) (SendReply, error) {
	sess, _, err := s.session(ctx, req.Key)
	if err != nil {
		return SendReply{}, err
	}
	d := conversation.Draft{Text: req.Text, Attachment: req.Attachment}
	return s.send(ctx, sess, func() (domain.Message, error) { return sess.Send(d) }, req.Wait)
}

// Resend sends the content of a failed message again in its place.
func (s *Service) Resend(ctx context.Context, req ResendRequest) (SendReply, error) {
	sess, ok := s.sync.Session(req.Key)
	if !ok {
		return SendReply{}, grpcstatus.Errorf(codes.FailedPrecondition, "conversation %s is not open", req.Key)
	}
	return s.send(ctx, sess, func() (domain.Message, error) { return sess.Retry(req.ID) }, req.Wait)
}

// send starts a send and, when wait is set, blocks until its outcome is
// published.
func (s *Service) send(ctx context.Context, sess *conversation.Session, start func() (domain.Message, error), wait bool) (SendReply, error) {
	var results <-chan bus.Event
	if wait {
		ch, unsub := s.bus.Subscribe("message.", 64)
		defer unsub()
		results = ch
	}

	msg, err := start()
	if err != nil {
		return SendReply{}, err
	}
	reply := SendReply{Message: msg}
	if !wait {
		return reply, nil
	}

	for {
		select {
		case evt := <-results:
			r, ok := evt.Payload.(conversation.SendResult)
			if !ok || r.Key != sess.Key() || r.ID != msg.ID {
				continue
			}
			if r.Err != nil {
				reply.Error = r.Err.Error()
			} else {
				reply.Confirmed = true
			}
			return reply, nil
		case <-ctx.Done():
			return reply, ctx.Err()
		}
	}
}

// SetAutomation reads or sets the automation flag of a conversation.
func (s *Service) SetAutomation(ctx context.Context, req AutomationRequest) (AutomationReply, error) {
	sess, _, err := s.session(ctx, req.Key)
	if err != nil {
		return AutomationReply{}, err
	}
	if req.Active == nil {
		return automationReply(sess.Automation()), nil
	}
	st, err := sess.SetAutomation(ctx, *req.Active)
	if err != nil {
		return automationReply(st), err
	}
	return automationReply(st), nil
}

// GetPreferences returns every preference.
func (s *Service) GetPreferences(_ context.Context, _ Empty) (prefs.Snapshot, error) {
	return s.prefs.Snapshot()
}

// SetWebhookConfirm stores the webhook confirmation preference.
func (s *Service) SetWebhookConfirm(_ context.Context, req WebhookConfirmRequest) (prefs.Snapshot, error) {
	w := prefs.WebhookConfirm(strings.ToLower(req.Value))
	if !w.Valid() {
		return prefs.Snapshot{}, invalid("webhook confirmation must be always, never or ask")
	}
	if err := s.prefs.SetWebhookConfirm(w); err != nil {
		return prefs.Snapshot{}, err
	}
	return s.prefs.Snapshot()
}

// session returns the open session for key, selecting it if another (or
// none) is open. opened reports whether it was just selected.
func (s *Service) session(ctx context.Context, key string) (*conversation.Session, bool, error) {
	if key == "" {
		return nil, false, invalid("conversation key is required")
	}
	if sess, ok := s.sync.Session(key); ok {
		return sess, false, nil
	}
	sess, err := s.sync.Select(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func conversationReply(sess *conversation.Session) ConversationReply {
	msgs := sess.Messages()
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return ConversationReply{
		Key:        sess.Key(),
		Messages:   msgs,
		Loaded:     sess.Loaded(),
		Sending:    sess.Sending(),
		Automation: automationReply(sess.Automation()),
	}
}

func automationReply(st automation.State) AutomationReply {
	return AutomationReply{State: st.String(), Active: st.Active(), Confirmed: st.Confirmed()}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	var req WatchRequest
	if err := fromStruct(in, &req); err != nil {
		return invalid("Watch: %v", err)
	}
	return srv.(*Service).watch(req, stream)
}

// watch streams bus events until the client goes away.
func (s *Service) watch(req WatchRequest, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(req.Prefix, 128)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := toStruct(Event{
				ID:      uuid.New().String(),
				Kind:    evt.Kind,
				AtMs:    evt.Timestamp.UnixMilli(),
				Payload: payloadView(evt.Payload),
			})
			if err != nil {
				s.logger.Debug("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// payloadView turns bus payloads into JSON-friendly values.
func payloadView(p any) any {
	switch v := p.(type) {
	case nil:
		return nil
	case error:
		return v.Error()
	case conversation.SendResult:
		m := map[string]any{"key": v.Key, "id": v.ID}
		if v.Err != nil {
			m["error"] = v.Err.Error()
		}
		return m
	case conversation.Update:
		return map[string]any{"key": v.Key, "messages": v.Messages}
	case connection.Failure:
		m := map[string]any{"provider": v.Provider}
		if v.Err != nil {
			m["error"] = v.Err.Error()
		}
		return m
	case automation.Change:
		return map[string]any{"key": v.Key, "state": v.State.String(), "active": v.State.Active()}
	case status.StatusChange:
		return map[string]any{"from": v.From, "to": v.To}
	case threads.Update:
		return map[string]any{"filter": v.Filter, "threads": v.View, "counts": v.Counts, "unread": v.Unread}
	default:
		return v
	}
}
