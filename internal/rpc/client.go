package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed wrapper over the control service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return fromStruct(out, resp)
}

func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var r StatusReply
	err := c.call(ctx, "Status", Empty{}, &r)
	return r, err
}

func (c *Client) Connect(ctx context.Context) (StatusReply, error) {
	var r StatusReply
	err := c.call(ctx, "Connect", Empty{}, &r)
	return r, err
}

func (c *Client) Disconnect(ctx context.Context) (StatusReply, error) {
	var r StatusReply
	err := c.call(ctx, "Disconnect", Empty{}, &r)
	return r, err
}

func (c *Client) SwitchProvider(ctx context.Context, req SwitchProviderRequest) (StatusReply, error) {
	var r StatusReply
	err := c.call(ctx, "SwitchProvider", req, &r)
	return r, err
}

func (c *Client) ListThreads(ctx context.Context, req ListThreadsRequest) (ThreadsReply, error) {
	var r ThreadsReply
	err := c.call(ctx, "ListThreads", req, &r)
	return r, err
}

func (c *Client) RemoveThread(ctx context.Context, id int64) error {
	return c.call(ctx, "RemoveThread", RemoveThreadRequest{ID: id}, &Empty{})
}

func (c *Client) SelectThread(ctx context.Context, key string) (ConversationReply, error) {
	var r ConversationReply
	err := c.call(ctx, "SelectThread", ConversationRequest{Key: key}, &r)
	return r, err
}

func (c *Client) Messages(ctx context.Context, req ConversationRequest) (ConversationReply, error) {
	var r ConversationReply
	err := c.call(ctx, "Messages", req, &r)
	return r, err
}

func (c *Client) Send(ctx context.Context, req SendRequest) (SendReply, error) {
	var r SendReply
	err := c.call(ctx, "Send", req, &r)
	return r, err
}

func (c *Client) Resend(ctx context.Context, req ResendRequest) (SendReply, error) {
	var r SendReply
	err := c.call(ctx, "Resend", req, &r)
	return r, err
}

func (c *Client) SetAutomation(ctx context.Context, req AutomationRequest) (AutomationReply, error) {
	var r AutomationReply
	err := c.call(ctx, "SetAutomation", req, &r)
	return r, err
}

func (c *Client) GetPreferences(ctx context.Context) (Preferences, error) {
	var r Preferences
	err := c.call(ctx, "GetPreferences", Empty{}, &r)
	return r, err
}

func (c *Client) SetWebhookConfirm(ctx context.Context, value string) (Preferences, error) {
	var r Preferences
	err := c.call(ctx, "SetWebhookConfirm", WebhookConfirmRequest{Value: value}, &r)
	return r, err
}

// Watch streams bus events whose kind starts with prefix until ctx ends. The
// returned channel is closed when the stream ends; the error function then
// reports why.
func (c *Client) Watch(ctx context.Context, prefix string) (<-chan Event, func() error, error) {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], "/"+ServiceName+"/Watch")
	if err != nil {
		return nil, nil, err
	}
	in, err := toStruct(WatchRequest{Prefix: prefix})
	if err != nil {
		return nil, nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, nil, err
	}

	out := make(chan Event, 16)
	var streamErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(out)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				if ctx.Err() == nil && !errors.Is(err, io.EOF) {
					streamErr = err
				}
				return
			}
			var evt Event
			if err := fromStruct(msg, &evt); err != nil {
				streamErr = err
				return
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() error { <-done; return streamErr }, nil
}
