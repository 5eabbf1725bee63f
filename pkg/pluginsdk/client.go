// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pluginsdk

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/holomush/plughost/pkg/plugin"
)

// Client is the host-side stub of the plugin service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a client over an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, name string, in *structpb.Struct) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(name), in, out); err != nil {
		return nil, remoteError(name, err)
	}
	return out, nil
}

// Describe asks the plugin for its capabilities and schema.
func (c *Client) Describe(ctx context.Context) (*Description, error) {
	out, err := c.invoke(ctx, MethodDescribe, nil)
	if err != nil {
		return nil, err
	}
	var desc Description
	if err := fromStruct(out, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// Lifecycle runs one lifecycle operation in the plugin process.
func (c *Client) Lifecycle(ctx context.Context, op string, cfg map[string]any) error {
	in, err := toStruct(lifecycleRequest{Op: op, Config: cfg})
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, MethodLifecycle, in)
	return err
}

// HandleMessage forwards a message to the plugin.
func (c *Client) HandleMessage(ctx context.Context, msg *plugin.MessageContext) (*plugin.ProcessResult, error) {
	ex, err := c.exchange(ctx, MethodHandleMessage, messageExchange{Message: msg})
	if err != nil {
		return nil, err
	}
	return ex.Result, nil
}

// CanProcess asks the plugin's matcher whether it wants msg.
func (c *Client) CanProcess(ctx context.Context, msg *plugin.MessageContext) (bool, error) {
	in, err := toStruct(messageExchange{Message: msg})
	if err != nil {
		return false, err
	}
	out, err := c.invoke(ctx, MethodCanProcess, in)
	if err != nil {
		return false, err
	}
	return out.GetFields()["accept"].GetBoolValue(), nil
}

// Preprocess runs the plugin's preprocessor.
func (c *Client) Preprocess(ctx context.Context, msg *plugin.MessageContext) (*plugin.MessageContext, error) {
	ex, err := c.exchange(ctx, MethodPreprocess, messageExchange{Message: msg})
	if err != nil {
		return nil, err
	}
	return ex.Message, nil
}

// Postprocess runs the plugin's postprocessor.
func (c *Client) Postprocess(ctx context.Context, msg *plugin.MessageContext, res *plugin.ProcessResult) (*plugin.ProcessResult, error) {
	ex, err := c.exchange(ctx, MethodPostprocess, messageExchange{Message: msg, Result: res})
	if err != nil {
		return nil, err
	}
	return ex.Result, nil
}

// CheckHealth asks the plugin for its health; a nil error means healthy.
func (c *Client) CheckHealth(ctx context.Context) (bool, string, error) {
	out, err := c.invoke(ctx, MethodCheckHealth, nil)
	if err != nil {
		return false, "", err
	}
	var resp healthResponse
	if err := fromStruct(out, &resp); err != nil {
		return false, "", err
	}
	return resp.Healthy, resp.Message, nil
}

// TestConnection runs the plugin's connection test.
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.invoke(ctx, MethodTestConnection, nil)
	return err
}

func (c *Client) exchange(ctx context.Context, name string, ex messageExchange) (*messageExchange, error) {
	in, err := toStruct(ex)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, name, in)
	if err != nil {
		return nil, err
	}
	var resp messageExchange
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
