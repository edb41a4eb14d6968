// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package push delivers messages to API Gateway WebSocket connections.
package push

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	awssession "github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go/service/apigatewaymanagementapi/apigatewaymanagementapiiface"
	"github.com/flopfight/relay/server/session"
)

// Encoder serializes an outbound message for the wire.
type Encoder func(message session.Outbound) ([]byte, error)

type APIGateway struct {
	svc    apigatewaymanagementapiiface.ApiGatewayManagementApiAPI
	encode Encoder
}

// NewAPIGateway creates a pusher for the management endpoint of a WebSocket API stage,
// e.g. https://abc123.execute-api.us-east-1.amazonaws.com/production.
func NewAPIGateway(sess *awssession.Session, endpoint string, encode Encoder) (*APIGateway, error) {
	if endpoint == "" {
		return nil, errors.New("missing websocket endpoint")
	}
	svc := apigatewaymanagementapi.New(sess, aws.NewConfig().WithEndpoint(endpoint))
	return NewAPIGatewayFromIface(svc, encode), nil
}

func NewAPIGatewayFromIface(svc apigatewaymanagementapiiface.ApiGatewayManagementApiAPI, encode Encoder) *APIGateway {
	return &APIGateway{svc: svc, encode: encode}
}

func (gateway *APIGateway) Push(ctx context.Context, conn string, message session.Outbound) (session.Delivery, error) {
	data, err := gateway.encode(message)
	if err != nil {
		return session.Delivered, fmt.Errorf("encode %T: %w", message, err)
	}

	_, err = gateway.svc.PostToConnectionWithContext(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(conn),
		Data:         data,
	})
	if gone(err) {
		return session.RecipientGone, nil
	}
	return session.Delivered, err
}

// Disconnect closes conn, ignoring connections that are already gone.
func (gateway *APIGateway) Disconnect(ctx context.Context, conn string) error {
	_, err := gateway.svc.DeleteConnectionWithContext(ctx, &apigatewaymanagementapi.DeleteConnectionInput{
		ConnectionId: aws.String(conn),
	})
	if gone(err) {
		return nil
	}
	return err
}

func gone(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == apigatewaymanagementapi.ErrCodeGoneException
}
