// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package db

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDynamo struct {
	dynamodbiface.DynamoDBAPI
	err     error
	updates []*dynamodb.UpdateItemInput
	puts    []*dynamodb.PutItemInput
}

func (m *mockDynamo) UpdateItemWithContext(_ aws.Context, input *dynamodb.UpdateItemInput, _ ...request.Option) (*dynamodb.UpdateItemOutput, error) {
	m.updates = append(m.updates, input)
	if m.err != nil {
		return nil, m.err
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamo) PutItemWithContext(_ aws.Context, input *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	m.puts = append(m.puts, input)
	if m.err != nil {
		return nil, m.err
	}
	return &dynamodb.PutItemOutput{}, nil
}

func attributeNames(names map[string]*string) []string {
	var out []string
	for _, name := range names {
		out = append(out, aws.StringValue(name))
	}
	return out
}

func newMockDynamo(t *testing.T, err error) (*DynamoDBDatabase, *mockDynamo) {
	svc := &mockDynamo{err: err}
	ddb, dbErr := NewDynamoDBDatabaseFromIface(svc, DefaultTables("test"))
	require.NoError(t, dbErr)
	return ddb, svc
}

func TestDynamoClaimSecondSlot(t *testing.T) {
	ctx := context.Background()
	ddb, svc := newMockDynamo(t, nil)

	result, err := ddb.ClaimSecondSlot(ctx, "AB12CD", pairing("a", "b"), testNow)
	require.NoError(t, err)
	assert.Equal(t, Applied, result)
	require.Len(t, svc.updates, 1)

	input := svc.updates[0]
	assert.Equal(t, "flopfight-test-rooms", aws.StringValue(input.TableName))
	assert.Contains(t, aws.StringValue(input.ConditionExpression), "attribute_not_exists")
	assert.Subset(t, attributeNames(input.ExpressionAttributeNames), []string{"status", "p1ConnectionId", "p2ConnectionId", "ttl"})

	// Rejected before reaching the table
	for _, p := range []Pairing{pairing("", "b"), pairing("a", "a")} {
		result, err = ddb.ClaimSecondSlot(ctx, "AB12CD", p, testNow)
		require.NoError(t, err)
		assert.Equal(t, PreconditionFailed, result)
	}
	assert.Len(t, svc.updates, 1)
}

func TestDynamoConditionalFailure(t *testing.T) {
	ctx := context.Background()
	ddb, _ := newMockDynamo(t, awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "condition failed", nil))

	result, err := ddb.CreateRoom(ctx, waitingRoom("AB12CD", "a"), testNow)
	require.NoError(t, err)
	assert.Equal(t, PreconditionFailed, result)

	result, err = ddb.PutGameLog(ctx, GameLog{DateKey: "2024-03-01", MatchID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, PreconditionFailed, result)

	result, err = ddb.ClaimFirstSlot(ctx, "AB12CD", "a", "", testNow+300, testNow)
	require.NoError(t, err)
	assert.Equal(t, PreconditionFailed, result)
}

func TestDynamoOtherErrors(t *testing.T) {
	broken := errors.New("connection reset")
	ddb, _ := newMockDynamo(t, broken)

	_, err := ddb.CreateRoom(context.Background(), waitingRoom("AB12CD", "a"), testNow)
	assert.ErrorIs(t, err, broken)
}

func TestDynamoTables(t *testing.T) {
	_, err := NewDynamoDBDatabaseFromIface(&mockDynamo{}, Tables{Rooms: "rooms"})
	assert.Error(t, err)
}
