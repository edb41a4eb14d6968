// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package db

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams"
	"github.com/aws/aws-sdk-go/service/dynamodbstreams/dynamodbstreamsiface"
)

const (
	streamPollPeriod   = time.Second
	streamRefreshPolls = 30
	streamRecordLimit  = 1000
)

// DynamoBanStream polls the throttle table's stream and emits ban changes, one batch per
// page of records, in shard order.
type DynamoBanStream struct {
	streams dynamodbstreamsiface.DynamoDBStreamsAPI
	ddb     dynamodbiface.DynamoDBAPI
	table   string
	arn     string

	PollPeriod time.Duration
}

// NewDynamoBanStream reads the stream of the throttle table. If arn is empty, the table's
// latest stream is used.
func NewDynamoBanStream(session *session.Session, table, arn string) *DynamoBanStream {
	return &DynamoBanStream{
		streams:    dynamodbstreams.New(session),
		ddb:        dynamodb.New(session),
		table:      table,
		arn:        arn,
		PollPeriod: streamPollPeriod,
	}
}

func (stream *DynamoBanStream) streamARN(ctx context.Context) (string, error) {
	if stream.arn != "" {
		return stream.arn, nil
	}
	out, err := stream.ddb.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(stream.table),
	})
	if err != nil {
		return "", err
	}
	if out.Table == nil || out.Table.LatestStreamArn == nil {
		return "", errors.New("table " + stream.table + " has no stream")
	}
	stream.arn = *out.Table.LatestStreamArn
	return stream.arn, nil
}

// Run blocks until ctx is done.
func (stream *DynamoBanStream) Run(ctx context.Context, out chan<- []BanChange) error {
	arn, err := stream.streamARN(ctx)
	if err != nil {
		return err
	}

	iterators := make(map[string]*string)
	closed := make(map[string]bool)
	initial, refresh := true, false

	ticker := time.NewTicker(stream.PollPeriod)
	defer ticker.Stop()

	for polls := 0; ; polls++ {
		if initial || refresh || polls%streamRefreshPolls == 0 {
			if err := stream.discover(ctx, arn, iterators, closed, initial); err != nil {
				log.Println("ban stream: discover error:", err)
			} else {
				initial, refresh = false, false
			}
		}

		for shardID, iterator := range iterators {
			records, err := stream.streams.GetRecordsWithContext(ctx, &dynamodbstreams.GetRecordsInput{
				ShardIterator: iterator,
				Limit:         aws.Int64(streamRecordLimit),
			})
			if err != nil {
				var awsErr awserr.Error
				if errors.As(err, &awsErr) && (awsErr.Code() == dynamodbstreams.ErrCodeExpiredIteratorException ||
					awsErr.Code() == dynamodbstreams.ErrCodeTrimmedDataAccessException) {
					// Rediscovered (from the trim horizon) on the next refresh
					delete(iterators, shardID)
					refresh = true
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Println("ban stream: get records error:", shardID, err)
				continue
			}

			if changes := banChanges(records.Records); len(changes) > 0 {
				select {
				case out <- changes:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			if records.NextShardIterator == nil {
				delete(iterators, shardID)
				closed[shardID] = true
				refresh = true
			} else {
				iterators[shardID] = records.NextShardIterator
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// discover opens iterators for shards not yet being read. A child shard waits until its
// parent is exhausted so ordering per key is preserved.
func (stream *DynamoBanStream) discover(ctx context.Context, arn string, iterators map[string]*string, closed map[string]bool, initial bool) error {
	var start *string
	for {
		out, err := stream.streams.DescribeStreamWithContext(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(arn),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			return err
		}

		for _, shard := range out.StreamDescription.Shards {
			id := aws.StringValue(shard.ShardId)
			if _, ok := iterators[id]; ok || closed[id] {
				continue
			}
			if parent := aws.StringValue(shard.ParentShardId); parent != "" {
				if _, reading := iterators[parent]; reading {
					continue
				}
			}
			ended := shard.SequenceNumberRange != nil && shard.SequenceNumberRange.EndingSequenceNumber != nil

			// Startup skips history; shards found later are read from the start.
			iteratorType := dynamodbstreams.ShardIteratorTypeTrimHorizon
			if initial {
				if ended {
					closed[id] = true
					continue
				}
				iteratorType = dynamodbstreams.ShardIteratorTypeLatest
			}

			it, err := stream.streams.GetShardIteratorWithContext(ctx, &dynamodbstreams.GetShardIteratorInput{
				StreamArn:         aws.String(arn),
				ShardId:           shard.ShardId,
				ShardIteratorType: aws.String(iteratorType),
			})
			if err != nil {
				return err
			}
			iterators[id] = it.ShardIterator
		}

		start = out.StreamDescription.LastEvaluatedShardId
		if start == nil {
			return nil
		}
	}
}

func banChanges(records []*dynamodbstreams.Record) []BanChange {
	var changes []BanChange
	for _, record := range records {
		if record.Dynamodb == nil {
			continue
		}
		pk := record.Dynamodb.Keys["pk"]
		if pk == nil {
			continue
		}
		addr, ok := BanAddress(aws.StringValue(pk.S))
		if !ok {
			continue
		}

		var kind BanChangeKind
		switch aws.StringValue(record.EventName) {
		case dynamodbstreams.OperationTypeInsert:
			kind = BanInserted
		case dynamodbstreams.OperationTypeModify:
			kind = BanModified
		case dynamodbstreams.OperationTypeRemove:
			kind = BanRemoved
		default:
			continue
		}
		changes = append(changes, BanChange{Kind: kind, Address: addr})
	}
	return changes
}
