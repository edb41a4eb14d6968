// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package waf

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/wafv2"
	"github.com/aws/aws-sdk-go/service/wafv2/wafv2iface"
	"github.com/flopfight/relay/server/ban"
	"github.com/flopfight/relay/server/cloud/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWAF struct {
	wafv2iface.WAFV2API
	addresses []string
	token     string
	updates   []*wafv2.UpdateIPSetInput
}

func (m *mockWAF) GetIPSetWithContext(_ aws.Context, input *wafv2.GetIPSetInput, _ ...request.Option) (*wafv2.GetIPSetOutput, error) {
	return &wafv2.GetIPSetOutput{
		IPSet:     &wafv2.IPSet{Addresses: aws.StringSlice(m.addresses), Id: input.Id, Name: input.Name},
		LockToken: aws.String(m.token),
	}, nil
}

func (m *mockWAF) UpdateIPSetWithContext(_ aws.Context, input *wafv2.UpdateIPSetInput, _ ...request.Option) (*wafv2.UpdateIPSetOutput, error) {
	m.updates = append(m.updates, input)
	if aws.StringValue(input.LockToken) != m.token {
		return nil, awserr.New(wafv2.ErrCodeWAFOptimisticLockException, "stale lock token", nil)
	}
	m.addresses = aws.StringValueSlice(input.Addresses)
	m.token += "'"
	return &wafv2.UpdateIPSetOutput{NextLockToken: aws.String(m.token)}, nil
}

func TestWAFv2IPSet(t *testing.T) {
	ctx := context.Background()
	mock := &mockWAF{addresses: []string{"1.2.3.4/32"}, token: "a"}
	set, err := NewWAFv2IPSetFromIface(mock, "id", "bans", "")
	require.NoError(t, err)

	addresses, token, err := set.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2.3.4/32"}, addresses)
	assert.Equal(t, "a", token)

	require.NoError(t, set.Update(ctx, nil, token))
	assert.Empty(t, mock.addresses)
	require.Len(t, mock.updates, 1)
	assert.Equal(t, ScopeRegional, aws.StringValue(mock.updates[0].Scope))
	assert.NotNil(t, mock.updates[0].Addresses)

	// Token is now stale
	err = set.Update(ctx, []string{"5.6.7.8/32"}, token)
	assert.ErrorIs(t, err, ban.ErrLockConflict)
}

func TestNewWAFv2IPSetValidation(t *testing.T) {
	_, err := NewWAFv2IPSetFromIface(&mockWAF{}, "", "bans", ScopeRegional)
	assert.Error(t, err)

	_, err = NewWAFv2IPSetFromIface(&mockWAF{}, "id", "bans", "GLOBAL")
	assert.Error(t, err)

	_, err = NewWAFv2IPSetFromIface(&mockWAF{}, "id", "bans", ScopeCloudfront)
	assert.NoError(t, err)
}

func TestPropagatorWithWAF(t *testing.T) {
	mock := &mockWAF{token: "a"}
	set, err := NewWAFv2IPSetFromIface(mock, "id", "bans", ScopeRegional)
	require.NoError(t, err)

	p := ban.New(set, ban.DefaultConfig())
	require.NoError(t, p.Reconcile(context.Background(), []db.BanChange{
		{Kind: db.BanInserted, Address: "1.2.3.4"},
		{Kind: db.BanModified, Address: "5.6.7.8"},
	}))
	assert.Equal(t, []string{"1.2.3.4/32", "5.6.7.8/32"}, mock.addresses)
}
