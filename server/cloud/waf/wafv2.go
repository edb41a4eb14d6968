// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package waf exposes an AWS WAFv2 IP set as a ban.IPSet.
package waf

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/wafv2"
	"github.com/aws/aws-sdk-go/service/wafv2/wafv2iface"
	"github.com/flopfight/relay/server/ban"
)

// Scopes accepted by WAFv2.
const (
	ScopeRegional   = wafv2.ScopeRegional
	ScopeCloudfront = wafv2.ScopeCloudfront
)

type WAFv2IPSet struct {
	svc   wafv2iface.WAFV2API
	id    string
	name  string
	scope string
}

func NewWAFv2IPSet(session *session.Session, id, name, scope string) (*WAFv2IPSet, error) {
	return NewWAFv2IPSetFromIface(wafv2.New(session), id, name, scope)
}

func NewWAFv2IPSetFromIface(svc wafv2iface.WAFV2API, id, name, scope string) (*WAFv2IPSet, error) {
	if id == "" || name == "" {
		return nil, errors.New("missing ip set id or name")
	}
	if scope == "" {
		scope = ScopeRegional
	}
	if scope != ScopeRegional && scope != ScopeCloudfront {
		return nil, fmt.Errorf("invalid ip set scope %q", scope)
	}
	return &WAFv2IPSet{svc: svc, id: id, name: name, scope: scope}, nil
}

func (set *WAFv2IPSet) Get(ctx context.Context) ([]string, string, error) {
	output, err := set.svc.GetIPSetWithContext(ctx, &wafv2.GetIPSetInput{
		Id:    aws.String(set.id),
		Name:  aws.String(set.name),
		Scope: aws.String(set.scope),
	})
	if err != nil {
		return nil, "", err
	}

	var addresses []string
	if output.IPSet != nil {
		addresses = aws.StringValueSlice(output.IPSet.Addresses)
	}
	return addresses, aws.StringValue(output.LockToken), nil
}

func (set *WAFv2IPSet) Update(ctx context.Context, addresses []string, lockToken string) error {
	_, err := set.svc.UpdateIPSetWithContext(ctx, &wafv2.UpdateIPSetInput{
		Id:        aws.String(set.id),
		Name:      aws.String(set.name),
		Scope:     aws.String(set.scope),
		Addresses: aws.StringSlice(addresses),
		LockToken: aws.String(lockToken),
	})
	if lockConflict(err) {
		return fmt.Errorf("%w: %v", ban.ErrLockConflict, err)
	}
	return err
}

func lockConflict(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == wafv2.ErrCodeWAFOptimisticLockException
}
