// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"errors"
	"strings"
	"time"

	"github.com/flopfight/relay/server/cloud/fs"
)

const (
	UpdatePeriod = 30 * time.Second

	// Seconds the status snapshot may be cached by readers.
	statusCache = 10
)

// A nil cloud is valid to use with any methods (acts as a no-op)
// This just means server is in offline mode
type Cloud struct {
	region string
	name   string
	fs     fs.Filesystem
}

// New publishes status snapshots under status/<name>.json.
func New(region, name string, filesystem fs.Filesystem) (*Cloud, error) {
	if name == "" {
		return nil, errors.New("missing server name")
	}
	if filesystem == nil {
		return nil, errors.New("missing filesystem")
	}
	return &Cloud{region: region, name: name, fs: filesystem}, nil
}

func (cloud *Cloud) String() string {
	var builder strings.Builder
	builder.WriteByte('[')
	if cloud == nil {
		builder.WriteString("offline")
	} else {
		builder.WriteString(cloud.region)
		builder.WriteByte(' ')
		builder.WriteString(cloud.name)
	}
	builder.WriteByte(']')
	return builder.String()
}

func (cloud *Cloud) StatusFile() string {
	if cloud == nil {
		return ""
	}
	return "status/" + cloud.name + ".json"
}

func (cloud *Cloud) UploadStatus(statusJSON []byte) error {
	if cloud == nil {
		return nil
	}
	return cloud.fs.UploadStaticFile(cloud.StatusFile(), statusCache, statusJSON)
}

func (cloud *Cloud) UpdatePeriod() time.Duration {
	return UpdatePeriod
}
