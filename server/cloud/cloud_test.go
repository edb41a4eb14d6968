// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryFilesystem map[string]string

func (m memoryFilesystem) UploadStaticFile(filename string, _ int, data []byte) error {
	m[filename] = string(data)
	return nil
}

func TestUploadStatus(t *testing.T) {
	files := memoryFilesystem{}
	c, err := New("us-east-1", "relay-a", files)
	require.NoError(t, err)

	assert.Equal(t, "[us-east-1 relay-a]", c.String())
	require.NoError(t, c.UploadStatus([]byte(`{"connections":1}`)))
	assert.Equal(t, `{"connections":1}`, files["status/relay-a.json"])
	assert.Equal(t, UpdatePeriod, c.UpdatePeriod())
}

func TestNilCloud(t *testing.T) {
	var c *Cloud
	assert.Equal(t, "[offline]", c.String())
	assert.NoError(t, c.UploadStatus([]byte("{}")))
	assert.Equal(t, UpdatePeriod, c.UpdatePeriod())
}

func TestNewValidates(t *testing.T) {
	_, err := New("us-east-1", "", memoryFilesystem{})
	assert.Error(t, err)
	_, err = New("us-east-1", "relay-a", nil)
	assert.Error(t, err)
}
