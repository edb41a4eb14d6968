// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package fs

// Filesystem holds publicly readable files such as the status snapshot.
type Filesystem interface {
	UploadStaticFile(filename string, secondsCache int, data []byte) error
}
