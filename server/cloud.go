// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"fmt"
	"log"
	"time"
)

// Cloud publishes the server's status. Offline is used when there is no cloud.
type Cloud interface {
	fmt.Stringer
	UploadStatus(statusJSON []byte) error
	UpdatePeriod() time.Duration
}

type Offline struct{}

func (offline Offline) String() string {
	return "offline"
}

func (offline Offline) UploadStatus([]byte) error {
	return nil
}

func (offline Offline) UpdatePeriod() time.Duration {
	return time.Minute
}

type status struct {
	Server      string `json:"server"`
	Connections int    `json:"connections"`
	Time        int64  `json:"time"`
}

// Cloud refreshes the status served on / and uploads it.
func (h *Hub) Cloud() {
	statusJSON, err := json.Marshal(status{
		Server:      h.cloud.String(),
		Connections: h.clients.Len,
		Time:        time.Now().Unix(),
	})
	if err != nil {
		log.Println("error marshaling status:", err)
		return
	}
	h.statusJSON.Store(statusJSON)

	go func() {
		if err := h.cloud.UploadStatus(statusJSON); err != nil {
			log.Println("error uploading status:", err)
		}
	}()
}
