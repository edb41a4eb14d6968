// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package db

import (
	"encoding/csv"
	"fmt"
	"os"
)

// appendCSV appends one record to filename, creating it if necessary.
func appendCSV(filename string, fields ...interface{}) (err error) {
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)

	record := make([]string, 0, len(fields))
	for _, field := range fields {
		switch v := field.(type) {
		case float32, float64:
			record = append(record, fmt.Sprintf("%.1f", v))
		default:
			record = append(record, fmt.Sprint(v))
		}
	}

	if err = w.Write(record); err != nil {
		return
	}

	w.Flush()
	return w.Error()
}

func appendGameLog(filename string, entry GameLog) error {
	return appendCSV(filename,
		entry.DateKey,
		entry.MatchID,
		entry.RoomCode,
		entry.Winner,
		entry.DurationSec,
		entry.HitCount,
		entry.P1Addr,
		entry.P2Addr,
		entry.P1HP,
		entry.P2HP,
		entry.Seed,
		entry.EndedAt,
		entry.Timeup,
	)
}
