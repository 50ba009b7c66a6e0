package models

import (
	"encoding/base64"
	"strconv"
)

type PageInfo struct {
	StartCursor string `json:"startCursor"`
	EndCursor   string `json:"endCursor"`
	HasNextPage *bool  `json:"hasNextPage,omitempty"`
}

func EncodeIdCursor(id int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(id)))
}

// DecodeIdCursor returns 0 for a nil, empty or malformed cursor.
func DecodeIdCursor(cursor *string) int {
	if cursor == nil || *cursor == "" {
		return 0
	}
	b, err := base64.StdEncoding.DecodeString(*cursor)
	if err != nil {
		return 0
	}
	id, err := strconv.Atoi(string(b))
	if err != nil {
		return 0
	}
	return id
}
