package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/yurilozorio/rah-sub001/internal/worker/storage"
)

func DecodeEventCursor(cursorStr string) (*storage.EventCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, err
	}

	decodedParts := strings.SplitN(string(decoded), "|", 2)
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var createdAt int64
	_, err = fmt.Sscanf(decodedParts[0], "%d", &createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid createdAt in cursor: %w", err)
	}

	return &storage.EventCursor{
		CreatedAt: time.Unix(0, createdAt).UTC(),
		EventID:   decodedParts[1],
	}, nil
}

func EncodeEventCursor(cursor *storage.EventCursor) string {
	cs := fmt.Sprintf("%d|%s", cursor.CreatedAt.UnixNano(), cursor.EventID)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}
