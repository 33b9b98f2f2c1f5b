package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	v1 "bankline/shared/contracts/bankline/v1"

	"github.com/coder/websocket"
)

func writeFrame(parent context.Context, conn *websocket.Conn, f v1.Frame, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

type closeKind uint8

const (
	closeAbnormal closeKind = iota
	closeNormal
	closeCancelled
)

// classifyClose decides whether a read error ends the channel for good.
// Only a normal-closure status from the peer does. A missing close frame
// (1006) or any other status is abnormal.
func classifyClose(err error) closeKind {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return closeNormal
	}
	if errors.Is(err, context.Canceled) {
		return closeCancelled
	}
	return closeAbnormal
}
