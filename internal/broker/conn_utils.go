package broker

import (
	"errors"
	"io"
	"net"
	"os"

	"github.com/life-stream-dev/treemq/internal/logger"
	"github.com/life-stream-dev/treemq/internal/mqtt"
)

func isNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func handleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case isNetClosedError(err):
		logger.DebugF("[%s] Connection closed locally", connID)
	case errors.Is(err, mqtt.ErrMalformedPacket):
		logger.ErrorF("[%s] Protocol violation, details: %v", connID, err)
	default:
		logger.ErrorF("[%s] Error occured while reading packet, details: %v", connID, err)
	}
}
