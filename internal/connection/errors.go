package connection

import "github.com/adred-codev/realtime-ws/internal/apperror"

var (
	errSocketClosed   = apperror.New(apperror.KindConnection, "socket.send", apperror.ErrConnectionClosed)
	errSendBufferFull = apperror.New(apperror.KindConnection, "socket.send", apperror.ErrSendBufferFull)
)
