package main

import (
	"io"
	"os"

	"go.uber.org/zap"

	"UDX/pkg/udxconn"
)

// pipe copies stdin to the stream and the stream to stdout. It returns once
// the peer has ended its side.
func pipe(conn *udxconn.Conn) error {
	go func() {
		if _, err := io.Copy(conn, os.Stdin); err != nil {
			log.Warn("stdin copy", zap.Error(err))
		}
		if err := conn.CloseWrite(); err != nil {
			log.Warn("end stream", zap.Error(err))
		}
	}()
	_, err := io.Copy(os.Stdout, conn)
	return err
}
