package ipc

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// wire is the minimal transport surface the broker and listener need. The
// production implementation is a ZeroMQ PAIR socket; tests substitute an
// in-memory pipe.
type wire interface {
	Send(frame string) error
	Recv() (string, error)
	Close() error
}

type zmqWire struct {
	sock zmq4.Socket
}

func (w *zmqWire) Send(frame string) error {
	return w.sock.Send(zmq4.NewMsgString(frame))
}

func (w *zmqWire) Recv() (string, error) {
	msg, err := w.sock.Recv()
	if err != nil {
		return "", err
	}
	return string(msg.Bytes()), nil
}

func (w *zmqWire) Close() error {
	return w.sock.Close()
}

func endpoint(socketPath string) string {
	return "ipc://" + socketPath
}

// dialWire connects the gateway side of the PAIR socket.
func dialWire(ctx context.Context, socketPath string) (wire, error) {
	sock := zmq4.NewPair(ctx)
	if err := sock.Dial(endpoint(socketPath)); err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint(socketPath), err)
	}
	return &zmqWire{sock: sock}, nil
}

// listenWire binds the datastore side of the PAIR socket.
func listenWire(ctx context.Context, socketPath string) (wire, error) {
	sock := zmq4.NewPair(ctx)
	if err := sock.Listen(endpoint(socketPath)); err != nil {
		return nil, fmt.Errorf("listen %s: %w", endpoint(socketPath), err)
	}
	return &zmqWire{sock: sock}, nil
}
