package network

import (
	"net"
	"strconv"

	"github.com/maxogod/secure-upload/src/common/network"
)

type connectionManager struct {
	host     string
	port     int
	listener net.Listener
}

func NewConnectionManager(host string, port int) ConnectionManager {
	return &connectionManager{
		host: host,
		port: port,
	}
}

func (cm *connectionManager) StartListening() error {
	ln, err := net.Listen("tcp", net.JoinHostPort(cm.host, strconv.Itoa(cm.port)))
	if err != nil {
		return err
	}

	cm.listener = ln

	return nil
}

func (cm *connectionManager) AcceptConnection() (network.ConnectionInterface, error) {
	conn, err := cm.listener.Accept()
	if err != nil {
		return nil, err
	}
	return network.NewConnectionFromExistent(conn), nil
}

func (cm *connectionManager) Addr() string {
	if cm.listener == nil {
		return ""
	}
	return cm.listener.Addr().String()
}

func (cm *connectionManager) Close() error {
	if cm.listener != nil {
		err := cm.listener.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
