package client

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/maxogod/secure-upload/src/client/business/file_service"
	"github.com/maxogod/secure-upload/src/client/business/uploader"
	"github.com/maxogod/secure-upload/src/client/config"
	"github.com/maxogod/secure-upload/src/common/crypto"
	"github.com/maxogod/secure-upload/src/common/logger"
	"github.com/maxogod/secure-upload/src/common/network"
)

type client struct {
	conf         *config.Config
	uploader     uploader.Uploader
	fileService  file_service.FileService
	running      atomic.Bool
	shutdownOnce sync.Once
}

func NewClient(conf *config.Config) (Client, error) {
	checksum, err := crypto.NewChecksum(conf.ChecksumAlgorithm)
	if err != nil {
		return nil, err
	}

	conn := network.NewConnection()
	if err := conn.Connect(conf.ServerAddress, conf.ConnectionRetries); err != nil {
		logger.Logger.Errorf("could not connect to server %s: %v", conf.ServerAddress, err)
		return nil, err
	}
	conn.SetIdleTimeout(conf.Timeout)

	return &client{
		conf:        conf,
		uploader:    uploader.NewUploader(conn, checksum),
		fileService: file_service.NewFileService(conf.InfoPath, conf.KeyPath),
	}, nil
}

func (c *client) Start() error {
	c.running.Store(true)
	c.setupGracefulShutdown()
	defer c.Shutdown()

	fileName, data, err := c.fileService.ReadUpload(c.conf.FilePath)
	if err != nil {
		return err
	}

	if err := c.authenticate(); err != nil {
		return c.handleError(err)
	}

	result, err := c.uploader.SendFile(fileName, data)
	if err != nil {
		logger.Logger.Errorf("action: upload | file: %s | attempts: %d | result: fail | error: %v", fileName, result.Attempts, err)
		return c.handleError(err)
	}

	logger.Logger.Infof("action: upload | file: %s | size: %d | chunks: %d | checksum: %d | result: success",
		fileName, len(data), result.Chunks, result.Checksum)
	return nil
}

func (c *client) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.running.Store(false)
		c.uploader.Close()
		logger.Logger.Infof("action: shutdown | result: success")
	})
}

/* --- UTILS PRIVATE METHODS --- */

// authenticate reconnects with the saved identity when there is one and
// registers a new identity otherwise, or when the server forgot the old one.
func (c *client) authenticate() error {
	identity, err := c.fileService.LoadIdentity()
	switch {
	case err == nil:
		err = c.uploader.Reconnect(identity.ClientID, identity.Name, identity.PrivateKey)
		if !errors.Is(err, uploader.ErrReconnectFailed) {
			return err
		}
		logger.Logger.Warnf("action: reconnect | name: %s | result: rejected, registering again", identity.Name)
	case errors.Is(err, os.ErrNotExist):
		logger.Logger.Debugf("no saved identity at %s, registering", c.conf.InfoPath)
	default:
		return err
	}

	return c.register()
}

func (c *client) register() error {
	id, err := c.uploader.Register(c.conf.ClientName)
	if err != nil {
		return err
	}

	key, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}

	identity := &file_service.Identity{Name: c.conf.ClientName, ClientID: id, PrivateKey: key}
	if err := c.fileService.SaveIdentity(identity); err != nil {
		return err
	}

	return c.uploader.SendPublicKey(c.conf.ClientName, key)
}

func (c *client) setupGracefulShutdown() {
	sigChannel := make(chan os.Signal, 1)
	signal.Notify(sigChannel, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigChannel
		logger.Logger.Infof("action: shutdown_signal | result: received")
		c.Shutdown()
	}()
}

func (c *client) handleError(err error) error {
	if err != nil && !c.running.Load() {
		return nil // Errors expected if connection is closed by shutdown mid processing
	}
	return err
}
