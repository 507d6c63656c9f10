package main

import (
	"os"
	"time"

	"github.com/maxogod/secure-upload/src/client/config"
	"github.com/maxogod/secure-upload/src/client/internal/client"
	"github.com/maxogod/secure-upload/src/common/logger"
)

func main() {
	before := time.Now()

	conf, err := config.InitConfig()
	if err != nil {
		logger.InitLogger(logger.LoggerEnvironment("info"))
		logger.Logger.Fatalf("failed to load config: %v", err)
	}

	logger.InitLogger(logger.LoggerEnvironment(conf.LogLevel))
	defer logger.Sync()
	logger.Logger.Debugln(conf.String())

	c, err := client.NewClient(conf)
	if err != nil {
		logger.Logger.Errorf("failed to create client: %v", err)
		os.Exit(1)
	}

	if err := c.Start(); err != nil {
		logger.Logger.Errorf("client error: %v", err)
		logger.Sync()
		os.Exit(1)
	}

	logger.Logger.Infof("client finished successfully in %s", time.Since(before))
}
