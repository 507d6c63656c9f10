package main

import (
	"github.com/maxogod/secure-upload/src/common/logger"
	"github.com/maxogod/secure-upload/src/server/config"
	"github.com/maxogod/secure-upload/src/server/internal/server"
)

func main() {
	conf, err := config.InitConfig()
	if err != nil {
		panic(err)
	}

	logger.InitLogger(logger.LoggerEnvironment(conf.LogLevel))
	defer logger.Sync()

	logger.Logger.Infof("Secure upload server starting with %s", conf)
	s, err := server.NewServer(conf)
	if err != nil {
		logger.Logger.Fatalf("Failed to create server: %v", err)
	}
	if err = s.Run(); err != nil {
		logger.Logger.Fatalf("Failed to run server: %v", err)
	}

	logger.Logger.Infof("Secure upload server finished successfully!")
}
