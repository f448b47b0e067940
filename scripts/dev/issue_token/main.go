package main

import (
	"flag"
	"fmt"

	"github.com/vultisig/phonevault/config"
	"github.com/vultisig/phonevault/service"
)

var client string

// Usage:
// `go run ./scripts/dev/issue_token -client=sms-gateway`
func main() {
	flag.StringVar(&client, "client", "", "name of the API client the token is for")
	flag.Parse()

	cfg, err := config.ReadConfig("config")
	if err != nil {
		panic(fmt.Errorf("fail to read config, err: %w", err))
	}
	if cfg.Server.JWTSecret == "" {
		panic("server.jwt_secret is not set")
	}

	token, err := service.NewAuthService(cfg.Server.JWTSecret).GenerateToken(client)
	if err != nil {
		panic(fmt.Errorf("fail to generate token, err: %w", err))
	}
	fmt.Println(token)
}
