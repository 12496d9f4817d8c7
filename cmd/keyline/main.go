package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/keylinehq/keyline/internal/config"
	"github.com/keylinehq/keyline/internal/server"
	"github.com/keylinehq/keyline/pkg/db"
)

func main() {
	app := fx.New(
		config.Module,
		fx.Provide(NewSnowflakeNode),
		db.Module,
		server.Module,
	)
	app.Run()
}

func NewSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
