package handlers

import (
	"cartsync-agent/internal/auth"
	"cartsync-agent/internal/cart"
	"cartsync-agent/internal/config"
	"cartsync-agent/internal/ws"

	"go.uber.org/zap"
)

type Handler struct {
	Manager *cart.Manager
	Creds   *auth.Store
	Logger  *zap.Logger
	Config  config.Config
	WS      *ws.Server
}
